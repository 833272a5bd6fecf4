package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
)

// singletonID keys the one lock row the agent ever holds. The table is
// exclusively owned by the agent; nothing else writes it.
const singletonID = "reconciliation"

// Execer is the subset of pgxpool.Pool the lock needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Service is a datastore-backed singleton mutex. Multiple agent replicas
// may race to acquire it; exactly one wins per cycle. A TTL on the row
// lets a crashed holder's lock self-expire.
type Service struct {
	db  Execer
	log *logrus.Entry
}

func NewService(db Execer, log *logrus.Entry) *Service {
	return &Service{db: db, log: log}
}

// Acquire purges any expired lock row left behind by a crashed run, then
// attempts to insert the singleton row. A unique violation means another
// run currently holds the lock: (false, nil), callers skip the cycle
// without error. Any other failure is a real error.
func (s *Service) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	if _, err := s.db.Exec(ctx, `DELETE FROM reconciliation_locks WHERE expires_at < now()`); err != nil {
		return false, fmt.Errorf("lock: purge expired: %w", err)
	}

	const insertSQL = `
		INSERT INTO reconciliation_locks (id, acquired_at, expires_at)
		VALUES ($1, now(), now() + $2::interval)
	`
	if _, err := s.db.Exec(ctx, insertSQL, singletonID, ttl); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("lock: acquire: %w", err)
	}
	return true, nil
}

// Release deletes the singleton row unconditionally. Failure is logged,
// never returned: the TTL is the backstop, the next cycle's purge will
// clean up.
func (s *Service) Release(ctx context.Context) {
	if _, err := s.db.Exec(ctx, `DELETE FROM reconciliation_locks WHERE id = $1`, singletonID); err != nil {
		s.log.WithError(err).Warn("lock release failed; row will expire via ttl")
	}
}
