package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrInvalidStatus is returned when a caller asks for a write with a
	// status outside the local enum.
	ErrInvalidStatus = errors.New("order: invalid status")
)

// Querier is the subset of pgxpool.Pool the repository needs. Narrowing
// the dependency keeps the repository testable with fakes.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository reads and corrects order rows. All writes use optimistic
// row-level guards; the agent never takes table locks.
type Repository struct {
	db Querier
}

func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

// FetchPending returns pending orders older than maxAge, capped at
// batchSize, each joined with its first gateway charge. Fresh orders are
// deliberately excluded: they are still inside their normal payment
// window and a webhook is likely on the way.
func (r *Repository) FetchPending(ctx context.Context, maxAge time.Duration, batchSize int) ([]Order, error) {
	const query = `
		SELECT o.id, o.status, o.customer_email, o.amount_cents, o.created_at, o.updated_at,
		       c.id, c.amount_cents, c.status, c.created_at
		FROM orders o
		LEFT JOIN LATERAL (
			SELECT id, amount_cents, status, created_at
			FROM charges
			WHERE order_id = o.id
			ORDER BY created_at ASC
			LIMIT 1
		) c ON true
		WHERE o.status = 'pending'
		  AND o.created_at < now() - $1::interval
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, maxAge, batchSize)
	if err != nil {
		return nil, fmt.Errorf("order: fetch pending: %w", err)
	}
	defer rows.Close()

	orders := make([]Order, 0, batchSize)
	for rows.Next() {
		var (
			o         Order
			chargeID  *string
			amount    *int64
			status    *string
			createdAt *time.Time
		)
		if err := rows.Scan(&o.ID, &o.Status, &o.CustomerEmail, &o.AmountCents, &o.CreatedAt, &o.UpdatedAt,
			&chargeID, &amount, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("order: scan pending order: %w", err)
		}
		if chargeID != nil {
			o.Charge = &Charge{
				ID:          *chargeID,
				OrderID:     o.ID,
				AmountCents: *amount,
				Status:      *status,
				CreatedAt:   *createdAt,
			}
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: iterate pending orders: %w", err)
	}
	return orders, nil
}

// ApplyStatusUpdate performs the guarded status correction and the audit
// append as one transaction. The UPDATE only lands when the row still
// holds the status the agent observed; zero rows affected means a
// concurrent writer (the webhook path) got there first, which is a benign
// no-op, not an error. Returns true when the order row was changed.
func (r *Repository) ApplyStatusUpdate(ctx context.Context, params StatusUpdateParams) (bool, error) {
	if !params.NewStatus.Valid() || !params.ObservedStatus.Valid() {
		return false, ErrInvalidStatus
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("order: begin status update tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const updateSQL = `
		UPDATE orders
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`
	tag, err := tx.Exec(ctx, updateSQL, params.OrderID, params.NewStatus, params.ObservedStatus)
	if err != nil {
		return false, fmt.Errorf("order: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race with a concurrent writer. Leave the row alone.
		return false, nil
	}

	const auditSQL = `
		INSERT INTO order_status_audit (order_id, old_status, new_status, run_id, charge_id)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, auditSQL, params.OrderID, params.ObservedStatus, params.NewStatus, params.RunID, params.ChargeID); err != nil {
		return false, fmt.Errorf("order: insert audit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("order: commit status update: %w", err)
	}
	return true, nil
}
