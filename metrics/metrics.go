package metrics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
)

// Run accumulates the counters for one reconciliation execution. It is
// mutated only by the single goroutine driving the run, so no locking.
type Run struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Processed  int
	Updated    int
	APICalls   int
	APIErrors  int
	Errors     []string
	Success    bool
}

// NewRun starts a fresh record with a generated run identifier.
func NewRun() *Run {
	return &Run{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
}

func (r *Run) IncProcessed() { r.Processed++ }
func (r *Run) IncUpdated()   { r.Updated++ }
func (r *Run) IncAPICall()   { r.APICalls++ }
func (r *Run) IncAPIError()  { r.APIErrors++ }

// RecordError appends a per-order error message. These never fail the
// run; they are surfaced through the persisted summary.
func (r *Run) RecordError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// SuccessRate derives the API success ratio for the run. A run that made
// no calls is trivially successful.
func (r *Run) SuccessRate() float64 {
	if r.APICalls == 0 {
		return 1
	}
	return float64(r.APICalls-r.APIErrors) / float64(r.APICalls)
}

// Execer is the subset of pgxpool.Pool the recorder needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Recorder persists one summary row per run, best effort. A metrics
// write failure must never fail the run, so Persist swallows its own
// errors and logs them.
type Recorder struct {
	db  Execer
	log *logrus.Entry
}

func NewRecorder(db Execer, log *logrus.Entry) *Recorder {
	return &Recorder{db: db, log: log}
}

// Persist writes the summary row. Called exactly once per run, on every
// exit path, success or failure.
func (rec *Recorder) Persist(ctx context.Context, run *Run) {
	const insertSQL = `
		INSERT INTO reconciliation_metrics
			(run_id, started_at, finished_at, duration_ms, processed, updated,
			 api_calls, api_errors, errors, success_rate, success)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	duration := run.FinishedAt.Sub(run.StartedAt).Milliseconds()
	errs := run.Errors
	if errs == nil {
		errs = []string{}
	}
	_, err := rec.db.Exec(ctx, insertSQL,
		run.RunID, run.StartedAt, run.FinishedAt, duration,
		run.Processed, run.Updated, run.APICalls, run.APIErrors,
		errs, run.SuccessRate(), run.Success,
	)
	if err != nil {
		rec.log.WithError(err).WithField("run_id", run.RunID).Warn("persist run metrics failed")
	}
}
