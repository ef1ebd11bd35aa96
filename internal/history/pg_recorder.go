package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deliveryhero/asya/asya-upscaler/pkg/types"
)

// ErrNotFound is returned when a job has no recorded outcome
var ErrNotFound = errors.New("no outcome recorded")

var schema = []string{`
	CREATE TABLE IF NOT EXISTS upscale_outcomes (
		job_id            TEXT        NOT NULL,
		stage             TEXT        NOT NULL,
		scale             INTEGER     NOT NULL,
		input_width       INTEGER,
		input_height      INTEGER,
		output_width      INTEGER,
		output_height     INTEGER,
		error             TEXT,
		duration_ms       BIGINT      NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL,
		completed_at      TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (job_id, created_at)
	)`,
	`CREATE INDEX IF NOT EXISTS upscale_outcomes_completed_at_idx ON upscale_outcomes (completed_at DESC)`,
}

// PgRecorder keeps an audit trail of finished jobs in PostgreSQL
type PgRecorder struct {
	pool      *pgxpool.Pool
	retention time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewPgRecorder connects, creates the table if needed and starts the cleanup loop.
// Rows older than retention are deleted hourly; 0 keeps them forever.
func NewPgRecorder(ctx context.Context, connString string, retention time.Duration) (*PgRecorder, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	config.MaxConns = 5
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	recCtx, cancel := context.WithCancel(context.Background())
	r := &PgRecorder{
		pool:      pool,
		retention: retention,
		ctx:       recCtx,
		cancel:    cancel,
	}

	if retention > 0 {
		go r.cleanupOldOutcomes()
	}

	return r, nil
}

// Close stops the cleanup loop and closes the pool
func (r *PgRecorder) Close() {
	r.cancel()
	r.pool.Close()
}

// RecordOutcome stores one terminal job; recording the same job twice is a no-op
func (r *PgRecorder) RecordOutcome(ctx context.Context, o types.Outcome) error {
	query := `
		INSERT INTO upscale_outcomes (job_id, stage, scale, input_width, input_height,
		                              output_width, output_height, error, duration_ms, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (job_id, created_at) DO NOTHING
	`

	inW, inH := dimensionArgs(o.Input)
	outW, outH := dimensionArgs(o.Output)

	var errorStr *string
	if o.Error != "" {
		errorStr = &o.Error
	}

	_, err := r.pool.Exec(ctx, query,
		o.JobID,
		o.Stage,
		o.Scale,
		inW, inH,
		outW, outH,
		errorStr,
		o.DurationMS,
		o.CreatedAt,
		o.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outcome: %w", err)
	}

	return nil
}

// Recent returns the latest outcomes, newest first
func (r *PgRecorder) Recent(ctx context.Context, limit int) ([]types.Outcome, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT job_id, stage, scale, input_width, input_height, output_width, output_height,
		       error, duration_ms, created_at, completed_at
		FROM upscale_outcomes
		ORDER BY completed_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []types.Outcome{}
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}

	return outcomes, rows.Err()
}

// ForJob returns the most recent outcome recorded under id
func (r *PgRecorder) ForJob(ctx context.Context, id string) (types.Outcome, error) {
	query := `
		SELECT job_id, stage, scale, input_width, input_height, output_width, output_height,
		       error, duration_ms, created_at, completed_at
		FROM upscale_outcomes
		WHERE job_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	o, err := scanOutcome(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Outcome{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return o, err
}

func scanOutcome(row pgx.Row) (types.Outcome, error) {
	var o types.Outcome
	var inW, inH, outW, outH *int
	var errorStr *string

	err := row.Scan(
		&o.JobID,
		&o.Stage,
		&o.Scale,
		&inW, &inH,
		&outW, &outH,
		&errorStr,
		&o.DurationMS,
		&o.CreatedAt,
		&o.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return o, err
		}
		return o, fmt.Errorf("failed to scan outcome: %w", err)
	}

	o.Input = dimensionsFrom(inW, inH)
	o.Output = dimensionsFrom(outW, outH)
	o.Duration = time.Duration(o.DurationMS) * time.Millisecond
	if errorStr != nil {
		o.Error = *errorStr
	}

	return o, nil
}

func dimensionArgs(d *types.Dimensions) (*int, *int) {
	if d == nil {
		return nil, nil
	}
	w, h := d.Width, d.Height
	return &w, &h
}

func dimensionsFrom(w, h *int) *types.Dimensions {
	if w == nil || h == nil {
		return nil
	}
	return &types.Dimensions{Width: *w, Height: *h}
}

// cleanupOldOutcomes periodically deletes rows past the retention period
func (r *PgRecorder) cleanupOldOutcomes() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.retention)
			tag, err := r.pool.Exec(r.ctx, `DELETE FROM upscale_outcomes WHERE completed_at < $1`, cutoff)
			if err != nil {
				slog.Warn("Failed to clean up old outcomes", "error", err)
				continue
			}
			if n := tag.RowsAffected(); n > 0 {
				slog.Debug("Cleaned up old outcomes", "rows", n)
			}
		}
	}
}
