package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openassets/solvency-backend/internal/jobs"
)

type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, topic string, payload []byte) error {
	q := `INSERT INTO outbox_jobs (topic, payload, status) VALUES ($1, $2::jsonb, 'pending')`
	_, err := r.pool.Exec(ctx, q, topic, payload)
	return err
}

// ClaimPending flips a batch to in_progress and returns it. SKIP LOCKED
// keeps concurrent workers from claiming the same rows.
func (r *OutboxRepository) ClaimPending(ctx context.Context, limit int32) ([]jobs.OutboxJob, error) {
	if limit <= 0 {
		limit = 25
	}
	q := `
UPDATE outbox_jobs
SET status = 'in_progress', claimed_at = NOW()
WHERE id IN (
  SELECT id FROM outbox_jobs
  WHERE status = 'pending' AND (available_at IS NULL OR available_at <= NOW())
  ORDER BY id
  LIMIT $1
  FOR UPDATE SKIP LOCKED
)
RETURNING id, topic, payload::text, attempts
`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]jobs.OutboxJob, 0)
	for rows.Next() {
		var job jobs.OutboxJob
		var payloadText string
		if err := rows.Scan(&job.ID, &job.Topic, &payloadText, &job.Attempts); err != nil {
			return nil, err
		}
		job.Payload = []byte(payloadText)
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *OutboxRepository) MarkDone(ctx context.Context, jobID int64) error {
	q := `UPDATE outbox_jobs SET status = 'done', completed_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, jobID)
	return err
}

func (r *OutboxRepository) MarkRetry(ctx context.Context, jobID int64, nextAvailableAt time.Time, lastError string) error {
	q := `
UPDATE outbox_jobs
SET status = 'pending', attempts = attempts + 1, available_at = $2, last_error = $3
WHERE id = $1
`
	_, err := r.pool.Exec(ctx, q, jobID, nextAvailableAt, lastError)
	return err
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, jobID int64, lastError string) error {
	q := `UPDATE outbox_jobs SET status = 'failed', last_error = $2, completed_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, jobID, lastError)
	return err
}
