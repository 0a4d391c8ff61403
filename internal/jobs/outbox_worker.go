package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const notifyTopic = "notify_position_event"

type OutboxJob struct {
	ID          int64
	Topic       string
	Payload     []byte
	Status      string
	Attempts    int32
	LastError   string
	AvailableAt time.Time
}

type OutboxRepository interface {
	ClaimPending(ctx context.Context, limit int32) ([]OutboxJob, error)
	MarkDone(ctx context.Context, jobID int64) error
	MarkRetry(ctx context.Context, jobID int64, nextAvailableAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, jobID int64, lastError string) error
}

// PositionEvent is the notification payload the ledger enqueues on every
// mutation.
type PositionEvent struct {
	PositionID uint64 `json:"position_id"`
	Owner      string `json:"owner"`
	Kind       string `json:"kind"`
	Amount     string `json:"amount"`
	Status     string `json:"status"`
}

// Notifier is the fire-and-forget notification sink. Delivery failures are
// retried here and never touch ledger state.
type Notifier interface {
	NotifyPositionEvent(ctx context.Context, ev PositionEvent) error
}

type Worker struct {
	outboxRepo   OutboxRepository
	notifier     Notifier
	maxAttempts  int32
	now          func() time.Time
	retryBackoff func(attempt int32) time.Duration
}

func NewWorker(outboxRepo OutboxRepository, notifier Notifier) *Worker {
	return &Worker{
		outboxRepo:  outboxRepo,
		notifier:    notifier,
		maxAttempts: 5,
		now:         func() time.Time { return time.Now().UTC() },
		retryBackoff: func(attempt int32) time.Duration {
			if attempt < 1 {
				attempt = 1
			}
			return time.Duration(attempt*15) * time.Second
		},
	}
}

func (w *Worker) RunOnce(ctx context.Context, batchSize int32) error {
	jobs, err := w.outboxRepo.ClaimPending(ctx, batchSize)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if err := w.processJob(ctx, job); err != nil {
			return err
		}
	}

	return nil
}

func (w *Worker) processJob(ctx context.Context, job OutboxJob) error {
	switch job.Topic {
	case notifyTopic:
		return w.processNotify(ctx, job)
	default:
		if job.Attempts >= w.maxAttempts {
			return w.outboxRepo.MarkFailed(ctx, job.ID, "unsupported_topic")
		}
		next := w.now().Add(w.retryBackoff(job.Attempts))
		return w.outboxRepo.MarkRetry(ctx, job.ID, next, "unsupported_topic")
	}
}

func (w *Worker) processNotify(ctx context.Context, job OutboxJob) error {
	var ev PositionEvent
	if err := json.Unmarshal(job.Payload, &ev); err != nil {
		return w.handleJobError(ctx, job, fmt.Errorf("invalid_payload"))
	}
	if ev.PositionID == 0 || ev.Kind == "" {
		return w.handleJobError(ctx, job, fmt.Errorf("missing_event_fields"))
	}

	if err := w.notifier.NotifyPositionEvent(ctx, ev); err != nil {
		return w.handleJobError(ctx, job, err)
	}
	return w.outboxRepo.MarkDone(ctx, job.ID)
}

func (w *Worker) handleJobError(ctx context.Context, job OutboxJob, err error) error {
	msg := err.Error()
	if job.Attempts >= w.maxAttempts {
		return w.outboxRepo.MarkFailed(ctx, job.ID, msg)
	}
	next := w.now().Add(w.retryBackoff(job.Attempts))
	return w.outboxRepo.MarkRetry(ctx, job.ID, next, msg)
}
