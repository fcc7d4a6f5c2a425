package domain

import (
	"context"
	"time"
)

// GenerationCause records why a generation job was enqueued.
type GenerationCause string

const (
	// CauseInitial — first generation after upload intake.
	CauseInitial GenerationCause = "initial"
	// CauseRegenerate — user asked for a fresh version of ready content.
	CauseRegenerate GenerationCause = "regenerate"
	// CauseRetry — user retried after a failed attempt.
	CauseRetry GenerationCause = "retry"
)

// GenerationJob is the queue payload for one generation attempt.
type GenerationJob struct {
	ID         string          `json:"job_id"`
	ProductID  string          `json:"product_id"`
	Cause      GenerationCause `json:"cause"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// GenerationAckFunc confirms processing of a received job or asks the queue
// to redeliver it.
type GenerationAckFunc func(success bool) error

// GenerationQueue hands generation jobs from the trigger side to workers.
type GenerationQueue interface {
	Enqueue(ctx context.Context, job GenerationJob) error
	Receive(ctx context.Context) (GenerationJob, GenerationAckFunc, error)
}
