package tasks

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v5"

	"github.com/soyeahso/gia/internal/domain"
	"github.com/soyeahso/gia/internal/queue"
)

// Stage is one worker pipeline: jobs on Queue carry a P, checked by
// Validate and handled by Run. A nil error acknowledges the job; errors
// wrapped with backoff.Permanent dead-letter it; other errors are retried.
type Stage[P any] struct {
	Queue    string
	TaskType domain.TaskType
	Validate func(P) error
	Run      func(ctx context.Context, job queue.Job, p P) error
}

// runner is the payload-independent view of a Stage used by the worker
// loop.
type runner interface {
	queueName() string
	handle(ctx context.Context, job queue.Job) error
}

func (s *Stage[P]) queueName() string { return s.Queue }

func (s *Stage[P]) handle(ctx context.Context, job queue.Job) error {
	var p P
	if err := job.Decode(&p); err != nil {
		return backoff.Permanent(&domain.ValidationError{
			Field:   "payload",
			Message: fmt.Sprintf("decode %s job: %v", s.TaskType, err),
		})
	}
	if s.Validate != nil {
		if err := s.Validate(p); err != nil {
			return backoff.Permanent(err)
		}
	}
	return s.Run(ctx, job, p)
}

// finalAttempt reports whether a failure of job will not be retried.
func finalAttempt(job queue.Job) bool {
	return job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts
}
