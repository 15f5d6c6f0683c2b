package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/gia/internal/queue"
)

// Queues lists the queues served by the dispatcher's stages.
func (d *Dispatcher) Queues() []string {
	names := make([]string, len(d.stages))
	for i, s := range d.stages {
		names[i] = s.queueName()
	}
	return names
}

// Run starts Concurrency pollers per stage and blocks until ctx ends or a
// poller fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range d.stages {
		for i := 0; i < d.Concurrency; i++ {
			g.Go(func() error { return d.poll(ctx, s) })
		}
	}
	d.log.Info().Int("concurrency", d.Concurrency).Strs("queues", d.Queues()).Msg("workers started")
	err := g.Wait()
	d.log.Info().Msg("workers stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) poll(ctx context.Context, s runner) error {
	for {
		job, err := d.Queue.Next(ctx, s.queueName())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("poll %s: %w", s.queueName(), err)
		}
		d.process(ctx, s, job)
	}
}

// RunOnce claims and processes at most one job from the named queue. It
// reports whether a job was processed.
func (d *Dispatcher) RunOnce(ctx context.Context, name string) (bool, error) {
	s, err := d.stage(name)
	if err != nil {
		return false, err
	}
	job, ok, err := d.Queue.Claim(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	d.process(ctx, s, job)
	return true, nil
}

// Drain processes ready jobs on every queue until none remain, returning
// the number processed. Jobs scheduled for a later retry are left alone.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n := 0
		for _, s := range d.stages {
			ok, err := d.RunOnce(ctx, s.queueName())
			if err != nil {
				return total, err
			}
			if ok {
				n++
			}
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}

func (d *Dispatcher) stage(name string) (runner, error) {
	for _, s := range d.stages {
		if s.queueName() == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no stage serves queue %q", name)
}

// process runs one claimed job and settles it with the broker.
func (d *Dispatcher) process(ctx context.Context, s runner, job queue.Job) {
	start := time.Now()
	err := s.handle(ctx, job)
	// Settle the job even when shutdown cancelled the handler.
	settle := context.WithoutCancel(ctx)

	if err == nil {
		if cerr := d.Queue.Complete(settle, job.ID); cerr != nil {
			d.log.Error().Err(cerr).Str("job", job.ID).Msg("failed to acknowledge job")
		}
		d.Metrics.ObserveStage(s.queueName(), "ok", time.Since(start))
		return
	}

	dead, ferr := d.Queue.Fail(settle, job, err)
	if ferr != nil {
		d.log.Error().Err(ferr).Str("job", job.ID).Msg("failed to record job failure")
		return
	}
	outcome := "retry"
	if dead {
		outcome = "dead"
	}
	d.Metrics.ObserveStage(s.queueName(), outcome, time.Since(start))
	d.log.Warn().Err(err).Str("job", job.ID).Str("queue", s.queueName()).Str("outcome", outcome).Msg("job failed")
}
