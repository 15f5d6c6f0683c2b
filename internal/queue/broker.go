// Package queue implements a durable job broker on the shared SQLite store.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/soyeahso/gia/internal/domain"
	"github.com/soyeahso/gia/internal/logging"
	"github.com/soyeahso/gia/internal/store"
)

// State is a job's position in the broker.
type State string

const (
	StateHeld    State = "held"    // prepared, not yet visible to workers
	StateReady   State = "ready"   // waiting for a worker
	StateClaimed State = "claimed" // running
	StateDone    State = "done"
	StateDead    State = "dead" // dead letter
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

// Job is one unit of queued work.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	LastError   string          `json:"lastError,omitempty"`
	AvailableAt time.Time       `json:"availableAt"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Options tunes redelivery.
type Options struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	PollInterval   time.Duration
}

// Broker hands out jobs to workers. Every transition is a single keyed
// statement so concurrent workers never claim the same job.
type Broker struct {
	db   *sql.DB
	log  *logging.Logger
	opts Options
	now  func() time.Time
}

// New creates a broker over db.
func New(db *store.DB, opts Options, log *logging.Logger) *Broker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Broker{db: db.SQL(), log: log.Sub("queue"), opts: opts, now: time.Now}
}

// Prepare stores a held job and returns its id. The job is invisible to
// workers until Release.
func (b *Broker) Prepare(ctx context.Context, queue string, payload any) (string, error) {
	return b.insert(ctx, queue, payload, StateHeld)
}

// Enqueue stores a job that is immediately available to workers.
func (b *Broker) Enqueue(ctx context.Context, queue string, payload any) (string, error) {
	return b.insert(ctx, queue, payload, StateReady)
}

func (b *Broker) insert(ctx context.Context, queue string, payload any, state State) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	id := uuid.New().String()
	now := b.now().UTC().Format(timeLayout)
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO queue_jobs (id, queue, payload, state, attempts, max_attempts, available_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, queue, string(data), string(state), b.opts.MaxAttempts, now, now, now,
	)
	if err != nil {
		return "", domain.Unavailable("queue", err)
	}
	b.log.Debug().Str("queue", queue).Str("job", id).Str("state", string(state)).Msg("job stored")
	return id, nil
}

// Release makes a held job visible to workers.
func (b *Broker) Release(ctx context.Context, id string) error {
	return b.transition(ctx, id, StateHeld, StateReady, "")
}

// Amend replaces the payload of a held job.
func (b *Broker) Amend(ctx context.Context, id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	res, err := b.db.ExecContext(ctx,
		`UPDATE queue_jobs SET payload = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(data), b.now().UTC().Format(timeLayout), id, string(StateHeld),
	)
	if err != nil {
		return domain.Unavailable("queue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: not in state %s", id, StateHeld)
	}
	return nil
}

// Discard drops a held job that will never be released.
func (b *Broker) Discard(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = ? AND state = ?`, id, string(StateHeld))
	if err != nil {
		return domain.Unavailable("queue", err)
	}
	return nil
}

// Claim takes the oldest available job on queue. It reports false when the
// queue is empty.
func (b *Broker) Claim(ctx context.Context, queue string) (Job, bool, error) {
	now := b.now().UTC().Format(timeLayout)
	row := b.db.QueryRowContext(ctx,
		`UPDATE queue_jobs SET state = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = (
		   SELECT id FROM queue_jobs
		   WHERE queue = ? AND state = ? AND available_at <= ?
		   ORDER BY available_at, created_at LIMIT 1
		 ) AND state = ?
		 RETURNING id, queue, payload, state, attempts, max_attempts, COALESCE(last_error, ''), available_at, created_at`,
		string(StateClaimed), now, queue, string(StateReady), now, string(StateReady),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, domain.Unavailable("queue", err)
	}
	return job, true, nil
}

// Next blocks until a job is claimed from queue or ctx ends.
func (b *Broker) Next(ctx context.Context, queue string) (Job, error) {
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()
	for {
		job, ok, err := b.Claim(ctx, queue)
		if err != nil {
			b.log.Warn().Err(err).Str("queue", queue).Msg("claim failed")
		} else if ok {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Complete acknowledges a claimed job.
func (b *Broker) Complete(ctx context.Context, id string) error {
	return b.transition(ctx, id, StateClaimed, StateDone, "")
}

// Fail records a failed attempt. Permanent errors (backoff.Permanent) and
// jobs out of attempts go to the dead letter state; others are redelivered
// after an exponential delay. It reports whether the job is now dead.
func (b *Broker) Fail(ctx context.Context, job Job, cause error) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	var perm *backoff.PermanentError
	if errors.As(cause, &perm) || job.Attempts >= job.MaxAttempts {
		if err := b.transition(ctx, job.ID, StateClaimed, StateDead, msg); err != nil {
			return false, err
		}
		b.log.Warn().Str("queue", job.Queue).Str("job", job.ID).Int("attempts", job.Attempts).
			Str("error", msg).Msg("job dead-lettered")
		return true, nil
	}

	delay := b.RetryDelay(job.Attempts)
	at := b.now().Add(delay).UTC().Format(timeLayout)
	_, err := b.db.ExecContext(ctx,
		`UPDATE queue_jobs SET state = ?, available_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(StateReady), at, msg, b.now().UTC().Format(timeLayout), job.ID, string(StateClaimed),
	)
	if err != nil {
		return false, domain.Unavailable("queue", err)
	}
	b.log.Info().Str("queue", job.Queue).Str("job", job.ID).Int("attempt", job.Attempts).
		Dur("delay", delay).Msg("job scheduled for redelivery")
	return false, nil
}

// RetryDelay returns the redelivery delay after the given attempt.
func (b *Broker) RetryDelay(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.opts.BackoffInitial
	eb.MaxInterval = b.opts.BackoffMax
	eb.Multiplier = 2
	eb.Reset()
	d := eb.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// Get returns a job by id.
func (b *Broker) Get(ctx context.Context, id string) (Job, bool, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT id, queue, payload, state, attempts, max_attempts, COALESCE(last_error, ''), available_at, created_at
		 FROM queue_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, domain.Unavailable("queue", err)
	}
	return job, true, nil
}

// List returns jobs on queue in the given state, oldest first.
func (b *Broker) List(ctx context.Context, queue string, state State) ([]Job, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, queue, payload, state, attempts, max_attempts, COALESCE(last_error, ''), available_at, created_at
		 FROM queue_jobs WHERE queue = ? AND state = ? ORDER BY created_at, id`, queue, string(state))
	if err != nil {
		return nil, domain.Unavailable("queue", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Stats returns job counts per queue and state.
func (b *Broker) Stats(ctx context.Context) (map[string]map[State]int, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT queue, state, COUNT(*) FROM queue_jobs GROUP BY queue, state`)
	if err != nil {
		return nil, domain.Unavailable("queue", err)
	}
	defer rows.Close()

	stats := make(map[string]map[State]int)
	for rows.Next() {
		var q, st string
		var n int
		if err := rows.Scan(&q, &st, &n); err != nil {
			return nil, err
		}
		if stats[q] == nil {
			stats[q] = make(map[State]int)
		}
		stats[q][State(st)] = n
	}
	return stats, rows.Err()
}

func (b *Broker) transition(ctx context.Context, id string, from, to State, lastError string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE queue_jobs SET state = ?, last_error = COALESCE(NULLIF(?, ''), last_error), updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(to), lastError, b.now().UTC().Format(timeLayout), id, string(from),
	)
	if err != nil {
		return domain.Unavailable("queue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: not in state %s", id, from)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(sc rowScanner) (Job, error) {
	var (
		job                    Job
		payload, state         string
		availableAt, createdAt string
	)
	err := sc.Scan(&job.ID, &job.Queue, &payload, &state, &job.Attempts, &job.MaxAttempts,
		&job.LastError, &availableAt, &createdAt)
	if err != nil {
		return Job{}, err
	}
	job.Payload = json.RawMessage(payload)
	job.State = State(state)
	job.AvailableAt, _ = time.Parse(timeLayout, availableAt)
	job.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return job, nil
}
