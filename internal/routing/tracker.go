package routing

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/soyeahso/gia/internal/domain"
	"github.com/soyeahso/gia/internal/hooks"
	"github.com/soyeahso/gia/internal/logging"
)

// DefaultCacheSize bounds the tracker's in-memory session cache.
const DefaultCacheSize = 4096

// SessionStore persists sessions. Implementations never delete rows.
type SessionStore interface {
	Create(ctx context.Context, sess domain.Session) (bool, error)
	UpdateStatus(ctx context.Context, key string, status domain.Status, u domain.SessionUpdate, now time.Time) (bool, error)
	Get(ctx context.Context, key string) (domain.Session, bool, error)
	ListByProject(ctx context.Context, projectID string) ([]domain.Session, error)
	ListByAgent(ctx context.Context, agentName string) ([]domain.Session, error)
}

// Tracker records each routing decision as a permanent session and follows
// it to a terminal status. Reads ask the store first and fall back to the
// process-local cache only when the store errors or has no row.
type Tracker struct {
	mu    sync.Mutex
	cache *lru.Cache[string, domain.Session]
	store SessionStore
	hooks *hooks.Manager
	log   *logging.Logger
	now   func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithHooks emits session lifecycle events on m.
func WithHooks(m *hooks.Manager) TrackerOption {
	return func(t *Tracker) { t.hooks = m }
}

// WithCacheSize overrides DefaultCacheSize.
func WithCacheSize(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.cache, _ = lru.New[string, domain.Session](n)
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker over st. st may be nil for a memory-only
// tracker.
func NewTracker(st SessionStore, log *logging.Logger, opts ...TrackerOption) *Tracker {
	cache, _ := lru.New[string, domain.Session](DefaultCacheSize)
	t := &Tracker{
		cache: cache,
		store: st,
		log:   log.Sub("tracker"),
		now:   time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Register records a new session. A session key is registered at most once;
// a second registration leaves the stored row unchanged.
func (t *Tracker) Register(ctx context.Context, sess domain.Session) domain.WriteResult {
	now := t.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = domain.StatusRouted
	}

	t.mu.Lock()
	if !t.cache.Contains(sess.Key) {
		t.cache.Add(sess.Key, sess)
	}
	t.mu.Unlock()

	if t.store == nil {
		return domain.NotWritten(domain.Unavailable("session store", nil))
	}
	created, err := t.store.Create(ctx, sess)
	if err != nil {
		t.log.Error().Err(err).Str("session", sess.Key).Msg("failed to persist session")
		return domain.NotWritten(domain.Unavailable("session store", err))
	}
	if !created {
		t.log.Warn().Str("session", sess.Key).Msg("session already registered")
		return domain.NotWritten(&domain.ConflictError{Name: sess.Key, Existing: sess.Key})
	}

	t.emit(ctx, hooks.EventSessionRouted, sess)
	return domain.Written()
}

// UpdateStatus moves a session to status. The cached copy is updated when
// present; the store update is always attempted. completed_at is stamped on
// the first terminal status.
func (t *Tracker) UpdateStatus(ctx context.Context, key string, status domain.Status, u domain.SessionUpdate) domain.WriteResult {
	now := t.now()

	t.mu.Lock()
	cached, ok := t.cache.Get(key)
	switch {
	case !ok:
		t.log.Warn().Str("session", key).Str("status", string(status)).Msg("session not cached, updating store only")
	case cached.Status.IsTerminal() && !status.IsTerminal():
		t.log.Warn().Str("session", key).Str("from", string(cached.Status)).Str("to", string(status)).
			Msg("ignoring transition out of terminal status")
	default:
		cached.Apply(status, u, now)
		t.cache.Add(key, cached)
	}
	t.mu.Unlock()

	if t.store == nil {
		return domain.NotWritten(domain.Unavailable("session store", nil))
	}
	changed, err := t.store.UpdateStatus(ctx, key, status, u, now)
	if err != nil {
		t.log.Error().Err(err).Str("session", key).Str("status", string(status)).Msg("failed to update session")
		return domain.NotWritten(domain.Unavailable("session store", err))
	}
	if !changed {
		return domain.Skipped()
	}

	if t.hooks != nil {
		t.hooks.EmitAsync(context.WithoutCancel(ctx), hooks.EventSessionUpdated, map[string]any{
			"sessionKey": key,
			"status":     string(status),
		})
	}
	return domain.Written()
}

// Get returns a session, preferring the store and falling back to the cache
// when the store is unreachable or has no row.
func (t *Tracker) Get(ctx context.Context, key string) (domain.Session, bool) {
	if t.store != nil {
		sess, found, err := t.store.Get(ctx, key)
		if err != nil {
			t.log.Warn().Err(err).Str("session", key).Msg("store lookup failed, using cache")
		} else if found {
			t.mu.Lock()
			t.cache.Add(key, sess)
			t.mu.Unlock()
			return sess, true
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Get(key)
}

// ListForProject returns the project's sessions, newest first.
func (t *Tracker) ListForProject(ctx context.Context, projectID string) []domain.Session {
	return t.list(ctx, func(s domain.Session) bool { return s.ProjectID == projectID }, func() ([]domain.Session, error) {
		return t.store.ListByProject(ctx, projectID)
	})
}

// ListForAgent returns the agent's sessions, newest first.
func (t *Tracker) ListForAgent(ctx context.Context, agentName string) []domain.Session {
	return t.list(ctx, func(s domain.Session) bool { return s.AgentName == agentName }, func() ([]domain.Session, error) {
		return t.store.ListByAgent(ctx, agentName)
	})
}

func (t *Tracker) list(ctx context.Context, match func(domain.Session) bool, load func() ([]domain.Session, error)) []domain.Session {
	if t.store != nil {
		sessions, err := load()
		if err == nil {
			return sessions
		}
		t.log.Warn().Err(err).Msg("store list failed, using cache")
	}

	t.mu.Lock()
	values := t.cache.Values()
	t.mu.Unlock()

	var out []domain.Session
	for _, s := range values {
		if match(s) {
			out = append(out, s)
		}
	}
	sortNewestFirst(out)
	return out
}

func (t *Tracker) emit(ctx context.Context, event string, sess domain.Session) {
	if t.hooks == nil {
		return
	}
	t.hooks.EmitAsync(context.WithoutCancel(ctx), event, map[string]any{
		"sessionKey":       sess.Key,
		"projectId":        sess.ProjectID,
		"agentName":        sess.AgentName,
		"taskId":           sess.TaskID,
		"executionBackend": string(sess.ExecutionBackend),
		"workerId":         sess.WorkerID,
		"status":           string(sess.Status),
	})
}
