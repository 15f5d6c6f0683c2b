package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/soyeahso/gia/internal/domain"
	"github.com/soyeahso/gia/internal/hooks"
	"github.com/soyeahso/gia/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenRecordStore struct{}

func (brokenRecordStore) Save(context.Context, domain.TaskRecord, time.Time) (bool, error) {
	return false, errors.New("disk full")
}

func (brokenRecordStore) Get(context.Context, string) (domain.TaskRecord, bool, error) {
	return domain.TaskRecord{}, false, errors.New("disk full")
}

func TestRecords_EmitsCreatedThenUpdated(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(":memory:", testLogger())
	require.NoError(t, err)
	defer db.Close()

	m := hooks.NewManager(testLogger())
	var got []hooks.Payload
	for _, ev := range []string{hooks.EventTaskCreated, hooks.EventTaskUpdated} {
		m.On(ev, "test", func(_ context.Context, p hooks.Payload) error {
			got = append(got, p)
			return nil
		})
	}
	r := NewRecords(store.NewTaskStore(db), m, nil, testLogger())

	rec := domain.TaskRecord{
		TaskID:    "t1",
		ProjectID: "p1",
		QueueName: domain.QueueInitialization,
		TaskType:  domain.TaskAgentInitialization,
		AgentName: "qa",
		Status:    domain.StatusPending,
	}
	assert.True(t, r.Save(ctx, rec).Persisted)
	rec.Status = domain.StatusCompleted
	assert.True(t, r.Save(ctx, rec).Persisted)

	// Terminal records do not move again, and nothing is announced.
	rec.Status = domain.StatusProcessing
	res := r.Save(ctx, rec)
	assert.False(t, res.Persisted)
	assert.NoError(t, res.Err)

	require.Len(t, got, 2)
	assert.Equal(t, hooks.EventTaskCreated, got[0].Event)
	assert.Equal(t, hooks.EventTaskUpdated, got[1].Event)
	assert.Equal(t, "p1", got[1].Data["projectId"])
	payload := got[1].Data["payload"].(map[string]any)
	assert.Equal(t, "completed", payload["status"])
	assert.Equal(t, "qa", payload["agent_name"])
}

func TestRecords_StoreFailureIsContained(t *testing.T) {
	m := hooks.NewManager(testLogger())
	called := false
	m.On(hooks.EventTaskCreated, "test", func(context.Context, hooks.Payload) error {
		called = true
		return nil
	})
	r := NewRecords(brokenRecordStore{}, m, nil, testLogger())

	res := r.Save(context.Background(), domain.TaskRecord{TaskID: "t1", Status: domain.StatusPending})
	assert.False(t, res.Persisted)
	var unavailable *domain.BackendUnavailableError
	assert.ErrorAs(t, res.Err, &unavailable)
	assert.False(t, called)

	_, done := r.terminal(context.Background(), "t1")
	assert.False(t, done)
}
