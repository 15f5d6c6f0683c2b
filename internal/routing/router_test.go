package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/soyeahso/gia/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type agentMap map[string]domain.AgentDefinition

func (m agentMap) Get(name string) (domain.AgentDefinition, bool) {
	def, ok := m[name]
	return def, ok
}

type recordingProvisioner struct {
	PlaceholderProvisioner
	calls int
	err   error
}

func (p *recordingProvisioner) Ensure(ctx context.Context, def domain.AgentDefinition, projectID string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.PlaceholderProvisioner.Ensure(ctx, def, projectID)
}

func testAgents() agentMap {
	return agentMap{
		"qa":       {Name: "qa", Role: "QA", ExecutionBackend: domain.BackendLocal},
		"design":   {Name: "design", ExecutionBackend: domain.BackendRemote, RemoteCodePath: "s3://bucket/design"},
		"deployer": {Name: "deployer", ExecutionBackend: domain.BackendRemote, MachineID: "droplet-42"},
		"broken":   {Name: "broken", ExecutionBackend: "mainframe"},
	}
}

func TestRoute_Local(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(testSessionStore(t), testLogger())
	r := NewRouter(testAgents(), tr, nil, testLogger())

	res, err := r.Route(ctx, "p1", "qa", "t1", "ship it")
	require.NoError(t, err)
	assert.Equal(t, domain.BackendLocal, res.ExecutionBackend)
	assert.Equal(t, domain.QueueInitialization, res.RouteTo)
	assert.Equal(t, domain.QueueInitialization, res.WorkerID)
	assert.Empty(t, res.MachineID)
	assert.Equal(t, "p1:qa:t1", res.SessionKey)
	assert.True(t, res.Session.Persisted)

	sess, ok := tr.Get(ctx, "p1:qa:t1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusRouted, sess.Status)
	assert.Equal(t, domain.QueueInitialization, sess.WorkerID)
	assert.Empty(t, sess.MachineID)
	assert.Equal(t, "ship it", sess.Context)
	assert.Equal(t, domain.QueueInitialization, sess.RoutingInfo["route_to"])
}

func TestRoute_UnknownAgentCreatesNoSession(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(testSessionStore(t), testLogger())
	r := NewRouter(testAgents(), tr, nil, testLogger())

	_, err := r.Route(ctx, "p1", "ghost_agent", "t1", "")
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "ghost_agent", nf.Name)

	_, ok := tr.Get(ctx, "p1:ghost_agent:t1")
	assert.False(t, ok)
	assert.Empty(t, tr.ListForProject(ctx, "p1"))
}

func TestRoute_RemoteProvisions(t *testing.T) {
	ctx := context.Background()
	prov := &recordingProvisioner{}
	tr := NewTracker(testSessionStore(t), testLogger())
	r := NewRouter(testAgents(), tr, prov, testLogger())

	res, err := r.Route(ctx, "p1", "design", "t1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, prov.calls)
	assert.Equal(t, RouteRemote, res.RouteTo)
	assert.Equal(t, "remote_design_p1", res.MachineID)
	assert.Equal(t, res.MachineID, res.WorkerID)

	sess, _ := tr.Get(ctx, res.SessionKey)
	assert.Equal(t, "s3://bucket/design", sess.RoutingInfo["remote_code_path"])
	assert.Equal(t, domain.BackendRemote, sess.ExecutionBackend)
}

func TestRoute_RemoteReusesMachineID(t *testing.T) {
	prov := &recordingProvisioner{}
	r := NewRouter(testAgents(), NewTracker(testSessionStore(t), testLogger()), prov, testLogger())

	res, err := r.Route(context.Background(), "p1", "deployer", "t1", "")
	require.NoError(t, err)
	assert.Zero(t, prov.calls)
	assert.Equal(t, "droplet-42", res.MachineID)
}

func TestRoute_ProvisionFailure(t *testing.T) {
	ctx := context.Background()
	prov := &recordingProvisioner{err: domain.Unavailable("digitalocean", errors.New("rate limited"))}
	tr := NewTracker(testSessionStore(t), testLogger())
	r := NewRouter(testAgents(), tr, prov, testLogger())

	_, err := r.Route(ctx, "p1", "design", "t1", "")
	var unavailable *domain.BackendUnavailableError
	require.ErrorAs(t, err, &unavailable)
	_, ok := tr.Get(ctx, "p1:design:t1")
	assert.False(t, ok)
}

func TestRoute_UnknownBackend(t *testing.T) {
	r := NewRouter(testAgents(), NewTracker(nil, testLogger()), nil, testLogger())
	_, err := r.Route(context.Background(), "p1", "broken", "t1", "")
	var cfgErr *domain.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestRoute_RequiresIDs(t *testing.T) {
	r := NewRouter(testAgents(), NewTracker(nil, testLogger()), nil, testLogger())
	for _, args := range [][3]string{{"", "qa", "t1"}, {"p1", " ", "t1"}, {"p1", "qa", ""}} {
		_, err := r.Route(context.Background(), args[0], args[1], args[2], "")
		var ve *domain.ValidationError
		assert.ErrorAs(t, err, &ve, "args %v", args)
	}
}

func TestRoute_StoreDownStillRoutes(t *testing.T) {
	r := NewRouter(testAgents(), NewTracker(failingSessionStore{}, testLogger()), nil, testLogger())
	res, err := r.Route(context.Background(), "p1", "qa", "t1", "")
	require.NoError(t, err)
	assert.False(t, res.Session.Persisted)
	assert.Error(t, res.Session.Err)
}

func TestPlaceholderProvisioner(t *testing.T) {
	var p PlaceholderProvisioner
	id, err := p.Ensure(context.Background(), domain.AgentDefinition{Name: "design"}, "acme")
	require.NoError(t, err)
	assert.Equal(t, "remote_design_acme", id)

	ok, err := p.Healthy(context.Background(), id)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, p.Release(context.Background(), id))
}
