package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/armadahost/armada/internal/server/ca"
	"github.com/armadahost/armada/internal/server/jobs"
	"github.com/armadahost/armada/internal/server/nodes"
	"github.com/armadahost/armada/internal/server/plans"
	"github.com/armadahost/armada/internal/server/scheduler"
	"github.com/armadahost/armada/internal/server/store"
)

type fixture struct {
	db    *gorm.DB
	queue *jobs.Queue
	svr   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	db, err := store.OpenTest()
	require.NoError(t, err)
	authority, err := ca.Load(t.TempDir())
	require.NoError(t, err)

	queue := jobs.NewQueue(db, nil)
	nodeSvc := nodes.NewService(db, authority, nil, nodes.Config{SharedSecret: "hunter2"})
	sched := scheduler.New(db, nil, 100)
	resolver := plans.NewStatic([]*plans.Plan{
		{ID: "mc-small", CPUUnits: 200, MemoryMB: 2048, DiskMB: 10240, ImageFamily: "minecraft", Image: "itzg/minecraft-server:latest"},
	})

	server := NewServer(db, nodeSvc, sched, queue, resolver, nil, &TokenPrincipal{Token: "admin-token"})
	svr := httptest.NewServer(server.Router())
	t.Cleanup(svr.Close)

	return &fixture{db: db, queue: queue, svr: svr}
}

func (f *fixture) addNode(t *testing.T) *store.Node {
	node := &store.Node{
		URL: "https://node:8240", Approved: true, Status: store.NodeStatusOnline,
		CPUCores: 8, MemoryMB: 32768, DiskMB: 500000,
	}
	require.NoError(t, f.db.Create(node).Error)
	return node
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.svr.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestOperatorEndpointsRequireToken(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/nodes", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/nodes", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/nodes", nil, "admin-token")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateWorkload(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t)

	resp := f.do(t, http.MethodPost, "/workloads", &createWorkloadRequest{
		UserID: "u1", PlanID: "mc-small", Name: "survival",
	}, "admin-token")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	view := &workloadView{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(view))
	require.NotNil(t, view.NodeID)
	assert.Equal(t, node.ID, *view.NodeID)

	// one provision job enqueued
	list, err := f.queue.List(jobs.QueueProvision)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, view.ID, list[0].WorkloadID)
	assert.Equal(t, "operator", list[0].Actor)
}

func TestCreateWorkloadValidation(t *testing.T) {
	f := newFixture(t)
	f.addNode(t)

	// invalid name
	resp := f.do(t, http.MethodPost, "/workloads", &createWorkloadRequest{
		UserID: "u1", PlanID: "mc-small", Name: "Bad Name!",
	}, "admin-token")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// unknown plan
	resp = f.do(t, http.MethodPost, "/workloads", &createWorkloadRequest{
		UserID: "u1", PlanID: "nope", Name: "survival",
	}, "admin-token")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var count int64
	require.NoError(t, f.db.Model(&store.Workload{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreateWorkloadNoCapacity(t *testing.T) {
	f := newFixture(t) // no nodes at all

	resp := f.do(t, http.MethodPost, "/workloads", &createWorkloadRequest{
		UserID: "u1", PlanID: "mc-small", Name: "survival",
	}, "admin-token")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateWorkloadStoresOverrides(t *testing.T) {
	f := newFixture(t)
	f.addNode(t)

	resp := f.do(t, http.MethodPost, "/workloads", &createWorkloadRequest{
		UserID: "u1", PlanID: "mc-small", Name: "modded",
		Image: "itzg/minecraft-server:java17", Env: []string{"EULA=TRUE"},
		PortCount: 2, Protocol: "udp", Contiguous: true,
	}, "admin-token")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	override := &store.WorkloadOverride{}
	require.NoError(t, f.db.First(override).Error)
	assert.Equal(t, "itzg/minecraft-server:java17", override.Image)
	assert.Equal(t, `["EULA=TRUE"]`, override.Env)
	assert.Equal(t, 2, override.PortCount)
	assert.True(t, override.Contiguous)
}

func TestWorkloadLifecycleIsAsync(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t)
	wl := &store.Workload{UserID: "u1", PlanID: "mc-small", NodeID: &node.ID, Name: "survival", DesiredStatus: store.WorkloadStopped}
	require.NoError(t, f.db.Create(wl).Error)

	for _, tc := range []struct {
		method string
		path   string
		queue  string
	}{
		{http.MethodPost, "/start", jobs.QueueStart},
		{http.MethodPost, "/stop", jobs.QueueStop},
		{http.MethodPost, "/restart", jobs.QueueRestart},
		{http.MethodDelete, "", jobs.QueueDelete},
	} {
		resp := f.do(t, tc.method, "/workloads/1"+tc.path, nil, "admin-token")
		assert.Equal(t, http.StatusAccepted, resp.StatusCode, tc.queue)

		list, err := f.queue.List(tc.queue)
		require.NoError(t, err)
		assert.Len(t, list, 1, tc.queue)
	}

	resp := f.do(t, http.MethodPost, "/workloads/999/start", nil, "admin-token")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSuspendedWorkloadRefusesLifecycle(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t)
	wl := &store.Workload{UserID: "u1", NodeID: &node.ID, Name: "frozen", DesiredStatus: store.WorkloadSuspended}
	require.NoError(t, f.db.Create(wl).Error)

	resp := f.do(t, http.MethodPost, "/workloads/1/start", nil, "admin-token")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// deletion is still allowed
	resp = f.do(t, http.MethodDelete, "/workloads/1", nil, "admin-token")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestJoinCodeMintAndList(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/nodes/join-codes", &joinCodeRequest{TTLMinutes: 30}, "admin-token")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	minted := &joinCodeView{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(minted))
	assert.NotEmpty(t, minted.Code)

	resp = f.do(t, http.MethodGet, "/nodes/join-codes", nil, "admin-token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var codes []joinCodeView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&codes))
	require.Len(t, codes, 1)
	assert.Equal(t, minted.Code, codes[0].Code)
}

func TestQueueAdmin(t *testing.T) {
	f := newFixture(t)
	_, err := f.queue.Enqueue(jobs.QueueStart, 1, nil, "test", nil)
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/admin/queues", nil, "admin-token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var queues []queueView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&queues))
	require.Len(t, queues, len(jobs.AllQueues))
	for _, q := range queues {
		if q.Queue == jobs.QueueStart {
			assert.Equal(t, int64(1), q.Queued)
		}
	}

	resp = f.do(t, http.MethodPost, "/admin/queues/start/pause", nil, "admin-token")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.queue.IsPaused(jobs.QueueStart))

	resp = f.do(t, http.MethodPost, "/admin/queues/start/resume", nil, "admin-token")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.queue.IsPaused(jobs.QueueStart))

	resp = f.do(t, http.MethodPost, "/admin/queues/bogus/pause", nil, "admin-token")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/admin/jobs/1", nil, "admin-token")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	list, err := f.queue.List("")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAgentProtocolRoutes(t *testing.T) {
	f := newFixture(t)

	// bad credentials are rejected at the boundary
	req, err := http.NewRequest(http.MethodPost, f.svr.URL+"/nodes/agent/register", bytes.NewBufferString(`{"name":"n1","url":"https://n1:8240"}`))
	require.NoError(t, err)
	req.Header.Set("X-Armada-Secret", "wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var count int64
	require.NoError(t, f.db.Model(&store.Node{}).Count(&count).Error)
	assert.Zero(t, count)
}
