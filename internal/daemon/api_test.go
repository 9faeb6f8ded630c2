package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadahost/armada/internal/api"
	"github.com/armadahost/armada/internal/errkind"
)

type fakeManager struct {
	err       error
	inventory []api.InventoryItem
	lastID    uint
	lastReq   *api.ProvisionRequest
}

func (m *fakeManager) Provision(ctx context.Context, req *api.ProvisionRequest) (*api.ProvisionResponse, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &api.ProvisionResponse{Name: containerName(req.WorkloadID), Ports: []int{30000}}, nil
}

func (m *fakeManager) Start(ctx context.Context, id uint) error   { m.lastID = id; return m.err }
func (m *fakeManager) Stop(ctx context.Context, id uint) error    { m.lastID = id; return m.err }
func (m *fakeManager) Restart(ctx context.Context, id uint) error { m.lastID = id; return m.err }
func (m *fakeManager) Delete(ctx context.Context, id uint) error  { m.lastID = id; return m.err }
func (m *fakeManager) DeleteByName(ctx context.Context, name string) error {
	return m.err
}
func (m *fakeManager) Inventory(ctx context.Context) ([]api.InventoryItem, error) {
	return m.inventory, m.err
}

func newTestAPI(t *testing.T, mgr *fakeManager) *httptest.Server {
	handler := NewAPIHandler(mgr, nil, "test-key")
	svr := httptest.NewServer(handler)
	t.Cleanup(svr.Close)
	return svr
}

func do(t *testing.T, svr *httptest.Server, method, path string, body any, key string) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, svr.URL+path, &buf)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-Armada-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAPIRequiresAuth(t *testing.T) {
	svr := newTestAPI(t, &fakeManager{})

	resp := do(t, svr, http.MethodGet, "/inventory", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, svr, http.MethodGet, "/inventory", nil, "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, svr, http.MethodGet, "/inventory", nil, "test-key")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIProvision(t *testing.T) {
	mgr := &fakeManager{}
	svr := newTestAPI(t, mgr)

	req := &api.ProvisionRequest{
		WorkloadID: 42,
		Docker:     &api.DockerRuntime{Image: "itzg/minecraft-server:latest"},
		Ports:      api.PortDemand{Count: 1, Protocol: "tcp"},
	}
	resp := do(t, svr, http.MethodPost, "/provision", req, "test-key")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := &api.ProvisionResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	assert.Equal(t, "wl-42", out.Name)
	assert.Equal(t, []int{30000}, out.Ports)
	assert.Equal(t, uint(42), mgr.lastReq.WorkloadID)
}

func TestAPILifecycleRoutes(t *testing.T) {
	mgr := &fakeManager{}
	svr := newTestAPI(t, mgr)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/start/7"},
		{http.MethodPost, "/stop/7"},
		{http.MethodPost, "/restart/7"},
		{http.MethodDelete, "/delete/7"},
	} {
		resp := do(t, svr, tc.method, tc.path, nil, "test-key")
		assert.Equal(t, http.StatusOK, resp.StatusCode, tc.path)
		assert.Equal(t, uint(7), mgr.lastID, tc.path)
	}

	resp := do(t, svr, http.MethodPost, "/start/notanumber", nil, "test-key")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIErrorEnvelopeCarriesKind(t *testing.T) {
	mgr := &fakeManager{err: errkind.New(errkind.NotFound, errors.New("no such container"))}
	svr := newTestAPI(t, mgr)

	resp := do(t, svr, http.MethodPost, "/start/7", nil, "test-key")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	envelope := &api.Error{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(envelope))
	assert.Equal(t, string(errkind.NotFound), envelope.Code)
	assert.Contains(t, envelope.Error, "no such container")
}

func TestAPIHardFailureStatus(t *testing.T) {
	mgr := &fakeManager{err: errkind.New(errkind.DiskFull, errors.New("no space left on device"))}
	svr := newTestAPI(t, mgr)

	resp := do(t, svr, http.MethodPost, "/provision", &api.ProvisionRequest{WorkloadID: 1}, "test-key")
	assert.Equal(t, http.StatusInsufficientStorage, resp.StatusCode)
}

func TestAPIStrayDelete(t *testing.T) {
	mgr := &fakeManager{}
	svr := newTestAPI(t, mgr)

	resp := do(t, svr, http.MethodDelete, "/delete/name/orphan-container", nil, "test-key")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
