package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/pkg/model"
)

// fakeMaster accepts registrations and can forget them.
type fakeMaster struct {
	mu        sync.Mutex
	nodes     map[string]model.Node
	posts     int
	rejecting bool
}

func (f *fakeMaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/nodes":
		f.posts++
		if f.rejecting {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
			return
		}
		var n model.Node
		json.NewDecoder(r.Body).Decode(&n)
		f.nodes[n.ID] = n
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(n)
	case r.Method == http.MethodGet:
		id := r.URL.Path[len("/nodes/"):]
		if n, ok := f.nodes[id]; ok {
			json.NewEncoder(w).Encode(n)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeMaster) snapshot() (map[string]model.Node, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]model.Node, len(f.nodes))
	for k, v := range f.nodes {
		out[k] = v
	}
	return out, f.posts
}

func newAgent(t *testing.T, masterURL string) *Agent {
	t.Helper()
	a, err := NewAgent(Config{
		ID:        "gpu-1",
		MasterURL: masterURL,
		Listen:    "10.0.0.9:8080",
		Models:    []string{"llama"},
		Heartbeat: time.Hour,
	}, nil)
	require.NoError(t, err)
	return a
}

func TestNewAgent_Validates(t *testing.T) {
	_, err := NewAgent(Config{MasterURL: "http://m"}, nil)
	assert.Error(t, err)
	_, err = NewAgent(Config{ID: "x"}, nil)
	assert.Error(t, err)
}

func TestHeartbeat_RegistersOnce(t *testing.T) {
	fm := &fakeMaster{nodes: map[string]model.Node{}}
	srv := httptest.NewServer(fm)
	defer srv.Close()

	a := newAgent(t, srv.URL)
	a.heartbeat(context.Background())
	a.heartbeat(context.Background())

	nodes, posts := fm.snapshot()
	assert.Equal(t, 1, posts, "a known node is not re-registered")
	require.Contains(t, nodes, "gpu-1")
	assert.Equal(t, "http://10.0.0.9:8080", nodes["gpu-1"].Endpoint)
	assert.Equal(t, []string{"llama"}, nodes["gpu-1"].Models)
	assert.Equal(t, model.NodeRunning, nodes["gpu-1"].Status)
}

func TestHeartbeat_ReRegistersAfterMasterForgets(t *testing.T) {
	fm := &fakeMaster{nodes: map[string]model.Node{}}
	srv := httptest.NewServer(fm)
	defer srv.Close()

	a := newAgent(t, srv.URL)
	a.heartbeat(context.Background())

	fm.mu.Lock()
	delete(fm.nodes, "gpu-1")
	fm.mu.Unlock()

	a.heartbeat(context.Background())
	nodes, posts := fm.snapshot()
	assert.Equal(t, 2, posts)
	assert.Contains(t, nodes, "gpu-1")
}

func TestRegister_SurfacesRejection(t *testing.T) {
	fm := &fakeMaster{nodes: map[string]model.Node{}, rejecting: true}
	srv := httptest.NewServer(fm)
	defer srv.Close()

	err := newAgent(t, srv.URL).register(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestHandler_Health(t *testing.T) {
	a := newAgent(t, "http://unused")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","id":"gpu-1"}`, rec.Body.String())
}
