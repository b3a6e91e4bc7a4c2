package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/internal/clock"
	"ember/internal/config"
	"ember/internal/master"
	"ember/internal/master/deploy"
	"ember/pkg/model"
)

type stubRuntime struct {
	removed []string
}

func (s *stubRuntime) Start(context.Context, deploy.ContainerSpec) (string, error) { return "cid", nil }
func (s *stubRuntime) Remove(_ context.Context, name string) error {
	s.removed = append(s.removed, name)
	return nil
}

func setup(t *testing.T) (*httptest.Server, *master.Master, *clock.FakeClock) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Fleet.MaxNodes = 3
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := master.New(cfg, master.Options{Clock: clk, Containers: &stubRuntime{}}, nil)
	srv := httptest.NewServer(NewRouter(m, nil))
	t.Cleanup(srv.Close)
	return srv, m, clk
}

func do(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	srv, m, _ := setup(t)
	require.NoError(t, m.Register(&model.Node{ID: "a", Endpoint: "http://a"}))
	require.NoError(t, m.Register(&model.Node{ID: "b", Status: model.NodeStarting}))

	status, body := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"running": 1.0, "total": 2.0}, body["nodes"])
}

func TestListNodes(t *testing.T) {
	srv, m, _ := setup(t)
	require.NoError(t, m.Register(&model.Node{ID: "a", Endpoint: "http://a", Models: []string{"llama"}}))
	m.RecordInference("a", model.InferenceReport{LatencyMs: 120, ColdStart: true})

	status, body := do(t, http.MethodGet, srv.URL+"/nodes", "")
	assert.Equal(t, http.StatusOK, status)

	nodes := body["nodes"].([]any)
	require.Len(t, nodes, 1)
	node := nodes[0].(map[string]any)
	assert.Equal(t, "a", node["id"])
	assert.Equal(t, "hot", node["warmth"])
	assert.Equal(t, map[string]any{
		"totalInferences": 1.0,
		"averageLatency":  120.0,
		"coldStartTime":   120.0,
	}, node["metrics"])
}

func TestGetNode(t *testing.T) {
	srv, m, _ := setup(t)
	require.NoError(t, m.Register(&model.Node{ID: "a", Endpoint: "http://a"}))

	status, body := do(t, http.MethodGet, srv.URL+"/nodes/a", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "a", body["id"])
	assert.Equal(t, "cold", body["warmth"])
	assert.Equal(t, 0.0, body["errorCount"])

	status, body = do(t, http.MethodGet, srv.URL+"/nodes/missing", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Node not found", body["error"])
}

func TestRegisterNode(t *testing.T) {
	srv, m, _ := setup(t)

	status, body := do(t, http.MethodPost, srv.URL+"/nodes",
		`{"id":"gpu-1","endpoint":"http://gpu-1:8080","status":"running","models":["llama"],"errorCount":7,"warmth":"hot"}`)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "cold", body["warmth"], "warmth is derived, never taken from the caller")
	assert.Equal(t, 0.0, body["errorCount"])

	_, ok := m.Node("gpu-1")
	assert.True(t, ok)

	status, _ = do(t, http.MethodPost, srv.URL+"/nodes", `{"endpoint":"http://x"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, http.MethodPost, srv.URL+"/nodes", `{`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDeleteNode(t *testing.T) {
	srv, m, _ := setup(t)
	require.NoError(t, m.Register(&model.Node{ID: "a", Endpoint: "http://a"}))

	status, body := do(t, http.MethodDelete, srv.URL+"/nodes/a", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	_, ok := m.Node("a")
	assert.False(t, ok)

	status, body = do(t, http.MethodDelete, srv.URL+"/nodes/never-existed", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
}

func TestRecordInference(t *testing.T) {
	srv, m, _ := setup(t)
	require.NoError(t, m.Register(&model.Node{ID: "a", Endpoint: "http://a"}))

	status, _ := do(t, http.MethodPost, srv.URL+"/nodes/a/inference", `{"latencyMs":100}`)
	assert.Equal(t, http.StatusOK, status)
	status, _ = do(t, http.MethodPost, srv.URL+"/nodes/a/inference", `{"latencyMs":200}`)
	assert.Equal(t, http.StatusOK, status)

	node, _ := m.Node("a")
	require.NotNil(t, node.AverageLatency)
	assert.InDelta(t, 110.0, *node.AverageLatency, 1e-9)
	assert.Equal(t, int64(2), node.TotalInferences)

	status, body := do(t, http.MethodPost, srv.URL+"/nodes/ghost/inference", `{"latencyMs":100}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Node not found", body["error"])

	status, _ = do(t, http.MethodPost, srv.URL+"/nodes/a/inference", `{"latencyMs":-1}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestProvision(t *testing.T) {
	srv, m, clk := setup(t)
	require.NoError(t, m.Register(&model.Node{ID: "a", Endpoint: "http://a", Models: []string{"llama"}}))
	require.NoError(t, m.Register(&model.Node{ID: "b", Endpoint: "http://b", Models: []string{"llama"}}))
	m.RecordInference("a", model.InferenceReport{LatencyMs: 50})
	clk.Advance(20 * time.Second)
	m.RecordInference("b", model.InferenceReport{LatencyMs: 90})
	clk.Advance(time.Second)

	status, body := do(t, http.MethodPost, srv.URL+"/provision", `{"model":"llama","preferWarm":true}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "b", body["nodeId"], "hot beats warm")
	assert.Equal(t, "http://b", body["endpoint"])
	assert.Equal(t, "hot", body["warmth"])
	assert.Equal(t, 0.0, body["estimatedColdStartMs"])
}

func TestProvision_ErrorMapping(t *testing.T) {
	srv, m, _ := setup(t)

	status, body := do(t, http.MethodPost, srv.URL+"/provision", `{"model":"llama"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.NotEmpty(t, body["error"])

	status, _ = do(t, http.MethodPost, srv.URL+"/provision", `{"preferWarm":true}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, http.MethodPost, srv.URL+"/provision", `{"model":"llama","deployment":{"port":8080}}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, http.MethodPost, srv.URL+"/provision", `not json`)
	assert.Equal(t, http.StatusBadRequest, status)

	for _, id := range []string{"x", "y", "z"} {
		require.NoError(t, m.Register(&model.Node{ID: id, Endpoint: "http://" + id, Models: []string{"other"}}))
	}
	status, _ = do(t, http.MethodPost, srv.URL+"/provision", `{"model":"llama","deployment":{"image":"img"}}`)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestProvision_Deploys(t *testing.T) {
	srv, _, _ := setup(t)

	status, body := do(t, http.MethodPost, srv.URL+"/provision",
		`{"model":"llama","deployment":{"image":"vllm:latest","port":9100,"memory":"8g"}}`)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, strings.HasPrefix(body["nodeId"].(string), "node-"))
	assert.Equal(t, "http://127.0.0.1:9100", body["endpoint"])
	assert.Equal(t, "cold", body["warmth"])
	assert.Nil(t, body["estimatedColdStartMs"])
}
