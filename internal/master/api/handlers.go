package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ember/internal/master"
	"ember/internal/master/deploy"
	"ember/internal/master/registry"
	"ember/pkg/model"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// nodeView is the condensed node shape returned by GET /nodes.
type nodeView struct {
	ID       string           `json:"id"`
	Endpoint string           `json:"endpoint"`
	Status   model.NodeStatus `json:"status"`
	Warmth   model.Warmth     `json:"warmth"`
	Models   []string         `json:"models"`
	Hardware model.Hardware   `json:"hardware"`
	Metrics  nodeMetrics      `json:"metrics"`
}

type nodeMetrics struct {
	TotalInferences int64    `json:"totalInferences"`
	AverageLatency  *float64 `json:"averageLatency"`
	ColdStartTime   *float64 `json:"coldStartTime"`
}

func newNodeView(n *model.Node) nodeView {
	models := n.Models
	if models == nil {
		models = []string{}
	}
	return nodeView{
		ID:       n.ID,
		Endpoint: n.Endpoint,
		Status:   n.Status,
		Warmth:   n.Warmth,
		Models:   models,
		Hardware: n.Hardware,
		Metrics: nodeMetrics{
			TotalInferences: n.TotalInferences,
			AverageLatency:  n.AverageLatency,
			ColdStartTime:   n.ColdStartTime,
		},
	}
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	running, total := h.cp.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"nodes": map[string]int{
			"running": running,
			"total":   total,
		},
	})
}

func (h *Handlers) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.cp.Nodes()
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, newNodeView(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": views})
}

func (h *Handlers) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, ok := h.cp.Node(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Node not found")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (h *Handlers) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var node model.Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.cp.Register(&node); err != nil {
		if errors.Is(err, registry.ErrInvalidNode) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stored, ok := h.cp.Node(node.ID)
	if !ok {
		// Removed again before we could read it back.
		writeError(w, http.StatusConflict, "node removed concurrently")
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (h *Handlers) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	h.cp.Deprovision(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handlers) handleRecordInference(w http.ResponseWriter, r *http.Request) {
	var report model.InferenceReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if report.LatencyMs < 0 {
		writeError(w, http.StatusBadRequest, "latencyMs must not be negative")
		return
	}
	if !h.cp.RecordInference(chi.URLParam(r, "id"), report) {
		writeError(w, http.StatusNotFound, "Node not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handlers) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req model.ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := h.cp.Provision(r.Context(), req)
	if err != nil {
		status := provisionStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("provision failed", zap.String("model", req.Model), zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func provisionStatus(err error) int {
	switch {
	case errors.Is(err, master.ErrInvalidRequest), errors.Is(err, deploy.ErrNoStrategy):
		return http.StatusBadRequest
	case errors.Is(err, master.ErrNoMatch):
		return http.StatusNotFound
	case errors.Is(err, deploy.ErrCapacity):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
