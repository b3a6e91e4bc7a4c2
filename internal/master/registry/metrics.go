package registry

import (
	"go.uber.org/zap"

	"ember/pkg/model"
)

// latencySmoothing is the EMA weight given to the newest latency sample.
const latencySmoothing = 0.1

// RecordInference updates a node's statistics after an inference completed.
// It marks the node hot, clears its error count and, if the node had been
// marked error, returns it to running. Cold-start latency keeps the best
// observed value. Unknown ids are ignored; the result reports whether the
// node existed.
func (r *Registry) RecordInference(id string, latencyMs float64, coldStart bool) bool {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	now := r.clock.Now()
	prevStatus := n.Status

	n.LastInference = &now
	n.TotalInferences++
	n.ErrorCount = 0
	if n.Status == model.NodeError {
		n.Status = model.NodeRunning
	}

	avg := latencyMs
	if n.AverageLatency != nil {
		avg = *n.AverageLatency*(1-latencySmoothing) + latencyMs*latencySmoothing
	}
	n.AverageLatency = &avg

	if coldStart && (n.ColdStartTime == nil || latencyMs < *n.ColdStartTime) {
		best := latencyMs
		n.ColdStartTime = &best
	}
	snap := r.snapshotLocked(n, now)
	r.mu.Unlock()

	if prevStatus != snap.Status {
		r.logger.Info("node recovered by inference", zap.String("node", id))
	}
	r.notify(Change{Kind: ChangeUpdated, Node: snap, PrevStatus: prevStatus})
	return true
}
