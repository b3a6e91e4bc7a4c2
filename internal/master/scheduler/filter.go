package scheduler

import (
	"go.uber.org/zap"

	"ember/pkg/model"
)

// filterNodes returns the nodes that can take the request right now, in the
// order they were listed.
func (s *Scheduler) filterNodes(req Request, nodes []*model.Node) []*model.Node {
	candidates := make([]*model.Node, 0, len(nodes))
	for _, node := range nodes {
		if s.checkNode(req, node) {
			candidates = append(candidates, node)
		}
	}
	return candidates
}

// checkNode is the hard predicate: the node must be running and serve the model.
func (s *Scheduler) checkNode(req Request, node *model.Node) bool {
	if node.Status != model.NodeRunning {
		return false
	}
	if !node.Serves(req.Model) {
		return false
	}
	return true
}

// withinColdStart keeps the nodes whose best observed cold start fits the
// budget. Nodes that never reported a cold start are assumed to fit.
func (s *Scheduler) withinColdStart(candidates []*model.Node, maxMs float64) []*model.Node {
	fast := make([]*model.Node, 0, len(candidates))
	for _, node := range candidates {
		if node.ColdStartTime == nil || *node.ColdStartTime <= maxMs {
			fast = append(fast, node)
			continue
		}
		s.logger.Debug("filtered: cold start over budget",
			zap.String("node", node.ID),
			zap.Float64("coldStartMs", *node.ColdStartTime),
			zap.Float64("maxColdStartMs", maxMs),
		)
	}
	return fast
}
