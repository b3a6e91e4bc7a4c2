package scheduler

import (
	"go.uber.org/zap"

	"ember/pkg/model"
)

// NodeLister is the read side of the node registry.
type NodeLister interface {
	List() []*model.Node
}

// Request describes what the caller needs from a node.
type Request struct {
	Model          string
	PreferWarm     bool
	MaxColdStartMs *float64 // nil means no cold-start budget
}

// Scheduler picks the best existing node for a request. It never mutates
// the registry.
type Scheduler struct {
	nodes  NodeLister
	logger *zap.Logger
}

func NewScheduler(nodes NodeLister, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		nodes:  nodes,
		logger: logger.Named("scheduler"),
	}
}

// FindBestNode runs filter then rank over a snapshot of the registry.
//
// With PreferWarm, warm and hot nodes win, hottest then fastest. Otherwise,
// or when nothing is warm, a cold-start budget picks the first node within
// it in listing order. Failing both, the fastest candidate wins. Ties fall
// to listing order.
func (s *Scheduler) FindBestNode(req Request) (*model.Node, bool) {
	candidates := s.filterNodes(req, s.nodes.List())
	if len(candidates) == 0 {
		s.logger.Debug("no running node serves model", zap.String("model", req.Model))
		return nil, false
	}

	if req.PreferWarm {
		if warm := warmNodes(candidates); len(warm) > 0 {
			byWarmthThenLatency(warm)
			return s.pick(req, warm[0], "warm")
		}
	}

	if req.MaxColdStartMs != nil {
		if fast := s.withinColdStart(candidates, *req.MaxColdStartMs); len(fast) > 0 {
			return s.pick(req, fast[0], "cold-start budget")
		}
	}

	byLatency(candidates)
	return s.pick(req, candidates[0], "latency")
}

func (s *Scheduler) pick(req Request, node *model.Node, reason string) (*model.Node, bool) {
	s.logger.Debug("selected node",
		zap.String("model", req.Model),
		zap.String("node", node.ID),
		zap.String("warmth", string(node.Warmth)),
		zap.String("reason", reason),
	)
	return node, true
}
