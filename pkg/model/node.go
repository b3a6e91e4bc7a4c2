package model

import (
	"slices"
	"time"
)

// NodeStatus is the lifecycle state of a compute node.
type NodeStatus string

const (
	NodeStarting NodeStatus = "starting"
	NodeRunning  NodeStatus = "running"
	NodeStopping NodeStatus = "stopping"
	NodeStopped  NodeStatus = "stopped"
	NodeError    NodeStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStarting, NodeRunning, NodeStopping, NodeStopped, NodeError:
		return true
	}
	return false
}

// Warmth is a coarse readiness tier derived from the time since the last inference.
type Warmth string

const (
	WarmthCold Warmth = "cold"
	WarmthWarm Warmth = "warm"
	WarmthHot  Warmth = "hot"
)

// Tier orders warmth for ranking: hot > warm > cold.
func (w Warmth) Tier() int {
	switch w {
	case WarmthHot:
		return 2
	case WarmthWarm:
		return 1
	}
	return 0
}

// Node is a snapshot of one inference-serving compute node.
//
// Warmth is derived from LastInference whenever a snapshot is taken; writes to it are
// ignored by the registry.
type Node struct {
	ID       string     `json:"id"`
	Endpoint string     `json:"endpoint"`
	Status   NodeStatus `json:"status"`
	Warmth   Warmth     `json:"warmth,omitempty"`
	Models   []string   `json:"models"`
	Hardware Hardware   `json:"hardware"`

	// Strategy records which deployment strategy created the node; empty for
	// nodes that registered themselves.
	Strategy  StrategyKind `json:"strategy,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`

	LastHealthCheck time.Time  `json:"lastHealthCheck"`
	LastInference   *time.Time `json:"lastInference"`
	ColdStartTime   *float64   `json:"coldStartTime"` // best observed cold start, ms

	TotalInferences int64    `json:"totalInferences"`
	AverageLatency  *float64 `json:"averageLatency"` // EMA, ms
	ErrorCount      int      `json:"errorCount"`
}

// Serves reports whether the node advertises the given workload.
func (n *Node) Serves(model string) bool {
	return slices.Contains(n.Models, model)
}

// Clone returns a deep copy so snapshots never alias registry state.
func (n *Node) Clone() *Node {
	c := *n
	c.Models = slices.Clone(n.Models)
	if n.LastInference != nil {
		t := *n.LastInference
		c.LastInference = &t
	}
	if n.ColdStartTime != nil {
		v := *n.ColdStartTime
		c.ColdStartTime = &v
	}
	if n.AverageLatency != nil {
		v := *n.AverageLatency
		c.AverageLatency = &v
	}
	return &c
}
