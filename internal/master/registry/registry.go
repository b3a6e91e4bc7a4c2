// Package registry is the in-memory node record store. It is the single
// source of truth for node state; every other component reads snapshots
// from it and writes back through its methods.
//
// All mutations take the registry lock for pure in-memory updates only.
// Probes, container calls and process spawns happen outside and apply
// their results afterwards. Observers are notified after the lock is
// released.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"ember/internal/clock"
	"ember/pkg/model"
)

// FailureThreshold is the number of consecutive failed health checks a
// running node tolerates; one more flips it to error.
const FailureThreshold = 3

var ErrInvalidNode = errors.New("invalid node")

// ChangeKind says what happened to a node.
type ChangeKind int

const (
	ChangeRegistered ChangeKind = iota
	ChangeUpdated
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeRegistered:
		return "registered"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	}
	return "unknown"
}

// Change is delivered to observers after a mutation.
type Change struct {
	Kind       ChangeKind
	Node       *model.Node // snapshot after the change; last known state for ChangeRemoved
	PrevStatus model.NodeStatus
}

// Observer receives registry changes. Implementations must not block for long
// and must not call back into the registry synchronously.
type Observer interface {
	NodeChanged(Change)
}

type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*model.Node
	order []string // insertion order, used for iteration

	observers []Observer
	clock     clock.Clock
	logger    *zap.Logger
}

func New(c clock.Clock, logger *zap.Logger) *Registry {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		nodes:  make(map[string]*model.Node),
		clock:  c,
		logger: logger.Named("registry"),
	}
}

// Subscribe adds an observer. Call before the registry is shared.
func (r *Registry) Subscribe(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Register stores a fully formed node, replacing any node with the same id.
// Warmth and error count are never taken from the caller.
func (r *Registry) Register(node *model.Node) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidNode)
	}
	n := node.Clone()
	if n.Status == "" {
		n.Status = model.NodeRunning
	}
	if !n.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidNode, n.Status)
	}
	if n.Endpoint == "" && n.Status != model.NodeStarting {
		return fmt.Errorf("%w: endpoint is required unless status is %s", ErrInvalidNode, model.NodeStarting)
	}
	now := r.clock.Now()
	n.ErrorCount = 0
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}

	r.mu.Lock()
	prev, existed := r.nodes[n.ID]
	if !existed {
		r.order = append(r.order, n.ID)
	}
	r.nodes[n.ID] = n
	snap := r.snapshotLocked(n, now)
	r.mu.Unlock()

	prevStatus := model.NodeStatus("")
	if existed {
		prevStatus = prev.Status
	}
	r.logger.Info("node registered",
		zap.String("node", n.ID),
		zap.String("endpoint", n.Endpoint),
		zap.String("status", string(n.Status)),
		zap.Strings("models", n.Models),
		zap.Bool("replaced", existed),
	)
	r.notify(Change{Kind: ChangeRegistered, Node: snap, PrevStatus: prevStatus})
	return nil
}

// Deregister removes a node. It reports whether the node existed.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if ok {
		delete(r.nodes, id)
		if i := slices.Index(r.order, id); i >= 0 {
			r.order = slices.Delete(r.order, i, i+1)
		}
	}
	var snap *model.Node
	if ok {
		snap = r.snapshotLocked(n, r.clock.Now())
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.logger.Info("node deregistered", zap.String("node", id))
	r.notify(Change{Kind: ChangeRemoved, Node: snap, PrevStatus: snap.Status})
	return true
}

// Get returns a snapshot of one node.
func (r *Registry) Get(id string) (*model.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	return r.snapshotLocked(n, r.clock.Now()), true
}

// List returns snapshots of every node in insertion order.
func (r *Registry) List() []*model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.clock.Now()
	out := make([]*model.Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.snapshotLocked(r.nodes[id], now))
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Counts returns the number of running nodes and the total.
func (r *Registry) Counts() (running, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if n.Status == model.NodeRunning {
			running++
		}
	}
	return running, len(r.nodes)
}

// Update applies fn to the stored node under the lock. fn must not block.
// Warmth written by fn is discarded. It reports whether the node existed.
func (r *Registry) Update(id string, fn func(n *model.Node)) bool {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	prevStatus := n.Status
	fn(n)
	snap := r.snapshotLocked(n, r.clock.Now())
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeUpdated, Node: snap, PrevStatus: prevStatus})
	return true
}

// ApplyHealth records the outcome of one health probe. Results for nodes
// that are gone or no longer running are dropped. A success refreshes
// LastHealthCheck only; it does not clear ErrorCount.
func (r *Registry) ApplyHealth(id string, healthy bool) {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok || n.Status != model.NodeRunning {
		r.mu.Unlock()
		return
	}
	now := r.clock.Now()
	prevStatus := n.Status
	if healthy {
		n.LastHealthCheck = now
	} else {
		n.ErrorCount++
		if n.ErrorCount > FailureThreshold {
			n.Status = model.NodeError
		}
	}
	snap := r.snapshotLocked(n, now)
	r.mu.Unlock()

	if snap.Status != prevStatus {
		r.logger.Warn("node marked error after failed health checks",
			zap.String("node", id),
			zap.Int("errorCount", snap.ErrorCount),
		)
	}
	r.notify(Change{Kind: ChangeUpdated, Node: snap, PrevStatus: prevStatus})
}

// snapshotLocked copies n and derives its warmth. Caller holds r.mu.
func (r *Registry) snapshotLocked(n *model.Node, now time.Time) *model.Node {
	c := n.Clone()
	c.Warmth = Classify(c.LastInference, now)
	return c
}

func (r *Registry) notify(c Change) {
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()
	for _, o := range observers {
		o.NodeChanged(c)
	}
}
