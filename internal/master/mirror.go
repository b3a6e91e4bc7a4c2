package master

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"ember/internal/master/registry"
	"ember/pkg/model"
	"ember/pkg/store"
)

// mirrorWriteTimeout bounds a single store write.
const mirrorWriteTimeout = 5 * time.Second

type mirrorOp struct {
	id   string
	node *model.Node // nil means delete
}

// Mirror copies registry changes to a store.Store in the background. The
// observer side only records the pending write so registry mutations never
// wait on the store. Pending writes collapse per node, last one wins, so the
// backlog never exceeds one entry per node id. Nodes are written in the order
// they first became pending.
//
// Warmth is time-dependent and is not mirrored; readers derive it from
// lastInference.
type Mirror struct {
	store  store.Store
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]mirrorOp
	order   []string
	wake    chan struct{}
	done    chan struct{}
	started bool
}

func NewMirror(s store.Store, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		store:   s,
		logger:  logger.Named("mirror"),
		pending: make(map[string]mirrorOp),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (m *Mirror) NodeChanged(c registry.Change) {
	op := mirrorOp{id: c.Node.ID}
	if c.Kind != registry.ChangeRemoved {
		n := c.Node.Clone()
		n.Warmth = ""
		op.node = n
	}
	m.mu.Lock()
	if _, queued := m.pending[op.id]; !queued {
		m.order = append(m.order, op.id)
	}
	m.pending[op.id] = op
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (m *Mirror) Run(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			m.flush(context.Background())
			return
		case <-m.wake:
			m.flush(ctx)
		}
	}
}

// Done is closed once Run has returned.
func (m *Mirror) Done() <-chan struct{} { return m.done }

func (m *Mirror) flush(ctx context.Context) {
	for {
		m.mu.Lock()
		order, pending := m.order, m.pending
		m.order, m.pending = nil, make(map[string]mirrorOp)
		m.mu.Unlock()
		if len(order) == 0 {
			return
		}
		for _, id := range order {
			m.apply(ctx, pending[id])
		}
	}
}

func (m *Mirror) apply(ctx context.Context, op mirrorOp) {
	ctx, cancel := context.WithTimeout(ctx, mirrorWriteTimeout)
	defer cancel()

	var err error
	if op.node == nil {
		err = m.store.DeleteNode(ctx, op.id)
	} else {
		err = m.store.PutNode(ctx, op.node)
	}
	if err != nil {
		m.logger.Warn("mirror write failed", zap.String("node", op.id), zap.Error(err))
	}
}
