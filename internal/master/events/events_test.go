package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/internal/clock"
	"ember/internal/master/registry"
	"ember/pkg/model"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type captureEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureEmitter) Emit(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureEmitter) Close() error { return nil }

func TestFromChange(t *testing.T) {
	node := &model.Node{ID: "a", Endpoint: "http://a", Status: model.NodeError}

	ev, ok := FromChange(registry.Change{Kind: registry.ChangeUpdated, Node: node, PrevStatus: model.NodeRunning}, epoch)
	require.True(t, ok)
	assert.Equal(t, NodeStatusChanged, ev.Type)
	assert.Equal(t, model.NodeRunning, ev.PrevStatus)
	assert.Equal(t, model.NodeError, ev.Status)
	assert.Equal(t, epoch, ev.Time)

	_, ok = FromChange(registry.Change{Kind: registry.ChangeUpdated, Node: node, PrevStatus: model.NodeError}, epoch)
	assert.False(t, ok, "same-status updates are not events")

	ev, ok = FromChange(registry.Change{Kind: registry.ChangeRemoved, Node: node, PrevStatus: model.NodeError}, epoch)
	require.True(t, ok)
	assert.Equal(t, NodeRemoved, ev.Type)
}

func TestPublisher_FollowsRegistryLifecycle(t *testing.T) {
	clk := clock.Fake(epoch)
	reg := registry.New(clk, nil)
	sink := &captureEmitter{}
	reg.Subscribe(NewPublisher(sink, clk))

	require.NoError(t, reg.Register(&model.Node{ID: "a", Endpoint: "http://a", Status: model.NodeRunning}))
	reg.RecordInference("a", 50, false)
	reg.Update("a", func(n *model.Node) { n.Status = model.NodeStopping })
	reg.Deregister("a")

	var types []Type
	for _, ev := range sink.events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []Type{NodeRegistered, NodeStatusChanged, NodeRemoved}, types)
}

func TestNop(t *testing.T) {
	var e Emitter = Nop{}
	e.Emit(Event{Type: NodeRegistered})
	assert.NoError(t, e.Close())
}
