package store

import (
	"context"

	"ember/pkg/model"
)

// NodeEventType says what happened to a mirrored node.
type NodeEventType int

const (
	NodePut NodeEventType = iota
	NodeDelete
)

// NodeEvent is one change observed on the mirror. For NodeDelete only ID is set.
type NodeEvent struct {
	Type NodeEventType
	ID   string
	Node *model.Node
}

// Store is a durable mirror of node snapshots. The master writes to it;
// operators and tooling read from it. It is never read back into the registry.
type Store interface {
	// PutNode stores the latest snapshot of a node.
	PutNode(ctx context.Context, node *model.Node) error

	// DeleteNode removes a node's snapshot. Missing nodes are not an error.
	DeleteNode(ctx context.Context, id string) error

	// ListNodes returns every mirrored node.
	ListNodes(ctx context.Context) ([]*model.Node, error)

	Close() error
}
