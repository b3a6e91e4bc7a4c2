package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"ember/pkg/model"
)

// DefaultNodePrefix is the etcd key prefix node snapshots live under.
const DefaultNodePrefix = "/ember/nodes/"

type EtcdManager struct {
	client *clientv3.Client
	prefix string
	logger *zap.Logger
}

// NewEtcdManager connects to etcd. An empty prefix means DefaultNodePrefix.
func NewEtcdManager(endpoints []string, dialTimeout time.Duration, prefix string, logger *zap.Logger) (*EtcdManager, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdManager{client: cli, prefix: normalizePrefix(prefix), logger: logger.Named("etcd")}, nil
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return DefaultNodePrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

func (e *EtcdManager) nodeKey(id string) string { return e.prefix + id }

func (e *EtcdManager) PutNode(ctx context.Context, node *model.Node) error {
	return e.putValue(ctx, e.nodeKey(node.ID), node)
}

func (e *EtcdManager) DeleteNode(ctx context.Context, id string) error {
	_, err := e.client.Delete(ctx, e.nodeKey(id))
	return err
}

func (e *EtcdManager) ListNodes(ctx context.Context) ([]*model.Node, error) {
	resp, err := e.client.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	nodes := make([]*model.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node model.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			e.logger.Warn("skipping undecodable node", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

// WatchNodes turns the etcd watch on the node prefix into a channel of
// NodeEvents. The channel closes when ctx is done.
func (e *EtcdManager) WatchNodes(ctx context.Context) <-chan NodeEvent {
	events := make(chan NodeEvent)

	go func() {
		defer close(events)
		watchChan := e.client.Watch(ctx, e.prefix, clientv3.WithPrefix())

		for watchResp := range watchChan {
			for _, ev := range watchResp.Events {
				out := NodeEvent{ID: strings.TrimPrefix(string(ev.Kv.Key), e.prefix)}
				switch ev.Type {
				case clientv3.EventTypePut:
					var node model.Node
					if err := json.Unmarshal(ev.Kv.Value, &node); err != nil {
						e.logger.Warn("skipping undecodable node", zap.String("node", out.ID), zap.Error(err))
						continue
					}
					out.Type = NodePut
					out.Node = &node
				case clientv3.EventTypeDelete:
					out.Type = NodeDelete
				}

				select {
				case events <- out:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events
}

func (e *EtcdManager) Close() error { return e.client.Close() }

// putValue JSON-encodes val and stores it under key.
func (e *EtcdManager) putValue(ctx context.Context, key string, val any) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(bytes))
	return err
}
