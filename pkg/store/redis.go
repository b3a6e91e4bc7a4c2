package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"ember/pkg/model"
)

// DefaultRedisPrefix namespaces every key the redis mirror writes.
const DefaultRedisPrefix = "ember"

// RedisStore keeps one JSON value per node plus a set of all node ids.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) nodeKey(id string) string { return r.prefix + ":node:" + id }
func (r *RedisStore) allNodesKey() string      { return r.prefix + ":nodes" }

func (r *RedisStore) PutNode(ctx context.Context, node *model.Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.nodeKey(node.ID), data, 0)
	pipe.SAdd(ctx, r.allNodesKey(), node.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) DeleteNode(ctx context.Context, id string) error {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.nodeKey(id))
	pipe.SRem(ctx, r.allNodesKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) ListNodes(ctx context.Context) ([]*model.Node, error) {
	ids, err := r.client.SMembers(ctx, r.allNodesKey()).Result()
	if err != nil {
		return nil, err
	}
	nodes := make([]*model.Node, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.nodeKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var node model.Node
		if err := json.Unmarshal(data, &node); err != nil {
			continue
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }
