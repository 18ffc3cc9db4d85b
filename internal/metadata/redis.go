package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisIndex 为每个 namespace 维护一个 hash：<prefix>:refs:<namespace>，field 为指纹，value 为对象 ID。
// 整个 namespace 的失效只需一次 DEL。
type RedisIndex struct {
	client *redis.Client
	prefix string
}

// NewRedisIndex 使用已建立的 client；prefix 为空时使用 "cthulhu"。
func NewRedisIndex(client *redis.Client, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = "cthulhu"
	}
	return &RedisIndex{client: client, prefix: prefix}
}

func (r *RedisIndex) key(namespace string) string {
	return fmt.Sprintf("%s:refs:%s", r.prefix, namespace)
}

func (r *RedisIndex) Lookup(ctx context.Context, namespace, fingerprint string) (string, bool, error) {
	if err := checkKeys(namespace, fingerprint); err != nil {
		return "", false, err
	}
	objectID, err := r.client.HGet(ctx, r.key(namespace), fingerprint).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("metadata lookup: %w", err)
	}
	return objectID, true, nil
}

func (r *RedisIndex) Insert(ctx context.Context, ref FileRef) error {
	if err := checkKeys(ref.Namespace, ref.Fingerprint, ref.ObjectID); err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.key(ref.Namespace), ref.Fingerprint, ref.ObjectID).Err(); err != nil {
		return fmt.Errorf("metadata insert: %w", err)
	}
	return nil
}

func (r *RedisIndex) DeleteAll(ctx context.Context, namespace string) error {
	if err := checkKeys(namespace); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.key(namespace)).Err(); err != nil {
		return fmt.Errorf("metadata delete: %w", err)
	}
	return nil
}

// Count 返回 namespace 下的引用数量。
func (r *RedisIndex) Count(ctx context.Context, namespace string) (int64, error) {
	n, err := r.client.HLen(ctx, r.key(namespace)).Result()
	if err != nil {
		return 0, fmt.Errorf("metadata count: %w", err)
	}
	return n, nil
}

func (r *RedisIndex) Backend() string {
	return "redis"
}

func (r *RedisIndex) Close() error {
	return r.client.Close()
}
