// Package metadata maps (namespace, fingerprint) pairs to stored object ids.
//
// Exactly one reference exists per pair; Insert on an existing pair replaces
// the previous object id (last write wins). Two backends are provided: a local
// SQLite file and a shared Redis instance.
package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/cthulhu-proxy/cthulhu/internal/config"
)

// Index 是元数据索引的最小契约，代理层只依赖该接口。
type Index interface {
	// Lookup 点查；不存在时 found=false 且 err=nil。
	Lookup(ctx context.Context, namespace, fingerprint string) (objectID string, found bool, err error)
	// Insert 建立引用；同一 (namespace, fingerprint) 已存在时覆盖。
	Insert(ctx context.Context, ref FileRef) error
	// DeleteAll 删除 namespace 下的所有引用，仅由失效流程调用。
	DeleteAll(ctx context.Context, namespace string) error
	// Backend 返回后端名称，用于日志与 /-/status。
	Backend() string
	Close() error
}

// Counter 由支持统计的后端实现，供诊断接口查询某个 namespace 的引用数。
type Counter interface {
	Count(ctx context.Context, namespace string) (int64, error)
}

// FileRef 是一条引用记录：(Namespace, Fingerprint) → ObjectID。
type FileRef struct {
	Namespace   string
	Fingerprint string
	ObjectID    string
}

// ErrEmptyKey 表示调用方传入了空的 namespace/fingerprint/objectID。
var ErrEmptyKey = errors.New("metadata key must not be empty")

// Open 根据配置选择后端并建立连接。
func Open(ctx context.Context, cfg *config.Config) (Index, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	switch cfg.Metadata.Backend {
	case config.MetadataBackendSQLite, "":
		index, err := NewSQLiteIndex(cfg.MetadataPathOrDefault())
		if err != nil {
			return nil, err
		}
		return index, nil
	case config.MetadataBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Metadata.RedisAddr,
			Password: cfg.Metadata.RedisPassword,
			DB:       cfg.Metadata.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Metadata.RedisAddr, err)
		}
		return NewRedisIndex(client, cfg.Metadata.RedisKeyPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported metadata backend %q", cfg.Metadata.Backend)
	}
}

func checkKeys(keys ...string) error {
	for _, k := range keys {
		if k == "" {
			return ErrEmptyKey
		}
	}
	return nil
}
