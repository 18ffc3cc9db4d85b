package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 保存缓存响应正文，按 (namespace, objectID) 寻址。磁盘布局遵循：
//
//	<StoragePath>/ns-<namespace>/<objectID>.body   # 响应正文
//	<StoragePath>/ns-<namespace>/<objectID>.meta   # Content-Type 等元信息（JSON）
//
// objectID 每次 miss 重新生成，与指纹编码解耦。
type Store interface {
	// Write 写入正文与 Content-Type；objectID 已存在时覆盖。实现需保证写入原子性。
	Write(ctx context.Context, namespace, objectID, contentType string, body io.Reader) (*Object, error)

	// Read 返回可流式读取的对象。不存在时返回 ErrNotFound。
	Read(ctx context.Context, namespace, objectID string) (*ReadResult, error)

	// DeleteNamespace 删除 namespace 下的全部对象；namespace 从未写入过时直接成功。
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Object 描述一次写入或读取到的对象元信息。
type Object struct {
	Namespace   string    `json:"namespace"`
	ID          string    `json:"id"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	StoredAt    time.Time `json:"stored_at"`
}

// ReadResult 组合 Object 与正文 Reader，调用方负责 Close。
type ReadResult struct {
	Object Object
	Reader io.ReadCloser
}

var (
	// ErrNotFound 表示对象不存在（或元信息缺失）。
	ErrNotFound = errors.New("stored object not found")
	// ErrInvalidKey 表示 namespace 或 objectID 不能安全地映射为文件名。
	ErrInvalidKey = errors.New("invalid stored object key")
)
