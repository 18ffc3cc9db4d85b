package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	namespaceDirPrefix = "ns-"
	bodySuffix         = ".body"
	metaSuffix         = ".meta"
)

// NewStore 以 basePath 为根目录构建磁盘对象存储，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*namespaceLock),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// fileStore 通过 namespaceLock 让写入与整体删除互斥：写入持读锁，DeleteNamespace 持写锁。
type fileStore struct {
	basePath string
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*namespaceLock
}

type namespaceLock struct {
	mu   sync.RWMutex
	refs int
}

type objectMeta struct {
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	StoredAt    time.Time `json:"stored_at"`
}

func (s *fileStore) Write(ctx context.Context, namespace, objectID, contentType string, body io.Reader) (*Object, error) {
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return nil, err
	}
	if !validKey(objectID) {
		return nil, fmt.Errorf("%w: object id %q", ErrInvalidKey, objectID)
	}

	unlock := s.lockNamespace(namespace, false)
	defer unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	written, err := writeAtomic(dir, filepath.Join(dir, objectID+bodySuffix), func(f *os.File) (int64, error) {
		return copyWithContext(ctx, f, body)
	})
	if err != nil {
		return nil, err
	}

	meta := objectMeta{
		ContentType: contentType,
		SizeBytes:   written,
		StoredAt:    s.now(),
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if _, err := writeAtomic(dir, filepath.Join(dir, objectID+metaSuffix), func(f *os.File) (int64, error) {
		n, err := f.Write(encoded)
		return int64(n), err
	}); err != nil {
		return nil, err
	}

	return &Object{
		Namespace:   namespace,
		ID:          objectID,
		ContentType: meta.ContentType,
		SizeBytes:   meta.SizeBytes,
		StoredAt:    meta.StoredAt,
	}, nil
}

func (s *fileStore) Read(ctx context.Context, namespace, objectID string) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return nil, err
	}
	if !validKey(objectID) {
		return nil, fmt.Errorf("%w: object id %q", ErrInvalidKey, objectID)
	}

	unlock := s.lockNamespace(namespace, false)
	defer unlock()

	raw, err := os.ReadFile(filepath.Join(dir, objectID+metaSuffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta objectMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode object meta %s/%s: %w", namespace, objectID, err)
	}

	f, err := os.Open(filepath.Join(dir, objectID+bodySuffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Object: Object{
			Namespace:   namespace,
			ID:          objectID,
			ContentType: meta.ContentType,
			SizeBytes:   meta.SizeBytes,
			StoredAt:    meta.StoredAt,
		},
		Reader: f,
	}, nil
}

func (s *fileStore) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return err
	}

	unlock := s.lockNamespace(namespace, true)
	defer unlock()

	// RemoveAll 对不存在的目录返回 nil。
	return os.RemoveAll(dir)
}

func (s *fileStore) lockNamespace(namespace string, exclusive bool) func() {
	s.mu.Lock()
	lock := s.locks[namespace]
	if lock == nil {
		lock = &namespaceLock{}
		s.locks[namespace] = lock
	}
	lock.refs++
	s.mu.Unlock()

	if exclusive {
		lock.mu.Lock()
	} else {
		lock.mu.RLock()
	}
	return func() {
		if exclusive {
			lock.mu.Unlock()
		} else {
			lock.mu.RUnlock()
		}
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, namespace)
		}
		s.mu.Unlock()
	}
}

// namespaceDir 为 namespace 加上固定前缀，保证按目录删除只命中该 namespace 本身。
func (s *fileStore) namespaceDir(namespace string) (string, error) {
	if !validKey(namespace) {
		return "", fmt.Errorf("%w: namespace %q", ErrInvalidKey, namespace)
	}
	return filepath.Join(s.basePath, namespaceDirPrefix+namespace), nil
}

// validKey 只接受字母、数字、'-' 与 '_'，杜绝路径穿越。
func validKey(key string) bool {
	if key == "" || len(key) > 200 {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// writeAtomic 先写临时文件再 rename，失败时清理临时文件。
func writeAtomic(dir, target string, fill func(*os.File) (int64, error)) (int64, error) {
	tempFile, err := os.CreateTemp(dir, ".obj-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := fill(tempFile)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
