package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/cthulhu-proxy/cthulhu/internal/blob"
	"github.com/cthulhu-proxy/cthulhu/internal/metadata"
	"github.com/cthulhu-proxy/cthulhu/internal/origin"
)

// memoryBlobs 是内存版 blob.Store，记录调用次数并可注入错误。
type memoryBlobs struct {
	mu        sync.Mutex
	calls     int
	objects   map[string]blob.Object
	bodies    map[string][]byte
	writeErr  error
	readErr   error
	deleteErr error
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: map[string]blob.Object{}, bodies: map[string][]byte{}}
}

func (m *memoryBlobs) Write(_ context.Context, namespace, objectID, contentType string, body io.Reader) (*blob.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.writeErr != nil {
		return nil, m.writeErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	obj := blob.Object{Namespace: namespace, ID: objectID, ContentType: contentType, SizeBytes: int64(len(data)), StoredAt: time.Now()}
	m.objects[namespace+"/"+objectID] = obj
	m.bodies[namespace+"/"+objectID] = data
	return &obj, nil
}

func (m *memoryBlobs) Read(_ context.Context, namespace, objectID string) (*blob.ReadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.readErr != nil {
		return nil, m.readErr
	}
	obj, ok := m.objects[namespace+"/"+objectID]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return &blob.ReadResult{Object: obj, Reader: io.NopCloser(bytes.NewReader(m.bodies[namespace+"/"+objectID]))}, nil
}

func (m *memoryBlobs) DeleteNamespace(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.deleteErr != nil {
		return m.deleteErr
	}
	for key, obj := range m.objects {
		if obj.Namespace == namespace {
			delete(m.objects, key)
			delete(m.bodies, key)
		}
	}
	return nil
}

func (m *memoryBlobs) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// memoryIndex 是内存版 metadata.Index。
type memoryIndex struct {
	mu        sync.Mutex
	calls     int
	refs      map[string]string
	lookupErr error
	insertErr error
	deleteErr error
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{refs: map[string]string{}}
}

func (m *memoryIndex) Lookup(_ context.Context, namespace, fingerprint string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.lookupErr != nil {
		return "", false, m.lookupErr
	}
	id, ok := m.refs[namespace+"\x00"+fingerprint]
	return id, ok, nil
}

func (m *memoryIndex) Insert(_ context.Context, ref metadata.FileRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.insertErr != nil {
		return m.insertErr
	}
	m.refs[ref.Namespace+"\x00"+ref.Fingerprint] = ref.ObjectID
	return nil
}

func (m *memoryIndex) DeleteAll(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.deleteErr != nil {
		return m.deleteErr
	}
	prefix := namespace + "\x00"
	for key := range m.refs {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(m.refs, key)
		}
	}
	return nil
}

func (m *memoryIndex) Backend() string { return "memory" }

func (m *memoryIndex) Close() error { return nil }

func (m *memoryIndex) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// fetcherFunc 允许测试直接以函数实现 origin.Fetcher。
type fetcherFunc func(ctx context.Context, req origin.Request) (*origin.Response, error)

func (f fetcherFunc) Fetch(ctx context.Context, req origin.Request) (*origin.Response, error) {
	return f(ctx, req)
}

func textResponse(body string) *origin.Response {
	return &origin.Response{
		StatusCode:  http.StatusOK,
		ContentType: "text/plain",
		Body:        io.NopCloser(bytes.NewBufferString(body)),
	}
}

// countingOrigin 启动一个记录调用次数的源站。
type countingOrigin struct {
	URL   string
	calls atomic.Int64
}

func newCountingOrigin(t *testing.T, handler http.HandlerFunc) *countingOrigin {
	t.Helper()
	o := &countingOrigin{}
	srv := newOriginServer(t, func(w http.ResponseWriter, r *http.Request) {
		o.calls.Add(1)
		handler(w, r)
	})
	o.URL = srv
	return o
}

func newOriginServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

// newDiskHandler 使用真实的文件存储与 SQLite 索引构造 Handler。
func newDiskHandler(t *testing.T, collapse bool) (*Handler, string) {
	t.Helper()
	base := t.TempDir()
	store, err := blob.NewStore(filepath.Join(base, "blobs"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	index, err := metadata.NewSQLiteIndex(filepath.Join(base, "metadata.db"))
	if err != nil {
		t.Fatalf("new sqlite index: %v", err)
	}
	t.Cleanup(func() { _ = index.Close() })

	h, err := NewHandler(Options{
		Blobs:          store,
		Index:          index,
		Fetcher:        origin.NewHTTPFetcher(nil),
		CollapseMisses: collapse,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h, filepath.Join(base, "blobs")
}

func newTestApp(t *testing.T, h *Handler) *fiber.App {
	t.Helper()
	app := fiber.New()
	app.All("/*", h.Handle)
	t.Cleanup(func() { _ = app.Shutdown() })
	return app
}

type proxyRequest struct {
	method    string
	path      string
	namespace string
	domain    string
	reset     string
	header    map[string]string
	body      string
}

type proxyResponse struct {
	status int
	header http.Header
	body   string
}

func doProxy(t *testing.T, app *fiber.App, pr proxyRequest) proxyResponse {
	t.Helper()
	method := pr.method
	if method == "" {
		method = http.MethodGet
	}
	path := pr.path
	if path == "" {
		path = "/"
	}
	var body io.Reader
	if pr.body != "" {
		body = bytes.NewBufferString(pr.body)
	}
	req, err := http.NewRequest(method, "http://proxy.local"+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if pr.namespace != "" {
		req.Header.Set(NamespaceHeader, pr.namespace)
	}
	if pr.domain != "" {
		req.Header.Set(OriginHeader, pr.domain)
	}
	if pr.reset != "" {
		req.Header.Set(InvalidateHeader, pr.reset)
	}
	for k, v := range pr.header {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return proxyResponse{status: resp.StatusCode, header: resp.Header, body: string(data)}
}
