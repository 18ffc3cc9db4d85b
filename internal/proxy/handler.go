package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/cthulhu-proxy/cthulhu/internal/blob"
	"github.com/cthulhu-proxy/cthulhu/internal/fingerprint"
	"github.com/cthulhu-proxy/cthulhu/internal/logging"
	"github.com/cthulhu-proxy/cthulhu/internal/metadata"
	"github.com/cthulhu-proxy/cthulhu/internal/origin"
	"github.com/cthulhu-proxy/cthulhu/internal/server"
)

// CacheHeader 标记响应来自缓存（HIT）还是刚刚回源（MISS）。
const CacheHeader = "X-Cthulhu-Cache"

// Outcome 描述一次成功请求的处理结果。
type Outcome string

const (
	OutcomeHit         Outcome = "hit"
	OutcomeMiss        Outcome = "miss"
	OutcomeInvalidated Outcome = "invalidated"
)

// Options 汇总 Handler 的依赖。Blobs/Index/Fetcher 均为必填。
type Options struct {
	Logger  *logrus.Logger
	Blobs   blob.Store
	Index   metadata.Index
	Fetcher origin.Fetcher
	// CollapseMisses 打开后，同一 namespace+指纹 的并发 miss 只回源一次。
	CollapseMisses bool
}

// Handler 负责 namespace 校验、指纹计算、缓存命中判定、回源与失效。
type Handler struct {
	logger   *logrus.Logger
	blobs    blob.Store
	index    metadata.Index
	fetcher  origin.Fetcher
	collapse bool
	group    singleflight.Group

	hits          atomic.Uint64
	misses        atomic.Uint64
	invalidations atomic.Uint64
	failures      atomic.Uint64
	refetches     atomic.Uint64
}

// Stats 是进程启动以来的请求计数快照。
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Invalidations uint64 `json:"invalidations"`
	Failures      uint64 `json:"failures"`
	Refetches     uint64 `json:"refetches"`
}

// Result 是 Serve 的成功结果。Body 在 invalidated 时为 nil，其余情况由调用方关闭。
type Result struct {
	Outcome     Outcome
	Namespace   string
	Target      string
	Fingerprint fingerprint.Fingerprint
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

// NewHandler 校验依赖并构造 Handler。
func NewHandler(opts Options) (*Handler, error) {
	switch {
	case opts.Blobs == nil:
		return nil, errors.New("proxy: blob store is required")
	case opts.Index == nil:
		return nil, errors.New("proxy: metadata index is required")
	case opts.Fetcher == nil:
		return nil, errors.New("proxy: origin fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		logger:   logger,
		blobs:    opts.Blobs,
		index:    opts.Index,
		fetcher:  opts.Fetcher,
		collapse: opts.CollapseMisses,
	}, nil
}

// Stats 返回计数快照。
func (h *Handler) Stats() Stats {
	return Stats{
		Hits:          h.hits.Load(),
		Misses:        h.misses.Load(),
		Invalidations: h.invalidations.Load(),
		Failures:      h.failures.Load(),
		Refetches:     h.refetches.Load(),
	}
}

// CountRefs 返回 namespace 下的缓存条目数；索引不支持计数时 ok 为 false。
func (h *Handler) CountRefs(ctx context.Context, namespace string) (count int64, ok bool, err error) {
	if _, err := ExtractNamespace(namespaceHeader(namespace)); err != nil {
		return 0, false, err
	}
	counter, ok := h.index.(metadata.Counter)
	if !ok {
		return 0, false, nil
	}
	count, err = counter.Count(ctx, namespace)
	if err != nil {
		return 0, true, newError(KindStorageFailure, "count refs", err)
	}
	return count, true, nil
}

// Serve 处理一次入站请求。校验顺序：namespace → 方法 → 失效指令 → 源站地址。
// namespace 校验失败时不会触碰任何存储。
func (h *Handler) Serve(ctx context.Context, in Inbound) (*Result, error) {
	namespace, err := ExtractNamespace(in.Header)
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(in.Method)
	if err := checkMethod(method); err != nil {
		return nil, err
	}

	if WantsInvalidation(in.Header) {
		if err := h.invalidate(ctx, namespace); err != nil {
			return nil, err
		}
		h.invalidations.Add(1)
		return &Result{Outcome: OutcomeInvalidated, Namespace: namespace}, nil
	}

	target, err := TargetURL(in.Header, in.Path, in.RawQuery)
	if err != nil {
		return nil, err
	}
	headers := fingerprint.FilterHeaders(in.Header, ReservedPrefix)
	fp := fingerprint.Build(method, target, headers, in.Body)

	result := &Result{Namespace: namespace, Target: target, Fingerprint: fp}

	objectID, found, err := h.index.Lookup(ctx, namespace, string(fp))
	if err != nil {
		return nil, newError(KindStorageFailure, "lookup ref", err)
	}
	if found {
		stored, err := h.blobs.Read(ctx, namespace, objectID)
		switch {
		case err == nil:
			h.hits.Add(1)
			result.Outcome = OutcomeHit
			result.ContentType = stored.Object.ContentType
			result.Size = stored.Object.SizeBytes
			result.Body = stored.Reader
			return result, nil
		case errors.Is(err, blob.ErrNotFound):
			// 索引指向的正文已丢失，按 miss 重新回源并覆盖索引。
			h.refetches.Add(1)
			h.logger.WithFields(logrus.Fields{
				"action":      "proxy",
				"namespace":   namespace,
				"object_id":   objectID,
				"fingerprint": string(fp),
			}).Warn("stale_ref_refetch")
		default:
			return nil, newError(KindStorageFailure, "read blob", err)
		}
	}

	req := origin.Request{Method: method, URL: target, Header: headers, Body: in.Body}
	fetched, err := h.fetchAndStore(ctx, namespace, fp, req)
	if err != nil {
		return nil, err
	}
	h.misses.Add(1)
	result.Outcome = OutcomeMiss
	result.ContentType = fetched.contentType
	result.Size = int64(len(fetched.body))
	result.Body = io.NopCloser(bytes.NewReader(fetched.body))
	return result, nil
}

type fetchedBody struct {
	contentType string
	body        []byte
}

func (h *Handler) fetchAndStore(ctx context.Context, namespace string, fp fingerprint.Fingerprint, req origin.Request) (*fetchedBody, error) {
	if !h.collapse {
		return h.fillMiss(ctx, namespace, fp, req)
	}
	// 共享调用不能因为首个调用方断开而失败。
	detached := context.WithoutCancel(ctx)
	value, err, _ := h.group.Do(namespace+"\x00"+string(fp), func() (interface{}, error) {
		return h.fillMiss(detached, namespace, fp, req)
	})
	if err != nil {
		return nil, err
	}
	return value.(*fetchedBody), nil
}

// fillMiss 回源、落盘、写索引。正文先完整写入再登记索引，索引里不会出现半写对象。
func (h *Handler) fillMiss(ctx context.Context, namespace string, fp fingerprint.Fingerprint, req origin.Request) (*fetchedBody, error) {
	resp, err := h.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, newError(KindOriginUnreachable, "fetch origin", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(KindOriginUnreachable, "read origin body", err)
	}

	objectID := uuid.NewString()
	if _, err := h.blobs.Write(ctx, namespace, objectID, resp.ContentType, bytes.NewReader(body)); err != nil {
		return nil, newError(KindStorageFailure, "write blob", err)
	}
	ref := metadata.FileRef{Namespace: namespace, Fingerprint: string(fp), ObjectID: objectID}
	if err := h.index.Insert(ctx, ref); err != nil {
		return nil, newError(KindStorageFailure, "insert ref", err)
	}
	return &fetchedBody{contentType: resp.ContentType, body: body}, nil
}

// invalidate 并行清理正文与索引，两者互不取消；任一失败即整体失败。
func (h *Handler) invalidate(ctx context.Context, namespace string) error {
	var g errgroup.Group
	g.Go(func() error {
		if err := h.blobs.DeleteNamespace(ctx, namespace); err != nil {
			return fmt.Errorf("delete blobs: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := h.index.DeleteAll(ctx, namespace); err != nil {
			return fmt.Errorf("delete refs: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return newError(KindStorageFailure, "invalidate", err)
	}
	return nil
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	var in Inbound

	defer func() {
		if r := recover(); r != nil {
			err = h.fail(c, in, requestID, started, newError(KindUnexpected, "handle", fmt.Errorf("panic: %v", r)))
		}
	}()

	in = inboundFromFiber(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	result, serveErr := h.Serve(ctx, in)
	if serveErr != nil {
		return h.fail(c, in, requestID, started, serveErr)
	}
	return h.respond(c, in, requestID, started, result)
}

func (h *Handler) respond(c fiber.Ctx, in Inbound, requestID string, started time.Time, result *Result) error {
	if result.Body != nil {
		defer result.Body.Close()
	}
	c.Status(fiber.StatusOK)
	if result.Outcome == OutcomeInvalidated {
		c.Response().Header.SetNoDefaultContentType(true)
		h.logResult(result.Namespace, in.Method, "", string(result.Outcome), requestID, started, nil)
		return nil
	}

	if result.ContentType != "" {
		c.Set(fiber.HeaderContentType, result.ContentType)
	} else {
		c.Response().Header.SetNoDefaultContentType(true)
	}
	if result.Outcome == OutcomeHit {
		c.Set(CacheHeader, "HIT")
	} else {
		c.Set(CacheHeader, "MISS")
	}

	var err error
	if in.Method != fiber.MethodHead {
		_, err = io.Copy(c.Response().BodyWriter(), result.Body)
	}
	h.logResult(result.Namespace, in.Method, result.Target, string(result.Outcome), requestID, started, err)
	return err
}

// fail 把任何失败映射为 FailureStatus + 文本消息。
func (h *Handler) fail(c fiber.Ctx, in Inbound, requestID string, started time.Time, err error) error {
	h.failures.Add(1)
	kind := KindOf(err)

	fields := logging.RequestFields(in.Header.Get(NamespaceHeader), in.Method, "", "failed")
	fields["kind"] = string(kind)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	entry := h.logger.WithFields(fields).WithError(err)
	if clientFault(kind) {
		entry.Warn("proxy_rejected")
	} else {
		entry.Error("proxy_failed")
	}

	c.Response().Header.Del(CacheHeader)
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(FailureStatus).SendString(err.Error())
}

func (h *Handler) logResult(namespace, method, target, outcome, requestID string, started time.Time, err error) {
	fields := logging.RequestFields(namespace, method, target, outcome)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Error("proxy_write_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
