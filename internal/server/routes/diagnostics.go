package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/cthulhu-proxy/cthulhu/internal/proxy"
)

// ProxyState 是诊断接口需要的 proxy.Handler 能力子集。
type ProxyState interface {
	Stats() proxy.Stats
	CountRefs(ctx context.Context, namespace string) (int64, bool, error)
}

// StatusSource 汇总 /-/status 输出所需的静态信息与运行时状态。
type StatusSource struct {
	Version     string
	Backend     string
	StoragePath string
	StartedAt   time.Time
	Proxy       ProxyState
}

type statusPayload struct {
	Version       string      `json:"version"`
	Backend       string      `json:"metadata_backend"`
	StoragePath   string      `json:"storage_path"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	Stats         proxy.Stats `json:"stats"`
}

// RegisterDiagnosticRoutes 暴露 /-/status 与 /-/namespaces/:ns 诊断接口。
func RegisterDiagnosticRoutes(app *fiber.App, source StatusSource) {
	if app == nil || source.Proxy == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := statusPayload{
			Version:     source.Version,
			Backend:     source.Backend,
			StoragePath: source.StoragePath,
			Stats:       source.Proxy.Stats(),
		}
		if !source.StartedAt.IsZero() {
			payload.UptimeSeconds = int64(time.Since(source.StartedAt).Seconds())
		}
		return c.JSON(payload)
	})

	app.Get("/-/namespaces/:ns", func(c fiber.Ctx) error {
		namespace := c.Params("ns")
		count, ok, err := source.Proxy.CountRefs(c.Context(), namespace)
		if err != nil {
			if proxy.KindOf(err) == proxy.KindInvalidNamespace {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_namespace"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "count_failed"})
		}
		if !ok {
			return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "count_unsupported"})
		}
		return c.JSON(fiber.Map{"namespace": namespace, "refs": count})
	})
}
