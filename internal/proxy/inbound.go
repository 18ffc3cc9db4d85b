package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/cthulhu-proxy/cthulhu/internal/server"
)

// 控制头。所有以 ReservedPrefix 开头的头都不参与指纹，也不会转发给源站。
const (
	ReservedPrefix   = "cthulhu-"
	NamespaceHeader  = server.NamespaceHeader
	OriginHeader     = ReservedPrefix + "domain"
	InvalidateHeader = ReservedPrefix + "reset"

	// FailureStatus 是所有内部失败使用的非标准状态码。
	FailureStatus = 460

	maxNamespaceLength = 128
)

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

var supportedMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
	http.MethodHead:    {},
	http.MethodTrace:   {},
}

// Inbound 是与 HTTP 框架无关的入站请求视图。Path 与 RawQuery 保持原始编码。
type Inbound struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// ExtractNamespace 读取并校验 namespace 头，缺失或不匹配时返回 InvalidNamespace。
func ExtractNamespace(h http.Header) (string, error) {
	values := h.Values(NamespaceHeader)
	if len(values) == 0 {
		return "", newError(KindInvalidNamespace, "extract namespace",
			fmt.Errorf("header %s must exist and match [A-Za-z0-9-]+", NamespaceHeader))
	}
	ns := values[0]
	if len(ns) > maxNamespaceLength || !namespacePattern.MatchString(ns) {
		return "", newError(KindInvalidNamespace, "extract namespace",
			fmt.Errorf("header %s=%q must match [A-Za-z0-9-]+ (max %d chars)", NamespaceHeader, ns, maxNamespaceLength))
	}
	return ns, nil
}

// WantsInvalidation 判断是否携带失效指令（值大小写不敏感等于 "true"）。
func WantsInvalidation(h http.Header) bool {
	return strings.EqualFold(strings.TrimSpace(h.Get(InvalidateHeader)), "true")
}

// TargetURL 用源站头 + 原始路径 + 查询串重建源站看到的绝对地址。
func TargetURL(h http.Header, rawPath, rawQuery string) (string, error) {
	domain := strings.TrimSpace(h.Get(OriginHeader))
	if domain == "" {
		return "", newError(KindInvalidOrigin, "build target", fmt.Errorf("header %s is required", OriginHeader))
	}
	domain = strings.TrimRight(domain, "/")

	parsed, err := url.Parse(domain)
	if err != nil {
		return "", newError(KindInvalidOrigin, "build target", err)
	}
	switch {
	case parsed.Scheme != "http" && parsed.Scheme != "https":
		err = fmt.Errorf("%s must use http or https, got %q", OriginHeader, domain)
	case parsed.Host == "":
		err = fmt.Errorf("%s is missing a host: %q", OriginHeader, domain)
	case parsed.Path != "" || parsed.RawQuery != "" || parsed.Fragment != "" || parsed.User != nil:
		err = fmt.Errorf("%s must be scheme://host[:port] only, got %q", OriginHeader, domain)
	}
	if err != nil {
		return "", newError(KindInvalidOrigin, "build target", err)
	}

	if rawPath == "" {
		rawPath = "/"
	}
	target := domain + rawPath
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target, nil
}

func namespaceHeader(namespace string) http.Header {
	h := http.Header{}
	h.Set(NamespaceHeader, namespace)
	return h
}

func checkMethod(method string) error {
	if _, ok := supportedMethods[method]; !ok {
		return newError(KindUnsupportedMethod, "check method", errors.New(method+" is not proxied"))
	}
	return nil
}

// inboundFromFiber 拷贝 fasthttp 的请求数据；fasthttp 会复用缓冲区，不能直接持有切片。
// 正文取 BodyRaw：c.Body() 会按 Content-Encoding 解码，而正文需要原样转发并参与指纹。
func inboundFromFiber(c fiber.Ctx) Inbound {
	uri := c.Request().URI()
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return Inbound{
		Method:   strings.ToUpper(c.Method()),
		Path:     string(uri.PathOriginal()),
		RawQuery: string(uri.QueryString()),
		Header:   header,
		Body:     append([]byte(nil), c.BodyRaw()...),
	}
}
