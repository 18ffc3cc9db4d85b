package origin

import (
	"net"
	"net/http"
	"net/textproto"
	"time"
)

// DefaultTimeout 是回源请求的整体超时。
const DefaultTimeout = 30 * time.Second

// ClientOptions 控制回源连接池。零值字段使用默认值。
type ClientOptions struct {
	// Timeout 覆盖连接、发送与读完响应体的整个过程。
	Timeout time.Duration
	// MaxIdleConnsPerHost 限制每个源站保留的空闲连接数。
	MaxIdleConnsPerHost int
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxIdleConnsPerHost <= 0 {
		o.MaxIdleConnsPerHost = 100
	}
	return o
}

// NewClient 返回回源用的 http.Client，所有 namespace 共享同一连接池。
func NewClient(opts ClientOptions) *http.Client {
	opts = opts.withDefaults()
	dialer := &net.Dialer{
		Timeout:   opts.Timeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          opts.MaxIdleConnsPerHost,
			MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// 不转发给源站的头：RFC 7230 逐跳头，以及由 Transport 按目标重新生成的 Host/Content-Length。
var skippedHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"Host":                true,
}

// CopyHeaders 把 src 中可转发的头追加到 dst。Connection 头里点名的字段同样视为逐跳头。
func CopyHeaders(dst, src http.Header) {
	named := map[string]bool{}
	for _, v := range src.Values("Connection") {
		for _, field := range splitList(v) {
			named[textproto.CanonicalMIMEHeaderKey(field)] = true
		}
	}
	for key, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if skippedHeaders[canonical] || named[canonical] {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func splitList(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if field := textproto.TrimString(v[start:i]); field != "" {
				out = append(out, field)
			}
			start = i + 1
		}
	}
	return out
}
