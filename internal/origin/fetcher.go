package origin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Fetcher 负责真正的回源调用。
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// Request 描述一次回源请求。URL 为完整的绝对地址，Header 已去掉控制头与 Host。
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response 是回源结果，调用方负责关闭 Body。
type Response struct {
	StatusCode  int
	ContentType string
	Body        io.ReadCloser
}

// UnreachableError 表示连接失败、超时或源站返回错误状态码。
type UnreachableError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *UnreachableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("origin %s responded %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("origin %s unreachable: %v", e.URL, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// HTTPFetcher 基于共享 http.Client 实现 Fetcher。
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher 使用 client 发起回源请求；client 为 nil 时按默认超时新建。
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = NewClient(ClientOptions{})
	}
	return &HTTPFetcher{client: client}
}

// Fetch 发起请求。Host 由目标地址重新生成；请求体仅在非空时携带。
// 状态码 >= 400 视为失败，响应体会被关闭。
func (f *HTTPFetcher) Fetch(ctx context.Context, r Request) (*Response, error) {
	target, err := url.Parse(r.URL)
	if err != nil {
		return nil, &UnreachableError{URL: r.URL, Err: err}
	}
	if target.Scheme != "http" && target.Scheme != "https" || target.Host == "" {
		return nil, &UnreachableError{URL: r.URL, Err: errors.New("target must be an absolute http(s) URL")}
	}

	var body io.Reader = http.NoBody
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, &UnreachableError{URL: r.URL, Err: err}
	}
	CopyHeaders(req.Header, r.Header)
	// 交给 Transport 处理压缩，缓存中始终保存解码后的正文。
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &UnreachableError{URL: r.URL, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, &UnreachableError{URL: r.URL, StatusCode: resp.StatusCode}
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        resp.Body,
	}, nil
}
