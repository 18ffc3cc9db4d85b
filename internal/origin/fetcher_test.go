package origin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchForwardsRequest(t *testing.T) {
	var (
		gotMethod string
		gotHost   string
		gotHeader http.Header
		gotBody   []byte
		gotQuery  string
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHost = r.Host
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	header := http.Header{}
	header.Set("X-Api-Key", "k")
	header.Set("Accept-Encoding", "gzip")

	fetcher := NewHTTPFetcher(upstream.Client())
	resp, err := fetcher.Fetch(context.Background(), Request{
		Method: http.MethodPost,
		URL:    upstream.URL + "/items?id=7",
		Header: header,
		Body:   []byte("payload"),
	})
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"ok":true}` || resp.ContentType != "application/json" {
		t.Fatalf("unexpected response %s (%s)", body, resp.ContentType)
	}
	if gotMethod != http.MethodPost || string(gotBody) != "payload" || gotQuery != "id=7" {
		t.Fatalf("request not forwarded verbatim: %s %q %q", gotMethod, gotBody, gotQuery)
	}
	if gotHeader.Get("X-Api-Key") != "k" {
		t.Fatalf("custom header should be forwarded")
	}
	if gotHost != upstream.Listener.Addr().String() {
		t.Fatalf("host should be regenerated from target, got %s", gotHost)
	}
}

func TestFetchOmitsEmptyBody(t *testing.T) {
	var contentLength int64 = -2
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentLength = r.ContentLength
	}))
	defer upstream.Close()

	resp, err := NewHTTPFetcher(upstream.Client()).Fetch(context.Background(), Request{Method: http.MethodGet, URL: upstream.URL})
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	resp.Body.Close()
	if contentLength != 0 {
		t.Fatalf("empty body should not be sent, content length %d", contentLength)
	}
}

func TestFetchErrorStatusIsUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer upstream.Close()

	_, err := NewHTTPFetcher(upstream.Client()).Fetch(context.Background(), Request{Method: http.MethodGet, URL: upstream.URL + "/missing"})
	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("expected UnreachableError, got %v", err)
	}
	if unreachable.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status 404 recorded, got %d", unreachable.StatusCode)
	}
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	client := upstream.Client()
	client.Timeout = 50 * time.Millisecond

	_, err := NewHTTPFetcher(client).Fetch(context.Background(), Request{Method: http.MethodGet, URL: upstream.URL})
	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("expected timeout to surface as UnreachableError, got %v", err)
	}
}

func TestFetchRejectsRelativeTarget(t *testing.T) {
	_, err := NewHTTPFetcher(nil).Fetch(context.Background(), Request{Method: http.MethodGet, URL: "/just/a/path"})
	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("expected UnreachableError, got %v", err)
	}
}
