package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// lazyClient owns an *http.Client that is built on first use and dropped by
// close. A closed lazyClient builds a fresh client the next time it is used.
type lazyClient struct {
	timeout   time.Duration
	proxyURL  string
	userAgent string

	mu     sync.Mutex
	client *http.Client
}

func (l *lazyClient) get() (*http.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.client != nil {
		return l.client, nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if l.proxyURL != "" {
		proxy, err := url.Parse(l.proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	l.client = &http.Client{Timeout: l.timeout, Transport: transport}
	return l.client, nil
}

func (l *lazyClient) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.client == nil {
		return
	}
	l.client.CloseIdleConnections()
	l.client = nil
}

// do sends a GET and classifies transport failures. The caller owns the
// response body.
func (l *lazyClient) do(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	client, err := l.get()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if l.userAgent != "" {
		req.Header.Set("User-Agent", l.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, rawURL, err)
	}
	return resp, nil
}

// getJSON fetches rawURL and decodes a 2xx body into v.
func (l *lazyClient) getJSON(ctx context.Context, rawURL string, v any) error {
	resp, err := l.do(ctx, rawURL, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drain(resp.Body)
		return statusError(resp.StatusCode, rawURL)
	}
	return decodeJSON(ctx, resp.Body, rawURL, v)
}

func decodeJSON(ctx context.Context, body io.Reader, rawURL string, v any) error {
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &UpstreamError{Kind: ErrUpstreamTimeout, URL: redactURL(rawURL), Err: err}
		}
		return &UpstreamError{Kind: ErrUpstreamHTTP, URL: redactURL(rawURL), Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func drain(body io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
