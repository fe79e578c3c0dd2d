package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dmitriimaksimovdevelop/crawlcore/internal/crawler"
)

// defaultHTTPTimeout bounds a single round trip when the caller gave
// SendRequest no deeper context deadline.
const defaultHTTPTimeout = 30 * time.Second

// netHTTPClient is the crawler.HTTPClient implementation used by the
// `run` command. It keeps one shared *http.Client (and its connection
// pool) for jarless requests, and builds a short-lived *http.Client
// wrapping the caller's jar on top of the same Transport whenever a
// session is in play, so cookies set by one request under a session
// are sent on the next request under that same session.
type netHTTPClient struct {
	client *http.Client

	rateLimitMu     sync.Mutex
	rateLimitErrors map[int]int
}

func newHTTPClient() *netHTTPClient {
	return &netHTTPClient{
		client:          &http.Client{Timeout: defaultHTTPTimeout},
		rateLimitErrors: make(map[int]int),
	}
}

func (c *netHTTPClient) SendRequest(ctx context.Context, method, url string, headers map[string]string, payload []byte, jar http.CookieJar) (*crawler.HTTPResponse, error) {
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	doer := c.client
	if jar != nil {
		doer = &http.Client{Timeout: defaultHTTPTimeout, Transport: c.client.Transport, Jar: jar}
	}
	resp, err := doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.recordRateLimitError(0)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	return &crawler.HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    respHeaders,
		Body:       respBody,
	}, nil
}

func (c *netHTTPClient) recordRateLimitError(retryCount int) {
	c.rateLimitMu.Lock()
	c.rateLimitErrors[retryCount]++
	c.rateLimitMu.Unlock()
}

// GetRateLimitErrors satisfies snapshotter.ClientErrorSource.
func (c *netHTTPClient) GetRateLimitErrors() map[int]int {
	c.rateLimitMu.Lock()
	out := make(map[int]int, len(c.rateLimitErrors))
	for k, v := range c.rateLimitErrors {
		out[k] = v
	}
	c.rateLimitMu.Unlock()
	return out
}
