package crawler

import (
	"context"
	"errors"
	"net/http"

	"github.com/dmitriimaksimovdevelop/crawlcore/internal/request"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/session"
)

// errNoHTTPClient is returned by Context.SendRequest when the owning
// Crawler was built without an HTTPClient.
var errNoHTTPClient = errors.New("crawler: no http client configured")

// HTTPResponse is the transport-agnostic result of SendRequest.
type HTTPResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// HTTPClient is the transport surface a Crawler drives handlers
// through; cmd/crawlcore supplies the concrete net/http-backed
// implementation. jar is non-nil whenever the request runs under a
// session, so the implementation can route that traffic through the
// session's own cookie store instead of a shared default jar.
type HTTPClient interface {
	SendRequest(ctx context.Context, method, url string, headers map[string]string, payload []byte, jar http.CookieJar) (*HTTPResponse, error)
}

// ProxyInfo describes the proxy (if any) used for a request.
type ProxyInfo struct {
	URL  string
	Tier int
}

// bufferedDataItem is one PushData call captured by a RunResult
// before the handler has committed.
type bufferedDataItem struct {
	item any
}

// bufferedEnqueue is one AddRequests call captured by a RunResult.
type bufferedEnqueue struct {
	requests  []*request.Request
	forefront bool
}

// bufferedKVWrite is one key-value write captured by a RunResult.
type bufferedKVWrite struct {
	key   string
	value any
}

// RunResult buffers every side effect a handler invocation produces
// (pushed items, enqueued requests, key-value writes) so the crawler
// can discard them wholesale on handler failure and commit them
// atomically only once the handler returns success.
type RunResult struct {
	dataItems []bufferedDataItem
	enqueues  []bufferedEnqueue
	kvWrites  []bufferedKVWrite
}

func newRunResult() *RunResult { return &RunResult{} }

// Context is the per-request handle passed to user handlers. Its
// helper methods record effects into the owning RunResult rather than
// applying them immediately.
type Context struct {
	ctx context.Context

	Request *request.Request
	Session *session.Session
	Proxy   *ProxyInfo

	// UseState is a free-form scratch map a handler can stash
	// request-scoped state into; it is never persisted.
	UseState map[string]any

	client HTTPClient
	result *RunResult
}

// SendRequest performs an HTTP call through the crawler's configured
// transport, routed through the context's session (for cookies) when
// set. Proxy selection is not yet threaded through; c.Proxy is
// informational only.
func (c *Context) SendRequest(method, url string, headers map[string]string, payload []byte) (*HTTPResponse, error) {
	if c.client == nil {
		return nil, errNoHTTPClient
	}
	var jar http.CookieJar
	if c.Session != nil {
		jar = c.Session.Jar
	}
	return c.client.SendRequest(c.ctx, method, url, headers, payload, jar)
}

// AddRequests buffers newly discovered requests; they are only
// enqueued if the handler returns successfully.
func (c *Context) AddRequests(reqs []*request.Request, forefront bool) {
	if len(reqs) == 0 {
		return
	}
	c.result.enqueues = append(c.result.enqueues, bufferedEnqueue{requests: reqs, forefront: forefront})
}

// PushData buffers a result item; it is only written to the dataset
// if the handler returns successfully.
func (c *Context) PushData(item any) {
	c.result.dataItems = append(c.result.dataItems, bufferedDataItem{item: item})
}

// SetValue buffers a key-value store write; it is only applied if the
// handler returns successfully.
func (c *Context) SetValue(key string, value any) {
	c.result.kvWrites = append(c.result.kvWrites, bufferedKVWrite{key: key, value: value})
}
