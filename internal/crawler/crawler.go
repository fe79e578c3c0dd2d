// Package crawler wires a request source, an optional session pool,
// an optional HTTP transport, and optional result storage into a
// single-request-at-a-time worker suitable for driving from
// internal/autoscaledpool.Pool's Callbacks.RunTask. Its retry,
// session-rotation, and success/failure bookkeeping follow the shape
// of the teacher's Orchestrator.Run (assemble per-unit context,
// run, classify the outcome, record it), generalized from "one
// goroutine per collector" to "one goroutine per queued request."
package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmitriimaksimovdevelop/crawlcore/internal/queue"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/request"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/router"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/session"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/storage"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/sysstatus"
)

// Source is the request-supply surface a Crawler consumes. *queue.RequestQueue
// satisfies it directly.
type Source interface {
	FetchNextRequest(ctx context.Context) (*request.Request, error)
	MarkRequestAsHandled(ctx context.Context, req *request.Request, now time.Time) error
	ReclaimRequest(ctx context.Context, req *request.Request, forefront bool) error
	AddRequest(ctx context.Context, req *request.Request, forefront bool) (queue.AddRequestResult, error)
	IsEmpty(ctx context.Context) (bool, error)
	IsFinished(ctx context.Context) (bool, error)
}

// SessionProvider is the subset of session.Pool a Crawler needs.
type SessionProvider interface {
	GetSession() *session.Session
}

// ErrorHandler is invoked on a retryable handler failure; it may
// return a replacement Request to reclaim instead of the original
// (e.g. to rewrite a URL or drop a query parameter that triggered the
// failure). Returning (nil, nil) reclaims the original request.
type ErrorHandler func(ctx context.Context, crawlCtx *Context, err error) (*request.Request, error)

// FailedRequestHandler is invoked once a request has exhausted its
// retry budget (or failed non-retryably); it observes the final
// failure but cannot resurrect the request.
type FailedRequestHandler func(ctx context.Context, crawlCtx *Context, err error) error

// Config bounds retry and rotation behavior and the run-summary cadence.
type Config struct {
	MaxRequestRetries     int
	MaxSessionRotations   int
	RequestHandlerTimeout time.Duration
	RunSummaryInterval    time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxRequestRetries <= 0 {
		c.MaxRequestRetries = 3
	}
	if c.MaxSessionRotations <= 0 {
		c.MaxSessionRotations = 10
	}
	if c.RunSummaryInterval <= 0 {
		c.RunSummaryInterval = time.Minute
	}
}

// Crawler dispatches fetched requests to handlers registered on
// Router, buffering and committing their side effects and classifying
// their failures into retry, session-rotation, or terminal-failure
// paths.
type Crawler struct {
	Router *router.Router

	source  Source
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time

	sessions SessionProvider
	client   HTTPClient
	dataset  storage.Dataset
	kvs      storage.KeyValueStore
	status   *sysstatus.SystemStatus

	errorHandler         ErrorHandler
	failedRequestHandler FailedRequestHandler

	handledCount atomic.Int64
	failedCount  atomic.Int64
	retriedCount atomic.Int64
	startedAt    time.Time

	started     atomic.Bool
	stopSummary chan struct{}
	summaryDone chan struct{}
}

// New builds a Crawler dispatching through router against source.
// Optional collaborators (session pool, HTTP client, dataset,
// key-value store, system status) are wired in afterward with the
// Set* methods; a Crawler with none of them still runs, just without
// sessions, a transport, or storage commits.
func New(source Source, rt *router.Router, cfg Config, log zerolog.Logger) *Crawler {
	cfg.withDefaults()
	return &Crawler{
		Router:    rt,
		source:    source,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		startedAt: time.Now(),
	}
}

func (c *Crawler) SetSessionPool(sessions SessionProvider)         { c.sessions = sessions }
func (c *Crawler) SetHTTPClient(client HTTPClient)                 { c.client = client }
func (c *Crawler) SetDataset(ds storage.Dataset)                   { c.dataset = ds }
func (c *Crawler) SetKeyValueStore(kvs storage.KeyValueStore)      { c.kvs = kvs }
func (c *Crawler) SetSystemStatus(status *sysstatus.SystemStatus)  { c.status = status }
func (c *Crawler) SetErrorHandler(fn ErrorHandler)                 { c.errorHandler = fn }
func (c *Crawler) SetFailedRequestHandler(fn FailedRequestHandler) { c.failedRequestHandler = fn }

// IsTaskReady reports whether the source currently has an
// immediately fetchable request; suitable for autoscaledpool.Callbacks.IsTaskReady.
func (c *Crawler) IsTaskReady() bool {
	empty, err := c.source.IsEmpty(context.Background())
	if err != nil {
		return false
	}
	return !empty
}

// IsFinished reports whether the source is exhausted; suitable for
// autoscaledpool.Callbacks.IsFinished.
func (c *Crawler) IsFinished() bool {
	done, err := c.source.IsFinished(context.Background())
	return err == nil && done
}

// RunTask fetches and processes a single request; suitable for
// autoscaledpool.Callbacks.RunTask. A nil return means the request's
// outcome (success, retry, rotation, or terminal failure) was fully
// recorded; a non-nil return is a fatal, pool-ending error.
func (c *Crawler) RunTask(ctx context.Context) error {
	req, err := c.source.FetchNextRequest(ctx)
	if err != nil {
		return fmt.Errorf("crawler: fetch next request: %w", err)
	}
	if req == nil {
		return nil
	}
	return c.handleRequest(ctx, req)
}

func (c *Crawler) handleRequest(ctx context.Context, req *request.Request) error {
	var sess *session.Session
	if c.sessions != nil {
		sess = c.sessions.GetSession()
	}

	handlerCtx := ctx
	cancel := func() {}
	if c.cfg.RequestHandlerTimeout > 0 {
		handlerCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestHandlerTimeout)
	}
	defer cancel()

	result := newRunResult()
	crawlCtx := &Context{
		ctx:      handlerCtx,
		Request:  req,
		Session:  sess,
		UseState: map[string]any{},
		client:   c.client,
		result:   result,
	}

	panicked := true
	handlerErr := c.safeCall(func() error {
		err := c.Router.Route(handlerCtx, req.Label, crawlCtx)
		panicked = false
		return err
	})
	if panicked {
		return handlerErr
	}

	now := c.now()

	switch {
	case handlerErr == nil:
		if err := c.commit(ctx, result); err != nil {
			return err
		}
		if err := c.source.MarkRequestAsHandled(ctx, req, now); err != nil {
			return fmt.Errorf("crawler: mark handled: %w", err)
		}
		if sess != nil {
			sess.MarkGood()
		}
		c.handledCount.Add(1)
		return nil

	case errors.Is(handlerErr, ErrInterrupted):
		if err := c.source.MarkRequestAsHandled(ctx, req, now); err != nil {
			return fmt.Errorf("crawler: mark interrupted handled: %w", err)
		}
		return nil
	}

	if _, ok := asSessionError(handlerErr); ok {
		if sess != nil {
			sess.Retire()
		}
		req.Crawlee.SessionRotationCount++
		if req.Crawlee.SessionRotationCount > c.cfg.MaxSessionRotations {
			return c.fail(ctx, crawlCtx, req, handlerErr, now)
		}
		if err := c.source.ReclaimRequest(ctx, req, false); err != nil {
			return fmt.Errorf("crawler: reclaim after session error: %w", err)
		}
		c.retriedCount.Add(1)
		return nil
	}

	if _, ok := asRetryable(handlerErr); ok {
		maxRetries := req.MaxRetries(c.cfg.MaxRequestRetries)
		req.IncrementRetry()
		if req.Crawlee.RetryCount > maxRetries {
			return c.fail(ctx, crawlCtx, req, handlerErr, now)
		}

		replacement := req
		if c.errorHandler != nil {
			rep, herr := c.safeErrorHandler(ctx, crawlCtx, handlerErr)
			if herr != nil {
				return fmt.Errorf("crawler: error handler failed: %w", herr)
			}
			if rep != nil {
				replacement = rep
			}
		}
		if err := c.source.ReclaimRequest(ctx, replacement, false); err != nil {
			return fmt.Errorf("crawler: reclaim after retryable error: %w", err)
		}
		c.retriedCount.Add(1)
		return nil
	}

	return c.fail(ctx, crawlCtx, req, handlerErr, now)
}

func (c *Crawler) fail(ctx context.Context, crawlCtx *Context, req *request.Request, cause error, now time.Time) error {
	if err := c.source.MarkRequestAsHandled(ctx, req, now); err != nil {
		return fmt.Errorf("crawler: mark failed request handled: %w", err)
	}
	if c.failedRequestHandler != nil {
		if err := c.safeFailedRequestHandler(ctx, crawlCtx, cause); err != nil {
			return fmt.Errorf("crawler: failed-request handler failed: %w", err)
		}
	}
	if crawlCtx.Session != nil {
		crawlCtx.Session.MarkBad()
	}
	c.failedCount.Add(1)
	c.log.Warn().Str("request_id", req.ID).Str("url", req.URL).Err(cause).Msg("request failed permanently")
	return nil
}

func (c *Crawler) commit(ctx context.Context, rr *RunResult) error {
	for _, e := range rr.enqueues {
		for _, req := range e.requests {
			if _, err := c.source.AddRequest(ctx, req, e.forefront); err != nil {
				return fmt.Errorf("crawler: commit enqueued request: %w", err)
			}
		}
	}
	if c.dataset != nil {
		for _, d := range rr.dataItems {
			if err := c.dataset.PushData(ctx, d.item); err != nil {
				return fmt.Errorf("crawler: commit pushed data: %w", err)
			}
		}
	}
	if c.kvs != nil {
		for _, kv := range rr.kvWrites {
			if err := c.kvs.SetValue(kv.key, kv.value); err != nil {
				return fmt.Errorf("crawler: commit key-value write: %w", err)
			}
		}
	}
	return nil
}

// safeCall recovers a panicking handler and turns it into a plain
// error, which handleRequest returns as a fatal error rather than
// retrying or failing the request, matching the teacher's "a bug in
// our own code should be visible" split in BCCExecutor.Run.
func (c *Crawler) safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("crawler: handler panic: %v", r)
		}
	}()
	return fn()
}

func (c *Crawler) safeErrorHandler(ctx context.Context, crawlCtx *Context, cause error) (replacement *request.Request, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("crawler: error handler panic: %v", r)
		}
	}()
	return c.errorHandler(ctx, crawlCtx, cause)
}

func (c *Crawler) safeFailedRequestHandler(ctx context.Context, crawlCtx *Context, cause error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("crawler: failed-request handler panic: %v", r)
		}
	}()
	return c.failedRequestHandler(ctx, crawlCtx, cause)
}

// Start launches the periodic run-summary logger. It is idempotent;
// calling Start twice without an intervening Stop is a no-op.
func (c *Crawler) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.startedAt = c.now()
	c.stopSummary = make(chan struct{})
	c.summaryDone = make(chan struct{})
	go c.runSummaryLoop(ctx)
}

// Stop halts the run-summary logger started by Start and waits for it
// to exit.
func (c *Crawler) Stop() {
	if !c.started.CompareAndSwap(true, false) {
		return
	}
	close(c.stopSummary)
	<-c.summaryDone
}

func (c *Crawler) runSummaryLoop(ctx context.Context) {
	defer close(c.summaryDone)
	ticker := time.NewTicker(c.cfg.RunSummaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.logSummary()
		case <-c.stopSummary:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Crawler) logSummary() {
	handled := c.handledCount.Load()
	failed := c.failedCount.Load()
	retried := c.retriedCount.Load()
	elapsedMin := c.now().Sub(c.startedAt).Minutes()

	var rate float64
	if elapsedMin > 0 {
		rate = float64(handled) / elapsedMin
	}
	var retryRate float64
	if total := handled + failed; total > 0 {
		retryRate = float64(retried) / float64(total)
	}

	event := c.log.Info()
	if c.status != nil {
		if info, err := c.status.GetHistoricalSystemInfo(); err == nil {
			event = event.Str("dominant_resource", sysstatus.DominantResource(info))
		}
	}
	event.
		Int64("handled", handled).
		Int64("failed", failed).
		Int64("retried", retried).
		Float64("requests_per_min", rate).
		Float64("retry_rate", retryRate).
		Msg("crawl run summary")
}
