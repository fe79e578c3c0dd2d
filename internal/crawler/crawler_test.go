package crawler

import (
	"context"
	"testing"

	"github.com/dmitriimaksimovdevelop/crawlcore/internal/logging"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/queue"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/request"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/router"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/session"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/storage"
)

func mustRequest(t *testing.T, rawURL string) *request.Request {
	t.Helper()
	req, err := request.New(rawURL, request.Options{})
	if err != nil {
		t.Fatalf("request.New(%q): %v", rawURL, err)
	}
	return req
}

func newTestCrawler(t *testing.T) (*Crawler, *queue.RequestQueue) {
	t.Helper()
	q := queue.New(storage.NewMemoryRequestQueueClient(), queue.Config{}, logging.Nop())
	rt := router.New()
	c := New(q, rt, Config{}, logging.Nop())
	return c, q
}

func TestHandleRequestCommitsOnSuccess(t *testing.T) {
	c, q := newTestCrawler(t)
	ctx := context.Background()

	ds := storage.NewMemoryDataset()
	c.SetDataset(ds)

	c.Router.SetDefault(func(ctx context.Context, crawlCtxAny any) error {
		crawlCtx := crawlCtxAny.(*Context)
		crawlCtx.PushData(map[string]string{"url": crawlCtx.Request.URL})
		return nil
	})

	req := mustRequest(t, "https://example.com/a")
	q.AddRequest(ctx, req, false)

	if err := c.RunTask(ctx); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	items, err := ds.GetData(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}

	finished, _ := q.IsFinished(ctx)
	if !finished {
		t.Error("queue not finished after single successful request")
	}
}

func TestHandleRequestDiscardsBufferedEffectsOnFailure(t *testing.T) {
	c, q := newTestCrawler(t)
	ctx := context.Background()

	ds := storage.NewMemoryDataset()
	c.SetDataset(ds)

	c.Router.SetDefault(func(ctx context.Context, crawlCtxAny any) error {
		crawlCtx := crawlCtxAny.(*Context)
		crawlCtx.PushData(map[string]string{"should": "not persist"})
		return &RetryableError{Err: newTimeoutErr()}
	})

	req := mustRequest(t, "https://example.com/b")
	q.AddRequest(ctx, req, false)

	if err := c.RunTask(ctx); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	items, _ := ds.GetData(ctx, 0, 0)
	if len(items) != 0 {
		t.Fatalf("len(items) = %d, want 0 (buffered data must be discarded on failure)", len(items))
	}

	// The request should have been reclaimed, not marked handled.
	finished, _ := q.IsFinished(ctx)
	if finished {
		t.Error("queue reported finished after a retryable failure; request should have been reclaimed")
	}
}

func TestRetryableErrorExhaustsRetryBudgetThenFails(t *testing.T) {
	c, q := newTestCrawler(t)
	c.cfg.MaxRequestRetries = 1
	ctx := context.Background()

	var failedCalls int
	c.SetFailedRequestHandler(func(ctx context.Context, crawlCtx *Context, err error) error {
		failedCalls++
		return nil
	})
	c.Router.SetDefault(func(ctx context.Context, crawlCtxAny any) error {
		return &RetryableError{Err: newTimeoutErr()}
	})

	req := mustRequest(t, "https://example.com/c")
	q.AddRequest(ctx, req, false)

	// Attempt 1: retry_count becomes 1, within budget (max 1), reclaimed.
	if err := c.RunTask(ctx); err != nil {
		t.Fatalf("RunTask (1st): %v", err)
	}
	// Attempt 2: retry_count becomes 2, exceeds budget, fails terminally.
	if err := c.RunTask(ctx); err != nil {
		t.Fatalf("RunTask (2nd): %v", err)
	}

	if failedCalls != 1 {
		t.Fatalf("failedCalls = %d, want 1", failedCalls)
	}
	finished, _ := q.IsFinished(ctx)
	if !finished {
		t.Error("queue not finished after exhausting retry budget")
	}
}

func TestSessionErrorRotatesUntilBudgetExhausted(t *testing.T) {
	c, q := newTestCrawler(t)
	c.cfg.MaxSessionRotations = 1
	ctx := context.Background()

	pool := session.NewPool(session.Config{MaxPoolSize: 5}, storage.NewMemoryKeyValueStore(), logging.Nop())
	if err := pool.Start(); err != nil {
		t.Fatalf("pool.Start: %v", err)
	}
	c.SetSessionPool(pool)

	var failedCalls int
	c.SetFailedRequestHandler(func(ctx context.Context, crawlCtx *Context, err error) error {
		failedCalls++
		return nil
	})
	c.Router.SetDefault(func(ctx context.Context, crawlCtxAny any) error {
		return &SessionError{Err: newBlockedErr()}
	})

	req := mustRequest(t, "https://example.com/d")
	q.AddRequest(ctx, req, false)

	// rotation 1: within budget (max 1), reclaimed.
	if err := c.RunTask(ctx); err != nil {
		t.Fatalf("RunTask (1st): %v", err)
	}
	// rotation 2: exceeds budget, fails terminally.
	if err := c.RunTask(ctx); err != nil {
		t.Fatalf("RunTask (2nd): %v", err)
	}

	if failedCalls != 1 {
		t.Fatalf("failedCalls = %d, want 1", failedCalls)
	}
}

func TestInterruptedErrorMarksHandledSilently(t *testing.T) {
	c, q := newTestCrawler(t)
	ctx := context.Background()

	var failedCalls int
	c.SetFailedRequestHandler(func(ctx context.Context, crawlCtx *Context, err error) error {
		failedCalls++
		return nil
	})
	c.Router.SetDefault(func(ctx context.Context, crawlCtxAny any) error {
		return ErrInterrupted
	})

	req := mustRequest(t, "https://example.com/e")
	q.AddRequest(ctx, req, false)

	if err := c.RunTask(ctx); err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if failedCalls != 0 {
		t.Errorf("failedCalls = %d, want 0 (interrupted requests are dropped silently)", failedCalls)
	}
	finished, _ := q.IsFinished(ctx)
	if !finished {
		t.Error("queue not finished after interrupted request")
	}
}

func TestHandlerPanicIsRecoveredAsFatalError(t *testing.T) {
	c, q := newTestCrawler(t)
	ctx := context.Background()

	c.Router.SetDefault(func(ctx context.Context, crawlCtxAny any) error {
		panic("boom")
	})

	req := mustRequest(t, "https://example.com/f")
	q.AddRequest(ctx, req, false)

	err := c.RunTask(ctx)
	if err == nil {
		t.Fatal("RunTask returned nil, want a fatal error wrapping the panic")
	}
}

func TestRouteDispatchesByLabelThroughCrawler(t *testing.T) {
	c, q := newTestCrawler(t)
	ctx := context.Background()

	var labelSeen string
	c.Router.SetForLabel("detail", func(ctx context.Context, crawlCtxAny any) error {
		labelSeen = crawlCtxAny.(*Context).Request.Label
		return nil
	})
	c.Router.SetDefault(func(ctx context.Context, crawlCtxAny any) error {
		t.Fatal("default handler invoked, want label-specific handler")
		return nil
	})

	req, err := request.New("https://example.com/g", request.Options{Label: "detail"})
	if err != nil {
		t.Fatalf("request.New: %v", err)
	}
	q.AddRequest(ctx, req, false)

	if err := c.RunTask(ctx); err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if labelSeen != "detail" {
		t.Errorf("labelSeen = %q, want %q", labelSeen, "detail")
	}
}

// newTimeoutErr/newBlockedErr avoid importing "errors" just
// for two throwaway sentinels used only to wrap in this test file.
func newTimeoutErr() error { return &testErr{"timeout"} }
func newBlockedErr() error { return &testErr{"blocked"} }

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }
