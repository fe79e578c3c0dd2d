package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dmitriimaksimovdevelop/crawlcore/internal/crawler"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/router"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/storage"
)

// fetchResult is the dataset record the demo default handler pushes
// for every successfully fetched page.
type fetchResult struct {
	URL        string `json:"url"`
	StatusCode int    `json:"statusCode"`
	BodyBytes  int    `json:"bodyBytes"`
}

// defaultRouter builds the router used by `crawlcore run` when no
// custom handlers are registered: it fetches the page and records its
// status and size, demonstrating the wiring without pretending to be
// a full scraping product (link extraction needs an HTML parser this
// port does not carry; see DESIGN.md).
func defaultRouter(log zerolog.Logger, _ storage.Dataset) *router.Router {
	rt := router.New()
	rt.SetDefault(func(ctx context.Context, crawlCtxAny any) error {
		crawlCtx := crawlCtxAny.(*crawler.Context)
		resp, err := crawlCtx.SendRequest(crawlCtx.Request.Method, crawlCtx.Request.URL, crawlCtx.Request.Headers, crawlCtx.Request.Payload)
		if err != nil {
			return &crawler.RetryableError{Err: err}
		}
		if resp.StatusCode >= 500 {
			return &crawler.RetryableError{Err: errStatus(resp.StatusCode)}
		}
		if resp.StatusCode == 401 || resp.StatusCode == 403 || resp.StatusCode == 429 {
			return &crawler.SessionError{Err: errStatus(resp.StatusCode)}
		}
		crawlCtx.PushData(fetchResult{
			URL:        crawlCtx.Request.URL,
			StatusCode: resp.StatusCode,
			BodyBytes:  len(resp.Body),
		})
		log.Debug().Str("url", crawlCtx.Request.URL).Int("status", resp.StatusCode).Msg("fetched")
		return nil
	})
	return rt
}

type statusError int

func (e statusError) Error() string { return fmt.Sprintf("unexpected status code %d", int(e)) }

func errStatus(code int) error { return statusError(code) }
