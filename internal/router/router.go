// Package router dispatches a CrawlingContext to a user handler by
// request label, following the same "named entries registered into a
// lookup map, resolved at dispatch time" shape as the teacher's
// mcp.registerTools — generalized here from MCP tool names to request
// labels.
package router

import (
	"context"
	"fmt"
)

// Handler processes one crawling context. The concrete context type
// (internal/crawler.Context) is supplied by callers; Router only needs
// to invoke it.
type Handler func(ctx context.Context, crawlCtx any) error

// ErrNoHandler is returned by Route when no default handler is set and
// the request's label has no registered handler.
var ErrNoHandler = fmt.Errorf("router: no handler for label")

// Router maps request labels to handlers, with an optional default
// for unlabeled or unmatched requests.
type Router struct {
	handlers map[string]Handler
	def      Handler
}

// New builds an empty Router.
func New() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// SetDefault registers the fallback handler used when a request's
// label has no specific registration.
func (r *Router) SetDefault(h Handler) {
	r.def = h
}

// SetForLabel registers h for requests carrying label.
func (r *Router) SetForLabel(label string, h Handler) {
	r.handlers[label] = h
}

// Route dispatches crawlCtx to the handler registered for label,
// falling back to the default handler if set.
func (r *Router) Route(ctx context.Context, label string, crawlCtx any) error {
	if h, ok := r.handlers[label]; ok {
		return h(ctx, crawlCtx)
	}
	if r.def != nil {
		return r.def(ctx, crawlCtx)
	}
	return fmt.Errorf("%w %q", ErrNoHandler, label)
}
