// Package request defines the crawl unit of work: a Request, its
// deterministic identity, and the crawler-controlled slice of its
// otherwise free-form user data.
package request

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// LifecycleState tracks where a request sits in the crawl lifecycle,
// mirroring the reserved user_data fields of the distilled spec.
type LifecycleState int

const (
	StateUnprocessed LifecycleState = iota
	StateRequestHandlersExecuting
	StateDoneHandlersExecuting
	StateErrorHandlersExecuting
)

// CrawleeData is the crawler-controlled sub-map of a Request's
// user_data. User extras live separately in Request.Extras so the two
// never collide.
type CrawleeData struct {
	RetryCount          int            `json:"retryCount"`
	HandledAt           *time.Time     `json:"handledAt,omitempty"`
	SessionID           string         `json:"sessionID,omitempty"`
	SessionRotationCount int           `json:"sessionRotationCount,omitempty"`
	MaxRetries          *int           `json:"maxRetries,omitempty"`
	State               LifecycleState `json:"state"`
	Depth               int            `json:"depth"`
	Forefront           bool           `json:"forefront,omitempty"`
	LastProxyTier       int            `json:"lastProxyTier,omitempty"`
	EnqueueStrategy     string         `json:"enqueueStrategy,omitempty"`
}

// Request is an immutable-by-default unit of crawl work. Callers
// should treat a Request returned from the queue as read-only except
// through the mutator helpers below, which change it in place; Clone
// returns an independent copy.
type Request struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	UniqueKey  string            `json:"uniqueKey"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Payload    []byte            `json:"payload,omitempty"`
	Query      url.Values        `json:"query,omitempty"`
	Label      string            `json:"label,omitempty"`
	Extras     map[string]any    `json:"extras,omitempty"`
	Crawlee    CrawleeData       `json:"crawlee"`

	// KeepURLFragment disables the default fragment-stripping step of
	// canonicalization, for sites that route on the fragment.
	KeepURLFragment bool `json:"keepUrlFragment,omitempty"`
}

// Options configures New.
type Options struct {
	Method          string
	Headers         map[string]string
	Payload         []byte
	Query           url.Values
	Label           string
	UniqueKey       string // overrides computed canonicalization
	ID              string // overrides the derived hash; must match UniqueKey's hash if UniqueKey also given
	KeepURLFragment bool
	Extras          map[string]any
	Depth           int
}

// ErrInvalidURL is returned when the given URL is not a valid HTTP/HTTPS URL.
type ErrInvalidURL struct{ URL string }

func (e *ErrInvalidURL) Error() string { return fmt.Sprintf("request: invalid URL %q", e.URL) }

// ErrIDMismatch is returned when an explicit ID does not match the hash
// of the given (or computed) unique key.
type ErrIDMismatch struct {
	ID, UniqueKey, WantID string
}

func (e *ErrIDMismatch) Error() string {
	return fmt.Sprintf("request: id %q does not match hash of unique_key %q (want %q)", e.ID, e.UniqueKey, e.WantID)
}

// New validates rawURL and builds a Request, computing UniqueKey and ID
// when not explicitly overridden by opts.
func New(rawURL string, opts Options) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &ErrInvalidURL{URL: rawURL}
	}

	method := opts.Method
	if method == "" {
		method = "GET"
	}

	headers := normalizeHeaders(opts.Headers)

	uniqueKey := opts.UniqueKey
	if uniqueKey == "" {
		uniqueKey = CanonicalizeURL(u, opts.KeepURLFragment)
		uniqueKey = extendUniqueKey(uniqueKey, method, opts.Payload)
	}

	id := opts.ID
	wantID := DeriveID(uniqueKey)
	if id == "" {
		id = wantID
	} else if id != wantID {
		return nil, &ErrIDMismatch{ID: id, UniqueKey: uniqueKey, WantID: wantID}
	}

	extras := opts.Extras
	if extras == nil {
		extras = map[string]any{}
	}

	return &Request{
		ID:              id,
		URL:             u.String(),
		UniqueKey:       uniqueKey,
		Method:          method,
		Headers:         headers,
		Payload:         opts.Payload,
		Query:           opts.Query,
		Label:           opts.Label,
		Extras:          extras,
		KeepURLFragment: opts.KeepURLFragment,
		Crawlee: CrawleeData{
			Depth: opts.Depth,
		},
	}, nil
}

// normalizeHeaders lowercases header names; Go's canonical MIME header
// casing would re-titlecase them on the wire anyway, but the dedup key
// and comparisons in this package want a single stable form.
func normalizeHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = v
	}
	return out
}

// CanonicalizeURL lowercases scheme and host, sorts query parameters,
// and strips the fragment unless keepFragment is set.
func CanonicalizeURL(u *url.URL, keepFragment bool) string {
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	if !keepFragment {
		c.Fragment = ""
	}
	if c.RawQuery != "" {
		q := c.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for i, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for j, v := range vals {
				if i > 0 || j > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		c.RawQuery = b.String()
	}
	return c.String()
}

// extendUniqueKey folds method and payload hash into the key when they
// would otherwise collide (e.g. POST requests with different bodies to
// the same URL must dedup separately).
func extendUniqueKey(uniqueKey, method string, payload []byte) string {
	if method == "" || method == "GET" {
		if len(payload) == 0 {
			return uniqueKey
		}
	}
	h := sha256.Sum256(payload)
	return fmt.Sprintf("%s:%s:%s", strings.ToUpper(method), uniqueKey, base32.StdEncoding.EncodeToString(h[:8]))
}

// DeriveID computes the stable, deterministic id for a unique key.
func DeriveID(uniqueKey string) string {
	h := sha256.Sum256([]byte(uniqueKey))
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(h[:15])
}

// Clone returns a deep-enough copy safe for independent mutation by a
// single goroutine (headers/extras maps are copied; Payload is shared
// since requests never mutate it in place).
func (r *Request) Clone() *Request {
	c := *r
	c.Headers = normalizeHeaders(r.Headers)
	if r.Extras != nil {
		c.Extras = make(map[string]any, len(r.Extras))
		for k, v := range r.Extras {
			c.Extras[k] = v
		}
	}
	return &c
}

// MarkHandled sets HandledAt (once) and advances lifecycle state.
func (r *Request) MarkHandled(now time.Time) {
	if r.Crawlee.HandledAt == nil {
		t := now
		r.Crawlee.HandledAt = &t
	}
	r.Crawlee.State = StateDoneHandlersExecuting
}

// IsHandled reports whether MarkHandled has been called.
func (r *Request) IsHandled() bool { return r.Crawlee.HandledAt != nil }

// IncrementRetry bumps RetryCount; it never decreases.
func (r *Request) IncrementRetry() { r.Crawlee.RetryCount++ }

// MaxRetries returns the per-request override if set, else fallback.
func (r *Request) MaxRetries(fallback int) int {
	if r.Crawlee.MaxRetries != nil {
		return *r.Crawlee.MaxRetries
	}
	return fallback
}
