// Package requestloader implements read-only sources that feed
// requests into a RequestQueue: a persisted-progress static list and
// an XML/text sitemap reader, plus a Tandem that drains a loader into
// a queue-backed manager. The persisted-progress bookkeeping follows
// the same "index plus a consistency fingerprint checked on resume"
// idiom the teacher uses for diff baselines (internal/diff/diff.go
// compares a stored snapshot against a fresh one before trusting it).
package requestloader

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dmitriimaksimovdevelop/crawlcore/internal/queue"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/request"
)

// Loader is the read-only source interface RequestManagerTandem and
// crawler wiring consume.
type Loader interface {
	FetchNextRequest(ctx context.Context) (*request.Request, error)
	MarkRequestAsHandled(ctx context.Context, req *request.Request) error
	IsEmpty(ctx context.Context) (bool, error)
	IsFinished(ctx context.Context) (bool, error)
	GetHandledCount() int
	GetTotalCount() int
}

// KeyValueStore is the minimal persistence surface StaticList needs.
type KeyValueStore interface {
	GetValue(key string) (json.RawMessage, bool, error)
	SetValue(key string, value any) error
}

// ErrSourceChanged is returned when a StaticList resumes from
// persisted progress but the underlying source no longer agrees with
// what was expected next.
type ErrSourceChanged struct {
	Name     string
	Expected string
	Got      string
}

func (e *ErrSourceChanged) Error() string {
	return fmt.Sprintf("requestloader: list %q changed since last run: expected next unique_key %q, got %q",
		e.Name, e.Expected, e.Got)
}

// StaticList is a fixed, in-memory slice of requests with persisted
// progress (next index and a unique_key fingerprint).
type StaticList struct {
	name  string
	store KeyValueStore

	mu           sync.Mutex
	requests     []*request.Request
	nextIndex    int
	handledCount int
}

type staticListState struct {
	NextIndex       int    `json:"next_index"`
	NextUniqueKey   string `json:"next_unique_key,omitempty"`
}

func staticListKey(name string) string {
	return "SDK_REQUEST_LIST_STATE-" + name
}

// NewStaticList builds a StaticList over requests, restoring progress
// from store under a key derived from name if present.
func NewStaticList(name string, requests []*request.Request, store KeyValueStore) (*StaticList, error) {
	l := &StaticList{name: name, store: store, requests: requests}
	if store == nil {
		return l, nil
	}
	raw, found, err := store.GetValue(staticListKey(name))
	if err != nil {
		return nil, fmt.Errorf("requestloader: restore static list %q: %w", name, err)
	}
	if !found {
		return l, nil
	}
	var st staticListState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("requestloader: decode static list %q state: %w", name, err)
	}
	if st.NextIndex < 0 || st.NextIndex > len(requests) {
		return nil, &ErrSourceChanged{Name: name, Expected: st.NextUniqueKey, Got: "index out of range"}
	}
	if st.NextIndex < len(requests) && st.NextUniqueKey != "" {
		if got := requests[st.NextIndex].UniqueKey; got != st.NextUniqueKey {
			return nil, &ErrSourceChanged{Name: name, Expected: st.NextUniqueKey, Got: got}
		}
	}
	l.nextIndex = st.NextIndex
	l.handledCount = st.NextIndex
	return l, nil
}

func (l *StaticList) persist() error {
	if l.store == nil {
		return nil
	}
	st := staticListState{NextIndex: l.nextIndex}
	if l.nextIndex < len(l.requests) {
		st.NextUniqueKey = l.requests[l.nextIndex].UniqueKey
	}
	return l.store.SetValue(staticListKey(l.name), st)
}

// FetchNextRequest returns the next unconsumed request without
// advancing progress; progress advances only on MarkRequestAsHandled.
func (l *StaticList) FetchNextRequest(ctx context.Context) (*request.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nextIndex >= len(l.requests) {
		return nil, nil
	}
	return l.requests[l.nextIndex], nil
}

// MarkRequestAsHandled advances progress past req, persisting the new
// checkpoint.
func (l *StaticList) MarkRequestAsHandled(ctx context.Context, req *request.Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nextIndex < len(l.requests) && l.requests[l.nextIndex].ID == req.ID {
		l.nextIndex++
		l.handledCount++
	}
	return l.persist()
}

// IsEmpty reports whether the list has no unconsumed requests left.
func (l *StaticList) IsEmpty(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextIndex >= len(l.requests), nil
}

// IsFinished is equivalent to IsEmpty for a static, in-memory list.
func (l *StaticList) IsFinished(ctx context.Context) (bool, error) {
	return l.IsEmpty(ctx)
}

// GetHandledCount returns how many requests have been marked handled.
func (l *StaticList) GetHandledCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handledCount
}

// GetTotalCount returns the fixed size of the list.
func (l *StaticList) GetTotalCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

// urlEntry is one discovered URL plus its options for request.New.
type urlEntry struct {
	URL string
}

// SitemapConfig tunes Sitemap parsing.
type SitemapConfig struct {
	MaxDepth        int // nested sitemap-index recursion limit, default 5
	IncludePatterns []string
	ExcludePatterns []string
}

func (c *SitemapConfig) withDefaults() {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 5
	}
}

// HTTPGetter fetches a sitemap document; satisfied by *http.Client or
// a test double.
type HTTPGetter interface {
	Get(url string) (*http.Response, error)
}

// Sitemap holds the URLs discovered from one or more sitemap documents
// (XML urlset/sitemapindex or plain text, optionally gzip-compressed)
// in an in-memory slice that NewSitemap fills completely before it
// returns; the slice has no size bound.
type Sitemap struct {
	cfg    SitemapConfig
	client HTTPGetter

	mu           sync.Mutex
	buffer       []urlEntry
	cursor       int
	handledCount int
}

type xmlURLSet struct {
	XMLName xml.Name   `xml:"urlset"`
	URLs    []xmlURL   `xml:"url"`
}

type xmlURL struct {
	Loc string `xml:"loc"`
}

type xmlSitemapIndex struct {
	XMLName  xml.Name        `xml:"sitemapindex"`
	Sitemaps []xmlIndexEntry `xml:"sitemap"`
}

type xmlIndexEntry struct {
	Loc string `xml:"loc"`
}

// NewSitemap fetches and parses sitemapURL (following nested sitemap
// indexes up to cfg.MaxDepth), building an in-memory URL buffer.
func NewSitemap(ctx context.Context, sitemapURL string, client HTTPGetter, cfg SitemapConfig) (*Sitemap, error) {
	cfg.withDefaults()
	s := &Sitemap{cfg: cfg, client: client}
	if err := s.loadRecursive(sitemapURL, 0); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sitemap) loadRecursive(url string, depth int) error {
	if depth > s.cfg.MaxDepth {
		return fmt.Errorf("requestloader: sitemap recursion exceeded max_depth %d at %s", s.cfg.MaxDepth, url)
	}
	resp, err := s.client.Get(url)
	if err != nil {
		return fmt.Errorf("requestloader: fetch sitemap %s: %w", url, err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	magic, err := reader.Peek(2)
	var body io.Reader = reader
	if err == nil && len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, gzErr := gzip.NewReader(reader)
		if gzErr != nil {
			return fmt.Errorf("requestloader: gzip sitemap %s: %w", url, gzErr)
		}
		defer gz.Close()
		body = gz
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("requestloader: read sitemap %s: %w", url, err)
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "<") {
		return s.parseXML(raw, depth)
	}
	return s.parseText(raw)
}

func (s *Sitemap) parseXML(raw []byte, depth int) error {
	var index xmlSitemapIndex
	if err := xml.Unmarshal(raw, &index); err == nil && len(index.Sitemaps) > 0 {
		for _, entry := range index.Sitemaps {
			if err := s.loadRecursive(entry.Loc, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	var set xmlURLSet
	if err := xml.Unmarshal(raw, &set); err != nil {
		return fmt.Errorf("requestloader: parse sitemap xml: %w", err)
	}
	for _, u := range set.URLs {
		s.appendIfAllowed(u.Loc)
	}
	return nil
}

func (s *Sitemap) parseText(raw []byte) error {
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.appendIfAllowed(line)
	}
	return nil
}

func (s *Sitemap) appendIfAllowed(rawURL string) {
	if !matchesPatterns(rawURL, s.cfg.IncludePatterns, s.cfg.ExcludePatterns) {
		return
	}
	s.mu.Lock()
	s.buffer = append(s.buffer, urlEntry{URL: rawURL})
	s.mu.Unlock()
}

func matchesPatterns(u string, include, exclude []string) bool {
	for _, pat := range exclude {
		if patternMatches(pat, u) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, pat := range include {
		if patternMatches(pat, u) {
			return true
		}
	}
	return false
}

func patternMatches(pattern, u string) bool {
	if re, err := regexp.Compile(pattern); err == nil {
		if re.MatchString(u) {
			return true
		}
	}
	if ok, err := path.Match(pattern, u); err == nil && ok {
		return true
	}
	return false
}

// FetchNextRequest builds a Request from the next buffered URL.
func (s *Sitemap) FetchNextRequest(ctx context.Context) (*request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor >= len(s.buffer) {
		return nil, nil
	}
	entry := s.buffer[s.cursor]
	r, err := request.New(entry.URL, request.Options{})
	if err != nil {
		return nil, fmt.Errorf("requestloader: build request from sitemap url %s: %w", entry.URL, err)
	}
	return r, nil
}

// MarkRequestAsHandled advances the sitemap cursor past req.
func (s *Sitemap) MarkRequestAsHandled(ctx context.Context, req *request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor < len(s.buffer) {
		s.cursor++
		s.handledCount++
	}
	return nil
}

// IsEmpty reports whether the sitemap buffer has been fully consumed.
func (s *Sitemap) IsEmpty(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor >= len(s.buffer), nil
}

// IsFinished is equivalent to IsEmpty for a fully-loaded sitemap.
func (s *Sitemap) IsFinished(ctx context.Context) (bool, error) {
	return s.IsEmpty(ctx)
}

// GetHandledCount returns how many sitemap URLs have been handled.
func (s *Sitemap) GetHandledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handledCount
}

// GetTotalCount returns the total number of buffered sitemap URLs.
func (s *Sitemap) GetTotalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Manager is the subset of RequestQueue's interface Tandem drains
// discovered loader requests into.
type Manager interface {
	AddRequest(ctx context.Context, req *request.Request, forefront bool) (queue.AddRequestResult, error)
	FetchNextRequest(ctx context.Context) (*request.Request, error)
	MarkRequestAsHandled(ctx context.Context, req *request.Request, now time.Time) error
	IsEmpty(ctx context.Context) (bool, error)
	IsFinished(ctx context.Context) (bool, error)
}

// Tandem drains a read-only Loader into a Manager (typically a
// RequestQueue), inserting loader requests at the forefront so the
// queue's own dynamically discovered links get interleaved fairly.
type Tandem struct {
	loader  Loader
	manager Manager
	log     func(format string, args ...any)
	now     func() time.Time
}

// NewTandem pairs loader with manager.
func NewTandem(loader Loader, manager Manager) *Tandem {
	return &Tandem{loader: loader, manager: manager, now: time.Now}
}

// FetchNextRequest pulls one request from the loader into the manager
// at the forefront when the loader still has work, otherwise it
// delegates entirely to the manager.
func (t *Tandem) FetchNextRequest(ctx context.Context) (*request.Request, error) {
	finished, err := t.loader.IsFinished(ctx)
	if err != nil {
		return nil, fmt.Errorf("requestloader: tandem loader IsFinished: %w", err)
	}
	if !finished {
		req, err := t.loader.FetchNextRequest(ctx)
		if err != nil {
			return nil, fmt.Errorf("requestloader: tandem loader fetch: %w", err)
		}
		if req != nil {
			if _, err := t.manager.AddRequest(ctx, req, true); err != nil {
				if t.log != nil {
					t.log("requestloader: tandem insert failed for %s: %v", req.ID, err)
				}
			} else if err := t.loader.MarkRequestAsHandled(ctx, req); err != nil {
				return nil, fmt.Errorf("requestloader: tandem mark loader handled: %w", err)
			}
		}
	}
	return t.manager.FetchNextRequest(ctx)
}

// MarkRequestAsHandled delegates to the manager.
func (t *Tandem) MarkRequestAsHandled(ctx context.Context, req *request.Request) error {
	return t.manager.MarkRequestAsHandled(ctx, req, t.now())
}

// IsEmpty reports whether both the loader and the manager are empty.
func (t *Tandem) IsEmpty(ctx context.Context) (bool, error) {
	loaderEmpty, err := t.loader.IsEmpty(ctx)
	if err != nil {
		return false, err
	}
	managerEmpty, err := t.manager.IsEmpty(ctx)
	if err != nil {
		return false, err
	}
	return loaderEmpty && managerEmpty, nil
}

// IsFinished reports whether both the loader and the manager are finished.
func (t *Tandem) IsFinished(ctx context.Context) (bool, error) {
	loaderFinished, err := t.loader.IsFinished(ctx)
	if err != nil {
		return false, err
	}
	managerFinished, err := t.manager.IsFinished(ctx)
	if err != nil {
		return false, err
	}
	return loaderFinished && managerFinished, nil
}
