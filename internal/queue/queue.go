// Package queue implements a deduplicated, ordered, lease-based work
// queue with forefront (LIFO) and normal (FIFO) priority lanes, backed
// by a pluggable RequestQueueClient. The head-cache-over-durable-store
// split follows the same "deque fed by a bounded fetch from a mutex
// guarded backend" shape as the teacher's BCCExecutor watcher pattern
// (internal/executor/executor.go): a local, fast, in-memory structure
// that periodically reseeds itself from a slower source of truth.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmitriimaksimovdevelop/crawlcore/internal/request"
)

// StoredRequest is the durable representation of one queue entry.
// OrderNo nil means handled; negative means forefront; positive means
// normal, both carrying a monotonically increasing microsecond value.
type StoredRequest struct {
	ID            string
	Request       json.RawMessage
	OrderNo       *int64
	HandledAt     *time.Time
	LockExpiresAt *time.Time
}

// RequestQueueClient is the durable backend RequestQueue delegates to;
// internal/storage ships in-memory and file-system implementations.
type RequestQueueClient interface {
	AddRequest(ctx context.Context, sr StoredRequest) (wasAlreadyPresent bool, err error)
	GetRequest(ctx context.Context, id string) (StoredRequest, bool, error)
	UpdateRequest(ctx context.Context, sr StoredRequest) error
	ListAndLockHead(ctx context.Context, limit int, lockSecs int) ([]StoredRequest, error)
	ProlongRequestLock(ctx context.Context, id string, lockSecs int, forefront bool) error
	DeleteRequestLock(ctx context.Context, id string, forefront bool) error
	IsEmpty(ctx context.Context) (bool, error)
	Drop(ctx context.Context) error
	// Counts reports the backend's own pending/handled totals, used by
	// New to seed a RequestQueue's in-memory counters from whatever
	// durable state already exists.
	Counts(ctx context.Context) (pending, handled int, err error)
}

// AddRequestResult reports the outcome of AddRequest/BatchAddRequests.
type AddRequestResult struct {
	ID                string
	WasAlreadyPresent bool
	WasAlreadyHandled bool
}

// Config tunes lease duration and dedup behavior.
type Config struct {
	DefaultLockDuration time.Duration // default 3 minutes
	HeadFetchLimit      int           // default 25
	AlwaysEnqueue       bool          // bypass dedup by salting unique_key
	Now                 func() time.Time
}

func (c *Config) withDefaults() {
	if c.DefaultLockDuration <= 0 {
		c.DefaultLockDuration = 3 * time.Minute
	}
	if c.HeadFetchLimit <= 0 {
		c.HeadFetchLimit = 25
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// RequestQueue is the in-process façade over a RequestQueueClient: it
// owns the monotonic order_no counter, the head cache, and the
// pending/handled counters.
type RequestQueue struct {
	client RequestQueueClient
	cfg    Config
	log    zerolog.Logger

	mu                sync.Mutex
	lastTimestampUs   int64
	pendingCount      int
	handledCount      int
	alwaysEnqueueSeq  int64
	outstandingLeases map[string]string // id -> lease token (opaque, just presence)

	head                       []cachedHead
	shouldCheckForeFront       bool
}

type cachedHead struct {
	id            string
	lockExpiresAt time.Time
}

// New builds a RequestQueue over client, counting any existing durable
// state so counters start consistent with a pre-populated backend.
func New(client RequestQueueClient, cfg Config, log zerolog.Logger) *RequestQueue {
	cfg.withDefaults()
	q := &RequestQueue{
		client:            client,
		cfg:               cfg,
		log:               log,
		outstandingLeases: make(map[string]string),
	}
	pending, handled, err := client.Counts(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("queue: failed to count existing durable state, starting from zero")
	} else {
		q.pendingCount = pending
		q.handledCount = handled
	}
	return q
}

func (q *RequestQueue) nextTimestampUs(now time.Time) int64 {
	ts := now.UnixMicro()
	if ts <= q.lastTimestampUs {
		ts = q.lastTimestampUs + 1
	}
	q.lastTimestampUs = ts
	return ts
}

// AddRequest inserts req, computing its order_no. A request already
// present by id is returned unmodified.
func (q *RequestQueue) AddRequest(ctx context.Context, req *request.Request, forefront bool) (AddRequestResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.addRequestLocked(ctx, req, forefront)
}

// saltForAlwaysEnqueueLocked returns a clone of req with a monotonic
// salt folded into unique_key (and id re-derived from it), so
// Config.AlwaysEnqueue callers can enqueue the same URL any number of
// times instead of deduping against the first insert.
func (q *RequestQueue) saltForAlwaysEnqueueLocked(req *request.Request) *request.Request {
	q.alwaysEnqueueSeq++
	salted := req.Clone()
	salted.UniqueKey = fmt.Sprintf("%s#always_enqueue=%d", req.UniqueKey, q.alwaysEnqueueSeq)
	salted.ID = request.DeriveID(salted.UniqueKey)
	return salted
}

func (q *RequestQueue) addRequestLocked(ctx context.Context, req *request.Request, forefront bool) (AddRequestResult, error) {
	if q.cfg.AlwaysEnqueue {
		req = q.saltForAlwaysEnqueueLocked(req)
	}
	existing, found, err := q.client.GetRequest(ctx, req.ID)
	if err != nil {
		return AddRequestResult{}, fmt.Errorf("queue: get request %s: %w", req.ID, err)
	}
	if found {
		return AddRequestResult{
			ID:                req.ID,
			WasAlreadyPresent: true,
			WasAlreadyHandled: existing.OrderNo == nil,
		}, nil
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return AddRequestResult{}, fmt.Errorf("queue: marshal request %s: %w", req.ID, err)
	}

	sr := StoredRequest{ID: req.ID, Request: payload}
	if req.IsHandled() {
		sr.HandledAt = req.Crawlee.HandledAt
	} else {
		now := q.cfg.Now()
		ts := q.nextTimestampUs(now)
		if forefront {
			ts = -ts
		}
		sr.OrderNo = &ts
		if forefront {
			q.shouldCheckForeFront = true
		}
	}

	wasAlreadyPresent, err := q.client.AddRequest(ctx, sr)
	if err != nil {
		return AddRequestResult{}, fmt.Errorf("queue: add request %s: %w", req.ID, err)
	}
	if !wasAlreadyPresent {
		if sr.OrderNo == nil {
			q.handledCount++
		} else {
			q.pendingCount++
		}
	}
	return AddRequestResult{ID: req.ID, WasAlreadyPresent: wasAlreadyPresent, WasAlreadyHandled: sr.OrderNo == nil}, nil
}

// BatchAddRequests adds each request best-effort, returning the
// results that succeeded and the requests that failed, in input order.
func (q *RequestQueue) BatchAddRequests(ctx context.Context, reqs []*request.Request, forefront bool) (processed []AddRequestResult, unprocessed []*request.Request) {
	for _, r := range reqs {
		res, err := q.AddRequest(ctx, r, forefront)
		if err != nil {
			q.log.Warn().Err(err).Str("request_id", r.ID).Msg("batch add request failed")
			unprocessed = append(unprocessed, r)
			continue
		}
		processed = append(processed, res)
	}
	return processed, unprocessed
}

// GetRequest fetches a stored request by id, decoding its payload.
func (q *RequestQueue) GetRequest(ctx context.Context, id string) (*request.Request, bool, error) {
	sr, found, err := q.client.GetRequest(ctx, id)
	if err != nil || !found {
		return nil, found, err
	}
	var r request.Request
	if err := json.Unmarshal(sr.Request, &r); err != nil {
		return nil, false, fmt.Errorf("queue: decode request %s: %w", id, err)
	}
	return &r, true, nil
}

// UpdateRequest replaces a stored request, adjusting handled/pending
// counters based on the order_no transition. If absent, falls through
// to AddRequest.
func (q *RequestQueue) UpdateRequest(ctx context.Context, req *request.Request, forefront bool) (AddRequestResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, found, err := q.client.GetRequest(ctx, req.ID)
	if err != nil {
		return AddRequestResult{}, fmt.Errorf("queue: get request %s: %w", req.ID, err)
	}
	if !found {
		return q.addRequestLocked(ctx, req, forefront)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return AddRequestResult{}, fmt.Errorf("queue: marshal request %s: %w", req.ID, err)
	}
	sr := StoredRequest{ID: req.ID, Request: payload, LockExpiresAt: existing.LockExpiresAt}

	wasHandled := existing.OrderNo == nil
	nowHandled := req.IsHandled()
	switch {
	case nowHandled:
		sr.HandledAt = req.Crawlee.HandledAt
	default:
		now := q.cfg.Now()
		ts := q.nextTimestampUs(now)
		if forefront {
			ts = -ts
			q.shouldCheckForeFront = true
		}
		sr.OrderNo = &ts
	}

	if err := q.client.UpdateRequest(ctx, sr); err != nil {
		return AddRequestResult{}, fmt.Errorf("queue: update request %s: %w", req.ID, err)
	}

	switch {
	case wasHandled && !nowHandled:
		q.handledCount--
		q.pendingCount++
	case !wasHandled && nowHandled:
		q.pendingCount--
		q.handledCount++
	}
	return AddRequestResult{ID: req.ID, WasAlreadyPresent: true, WasAlreadyHandled: nowHandled}, nil
}

// FetchNextRequest returns the next ready, unleased request in
// order_no order, acquiring a lease on it. Returns nil, nil when the
// queue is empty or the head is momentarily exhausted.
func (q *RequestQueue) FetchNextRequest(ctx context.Context) (*request.Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.head) == 0 || q.shouldCheckForeFront {
		if err := q.reseedHeadLocked(ctx); err != nil {
			return nil, err
		}
		q.shouldCheckForeFront = false
	}

	for len(q.head) > 0 {
		next := q.head[0]
		q.head = q.head[1:]

		sr, found, err := q.client.GetRequest(ctx, next.id)
		if err != nil {
			return nil, fmt.Errorf("queue: get request %s: %w", next.id, err)
		}
		if !found || sr.OrderNo == nil {
			q.log.Debug().Str("request_id", next.id).Msg("skipping stale head entry")
			continue
		}

		now := q.cfg.Now()
		if sr.LockExpiresAt != nil && sr.LockExpiresAt.Sub(now) < q.cfg.DefaultLockDuration/3 {
			forefront := sr.OrderNo != nil && *sr.OrderNo < 0
			if err := q.client.ProlongRequestLock(ctx, next.id, int(q.cfg.DefaultLockDuration.Seconds()), forefront); err != nil {
				return nil, fmt.Errorf("queue: prolong lock %s: %w", next.id, err)
			}
		}

		var r request.Request
		if err := json.Unmarshal(sr.Request, &r); err != nil {
			return nil, fmt.Errorf("queue: decode request %s: %w", next.id, err)
		}
		q.outstandingLeases[next.id] = next.id
		return &r, nil
	}
	return nil, nil
}

func (q *RequestQueue) reseedHeadLocked(ctx context.Context) error {
	entries, err := q.client.ListAndLockHead(ctx, q.cfg.HeadFetchLimit, int(q.cfg.DefaultLockDuration.Seconds()))
	if err != nil {
		return fmt.Errorf("queue: list and lock head: %w", err)
	}
	q.head = q.head[:0]
	for _, e := range entries {
		ch := cachedHead{id: e.ID}
		if e.LockExpiresAt != nil {
			ch.lockExpiresAt = *e.LockExpiresAt
		}
		q.head = append(q.head, ch)
	}
	return nil
}

// MarkRequestAsHandled marks req handled, persists, and releases its
// lease.
func (q *RequestQueue) MarkRequestAsHandled(ctx context.Context, req *request.Request, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	req.MarkHandled(now)
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("queue: marshal request %s: %w", req.ID, err)
	}
	sr := StoredRequest{ID: req.ID, Request: payload, HandledAt: req.Crawlee.HandledAt}
	if err := q.client.UpdateRequest(ctx, sr); err != nil {
		return fmt.Errorf("queue: mark handled %s: %w", req.ID, err)
	}
	if err := q.client.DeleteRequestLock(ctx, req.ID, false); err != nil {
		return fmt.Errorf("queue: release lock %s: %w", req.ID, err)
	}
	delete(q.outstandingLeases, req.ID)
	q.pendingCount--
	q.handledCount++
	return nil
}

// ReclaimRequest re-inserts req with a fresh order_no (at-least-once
// re-exposure) and releases its lease.
func (q *RequestQueue) ReclaimRequest(ctx context.Context, req *request.Request, forefront bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("queue: marshal request %s: %w", req.ID, err)
	}
	now := q.cfg.Now()
	ts := q.nextTimestampUs(now)
	if forefront {
		ts = -ts
		q.shouldCheckForeFront = true
	}
	sr := StoredRequest{ID: req.ID, Request: payload, OrderNo: &ts}
	if err := q.client.UpdateRequest(ctx, sr); err != nil {
		return fmt.Errorf("queue: reclaim request %s: %w", req.ID, err)
	}
	if err := q.client.DeleteRequestLock(ctx, req.ID, forefront); err != nil {
		return fmt.Errorf("queue: release lock on reclaim %s: %w", req.ID, err)
	}
	delete(q.outstandingLeases, req.ID)
	return nil
}

// IsEmpty reports whether the durable backend has no pending entries.
func (q *RequestQueue) IsEmpty(ctx context.Context) (bool, error) {
	empty, err := q.client.IsEmpty(ctx)
	if err != nil {
		return false, fmt.Errorf("queue: is empty: %w", err)
	}
	return empty, nil
}

// IsFinished reports whether the queue is empty and no leases remain
// outstanding.
func (q *RequestQueue) IsFinished(ctx context.Context) (bool, error) {
	empty, err := q.IsEmpty(ctx)
	if err != nil {
		return false, err
	}
	q.mu.Lock()
	outstanding := len(q.outstandingLeases)
	q.mu.Unlock()
	return empty && outstanding == 0, nil
}

// Drop deletes all durable state and resets in-memory counters.
func (q *RequestQueue) Drop(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.client.Drop(ctx); err != nil {
		return fmt.Errorf("queue: drop: %w", err)
	}
	q.pendingCount = 0
	q.handledCount = 0
	q.head = nil
	q.outstandingLeases = make(map[string]string)
	return nil
}

// Counts reports pending_count, handled_count, and their sum.
type Counts struct {
	Pending, Handled, Total int
}

// Counts returns the in-memory pending/handled counters.
func (q *RequestQueue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Counts{Pending: q.pendingCount, Handled: q.handledCount, Total: q.pendingCount + q.handledCount}
}
