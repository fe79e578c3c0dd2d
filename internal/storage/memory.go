package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dmitriimaksimovdevelop/crawlcore/internal/queue"
)

// MemoryDataset is an in-process Dataset backed by a slice.
type MemoryDataset struct {
	mu    sync.Mutex
	items []json.RawMessage
}

// NewMemoryDataset builds an empty in-memory Dataset.
func NewMemoryDataset() *MemoryDataset {
	return &MemoryDataset{}
}

func (d *MemoryDataset) PushData(ctx context.Context, item any) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("storage: marshal dataset item: %w", err)
	}
	d.mu.Lock()
	d.items = append(d.items, raw)
	d.mu.Unlock()
	return nil
}

func (d *MemoryDataset) GetData(ctx context.Context, offset, limit int) ([]json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset >= len(d.items) {
		return nil, nil
	}
	end := len(d.items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]json.RawMessage, end-offset)
	copy(out, d.items[offset:end])
	return out, nil
}

func (d *MemoryDataset) IterateItems(ctx context.Context, fn func(index int, item json.RawMessage) bool) error {
	d.mu.Lock()
	items := make([]json.RawMessage, len(d.items))
	copy(items, d.items)
	d.mu.Unlock()
	for i, item := range items {
		if !fn(i, item) {
			break
		}
	}
	return nil
}

func (d *MemoryDataset) Drop(ctx context.Context) error {
	d.mu.Lock()
	d.items = nil
	d.mu.Unlock()
	return nil
}

// MemoryKeyValueStore is an in-process KeyValueStore backed by a map.
type MemoryKeyValueStore struct {
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// NewMemoryKeyValueStore builds an empty in-memory KeyValueStore.
func NewMemoryKeyValueStore() *MemoryKeyValueStore {
	return &MemoryKeyValueStore{data: make(map[string]json.RawMessage)}
}

func (s *MemoryKeyValueStore) GetValue(key string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *MemoryKeyValueStore) SetValue(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: marshal value for key %q: %w", key, err)
	}
	s.mu.Lock()
	s.data[key] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryKeyValueStore) DeleteValue(key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryKeyValueStore) IterateKeys(fn func(key string) bool) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	for _, k := range keys {
		if !fn(k) {
			break
		}
	}
	return nil
}

func (s *MemoryKeyValueStore) RecordExists(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

func (s *MemoryKeyValueStore) GetPublicURL(key string) (string, error) {
	return "", fmt.Errorf("storage: in-memory key-value store has no public URL for %q", key)
}

func (s *MemoryKeyValueStore) Drop() error {
	s.mu.Lock()
	s.data = make(map[string]json.RawMessage)
	s.mu.Unlock()
	return nil
}

// MemoryRequestQueueClient is an in-process queue.RequestQueueClient
// backed by a map, the default backend for tests and for
// cmd/crawlcore runs that don't need crash durability.
type MemoryRequestQueueClient struct {
	mu    sync.Mutex
	items map[string]queue.StoredRequest
}

// NewMemoryRequestQueueClient builds an empty in-memory request queue backend.
func NewMemoryRequestQueueClient() *MemoryRequestQueueClient {
	return &MemoryRequestQueueClient{items: make(map[string]queue.StoredRequest)}
}

func (c *MemoryRequestQueueClient) AddRequest(ctx context.Context, sr queue.StoredRequest) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[sr.ID]; ok {
		return true, nil
	}
	c.items[sr.ID] = sr
	return false, nil
}

func (c *MemoryRequestQueueClient) GetRequest(ctx context.Context, id string) (queue.StoredRequest, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sr, ok := c.items[id]
	return sr, ok, nil
}

func (c *MemoryRequestQueueClient) UpdateRequest(ctx context.Context, sr queue.StoredRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.items[sr.ID]
	if ok && sr.LockExpiresAt == nil {
		sr.LockExpiresAt = existing.LockExpiresAt
	}
	c.items[sr.ID] = sr
	return nil
}

func (c *MemoryRequestQueueClient) ListAndLockHead(ctx context.Context, limit int, lockSecs int) ([]queue.StoredRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := nowFunc()
	var candidates []queue.StoredRequest
	for _, sr := range c.items {
		if sr.OrderNo == nil {
			continue
		}
		if sr.LockExpiresAt != nil && sr.LockExpiresAt.After(now) {
			continue
		}
		candidates = append(candidates, sr)
	}
	sort.Slice(candidates, func(i, j int) bool { return *candidates[i].OrderNo < *candidates[j].OrderNo })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	expiry := now.Add(secondsToDuration(lockSecs))
	for _, cand := range candidates {
		item := c.items[cand.ID]
		item.LockExpiresAt = &expiry
		c.items[cand.ID] = item
	}
	return candidates, nil
}

func (c *MemoryRequestQueueClient) ProlongRequestLock(ctx context.Context, id string, lockSecs int, forefront bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[id]
	if !ok {
		return nil
	}
	expiry := nowFunc().Add(secondsToDuration(lockSecs))
	item.LockExpiresAt = &expiry
	c.items[id] = item
	return nil
}

func (c *MemoryRequestQueueClient) DeleteRequestLock(ctx context.Context, id string, forefront bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[id]
	if !ok {
		return nil
	}
	item.LockExpiresAt = nil
	c.items[id] = item
	return nil
}

// Counts reports the in-memory backend's current pending/handled
// totals by scanning items; cheap enough here since nothing is
// persisted to amortize the scan against.
func (c *MemoryRequestQueueClient) Counts(ctx context.Context) (pending, handled int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sr := range c.items {
		if sr.OrderNo == nil {
			handled++
		} else {
			pending++
		}
	}
	return pending, handled, nil
}

func (c *MemoryRequestQueueClient) IsEmpty(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sr := range c.items {
		if sr.OrderNo != nil {
			return false, nil
		}
	}
	return true, nil
}

func (c *MemoryRequestQueueClient) Drop(ctx context.Context) error {
	c.mu.Lock()
	c.items = make(map[string]queue.StoredRequest)
	c.mu.Unlock()
	return nil
}
