package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitriimaksimovdevelop/crawlcore/internal/queue"
)

// writeJSONFile serializes v as indented JSON to path, following the
// teacher's output.WriteJSON idiom: a plain *os.File target, an
// indenting encoder, and HTML escaping disabled since payloads are
// never rendered into a browser.
func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("storage: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("storage: encode %s: %w", path, err)
	}
	return nil
}

// readJSONFile loads and decodes path into v, following the teacher's
// diff.LoadReport read-then-unmarshal idiom. Returns ok=false without
// error when path does not exist.
func readJSONFile(path string, v any) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("storage: decode %s: %w", path, err)
	}
	return true, nil
}

// FileDataset is a Dataset backed by NNNNNNNNN.json files under root,
// plus a __metadata__.json tracking the item count.
type FileDataset struct {
	mu    sync.Mutex
	root  string
	count int
}

type datasetMetadata struct {
	ItemCount int `json:"item_count"`
}

// NewFileDataset opens (or creates) a file-backed Dataset rooted at
// dir, restoring its item count from __metadata__.json if present.
func NewFileDataset(dir string) (*FileDataset, error) {
	d := &FileDataset{root: dir}
	var meta datasetMetadata
	if _, err := readJSONFile(filepath.Join(dir, "__metadata__.json"), &meta); err != nil {
		return nil, err
	}
	d.count = meta.ItemCount
	return d, nil
}

func datasetItemPath(root string, index int) string {
	return filepath.Join(root, fmt.Sprintf("%09d.json", index+1))
}

func (d *FileDataset) PushData(ctx context.Context, item any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := writeJSONFile(datasetItemPath(d.root, d.count), item); err != nil {
		return err
	}
	d.count++
	return writeJSONFile(filepath.Join(d.root, "__metadata__.json"), datasetMetadata{ItemCount: d.count})
}

func (d *FileDataset) GetData(ctx context.Context, offset, limit int) ([]json.RawMessage, error) {
	d.mu.Lock()
	total := d.count
	root := d.root
	d.mu.Unlock()

	if offset >= total {
		return nil, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]json.RawMessage, 0, end-offset)
	for i := offset; i < end; i++ {
		raw, err := os.ReadFile(datasetItemPath(root, i))
		if err != nil {
			return nil, fmt.Errorf("storage: read dataset item %d: %w", i, err)
		}
		out = append(out, json.RawMessage(raw))
	}
	return out, nil
}

func (d *FileDataset) IterateItems(ctx context.Context, fn func(index int, item json.RawMessage) bool) error {
	items, err := d.GetData(ctx, 0, 0)
	if err != nil {
		return err
	}
	for i, item := range items {
		if !fn(i, item) {
			break
		}
	}
	return nil
}

func (d *FileDataset) Drop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.RemoveAll(d.root); err != nil {
		return fmt.Errorf("storage: drop dataset %s: %w", d.root, err)
	}
	d.count = 0
	return nil
}

// FileKeyValueStore is a KeyValueStore backed by one JSON file per key
// under root.
type FileKeyValueStore struct {
	mu   sync.Mutex
	root string
}

// NewFileKeyValueStore opens (or creates) a file-backed KeyValueStore
// rooted at dir.
func NewFileKeyValueStore(dir string) (*FileKeyValueStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir kv store %s: %w", dir, err)
	}
	return &FileKeyValueStore{root: dir}, nil
}

func kvKeyPath(root, key string) string {
	return filepath.Join(root, url2file(key)+".json")
}

// url2file query-escapes a key so it is always a single valid filename
// component; the escaping is reversible, so IterateKeys recovers keys.
func url2file(key string) string {
	return url.QueryEscape(key)
}

func (s *FileKeyValueStore) GetValue(key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var raw json.RawMessage
	found, err := readJSONFile(kvKeyPath(s.root, key), &raw)
	return raw, found, err
}

func (s *FileKeyValueStore) SetValue(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONFile(kvKeyPath(s.root, key), value)
}

func (s *FileKeyValueStore) DeleteValue(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(kvKeyPath(s.root, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete key %q: %w", key, err)
	}
	return nil
}

func (s *FileKeyValueStore) IterateKeys(fn func(key string) bool) error {
	s.mu.Lock()
	entries, err := os.ReadDir(s.root)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("storage: list kv store %s: %w", s.root, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			key, err := url.QueryUnescape(strings.TrimSuffix(e.Name(), ".json"))
			if err != nil {
				continue
			}
			names = append(names, key)
		}
	}
	sort.Strings(names)
	for _, k := range names {
		if !fn(k) {
			break
		}
	}
	return nil
}

func (s *FileKeyValueStore) RecordExists(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stat(kvKeyPath(s.root, key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("storage: stat key %q: %w", key, err)
}

func (s *FileKeyValueStore) GetPublicURL(key string) (string, error) {
	return "file://" + filepath.ToSlash(kvKeyPath(s.root, key)), nil
}

func (s *FileKeyValueStore) Drop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("storage: drop kv store %s: %w", s.root, err)
	}
	return os.MkdirAll(s.root, 0o755)
}

// requestQueueMetadata is the __metadata__.json sidecar a
// FileRequestQueueClient keeps next to its per-request files, mirroring
// FileDataset's datasetMetadata but for queue bookkeeping: a stable id
// assigned at first creation, live pending/handled/total counts so a
// resumed queue reports correct totals without rescanning every
// request file, and the created/accessed/modified timestamps the rest
// of the persisted layout already carries.
type requestQueueMetadata struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	PendingRequestCount int            `json:"pending_request_count"`
	HandledRequestCount int            `json:"handled_request_count"`
	TotalRequestCount   int            `json:"total_request_count"`
	HadMultipleClients  bool           `json:"had_multiple_clients"`
	Stats               map[string]any `json:"stats"`
	CreatedAt           time.Time      `json:"created_at"`
	AccessedAt          time.Time      `json:"accessed_at"`
	ModifiedAt          time.Time      `json:"modified_at"`
}

func requestQueueMetadataPath(root string) string {
	return filepath.Join(root, "__metadata__.json")
}

// FileRequestQueueClient is a queue.RequestQueueClient backed by one
// JSON file per request under root, plus __metadata__.json.
type FileRequestQueueClient struct {
	mu        sync.Mutex
	root      string
	id        string
	name      string
	createdAt time.Time
}

// NewFileRequestQueueClient opens (or creates) a file-backed request
// queue rooted at dir, restoring its id and creation time from
// __metadata__.json if present.
func NewFileRequestQueueClient(dir string) (*FileRequestQueueClient, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir request queue %s: %w", dir, err)
	}
	c := &FileRequestQueueClient{root: dir, name: filepath.Base(dir)}

	var meta requestQueueMetadata
	found, err := readJSONFile(requestQueueMetadataPath(dir), &meta)
	if err != nil {
		return nil, err
	}
	if found {
		c.id = meta.ID
		c.createdAt = meta.CreatedAt
		return c, nil
	}
	c.id = uuid.NewString()
	c.createdAt = nowFunc()
	if err := c.writeMetadataLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

// writeMetadataLocked recounts every per-request file and rewrites
// __metadata__.json. Callers must already hold c.mu.
func (c *FileRequestQueueClient) writeMetadataLocked() error {
	all, err := c.listAll()
	if err != nil {
		return err
	}
	var pending, handled int
	for _, sr := range all {
		if sr.OrderNo == nil {
			handled++
		} else {
			pending++
		}
	}
	now := nowFunc()
	meta := requestQueueMetadata{
		ID:                  c.id,
		Name:                c.name,
		PendingRequestCount: pending,
		HandledRequestCount: handled,
		TotalRequestCount:   pending + handled,
		Stats:               map[string]any{},
		CreatedAt:           c.createdAt,
		AccessedAt:          now,
		ModifiedAt:          now,
	}
	return writeJSONFile(requestQueueMetadataPath(c.root), meta)
}

// Counts reports the durable backend's current pending/handled totals
// straight from __metadata__.json, rather than rescanning every
// per-request file.
func (c *FileRequestQueueClient) Counts(ctx context.Context) (pending, handled int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var meta requestQueueMetadata
	found, err := readJSONFile(requestQueueMetadataPath(c.root), &meta)
	if err != nil || !found {
		return 0, 0, err
	}
	return meta.PendingRequestCount, meta.HandledRequestCount, nil
}

func requestPath(root, id string) string {
	return filepath.Join(root, url2file(id)+".json")
}

func (c *FileRequestQueueClient) AddRequest(ctx context.Context, sr queue.StoredRequest) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	path := requestPath(c.root, sr.ID)
	if _, err := os.Stat(path); err == nil {
		return true, nil
	}
	if err := writeJSONFile(path, sr); err != nil {
		return false, err
	}
	return false, c.writeMetadataLocked()
}

func (c *FileRequestQueueClient) GetRequest(ctx context.Context, id string) (queue.StoredRequest, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sr queue.StoredRequest
	found, err := readJSONFile(requestPath(c.root, id), &sr)
	return sr, found, err
}

func (c *FileRequestQueueClient) UpdateRequest(ctx context.Context, sr queue.StoredRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	path := requestPath(c.root, sr.ID)
	if sr.LockExpiresAt == nil {
		var existing queue.StoredRequest
		if found, err := readJSONFile(path, &existing); err == nil && found {
			sr.LockExpiresAt = existing.LockExpiresAt
		}
	}
	if err := writeJSONFile(path, sr); err != nil {
		return err
	}
	return c.writeMetadataLocked()
}

func (c *FileRequestQueueClient) listAll() ([]queue.StoredRequest, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("storage: list request queue %s: %w", c.root, err)
	}
	var all []queue.StoredRequest
	for _, e := range entries {
		if e.IsDir() || e.Name() == "__metadata__.json" || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var sr queue.StoredRequest
		if _, err := readJSONFile(filepath.Join(c.root, e.Name()), &sr); err != nil {
			return nil, err
		}
		all = append(all, sr)
	}
	return all, nil
}

func (c *FileRequestQueueClient) ListAndLockHead(ctx context.Context, limit int, lockSecs int) ([]queue.StoredRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.listAll()
	if err != nil {
		return nil, err
	}
	now := nowFunc()
	var candidates []queue.StoredRequest
	for _, sr := range all {
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
	for i := range candidates {
		candidates[i].LockExpiresAt = &expiry
		if err := writeJSONFile(requestPath(c.root, candidates[i].ID), candidates[i]); err != nil {
			return nil, err
		}
	}
	return candidates, nil
}

func (c *FileRequestQueueClient) ProlongRequestLock(ctx context.Context, id string, lockSecs int, forefront bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sr queue.StoredRequest
	found, err := readJSONFile(requestPath(c.root, id), &sr)
	if err != nil || !found {
		return err
	}
	expiry := nowFunc().Add(secondsToDuration(lockSecs))
	sr.LockExpiresAt = &expiry
	return writeJSONFile(requestPath(c.root, id), sr)
}

func (c *FileRequestQueueClient) DeleteRequestLock(ctx context.Context, id string, forefront bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sr queue.StoredRequest
	found, err := readJSONFile(requestPath(c.root, id), &sr)
	if err != nil || !found {
		return err
	}
	sr.LockExpiresAt = nil
	return writeJSONFile(requestPath(c.root, id), sr)
}

func (c *FileRequestQueueClient) IsEmpty(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	all, err := c.listAll()
	if err != nil {
		return false, err
	}
	for _, sr := range all {
		if sr.OrderNo != nil {
			return false, nil
		}
	}
	return true, nil
}

func (c *FileRequestQueueClient) Drop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.RemoveAll(c.root); err != nil {
		return fmt.Errorf("storage: drop request queue %s: %w", c.root, err)
	}
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return fmt.Errorf("storage: recreate request queue dir %s: %w", c.root, err)
	}
	c.createdAt = nowFunc()
	return c.writeMetadataLocked()
}
