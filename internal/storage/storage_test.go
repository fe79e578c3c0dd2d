package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitriimaksimovdevelop/crawlcore/internal/queue"
)

func TestMemoryDatasetPushAndIterate(t *testing.T) {
	ds := NewMemoryDataset()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := ds.PushData(ctx, map[string]int{"n": i}); err != nil {
			t.Fatalf("PushData: %v", err)
		}
	}
	items, err := ds.GetData(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	var got map[string]int
	if err := json.Unmarshal(items[1], &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["n"] != 1 {
		t.Errorf("items[1].n = %d, want 1", got["n"])
	}
}

func TestMemoryKeyValueStoreRoundTrip(t *testing.T) {
	s := NewMemoryKeyValueStore()
	if err := s.SetValue("k", 42); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	raw, ok, err := s.GetValue("k")
	if err != nil || !ok {
		t.Fatalf("GetValue: ok=%v err=%v", ok, err)
	}
	var v int
	json.Unmarshal(raw, &v)
	if v != 42 {
		t.Errorf("v = %d, want 42", v)
	}
	exists, _ := s.RecordExists("k")
	if !exists {
		t.Error("RecordExists = false, want true")
	}
	if err := s.DeleteValue("k"); err != nil {
		t.Fatalf("DeleteValue: %v", err)
	}
	if exists, _ := s.RecordExists("k"); exists {
		t.Error("RecordExists after delete = true, want false")
	}
}

func TestFileDatasetPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ds")
	ds, err := NewFileDataset(dir)
	if err != nil {
		t.Fatalf("NewFileDataset: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := ds.PushData(ctx, map[string]int{"n": i}); err != nil {
			t.Fatalf("PushData: %v", err)
		}
	}

	reopened, err := NewFileDataset(dir)
	if err != nil {
		t.Fatalf("reopen NewFileDataset: %v", err)
	}
	items, err := reopened.GetData(ctx, 2, 2)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	var got map[string]int
	json.Unmarshal(items[0], &got)
	if got["n"] != 2 {
		t.Errorf("items[0].n = %d, want 2", got["n"])
	}
}

func TestFileKeyValueStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileKeyValueStore(dir)
	if err != nil {
		t.Fatalf("NewFileKeyValueStore: %v", err)
	}
	if err := s.SetValue("session/state", []int{1, 2, 3}); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	raw, ok, err := s.GetValue("session/state")
	if err != nil || !ok {
		t.Fatalf("GetValue: ok=%v err=%v", ok, err)
	}
	var got []int
	json.Unmarshal(raw, &got)
	if len(got) != 3 || got[2] != 3 {
		t.Errorf("got = %v, want [1 2 3]", got)
	}

	var keys []string
	s.IterateKeys(func(k string) bool { keys = append(keys, k); return true })
	if len(keys) != 1 || keys[0] != "session/state" {
		t.Errorf("keys = %v, want [session/state]", keys)
	}

	url, err := s.GetPublicURL("session/state")
	if err != nil || url == "" {
		t.Errorf("GetPublicURL: url=%q err=%v", url, err)
	}
}

func TestFileKeyValueStoreDrop(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileKeyValueStore(dir)
	s.SetValue("a", 1)
	s.SetValue("b", 2)
	if err := s.Drop(); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	var count int
	s.IterateKeys(func(string) bool { count++; return true })
	if count != 0 {
		t.Errorf("count after drop = %d, want 0", count)
	}
}

func TestFileRequestQueueClientSatisfiesInterface(t *testing.T) {
	var _ queue.RequestQueueClient = (*FileRequestQueueClient)(nil)
	var _ queue.RequestQueueClient = (*MemoryRequestQueueClient)(nil)
}

func TestFileRequestQueueClientListAndLockHeadOrdersByOrderNo(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileRequestQueueClient(dir)
	if err != nil {
		t.Fatalf("NewFileRequestQueueClient: %v", err)
	}
	ctx := context.Background()

	orders := []int64{300, 100, 200}
	for i, o := range orders {
		order := o
		sr := queue.StoredRequest{
			ID:      string(rune('a' + i)),
			Request: json.RawMessage(`{}`),
			OrderNo: &order,
		}
		if _, err := c.AddRequest(ctx, sr); err != nil {
			t.Fatalf("AddRequest: %v", err)
		}
	}

	locked, err := c.ListAndLockHead(ctx, 10, 60)
	if err != nil {
		t.Fatalf("ListAndLockHead: %v", err)
	}
	if len(locked) != 3 {
		t.Fatalf("len(locked) = %d, want 3", len(locked))
	}
	if *locked[0].OrderNo != 100 || *locked[1].OrderNo != 200 || *locked[2].OrderNo != 300 {
		t.Errorf("order = %d,%d,%d, want 100,200,300", *locked[0].OrderNo, *locked[1].OrderNo, *locked[2].OrderNo)
	}

	for _, sr := range locked {
		if sr.LockExpiresAt == nil || !sr.LockExpiresAt.After(time.Now()) {
			t.Errorf("request %s not locked", sr.ID)
		}
	}

	// A second call before the lock expires must return nothing new.
	locked2, err := c.ListAndLockHead(ctx, 10, 60)
	if err != nil {
		t.Fatalf("second ListAndLockHead: %v", err)
	}
	if len(locked2) != 0 {
		t.Errorf("len(locked2) = %d, want 0 (all still locked)", len(locked2))
	}
}

func TestFileRequestQueueClientProlongAndDeleteLock(t *testing.T) {
	dir := t.TempDir()
	c, _ := NewFileRequestQueueClient(dir)
	ctx := context.Background()
	order := int64(1)
	c.AddRequest(ctx, queue.StoredRequest{ID: "r1", Request: json.RawMessage(`{}`), OrderNo: &order})

	locked, _ := c.ListAndLockHead(ctx, 10, 60)
	if len(locked) != 1 {
		t.Fatalf("len(locked) = %d, want 1", len(locked))
	}

	if err := c.DeleteRequestLock(ctx, "r1", false); err != nil {
		t.Fatalf("DeleteRequestLock: %v", err)
	}
	relocked, err := c.ListAndLockHead(ctx, 10, 60)
	if err != nil {
		t.Fatalf("ListAndLockHead after unlock: %v", err)
	}
	if len(relocked) != 1 {
		t.Fatalf("len(relocked) = %d, want 1 after unlock", len(relocked))
	}

	if err := c.ProlongRequestLock(ctx, "r1", 120, false); err != nil {
		t.Fatalf("ProlongRequestLock: %v", err)
	}
	sr, found, err := c.GetRequest(ctx, "r1")
	if err != nil || !found {
		t.Fatalf("GetRequest: found=%v err=%v", found, err)
	}
	if sr.LockExpiresAt == nil || sr.LockExpiresAt.Sub(time.Now()) < 100*time.Second {
		t.Errorf("lock not prolonged as expected: %v", sr.LockExpiresAt)
	}
}

func TestFileRequestQueueClientIsEmptyAndDrop(t *testing.T) {
	dir := t.TempDir()
	c, _ := NewFileRequestQueueClient(dir)
	ctx := context.Background()

	empty, err := c.IsEmpty(ctx)
	if err != nil || !empty {
		t.Fatalf("IsEmpty = %v, %v; want true, nil", empty, err)
	}

	order := int64(1)
	c.AddRequest(ctx, queue.StoredRequest{ID: "r1", Request: json.RawMessage(`{}`), OrderNo: &order})
	empty, err = c.IsEmpty(ctx)
	if err != nil || empty {
		t.Fatalf("IsEmpty after add = %v, %v; want false, nil", empty, err)
	}

	if err := c.Drop(ctx); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	empty, err = c.IsEmpty(ctx)
	if err != nil || !empty {
		t.Fatalf("IsEmpty after drop = %v, %v; want true, nil", empty, err)
	}
}

func TestFileRequestQueueClientAddRequestDedup(t *testing.T) {
	dir := t.TempDir()
	c, _ := NewFileRequestQueueClient(dir)
	ctx := context.Background()
	order := int64(1)
	sr := queue.StoredRequest{ID: "dup", Request: json.RawMessage(`{}`), OrderNo: &order}

	present, err := c.AddRequest(ctx, sr)
	if err != nil || present {
		t.Fatalf("first AddRequest: present=%v err=%v", present, err)
	}
	present, err = c.AddRequest(ctx, sr)
	if err != nil || !present {
		t.Fatalf("second AddRequest: present=%v err=%v, want true", present, err)
	}
}

func TestFileRequestQueueClientWritesMetadataFile(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileRequestQueueClient(dir)
	if err != nil {
		t.Fatalf("NewFileRequestQueueClient: %v", err)
	}
	ctx := context.Background()

	if _, err := os.Stat(filepath.Join(dir, "__metadata__.json")); err != nil {
		t.Fatalf("__metadata__.json not created on construction: %v", err)
	}

	order := int64(1)
	c.AddRequest(ctx, queue.StoredRequest{ID: "r1", Request: json.RawMessage(`{}`), OrderNo: &order})
	c.AddRequest(ctx, queue.StoredRequest{ID: "r2", Request: json.RawMessage(`{}`), HandledAt: &time.Time{}})

	var meta requestQueueMetadata
	found, err := readJSONFile(filepath.Join(dir, "__metadata__.json"), &meta)
	if err != nil || !found {
		t.Fatalf("readJSONFile(__metadata__.json): found=%v err=%v", found, err)
	}
	if meta.ID == "" {
		t.Error("metadata id not populated")
	}
	if meta.PendingRequestCount != 1 || meta.HandledRequestCount != 1 || meta.TotalRequestCount != 2 {
		t.Errorf("metadata counts = %+v, want pending=1 handled=1 total=2", meta)
	}
}

// Reopening a file-backed queue must preserve its id/creation time and
// report the same pending/handled totals a fresh Counts() scan would.
func TestFileRequestQueueClientCountsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileRequestQueueClient(dir)
	if err != nil {
		t.Fatalf("NewFileRequestQueueClient: %v", err)
	}
	order := int64(1)
	first.AddRequest(ctx, queue.StoredRequest{ID: "r1", Request: json.RawMessage(`{}`), OrderNo: &order})
	first.AddRequest(ctx, queue.StoredRequest{ID: "r2", Request: json.RawMessage(`{}`), HandledAt: &time.Time{}})
	firstID := first.id

	reopened, err := NewFileRequestQueueClient(dir)
	if err != nil {
		t.Fatalf("reopen NewFileRequestQueueClient: %v", err)
	}
	if reopened.id != firstID {
		t.Errorf("reopened id = %q, want %q (stable across reopen)", reopened.id, firstID)
	}
	pending, handled, err := reopened.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if pending != 1 || handled != 1 {
		t.Errorf("Counts after reopen = pending=%d handled=%d, want 1,1", pending, handled)
	}
}
