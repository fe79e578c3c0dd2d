// Package storage implements the Dataset, KeyValueStore, and
// RequestQueueClient interfaces consumed by the core, with an
// in-memory backend (used by tests and as cmd/crawlcore's default)
// and a file-system backend matching the crawl run's persisted state
// layout. JSON encoding throughout follows the teacher's
// output.WriteJSON idiom (indented encoder, HTML escaping disabled)
// and internal/diff.LoadReport's read-then-unmarshal wrapped-error
// style.
package storage

import (
	"context"
	"encoding/json"
)

// Dataset accumulates ordered result items and replays them.
type Dataset interface {
	PushData(ctx context.Context, item any) error
	GetData(ctx context.Context, offset, limit int) ([]json.RawMessage, error)
	IterateItems(ctx context.Context, fn func(index int, item json.RawMessage) bool) error
	Drop(ctx context.Context) error
}

// KeyValueStore is a flat string-keyed JSON value store.
type KeyValueStore interface {
	GetValue(key string) (json.RawMessage, bool, error)
	SetValue(key string, value any) error
	DeleteValue(key string) error
	IterateKeys(fn func(key string) bool) error
	RecordExists(key string) (bool, error)
	GetPublicURL(key string) (string, error)
	Drop() error
}
