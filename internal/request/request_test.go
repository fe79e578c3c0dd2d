package request

import (
	"testing"
	"time"
)

func TestNewRejectsInvalidURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"no scheme", "example.com/a"},
		{"ftp scheme", "ftp://example.com/a"},
		{"empty host", "http:///a"},
		{"garbage", "::not a url::"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.url, Options{}); err == nil {
				t.Fatalf("New(%q) = nil error, want error", tt.url)
			}
		})
	}
}

// S1 — Dedup by URL canonicalization.
func TestCanonicalizationDedup(t *testing.T) {
	a, err := New("https://EXAMPLE.com/a?b=1&a=2", Options{})
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	b, err := New("http://example.com/a?a=2&b=1", Options{})
	if err != nil {
		t.Fatalf("New b: %v", err)
	}
	if a.UniqueKey != b.UniqueKey {
		t.Errorf("unique keys differ: %q vs %q", a.UniqueKey, b.UniqueKey)
	}
	if a.ID != b.ID {
		t.Errorf("ids differ: %q vs %q", a.ID, b.ID)
	}
}

func TestCanonicalizationKeepsSchemeDistinct(t *testing.T) {
	a, _ := New("https://example.com/a", Options{})
	b, _ := New("http://example.com/a", Options{})
	// scheme is lowercased but not otherwise normalized away, so these
	// remain distinct unless the caller explicitly overrides UniqueKey.
	if a.UniqueKey == b.UniqueKey {
		t.Errorf("expected distinct unique keys for different schemes, got %q", a.UniqueKey)
	}
}

func TestFragmentStrippedByDefault(t *testing.T) {
	a, _ := New("https://example.com/a#frag1", Options{})
	b, _ := New("https://example.com/a#frag2", Options{})
	if a.UniqueKey != b.UniqueKey {
		t.Errorf("fragments should be stripped: %q vs %q", a.UniqueKey, b.UniqueKey)
	}

	c, _ := New("https://example.com/a#frag1", Options{KeepURLFragment: true})
	d, _ := New("https://example.com/a#frag2", Options{KeepURLFragment: true})
	if c.UniqueKey == d.UniqueKey {
		t.Errorf("KeepURLFragment should keep fragments distinct")
	}
}

func TestIDMismatchIsError(t *testing.T) {
	_, err := New("https://example.com/a", Options{UniqueKey: "custom-key", ID: "not-the-hash"})
	if err == nil {
		t.Fatal("expected ErrIDMismatch")
	}
	if _, ok := err.(*ErrIDMismatch); !ok {
		t.Fatalf("got %T, want *ErrIDMismatch", err)
	}
}

func TestExplicitIDMatchingHashIsAccepted(t *testing.T) {
	want := DeriveID("custom-key")
	r, err := New("https://example.com/a", Options{UniqueKey: "custom-key", ID: want})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ID != want {
		t.Errorf("ID = %q, want %q", r.ID, want)
	}
}

func TestMarkHandledIsSetOnce(t *testing.T) {
	r, _ := New("https://example.com/a", Options{})
	if r.IsHandled() {
		t.Fatal("new request should not be handled")
	}
	t1 := mustTime("2024-01-01T00:00:00Z")
	r.MarkHandled(t1)
	first := r.Crawlee.HandledAt
	t2 := mustTime("2024-01-01T01:00:00Z")
	r.MarkHandled(t2)
	if !r.Crawlee.HandledAt.Equal(*first) {
		t.Errorf("HandledAt changed on second MarkHandled call: %v -> %v", first, r.Crawlee.HandledAt)
	}
}

func TestRetryCountMonotonic(t *testing.T) {
	r, _ := New("https://example.com/a", Options{})
	for i := 0; i < 3; i++ {
		r.IncrementRetry()
	}
	if r.Crawlee.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", r.Crawlee.RetryCount)
	}
}

func TestMaxRetriesOverride(t *testing.T) {
	r, _ := New("https://example.com/a", Options{})
	if got := r.MaxRetries(5); got != 5 {
		t.Errorf("MaxRetries fallback = %d, want 5", got)
	}
	override := 2
	r.Crawlee.MaxRetries = &override
	if got := r.MaxRetries(5); got != 2 {
		t.Errorf("MaxRetries override = %d, want 2", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	r, _ := New("https://example.com/a", Options{Headers: map[string]string{"X-A": "1"}, Extras: map[string]any{"k": "v"}})
	c := r.Clone()
	c.Headers["x-a"] = "2"
	c.Extras["k"] = "changed"
	if r.Headers["x-a"] != "1" {
		t.Errorf("mutating clone headers affected original")
	}
	if r.Extras["k"] != "v" {
		t.Errorf("mutating clone extras affected original")
	}
}

func mustTime(s string) time.Time {
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return tm
}
