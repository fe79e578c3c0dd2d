package crawler

import "testing"

func TestInScopeStrategies(t *testing.T) {
	cases := []struct {
		name      string
		origin    string
		candidate string
		strategy  EnqueueStrategy
		want      bool
	}{
		{"all admits anything", "https://example.com/a", "https://other.test/b", StrategyAll, true},
		{"same-hostname matches", "https://blog.example.com/a", "https://blog.example.com/b", StrategySameHostname, true},
		{"same-hostname rejects subdomain", "https://blog.example.com/a", "https://shop.example.com/b", StrategySameHostname, false},
		{"same-domain matches subdomains", "https://blog.example.com/a", "https://shop.example.com/b", StrategySameDomain, true},
		{"same-domain rejects other domain", "https://example.com/a", "https://example.org/b", StrategySameDomain, false},
		{"same-origin matches scheme+host+port", "https://example.com:8443/a", "https://example.com:8443/b", StrategySameOrigin, true},
		{"same-origin rejects scheme mismatch", "https://example.com/a", "http://example.com/b", StrategySameOrigin, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := InScope(tc.origin, tc.candidate, tc.strategy)
			if err != nil {
				t.Fatalf("InScope: %v", err)
			}
			if got != tc.want {
				t.Errorf("InScope(%q, %q, %q) = %v, want %v", tc.origin, tc.candidate, tc.strategy, got, tc.want)
			}
		})
	}
}

func TestMatchesIncludeExclude(t *testing.T) {
	if !matchesIncludeExclude("https://example.com/blog/post-1", []string{"https://example.com/blog/*"}, nil) {
		t.Error("expected glob include to match")
	}
	if matchesIncludeExclude("https://example.com/shop/item-1", []string{"https://example.com/blog/*"}, nil) {
		t.Error("expected non-matching include to reject")
	}
	if matchesIncludeExclude("https://example.com/blog/draft-1", nil, []string{".*draft.*"}) {
		t.Error("expected regex exclude to reject")
	}
	if !matchesIncludeExclude("https://example.com/anything", nil, nil) {
		t.Error("expected no patterns to admit everything")
	}
}

func TestEnqueueLinksResolvesFiltersAndBuffers(t *testing.T) {
	crawlCtx := &Context{
		Request: mustRequest(t, "https://example.com/section/index"),
		result:  newRunResult(),
	}

	links := []string{
		"/section/page-1",
		"https://other.test/page-2",
		"page-3?x=1",
	}

	got, err := crawlCtx.EnqueueLinks(links, EnqueueLinksOptions{
		Strategy: StrategySameHostname,
		Label:    "detail",
	})
	if err != nil {
		t.Fatalf("EnqueueLinks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2 (the cross-host link should be filtered)", len(got))
	}
	for _, r := range got {
		if r.Label != "detail" {
			t.Errorf("request label = %q, want %q", r.Label, "detail")
		}
		if r.Crawlee.Depth != 1 {
			t.Errorf("request depth = %d, want 1", r.Crawlee.Depth)
		}
	}
	if len(crawlCtx.result.enqueues) != 1 || len(crawlCtx.result.enqueues[0].requests) != 2 {
		t.Fatalf("buffered enqueue not recorded as expected: %+v", crawlCtx.result.enqueues)
	}
}
