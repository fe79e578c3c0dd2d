package crawler

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/dmitriimaksimovdevelop/crawlcore/internal/request"
)

// EnqueueStrategy decides whether a discovered URL, found while
// processing originURL, is in scope for crawling.
type EnqueueStrategy string

const (
	// StrategyAll admits every URL regardless of origin.
	StrategyAll EnqueueStrategy = "all"
	// StrategySameHostname admits URLs sharing the origin's exact host.
	StrategySameHostname EnqueueStrategy = "same-hostname"
	// StrategySameDomain admits URLs sharing the origin's registrable
	// domain (e.g. "a.example.com" and "www.example.com" both match
	// "example.com"), computed via the public suffix list.
	StrategySameDomain EnqueueStrategy = "same-domain"
	// StrategySameOrigin admits URLs sharing scheme, host, and port.
	StrategySameOrigin EnqueueStrategy = "same-origin"
)

// EnqueueLinksOptions controls EnqueueLinks filtering.
type EnqueueLinksOptions struct {
	Strategy         EnqueueStrategy
	IncludePatterns  []string // glob or regex, tried in that order
	ExcludePatterns  []string
	Forefront        bool
	Label            string
	TransformRequest func(u string) (extras map[string]any)
}

// InScope reports whether candidate is admitted relative to originURL
// under the given strategy.
func InScope(originURL, candidate string, strategy EnqueueStrategy) (bool, error) {
	if strategy == "" || strategy == StrategyAll {
		return true, nil
	}
	origin, err := url.Parse(originURL)
	if err != nil {
		return false, fmt.Errorf("crawler: parse origin url %q: %w", originURL, err)
	}
	target, err := url.Parse(candidate)
	if err != nil {
		return false, fmt.Errorf("crawler: parse candidate url %q: %w", candidate, err)
	}

	switch strategy {
	case StrategySameHostname:
		return strings.EqualFold(origin.Hostname(), target.Hostname()), nil
	case StrategySameOrigin:
		return strings.EqualFold(origin.Scheme, target.Scheme) &&
			strings.EqualFold(origin.Hostname(), target.Hostname()) &&
			origin.Port() == target.Port(), nil
	case StrategySameDomain:
		od, err := registrableDomain(origin.Hostname())
		if err != nil {
			return false, err
		}
		td, err := registrableDomain(target.Hostname())
		if err != nil {
			return false, err
		}
		return strings.EqualFold(od, td), nil
	default:
		return false, fmt.Errorf("crawler: unknown enqueue strategy %q", strategy)
	}
}

func registrableDomain(host string) (string, error) {
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// Hosts like "localhost" or bare IPs have no public suffix
		// entry; treat the whole host as its own registrable domain
		// rather than rejecting every local/test fixture URL.
		return host, nil
	}
	return d, nil
}

// matchesIncludeExclude applies include patterns (if any; a URL must
// match at least one) followed by exclude patterns (a URL matching
// any is rejected). Each pattern is tried as a glob (path.Match) and,
// when the glob does not match, as a regex; a pattern that does not
// compile as a regex is only used as a glob.
func matchesIncludeExclude(u string, include, exclude []string) bool {
	if len(include) > 0 && !anyPatternMatches(u, include) {
		return false
	}
	if anyPatternMatches(u, exclude) {
		return false
	}
	return true
}

func anyPatternMatches(u string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, u); ok {
			return true
		}
		if re, err := regexp.Compile(p); err == nil && re.MatchString(u) {
			return true
		}
	}
	return false
}

// resolveURL resolves ref against base, the way a browser resolves an
// anchor's href against the page it was found on.
func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("crawler: parse base url %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("crawler: parse link %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

// EnqueueLinks resolves links against the context's current request
// URL, filters them by strategy and include/exclude patterns, and
// buffers the survivors for enqueueing once the handler returns
// successfully. It returns the requests it buffered (for a handler
// that wants to log or inspect what it queued) or an error only if
// opts.Strategy is unrecognized.
func (c *Context) EnqueueLinks(links []string, opts EnqueueLinksOptions) ([]*request.Request, error) {
	origin := c.Request.URL
	var out []*request.Request
	for _, link := range links {
		abs, err := resolveURL(origin, link)
		if err != nil {
			continue
		}
		inScope, err := InScope(origin, abs, opts.Strategy)
		if err != nil {
			return nil, err
		}
		if !inScope {
			continue
		}
		if !matchesIncludeExclude(abs, opts.IncludePatterns, opts.ExcludePatterns) {
			continue
		}

		var extras map[string]any
		if opts.TransformRequest != nil {
			extras = opts.TransformRequest(abs)
		}
		req, err := request.New(abs, request.Options{
			Label:  opts.Label,
			Extras: extras,
			Depth:  c.Request.Crawlee.Depth + 1,
		})
		if err != nil {
			continue
		}
		out = append(out, req)
	}
	c.AddRequests(out, opts.Forefront)
	return out, nil
}
