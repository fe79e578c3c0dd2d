package main

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
)

func TestSendRequestReturnsStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := newHTTPClient()
	resp, err := c.SendRequest(context.Background(), http.MethodGet, srv.URL, nil, nil, nil)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != "hello" {
		t.Errorf("Body = %q, want %q", resp.Body, "hello")
	}
	if resp.Headers["X-Test"] != "yes" {
		t.Errorf("Headers[X-Test] = %q, want yes", resp.Headers["X-Test"])
	}
}

func TestSendRequestCarriesCookiesAcrossCallsUnderSameJar(t *testing.T) {
	var sawCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err == nil {
			sawCookie = c.Value
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc123"})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New: %v", err)
	}
	c := newHTTPClient()

	if _, err := c.SendRequest(context.Background(), http.MethodGet, srv.URL, nil, nil, jar); err != nil {
		t.Fatalf("SendRequest (1st): %v", err)
	}
	if sawCookie != "" {
		t.Fatalf("first request already carried a cookie: %q", sawCookie)
	}

	if _, err := c.SendRequest(context.Background(), http.MethodGet, srv.URL, nil, nil, jar); err != nil {
		t.Fatalf("SendRequest (2nd): %v", err)
	}
	if sawCookie != "abc123" {
		t.Errorf("second request cookie = %q, want %q (jar not reused across calls)", sawCookie, "abc123")
	}
}

func TestSendRequestWithoutJarDoesNotPersistCookies(t *testing.T) {
	var sawCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err == nil {
			sawCookie = c.Value
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc123"})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newHTTPClient()
	if _, err := c.SendRequest(context.Background(), http.MethodGet, srv.URL, nil, nil, nil); err != nil {
		t.Fatalf("SendRequest (1st): %v", err)
	}
	if _, err := c.SendRequest(context.Background(), http.MethodGet, srv.URL, nil, nil, nil); err != nil {
		t.Fatalf("SendRequest (2nd): %v", err)
	}
	if sawCookie != "" {
		t.Errorf("jarless request carried a cookie %q, want none", sawCookie)
	}
}

func TestSendRequestRecordsRateLimitErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newHTTPClient()
	if _, err := c.SendRequest(context.Background(), http.MethodGet, srv.URL, nil, nil, nil); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if _, err := c.SendRequest(context.Background(), http.MethodGet, srv.URL, nil, nil, nil); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	errs := c.GetRateLimitErrors()
	if errs[0] != 2 {
		t.Errorf("GetRateLimitErrors()[0] = %d, want 2", errs[0])
	}
}
