package crawler

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"testing"

	"github.com/dmitriimaksimovdevelop/crawlcore/internal/session"
)

type jarCapturingClient struct {
	gotJar http.CookieJar
}

func (c *jarCapturingClient) SendRequest(ctx context.Context, method, url string, headers map[string]string, payload []byte, jar http.CookieJar) (*HTTPResponse, error) {
	c.gotJar = jar
	return &HTTPResponse{StatusCode: 200}, nil
}

func TestContextSendRequestPassesSessionJar(t *testing.T) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New: %v", err)
	}
	sess := &session.Session{ID: "s1", Jar: jar}
	client := &jarCapturingClient{}
	c := &Context{ctx: context.Background(), Session: sess, client: client, result: newRunResult()}

	if _, err := c.SendRequest(http.MethodGet, "https://example.com", nil, nil); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if client.gotJar != jar {
		t.Error("SendRequest did not pass the session's cookie jar through to the HTTP client")
	}
}

func TestContextSendRequestWithoutSessionPassesNilJar(t *testing.T) {
	client := &jarCapturingClient{}
	c := &Context{ctx: context.Background(), client: client, result: newRunResult()}

	if _, err := c.SendRequest(http.MethodGet, "https://example.com", nil, nil); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if client.gotJar != nil {
		t.Error("SendRequest passed a non-nil jar with no session set")
	}
}
