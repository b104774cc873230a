package qstash

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harborfield/agentengine/pkg/engineerr"
)

func testConfig(url string) Config {
	return Config{
		URL:               url,
		Token:             "tok",
		CurrentSigningKey: "cur",
		NextSigningKey:    "next",
	}
}

func TestPublishSendsBearerAuthAndReturnsMessageID(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Write([]byte(`{"messageId":"msg-1"}`))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	id, err := c.Publish(context.Background(), "https://example.com/callback", []byte(`{"x":1}`), 0)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != "msg-1" {
		t.Fatalf("id = %q", id)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if !strings.Contains(gotPath, "/v2/publish/") {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestPublishSurfacesThrottledOn429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := NewClient(testConfig(srv.URL))
	_, err := c.Publish(context.Background(), "https://example.com/callback", nil, 0)
	if engineerr.KindOf(err) != engineerr.Throttled {
		t.Fatalf("expected Throttled, got %v", err)
	}
}

func TestPublishRejectsInvalidDestination(t *testing.T) {
	c, _ := NewClient(testConfig("https://qstash.example.com"))
	_, err := c.Publish(context.Background(), "not a url", nil, time.Second)
	if engineerr.KindOf(err) != engineerr.BadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}
