package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewBareTopicExpandsURL(t *testing.T) {
	c := New("my-secret-topic", "")
	if c.url != "https://ntfy.sh/my-secret-topic" {
		t.Fatalf("got %q", c.url)
	}
}

func TestNewFullURLKeptVerbatim(t *testing.T) {
	c := New("https://ntfy.example.com/mytopic", "tok123")
	if c.url != "https://ntfy.example.com/mytopic" {
		t.Fatalf("got %q", c.url)
	}
	if c.token != "tok123" {
		t.Fatalf("got token %q", c.token)
	}
}

func TestNotifySendsAuthHeaderAndBody(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok123")
	if err := c.Notify(context.Background(), "orchestrator restarted"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if gotAuth != "Bearer tok123" {
		t.Fatalf("expected bearer token header, got %q", gotAuth)
	}
	if gotBody != "orchestrator restarted" {
		t.Fatalf("expected message body, got %q", gotBody)
	}
}

func TestNotifyPropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if err := c.Notify(context.Background(), "hi"); err == nil {
		t.Fatal("expected error on 500 response")
	}
}
