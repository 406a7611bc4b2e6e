package bookmark

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSave(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/bookmark" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.Write([]byte(`{"saved":true,"title":"Example"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	raw, err := c.Save(context.Background(), "https://example.com/article")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gotBody, "https://example.com/article") {
		t.Errorf("body = %s", gotBody)
	}
	var out struct {
		Saved bool `json:"saved"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || !out.Saved {
		t.Errorf("response = %s, err = %v", raw, err)
	}
}

func TestRelayErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"extraction failed"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Save(context.Background(), "https://example.com")
	if err == nil || !strings.Contains(err.Error(), "extraction failed") {
		t.Errorf("err = %v", err)
	}
}

func TestRecentLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit = %q", got)
		}
		w.Write([]byte(`{"bookmarks":[]}`))
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).Recent(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
}

func TestRelayDown(t *testing.T) {
	c := NewClient("http://127.0.0.1:1") // nothing listening
	if _, err := c.Health(context.Background()); err == nil {
		t.Error("expected connection error")
	}
}
