package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"polychat/internal/chat"
	"polychat/internal/provider"
)

func userMsg(content string) []chat.Message {
	return []chat.Message{{Role: chat.RoleUser, Content: content}}
}

func TestSendSyncCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"routed"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	ans, err := c.Send(context.Background(), provider.Request{Model: "any/model", APIKey: "k", Messages: userMsg("hi")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ans.Text != "routed" {
		t.Fatalf("unexpected text %q", ans.Text)
	}
}

func TestStreamReEmitsUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"c\":1}\n\n"))
		_, _ = w.Write([]byte(": keepalive\n\n"))
		_, _ = w.Write([]byte("data: {\"c\":2}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		_, _ = w.Write([]byte("data: {\"c\":3}\n\n"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	var got []string
	err := c.Stream(context.Background(), provider.Request{Model: "m", Messages: userMsg("hi")}, func(data string) error {
		got = append(got, data)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	want := []string{`{"c":1}`, `{"c":2}`, doneSentinel}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStreamUpstreamFailureEmitsErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	var got []string
	err := c.Stream(context.Background(), provider.Request{Model: "m", Messages: userMsg("hi")}, func(data string) error {
		got = append(got, data)
		return nil
	})
	if err == nil {
		t.Fatalf("expected the fault to be returned")
	}
	if len(got) != 2 {
		t.Fatalf("expected one error event plus the sentinel, got %v", got)
	}
	if !strings.Contains(got[0], "error") {
		t.Fatalf("first event must carry the error, got %q", got[0])
	}
	if got[1] != doneSentinel {
		t.Fatalf("stream must terminate with the sentinel, got %q", got[1])
	}
}

func TestStreamDanglingUpstreamStillFinishes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {\"c\":1}\n\n"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	var got []string
	err := c.Stream(context.Background(), provider.Request{Model: "m", Messages: userMsg("hi")}, func(data string) error {
		got = append(got, data)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got[len(got)-1] != doneSentinel {
		t.Fatalf("missing synthesized sentinel: %v", got)
	}
}

func TestValidateKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/key" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") == "Bearer good" {
			_, _ = w.Write([]byte(`{"data":{"label":"ok"}}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	ok, err := c.Validate(context.Background(), "good")
	if err != nil || !ok {
		t.Fatalf("expected valid key, got ok=%v err=%v", ok, err)
	}
	ok, err = c.Validate(context.Background(), "bad")
	if err != nil {
		t.Fatalf("401 is a clean invalid result, not an error: %v", err)
	}
	if ok {
		t.Fatalf("bad key must not validate")
	}
}
