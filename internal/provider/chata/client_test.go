package chata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"polychat/internal/chat"
	"polychat/internal/keys"
	"polychat/internal/provider"
)

func TestBuildPayloadMessages(t *testing.T) {
	c := New(Config{BaseURL: "https://api.example.com/v1", MaxTokens: 512, Temperature: 0.4})
	body, err := c.buildPayload(provider.Request{
		Model: "gpt-test",
		Messages: []chat.Message{
			{Role: chat.RoleSystem, Content: "be brief"},
			{Role: chat.RoleUser, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["model"] != "gpt-test" {
		t.Fatalf("unexpected model %#v", payload["model"])
	}
	if payload["max_tokens"] != float64(512) || payload["temperature"] != 0.4 {
		t.Fatalf("family params not applied: %#v", payload)
	}
	msgs := payload["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestBuildPayloadInlinesImageOnLastUserTurn(t *testing.T) {
	c := New(Config{BaseURL: "https://api.example.com/v1"})
	body, err := c.buildPayload(provider.Request{
		Model: "gpt-test",
		Messages: []chat.Message{
			{Role: chat.RoleUser, Content: "first"},
			{Role: chat.RoleAssistant, Content: "ok"},
			{Role: chat.RoleUser, Content: "what is in this picture"},
		},
		ImageDataURL: "data:image/png;base64,AAAA",
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	var payload struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Messages[0].Content[0] != '"' {
		t.Fatalf("earlier user turn must stay plain text")
	}
	var parts []map[string]any
	if err := json.Unmarshal(payload.Messages[2].Content, &parts); err != nil {
		t.Fatalf("last user turn should be a content array: %v", err)
	}
	if len(parts) != 2 || parts[1]["type"] != "image_url" {
		t.Fatalf("image part missing: %#v", parts)
	}
}

func TestBuildPayloadNonImageAttachmentOmitted(t *testing.T) {
	c := New(Config{BaseURL: "https://api.example.com/v1"})
	body, err := c.buildPayload(provider.Request{
		Model:        "gpt-test",
		Messages:     []chat.Message{{Role: chat.RoleUser, Content: "read this"}},
		ImageDataURL: "data:application/pdf;base64,AAAA",
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	var payload struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Messages[0].Content != "read this"+attachmentOmittedNote {
		t.Fatalf("expected omission note, got %q", payload.Messages[0].Content)
	}
}

func TestSendParsesCompletionAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer k1" {
			t.Errorf("missing auth header, got %q", got)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi!"}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	ans, err := c.Send(context.Background(), provider.Request{
		Model:    "gpt-test",
		APIKey:   "k1",
		KeyTier:  keys.TierUser,
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ans.Text != "hi!" {
		t.Fatalf("unexpected text %q", ans.Text)
	}
	if ans.Tokens == nil || ans.Tokens.Total != 5 {
		t.Fatalf("usage not parsed: %+v", ans.Tokens)
	}
	if ans.UsedKeyType != keys.TierUser {
		t.Fatalf("key tier not recorded")
	}
}

func TestSendRateLimitedIsSoftAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	ans, err := c.Send(context.Background(), provider.Request{
		Model:    "gpt-test",
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("429 must be a soft answer, got error %v", err)
	}
	if ans.ErrorCode != http.StatusTooManyRequests {
		t.Fatalf("expected errorCode 429, got %d", ans.ErrorCode)
	}
	f := provider.NewFault("x", provider.RateLimited, nil)
	if ans.Text != f.Message() {
		t.Fatalf("429 text must nudge toward a personal key, got %q", ans.Text)
	}
}

func TestSendMalformedBodyIsSoftAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	ans, err := c.Send(context.Background(), provider.Request{
		Model:    "gpt-test",
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("malformed body must be a soft answer, got %v", err)
	}
	if ans.ErrorCode != http.StatusBadGateway {
		t.Fatalf("expected 502 soft answer, got %+v", ans)
	}
}
