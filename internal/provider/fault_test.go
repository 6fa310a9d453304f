package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"polychat/internal/keys"
)

func TestFaultFromStatusMapping(t *testing.T) {
	cases := []struct {
		status   int
		wantKind FaultKind
		wantCode int
	}{
		{401, AuthFailure, 401},
		{403, AuthFailure, 403},
		{429, RateLimited, 429},
		{503, ServiceUnavailable, 503},
		{500, UpstreamServerError, 500},
		{502, UpstreamServerError, 502},
	}
	for _, tc := range cases {
		f := FaultFromStatus("test", tc.status, nil)
		if f.Kind != tc.wantKind || f.Code != tc.wantCode {
			t.Fatalf("status %d -> (%s, %d), want (%s, %d)", tc.status, f.Kind, f.Code, tc.wantKind, tc.wantCode)
		}
	}
}

func TestFaultMessagesAreStableAndDistinct(t *testing.T) {
	kinds := []FaultKind{
		MissingCredential, AuthFailure, RateLimited, ServiceUnavailable,
		UpstreamServerError, Timeout, MalformedUpstreamResponse, ConnectionRefused,
	}
	seen := map[string]FaultKind{}
	for _, k := range kinds {
		f := NewFault("test", k, nil)
		msg := f.Message()
		if msg == "" {
			t.Fatalf("kind %s has no message", k)
		}
		if prev, dup := seen[msg]; dup {
			t.Fatalf("kinds %s and %s share the message %q", prev, k, msg)
		}
		seen[msg] = k
	}
	if got := NewFault("test", RateLimited, nil).Message(); got != "The shared key hit its rate limit. Add your personal API key to keep going without the wait." {
		t.Fatalf("rate limit message drifted: %q", got)
	}
	if got := NewFault("test", ConnectionRefused, nil).Message(); got != "Could not reach the local model server. Is it running?" {
		t.Fatalf("connection refused message drifted: %q", got)
	}
}

func TestFaultFromErrorClassifiesTransport(t *testing.T) {
	if f := FaultFromError("test", context.DeadlineExceeded); f.Kind != Timeout {
		t.Fatalf("deadline exceeded should classify as timeout, got %s", f.Kind)
	}
	refused := fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)
	if f := FaultFromError("test", refused); f.Kind != ConnectionRefused {
		t.Fatalf("ECONNREFUSED should classify as connection refused, got %s", f.Kind)
	}
	if f := FaultFromError("test", errors.New("boom")); f.Kind != UpstreamServerError {
		t.Fatalf("unknown errors should classify as upstream server error, got %s", f.Kind)
	}
}

func TestAsFaultWrapsMissingCredential(t *testing.T) {
	err := fmt.Errorf("backend x: %w", keys.ErrNoCredential)
	f := AsFault("test", err)
	if f.Kind != MissingCredential {
		t.Fatalf("expected missing credential, got %s", f.Kind)
	}
	if f.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 code, got %d", f.Code)
	}
}

func TestSoftAnswerCarriesFaultMetadata(t *testing.T) {
	f := FaultFromStatus("chat-a", 429, nil)
	a := SoftAnswer("chat-a", keys.TierPrimary, f)
	if !a.Failed() {
		t.Fatalf("soft answer should report failed")
	}
	if a.ErrorCode != 429 || a.Provider != "chat-a" || a.UsedKeyType != keys.TierPrimary {
		t.Fatalf("unexpected soft answer %+v", a)
	}
	if a.Text != f.Message() {
		t.Fatalf("soft answer text must be the stable message, got %q", a.Text)
	}
}
