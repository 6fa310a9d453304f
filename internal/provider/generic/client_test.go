package generic

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"polychat/internal/chat"
	"polychat/internal/keys"
	"polychat/internal/provider"
)

func userMsg(content string) []chat.Message {
	return []chat.Message{{Role: chat.RoleUser, Content: content}}
}

func TestSendImageSynthesizesURL(t *testing.T) {
	c := New(Config{Category: CategoryImage, ImageBaseURL: "https://img.example.com"})
	ans, err := c.Send(context.Background(), provider.Request{
		Messages: userMsg("a red fox"),
		Model:    "flux",
		APIKey:   "k1",
		KeyTier:  keys.TierPrimary,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ans.Failed() {
		t.Fatalf("unexpected failure %+v", ans)
	}
	u, err := url.Parse(ans.ImageURL)
	if err != nil {
		t.Fatalf("parse image url: %v", err)
	}
	if !strings.HasPrefix(u.Path, "/prompt/") {
		t.Fatalf("unexpected path %q", u.Path)
	}
	q := u.Query()
	if q.Get("nologo") != "true" || q.Get("enhance") != "true" {
		t.Fatalf("missing rendering params in %q", ans.ImageURL)
	}
	if q.Get("model") != "flux" || q.Get("key") != "k1" {
		t.Fatalf("missing model/key params in %q", ans.ImageURL)
	}
	if ans.UsedKeyType != keys.TierPrimary {
		t.Fatalf("key tier not recorded: %+v", ans)
	}
}

func TestLeadInTableOrder(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"what is the weather?", "Here's what you asked: "},
		{"Is this thing on", "Here's what you asked: "},
		{"hello there", "You said: "},
		{"please write a poem", "Your request was: "},
		{"write a story about dragons", "Your request was: "},
		{strings.Repeat("z", 60), "Here's your text: "},
		{"banana", "Repeating: "},
	}
	for _, tc := range cases {
		if got := leadInFor(tc.in); got != tc.want {
			t.Fatalf("leadInFor(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAudioPromptTruncation(t *testing.T) {
	long := strings.Repeat("a", 900)
	got := truncateAudioPrompt(long)
	if len(got) != audioPromptKeep+len(truncationNotice) {
		t.Fatalf("unexpected truncated length %d", len(got))
	}
	if !strings.HasSuffix(got, truncationNotice) {
		t.Fatalf("missing truncation notice: %q", got[len(got)-30:])
	}
	short := strings.Repeat("a", 800)
	if truncateAudioPrompt(short) != short {
		t.Fatalf("prompt at the limit should not be truncated")
	}
}

func TestSendAudioBinaryBody(t *testing.T) {
	payload := []byte{0x49, 0x44, 0x33, 0x04}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("voice"); got != "alloy" {
			t.Errorf("expected default voice alloy, got %q", got)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	c := New(Config{Category: CategoryAudio, TextBaseURL: srv.URL})
	ans, err := c.Send(context.Background(), provider.Request{Messages: userMsg("banana"), Model: "openai-audio"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	want := "data:audio/mpeg;base64," + base64.StdEncoding.EncodeToString(payload)
	if ans.AudioURL != want {
		t.Fatalf("audio url = %q, want %q", ans.AudioURL, want)
	}
	if !strings.HasPrefix(ans.Text, "Repeating: ") {
		t.Fatalf("expected lead-in on spoken text, got %q", ans.Text)
	}
}

func TestSendAudioJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"https://cdn.example.com/a.mp3"}`))
	}))
	defer srv.Close()

	c := New(Config{Category: CategoryAudio, TextBaseURL: srv.URL})
	ans, err := c.Send(context.Background(), provider.Request{Messages: userMsg("hello there")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ans.AudioURL != "https://cdn.example.com/a.mp3" {
		t.Fatalf("unexpected audio url %q", ans.AudioURL)
	}
}

func TestSendTextPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fourteen"))
	}))
	defer srv.Close()

	c := New(Config{Category: CategoryText, TextBaseURL: srv.URL})
	ans, err := c.Send(context.Background(), provider.Request{Messages: userMsg("7+7?"), Model: "openai"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ans.Text != "fourteen" {
		t.Fatalf("unexpected text %q", ans.Text)
	}
}

func TestSendTextUpstreamFailureIsSoft(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{Category: CategoryText, TextBaseURL: srv.URL})
	ans, err := c.Send(context.Background(), provider.Request{Messages: userMsg("hi there friend")})
	if err != nil {
		t.Fatalf("adapter must not surface hard errors, got %v", err)
	}
	if ans.ErrorCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 soft answer, got %+v", ans)
	}
	if ans.Text == "" {
		t.Fatalf("soft answer must carry a renderable message")
	}
}
