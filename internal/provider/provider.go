package provider

import (
	"context"
	"encoding/json"

	"polychat/internal/chat"
	"polychat/internal/keys"
)

// Request is the canonical, adapter-local request shape. Messages are
// already sanitized; ImageDataURL carries an optional data: URL
// attachment and Voice selects a TTS voice where the backend supports
// one.
type Request struct {
	Messages     []chat.Message
	Model        string
	APIKey       string
	KeyTier      keys.Tier
	ImageDataURL string
	Voice        string
	MaxTokens    int
	Temperature  float64
}

// Answer is the canonical result shape shared by every adapter. A
// failed call is still an Answer: ErrorCode is set and Text carries
// the stable user-facing explanation, so the caller always has
// something to render.
type Answer struct {
	Text        string          `json:"text"`
	ImageURL    string          `json:"imageUrl,omitempty"`
	AudioURL    string          `json:"audioUrl,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	Provider    string          `json:"provider"`
	UsedKeyType keys.Tier       `json:"usedKeyType,omitempty"`
	Tokens      *chat.TokenInfo `json:"tokens,omitempty"`
	ErrorCode   int             `json:"errorCode,omitempty"`
}

// Failed reports whether this answer is a soft failure.
func (a Answer) Failed() bool { return a.ErrorCode != 0 }

// Adapter is implemented once per backend family. Send returns either
// a real Answer, a soft-failure Answer, or a *Fault error for the few
// paths the caller is expected to surface as a hard HTTP error. No
// other error type crosses the adapter boundary.
type Adapter interface {
	Send(ctx context.Context, req Request) (Answer, error)
}

// LastUserPrompt returns the content of the newest user message, which
// several backends treat as "the prompt".
func LastUserPrompt(msgs []chat.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == chat.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
