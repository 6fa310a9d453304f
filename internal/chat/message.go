package chat

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type TokenInfo struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

type Message struct {
	ID       string     `json:"id"`
	Role     string     `json:"role"`
	Content  string     `json:"content"`
	ModelID  string     `json:"modelId,omitempty"`
	Provider string     `json:"provider,omitempty"`
	ImageURL string     `json:"imageUrl,omitempty"`
	AudioURL string     `json:"audioUrl,omitempty"`
	KeyTier  string     `json:"usedKeyType,omitempty"`
	Tokens   *TokenInfo `json:"tokens,omitempty"`
	// CostEstimate is display-grade only, derived at render time.
	CostEstimate float64   `json:"costEstimate,omitempty"`
	ErrorCode    int       `json:"errorCode,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	FileRef      string    `json:"file,omitempty"`
	Pending      bool      `json:"pending,omitempty"`
}

type Thread struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ProjectID string    `json:"projectId,omitempty"`
	PageType  string    `json:"pageType"`
	Messages  []Message `json:"messages"`
}

type Turn struct {
	Index   int       `json:"index"`
	User    Message   `json:"user"`
	Answers []Message `json:"answers"`
}
