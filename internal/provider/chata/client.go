package chata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"polychat/internal/chat"
	"polychat/internal/provider"
)

const attachmentOmittedNote = " (attachment omitted)"

type Config struct {
	Name        string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	HTTPClient  *http.Client
	Timeout     time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "chat-a"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg}
}

var _ provider.Adapter = (*Client)(nil)

func (c *Client) Send(ctx context.Context, req provider.Request) (provider.Answer, error) {
	body, err := c.buildPayload(req)
	if err != nil {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.AsFault(c.cfg.Name, err)), nil
	}

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.AsFault(c.cfg.Name, err)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.FaultFromError(c.cfg.Name, err)), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.FaultFromError(c.cfg.Name, err)), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f := provider.FaultFromStatus(c.cfg.Name, resp.StatusCode, fmt.Errorf("chat status %d", resp.StatusCode))
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, f), nil
	}

	text, usage, err := parseCompletion(respBody)
	if err != nil {
		f := provider.NewFault(c.cfg.Name, provider.MalformedUpstreamResponse, err)
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, f), nil
	}

	ans := provider.Answer{
		Text:        text,
		Raw:         respBody,
		Provider:    c.cfg.Name,
		UsedKeyType: req.KeyTier,
	}
	if usage != nil {
		ans.Tokens = usage
	}
	return ans, nil
}

func (c *Client) buildPayload(req provider.Request) ([]byte, error) {
	messages := make([]map[string]any, 0, len(req.Messages))
	lastUser := -1
	for i, m := range req.Messages {
		if m.Role == chat.RoleUser {
			lastUser = i
		}
	}

	for i, m := range req.Messages {
		if i == lastUser && req.ImageDataURL != "" {
			messages = append(messages, map[string]any{"role": m.Role, "content": attachImage(m.Content, req.ImageDataURL)})
			continue
		}
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.cfg.Temperature
	}

	payload := map[string]any{
		"model":       req.Model,
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat payload: %w", err)
	}
	return b, nil
}

// attachImage inlines an image data URL on the last user turn as a
// mixed content array, or appends a textual note when the attachment
// is not an image type.
func attachImage(text, dataURL string) any {
	if !isImageDataURL(dataURL) {
		return text + attachmentOmittedNote
	}
	return []map[string]any{
		{"type": "text", "text": text},
		{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
	}
}

func isImageDataURL(dataURL string) bool {
	if !strings.HasPrefix(dataURL, "data:") {
		return false
	}
	rest := strings.TrimPrefix(dataURL, "data:")
	idx := strings.IndexAny(rest, ";,")
	if idx < 0 {
		return false
	}
	return strings.HasPrefix(rest[:idx], "image/")
}

func parseCompletion(body []byte) (string, *chat.TokenInfo, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", nil, fmt.Errorf("decode chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", nil, fmt.Errorf("empty choices in chat completion")
	}

	var usage *chat.TokenInfo
	if resp.Usage.TotalTokens > 0 {
		usage = &chat.TokenInfo{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		}
	}
	return resp.Choices[0].Message.Content, usage, nil
}
