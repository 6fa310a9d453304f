package chatb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
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
		cfg.Name = "chat-b"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.9
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

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimSuffix(c.cfg.BaseURL, "/"), url.PathEscape(req.Model), url.QueryEscape(req.APIKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.AsFault(c.cfg.Name, err)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
		f := provider.FaultFromStatus(c.cfg.Name, resp.StatusCode, fmt.Errorf("generate status %d", resp.StatusCode))
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, f), nil
	}

	text, err := parseGenerate(respBody)
	if err != nil {
		f := provider.NewFault(c.cfg.Name, provider.MalformedUpstreamResponse, err)
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, f), nil
	}
	return provider.Answer{
		Text:        text,
		Raw:         respBody,
		Provider:    c.cfg.Name,
		UsedKeyType: req.KeyTier,
	}, nil
}

// buildPayload translates the canonical message list into the contents
// envelope: assistant becomes model, system messages are hoisted into
// systemInstruction, and an image attachment rides on the last user
// turn as inlineData.
func (c *Client) buildPayload(req provider.Request) ([]byte, error) {
	lastUser := -1
	for i, m := range req.Messages {
		if m.Role == chat.RoleUser {
			lastUser = i
		}
	}

	var systemParts []map[string]any
	contents := make([]map[string]any, 0, len(req.Messages))
	for i, m := range req.Messages {
		if m.Role == chat.RoleSystem {
			systemParts = append(systemParts, map[string]any{"text": m.Content})
			continue
		}
		role := "user"
		if m.Role == chat.RoleAssistant {
			role = "model"
		}
		parts := []map[string]any{{"text": m.Content}}
		if i == lastUser && req.ImageDataURL != "" {
			mime, data, ok := splitDataURL(req.ImageDataURL)
			if ok && strings.HasPrefix(mime, "image/") {
				parts = append(parts, map[string]any{
					"inlineData": map[string]any{"mimeType": mime, "data": data},
				})
			} else {
				parts[0]["text"] = m.Content + attachmentOmittedNote
			}
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
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
		"contents": contents,
		"generationConfig": map[string]any{
			"maxOutputTokens": maxTokens,
			"temperature":     temperature,
		},
	}
	if len(systemParts) > 0 {
		payload["systemInstruction"] = map[string]any{"parts": systemParts}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate payload: %w", err)
	}
	return b, nil
}

func splitDataURL(dataURL string) (mime, data string, ok bool) {
	if !strings.HasPrefix(dataURL, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(dataURL, "data:")
	comma := strings.Index(rest, ",")
	if comma < 0 {
		return "", "", false
	}
	header := rest[:comma]
	mime = header
	if semi := strings.Index(header, ";"); semi >= 0 {
		mime = header[:semi]
	}
	return mime, rest[comma+1:], true
}

func parseGenerate(body []byte) (string, error) {
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("empty candidates in generate response")
	}
	parts := make([]string, 0, len(resp.Candidates[0].Content.Parts))
	for _, p := range resp.Candidates[0].Content.Parts {
		if strings.TrimSpace(p.Text) != "" {
			parts = append(parts, p.Text)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("missing text parts in generate response")
	}
	return strings.Join(parts, "\n"), nil
}
