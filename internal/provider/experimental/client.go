package experimental

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"polychat/internal/provider"
)

type Config struct {
	Name       string
	Endpoint   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client speaks the chat-completion shape against a configurable
// inference endpoint that may not be up at all. Unreachability is a
// regular surfaced fault, never a crash.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "experimental"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg}
}

var _ provider.Adapter = (*Client)(nil)

func (c *Client) Send(ctx context.Context, req provider.Request) (provider.Answer, error) {
	if strings.TrimSpace(c.cfg.Endpoint) == "" {
		f := provider.NewFault(c.cfg.Name, provider.ServiceUnavailable, fmt.Errorf("no inference endpoint configured"))
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, f), nil
	}

	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}
	body, err := json.Marshal(map[string]any{
		"model":    req.Model,
		"messages": messages,
	})
	if err != nil {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.AsFault(c.cfg.Name, err)), nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.AsFault(c.cfg.Name, err)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

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
		f := provider.FaultFromStatus(c.cfg.Name, resp.StatusCode, fmt.Errorf("experimental status %d", resp.StatusCode))
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, f), nil
	}

	text, err := extractText(respBody)
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

// extractText tolerates the envelope drifting between deployments of
// the experimental endpoint: flat text fields, chat-completion
// choices, or a plain text body.
func extractText(body []byte) (string, error) {
	var simple map[string]any
	if err := json.Unmarshal(body, &simple); err != nil {
		trimmed := strings.TrimSpace(string(body))
		if trimmed != "" {
			return trimmed, nil
		}
		return "", fmt.Errorf("decode experimental response: %w", err)
	}

	for _, key := range []string{"text", "response", "answer", "output_text"} {
		if v, ok := simple[key].(string); ok && strings.TrimSpace(v) != "" {
			return v, nil
		}
	}

	if choices, ok := simple["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			if msg, ok := c0["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok && strings.TrimSpace(content) != "" {
					return content, nil
				}
			}
			if text, ok := c0["text"].(string); ok && strings.TrimSpace(text) != "" {
				return text, nil
			}
		}
	}

	return "", fmt.Errorf("experimental response does not contain text")
}
