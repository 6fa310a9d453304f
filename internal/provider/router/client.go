package router

import (
	"bufio"
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

const doneSentinel = "[DONE]"

type Config struct {
	Name          string
	BaseURL       string
	HTTPClient    *http.Client
	Timeout       time.Duration
	VerifyTimeout time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "router"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg}
}

var _ provider.Adapter = (*Client)(nil)

func (c *Client) Send(ctx context.Context, req provider.Request) (provider.Answer, error) {
	body, err := c.buildPayload(req, false)
	if err != nil {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.AsFault(c.cfg.Name, err)), nil
	}

	resp, err := c.post(ctx, req.APIKey, body, "")
	if err != nil {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.FaultFromError(c.cfg.Name, err)), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.FaultFromError(c.cfg.Name, err)), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f := provider.FaultFromStatus(c.cfg.Name, resp.StatusCode, fmt.Errorf("router status %d", resp.StatusCode))
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, f), nil
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil || len(parsed.Choices) == 0 {
		if err == nil {
			err = fmt.Errorf("empty choices in router response")
		}
		f := provider.NewFault(c.cfg.Name, provider.MalformedUpstreamResponse, err)
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, f), nil
	}
	return provider.Answer{
		Text:        parsed.Choices[0].Message.Content,
		Raw:         respBody,
		Provider:    c.cfg.Name,
		UsedKeyType: req.KeyTier,
	}, nil
}

// Stream re-emits upstream data lines verbatim until the [DONE]
// sentinel. An upstream failure at any point emits exactly one error
// event through emit rather than closing silently.
func (c *Client) Stream(ctx context.Context, req provider.Request, emit func(data string) error) error {
	body, err := c.buildPayload(req, true)
	if err != nil {
		return c.emitError(emit, provider.AsFault(c.cfg.Name, err))
	}

	resp, err := c.post(ctx, req.APIKey, body, "text/event-stream")
	if err != nil {
		return c.emitError(emit, provider.FaultFromError(c.cfg.Name, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f := provider.FaultFromStatus(c.cfg.Name, resp.StatusCode, fmt.Errorf("router stream status %d", resp.StatusCode))
		return c.emitError(emit, f)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if err := emit(data); err != nil {
			return err
		}
		if data == doneSentinel {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return c.emitError(emit, provider.FaultFromError(c.cfg.Name, err))
	}
	// Upstream closed without the sentinel; finish the stream cleanly.
	return emit(doneSentinel)
}

func (c *Client) emitError(emit func(string) error, f *provider.Fault) error {
	payload, err := json.Marshal(map[string]any{
		"error": map[string]any{"message": f.Message(), "code": f.Code},
	})
	if err != nil {
		return f
	}
	if emitErr := emit(string(payload)); emitErr != nil {
		return emitErr
	}
	_ = emit(doneSentinel)
	return f
}

// Validate pings the key endpoint under a short verification timeout.
func (c *Client) Validate(ctx context.Context, apiKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.VerifyTimeout)
	defer cancel()

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/key"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, provider.FaultFromError(c.cfg.Name, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return false, provider.FaultFromError(c.cfg.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, nil
	default:
		return false, provider.FaultFromStatus(c.cfg.Name, resp.StatusCode, fmt.Errorf("key validate status %d", resp.StatusCode))
	}
}

func (c *Client) buildPayload(req provider.Request, stream bool) ([]byte, error) {
	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}
	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   stream,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal router payload: %w", err)
	}
	return b, nil
}

func (c *Client) post(ctx context.Context, apiKey string, body []byte, accept string) (*http.Response, error) {
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	if accept != "" {
		httpReq.Header.Set("Accept", accept)
	}
	return c.cfg.HTTPClient.Do(httpReq)
}
