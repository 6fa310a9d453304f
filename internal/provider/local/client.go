package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"polychat/internal/chat"
	"polychat/internal/provider"
)

type Config struct {
	Name            string
	BaseURL         string
	HTTPClient      *http.Client
	PerModelTimeout time.Duration
	ListTimeout     time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "local"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:11434"
	}
	if cfg.PerModelTimeout <= 0 {
		cfg.PerModelTimeout = 3 * time.Minute
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{cfg: cfg}
}

var _ provider.Adapter = (*Client)(nil)

// Send dispatches a single model. Unlike the remote chat families,
// failures here are hard: the caller receives a *Fault, with
// connection refusal and timeout mapped distinctly from upstream HTTP
// statuses.
func (c *Client) Send(ctx context.Context, req provider.Request) (provider.Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PerModelTimeout)
	defer cancel()

	payload := map[string]any{
		"model":    req.Model,
		"messages": toWire(req.Messages),
		"stream":   false,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return provider.Answer{}, provider.NewFault(c.cfg.Name, provider.MalformedUpstreamResponse, fmt.Errorf("marshal chat payload: %w", err))
	}

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return provider.Answer{}, provider.FaultFromError(c.cfg.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return provider.Answer{}, provider.FaultFromError(c.cfg.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return provider.Answer{}, provider.FaultFromError(c.cfg.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return provider.Answer{}, provider.FaultFromStatus(c.cfg.Name, resp.StatusCode, fmt.Errorf("local chat status %d", resp.StatusCode))
	}

	var parsed struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Response string `json:"response"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return provider.Answer{}, provider.NewFault(c.cfg.Name, provider.MalformedUpstreamResponse, err)
	}
	text := parsed.Message.Content
	if strings.TrimSpace(text) == "" {
		text = parsed.Response
	}
	if strings.TrimSpace(text) == "" {
		return provider.Answer{}, provider.NewFault(c.cfg.Name, provider.MalformedUpstreamResponse, fmt.Errorf("empty local model response"))
	}
	return provider.Answer{
		Text:        text,
		Raw:         respBody,
		Provider:    c.cfg.Name,
		UsedKeyType: req.KeyTier,
	}, nil
}

// SendMany fans a nested concurrent dispatch across all named models.
// Each model runs under its own timeout; a failed model fills its slot
// with a soft answer so the others are unaffected.
func (c *Client) SendMany(ctx context.Context, models []string, req provider.Request) []provider.Answer {
	answers := make([]provider.Answer, len(models))
	var wg sync.WaitGroup
	for i, model := range models {
		wg.Add(1)
		go func(i int, model string) {
			defer wg.Done()
			r := req
			r.Model = model
			ans, err := c.Send(ctx, r)
			if err != nil {
				ans = provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.AsFault(c.cfg.Name, err))
			}
			answers[i] = ans
		}(i, model)
	}
	wg.Wait()
	return answers
}

type ValidateResult struct {
	OK              bool     `json:"ok"`
	Exists          bool     `json:"exists"`
	AvailableModels []string `json:"availableModels,omitempty"`
}

// Validate checks whether slug names an installed model. When the
// server is reachable but the model is absent, the installed model
// names come back so the caller can correct the slug.
func (c *Client) Validate(ctx context.Context, slug string) (ValidateResult, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return ValidateResult{}, err
	}
	res := ValidateResult{OK: true, AvailableModels: models}
	for _, m := range models {
		if m == slug || strings.SplitN(m, ":", 2)[0] == slug {
			res.Exists = true
			break
		}
	}
	return res, nil
}

func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ListTimeout)
	defer cancel()

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/api/tags"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, provider.FaultFromError(c.cfg.Name, err)
	}
	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, provider.FaultFromError(c.cfg.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, provider.FaultFromError(c.cfg.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, provider.FaultFromStatus(c.cfg.Name, resp.StatusCode, fmt.Errorf("list models status %d", resp.StatusCode))
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, provider.NewFault(c.cfg.Name, provider.MalformedUpstreamResponse, err)
	}
	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func toWire(msgs []chat.Message) []map[string]string {
	wire := make([]map[string]string, 0, len(msgs))
	for _, m := range msgs {
		wire = append(wire, map[string]string{"role": m.Role, "content": m.Content})
	}
	return wire
}
