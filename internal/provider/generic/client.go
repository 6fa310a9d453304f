package generic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"polychat/internal/provider"
)

const (
	CategoryText  = "text"
	CategoryImage = "image"
	CategoryAudio = "audio"

	DefaultVoice = "alloy"

	audioPromptLimit = 800
	audioPromptKeep  = 750
	truncationNotice = "... [truncated]"
)

type Config struct {
	Name         string
	Category     string
	ImageBaseURL string
	TextBaseURL  string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "generic"
	}
	if cfg.Category == "" {
		cfg.Category = CategoryText
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg}
}

var _ provider.Adapter = (*Client)(nil)

func (c *Client) Send(ctx context.Context, req provider.Request) (provider.Answer, error) {
	switch c.cfg.Category {
	case CategoryImage:
		return c.sendImage(req), nil
	case CategoryAudio:
		return c.sendAudio(ctx, req), nil
	default:
		return c.sendText(ctx, req), nil
	}
}

// sendImage never touches the network: the backend renders on GET of
// the synthesized URL, so the answer is just that URL.
func (c *Client) sendImage(req provider.Request) provider.Answer {
	prompt := provider.LastUserPrompt(req.Messages)
	q := url.Values{}
	q.Set("width", "1024")
	q.Set("height", "1024")
	q.Set("model", req.Model)
	q.Set("nologo", "true")
	q.Set("enhance", "true")
	if req.APIKey != "" {
		q.Set("key", req.APIKey)
	}
	imageURL := strings.TrimSuffix(c.cfg.ImageBaseURL, "/") + "/prompt/" + url.PathEscape(prompt) + "?" + q.Encode()
	return provider.Answer{
		ImageURL:    imageURL,
		Provider:    c.cfg.Name,
		UsedKeyType: req.KeyTier,
	}
}

func (c *Client) sendAudio(ctx context.Context, req provider.Request) provider.Answer {
	prompt := provider.LastUserPrompt(req.Messages)
	spoken := leadInFor(prompt) + truncateAudioPrompt(prompt)

	voice := req.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	q := url.Values{}
	q.Set("model", req.Model)
	q.Set("voice", voice)
	endpoint := strings.TrimSuffix(c.cfg.TextBaseURL, "/") + "/" + url.PathEscape(spoken) + "?" + q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.FaultFromError(c.cfg.Name, err))
	}
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.FaultFromError(c.cfg.Name, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.FaultFromError(c.cfg.Name, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.FaultFromStatus(c.cfg.Name, resp.StatusCode, fmt.Errorf("audio status %d", resp.StatusCode)))
	}

	audioURL, err := decodeAudioBody(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.NewFault(c.cfg.Name, provider.MalformedUpstreamResponse, err))
	}
	return provider.Answer{
		Text:        spoken,
		AudioURL:    audioURL,
		Provider:    c.cfg.Name,
		UsedKeyType: req.KeyTier,
	}
}

func (c *Client) sendText(ctx context.Context, req provider.Request) provider.Answer {
	prompt := provider.LastUserPrompt(req.Messages)
	q := url.Values{}
	q.Set("model", req.Model)
	endpoint := strings.TrimSuffix(c.cfg.TextBaseURL, "/") + "/" + url.PathEscape(prompt) + "?" + q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.FaultFromError(c.cfg.Name, err))
	}
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.FaultFromError(c.cfg.Name, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.FaultFromError(c.cfg.Name, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.FaultFromStatus(c.cfg.Name, resp.StatusCode, fmt.Errorf("text status %d", resp.StatusCode)))
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		return provider.SoftAnswer(c.cfg.Name, req.KeyTier, provider.NewFault(c.cfg.Name, provider.MalformedUpstreamResponse, fmt.Errorf("empty text response")))
	}
	return provider.Answer{
		Text:        text,
		Raw:         json.RawMessage(mustJSONString(text)),
		Provider:    c.cfg.Name,
		UsedKeyType: req.KeyTier,
	}
}

func truncateAudioPrompt(prompt string) string {
	if len(prompt) <= audioPromptLimit {
		return prompt
	}
	return prompt[:audioPromptKeep] + truncationNotice
}

// decodeAudioBody handles the three shapes the backend is known to
// return: raw binary audio, a JSON object carrying a URL, or a plain
// text body that is itself a URL.
func decodeAudioBody(contentType string, body []byte) (string, error) {
	if strings.HasPrefix(contentType, "audio/") {
		mime := contentType
		if idx := strings.Index(mime, ";"); idx > 0 {
			mime = mime[:idx]
		}
		return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(body), nil
	}

	var parsed struct {
		URL      string `json:"url"`
		AudioURL string `json:"audioUrl"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.AudioURL != "" {
			return parsed.AudioURL, nil
		}
		if parsed.URL != "" {
			return parsed.URL, nil
		}
	}

	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "http://") || strings.HasPrefix(text, "https://") || strings.HasPrefix(text, "data:audio/") {
		return text, nil
	}
	return "", fmt.Errorf("audio response carries neither audio bytes nor a url")
}

func mustJSONString(s string) []byte {
	b, err := json.Marshal(s)
	if err != nil {
		return []byte(`""`)
	}
	return b
}
