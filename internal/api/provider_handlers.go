package api

import (
	"fmt"
	"net/http"

	"polychat/internal/chat"
	"polychat/internal/keys"
	"polychat/internal/models"
	"polychat/internal/provider"
	"polychat/internal/provider/local"
	"polychat/internal/provider/registry"
	"polychat/internal/provider/router"
)

type providerCallRequest struct {
	Messages     []any    `json:"messages"`
	Model        string   `json:"model"`
	Models       []string `json:"models"`
	APIKey       string   `json:"apiKey"`
	ImageDataURL string   `json:"imageDataUrl"`
	Voice        string   `json:"voice"`
	BaseURL      string   `json:"baseUrl"`
}

// handleProviderCall serves one backend family. The family is fixed by
// the route; the model picks the category and timeout within it.
func (s *Server) handleProviderCall(family string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body providerCallRequest
		if !decodeBody(w, r, &body) {
			return
		}
		if body.Model == "" {
			s.writeError(w, http.StatusBadRequest, "model is required", nil)
			return
		}

		key, tier, err := s.cfg.Resolver.Resolve(family, body.APIKey)
		if err != nil {
			s.writeFault(w, family, "", err)
			return
		}

		category := models.CategoryText
		if desc, ok := models.ByID(body.Model); ok {
			category = desc.Category
		}
		timeout := s.cfg.GenerationTimeout
		if models.Reasoning(body.Model) {
			timeout = s.cfg.ReasoningTimeout
		}

		adapter, err := registry.Build(registry.BuildOptions{
			Provider:   family,
			Category:   category,
			Endpoints:  s.cfg.Endpoints,
			Timeout:    timeout,
			HTTPClient: s.cfg.HTTPClient,
		})
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error(), nil)
			return
		}

		req := provider.Request{
			Messages:     chat.Sanitize(body.Messages, models.HistoryWindow(family)),
			Model:        body.Model,
			APIKey:       key,
			KeyTier:      tier,
			ImageDataURL: body.ImageDataURL,
			Voice:        body.Voice,
		}
		ans, err := adapter.Send(r.Context(), req)
		if err != nil {
			s.writeFault(w, family, tier, err)
			return
		}
		writeJSON(w, http.StatusOK, ans)
	}
}

func (s *Server) localClient(baseURL string) *local.Client {
	if baseURL == "" {
		baseURL = s.cfg.Endpoints.LocalBaseURL
	}
	return local.New(local.Config{
		Name:       models.ProviderLocal,
		BaseURL:    baseURL,
		HTTPClient: s.cfg.HTTPClient,
	})
}

// handleLocal accepts either a single model or a models[] list; the
// list fans out a nested concurrent dispatch and returns an array.
func (s *Server) handleLocal(w http.ResponseWriter, r *http.Request) {
	var body providerCallRequest
	if !decodeBody(w, r, &body) {
		return
	}
	selected := body.Models
	if len(selected) == 0 && body.Model != "" {
		selected = []string{body.Model}
	}
	if len(selected) == 0 {
		s.writeError(w, http.StatusBadRequest, "model or models[] is required", nil)
		return
	}

	cli := s.localClient(body.BaseURL)
	req := provider.Request{
		Messages:     chat.Sanitize(body.Messages, models.HistoryWindow(models.ProviderLocal)),
		ImageDataURL: body.ImageDataURL,
	}

	if len(selected) == 1 {
		req.Model = selected[0]
		ans, err := cli.Send(r.Context(), req)
		if err != nil {
			s.writeFault(w, models.ProviderLocal, "", err)
			return
		}
		writeJSON(w, http.StatusOK, ans)
		return
	}

	answers := cli.SendMany(r.Context(), selected, req)
	writeJSON(w, http.StatusOK, map[string]any{"answers": answers})
}

type localValidateRequest struct {
	Slug    string `json:"slug"`
	BaseURL string `json:"baseUrl"`
}

func (s *Server) handleLocalValidate(w http.ResponseWriter, r *http.Request) {
	var body localValidateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Slug == "" {
		s.writeError(w, http.StatusBadRequest, "slug is required", nil)
		return
	}
	res, err := s.localClient(body.BaseURL).Validate(r.Context(), body.Slug)
	if err != nil {
		s.writeFault(w, models.ProviderLocal, "", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) routerClient() *router.Client {
	return router.New(router.Config{
		Name:       models.ProviderRouter,
		BaseURL:    s.cfg.Endpoints.RouterBaseURL,
		HTTPClient: s.cfg.HTTPClient,
		Timeout:    s.cfg.GenerationTimeout,
	})
}

type routerValidateRequest struct {
	APIKey string `json:"apiKey"`
	Model  string `json:"model"`
}

func (s *Server) handleRouterValidate(w http.ResponseWriter, r *http.Request) {
	var body routerValidateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.APIKey == "" {
		s.writeError(w, http.StatusBadRequest, "apiKey is required", nil)
		return
	}
	ok, err := s.routerClient().Validate(r.Context(), body.APIKey)
	if err != nil {
		s.writeFault(w, models.ProviderRouter, keys.TierUser, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

// handleRouterStream re-emits the upstream SSE stream. Failures after
// the stream has started arrive as a single in-band error event, so the
// HTTP status is always 200 once headers are out.
func (s *Server) handleRouterStream(w http.ResponseWriter, r *http.Request) {
	var body providerCallRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Model == "" {
		s.writeError(w, http.StatusBadRequest, "model is required", nil)
		return
	}
	key, tier, err := s.cfg.Resolver.Resolve(models.ProviderRouter, body.APIKey)
	if err != nil {
		s.writeFault(w, models.ProviderRouter, "", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	req := provider.Request{
		Messages: chat.Sanitize(body.Messages, models.HistoryWindow(models.ProviderRouter)),
		Model:    body.Model,
		APIKey:   key,
		KeyTier:  tier,
	}
	err = s.routerClient().Stream(r.Context(), req, func(data string) error {
		if _, werr := fmt.Fprintf(w, "data: %s\n\n", data); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Str("model", body.Model).Msg("router stream ended with error")
	}
}
