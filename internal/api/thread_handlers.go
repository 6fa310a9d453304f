package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"polychat/internal/chat"
	"polychat/internal/models"
	"polychat/internal/orchestrator"
	"polychat/internal/storage"
)

type createThreadRequest struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
	PageType  string `json:"pageType"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var body createThreadRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "userId is required", nil)
		return
	}
	th, err := s.cfg.Store.CreateThread(r.Context(), body.UserID, body.ProjectID, body.PageType)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("create thread failed")
		s.writeError(w, http.StatusInternalServerError, "could not create thread", nil)
		return
	}
	writeJSON(w, http.StatusCreated, th)
}

// handleGetThread returns the thread reshaped into turns. The selected
// query parameter drives placeholder synthesis on the latest turn;
// loadingIds reports which of those models are actually still in
// flight.
func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	var selected []string
	if raw := r.URL.Query().Get("selected"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				selected = append(selected, id)
			}
		}
	}

	th, err := s.cfg.Store.GetThread(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "thread not found", nil)
			return
		}
		s.cfg.Logger.Error().Err(err).Str("thread_id", threadID).Msg("get thread failed")
		s.writeError(w, http.StatusInternalServerError, "could not load thread", nil)
		return
	}

	loading := []string{}
	if s.cfg.Gate != nil && len(selected) > 0 {
		ids, err := s.cfg.Gate.Loading(r.Context(), threadID, selected)
		if err != nil {
			s.cfg.Logger.Warn().Err(err).Str("thread_id", threadID).Msg("loading lookup failed")
		} else if ids != nil {
			loading = ids
		}
	}

	turns := chat.Turns(th.Messages, selected)
	for ti := range turns {
		for ai := range turns[ti].Answers {
			a := &turns[ti].Answers[ai]
			if a.Tokens == nil {
				continue
			}
			if desc, ok := models.ByID(a.ModelID); ok {
				a.CostEstimate = models.EstimateCost(desc, a.Tokens.Total)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         th.ID,
		"userId":     th.UserID,
		"projectId":  th.ProjectID,
		"pageType":   th.PageType,
		"turns":      turns,
		"loadingIds": loading,
	})
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	if err := s.cfg.Store.DeleteThread(r.Context(), threadID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "thread not found", nil)
			return
		}
		s.cfg.Logger.Error().Err(err).Str("thread_id", threadID).Msg("delete thread failed")
		s.writeError(w, http.StatusInternalServerError, "could not delete thread", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitRequest struct {
	UserID       string            `json:"userId"`
	Content      string            `json:"content"`
	Models       []string          `json:"models"`
	UserKeys     map[string]string `json:"userKeys"`
	ImageDataURL string            `json:"imageDataUrl"`
	Voice        string            `json:"voice"`
	File         string            `json:"file"`
}

// handleSubmit appends the user turn and fans it out to every selected
// model. The response returns immediately; answers land in their slots
// as each backend settles.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	var body submitRequest
	if !decodeBody(w, r, &body) {
		return
	}
	switch {
	case body.UserID == "":
		s.writeError(w, http.StatusBadRequest, "userId is required", nil)
		return
	case strings.TrimSpace(body.Content) == "":
		s.writeError(w, http.StatusBadRequest, "content is required", nil)
		return
	case len(body.Models) == 0:
		s.writeError(w, http.StatusBadRequest, "at least one model is required", nil)
		return
	case len(body.Models) > models.MaxSelected:
		s.writeError(w, http.StatusBadRequest, "too many models selected", map[string]int{"max": models.MaxSelected})
		return
	}

	if s.cfg.Rate != nil {
		allowed, used, resetAt, err := s.cfg.Rate.Allow(r.Context(), body.UserID, time.Now())
		if err != nil {
			// Fail open: a limiter outage must not take submissions down.
			s.cfg.Logger.Warn().Err(err).Str("user_id", body.UserID).Msg("rate limiter unavailable")
		} else if !allowed {
			s.cfg.Metrics.RateLimited.Inc()
			s.writeError(w, http.StatusTooManyRequests, "hourly submission limit reached", map[string]any{
				"used":    used,
				"resetAt": resetAt,
			})
			return
		}
	}

	th, err := s.cfg.Store.GetThread(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "thread not found", nil)
			return
		}
		s.cfg.Logger.Error().Err(err).Str("thread_id", threadID).Msg("load thread failed")
		s.writeError(w, http.StatusInternalServerError, "could not load thread", nil)
		return
	}

	turnIndex, messageID, err := s.cfg.Store.AppendUserMessage(r.Context(), threadID, body.Content, body.File)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Str("thread_id", threadID).Msg("append user message failed")
		s.writeError(w, http.StatusInternalServerError, "could not append message", nil)
		return
	}

	history := append(th.Messages, chat.Message{Role: chat.RoleUser, Content: body.Content})
	receipt, err := s.cfg.Orch.Dispatch(r.Context(), orchestrator.Submission{
		ThreadID:     threadID,
		TurnIndex:    turnIndex,
		History:      history,
		ImageDataURL: body.ImageDataURL,
		Voice:        body.Voice,
		Selected:     body.Models,
		UserKeys:     body.UserKeys,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"threadId":   threadID,
		"turnIndex":  turnIndex,
		"messageId":  messageID,
		"dispatched": receipt.Dispatched,
		"rejected":   receipt.Rejected,
	})
}

func (s *Server) turnIndexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(chi.URLParam(r, "turnIndex"))
	if err != nil || idx < 0 {
		s.writeError(w, http.StatusBadRequest, "invalid turn index", nil)
		return 0, false
	}
	return idx, true
}

type editTurnRequest struct {
	Content string `json:"content"`
}

// handleEditTurn replaces the user message of a turn and clears its
// answers, since they no longer respond to the edited prompt.
func (s *Server) handleEditTurn(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	idx, ok := s.turnIndexParam(w, r)
	if !ok {
		return
	}
	var body editTurnRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		s.writeError(w, http.StatusBadRequest, "content is required", nil)
		return
	}
	if err := s.cfg.Store.EditUserMessage(r.Context(), threadID, idx, body.Content); err != nil {
		if errors.Is(err, storage.ErrNoUserMessage) {
			s.writeError(w, http.StatusNotFound, "turn not found", nil)
			return
		}
		s.cfg.Logger.Error().Err(err).Str("thread_id", threadID).Int("turn_index", idx).Msg("edit turn failed")
		s.writeError(w, http.StatusInternalServerError, "could not edit turn", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteTurn(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	idx, ok := s.turnIndexParam(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Store.DeleteTurn(r.Context(), threadID, idx); err != nil {
		s.cfg.Logger.Error().Err(err).Str("thread_id", threadID).Int("turn_index", idx).Msg("delete turn failed")
		s.writeError(w, http.StatusInternalServerError, "could not delete turn", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAnswer(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	idx, ok := s.turnIndexParam(w, r)
	if !ok {
		return
	}
	modelID := chi.URLParam(r, "modelID")
	if err := s.cfg.Store.DeleteAnswer(r.Context(), threadID, idx, modelID); err != nil {
		s.cfg.Logger.Error().Err(err).Str("thread_id", threadID).Int("turn_index", idx).Str("model", modelID).Msg("delete answer failed")
		s.writeError(w, http.StatusInternalServerError, "could not delete answer", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
