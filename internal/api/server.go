package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"polychat/internal/keys"
	"polychat/internal/limits"
	"polychat/internal/metrics"
	"polychat/internal/models"
	"polychat/internal/orchestrator"
	"polychat/internal/provider"
	"polychat/internal/provider/registry"
	"polychat/internal/storage"
)

const maxBodyBytes = 4 << 20

type Config struct {
	Store             *storage.Store
	Orch              *orchestrator.Orchestrator
	Resolver          *keys.Resolver
	Gate              *limits.InflightGate
	Rate              *limits.RateLimiter
	Endpoints         registry.Endpoints
	HTTPClient        *http.Client
	Logger            zerolog.Logger
	Metrics           *metrics.Metrics
	GenerationTimeout time.Duration
	ReasoningTimeout  time.Duration
}

type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 60 * time.Second
	}
	if cfg.ReasoningTimeout <= 0 {
		cfg.ReasoningTimeout = 180 * time.Second
	}
	return &Server{cfg: cfg}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/models", s.handleListModels)

	r.Route("/provider", func(pr chi.Router) {
		pr.Post("/generic", s.handleProviderCall(models.ProviderGeneric))
		pr.Post("/chat-a", s.handleProviderCall(models.ProviderChatA))
		pr.Post("/chat-a-pro", s.handleProviderCall(models.ProviderChatAPro))
		pr.Post("/chat-b", s.handleProviderCall(models.ProviderChatB))
		pr.Post("/local", s.handleLocal)
		pr.Post("/local/validate", s.handleLocalValidate)
		pr.Post("/router", s.handleProviderCall(models.ProviderRouter))
		pr.Post("/router/stream", s.handleRouterStream)
		pr.Post("/router/validate", s.handleRouterValidate)
		pr.Post("/experimental", s.handleProviderCall(models.ProviderExperimental))
	})

	r.Route("/threads", func(tr chi.Router) {
		tr.Post("/", s.handleCreateThread)
		tr.Route("/{threadID}", func(t chi.Router) {
			t.Get("/", s.handleGetThread)
			t.Delete("/", s.handleDeleteThread)
			t.Post("/messages", s.handleSubmit)
			t.Put("/turns/{turnIndex}", s.handleEditTurn)
			t.Delete("/turns/{turnIndex}", s.handleDeleteTurn)
			t.Delete("/turns/{turnIndex}/answers/{modelID}", s.handleDeleteAnswer)
		})
	})

	return r
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": models.All()})
}

type errorResponse struct {
	Error       string    `json:"error"`
	Details     any       `json:"details,omitempty"`
	Code        int       `json:"code"`
	Provider    string    `json:"provider,omitempty"`
	UsedKeyType keys.Tier `json:"usedKeyType,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string, details any) {
	writeJSON(w, status, errorResponse{Error: msg, Details: details, Code: status})
}

// writeFault renders a provider failure as the error envelope, with the
// HTTP status mirroring the upstream failure class where one is known.
func (s *Server) writeFault(w http.ResponseWriter, providerName string, tier keys.Tier, err error) {
	f := provider.AsFault(providerName, err)
	status := f.Code
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	s.cfg.Logger.Warn().Err(err).Str("provider", providerName).Int("code", status).Msg("provider call failed")
	writeJSON(w, status, errorResponse{
		Error:       f.Message(),
		Code:        f.Code,
		Provider:    providerName,
		UsedKeyType: tier,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body", Code: http.StatusBadRequest})
		return false
	}
	return true
}
