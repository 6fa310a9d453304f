package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"polychat/internal/chat"
	"polychat/internal/keys"
	"polychat/internal/limits"
	"polychat/internal/metrics"
	"polychat/internal/models"
	"polychat/internal/provider"
)

var (
	ErrTooManyModels = fmt.Errorf("at most %d models per submission", models.MaxSelected)
	ErrNoModels      = errors.New("no models selected")
)

// Sink receives settled answers. The storage layer implements it with
// single-slot writes keyed by (thread, turn, model).
type Sink interface {
	AttachAnswer(ctx context.Context, threadID string, turnIndex int, msg chat.Message) (string, error)
}

// Gate blocks re-submission per (thread, model) while a previous
// dispatch is still in flight.
type Gate interface {
	Acquire(ctx context.Context, threadID, modelID string) (bool, error)
	Release(ctx context.Context, threadID, modelID string) error
}

// BuildAdapter turns a model descriptor into a ready adapter. The
// timeout is already chosen for the model class.
type BuildAdapter func(desc models.Descriptor, timeout time.Duration) (provider.Adapter, error)

type Config struct {
	Resolver          *keys.Resolver
	Gate              Gate
	Sink              Sink
	Build             BuildAdapter
	Logger            zerolog.Logger
	Metrics           *metrics.Metrics
	GenerationTimeout time.Duration
	ReasoningTimeout  time.Duration
}

type Orchestrator struct {
	cfg Config
}

func New(cfg Config) *Orchestrator {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 60 * time.Second
	}
	if cfg.ReasoningTimeout <= 0 {
		cfg.ReasoningTimeout = 180 * time.Second
	}
	return &Orchestrator{cfg: cfg}
}

type Submission struct {
	ThreadID     string
	TurnIndex    int
	History      []chat.Message
	ImageDataURL string
	Voice        string
	Selected     []string
	// UserKeys maps a provider family to the caller's own key.
	UserKeys map[string]string
}

// Receipt reports what a submission actually dispatched. Rejected maps
// a model id to the reason it was skipped. Wait blocks until every
// dispatched call has settled; handlers return before that.
type Receipt struct {
	ThreadID   string
	TurnIndex  int
	Dispatched []string
	Rejected   map[string]string

	wg sync.WaitGroup
}

func (r *Receipt) Wait() { r.wg.Wait() }

// Dispatch fans one sanitized prompt out to every selected model
// concurrently. Each model settles independently: one model's timeout
// or failure never cancels or delays another's call, and every settled
// result lands in exactly one answer slot.
func (o *Orchestrator) Dispatch(ctx context.Context, sub Submission) (*Receipt, error) {
	if len(sub.Selected) == 0 {
		return nil, ErrNoModels
	}
	if len(sub.Selected) > models.MaxSelected {
		return nil, ErrTooManyModels
	}

	history := chat.SanitizeMessages(sub.History, chat.ExtendedHistoryWindow)

	receipt := &Receipt{
		ThreadID:  sub.ThreadID,
		TurnIndex: sub.TurnIndex,
		Rejected:  map[string]string{},
	}

	type resolved struct {
		key  string
		tier keys.Tier
		err  error
	}
	keyByFamily := map[string]resolved{}
	resolveOnce := func(family string) resolved {
		if r, ok := keyByFamily[family]; ok {
			return r
		}
		key, tier, err := o.cfg.Resolver.Resolve(family, sub.UserKeys[family])
		r := resolved{key: key, tier: tier, err: err}
		keyByFamily[family] = r
		return r
	}

	for _, modelID := range sub.Selected {
		desc, ok := models.ByID(modelID)
		if !ok {
			receipt.Rejected[modelID] = "unknown model"
			continue
		}

		acquired, err := o.cfg.Gate.Acquire(ctx, sub.ThreadID, modelID)
		if err != nil {
			return nil, fmt.Errorf("acquire gate: %w", err)
		}
		if !acquired {
			o.cfg.Metrics.GateRejected.Inc()
			receipt.Rejected[modelID] = "model is still answering the previous turn"
			continue
		}

		var key string
		var tier keys.Tier
		if desc.Provider != models.ProviderLocal {
			r := resolveOnce(desc.Provider)
			if r.err != nil {
				// Fail fast: merge the missing-credential answer
				// without attempting the call.
				f := provider.AsFault(desc.Provider, r.err)
				o.merge(sub, desc, provider.SoftAnswer(desc.Provider, "", f))
				_ = o.cfg.Gate.Release(ctx, sub.ThreadID, modelID)
				receipt.Dispatched = append(receipt.Dispatched, modelID)
				continue
			}
			key, tier = r.key, r.tier
		}

		timeout := o.cfg.GenerationTimeout
		if models.Reasoning(desc.ID) {
			timeout = o.cfg.ReasoningTimeout
		}
		adapter, err := o.cfg.Build(desc, timeout)
		if err != nil {
			f := provider.AsFault(desc.Provider, err)
			o.merge(sub, desc, provider.SoftAnswer(desc.Provider, tier, f))
			_ = o.cfg.Gate.Release(ctx, sub.ThreadID, modelID)
			receipt.Dispatched = append(receipt.Dispatched, modelID)
			continue
		}

		window := history
		if k := models.HistoryWindow(desc.Provider); len(window) > k {
			window = window[len(window)-k:]
		}

		req := provider.Request{
			Messages:     window,
			Model:        desc.ID,
			APIKey:       key,
			KeyTier:      tier,
			ImageDataURL: sub.ImageDataURL,
			Voice:        sub.Voice,
		}

		receipt.Dispatched = append(receipt.Dispatched, modelID)
		receipt.wg.Add(1)
		go o.run(ctx, receipt, sub, desc, adapter, req, timeout)
	}

	return receipt, nil
}

// run executes a single model's call. The call outlives the submit
// request: cancellation of the caller's context must not abort other
// in-flight work, so the dispatch context is detached and bounded only
// by the per-model timeout.
func (o *Orchestrator) run(ctx context.Context, receipt *Receipt, sub Submission, desc models.Descriptor, adapter provider.Adapter, req provider.Request, timeout time.Duration) {
	defer receipt.wg.Done()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	defer func() {
		// callCtx is already expired when the call ended on its own
		// timeout; the release must still go through or the model stays
		// gated until the TTL backstop.
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer releaseCancel()
		if err := o.cfg.Gate.Release(releaseCtx, sub.ThreadID, desc.ID); err != nil {
			o.cfg.Logger.Error().Err(err).Str("model", desc.ID).Msg("failed to release inflight gate")
		}
	}()

	o.cfg.Metrics.Dispatched.WithLabelValues(desc.Provider).Inc()
	start := time.Now()
	ans, err := adapter.Send(callCtx, req)
	o.cfg.Metrics.DispatchSeconds.WithLabelValues(desc.Provider).Observe(time.Since(start).Seconds())
	if err != nil {
		ans = provider.SoftAnswer(desc.Provider, req.KeyTier, provider.AsFault(desc.Provider, err))
	}

	o.merge(sub, desc, ans)
}

// merge writes one settled answer into its slot. Soft failures merge
// exactly like successes: one slot filled, loading cleared.
func (o *Orchestrator) merge(sub Submission, desc models.Descriptor, ans provider.Answer) {
	msg := chat.Message{
		Role:      chat.RoleAssistant,
		Content:   ans.Text,
		ModelID:   desc.ID,
		Provider:  ans.Provider,
		ImageURL:  ans.ImageURL,
		AudioURL:  ans.AudioURL,
		KeyTier:   string(ans.UsedKeyType),
		Tokens:    ans.Tokens,
		ErrorCode: ans.ErrorCode,
	}
	if msg.Tokens == nil && ans.Text != "" {
		msg.Tokens = &chat.TokenInfo{Completion: chat.EstimateTokens(ans.Text), Total: chat.EstimateTokens(ans.Text)}
	}

	mergeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := o.cfg.Sink.AttachAnswer(mergeCtx, sub.ThreadID, sub.TurnIndex, msg); err != nil {
		o.cfg.Metrics.Failed.WithLabelValues(desc.Provider).Inc()
		o.cfg.Logger.Error().Err(err).
			Str("thread_id", sub.ThreadID).
			Int("turn_index", sub.TurnIndex).
			Str("model", desc.ID).
			Msg("failed to merge answer")
		return
	}
	o.cfg.Metrics.Answered.WithLabelValues(desc.Provider).Inc()
	if ans.Failed() {
		o.cfg.Metrics.Failed.WithLabelValues(desc.Provider).Inc()
	}
}

var _ Gate = (*limits.InflightGate)(nil)
