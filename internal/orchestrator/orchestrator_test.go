package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"polychat/internal/chat"
	"polychat/internal/keys"
	"polychat/internal/limits"
	"polychat/internal/models"
	"polychat/internal/provider"
)

type memGate struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemGate() *memGate { return &memGate{held: map[string]bool{}} }

func (g *memGate) Acquire(_ context.Context, threadID, modelID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := threadID + "/" + modelID
	if g.held[k] {
		return false, nil
	}
	g.held[k] = true
	return true, nil
}

func (g *memGate) Release(_ context.Context, threadID, modelID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, threadID+"/"+modelID)
	return nil
}

type memSink struct {
	mu      sync.Mutex
	answers []chat.Message
}

func (s *memSink) AttachAnswer(_ context.Context, _ string, _ int, msg chat.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, msg)
	return msg.ModelID, nil
}

func (s *memSink) byModel() map[string]chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]chat.Message{}
	for _, a := range s.answers {
		out[a.ModelID] = a
	}
	return out
}

type fakeAdapter struct {
	delay time.Duration
	ans   provider.Answer
	err   error
}

func (f *fakeAdapter) Send(ctx context.Context, req provider.Request) (provider.Answer, error) {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return provider.Answer{}, provider.FaultFromError("fake", ctx.Err())
	}
	if f.err != nil {
		return provider.Answer{}, f.err
	}
	ans := f.ans
	ans.UsedKeyType = req.KeyTier
	return ans, nil
}

func newTestOrchestrator(sink Sink, gate Gate, adapters map[string]provider.Adapter) *Orchestrator {
	return New(Config{
		Resolver: keys.NewResolver(map[string]keys.Chain{
			models.ProviderGeneric:  {Primary: "GP"},
			models.ProviderChatA:    {Primary: "AP"},
			models.ProviderChatB:    {Primary: "BP"},
			models.ProviderRouter:   {Primary: "RP"},
			models.ProviderChatAPro: {},
		}),
		Gate: gate,
		Sink: sink,
		Build: func(desc models.Descriptor, _ time.Duration) (provider.Adapter, error) {
			a, ok := adapters[desc.ID]
			if !ok {
				return &fakeAdapter{ans: provider.Answer{Text: "ok", Provider: desc.Provider}}, nil
			}
			return a, nil
		},
		Logger:            zerolog.Nop(),
		GenerationTimeout: 2 * time.Second,
	})
}

func submission(selected ...string) Submission {
	return Submission{
		ThreadID:  "t1",
		TurnIndex: 0,
		History:   []chat.Message{{Role: chat.RoleUser, Content: "hello"}},
		Selected:  selected,
	}
}

func TestDispatchFanOutNonBlocking(t *testing.T) {
	sink := &memSink{}
	adapters := map[string]provider.Adapter{
		"openai":           &fakeAdapter{delay: 5 * time.Millisecond, ans: provider.Answer{Text: "fast1", Provider: models.ProviderGeneric}},
		"gpt-4o-mini":      &fakeAdapter{delay: 400 * time.Millisecond, ans: provider.Answer{Text: "slow", Provider: models.ProviderChatA}},
		"gemini-2.0-flash": &fakeAdapter{delay: 5 * time.Millisecond, ans: provider.Answer{Text: "fast2", Provider: models.ProviderChatB}},
	}
	o := newTestOrchestrator(sink, newMemGate(), adapters)

	receipt, err := o.Dispatch(context.Background(), submission("openai", "gpt-4o-mini", "gemini-2.0-flash"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(receipt.Dispatched) != 3 {
		t.Fatalf("expected 3 dispatched, got %v", receipt.Dispatched)
	}

	// The fast models must settle without waiting for the slow one.
	deadline := time.Now().Add(200 * time.Millisecond)
	for {
		got := sink.byModel()
		_, ok1 := got["openai"]
		_, ok3 := got["gemini-2.0-flash"]
		if ok1 && ok3 {
			if _, slowDone := got["gpt-4o-mini"]; slowDone {
				t.Fatalf("slow model settled suspiciously early")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fast models blocked on the slow one: %v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}

	receipt.Wait()
	if got := sink.byModel(); got["gpt-4o-mini"].Content != "slow" {
		t.Fatalf("slow model answer missing after wait: %v", got)
	}
}

func TestDispatchFailureDoesNotAffectOthers(t *testing.T) {
	sink := &memSink{}
	adapters := map[string]provider.Adapter{
		"openai":      &fakeAdapter{err: provider.NewFault(models.ProviderGeneric, provider.Timeout, context.DeadlineExceeded)},
		"gpt-4o-mini": &fakeAdapter{ans: provider.Answer{Text: "fine", Provider: models.ProviderChatA}},
	}
	o := newTestOrchestrator(sink, newMemGate(), adapters)

	receipt, err := o.Dispatch(context.Background(), submission("openai", "gpt-4o-mini"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	receipt.Wait()

	got := sink.byModel()
	if got["gpt-4o-mini"].Content != "fine" {
		t.Fatalf("healthy model affected by failing sibling: %v", got)
	}
	failed := got["openai"]
	if failed.ErrorCode == 0 {
		t.Fatalf("failed model must merge a soft answer: %+v", failed)
	}
	if failed.Content == "" {
		t.Fatalf("soft answer must carry a renderable message")
	}
}

func TestDispatchGatePerModel(t *testing.T) {
	sink := &memSink{}
	gate := newMemGate()
	if ok, _ := gate.Acquire(context.Background(), "t1", "openai"); !ok {
		t.Fatalf("setup acquire failed")
	}
	o := newTestOrchestrator(sink, gate, nil)

	receipt, err := o.Dispatch(context.Background(), submission("openai", "gpt-4o-mini"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, rejected := receipt.Rejected["openai"]; !rejected {
		t.Fatalf("in-flight model must be rejected, got %v", receipt.Rejected)
	}
	if len(receipt.Dispatched) != 1 || receipt.Dispatched[0] != "gpt-4o-mini" {
		t.Fatalf("other models must dispatch freely, got %v", receipt.Dispatched)
	}
	receipt.Wait()
}

func TestDispatchMissingCredentialFailsFast(t *testing.T) {
	sink := &memSink{}
	o := newTestOrchestrator(sink, newMemGate(), nil)

	// gpt-4o is chat-a-pro, whose chain is empty in the test resolver.
	receipt, err := o.Dispatch(context.Background(), submission("gpt-4o"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	receipt.Wait()

	got := sink.byModel()
	ans, ok := got["gpt-4o"]
	if !ok {
		t.Fatalf("missing-credential answer not merged")
	}
	f := provider.NewFault("x", provider.MissingCredential, nil)
	if ans.Content != f.Message() {
		t.Fatalf("expected missing credential message, got %q", ans.Content)
	}

	// The gate must be free again for a corrected retry.
	gate := newMemGate()
	o2 := newTestOrchestrator(sink, gate, nil)
	if _, err := o2.Dispatch(context.Background(), submission("gpt-4o")); err != nil {
		t.Fatalf("retry dispatch: %v", err)
	}
}

func TestDispatchTimeoutReleasesRedisGate(t *testing.T) {
	mr := miniredis.RunT(t)
	gate := limits.NewInflightGate(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 5*time.Minute)
	sink := &memSink{}

	o := New(Config{
		Resolver: keys.NewResolver(map[string]keys.Chain{
			models.ProviderGeneric: {Primary: "GP"},
		}),
		Gate: gate,
		Sink: sink,
		Build: func(desc models.Descriptor, _ time.Duration) (provider.Adapter, error) {
			// Never answers on its own; only the per-model timeout ends the call.
			return &fakeAdapter{delay: time.Minute}, nil
		},
		Logger:            zerolog.Nop(),
		GenerationTimeout: 50 * time.Millisecond,
	})

	receipt, err := o.Dispatch(context.Background(), submission("openai"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	receipt.Wait()

	got := sink.byModel()
	if got["openai"].ErrorCode == 0 {
		t.Fatalf("timed-out model must merge a soft answer: %+v", got["openai"])
	}

	// The slot must be free for a resubmit even though the call context
	// had already expired when the gate was released.
	ok, err := gate.Acquire(context.Background(), "t1", "openai")
	if err != nil {
		t.Fatalf("acquire after timeout: %v", err)
	}
	if !ok {
		t.Fatalf("model still gated after its call timed out")
	}
}

func TestDispatchBounds(t *testing.T) {
	o := newTestOrchestrator(&memSink{}, newMemGate(), nil)

	if _, err := o.Dispatch(context.Background(), submission()); !errors.Is(err, ErrNoModels) {
		t.Fatalf("expected ErrNoModels, got %v", err)
	}
	_, err := o.Dispatch(context.Background(), submission("a", "b", "c", "d", "e", "f"))
	if !errors.Is(err, ErrTooManyModels) {
		t.Fatalf("expected ErrTooManyModels, got %v", err)
	}
}

func TestDispatchUnknownModelRejected(t *testing.T) {
	sink := &memSink{}
	o := newTestOrchestrator(sink, newMemGate(), nil)
	receipt, err := o.Dispatch(context.Background(), submission("no-such-model", "openai"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if receipt.Rejected["no-such-model"] == "" {
		t.Fatalf("unknown model must be rejected with a reason")
	}
	receipt.Wait()
	if _, ok := sink.byModel()["openai"]; !ok {
		t.Fatalf("known model must still dispatch")
	}
}
