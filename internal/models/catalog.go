package models

import "polychat/internal/chat"

// MaxSelected bounds how many models one submission may fan out to.
const MaxSelected = 5

const (
	CategoryText  = "text"
	CategoryImage = "image"
	CategoryAudio = "audio"
)

const (
	ProviderGeneric      = "generic"
	ProviderChatA        = "chat-a"
	ProviderChatAPro     = "chat-a-pro"
	ProviderChatB        = "chat-b"
	ProviderLocal        = "local"
	ProviderRouter       = "router"
	ProviderExperimental = "experimental"
)

// Descriptor is read-only reference data about one selectable model.
// Good marks the premium tier surfaced in the picker.
type Descriptor struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Provider string `json:"provider"`
	Category string `json:"category"`
	CostTier int    `json:"costTier"`
	Good     bool   `json:"good"`
}

var catalog = []Descriptor{
	{ID: "openai", Label: "OpenAI Fast", Provider: ProviderGeneric, Category: CategoryText, CostTier: 1},
	{ID: "openai-large", Label: "OpenAI Large", Provider: ProviderGeneric, Category: CategoryText, CostTier: 2, Good: true},
	{ID: "flux", Label: "Flux", Provider: ProviderGeneric, Category: CategoryImage, CostTier: 1},
	{ID: "turbo", Label: "Turbo Image", Provider: ProviderGeneric, Category: CategoryImage, CostTier: 1},
	{ID: "openai-audio", Label: "OpenAI Audio", Provider: ProviderGeneric, Category: CategoryAudio, CostTier: 1},

	{ID: "gpt-4o-mini", Label: "GPT-4o mini", Provider: ProviderChatA, Category: CategoryText, CostTier: 1},
	{ID: "gpt-4o", Label: "GPT-4o", Provider: ProviderChatAPro, Category: CategoryText, CostTier: 3, Good: true},
	{ID: "o3-mini", Label: "o3 mini", Provider: ProviderChatAPro, Category: CategoryText, CostTier: 3, Good: true},

	{ID: "gemini-2.0-flash", Label: "Gemini 2.0 Flash", Provider: ProviderChatB, Category: CategoryText, CostTier: 1},
	{ID: "gemini-2.5-pro", Label: "Gemini 2.5 Pro", Provider: ProviderChatB, Category: CategoryText, CostTier: 3, Good: true},

	{ID: "llama3", Label: "Llama 3 (local)", Provider: ProviderLocal, Category: CategoryText, CostTier: 0},
	{ID: "mistral", Label: "Mistral (local)", Provider: ProviderLocal, Category: CategoryText, CostTier: 0},

	{ID: "router-auto", Label: "Router Auto", Provider: ProviderRouter, Category: CategoryText, CostTier: 2},
	{ID: "deepseek-r1", Label: "DeepSeek R1", Provider: ProviderRouter, Category: CategoryText, CostTier: 2, Good: true},

	{ID: "experimental", Label: "Experimental", Provider: ProviderExperimental, Category: CategoryText, CostTier: 0},
}

var byID = func() map[string]Descriptor {
	m := make(map[string]Descriptor, len(catalog))
	for _, d := range catalog {
		m[d.ID] = d
	}
	return m
}()

func All() []Descriptor {
	out := make([]Descriptor, len(catalog))
	copy(out, catalog)
	return out
}

func ByID(id string) (Descriptor, bool) {
	d, ok := byID[id]
	return d, ok
}

// HistoryWindow returns the context window a provider family accepts:
// the chat-b family takes ten turns, everyone else eight.
func HistoryWindow(providerName string) int {
	if providerName == ProviderChatB {
		return chat.ExtendedHistoryWindow
	}
	return chat.DefaultHistoryWindow
}

// Reasoning reports whether the model is a long-thinking variant that
// deserves a generous generation timeout.
func Reasoning(id string) bool {
	switch id {
	case "o3-mini", "deepseek-r1", "gemini-2.5-pro":
		return true
	default:
		return false
	}
}

// EstimateCost is a display-grade approximation: tier-weighted token
// count, never billed-token exact.
func EstimateCost(d Descriptor, tokens int) float64 {
	return float64(d.CostTier) * float64(tokens) / 1000.0
}
