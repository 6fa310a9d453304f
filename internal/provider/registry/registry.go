package registry

import (
	"fmt"
	"net/http"
	"time"

	"polychat/internal/models"
	"polychat/internal/provider"
	"polychat/internal/provider/chata"
	"polychat/internal/provider/chatb"
	"polychat/internal/provider/experimental"
	"polychat/internal/provider/generic"
	"polychat/internal/provider/local"
	"polychat/internal/provider/router"
)

// Endpoints carries the configured upstream locations for every
// backend family. Zero values fall back to each adapter's default.
type Endpoints struct {
	GenericImageBaseURL  string
	GenericTextBaseURL   string
	ChatABaseURL         string
	ChatBBaseURL         string
	LocalBaseURL         string
	RouterBaseURL        string
	ExperimentalEndpoint string
}

type BuildOptions struct {
	Provider  string
	Category  string
	Endpoints Endpoints
	// Timeout overrides the adapter default, e.g. for reasoning models.
	Timeout    time.Duration
	HTTPClient *http.Client
}

func Build(opts BuildOptions) (provider.Adapter, error) {
	switch opts.Provider {
	case models.ProviderGeneric:
		return generic.New(generic.Config{
			Category:     opts.Category,
			ImageBaseURL: opts.Endpoints.GenericImageBaseURL,
			TextBaseURL:  opts.Endpoints.GenericTextBaseURL,
			HTTPClient:   opts.HTTPClient,
			Timeout:      opts.Timeout,
		}), nil

	case models.ProviderChatA:
		return chata.New(chata.Config{
			Name:        models.ProviderChatA,
			BaseURL:     opts.Endpoints.ChatABaseURL,
			MaxTokens:   1024,
			Temperature: 0.7,
			HTTPClient:  opts.HTTPClient,
			Timeout:     opts.Timeout,
		}), nil

	case models.ProviderChatAPro:
		return chata.New(chata.Config{
			Name:        models.ProviderChatAPro,
			BaseURL:     opts.Endpoints.ChatABaseURL,
			MaxTokens:   4096,
			Temperature: 0.3,
			HTTPClient:  opts.HTTPClient,
			Timeout:     opts.Timeout,
		}), nil

	case models.ProviderChatB:
		return chatb.New(chatb.Config{
			Name:       models.ProviderChatB,
			BaseURL:    opts.Endpoints.ChatBBaseURL,
			HTTPClient: opts.HTTPClient,
			Timeout:    opts.Timeout,
		}), nil

	case models.ProviderLocal:
		return local.New(local.Config{
			Name:       models.ProviderLocal,
			BaseURL:    opts.Endpoints.LocalBaseURL,
			HTTPClient: opts.HTTPClient,
		}), nil

	case models.ProviderRouter:
		return router.New(router.Config{
			Name:       models.ProviderRouter,
			BaseURL:    opts.Endpoints.RouterBaseURL,
			HTTPClient: opts.HTTPClient,
			Timeout:    opts.Timeout,
		}), nil

	case models.ProviderExperimental:
		return experimental.New(experimental.Config{
			Endpoint:   opts.Endpoints.ExperimentalEndpoint,
			HTTPClient: opts.HTTPClient,
			Timeout:    opts.Timeout,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider %q", opts.Provider)
	}
}
