package providers

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/biographer/pkg/config"
)

const (
	defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "openai/gpt-5.2"
)

func openRouterCredential(cfg *config.Config) (credential, error) {
	key := strings.TrimSpace(cfg.Providers.OpenRouter.APIKey)
	if key == "" {
		return credential{}, fmt.Errorf("OpenRouter API key is required (set providers.openrouter.api_key or BIOGRAPHER_PROVIDERS_OPENROUTER_API_KEY)")
	}
	return credential{mode: authModeAPIKey, value: key, field: "providers.openrouter.api_key"}, nil
}

func newOpenRouterProvider(cfg *config.Config, cred credential) (LLMProvider, error) {
	oc := cfg.Providers.OpenRouter
	apiBase := strings.TrimSpace(oc.APIBase)
	if apiBase == "" {
		apiBase = defaultOpenRouterAPIBase
	}
	// OpenRouter attributes traffic by X-Title.
	p, err := newChatCompletionsProvider(ProviderOpenRouter, apiBase, defaultOpenRouterModel, oc.Proxy,
		cred.authStrategy(), map[string]string{"X-Title": "biographer"})
	if err != nil {
		return nil, err
	}
	return p, nil
}
