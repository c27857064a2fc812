package providers

import (
	"strings"

	"github.com/dotsetgreg/biographer/pkg/config"
)

const (
	defaultOpenAIAPIBase = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-5-mini"
)

// openAICredential requires exactly one of api key, OAuth token or token file.
func openAICredential(cfg *config.Config) (credential, error) {
	oc := cfg.Providers.OpenAI
	return pickCredential("OpenAI", []credential{
		{mode: authModeAPIKey, value: oc.APIKey, field: "providers.openai.api_key"},
		{mode: authModeOAuthAccessToken, value: oc.OAuthAccessToken, field: "providers.openai.oauth_access_token"},
		{mode: authModeOAuthTokenFile, value: oc.OAuthTokenFile, field: "providers.openai.oauth_token_file"},
	})
}

func newOpenAIProvider(cfg *config.Config, cred credential) (LLMProvider, error) {
	oc := cfg.Providers.OpenAI
	apiBase := strings.TrimSpace(oc.APIBase)
	if apiBase == "" {
		apiBase = defaultOpenAIAPIBase
	}
	p, err := newChatCompletionsProvider(ProviderOpenAI, apiBase, defaultOpenAIModel, oc.Proxy, cred.authStrategy(),
		map[string]string{
			"OpenAI-Organization": oc.Organization,
			"OpenAI-Project":      oc.Project,
		})
	if err != nil {
		return nil, err
	}
	return p, nil
}
