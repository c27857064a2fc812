package providers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dotsetgreg/biographer/pkg/config"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
)

// backend is one chat-completions service the interviewer can talk to.
type backend struct {
	label      string
	credential func(cfg *config.Config) (credential, error)
	build      func(cfg *config.Config, cred credential) (LLMProvider, error)
}

var backends = map[string]backend{
	ProviderOpenRouter: {label: "OpenRouter", credential: openRouterCredential, build: newOpenRouterProvider},
	ProviderOpenAI:     {label: "OpenAI", credential: openAICredential, build: newOpenAIProvider},
}

func SupportedProviders() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeProviderName lowercases name; empty selects OpenRouter.
func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderOpenRouter
	}
	return name
}

func ActiveProviderName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderOpenRouter
	}
	return NormalizeProviderName(cfg.Interview.Provider)
}

func lookup(cfg *config.Config) (string, backend, error) {
	if cfg == nil {
		return "", backend{}, fmt.Errorf("config is required")
	}
	name := ActiveProviderName(cfg)
	b, ok := backends[name]
	if !ok {
		return name, backend{}, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	return name, b, nil
}

// resolve picks the configured backend and its single credential source.
func resolve(cfg *config.Config) (backend, credential, error) {
	_, b, err := lookup(cfg)
	if err != nil {
		return backend{}, credential{}, err
	}
	cred, err := b.credential(cfg)
	if err != nil {
		return b, credential{}, err
	}
	if err := cred.validate(b.label); err != nil {
		return b, credential{}, err
	}
	return b, cred, nil
}

// ValidateProviderConfig reports whether the interview model can be reached
// with the configured credentials, without building a client.
func ValidateProviderConfig(cfg *config.Config) error {
	_, _, err := resolve(cfg)
	return err
}

// ProviderCredentialStatus is for status output; an unsupported provider is
// the only error.
func ProviderCredentialStatus(cfg *config.Config) (provider string, configured bool, mode string, err error) {
	name, _, err := lookup(cfg)
	if err != nil {
		return name, false, "", err
	}
	_, cred, credErr := resolve(cfg)
	if credErr != nil {
		return name, false, "", nil
	}
	return name, true, cred.mode, nil
}

func CreateProvider(cfg *config.Config) (LLMProvider, error) {
	b, cred, err := resolve(cfg)
	if err != nil {
		return nil, err
	}
	return b.build(cfg, cred)
}
