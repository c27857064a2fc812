package providers

import (
	"net/http"
	"strings"
)

// augmentProviderError appends an operator hint to common misconfiguration
// failures so the interview front ends can surface something actionable.
func augmentProviderError(providerName string, status int, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}
	lower := strings.ToLower(msg)

	switch NormalizeProviderName(providerName) {
	case ProviderOpenAI:
		if strings.Contains(lower, "missing scopes: model.request") ||
			strings.Contains(lower, "insufficient permissions for this operation") {
			return msg + " Hint: the credential lacks model.request access for this project; check providers.openai.project."
		}
		if strings.Contains(lower, "incorrect api key provided") {
			return msg + " Hint: provider openai expects a Platform API credential in providers.openai.api_key."
		}
	case ProviderOpenRouter:
		if status == http.StatusPaymentRequired || strings.Contains(lower, "insufficient credits") {
			return msg + " Hint: the OpenRouter account is out of credits."
		}
		if strings.Contains(lower, "no endpoints found") {
			return msg + " Hint: check interview.model; OpenRouter models are named vendor/model."
		}
	}
	return msg
}
