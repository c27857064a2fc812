package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/biographer/pkg/config"
	"github.com/dotsetgreg/biographer/pkg/logger"
)

// Constraints shape a single generation call.
type Constraints struct {
	System      string
	MaxTokens   int
	Temperature float64
	// JSON asks the backend for a JSON object response.
	JSON bool
}

// Generator turns a prompt into text. It is the only model surface the
// interview engine, extractor and synthesizer depend on.
type Generator interface {
	Generate(ctx context.Context, prompt string, c Constraints) (string, error)
}

type GeneratorFunc func(ctx context.Context, prompt string, c Constraints) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, c Constraints) (string, error) {
	return f(ctx, prompt, c)
}

// ChatGenerator adapts an LLMProvider to Generator.
type ChatGenerator struct {
	Provider    LLMProvider
	Model       string
	MaxTokens   int
	Temperature float64
}

func (g *ChatGenerator) Generate(ctx context.Context, prompt string, c Constraints) (string, error) {
	if g == nil || g.Provider == nil {
		return "", &ProviderError{Provider: "unknown", Kind: ErrorFatal, Message: "generator has no provider"}
	}
	messages := make([]Message, 0, 2)
	if sys := strings.TrimSpace(c.System); sys != "" {
		messages = append(messages, Message{Role: "system", Content: sys})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})

	req := ChatRequest{Model: g.Model, Messages: messages, MaxTokens: c.MaxTokens, JSON: c.JSON}
	if req.MaxTokens <= 0 {
		req.MaxTokens = g.MaxTokens
	}
	temp := c.Temperature
	if temp == 0 {
		temp = g.Temperature
	}
	req.Temperature = &temp

	resp, err := g.Provider.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// RetryPolicy bounds retries of transient provider failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Delay is the wait before attempt n+1, given n failed attempts so far.
// A server-supplied Retry-After wins when it is longer.
func (p RetryPolicy) Delay(failed int, retryAfter time.Duration) time.Duration {
	if failed < 1 {
		failed = 1
	}
	d := p.BaseDelay
	for i := 1; i < failed && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if retryAfter > d {
		d = retryAfter
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

// RetryGenerator retries transient failures with exponential backoff.
// Fatal errors and errors that are not ProviderErrors return immediately.
type RetryGenerator struct {
	Next   Generator
	Policy RetryPolicy
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewRetryGenerator(next Generator, policy RetryPolicy) *RetryGenerator {
	return &RetryGenerator{Next: next, Policy: policy, Sleep: sleepContext}
}

func (g *RetryGenerator) Generate(ctx context.Context, prompt string, c Constraints) (string, error) {
	attempts := g.Policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := g.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := g.Next.Generate(ctx, prompt, c)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == attempts {
			break
		}

		var pe *ProviderError
		var retryAfter time.Duration
		if errors.As(err, &pe) {
			retryAfter = pe.RetryAfter
		}
		delay := g.Policy.Delay(attempt, retryAfter)
		logger.WarnCF("providers", "Transient generation failure, retrying", map[string]interface{}{
			"attempt": attempt,
			"of":      attempts,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		if err := sleep(ctx, delay); err != nil {
			return "", &ProviderError{Provider: providerOf(lastErr), Kind: ErrorFatal, Message: "retry aborted", Err: err}
		}
	}
	return "", lastErr
}

func providerOf(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Provider
	}
	return "unknown"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NewGenerator builds the configured provider wrapped in the configured
// retry policy.
func NewGenerator(cfg *config.Config) (Generator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	provider, err := CreateProvider(cfg)
	if err != nil {
		return nil, err
	}
	model := strings.TrimSpace(cfg.Interview.Model)
	chat := &ChatGenerator{
		Provider:    provider,
		Model:       model,
		MaxTokens:   cfg.Interview.MaxTokens,
		Temperature: cfg.Interview.Temperature,
	}
	r := cfg.Providers.Retry
	policy := DefaultRetryPolicy()
	if r.MaxAttempts > 0 {
		policy.MaxAttempts = r.MaxAttempts
	}
	if r.BaseDelayMS > 0 {
		policy.BaseDelay = time.Duration(r.BaseDelayMS) * time.Millisecond
	}
	if r.MaxDelayMS > 0 {
		policy.MaxDelay = time.Duration(r.MaxDelayMS) * time.Millisecond
	}
	return NewRetryGenerator(chat, policy), nil
}
