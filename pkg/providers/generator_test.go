package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	req ChatRequest
}

func (f *fakeProvider) Chat(_ context.Context, req ChatRequest) (*LLMResponse, error) {
	f.req = req
	return &LLMResponse{Content: "reply"}, nil
}

func (f *fakeProvider) GetDefaultModel() string { return "fake" }

func TestChatGenerator_BuildsMessagesAndOptions(t *testing.T) {
	fp := &fakeProvider{}
	g := &ChatGenerator{Provider: fp, Model: "m1", MaxTokens: 256, Temperature: 0.7}

	out, err := g.Generate(context.Background(), "prompt", Constraints{System: "be kind", JSON: true})
	require.NoError(t, err)
	assert.Equal(t, "reply", out)
	require.Len(t, fp.req.Messages, 2)
	assert.Equal(t, "system", fp.req.Messages[0].Role)
	assert.Equal(t, "prompt", fp.req.Messages[1].Content)
	assert.Equal(t, "m1", fp.req.Model)
	assert.Equal(t, 256, fp.req.MaxTokens)
	require.NotNil(t, fp.req.Temperature)
	assert.Equal(t, 0.7, *fp.req.Temperature)
	assert.True(t, fp.req.JSON)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(1, 0))
	assert.Equal(t, 2*time.Second, p.Delay(2, 0))
	assert.Equal(t, 4*time.Second, p.Delay(3, 0))
	assert.Equal(t, 5*time.Second, p.Delay(4, 0))
	assert.Equal(t, 3*time.Second, p.Delay(1, 3*time.Second))
	assert.Equal(t, 5*time.Second, p.Delay(1, time.Minute))
}

func TestRetryGenerator_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	next := GeneratorFunc(func(context.Context, string, Constraints) (string, error) {
		calls++
		if calls < 3 {
			return "", &ProviderError{Provider: "test", Kind: ErrorTransient, StatusCode: 503}
		}
		return "done", nil
	})
	var slept []time.Duration
	g := NewRetryGenerator(next, RetryPolicy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second})
	g.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	out, err := g.Generate(context.Background(), "p", Constraints{})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)
}

func TestRetryGenerator_StopsOnFatal(t *testing.T) {
	calls := 0
	next := GeneratorFunc(func(context.Context, string, Constraints) (string, error) {
		calls++
		return "", &ProviderError{Provider: "test", Kind: ErrorFatal, StatusCode: 401}
	})
	g := NewRetryGenerator(next, DefaultRetryPolicy())
	g.Sleep = func(context.Context, time.Duration) error {
		t.Fatalf("fatal errors must not sleep")
		return nil
	}

	_, err := g.Generate(context.Background(), "p", Constraints{})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 1, calls)
}

func TestRetryGenerator_ExhaustsAttempts(t *testing.T) {
	calls := 0
	next := GeneratorFunc(func(context.Context, string, Constraints) (string, error) {
		calls++
		return "", &ProviderError{Provider: "test", Kind: ErrorTransient, StatusCode: 429}
	})
	g := NewRetryGenerator(next, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	g.Sleep = func(context.Context, time.Duration) error { return nil }

	_, err := g.Generate(context.Background(), "p", Constraints{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, calls)
}

func TestRetryGenerator_CancelledDuringBackoff(t *testing.T) {
	next := GeneratorFunc(func(context.Context, string, Constraints) (string, error) {
		return "", &ProviderError{Provider: "test", Kind: ErrorTransient}
	})
	g := NewRetryGenerator(next, DefaultRetryPolicy())
	g.Sleep = func(context.Context, time.Duration) error { return context.Canceled }

	_, err := g.Generate(context.Background(), "p", Constraints{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, IsFatal(err))
}
