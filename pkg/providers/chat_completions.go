package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 120 * time.Second
	maxErrorBody       = 2000
)

// chatCompletionsProvider speaks the OpenAI-compatible /chat/completions
// protocol shared by OpenAI and OpenRouter.
type chatCompletionsProvider struct {
	name         string
	endpoint     string
	defaultModel string
	auth         AuthStrategy
	client       *http.Client
	headers      http.Header
}

func newChatCompletionsProvider(name, apiBase, defaultModel, proxy string, auth AuthStrategy, extraHeaders map[string]string) (*chatCompletionsProvider, error) {
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("%s API base not configured", name)
	}
	if auth == nil {
		return nil, fmt.Errorf("%s auth is not configured", name)
	}
	client, err := httpClientFor(proxy)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	for k, v := range extraHeaders {
		if k, v = strings.TrimSpace(k), strings.TrimSpace(v); k != "" && v != "" {
			headers.Set(k, v)
		}
	}
	return &chatCompletionsProvider{
		name:         name,
		endpoint:     apiBase + "/chat/completions",
		defaultModel: strings.TrimSpace(defaultModel),
		auth:         auth,
		client:       client,
		headers:      headers,
	}, nil
}

func httpClientFor(proxy string) (*http.Client, error) {
	client := &http.Client{Timeout: defaultHTTPTimeout}
	if proxy = strings.TrimSpace(proxy); proxy == "" {
		return client, nil
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy: %w", err)
	}
	client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	return client, nil
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatPayload struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

func (p *chatCompletionsProvider) payload(req ChatRequest) chatPayload {
	out := chatPayload{
		Model:       strings.TrimSpace(req.Model),
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if out.Model == "" {
		out.Model = p.defaultModel
	}
	if out.MaxTokens < 0 {
		out.MaxTokens = 0
	}
	if req.JSON {
		out.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return out
}

func (p *chatCompletionsProvider) fatal(msg string, err error) *ProviderError {
	return &ProviderError{Provider: p.name, Kind: ErrorFatal, Message: msg, Err: err}
}

func (p *chatCompletionsProvider) Chat(ctx context.Context, req ChatRequest) (*LLMResponse, error) {
	data, err := json.Marshal(p.payload(req))
	if err != nil {
		return nil, p.fatal("marshal request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, p.fatal("create request", err)
	}
	httpReq.Header = p.headers.Clone()
	if err := p.auth.Apply(ctx, httpReq); err != nil {
		return nil, p.fatal("apply auth: "+err.Error(), err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, p.name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, p.name, err)
	}

	if resp.StatusCode/100 != 2 {
		msg := augmentProviderError(p.name, resp.StatusCode, apiErrorMessage(body))
		return nil, newStatusError(p.name, resp.StatusCode, msg, resp.Header)
	}
	out, err := decodeCompletion(body)
	if err != nil {
		// A truncated or garbled body from a proxy is worth another attempt.
		return nil, &ProviderError{Provider: p.name, Kind: ErrorTransient, Message: "parse response", Err: err}
	}
	return out, nil
}

func (p *chatCompletionsProvider) GetDefaultModel() string { return p.defaultModel }

type completion struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *UsageInfo `json:"usage"`
}

func decodeCompletion(body []byte) (*LLMResponse, error) {
	var c completion
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, err
	}
	if len(c.Choices) == 0 {
		return &LLMResponse{FinishReason: "stop", Usage: c.Usage}, nil
	}
	first := c.Choices[0]
	return &LLMResponse{
		Content:      contentText(first.Message.Content),
		FinishReason: first.FinishReason,
		Usage:        c.Usage,
	}, nil
}

// contentText accepts both a plain string and the array-of-parts form some
// gateways return.
func contentText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	if json.Unmarshal(raw, &parts) != nil {
		return ""
	}
	var b strings.Builder
	for _, part := range parts {
		if part.Text != "" {
			b.WriteString(part.Text)
		} else {
			b.WriteString(part.Content)
		}
	}
	return b.String()
}

func apiErrorMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		msg := strings.TrimSpace(envelope.Error.Message)
		if code, ok := envelope.Error.Code.(string); ok && msg != "" && code != "" && !strings.Contains(msg, code) {
			return msg + " (" + code + ")"
		}
		if msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(envelope.Message); msg != "" {
			return msg
		}
	}
	if len(trimmed) > maxErrorBody {
		return trimmed[:maxErrorBody] + "..."
	}
	return trimmed
}
