// Package voice adds spoken turns: speech to text before a turn is
// submitted and text to speech for the interviewer's reply.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dotsetgreg/biographer/pkg/config"
	"github.com/dotsetgreg/biographer/pkg/providers"
)

const (
	providerName        = "voice"
	defaultAPIBase      = "https://api.openai.com/v1"
	defaultHTTPTimeout  = 90 * time.Second
	maxTranscriptionLen = 25 << 20
)

type Transcriber interface {
	SpeechToText(ctx context.Context, audio io.Reader, filename string) (string, error)
}

type Speaker interface {
	// TextToSpeech returns encoded audio and its content type.
	TextToSpeech(ctx context.Context, text string) ([]byte, string, error)
}

// Client talks to an OpenAI-compatible audio API.
type Client struct {
	apiBase    string
	sttModel   string
	ttsModel   string
	ttsVoice   string
	auth       providers.AuthStrategy
	httpClient *http.Client
}

// NewClient builds a client from the voice section, borrowing the OpenAI
// key when the voice section has none.
func NewClient(cfg *config.Config) (*Client, error) {
	vc := cfg.Voice
	key := strings.TrimSpace(vc.APIKey)
	if key == "" {
		key = strings.TrimSpace(cfg.Providers.OpenAI.APIKey)
	}
	if key == "" {
		return nil, fmt.Errorf("voice.api_key (or providers.openai.api_key) is required for voice turns")
	}
	base := strings.TrimRight(strings.TrimSpace(vc.APIBase), "/")
	if base == "" {
		base = defaultAPIBase
	}
	c := &Client{
		apiBase:    base,
		sttModel:   orDefault(vc.STTModel, "whisper-1"),
		ttsModel:   orDefault(vc.TTSModel, "tts-1"),
		ttsVoice:   orDefault(vc.TTSVoice, "alloy"),
		auth:       providers.NewBearerAuth("api_key", providers.NewStaticTokenSource(key, "voice.api_key")),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	return c, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

func (c *Client) SpeechToText(ctx context.Context, audio io.Reader, filename string) (string, error) {
	data, err := io.ReadAll(io.LimitReader(audio, maxTranscriptionLen+1))
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("audio is empty")
	}
	if len(data) > maxTranscriptionLen {
		return "", fmt.Errorf("audio exceeds %d bytes", maxTranscriptionLen)
	}
	if filename == "" {
		filename = "turn.ogg"
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("model", c.sttModel); err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	part, err := w.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}

	respBody, _, err := c.do(ctx, "/audio/transcriptions", w.FormDataContentType(), &body)
	if err != nil {
		return "", err
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", &providers.ProviderError{Provider: providerName, Kind: providers.ErrorTransient, Message: "parse transcription", Err: err}
	}
	return strings.TrimSpace(out.Text), nil
}

func (c *Client) TextToSpeech(ctx context.Context, text string) ([]byte, string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, "", fmt.Errorf("nothing to speak")
	}
	payload, err := json.Marshal(map[string]string{
		"model":           c.ttsModel,
		"voice":           c.ttsVoice,
		"input":           text,
		"response_format": "mp3",
	})
	if err != nil {
		return nil, "", fmt.Errorf("build speech request: %w", err)
	}
	audio, contentType, err := c.do(ctx, "/audio/speech", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, "", err
	}
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return audio, contentType, nil
}

func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, body)
	if err != nil {
		return nil, "", &providers.ProviderError{Provider: providerName, Kind: providers.ErrorFatal, Message: "create request", Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	if err := c.auth.Apply(ctx, req); err != nil {
		return nil, "", &providers.ProviderError{Provider: providerName, Kind: providers.ErrorFatal, Message: "apply auth: " + err.Error(), Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", providers.TransportError(ctx, providerName, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", providers.TransportError(ctx, providerName, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, "", providers.StatusError(providerName, resp.StatusCode, apiErrorMessage(data), resp.Header)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func apiErrorMessage(body []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

var audioExtensions = map[string]struct{}{
	".mp3": {}, ".m4a": {}, ".ogg": {}, ".oga": {}, ".opus": {}, ".wav": {}, ".webm": {}, ".flac": {}, ".mp4": {}, ".mpeg": {},
}

// IsAudioFile reports whether an upload looks like speech the transcriber
// accepts.
func IsAudioFile(filename, contentType string) bool {
	if strings.HasPrefix(strings.ToLower(contentType), "audio/") {
		return true
	}
	_, ok := audioExtensions[strings.ToLower(filepath.Ext(filename))]
	return ok
}
