package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/tidwall/jsonc"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Interview InterviewConfig `json:"interview"`
	Memory    MemoryConfig    `json:"memory"`
	Biography BiographyConfig `json:"biography"`
	Providers ProvidersConfig `json:"providers"`
	Storage   StorageConfig   `json:"storage"`
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels"`
	Voice     VoiceConfig     `json:"voice"`
	Logging   LoggingConfig   `json:"logging"`
	mu        sync.RWMutex
}

// InterviewConfig drives the session controller and consideration loop.
// The four engine limits keep the bare env names the interviewer has always used.
type InterviewConfig struct {
	Provider                   string  `json:"provider" env:"BIOGRAPHER_PROVIDER"`
	Model                      string  `json:"model" env:"BIOGRAPHER_MODEL"`
	MaxTokens                  int     `json:"max_tokens" env:"BIOGRAPHER_MAX_TOKENS"`
	Temperature                float64 `json:"temperature" env:"BIOGRAPHER_TEMPERATURE"`
	MaxEventsLen               int     `json:"max_events_len" env:"MAX_EVENTS_LEN"`
	MaxConsiderationIterations int     `json:"max_consideration_iterations" env:"MAX_CONSIDERATION_ITERATIONS"`
	SessionTimeoutMinutes      int     `json:"session_timeout_minutes" env:"SESSION_TIMEOUT_MINUTES"`
	MaxTurns                   int     `json:"max_turns" env:"BIOGRAPHER_MAX_TURNS"`
	MinQuestionNovelty         float64 `json:"min_question_novelty" env:"BIOGRAPHER_MIN_QUESTION_NOVELTY"`
	TimeoutSweepCron           string  `json:"timeout_sweep_cron" env:"BIOGRAPHER_TIMEOUT_SWEEP_CRON"`
}

type MemoryConfig struct {
	ThresholdForUpdate int     `json:"threshold_for_update" env:"MEMORY_THRESHOLD_FOR_UPDATE"`
	DedupThreshold     float64 `json:"dedup_threshold" env:"BIOGRAPHER_MEMORY_DEDUP_THRESHOLD"`
	RecallItems        int     `json:"recall_items" env:"BIOGRAPHER_MEMORY_RECALL_ITEMS"`
	Extractor          string  `json:"extractor" env:"BIOGRAPHER_MEMORY_EXTRACTOR"` // llm | heuristic
}

type BiographyConfig struct {
	RegenerationThreshold int    `json:"regeneration_threshold" env:"BIOGRAPHER_BIOGRAPHY_REGENERATION_THRESHOLD"`
	Synthesizer           string `json:"synthesizer" env:"BIOGRAPHER_BIOGRAPHY_SYNTHESIZER"` // llm | outline
	Style                 string `json:"style" env:"BIOGRAPHER_BIOGRAPHY_STYLE"`             // chronological | thematic
	Perspective           string `json:"perspective" env:"BIOGRAPHER_BIOGRAPHY_PERSPECTIVE"` // first | third
	ExportDir             string `json:"export_dir" env:"BIOGRAPHER_BIOGRAPHY_EXPORT_DIR"`
}

type ProvidersConfig struct {
	OpenRouter OpenRouterConfig `json:"openrouter"`
	OpenAI     OpenAIConfig     `json:"openai"`
	Retry      RetryConfig      `json:"retry"`
}

type OpenRouterConfig struct {
	APIKey  string `json:"api_key" env:"BIOGRAPHER_PROVIDERS_OPENROUTER_API_KEY"`
	APIBase string `json:"api_base" env:"BIOGRAPHER_PROVIDERS_OPENROUTER_API_BASE"`
	Proxy   string `json:"proxy,omitempty" env:"BIOGRAPHER_PROVIDERS_OPENROUTER_PROXY"`
}

type OpenAIConfig struct {
	APIKey           string `json:"api_key" env:"BIOGRAPHER_PROVIDERS_OPENAI_API_KEY"`
	OAuthAccessToken string `json:"oauth_access_token,omitempty" env:"BIOGRAPHER_PROVIDERS_OPENAI_OAUTH_ACCESS_TOKEN"`
	OAuthTokenFile   string `json:"oauth_token_file,omitempty" env:"BIOGRAPHER_PROVIDERS_OPENAI_OAUTH_TOKEN_FILE"`
	APIBase          string `json:"api_base" env:"BIOGRAPHER_PROVIDERS_OPENAI_API_BASE"`
	Organization     string `json:"organization,omitempty" env:"BIOGRAPHER_PROVIDERS_OPENAI_ORGANIZATION"`
	Project          string `json:"project,omitempty" env:"BIOGRAPHER_PROVIDERS_OPENAI_PROJECT"`
	Proxy            string `json:"proxy,omitempty" env:"BIOGRAPHER_PROVIDERS_OPENAI_PROXY"`
}

// RetryConfig bounds retries of transient provider failures.
type RetryConfig struct {
	MaxAttempts int `json:"max_attempts" env:"BIOGRAPHER_PROVIDERS_RETRY_MAX_ATTEMPTS"`
	BaseDelayMS int `json:"base_delay_ms" env:"BIOGRAPHER_PROVIDERS_RETRY_BASE_DELAY_MS"`
	MaxDelayMS  int `json:"max_delay_ms" env:"BIOGRAPHER_PROVIDERS_RETRY_MAX_DELAY_MS"`
}

type StorageConfig struct {
	Backend    string `json:"backend" env:"BIOGRAPHER_STORAGE_BACKEND"` // sqlite | memory
	Path       string `json:"path" env:"BIOGRAPHER_STORAGE_PATH"`
	ArchiveDir string `json:"archive_dir" env:"BIOGRAPHER_STORAGE_ARCHIVE_DIR"`
}

type GatewayConfig struct {
	Host   string `json:"host" env:"BIOGRAPHER_GATEWAY_HOST"`
	Port   int    `json:"port" env:"BIOGRAPHER_GATEWAY_PORT"`
	APIKey string `json:"api_key,omitempty" env:"BIOGRAPHER_GATEWAY_API_KEY"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"BIOGRAPHER_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"BIOGRAPHER_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"BIOGRAPHER_CHANNELS_DISCORD_ALLOW_FROM"`
}

type VoiceConfig struct {
	Enabled  bool   `json:"enabled" env:"BIOGRAPHER_VOICE_ENABLED"`
	APIBase  string `json:"api_base" env:"BIOGRAPHER_VOICE_API_BASE"`
	APIKey   string `json:"api_key" env:"BIOGRAPHER_VOICE_API_KEY"`
	STTModel string `json:"stt_model" env:"BIOGRAPHER_VOICE_STT_MODEL"`
	TTSModel string `json:"tts_model" env:"BIOGRAPHER_VOICE_TTS_MODEL"`
	TTSVoice string `json:"tts_voice" env:"BIOGRAPHER_VOICE_TTS_VOICE"`
}

type LoggingConfig struct {
	Level  string `json:"level" env:"BIOGRAPHER_LOG_LEVEL"`
	Format string `json:"format" env:"BIOGRAPHER_LOG_FORMAT"` // text | json
}

func DefaultConfig() *Config {
	return &Config{
		Interview: InterviewConfig{
			Provider:                   "openrouter",
			Model:                      "openai/gpt-5.2",
			MaxTokens:                  4096,
			Temperature:                0.7,
			MaxEventsLen:               30,
			MaxConsiderationIterations: 3,
			SessionTimeoutMinutes:      10,
			MaxTurns:                   0,
			MinQuestionNovelty:         0.25,
			TimeoutSweepCron:           "* * * * *",
		},
		Memory: MemoryConfig{
			ThresholdForUpdate: 10,
			DedupThreshold:     0.92,
			RecallItems:        6,
			Extractor:          "llm",
		},
		Biography: BiographyConfig{
			RegenerationThreshold: 10,
			Synthesizer:           "llm",
			Style:                 "chronological",
			Perspective:           "third",
			ExportDir:             "~/.biographer/exports",
		},
		Providers: ProvidersConfig{
			Retry: RetryConfig{
				MaxAttempts: 4,
				BaseDelayMS: 1000,
				MaxDelayMS:  30000,
			},
		},
		Storage: StorageConfig{
			Backend:    "sqlite",
			Path:       "~/.biographer/state/biographer.db",
			ArchiveDir: "~/.biographer/archive",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Voice: VoiceConfig{
			APIBase:  "https://api.openai.com/v1",
			STTModel: "whisper-1",
			TTSModel: "tts-1",
			TTSVoice: "alloy",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads path (JSON with comments allowed) over the defaults, then
// applies environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate rejects limits the engine cannot run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var problems []string
	if c.Interview.MaxEventsLen < 2 {
		problems = append(problems, "interview.max_events_len must be >= 2")
	}
	if c.Interview.MaxConsiderationIterations < 1 {
		problems = append(problems, "interview.max_consideration_iterations must be >= 1")
	}
	if c.Interview.SessionTimeoutMinutes < 1 {
		problems = append(problems, "interview.session_timeout_minutes must be >= 1")
	}
	if c.Memory.ThresholdForUpdate < 1 {
		problems = append(problems, "memory.threshold_for_update must be >= 1")
	}
	if c.Memory.DedupThreshold <= 0 || c.Memory.DedupThreshold > 1 {
		problems = append(problems, "memory.dedup_threshold must be in (0, 1]")
	}
	if c.Biography.RegenerationThreshold < 1 {
		problems = append(problems, "biography.regeneration_threshold must be >= 1")
	}
	switch strings.ToLower(c.Biography.Style) {
	case "", "chronological", "thematic":
	default:
		problems = append(problems, fmt.Sprintf("biography.style %q is not one of chronological, thematic", c.Biography.Style))
	}
	switch strings.ToLower(c.Biography.Perspective) {
	case "", "first", "third":
	default:
		problems = append(problems, fmt.Sprintf("biography.perspective %q is not one of first, third", c.Biography.Perspective))
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "sqlite", "memory":
	default:
		problems = append(problems, fmt.Sprintf("storage.backend %q is not one of sqlite, memory", c.Storage.Backend))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) StoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.Path)
}

func (c *Config) ArchiveDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.ArchiveDir)
}

func (c *Config) ExportDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Biography.ExportDir)
}

// DefaultPath is ~/.biographer/config.json unless BIOGRAPHER_CONFIG is set.
func DefaultPath() string {
	if p := strings.TrimSpace(os.Getenv("BIOGRAPHER_CONFIG")); p != "" {
		return expandHome(p)
	}
	return expandHome("~/.biographer/config.json")
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
