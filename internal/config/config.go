package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultProviderType     = "openai"
	DefaultBaseURL          = "http://localhost:11434/v1"
	DefaultAPIKey           = "ollama"
	DefaultModel            = "llama3.2"
	DefaultMaxTokens        = 4096
	DefaultTemperature      = 0.0
	DefaultMaxRound         = 20
	DefaultStartDelay       = "2s"
	DefaultSpeakerSelection = SpeakerSelectionAuto
	DefaultExecWorkDir      = "paper"
	DefaultExecLastN        = 3
	DefaultExecTimeout      = 60
	DefaultPython           = "python3"
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 18790
	DefaultBufSize          = 100
	DefaultLogLevel         = "info"
	DefaultGreeting         = "Send a message!"
	DefaultHistoryLimit     = 200

	SpeakerSelectionAuto       = "auto"
	SpeakerSelectionRoundRobin = "round_robin"
)

type Config struct {
	Provider   ProviderConfig   `json:"provider"`
	Model      ModelConfig      `json:"model"`
	GroupChat  GroupChatConfig  `json:"groupChat"`
	Executor   ExecutorConfig   `json:"executor"`
	Personas   PersonasConfig   `json:"personas"`
	Channels   ChannelsConfig   `json:"channels"`
	Gateway    GatewayConfig    `json:"gateway"`
	Transcript TranscriptConfig `json:"transcript"`
	Schedule   ScheduleConfig   `json:"schedule"`
	Log        LogConfig        `json:"log"`
}

// ProviderConfig points at an OpenAI-compatible endpoint. The default is a
// local Ollama server.
type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "openai" (default) or "anthropic"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ModelConfig struct {
	Name        string  `json:"name"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
}

type GroupChatConfig struct {
	MaxRound         int    `json:"maxRound"`
	StartDelay       string `json:"startDelay,omitempty"`
	SpeakerSelection string `json:"speakerSelection,omitempty"`
	// InputTimeout bounds how long a turn waits for human input. Empty or
	// "0" waits forever.
	InputTimeout string `json:"inputTimeout,omitempty"`
}

type ExecutorConfig struct {
	Enabled       bool   `json:"enabled"`
	WorkDir       string `json:"workDir"`
	LastNMessages int    `json:"lastNMessages"`
	Timeout       int    `json:"timeout"`
	Python        string `json:"python,omitempty"`
}

type PersonasConfig struct {
	Dir string `json:"dir,omitempty"`
}

type ChannelsConfig struct {
	WebUI    WebUIConfig    `json:"webui"`
	Telegram TelegramConfig `json:"telegram"`
}

type WebUIConfig struct {
	Enabled   bool     `json:"enabled"`
	AllowFrom []string `json:"allowFrom"`
	Greeting  string   `json:"greeting,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type TranscriptConfig struct {
	Enabled      bool   `json:"enabled"`
	DBPath       string `json:"dbPath,omitempty"`
	HistoryLimit int    `json:"historyLimit,omitempty"`
}

type ScheduleConfig struct {
	Enabled   bool   `json:"enabled"`
	StorePath string `json:"storePath,omitempty"`
}

type LogConfig struct {
	Level string `json:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Type:    DefaultProviderType,
			APIKey:  DefaultAPIKey,
			BaseURL: DefaultBaseURL,
		},
		Model: ModelConfig{
			Name:        DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
		},
		GroupChat: GroupChatConfig{
			MaxRound:         DefaultMaxRound,
			StartDelay:       DefaultStartDelay,
			SpeakerSelection: DefaultSpeakerSelection,
		},
		Executor: ExecutorConfig{
			Enabled:       true,
			WorkDir:       DefaultExecWorkDir,
			LastNMessages: DefaultExecLastN,
			Timeout:       DefaultExecTimeout,
			Python:        DefaultPython,
		},
		Channels: ChannelsConfig{
			WebUI: WebUIConfig{
				Enabled:  true,
				Greeting: DefaultGreeting,
			},
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Transcript: TranscriptConfig{
			Enabled:      true,
			HistoryLimit: DefaultHistoryLimit,
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".crewchat")
}

func ConfigPath() string {
	if p := os.Getenv("CREWCHAT_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("CREWCHAT_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && (cfg.Provider.APIKey == "" || cfg.Provider.APIKey == DefaultAPIKey) {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("CREWCHAT_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if typ := os.Getenv("CREWCHAT_PROVIDER"); typ != "" {
		cfg.Provider.Type = typ
	}
	if model := os.Getenv("CREWCHAT_MODEL"); model != "" {
		cfg.Model.Name = model
	}
	if temp := os.Getenv("CREWCHAT_TEMPERATURE"); temp != "" {
		if parsed, err := strconv.ParseFloat(temp, 64); err == nil {
			cfg.Model.Temperature = parsed
		}
	}
	if maxRound := os.Getenv("CREWCHAT_MAX_ROUND"); maxRound != "" {
		if parsed, err := strconv.Atoi(maxRound); err == nil {
			cfg.GroupChat.MaxRound = parsed
		}
	}
	if delay := os.Getenv("CREWCHAT_START_DELAY"); delay != "" {
		cfg.GroupChat.StartDelay = delay
	}
	if timeout := os.Getenv("CREWCHAT_INPUT_TIMEOUT"); timeout != "" {
		cfg.GroupChat.InputTimeout = timeout
	}
	if port := os.Getenv("CREWCHAT_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if token := os.Getenv("CREWCHAT_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if dir := os.Getenv("CREWCHAT_PERSONAS_DIR"); dir != "" {
		cfg.Personas.Dir = dir
	}
	if dbPath := os.Getenv("CREWCHAT_TRANSCRIPT_DB"); dbPath != "" {
		cfg.Transcript.DBPath = dbPath
	}
	if level := os.Getenv("CREWCHAT_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = DefaultProviderType
	}
	if cfg.Model.Name == "" {
		cfg.Model.Name = DefaultModel
	}
	if cfg.Model.MaxTokens <= 0 {
		cfg.Model.MaxTokens = DefaultMaxTokens
	}
	if cfg.GroupChat.MaxRound <= 0 {
		cfg.GroupChat.MaxRound = DefaultMaxRound
	}
	if cfg.GroupChat.SpeakerSelection == "" {
		cfg.GroupChat.SpeakerSelection = DefaultSpeakerSelection
	}
	if cfg.Executor.WorkDir == "" {
		cfg.Executor.WorkDir = DefaultExecWorkDir
	}
	if cfg.Executor.LastNMessages <= 0 {
		cfg.Executor.LastNMessages = DefaultExecLastN
	}
	if cfg.Executor.Timeout <= 0 {
		cfg.Executor.Timeout = DefaultExecTimeout
	}
	if cfg.Executor.Python == "" {
		cfg.Executor.Python = DefaultPython
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = DefaultPort
	}
	if cfg.Transcript.HistoryLimit <= 0 {
		cfg.Transcript.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

// Validate rejects settings that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	switch strings.ToLower(c.GroupChat.SpeakerSelection) {
	case SpeakerSelectionAuto, SpeakerSelectionRoundRobin:
	default:
		return fmt.Errorf("invalid groupChat.speakerSelection %q", c.GroupChat.SpeakerSelection)
	}
	if _, err := c.StartDelay(); err != nil {
		return err
	}
	if _, err := c.InputTimeout(); err != nil {
		return err
	}
	return nil
}

// StartDelay is the pause between the first inbound message and the start of
// the conversation.
func (c *Config) StartDelay() (time.Duration, error) {
	return parseDuration("groupChat.startDelay", c.GroupChat.StartDelay)
}

func (c *Config) InputTimeout() (time.Duration, error) {
	return parseDuration("groupChat.inputTimeout", c.GroupChat.InputTimeout)
}

func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Executor.Timeout) * time.Second
}

func (c *Config) TranscriptPath() string {
	if p := strings.TrimSpace(c.Transcript.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "transcript.db")
}

func (c *Config) ScheduleStorePath() string {
	if p := strings.TrimSpace(c.Schedule.StorePath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "cron", "jobs.json")
}

func (c *Config) PersonasDir() string {
	if p := strings.TrimSpace(c.Personas.Dir); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "personas")
}

func parseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", field, raw)
	}
	return d, nil
}

func SaveConfig(cfg *Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
