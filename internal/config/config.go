// Package config loads the shared configuration for both binaries: a YAML
// file, RADIOSCRIBE_* environment variables, and flag overrides layered on
// top of defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lmercier/radioscribe/internal/store"
	"github.com/lmercier/radioscribe/internal/transcribe"
)

// Listener configures the capture pipeline.
type Listener struct {
	StreamURL            string `mapstructure:"stream_url"`
	BlockDurationSeconds int    `mapstructure:"block_duration_seconds"`
	SampleRate           int    `mapstructure:"sample_rate"`
	Channels             int    `mapstructure:"channels"`
	Language             string `mapstructure:"language"`

	Backend        string `mapstructure:"backend"` // whisper, openai or deepgram
	Model          string `mapstructure:"model"`
	WhisperCommand string `mapstructure:"whisper_command"`
	OpenAIAPIKey   string `mapstructure:"openai_api_key"`
	DeepgramAPIKey string `mapstructure:"deepgram_api_key"`

	QueueSize            int `mapstructure:"queue_size"`
	ConnectAttempts      int `mapstructure:"connect_attempts"`
	ReconnectMaxAttempts int `mapstructure:"reconnect_max_attempts"`

	DiscordWebhookURL string `mapstructure:"discord_webhook_url"`
}

// Classifier configures conversion and annotation.
type Classifier struct {
	PlayerCommand string `mapstructure:"player_command"`
}

// Config is the whole configuration tree.
type Config struct {
	RawDir       string `mapstructure:"raw_dir"`
	ProcessedDir string `mapstructure:"processed_dir"`

	Listener   Listener   `mapstructure:"listener"`
	Classifier Classifier `mapstructure:"classifier"`
}

// Default returns the configuration used when nothing else is set: French
// radio at 16 kHz mono, ten-second blocks, local whisper.
func Default() *Config {
	return &Config{
		RawDir:       store.DefaultRawRoot,
		ProcessedDir: store.DefaultProcessedRoot,
		Listener: Listener{
			BlockDurationSeconds: 10,
			SampleRate:           16000,
			Channels:             1,
			Language:             "fr",
			Backend:              "whisper",
			Model:                "base",
			QueueSize:            4,
			ConnectAttempts:      1,
			ReconnectMaxAttempts: 10,
		},
	}
}

// Load reads the config file (explicit path, or radioscribe.yaml found in
// the working directory or /etc/radioscribe), then applies RADIOSCRIBE_*
// environment variables. A missing file is fine; defaults carry.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("radioscribe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/radioscribe")
	}

	v.SetEnvPrefix("RADIOSCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Environment variables only reach Unmarshal for keys viper already
	// knows about, so register every key with its default.
	v.SetDefault("raw_dir", cfg.RawDir)
	v.SetDefault("processed_dir", cfg.ProcessedDir)
	v.SetDefault("listener.stream_url", cfg.Listener.StreamURL)
	v.SetDefault("listener.block_duration_seconds", cfg.Listener.BlockDurationSeconds)
	v.SetDefault("listener.sample_rate", cfg.Listener.SampleRate)
	v.SetDefault("listener.channels", cfg.Listener.Channels)
	v.SetDefault("listener.language", cfg.Listener.Language)
	v.SetDefault("listener.backend", cfg.Listener.Backend)
	v.SetDefault("listener.model", cfg.Listener.Model)
	v.SetDefault("listener.whisper_command", cfg.Listener.WhisperCommand)
	v.SetDefault("listener.openai_api_key", cfg.Listener.OpenAIAPIKey)
	v.SetDefault("listener.deepgram_api_key", cfg.Listener.DeepgramAPIKey)
	v.SetDefault("listener.queue_size", cfg.Listener.QueueSize)
	v.SetDefault("listener.connect_attempts", cfg.Listener.ConnectAttempts)
	v.SetDefault("listener.reconnect_max_attempts", cfg.Listener.ReconnectMaxAttempts)
	v.SetDefault("listener.discord_webhook_url", cfg.Listener.DiscordWebhookURL)
	v.SetDefault("classifier.player_command", cfg.Classifier.PlayerCommand)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// BlockDuration returns the block length as a duration.
func (l Listener) BlockDuration() time.Duration {
	return time.Duration(l.BlockDurationSeconds) * time.Second
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	l := c.Listener

	if l.BlockDurationSeconds <= 0 {
		return fmt.Errorf("block_duration_seconds must be positive, got %d", l.BlockDurationSeconds)
	}
	if l.SampleRate < 8000 || l.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000, got %d", l.SampleRate)
	}
	if l.Channels != 1 && l.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", l.Channels)
	}
	if l.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", l.QueueSize)
	}
	if l.ConnectAttempts < 1 {
		return fmt.Errorf("connect_attempts must be at least 1, got %d", l.ConnectAttempts)
	}

	switch l.Backend {
	case "whisper":
		if !transcribe.ValidModel(l.Model) {
			return fmt.Errorf("unknown whisper model %q (allowed: %s)",
				l.Model, strings.Join(transcribe.AllowedModels, ", "))
		}
	case "openai":
		if l.OpenAIAPIKey == "" {
			return fmt.Errorf("backend openai requires openai_api_key")
		}
	case "deepgram":
		if l.DeepgramAPIKey == "" {
			return fmt.Errorf("backend deepgram requires deepgram_api_key")
		}
	default:
		return fmt.Errorf("unknown backend %q (allowed: whisper, openai, deepgram)", l.Backend)
	}

	return nil
}
