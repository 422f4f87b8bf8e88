package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the top-level server configuration
type Config struct {
	Server         ServerConfig         `toml:"server"`
	Logging        LoggingConfig        `toml:"logging"`
	Storage        StorageConfig        `toml:"storage"`
	Upstream       UpstreamConfig       `toml:"upstream"`
	Sessions       SessionsConfig       `toml:"sessions"`
	PostProcessing PostProcessingConfig `toml:"post_processing"`
}

// ServerConfig represents the HTTP server configuration
type ServerConfig struct {
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
}

// LoggingConfig represents the logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// StorageConfig represents the persistence configuration
type StorageConfig struct {
	Path string `toml:"path"`
}

// UpstreamConfig represents the streaming transcription provider configuration
type UpstreamConfig struct {
	URL                 string `toml:"url"`
	APIKey              string `toml:"api_key"`
	Encoding            string `toml:"encoding"`
	SampleRate          int    `toml:"sample_rate"`
	Channels            int    `toml:"channels"`
	ChunkMs             int    `toml:"chunk_ms"`
	ReadyTimeoutSeconds int    `toml:"ready_timeout_seconds"`
	CloseTimeoutSeconds int    `toml:"close_timeout_seconds"`
}

// SessionsConfig represents recording session lifecycle configuration
type SessionsConfig struct {
	IdleTimeoutSeconds    int  `toml:"idle_timeout_seconds"`
	GracePeriodSeconds    int  `toml:"grace_period_seconds"`
	SweepIntervalSeconds  int  `toml:"sweep_interval_seconds"`
	LiveCaptions          bool `toml:"live_captions"`
	MaxAudioFrameBytes    int  `toml:"max_audio_frame_bytes"`
	ClientWriteTimeoutMs  int  `toml:"client_write_timeout_ms"`
	ClientPingIntervalSec int  `toml:"client_ping_interval_seconds"`
	ClientReadTimeoutSec  int  `toml:"client_read_timeout_seconds"`
	FinalizeOnDisconnect  bool `toml:"finalize_on_disconnect"`
}

// PostProcessingConfig represents the downstream AI pipeline configuration
type PostProcessingConfig struct {
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			CORSAllowedOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Storage: StorageConfig{
			Path: "voxnote.db",
		},
		Upstream: UpstreamConfig{
			URL:                 "wss://api.speechwire.example/v1/listen",
			Encoding:            "pcm16",
			SampleRate:          16000,
			Channels:            1,
			ChunkMs:             100,
			ReadyTimeoutSeconds: 10,
			CloseTimeoutSeconds: 30,
		},
		Sessions: SessionsConfig{
			IdleTimeoutSeconds:    120,
			GracePeriodSeconds:    300,
			SweepIntervalSeconds:  30,
			LiveCaptions:          true,
			MaxAudioFrameBytes:    1 << 20,
			ClientWriteTimeoutMs:  5000,
			ClientPingIntervalSec: 30,
			ClientReadTimeoutSec:  90,
			FinalizeOnDisconnect:  true,
		},
		PostProcessing: PostProcessingConfig{
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 60,
		},
	}
}

// Load loads the configuration from the given path, applying defaults for
// anything the file omits
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks the configuration for values the server cannot run with
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream URL is required")
	}
	if c.Upstream.SampleRate <= 0 {
		return fmt.Errorf("invalid upstream sample rate: %d", c.Upstream.SampleRate)
	}
	if c.Upstream.Channels <= 0 {
		return fmt.Errorf("invalid upstream channel count: %d", c.Upstream.Channels)
	}
	if c.Upstream.ChunkMs <= 0 {
		return fmt.Errorf("invalid upstream chunk size: %dms", c.Upstream.ChunkMs)
	}
	return nil
}
