/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported recognition backends
const (
	BackendStub    = "stub"
	BackendWhisper = "whisper"
	BackendOpenAI  = "openai"
)

// Config holds all configuration for the scribe server
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Session SessionConfig `mapstructure:"session"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Storage StorageConfig `mapstructure:"storage"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	WSPath          string        `mapstructure:"ws_path"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"` // empty allows any origin
}

// SessionConfig holds per-connection limits and timers
type SessionConfig struct {
	MaxSessions  int           `mapstructure:"max_sessions"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// EngineConfig holds recognition engine configuration
type EngineConfig struct {
	Backend       string `mapstructure:"backend"`
	Language      string `mapstructure:"language"`
	BeamSize      int    `mapstructure:"beam_size"`
	VADFilter     bool   `mapstructure:"vad_filter"`
	GeneralModel  string `mapstructure:"general_model"`
	TunedModel    string `mapstructure:"tuned_model"` // empty means the tuned selector is unavailable
	WhisperModels string `mapstructure:"whisper_model_dir"`
	FFmpegPath    string `mapstructure:"ffmpeg_path"`
	OpenAIBaseURL string `mapstructure:"openai_base_url"`
	OpenAIAPIKey  string `mapstructure:"openai_api_key"`
}

// StorageConfig holds filesystem and database locations
type StorageConfig struct {
	DBPath      string `mapstructure:"db_path"`
	ScratchDir  string `mapstructure:"scratch_dir"` // empty uses the OS temp dir
	FeedbackDir string `mapstructure:"feedback_dir"`
}

// NATSConfig holds NATS messaging configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"` // empty disables job event publishing
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	MaxReconnect  int           `mapstructure:"max_reconnect"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type setting struct {
	key    string
	env    string
	defval interface{}
}

var settings = []setting{
	{"server.host", "SCRIBE_HOST", "0.0.0.0"},
	{"server.port", "SCRIBE_PORT", 8080},
	{"server.grpc_port", "SCRIBE_GRPC_PORT", 50051},
	{"server.ws_path", "SCRIBE_WS_PATH", "/ws"},
	{"server.read_timeout", "SCRIBE_READ_TIMEOUT", 30 * time.Second},
	{"server.write_timeout", "SCRIBE_WRITE_TIMEOUT", 30 * time.Second},
	{"server.max_message_bytes", "SCRIBE_MAX_MESSAGE_BYTES", int64(512 << 20)},
	{"server.allowed_origins", "SCRIBE_ALLOWED_ORIGINS", []string{}},

	{"session.max_sessions", "SESSION_MAX", 100},
	{"session.send_timeout", "SESSION_SEND_TIMEOUT", 300 * time.Second},
	{"session.idle_timeout", "SESSION_IDLE_TIMEOUT", 30 * time.Minute},
	{"session.reap_interval", "SESSION_REAP_INTERVAL", time.Minute},
	{"session.ping_interval", "SESSION_PING_INTERVAL", 20 * time.Second},

	{"engine.backend", "ENGINE_BACKEND", BackendOpenAI},
	{"engine.language", "ENGINE_LANGUAGE", "ja"},
	{"engine.beam_size", "ENGINE_BEAM_SIZE", 5},
	{"engine.vad_filter", "ENGINE_VAD_FILTER", true},
	{"engine.general_model", "ENGINE_GENERAL_MODEL", "large-v3"},
	{"engine.tuned_model", "ENGINE_TUNED_MODEL", ""},
	{"engine.whisper_model_dir", "WHISPER_MODEL_DIR", "./models"},
	{"engine.ffmpeg_path", "FFMPEG_PATH", "ffmpeg"},
	{"engine.openai_base_url", "OPENAI_BASE_URL", "http://stt:8000/v1"},
	{"engine.openai_api_key", "OPENAI_API_KEY", ""},

	{"storage.db_path", "SCRIBE_DB_PATH", "./data/loqa-scribe.db"},
	{"storage.scratch_dir", "SCRIBE_SCRATCH_DIR", ""},
	{"storage.feedback_dir", "SCRIBE_FEEDBACK_DIR", "./data/feedback"},

	{"nats.url", "NATS_URL", "nats://localhost:4222"},
	{"nats.subject_prefix", "NATS_SUBJECT_PREFIX", "scribe.jobs"},
	{"nats.max_reconnect", "NATS_MAX_RECONNECT", 10},
	{"nats.reconnect_wait", "NATS_RECONNECT_WAIT", 2 * time.Second},

	{"logging.level", "LOG_LEVEL", "info"},
	{"logging.format", "LOG_FORMAT", "json"},
}

// Load loads configuration from environment variables with defaults. When
// SCRIBE_CONFIG names a file it is read first and environment variables
// override its values.
func Load() (*Config, error) {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.defval)
		if err := v.BindEnv(s.key, s.env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", s.env, err)
		}
	}

	if path := os.Getenv("SCRIBE_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	config.Engine.Backend = strings.ToLower(strings.TrimSpace(config.Engine.Backend))
	config.Server.AllowedOrigins = compact(config.Server.AllowedOrigins)

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}

	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("websocket path must start with '/': %q", c.Server.WSPath)
	}

	if c.Server.MaxMessageBytes <= 0 {
		return fmt.Errorf("max message bytes must be positive: %d", c.Server.MaxMessageBytes)
	}

	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("max sessions must be positive: %d", c.Session.MaxSessions)
	}

	for name, d := range map[string]time.Duration{
		"send timeout":  c.Session.SendTimeout,
		"idle timeout":  c.Session.IdleTimeout,
		"reap interval": c.Session.ReapInterval,
		"ping interval": c.Session.PingInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("session %s must be positive: %s", name, d)
		}
	}

	switch c.Engine.Backend {
	case BackendStub, BackendWhisper, BackendOpenAI:
	default:
		return fmt.Errorf("unknown engine backend: %q", c.Engine.Backend)
	}

	if c.Engine.GeneralModel == "" {
		return fmt.Errorf("general model must be provided")
	}

	if c.Engine.BeamSize <= 0 {
		return fmt.Errorf("beam size must be positive: %d", c.Engine.BeamSize)
	}

	if c.Engine.Backend == BackendOpenAI && c.Engine.OpenAIBaseURL == "" {
		return fmt.Errorf("OpenAI base URL must be provided for the openai backend")
	}

	if c.Storage.DBPath == "" {
		return fmt.Errorf("database path must be provided")
	}

	return nil
}

// Addr returns the HTTP listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GRPCAddr returns the gRPC listen address
func (s ServerConfig) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort)
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
