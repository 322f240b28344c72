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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	// Test server defaults
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Server.GRPCPort != 50051 {
		t.Errorf("Server.GRPCPort = %d, want %d", cfg.Server.GRPCPort, 50051)
	}
	if cfg.Server.WSPath != "/ws" {
		t.Errorf("Server.WSPath = %q, want %q", cfg.Server.WSPath, "/ws")
	}
	if len(cfg.Server.AllowedOrigins) != 0 {
		t.Errorf("Server.AllowedOrigins = %v, want empty", cfg.Server.AllowedOrigins)
	}

	// Test session defaults
	if cfg.Session.SendTimeout != 300*time.Second {
		t.Errorf("Session.SendTimeout = %v, want %v", cfg.Session.SendTimeout, 300*time.Second)
	}
	if cfg.Session.PingInterval != 20*time.Second {
		t.Errorf("Session.PingInterval = %v, want %v", cfg.Session.PingInterval, 20*time.Second)
	}

	// Test engine defaults
	if cfg.Engine.Backend != BackendOpenAI {
		t.Errorf("Engine.Backend = %q, want %q", cfg.Engine.Backend, BackendOpenAI)
	}
	if cfg.Engine.Language != "ja" {
		t.Errorf("Engine.Language = %q, want %q", cfg.Engine.Language, "ja")
	}
	if cfg.Engine.BeamSize != 5 {
		t.Errorf("Engine.BeamSize = %d, want %d", cfg.Engine.BeamSize, 5)
	}
	if !cfg.Engine.VADFilter {
		t.Error("Engine.VADFilter = false, want true")
	}
	if cfg.Engine.GeneralModel != "large-v3" {
		t.Errorf("Engine.GeneralModel = %q, want %q", cfg.Engine.GeneralModel, "large-v3")
	}
	if cfg.Engine.TunedModel != "" {
		t.Errorf("Engine.TunedModel = %q, want empty", cfg.Engine.TunedModel)
	}

	if cfg.NATS.SubjectPrefix != "scribe.jobs" {
		t.Errorf("NATS.SubjectPrefix = %q, want %q", cfg.NATS.SubjectPrefix, "scribe.jobs")
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name: "Server configuration",
			envVars: map[string]string{
				"SCRIBE_HOST":            "127.0.0.1",
				"SCRIBE_PORT":            "3000",
				"SCRIBE_GRPC_PORT":       "50052",
				"SCRIBE_WS_PATH":         "/stream",
				"SCRIBE_ALLOWED_ORIGINS": "http://a.example, http://b.example",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Server.Addr() != "127.0.0.1:3000" {
					t.Errorf("Server.Addr() = %q, want %q", cfg.Server.Addr(), "127.0.0.1:3000")
				}
				if cfg.Server.GRPCAddr() != "127.0.0.1:50052" {
					t.Errorf("Server.GRPCAddr() = %q, want %q", cfg.Server.GRPCAddr(), "127.0.0.1:50052")
				}
				if cfg.Server.WSPath != "/stream" {
					t.Errorf("Server.WSPath = %q, want %q", cfg.Server.WSPath, "/stream")
				}
				want := []string{"http://a.example", "http://b.example"}
				if strings.Join(cfg.Server.AllowedOrigins, "|") != strings.Join(want, "|") {
					t.Errorf("Server.AllowedOrigins = %v, want %v", cfg.Server.AllowedOrigins, want)
				}
			},
		},
		{
			name: "Session timers",
			envVars: map[string]string{
				"SESSION_MAX":          "4",
				"SESSION_SEND_TIMEOUT": "5s",
				"SESSION_IDLE_TIMEOUT": "2m",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Session.MaxSessions != 4 {
					t.Errorf("Session.MaxSessions = %d, want %d", cfg.Session.MaxSessions, 4)
				}
				if cfg.Session.SendTimeout != 5*time.Second {
					t.Errorf("Session.SendTimeout = %v, want %v", cfg.Session.SendTimeout, 5*time.Second)
				}
				if cfg.Session.IdleTimeout != 2*time.Minute {
					t.Errorf("Session.IdleTimeout = %v, want %v", cfg.Session.IdleTimeout, 2*time.Minute)
				}
			},
		},
		{
			name: "Engine models",
			envVars: map[string]string{
				"ENGINE_BACKEND":       "STUB",
				"ENGINE_TUNED_MODEL":   "kotoba-whisper",
				"ENGINE_GENERAL_MODEL": "medium",
				"ENGINE_VAD_FILTER":    "false",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Engine.Backend != BackendStub {
					t.Errorf("Engine.Backend = %q, want %q", cfg.Engine.Backend, BackendStub)
				}
				if cfg.Engine.TunedModel != "kotoba-whisper" {
					t.Errorf("Engine.TunedModel = %q, want %q", cfg.Engine.TunedModel, "kotoba-whisper")
				}
				if cfg.Engine.GeneralModel != "medium" {
					t.Errorf("Engine.GeneralModel = %q, want %q", cfg.Engine.GeneralModel, "medium")
				}
				if cfg.Engine.VADFilter {
					t.Error("Engine.VADFilter = true, want false")
				}
			},
		},
		{
			name: "NATS configuration",
			envVars: map[string]string{
				"NATS_URL":            "nats://custom:4223",
				"NATS_MAX_RECONNECT":  "5",
				"NATS_RECONNECT_WAIT": "5s",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.NATS.URL != "nats://custom:4223" {
					t.Errorf("NATS.URL = %q, want %q", cfg.NATS.URL, "nats://custom:4223")
				}
				if cfg.NATS.MaxReconnect != 5 {
					t.Errorf("NATS.MaxReconnect = %d, want %d", cfg.NATS.MaxReconnect, 5)
				}
				if cfg.NATS.ReconnectWait != 5*time.Second {
					t.Errorf("NATS.ReconnectWait = %v, want %v", cfg.NATS.ReconnectWait, 5*time.Second)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	content := `
server:
  port: 9090
engine:
  backend: whisper
  tuned_model: ggml-tuned.bin
storage:
  feedback_dir: /var/lib/scribe/feedback
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SCRIBE_CONFIG", path)
	// Environment still wins over the file
	t.Setenv("SCRIBE_PORT", "9191")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9191)
	}
	if cfg.Engine.Backend != BackendWhisper {
		t.Errorf("Engine.Backend = %q, want %q", cfg.Engine.Backend, BackendWhisper)
	}
	if cfg.Engine.TunedModel != "ggml-tuned.bin" {
		t.Errorf("Engine.TunedModel = %q, want %q", cfg.Engine.TunedModel, "ggml-tuned.bin")
	}
	if cfg.Storage.FeedbackDir != "/var/lib/scribe/feedback" {
		t.Errorf("Storage.FeedbackDir = %q, want %q", cfg.Storage.FeedbackDir, "/var/lib/scribe/feedback")
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("SCRIBE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Error("Load() expected error for missing config file")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr string
	}{
		{"Invalid port", map[string]string{"SCRIBE_PORT": "70000"}, "invalid server port"},
		{"Invalid gRPC port", map[string]string{"SCRIBE_GRPC_PORT": "0"}, "invalid gRPC port"},
		{"Bad websocket path", map[string]string{"SCRIBE_WS_PATH": "ws"}, "websocket path"},
		{"Unknown backend", map[string]string{"ENGINE_BACKEND": "vosk"}, "unknown engine backend"},
		{"Zero send timeout", map[string]string{"SESSION_SEND_TIMEOUT": "0s"}, "send timeout"},
		{"Zero max sessions", map[string]string{"SESSION_MAX": "0"}, "max sessions"},
		{"Zero beam size", map[string]string{"ENGINE_BEAM_SIZE": "0"}, "beam size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			_, err := Load()
			if err == nil {
				t.Fatal("Load() expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}
