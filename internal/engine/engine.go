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

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"go.uber.org/zap"
)

// Engine runs recognition over an audio file and exposes its output as a
// lazy, non-restartable sequence of segments.
type Engine interface {
	// Run starts recognition. Failures before any output are returned here
	// as *Error.
	Run(ctx context.Context, audioPath string, opts Options) (Transcription, error)
	// Name identifies the backend in logs and job records.
	Name() string
	// Close releases loaded models.
	Close() error
}

// Transcription is the lazy result of one Run
type Transcription interface {
	Summary() Summary
	// Next returns the next segment, or io.EOF once the sequence is exhausted.
	Next(ctx context.Context) (Segment, error)
	// Close abandons the sequence. It is legal at any point and never an error
	// for the producer.
	Close() error
}

// Segment is one timed span of recognized text
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Summary describes the whole input
type Summary struct {
	Language            string
	LanguageProbability float64
	Duration            time.Duration
}

// Options configures one Run
type Options struct {
	Model     protocol.ModelSelector
	Language  string
	BeamSize  int
	VADFilter bool
}

// OptionsFromConfig builds run options for a model selector
func OptionsFromConfig(cfg config.EngineConfig, model protocol.ModelSelector) Options {
	return Options{
		Model:     model,
		Language:  cfg.Language,
		BeamSize:  cfg.BeamSize,
		VADFilter: cfg.VADFilter,
	}
}

// ErrModelUnavailable is returned when a selector has no configured model
var ErrModelUnavailable = errors.New("model not configured")

// Models maps selectors onto backend model names
type Models struct {
	General string
	Tuned   string
}

// Resolve returns the backend model name for a selector
func (m Models) Resolve(sel protocol.ModelSelector) (string, error) {
	var name string
	switch sel {
	case protocol.ModelGeneral, "":
		name = m.General
	case protocol.ModelTuned:
		name = m.Tuned
	default:
		return "", fmt.Errorf("unknown model selector %q", sel)
	}
	if name == "" {
		return "", fmt.Errorf("%s: %w", sel, ErrModelUnavailable)
	}
	return name, nil
}

// Error is a recognition failure raised by a backend
type Error struct {
	Backend string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return "engine error"
	}
	return fmt.Sprintf("%s engine: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError wraps err as an engine failure. Nil stays nil and an existing
// *Error is returned unchanged.
func NewError(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return err
	}
	return &Error{Backend: backend, Op: op, Err: err}
}

// IsEngineError reports whether err carries an *Error
func IsEngineError(err error) bool {
	var engineErr *Error
	return errors.As(err, &engineErr)
}

// New builds the backend selected by configuration
func New(cfg config.EngineConfig) (Engine, error) {
	models := Models{General: cfg.GeneralModel, Tuned: cfg.TunedModel}

	logging.LogEngineOperation(cfg.Backend, "init",
		zap.String("general_model", cfg.GeneralModel),
		zap.Bool("tuned_available", cfg.TunedModel != ""),
	)

	switch cfg.Backend {
	case config.BackendStub:
		return NewStub(DefaultScript(models)), nil
	case config.BackendWhisper:
		w, err := NewWhisper(WhisperConfig{
			ModelDir:   cfg.WhisperModels,
			FFmpegPath: cfg.FFmpegPath,
			Models:     models,
		})
		if err != nil {
			return nil, err
		}
		return w, nil
	case config.BackendOpenAI:
		return NewOpenAI(OpenAIConfig{
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Models:  models,
		}), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}
