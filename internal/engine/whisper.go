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

//go:build whisper

package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"go.uber.org/zap"
)

// Whisper runs recognition locally through the whisper.cpp bindings
type Whisper struct {
	cfg WhisperConfig

	mu     sync.Mutex
	models map[string]whisper.Model

	// A model owns a single native context, so Process calls on it are
	// serialized, and Close waits for them before freeing the models.
	running *inflight
}

// NewWhisper creates the whisper.cpp backend. The general model is loaded
// eagerly so that a missing file fails at startup.
func NewWhisper(cfg WhisperConfig) (*Whisper, error) {
	w := &Whisper{cfg: cfg, models: make(map[string]whisper.Model), running: newInflight()}
	if _, err := w.model(cfg.Models.General); err != nil {
		return nil, err
	}
	return w, nil
}

// Name implements Engine
func (w *Whisper) Name() string {
	return "whisper"
}

func (w *Whisper) model(name string) (whisper.Model, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if m, ok := w.models[name]; ok {
		return m, nil
	}

	path := w.cfg.modelPath(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, NewError(w.Name(), "load model", fmt.Errorf("whisper model not found at %s", path))
	}

	m, err := whisper.New(path)
	if err != nil {
		return nil, NewError(w.Name(), "load model", fmt.Errorf("failed to load whisper model: %w", err))
	}

	logging.LogEngineOperation(w.Name(), "load_model", zap.String("path", path))
	w.models[name] = m
	return m, nil
}

// Run implements Engine
func (w *Whisper) Run(ctx context.Context, audioPath string, opts Options) (Transcription, error) {
	name, err := w.cfg.Models.Resolve(opts.Model)
	if err != nil {
		return nil, NewError(w.Name(), "resolve model", err)
	}
	if err := w.running.enter(); err != nil {
		return nil, NewError(w.Name(), "run", err)
	}
	started := false
	defer func() {
		if !started {
			w.running.exit()
		}
	}()

	model, err := w.model(name)
	if err != nil {
		return nil, err
	}

	samples, err := decodePCM(ctx, w.cfg.FFmpegPath, audioPath)
	if err != nil {
		return nil, NewError(w.Name(), "decode audio", err)
	}

	wctx, err := model.NewContext()
	if err != nil {
		return nil, NewError(w.Name(), "create context", err)
	}

	language := strings.TrimSpace(opts.Language)
	if language == "" {
		language = "auto"
	}
	if err := wctx.SetLanguage(language); err != nil {
		return nil, NewError(w.Name(), "set language", err)
	}
	if opts.BeamSize > 0 {
		wctx.SetBeamSize(opts.BeamSize)
	}

	summary := Summary{Language: language, Duration: samplesDuration(len(samples))}
	if language != "auto" {
		summary.LanguageProbability = 1
	}

	logging.LogEngineOperation(w.Name(), "run",
		zap.String("model", name),
		zap.Int("samples", len(samples)),
		zap.Duration("duration", summary.Duration),
	)

	var detected string
	s := newStream(w.Name())
	started = true
	s.start(func(emit func(Segment) bool) error {
		defer w.running.exit()

		var delivered bool
		onSegment := func(seg whisper.Segment) {
			if !delivered && language == "auto" {
				detected = wctx.DetectedLanguage()
			}
			delivered = true
			emit(Segment{Start: seg.Start, End: seg.End, Text: seg.Text})
		}
		// Returning false from the encoder callback skips the remaining
		// windows once the consumer has gone away or the backend is closing.
		keepGoing := func() bool { return !s.abandoned() && !w.running.stopping() }
		return w.running.serialize(name, func() error {
			return wctx.Process(samples, keepGoing, onSegment, nil)
		})
	})

	if err := s.awaitFirst(ctx); err != nil {
		return nil, NewError(w.Name(), "process", err)
	}
	if detected != "" {
		summary.Language = detected
	}
	s.summary = summary
	return s, nil
}

// Close implements Engine. It stops running jobs and waits for them to leave
// the native code before the models are freed.
func (w *Whisper) Close() error {
	w.running.drain()

	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for name, m := range w.models {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.models, name)
	}
	logging.LogEngineOperation(w.Name(), "close")
	return firstErr
}
