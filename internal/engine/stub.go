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
	"io"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/logging"
	"go.uber.org/zap"
)

// ErrTranscriptionClosed is returned by Next after Close
var ErrTranscriptionClosed = errors.New("transcription closed")

// Script drives the stub engine
type Script struct {
	Summary  Summary
	Segments []Segment
	Models   Models
	// Delay is slept before every segment.
	Delay time.Duration
	// Hold, when set, gates every segment after the first on a receive.
	Hold <-chan struct{}
	// RunErr fails Run before any output.
	RunErr error
	// FailErr fails Next at index FailAt.
	FailErr error
	FailAt  int
}

// DefaultScript returns three placeholder segments spread over 30 seconds
func DefaultScript(models Models) Script {
	return Script{
		Summary: Summary{Language: "ja", LanguageProbability: 1, Duration: 30 * time.Second},
		Segments: []Segment{
			{Start: 0, End: 10 * time.Second, Text: "[stub] segment 1"},
			{Start: 10 * time.Second, End: 20 * time.Second, Text: "[stub] segment 2"},
			{Start: 20 * time.Second, End: 30 * time.Second, Text: "[stub] segment 3"},
		},
		Models: models,
	}
}

// Stub produces deterministic transcriptions without invoking a recognizer
type Stub struct {
	script Script

	mu       sync.Mutex
	runs     int
	lastOpts Options
	lastPath string
	open     []*stubTranscription
}

// NewStub returns an Engine that replays script on every Run
func NewStub(script Script) *Stub {
	return &Stub{script: script}
}

// Name implements Engine
func (s *Stub) Name() string {
	return "stub"
}

// Close implements Engine
func (s *Stub) Close() error {
	return nil
}

// Run implements Engine
func (s *Stub) Run(ctx context.Context, audioPath string, opts Options) (Transcription, error) {
	s.mu.Lock()
	s.runs++
	s.lastOpts = opts
	s.lastPath = audioPath
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, NewError(s.Name(), "run", err)
	}
	if s.script.RunErr != nil {
		return nil, NewError(s.Name(), "run", s.script.RunErr)
	}
	if s.script.Models != (Models{}) {
		if _, err := s.script.Models.Resolve(opts.Model); err != nil {
			return nil, NewError(s.Name(), "resolve model", err)
		}
	}
	if _, err := os.Stat(audioPath); err != nil {
		return nil, NewError(s.Name(), "open audio", err)
	}

	logging.LogEngineOperation(s.Name(), "run",
		zap.String("model", string(opts.Model)),
		zap.Int("segments", len(s.script.Segments)),
	)

	t := &stubTranscription{script: s.script, closed: make(chan struct{})}
	s.mu.Lock()
	s.open = append(s.open, t)
	s.mu.Unlock()
	return t, nil
}

// Runs returns how many times Run was called
func (s *Stub) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// LastRun returns the path and options of the most recent Run
func (s *Stub) LastRun() (string, Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPath, s.lastOpts
}

// AllClosed reports whether every transcription handed out was closed
func (s *Stub) AllClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.open {
		if !t.isClosed() {
			return false
		}
	}
	return true
}

type stubTranscription struct {
	script    Script
	next      int
	closed    chan struct{}
	closeOnce sync.Once
}

func (t *stubTranscription) Summary() Summary {
	return t.script.Summary
}

func (t *stubTranscription) Next(ctx context.Context) (Segment, error) {
	if t.isClosed() {
		return Segment{}, ErrTranscriptionClosed
	}
	if t.next >= len(t.script.Segments) {
		return Segment{}, io.EOF
	}

	if t.next > 0 && t.script.Hold != nil {
		select {
		case <-t.script.Hold:
		case <-t.closed:
			return Segment{}, ErrTranscriptionClosed
		case <-ctx.Done():
			return Segment{}, ctx.Err()
		}
	}
	if t.script.Delay > 0 {
		timer := time.NewTimer(t.script.Delay)
		select {
		case <-timer.C:
		case <-t.closed:
			timer.Stop()
			return Segment{}, ErrTranscriptionClosed
		case <-ctx.Done():
			timer.Stop()
			return Segment{}, ctx.Err()
		}
	}

	if t.script.FailErr != nil && t.next == t.script.FailAt {
		return Segment{}, NewError("stub", "decode", fmt.Errorf("segment %d: %w", t.next, t.script.FailErr))
	}

	seg := t.script.Segments[t.next]
	t.next++
	return seg, nil
}

func (t *stubTranscription) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *stubTranscription) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}
