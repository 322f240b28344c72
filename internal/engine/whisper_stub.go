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

//go:build !whisper

package engine

import (
	"context"
	"errors"
)

// ErrWhisperDisabled is returned when the binary was built without whisper.cpp
var ErrWhisperDisabled = errors.New("whisper backend disabled (build with -tags whisper to enable)")

// Whisper stub implementation when whisper is disabled
type Whisper struct {
	cfg WhisperConfig
}

// NewWhisper reports that the backend is unavailable in this build
func NewWhisper(cfg WhisperConfig) (*Whisper, error) {
	return nil, NewError("whisper", "init", ErrWhisperDisabled)
}

// Name implements Engine
func (w *Whisper) Name() string {
	return "whisper"
}

// Run stub implementation
func (w *Whisper) Run(ctx context.Context, audioPath string, opts Options) (Transcription, error) {
	return nil, NewError(w.Name(), "run", ErrWhisperDisabled)
}

// Close stub implementation
func (w *Whisper) Close() error {
	return nil
}
