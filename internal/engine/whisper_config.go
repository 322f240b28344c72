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
	"path/filepath"
	"strings"
)

// WhisperConfig configures the local whisper.cpp backend
type WhisperConfig struct {
	ModelDir   string
	FFmpegPath string
	Models     Models
}

// modelPath maps a configured model name onto a ggml file. Bare names such
// as "large-v3" become "<dir>/ggml-large-v3.bin"; names ending in ".bin" are
// used as given, relative to dir unless absolute.
func (c WhisperConfig) modelPath(name string) string {
	if strings.HasSuffix(name, ".bin") {
		if filepath.IsAbs(name) {
			return name
		}
		return filepath.Join(c.ModelDir, name)
	}
	return filepath.Join(c.ModelDir, "ggml-"+name+".bin")
}
