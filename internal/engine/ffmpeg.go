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
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// SampleRate is the PCM rate expected by whisper.cpp
const SampleRate = 16000

// buildFFmpegArgs converts any container ffmpeg understands into raw mono
// float32 little-endian PCM on stdout
func buildFFmpegArgs(inputPath string) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-i", inputPath,
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ac", "1",
		"-ar", strconv.Itoa(SampleRate),
		"-",
	}
}

// decodePCM runs ffmpeg and returns the decoded samples
func decodePCM(ctx context.Context, ffmpegPath, inputPath string) ([]float32, error) {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, ffmpegPath, buildFFmpegArgs(inputPath)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("ffmpeg audio conversion failed: %w", err)
		}
		return nil, fmt.Errorf("ffmpeg audio conversion failed: %w: %s", err, msg)
	}

	return parseF32LE(stdout.Bytes())
}

// parseF32LE decodes raw float32 little-endian samples
func parseF32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("pcm stream length %d is not a multiple of 4", len(data))
	}
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples, nil
}

// samplesDuration returns the play time of n samples at SampleRate
func samplesDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}
