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
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIConfig configures the OpenAI-compatible transcription backend
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Models  Models
}

// OpenAI transcribes through any /v1/audio/transcriptions endpoint that
// supports the verbose_json response format
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAI creates the remote backend
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
	}
}

// Name implements Engine
func (o *OpenAI) Name() string {
	return "openai"
}

// Close implements Engine
func (o *OpenAI) Close() error {
	return nil
}

// Run implements Engine. The service answers with every segment at once, so
// the sequence is replayed from the response.
func (o *OpenAI) Run(ctx context.Context, audioPath string, opts Options) (Transcription, error) {
	model, err := o.cfg.Models.Resolve(opts.Model)
	if err != nil {
		return nil, NewError(o.Name(), "resolve model", err)
	}

	req := openai.AudioRequest{
		Model:    model,
		FilePath: audioPath,
		Language: opts.Language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	}

	start := time.Now()
	resp, err := o.client.CreateTranscription(ctx, req)
	if err != nil {
		return nil, NewError(o.Name(), "transcribe", err)
	}

	summary := Summary{
		Language: resp.Language,
		Duration: seconds(resp.Duration),
	}
	if opts.Language != "" {
		summary.LanguageProbability = 1
		if summary.Language == "" {
			summary.Language = opts.Language
		}
	}

	segments := make([]Segment, 0, len(resp.Segments))
	for _, seg := range resp.Segments {
		segments = append(segments, Segment{
			Start: seconds(seg.Start),
			End:   seconds(seg.End),
			Text:  seg.Text,
		})
	}
	if len(segments) == 0 && resp.Text != "" {
		segments = append(segments, Segment{Start: 0, End: summary.Duration, Text: resp.Text})
	}

	logging.LogEngineOperation(o.Name(), "transcribe",
		zap.String("model", model),
		zap.Int("segments", len(segments)),
		zap.Duration("duration", summary.Duration),
		zap.Int64("processing_time_ms", time.Since(start).Milliseconds()),
	)

	return &replay{summary: summary, segments: segments}, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
