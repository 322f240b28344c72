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

package server

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/messaging"
	"github.com/loqalabs/loqa-scribe/internal/storage"
	"go.uber.org/zap"
)

type jobPublisher interface {
	PublishJobEvent(event *events.JobEvent) error
}

// jobRecorder stores every finished job and publishes it when NATS is up
type jobRecorder struct {
	jobs      *storage.JobsStore
	publisher jobPublisher
}

func (r *jobRecorder) RecordJob(ctx context.Context, event *events.JobEvent) {
	if r.jobs != nil {
		if err := r.jobs.Insert(ctx, event); err != nil {
			logging.LogError(err, "Failed to store job", zap.String("job_id", event.JobID))
		}
	}

	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishJobEvent(event); err != nil && !errors.Is(err, messaging.ErrNotConnected) {
		logging.LogWarn("Failed to publish job event", zap.String("job_id", event.JobID), zap.Error(err))
	}
}
