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

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/security"
	"go.uber.org/zap"
)

// FeedbackRecord indexes one kept payload
type FeedbackRecord struct {
	JobID     string    `json:"job_id"`
	SessionID string    `json:"session_id"`
	FileName  string    `json:"file_name"`
	Model     string    `json:"model"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// FeedbackStore keeps payloads submitted with save_audio under a directory
// and indexes them in the feedback table
type FeedbackStore struct {
	db  *Database
	dir string
}

// NewFeedbackStore creates the feedback directory if needed
func NewFeedbackStore(db *Database, dir string) (*FeedbackStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("feedback directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create feedback directory: %w", err)
	}
	return &FeedbackStore{db: db, dir: dir}, nil
}

// SaveFeedback writes the payload to <dir>/<job-id>-<file name> and indexes it
func (s *FeedbackStore) SaveFeedback(ctx context.Context, sample events.FeedbackSample) error {
	if err := security.ValidateJobID(sample.JobID); err != nil {
		return err
	}

	name := sample.JobID + "-" + security.SanitizeFileName(sample.FileName)
	path := filepath.Join(s.dir, name)

	created := sample.Timestamp
	if created.IsZero() {
		created = time.Now()
	}

	// Index first so a duplicate job never touches an existing file
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO feedback (job_id, session_id, file_name, model, path, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sample.JobID, sample.SessionID, sample.FileName, sample.Model, path, int64(len(sample.Audio)), created.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to index feedback sample: %w", err)
	}

	if err := writeFileAtomic(s.dir, path, sample.Audio); err != nil {
		if _, derr := s.db.DB().ExecContext(ctx, "DELETE FROM feedback WHERE job_id = ?", sample.JobID); derr != nil {
			logging.LogError(derr, "Failed to drop feedback index row", zap.String("job_id", sample.JobID))
		}
		return err
	}

	logging.LogDatabaseOperation("insert", "feedback",
		zap.String("job_id", sample.JobID),
		zap.String("path", security.SanitizeLogInput(path)),
		zap.Int("bytes", len(sample.Audio)),
	)
	return nil
}

// List returns the most recent feedback records, newest first
func (s *FeedbackStore) List(ctx context.Context, limit int) ([]FeedbackRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT job_id, session_id, file_name, model, path, size, created_at
		FROM feedback ORDER BY created_at DESC, job_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	records := make([]FeedbackRecord, 0)
	for rows.Next() {
		var r FeedbackRecord
		if err := rows.Scan(&r.JobID, &r.SessionID, &r.FileName, &r.Model, &r.Path, &r.Size, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".incoming-*")
	if err != nil {
		return fmt.Errorf("failed to create feedback file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write feedback file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write feedback file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move feedback file into place: %w", err)
	}
	return nil
}
