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
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"go.uber.org/zap"
)

// ErrJobNotFound is returned when no job has the requested ID
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `job_id, session_id, timestamp,
	file_name, model, backend, audio_hash, audio_size, saved_for_feedback,
	language, language_probability, audio_duration, segment_count, transcription,
	status, processing_time_ms, error_message`

// sortColumns maps accepted sort keys to columns
var sortColumns = map[string]string{
	"timestamp":       "timestamp",
	"duration":        "audio_duration",
	"processing_time": "processing_time_ms",
	"segments":        "segment_count",
}

// JobsStore handles database operations for job history
type JobsStore struct {
	db *Database
}

// NewJobsStore creates a new jobs store
func NewJobsStore(db *Database) *JobsStore {
	return &JobsStore{db: db}
}

// Insert stores a finished job
func (s *JobsStore) Insert(ctx context.Context, event *events.JobEvent) error {
	if err := event.IsValid(); err != nil {
		return fmt.Errorf("invalid job event: %w", err)
	}

	query := `INSERT INTO jobs (` + jobColumns + `) VALUES (
		?, ?, ?,
		?, ?, ?, ?, ?, ?,
		?, ?, ?, ?, ?,
		?, ?, ?
	)`

	_, err := s.db.DB().ExecContext(ctx, query,
		event.JobID, event.SessionID, event.Timestamp.UTC(),
		event.FileName, event.Model, event.Backend, event.AudioHash, event.AudioSize, event.SavedForFeedback,
		event.Language, event.LanguageProbability, event.AudioDuration, event.SegmentCount, event.Transcription,
		string(event.Status), event.ProcessingTime, event.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	logging.LogDatabaseOperation("insert", "jobs",
		zap.String("job_id", event.JobID),
		zap.String("status", string(event.Status)),
	)
	return nil
}

// GetByID retrieves a job by its ID
func (s *JobsStore) GetByID(ctx context.Context, jobID string) (*events.JobEvent, error) {
	row := s.db.DB().QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// List retrieves jobs with pagination and filtering
func (s *JobsStore) List(ctx context.Context, options ListOptions) ([]*events.JobEvent, error) {
	query, args := buildListQuery(options)

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*events.JobEvent, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

// Count returns the number of jobs matching the filter
func (s *JobsStore) Count(ctx context.Context, options ListOptions) (int64, error) {
	options.Limit = 0
	options.Offset = 0
	query, args := buildListQuery(options)

	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS filtered"

	var count int64
	if err := s.db.DB().QueryRowContext(ctx, countQuery, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

// GetByAudioHash finds jobs that processed the same payload
func (s *JobsStore) GetByAudioHash(ctx context.Context, audioHash string) ([]*events.JobEvent, error) {
	return s.List(ctx, ListOptions{AudioHash: audioHash})
}

// Delete removes a job by ID
func (s *JobsStore) Delete(ctx context.Context, jobID string) error {
	result, err := s.db.DB().ExecContext(ctx, "DELETE FROM jobs WHERE job_id = ?", jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	logging.LogDatabaseOperation("delete", "jobs", zap.String("job_id", jobID))
	return nil
}

// ListOptions defines filtering and pagination options
type ListOptions struct {
	// Filtering
	SessionID string
	Status    events.JobStatus
	Model     string
	AudioHash string
	StartTime *time.Time
	EndTime   *time.Time

	// Pagination
	Limit  int
	Offset int

	// Sorting
	SortBy    string // "timestamp", "duration", "processing_time", "segments"
	SortOrder string // "ASC", "DESC"
}

// buildListQuery constructs the SQL query based on ListOptions
func buildListQuery(options ListOptions) (string, []interface{}) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []interface{}

	if options.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, options.SessionID)
	}
	if options.Status != "" {
		query += " AND status = ?"
		args = append(args, string(options.Status))
	}
	if options.Model != "" {
		query += " AND model = ?"
		args = append(args, options.Model)
	}
	if options.AudioHash != "" {
		query += " AND audio_hash = ?"
		args = append(args, options.AudioHash)
	}
	if options.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, options.StartTime.UTC())
	}
	if options.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, options.EndTime.UTC())
	}

	sortBy, ok := sortColumns[options.SortBy]
	if !ok {
		sortBy = "timestamp"
	}
	sortOrder := "DESC"
	if strings.EqualFold(options.SortOrder, "ASC") {
		sortOrder = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, job_id %s", sortBy, sortOrder, sortOrder)

	if options.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, options.Limit)

		if options.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, options.Offset)
		}
	}

	return query, args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans a database row into a JobEvent
func scanJob(row rowScanner) (*events.JobEvent, error) {
	var job events.JobEvent
	var status string

	err := row.Scan(
		&job.JobID, &job.SessionID, &job.Timestamp,
		&job.FileName, &job.Model, &job.Backend, &job.AudioHash, &job.AudioSize, &job.SavedForFeedback,
		&job.Language, &job.LanguageProbability, &job.AudioDuration, &job.SegmentCount, &job.Transcription,
		&status, &job.ProcessingTime, &job.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	job.Status = events.JobStatus(status)
	return &job, nil
}
