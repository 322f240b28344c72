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

package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the terminal state of a transcription job
type JobStatus string

const (
	JobCompleted JobStatus = "completed"
	JobStopped   JobStatus = "stopped"
	JobFailed    JobStatus = "failed"
	// JobAbandoned means the connection was lost and no terminal frame
	// could be delivered
	JobAbandoned JobStatus = "abandoned"
)

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case JobCompleted, JobStopped, JobFailed, JobAbandoned:
		return true
	default:
		return false
	}
}

// JobEvent records one transcription job from submission to its terminal state
type JobEvent struct {
	// Core identification
	JobID     string    `json:"job_id" db:"job_id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`

	// Request
	FileName         string `json:"file_name" db:"file_name"`
	Model            string `json:"model" db:"model"`
	Backend          string `json:"backend" db:"backend"`
	AudioHash        string `json:"audio_hash" db:"audio_hash"`
	AudioSize        int64  `json:"audio_size" db:"audio_size"`
	SavedForFeedback bool   `json:"saved_for_feedback" db:"saved_for_feedback"`

	// Recognition results
	Language            string  `json:"language" db:"language"`
	LanguageProbability float64 `json:"language_probability" db:"language_probability"`
	AudioDuration       float64 `json:"audio_duration" db:"audio_duration"`
	SegmentCount        int     `json:"segment_count" db:"segment_count"`
	Transcription       string  `json:"transcription" db:"transcription"`

	// Outcome
	Status         JobStatus `json:"status" db:"status"`
	ProcessingTime int64     `json:"processing_time_ms" db:"processing_time_ms"`
	ErrorMessage   string    `json:"error_message,omitempty" db:"error_message"`
}

// NewJobEvent creates a JobEvent with a generated job ID and the current time
func NewJobEvent(sessionID, fileName, model string) *JobEvent {
	return &JobEvent{
		JobID:     uuid.NewString(),
		SessionID: sessionID,
		FileName:  fileName,
		Model:     model,
		Timestamp: time.Now(),
	}
}

// GetJobID returns the job identifier
func (je *JobEvent) GetJobID() string {
	return je.JobID
}

// SetAudio records the payload size and hash for duplicate detection
func (je *JobEvent) SetAudio(data []byte) {
	sum := sha256.Sum256(data)
	je.AudioHash = hex.EncodeToString(sum[:])
	je.AudioSize = int64(len(data))
}

// SetSummary records the engine's description of the input
func (je *JobEvent) SetSummary(language string, probability float64, duration time.Duration) {
	je.Language = language
	je.LanguageProbability = probability
	je.AudioDuration = duration.Seconds()
}

// AddSegment accumulates one segment's text
func (je *JobEvent) AddSegment(text string) {
	je.SegmentCount++
	je.Transcription += text
}

// Finish sets the terminal status and processing time
func (je *JobEvent) Finish(status JobStatus) {
	je.Status = status
	je.ProcessingTime = time.Since(je.Timestamp).Milliseconds()
}

// SetError marks the event as failed with an error message
func (je *JobEvent) SetError(err error) {
	if err == nil {
		return
	}
	je.ErrorMessage = err.Error()
	je.Finish(JobFailed)
}

// IsValid performs basic validation on the job event
func (je *JobEvent) IsValid() error {
	if je.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if je.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if je.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if !je.Status.Valid() {
		return fmt.Errorf("invalid status %q", je.Status)
	}

	if je.LanguageProbability < 0 || je.LanguageProbability > 1 {
		return fmt.Errorf("language probability must be between 0 and 1")
	}

	return nil
}

// String returns a human-readable representation of the job event
func (je *JobEvent) String() string {
	return fmt.Sprintf("JobEvent{JobID: %s, SessionID: %s, Status: %s, Segments: %d, Duration: %.1fs}",
		je.JobID, je.SessionID, je.Status, je.SegmentCount, je.AudioDuration)
}

// FeedbackSample is an uploaded payload the user agreed to keep for model tuning
type FeedbackSample struct {
	JobID     string
	SessionID string
	FileName  string
	Model     string
	Audio     []byte
	Timestamp time.Time
}
