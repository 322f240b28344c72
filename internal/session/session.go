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

package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrJobActive is returned when a job is submitted while another one runs
var ErrJobActive = errors.New("a transcription job is already running on this connection")

// Session is the per-connection state: an identifier, a cooperative stop
// flag and at most one in-flight job
type Session struct {
	id        string
	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	stop atomic.Bool

	mutex        sync.RWMutex
	activeJob    string
	active       bool
	lastActivity time.Time
}

// NewID returns a fresh connection identifier
func NewID() string {
	return uuid.NewString()
}

func newSession(parent context.Context, id string) *Session {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	return &Session{
		id:           id,
		startTime:    now,
		ctx:          ctx,
		cancel:       cancel,
		lastActivity: now,
	}
}

// ID returns the connection identifier
func (s *Session) ID() string {
	return s.id
}

// StartTime returns when the connection was accepted
func (s *Session) StartTime() time.Time {
	return s.startTime
}

// Context is cancelled when the session is removed or reaped
func (s *Session) Context() context.Context {
	return s.ctx
}

// RequestStop sets the cancellation flag. The running job observes it at its
// next segment boundary.
func (s *Session) RequestStop() {
	s.stop.Store(true)
}

// StopRequested reports whether a stop is pending
func (s *Session) StopRequested() bool {
	return s.stop.Load()
}

// BeginJob claims the job slot and clears any stale stop flag
func (s *Session) BeginJob(jobID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.active {
		return ErrJobActive
	}
	s.active = true
	s.activeJob = jobID
	s.lastActivity = time.Now()
	s.stop.Store(false)
	return nil
}

// EndJob releases the job slot. Calling it with no job active is a no-op.
func (s *Session) EndJob() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.active = false
	s.activeJob = ""
	s.lastActivity = time.Now()
}

// ActiveJob returns the in-flight job ID, if any
func (s *Session) ActiveJob() (string, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.activeJob, s.active
}

// Touch records activity on the connection
func (s *Session) Touch() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the time of the last frame or job transition
func (s *Session) LastActivity() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastActivity
}

// Info is a point-in-time view of a session for health reporting
type Info struct {
	ID           string    `json:"id"`
	StartTime    time.Time `json:"start_time"`
	LastActivity time.Time `json:"last_activity"`
	ActiveJob    string    `json:"active_job,omitempty"`
}

func (s *Session) info() Info {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return Info{
		ID:           s.id,
		StartTime:    s.startTime,
		LastActivity: s.lastActivity,
		ActiveJob:    s.activeJob,
	}
}
