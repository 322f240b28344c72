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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/logging"
	"go.uber.org/zap"
)

var (
	// ErrSessionExists is returned when an identifier is already registered
	ErrSessionExists = errors.New("session already exists")

	// ErrTooManySessions is returned when the configured cap is reached
	ErrTooManySessions = errors.New("maximum sessions reached")
)

// Registry maps connection identifiers to sessions. Remove is the single
// point where a connection's resources are released.
type Registry struct {
	sessions map[string]*Session
	mutex    sync.RWMutex

	maxSessions int
	base        context.Context
	cancelAll   context.CancelFunc
}

// NewRegistry creates a registry holding at most maxSessions sessions. A
// non-positive cap means unlimited.
func NewRegistry(maxSessions int) *Registry {
	base, cancel := context.WithCancel(context.Background())
	return &Registry{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		base:        base,
		cancelAll:   cancel,
	}
}

// Create registers a new session
func (r *Registry) Create(id string) (*Session, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return nil, fmt.Errorf("%w: %d", ErrTooManySessions, r.maxSessions)
	}

	s := newSession(r.base, id)
	r.sessions[id] = s
	logging.LogSessionEvent(id, "created", zap.Int("active_sessions", len(r.sessions)))
	return s, nil
}

// Lookup returns the session registered under id
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove cancels and unregisters a session. It reports whether anything was
// removed; later calls for the same id are no-ops.
func (r *Registry) Remove(id string) bool {
	r.mutex.Lock()
	s, exists := r.sessions[id]
	if exists {
		delete(r.sessions, id)
	}
	remaining := len(r.sessions)
	r.mutex.Unlock()

	if !exists {
		return false
	}
	s.cancel()
	logging.LogSessionEvent(id, "removed", zap.Int("active_sessions", remaining))
	return true
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions ordered by start time
func (r *Registry) Snapshot() []Info {
	r.mutex.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.info())
	}
	r.mutex.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartTime.Before(infos[j].StartTime)
	})
	return infos
}

// ReapIdle cancels sessions with no active job whose last activity is older
// than maxIdle. Their connection handlers observe the cancellation and call
// Remove; reaping never removes entries itself. Returns the number reaped.
func (r *Registry) ReapIdle(maxIdle time.Duration) int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	now := time.Now()
	reaped := 0
	for id, s := range r.sessions {
		if _, busy := s.ActiveJob(); busy {
			continue
		}
		if now.Sub(s.LastActivity()) <= maxIdle || s.ctx.Err() != nil {
			continue
		}
		logging.LogSessionEvent(id, "reaped", zap.Duration("idle", now.Sub(s.LastActivity())))
		s.cancel()
		reaped++
	}
	return reaped
}

// RunReaper calls ReapIdle every interval until ctx is done
func (r *Registry) RunReaper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReapIdle(maxIdle)
		}
	}
}

// Shutdown cancels every session context. Entries stay registered until
// their handlers call Remove.
func (r *Registry) Shutdown() {
	r.cancelAll()
}
