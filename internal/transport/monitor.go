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

package transport

import (
	"runtime"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/dispatcher"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Monitor tracks transport and job counters. It implements
// dispatcher.Observer.
type Monitor struct {
	mutex sync.RWMutex

	startTime time.Time

	// Session metrics
	sessionsOpened         uint64
	sessionsClosed         uint64
	sessionsRejected       uint64
	averageSessionDuration time.Duration

	// Frame metrics
	framesSent   map[protocol.ResponseType]uint64
	sendFailures uint64
	decodeErrors uint64

	// Job outcomes
	jobs map[dispatcher.Outcome]uint64
}

// MonitorMetrics is a point in time copy of the counters
type MonitorMetrics struct {
	SessionsOpened         uint64
	SessionsClosed         uint64
	SessionsRejected       uint64
	ActiveSessions         uint64
	AverageSessionDuration time.Duration
	FramesSent             uint64
	SendFailures           uint64
	DecodeErrors           uint64
	JobsCompleted          uint64
	JobsStopped            uint64
	JobsFailed             uint64
	JobsAbandoned          uint64
}

// NewMonitor creates a new monitor
func NewMonitor() *Monitor {
	return &Monitor{
		startTime:  time.Now(),
		framesSent: make(map[protocol.ResponseType]uint64),
		jobs:       make(map[dispatcher.Outcome]uint64),
	}
}

// SessionOpened records an accepted connection
func (m *Monitor) SessionOpened() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessionsOpened++
}

// SessionRejected records a connection refused before upgrade
func (m *Monitor) SessionRejected() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessionsRejected++
}

// SessionClosed records a finished connection and its lifetime
func (m *Monitor) SessionClosed(lifetime time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.sessionsClosed++
	//nolint:gosec // session counts never approach int64 overflow
	n := time.Duration(m.sessionsClosed)
	m.averageSessionDuration = (m.averageSessionDuration*(n-1) + lifetime) / n
}

// FrameSent implements dispatcher.Observer
func (m *Monitor) FrameSent(t protocol.ResponseType) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.framesSent[t]++
}

// SendFailed implements dispatcher.Observer
func (m *Monitor) SendFailed() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sendFailures++
}

// DecodeFailed implements dispatcher.Observer
func (m *Monitor) DecodeFailed() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.decodeErrors++
}

// JobFinished implements dispatcher.Observer
func (m *Monitor) JobFinished(o dispatcher.Outcome) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.jobs[o]++
}

// Metrics returns a copy of the current counters
func (m *Monitor) Metrics() MonitorMetrics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var frames uint64
	for _, n := range m.framesSent {
		frames += n
	}
	return MonitorMetrics{
		SessionsOpened:         m.sessionsOpened,
		SessionsClosed:         m.sessionsClosed,
		SessionsRejected:       m.sessionsRejected,
		ActiveSessions:         m.sessionsOpened - m.sessionsClosed,
		AverageSessionDuration: m.averageSessionDuration,
		FramesSent:             frames,
		SendFailures:           m.sendFailures,
		DecodeErrors:           m.decodeErrors,
		JobsCompleted:          m.jobs[dispatcher.OutcomeCompleted],
		JobsStopped:            m.jobs[dispatcher.OutcomeStopped],
		JobsFailed:             m.jobs[dispatcher.OutcomeFailed],
		JobsAbandoned:          m.jobs[dispatcher.OutcomeAbandoned],
	}
}

// Status returns the counters plus runtime resource usage for /health
func (m *Monitor) Status() map[string]interface{} {
	metrics := m.Metrics()

	m.mutex.RLock()
	frames := make(map[string]uint64, len(m.framesSent))
	for t, n := range m.framesSent {
		name := string(t)
		if t == protocol.ResponseAck {
			name = "ack"
		}
		frames[name] = n
	}
	uptime := time.Since(m.startTime)
	m.mutex.RUnlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return map[string]interface{}{
		"uptime_s":                   int64(uptime.Seconds()),
		"sessions_opened":            metrics.SessionsOpened,
		"sessions_closed":            metrics.SessionsClosed,
		"sessions_rejected":          metrics.SessionsRejected,
		"active_sessions":            metrics.ActiveSessions,
		"average_session_duration_s": metrics.AverageSessionDuration.Seconds(),
		"frames_sent":                frames,
		"send_failures":              metrics.SendFailures,
		"decode_errors":              metrics.DecodeErrors,
		"jobs": map[string]uint64{
			dispatcher.OutcomeCompleted.String(): metrics.JobsCompleted,
			dispatcher.OutcomeStopped.String():   metrics.JobsStopped,
			dispatcher.OutcomeFailed.String():    metrics.JobsFailed,
			dispatcher.OutcomeAbandoned.String(): metrics.JobsAbandoned,
		},
		"goroutines":      runtime.NumGoroutine(),
		"memory_mb":       mem.Alloc / 1024 / 1024,
		"recommendations": m.Recommendations(),
	}
}

// Recommendations flags counter patterns that usually point at a problem
func (m *Monitor) Recommendations() []string {
	metrics := m.Metrics()
	var recs []string

	jobs := metrics.JobsCompleted + metrics.JobsStopped + metrics.JobsFailed + metrics.JobsAbandoned
	if jobs >= 10 {
		if float64(metrics.JobsFailed)/float64(jobs) > 0.2 {
			recs = append(recs, "More than 20% of jobs failed. Check the engine backend and model configuration.")
		}
		if float64(metrics.JobsAbandoned)/float64(jobs) > 0.2 {
			recs = append(recs, "More than 20% of jobs were abandoned. Check client connectivity and SESSION_SEND_TIMEOUT.")
		}
	}
	if metrics.SendFailures > 0 && metrics.FramesSent > 0 &&
		float64(metrics.SendFailures)/float64(metrics.FramesSent) > 0.05 {
		recs = append(recs, "Frame send failure rate above 5%. Clients may be too slow to drain results.")
	}
	if metrics.SessionsRejected > 0 {
		recs = append(recs, "Sessions were rejected. Consider raising SESSION_MAX.")
	}
	return recs
}

// LogSummary logs the current counters
func (m *Monitor) LogSummary() {
	log := logging.Component("transport").Sugar()
	metrics := m.Metrics()

	log.Infow("Transport summary",
		"active_sessions", metrics.ActiveSessions,
		"frames_sent", metrics.FramesSent,
		"send_failures", metrics.SendFailures,
		"decode_errors", metrics.DecodeErrors,
		"jobs_completed", metrics.JobsCompleted,
		"jobs_failed", metrics.JobsFailed)

	if recs := m.Recommendations(); len(recs) > 0 {
		log.Warnw("Transport recommendations", "recommendations", recs)
	}
}

// Reset clears every counter
func (m *Monitor) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.startTime = time.Now()
	m.sessionsOpened = 0
	m.sessionsClosed = 0
	m.sessionsRejected = 0
	m.averageSessionDuration = 0
	m.framesSent = make(map[protocol.ResponseType]uint64)
	m.sendFailures = 0
	m.decodeErrors = 0
	m.jobs = make(map[dispatcher.Outcome]uint64)
}
