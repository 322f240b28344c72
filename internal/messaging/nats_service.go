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

package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when publishing or subscribing without a connection
var ErrNotConnected = errors.New("NATS connection not established")

// DefaultSubjectPrefix is used when the configured prefix is empty
const DefaultSubjectPrefix = "scribe.jobs"

// NATSService publishes job lifecycle events
type NATSService struct {
	cfg config.NATSConfig

	mu   sync.RWMutex
	conn *nats.Conn
}

// NewNATSService creates a new NATS service instance
func NewNATSService(cfg config.NATSConfig) *NATSService {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	return &NATSService{cfg: cfg}
}

// JobSubject returns the subject a job with the given status is published on.
// An empty status yields the wildcard over every status.
func JobSubject(prefix string, status events.JobStatus) string {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if status == "" {
		return prefix + ".*"
	}
	return prefix + "." + string(status)
}

// Connect establishes the connection to the NATS server
func (ns *NATSService) Connect() error {
	if ns.cfg.URL == "" {
		return errors.New("NATS URL is empty")
	}
	logging.LogNATSEvent(ns.cfg.URL, "connecting")

	opts := []nats.Option{
		nats.Name("loqa-scribe"),
		nats.ReconnectWait(ns.cfg.ReconnectWait),
		nats.MaxReconnects(ns.cfg.MaxReconnect),
		nats.Timeout(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.LogWarn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(nc.ConnectedUrl(), "reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(ns.cfg.URL, "closed")
		}),
	}

	conn, err := nats.Connect(ns.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	ns.mu.Lock()
	ns.conn = conn
	ns.mu.Unlock()

	logging.LogNATSEvent(conn.ConnectedUrl(), "connected")
	return nil
}

// PublishJobEvent publishes a finished job on <prefix>.<status>
func (ns *NATSService) PublishJobEvent(event *events.JobEvent) error {
	ns.mu.RLock()
	conn := ns.conn
	ns.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	subject := JobSubject(ns.cfg.SubjectPrefix, event.Status)
	if err := conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	logging.LogNATSEvent(subject, "published", zap.String("job_id", event.JobID))
	return nil
}

// SubscribeToJobEvents delivers job events with the given status, or every
// status when status is empty
func (ns *NATSService) SubscribeToJobEvents(status events.JobStatus, handler func(*events.JobEvent)) (*nats.Subscription, error) {
	ns.mu.RLock()
	conn := ns.conn
	ns.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	subject := JobSubject(ns.cfg.SubjectPrefix, status)
	return conn.Subscribe(subject, func(msg *nats.Msg) {
		event, err := DecodeJobEvent(msg.Data)
		if err != nil {
			logging.LogError(err, "Failed to decode job event", zap.String("subject", msg.Subject))
			return
		}
		handler(event)
	})
}

// DecodeJobEvent parses a published job event
func DecodeJobEvent(data []byte) (*events.JobEvent, error) {
	var event events.JobEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job event: %w", err)
	}
	if event.JobID == "" {
		return nil, errors.New("job event without job_id")
	}
	return &event, nil
}

// Close drains and closes the NATS connection
func (ns *NATSService) Close() {
	ns.mu.Lock()
	conn := ns.conn
	ns.conn = nil
	ns.mu.Unlock()

	if conn != nil {
		if err := conn.Drain(); err != nil {
			conn.Close()
		}
	}
}

// IsConnected returns true if connected to NATS
func (ns *NATSService) IsConnected() bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.conn != nil && ns.conn.IsConnected()
}

// Stats returns connection statistics
func (ns *NATSService) Stats() nats.Statistics {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	if ns.conn != nil {
		return ns.conn.Stats()
	}
	return nats.Statistics{}
}
