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
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/events"
)

func TestJobSubject(t *testing.T) {
	tests := []struct {
		prefix string
		status events.JobStatus
		want   string
	}{
		{"scribe.jobs", events.JobCompleted, "scribe.jobs.completed"},
		{"scribe.jobs.", events.JobFailed, "scribe.jobs.failed"},
		{"", events.JobStopped, "scribe.jobs.stopped"},
		{"office.scribe", "", "office.scribe.*"},
	}

	for _, tt := range tests {
		if got := JobSubject(tt.prefix, tt.status); got != tt.want {
			t.Errorf("JobSubject(%q, %q) = %q, want %q", tt.prefix, tt.status, got, tt.want)
		}
	}
}

func TestNATSService_NotConnected(t *testing.T) {
	ns := NewNATSService(config.NATSConfig{URL: "nats://127.0.0.1:4222"})

	ev := events.NewJobEvent("conn-1", "a.wav", "general")
	ev.Finish(events.JobCompleted)

	if err := ns.PublishJobEvent(ev); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishJobEvent() error = %v, want ErrNotConnected", err)
	}
	if _, err := ns.SubscribeToJobEvents("", func(*events.JobEvent) {}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SubscribeToJobEvents() error = %v, want ErrNotConnected", err)
	}
	if ns.IsConnected() {
		t.Error("IsConnected() = true before Connect")
	}
	if got := ns.Stats(); got.OutMsgs != 0 {
		t.Errorf("Stats().OutMsgs = %d, want 0", got.OutMsgs)
	}
	ns.Close()
}

func TestNATSService_ConnectFailure(t *testing.T) {
	ns := NewNATSService(config.NATSConfig{
		URL:           "nats://127.0.0.1:1",
		MaxReconnect:  0,
		ReconnectWait: 10 * time.Millisecond,
	})
	if err := ns.Connect(); err == nil {
		ns.Close()
		t.Fatal("Connect() to a closed port expected error")
	}

	if err := NewNATSService(config.NATSConfig{}).Connect(); err == nil {
		t.Error("Connect() with empty URL expected error")
	}
}

func TestDecodeJobEvent(t *testing.T) {
	ev := events.NewJobEvent("conn-1", "a.wav", "tuned")
	ev.AddSegment("テスト")
	ev.Finish(events.JobStopped)

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	got, err := DecodeJobEvent(data)
	if err != nil {
		t.Fatalf("DecodeJobEvent() failed: %v", err)
	}
	if got.JobID != ev.JobID || got.Status != events.JobStopped || got.Transcription != "テスト" {
		t.Errorf("DecodeJobEvent() = %s", got)
	}

	for _, bad := range []string{`not json`, `{"status":"completed"}`} {
		if _, err := DecodeJobEvent([]byte(bad)); err == nil {
			t.Errorf("DecodeJobEvent(%s) expected error", bad)
		}
	}
}
