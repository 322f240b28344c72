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
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/events"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(DatabaseConfig{Path: filepath.Join(t.TempDir(), "nested", "scribe.db")})
	if err != nil {
		t.Fatalf("NewDatabase() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func finishedJob(session string, status events.JobStatus, at time.Time) *events.JobEvent {
	ev := events.NewJobEvent(session, "meeting.wav", "general")
	ev.Timestamp = at
	ev.Backend = "stub"
	ev.SetAudio([]byte("payload " + session))
	ev.SetSummary("ja", 0.9, 90*time.Second)
	ev.AddSegment("こんにちは。")
	ev.Finish(status)
	return ev
}

func TestNewDatabase(t *testing.T) {
	db := newTestDatabase(t)

	if err := db.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v", err)
	}
	if _, err := os.Stat(db.Path()); err != nil {
		t.Errorf("database file missing: %v", err)
	}

	var mode string
	if err := db.DB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode query failed: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}

	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() failed: %v", err)
	}
	latest := migrations[len(migrations)-1].version
	if v, err := db.SchemaVersion(); err != nil || v != latest {
		t.Errorf("SchemaVersion() = %d, %v, want %d", v, err, latest)
	}

	// Re-running applies nothing
	if err := db.migrate(); err != nil {
		t.Errorf("second migrate() = %v", err)
	}
	if v, _ := db.SchemaVersion(); v != latest {
		t.Errorf("SchemaVersion() after rerun = %d, want %d", v, latest)
	}

	if _, err := NewDatabase(DatabaseConfig{}); err == nil {
		t.Error("NewDatabase() without path expected error")
	}
}

func TestNewDatabase_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.db")
	db, err := NewDatabase(DatabaseConfig{Path: path})
	if err != nil {
		t.Fatalf("NewDatabase() failed: %v", err)
	}
	ev := finishedJob("conn-1", events.JobCompleted, time.Now())
	if err := NewJobsStore(db).Insert(context.Background(), ev); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	reopened, err := NewDatabase(DatabaseConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if _, err := NewJobsStore(reopened).GetByID(context.Background(), ev.JobID); err != nil {
		t.Errorf("GetByID() after reopen = %v", err)
	}
}

func TestJobsStore_InsertAndGet(t *testing.T) {
	store := NewJobsStore(newTestDatabase(t))
	ctx := context.Background()

	ev := finishedJob("conn-1", events.JobCompleted, time.Now())
	ev.SavedForFeedback = true
	if err := store.Insert(ctx, ev); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	got, err := store.GetByID(ctx, ev.JobID)
	if err != nil {
		t.Fatalf("GetByID() failed: %v", err)
	}
	if got.SessionID != "conn-1" || got.Status != events.JobCompleted || got.Transcription != "こんにちは。" {
		t.Errorf("GetByID() = %s", got)
	}
	if !got.SavedForFeedback || got.AudioDuration != 90 || got.AudioHash != ev.AudioHash {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if !got.Timestamp.Equal(ev.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, ev.Timestamp)
	}

	if err := store.Insert(ctx, ev); err == nil {
		t.Error("duplicate Insert() expected error")
	}

	if _, err := store.GetByID(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestJobsStore_InsertInvalid(t *testing.T) {
	store := NewJobsStore(newTestDatabase(t))

	ev := events.NewJobEvent("conn-1", "a.wav", "general")
	if err := store.Insert(context.Background(), ev); err == nil {
		t.Error("Insert() of unfinished job expected error")
	}
}

func TestJobsStore_ListAndCount(t *testing.T) {
	store := NewJobsStore(newTestDatabase(t))
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	statuses := []events.JobStatus{
		events.JobCompleted, events.JobFailed, events.JobCompleted,
		events.JobStopped, events.JobCompleted, events.JobAbandoned,
	}
	var ids []string
	for i, status := range statuses {
		session := "conn-a"
		if i%2 == 1 {
			session = "conn-b"
		}
		ev := finishedJob(session, status, base.Add(time.Duration(i)*time.Minute))
		if err := store.Insert(ctx, ev); err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
		ids = append(ids, ev.JobID)
	}

	start := base.Add(2 * time.Minute)
	tests := []struct {
		name    string
		options ListOptions
		want    int
	}{
		{"All", ListOptions{}, 6},
		{"Completed", ListOptions{Status: events.JobCompleted}, 3},
		{"Session", ListOptions{SessionID: "conn-b"}, 3},
		{"Since", ListOptions{StartTime: &start}, 4},
		{"Status and session", ListOptions{Status: events.JobCompleted, SessionID: "conn-a"}, 3},
		{"Page", ListOptions{Limit: 4}, 4},
		{"Last page", ListOptions{Limit: 4, Offset: 4}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.options)
			if err != nil {
				t.Fatalf("List() failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("List() returned %d jobs, want %d", len(got), tt.want)
			}

			count, err := store.Count(ctx, tt.options)
			if err != nil {
				t.Fatalf("Count() failed: %v", err)
			}
			if tt.options.Limit == 0 && count != int64(tt.want) {
				t.Errorf("Count() = %d, want %d", count, tt.want)
			}
			if tt.options.Limit > 0 && count != 6 {
				t.Errorf("Count() ignores pagination: got %d, want 6", count)
			}
		})
	}

	newest, err := store.List(ctx, ListOptions{Limit: 1})
	if err != nil || len(newest) != 1 || newest[0].JobID != ids[5] {
		t.Errorf("default order should be newest first, got %v (%v)", newest, err)
	}
	oldest, err := store.List(ctx, ListOptions{Limit: 1, SortOrder: "asc"})
	if err != nil || len(oldest) != 1 || oldest[0].JobID != ids[0] {
		t.Errorf("ascending order should start with the oldest, got %v (%v)", oldest, err)
	}
}

func TestBuildListQuery_RejectsUnknownSort(t *testing.T) {
	query, _ := buildListQuery(ListOptions{SortBy: "timestamp; DROP TABLE jobs", SortOrder: "sideways"})
	want := " ORDER BY timestamp DESC, job_id DESC"
	if len(query) < len(want) || query[len(query)-len(want):] != want {
		t.Errorf("query = %q, want suffix %q", query, want)
	}
}

func TestJobsStore_AudioHashAndDelete(t *testing.T) {
	store := NewJobsStore(newTestDatabase(t))
	ctx := context.Background()

	first := finishedJob("conn-1", events.JobCompleted, time.Now())
	second := finishedJob("conn-1", events.JobStopped, time.Now().Add(time.Second))
	for _, ev := range []*events.JobEvent{first, second} {
		if err := store.Insert(ctx, ev); err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
	}

	dups, err := store.GetByAudioHash(ctx, first.AudioHash)
	if err != nil || len(dups) != 2 {
		t.Errorf("GetByAudioHash() = %d jobs, %v, want 2", len(dups), err)
	}

	if err := store.Delete(ctx, first.JobID); err != nil {
		t.Errorf("Delete() = %v", err)
	}
	if err := store.Delete(ctx, first.JobID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("second Delete() error = %v, want ErrJobNotFound", err)
	}
}

func TestFeedbackStore(t *testing.T) {
	db := newTestDatabase(t)
	dir := filepath.Join(t.TempDir(), "feedback")
	store, err := NewFeedbackStore(db, dir)
	if err != nil {
		t.Fatalf("NewFeedbackStore() failed: %v", err)
	}
	ctx := context.Background()

	sample := events.FeedbackSample{
		JobID:     "job-1",
		SessionID: "conn-1",
		FileName:  "../../etc/会議 録音.wav",
		Model:     "tuned",
		Audio:     []byte("keep this"),
		Timestamp: time.Now(),
	}
	if err := store.SaveFeedback(ctx, sample); err != nil {
		t.Fatalf("SaveFeedback() failed: %v", err)
	}

	want := filepath.Join(dir, "job-1-会議_録音.wav")
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("feedback file not written at %s: %v", want, err)
	}
	if string(data) != "keep this" {
		t.Errorf("feedback file = %q", data)
	}

	records, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(records) != 1 || records[0].Path != want || records[0].Size != 9 || records[0].Model != "tuned" {
		t.Errorf("List() = %+v", records)
	}

	// The same job cannot be indexed twice and leaves no stray file behind
	if err := store.SaveFeedback(ctx, sample); err == nil {
		t.Error("duplicate SaveFeedback() expected error")
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("duplicate save removed the original file: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("feedback dir has %d entries, want 1", len(entries))
	}

	sample.JobID = "../escape"
	if err := store.SaveFeedback(ctx, sample); err == nil {
		t.Error("SaveFeedback() with unsafe job ID expected error")
	}
}
