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

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/storage"
)

func newTestHandler(t *testing.T) (*http.ServeMux, *storage.JobsStore, *storage.FeedbackStore) {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.NewDatabase(storage.DatabaseConfig{Path: filepath.Join(dir, "scribe.db")})
	if err != nil {
		t.Fatalf("NewDatabase() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	jobs := storage.NewJobsStore(db)
	feedback, err := storage.NewFeedbackStore(db, filepath.Join(dir, "feedback"))
	if err != nil {
		t.Fatalf("NewFeedbackStore() failed: %v", err)
	}

	mux := http.NewServeMux()
	NewJobsHandler(jobs, feedback).Register(mux)
	return mux, jobs, feedback
}

func seedJobs(t *testing.T, store *storage.JobsStore, statuses ...events.JobStatus) []*events.JobEvent {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	var out []*events.JobEvent
	for i, status := range statuses {
		ev := events.NewJobEvent("conn-1", "clip.wav", "general")
		ev.Timestamp = base.Add(time.Duration(i) * time.Second)
		ev.Finish(status)
		if err := store.Insert(context.Background(), ev); err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func TestHandleJobs(t *testing.T) {
	mux, store, _ := newTestHandler(t)
	seedJobs(t, store,
		events.JobCompleted, events.JobFailed, events.JobCompleted,
		events.JobCompleted, events.JobStopped)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantJobs   int
		wantTotal  int64
		wantPages  int
	}{
		{"Default page", "", http.StatusOK, 5, 5, 1},
		{"Paged", "?page=2&page_size=2", http.StatusOK, 2, 5, 3},
		{"Status filter", "?status=completed", http.StatusOK, 3, 3, 1},
		{"Status is case insensitive", "?status=FAILED", http.StatusOK, 1, 1, 1},
		{"Past the end", "?page=9&page_size=2", http.StatusOK, 0, 5, 3},
		{"Page size clamped", "?page_size=0", http.StatusOK, 1, 5, 5},
		{"Unknown status", "?status=exploded", http.StatusBadRequest, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs"+tt.query, nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp ListJobsResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Unmarshal() failed: %v", err)
			}
			if len(resp.Jobs) != tt.wantJobs || resp.Total != tt.wantTotal || resp.TotalPages != tt.wantPages {
				t.Errorf("response jobs=%d total=%d pages=%d, want %d/%d/%d",
					len(resp.Jobs), resp.Total, resp.TotalPages, tt.wantJobs, tt.wantTotal, tt.wantPages)
			}
			if resp.Jobs == nil {
				t.Error("jobs should encode as [] rather than null")
			}
		})
	}
}

func TestHandleJobByID(t *testing.T) {
	mux, store, _ := newTestHandler(t)
	jobs := seedJobs(t, store, events.JobCompleted)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"Found", "/api/jobs/" + jobs[0].JobID, http.StatusOK},
		{"Missing", "/api/jobs/does-not-exist", http.StatusNotFound},
		{"Empty", "/api/jobs/", http.StatusBadRequest},
		{"Unsafe", "/api/jobs/bad%20id", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("GET %s status = %d, want %d", tt.path, rec.Code, tt.wantStatus)
			}
		})
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobs[0].JobID, nil))
	var got events.JobEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if got.JobID != jobs[0].JobID || got.Status != events.JobCompleted {
		t.Errorf("job = %s", &got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	mux, _, _ := newTestHandler(t)
	for _, path := range []string{"/api/jobs", "/api/jobs/abc", "/api/feedback"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s status = %d, want 405", path, rec.Code)
		}
	}
}

func TestHandleFeedback(t *testing.T) {
	mux, _, feedback := newTestHandler(t)
	err := feedback.SaveFeedback(context.Background(), events.FeedbackSample{
		JobID: "job-1", SessionID: "conn-1", FileName: "a.wav", Audio: []byte("x"),
	})
	if err != nil {
		t.Fatalf("SaveFeedback() failed: %v", err)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/feedback", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Samples []storage.FeedbackRecord `json:"samples"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if len(resp.Samples) != 1 || resp.Samples[0].JobID != "job-1" {
		t.Errorf("samples = %+v", resp.Samples)
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		in   string
		def  int
		want int
	}{
		{"", 5, 5},
		{"12", 5, 12},
		{"abc", 5, 5},
		{"-3", 5, -3},
	}
	for _, tt := range tests {
		if got := parseIntParam(tt.in, tt.def); got != tt.want {
			t.Errorf("parseIntParam(%q, %d) = %d, want %d", tt.in, tt.def, got, tt.want)
		}
	}
}
