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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/security"
	"github.com/loqalabs/loqa-scribe/internal/storage"
	"go.uber.org/zap"
)

const maxPageSize = 100

// JobsHandler serves job history
type JobsHandler struct {
	store    *storage.JobsStore
	feedback *storage.FeedbackStore
}

// NewJobsHandler creates a new jobs handler. feedback may be nil.
func NewJobsHandler(store *storage.JobsStore, feedback *storage.FeedbackStore) *JobsHandler {
	return &JobsHandler{store: store, feedback: feedback}
}

// ListJobsResponse represents the response for listing jobs
type ListJobsResponse struct {
	Jobs       []*events.JobEvent `json:"jobs"`
	Total      int64              `json:"total"`
	Page       int                `json:"page"`
	PageSize   int                `json:"page_size"`
	TotalPages int                `json:"total_pages"`
}

// Register mounts the handlers on mux
func (h *JobsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/jobs", h.HandleJobs)
	mux.HandleFunc("/api/jobs/", h.HandleJobByID)
	if h.feedback != nil {
		mux.HandleFunc("/api/feedback", h.HandleFeedback)
	}
}

// HandleJobs handles GET /api/jobs
func (h *JobsHandler) HandleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()

	page := parseIntParam(query.Get("page"), 1)
	pageSize := parseIntParam(query.Get("page_size"), 20)
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if page < 1 {
		page = 1
	}

	options := storage.ListOptions{
		SessionID: query.Get("session_id"),
		Model:     query.Get("model"),
		Limit:     pageSize,
		Offset:    (page - 1) * pageSize,
		SortBy:    query.Get("sort_by"),
		SortOrder: query.Get("sort_order"),
	}

	if status := query.Get("status"); status != "" {
		options.Status = events.JobStatus(strings.ToLower(status))
		if !options.Status.Valid() {
			http.Error(w, "Unknown status", http.StatusBadRequest)
			return
		}
	}
	if since := query.Get("start_time"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			options.StartTime = &t
		}
	}
	if until := query.Get("end_time"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			options.EndTime = &t
		}
	}

	total, err := h.store.Count(r.Context(), options)
	if err != nil {
		logging.LogError(err, "Failed to count jobs")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	jobs, err := h.store.List(r.Context(), options)
	if err != nil {
		logging.LogError(err, "Failed to list jobs")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	response := ListJobsResponse{
		Jobs:       jobs,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: int((total + int64(pageSize) - 1) / int64(pageSize)),
	}

	logging.LogDatabaseOperation("list", "jobs",
		zap.Int("page", page),
		zap.Int("page_size", pageSize),
		zap.Int64("total_results", total),
		zap.String("status", string(options.Status)),
	)

	writeJSON(w, http.StatusOK, response)
}

// HandleJobByID handles GET /api/jobs/{id}
func (h *JobsHandler) HandleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if jobID == "" {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}
	if err := security.ValidateJobID(jobID); err != nil {
		http.Error(w, "Invalid job ID", http.StatusBadRequest)
		return
	}

	job, err := h.store.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		logging.LogError(err, "Failed to get job", zap.String("job_id", jobID))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// HandleFeedback handles GET /api/feedback
func (h *JobsHandler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := parseIntParam(r.URL.Query().Get("limit"), 20)
	if limit > maxPageSize {
		limit = maxPageSize
	}

	records, err := h.feedback.List(r.Context(), limit)
	if err != nil {
		logging.LogError(err, "Failed to list feedback")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"samples": records})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.LogError(err, "Failed to encode response")
	}
}

// parseIntParam parses integer parameter with default value
func parseIntParam(param string, defaultValue int) int {
	if param == "" {
		return defaultValue
	}

	if value, err := strconv.Atoi(param); err == nil {
		return value
	}

	return defaultValue
}
