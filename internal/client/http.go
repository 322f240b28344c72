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

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/events"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// Health is the server's /health document
type Health struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Backend   string                 `json:"backend"`
	Sessions  int                    `json:"sessions"`
	Transport map[string]interface{} `json:"transport,omitempty"`
}

// JobsPage is one page of /api/jobs
type JobsPage struct {
	Jobs       []*events.JobEvent `json:"jobs"`
	Total      int64              `json:"total"`
	Page       int                `json:"page"`
	PageSize   int                `json:"page_size"`
	TotalPages int                `json:"total_pages"`
}

// Probe checks that the server at baseURL is up and returns its health report
func Probe(ctx context.Context, baseURL string) (*Health, error) {
	var h Health
	if err := getJSON(ctx, strings.TrimRight(baseURL, "/")+"/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ListJobs fetches a page of job history. An empty status lists every job.
func ListJobs(ctx context.Context, baseURL string, page, pageSize int, status string) (*JobsPage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	if status != "" {
		q.Set("status", status)
	}

	u := strings.TrimRight(baseURL, "/") + "/api/jobs"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var jobs JobsPage
	if err := getJSON(ctx, u, &jobs); err != nil {
		return nil, err
	}
	return &jobs, nil
}

// GetJob fetches one job by ID
func GetJob(ctx context.Context, baseURL, jobID string) (*events.JobEvent, error) {
	var job events.JobEvent
	u := strings.TrimRight(baseURL, "/") + "/api/jobs/" + url.PathEscape(jobID)
	if err := getJSON(ctx, u, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func getJSON(ctx context.Context, u string, into interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "GET " + u, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s: unexpected status %s", u, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("GET %s: decode response: %w", u, err)
	}
	return nil
}
