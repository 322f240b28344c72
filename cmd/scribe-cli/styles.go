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

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

const progressWidth = 30

var (
	colorPrimary = lipgloss.Color("#7D56F4")
	colorSuccess = lipgloss.Color("#04B575")
	colorWarning = lipgloss.Color("#FFB454")
	colorError   = lipgloss.Color("#FF5F87")
	colorMuted   = lipgloss.Color("#6C6C6C")

	styleHeader  = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
	styleBar     = lipgloss.NewStyle().Foreground(colorPrimary)
	styleBox     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)
)

// progressBar draws a fixed-width bar for a 0..100 percentage
func progressBar(percent int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * progressWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", progressWidth-filled)
	return fmt.Sprintf("%s %3d%%", styleBar.Render(bar), percent)
}

// renderFrame formats one server frame as terminal output
func renderFrame(r protocol.Response) string {
	switch r.Type {
	case protocol.ResponseInfo:
		return styleHeader.Render(fmt.Sprintf("言語: %s (%.2f)  長さ: %s", r.Language, r.LanguageProbability, r.Length))
	case protocol.ResponseSegment:
		return fmt.Sprintf("%s %s\n%s", styleMuted.Render(r.TimeLine), r.Text, progressBar(r.Progress))
	case protocol.ResponseFinal:
		return styleBox.Render(r.Text)
	case protocol.ResponseStopped:
		return styleWarning.Render("stopped")
	case protocol.ResponseError:
		return styleError.Render("error: " + r.Error)
	default:
		return styleMuted.Render("done")
	}
}

// renderJob formats one row of job history
func renderJob(job *events.JobEvent) string {
	status := string(job.Status)
	switch job.Status {
	case events.JobCompleted:
		status = styleSuccess.Render(status)
	case events.JobStopped:
		status = styleWarning.Render(status)
	case events.JobFailed, events.JobAbandoned:
		status = styleError.Render(status)
	}

	line := fmt.Sprintf("%s  %s  %-10s %-8s %5.1fs  %d segments  %s",
		job.Timestamp.Local().Format("2006-01-02 15:04:05"),
		job.JobID, status, job.Model, job.AudioDuration, job.SegmentCount, job.FileName)
	if job.ErrorMessage != "" {
		line += "\n    " + styleMuted.Render(job.ErrorMessage)
	}
	return line
}
