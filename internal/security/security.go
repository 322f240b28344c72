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

package security

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrInvalidJobID is returned when a job ID format is invalid
	ErrInvalidJobID = errors.New("invalid job ID")

	// jobIDPattern validates job IDs to only allow safe characters
	jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// unsafeFileChars matches anything we do not want in a scratch or feedback file name
	unsafeFileChars = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)
)

// maxFileNameLength keeps generated names well under common filesystem limits
const maxFileNameLength = 128

// SanitizeLogInput removes newline characters to prevent log injection attacks
// This function should be used for all user-controlled data before logging
func SanitizeLogInput(input string) string {
	sanitized := strings.ReplaceAll(input, "\n", "")
	sanitized = strings.ReplaceAll(sanitized, "\r", "")
	return sanitized
}

// ValidateJobID ensures that a job ID contains only safe characters
// and prevents path traversal attacks. Only allows alphanumeric ASCII
// characters, dashes, and underscores.
func ValidateJobID(jobID string) error {
	if jobID == "" {
		return ErrInvalidJobID
	}

	if strings.Contains(jobID, "/") || strings.Contains(jobID, "\\") || strings.Contains(jobID, "..") {
		return ErrInvalidJobID
	}

	if !jobIDPattern.MatchString(jobID) {
		return ErrInvalidJobID
	}

	return nil
}

// SanitizeFileName reduces a client supplied file label to a safe base name.
// Directory components are dropped, unsafe runes collapse to "_", and an
// empty result falls back to "audio".
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." || name == "/" || name == ".." {
		name = ""
	}

	name = unsafeFileChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "audio"
	}

	if len(name) > maxFileNameLength {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = truncateUTF8(name[:len(name)-len(ext)], maxFileNameLength-len(ext)) + ext
	}
	return name
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
