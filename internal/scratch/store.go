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

package scratch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/security"
	"go.uber.org/zap"
)

// Store hands out per-job scratch files for inbound audio payloads
type Store struct {
	dir         string
	outstanding atomic.Int64
	mkdirTemp   func(dir, pattern string) (string, error)
	writeFile   func(name string, data []byte, perm os.FileMode) error
	removeAll   func(path string) error
}

// NewStore creates a store rooted at dir. An empty dir uses the OS temp dir.
func NewStore(dir string) (*Store, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create scratch dir: %w", err)
		}
	}
	return &Store{
		dir:       dir,
		mkdirTemp: os.MkdirTemp,
		writeFile: os.WriteFile,
		removeAll: os.RemoveAll,
	}, nil
}

// File is one job's scratch copy of its audio payload
type File struct {
	path    string
	dir     string
	store   *Store
	once    sync.Once
	release error
}

// Put writes data into a fresh job directory. The file keeps the sanitized
// client file name so that decoders can sniff the container from its
// extension.
func (s *Store) Put(jobID, fileName string, data []byte) (*File, error) {
	if err := security.ValidateJobID(jobID); err != nil {
		return nil, fmt.Errorf("scratch file for job %q: %w", security.SanitizeLogInput(jobID), err)
	}

	dir, err := s.mkdirTemp(s.dir, "scribe-"+jobID+"-*")
	if err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	path := filepath.Join(dir, security.SanitizeFileName(fileName))
	if err := s.writeFile(path, data, 0o600); err != nil {
		_ = s.removeAll(dir)
		return nil, fmt.Errorf("write scratch file: %w", err)
	}

	s.outstanding.Add(1)
	return &File{path: path, dir: dir, store: s}, nil
}

// Outstanding returns the number of files not yet released
func (s *Store) Outstanding() int {
	return int(s.outstanding.Load())
}

// Path returns the location of the payload on disk
func (f *File) Path() string {
	return f.path
}

// Release deletes the file and its job directory. Only the first call does
// any work; later calls return the first call's result.
func (f *File) Release() error {
	if f == nil {
		return nil
	}
	f.once.Do(func() {
		err := f.store.removeAll(f.dir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			f.release = fmt.Errorf("remove scratch dir: %w", err)
			logging.LogError(err, "Failed to release scratch file", zap.String("path", f.path))
		}
		f.store.outstanding.Add(-1)
	})
	return f.release
}
