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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestStore_PutAndRelease(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}

	f, err := store.Put("job-1", "../../会議 録音.m4a", []byte("payload"))
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	if filepath.Base(f.Path()) != "会議_録音.m4a" {
		t.Errorf("Base(Path()) = %q, want %q", filepath.Base(f.Path()), "会議_録音.m4a")
	}
	if !strings.HasPrefix(f.Path(), store.dir) {
		t.Errorf("Path() = %q escapes store dir %q", f.Path(), store.dir)
	}

	data, err := os.ReadFile(f.Path())
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("file content = %q, want %q", data, "payload")
	}
	if store.Outstanding() != 1 {
		t.Errorf("Outstanding() = %d, want 1", store.Outstanding())
	}

	if err := f.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if _, err := os.Stat(f.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("scratch file still present after Release(): %v", err)
	}
	if _, err := os.Stat(filepath.Dir(f.Path())); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("job dir still present after Release(): %v", err)
	}
	if store.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d, want 0", store.Outstanding())
	}
}

func TestFile_ReleaseOnce(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}

	removals := 0
	var mu sync.Mutex
	store.removeAll = func(path string) error {
		mu.Lock()
		removals++
		mu.Unlock()
		return os.RemoveAll(path)
	}

	f, err := store.Put("job-2", "a.wav", []byte("x"))
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.Release()
		}()
	}
	wg.Wait()

	if removals != 1 {
		t.Errorf("removeAll called %d times, want 1", removals)
	}
	if store.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d, want 0", store.Outstanding())
	}
}

func TestStore_PutWriteFailureCleansUp(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	store.writeFile = func(string, []byte, os.FileMode) error {
		return errors.New("disk full")
	}

	if _, err := store.Put("job-3", "a.wav", []byte("x")); err == nil {
		t.Fatal("Put() expected error")
	}

	entries, err := os.ReadDir(store.dir)
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("store dir has %d entries after failed Put(), want 0", len(entries))
	}
	if store.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d, want 0", store.Outstanding())
	}
}

func TestStore_PutRejectsUnsafeJobID(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}

	for _, id := range []string{"", "../x", "a/b"} {
		if _, err := store.Put(id, "a.wav", []byte("x")); err == nil {
			t.Errorf("Put(%q) expected error", id)
		}
	}
}

func TestFile_ReleaseNil(t *testing.T) {
	var f *File
	if err := f.Release(); err != nil {
		t.Errorf("nil Release() = %v, want nil", err)
	}
}
