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
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/security"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// pragmas are applied by the driver to every new connection
var pragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
	"busy_timeout(5000)",
	"temp_store(MEMORY)",
}

// Database wraps the SQLite connection holding job history and the feedback index
type Database struct {
	db   *sql.DB
	path string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string
}

type migration struct {
	version int
	name    string
}

// NewDatabase opens (creating if needed) the SQLite database and brings the
// schema up to the latest version
func NewDatabase(config DatabaseConfig) (*Database, error) {
	if config.Path == "" {
		return nil, errors.New("database path is required")
	}

	if dir := filepath.Dir(config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(config.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	database := &Database{db: db, path: config.Path}
	if err := database.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logging.LogDatabaseOperation("open", "*", zap.String("path", security.SanitizeLogInput(config.Path)))
	return database, nil
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return path + "?" + q.Encode()
}

// loadMigrations lists the embedded NNNN_name.sql files in version order
func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return nil, err
	}

	var out []migration
	for _, e := range entries {
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migration %q has no version prefix", e.Name())
		}
		v, err := strconv.Atoi(prefix)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %q has an invalid version", e.Name())
		}
		out = append(out, migration{version: v, name: e.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// migrate applies every migration newer than the database's user_version,
// each in its own transaction
func (d *Database) migrate() error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	current, err := d.SchemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		script, err := migrationFiles.ReadFile(path.Join("migrations", m.name))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", m.name, err)
		}
		if err := d.apply(m, string(script)); err != nil {
			return err
		}
		logging.LogDatabaseOperation("migrate", "*",
			zap.String("migration", m.name),
			zap.Int("version", m.version))
		current = m.version
	}
	return nil
}

func (d *Database) apply(m migration, script string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(script); err != nil {
		return fmt.Errorf("failed to execute %s: %w", m.name, err)
	}
	// PRAGMA does not accept bound parameters; version is an int parsed above
	if _, err := tx.Exec("PRAGMA user_version = " + strconv.Itoa(m.version)); err != nil {
		return fmt.Errorf("failed to record version %d: %w", m.version, err)
	}
	return tx.Commit()
}

// SchemaVersion returns the last applied migration version
func (d *Database) SchemaVersion() (int, error) {
	var v int
	if err := d.db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// DB returns the underlying sql.DB instance
func (d *Database) DB() *sql.DB {
	return d.db
}

// Close checkpoints the WAL and closes the database connection
func (d *Database) Close() error {
	if d.db == nil {
		return nil
	}
	if err := d.Checkpoint(); err != nil {
		logging.LogWarn("WAL checkpoint before close failed", zap.Error(err))
	}
	logging.LogDatabaseOperation("close", "*", zap.String("path", security.SanitizeLogInput(d.path)))
	return d.db.Close()
}

// Ping tests the database connection
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Path returns the database file path
func (d *Database) Path() string {
	return d.path
}

// Checkpoint folds the WAL back into the main database file
func (d *Database) Checkpoint() error {
	if _, err := d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint database: %w", err)
	}
	return nil
}
