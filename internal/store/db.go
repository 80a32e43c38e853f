// Package store is the Activity Store (§4.1): the durable relational log
// of sessions, prompt batches, activities, and memory observations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// CloseDB runs PRAGMA optimize then closes the connection, updating query
// planner statistics accumulated during the session before handing the
// file back to the OS.
func CloseDB(db *sql.DB) error {
	_, _ = db.ExecContext(context.Background(), "PRAGMA optimize")
	return db.Close()
}

var validCheckpointModes = map[string]bool{
	"PASSIVE":  true,
	"FULL":     true,
	"TRUNCATE": true,
	"RESTART":  true,
}

// CheckpointWAL triggers a WAL checkpoint in one of the four SQLite modes.
func CheckpointWAL(ctx context.Context, db *sql.DB, mode string) error {
	if !validCheckpointModes[mode] {
		return fmt.Errorf("invalid WAL checkpoint mode %q: must be one of PASSIVE, FULL, TRUNCATE, RESTART", mode)
	}
	_, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint("+mode+")")
	return err
}

const defaultBusyTimeoutMS = 5000

// OpenDB opens a database connection and configures SQLite pragmas but does
// NOT run migrations; pair with MigrateDB or CheckSchemaVersion.
//
// Single-writer model (§4.1 "single process, thread-safe via per-connection
// serialization"): one pooled connection total, so SQLite itself serializes
// writers while WAL lets readers proceed concurrently with the writer.
func OpenDB(dbPath string) (*sql.DB, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(dirOf(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", normalizeSQLiteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busyTimeout := defaultBusyTimeoutMS
	if v := os.Getenv("OAKD_BUSY_TIMEOUT_MS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			busyTimeout = parsed
		}
	}

	// Trade-offs:
	//   busy_timeout       - blocks writers up to N ms instead of failing immediately.
	//   synchronous=NORMAL - skips fsync on every commit; WAL still gives crash
	//                        safety for committed txns.
	//   journal_mode=WAL   - concurrent readers with one writer.
	//   temp_store=MEMORY  - keeps temp tables/indices in RAM.
	//   mmap_size          - 64MB virtual memory mapping for faster reads.
	//   cache_size         - ~8MB page cache.
	//   wal_autocheckpoint - explicit default, documents intent.
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout),
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA journal_mode=WAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA mmap_size=67108864",
		"PRAGMA cache_size=-8000",
		"PRAGMA wal_autocheckpoint=1000",
	}

	for _, pragma := range pragmas {
		if err := RetryWithBackoff(context.Background(), func() error {
			_, err := db.ExecContext(context.Background(), pragma)
			return err
		}); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	return db, nil
}

// CheckSchemaVersion verifies the database schema is up to date, failing
// closed when the installed version exceeds the code's known max (§4.1).
func CheckSchemaVersion(db *sql.DB) error {
	current, latest, err := SchemaVersion(db)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if current > latest {
		return fmt.Errorf("schema version %d is newer than this binary knows (%d): refusing to start", current, latest)
	}
	if current < latest {
		return fmt.Errorf("schema version %d, expected %d: run 'oakd migrate' to apply migrations", current, latest)
	}
	return nil
}

// InitDBWithPath opens a database and runs migrations in one step. Used by
// daemon startup and tests.
func InitDBWithPath(dbPath string) (*sql.DB, error) {
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, err
	}
	if err := MigrateDB(db, dbPath); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, os.PathSeparator)
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

func normalizeSQLiteDSN(dbPath string) string {
	// _txlock=immediate makes every BeginTx use BEGIN IMMEDIATE, preventing
	// writer starvation under concurrent access. Skipped for in-memory DSNs,
	// where IMMEDIATE locking can deadlock nested queries on a shared cache.
	if strings.HasPrefix(dbPath, "file:") {
		if strings.Contains(dbPath, ":memory:") {
			return dbPath
		}
		if strings.Contains(dbPath, "_txlock=") {
			return dbPath
		}
		if strings.Contains(dbPath, "?") {
			return dbPath + "&_txlock=immediate"
		}
		return dbPath + "?_txlock=immediate"
	}

	if dbPath == ":memory:" {
		return "file::memory:?cache=shared"
	}

	return "file:" + dbPath + "?mode=rwc&_txlock=immediate"
}
