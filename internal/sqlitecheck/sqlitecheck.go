// Package sqlitecheck opens a materialized snapshot read-only and runs a
// smoke query against it, catching truncated or non-database files that a
// checksum alone cannot (the producer may have uploaded a checksum for a bad
// file).
package sqlitecheck

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultQuery works on any well-formed SQLite file.
const DefaultQuery = "SELECT count(*) FROM sqlite_master"

// Probe opens the snapshot at path and runs query, which must return at
// least one row.
func Probe(path, query string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("path is required")
	}
	if strings.TrimSpace(query) == "" {
		query = DefaultQuery
	}
	db, err := open(path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	rows, err := db.Query(query)
	if err != nil {
		return fmt.Errorf("probe query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return fmt.Errorf("probe query: %w", err)
		}
		return errors.New("probe query returned no rows")
	}
	return nil
}

// Verifier adapts Probe to the cache manager's post-download hook.
func Verifier(query string) func(path string) error {
	return func(path string) error {
		return Probe(path, query)
	}
}

// Info summarizes a snapshot file for diagnostics.
type Info struct {
	Tables    int   `json:"tables"`
	PageSize  int64 `json:"page_size"`
	PageCount int64 `json:"page_count"`
}

func Inspect(path string) (Info, error) {
	db, err := open(path)
	if err != nil {
		return Info{}, err
	}
	defer func() { _ = db.Close() }()

	var info Info
	if err := db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type = 'table'").Scan(&info.Tables); err != nil {
		return Info{}, fmt.Errorf("count tables: %w", err)
	}
	if err := db.QueryRow("PRAGMA page_size").Scan(&info.PageSize); err != nil {
		return Info{}, fmt.Errorf("page size: %w", err)
	}
	if err := db.QueryRow("PRAGMA page_count").Scan(&info.PageCount); err != nil {
		return Info{}, fmt.Errorf("page count: %w", err)
	}
	return info, nil
}

func open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_query_only=1", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	return db, nil
}
