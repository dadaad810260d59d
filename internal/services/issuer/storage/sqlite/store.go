// Package sqlite persists the issuance audit log over SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/relaymesh/credserver/internal/platform/storage/sqlitemigrate"
	"github.com/relaymesh/credserver/internal/services/issuer/issuance"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store records one row per issuance. It is best-effort bookkeeping beside
// the keystore: losing a row never invalidates issued credentials.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the audit store and applies bundled migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(sqlDB, migrationFS, "migrations"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// RecordIssuance appends one issuance to the audit log.
func (s *Store) RecordIssuance(ctx context.Context, record issuance.Record) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("audit store is not configured")
	}
	issuedAt := record.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO issuances (account, user_name, account_created, user_created, issued_at)
		VALUES (?, ?, ?, ?, ?)`,
		record.Account, record.User, boolToInt(record.AccountCreated), boolToInt(record.UserCreated), toMillis(issuedAt),
	)
	return err
}

// RecentIssuances returns up to limit issuances, newest first.
func (s *Store) RecentIssuances(ctx context.Context, limit int) ([]issuance.Record, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("audit store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT account, user_name, account_created, user_created, issued_at
		FROM issuances ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []issuance.Record
	for rows.Next() {
		var record issuance.Record
		var accountCreated, userCreated int
		var issuedAt int64
		if err := rows.Scan(&record.Account, &record.User, &accountCreated, &userCreated, &issuedAt); err != nil {
			return nil, err
		}
		record.AccountCreated = accountCreated != 0
		record.UserCreated = userCreated != 0
		record.IssuedAt = fromMillis(issuedAt)
		records = append(records, record)
	}
	return records, rows.Err()
}

// CountIssuances reports how many issuances were recorded for one user,
// or for a whole account when user is empty.
func (s *Store) CountIssuances(ctx context.Context, account, user string) (int64, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("audit store is not configured")
	}
	var count int64
	var err error
	if user == "" {
		err = s.sqlDB.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM issuances WHERE account = ?", account).Scan(&count)
	} else {
		err = s.sqlDB.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM issuances WHERE account = ? AND user_name = ?", account, user).Scan(&count)
	}
	return count, err
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
