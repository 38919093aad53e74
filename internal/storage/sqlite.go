package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logx "postbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadCounter(ctx context.Context) (CounterRecord, error) {
	var rec CounterRecord
	err := s.db.QueryRowContext(ctx, `SELECT month, count FROM post_counter WHERE id = 1`).Scan(&rec.Month, &rec.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return CounterRecord{}, ErrNotFound
	}
	if err != nil {
		return CounterRecord{}, err
	}
	if rec.Count < 0 || (rec.Month != "" && !reMonth.MatchString(rec.Month)) {
		return CounterRecord{}, fmt.Errorf("%w: counter row month=%q count=%d", ErrCorrupt, rec.Month, rec.Count)
	}
	return rec, nil
}

func (s *sqliteStore) SaveCounter(ctx context.Context, rec CounterRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO post_counter(id, month, count) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET month = excluded.month, count = excluded.count`,
		rec.Month, rec.Count,
	)
	return err
}

func (s *sqliteStore) LoadHistory(ctx context.Context) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT content, ts FROM post_history ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var content, ts string
		if err := rows.Scan(&content, &ts); err != nil {
			return nil, err
		}
		t, err := ParseTimestamp(ts)
		if err != nil {
			return nil, fmt.Errorf("%w: history row: %v", ErrCorrupt, err)
		}
		out = append(out, HistoryEntry{Content: content, Timestamp: t})
	}
	return out, rows.Err()
}

// SaveHistory replaces the table contents in one transaction.
func (s *sqliteStore) SaveHistory(ctx context.Context, entries []HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM post_history`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO post_history(content, ts) VALUES(?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Content, FormatTimestamp(e.Timestamp)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Debug("history saved", logx.Int("entries", len(entries)))
	return nil
}
