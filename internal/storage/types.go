package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: document not found")
	ErrCorrupt  = errors.New("storage: document corrupt")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): Path is a directory holding the JSON documents
//   - "sqlite": Path is the database file
//   - "redis": Addr/Password/DB select the server, Prefix namespaces the keys
type Config struct {
	Driver string
	Path   string

	CounterFile string // file driver only; default post_counter.json
	HistoryFile string // file driver only; default post_history.json

	BusyTimeout time.Duration // sqlite only; 0 means default

	Addr     string
	Password string
	DB       int
	Prefix   string
}

// CounterRecord is the live month counter.
type CounterRecord struct {
	Month string // "YYYY-MM", empty on a fresh record
	Count int
}

// HistoryEntry is one published post.
type HistoryEntry struct {
	Content   string
	Timestamp time.Time
}

// Store is the persistence API used by the quota package.
//
// Save methods replace the whole document. Implementations must make every
// save atomic: a reader never observes a partially written document.
type Store interface {
	LoadCounter(ctx context.Context) (CounterRecord, error)
	SaveCounter(ctx context.Context, rec CounterRecord) error
	LoadHistory(ctx context.Context) ([]HistoryEntry, error)
	SaveHistory(ctx context.Context, entries []HistoryEntry) error
	Close() error
}
