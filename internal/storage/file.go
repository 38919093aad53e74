package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "postbot/pkg/logx"
)

const (
	defaultCounterFile = "post_counter.json"
	defaultHistoryFile = "post_history.json"
)

// fileStore keeps each document in its own JSON file.
//
// Files (under cfg.Path):
//   - post_counter.json
//   - post_history.json
//
// Every save writes a sibling temp file, fsyncs it and renames it over the
// target, so an interrupted write leaves the previous document intact.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	closed bool

	counterPath string
	historyPath string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		dir = "./data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	counter := strings.TrimSpace(cfg.CounterFile)
	if counter == "" {
		counter = defaultCounterFile
	}
	history := strings.TrimSpace(cfg.HistoryFile)
	if history == "" {
		history = defaultHistoryFile
	}
	return &fileStore{
		log:         log,
		counterPath: filepath.Join(dir, counter),
		historyPath: filepath.Join(dir, history),
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) LoadCounter(ctx context.Context) (CounterRecord, error) {
	_ = ctx
	b, err := s.read(s.counterPath)
	if err != nil {
		return CounterRecord{}, err
	}
	return DecodeCounter(b)
}

func (s *fileStore) SaveCounter(ctx context.Context, rec CounterRecord) error {
	_ = ctx
	b, err := EncodeCounter(rec)
	if err != nil {
		return err
	}
	return s.write(s.counterPath, b)
}

func (s *fileStore) LoadHistory(ctx context.Context) ([]HistoryEntry, error) {
	_ = ctx
	b, err := s.read(s.historyPath)
	if err != nil {
		return nil, err
	}
	return DecodeHistory(b)
}

func (s *fileStore) SaveHistory(ctx context.Context, entries []HistoryEntry) error {
	_ = ctx
	b, err := EncodeHistory(entries)
	if err != nil {
		return err
	}
	return s.write(s.historyPath, b)
}

func (s *fileStore) read(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return b, nil
}

func (s *fileStore) write(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}
	s.log.Debug("document saved", logx.String("file", filepath.Base(path)), logx.Int("bytes", len(data)))
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	// Best-effort: persist the rename itself.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
