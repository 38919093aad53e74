package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "postbot/pkg/logx"
)

// redisStore keeps each JSON document under its own key. A single SET
// replaces a document, which is atomic on the server.
type redisStore struct {
	rdb *redis.Client
	log logx.Logger

	counterKey string
	historyKey string
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "postbot"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisStore{
		rdb:        rdb,
		log:        log,
		counterKey: prefix + ":counter",
		historyKey: prefix + ":history",
	}, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, nil
}

func (s *redisStore) LoadCounter(ctx context.Context) (CounterRecord, error) {
	b, err := s.get(ctx, s.counterKey)
	if err != nil {
		return CounterRecord{}, err
	}
	return DecodeCounter(b)
}

func (s *redisStore) SaveCounter(ctx context.Context, rec CounterRecord) error {
	b, err := EncodeCounter(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.counterKey, b, 0).Err()
}

func (s *redisStore) LoadHistory(ctx context.Context) ([]HistoryEntry, error) {
	b, err := s.get(ctx, s.historyKey)
	if err != nil {
		return nil, err
	}
	return DecodeHistory(b)
}

func (s *redisStore) SaveHistory(ctx context.Context, entries []HistoryEntry) error {
	b, err := EncodeHistory(entries)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.historyKey, b, 0).Err(); err != nil {
		return err
	}
	s.log.Debug("history saved", logx.Int("entries", len(entries)), logx.String("key", s.historyKey))
	return nil
}
