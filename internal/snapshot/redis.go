package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "companion"

// RedisStore shares the slot between processes. The record is one JSON
// value under one key, so SET and GET keep description and timestamp
// together without a transaction.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix. Default is "companion".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a store on an existing client.
//
//	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: "localhost:6379"}))
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStoreFromURL parses a redis:// URL and creates the client.
func NewRedisStoreFromURL(url string, opts ...RedisOption) (*RedisStore, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(o), opts...), nil
}

func (s *RedisStore) key() string { return s.prefix + ":snapshot" }

// Write replaces the record with a single SET. The capture time is stored
// in UTC.
func (s *RedisStore) Write(ctx context.Context, description string, capturedAt time.Time) error {
	if err := validate(description, capturedAt); err != nil {
		return err
	}
	data, err := json.Marshal(Record{Description: description, CapturedAt: capturedAt.UTC()})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set snapshot: %w", err)
	}
	return nil
}

// Read returns the stored record; a missing key is the absent record.
// CapturedAt comes back in UTC without a monotonic reading, so it equals
// the written instant under time.Time.Equal but not under ==.
func (s *RedisStore) Read(ctx context.Context) (Record, error) {
	data, err := s.client.Get(ctx, s.key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("redis get snapshot: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return rec, nil
}

// Close releases the client.
func (s *RedisStore) Close() error { return s.client.Close() }
