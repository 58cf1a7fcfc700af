package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/packet-service/internal/domain"
)

// ActivityFeed is the best-effort plaza activity stream. It is never read
// by the claim protocol.
type ActivityFeed interface {
	Record(ctx context.Context, entry domain.ActivityEntry) error
	Recent(ctx context.Context, limit int) ([]domain.ActivityEntry, error)
}

// MemoryActivityFeed keeps the newest entries in process memory.
type MemoryActivityFeed struct {
	mu      sync.Mutex
	size    int
	entries []domain.ActivityEntry
}

// NewMemoryActivityFeed keeps at most size entries.
func NewMemoryActivityFeed(size int) *MemoryActivityFeed {
	if size <= 0 {
		size = DefaultActivityFeedSize
	}
	return &MemoryActivityFeed{size: size}
}

func (f *MemoryActivityFeed) Record(ctx context.Context, entry domain.ActivityEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append([]domain.ActivityEntry{entry}, f.entries...)
	if len(f.entries) > f.size {
		f.entries = f.entries[:f.size]
	}
	return nil
}

func (f *MemoryActivityFeed) Recent(ctx context.Context, limit int) ([]domain.ActivityEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 || limit > len(f.entries) {
		limit = len(f.entries)
	}
	return append([]domain.ActivityEntry(nil), f.entries[:limit]...), nil
}

// RedisActivityFeed stores entries as JSON in a capped Redis list.
type RedisActivityFeed struct {
	client redis.UniversalClient
	key    string
	size   int
}

// NewRedisActivityFeed builds a feed under prefix keeping size entries.
func NewRedisActivityFeed(client redis.UniversalClient, prefix string, size int) *RedisActivityFeed {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "packets"
	}
	if size <= 0 {
		size = DefaultActivityFeedSize
	}
	return &RedisActivityFeed{client: client, key: trimmedPrefix + ":plaza:activity", size: size}
}

func (f *RedisActivityFeed) Record(ctx context.Context, entry domain.ActivityEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode activity: %w", err)
	}
	_, err = f.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, f.key, payload)
		pipe.LTrim(ctx, f.key, 0, int64(f.size-1))
		return nil
	})
	return err
}

func (f *RedisActivityFeed) Recent(ctx context.Context, limit int) ([]domain.ActivityEntry, error) {
	if limit <= 0 || limit > f.size {
		limit = f.size
	}
	raw, err := f.client.LRange(ctx, f.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]domain.ActivityEntry, 0, len(raw))
	for _, item := range raw {
		var entry domain.ActivityEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
