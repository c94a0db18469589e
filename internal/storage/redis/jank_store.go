package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/vsyncd/internal/storage"
	"github.com/redis/go-redis/v9"
)

type jankStore struct {
	client *redis.Client
	keys   keyspace
	now    func() time.Time
}

var applyJankDelta = redis.NewScript(applyJankDeltaScript)

// ApplyDelta adds delta to the stored counters atomically
func (s *jankStore) ApplyDelta(ctx context.Context, delta storage.JankDelta) error {
	if delta.Key == "" {
		return fmt.Errorf("jank delta without a key")
	}

	keys := []string{s.keys.jank(delta.Key), s.keys.jankIndex()}
	args := []interface{}{
		delta.Key,
		delta.LayerName,
		delta.OwnerUID,
		delta.TotalFrames,
		delta.JankyFrames,
		s.now().Format(time.RFC3339Nano),
		statsTTLSeconds,
	}

	// cause/count pairs, sorted by cause
	causes := make([]string, 0, len(delta.Causes))
	for cause := range delta.Causes {
		causes = append(causes, cause)
	}
	sort.Strings(causes)
	for _, cause := range causes {
		args = append(args, cause, delta.Causes[cause])
	}

	return applyJankDelta.Run(ctx, s.client, keys, args...).Err()
}

// GetStats retrieves the counters stored under key
func (s *jankStore) GetStats(ctx context.Context, key string) (*storage.JankStats, error) {
	data, err := s.client.HGetAll(ctx, s.keys.jank(key)).Result()
	if err != nil {
		return nil, err
	}
	return parseJankStats(data)
}

// ListStats returns every indexed set of counters
func (s *jankStore) ListStats(ctx context.Context) ([]storage.JankStats, error) {
	keys, err := s.client.SMembers(ctx, s.keys.jankIndex()).Result()
	if err != nil {
		return nil, err
	}

	if len(keys) == 0 {
		return []storage.JankStats{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, s.keys.jank(key))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	stats := make([]storage.JankStats, 0, len(keys))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			// expired entry still in the index
			continue
		}
		parsed, err := parseJankStats(data)
		if err != nil {
			return nil, err
		}
		stats = append(stats, *parsed)
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats, nil
}

// DeleteStats removes the counters stored under key
func (s *jankStore) DeleteStats(ctx context.Context, key string) error {
	n, err := s.client.Del(ctx, s.keys.jank(key)).Result()
	if err != nil {
		return err
	}
	if err := s.client.SRem(ctx, s.keys.jankIndex(), key).Err(); err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
