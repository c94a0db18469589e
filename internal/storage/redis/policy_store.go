package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/vsyncd/internal/storage"
	"github.com/redis/go-redis/v9"
)

type policyStore struct {
	client *redis.Client
	keys   keyspace
	now    func() time.Time
}

// Get retrieves a policy by name
func (s *policyStore) Get(ctx context.Context, name string) (*storage.PolicyRecord, error) {
	data, err := s.client.HGetAll(ctx, s.keys.policy(name)).Result()
	if err != nil {
		return nil, err
	}
	return parsePolicyRecord(data)
}

// Put creates or replaces a policy
func (s *policyStore) Put(ctx context.Context, record storage.PolicyRecord) error {
	if record.Name == "" {
		return fmt.Errorf("policy record without a name")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = s.now()
	}

	key := s.keys.policy(record.Name)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"name", record.Name,
		"default_config", record.DefaultConfig,
		"allow_group_switching", strconv.FormatBool(record.AllowGroupSwitching),
		"primary_min", formatFloat(record.PrimaryMin),
		"primary_max", formatFloat(record.PrimaryMax),
		"app_request_min", formatFloat(record.AppRequestMin),
		"app_request_max", formatFloat(record.AppRequestMax),
		"reason", record.Reason,
		"updated_at", record.UpdatedAt.Format(time.RFC3339Nano),
	)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a policy by name
func (s *policyStore) Delete(ctx context.Context, name string) error {
	n, err := s.client.Del(ctx, s.keys.policy(name)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
