package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/vsyncd/internal/config"
	"github.com/goodtune/vsyncd/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client      *redis.Client
	jankStore   *jankStore
	policyStore *policyStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Host may already carry the port
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "vsyncd"
	}

	store := &Store{
		client:      client,
		jankStore:   &jankStore{client: client, keys: keyspace(prefix), now: time.Now},
		policyStore: &policyStore{client: client, keys: keyspace(prefix), now: time.Now},
	}

	return store, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Jank returns the JankStore implementation
func (s *Store) Jank() storage.JankStore {
	return s.jankStore
}

// Policies returns the PolicyStore implementation
func (s *Store) Policies() storage.PolicyStore {
	return s.policyStore
}

type keyspace string

func (k keyspace) jank(key string) string    { return fmt.Sprintf("%s:jank:%s", k, key) }
func (k keyspace) jankIndex() string         { return fmt.Sprintf("%s:jank:index", k) }
func (k keyspace) policy(name string) string { return fmt.Sprintf("%s:policy:%s", k, name) }
