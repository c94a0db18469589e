package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/vsyncd/internal/storage"
	"go.etcd.io/bbolt"
)

type jankStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// ApplyDelta adds delta to the stored counters in a single transaction.
func (s *jankStore) ApplyDelta(ctx context.Context, delta storage.JankDelta) error {
	if delta.Key == "" {
		return fmt.Errorf("jank delta without a key")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketJankStats))
		if b == nil {
			return fmt.Errorf("jank stats bucket missing")
		}
		var stats storage.JankStats
		if existing := b.Get([]byte(delta.Key)); existing != nil {
			if err := unmarshal(existing, &stats); err != nil {
				return err
			}
		}
		stats.Apply(delta, s.now())
		data, err := marshal(stats)
		if err != nil {
			return err
		}
		return b.Put([]byte(delta.Key), data)
	})
}

func (s *jankStore) GetStats(ctx context.Context, key string) (*storage.JankStats, error) {
	return getBucketValue[storage.JankStats](ctx, s.db, bucketJankStats, key)
}

func (s *jankStore) ListStats(ctx context.Context) ([]storage.JankStats, error) {
	return listBucket[storage.JankStats](ctx, s.db, bucketJankStats)
}

func (s *jankStore) DeleteStats(ctx context.Context, key string) error {
	return deleteBucketValue(ctx, s.db, bucketJankStats, key)
}
