package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/vsyncd/internal/storage"
	"go.etcd.io/bbolt"
)

type policyStore struct {
	db  *bbolt.DB
	now func() time.Time
}

func (s *policyStore) Get(ctx context.Context, name string) (*storage.PolicyRecord, error) {
	return getBucketValue[storage.PolicyRecord](ctx, s.db, bucketPolicies, name)
}

func (s *policyStore) Put(ctx context.Context, record storage.PolicyRecord) error {
	if record.Name == "" {
		return fmt.Errorf("policy record without a name")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = s.now()
	}
	return putBucketValue(ctx, s.db, bucketPolicies, record.Name, record)
}

func (s *policyStore) Delete(ctx context.Context, name string) error {
	return deleteBucketValue(ctx, s.db, bucketPolicies, name)
}
