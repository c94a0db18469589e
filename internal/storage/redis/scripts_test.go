package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func TestApplyJankDeltaScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()

	tests := []struct {
		name          string
		layerName     string
		causes        []interface{}
		wantLayerName bool
	}{
		{
			name:          "global counters",
			layerName:     "",
			causes:        nil,
			wantLayerName: false,
		},
		{
			name:          "layer counters with causes",
			layerName:     "video",
			causes:        []interface{}{"app_deadline_missed", 2, "buffer_stuffing", 1},
			wantLayerName: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "k-" + tt.layerName
			statsKey := "vsyncd:jank:" + key
			indexKey := "vsyncd:jank:index"

			args := append([]interface{}{key, tt.layerName, 10001, 60, 3, "2024-01-02T00:00:00Z", 3600}, tt.causes...)
			for i := 0; i < 2; i++ {
				if err := client.Eval(ctx, applyJankDeltaScript, []string{statsKey, indexKey}, args...).Err(); err != nil {
					t.Fatalf("Script execution failed: %v", err)
				}
			}

			data, err := client.HGetAll(ctx, statsKey).Result()
			if err != nil {
				t.Fatalf("Failed to get stats data: %v", err)
			}
			if data["total_frames"] != "120" {
				t.Errorf("Expected total_frames=120, got %s", data["total_frames"])
			}
			if data["janky_frames"] != "6" {
				t.Errorf("Expected janky_frames=6, got %s", data["janky_frames"])
			}
			if _, ok := data["layer_name"]; ok != tt.wantLayerName {
				t.Errorf("Expected layer_name present=%v, got %v", tt.wantLayerName, ok)
			}
			if tt.causes != nil && data["cause:app_deadline_missed"] != "4" {
				t.Errorf("Expected cause:app_deadline_missed=4, got %s", data["cause:app_deadline_missed"])
			}

			isMember, err := client.SIsMember(ctx, indexKey, key).Result()
			if err != nil {
				t.Fatalf("Failed to check set membership: %v", err)
			}
			if !isMember {
				t.Error("Expected key in the index set")
			}

			ttl := client.TTL(ctx, statsKey).Val()
			if ttl <= 0 {
				t.Errorf("Expected TTL to be set, got %v", ttl)
			}
		})
	}
}
