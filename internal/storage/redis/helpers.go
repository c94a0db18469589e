package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/vsyncd/internal/storage"
)

const causeFieldPrefix = "cause:"

// parseJankStats converts a Redis hash to JankStats
func parseJankStats(data map[string]string) (*storage.JankStats, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	stats := &storage.JankStats{
		Key:       data["key"],
		LayerName: data["layer_name"],
		Causes:    make(map[string]int64),
	}

	var err error
	if stats.TotalFrames, err = parseInt(data, "total_frames"); err != nil {
		return nil, err
	}
	if stats.JankyFrames, err = parseInt(data, "janky_frames"); err != nil {
		return nil, err
	}
	if v, ok := data["owner_uid"]; ok && v != "" {
		uid, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse owner_uid: %w", err)
		}
		stats.OwnerUID = int32(uid)
	}
	if v, ok := data["updated_at"]; ok && v != "" {
		if stats.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at: %w", err)
		}
	}

	for field, value := range data {
		cause, ok := strings.CutPrefix(field, causeFieldPrefix)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", field, err)
		}
		stats.Causes[cause] = n
	}

	return stats, nil
}

func parseInt(data map[string]string, field string) (int64, error) {
	v, ok := data[field]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", field, err)
	}
	return n, nil
}

// parsePolicyRecord converts a Redis hash to PolicyRecord
func parsePolicyRecord(data map[string]string) (*storage.PolicyRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	defaultConfig, err := strconv.Atoi(data["default_config"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse default_config: %w", err)
	}

	allowGroupSwitching, err := strconv.ParseBool(data["allow_group_switching"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse allow_group_switching: %w", err)
	}

	record := &storage.PolicyRecord{
		Name:                data["name"],
		DefaultConfig:       defaultConfig,
		AllowGroupSwitching: allowGroupSwitching,
		Reason:              data["reason"],
	}
	floats := map[string]*float64{
		"primary_min":     &record.PrimaryMin,
		"primary_max":     &record.PrimaryMax,
		"app_request_min": &record.AppRequestMin,
		"app_request_max": &record.AppRequestMax,
	}
	for field, dst := range floats {
		v, err := strconv.ParseFloat(data[field], 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", field, err)
		}
		*dst = v
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	record.UpdatedAt = updatedAt

	return record, nil
}
