package storage

import (
	"fmt"
	"time"
)

// GlobalStatsKey is the key of the display-wide jank counters.
const GlobalStatsKey = "global"

// LayerStatsKey returns the key of one layer's jank counters.
func LayerStatsKey(ownerUID int32, layerName string) string {
	return fmt.Sprintf("layer/%d/%s", ownerUID, layerName)
}

// JankDelta is an increment of jank counters since the last flush.
type JankDelta struct {
	Key         string           `json:"key"`
	LayerName   string           `json:"layer_name,omitempty"`
	OwnerUID    int32            `json:"owner_uid,omitempty"`
	TotalFrames int64            `json:"total_frames"`
	JankyFrames int64            `json:"janky_frames"`
	Causes      map[string]int64 `json:"causes,omitempty"`
}

// IsZero reports whether applying the delta would change nothing.
func (d JankDelta) IsZero() bool {
	if d.TotalFrames != 0 || d.JankyFrames != 0 {
		return false
	}
	for _, n := range d.Causes {
		if n != 0 {
			return false
		}
	}
	return true
}

// JankStats are accumulated jank counters.
type JankStats struct {
	Key         string           `json:"key"`
	LayerName   string           `json:"layer_name,omitempty"`
	OwnerUID    int32            `json:"owner_uid,omitempty"`
	TotalFrames int64            `json:"total_frames"`
	JankyFrames int64            `json:"janky_frames"`
	Causes      map[string]int64 `json:"causes"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Apply adds delta to the counters.
func (s *JankStats) Apply(delta JankDelta, now time.Time) {
	if s.Key == "" {
		s.Key = delta.Key
	}
	if delta.LayerName != "" {
		s.LayerName = delta.LayerName
		s.OwnerUID = delta.OwnerUID
	}
	s.TotalFrames += delta.TotalFrames
	s.JankyFrames += delta.JankyFrames
	if s.Causes == nil {
		s.Causes = make(map[string]int64, len(delta.Causes))
	}
	for cause, n := range delta.Causes {
		s.Causes[cause] += n
	}
	s.UpdatedAt = now
}

// PolicyRecord is a persisted display manager policy.
type PolicyRecord struct {
	Name                string    `json:"name"`
	DefaultConfig       int       `json:"default_config"`
	AllowGroupSwitching bool      `json:"allow_group_switching"`
	PrimaryMin          float64   `json:"primary_min"`
	PrimaryMax          float64   `json:"primary_max"`
	AppRequestMin       float64   `json:"app_request_min"`
	AppRequestMax       float64   `json:"app_request_max"`
	Reason              string    `json:"reason,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}
