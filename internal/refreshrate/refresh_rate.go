// Package refreshrate selects the display refresh rate that best serves the
// visible content under the current display-manager policy.
package refreshrate

import (
	"fmt"

	"github.com/goodtune/vsyncd/internal/fps"
)

// ConfigID identifies a display mode in the hardware catalog.
type ConfigID int

// DisplayMode is one entry of the catalog reported by the display hardware.
type DisplayMode struct {
	ID          ConfigID
	VsyncPeriod int64 // nanoseconds
	Group       int
	Width       int
	Height      int
}

// RefreshRate is an immutable view of a display mode. Two refresh rates are
// equal when they share a config id; they are ordered by frame rate.
type RefreshRate struct {
	id          ConfigID
	vsyncPeriod int64
	group       int
	width       int
	height      int
	fps         fps.Fps
}

func newRefreshRate(mode DisplayMode) *RefreshRate {
	return &RefreshRate{
		id:          mode.ID,
		vsyncPeriod: mode.VsyncPeriod,
		group:       mode.Group,
		width:       mode.Width,
		height:      mode.Height,
		fps:         fps.FromPeriod(mode.VsyncPeriod),
	}
}

func (r RefreshRate) ConfigID() ConfigID       { return r.id }
func (r RefreshRate) VsyncPeriod() int64       { return r.vsyncPeriod }
func (r RefreshRate) Group() int               { return r.group }
func (r RefreshRate) Fps() fps.Fps             { return r.fps }
func (r RefreshRate) Name() string             { return fmt.Sprintf("%dfps", r.fps.IntValue()) }
func (r RefreshRate) Equal(o RefreshRate) bool { return r.id == o.id }

// Less orders refresh rates by frame rate, then by config id.
func (r RefreshRate) Less(o RefreshRate) bool {
	if !r.fps.EqualsWithMargin(o.fps) {
		return r.fps.Value() < o.fps.Value()
	}
	return r.id < o.id
}

// InPolicy reports whether the rate lies inside [min, max] with margin.
func (r RefreshRate) InPolicy(min, max fps.Fps) bool {
	return fps.Range{Min: min, Max: max}.Includes(r.fps)
}

func (r RefreshRate) sameResolution(o RefreshRate) bool {
	return r.width == o.width && r.height == o.height
}

func (r RefreshRate) String() string {
	return fmt.Sprintf("{id=%d, fps=%.2f, group=%d}", r.id, r.fps.Value(), r.group)
}
