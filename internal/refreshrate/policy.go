package refreshrate

import (
	"errors"
	"fmt"

	"github.com/goodtune/vsyncd/internal/fps"
)

// ErrInvalidPolicy is returned when a policy fails validation against the
// current catalog.
var ErrInvalidPolicy = errors.New("refreshrate: invalid policy")

// Policy constrains which refresh rates may be selected.
type Policy struct {
	DefaultConfig       ConfigID  `json:"default_config"`
	AllowGroupSwitching bool      `json:"allow_group_switching"`
	PrimaryRange        fps.Range `json:"primary_range"`
	AppRequestRange     fps.Range `json:"app_request_range"`
}

// unboundedPolicy admits every rate in the catalog.
func unboundedPolicy(defaultConfig ConfigID) Policy {
	all := fps.NewRange(0, 1e9)
	return Policy{DefaultConfig: defaultConfig, PrimaryRange: all, AppRequestRange: all}
}

func (p Policy) Equal(o Policy) bool {
	return p.DefaultConfig == o.DefaultConfig &&
		p.AllowGroupSwitching == o.AllowGroupSwitching &&
		p.PrimaryRange.Equal(o.PrimaryRange) &&
		p.AppRequestRange.Equal(o.AppRequestRange)
}

func (p Policy) String() string {
	return fmt.Sprintf("default config ID: %d, allowGroupSwitching = %t, primary range: %s, app request range: %s",
		p.DefaultConfig, p.AllowGroupSwitching, p.PrimaryRange, p.AppRequestRange)
}

// PolicyStatus is the outcome of a policy update.
type PolicyStatus int

const (
	PolicyApplied   PolicyStatus = 0
	PolicyUnchanged PolicyStatus = 1
	PolicyRejected  PolicyStatus = -1
)

func (s PolicyStatus) String() string {
	switch s {
	case PolicyApplied:
		return "applied"
	case PolicyUnchanged:
		return "unchanged"
	case PolicyRejected:
		return "rejected"
	default:
		return fmt.Sprintf("PolicyStatus(%d)", int(s))
	}
}
