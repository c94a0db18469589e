package refreshrate

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/fps"
)

// Options configure optional selector behaviour.
type Options struct {
	// EnableFrameRateOverride allows per-application frame rate overrides
	// when the catalog contains integer dividers of the peak rate.
	EnableFrameRateOverride bool
}

// IdleTimerAction tells the caller what to do with the kernel idle timer.
type IdleTimerAction int

const (
	IdleTimerNoChange IdleTimerAction = iota
	IdleTimerTurnOff
	IdleTimerTurnOn
)

func (a IdleTimerAction) String() string {
	switch a {
	case IdleTimerTurnOff:
		return "TurnOff"
	case IdleTimerTurnOn:
		return "TurnOn"
	default:
		return "NoChange"
	}
}

// Selector owns the display mode catalog and the active policies, and picks
// the refresh rate for each frame.
type Selector struct {
	mu sync.Mutex

	refreshRates map[ConfigID]*RefreshRate
	sorted       []*RefreshRate

	// Rebuilt on every policy change. Never mutated in place, so snapshots
	// may hold on to them.
	primaryRefreshRates    []*RefreshRate
	appRequestRefreshRates []*RefreshRate

	current              *RefreshRate
	displayManagerPolicy Policy
	overridePolicy       *Policy

	minSupported *RefreshRate
	maxSupported *RefreshRate
	known        KnownFrameRates

	enableFrameRateOverride   bool
	supportsFrameRateOverride bool

	// idleTimerState is the last action the caller applied, NoChange
	// until the first one.
	idleTimerState IdleTimerAction

	logger zerolog.Logger
}

// NewSelector creates a selector over the given catalog. It panics if the
// catalog is empty or does not contain current.
func NewSelector(modes []DisplayMode, current ConfigID, opts Options, logger zerolog.Logger) *Selector {
	s := &Selector{
		enableFrameRateOverride: opts.EnableFrameRateOverride,
		logger:                  logger.With().Str("component", "refreshrate").Logger(),
	}
	s.UpdateDisplayConfigs(modes, current)
	return s
}

// UpdateDisplayConfigs replaces the catalog. Both policies are reset since
// their config ids may no longer exist.
func (s *Selector) UpdateDisplayConfigs(modes []DisplayMode, current ConfigID) {
	if len(modes) == 0 {
		panic("refreshrate: empty display mode catalog")
	}

	rates := make(map[ConfigID]*RefreshRate, len(modes))
	for _, m := range modes {
		if _, dup := rates[m.ID]; dup {
			panic(fmt.Sprintf("refreshrate: duplicate config id %d in catalog", m.ID))
		}
		rates[m.ID] = newRefreshRate(m)
	}
	cur, ok := rates[current]
	if !ok {
		panic(fmt.Sprintf("refreshrate: current config %d not in catalog", current))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshRates = rates
	s.current = cur
	s.sorted = s.sortedListLocked(func(*RefreshRate) bool { return true })
	s.displayManagerPolicy = unboundedPolicy(current)
	s.overridePolicy = nil
	s.minSupported = s.sorted[0]
	s.maxSupported = s.sorted[len(s.sorted)-1]
	s.known = constructKnownFrameRates(modes)

	s.supportsFrameRateOverride = false
	if s.enableFrameRateOverride {
		for _, r := range s.sorted {
			if frameRateDivider(s.maxSupported.fps, r.fps) >= 2 {
				s.supportsFrameRateOverride = true
				break
			}
		}
	}

	s.constructAvailableRefreshRatesLocked()

	s.logger.Info().
		Int("modes", len(modes)).
		Int("current", int(current)).
		Str("range", fps.Range{Min: s.minSupported.fps, Max: s.maxSupported.fps}.String()).
		Bool("frame_rate_override", s.supportsFrameRateOverride).
		Msg("Display configs updated")
}

func (s *Selector) sortedListLocked(keep func(*RefreshRate) bool) []*RefreshRate {
	out := make([]*RefreshRate, 0, len(s.refreshRates))
	for _, r := range s.refreshRates {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(*out[j]) })
	return out
}

func (s *Selector) currentPolicyLocked() Policy {
	if s.overridePolicy != nil {
		return *s.overridePolicy
	}
	return s.displayManagerPolicy
}

func (s *Selector) constructAvailableRefreshRatesLocked() {
	policy := s.currentPolicyLocked()
	def := s.refreshRates[policy.DefaultConfig]

	filter := func(r fps.Range, listName string) []*RefreshRate {
		out := s.sortedListLocked(func(rr *RefreshRate) bool {
			return rr.sameResolution(*def) &&
				(policy.AllowGroupSwitching || rr.group == def.group) &&
				rr.InPolicy(r.Min, r.Max)
		})
		if len(out) == 0 {
			panic(fmt.Sprintf("refreshrate: no %s refresh rates for policy %s", listName, policy))
		}
		return out
	}
	s.primaryRefreshRates = filter(policy.PrimaryRange, "primary")
	s.appRequestRefreshRates = filter(policy.AppRequestRange, "app request")
}

func (s *Selector) validatePolicyLocked(p Policy) error {
	def, ok := s.refreshRates[p.DefaultConfig]
	if !ok {
		return fmt.Errorf("%w: default config %d not in catalog", ErrInvalidPolicy, p.DefaultConfig)
	}
	if !p.PrimaryRange.IsValid() || !p.AppRequestRange.IsValid() {
		return fmt.Errorf("%w: inverted range in %s", ErrInvalidPolicy, p)
	}
	if !def.InPolicy(p.PrimaryRange.Min, p.PrimaryRange.Max) {
		return fmt.Errorf("%w: default config %s outside primary range %s", ErrInvalidPolicy, def, p.PrimaryRange)
	}
	if !p.AppRequestRange.Contains(p.PrimaryRange) {
		return fmt.Errorf("%w: app request range %s does not contain primary range %s",
			ErrInvalidPolicy, p.AppRequestRange, p.PrimaryRange)
	}
	return nil
}

// SetDisplayManagerPolicy replaces the display-manager policy.
func (s *Selector) SetDisplayManagerPolicy(p Policy) (PolicyStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validatePolicyLocked(p); err != nil {
		s.logger.Warn().Err(err).Msg("Rejected display manager policy")
		return PolicyRejected, err
	}
	prev := s.currentPolicyLocked()
	s.displayManagerPolicy = p
	if s.currentPolicyLocked().Equal(prev) {
		return PolicyUnchanged, nil
	}
	s.constructAvailableRefreshRatesLocked()
	s.logger.Info().Str("policy", p.String()).Msg("Display manager policy applied")
	return PolicyApplied, nil
}

// SetOverridePolicy installs an override that takes precedence over the
// display-manager policy. A nil policy removes the override.
func (s *Selector) SetOverridePolicy(p *Policy) (PolicyStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p != nil {
		if err := s.validatePolicyLocked(*p); err != nil {
			s.logger.Warn().Err(err).Msg("Rejected override policy")
			return PolicyRejected, err
		}
	}
	prev := s.currentPolicyLocked()
	if p != nil {
		cp := *p
		s.overridePolicy = &cp
	} else {
		s.overridePolicy = nil
	}
	if s.currentPolicyLocked().Equal(prev) {
		return PolicyUnchanged, nil
	}
	s.constructAvailableRefreshRatesLocked()
	s.logger.Info().Bool("cleared", p == nil).Msg("Override policy applied")
	return PolicyApplied, nil
}

// CurrentPolicy returns the override policy if set, else the
// display-manager policy.
func (s *Selector) CurrentPolicy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPolicyLocked()
}

func (s *Selector) DisplayManagerPolicy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayManagerPolicy
}

// IsConfigAllowed reports whether the mode is in the app-request list.
func (s *Selector) IsConfigAllowed(id ConfigID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.appRequestRefreshRates {
		if r.id == id {
			return true
		}
	}
	return false
}

// SetCurrentConfigID records the mode the display is now running.
func (s *Selector) SetCurrentConfigID(id ConfigID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refreshRates[id]
	if !ok {
		return fmt.Errorf("unknown config id %d", id)
	}
	s.current = r
	return nil
}

func (s *Selector) CurrentRefreshRate() RefreshRate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.current
}

// CurrentRefreshRateByPolicy returns the current rate when the policy still
// allows it, and the policy default otherwise.
func (s *Selector) CurrentRefreshRateByPolicy() RefreshRate {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.appRequestRefreshRates {
		if r.id == s.current.id {
			return *s.current
		}
	}
	return *s.refreshRates[s.currentPolicyLocked().DefaultConfig]
}

func (s *Selector) RefreshRateFromConfigID(id ConfigID) (RefreshRate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refreshRates[id]
	if !ok {
		return RefreshRate{}, false
	}
	return *r, true
}

// AllRefreshRates returns the catalog sorted by frame rate.
func (s *Selector) AllRefreshRates() []RefreshRate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RefreshRate, len(s.sorted))
	for i, r := range s.sorted {
		out[i] = *r
	}
	return out
}

func (s *Selector) MinRefreshRateByPolicy() RefreshRate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.minRefreshRateByPolicyLocked()
}

func (s *Selector) MaxRefreshRateByPolicy() RefreshRate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.maxRefreshRateByPolicyLocked()
}

// minRefreshRateByPolicyLocked prefers rates in the current config group.
func (s *Selector) minRefreshRateByPolicyLocked() *RefreshRate {
	for _, r := range s.primaryRefreshRates {
		if r.group == s.current.group {
			return r
		}
	}
	s.logger.Error().Str("current", s.current.String()).
		Msg("Can't find min refresh rate by policy with the same config group as the current config")
	return s.primaryRefreshRates[0]
}

func (s *Selector) maxRefreshRateByPolicyLocked() *RefreshRate {
	for i := len(s.primaryRefreshRates) - 1; i >= 0; i-- {
		if r := s.primaryRefreshRates[i]; r.group == s.current.group {
			return r
		}
	}
	s.logger.Error().Str("current", s.current.String()).
		Msg("Can't find max refresh rate by policy with the same config group as the current config")
	return s.primaryRefreshRates[len(s.primaryRefreshRates)-1]
}

// SupportedRange returns the lowest and highest rates in the catalog.
func (s *Selector) SupportedRange() fps.Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fps.Range{Min: s.minSupported.fps, Max: s.maxSupported.fps}
}

// CanSwitch reports whether the catalog offers more than one mode.
func (s *Selector) CanSwitch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refreshRates) > 1
}

func (s *Selector) SupportsFrameRateOverride() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supportsFrameRateOverride
}

// RefreshRateDivider returns how many vsyncs of the current mode one frame
// at f spans, or 0 when f does not divide the current rate.
func (s *Selector) RefreshRateDivider(f fps.Fps) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return frameRateDivider(s.current.fps, f)
}

// KnownFrameRates returns the immutable set used to round heuristic rates.
func (s *Selector) KnownFrameRates() KnownFrameRates {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known
}

func (s *Selector) FindClosestKnownFrameRate(f fps.Fps) fps.Fps {
	return s.KnownFrameRates().Closest(f)
}

// GetIdleTimerAction decides whether the kernel idle timer may drop the
// panel to the device minimum under the current policy. It returns
// NoChange when the timer is already in that state.
func (s *Selector) GetIdleTimerAction() IdleTimerAction {
	s.mu.Lock()
	defer s.mu.Unlock()

	action := s.idleTimerActionLocked()
	if action == s.idleTimerState {
		return IdleTimerNoChange
	}
	return action
}

func (s *Selector) idleTimerActionLocked() IdleTimerAction {
	if len(s.refreshRates) == 1 {
		return IdleTimerNoChange
	}

	deviceMin := s.minSupported
	minByPolicy := s.minRefreshRateByPolicyLocked()
	maxByPolicy := s.maxRefreshRateByPolicyLocked()

	// The kernel timer drops to the device minimum. Keep it off when the
	// policy forbids going that low.
	if deviceMin.fps.LessThanWithMargin(minByPolicy.fps) {
		return IdleTimerTurnOff
	}
	if minByPolicy.Equal(*maxByPolicy) {
		if s.currentPolicyLocked().PrimaryRange.Min.LessThanWithMargin(deviceMin.fps) {
			return IdleTimerTurnOn
		}
		return IdleTimerTurnOff
	}
	return IdleTimerTurnOn
}

// OnIdleTimerActionApplied records that the caller carried out action.
func (s *Selector) OnIdleTimerActionApplied(action IdleTimerAction) {
	if action == IdleTimerNoChange {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleTimerState = action
}

// IdleTimerEnabled reports whether the last applied action turned the
// kernel idle timer on.
func (s *Selector) IdleTimerEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleTimerState == IdleTimerTurnOn
}

// OnKernelTimerChanged returns the rate the display will run at after the
// kernel idle timer fires or resets, or false if nothing changes.
func (s *Selector) OnKernelTimerChanged(desired *ConfigID, timerExpired bool) (fps.Fps, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.current
	if desired != nil {
		if r, ok := s.refreshRates[*desired]; ok {
			current = r
		}
	}
	if current.Equal(*s.minSupported) {
		return fps.Fps{}, false
	}
	if timerExpired {
		return s.minSupported.fps, true
	}
	return current.fps, true
}

// Dump renders the selector state for diagnostics.
func (s *Selector) Dump() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "DesiredDisplayModeSpecs (DisplayManager): %s\n", s.displayManagerPolicy)
	if s.overridePolicy != nil {
		fmt.Fprintf(&b, "DesiredDisplayModeSpecs (Override): %s\n", *s.overridePolicy)
	}
	fmt.Fprintf(&b, "Current mode: %s\n", s.current)
	fmt.Fprintf(&b, "Primary refresh rates: %s\n", joinRates(s.primaryRefreshRates))
	fmt.Fprintf(&b, "App request refresh rates: %s\n", joinRates(s.appRequestRefreshRates))
	fmt.Fprintf(&b, "Supports frame rate override: %t\n", s.supportsFrameRateOverride)
	return b.String()
}

func joinRates(rates []*RefreshRate) string {
	names := make([]string, len(rates))
	for i, r := range rates {
		names[i] = r.String()
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// selectionState is an immutable snapshot of everything the scoring pass
// needs, taken under the lock so the pass itself runs unlocked.
type selectionState struct {
	policy                    Policy
	all                       []*RefreshRate
	appRequest                []*RefreshRate
	current                   *RefreshRate
	defaultRate               *RefreshRate
	minByPolicy               *RefreshRate
	maxByPolicy               *RefreshRate
	supportsFrameRateOverride bool
}

func (s *Selector) snapshot() selectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	policy := s.currentPolicyLocked()
	return selectionState{
		policy:                    policy,
		all:                       s.sorted,
		appRequest:                s.appRequestRefreshRates,
		current:                   s.current,
		defaultRate:               s.refreshRates[policy.DefaultConfig],
		minByPolicy:               s.minRefreshRateByPolicyLocked(),
		maxByPolicy:               s.maxRefreshRateByPolicyLocked(),
		supportsFrameRateOverride: s.supportsFrameRateOverride,
	}
}

// GetBestRefreshRate scores every allowed refresh rate against the layer
// requirements. The second return value reports which global signals
// decided the outcome.
func (s *Selector) GetBestRefreshRate(layers []LayerRequirement, signals GlobalSignals) (RefreshRate, GlobalSignals) {
	st := s.snapshot()
	best, considered := st.bestRefreshRate(layers, signals)
	s.logger.Trace().
		Int("layers", len(layers)).
		Bool("touch", signals.Touch).
		Bool("idle", signals.Idle).
		Str("selected", best.Name()).
		Msg("Selected refresh rate")
	return *best, considered
}

// GetFrameRateOverrides maps application owners to the frame rate they
// should be throttled to while the display runs at displayFps.
func (s *Selector) GetFrameRateOverrides(layers []LayerRequirement, displayFps fps.Fps, touch bool) map[int32]fps.Fps {
	st := s.snapshot()
	return st.frameRateOverrides(layers, displayFps, touch)
}
