package dmpolicy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/fps"
	"github.com/goodtune/vsyncd/internal/metrics"
	"github.com/goodtune/vsyncd/internal/refreshrate"
	"github.com/goodtune/vsyncd/internal/storage"
)

// RecordName is the storage key of the persisted display manager policy.
const RecordName = "display-manager"

// Evaluator turns policy input into a decision.
type Evaluator interface {
	Evaluate(ctx context.Context, input Input) (*Decision, error)
}

// Target is the selector the controller drives.
type Target interface {
	SetDisplayManagerPolicy(p refreshrate.Policy) (refreshrate.PolicyStatus, error)
	DisplayManagerPolicy() refreshrate.Policy
	AllRefreshRates() []refreshrate.RefreshRate
	CurrentRefreshRate() refreshrate.RefreshRate
	SupportedRange() fps.Range
}

// Controller periodically evaluates the display policy against host facts
// and applies the result to the selector. Applied policies are persisted so
// a restart resumes with the last one.
type Controller struct {
	engine    Evaluator
	collector Collector
	target    Target
	store     storage.PolicyStore
	limits    Limits
	logger    zerolog.Logger

	mu   sync.Mutex
	last *Decision
}

// NewController creates a Controller.
func NewController(engine Evaluator, collector Collector, target Target, store storage.PolicyStore,
	limits Limits, logger zerolog.Logger) *Controller {
	return &Controller{
		engine:    engine,
		collector: collector,
		target:    target,
		store:     store,
		limits:    limits,
		logger:    logger.With().Str("component", "dm-policy").Logger(),
	}
}

// Restore applies the persisted policy, if any.
func (c *Controller) Restore(ctx context.Context) error {
	record, err := c.store.Get(ctx, RecordName)
	if errors.Is(err, storage.ErrNotFound) {
		c.logger.Debug().Msg("No persisted display manager policy")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load persisted policy: %w", err)
	}

	policy := refreshrate.Policy{
		DefaultConfig:       refreshrate.ConfigID(record.DefaultConfig),
		AllowGroupSwitching: record.AllowGroupSwitching,
		PrimaryRange:        fps.NewRange(record.PrimaryMin, record.PrimaryMax),
		AppRequestRange:     fps.NewRange(record.AppRequestMin, record.AppRequestMax),
	}
	status, err := c.target.SetDisplayManagerPolicy(policy)
	if err != nil {
		return fmt.Errorf("failed to restore persisted policy: %w", err)
	}

	c.logger.Info().
		Str("status", status.String()).
		Str("reason", record.Reason).
		Time("updated_at", record.UpdatedAt).
		Msg("Restored display manager policy")
	return nil
}

// Evaluate runs one collect, evaluate, apply cycle.
func (c *Controller) Evaluate(ctx context.Context) (refreshrate.PolicyStatus, error) {
	facts, err := c.collector.Collect(ctx)
	if err != nil {
		metrics.PolicyEvaluationsTotal.WithLabelValues("error").Inc()
		return refreshrate.PolicyRejected, fmt.Errorf("failed to collect host facts: %w", err)
	}

	supported := c.target.SupportedRange()
	input := Input{
		Host: facts,
		Display: Display{
			CurrentFps:   c.target.CurrentRefreshRate().Fps().Value(),
			SupportedMin: supported.Min.Value(),
			SupportedMax: supported.Max.Value(),
		},
		Limits: c.limits,
	}

	decision, err := c.engine.Evaluate(ctx, input)
	if err != nil {
		metrics.PolicyEvaluationsTotal.WithLabelValues("error").Inc()
		return refreshrate.PolicyRejected, err
	}

	c.mu.Lock()
	c.last = decision
	c.mu.Unlock()

	policy := c.toPolicy(decision)
	status, err := c.target.SetDisplayManagerPolicy(policy)
	metrics.PolicyEvaluationsTotal.WithLabelValues(status.String()).Inc()
	if err != nil {
		return status, fmt.Errorf("policy %q rejected: %w", decision.Name, err)
	}
	if status != refreshrate.PolicyApplied {
		return status, nil
	}

	c.logger.Info().
		Str("policy", decision.Name).
		Str("reason", decision.Reason).
		Float64("temperature_c", facts.TemperatureC).
		Float64("cpu_percent", facts.CPUPercent).
		Msg("Display manager policy changed")

	record := storage.PolicyRecord{
		Name:                RecordName,
		DefaultConfig:       int(policy.DefaultConfig),
		AllowGroupSwitching: policy.AllowGroupSwitching,
		PrimaryMin:          policy.PrimaryRange.Min.Value(),
		PrimaryMax:          policy.PrimaryRange.Max.Value(),
		AppRequestMin:       policy.AppRequestRange.Min.Value(),
		AppRequestMax:       policy.AppRequestRange.Max.Value(),
		Reason:              fmt.Sprintf("%s: %s", decision.Name, decision.Reason),
	}
	if err := c.store.Put(ctx, record); err != nil {
		return status, fmt.Errorf("failed to persist policy: %w", err)
	}
	return status, nil
}

// toPolicy fills in the default config when the decision leaves it out: the
// current default if the primary range still admits it, else the fastest
// mode the range admits.
func (c *Controller) toPolicy(d *Decision) refreshrate.Policy {
	policy := refreshrate.Policy{
		DefaultConfig:       c.target.DisplayManagerPolicy().DefaultConfig,
		AllowGroupSwitching: d.AllowGroupSwitching,
		PrimaryRange:        fps.NewRange(d.PrimaryMin, d.PrimaryMax),
		AppRequestRange:     fps.NewRange(d.AppRequestMin, d.AppRequestMax),
	}
	if d.DefaultConfig != nil {
		policy.DefaultConfig = refreshrate.ConfigID(*d.DefaultConfig)
		return policy
	}

	rates := c.target.AllRefreshRates()
	for _, r := range rates {
		if r.ConfigID() == policy.DefaultConfig && policy.PrimaryRange.Includes(r.Fps()) {
			return policy
		}
	}
	var best *refreshrate.RefreshRate
	for i := range rates {
		r := &rates[i]
		if !policy.PrimaryRange.Includes(r.Fps()) {
			continue
		}
		if best == nil || best.Fps().LessThanWithMargin(r.Fps()) {
			best = r
		}
	}
	if best != nil {
		policy.DefaultConfig = best.ConfigID()
	}
	return policy
}

// LastDecision returns the most recent successful evaluation, or nil.
func (c *Controller) LastDecision() *Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	d := *c.last
	return &d
}

// Run evaluates every interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", interval).Msg("Display policy controller started")

	evaluate := func() {
		if _, err := c.Evaluate(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("Display policy evaluation failed")
		}
	}

	evaluate()
	for {
		select {
		case <-ticker.C:
			evaluate()
		case <-ctx.Done():
			c.logger.Info().Msg("Display policy controller stopped")
			return
		}
	}
}
