package dmpolicy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/metrics"
)

// Query is the rego rule that yields the display manager policy.
const Query = "data.vsyncd.display.policy"

// Decision is the policy a rego evaluation asks for.
type Decision struct {
	Name                string  `json:"name"`
	DefaultConfig       *int    `json:"default_config"`
	AllowGroupSwitching bool    `json:"allow_group_switching"`
	PrimaryMin          float64 `json:"primary_min"`
	PrimaryMax          float64 `json:"primary_max"`
	AppRequestMin       float64 `json:"app_request_min"`
	AppRequestMax       float64 `json:"app_request_max"`
	Reason              string  `json:"reason"`
}

// Engine evaluates the display policy rego modules found in a directory.
type Engine struct {
	policyDir string
	logger    zerolog.Logger

	mu      sync.RWMutex
	query   rego.PreparedEvalQuery
	modules map[string]*ast.Module
}

// NewEngine loads and compiles every .rego file in policyDir.
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "opa").Logger(),
	}

	if err := e.load(); err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	e.logger.Info().Str("policy_dir", policyDir).Msg("OPA engine initialized")

	return e, nil
}

// load parses and prepares the policies, swapping them in only when every
// step succeeds.
func (e *Engine) load() error {
	modules, err := loadModules(e.policyDir, e.logger)
	if err != nil {
		return err
	}

	opts := []func(*rego.Rego){rego.Query(Query)}
	for _, name := range sortedKeys(modules) {
		opts = append(opts, rego.ParsedModule(modules[name]))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare policy query: %w", err)
	}

	e.mu.Lock()
	e.modules = modules
	e.query = query
	e.mu.Unlock()

	return nil
}

// loadModules parses all .rego files in dir
func loadModules(dir string, logger zerolog.Logger) (map[string]*ast.Module, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", dir)
	}

	logger.Info().Int("count", len(files)).Msg("Loading policy files")

	modules := make(map[string]*ast.Module, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}

		modules[file] = module
		logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return modules, nil
}

func sortedKeys(m map[string]*ast.Module) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Modules returns the loaded policy file paths.
func (e *Engine) Modules() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedKeys(e.modules)
}

// Evaluate runs the policy query against input.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	metrics.PolicyEvaluationDuration.Observe(time.Since(startTime).Seconds())
	if err != nil {
		return nil, fmt.Errorf("policy query evaluation failed: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("policy query %s is undefined", Query)
	}

	// Convert result to Decision
	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy decision: %w", err)
	}

	var decision Decision
	if err := json.Unmarshal(resultBytes, &decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy decision: %w", err)
	}

	e.logger.Debug().
		Str("policy", decision.Name).
		Str("reason", decision.Reason).
		Dur("duration", time.Since(startTime)).
		Msg("Policy evaluated")

	return &decision, nil
}

// Reload reloads all policies from disk. On failure the previously loaded
// policies stay in effect.
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading OPA policies")

	if err := e.load(); err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	e.logger.Info().Msg("OPA policies reloaded successfully")

	return nil
}
