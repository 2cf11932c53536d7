package indicators

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
)

// ErrNotLoaded is returned when evaluation is attempted before the first
// configuration snapshot has been installed.
var ErrNotLoaded = errors.New("indicators: no configuration loaded")

type boundIndicator struct {
	ind  domain.Indicator
	eval Evaluator
}

type snapshot struct {
	set   *config.IndicatorSet
	bound []boundIndicator
}

// Engine evaluates every enabled indicator against incoming transactions.
// The active snapshot is swapped atomically on reload, so in-flight
// evaluations finish under the snapshot they started with.
type Engine struct {
	registry *Registry
	history  domain.HistoryStore
	profiles domain.ProfileResolver
	current  atomic.Pointer[snapshot]
}

// NewEngine wires an engine to its history store and profile resolver.
// Either may be nil; the corresponding indicators then simply never hit.
func NewEngine(registry *Registry, history domain.HistoryStore, profiles domain.ProfileResolver) *Engine {
	return &Engine{
		registry: registry,
		history:  history,
		profiles: profiles,
	}
}

// Bind implements config.Binder by dry-compiling through the registry.
func (e *Engine) Bind(ind domain.Indicator) error {
	return e.registry.Bind(ind)
}

// Reload compiles every indicator in the set and installs the result as
// the active snapshot. On any compile failure the previous snapshot stays
// active and all violations are reported together.
func (e *Engine) Reload(set *config.IndicatorSet) error {
	bound := make([]boundIndicator, 0, len(set.Indicators))
	var cerr config.ConfigError
	for _, ind := range set.Indicators {
		eval, err := e.registry.Compile(ind)
		if err != nil {
			cerr.Violations = append(cerr.Violations, fmt.Sprintf("indicator %s: %v", ind.Code, err))
			continue
		}
		bound = append(bound, boundIndicator{ind: ind, eval: eval})
	}
	if len(cerr.Violations) > 0 {
		return &cerr
	}
	e.current.Store(&snapshot{set: set, bound: bound})
	return nil
}

// Snapshot returns the active configuration, or nil before the first load.
func (e *Engine) Snapshot() *config.IndicatorSet {
	s := e.current.Load()
	if s == nil {
		return nil
	}
	return s.set
}

// MaxLookback reports the history window the active snapshot requires.
func (e *Engine) MaxLookback() time.Duration {
	s := e.current.Load()
	if s == nil {
		return config.DefaultLookback
	}
	return s.set.MaxLookback
}

// IndicatorCount reports how many indicators the active snapshot evaluates.
func (e *Engine) IndicatorCount() int {
	s := e.current.Load()
	if s == nil {
		return 0
	}
	return len(s.bound)
}

// Evaluate runs every indicator in the active snapshot against the
// transaction. Results come back in configuration order, one per
// indicator. A failing evaluator is isolated: it contributes a non-hit
// carrying a diagnostic rationale and never aborts the transaction.
func (e *Engine) Evaluate(ctx context.Context, tx *domain.Transaction) ([]domain.EvaluatedIndicator, *config.IndicatorSet, error) {
	s := e.current.Load()
	if s == nil {
		return nil, nil, ErrNotLoaded
	}

	ec := &EvalContext{Tx: tx, History: e.history, Profiles: e.profiles}
	results := make([]domain.EvaluatedIndicator, len(s.bound))
	for i, b := range s.bound {
		hit, rationale, err := e.evaluateOne(ctx, b, ec)
		if err != nil {
			hit = false
			rationale = fmt.Sprintf("evaluation failed: %v", err)
		}
		results[i] = domain.EvaluatedIndicator{
			Code:      b.ind.Code,
			Domain:    b.ind.Domain,
			Weight:    b.ind.Weight,
			Hit:       hit,
			Rationale: rationale,
		}
	}
	return results, s.set, nil
}

// evaluateOne shields the engine from panicking evaluators. Custom
// registered indicators run arbitrary code.
func (e *Engine) evaluateOne(ctx context.Context, b boundIndicator, ec *EvalContext) (hit bool, rationale string, err error) {
	defer func() {
		if r := recover(); r != nil {
			hit = false
			rationale = ""
			err = fmt.Errorf("evaluator panic: %v", r)
		}
	}()
	return b.eval.Evaluate(ctx, ec)
}
