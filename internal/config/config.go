// Package config loads and validates the indicator and threshold
// configuration files, and publishes immutable snapshots of the loaded set.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// IndicatorSet is an immutable, versioned snapshot of the full rule
// configuration. Concurrent evaluations share one snapshot and never
// observe a half-updated set.
type IndicatorSet struct {
	// Version identifies this snapshot in scores and audit entries.
	Version string

	// Indicators holds the enabled indicators in configuration order.
	// Evaluation output preserves this order.
	Indicators []domain.Indicator

	// Thresholds holds severity boundaries and case policy knobs.
	Thresholds Thresholds

	// MaxLookback is the largest history window any enabled indicator
	// requires, computed once at load time. It drives history eviction.
	MaxLookback time.Duration
}

// Thresholds holds severity boundaries and global case policy parameters.
type Thresholds struct {
	// Severity tiers: score < Low is Low, score <= Medium is Medium,
	// above Medium is High.
	Low    float64 `json:"low"`
	Medium float64 `json:"medium"`

	// AutoEscalateAlerts transitions an open case to ESCALATED once it has
	// accumulated this many alerts. Zero disables auto-escalation.
	AutoEscalateAlerts int `json:"autoEscalateAlerts"`

	// AttachToOpenCase controls whether new High alerts attach to an
	// existing open case for the account (default) or always open a new one.
	AttachToOpenCase bool `json:"attachToOpenCase"`
}

// ConfigError reports every validation violation found in a configuration,
// not just the first. Startup must abort when one is returned.
type ConfigError struct {
	Violations []string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration (%d violations): %s",
		len(e.Violations), strings.Join(e.Violations, "; "))
}

// addf records a formatted violation.
func (e *ConfigError) addf(format string, args ...any) {
	e.Violations = append(e.Violations, fmt.Sprintf(format, args...))
}

// orNil returns the error if any violation was recorded.
func (e *ConfigError) orNil() error {
	if len(e.Violations) == 0 {
		return nil
	}
	return e
}

// Binder verifies that an indicator resolves to a known evaluator. The
// indicator engine implements it by dry-compiling the indicator, so
// unknown codes, bad parameters, and broken CEL expressions surface at
// load time rather than during evaluation.
type Binder interface {
	Bind(ind domain.Indicator) error
}
