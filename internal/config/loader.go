package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Default configuration file names, resolved against the config directory.
const (
	IndicatorsFile = "indicators.json"
	ThresholdsFile = "thresholds.json"
)

// Load reads and validates the indicator and threshold files, returning an
// immutable IndicatorSet. Every violation across both files is collected
// into a single ConfigError so operators can fix the configuration in one
// pass. A non-nil binder additionally checks that each enabled indicator
// resolves to a known evaluator.
func Load(indicatorsPath, thresholdsPath string, binder Binder) (*IndicatorSet, error) {
	indData, err := os.ReadFile(indicatorsPath)
	if err != nil {
		return nil, fmt.Errorf("read indicators config: %w", err)
	}
	thrData, err := os.ReadFile(thresholdsPath)
	if err != nil {
		return nil, fmt.Errorf("read thresholds config: %w", err)
	}
	return Parse(indData, thrData, binder)
}

// Parse validates raw configuration bytes. Split out from Load so tests and
// the replay tool can feed configuration without touching the filesystem.
func Parse(indicatorsJSON, thresholdsJSON []byte, binder Binder) (*IndicatorSet, error) {
	cerr := &ConfigError{}

	var indicators []domain.Indicator
	if err := json.Unmarshal(indicatorsJSON, &indicators); err != nil {
		cerr.addf("indicators: malformed JSON: %v", err)
	}

	thresholds := Thresholds{Low: 30, Medium: 60, AttachToOpenCase: true}
	if len(thresholdsJSON) > 0 {
		if err := json.Unmarshal(thresholdsJSON, &thresholds); err != nil {
			cerr.addf("thresholds: malformed JSON: %v", err)
		}
	}

	validateIndicators(indicators, binder, cerr)
	validateThresholds(thresholds, cerr)

	if err := cerr.orNil(); err != nil {
		return nil, err
	}

	enabled := make([]domain.Indicator, 0, len(indicators))
	for _, ind := range indicators {
		if ind.Enabled {
			enabled = append(enabled, ind)
		}
	}

	return &IndicatorSet{
		Version:     version(indicatorsJSON, thresholdsJSON),
		Indicators:  enabled,
		Thresholds:  thresholds,
		MaxLookback: maxLookback(enabled),
	}, nil
}

func validateIndicators(indicators []domain.Indicator, binder Binder, cerr *ConfigError) {
	known := make(map[domain.RiskDomain]bool)
	for _, d := range domain.KnownDomains() {
		known[d] = true
	}

	seen := make(map[string]bool, len(indicators))
	for i, ind := range indicators {
		if ind.Code == "" {
			cerr.addf("indicator[%d]: code is required", i)
			continue
		}
		if seen[ind.Code] {
			cerr.addf("indicator %s: duplicate code", ind.Code)
		}
		seen[ind.Code] = true

		if ind.Weight < 0 {
			cerr.addf("indicator %s: weight must be >= 0, got %g", ind.Code, ind.Weight)
		}
		if !known[ind.Domain] {
			cerr.addf("indicator %s: unknown domain %q", ind.Code, ind.Domain)
		}
		switch ind.Kind {
		case domain.KindStateless, domain.KindStateful:
		case domain.KindExpression:
			if ind.Expression == "" {
				cerr.addf("indicator %s: expression kind requires an expression", ind.Code)
			}
		default:
			cerr.addf("indicator %s: unknown kind %q", ind.Code, ind.Kind)
		}

		if binder != nil && ind.Enabled {
			if err := binder.Bind(ind); err != nil {
				cerr.addf("indicator %s: %v", ind.Code, err)
			}
		}
	}
}

func validateThresholds(t Thresholds, cerr *ConfigError) {
	if t.Low <= 0 {
		cerr.addf("thresholds: low must be > 0, got %g", t.Low)
	}
	if t.Medium <= t.Low {
		cerr.addf("thresholds: tiers must be strictly ordered, low %g >= medium %g", t.Low, t.Medium)
	}
	if t.AutoEscalateAlerts < 0 {
		cerr.addf("thresholds: autoEscalateAlerts must be >= 0, got %d", t.AutoEscalateAlerts)
	}
}

// maxLookback computes the largest history window any enabled indicator
// needs. Stateful evaluators read their window from params; indicators
// without an explicit window fall back to a conservative default.
func maxLookback(indicators []domain.Indicator) time.Duration {
	var max time.Duration
	for _, ind := range indicators {
		if ind.Kind != domain.KindStateful {
			continue
		}
		lb := LookbackParam(ind.Params, "windowMinutes", DefaultLookback)
		if lb > max {
			max = lb
		}
	}
	return max
}

// DefaultLookback bounds stateful indicators that omit windowMinutes.
const DefaultLookback = 24 * time.Hour

// LookbackParam reads a window length in minutes from indicator params.
func LookbackParam(params map[string]any, key string, fallback time.Duration) time.Duration {
	v, ok := Number(params, key)
	if !ok || v <= 0 {
		return fallback
	}
	return time.Duration(v * float64(time.Minute))
}

// Number reads a numeric parameter. JSON numbers decode as float64; integer
// values configured by tests may arrive as int.
func Number(params map[string]any, key string) (float64, bool) {
	raw, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := raw.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Strings reads a string-list parameter, tolerating []any from JSON.
func Strings(params map[string]any, key string) []string {
	raw, ok := params[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// version derives a stable snapshot identifier from the raw configuration
// bytes, so identical configs replay under the same version string.
func version(indicatorsJSON, thresholdsJSON []byte) string {
	h := sha256.New()
	h.Write(indicatorsJSON)
	h.Write([]byte{0})
	h.Write(thresholdsJSON)
	return hex.EncodeToString(h.Sum(nil))[:12]
}
