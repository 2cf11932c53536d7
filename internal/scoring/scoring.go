// Package scoring turns evaluated indicators into a normalized risk score
// and a severity tier. All functions are pure; the same inputs always
// produce the same score, which keeps replays bit-identical.
package scoring

import (
	"math"

	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
)

// Logistic curve parameters. A raw score equal to midpoint maps to 50;
// steepness controls how quickly the curve saturates toward 0 and 100.
const (
	midpoint  = 10.0
	steepness = 0.1

	// exponentClamp bounds the logistic exponent so extreme raw scores
	// cannot overflow math.Exp.
	exponentClamp = 500.0
)

// RawScore sums the weights of every hit indicator.
func RawScore(indicators []domain.EvaluatedIndicator) float64 {
	var raw float64
	for _, ind := range indicators {
		raw += ind.Contribution()
	}
	return raw
}

// Normalize maps a raw weight sum onto the open interval (0, 100) with a
// logistic curve. It is strictly monotonic in raw.
func Normalize(raw float64) float64 {
	exponent := -steepness * (raw - midpoint)
	if exponent > exponentClamp {
		exponent = exponentClamp
	} else if exponent < -exponentClamp {
		exponent = -exponentClamp
	}
	return 100.0 / (1.0 + math.Exp(exponent))
}

// Classify places a normalized score into a severity tier. Scores below
// Low are Low; scores up to and including Medium are Medium; everything
// above is High.
func Classify(normalized float64, t config.Thresholds) domain.Severity {
	switch {
	case normalized < t.Low:
		return domain.SeverityLow
	case normalized <= t.Medium:
		return domain.SeverityMedium
	default:
		return domain.SeverityHigh
	}
}

// Aggregate composes the full score result for one transaction under one
// configuration snapshot.
func Aggregate(indicators []domain.EvaluatedIndicator, set *config.IndicatorSet) domain.ScoreResult {
	raw := RawScore(indicators)
	normalized := Normalize(raw)
	return domain.ScoreResult{
		Raw:           raw,
		Normalized:    normalized,
		Severity:      Classify(normalized, set.Thresholds),
		ConfigVersion: set.Version,
		Indicators:    indicators,
	}
}
