package domain

// RiskDomain is the regulatory typology an indicator belongs to.
type RiskDomain string

const (
	DomainAML        RiskDomain = "AML"
	DomainFraud      RiskDomain = "Fraud"
	DomainTF         RiskDomain = "TF"
	DomainTaxEvasion RiskDomain = "TaxEvasion"
)

// KnownDomains lists the accepted risk domains for config validation.
func KnownDomains() []RiskDomain {
	return []RiskDomain{DomainAML, DomainFraud, DomainTF, DomainTaxEvasion}
}

// IndicatorKind selects the evaluator strategy for an indicator.
type IndicatorKind string

const (
	// KindStateless indicators are a pure function of the transaction alone.
	KindStateless IndicatorKind = "stateless"

	// KindStateful indicators additionally read the account's history window.
	KindStateful IndicatorKind = "stateful"

	// KindExpression indicators evaluate a CEL expression over transaction
	// fields, compiled and type-checked at config load time.
	KindExpression IndicatorKind = "expression"
)

// Indicator defines a single weighted risk rule ("axiom").
type Indicator struct {
	Code        string     `json:"code"`
	Description string     `json:"description"`
	Domain      RiskDomain `json:"domain"`
	Weight      float64    `json:"weight"`
	Enabled     bool       `json:"enabled"`

	Kind IndicatorKind `json:"kind"`

	// Params holds named numeric/string/list thresholds for stateless and
	// stateful evaluators (window lengths, amount floors, country lists).
	Params map[string]any `json:"params,omitempty"`

	// Expression is the CEL source for expression-kind indicators.
	Expression string `json:"expression,omitempty"`
}

// EvaluatedIndicator is the per-transaction outcome of one indicator.
type EvaluatedIndicator struct {
	Code      string     `json:"code"`
	Domain    RiskDomain `json:"domain"`
	Weight    float64    `json:"weight"`
	Hit       bool       `json:"hit"`
	Rationale string     `json:"rationale,omitempty"`
}

// Contribution is the indicator's share of the raw score: the configured
// weight on a hit, zero otherwise.
func (e EvaluatedIndicator) Contribution() float64 {
	if e.Hit {
		return e.Weight
	}
	return 0
}
