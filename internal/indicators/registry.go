package indicators

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Builder constructs an evaluator from an indicator definition. Builders
// validate params eagerly so that misconfiguration is caught at load time
// rather than on the scoring path.
type Builder func(ind domain.Indicator) (Evaluator, error)

type builderEntry struct {
	kind    domain.IndicatorKind
	builder Builder
}

// Registry maps indicator codes to evaluator builders. Expression-kind
// indicators bypass the code table and compile against the shared CEL
// environment instead.
type Registry struct {
	builders map[string]builderEntry
	celEnv   *cel.Env
}

// NewRegistry returns a registry with all built-in indicators registered
// and a CEL environment ready for expression indicators.
func NewRegistry() (*Registry, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	r := &Registry{
		builders: make(map[string]builderEntry),
		celEnv:   env,
	}

	r.Register(domain.KindStateless, "AML_HIGH_RISK_COUNTRY", buildHighRiskCountry)
	r.Register(domain.KindStateless, "AML_HIGH_RISK_SECTOR", buildHighRiskSector)
	r.Register(domain.KindStateless, "AML_PEP_HIGH_VALUE", buildPEPHighValue)
	r.Register(domain.KindStateless, "FRAUD_UNUSUAL_DEVICE_CHANNEL", buildUnusualChannel)
	r.Register(domain.KindStateless, "TF_CONFLICT_REGION", buildConflictRegion)
	r.Register(domain.KindStateless, "TAX_LOW_TAX_JURISDICTION", buildLowTaxJurisdiction)

	r.Register(domain.KindStateful, "AML_STRUCTURING", buildStructuring)
	r.Register(domain.KindStateful, "AML_CASH_INTENSITY", buildCashIntensity)
	r.Register(domain.KindStateful, "AML_REPEATED_OFFSHORE", buildRepeatedOffshore)
	r.Register(domain.KindStateful, "AML_AMOUNT_VS_INCOME", buildAmountVsIncome)
	r.Register(domain.KindStateful, "FRAUD_VELOCITY_SPENDING", buildVelocitySpending)
	r.Register(domain.KindStateful, "FRAUD_DEVICE_CHANNEL_MIX", buildChannelMix)
	r.Register(domain.KindStateful, "TF_NGO_CONFLICT_DONATION", buildConflictDonation)
	r.Register(domain.KindStateful, "TAX_INCOME_MISMATCH", buildIncomeMismatch)

	return r, nil
}

// Register adds or replaces a builder for the given code. Custom deployments
// register additional indicators before the first configuration load.
func (r *Registry) Register(kind domain.IndicatorKind, code string, b Builder) {
	r.builders[code] = builderEntry{kind: kind, builder: b}
}

// Bind dry-compiles an indicator and discards the result. It is the
// config-load hook that turns unknown codes, bad params and invalid
// expressions into load-time violations.
func (r *Registry) Bind(ind domain.Indicator) error {
	_, err := r.Compile(ind)
	return err
}

// Compile produces the evaluator for one indicator definition.
func (r *Registry) Compile(ind domain.Indicator) (Evaluator, error) {
	if ind.Kind == domain.KindExpression {
		return r.compileExpression(ind)
	}
	entry, ok := r.builders[ind.Code]
	if !ok {
		return nil, fmt.Errorf("no built-in evaluator for code %q", ind.Code)
	}
	if entry.kind != ind.Kind {
		return nil, fmt.Errorf("code %q is registered as kind %q, not %q", ind.Code, entry.kind, ind.Kind)
	}
	return entry.builder(ind)
}

// upperSet builds a case-normalized membership set from a list of strings.
func upperSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToUpper(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}

func lowerSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}
