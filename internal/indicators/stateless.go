package indicators

import (
	"context"
	"fmt"
	"strings"

	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
)

// Default jurisdiction and channel lists. Deployments override any of these
// per indicator via params; the defaults keep a bare config meaningful.
var (
	defaultHighRiskCountries = []string{"IR", "KP", "AF", "CU", "SY"}
	defaultOffshoreCountries = []string{"PA", "KY", "VG", "MT"}
	defaultConflictCountries = []string{"RU", "UA", "IR", "SY"}
	defaultCorridorCountries = []string{"SY", "IR", "AF", "UA"}
	defaultHighRiskSectors   = []string{"crypto", "luxury"}
	defaultSuspectChannels   = []string{"unknown_device", "tor", "anonymous_proxy"}
)

func numberParam(params map[string]any, key string, fallback float64) float64 {
	if v, ok := config.Number(params, key); ok {
		return v
	}
	return fallback
}

func stringsParam(params map[string]any, key string, fallback []string) []string {
	if v := config.Strings(params, key); len(v) > 0 {
		return v
	}
	return fallback
}

// countryListEvaluator fires when the counterparty country is in the set.
func countryListEvaluator(countries map[string]struct{}, label string) Evaluator {
	return EvaluatorFunc(func(_ context.Context, ec *EvalContext) (bool, string, error) {
		c := strings.ToUpper(strings.TrimSpace(ec.Tx.CounterpartyCountry))
		if c == "" {
			return false, "", nil
		}
		if _, ok := countries[c]; !ok {
			return false, "", nil
		}
		return true, fmt.Sprintf("counterparty country %s is on the %s list", c, label), nil
	})
}

func buildHighRiskCountry(ind domain.Indicator) (Evaluator, error) {
	set := upperSet(stringsParam(ind.Params, "countries", defaultHighRiskCountries))
	return countryListEvaluator(set, "high-risk"), nil
}

func buildConflictRegion(ind domain.Indicator) (Evaluator, error) {
	set := upperSet(stringsParam(ind.Params, "countries", defaultConflictCountries))
	return countryListEvaluator(set, "conflict-region"), nil
}

func buildLowTaxJurisdiction(ind domain.Indicator) (Evaluator, error) {
	set := upperSet(stringsParam(ind.Params, "countries", defaultOffshoreCountries))
	return countryListEvaluator(set, "low-tax jurisdiction"), nil
}

func buildHighRiskSector(ind domain.Indicator) (Evaluator, error) {
	set := lowerSet(stringsParam(ind.Params, "sectors", defaultHighRiskSectors))
	return EvaluatorFunc(func(_ context.Context, ec *EvalContext) (bool, string, error) {
		sector := strings.ToLower(strings.TrimSpace(ec.Tx.MerchantCategory))
		if _, ok := set[sector]; !ok {
			return false, "", nil
		}
		return true, fmt.Sprintf("merchant category %q is a high-risk sector", sector), nil
	}), nil
}

func buildUnusualChannel(ind domain.Indicator) (Evaluator, error) {
	set := lowerSet(stringsParam(ind.Params, "channels", defaultSuspectChannels))
	return EvaluatorFunc(func(_ context.Context, ec *EvalContext) (bool, string, error) {
		ch := strings.ToLower(strings.TrimSpace(ec.Tx.Channel))
		if _, ok := set[ch]; !ok {
			return false, "", nil
		}
		return true, fmt.Sprintf("channel %q is flagged as suspicious", ch), nil
	}), nil
}

// buildPEPHighValue fires for high-value transactions on accounts whose
// customer is a politically exposed person. Accounts without a profile on
// record never hit.
func buildPEPHighValue(ind domain.Indicator) (Evaluator, error) {
	minAmount := numberParam(ind.Params, "minAmount", 5000)
	return EvaluatorFunc(func(ctx context.Context, ec *EvalContext) (bool, string, error) {
		if ec.Tx.Amount < minAmount || ec.Profiles == nil {
			return false, "", nil
		}
		profile, err := ec.Profiles.ResolveProfile(ctx, ec.Tx.AccountID)
		if err != nil {
			return false, "", fmt.Errorf("resolving profile: %w", err)
		}
		if profile == nil || !profile.IsPEP {
			return false, "", nil
		}
		return true, fmt.Sprintf("PEP account moved %.2f, above the %.2f review floor", ec.Tx.Amount, minAmount), nil
	}), nil
}
