package indicators

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
)

// window returns the account's transactions inside the lookback ending at
// the evaluated transaction's own timestamp, with the evaluated transaction
// guaranteed present exactly once. The history store may or may not have
// recorded it yet depending on the call site.
func window(ec *EvalContext, lookback time.Duration) []domain.Transaction {
	var txs []domain.Transaction
	if ec.History != nil {
		txs = ec.History.Window(ec.Tx.AccountID, lookback, ec.Tx.Timestamp)
	}
	for _, t := range txs {
		if t.ID == ec.Tx.ID {
			return txs
		}
	}
	return append(txs, *ec.Tx)
}

// buildStructuring detects amounts split to stay under a cash reporting
// threshold: minCount same-direction transactions under maxAmount inside a
// short window.
func buildStructuring(ind domain.Indicator) (Evaluator, error) {
	lookback := config.LookbackParam(ind.Params, "windowMinutes", 30*time.Minute)
	maxAmount := numberParam(ind.Params, "maxAmount", 9500)
	minCount := int(numberParam(ind.Params, "minCount", 3))
	return EvaluatorFunc(func(_ context.Context, ec *EvalContext) (bool, string, error) {
		if ec.Tx.Amount >= maxAmount {
			return false, "", nil
		}
		count := 0
		for _, t := range window(ec, lookback) {
			if t.IsCredit == ec.Tx.IsCredit && t.Amount < maxAmount {
				count++
			}
		}
		if count < minCount {
			return false, "", nil
		}
		return true, fmt.Sprintf("%d transactions under %.2f within %s", count, maxAmount, lookback), nil
	}), nil
}

// buildCashIntensity fires when cash-style credits accumulate past a floor
// inside the window. An optional channels param restricts which credits
// count as cash; absent, every credit does.
func buildCashIntensity(ind domain.Indicator) (Evaluator, error) {
	lookback := config.LookbackParam(ind.Params, "windowMinutes", 6*time.Hour)
	floor := numberParam(ind.Params, "floor", 20000)
	channels := lowerSet(stringsParam(ind.Params, "channels", nil))
	return EvaluatorFunc(func(_ context.Context, ec *EvalContext) (bool, string, error) {
		var total float64
		for _, t := range window(ec, lookback) {
			if !t.IsCredit {
				continue
			}
			if len(channels) > 0 {
				if _, ok := channels[strings.ToLower(t.Channel)]; !ok {
					continue
				}
			}
			total += t.Amount
		}
		if total <= floor {
			return false, "", nil
		}
		return true, fmt.Sprintf("cash credits of %.2f within %s exceed the %.2f floor", total, lookback, floor), nil
	}), nil
}

// buildRepeatedOffshore fires when sizable transfers reach several distinct
// offshore jurisdictions inside the window, the evaluated transaction
// included.
func buildRepeatedOffshore(ind domain.Indicator) (Evaluator, error) {
	lookback := config.LookbackParam(ind.Params, "windowMinutes", 6*time.Hour)
	floor := numberParam(ind.Params, "minAmount", 5000)
	minDistinct := int(numberParam(ind.Params, "minDistinct", 2))
	offshore := upperSet(stringsParam(ind.Params, "countries", defaultOffshoreCountries))
	return EvaluatorFunc(func(_ context.Context, ec *EvalContext) (bool, string, error) {
		current := strings.ToUpper(ec.Tx.CounterpartyCountry)
		if _, ok := offshore[current]; !ok {
			return false, "", nil
		}
		distinct := make(map[string]struct{})
		for _, t := range window(ec, lookback) {
			if t.Amount < floor {
				continue
			}
			c := strings.ToUpper(t.CounterpartyCountry)
			if _, ok := offshore[c]; ok {
				distinct[c] = struct{}{}
			}
		}
		if len(distinct) < minDistinct {
			return false, "", nil
		}
		return true, fmt.Sprintf("transfers of %.2f+ to %d distinct offshore jurisdictions within %s", floor, len(distinct), lookback), nil
	}), nil
}

// buildVelocitySpending fires on bursts: many transactions whose combined
// amount is large inside a short window.
func buildVelocitySpending(ind domain.Indicator) (Evaluator, error) {
	lookback := config.LookbackParam(ind.Params, "windowMinutes", 10*time.Minute)
	minCount := int(numberParam(ind.Params, "minCount", 4))
	minTotal := numberParam(ind.Params, "minTotal", 20000)
	return EvaluatorFunc(func(_ context.Context, ec *EvalContext) (bool, string, error) {
		var total float64
		count := 0
		for _, t := range window(ec, lookback) {
			count++
			total += t.Amount
		}
		if count < minCount || total <= minTotal {
			return false, "", nil
		}
		return true, fmt.Sprintf("%d transactions totaling %.2f within %s", count, total, lookback), nil
	}), nil
}

// buildChannelMix fires when one account switches between too many distinct
// channels in a short window, a session-takeover tell.
func buildChannelMix(ind domain.Indicator) (Evaluator, error) {
	lookback := config.LookbackParam(ind.Params, "windowMinutes", 2*time.Hour)
	minChannels := int(numberParam(ind.Params, "minChannels", 3))
	return EvaluatorFunc(func(_ context.Context, ec *EvalContext) (bool, string, error) {
		channels := make(map[string]struct{})
		for _, t := range window(ec, lookback) {
			if ch := strings.ToLower(strings.TrimSpace(t.Channel)); ch != "" {
				channels[ch] = struct{}{}
			}
		}
		if len(channels) < minChannels {
			return false, "", nil
		}
		return true, fmt.Sprintf("%d distinct channels used within %s", len(channels), lookback), nil
	}), nil
}

// buildConflictDonation fires on repeated donation-purposed transfers into
// conflict-adjacent corridors. The purpose pattern is a regular expression
// compiled at config load.
func buildConflictDonation(ind domain.Indicator) (Evaluator, error) {
	lookback := config.LookbackParam(ind.Params, "windowMinutes", 3*time.Hour)
	minCount := int(numberParam(ind.Params, "minCount", 1))
	corridor := upperSet(stringsParam(ind.Params, "countries", defaultCorridorCountries))
	patternSrc := "(?i)donation|aid|relief|charity"
	if v := config.Strings(ind.Params, "purposePatterns"); len(v) > 0 {
		patternSrc = "(?i)" + strings.Join(v, "|")
	}
	pattern, err := regexp.Compile(patternSrc)
	if err != nil {
		return nil, fmt.Errorf("invalid purpose pattern %q: %w", patternSrc, err)
	}
	matches := func(t domain.Transaction) bool {
		if _, ok := corridor[strings.ToUpper(t.CounterpartyCountry)]; !ok {
			return false
		}
		return pattern.MatchString(t.Purpose)
	}
	return EvaluatorFunc(func(_ context.Context, ec *EvalContext) (bool, string, error) {
		if !matches(*ec.Tx) {
			return false, "", nil
		}
		count := 0
		for _, t := range window(ec, lookback) {
			if matches(t) {
				count++
			}
		}
		if count < minCount {
			return false, "", nil
		}
		return true, fmt.Sprintf("%d donation-purposed transfers to corridor countries within %s", count, lookback), nil
	}), nil
}

// resolveIncome fetches the account's declared annual income, reporting a
// non-hit when no profile or no declared income exists.
func resolveIncome(ctx context.Context, ec *EvalContext) (float64, bool, error) {
	if ec.Profiles == nil {
		return 0, false, nil
	}
	profile, err := ec.Profiles.ResolveProfile(ctx, ec.Tx.AccountID)
	if err != nil {
		return 0, false, fmt.Errorf("resolving profile: %w", err)
	}
	if profile == nil || profile.AnnualDeclaredIncome <= 0 {
		return 0, false, nil
	}
	return profile.AnnualDeclaredIncome, true, nil
}

// buildAmountVsIncome compares the rolling window total against a fraction
// of the customer's declared annual income.
func buildAmountVsIncome(ind domain.Indicator) (Evaluator, error) {
	lookback := config.LookbackParam(ind.Params, "windowMinutes", 4*time.Hour)
	divisor := numberParam(ind.Params, "incomeDivisor", 6)
	if divisor <= 0 {
		return nil, fmt.Errorf("incomeDivisor must be > 0, got %g", divisor)
	}
	return EvaluatorFunc(func(ctx context.Context, ec *EvalContext) (bool, string, error) {
		income, ok, err := resolveIncome(ctx, ec)
		if err != nil || !ok {
			return false, "", err
		}
		var total float64
		for _, t := range window(ec, lookback) {
			total += t.Amount
		}
		limit := income / divisor
		if total <= limit {
			return false, "", nil
		}
		return true, fmt.Sprintf("window total %.2f exceeds income-derived limit %.2f", total, limit), nil
	}), nil
}

// buildIncomeMismatch flags daily turnover well above the customer's
// declared monthly income.
func buildIncomeMismatch(ind domain.Indicator) (Evaluator, error) {
	lookback := config.LookbackParam(ind.Params, "windowMinutes", 24*time.Hour)
	factor := numberParam(ind.Params, "monthlyFactor", 1.5)
	if factor <= 0 {
		return nil, fmt.Errorf("monthlyFactor must be > 0, got %g", factor)
	}
	return EvaluatorFunc(func(ctx context.Context, ec *EvalContext) (bool, string, error) {
		income, ok, err := resolveIncome(ctx, ec)
		if err != nil || !ok {
			return false, "", err
		}
		var total float64
		for _, t := range window(ec, lookback) {
			total += t.Amount
		}
		limit := income / 12 * factor
		if total <= limit {
			return false, "", nil
		}
		return true, fmt.Sprintf("daily turnover %.2f is %.1fx the declared monthly income", total, total/(income/12)), nil
	}), nil
}
