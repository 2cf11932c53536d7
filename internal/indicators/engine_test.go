package indicators

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
)

// fakeHistory is an in-memory HistoryStore for evaluator tests.
type fakeHistory struct {
	txs map[string][]domain.Transaction
}

func (f *fakeHistory) Record(_ context.Context, tx *domain.Transaction) error {
	if f.txs == nil {
		f.txs = make(map[string][]domain.Transaction)
	}
	f.txs[tx.AccountID] = append(f.txs[tx.AccountID], *tx)
	return nil
}

func (f *fakeHistory) Window(accountID string, lookback time.Duration, asOf time.Time) []domain.Transaction {
	var out []domain.Transaction
	cutoff := asOf.Add(-lookback)
	for _, t := range f.txs[accountID] {
		if t.Timestamp.After(cutoff) && !t.Timestamp.After(asOf) {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeHistory) RollingAggregate(accountID string, lookback time.Duration, asOf time.Time, fn func(domain.Transaction) float64) float64 {
	var total float64
	for _, t := range f.Window(accountID, lookback, asOf) {
		total += fn(t)
	}
	return total
}

type fakeProfiles struct {
	profiles map[string]*domain.CustomerProfile
	err      error
}

func (f *fakeProfiles) ResolveProfile(_ context.Context, accountID string) (*domain.CustomerProfile, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.profiles[accountID], nil
}

func baseTime() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func tx(id, account string, amount float64, ts time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:        id,
		AccountID: account,
		Timestamp: ts,
		Amount:    amount,
		Currency:  "EUR",
		Channel:   "web",
	}
}

func testEngine(t *testing.T, history domain.HistoryStore, profiles domain.ProfileResolver, indicators ...domain.Indicator) *Engine {
	t.Helper()
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	eng := NewEngine(reg, history, profiles)
	set := &config.IndicatorSet{
		Version:     "test",
		Indicators:  indicators,
		Thresholds:  config.Thresholds{Low: 30, Medium: 60},
		MaxLookback: 24 * time.Hour,
	}
	if err := eng.Reload(set); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return eng
}

func ind(code string, dom domain.RiskDomain, kind domain.IndicatorKind, weight float64, params map[string]any) domain.Indicator {
	return domain.Indicator{Code: code, Domain: dom, Kind: kind, Weight: weight, Enabled: true, Params: params}
}

func TestStatelessIndicators(t *testing.T) {
	eng := testEngine(t, &fakeHistory{}, nil,
		ind("AML_HIGH_RISK_COUNTRY", domain.DomainAML, domain.KindStateless, 4, nil),
		ind("AML_HIGH_RISK_SECTOR", domain.DomainAML, domain.KindStateless, 2, nil),
		ind("FRAUD_UNUSUAL_DEVICE_CHANNEL", domain.DomainFraud, domain.KindStateless, 3, nil),
		ind("TAX_LOW_TAX_JURISDICTION", domain.DomainTaxEvasion, domain.KindStateless, 2, nil),
	)

	tests := []struct {
		name     string
		mutate   func(*domain.Transaction)
		wantHits []string
	}{
		{
			name:     "clean transaction",
			mutate:   func(_ *domain.Transaction) {},
			wantHits: nil,
		},
		{
			name:     "high risk country",
			mutate:   func(tx *domain.Transaction) { tx.CounterpartyCountry = "IR" },
			wantHits: []string{"AML_HIGH_RISK_COUNTRY"},
		},
		{
			name:     "lowercase country still matches",
			mutate:   func(tx *domain.Transaction) { tx.CounterpartyCountry = "kp" },
			wantHits: []string{"AML_HIGH_RISK_COUNTRY"},
		},
		{
			name:     "crypto sector",
			mutate:   func(tx *domain.Transaction) { tx.MerchantCategory = "crypto" },
			wantHits: []string{"AML_HIGH_RISK_SECTOR"},
		},
		{
			name:     "tor channel",
			mutate:   func(tx *domain.Transaction) { tx.Channel = "tor" },
			wantHits: []string{"FRAUD_UNUSUAL_DEVICE_CHANNEL"},
		},
		{
			name:     "offshore jurisdiction",
			mutate:   func(tx *domain.Transaction) { tx.CounterpartyCountry = "KY" },
			wantHits: []string{"TAX_LOW_TAX_JURISDICTION"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transaction := tx("t1", "acct-1", 100, baseTime())
			tt.mutate(transaction)

			results, _, err := eng.Evaluate(context.Background(), transaction)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			var hits []string
			for _, r := range results {
				if r.Hit {
					hits = append(hits, r.Code)
				}
			}
			if len(hits) != len(tt.wantHits) {
				t.Fatalf("hits = %v, want %v", hits, tt.wantHits)
			}
			for i := range hits {
				if hits[i] != tt.wantHits[i] {
					t.Errorf("hit %d = %s, want %s", i, hits[i], tt.wantHits[i])
				}
			}
		})
	}
}

func TestPEPHighValue(t *testing.T) {
	profiles := &fakeProfiles{profiles: map[string]*domain.CustomerProfile{
		"pep-acct": {AccountID: "pep-acct", IsPEP: true},
	}}
	eng := testEngine(t, &fakeHistory{}, profiles,
		ind("AML_PEP_HIGH_VALUE", domain.DomainAML, domain.KindStateless, 5, nil),
	)

	check := func(t *testing.T, account string, amount float64, wantHit bool) {
		t.Helper()
		results, _, err := eng.Evaluate(context.Background(), tx("t1", account, amount, baseTime()))
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if results[0].Hit != wantHit {
			t.Errorf("hit = %v, want %v (account=%s amount=%g)", results[0].Hit, wantHit, account, amount)
		}
	}

	t.Run("pep above floor hits", func(t *testing.T) { check(t, "pep-acct", 6000, true) })
	t.Run("pep below floor misses", func(t *testing.T) { check(t, "pep-acct", 4000, false) })
	t.Run("no profile misses", func(t *testing.T) { check(t, "unknown-acct", 6000, false) })
}

func TestStructuring(t *testing.T) {
	t.Run("burst under reporting threshold hits", func(t *testing.T) {
		history := &fakeHistory{}
		for i, offset := range []time.Duration{0, 3 * time.Minute, 6 * time.Minute} {
			history.Record(context.Background(), tx(string(rune('a'+i)), "acct-1", 2000, baseTime().Add(offset)))
		}
		eng := testEngine(t, history, nil,
			ind("AML_STRUCTURING", domain.DomainAML, domain.KindStateful, 5, nil),
		)

		results, _, err := eng.Evaluate(context.Background(), tx("t4", "acct-1", 2000, baseTime().Add(9*time.Minute)))
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !results[0].Hit {
			t.Fatalf("expected structuring hit, rationale=%q", results[0].Rationale)
		}
	})

	t.Run("same amounts spread out do not hit", func(t *testing.T) {
		history := &fakeHistory{}
		for i, offset := range []time.Duration{0, 31 * time.Minute, 62 * time.Minute} {
			history.Record(context.Background(), tx(string(rune('a'+i)), "acct-1", 2000, baseTime().Add(offset)))
		}
		eng := testEngine(t, history, nil,
			ind("AML_STRUCTURING", domain.DomainAML, domain.KindStateful, 5, nil),
		)

		results, _, err := eng.Evaluate(context.Background(), tx("t4", "acct-1", 2000, baseTime().Add(93*time.Minute)))
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if results[0].Hit {
			t.Fatalf("expected no hit for spread-out transactions")
		}
	})

	t.Run("amounts above threshold do not count", func(t *testing.T) {
		history := &fakeHistory{}
		for i := 0; i < 4; i++ {
			history.Record(context.Background(), tx(string(rune('a'+i)), "acct-1", 12000, baseTime().Add(time.Duration(i)*time.Minute)))
		}
		eng := testEngine(t, history, nil,
			ind("AML_STRUCTURING", domain.DomainAML, domain.KindStateful, 5, nil),
		)

		results, _, err := eng.Evaluate(context.Background(), tx("t5", "acct-1", 12000, baseTime().Add(5*time.Minute)))
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if results[0].Hit {
			t.Fatalf("expected no hit above the reporting threshold")
		}
	})
}

func TestCashIntensity(t *testing.T) {
	run := func(t *testing.T, amounts []float64, wantHit bool) {
		t.Helper()
		history := &fakeHistory{}
		for i, amt := range amounts[:len(amounts)-1] {
			credit := tx(string(rune('a'+i)), "acct-1", amt, baseTime().Add(time.Duration(i)*time.Hour))
			credit.IsCredit = true
			history.Record(context.Background(), credit)
		}
		eng := testEngine(t, history, nil,
			ind("AML_CASH_INTENSITY", domain.DomainAML, domain.KindStateful, 4, nil),
		)
		last := tx("last", "acct-1", amounts[len(amounts)-1], baseTime().Add(3*time.Hour))
		last.IsCredit = true
		results, _, err := eng.Evaluate(context.Background(), last)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if results[0].Hit != wantHit {
			t.Errorf("hit = %v, want %v (rationale=%q)", results[0].Hit, wantHit, results[0].Rationale)
		}
	}

	t.Run("credits above floor hit", func(t *testing.T) { run(t, []float64{8000, 7000, 6000}, true) })
	t.Run("credits below floor miss", func(t *testing.T) { run(t, []float64{8000, 7000, 4000}, false) })

	t.Run("channels param scopes counted credits", func(t *testing.T) {
		history := &fakeHistory{}
		atm := tx("a", "acct-1", 15000, baseTime())
		atm.IsCredit = true
		atm.Channel = "atm"
		history.Record(context.Background(), atm)
		wire := tx("b", "acct-1", 15000, baseTime().Add(time.Hour))
		wire.IsCredit = true
		wire.Channel = "wire"
		history.Record(context.Background(), wire)

		eng := testEngine(t, history, nil,
			ind("AML_CASH_INTENSITY", domain.DomainAML, domain.KindStateful, 4,
				map[string]any{"channels": []any{"atm", "pos"}}),
		)
		last := tx("last", "acct-1", 4000, baseTime().Add(2*time.Hour))
		last.IsCredit = true
		last.Channel = "ATM"
		results, _, err := eng.Evaluate(context.Background(), last)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		// 15000 atm + 4000 atm = 19000, under the 20000 floor once the
		// wire credit is excluded.
		if results[0].Hit {
			t.Errorf("wire credit counted despite channel scoping (rationale=%q)", results[0].Rationale)
		}
	})
}

func TestVelocitySpending(t *testing.T) {
	history := &fakeHistory{}
	for i := 0; i < 3; i++ {
		history.Record(context.Background(), tx(string(rune('a'+i)), "acct-1", 6000, baseTime().Add(time.Duration(i)*time.Minute)))
	}
	eng := testEngine(t, history, nil,
		ind("FRAUD_VELOCITY_SPENDING", domain.DomainFraud, domain.KindStateful, 4, nil),
	)

	results, _, err := eng.Evaluate(context.Background(), tx("t4", "acct-1", 6000, baseTime().Add(4*time.Minute)))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !results[0].Hit {
		t.Fatalf("expected velocity hit, rationale=%q", results[0].Rationale)
	}

	// The same burst on another account stays clean.
	results, _, err = eng.Evaluate(context.Background(), tx("t5", "acct-2", 6000, baseTime().Add(4*time.Minute)))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if results[0].Hit {
		t.Fatalf("history must be account-scoped")
	}
}

func TestChannelMix(t *testing.T) {
	history := &fakeHistory{}
	for i, ch := range []string{"web", "atm"} {
		m := tx(string(rune('a'+i)), "acct-1", 100, baseTime().Add(time.Duration(i)*time.Minute))
		m.Channel = ch
		history.Record(context.Background(), m)
	}
	eng := testEngine(t, history, nil,
		ind("FRAUD_DEVICE_CHANNEL_MIX", domain.DomainFraud, domain.KindStateful, 3, nil),
	)

	third := tx("t3", "acct-1", 100, baseTime().Add(5*time.Minute))
	third.Channel = "mobile"
	results, _, err := eng.Evaluate(context.Background(), third)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !results[0].Hit {
		t.Fatalf("expected channel mix hit with 3 distinct channels")
	}
}

func TestRepeatedOffshore(t *testing.T) {
	history := &fakeHistory{}
	first := tx("t1", "acct-1", 7000, baseTime())
	first.CounterpartyCountry = "PA"
	history.Record(context.Background(), first)

	eng := testEngine(t, history, nil,
		ind("AML_REPEATED_OFFSHORE", domain.DomainAML, domain.KindStateful, 4, nil),
	)

	second := tx("t2", "acct-1", 8000, baseTime().Add(time.Hour))
	second.CounterpartyCountry = "KY"
	results, _, err := eng.Evaluate(context.Background(), second)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !results[0].Hit {
		t.Fatalf("expected offshore hit for 2 distinct jurisdictions, rationale=%q", results[0].Rationale)
	}
}

func TestIncomeIndicators(t *testing.T) {
	profiles := &fakeProfiles{profiles: map[string]*domain.CustomerProfile{
		"acct-1": {AccountID: "acct-1", AnnualDeclaredIncome: 60000},
	}}

	t.Run("amount vs income", func(t *testing.T) {
		eng := testEngine(t, &fakeHistory{}, profiles,
			ind("AML_AMOUNT_VS_INCOME", domain.DomainAML, domain.KindStateful, 4, nil),
		)
		// Limit is 60000/6 = 10000.
		results, _, err := eng.Evaluate(context.Background(), tx("t1", "acct-1", 10500, baseTime()))
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !results[0].Hit {
			t.Fatalf("expected hit above income-derived limit")
		}
	})

	t.Run("income mismatch", func(t *testing.T) {
		history := &fakeHistory{}
		history.Record(context.Background(), tx("t1", "acct-1", 5000, baseTime()))
		eng := testEngine(t, history, profiles,
			ind("TAX_INCOME_MISMATCH", domain.DomainTaxEvasion, domain.KindStateful, 3, nil),
		)
		// Monthly income 5000, limit 7500; window total 5000+4000.
		results, _, err := eng.Evaluate(context.Background(), tx("t2", "acct-1", 4000, baseTime().Add(time.Hour)))
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !results[0].Hit {
			t.Fatalf("expected mismatch hit, rationale=%q", results[0].Rationale)
		}
	})

	t.Run("profile resolution failure is isolated", func(t *testing.T) {
		failing := &fakeProfiles{err: context.DeadlineExceeded}
		eng := testEngine(t, &fakeHistory{}, failing,
			ind("AML_AMOUNT_VS_INCOME", domain.DomainAML, domain.KindStateful, 4, nil),
			ind("AML_HIGH_RISK_COUNTRY", domain.DomainAML, domain.KindStateless, 4, nil),
		)
		risky := tx("t1", "acct-1", 10500, baseTime())
		risky.CounterpartyCountry = "IR"
		results, _, err := eng.Evaluate(context.Background(), risky)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if results[0].Hit {
			t.Errorf("failed evaluator must report a non-hit")
		}
		if !strings.Contains(results[0].Rationale, "evaluation failed") {
			t.Errorf("rationale = %q, want diagnostic", results[0].Rationale)
		}
		if !results[1].Hit {
			t.Errorf("other indicators must still evaluate")
		}
	})
}

func TestConflictDonation(t *testing.T) {
	eng := testEngine(t, &fakeHistory{}, nil,
		ind("TF_NGO_CONFLICT_DONATION", domain.DomainTF, domain.KindStateful, 5, nil),
	)

	donation := tx("t1", "acct-1", 900, baseTime())
	donation.CounterpartyCountry = "SY"
	donation.Purpose = "Donation to relief fund"
	results, _, err := eng.Evaluate(context.Background(), donation)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !results[0].Hit {
		t.Fatalf("expected corridor donation hit, rationale=%q", results[0].Rationale)
	}

	plain := tx("t2", "acct-1", 900, baseTime())
	plain.CounterpartyCountry = "SY"
	plain.Purpose = "invoice 4411"
	results, _, err = eng.Evaluate(context.Background(), plain)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if results[0].Hit {
		t.Fatalf("purpose without donation wording must not hit")
	}
}

func TestExpressionIndicator(t *testing.T) {
	expr := domain.Indicator{
		Code:       "CUSTOM_LARGE_EUR",
		Domain:     domain.DomainAML,
		Kind:       domain.KindExpression,
		Weight:     2,
		Enabled:    true,
		Expression: `amount > 10000.0 && currency == "EUR"`,
	}
	eng := testEngine(t, &fakeHistory{}, nil, expr)

	results, _, err := eng.Evaluate(context.Background(), tx("t1", "acct-1", 15000, baseTime()))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !results[0].Hit {
		t.Fatalf("expected expression hit")
	}

	results, _, err = eng.Evaluate(context.Background(), tx("t2", "acct-1", 500, baseTime()))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if results[0].Hit {
		t.Fatalf("expected no hit below threshold")
	}
}

func TestBindRejectsBadDefinitions(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	tests := []struct {
		name string
		ind  domain.Indicator
	}{
		{"unknown code", ind("NO_SUCH_INDICATOR", domain.DomainAML, domain.KindStateless, 1, nil)},
		{"kind mismatch", ind("AML_STRUCTURING", domain.DomainAML, domain.KindStateless, 1, nil)},
		{"broken expression", domain.Indicator{
			Code: "BAD_EXPR", Domain: domain.DomainAML, Kind: domain.KindExpression,
			Weight: 1, Enabled: true, Expression: "amount >",
		}},
		{"non-boolean expression", domain.Indicator{
			Code: "STR_EXPR", Domain: domain.DomainAML, Kind: domain.KindExpression,
			Weight: 1, Enabled: true, Expression: `currency + "x"`,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := reg.Bind(tt.ind); err == nil {
				t.Fatalf("Bind accepted invalid indicator %q", tt.ind.Code)
			}
		})
	}
}

func TestReloadKeepsOldSnapshotOnFailure(t *testing.T) {
	eng := testEngine(t, &fakeHistory{}, nil,
		ind("AML_HIGH_RISK_COUNTRY", domain.DomainAML, domain.KindStateless, 4, nil),
	)
	goodVersion := eng.Snapshot().Version

	bad := &config.IndicatorSet{
		Version:    "broken",
		Indicators: []domain.Indicator{ind("NO_SUCH_INDICATOR", domain.DomainAML, domain.KindStateless, 1, nil)},
	}
	err := eng.Reload(bad)
	if err == nil {
		t.Fatalf("expected reload failure")
	}
	var cerr *config.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("error type = %T, want *config.ConfigError", err)
	}
	if got := eng.Snapshot().Version; got != goodVersion {
		t.Fatalf("active version = %s, want %s after failed reload", got, goodVersion)
	}
}

func TestEvaluateBeforeLoad(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	eng := NewEngine(reg, &fakeHistory{}, nil)
	if _, _, err := eng.Evaluate(context.Background(), tx("t1", "acct-1", 100, baseTime())); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("err = %v, want ErrNotLoaded", err)
	}
}

func TestEvaluationOrderMatchesConfig(t *testing.T) {
	eng := testEngine(t, &fakeHistory{}, nil,
		ind("TAX_LOW_TAX_JURISDICTION", domain.DomainTaxEvasion, domain.KindStateless, 2, nil),
		ind("AML_HIGH_RISK_COUNTRY", domain.DomainAML, domain.KindStateless, 4, nil),
		ind("FRAUD_UNUSUAL_DEVICE_CHANNEL", domain.DomainFraud, domain.KindStateless, 3, nil),
	)
	results, _, err := eng.Evaluate(context.Background(), tx("t1", "acct-1", 100, baseTime()))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	want := []string{"TAX_LOW_TAX_JURISDICTION", "AML_HIGH_RISK_COUNTRY", "FRAUD_UNUSUAL_DEVICE_CHANNEL"}
	for i, code := range want {
		if results[i].Code != code {
			t.Errorf("result %d = %s, want %s", i, results[i].Code, code)
		}
	}
}

type panicEvaluator struct{}

func (panicEvaluator) Evaluate(context.Context, *EvalContext) (bool, string, error) {
	panic("boom")
}

func TestPanicIsolation(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	reg.Register(domain.KindStateless, "PANICS", func(domain.Indicator) (Evaluator, error) {
		return panicEvaluator{}, nil
	})
	eng := NewEngine(reg, &fakeHistory{}, nil)
	set := &config.IndicatorSet{
		Version:    "test",
		Indicators: []domain.Indicator{ind("PANICS", domain.DomainAML, domain.KindStateless, 1, nil)},
	}
	if err := eng.Reload(set); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	results, _, err := eng.Evaluate(context.Background(), tx("t1", "acct-1", 100, baseTime()))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if results[0].Hit {
		t.Fatalf("panicking evaluator must report a non-hit")
	}
	if !strings.Contains(results[0].Rationale, "panic") {
		t.Fatalf("rationale = %q, want panic diagnostic", results[0].Rationale)
	}
}
