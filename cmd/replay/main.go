// Replay tool for deterministic offline re-scoring.
//
// Usage:
//   go run cmd/replay/main.go -config ./config -input transactions.jsonl
//
// The input is one JSON transaction per line. Transactions are replayed in
// file order against a fresh in-memory history, so running the same file
// against the same configuration always produces identical scores. This is
// the audit answer to "what would the engine have said": no database, no
// wall clock, just the recorded timestamps.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/history"
	"github.com/opensource-finance/harrier/internal/indicators"
	"github.com/opensource-finance/harrier/internal/scoring"
)

// replayResult is one output line per transaction.
type replayResult struct {
	TransactionID string          `json:"transactionId"`
	AccountID     string          `json:"accountId"`
	Raw           float64         `json:"raw"`
	Normalized    float64         `json:"normalized"`
	Severity      domain.Severity `json:"severity"`
	HitCodes      []string        `json:"hitCodes,omitempty"`
	ConfigVersion string          `json:"configVersion"`
}

// staticProfiles resolves customer profiles from a JSON file snapshot.
type staticProfiles struct {
	byAccount map[string]*domain.CustomerProfile
}

func (s *staticProfiles) ResolveProfile(_ context.Context, accountID string) (*domain.CustomerProfile, error) {
	return s.byAccount[accountID], nil
}

func loadProfiles(path string) (*staticProfiles, error) {
	s := &staticProfiles{byAccount: make(map[string]*domain.CustomerProfile)}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var profiles []domain.CustomerProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	for i := range profiles {
		s.byAccount[profiles[i].AccountID] = &profiles[i]
	}
	return s, nil
}

func main() {
	configDir := flag.String("config", "./config", "directory holding indicators.json and thresholds.json")
	input := flag.String("input", "-", "JSONL transaction file, or - for stdin")
	profilesPath := flag.String("profiles", "", "optional JSON array of customer profiles")
	summaryOnly := flag.Bool("summary", false, "suppress per-transaction output")
	flag.Parse()

	if err := run(*configDir, *input, *profilesPath, *summaryOnly); err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}
}

func run(configDir, input, profilesPath string, summaryOnly bool) error {
	profiles, err := loadProfiles(profilesPath)
	if err != nil {
		return err
	}

	registry, err := indicators.NewRegistry()
	if err != nil {
		return err
	}

	hist := history.NewStore(config.DefaultLookback)
	engine := indicators.NewEngine(registry, hist, profiles)

	set, err := config.Load(
		filepath.Join(configDir, config.IndicatorsFile),
		filepath.Join(configDir, config.ThresholdsFile),
		engine,
	)
	if err != nil {
		return err
	}
	if err := engine.Reload(set); err != nil {
		return err
	}
	hist.SetRetention(engine.MaxLookback())

	var in io.Reader = os.Stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	ctx := context.Background()
	out := json.NewEncoder(os.Stdout)
	counts := map[domain.Severity]int{}
	line := 0
	processed := 0

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var tx domain.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if tx.ID == "" || tx.AccountID == "" || tx.Timestamp.IsZero() {
			return fmt.Errorf("line %d: id, accountId, and timestamp are required", line)
		}

		if err := hist.Record(ctx, &tx); err != nil {
			return fmt.Errorf("line %d: record: %w", line, err)
		}

		evaluated, snap, err := engine.Evaluate(ctx, &tx)
		if err != nil {
			return fmt.Errorf("line %d: evaluate: %w", line, err)
		}
		score := scoring.Aggregate(evaluated, snap)
		counts[score.Severity]++
		processed++

		if summaryOnly {
			continue
		}
		result := replayResult{
			TransactionID: tx.ID,
			AccountID:     tx.AccountID,
			Raw:           score.Raw,
			Normalized:    score.Normalized,
			Severity:      score.Severity,
			ConfigVersion: score.ConfigVersion,
		}
		for _, e := range score.Indicators {
			if e.Hit {
				result.HitCodes = append(result.HitCodes, e.Code)
			}
		}
		if err := out.Encode(result); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "replayed %d transactions: %d low, %d medium, %d high (config %s)\n",
		processed, counts[domain.SeverityLow], counts[domain.SeverityMedium], counts[domain.SeverityHigh], set.Version)
	return nil
}
