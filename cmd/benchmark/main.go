// Benchmark tool for testing Harrier against PaySim fraud data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/paysim.csv -url http://localhost:8080
//
// This tool:
//   1. Reads PaySim transaction data (with fraud labels)
//   2. Streams each transaction into Harrier's intake endpoint
//   3. Waits for the scoring pipeline to drain
//   4. Reconciles raised alerts against the fraud labels
//   5. Calculates precision, recall, F1-score, and confusion matrix
//
// PaySim steps are hours; they become deterministic timestamps so the
// stateful indicators (velocity, structuring) see realistic sequencing.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PaySimTransaction represents a row from the PaySim dataset
type PaySimTransaction struct {
	Step     int
	Type     string
	Amount   float64
	NameOrig string
	NameDest string
	IsFraud  bool
}

// SubmitRequest is the Harrier intake format
type SubmitRequest struct {
	AccountID           string  `json:"accountId"`
	Timestamp           string  `json:"timestamp"`
	Amount              float64 `json:"amount"`
	Currency            string  `json:"currency"`
	CounterpartyCountry string  `json:"counterpartyCountry"`
	Channel             string  `json:"channel"`
	IsCredit            bool    `json:"isCredit"`
}

// SubmitResponse is the Harrier intake response
type SubmitResponse struct {
	TransactionID string `json:"transactionId"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud that raised an alert
	FalsePositives int64 // Non-fraud that raised an alert
	TrueNegatives  int64 // Non-fraud without an alert
	FalseNegatives int64 // Fraud without an alert (missed!)

	TotalSubmitted int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	SubmitTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to PaySim CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Harrier base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent submitters")
	fraudOnly := flag.Bool("fraud-only", false, "Only test fraud transactions")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for non-fraud (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each submission result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/paysim.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          HARRIER BENCHMARK - PaySim Fraud Detection           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Harrier URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Harrier not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Harrier is running:")
		fmt.Println("  go run cmd/harrier/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Harrier is healthy")

	fmt.Printf("\nReading PaySim data from %s...\n", *csvPath)
	transactions, err := readPaySimCSV(*csvPath, *limit, *fraudOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d transactions\n", len(transactions))

	fraudCount := 0
	for _, tx := range transactions {
		if tx.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(transactions)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(transactions)-fraudCount, 100*float64(len(transactions)-fraudCount)/float64(len(transactions)))

	fmt.Printf("\nSubmitting with %d workers...\n", *workers)
	startTime := time.Now()
	metrics, labels := submitAll(transactions, *baseURL, *workers, *verbose)

	fmt.Println("Waiting for the pipeline to drain...")
	if err := waitForDrain(*baseURL, metrics.TotalSubmitted, 2*time.Minute); err != nil {
		fmt.Printf("WARNING: %v; results may undercount alerts\n", err)
	}

	reconcileAlerts(*baseURL, metrics, labels)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readPaySimCSV(path string, limit int, fraudOnly bool, sampleRate float64) ([]PaySimTransaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(col)] = i
	}

	var transactions []PaySimTransaction
	sampleCounter := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		isFraud := record[colIndex["isfraud"]] == "1"

		if fraudOnly && !isFraud {
			continue
		}

		// Sample non-fraud transactions
		if !isFraud && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		step, _ := strconv.Atoi(record[colIndex["step"]])
		amount, _ := strconv.ParseFloat(record[colIndex["amount"]], 64)

		transactions = append(transactions, PaySimTransaction{
			Step:     step,
			Type:     record[colIndex["type"]],
			Amount:   amount,
			NameOrig: record[colIndex["nameorig"]],
			NameDest: record[colIndex["namedest"]],
			IsFraud:  isFraud,
		})

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

// baseTime anchors PaySim's step counter; step N lands N hours later.
var baseTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// channelFor maps PaySim transaction types onto Harrier channels.
func channelFor(paySimType string) string {
	switch paySimType {
	case "CASH_OUT", "CASH_IN":
		return "atm"
	case "TRANSFER":
		return "wire"
	case "PAYMENT", "DEBIT":
		return "pos"
	default:
		return "web"
	}
}

// submitAll streams every transaction into the intake endpoint and returns
// the fraud label per assigned transaction ID.
func submitAll(transactions []PaySimTransaction, baseURL string, numWorkers int, verbose bool) (*Metrics, map[string]bool) {
	metrics := &Metrics{}
	labels := make(map[string]bool, len(transactions))
	var labelsMu sync.Mutex

	work := make(chan PaySimTransaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				txID, err := submitTransaction(client, baseURL, tx)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.SubmitTimeMs, elapsed)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.NameOrig, err)
					}
					continue
				}
				atomic.AddInt64(&metrics.TotalSubmitted, 1)

				if tx.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				labelsMu.Lock()
				labels[txID] = tx.IsFraud
				labelsMu.Unlock()

				if verbose {
					fmt.Printf("  %-10s | Type: %-8s | Amount: $%12.2f | Fraud: %-5v | tx: %s\n",
						tx.NameOrig, tx.Type, tx.Amount, tx.IsFraud, txID)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)
	wg.Wait()

	return metrics, labels
}

func submitTransaction(client *http.Client, baseURL string, tx PaySimTransaction) (string, error) {
	req := SubmitRequest{
		AccountID:           tx.NameOrig,
		Timestamp:           baseTime.Add(time.Duration(tx.Step) * time.Hour).Format(time.RFC3339),
		Amount:              tx.Amount,
		Currency:            "USD",
		CounterpartyCountry: "US",
		Channel:             channelFor(tx.Type),
		IsCredit:            tx.Type == "CASH_IN",
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	resp, err := client.Post(baseURL+"/transactions", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var result SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.TransactionID, nil
}

// waitForDrain polls /stats until the pipeline has processed everything we
// submitted.
func waitForDrain(baseURL string, submitted int64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/stats")
		if err == nil {
			var stats struct {
				Processed int64 `json:"processed"`
				Failed    int64 `json:"failed"`
			}
			json.NewDecoder(resp.Body).Decode(&stats)
			resp.Body.Close()
			if stats.Processed+stats.Failed >= submitted {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("pipeline did not drain within %v", timeout)
}

// reconcileAlerts fetches raised alerts and fills the confusion matrix.
func reconcileAlerts(baseURL string, m *Metrics, labels map[string]bool) {
	alerted := make(map[string]bool)

	resp, err := http.Get(fmt.Sprintf("%s/alerts?limit=%d", baseURL, len(labels)+1))
	if err == nil {
		var list struct {
			Alerts []struct {
				TransactionID string `json:"transactionId"`
			} `json:"alerts"`
		}
		json.NewDecoder(resp.Body).Decode(&list)
		resp.Body.Close()
		for _, a := range list.Alerts {
			alerted[a.TransactionID] = true
		}
	}

	for txID, isFraud := range labels {
		predicted := alerted[txID]
		switch {
		case predicted && isFraud:
			m.TruePositives++
		case predicted && !isFraud:
			m.FalsePositives++
		case !predicted && !isFraud:
			m.TrueNegatives++
		default:
			m.FalseNegatives++
		}
	}
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Submitted:  %d\n", m.TotalSubmitted)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Alerted")
	fmt.Println("                    YES         NO")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of alerts, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalFraud > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalFraud) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalFraud) * 100
		fmt.Printf("   Fraud Detected:    %d / %d (%.2f%%)\n", m.TruePositives, m.TotalFraud, detectionRate)
		fmt.Printf("   Fraud Missed:      %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalFraud, missRate)
	}
	if m.TotalNonFraud > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalNonFraud) * 100
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalNonFraud, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalSubmitted > 0 {
		avgMs := float64(m.SubmitTimeMs) / float64(m.TotalSubmitted)
		tps := float64(m.TotalSubmitted) / duration.Seconds()
		fmt.Printf("   Avg Intake:       %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most fraud")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some fraud")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant fraud being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most fraud is being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - alerts are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	fmt.Println()
}
