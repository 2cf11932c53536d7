package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/cases"
	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/history"
	"github.com/opensource-finance/harrier/internal/indicators"
	"github.com/opensource-finance/harrier/internal/pipeline"
	"github.com/opensource-finance/harrier/internal/repository"
)

const testIndicatorsJSON = `[
	{
		"code": "AML_HIGH_RISK_COUNTRY",
		"description": "Counterparty in a high-risk jurisdiction",
		"domain": "AML",
		"weight": 30,
		"enabled": true,
		"kind": "stateless"
	}
]`

const testThresholdsJSON = `{
	"low": 30,
	"medium": 60,
	"autoEscalateAlerts": 0,
	"attachToOpenCase": true
}`

// newTestServer wires a full stack on a temp-dir SQLite database: one
// stateless indicator whose weight pushes IR-bound transactions into High.
func newTestServer(t *testing.T, mutate func(*Deps)) *Server {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api_test.db"),
	})
	if err != nil {
		t.Fatalf("creating repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(128)
	hist := history.NewStore(24 * time.Hour)
	resolver := cache.NewProfileResolver(repo, lru, time.Minute)

	registry, err := indicators.NewRegistry()
	if err != nil {
		t.Fatalf("creating registry: %v", err)
	}
	engine := indicators.NewEngine(registry, hist, resolver)

	set, err := config.Parse([]byte(testIndicatorsJSON), []byte(testThresholdsJSON), engine)
	if err != nil {
		t.Fatalf("parsing config: %v", err)
	}
	if err := engine.Reload(set); err != nil {
		t.Fatalf("loading indicator set: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	manager := cases.NewManager(repo, repo, nil, logger)

	pl := pipeline.New(domain.PipelineConfig{
		Shards:           2,
		IntakeBuffer:     16,
		RetryAttempts:    2,
		RetryBaseDelayMs: 1,
	}, repo, hist, engine, manager, nil, logger)
	pl.Start()
	t.Cleanup(pl.Stop)

	deps := Deps{
		Repo:     repo,
		Cache:    lru,
		Engine:   engine,
		Pipeline: pl,
		Cases:    manager,
		History:  hist,
		Profiles: resolver,
		Version:  "test-v1",
	}
	if mutate != nil {
		mutate(&deps)
	}

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	return NewServer(cfg, deps)
}

func postJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func getPath(router http.Handler, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

// waitFor polls until check passes or the deadline expires. The pipeline
// scores asynchronously, so reads after intake have to wait for the shard
// worker to drain.
func waitFor(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func submitReq(accountID, country string, amount float64) domain.TransactionRequest {
	return domain.TransactionRequest{
		AccountID:           accountID,
		Amount:              amount,
		Currency:            "USD",
		CounterpartyCountry: country,
		Channel:             "web",
	}
}

func TestSubmitAndFetchTransaction(t *testing.T) {
	server := newTestServer(t, nil)

	rr := postJSON(t, server.Router(), "/transactions", submitReq("acc-001", "US", 500))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}

	var resp SubmitResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.TransactionID == "" {
		t.Fatal("expected transactionId in response")
	}
	if resp.Status != "accepted" {
		t.Errorf("expected status accepted, got %s", resp.Status)
	}

	waitFor(t, func() bool {
		return getPath(server.Router(), "/transactions/"+resp.TransactionID).Code == http.StatusOK
	})

	var tx domain.Transaction
	body := getPath(server.Router(), "/transactions/"+resp.TransactionID)
	if err := json.Unmarshal(body.Body.Bytes(), &tx); err != nil {
		t.Fatalf("failed to parse transaction: %v", err)
	}
	if tx.AccountID != "acc-001" {
		t.Errorf("expected account acc-001, got %s", tx.AccountID)
	}
}

func TestSubmitValidation(t *testing.T) {
	server := newTestServer(t, nil)

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/transactions", bytes.NewBufferString("not-json"))
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingAccountID", func(t *testing.T) {
		rr := postJSON(t, server.Router(), "/transactions", submitReq("", "US", 500))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NonPositiveAmount", func(t *testing.T) {
		rr := postJSON(t, server.Router(), "/transactions", submitReq("acc-1", "US", -10))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingCurrency", func(t *testing.T) {
		req := submitReq("acc-1", "US", 500)
		req.Currency = ""
		rr := postJSON(t, server.Router(), "/transactions", req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MalformedTimestamp", func(t *testing.T) {
		req := submitReq("acc-1", "US", 500)
		req.Timestamp = "yesterday"
		rr := postJSON(t, server.Router(), "/transactions", req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestHighRiskTransactionRaisesAlert(t *testing.T) {
	server := newTestServer(t, nil)

	rr := postJSON(t, server.Router(), "/transactions", submitReq("acc-hot", "IR", 900))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var alerts struct {
		Alerts []*domain.Alert `json:"alerts"`
		Count  int             `json:"count"`
	}
	waitFor(t, func() bool {
		body := getPath(server.Router(), "/alerts")
		if body.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(body.Body.Bytes(), &alerts); err != nil {
			return false
		}
		return alerts.Count == 1
	})

	alert := alerts.Alerts[0]
	if alert.Severity != domain.SeverityHigh {
		t.Errorf("expected High severity, got %s", alert.Severity)
	}
	if alert.CaseID == "" {
		t.Fatal("expected alert to be linked to a case")
	}

	caseResp := getPath(server.Router(), "/cases/"+alert.CaseID)
	if caseResp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", caseResp.Code)
	}
	var c domain.Case
	if err := json.Unmarshal(caseResp.Body.Bytes(), &c); err != nil {
		t.Fatalf("failed to parse case: %v", err)
	}
	if c.Status != domain.CaseOpen {
		t.Errorf("expected OPEN case, got %s", c.Status)
	}
	if len(c.AlertIDs) != 1 || c.AlertIDs[0] != alert.ID {
		t.Errorf("expected case to hold alert %s, got %v", alert.ID, c.AlertIDs)
	}

	// The audit log recorded the alert and case creation in commit order.
	auditResp := getPath(server.Router(), "/audit?limit=50")
	if auditResp.Code != http.StatusOK {
		t.Fatalf("expected status 200 for audit log, got %d", auditResp.Code)
	}
	var audit struct {
		Entries []*domain.AuditEntry `json:"entries"`
	}
	if err := json.Unmarshal(auditResp.Body.Bytes(), &audit); err != nil {
		t.Fatalf("failed to parse audit log: %v", err)
	}
	actions := make(map[string]bool)
	for _, e := range audit.Entries {
		actions[e.Action] = true
	}
	if !actions[domain.AuditAlertCreated] || !actions[domain.AuditCaseCreated] {
		t.Errorf("expected alert.created and case.created audit entries, got %v", actions)
	}
}

func TestCaseWorkflowOverHTTP(t *testing.T) {
	server := newTestServer(t, nil)

	postJSON(t, server.Router(), "/transactions", submitReq("acc-case", "IR", 1200))

	var caseID string
	waitFor(t, func() bool {
		var list struct {
			Cases []*domain.Case `json:"cases"`
		}
		body := getPath(server.Router(), "/cases")
		if err := json.Unmarshal(body.Body.Bytes(), &list); err != nil || len(list.Cases) == 0 {
			return false
		}
		caseID = list.Cases[0].ID
		return true
	})

	t.Run("ReviewTransition", func(t *testing.T) {
		rr := postJSON(t, server.Router(), "/cases/"+caseID+"/transition", CaseActionRequest{
			Action: "review", Actor: "analyst-1", Note: "picking this up",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var c domain.Case
		json.Unmarshal(rr.Body.Bytes(), &c)
		if c.Status != domain.CaseInReview {
			t.Errorf("expected IN_REVIEW, got %s", c.Status)
		}
		if len(c.Notes) == 0 {
			t.Error("expected transition note to be recorded")
		}
	})

	t.Run("InvalidTransitionConflicts", func(t *testing.T) {
		rr := postJSON(t, server.Router(), "/cases/"+caseID+"/transition", CaseActionRequest{
			Action: "reopen", Actor: "analyst-1",
		})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("MissingActorRejected", func(t *testing.T) {
		rr := postJSON(t, server.Router(), "/cases/"+caseID+"/transition", CaseActionRequest{
			Action: "close",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("LabelWhileInReview", func(t *testing.T) {
		rr := postJSON(t, server.Router(), "/cases/"+caseID+"/label", CaseLabelRequest{
			Label: "FALSE_POSITIVE", Actor: "analyst-1",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var c domain.Case
		json.Unmarshal(rr.Body.Bytes(), &c)
		if c.Label != domain.LabelFalsePositive {
			t.Errorf("expected FALSE_POSITIVE label, got %s", c.Label)
		}
	})

	t.Run("UnknownLabelRejected", func(t *testing.T) {
		rr := postJSON(t, server.Router(), "/cases/"+caseID+"/label", CaseLabelRequest{
			Label: "DEFINITELY_FINE", Actor: "analyst-1",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownCase", func(t *testing.T) {
		rr := postJSON(t, server.Router(), "/cases/nope/transition", CaseActionRequest{
			Action: "close", Actor: "analyst-1",
		})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestProfileEndpoints(t *testing.T) {
	server := newTestServer(t, nil)

	t.Run("GetMissingProfile", func(t *testing.T) {
		rr := getPath(server.Router(), "/profiles/acc-none")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("PutThenGet", func(t *testing.T) {
		rr := postPut(t, server.Router(), "/profiles/acc-77", domain.CustomerProfile{
			CustomerID:           "cust-77",
			Name:                 "J Doe",
			Country:              "DE",
			IsPEP:                true,
			AnnualDeclaredIncome: 90000,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		got := getPath(server.Router(), "/profiles/acc-77")
		if got.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", got.Code)
		}
		var p domain.CustomerProfile
		json.Unmarshal(got.Body.Bytes(), &p)
		if p.AccountID != "acc-77" || !p.IsPEP {
			t.Errorf("unexpected profile: %+v", p)
		}
	})

	t.Run("NegativeIncomeRejected", func(t *testing.T) {
		rr := postPut(t, server.Router(), "/profiles/acc-78", domain.CustomerProfile{
			AnnualDeclaredIncome: -1,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func postPut(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPut, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestIntakeRateLimit(t *testing.T) {
	server := newTestServer(t, func(d *Deps) {
		d.IntakeRateLimit = 2
	})

	for i := 0; i < 2; i++ {
		rr := postJSON(t, server.Router(), "/transactions", submitReq("acc-busy", "US", 100))
		if rr.Code != http.StatusAccepted {
			t.Fatalf("submit %d: expected status 202, got %d", i, rr.Code)
		}
	}

	rr := postJSON(t, server.Router(), "/transactions", submitReq("acc-busy", "US", 100))
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", rr.Code)
	}

	// Other accounts stay unaffected.
	rr = postJSON(t, server.Router(), "/transactions", submitReq("acc-quiet", "US", 100))
	if rr.Code != http.StatusAccepted {
		t.Errorf("expected status 202 for other account, got %d", rr.Code)
	}
}

func TestIndicatorEndpoints(t *testing.T) {
	configDir := t.TempDir()
	writeConfig := func(indicators, thresholds string) {
		if err := os.WriteFile(filepath.Join(configDir, config.IndicatorsFile), []byte(indicators), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(configDir, config.ThresholdsFile), []byte(thresholds), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writeConfig(testIndicatorsJSON, testThresholdsJSON)

	server := newTestServer(t, func(d *Deps) {
		d.ConfigDir = configDir
	})

	t.Run("ListLoadedSet", func(t *testing.T) {
		rr := getPath(server.Router(), "/indicators")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Version string `json:"version"`
			Count   int    `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Version == "" || resp.Count != 1 {
			t.Errorf("unexpected indicator set: %+v", resp)
		}
	})

	t.Run("ReloadSwapsVersion", func(t *testing.T) {
		before := loadedVersion(t, server)

		// Same indicator, heavier weight.
		writeConfig(`[
			{"code":"AML_HIGH_RISK_COUNTRY","description":"hr country","domain":"AML","weight":40,"enabled":true,"kind":"stateless"}
		]`, testThresholdsJSON)

		rr := postJSON(t, server.Router(), "/indicators/reload", struct{}{})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		if after := loadedVersion(t, server); after == before {
			t.Error("expected reload to change the snapshot version")
		}
	})

	t.Run("InvalidConfigRejectedWithViolations", func(t *testing.T) {
		before := loadedVersion(t, server)

		writeConfig(`[
			{"code":"","description":"broken","domain":"Astrology","weight":-5,"enabled":true,"kind":"stateless"}
		]`, testThresholdsJSON)

		rr := postJSON(t, server.Router(), "/indicators/reload", struct{}{})
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Violations []string `json:"violations"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if len(resp.Violations) == 0 {
			t.Error("expected itemized violations in response")
		}

		// Running set is untouched.
		if after := loadedVersion(t, server); after != before {
			t.Error("expected failed reload to keep the previous snapshot")
		}
	})
}

func loadedVersion(t *testing.T, server *Server) string {
	t.Helper()
	rr := getPath(server.Router(), "/indicators")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp struct {
		Version string `json:"version"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	return resp.Version
}

func TestHealthAndReady(t *testing.T) {
	server := newTestServer(t, nil)

	t.Run("Health", func(t *testing.T) {
		rr := getPath(server.Router(), "/health")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rr := getPath(server.Router(), "/ready")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("NotReadyWithoutIndicators", func(t *testing.T) {
		registry, err := indicators.NewRegistry()
		if err != nil {
			t.Fatal(err)
		}
		bare := NewServer(domain.ServerConfig{Host: "localhost", Port: 0}, Deps{
			Engine:  indicators.NewEngine(registry, history.NewStore(time.Hour), nil),
			Version: "test-v1",
		})
		rr := getPath(bare.Router(), "/ready")
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})
}

func TestStatsEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	for i := 0; i < 3; i++ {
		postJSON(t, server.Router(), "/transactions", submitReq(fmt.Sprintf("acc-%d", i), "US", 100))
	}

	waitFor(t, func() bool {
		var resp struct {
			Processed int64 `json:"processed"`
		}
		rr := getPath(server.Router(), "/stats")
		if rr.Code != http.StatusOK {
			return false
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		return resp.Processed == 3
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
