package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/cases"
	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/history"
	"github.com/opensource-finance/harrier/internal/indicators"
	"github.com/opensource-finance/harrier/internal/pipeline"
)

// Deps bundles the dependencies handlers operate on. Nil entries degrade
// the corresponding endpoints rather than crashing the server.
type Deps struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Engine   *indicators.Engine
	Pipeline *pipeline.Pipeline
	Cases    *cases.Manager
	History  *history.Store
	Profiles *cache.ProfileResolver

	// ConfigDir holds indicators.json and thresholds.json for hot reload.
	ConfigDir string

	Version string

	// IntakeRateLimit caps accepted transactions per account per minute.
	// Zero disables the limit.
	IntakeRateLimit int64
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// SubmitResponse is the response for POST /transactions.
type SubmitResponse struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	TraceID       string `json:"traceId,omitempty"`
}

// SubmitTransaction handles POST /transactions. The transaction is
// validated, admitted through the intake rate limiter, then handed to the
// sharded pipeline; scoring happens asynchronously.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.AccountID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "accountId is required",
		})
		return
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount must be positive",
		})
		return
	}
	if req.Currency == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "currency is required",
		})
		return
	}
	if req.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, req.Timestamp); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "timestamp must be RFC 3339",
			})
			return
		}
	}

	if h.deps.IntakeRateLimit > 0 && h.deps.Cache != nil {
		n, err := h.deps.Cache.IncrementCounter(ctx, "intake:"+req.AccountID, time.Minute)
		if err != nil {
			slog.Warn("intake rate counter unavailable", "account_id", req.AccountID, "error", err)
		} else if n > h.deps.IntakeRateLimit {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "intake rate limit exceeded for account",
			})
			return
		}
	}

	tx := req.ToTransaction(uuid.New().String())

	if err := h.deps.Pipeline.Submit(ctx, tx); err != nil {
		if errors.Is(err, pipeline.ErrStopped) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "pipeline is shut down",
			})
			return
		}
		// Submit blocks while the shard queue is full; a context error
		// here means the caller gave up under backpressure.
		slog.Warn("transaction intake rejected", "tx_id", tx.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "intake queue full",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		TransactionID: tx.ID,
		Status:        "accepted",
		TraceID:       GetTraceID(ctx),
	})
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.deps.Repo.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, "transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GetEvaluation retrieves an evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	eval, err := h.deps.Repo.GetEvaluation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, "evaluation", err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// ListAlerts returns recent alerts, newest first.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	alerts, err := h.deps.Repo.ListAlerts(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list alerts", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list alerts",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert retrieves an alert by ID.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.deps.Repo.GetAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, "alert", err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// ListCases returns all cases.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	caseList, err := h.deps.Repo.ListCases(r.Context())
	if err != nil {
		slog.Error("failed to list cases", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list cases",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cases": caseList,
		"count": len(caseList),
	})
}

// GetCase retrieves a case by ID.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.deps.Repo.GetCase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, "case", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// CaseActionRequest is the request body for POST /cases/{id}/transition.
type CaseActionRequest struct {
	Action string `json:"action"`
	Actor  string `json:"actor"`
	Note   string `json:"note,omitempty"`
}

// TransitionCase applies an analyst action to a case.
func (h *Handler) TransitionCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "id")

	var req CaseActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Action == "" || req.Actor == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "action and actor are required",
		})
		return
	}

	c, err := h.deps.Cases.Transition(r.Context(), caseID, domain.CaseAction(req.Action), req.Actor, req.Note)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "case not found",
			})
		case errors.Is(err, cases.ErrInvalidTransition):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": err.Error(),
			})
		default:
			slog.Error("case transition failed", "case_id", caseID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "case transition failed",
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// CaseLabelRequest is the request body for POST /cases/{id}/label.
type CaseLabelRequest struct {
	Label string `json:"label"`
	Actor string `json:"actor"`
}

// LabelCase sets the outcome label on a case under review.
func (h *Handler) LabelCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "id")

	var req CaseLabelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Label == "" || req.Actor == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "label and actor are required",
		})
		return
	}

	c, err := h.deps.Cases.Label(r.Context(), caseID, domain.CaseLabel(req.Label), req.Actor)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "case not found",
			})
		case errors.Is(err, cases.ErrUnknownLabel):
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
		case errors.Is(err, cases.ErrLabelNotAllowed):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": err.Error(),
			})
		default:
			slog.Error("case labeling failed", "case_id", caseID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "case labeling failed",
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// PutProfile upserts a customer profile and invalidates its cache entry so
// the next evaluation sees the fresh KYC attributes.
func (h *Handler) PutProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := chi.URLParam(r, "accountId")

	var p domain.CustomerProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	p.AccountID = accountID
	if p.AnnualDeclaredIncome < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "annualDeclaredIncome cannot be negative",
		})
		return
	}

	if err := h.deps.Repo.SaveProfile(ctx, &p); err != nil {
		slog.Error("failed to save profile", "account_id", accountID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save profile",
		})
		return
	}

	if h.deps.Profiles != nil {
		h.deps.Profiles.Invalidate(ctx, accountID)
	}

	slog.Info("profile updated", "account_id", accountID)
	writeJSON(w, http.StatusOK, &p)
}

// GetProfile retrieves a customer profile by account ID.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Repo.GetProfile(r.Context(), chi.URLParam(r, "accountId"))
	if err != nil {
		writeLookupError(w, "profile", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListIndicators returns the currently loaded indicator set.
func (h *Handler) ListIndicators(w http.ResponseWriter, r *http.Request) {
	set := h.deps.Engine.Snapshot()
	if set == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "no indicator set loaded",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    set.Version,
		"count":      len(set.Indicators),
		"indicators": set.Indicators,
		"thresholds": set.Thresholds,
	})
}

// ReloadIndicators re-reads the configuration files and atomically swaps the
// indicator set. In-flight evaluations finish on the old snapshot. A config
// that fails validation leaves the running set untouched and reports every
// violation.
func (h *Handler) ReloadIndicators(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	indPath := filepath.Join(h.deps.ConfigDir, config.IndicatorsFile)
	thrPath := filepath.Join(h.deps.ConfigDir, config.ThresholdsFile)

	set, err := config.Load(indPath, thrPath, h.deps.Engine)
	if err != nil {
		writeConfigError(w, err)
		return
	}

	// The audit entry lands before the new set becomes visible.
	if h.deps.Repo != nil {
		entry := &domain.AuditEntry{
			ID:         uuid.New().String(),
			Actor:      domain.SystemActor,
			Action:     domain.AuditConfigReloaded,
			ObjectType: "indicator_set",
			ObjectID:   set.Version,
			Timestamp:  time.Now().UTC(),
			After:      fmt.Sprintf("%d indicators", len(set.Indicators)),
		}
		if err := h.deps.Repo.Append(ctx, entry); err != nil {
			slog.Error("audit append for config reload failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "audit append failed; configuration not applied",
			})
			return
		}
	}

	if err := h.deps.Engine.Reload(set); err != nil {
		writeConfigError(w, err)
		return
	}

	if h.deps.History != nil {
		h.deps.History.SetRetention(h.deps.Engine.MaxLookback())
	}

	if h.deps.Bus != nil {
		payload, _ := json.Marshal(map[string]any{
			"version": set.Version,
			"count":   len(set.Indicators),
		})
		if err := h.deps.Bus.Publish(ctx, domain.TopicConfigReloaded, payload); err != nil {
			slog.Warn("publishing config reload event", "error", err)
		}
	}

	slog.Info("indicator set reloaded", "version", set.Version, "count", len(set.Indicators))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "indicator set reloaded",
		"version": set.Version,
		"count":   len(set.Indicators),
	})
}

// ListAuditEntries returns recent audit log entries, newest first.
func (h *Handler) ListAuditEntries(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)
	entries, err := h.deps.Repo.ListAuditEntries(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list audit entries", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list audit entries",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// Stats reports pipeline throughput counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	processed, failed := h.deps.Pipeline.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"processed":  processed,
		"failed":     failed,
		"indicators": h.deps.Engine.IndicatorCount(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.deps.Repo != nil {
		if err := h.deps.Repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.deps.Cache != nil {
		if err := h.deps.Cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.deps.Bus != nil {
		if err := h.deps.Bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.deps.Version,
	})
}

// Ready reports whether an indicator set is loaded and the server can score.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Engine == nil || h.deps.Engine.Snapshot() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeLookupError(w http.ResponseWriter, kind string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": kind + " not found",
		})
		return
	}
	slog.Error("lookup failed", "kind", kind, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "failed to get " + kind,
	})
}

func writeConfigError(w http.ResponseWriter, err error) {
	var cerr *config.ConfigError
	if errors.As(err, &cerr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "invalid configuration",
			"violations": cerr.Violations,
		})
		return
	}
	slog.Error("config reload failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "failed to reload configuration",
	})
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
