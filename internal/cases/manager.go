// Package cases implements alert generation and the investigation case
// lifecycle: attach-or-create on High scores, forward-only transitions
// with an explicit reopen, terminal labels, and auto-escalation.
package cases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
)

var (
	// ErrInvalidTransition is returned for backward or unknown transitions.
	ErrInvalidTransition = errors.New("cases: invalid transition")

	// ErrLabelNotAllowed is returned when labeling a case outside
	// IN_REVIEW or ESCALATED.
	ErrLabelNotAllowed = errors.New("cases: label not allowed in current status")

	// ErrUnknownLabel is returned for labels outside the accepted set.
	ErrUnknownLabel = errors.New("cases: unknown label")
)

// Manager owns all alert and case mutations. Every mutation writes its
// audit entry first; a failed audit append aborts the mutation entirely.
type Manager struct {
	mu     sync.Mutex
	repo   domain.Repository
	audit  domain.AuditSink
	bus    domain.EventBus
	logger *slog.Logger
	now    func() time.Time
}

// NewManager wires a case manager. The audit sink is usually the
// repository itself; the bus may be nil in replay tooling.
func NewManager(repo domain.Repository, audit domain.AuditSink, bus domain.EventBus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:   repo,
		audit:  audit,
		bus:    bus,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnScore applies alerting policy to a persisted evaluation. Severities
// below High produce no alert. High severities raise an alert and attach
// it to the account's open case, or open a new case when none accepts
// alerts.
func (m *Manager) OnScore(ctx context.Context, eval *domain.Evaluation, th config.Thresholds) (*domain.Alert, *domain.Case, error) {
	if eval.Score.Severity != domain.SeverityHigh {
		return nil, nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	alert := &domain.Alert{
		ID:            uuid.New().String(),
		TransactionID: eval.TransactionID,
		AccountID:     eval.AccountID,
		Score:         eval.Score.Normalized,
		Severity:      eval.Score.Severity,
		Hits:          eval.Score.Hits(),
		CreatedAt:     now,
	}

	if err := m.auditAppend(ctx, domain.SystemActor, domain.AuditAlertCreated, "alert", alert.ID, "", alertSummary(alert)); err != nil {
		return nil, nil, err
	}

	c, created, err := m.caseFor(ctx, alert, th, now)
	if err != nil {
		return nil, nil, err
	}
	alert.CaseID = c.ID

	if err := m.repo.SaveAlert(ctx, alert); err != nil {
		return nil, nil, fmt.Errorf("saving alert: %w", err)
	}
	if err := m.repo.SaveCase(ctx, c); err != nil {
		return nil, nil, fmt.Errorf("saving case: %w", err)
	}

	if c, err = m.maybeAutoEscalate(ctx, c, th, now); err != nil {
		return nil, nil, err
	}

	m.publish(ctx, domain.TopicAlertRaised, alert)
	m.publish(ctx, domain.TopicCaseUpdated, c)
	m.logger.Info("alert raised",
		"alert_id", alert.ID,
		"account_id", alert.AccountID,
		"case_id", c.ID,
		"case_created", created,
		"score", alert.Score)
	return alert, c, nil
}

// caseFor finds the case that takes the alert, creating one when the
// account has no case in an alert-accepting status.
func (m *Manager) caseFor(ctx context.Context, alert *domain.Alert, th config.Thresholds, now time.Time) (*domain.Case, bool, error) {
	if th.AttachToOpenCase {
		existing, err := m.repo.FindOpenCase(ctx, alert.AccountID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, false, fmt.Errorf("finding open case: %w", err)
		}
		if existing != nil && existing.IsOpen() {
			if err := m.auditAppend(ctx, domain.SystemActor, domain.AuditAlertAttached, "case", existing.ID, "", alert.ID); err != nil {
				return nil, false, err
			}
			existing.AlertIDs = append(existing.AlertIDs, alert.ID)
			existing.LastActivityAt = now
			return existing, false, nil
		}
	}

	c := &domain.Case{
		ID:             uuid.New().String(),
		AccountID:      alert.AccountID,
		Status:         domain.CaseOpen,
		AlertIDs:       []string{alert.ID},
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.auditAppend(ctx, domain.SystemActor, domain.AuditCaseCreated, "case", c.ID, "", string(c.Status)); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// maybeAutoEscalate moves a case to ESCALATED once it accumulates the
// configured number of alerts. Zero disables the policy.
func (m *Manager) maybeAutoEscalate(ctx context.Context, c *domain.Case, th config.Thresholds, now time.Time) (*domain.Case, error) {
	if th.AutoEscalateAlerts <= 0 || len(c.AlertIDs) < th.AutoEscalateAlerts {
		return c, nil
	}
	if c.Status.Rank() >= domain.CaseEscalated.Rank() {
		return c, nil
	}
	before := c.Status
	if err := m.auditAppend(ctx, domain.SystemActor, domain.AuditCaseTransition, "case", c.ID, string(before), string(domain.CaseEscalated)); err != nil {
		return nil, err
	}
	c.Status = domain.CaseEscalated
	c.LastActivityAt = now
	if err := m.repo.SaveCase(ctx, c); err != nil {
		return nil, fmt.Errorf("saving escalated case: %w", err)
	}
	m.logger.Info("case auto-escalated", "case_id", c.ID, "alerts", len(c.AlertIDs))
	return c, nil
}

// transitionTarget maps an action applied in a given status to the
// resulting status.
func transitionTarget(status domain.CaseStatus, action domain.CaseAction) (domain.CaseStatus, error) {
	var target domain.CaseStatus
	switch action {
	case domain.ActionReview:
		target = domain.CaseInReview
	case domain.ActionEscalate:
		target = domain.CaseEscalated
	case domain.ActionClose:
		target = domain.CaseClosed
	case domain.ActionReopen:
		if status != domain.CaseClosed {
			return "", fmt.Errorf("%w: reopen requires CLOSED, case is %s", ErrInvalidTransition, status)
		}
		return domain.CaseOpen, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	if status.Rank() < 0 || target.Rank() <= status.Rank() {
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, target)
	}
	return target, nil
}

// Transition applies a lifecycle action on behalf of an actor. Statuses
// only move forward; the one exception is the explicit reopen of a closed
// case.
func (m *Manager) Transition(ctx context.Context, caseID string, action domain.CaseAction, actor, note string) (*domain.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	target, err := transitionTarget(c.Status, action)
	if err != nil {
		return nil, err
	}

	before := c.Status
	if err := m.auditAppend(ctx, actor, domain.AuditCaseTransition, "case", c.ID, string(before), string(target)); err != nil {
		return nil, err
	}
	c.Status = target
	c.LastActivityAt = m.now()
	if note != "" {
		c.Notes = append(c.Notes, note)
	}
	if action == domain.ActionReopen {
		// A reopened case starts a fresh review; the old outcome label
		// no longer describes it.
		c.Label = ""
	}
	if err := m.repo.SaveCase(ctx, c); err != nil {
		return nil, fmt.Errorf("saving case: %w", err)
	}

	m.publish(ctx, domain.TopicCaseUpdated, c)
	m.logger.Info("case transitioned",
		"case_id", c.ID, "from", before, "to", target, "actor", actor)
	return c, nil
}

// Label records the investigation outcome on a case under review.
func (m *Manager) Label(ctx context.Context, caseID string, label domain.CaseLabel, actor string) (*domain.Case, error) {
	if label != domain.LabelSARFiled && label != domain.LabelFalsePositive {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CaseInReview && c.Status != domain.CaseEscalated {
		return nil, fmt.Errorf("%w: case is %s", ErrLabelNotAllowed, c.Status)
	}

	if err := m.auditAppend(ctx, actor, domain.AuditCaseLabeled, "case", c.ID, string(c.Label), string(label)); err != nil {
		return nil, err
	}
	c.Label = label
	c.LastActivityAt = m.now()
	if err := m.repo.SaveCase(ctx, c); err != nil {
		return nil, fmt.Errorf("saving case: %w", err)
	}

	m.publish(ctx, domain.TopicCaseUpdated, c)
	m.logger.Info("case labeled", "case_id", c.ID, "label", label, "actor", actor)
	return c, nil
}

// auditAppend writes the audit entry that must precede a mutation.
func (m *Manager) auditAppend(ctx context.Context, actor, action, objectType, objectID, before, after string) error {
	entry := &domain.AuditEntry{
		ID:         uuid.New().String(),
		Actor:      actor,
		Action:     action,
		ObjectType: objectType,
		ObjectID:   objectID,
		Timestamp:  m.now(),
		Before:     before,
		After:      after,
	}
	if err := m.audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("audit append for %s: %w", action, err)
	}
	return nil
}

// publish emits a bus event. Event delivery is best-effort; consumers
// must not be able to block alerting.
func (m *Manager) publish(ctx context.Context, topic string, payload any) {
	if m.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Warn("marshaling event", "topic", topic, "error", err)
		return
	}
	if err := m.bus.Publish(ctx, topic, data); err != nil {
		m.logger.Warn("publishing event", "topic", topic, "error", err)
	}
}

func alertSummary(a *domain.Alert) string {
	return fmt.Sprintf("tx=%s score=%.2f hits=%d", a.TransactionID, a.Score, len(a.Hits))
}
