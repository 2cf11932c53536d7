// Package pipeline drives concurrent transaction scoring. Transactions are
// sharded by account so each account is processed by exactly one worker,
// which keeps history reads and writes for an account strictly ordered
// without locking the scoring path.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/harrier/internal/cases"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/indicators"
	"github.com/opensource-finance/harrier/internal/scoring"
)

// ErrStopped is returned by Submit after Stop has begun.
var ErrStopped = errors.New("pipeline: stopped")

// Result is the outcome of scoring one transaction. Alert and Case are nil
// below High severity.
type Result struct {
	Transaction *domain.Transaction
	Evaluation  *domain.Evaluation
	Alert       *domain.Alert
	Case        *domain.Case
}

// ResultHandler observes completed transactions.
type ResultHandler func(Result)

// FailureHandler observes transactions that could not be processed after
// exhausting retries.
type FailureHandler func(tx *domain.Transaction, err error)

// Pipeline is the account-sharded scoring pipeline.
type Pipeline struct {
	cfg     domain.PipelineConfig
	repo    domain.Repository
	history domain.HistoryStore
	engine  *indicators.Engine
	manager *cases.Manager
	bus     domain.EventBus
	logger  *slog.Logger
	tracer  trace.Tracer

	onResult  ResultHandler
	onFailure FailureHandler

	shards  []chan *domain.Transaction
	wg      sync.WaitGroup
	stopped atomic.Bool
	started atomic.Bool

	processed atomic.Int64
	failed    atomic.Int64
}

// New assembles a pipeline. The bus may be nil; events are then skipped.
func New(cfg domain.PipelineConfig, repo domain.Repository, hist domain.HistoryStore, engine *indicators.Engine, manager *cases.Manager, bus domain.EventBus, logger *slog.Logger) *Pipeline {
	if cfg.Shards <= 0 {
		cfg.Shards = 8
	}
	if cfg.IntakeBuffer <= 0 {
		cfg.IntakeBuffer = 256
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 4
	}
	if cfg.RetryBaseDelayMs <= 0 {
		cfg.RetryBaseDelayMs = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:     cfg,
		repo:    repo,
		history: hist,
		engine:  engine,
		manager: manager,
		bus:     bus,
		logger:  logger,
		tracer:  otel.Tracer("harrier/pipeline"),
	}
}

// OnResult registers a result observer. Must be called before Start.
func (p *Pipeline) OnResult(h ResultHandler) { p.onResult = h }

// OnFailure registers a failure observer. Must be called before Start.
func (p *Pipeline) OnFailure(h FailureHandler) { p.onFailure = h }

// Start launches one worker goroutine per shard.
func (p *Pipeline) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.shards = make([]chan *domain.Transaction, p.cfg.Shards)
	for i := range p.shards {
		p.shards[i] = make(chan *domain.Transaction, p.cfg.IntakeBuffer)
		p.wg.Add(1)
		go p.run(p.shards[i])
	}
	p.logger.Info("pipeline started",
		"shards", p.cfg.Shards,
		"intake_buffer", p.cfg.IntakeBuffer)
}

// Submit queues a transaction for scoring. When the account's shard buffer
// is full, Submit blocks until space frees up or the context is done; that
// is the intake backpressure signal.
func (p *Pipeline) Submit(ctx context.Context, tx *domain.Transaction) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	if !p.started.Load() {
		return errors.New("pipeline: not started")
	}

	shard := p.shards[shardFor(tx.AccountID, len(p.shards))]
	select {
	case shard <- tx:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline intake: %w", ctx.Err())
	}
}

// Stop drains all shards and waits for in-flight transactions to finish.
func (p *Pipeline) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	for _, shard := range p.shards {
		close(shard)
	}
	p.wg.Wait()
	p.logger.Info("pipeline stopped",
		"processed", p.processed.Load(),
		"failed", p.failed.Load())
}

// Stats reports lifetime counters.
func (p *Pipeline) Stats() (processed, failed int64) {
	return p.processed.Load(), p.failed.Load()
}

func (p *Pipeline) run(shard <-chan *domain.Transaction) {
	defer p.wg.Done()
	for tx := range shard {
		if err := p.process(context.Background(), tx); err != nil {
			p.failed.Add(1)
			p.logger.Error("transaction processing failed",
				"tx_id", tx.ID,
				"account_id", tx.AccountID,
				"error", err)
			if p.onFailure != nil {
				p.onFailure(tx, err)
			}
			continue
		}
		p.processed.Add(1)
	}
}

// process runs the full scoring sequence for one transaction: record into
// history, persist, evaluate indicators, aggregate the score, persist the
// evaluation, apply alerting policy, publish.
func (p *Pipeline) process(ctx context.Context, tx *domain.Transaction) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.process")
	span.SetAttributes(
		attribute.String("tx.id", tx.ID),
		attribute.String("tx.account_id", tx.AccountID),
	)
	defer span.End()

	if err := p.history.Record(ctx, tx); err != nil {
		return fmt.Errorf("recording history: %w", err)
	}
	if err := p.persist(ctx, func() error {
		return p.repo.SaveTransaction(ctx, tx)
	}); err != nil {
		return fmt.Errorf("saving transaction: %w", err)
	}

	results, set, err := p.engine.Evaluate(ctx, tx)
	if err != nil {
		return fmt.Errorf("evaluating indicators: %w", err)
	}
	score := scoring.Aggregate(results, set)

	eval := &domain.Evaluation{
		ID:            uuid.New().String(),
		TransactionID: tx.ID,
		AccountID:     tx.AccountID,
		Score:         score,
		Timestamp:     tx.Timestamp,
	}
	if err := p.persist(ctx, func() error {
		return p.repo.SaveEvaluation(ctx, eval)
	}); err != nil {
		return fmt.Errorf("saving evaluation: %w", err)
	}

	var alert *domain.Alert
	var c *domain.Case
	if err := p.persist(ctx, func() error {
		var err error
		alert, c, err = p.manager.OnScore(ctx, eval, set.Thresholds)
		return err
	}); err != nil {
		return fmt.Errorf("applying alert policy: %w", err)
	}

	p.publishScore(ctx, eval)

	if p.onResult != nil {
		p.onResult(Result{Transaction: tx, Evaluation: eval, Alert: alert, Case: c})
	}
	return nil
}

// persist retries a storage write with bounded exponential backoff before
// giving up.
func (p *Pipeline) persist(ctx context.Context, fn func() error) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(p.cfg.RetryAttempts)),
		retry.Delay(time.Duration(p.cfg.RetryBaseDelayMs)*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	return r.Do(fn)
}

func (p *Pipeline) publishScore(ctx context.Context, eval *domain.Evaluation) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(eval)
	if err != nil {
		p.logger.Warn("marshaling score event", "error", err)
		return
	}
	if err := p.bus.Publish(ctx, domain.TopicScoreComputed, payload); err != nil {
		p.logger.Warn("publishing score event", "error", err)
	}
}

// shardFor maps an account to a shard with FNV-1a.
func shardFor(accountID string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	return int(h.Sum32() % uint32(shards))
}
