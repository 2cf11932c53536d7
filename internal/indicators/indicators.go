// Package indicators implements the risk indicator evaluation engine:
// a registry of named evaluators, built-in stateless and stateful rules,
// CEL expression rules, and an engine that evaluates transactions against
// an atomically swapped configuration snapshot.
package indicators

import (
	"context"

	"github.com/opensource-finance/harrier/internal/domain"
)

// EvalContext carries everything an evaluator may read for one transaction.
// Evaluators hold no state of their own; given the same context they always
// return the same answer.
type EvalContext struct {
	Tx       *domain.Transaction
	History  domain.HistoryStore
	Profiles domain.ProfileResolver
}

// Evaluator decides whether a single indicator fires for a transaction.
// The rationale explains the decision to an analyst; it is recorded on
// alerts verbatim.
type Evaluator interface {
	Evaluate(ctx context.Context, ec *EvalContext) (hit bool, rationale string, err error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, ec *EvalContext) (bool, string, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, ec *EvalContext) (bool, string, error) {
	return f(ctx, ec)
}
