package indicators

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/harrier/internal/domain"
)

// newCELEnv declares the variables expression indicators may reference.
// Every field of the transaction is exposed both individually and under
// the tx map for list-style access.
func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("account_id", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("is_credit", cel.BoolType),
		cel.Variable("merchant_category", cel.StringType),
		cel.Variable("purpose", cel.StringType),
	)
}

func (r *Registry) compileExpression(ind domain.Indicator) (Evaluator, error) {
	ast, issues := r.celEnv.Compile(ind.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling expression for %s: %w", ind.Code, issues.Err())
	}
	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("expression for %s must return bool, int, or double, got %s", ind.Code, outputType)
	}
	program, err := r.celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building program for %s: %w", ind.Code, err)
	}

	rationale := ind.Description
	if rationale == "" {
		rationale = "expression matched"
	}
	return EvaluatorFunc(func(_ context.Context, ec *EvalContext) (bool, string, error) {
		out, _, err := program.Eval(activation(ec.Tx))
		if err != nil {
			return false, "", fmt.Errorf("evaluating expression: %w", err)
		}
		if !toHit(out) {
			return false, "", nil
		}
		return true, rationale, nil
	}), nil
}

func activation(tx *domain.Transaction) map[string]any {
	return map[string]any{
		"tx": map[string]any{
			"id":         tx.ID,
			"account_id": tx.AccountID,
			"amount":     tx.Amount,
			"currency":   tx.Currency,
			"country":    tx.CounterpartyCountry,
			"channel":    tx.Channel,
			"is_credit":  tx.IsCredit,
			"purpose":    tx.Purpose,
		},
		"amount":            tx.Amount,
		"currency":          tx.Currency,
		"account_id":        tx.AccountID,
		"country":           tx.CounterpartyCountry,
		"channel":           tx.Channel,
		"is_credit":         tx.IsCredit,
		"merchant_category": tx.MerchantCategory,
		"purpose":           tx.Purpose,
	}
}

// toHit converts a CEL result to a hit decision. Numeric results count as a
// hit when positive, matching boolean truthiness for score-style rules.
func toHit(val ref.Val) bool {
	switch v := val.(type) {
	case types.Bool:
		return bool(v)
	case types.Double:
		return float64(v) > 0
	case types.Int:
		return int64(v) > 0
	default:
		return false
	}
}
