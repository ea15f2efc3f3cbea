// Package engine provides the margin and commission rule-resolution engine.
//
// The engine is pure computation: it resolves which rate rule applies to a
// calculation context, then converts the resolved percentage/minimum pair
// into a monetary amount. It holds no mutable state besides a memoized
// cache of compiled CEL programs for the "custom" calculation method, so
// concurrent callers need no coordination.
package engine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/shipmargin/keel/internal/domain"
)

// Engine evaluates rule sets against calculation contexts.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program // keyed by expression text
}

// New creates a new calculation engine.
func New() (*Engine, error) {
	// CEL environment for custom calculation expressions
	env, err := cel.NewEnv(
		cel.Variable("base_amount", cel.DoubleType),
		cel.Variable("percentage", cel.DoubleType),
		cel.Variable("minimum_amount", cel.DoubleType),
		cel.Variable("margin_percentage", cel.DoubleType),
		cel.Variable("volume_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Calculate resolves the applicable rate for the context and applies the
// rule set's calculation method. The only error source is a malformed or
// failing custom expression; the built-in methods are total functions.
func (e *Engine) Calculate(rs *domain.RuleSet, cx *domain.CalcContext) (*domain.CalcResult, error) {
	rate, origin := Resolve(rs, cx)

	method := rs.CalculationMethod
	if method == "" {
		method = domain.MethodHigherWins
	}

	var result domain.CalcResult
	switch method {
	case domain.MethodHigherWins:
		result = Apply(cx.BaseAmount, rate)

	case domain.MethodPercentageOnly:
		result = ApplyPercentageOnly(cx.BaseAmount, rate)

	case domain.MethodMinimumOnly:
		result = ApplyMinimumOnly(cx.BaseAmount, rate)

	case domain.MethodCustom:
		amount, err := e.evalCustom(rs.CustomExpression, cx, rate)
		if err != nil {
			return nil, err
		}
		result = customResult(cx.BaseAmount, rate, amount)

	default:
		return nil, fmt.Errorf("unknown calculation method: %s", method)
	}

	result.AppliedRuleOrigin = origin
	return &result, nil
}

// ValidateExpression compiles a custom calculation expression without
// retaining it. Used by the validator before a rule set may activate.
func (e *Engine) ValidateExpression(expr string) error {
	if expr == "" {
		return fmt.Errorf("custom expression is required")
	}
	_, err := e.compile(expr)
	return err
}

// evalCustom evaluates a custom expression to a monetary amount.
func (e *Engine) evalCustom(expr string, cx *domain.CalcContext, rate domain.RateRule) (float64, error) {
	program, err := e.program(expr)
	if err != nil {
		return 0, err
	}

	marginPct := 0.0
	if cx.MarginPercentage != nil {
		marginPct = *cx.MarginPercentage
	}
	volumeCount := int64(0)
	if cx.PeriodVolumeCount != nil {
		volumeCount = int64(*cx.PeriodVolumeCount)
	}

	out, _, err := program.Eval(map[string]any{
		"base_amount":       cx.BaseAmount,
		"percentage":        rate.Percentage,
		"minimum_amount":    rate.MinimumAmount,
		"margin_percentage": marginPct,
		"volume_count":      volumeCount,
	})
	if err != nil {
		return 0, fmt.Errorf("custom expression evaluation failed: %w", err)
	}

	return toAmount(out), nil
}

// program returns a memoized compiled program for the expression.
func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	p, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expr] = p
	e.mu.Unlock()

	return p, nil
}

func (e *Engine) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile custom expression: %w", issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("custom expression must return int or double, got %s", outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for custom expression: %w", err)
	}
	return program, nil
}

// toAmount converts a CEL value to a monetary amount.
func toAmount(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// Close releases the compiled program cache.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.programs = make(map[string]cel.Program)
	return nil
}
