// Package expreval evaluates boolean gate expressions against a plain
// map[string]any context. Used by the quality-review loop (§4.I) to
// let a ppcommit gate expression decide pass/fail from static-analysis
// counts instead of a single hardcoded threshold.
//
// Grounded on the teacher's pkg/workflow/expression package: same
// compile-and-cache shape, same expr.AllowUndefinedVariables()/
// expr.AsBool() compile options, trimmed to the one call site this
// codebase actually has.
package expreval

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator compiles and caches gate expressions.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs expression against env, returning its boolean result.
// An empty expression always evaluates true.
func (e *Evaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, fmt.Errorf("compiling gate expression %q: %w", expression, err)
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluating gate expression %q: %w", expression, err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("gate expression %q returned %T, want bool", expression, result)
	}
	return b, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}
