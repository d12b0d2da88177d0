package governance

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// predicateEvaluator compiles and caches "expr:" tool-selector predicates
// (SPEC_FULL §4.1). Programs are cached per expression string so the
// Enforcer hot path never recompiles a CEL program it has already seen.
type predicateEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newPredicateEvaluator() (*predicateEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("agentId", cel.StringType),
		cel.Variable("sessionKey", cel.StringType),
		cel.Variable("hourOfDayUTC", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("governance: building CEL environment: %w", err)
	}
	return &predicateEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// evaluate runs one expr selector against the call context. The second
// return value is false when the expression failed to compile or
// evaluate, in which case the caller treats the selector exactly like an
// unknown group: log once and skip, never fail-open or fail-closed on it.
func (p *predicateEvaluator) evaluate(expr string, tool, agentID, sessionKey string, hourOfDayUTC int) (matched bool, ok bool) {
	prg, err := p.program(expr)
	if err != nil {
		return false, false
	}

	out, _, err := prg.Eval(map[string]any{
		"tool":         tool,
		"agentId":      agentID,
		"sessionKey":   sessionKey,
		"hourOfDayUTC": hourOfDayUTC,
	})
	if err != nil {
		return false, false
	}
	b, isBool := out.Value().(bool)
	if !isBool {
		return false, false
	}
	return b, true
}

func (p *predicateEvaluator) program(expr string) (cel.Program, error) {
	p.mu.RLock()
	prg, hit := p.cache[expr]
	p.mu.RUnlock()
	if hit {
		return prg, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prg, hit = p.cache[expr]; hit {
		return prg, nil
	}

	ast, issues := p.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("governance: compiling %q: %w", expr, issues.Err())
	}
	compiled, err := p.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(1000))
	if err != nil {
		return nil, fmt.Errorf("governance: building program for %q: %w", expr, err)
	}
	p.cache[expr] = compiled
	return compiled, nil
}
