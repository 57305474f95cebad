package dispatch

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// filterCache compiles CEL filter expressions once and reuses the
// programs across dispatches. Programs are safe for concurrent use.
type filterCache struct {
	programs map[string]cel.Program
	mu       sync.RWMutex
}

func newFilterCache() *filterCache {
	return &filterCache{
		programs: make(map[string]cel.Program),
	}
}

// Match evaluates the filter expression with the event payload bound as
// `payload`. The expression must produce a boolean.
func (c *filterCache) Match(expr string, payload map[string]interface{}) (bool, error) {
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}

	if payload == nil {
		payload = map[string]interface{}{}
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"payload": payload,
	})
	if err != nil {
		return false, fmt.Errorf("filter evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter did not return boolean, got %T", out.Value())
	}

	return result, nil
}

func (c *filterCache) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, exists := c.programs[expr]
	c.mu.RUnlock()

	if exists {
		return prg, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("filter compilation error: %w", issues.Err())
	}

	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter program: %w", err)
	}

	c.mu.Lock()
	c.programs[expr] = prg
	c.mu.Unlock()

	return prg, nil
}

// Size returns the number of cached programs
func (c *filterCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}
