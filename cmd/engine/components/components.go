package components

import (
	"context"
	"errors"
	"fmt"

	"github.com/lyzr/nodeflow/cmd/engine/components/security"
	"github.com/lyzr/nodeflow/cmd/engine/condition"
	"github.com/lyzr/nodeflow/cmd/engine/state"
	"github.com/lyzr/nodeflow/cmd/engine/topology"
	"github.com/lyzr/nodeflow/common/clients"
)

// Result keys with orchestrator-level meaning. Components emit them;
// the worker strips and interprets them before the remaining keys
// become port data.
const (
	KeyRoute        = "_route"
	KeyMessages     = "_messages"
	KeyStatePatch   = "_state_patch"
	KeyDelaySeconds = "_delay_seconds"
	KeySubworkflow  = "_subworkflow"
	KeyLoop         = "_loop"
	KeyUsage        = "_usage"
	KeyInterrupt    = "_interrupt"
)

// FallbackRoute is emitted by switch nodes when no rule matches and
// fallback is enabled
const FallbackRoute = "__other__"

// Logger interface for component logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// PermanentError marks a failure retrying cannot fix: missing config,
// unresolvable credentials, an unknown component type. The worker fails
// the execution immediately instead of burning retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a non-retryable error
func Permanentf(format string, args ...interface{}) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err (or anything it wraps) is permanent
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Component is one node's unit of work. Run is called at most once per
// attempt with the freshest state; the returned map is applied by the
// worker per the result contract.
type Component interface {
	Run(ctx context.Context, st *state.State) (map[string]interface{}, error)
}

// ChildLauncher starts a child execution on behalf of a subworkflow
// node and returns the child execution id. Implemented by the
// sub-workflow bridge.
type ChildLauncher interface {
	Launch(ctx context.Context, req LaunchRequest) (string, error)
}

// LaunchRequest describes the child execution a subworkflow node wants
type LaunchRequest struct {
	ParentExecutionID string
	ParentNodeID      string

	// Implicit mode: direct slug lookup
	WorkflowSlug string
	InputMapping map[string]string

	// Explicit mode: dispatcher-routed event
	Source      string
	PayloadPath string

	State *state.State
}

// Deps carries the collaborator set factories may need. Every field is
// optional; a factory requiring a missing dep returns a permanent error
// at resolution time, not a panic at run time.
type Deps struct {
	Conditions *condition.Evaluator
	Subflows   ChildLauncher
	HTTP       *clients.HTTPClient
	URLCheck   *security.URLValidator
	Logger     Logger
}

// Factory builds a ready-to-run component for one node invocation.
// Factories may do expensive setup; they are invoked once per attempt.
type Factory func(deps Deps, node *topology.NodeInfo, config map[string]interface{}) (Component, error)

// Registry maps component types to factories
type Registry struct {
	deps      Deps
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in component set
func NewRegistry(deps Deps) *Registry {
	r := &Registry{
		deps:      deps,
		factories: make(map[string]Factory),
	}

	r.Register("switch", newSwitch)
	r.Register("loop", newLoop)
	r.Register("wait", newWait)
	r.Register("confirm", newConfirm)
	r.Register("subworkflow", newSubworkflow)
	r.Register("http_request", newHTTPRequest)
	r.Register("transform", newTransform)

	return r
}

// Register binds a factory to a component type, replacing any previous
// binding. Not safe to call concurrently with Build.
func (r *Registry) Register(componentType string, factory Factory) {
	r.factories[componentType] = factory
}

// Build resolves the factory for a node and invokes it with the
// assembled config. Unknown component types are permanent errors.
func (r *Registry) Build(node *topology.NodeInfo, config map[string]interface{}) (Component, error) {
	factory, ok := r.factories[node.ComponentType]
	if !ok {
		return nil, Permanentf("no component registered for type %q", node.ComponentType)
	}

	component, err := factory(r.deps, node, config)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s component for node %s: %w", node.ComponentType, node.NodeID, err)
	}
	return component, nil
}

// Has reports whether a component type is registered
func (r *Registry) Has(componentType string) bool {
	_, ok := r.factories[componentType]
	return ok
}
