// Package toolregistry implements the Tool Registry (spec §4.4): a
// catalogue of invokable tools with JSON-schema input/output, guarded by the
// constitution at every invocation.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/taskcore/engine/constitution"
)

// Invocation is one call to a named tool with its argument bag.
type Invocation struct {
	ToolName string
	Args     map[string]any
}

// Result is what Invoke returns: success/output, or a captured error. Tool
// errors are never thrown across the invoke boundary (spec §4.4, §7).
type Result struct {
	Success    bool
	Output     any
	Error      string
	DurationMs int64
	RetryHint  *RetryHint
}

// ExecuteFunc is the concrete side-effecting implementation of a tool. The
// core treats its side effects as opaque — it only observes success,
// duration, and the output value.
type ExecuteFunc func(ctx context.Context, args map[string]any) (any, error)

// Definition describes one registered tool: its name, schemas, and concrete
// implementation.
type Definition struct {
	Name                 string
	Description          string
	InputSchema          map[string]any
	OutputSchema         map[string]any
	Tags                 []string
	RequiresConfirmation bool
	Execute              ExecuteFunc

	compiledInput *jsonschema.Schema
}

// Registry maintains the name -> Definition mapping. Registration happens
// before Execute() begins a task; the hot path (Invoke) only reads, matching
// the "immutable after initialization" concurrency policy of spec §5.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Definition
	guard *constitution.Constitution
}

// New constructs an empty Registry guarded by c. A nil c disables the
// constitution tool-guard step (tests only; production always supplies one).
func New(c *constitution.Constitution) *Registry {
	return &Registry{tools: make(map[string]*Definition), guard: c}
}

// Register compiles def's input schema (if present) and adds it to the
// catalogue. Re-registering the same name overwrites the prior definition.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("toolregistry: tool name is required")
	}
	if def.Execute == nil {
		return fmt.Errorf("toolregistry: tool %q requires an Execute implementation", def.Name)
	}
	if len(def.InputSchema) > 0 {
		compiled, err := compileSchema(def.Name, def.InputSchema)
		if err != nil {
			return fmt.Errorf("toolregistry: compile input schema for %q: %w", def.Name, err)
		}
		def.compiledInput = compiled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d := def
	r.tools[def.Name] = &d
	return nil
}

// Lookup returns the registered definition for name, if any.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return *d, true
}

// Names returns every registered tool name, used by the HTTP health
// endpoint to report the registered tool set.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// Definitions returns every registered Definition, for building the
// planner's tool-catalogue prompt section.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, *d)
	}
	return out
}

// Filtered returns a new Registry exposing only the tools named in allow —
// the per-agent whitelist the crew orchestrator uses to scope a worker's
// registry (spec §4.8 "each agent sees only a filtered tool registry").
func (r *Registry) Filtered(allow []string) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	allowSet := make(map[string]struct{}, len(allow))
	for _, n := range allow {
		allowSet[n] = struct{}{}
	}
	sub := New(r.guard)
	for name, d := range r.tools {
		if _, ok := allowSet[name]; ok {
			cp := *d
			sub.tools[name] = &cp
		}
	}
	return sub
}

// Invoke validates inv's args against the registered schema, runs the
// constitution tool guard, executes the tool, and records duration. All
// tool/validation/guard errors are captured in Result rather than returned
// as a Go error — the only Go error return is for a critical constitution
// violation, which the caller (executor) must treat as fatal.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	def, ok := r.Lookup(inv.ToolName)
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("tool %q is not registered", inv.ToolName)}, nil
	}

	if def.compiledInput != nil {
		if err := validateArgs(def.compiledInput, inv.Args); err != nil {
			hint := buildValidationHint(inv.ToolName, err, def.InputSchema)
			return Result{Success: false, Error: fmt.Sprintf("invalid arguments: %v", err), RetryHint: hint}, nil
		}
	}

	if r.guard != nil {
		critical, _ := r.guard.ValidateToolCall(constitution.ToolInvocation{ToolName: inv.ToolName, Args: inv.Args})
		if critical != nil {
			return Result{Success: false, Error: critical.Error(), RetryHint: buildConstitutionHint(inv.ToolName, critical)}, critical
		}
	}

	start := time.Now()
	output, err := def.Execute(ctx, inv.Args)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		return Result{Success: false, Error: err.Error(), DurationMs: duration, RetryHint: buildExecutionHint(inv.ToolName, err)}, nil
	}
	return Result{Success: true, Output: output, DurationMs: duration}, nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	resourceName := name + ".json"
	if err := c.AddResource(resourceName, schema); err != nil {
		return nil, err
	}
	return c.Compile(resourceName)
}

func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	// Round-trip through JSON so values produced by JSON-decoded plans (which
	// may carry json.Number, etc.) validate the same way as literal map
	// values built in Go tests.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
