package pkg

import (
	"fmt"
	"reflect"
)

// ModuleInput is the contract for module parameter structs.
type ModuleInput interface {
	// Validate checks the parameters before any host is touched.
	Validate() error
	// GetVariableUsage returns the template variables the parameters reference.
	GetVariableUsage() []string
}

// ModuleOutput is the contract for module apply results.
type ModuleOutput interface {
	Changed() bool
	String() string
}

// FactProvider is implemented by outputs that expose facts for `register`.
type FactProvider interface {
	Facts() map[string]interface{}
}

// Diff is the result of probing a task: the host's current state versus the
// desired state. Equal sides mean the host already converged and the action
// is skipped.
type Diff struct {
	Before string
	After  string
}

func (d Diff) Changed() bool {
	return d.Before != d.After
}

func (d Diff) String() string {
	if !d.Changed() {
		return fmt.Sprintf("unchanged: %s", d.Before)
	}
	return fmt.Sprintf("%s -> %s", d.Before, d.After)
}

// NoChangeDiff reports an already-converged state.
func NoChangeDiff(state string) Diff {
	return Diff{Before: state, After: state}
}

// Module is the probe/apply pair every task kind implements. Probe determines
// whether the host's current state diverges from the desired state; Apply
// performs the side effect. Re-running Apply must converge, never toggle.
type Module interface {
	InputType() reflect.Type
	Probe(params ModuleInput, c *Closure) (Diff, error)
	Apply(params ModuleInput, c *Closure) (ModuleOutput, error)
}

// StateChange records a before/after pair for module outputs.
type StateChange[T comparable] struct {
	Before T
	After  T
}

func (r StateChange[T]) Changed() bool {
	return r.Before != r.After
}

var registeredModules = make(map[string]Module)

// RegisterModule allows modules to register themselves by name.
func RegisterModule(name string, module Module) {
	if _, exists := registeredModules[name]; exists {
		panic(fmt.Sprintf("Module %s already registered", name))
	}
	registeredModules[name] = module
}

// GetModule retrieves a registered module by name.
func GetModule(name string) (Module, bool) {
	module, ok := registeredModules[name]
	return module, ok
}

// ModuleNames returns the names of all registered modules.
func ModuleNames() []string {
	names := make([]string, 0, len(registeredModules))
	for name := range registeredModules {
		names = append(names, name)
	}
	return names
}
