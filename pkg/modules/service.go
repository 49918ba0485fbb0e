package modules

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/tierctl/tierctl/pkg"
)

// ServiceModule manages systemd services: activation state and boot
// enablement.
type ServiceModule struct{}

func (sm ServiceModule) InputType() reflect.Type {
	return reflect.TypeOf(ServiceInput{})
}

// ServiceState is the probed state of one unit.
type ServiceState struct {
	Active  bool
	Enabled bool
}

func (s ServiceState) String() string {
	return fmt.Sprintf("active=%v enabled=%v", s.Active, s.Enabled)
}

type ServiceInput struct {
	Name    string `yaml:"name"`
	State   string `yaml:"state"` // started, stopped, restarted, reloaded
	Enabled *bool  `yaml:"enabled"`
}

type ServiceOutput struct {
	State pkg.StateChange[ServiceState]
}

func (i ServiceInput) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("missing required parameter. Name should be given")
	}
	switch i.State {
	case "", "started", "stopped", "restarted", "reloaded":
		return nil
	default:
		return fmt.Errorf("invalid service state %q", i.State)
	}
}

func (i ServiceInput) GetVariableUsage() []string {
	return append(pkg.GetVariableUsageFromTemplate(i.Name), pkg.GetVariableUsageFromTemplate(i.State)...)
}

func (o ServiceOutput) String() string {
	return fmt.Sprintf("  before: %s\n  after: %s\n", o.State.Before, o.State.After)
}

func (o ServiceOutput) Changed() bool {
	return o.State.Changed()
}

func (sm ServiceModule) getCurrentState(name string, c *pkg.Closure, runAs string) (ServiceState, error) {
	state := ServiceState{}
	if _, stdout, _, err := c.HostContext.RunCommand(fmt.Sprintf("systemctl is-active %s", name), runAs); err == nil {
		state.Active = strings.TrimSpace(stdout) == "active"
	}
	if _, stdout, _, err := c.HostContext.RunCommand(fmt.Sprintf("systemctl is-enabled %s", name), runAs); err == nil {
		state.Enabled = strings.TrimSpace(stdout) == "enabled"
	}
	return state, nil
}

// desiredState projects the input onto a probed state.
func (i ServiceInput) desiredState(current ServiceState) ServiceState {
	desired := current
	switch i.State {
	case "started":
		desired.Active = true
	case "stopped":
		desired.Active = false
	}
	if i.Enabled != nil {
		desired.Enabled = *i.Enabled
	}
	return desired
}

func (sm ServiceModule) Probe(params pkg.ModuleInput, c *pkg.Closure) (pkg.Diff, error) {
	input, ok := params.(ServiceInput)
	if !ok {
		return pkg.Diff{}, fmt.Errorf("Probe: incorrect parameter type: expected ServiceInput, got %T", params)
	}

	name, err := pkg.TemplateString(input.Name, c)
	if err != nil {
		return pkg.Diff{}, err
	}

	// Restart and reload have no current state to converge to.
	if input.State == "restarted" || input.State == "reloaded" {
		return pkg.Diff{Before: "running state", After: input.State}, nil
	}

	current, err := sm.getCurrentState(name, c, "")
	if err != nil {
		return pkg.Diff{}, err
	}
	desired := input.desiredState(current)
	if current == desired {
		return pkg.NoChangeDiff(current.String()), nil
	}
	return pkg.Diff{Before: current.String(), After: desired.String()}, nil
}

func (sm ServiceModule) Apply(params pkg.ModuleInput, c *pkg.Closure) (pkg.ModuleOutput, error) {
	input, ok := params.(ServiceInput)
	if !ok {
		return nil, fmt.Errorf("Apply: incorrect parameter type: expected ServiceInput, got %T", params)
	}

	name, err := pkg.TemplateString(input.Name, c)
	if err != nil {
		return nil, err
	}

	before, err := sm.getCurrentState(name, c, "")
	if err != nil {
		return nil, err
	}

	var actions []string
	switch input.State {
	case "started":
		if !before.Active {
			actions = append(actions, "start")
		}
	case "stopped":
		if before.Active {
			actions = append(actions, "stop")
		}
	case "restarted":
		actions = append(actions, "restart")
	case "reloaded":
		actions = append(actions, "reload")
	}
	for _, action := range actions {
		if rc, _, stderr, err := c.HostContext.RunCommand(fmt.Sprintf("systemctl %s %s", action, name), ""); err != nil || rc != 0 {
			return nil, &pkg.ActionError{Action: "service", Msg: fmt.Sprintf("systemctl %s %s failed: %s", action, name, stderr), Cause: err}
		}
	}

	if input.Enabled != nil && *input.Enabled != before.Enabled {
		verb := "enable"
		if !*input.Enabled {
			verb = "disable"
		}
		if rc, _, stderr, err := c.HostContext.RunCommand(fmt.Sprintf("systemctl %s %s", verb, name), ""); err != nil || rc != 0 {
			return nil, &pkg.ActionError{Action: "service", Msg: fmt.Sprintf("systemctl %s %s failed: %s", verb, name, stderr), Cause: err}
		}
	}

	after, err := sm.getCurrentState(name, c, "")
	if err != nil {
		return nil, err
	}
	if input.State == "started" && !after.Active {
		return nil, &pkg.ActionError{Action: "service", Msg: fmt.Sprintf("service %q did not start", name)}
	}

	return ServiceOutput{State: pkg.StateChange[ServiceState]{Before: before, After: after}}, nil
}

func init() {
	pkg.RegisterModule("service", ServiceModule{})
}
