package modules

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/tierctl/tierctl/pkg"
)

// CommandModule runs an arbitrary command. Commands are not idempotent by
// themselves; the creates guard is the declared convergence condition.
type CommandModule struct{}

func (cm CommandModule) InputType() reflect.Type {
	return reflect.TypeOf(CommandInput{})
}

type CommandInput struct {
	Cmd     string `yaml:"cmd"`
	Creates string `yaml:"creates"`
	Chdir   string `yaml:"chdir"`
}

type CommandOutput struct {
	Stdout string
	Stderr string
	Rc     int
	ran    bool
}

func (i CommandInput) Validate() error {
	if i.Cmd == "" {
		return fmt.Errorf("missing required parameter. Cmd should be given")
	}
	return nil
}

func (i CommandInput) GetVariableUsage() []string {
	return append(pkg.GetVariableUsageFromTemplate(i.Cmd), pkg.GetVariableUsageFromTemplate(i.Creates)...)
}

func (o CommandOutput) String() string {
	return fmt.Sprintf("  rc: %d\n  stdout: %s\n  stderr: %s\n", o.Rc, strings.TrimSpace(o.Stdout), strings.TrimSpace(o.Stderr))
}

func (o CommandOutput) Changed() bool {
	return o.ran
}

// Facts exposes the command result to register targets.
func (o CommandOutput) Facts() map[string]interface{} {
	return map[string]interface{}{
		"stdout": strings.TrimSpace(o.Stdout),
		"stderr": strings.TrimSpace(o.Stderr),
		"rc":     o.Rc,
	}
}

func (cm CommandModule) Probe(params pkg.ModuleInput, c *pkg.Closure) (pkg.Diff, error) {
	input, ok := params.(CommandInput)
	if !ok {
		return pkg.Diff{}, fmt.Errorf("Probe: incorrect parameter type: expected CommandInput, got %T", params)
	}

	if input.Creates != "" {
		creates, err := pkg.TemplateString(input.Creates, c)
		if err != nil {
			return pkg.Diff{}, err
		}
		if _, err := c.HostContext.Stat(creates, true); err == nil {
			return pkg.NoChangeDiff(fmt.Sprintf("%s present", creates)), nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return pkg.Diff{}, fmt.Errorf("failed to stat %s: %w", creates, err)
		}
		return pkg.Diff{Before: fmt.Sprintf("%s absent", creates), After: fmt.Sprintf("%s present", creates)}, nil
	}

	// Without a creates guard the command always runs.
	return pkg.Diff{Before: "not run", After: "run"}, nil
}

func (cm CommandModule) Apply(params pkg.ModuleInput, c *pkg.Closure) (pkg.ModuleOutput, error) {
	input, ok := params.(CommandInput)
	if !ok {
		return nil, fmt.Errorf("Apply: incorrect parameter type: expected CommandInput, got %T", params)
	}

	cmd, err := pkg.TemplateString(input.Cmd, c)
	if err != nil {
		return nil, err
	}
	if input.Chdir != "" {
		chdir, err := pkg.TemplateString(input.Chdir, c)
		if err != nil {
			return nil, err
		}
		cmd = fmt.Sprintf("cd %s && %s", chdir, cmd)
	}

	rc, stdout, stderr, err := c.HostContext.RunCommand(cmd, "")
	if err != nil {
		return nil, &pkg.ActionError{Action: "command", Msg: fmt.Sprintf("%q failed", cmd), Cause: err}
	}
	if rc != 0 {
		return nil, &pkg.ActionError{Action: "command", Msg: fmt.Sprintf("%q exited %d: %s", cmd, rc, strings.TrimSpace(stderr))}
	}
	return CommandOutput{Stdout: stdout, Stderr: stderr, Rc: rc, ran: true}, nil
}

func init() {
	pkg.RegisterModule("command", CommandModule{})
}
