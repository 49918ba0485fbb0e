package modules

import (
	"errors"
	"fmt"
	"os"
	"reflect"

	"github.com/tierctl/tierctl/pkg"
)

// FileModule manages paths on the host: directories, empty files, absence,
// and modes.
type FileModule struct{}

func (fm FileModule) InputType() reflect.Type {
	return reflect.TypeOf(FileInput{})
}

type FileInput struct {
	Path  string `yaml:"path"`
	State string `yaml:"state"` // directory, touch, absent
	Mode  string `yaml:"mode"`
	Owner string `yaml:"owner"`
}

type FileOutput struct {
	Path  string
	State pkg.StateChange[string]
}

func (i FileInput) Validate() error {
	if i.Path == "" {
		return fmt.Errorf("missing required parameter. Path should be given")
	}
	switch i.State {
	case "directory", "touch", "absent":
		return nil
	case "":
		return fmt.Errorf("missing required parameter. State should be given")
	default:
		return fmt.Errorf("invalid file state %q, expected directory, touch or absent", i.State)
	}
}

func (i FileInput) GetVariableUsage() []string {
	return append(pkg.GetVariableUsageFromTemplate(i.Path), pkg.GetVariableUsageFromTemplate(i.Owner)...)
}

func (o FileOutput) String() string {
	return fmt.Sprintf("  path: %s\n  state: %s -> %s\n", o.Path, o.State.Before, o.State.After)
}

func (o FileOutput) Changed() bool {
	return o.State.Changed()
}

// probePath classifies the current state of a path.
func (fm FileModule) probePath(path string, c *pkg.Closure) (string, error) {
	info, err := c.HostContext.Stat(path, false)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "absent", nil
		}
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "directory", nil
	}
	return "file", nil
}

func (i FileInput) desired() string {
	if i.State == "touch" {
		return "file"
	}
	return i.State
}

func (fm FileModule) Probe(params pkg.ModuleInput, c *pkg.Closure) (pkg.Diff, error) {
	input, ok := params.(FileInput)
	if !ok {
		return pkg.Diff{}, fmt.Errorf("Probe: incorrect parameter type: expected FileInput, got %T", params)
	}

	path, err := pkg.TemplateString(input.Path, c)
	if err != nil {
		return pkg.Diff{}, err
	}
	current, err := fm.probePath(path, c)
	if err != nil {
		return pkg.Diff{}, err
	}
	if current == input.desired() {
		// Mode drift still counts as divergence when a mode is declared.
		if input.Mode != "" && current != "absent" {
			info, err := c.HostContext.Stat(path, false)
			if err == nil {
				declared := fmt.Sprintf("%04o", modeBits(input.Mode))
				actual := fmt.Sprintf("%04o", info.Mode().Perm())
				if declared != actual {
					return pkg.Diff{Before: fmt.Sprintf("%smode %s", prefix(current), actual), After: fmt.Sprintf("%smode %s", prefix(current), declared)}, nil
				}
			}
		}
		return pkg.NoChangeDiff(current), nil
	}
	return pkg.Diff{Before: current, After: input.desired()}, nil
}

func prefix(state string) string {
	return state + " "
}

func modeBits(modeStr string) os.FileMode {
	var bits os.FileMode
	_, err := fmt.Sscanf(modeStr, "%o", &bits)
	if err != nil {
		return 0
	}
	return bits
}

func (fm FileModule) Apply(params pkg.ModuleInput, c *pkg.Closure) (pkg.ModuleOutput, error) {
	input, ok := params.(FileInput)
	if !ok {
		return nil, fmt.Errorf("Apply: incorrect parameter type: expected FileInput, got %T", params)
	}

	path, err := pkg.TemplateString(input.Path, c)
	if err != nil {
		return nil, err
	}
	before, err := fm.probePath(path, c)
	if err != nil {
		return nil, err
	}

	var command string
	switch input.State {
	case "directory":
		command = fmt.Sprintf("mkdir -p %s", path)
	case "touch":
		command = fmt.Sprintf("touch %s", path)
	case "absent":
		command = fmt.Sprintf("rm -rf %s", path)
	}
	if rc, _, stderr, err := c.HostContext.RunCommand(command, ""); err != nil || rc != 0 {
		return nil, &pkg.ActionError{Action: "file", Msg: fmt.Sprintf("%s failed: %s", command, stderr), Cause: err}
	}

	if input.State != "absent" && input.Mode != "" {
		if err := c.HostContext.SetFileMode(path, input.Mode); err != nil {
			return nil, &pkg.ActionError{Action: "file", Msg: fmt.Sprintf("failed to set mode on %s", path), Cause: err}
		}
	}
	if input.State != "absent" && input.Owner != "" {
		owner, err := pkg.TemplateString(input.Owner, c)
		if err != nil {
			return nil, err
		}
		if rc, _, stderr, err := c.HostContext.RunCommand(fmt.Sprintf("chown %s %s", owner, path), ""); err != nil || rc != 0 {
			return nil, &pkg.ActionError{Action: "file", Msg: fmt.Sprintf("chown failed: %s", stderr), Cause: err}
		}
	}

	after, err := fm.probePath(path, c)
	if err != nil {
		return nil, err
	}
	return FileOutput{Path: path, State: pkg.StateChange[string]{Before: before, After: after}}, nil
}

func init() {
	pkg.RegisterModule("file", FileModule{})
}
