package modules

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/tierctl/tierctl/pkg"
)

// PackageModule manages apt packages: install, remove, or track latest.
type PackageModule struct{}

func (pm PackageModule) InputType() reflect.Type {
	return reflect.TypeOf(PackageInput{})
}

// PackageInput defines the parameters for the package module.
type PackageInput struct {
	Name        interface{} `yaml:"name"` // package name (string or list of strings)
	State       string      `yaml:"state"`
	UpdateCache bool        `yaml:"update_cache"`
}

// PackageOutput defines the output of the package module.
type PackageOutput struct {
	Packages []string `yaml:"packages"`
	State    string   `yaml:"state"`
	Stdout   string   `yaml:"stdout"`
	changed  bool
}

func (o PackageOutput) String() string {
	return fmt.Sprintf("  packages: %v\n  state: %s\n", o.Packages, o.State)
}

func (o PackageOutput) Changed() bool {
	return o.changed
}

func (i PackageInput) packageNames() ([]string, error) {
	switch v := i.Name.(type) {
	case string:
		if v == "" {
			return nil, fmt.Errorf("package name is empty")
		}
		return []string{v}, nil
	case []interface{}:
		var names []string
		for _, item := range v {
			name, ok := item.(string)
			if !ok || name == "" {
				return nil, fmt.Errorf("package list contains a non-string entry: %v", item)
			}
			names = append(names, name)
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("package list is empty")
		}
		return names, nil
	default:
		return nil, fmt.Errorf("package name must be a string or list of strings, got %T", i.Name)
	}
}

func (i PackageInput) state() string {
	if i.State == "" {
		return "present"
	}
	return i.State
}

func (i PackageInput) Validate() error {
	if _, err := i.packageNames(); err != nil {
		return err
	}
	switch i.state() {
	case "present", "absent", "latest":
		return nil
	default:
		return fmt.Errorf("invalid package state %q, expected present, absent or latest", i.State)
	}
}

func (i PackageInput) GetVariableUsage() []string {
	names, err := i.packageNames()
	if err != nil {
		return nil
	}
	var vars []string
	for _, name := range names {
		vars = append(vars, pkg.GetVariableUsageFromTemplate(name)...)
	}
	return vars
}

// templatedNames resolves template expressions in the package names.
func (i PackageInput) templatedNames(closure *pkg.Closure) ([]string, error) {
	names, err := i.packageNames()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		templated, err := pkg.TemplateString(name, closure)
		if err != nil {
			return nil, err
		}
		out = append(out, templated)
	}
	return out, nil
}

// isInstalled asks dpkg whether a package is fully installed.
func (pm PackageModule) isInstalled(name string, c *pkg.Closure, runAs string) (bool, error) {
	rc, stdout, _, err := c.HostContext.RunCommand(fmt.Sprintf("dpkg-query -W -f=${Status} %s", name), runAs)
	if err != nil || rc != 0 {
		// dpkg-query exits nonzero for unknown packages.
		return false, nil
	}
	return strings.Contains(stdout, "install ok installed"), nil
}

func (pm PackageModule) Probe(params pkg.ModuleInput, c *pkg.Closure) (pkg.Diff, error) {
	input, ok := params.(PackageInput)
	if !ok {
		return pkg.Diff{}, fmt.Errorf("Probe: incorrect parameter type: expected PackageInput, got %T", params)
	}

	names, err := input.templatedNames(c)
	if err != nil {
		return pkg.Diff{}, err
	}

	// latest has no stable current state: converge every run.
	if input.state() == "latest" {
		return pkg.Diff{Before: "unknown", After: fmt.Sprintf("latest %v", names)}, nil
	}

	var divergent []string
	for _, name := range names {
		installed, err := pm.isInstalled(name, c, "")
		if err != nil {
			return pkg.Diff{}, err
		}
		switch input.state() {
		case "present":
			if !installed {
				divergent = append(divergent, name)
			}
		case "absent":
			if installed {
				divergent = append(divergent, name)
			}
		}
	}

	if len(divergent) == 0 {
		return pkg.NoChangeDiff(fmt.Sprintf("%s %v", input.state(), names)), nil
	}
	opposite := map[string]string{"present": "absent", "absent": "present"}
	return pkg.Diff{
		Before: fmt.Sprintf("%s %v", opposite[input.state()], divergent),
		After:  fmt.Sprintf("%s %v", input.state(), divergent),
	}, nil
}

func (pm PackageModule) Apply(params pkg.ModuleInput, c *pkg.Closure) (pkg.ModuleOutput, error) {
	input, ok := params.(PackageInput)
	if !ok {
		return nil, fmt.Errorf("Apply: incorrect parameter type: expected PackageInput, got %T", params)
	}

	names, err := input.templatedNames(c)
	if err != nil {
		return nil, err
	}

	if input.UpdateCache {
		if rc, _, stderr, err := c.HostContext.RunCommand("apt-get update -q", ""); err != nil || rc != 0 {
			return nil, &pkg.ActionError{Action: "package", Msg: fmt.Sprintf("apt-get update failed: %s", stderr), Cause: err}
		}
	}

	var command string
	switch input.state() {
	case "present":
		command = fmt.Sprintf("apt-get install -y -q %s", strings.Join(names, " "))
	case "latest":
		command = fmt.Sprintf("apt-get install -y -q --only-upgrade %s", strings.Join(names, " "))
	case "absent":
		command = fmt.Sprintf("apt-get remove -y -q %s", strings.Join(names, " "))
	}

	rc, stdout, stderr, err := c.HostContext.RunCommand(command, "")
	if err != nil || rc != 0 {
		return nil, &pkg.ActionError{Action: "package", Msg: fmt.Sprintf("exit %d: %s", rc, stderr), Cause: err}
	}

	return PackageOutput{Packages: names, State: input.state(), Stdout: stdout, changed: true}, nil
}

func init() {
	pkg.RegisterModule("package", PackageModule{})
}
