package modules

import (
	"fmt"
	"os"
	"reflect"

	"github.com/tierctl/tierctl/pkg"
)

// TemplateModule renders a template from the role's templates directory and
// deploys the result. Rendering is deterministic, so repeated runs with the
// same facts converge to no-op writes.
type TemplateModule struct{}

func (tm TemplateModule) InputType() reflect.Type {
	return reflect.TypeOf(TemplateInput{})
}

type TemplateInput struct {
	Src  string `yaml:"src"`
	Dest string `yaml:"dest"`
	Mode string `yaml:"mode"`
}

type TemplateOutput struct {
	Dest string
	Diff pkg.Diff
}

func (i TemplateInput) Validate() error {
	if i.Src == "" {
		return fmt.Errorf("missing required parameter. Src should be given")
	}
	if i.Dest == "" {
		return fmt.Errorf("missing required parameter. Dest should be given")
	}
	return nil
}

func (i TemplateInput) GetVariableUsage() []string {
	return append(pkg.GetVariableUsageFromTemplate(i.Src), pkg.GetVariableUsageFromTemplate(i.Dest)...)
}

func (o TemplateOutput) String() string {
	return fmt.Sprintf("  dest: %s\n  diff: %s\n", o.Dest, o.Diff)
}

func (o TemplateOutput) Changed() bool {
	return o.Diff.Changed()
}

// render resolves the source template and renders it under the closure's
// facts. An unresolved variable fails the task before anything is written.
func (tm TemplateModule) render(input TemplateInput, c *pkg.Closure) (string, string, error) {
	src, err := pkg.TemplateString(input.Src, c)
	if err != nil {
		return "", "", err
	}
	dest, err := pkg.TemplateString(input.Dest, c)
	if err != nil {
		return "", "", err
	}
	path, err := pkg.ResolveLocalSrc(src, "templates", c)
	if err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read template %s: %w", path, err)
	}
	rendered, err := pkg.Render(string(data), c.GetFacts())
	if err != nil {
		return "", "", err
	}
	return rendered, dest, nil
}

func (tm TemplateModule) Probe(params pkg.ModuleInput, c *pkg.Closure) (pkg.Diff, error) {
	input, ok := params.(TemplateInput)
	if !ok {
		return pkg.Diff{}, fmt.Errorf("Probe: incorrect parameter type: expected TemplateInput, got %T", params)
	}
	rendered, dest, err := tm.render(input, c)
	if err != nil {
		return pkg.Diff{}, err
	}
	return pkg.ProbeArtifact(c.HostContext, rendered, dest)
}

func (tm TemplateModule) Apply(params pkg.ModuleInput, c *pkg.Closure) (pkg.ModuleOutput, error) {
	input, ok := params.(TemplateInput)
	if !ok {
		return nil, fmt.Errorf("Apply: incorrect parameter type: expected TemplateInput, got %T", params)
	}
	rendered, dest, err := tm.render(input, c)
	if err != nil {
		return nil, err
	}
	diff, err := pkg.DeployArtifact(c.HostContext, rendered, dest)
	if err != nil {
		return nil, &pkg.ActionError{Action: "template", Msg: fmt.Sprintf("failed to deploy %s", dest), Cause: err}
	}
	if input.Mode != "" {
		if err := c.HostContext.SetFileMode(dest, input.Mode); err != nil {
			return nil, &pkg.ActionError{Action: "template", Msg: fmt.Sprintf("failed to set mode on %s", dest), Cause: err}
		}
	}
	return TemplateOutput{Dest: dest, Diff: diff}, nil
}

func init() {
	pkg.RegisterModule("template", TemplateModule{})
}
