package modules

import (
	"fmt"
	"os"
	"reflect"

	"github.com/tierctl/tierctl/pkg"
)

// CopyModule deploys static content to a path on the host. Content comes
// either inline or from a source file next to the role.
type CopyModule struct{}

func (cm CopyModule) InputType() reflect.Type {
	return reflect.TypeOf(CopyInput{})
}

type CopyInput struct {
	Src     string `yaml:"src"`
	Content string `yaml:"content"`
	Dest    string `yaml:"dest"`
	Mode    string `yaml:"mode"`
}

type CopyOutput struct {
	Dest string
	Diff pkg.Diff
}

func (i CopyInput) Validate() error {
	if i.Dest == "" {
		return fmt.Errorf("missing required parameter. Dest should be given")
	}
	if i.Src == "" && i.Content == "" {
		return fmt.Errorf("missing required parameter. Either Src or Content should be given")
	}
	if i.Src != "" && i.Content != "" {
		return fmt.Errorf("conflicting parameters. Only one of Src or Content should be given")
	}
	return nil
}

func (i CopyInput) GetVariableUsage() []string {
	usage := pkg.GetVariableUsageFromTemplate(i.Src)
	usage = append(usage, pkg.GetVariableUsageFromTemplate(i.Content)...)
	return append(usage, pkg.GetVariableUsageFromTemplate(i.Dest)...)
}

func (o CopyOutput) String() string {
	return fmt.Sprintf("  dest: %s\n  diff: %s\n", o.Dest, o.Diff)
}

func (o CopyOutput) Changed() bool {
	return o.Diff.Changed()
}

// desiredContent resolves the declared content: inline wins, otherwise the
// source file is read from the controller. Inline content is templated under
// the host's facts before any compare.
func (cm CopyModule) desiredContent(input CopyInput, c *pkg.Closure) (string, string, error) {
	dest, err := pkg.TemplateString(input.Dest, c)
	if err != nil {
		return "", "", err
	}
	if input.Content != "" {
		content, err := pkg.TemplateString(input.Content, c)
		if err != nil {
			return "", "", err
		}
		return content, dest, nil
	}
	src, err := pkg.TemplateString(input.Src, c)
	if err != nil {
		return "", "", err
	}
	path, err := pkg.ResolveLocalSrc(src, "files", c)
	if err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read source file %s: %w", path, err)
	}
	return string(data), dest, nil
}

func (cm CopyModule) Probe(params pkg.ModuleInput, c *pkg.Closure) (pkg.Diff, error) {
	input, ok := params.(CopyInput)
	if !ok {
		return pkg.Diff{}, fmt.Errorf("Probe: incorrect parameter type: expected CopyInput, got %T", params)
	}
	content, dest, err := cm.desiredContent(input, c)
	if err != nil {
		return pkg.Diff{}, err
	}
	return pkg.ProbeArtifact(c.HostContext, content, dest)
}

func (cm CopyModule) Apply(params pkg.ModuleInput, c *pkg.Closure) (pkg.ModuleOutput, error) {
	input, ok := params.(CopyInput)
	if !ok {
		return nil, fmt.Errorf("Apply: incorrect parameter type: expected CopyInput, got %T", params)
	}
	content, dest, err := cm.desiredContent(input, c)
	if err != nil {
		return nil, err
	}
	diff, err := pkg.DeployArtifact(c.HostContext, content, dest)
	if err != nil {
		return nil, &pkg.ActionError{Action: "copy", Msg: fmt.Sprintf("failed to deploy %s", dest), Cause: err}
	}
	if input.Mode != "" {
		if err := c.HostContext.SetFileMode(dest, input.Mode); err != nil {
			return nil, &pkg.ActionError{Action: "copy", Msg: fmt.Sprintf("failed to set mode on %s", dest), Cause: err}
		}
	}
	return CopyOutput{Dest: dest, Diff: diff}, nil
}

func init() {
	pkg.RegisterModule("copy", CopyModule{})
}
