package pkg

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlexanderGrooff/jinja-go"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/tierctl/tierctl/pkg/common"
)

// Render renders a template against a variable mapping. It is pure: the same
// template and variables always produce the same bytes. An unresolved
// variable or malformed syntax returns a RenderError; references never
// silently render to an empty string.
func Render(template string, variables map[string]interface{}) (string, error) {
	refs, err := jinja.ParseVariables(template)
	if err != nil {
		return "", &RenderError{Template: truncate(template, 60), Cause: err}
	}
	for _, ref := range refs {
		name := ref
		if i := strings.IndexAny(name, ".["); i >= 0 {
			name = name[:i]
		}
		if _, ok := variables[name]; !ok {
			return "", &RenderError{Template: truncate(template, 60), Cause: fmt.Errorf("undefined variable %q", name)}
		}
	}
	out, err := jinja.TemplateString(template, variables)
	if err != nil {
		return "", &RenderError{Template: truncate(template, 60), Cause: err}
	}
	// Delimiters surviving the render mean the template never parsed.
	if strings.Contains(out, "{{") || strings.Contains(out, "{%") {
		return "", &RenderError{Template: truncate(template, 60), Cause: fmt.Errorf("template delimiters left unrendered")}
	}
	return out, nil
}

// TemplateString renders a template string under a closure's facts.
func TemplateString(s string, closure *Closure) (string, error) {
	if s == "" {
		return "", nil
	}
	context := closure.GetFacts()
	res, err := Render(s, context)
	if err != nil {
		return "", err
	}
	if s != res {
		common.DebugOutput("Templated %q into %q", s, res)
	}
	return res, nil
}

// EvaluateExpression evaluates a conditional expression under a closure's
// facts and reports its truthiness. Used for task skip conditions.
func EvaluateExpression(s string, closure *Closure) (bool, error) {
	context := closure.GetFacts()
	res, err := jinja.EvaluateExpression(s, context)
	if err != nil {
		return false, &RenderError{Template: truncate(s, 60), Cause: err}
	}
	return isTruthy(res), nil
}

func isTruthy(v interface{}) bool {
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	case string:
		return value != "" && value != "false" && value != "False"
	case int:
		return value != 0
	case int64:
		return value != 0
	case float64:
		return value != 0
	default:
		return true
	}
}

// ResolveLocalSrc locates a source artifact on the controller. Absolute paths
// are used as-is; relative paths resolve under the role directory, first in
// the given subdirectory and then directly, falling back to the working
// directory.
func ResolveLocalSrc(src, subdir string, c *Closure) (string, error) {
	if filepath.IsAbs(src) {
		return src, nil
	}
	var roots []string
	if v, ok := c.GetFact("role_path"); ok {
		if dir, ok := v.(string); ok && dir != "" {
			roots = append(roots, filepath.Join(dir, subdir), dir)
		}
	}
	roots = append(roots, subdir, ".")
	for _, root := range roots {
		candidate := filepath.Join(root, src)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("source artifact %s not found", src)
}

// ProbeArtifact compares rendered content against the target path without
// writing anything.
func ProbeArtifact(c *HostContext, rendered, dest string) (Diff, error) {
	current, err := c.ReadFile(dest)
	switch {
	case err == nil:
		if string(current) == rendered {
			return NoChangeDiff(contentDigest(rendered)), nil
		}
	case errors.Is(err, os.ErrNotExist):
		current = nil
	default:
		return Diff{}, fmt.Errorf("failed to read current content of %s: %w", dest, err)
	}
	return Diff{Before: contentDigest(string(current)), After: contentDigest(rendered)}, nil
}

// DeployArtifact writes rendered content to a target path on the host, but
// only when the current content differs byte-for-byte. Repeated runs with
// unchanged variables never report a change.
func DeployArtifact(c *HostContext, rendered, dest string) (Diff, error) {
	current, err := c.ReadFile(dest)
	switch {
	case err == nil:
		if string(current) == rendered {
			return NoChangeDiff(contentDigest(rendered)), nil
		}
	case errors.Is(err, os.ErrNotExist):
		current = nil
	default:
		return Diff{}, fmt.Errorf("failed to read current content of %s: %w", dest, err)
	}

	if err := c.WriteFile(dest, rendered); err != nil {
		return Diff{}, fmt.Errorf("failed to write %s: %w", dest, err)
	}

	common.LogDebug("Artifact deployed", map[string]interface{}{
		"host": c.Host.Name,
		"dest": dest,
		"diff": UnifiedDiff(string(current), rendered, dest),
	})
	return Diff{Before: contentDigest(string(current)), After: contentDigest(rendered)}, nil
}

// GetVariableUsageFromTemplate lists the variables a template references.
func GetVariableUsageFromTemplate(s string) []string {
	vars, err := jinja.ParseVariables(s)
	if err != nil {
		return nil
	}
	return vars
}

// UnifiedDiff renders a unified diff between old and new content.
func UnifiedDiff(before, after, path string) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return text
}

// contentDigest summarizes file content for diff display without dumping the
// whole file into the report. Distinct contents produce distinct digests so
// Diff.Changed stays truthful.
func contentDigest(content string) string {
	if content == "" {
		return "absent"
	}
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("sha256:%x (%d bytes)", sum[:8], len(content))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
