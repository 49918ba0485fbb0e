package pkg

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"gopkg.in/yaml.v3"
)

// Task is one ordered step of a role: a declared action kind with parameters,
// an optional skip condition, and the handlers it notifies on change.
type Task struct {
	Name         string
	Module       string
	Params       ModuleInput
	When         string
	Notify       []string
	Register     string
	Become       string
	IgnoreErrors bool
}

func (t Task) String() string {
	return t.Name
}

// Role is an ordered sequence of tasks plus the handlers they may notify.
// Handlers share the Task shape but only run when notified, at most once per
// host per run.
type Role struct {
	Name     string
	Tasks    []Task
	Handlers []Task
	Vars     map[string]interface{}
	dir      string
}

// Dir is the directory the role was loaded from. Source artifacts (copy src,
// template src) resolve relative to it.
func (r *Role) Dir() string {
	return r.dir
}

// taskFields are the task keys that are not module names.
var taskFields = map[string]bool{
	"name":          true,
	"when":          true,
	"notify":        true,
	"register":      true,
	"become":        true,
	"ignore_errors": true,
}

// UnmarshalYAML parses a task entry. Exactly one non-field key must name a
// registered module; its value decodes into that module's input type.
func (t *Task) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("task entry must be a mapping")
	}

	type taskMeta struct {
		Name         string     `yaml:"name"`
		When         string     `yaml:"when"`
		Notify       stringList `yaml:"notify"`
		Register     string     `yaml:"register"`
		Become       string     `yaml:"become"`
		IgnoreErrors bool       `yaml:"ignore_errors"`
	}
	var meta taskMeta
	if err := node.Decode(&meta); err != nil {
		return fmt.Errorf("failed to decode task fields: %w", err)
	}
	t.Name = meta.Name
	t.When = meta.When
	t.Notify = meta.Notify
	t.Register = meta.Register
	t.Become = meta.Become
	t.IgnoreErrors = meta.IgnoreErrors

	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if taskFields[key] {
			continue
		}
		module, ok := GetModule(key)
		if !ok {
			return fmt.Errorf("task %q uses unknown module %q", t.Name, key)
		}
		if t.Module != "" {
			return fmt.Errorf("task %q declares both %q and %q, only one module allowed", t.Name, t.Module, key)
		}

		inputPtr := reflect.New(module.InputType())
		if err := node.Content[i+1].Decode(inputPtr.Interface()); err != nil {
			return fmt.Errorf("failed to decode %q params of task %q: %w", key, t.Name, err)
		}
		params, ok := inputPtr.Elem().Interface().(ModuleInput)
		if !ok {
			return fmt.Errorf("module %q input type does not implement ModuleInput", key)
		}
		t.Module = key
		t.Params = params
	}

	if t.Module == "" {
		return fmt.Errorf("task %q declares no module", t.Name)
	}
	return nil
}

// stringList accepts either a single string or a list of strings.
type stringList []string

func (s *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		*s = []string{single}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("expected string or list of strings")
	}
}

// LoadRole reads and parses a role document from disk.
func LoadRole(path string) (*Role, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read role file %s: %w", path, err)
	}
	role, err := ParseRole(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse role %s: %w", path, err)
	}
	role.dir = filepath.Dir(path)
	return role, nil
}

// ParseRole parses a role document and validates its invariants: every task
// carries a valid module, handler names are unique, and every notified
// handler exists.
func ParseRole(data []byte) (*Role, error) {
	var doc struct {
		Name     string                 `yaml:"name"`
		Vars     map[string]interface{} `yaml:"vars"`
		Tasks    []Task                 `yaml:"tasks"`
		Handlers []Task                 `yaml:"handlers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("role document has no name")
	}

	role := &Role{
		Name:     doc.Name,
		Tasks:    doc.Tasks,
		Handlers: doc.Handlers,
		Vars:     doc.Vars,
	}
	if err := role.Validate(); err != nil {
		return nil, err
	}
	return role, nil
}

// Validate checks task parameters, handler name uniqueness and notify
// references.
func (r *Role) Validate() error {
	handlerNames := make(map[string]bool, len(r.Handlers))
	for _, handler := range r.Handlers {
		if handler.Name == "" {
			return fmt.Errorf("role %q has a handler without a name", r.Name)
		}
		if handlerNames[handler.Name] {
			return fmt.Errorf("role %q declares handler %q twice", r.Name, handler.Name)
		}
		handlerNames[handler.Name] = true
		if err := handler.Params.Validate(); err != nil {
			return fmt.Errorf("handler %q of role %q: %w", handler.Name, r.Name, err)
		}
	}

	for _, task := range r.Tasks {
		if err := task.Params.Validate(); err != nil {
			return fmt.Errorf("task %q of role %q: %w", task.Name, r.Name, err)
		}
		for _, notified := range task.Notify {
			if !handlerNames[notified] {
				return fmt.Errorf("task %q of role %q notifies unknown handler %q", task.Name, r.Name, notified)
			}
		}
	}
	return nil
}
