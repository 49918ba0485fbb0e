package pkg

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Binding maps one inventory group onto one role. The ordered list of
// bindings in a play defines the tiers of the run.
type Binding struct {
	Group string `yaml:"group"`
	Role  string `yaml:"role"`
}

// Play is the top-level document: an ordered list of (group, role) bindings.
type Play struct {
	Name  string    `yaml:"name"`
	Tiers []Binding `yaml:"tiers"`

	// dir anchors relative role paths.
	dir string
}

// Stage is one tier of an execution plan: the hosts of the bound group and
// the role applied to each of them. Stages run strictly in order; hosts
// within a stage run concurrently.
type Stage struct {
	Group string
	Role  *Role
	Hosts []*Host
}

// ExecutionPlan is the bound, ready-to-run form of a play.
type ExecutionPlan struct {
	Name   string
	Stages []Stage
}

// LoadPlay reads and parses a play document from disk.
func LoadPlay(path string) (*Play, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read play file %s: %w", path, err)
	}
	var play Play
	if err := yaml.Unmarshal(data, &play); err != nil {
		return nil, fmt.Errorf("failed to parse play %s: %w", path, err)
	}
	if len(play.Tiers) == 0 {
		return nil, fmt.Errorf("play %s declares no tiers", path)
	}
	play.dir = filepath.Dir(path)
	return &play, nil
}

// Bind resolves a play against the inventory: every tier's group must exist
// and be non-empty, and every role document must load and validate. No host
// is touched.
func (p *Play) Bind(inv *Inventory) (*ExecutionPlan, error) {
	plan := &ExecutionPlan{Name: p.Name}

	for _, binding := range p.Tiers {
		hosts, err := inv.HostsForGroup(binding.Group)
		if err != nil {
			return nil, err
		}

		rolePath := binding.Role
		if !filepath.IsAbs(rolePath) {
			rolePath = filepath.Join(p.dir, rolePath)
		}
		role, err := LoadRole(rolePath)
		if err != nil {
			return nil, err
		}

		plan.Stages = append(plan.Stages, Stage{
			Group: binding.Group,
			Role:  role,
			Hosts: hosts,
		})
	}

	return plan, nil
}

// HostCount returns the number of host slots across all stages. A host bound
// in two tiers counts twice, since it runs once per tier.
func (p *ExecutionPlan) HostCount() int {
	n := 0
	for _, stage := range p.Stages {
		n += len(stage.Hosts)
	}
	return n
}
