package pkg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Inventory represents the complete inventory: hosts grouped by tier role,
// plus variables at global, group and host scope.
type Inventory struct {
	Vars   map[string]interface{}
	Groups map[string]*Group
	Hosts  map[string]*Host

	// groupOrder preserves the declaration order of groups in the document,
	// which decides variable precedence between groups (later wins).
	groupOrder []string
}

// Host represents a single host in the inventory. Hosts are immutable for the
// duration of a run.
type Host struct {
	Name           string
	Address        string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	PrivateKeyFile string `yaml:"private_key_file"`
	IsLocal        bool
	Vars           map[string]interface{}

	// groups holds membership in declaration order, first joined first.
	groups []string
}

// Group is a pure grouping and variable-scoping construct.
type Group struct {
	Name  string
	Vars  map[string]interface{}
	hosts []*Host
}

func (h *Host) String() string {
	return h.Name
}

// Groups returns the group names this host belongs to, in declaration order.
func (h *Host) Groups() []string {
	return append([]string(nil), h.groups...)
}

// Hosts returns the group's member hosts in declaration order.
func (g *Group) Hosts() []*Host {
	return append([]*Host(nil), g.hosts...)
}

// LoadInventory reads and parses an inventory document from disk.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &InventoryError{Msg: fmt.Sprintf("failed to read inventory file %s", path), Cause: err}
	}
	return ParseInventory(data)
}

// ParseInventory parses an inventory document. Top-level keys are groups with
// `hosts` and `vars` subkeys, except `vars` which holds global variables.
// Declaration order of groups and hosts is preserved.
func ParseInventory(data []byte) (*Inventory, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &InventoryError{Msg: "malformed inventory document", Cause: err}
	}

	inv := &Inventory{
		Vars:   make(map[string]interface{}),
		Groups: make(map[string]*Group),
		Hosts:  make(map[string]*Host),
	}

	if len(root.Content) == 0 {
		return nil, &InventoryError{Msg: "inventory document is empty"}
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, &InventoryError{Msg: "inventory document must be a mapping"}
	}

	// Mapping nodes hold alternating key/value children in document order.
	for i := 0; i+1 < len(doc.Content); i += 2 {
		keyNode := doc.Content[i]
		valNode := doc.Content[i+1]

		if keyNode.Value == "vars" {
			if err := valNode.Decode(&inv.Vars); err != nil {
				return nil, &InventoryError{Msg: "malformed global vars", Cause: err}
			}
			continue
		}

		group, err := parseGroup(keyNode.Value, valNode, inv)
		if err != nil {
			return nil, err
		}
		inv.Groups[group.Name] = group
		inv.groupOrder = append(inv.groupOrder, group.Name)
	}

	return inv, nil
}

func parseGroup(name string, node *yaml.Node, inv *Inventory) (*Group, error) {
	group := &Group{Name: name, Vars: make(map[string]interface{})}
	if node.Kind != yaml.MappingNode {
		return nil, &InventoryError{Msg: fmt.Sprintf("group %q must be a mapping", name)}
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valNode := node.Content[i+1]

		switch keyNode.Value {
		case "vars":
			if err := valNode.Decode(&group.Vars); err != nil {
				return nil, &InventoryError{Msg: fmt.Sprintf("malformed vars for group %q", name), Cause: err}
			}
		case "hosts":
			if valNode.Kind != yaml.MappingNode {
				return nil, &InventoryError{Msg: fmt.Sprintf("hosts of group %q must be a mapping", name)}
			}
			for j := 0; j+1 < len(valNode.Content); j += 2 {
				hostName := valNode.Content[j].Value
				host, err := parseHost(hostName, valNode.Content[j+1])
				if err != nil {
					return nil, err
				}
				// A host may appear in several groups; the first occurrence
				// owns the connection parameters.
				if existing, ok := inv.Hosts[hostName]; ok {
					existing.groups = append(existing.groups, name)
					group.hosts = append(group.hosts, existing)
					continue
				}
				host.groups = append(host.groups, name)
				inv.Hosts[hostName] = host
				group.hosts = append(group.hosts, host)
			}
		default:
			return nil, &InventoryError{Msg: fmt.Sprintf("unknown key %q in group %q", keyNode.Value, name)}
		}
	}

	return group, nil
}

func parseHost(name string, node *yaml.Node) (*Host, error) {
	host := &Host{Name: name, Vars: make(map[string]interface{})}

	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		// Bare host entry: address defaults to the name.
		host.Address = name
	} else {
		var raw map[string]interface{}
		if err := node.Decode(&raw); err != nil {
			return nil, &InventoryError{Msg: fmt.Sprintf("malformed host entry %q", name), Cause: err}
		}
		if err := node.Decode(host); err != nil {
			return nil, &InventoryError{Msg: fmt.Sprintf("malformed host entry %q", name), Cause: err}
		}
		// Unknown fields become host-scoped variables.
		knownFields := map[string]bool{
			"host": true, "port": true, "user": true, "private_key_file": true,
		}
		for k, v := range raw {
			if !knownFields[k] {
				host.Vars[k] = v
			}
		}
	}

	if host.Address == "" {
		host.Address = name
	}
	if host.Address == "localhost" || host.Address == "127.0.0.1" {
		host.IsLocal = true
	}
	return host, nil
}

// HostsForGroup returns the ordered member hosts of the named group, or an
// InventoryError if the group is unknown or empty.
func (i *Inventory) HostsForGroup(name string) ([]*Host, error) {
	group, ok := i.Groups[name]
	if !ok {
		return nil, &InventoryError{Msg: fmt.Sprintf("group %q not found in inventory", name)}
	}
	if len(group.hosts) == 0 {
		return nil, &InventoryError{Msg: fmt.Sprintf("group %q has no hosts", name)}
	}
	return group.Hosts(), nil
}

// GetHostByName returns a host by name from the inventory
func (i *Inventory) GetHostByName(name string) (*Host, error) {
	host, ok := i.Hosts[name]
	if !ok {
		return nil, &InventoryError{Msg: fmt.Sprintf("host %q not found in inventory", name)}
	}
	return host, nil
}

// InitialVarsForHost layers variables for a host. Precedence low to high:
// global vars, group vars in group declaration order (later group overrides
// earlier), host-specific vars.
func (i *Inventory) InitialVarsForHost(host *Host) map[string]interface{} {
	vars := make(map[string]interface{})

	for k, v := range i.Vars {
		vars[k] = v
	}

	memberOf := make(map[string]bool, len(host.groups))
	for _, name := range host.groups {
		memberOf[name] = true
	}
	for _, name := range i.groupOrder {
		if !memberOf[name] {
			continue
		}
		for k, v := range i.Groups[name].Vars {
			vars[k] = v
		}
	}

	for k, v := range host.Vars {
		vars[k] = v
	}

	return vars
}
