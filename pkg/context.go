package pkg

import (
	"fmt"
	"os"
	"sync"

	"github.com/tierctl/tierctl/pkg/common"
	"github.com/tierctl/tierctl/pkg/config"
	"github.com/tierctl/tierctl/pkg/runtime"
)

// HostContext is the per-host run state: the transport connection, layered
// facts, registered task outputs and the pending-handler set. Host contexts
// never share mutable state with each other.
type HostContext struct {
	Host           *Host
	Facts          *sync.Map
	History        *sync.Map
	HandlerTracker *HandlerTracker
	Report         *HostReport
	conn           runtime.Connection
	becomeUser     string
}

// NewHostContext wires a host to an established connection and seeds its
// fact layers: gathered facts lowest, then role vars, then inventory vars
// (global, group, host) on top.
func NewHostContext(host *Host, conn runtime.Connection, layers ...map[string]interface{}) *HostContext {
	hc := &HostContext{
		Host:    host,
		Facts:   new(sync.Map),
		History: new(sync.Map),
		Report:  &HostReport{Host: host.Name},
		conn:    conn,
	}
	for _, layer := range layers {
		for k, v := range layer {
			hc.Facts.Store(k, v)
		}
	}
	hc.Facts.Store("inventory_hostname", host.Name)
	return hc
}

// Connection exposes the transport for modules that need raw file access.
func (c *HostContext) Connection() runtime.Connection {
	return c.conn
}

// SetBecomeUser sets the user commands run as when the caller does not name
// one. Host contexts run tasks sequentially, so this is not synchronized.
func (c *HostContext) SetBecomeUser(user string) {
	c.becomeUser = user
}

// RunCommand executes a command on the host through a shell, optionally as
// another user.
func (c *HostContext) RunCommand(command, username string) (int, string, string, error) {
	if username == "" {
		username = c.becomeUser
	}
	opts := runtime.NewCommandOptions().WithShell().WithUsername(username)
	result, err := c.conn.ExecuteCommand(command, opts)
	if err != nil {
		return -1, "", "", err
	}
	return result.ExitCode, result.Stdout, result.Stderr, result.Error
}

// ReadFile reads a file on the host. A missing file returns os.ErrNotExist.
func (c *HostContext) ReadFile(filename string) ([]byte, error) {
	return c.conn.ReadFile(filename)
}

// WriteFile writes contents to a file on the host.
func (c *HostContext) WriteFile(filename, contents string) error {
	return c.conn.WriteFile(filename, contents)
}

// Stat retrieves file info on the host.
func (c *HostContext) Stat(path string, follow bool) (os.FileInfo, error) {
	return c.conn.Stat(path, follow)
}

// SetFileMode sets the mode of a file on the host.
func (c *HostContext) SetFileMode(path, mode string) error {
	return c.conn.SetFileMode(path, mode)
}

// RegisterOutput stores a task's output facts under the registered name.
func (c *HostContext) RegisterOutput(name string, output ModuleOutput) {
	facts := map[string]interface{}{"changed": output.Changed()}
	if provider, ok := output.(FactProvider); ok {
		for k, v := range provider.Facts() {
			facts[k] = v
		}
	}
	c.Facts.Store(name, facts)
}

// InitializeHandlerTracker initializes the HandlerTracker with the role's handlers
func (c *HostContext) InitializeHandlerTracker(handlers []Task) {
	c.HandlerTracker = NewHandlerTracker(c.Host.Name, handlers)
}

func (c *HostContext) Close() error {
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		if err != nil {
			common.LogWarn("Failed to close host connection", map[string]interface{}{
				"host":  c.Host.Name,
				"error": err.Error(),
			})
		}
		return err
	}
	return nil
}

// Closure carries the fact view a single task executes under: the host
// context plus task-scoped extra facts.
type Closure struct {
	HostContext *HostContext
	ExtraFacts  map[string]interface{}
	Config      *config.Config
}

func ConstructClosure(hc *HostContext, cfg *config.Config) *Closure {
	return &Closure{
		HostContext: hc,
		ExtraFacts:  make(map[string]interface{}),
		Config:      cfg,
	}
}

// GetFacts flattens the fact layers into one map. Extra facts win over host
// facts; the host object itself is reachable under "host".
func (c *Closure) GetFacts() map[string]interface{} {
	context := make(map[string]interface{})
	if c == nil {
		return context
	}

	if c.HostContext != nil && c.HostContext.Host != nil {
		context["host"] = c.HostContext.Host
	}

	if c.HostContext != nil && c.HostContext.Facts != nil {
		c.HostContext.Facts.Range(func(key, value interface{}) bool {
			if k, ok := key.(string); ok {
				context[k] = value
			}
			return true
		})
	}

	for k, v := range c.ExtraFacts {
		context[k] = v
	}

	return context
}

// GetFact resolves a single fact, extra facts first.
func (c *Closure) GetFact(key string) (interface{}, bool) {
	if v, ok := c.ExtraFacts[key]; ok {
		return v, true
	}
	return c.HostContext.Facts.Load(key)
}

func (c *Closure) String() string {
	return fmt.Sprintf("closure[%s]", c.HostContext.Host.Name)
}
