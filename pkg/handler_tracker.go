package pkg

import (
	"sync"

	"github.com/tierctl/tierctl/pkg/common"
)

// HandlerTracker tracks which handlers have been notified and which have
// already run. Notifications are deduplicated and drained in first-notified
// order, exactly once per host per run.
type HandlerTracker struct {
	mu       sync.RWMutex
	notified map[string]bool
	order    []string // first-notified order
	executed map[string]bool
	handlers map[string]Task
	hostName string
}

// NewHandlerTracker creates a new HandlerTracker for the given host and handlers
func NewHandlerTracker(hostName string, handlers []Task) *HandlerTracker {
	ht := &HandlerTracker{
		notified: make(map[string]bool),
		executed: make(map[string]bool),
		handlers: make(map[string]Task),
		hostName: hostName,
	}

	for _, handler := range handlers {
		ht.handlers[handler.Name] = handler
	}

	return ht
}

// Notify marks a handler as notified. Duplicate notifications are ignored;
// the first one decides dispatch order.
func (ht *HandlerTracker) Notify(handlerName string) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	if _, exists := ht.handlers[handlerName]; !exists {
		common.LogWarn("Handler not found", map[string]interface{}{
			"handler": handlerName,
			"host":    ht.hostName,
		})
		return
	}

	if !ht.notified[handlerName] {
		ht.notified[handlerName] = true
		ht.order = append(ht.order, handlerName)
		common.LogDebug("Handler notified", map[string]interface{}{
			"handler": handlerName,
			"host":    ht.hostName,
		})
	}
}

// NotifyAll marks multiple handlers as notified
func (ht *HandlerTracker) NotifyAll(handlerNames []string) {
	for _, handlerName := range handlerNames {
		ht.Notify(handlerName)
	}
}

// IsNotified checks if a handler has been notified
func (ht *HandlerTracker) IsNotified(handlerName string) bool {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	return ht.notified[handlerName]
}

// IsExecuted checks if a handler has been executed
func (ht *HandlerTracker) IsExecuted(handlerName string) bool {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	return ht.executed[handlerName]
}

// MarkExecuted marks a handler as executed
func (ht *HandlerTracker) MarkExecuted(handlerName string) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	ht.executed[handlerName] = true
}

// Pending returns the handlers that have been notified but not yet executed,
// in first-notified order.
func (ht *HandlerTracker) Pending() []Task {
	ht.mu.RLock()
	defer ht.mu.RUnlock()

	var pending []Task
	for _, name := range ht.order {
		if !ht.executed[name] {
			pending = append(pending, ht.handlers[name])
		}
	}
	return pending
}
