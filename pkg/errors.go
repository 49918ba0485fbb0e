package pkg

import "fmt"

// InventoryError indicates malformed or inconsistent host/group data. It is
// fatal: the run aborts before any host is touched.
type InventoryError struct {
	Msg   string
	Cause error
}

func (e *InventoryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("inventory error: %s: %v", e.Msg, e.Cause)
	}
	return fmt.Sprintf("inventory error: %s", e.Msg)
}

func (e *InventoryError) Unwrap() error { return e.Cause }

// RenderError indicates a template or variable resolution failure. It fails
// the owning task.
type RenderError struct {
	Template string
	Cause    error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render error in %q: %v", e.Template, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }

// ActionError indicates a remote action exited nonzero or a probe returned an
// unexpected result. It fails the owning task.
type ActionError struct {
	Action string
	Msg    string
	Cause  error
}

func (e *ActionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("action %q failed: %s: %v", e.Action, e.Msg, e.Cause)
	}
	return fmt.Sprintf("action %q failed: %s", e.Action, e.Msg)
}

func (e *ActionError) Unwrap() error { return e.Cause }

// UnreachableHostError indicates the transport could not reach the host. The
// host fails immediately and its remaining tasks are not attempted.
type UnreachableHostError struct {
	Host  string
	Cause error
}

func (e *UnreachableHostError) Error() string {
	return fmt.Sprintf("host %s unreachable: %v", e.Host, e.Cause)
}

func (e *UnreachableHostError) Unwrap() error { return e.Cause }

// HandlerError indicates a notified handler failed. The host fails, but
// handlers that already ran are not undone.
type HandlerError struct {
	Handler string
	Cause   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %q failed: %v", e.Handler, e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// IgnoredTaskError wraps a task failure that was recorded but not allowed to
// fail the host because the task is marked ignorable.
type IgnoredTaskError struct {
	Cause error
}

func (e *IgnoredTaskError) Error() string {
	return fmt.Sprintf("ignored: %v", e.Cause)
}

func (e *IgnoredTaskError) Unwrap() error { return e.Cause }
