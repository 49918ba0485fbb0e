package runtime

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// CommandResult represents the result of a command execution
type CommandResult struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Error    error
}

func NewCommandResult(command string, exitCode int, stdout string, stderr string, err error) *CommandResult {
	return &CommandResult{
		Command:  command,
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Error:    err,
	}
}

// CommandOptions holds configuration for command execution
type CommandOptions struct {
	Username string
	UseShell bool
	UseSudo  bool
}

// NewCommandOptions creates a new CommandOptions with sensible defaults
func NewCommandOptions() *CommandOptions {
	return &CommandOptions{}
}

// WithUsername sets the user the command runs as, via sudo.
func (co *CommandOptions) WithUsername(username string) *CommandOptions {
	co.Username = username
	co.UseSudo = username != ""
	return co
}

// WithShell enables shell execution
func (co *CommandOptions) WithShell() *CommandOptions {
	co.UseShell = true
	return co
}

// escapeShellCommand escapes a command for use within sh -c '...'
func escapeShellCommand(command string) string {
	escaped := strings.ReplaceAll(command, "\r\n", "\n")
	return strings.ReplaceAll(escaped, "'", "'\\''")
}

// buildCommand wraps a command according to the options: shell first, then
// sudo, so the whole pipeline runs as the target user.
func buildCommand(command string, opts *CommandOptions) string {
	cmd := command
	if opts.UseShell {
		cmd = fmt.Sprintf("sh -c '%s'", escapeShellCommand(cmd))
	}
	if opts.UseSudo && opts.Username != "" {
		cmd = fmt.Sprintf("sudo -n -u %s %s", opts.Username, cmd)
	}
	return cmd
}

// parseFileMode parses an octal mode string like "0644" or "755".
func parseFileMode(modeStr string) (os.FileMode, error) {
	parsed, err := strconv.ParseUint(strings.TrimPrefix(modeStr, "0o"), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %q: %w", modeStr, err)
	}
	return os.FileMode(parsed), nil
}
