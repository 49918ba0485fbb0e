package runtime

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/shlex"
	"github.com/tierctl/tierctl/pkg/common"
)

// LocalConnection runs actions on the machine the engine itself runs on.
type LocalConnection struct{}

func NewLocalConnection() *LocalConnection {
	return &LocalConnection{}
}

func (lc *LocalConnection) Close() error {
	return nil
}

func (lc *LocalConnection) ExecuteCommand(command string, opts *CommandOptions) (*CommandResult, error) {
	if command == "" {
		return nil, fmt.Errorf("command is empty")
	}

	cmdToRun := buildCommand(command, opts)
	var stdout, stderr bytes.Buffer

	splitCmd, err := shlex.Split(cmdToRun)
	if err != nil {
		return nil, fmt.Errorf("failed to split command %s: %v", command, err)
	}
	prog := splitCmd[0]
	args := splitCmd[1:]
	absProg, err := exec.LookPath(prog)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s in $PATH: %v", prog, err)
	}
	cmd := exec.Command(absProg, args...)

	common.DebugOutput("Running command: %s", cmd.String())
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	rc := 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			rc = exitError.ExitCode()
		} else {
			rc = -1
		}
		return NewCommandResult(cmd.String(), rc, stdout.String(), stderr.String(),
			fmt.Errorf("failed to execute command %q: %v", cmd.String(), err)), nil
	}

	return NewCommandResult(cmd.String(), rc, stdout.String(), stderr.String(), nil), nil
}

// Stat retrieves local file information. If follow is true, it follows
// symlinks (os.Stat); otherwise it stats the link itself (os.Lstat).
func (lc *LocalConnection) Stat(path string, follow bool) (os.FileInfo, error) {
	if follow {
		return os.Stat(path)
	}
	return os.Lstat(path)
}

func (lc *LocalConnection) SetFileMode(path, modeStr string) error {
	mode, err := parseFileMode(modeStr)
	if err != nil {
		return err
	}
	return os.Chmod(path, mode)
}

func (lc *LocalConnection) ReadFile(filename string) ([]byte, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found %s: %w", filename, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to read local file %s: %w", filename, err)
	}
	return data, nil
}

func (lc *LocalConnection) WriteFile(filename string, data string) error {
	return os.WriteFile(filename, []byte(data), 0644)
}
