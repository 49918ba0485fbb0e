package runtime

import "os"

// Connection is the transport capability the engine requires from a host.
// The engine treats it as opaque: any failure to establish one is reported
// as an unreachable host.
type Connection interface {
	ExecuteCommand(command string, opts *CommandOptions) (*CommandResult, error)
	Stat(path string, follow bool) (os.FileInfo, error)
	WriteFile(filename string, data string) error
	ReadFile(filename string) ([]byte, error)
	SetFileMode(path, modeStr string) error
	Close() error
}
