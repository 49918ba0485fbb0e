package modules

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tierctl/tierctl/pkg"
	"github.com/tierctl/tierctl/pkg/config"
	"github.com/tierctl/tierctl/pkg/runtime"
)

// mockConnection scripts command responses and holds an in-memory filesystem
// so module probes and applies run without touching a real host.
type mockConnection struct {
	files     map[string]string
	dirs      map[string]bool
	modes     map[string]string
	responses []commandResponse
	executed  []string
}

type commandResponse struct {
	match  string
	after  string // response only applies once a command containing this ran
	rc     int
	stdout string
	stderr string
	err    error
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		files: make(map[string]string),
		dirs:  make(map[string]bool),
		modes: make(map[string]string),
	}
}

func (m *mockConnection) respond(match string, rc int, stdout, stderr string) {
	m.responses = append(m.responses, commandResponse{match: match, rc: rc, stdout: stdout, stderr: stderr})
}

// respondAfter scripts a response that supersedes the plain one once a
// command containing trigger has run, so state transitions (stopped to
// started) can be modeled.
func (m *mockConnection) respondAfter(trigger, match string, rc int, stdout, stderr string) {
	m.responses = append(m.responses, commandResponse{match: match, after: trigger, rc: rc, stdout: stdout, stderr: stderr})
}

func (m *mockConnection) ExecuteCommand(command string, opts *runtime.CommandOptions) (*runtime.CommandResult, error) {
	m.executed = append(m.executed, command)
	r := m.lookup(command, true)
	if r == nil {
		r = m.lookup(command, false)
	}
	if r == nil {
		return runtime.NewCommandResult(command, 0, "", "", nil), nil
	}
	if r.err != nil {
		return nil, r.err
	}
	var cmdErr error
	if r.rc != 0 {
		cmdErr = fmt.Errorf("exit status %d", r.rc)
	}
	return runtime.NewCommandResult(command, r.rc, r.stdout, r.stderr, cmdErr), nil
}

// lookup finds the first matching response. Triggered responses take
// precedence once their trigger command ran.
func (m *mockConnection) lookup(command string, triggered bool) *commandResponse {
	for i := range m.responses {
		r := &m.responses[i]
		if (r.after != "") != triggered {
			continue
		}
		if triggered && !m.ran(r.after) {
			continue
		}
		if strings.Contains(command, r.match) {
			return r
		}
	}
	return nil
}

func (m *mockConnection) Stat(path string, follow bool) (os.FileInfo, error) {
	if m.dirs[path] {
		return mockFileInfo{name: path, dir: true}, nil
	}
	if _, ok := m.files[path]; ok {
		return mockFileInfo{name: path}, nil
	}
	return nil, fmt.Errorf("stat %s: %w", path, os.ErrNotExist)
}

func (m *mockConnection) WriteFile(filename, data string) error {
	m.files[filename] = data
	return nil
}

func (m *mockConnection) ReadFile(filename string) ([]byte, error) {
	data, ok := m.files[filename]
	if !ok {
		return nil, fmt.Errorf("file not found %s: %w", filename, os.ErrNotExist)
	}
	return []byte(data), nil
}

func (m *mockConnection) SetFileMode(path, modeStr string) error {
	m.modes[path] = modeStr
	return nil
}

func (m *mockConnection) Close() error { return nil }

// ran reports whether any executed command contains the fragment.
func (m *mockConnection) ran(fragment string) bool {
	for _, cmd := range m.executed {
		if strings.Contains(cmd, fragment) {
			return true
		}
	}
	return false
}

type mockFileInfo struct {
	name string
	dir  bool
}

func (fi mockFileInfo) Name() string       { return fi.name }
func (fi mockFileInfo) Size() int64        { return 0 }
func (fi mockFileInfo) Mode() os.FileMode  { return 0o644 }
func (fi mockFileInfo) ModTime() time.Time { return time.Time{} }
func (fi mockFileInfo) IsDir() bool        { return fi.dir }
func (fi mockFileInfo) Sys() interface{}   { return nil }

func newTestClosure(conn runtime.Connection, facts map[string]interface{}) *pkg.Closure {
	host := &pkg.Host{Name: "test-host", Address: "localhost", IsLocal: true}
	hc := pkg.NewHostContext(host, conn, facts)
	return pkg.ConstructClosure(hc, &config.Config{})
}
