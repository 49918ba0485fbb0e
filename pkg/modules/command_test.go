package modules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandInput_Validate(t *testing.T) {
	assert.NoError(t, CommandInput{Cmd: "echo hello"}.Validate())
	assert.Error(t, CommandInput{}.Validate())
}

func TestCommandProbe_NoGuardAlwaysChanges(t *testing.T) {
	conn := newMockConnection()
	closure := newTestClosure(conn, nil)

	diff, err := CommandModule{}.Probe(CommandInput{Cmd: "echo hello"}, closure)
	require.NoError(t, err)
	assert.True(t, diff.Changed())
}

func TestCommandProbe_CreatesGuardSkipsWhenPresent(t *testing.T) {
	conn := newMockConnection()
	conn.files["/opt/app/installed"] = ""
	closure := newTestClosure(conn, nil)

	diff, err := CommandModule{}.Probe(CommandInput{Cmd: "install.sh", Creates: "/opt/app/installed"}, closure)
	require.NoError(t, err)
	assert.False(t, diff.Changed())
}

func TestCommandProbe_CreatesGuardRunsWhenAbsent(t *testing.T) {
	conn := newMockConnection()
	closure := newTestClosure(conn, nil)

	diff, err := CommandModule{}.Probe(CommandInput{Cmd: "install.sh", Creates: "/opt/app/installed"}, closure)
	require.NoError(t, err)
	assert.True(t, diff.Changed())
}

func TestCommandApply_CapturesOutputFacts(t *testing.T) {
	conn := newMockConnection()
	conn.respond("hostname", 0, "web-1\n", "")
	closure := newTestClosure(conn, nil)

	output, err := CommandModule{}.Apply(CommandInput{Cmd: "hostname"}, closure)
	require.NoError(t, err)
	assert.True(t, output.Changed())

	cmdOutput, ok := output.(CommandOutput)
	require.True(t, ok)
	facts := cmdOutput.Facts()
	assert.Equal(t, "web-1", facts["stdout"])
	assert.Equal(t, 0, facts["rc"])
}

func TestCommandApply_NonzeroExitFails(t *testing.T) {
	conn := newMockConnection()
	conn.respond("migrate", 2, "", "table locked")
	closure := newTestClosure(conn, nil)

	_, err := CommandModule{}.Apply(CommandInput{Cmd: "migrate"}, closure)
	assert.Error(t, err)
}

func TestCommandApply_Chdir(t *testing.T) {
	conn := newMockConnection()
	closure := newTestClosure(conn, nil)

	_, err := CommandModule{}.Apply(CommandInput{Cmd: "make install", Chdir: "/opt/src"}, closure)
	require.NoError(t, err)
	assert.True(t, conn.ran("cd /opt/src && make install"))
}
