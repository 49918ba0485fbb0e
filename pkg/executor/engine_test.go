package executor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierctl/tierctl/pkg"
	"github.com/tierctl/tierctl/pkg/config"
	"github.com/tierctl/tierctl/pkg/modules"
	"github.com/tierctl/tierctl/pkg/runtime"
)

// eventLog records command executions across hosts in arrival order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// fakeConnection is an in-memory transport. Commands succeed unless their
// text contains a scripted failure fragment.
type fakeConnection struct {
	host      string
	files     map[string]string
	failOn    map[string]string // command fragment -> stderr
	stdout    map[string]string // command fragment -> stdout
	onCommand func(command string)
	log       *eventLog
	mu        sync.Mutex
	history   []string
}

func newFakeConnection(host string, log *eventLog) *fakeConnection {
	return &fakeConnection{
		host:   host,
		files:  make(map[string]string),
		failOn: make(map[string]string),
		stdout: make(map[string]string),
		log:    log,
	}
}

func (f *fakeConnection) ExecuteCommand(command string, opts *runtime.CommandOptions) (*runtime.CommandResult, error) {
	f.mu.Lock()
	f.history = append(f.history, command)
	f.mu.Unlock()
	if f.log != nil {
		f.log.add(f.host + ":" + command)
	}
	if f.onCommand != nil {
		f.onCommand(command)
	}
	for fragment, stderr := range f.failOn {
		if strings.Contains(command, fragment) {
			return runtime.NewCommandResult(command, 1, "", stderr, fmt.Errorf("exit status 1")), nil
		}
	}
	for fragment, stdout := range f.stdout {
		if strings.Contains(command, fragment) {
			return runtime.NewCommandResult(command, 0, stdout, "", nil), nil
		}
	}
	return runtime.NewCommandResult(command, 0, "", "", nil), nil
}

func (f *fakeConnection) ran(fragment string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range f.history {
		if strings.Contains(cmd, fragment) {
			return true
		}
	}
	return false
}

func (f *fakeConnection) Stat(path string, follow bool) (os.FileInfo, error) {
	if _, ok := f.files[path]; ok {
		return fakeFileInfo{name: path}, nil
	}
	return nil, fmt.Errorf("stat %s: %w", path, os.ErrNotExist)
}

func (f *fakeConnection) WriteFile(filename, data string) error {
	f.files[filename] = data
	return nil
}

func (f *fakeConnection) ReadFile(filename string) ([]byte, error) {
	data, ok := f.files[filename]
	if !ok {
		return nil, fmt.Errorf("file not found %s: %w", filename, os.ErrNotExist)
	}
	return []byte(data), nil
}

func (f *fakeConnection) SetFileMode(path, modeStr string) error { return nil }
func (f *fakeConnection) Close() error                           { return nil }

type fakeFileInfo struct{ name string }

func (fi fakeFileInfo) Name() string       { return fi.name }
func (fi fakeFileInfo) Size() int64        { return 0 }
func (fi fakeFileInfo) Mode() os.FileMode  { return 0o644 }
func (fi fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (fi fakeFileInfo) IsDir() bool        { return false }
func (fi fakeFileInfo) Sys() interface{}   { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Forks:   5,
		Logging: config.LoggingConfig{Format: "json", Level: "error"},
	}
}

func testInventory(t *testing.T, yaml string) *pkg.Inventory {
	t.Helper()
	inv, err := pkg.ParseInventory([]byte(yaml))
	require.NoError(t, err)
	return inv
}

// testEngine wires an engine whose transport is the given per-host fakes.
func testEngine(t *testing.T, plan *pkg.ExecutionPlan, inv *pkg.Inventory, cfg *config.Config, conns map[string]*fakeConnection) *Engine {
	t.Helper()
	engine := NewEngine(plan, inv, cfg)
	engine.Connect = func(host *pkg.Host, _ *config.Config) (runtime.Connection, error) {
		conn, ok := conns[host.Name]
		if !ok {
			return nil, fmt.Errorf("no route to %s", host.Name)
		}
		return conn, nil
	}
	return engine
}

func stageFor(group string, role *pkg.Role, hosts ...*pkg.Host) pkg.Stage {
	return pkg.Stage{Group: group, Role: role, Hosts: hosts}
}

const twoWebHosts = `
web:
  hosts:
    web-1:
    web-2:
`

func webHosts(t *testing.T, inv *pkg.Inventory) (*pkg.Host, *pkg.Host) {
	t.Helper()
	h1, err := inv.GetHostByName("web-1")
	require.NoError(t, err)
	h2, err := inv.GetHostByName("web-2")
	require.NoError(t, err)
	return h1, h2
}

func TestRun_SecondRunReportsNoChanges(t *testing.T) {
	inv := testInventory(t, twoWebHosts)
	h1, h2 := webHosts(t, inv)
	role := &pkg.Role{
		Name: "motd",
		Tasks: []pkg.Task{
			{Name: "deploy motd", Module: "copy", Params: modules.CopyInput{Content: "welcome\n", Dest: "/etc/motd"}},
		},
	}
	plan := &pkg.ExecutionPlan{Name: "site", Stages: []pkg.Stage{stageFor("web", role, h1, h2)}}
	conns := map[string]*fakeConnection{
		"web-1": newFakeConnection("web-1", nil),
		"web-2": newFakeConnection("web-2", nil),
	}

	engine := testEngine(t, plan, inv, testConfig(), conns)

	first := engine.Run(context.Background())
	assert.Equal(t, pkg.TierClean, first.Outcome())
	for _, host := range first.Tiers[0].Hosts {
		assert.Equal(t, 1, host.Counts()["changed"])
	}

	second := engine.Run(context.Background())
	assert.Equal(t, pkg.TierClean, second.Outcome())
	for _, host := range second.Tiers[0].Hosts {
		assert.Equal(t, 0, host.Counts()["changed"])
		assert.Equal(t, 1, host.Counts()["ok"])
	}
}

func TestRun_FailFastStopsRemainingTasksOnHost(t *testing.T) {
	inv := testInventory(t, twoWebHosts)
	h1, h2 := webHosts(t, inv)
	role := &pkg.Role{
		Name: "setup",
		Tasks: []pkg.Task{
			{Name: "first", Module: "command", Params: modules.CommandInput{Cmd: "step-one"}},
			{Name: "second", Module: "command", Params: modules.CommandInput{Cmd: "step-two"}},
		},
	}
	plan := &pkg.ExecutionPlan{Name: "site", Stages: []pkg.Stage{stageFor("web", role, h1, h2)}}

	failing := newFakeConnection("web-1", nil)
	failing.failOn["step-one"] = "boom"
	healthy := newFakeConnection("web-2", nil)
	conns := map[string]*fakeConnection{"web-1": failing, "web-2": healthy}

	engine := testEngine(t, plan, inv, testConfig(), conns)
	report := engine.Run(context.Background())

	assert.False(t, failing.ran("step-two"))
	assert.True(t, healthy.ran("step-two"))
	assert.Equal(t, pkg.TierDegraded, report.Outcome())
	assert.False(t, report.Aborted)
}

func TestRun_TotalFailureAbortsRemainingTiers(t *testing.T) {
	inv := testInventory(t, `
db:
  hosts:
    db-1:
web:
  hosts:
    web-1:
`)
	db1, err := inv.GetHostByName("db-1")
	require.NoError(t, err)
	web1, err := inv.GetHostByName("web-1")
	require.NoError(t, err)

	dbRole := &pkg.Role{Name: "database", Tasks: []pkg.Task{
		{Name: "migrate", Module: "command", Params: modules.CommandInput{Cmd: "migrate"}},
	}}
	webRole := &pkg.Role{Name: "web", Tasks: []pkg.Task{
		{Name: "deploy", Module: "command", Params: modules.CommandInput{Cmd: "deploy"}},
	}}
	plan := &pkg.ExecutionPlan{Name: "site", Stages: []pkg.Stage{
		stageFor("db", dbRole, db1),
		stageFor("web", webRole, web1),
	}}

	dbConn := newFakeConnection("db-1", nil)
	dbConn.failOn["migrate"] = "table locked"
	webConn := newFakeConnection("web-1", nil)
	conns := map[string]*fakeConnection{"db-1": dbConn, "web-1": webConn}

	engine := testEngine(t, plan, inv, testConfig(), conns)
	report := engine.Run(context.Background())

	assert.True(t, report.Aborted)
	assert.False(t, webConn.ran("deploy"))
	require.Len(t, report.Tiers, 2)
	assert.Equal(t, pkg.TierTotalFailure, report.Tiers[0].Outcome)
	assert.Equal(t, pkg.HostAborted, report.Tiers[1].Hosts[0].Status)
}

func TestRun_StrictModeAbortsOnDegradedTier(t *testing.T) {
	inv := testInventory(t, twoWebHosts+`
app:
  hosts:
    app-1:
`)
	h1, h2 := webHosts(t, inv)
	app1, err := inv.GetHostByName("app-1")
	require.NoError(t, err)

	webRole := &pkg.Role{Name: "web", Tasks: []pkg.Task{
		{Name: "setup", Module: "command", Params: modules.CommandInput{Cmd: "setup"}},
	}}
	appRole := &pkg.Role{Name: "app", Tasks: []pkg.Task{
		{Name: "deploy", Module: "command", Params: modules.CommandInput{Cmd: "deploy"}},
	}}
	plan := &pkg.ExecutionPlan{Name: "site", Stages: []pkg.Stage{
		stageFor("web", webRole, h1, h2),
		stageFor("app", appRole, app1),
	}}

	failing := newFakeConnection("web-1", nil)
	failing.failOn["setup"] = "boom"
	conns := map[string]*fakeConnection{
		"web-1": failing,
		"web-2": newFakeConnection("web-2", nil),
		"app-1": newFakeConnection("app-1", nil),
	}

	cfg := testConfig()
	cfg.Strict = true
	engine := testEngine(t, plan, inv, cfg, conns)
	report := engine.Run(context.Background())

	assert.True(t, report.Aborted)
	assert.False(t, conns["app-1"].ran("deploy"))
}

func TestRun_TierBarrierOrdersCommandsAcrossTiers(t *testing.T) {
	inv := testInventory(t, `
db:
  hosts:
    db-1:
    db-2:
web:
  hosts:
    web-1:
    web-2:
`)
	db1, _ := inv.GetHostByName("db-1")
	db2, _ := inv.GetHostByName("db-2")
	web1, _ := inv.GetHostByName("web-1")
	web2, _ := inv.GetHostByName("web-2")

	dbRole := &pkg.Role{Name: "database", Tasks: []pkg.Task{
		{Name: "prepare", Module: "command", Params: modules.CommandInput{Cmd: "db-prepare"}},
	}}
	webRole := &pkg.Role{Name: "web", Tasks: []pkg.Task{
		{Name: "deploy", Module: "command", Params: modules.CommandInput{Cmd: "web-deploy"}},
	}}
	plan := &pkg.ExecutionPlan{Name: "site", Stages: []pkg.Stage{
		stageFor("db", dbRole, db1, db2),
		stageFor("web", webRole, web1, web2),
	}}

	log := &eventLog{}
	conns := map[string]*fakeConnection{
		"db-1":  newFakeConnection("db-1", log),
		"db-2":  newFakeConnection("db-2", log),
		"web-1": newFakeConnection("web-1", log),
		"web-2": newFakeConnection("web-2", log),
	}

	engine := testEngine(t, plan, inv, testConfig(), conns)
	report := engine.Run(context.Background())
	require.Equal(t, pkg.TierClean, report.Outcome())

	lastDB, firstWeb := -1, -1
	for i, event := range log.all() {
		if strings.Contains(event, "db-prepare") {
			lastDB = i
		}
		if strings.Contains(event, "web-deploy") && firstWeb == -1 {
			firstWeb = i
		}
	}
	require.NotEqual(t, -1, lastDB)
	require.NotEqual(t, -1, firstWeb)
	assert.Less(t, lastDB, firstWeb)
}

func TestRun_HandlerRunsOnceAfterTasksInNotifyOrder(t *testing.T) {
	inv := testInventory(t, "web:\n  hosts:\n    web-1:\n")
	h1, err := inv.GetHostByName("web-1")
	require.NoError(t, err)

	role := &pkg.Role{
		Name: "web",
		Tasks: []pkg.Task{
			{Name: "config a", Module: "command", Params: modules.CommandInput{Cmd: "write-a"}, Notify: []string{"reload app"}},
			{Name: "config b", Module: "command", Params: modules.CommandInput{Cmd: "write-b"}, Notify: []string{"restart worker", "reload app"}},
		},
		Handlers: []pkg.Task{
			{Name: "reload app", Module: "command", Params: modules.CommandInput{Cmd: "app-reload"}},
			{Name: "restart worker", Module: "command", Params: modules.CommandInput{Cmd: "worker-restart"}},
		},
	}
	plan := &pkg.ExecutionPlan{Name: "site", Stages: []pkg.Stage{stageFor("web", role, h1)}}

	log := &eventLog{}
	conn := newFakeConnection("web-1", log)
	engine := testEngine(t, plan, inv, testConfig(), map[string]*fakeConnection{"web-1": conn})

	report := engine.Run(context.Background())
	require.Equal(t, pkg.TierClean, report.Outcome())

	var order []string
	for _, event := range log.all() {
		for _, fragment := range []string{"write-a", "write-b", "app-reload", "worker-restart"} {
			if strings.Contains(event, fragment) {
				order = append(order, fragment)
			}
		}
	}
	// Handlers run after all tasks, deduplicated, in first-notified order.
	assert.Equal(t, []string{"write-a", "write-b", "app-reload", "worker-restart"}, order)
}

func TestRun_UnchangedTaskDoesNotNotify(t *testing.T) {
	inv := testInventory(t, "web:\n  hosts:\n    web-1:\n")
	h1, err := inv.GetHostByName("web-1")
	require.NoError(t, err)

	role := &pkg.Role{
		Name: "web",
		Tasks: []pkg.Task{
			{Name: "config", Module: "copy", Params: modules.CopyInput{Content: "v1\n", Dest: "/etc/app.conf"}, Notify: []string{"reload app"}},
		},
		Handlers: []pkg.Task{
			{Name: "reload app", Module: "command", Params: modules.CommandInput{Cmd: "app-reload"}},
		},
	}
	plan := &pkg.ExecutionPlan{Name: "site", Stages: []pkg.Stage{stageFor("web", role, h1)}}

	conn := newFakeConnection("web-1", nil)
	conn.files["/etc/app.conf"] = "v1\n"
	engine := testEngine(t, plan, inv, testConfig(), map[string]*fakeConnection{"web-1": conn})

	report := engine.Run(context.Background())
	require.Equal(t, pkg.TierClean, report.Outcome())
	assert.False(t, conn.ran("app-reload"))
}

func TestRun_WhenConditionSkipsTask(t *testing.T) {
	inv := testInventory(t, `
vars:
  enable_feature: false
web:
  hosts:
    web-1:
`)
	h1, err := inv.GetHostByName("web-1")
	require.NoError(t, err)

	role := &pkg.Role{
		Name: "web",
		Tasks: []pkg.Task{
			{Name: "feature", Module: "command", Params: modules.CommandInput{Cmd: "enable-feature"}, When: "enable_feature"},
		},
	}
	plan := &pkg.ExecutionPlan{Name: "site", Stages: []pkg.Stage{stageFor("web", role, h1)}}

	conn := newFakeConnection("web-1", nil)
	engine := testEngine(t, plan, inv, testConfig(), map[string]*fakeConnection{"web-1": conn})

	report := engine.Run(context.Background())
	require.Equal(t, pkg.TierClean, report.Outcome())
	assert.False(t, conn.ran("enable-feature"))
	assert.Equal(t, 1, report.Tiers[0].Hosts[0].Counts()["skipped"])
}

func TestRun_IgnoredFailureDoesNotStopHost(t *testing.T) {
	inv := testInventory(t, "web:\n  hosts:\n    web-1:\n")
	h1, err := inv.GetHostByName("web-1")
	require.NoError(t, err)

	role := &pkg.Role{
		Name: "web",
		Tasks: []pkg.Task{
			{Name: "optional", Module: "command", Params: modules.CommandInput{Cmd: "flaky"}, IgnoreErrors: true},
			{Name: "required", Module: "command", Params: modules.CommandInput{Cmd: "essential"}},
		},
	}
	plan := &pkg.ExecutionPlan{Name: "site", Stages: []pkg.Stage{stageFor("web", role, h1)}}

	conn := newFakeConnection("web-1", nil)
	conn.failOn["flaky"] = "boom"
	engine := testEngine(t, plan, inv, testConfig(), map[string]*fakeConnection{"web-1": conn})

	report := engine.Run(context.Background())
	assert.Equal(t, pkg.TierClean, report.Outcome())
	assert.True(t, conn.ran("essential"))
	assert.Equal(t, 1, report.Tiers[0].Hosts[0].Counts()["ignored"])
}

func TestRun_RegisteredOutputDrivesLaterCondition(t *testing.T) {
	inv := testInventory(t, "web:\n  hosts:\n    web-1:\n")
	h1, err := inv.GetHostByName("web-1")
	require.NoError(t, err)

	role := &pkg.Role{
		Name: "web",
		Tasks: []pkg.Task{
			{Name: "check version", Module: "command", Params: modules.CommandInput{Cmd: "app-version"}, Register: "version"},
			{Name: "upgrade", Module: "command", Params: modules.CommandInput{Cmd: "app-upgrade"}, When: "version.stdout == '1.0'"},
		},
	}
	plan := &pkg.ExecutionPlan{Name: "site", Stages: []pkg.Stage{stageFor("web", role, h1)}}

	conn := newFakeConnection("web-1", nil)
	conn.stdout["app-version"] = "1.0\n"
	engine := testEngine(t, plan, inv, testConfig(), map[string]*fakeConnection{"web-1": conn})

	report := engine.Run(context.Background())
	require.Equal(t, pkg.TierClean, report.Outcome())
	assert.True(t, conn.ran("app-upgrade"))
}

func TestRun_UnreachableHostFailsWithoutStoppingOthers(t *testing.T) {
	inv := testInventory(t, twoWebHosts)
	h1, h2 := webHosts(t, inv)

	role := &pkg.Role{Name: "web", Tasks: []pkg.Task{
		{Name: "deploy", Module: "command", Params: modules.CommandInput{Cmd: "deploy"}},
	}}
	plan := &pkg.ExecutionPlan{Name: "site", Stages: []pkg.Stage{stageFor("web", role, h1, h2)}}

	// Only web-2 has a connection; web-1 is unreachable.
	healthy := newFakeConnection("web-2", nil)
	engine := testEngine(t, plan, inv, testConfig(), map[string]*fakeConnection{"web-2": healthy})

	report := engine.Run(context.Background())
	assert.Equal(t, pkg.TierDegraded, report.Outcome())
	assert.True(t, healthy.ran("deploy"))

	for _, host := range report.Tiers[0].Hosts {
		if host.Host == "web-1" {
			assert.Equal(t, pkg.HostFailed, host.Status)
			var unreachable *pkg.UnreachableHostError
			assert.ErrorAs(t, host.Cause, &unreachable)
			assert.Equal(t, 1, host.Counts()["skipped"])
		}
	}
}

func TestRun_FailedHandlerFailsHost(t *testing.T) {
	inv := testInventory(t, "web:\n  hosts:\n    web-1:\n")
	h1, err := inv.GetHostByName("web-1")
	require.NoError(t, err)

	role := &pkg.Role{
		Name: "web",
		Tasks: []pkg.Task{
			{Name: "config", Module: "command", Params: modules.CommandInput{Cmd: "write-config"}, Notify: []string{"reload app"}},
		},
		Handlers: []pkg.Task{
			{Name: "reload app", Module: "command", Params: modules.CommandInput{Cmd: "app-reload"}},
		},
	}
	plan := &pkg.ExecutionPlan{Name: "site", Stages: []pkg.Stage{stageFor("web", role, h1)}}

	conn := newFakeConnection("web-1", nil)
	conn.failOn["app-reload"] = "no such unit"
	engine := testEngine(t, plan, inv, testConfig(), map[string]*fakeConnection{"web-1": conn})

	report := engine.Run(context.Background())
	host := report.Tiers[0].Hosts[0]
	assert.Equal(t, pkg.HostFailed, host.Status)
	var handlerErr *pkg.HandlerError
	assert.ErrorAs(t, host.Cause, &handlerErr)
}

func TestRun_CancellationSkipsPendingHandlers(t *testing.T) {
	inv := testInventory(t, "web:\n  hosts:\n    web-1:\n")
	h1, err := inv.GetHostByName("web-1")
	require.NoError(t, err)

	role := &pkg.Role{
		Name: "web",
		Tasks: []pkg.Task{
			{Name: "config", Module: "command", Params: modules.CommandInput{Cmd: "write-config"}, Notify: []string{"reload app"}},
		},
		Handlers: []pkg.Task{
			{Name: "reload app", Module: "command", Params: modules.CommandInput{Cmd: "app-reload"}},
		},
	}
	plan := &pkg.ExecutionPlan{Name: "site", Stages: []pkg.Stage{stageFor("web", role, h1)}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancellation lands while the notifying task is still running.
	conn := newFakeConnection("web-1", nil)
	conn.onCommand = func(command string) {
		if strings.Contains(command, "write-config") {
			cancel()
		}
	}
	engine := testEngine(t, plan, inv, testConfig(), map[string]*fakeConnection{"web-1": conn})

	report := engine.Run(ctx)
	assert.False(t, conn.ran("app-reload"))
	host := report.Tiers[0].Hosts[0]
	assert.Equal(t, pkg.HostFailed, host.Status)
	assert.ErrorIs(t, host.Cause, context.Canceled)
}

func TestRun_GroupVarsReachTemplates(t *testing.T) {
	inv := testInventory(t, `
vars:
  greeting: hello
web:
  vars:
    app_port: 8080
  hosts:
    web-1:
      app_port: 9090
`)
	h1, err := inv.GetHostByName("web-1")
	require.NoError(t, err)

	role := &pkg.Role{
		Name: "web",
		Tasks: []pkg.Task{
			{Name: "render", Module: "copy", Params: modules.CopyInput{
				Content: "{{ greeting }}", Dest: "/etc/greeting-{{ app_port }}",
			}},
		},
	}
	plan := &pkg.ExecutionPlan{Name: "site", Stages: []pkg.Stage{stageFor("web", role, h1)}}

	conn := newFakeConnection("web-1", nil)
	engine := testEngine(t, plan, inv, testConfig(), map[string]*fakeConnection{"web-1": conn})

	report := engine.Run(context.Background())
	require.Equal(t, pkg.TierClean, report.Outcome())
	// Host vars beat group vars.
	assert.Equal(t, "hello", conn.files["/etc/greeting-9090"])
}
