package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tierctl/tierctl/pkg"
	"github.com/tierctl/tierctl/pkg/common"
	"github.com/tierctl/tierctl/pkg/config"
	"github.com/tierctl/tierctl/pkg/runtime"
)

// ConnectFunc establishes a transport to a host. Tests substitute their own.
type ConnectFunc func(host *pkg.Host, cfg *config.Config) (runtime.Connection, error)

// DefaultConnect picks the transport from the host declaration: local hosts
// run in-process, everything else goes over SSH.
func DefaultConnect(host *pkg.Host, cfg *config.Config) (runtime.Connection, error) {
	if host.IsLocal {
		return runtime.NewLocalConnection(), nil
	}
	return runtime.NewSSHConnection(runtime.SSHTarget{
		Host:           host.Name,
		Address:        host.Address,
		Port:           host.Port,
		User:           host.User,
		PrivateKeyFile: host.PrivateKeyFile,
	}, &cfg.SSH)
}

// Engine drives an execution plan tier by tier. Within a tier, hosts converge
// concurrently up to the forks bound; a tier only starts once every host of
// the previous tier reached a terminal status.
type Engine struct {
	Plan      *pkg.ExecutionPlan
	Inventory *pkg.Inventory
	Config    *config.Config
	Connect   ConnectFunc
}

func NewEngine(plan *pkg.ExecutionPlan, inv *pkg.Inventory, cfg *config.Config) *Engine {
	return &Engine{
		Plan:      plan,
		Inventory: inv,
		Config:    cfg,
		Connect:   DefaultConnect,
	}
}

// Run converges every tier of the plan in order and returns the run report.
// A tier that fails on every host aborts the run; so does a degraded tier
// under strict mode. Hosts of unreached tiers are reported as aborted.
func (e *Engine) Run(ctx context.Context) *pkg.RunReport {
	report := pkg.NewRunReport(e.Plan.Name)
	common.SetRunID(report.ID)

	for i, stage := range e.Plan.Stages {
		if report.Aborted || ctx.Err() != nil {
			report.Tiers = append(report.Tiers, abortedTier(stage))
			continue
		}

		if e.Config.Logging.Format == "plain" {
			fmt.Printf("\nTIER %d [%s -> %s] (%d hosts) ************************************\n",
				i+1, stage.Group, stage.Role.Name, len(stage.Hosts))
		} else {
			common.LogInfo("Starting tier", map[string]interface{}{
				"tier": i + 1, "group": stage.Group, "role": stage.Role.Name, "hosts": len(stage.Hosts),
			})
		}

		tier := e.runStage(ctx, stage)
		report.Tiers = append(report.Tiers, tier)

		switch {
		case tier.Outcome == pkg.TierTotalFailure:
			common.LogError("Tier failed on every host, aborting run", map[string]interface{}{
				"group": stage.Group, "role": stage.Role.Name,
			})
			report.Aborted = true
		case tier.Outcome == pkg.TierDegraded && e.Config.Strict:
			common.LogError("Tier degraded under strict mode, aborting run", map[string]interface{}{
				"group": stage.Group, "role": stage.Role.Name,
			})
			report.Aborted = true
		case tier.Outcome == pkg.TierDegraded:
			common.LogWarn("Tier degraded, continuing with remaining hosts", map[string]interface{}{
				"group": stage.Group, "role": stage.Role.Name,
			})
		}
	}

	if e.Config.Logging.Format == "plain" {
		fmt.Print(report.Recap())
	} else {
		common.LogInfo("Run finished", map[string]interface{}{
			"play": report.Play, "outcome": report.Outcome().String(), "aborted": report.Aborted,
		})
	}
	return report
}

// abortedTier builds the placeholder report for a tier the run never reached.
func abortedTier(stage pkg.Stage) *pkg.TierReport {
	hosts := make([]*pkg.HostReport, len(stage.Hosts))
	for i, host := range stage.Hosts {
		hosts[i] = &pkg.HostReport{Host: host.Name, Status: pkg.HostAborted}
	}
	return pkg.AggregateTier(stage.Group, stage.Role.Name, hosts)
}

// runStage converges every host of one tier, at most Forks at a time, and
// waits for all of them before aggregating.
func (e *Engine) runStage(ctx context.Context, stage pkg.Stage) *pkg.TierReport {
	sem := make(chan struct{}, e.Config.Forks)
	reports := make([]*pkg.HostReport, len(stage.Hosts))

	var wg sync.WaitGroup
	for i, host := range stage.Hosts {
		wg.Add(1)
		go func(i int, host *pkg.Host) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			reports[i] = e.convergeHost(ctx, stage, host)
		}(i, host)
	}
	wg.Wait()

	return pkg.AggregateTier(stage.Group, stage.Role.Name, reports)
}

// convergeHost runs the tier's role on one host: connect, gather facts, walk
// the task list in order, then dispatch pending handlers. The first
// non-ignorable failure stops this host without touching the others.
func (e *Engine) convergeHost(ctx context.Context, stage pkg.Stage, host *pkg.Host) *pkg.HostReport {
	conn, err := e.Connect(host, e.Config)
	if err != nil {
		unreachable := &pkg.UnreachableHostError{Host: host.Name, Cause: err}
		common.LogError("Host unreachable", map[string]interface{}{
			"host": host.Name, "error": err.Error(),
		})
		report := &pkg.HostReport{Host: host.Name, Status: pkg.HostFailed, Cause: unreachable}
		for _, task := range stage.Role.Tasks {
			report.Record(pkg.TaskResult{Task: task.Name, Status: pkg.TaskStatusSkipped})
		}
		return report
	}

	var layers []map[string]interface{}
	if e.Config.GatherFacts {
		layers = append(layers, runtime.GatherFacts(conn))
	}
	layers = append(layers, stage.Role.Vars, e.Inventory.InitialVarsForHost(host))

	hc := pkg.NewHostContext(host, conn, layers...)
	defer func() { _ = hc.Close() }()
	hc.Facts.Store("role_path", stage.Role.Dir())
	hc.InitializeHandlerTracker(stage.Role.Handlers)
	report := hc.Report

	for _, task := range stage.Role.Tasks {
		if ctx.Err() != nil {
			report.Status = pkg.HostFailed
			report.Cause = fmt.Errorf("run cancelled before task %q on host %s: %w", task.Name, host.Name, ctx.Err())
			return report
		}

		result := e.runTask(task, hc, false)
		report.Record(result)

		if result.Status == pkg.TaskStatusFailed && !result.Ignored {
			report.Status = pkg.HostFailed
			report.Cause = result.Error
			common.LogError("Task failed, stopping host", map[string]interface{}{
				"host": host.Name, "task": task.Name, "error": result.Error.Error(),
			})
			return report
		}

		if result.Status == pkg.TaskStatusChanged && len(task.Notify) > 0 {
			hc.HandlerTracker.NotifyAll(task.Notify)
		}
		if task.Register != "" && result.Output != nil {
			hc.RegisterOutput(task.Register, result.Output)
		}
	}

	for _, handler := range hc.HandlerTracker.Pending() {
		if ctx.Err() != nil {
			report.Status = pkg.HostFailed
			report.Cause = fmt.Errorf("run cancelled before handler %q on host %s: %w", handler.Name, host.Name, ctx.Err())
			return report
		}

		result := e.runTask(handler, hc, true)
		hc.HandlerTracker.MarkExecuted(handler.Name)
		report.Record(result)

		if result.Status == pkg.TaskStatusFailed {
			report.Status = pkg.HostFailed
			report.Cause = &pkg.HandlerError{Handler: handler.Name, Cause: result.Error}
			common.LogError("Handler failed, stopping host", map[string]interface{}{
				"host": host.Name, "handler": handler.Name, "error": result.Error.Error(),
			})
			return report
		}
	}

	report.Status = pkg.HostConverged
	return report
}

// runTask takes one task through its lifecycle on one host: condition check,
// state probe, and apply only when the probe reports divergence.
func (e *Engine) runTask(task pkg.Task, hc *pkg.HostContext, handler bool) pkg.TaskResult {
	start := time.Now()
	result := pkg.TaskResult{Task: task.Name, Handler: handler}
	closure := pkg.ConstructClosure(hc, e.Config)

	if e.Config.Logging.Format == "plain" {
		kind := "TASK"
		if handler {
			kind = "HANDLER"
		}
		fmt.Printf("\n%s [%s] (%s) ******************************************\n", kind, task.Name, hc.Host.Name)
	} else {
		common.LogInfo("Running task", map[string]interface{}{
			"host": hc.Host.Name, "task": task.Name, "module": task.Module, "handler": handler,
		})
	}

	if task.When != "" {
		shouldRun, err := pkg.EvaluateExpression(task.When, closure)
		if err != nil {
			return e.finishTask(task, hc, result, pkg.Diff{}, err, start)
		}
		if !shouldRun {
			result.Status = pkg.TaskStatusSkipped
			result.Duration = time.Since(start)
			e.logResult(task, hc, result)
			return result
		}
	}

	module, ok := pkg.GetModule(task.Module)
	if !ok {
		return e.finishTask(task, hc, result, pkg.Diff{}, fmt.Errorf("unknown module %q", task.Module), start)
	}

	hc.SetBecomeUser(task.Become)
	defer hc.SetBecomeUser("")

	diff, err := module.Probe(task.Params, closure)
	if err != nil {
		return e.finishTask(task, hc, result, diff, err, start)
	}
	if !diff.Changed() {
		return e.finishTask(task, hc, result, diff, nil, start)
	}

	output, err := module.Apply(task.Params, closure)
	result.Output = output
	return e.finishTask(task, hc, result, diff, err, start)
}

// finishTask folds the probe diff and apply error into the recorded result.
// Failures of ignorable tasks are kept in the report but do not fail the
// host.
func (e *Engine) finishTask(task pkg.Task, hc *pkg.HostContext, result pkg.TaskResult, diff pkg.Diff, err error, start time.Time) pkg.TaskResult {
	result.Diff = diff
	result.Duration = time.Since(start)

	switch {
	case err != nil:
		result.Status = pkg.TaskStatusFailed
		result.Error = err
		if task.IgnoreErrors {
			result.Ignored = true
			result.Error = &pkg.IgnoredTaskError{Cause: err}
		}
	case diff.Changed():
		result.Status = pkg.TaskStatusChanged
	default:
		result.Status = pkg.TaskStatusUnchanged
	}

	e.logResult(task, hc, result)
	return result
}

func (e *Engine) logResult(task pkg.Task, hc *pkg.HostContext, result pkg.TaskResult) {
	if e.Config.Logging.Format == "plain" {
		switch result.Status {
		case pkg.TaskStatusSkipped:
			fmt.Printf("skipping: [%s]\n", hc.Host.Name)
		case pkg.TaskStatusUnchanged:
			fmt.Printf("ok: [%s] => %s\n", hc.Host.Name, result.Diff)
		case pkg.TaskStatusChanged:
			fmt.Printf("changed: [%s] => %s\n", hc.Host.Name, result.Diff)
			if result.Output != nil {
				fmt.Printf("%v", result.Output)
			}
		case pkg.TaskStatusFailed:
			if result.Ignored {
				fmt.Printf("failed (ignored): [%s] => (%v)\n", hc.Host.Name, result.Error)
			} else {
				fmt.Printf("failed: [%s] => (%v)\n", hc.Host.Name, result.Error)
			}
		}
		return
	}

	fields := map[string]interface{}{
		"host":     hc.Host.Name,
		"task":     task.Name,
		"status":   result.Status.String(),
		"duration": result.Duration.String(),
	}
	if result.Diff.Changed() {
		fields["diff"] = result.Diff.String()
	}
	switch result.Status {
	case pkg.TaskStatusFailed:
		fields["error"] = result.Error.Error()
		fields["ignored"] = result.Ignored
		if result.Ignored {
			common.LogWarn("Task failed but is ignorable", fields)
		} else {
			common.LogError("Task failed", fields)
		}
	default:
		common.LogInfo("Task finished", fields)
	}
}
