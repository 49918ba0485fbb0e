package pkg

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the recorded outcome of one task on one host.
type TaskStatus int

const (
	TaskStatusUnchanged TaskStatus = iota
	TaskStatusChanged
	TaskStatusSkipped
	TaskStatusFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskStatusUnchanged:
		return "ok"
	case TaskStatusChanged:
		return "changed"
	case TaskStatusSkipped:
		return "skipped"
	case TaskStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HostStatus is the terminal status of one host for one run.
type HostStatus int

const (
	// HostConverged means every task reported unchanged, changed or skipped.
	HostConverged HostStatus = iota
	// HostFailed means a non-ignorable task, the transport or a handler failed.
	HostFailed
	// HostAborted means the run ended before this host's tier was attempted.
	HostAborted
)

func (s HostStatus) String() string {
	switch s {
	case HostConverged:
		return "converged"
	case HostFailed:
		return "failed"
	case HostAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// TaskResult records the outcome of one task (or handler) on one host.
type TaskResult struct {
	Task     string
	Handler  bool
	Status   TaskStatus
	Diff     Diff
	Output   ModuleOutput
	Error    error
	Ignored  bool
	Duration time.Duration
}

// HostReport is the per-host record of task outcomes and terminal status for
// one invocation.
type HostReport struct {
	Host    string
	Results []TaskResult
	Status  HostStatus
	// Cause is set when Status is HostFailed.
	Cause error
}

// Record appends a task result and keeps the counters honest.
func (r *HostReport) Record(result TaskResult) {
	r.Results = append(r.Results, result)
}

// Counts tallies results per status name, including ignored failures.
func (r *HostReport) Counts() map[string]int {
	counts := map[string]int{"ok": 0, "changed": 0, "failed": 0, "skipped": 0, "ignored": 0}
	for _, result := range r.Results {
		counts[result.Status.String()]++
		if result.Ignored {
			counts["ignored"]++
		}
	}
	return counts
}

// TierOutcome aggregates the host outcomes of one tier.
type TierOutcome int

const (
	// TierClean means every host of the tier converged.
	TierClean TierOutcome = iota
	// TierDegraded means at least one host converged and at least one failed.
	TierDegraded
	// TierTotalFailure means every host of the tier failed.
	TierTotalFailure
)

func (o TierOutcome) String() string {
	switch o {
	case TierClean:
		return "clean"
	case TierDegraded:
		return "degraded"
	case TierTotalFailure:
		return "total failure"
	default:
		return "unknown"
	}
}

// TierReport is the aggregate of one tier's host reports.
type TierReport struct {
	Group   string
	Role    string
	Outcome TierOutcome
	Hosts   []*HostReport
}

// AggregateTier folds per-host reports into a tier outcome.
func AggregateTier(group, role string, hosts []*HostReport) *TierReport {
	report := &TierReport{Group: group, Role: role, Hosts: hosts}

	converged, notConverged := 0, 0
	for _, host := range hosts {
		if host.Status == HostConverged {
			converged++
		} else {
			notConverged++
		}
	}

	switch {
	case notConverged == 0:
		report.Outcome = TierClean
	case converged == 0:
		report.Outcome = TierTotalFailure
	default:
		report.Outcome = TierDegraded
	}
	return report
}

// RunReport is the whole-run aggregate: one tier report per attempted tier,
// plus placeholder reports for hosts of tiers that were never reached.
type RunReport struct {
	ID      string
	Play    string
	Started time.Time
	Tiers   []*TierReport
	// Aborted is set when a tier's total failure (or strict mode) stopped the
	// run before all tiers were attempted.
	Aborted bool
}

func NewRunReport(play string) *RunReport {
	return &RunReport{
		ID:      uuid.NewString(),
		Play:    play,
		Started: time.Now(),
	}
}

// Outcome folds the tier outcomes into the run outcome: the worst tier wins,
// and an aborted run is never better than total failure of its last tier.
func (r *RunReport) Outcome() TierOutcome {
	worst := TierClean
	for _, tier := range r.Tiers {
		if tier.Outcome > worst {
			worst = tier.Outcome
		}
	}
	return worst
}

// Recap renders the per-host counters in the plain-format recap style.
func (r *RunReport) Recap() string {
	out := fmt.Sprintf("\nRUN RECAP [%s] ****************************************************\n", r.Play)
	for _, tier := range r.Tiers {
		out += fmt.Sprintf("tier %s (%s): %s\n", tier.Group, tier.Role, tier.Outcome)
		for _, host := range tier.Hosts {
			counts := host.Counts()
			out += fmt.Sprintf("%s : %s  ok=%d    changed=%d    failed=%d    skipped=%d    ignored=%d\n",
				host.Host, host.Status, counts["ok"], counts["changed"], counts["failed"], counts["skipped"], counts["ignored"])
		}
	}
	return out
}
