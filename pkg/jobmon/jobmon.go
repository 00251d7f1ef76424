// Package jobmon polls submitted batch jobs until they finish, tracking
// per-job state transitions and normalizing scheduler-specific status
// codes to a shared state set.
package jobmon

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cfxcluster/cfxctl/pkg/config"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// maxConsecutiveFailures is how many consecutive status-query failures a
// job tolerates before it is marked Unknown. Unknown is not terminal, so
// the job is still queried on later cycles.
const maxConsecutiveFailures = 3

// maxSnapshotHistory caps the number of monitoring snapshots retained in
// memory; once exceeded, the history is decimated (every other entry
// dropped, repeatedly) until at most maxSnapshotHistory/2 entries remain.
const maxSnapshotHistory = 1000

// State is the closed set of normalized job states.
type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Completed State = "completed"
	Failed    State = "failed"
	Cancelled State = "cancelled"
	Timeout   State = "timeout"
	Unknown   State = "unknown"
)

// Terminal reports whether a state ends monitoring for its job.
func (s State) Terminal() bool {
	switch s {
	case Completed, Failed, Cancelled, Timeout:
		return true
	default:
		return false
	}
}

// Record tracks one submitted job across its lifetime.
type Record struct {
	JobID       string
	CaseName    string
	State       State
	RawState    string
	SubmittedAt time.Time
	StartedAt   time.Time
	EndedAt     time.Time
	ExitCode    int
	StaleChecks int
}

// Executor is the narrow remote-command surface this package needs.
type Executor interface {
	Exec(ctx context.Context, cmd string, timeout int) (stdout, stderr string, exitCode int, err error)
}

// Snapshot captures the state of every monitored job at one poll cycle,
// used to build the monitoring report written at the end of a run.
// Skipped marks a cycle that fell outside the monitor window: the states
// shown are carried over from the last real poll, not freshly queried.
type Snapshot struct {
	At      time.Time      `json:"at"`
	States  map[string]int `json:"states"`
	Skipped bool           `json:"skipped,omitempty"`
}

// Monitor polls a set of submitted jobs until every one reaches a
// terminal state or the context is cancelled.
type Monitor struct {
	exec     Executor
	sched    config.SchedulerType
	interval time.Duration
	window   *IntervalSpec
	log      *logrus.Entry

	history []Snapshot
}

// New builds a Monitor for the given scheduler dialect.
func New(exec Executor, sched config.SchedulerType, interval time.Duration) *Monitor {
	return &Monitor{exec: exec, sched: sched, interval: interval, log: logrus.WithField("component", "jobmon")}
}

// SetWindow restricts active polling to the given maintenance window; ticks
// outside the window issue no remote commands but still append a snapshot
// marked Skipped, carrying the last known states, so the history has one
// entry per cycle. A nil window polls on every tick.
func (m *Monitor) SetWindow(w *IntervalSpec) {
	m.window = w
}

// IntervalSpec pairs a plain polling interval with an optional crontab-style
// guard expression restricting polling to a maintenance window (e.g. only
// between 22:00 and 06:00). The expression uses robfig/cron's standard
// 5-field syntax, evaluated here as a window predicate rather than a
// schedule.
type IntervalSpec struct {
	Interval time.Duration
	schedule cron.Schedule
}

// NewIntervalSpec builds an IntervalSpec. windowExpr may be empty (always
// active) or a standard 5-field crontab expression; a trigger point falling
// within the last Interval before the checked time marks the window active.
func NewIntervalSpec(interval time.Duration, windowExpr string) (*IntervalSpec, error) {
	spec := &IntervalSpec{Interval: interval}
	if strings.TrimSpace(windowExpr) == "" {
		return spec, nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(windowExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid monitor window %q: %w", windowExpr, err)
	}
	spec.schedule = sched
	return spec, nil
}

// ActiveAt reports whether t falls inside the configured window. With no
// window configured, every instant is active.
func (s *IntervalSpec) ActiveAt(t time.Time) bool {
	if s == nil || s.schedule == nil {
		return true
	}
	next := s.schedule.Next(t.Add(-s.Interval))
	return !next.After(t)
}

// OnUpdate is called whenever a job's normalized state changes.
type OnUpdate func(Record)

// Poll runs one round of status checks over the given records, updating
// their state in place and invoking onUpdate for every transition.
func (m *Monitor) Poll(ctx context.Context, records []*Record, onUpdate OnUpdate) {
	for _, r := range records {
		if r.State.Terminal() {
			continue
		}

		var newState State
		var rawState string
		var err error

		switch m.sched {
		case config.SchedulerSLURM:
			newState, rawState, err = m.checkSLURMJob(ctx, r.JobID)
		case config.SchedulerPBS:
			newState, rawState, err = m.checkPBSJob(ctx, r.JobID)
		default:
			newState, rawState = Unknown, ""
		}

		if err != nil {
			r.StaleChecks++
			m.log.WithError(err).WithField("job_id", r.JobID).Warn("status check failed, will retry")
			if r.StaleChecks >= maxConsecutiveFailures && r.State != Unknown {
				r.State = Unknown
				r.RawState = ""
				m.log.WithField("job_id", r.JobID).Warn("job marked unknown after repeated status-check failures")
				if onUpdate != nil {
					onUpdate(*r)
				}
			}
			continue
		}
		r.StaleChecks = 0

		if newState != r.State {
			old := r.State
			r.State = newState
			r.RawState = rawState
			if newState == Running && r.StartedAt.IsZero() {
				r.StartedAt = time.Now()
			}
			if newState.Terminal() {
				r.EndedAt = time.Now()
			}
			m.log.WithFields(logrus.Fields{"job_id": r.JobID, "from": old, "to": newState}).Info("job state changed")
			if onUpdate != nil {
				onUpdate(*r)
			}
		}
	}
}

// Watch polls on a ticker until every job is terminal or ctx is done.
// Every cycle's resulting state distribution is appended to the monitor's
// snapshot history (capped at maxSnapshotHistory, decimated when full).
func (m *Monitor) Watch(ctx context.Context, records []*Record, onUpdate OnUpdate) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.pollAndSnapshot(ctx, records, onUpdate)
	for {
		if allTerminal(records) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollAndSnapshot(ctx, records, onUpdate)
		}
	}
}

func (m *Monitor) pollAndSnapshot(ctx context.Context, records []*Record, onUpdate OnUpdate) {
	if m.window != nil && !m.window.ActiveAt(time.Now()) {
		m.log.Debug("outside monitor window, skipping poll cycle")
		m.recordSnapshot(records, true)
		return
	}
	m.Poll(ctx, records, onUpdate)
	m.recordSnapshot(records, false)
}

func (m *Monitor) recordSnapshot(records []*Record, skipped bool) {
	states := map[string]int{}
	for _, r := range records {
		states[string(r.State)]++
	}
	m.history = append(m.history, Snapshot{At: time.Now(), States: states, Skipped: skipped})
	if len(m.history) > maxSnapshotHistory {
		m.history = decimate(m.history, maxSnapshotHistory/2)
	}
}

// decimate repeatedly halves a snapshot slice by dropping every other
// entry, preserving the oldest and newest, until it holds at most target
// entries.
func decimate(snaps []Snapshot, target int) []Snapshot {
	for len(snaps) > target {
		kept := make([]Snapshot, 0, len(snaps)/2+1)
		for i, s := range snaps {
			if i%2 == 0 || i == len(snaps)-1 {
				kept = append(kept, s)
			}
		}
		snaps = kept
	}
	return snaps
}

// History returns the monitoring snapshot history collected by Watch.
func (m *Monitor) History() []Snapshot {
	return m.history
}

// Report summarizes a completed (or interrupted) monitoring run, written
// to monitoring_report_YYYYMMDD_HHMMSS.json.
type Report struct {
	GeneratedAt time.Time        `json:"generatedAt"`
	JobCount    int              `json:"jobCount"`
	FinalStates map[string]int   `json:"finalStates"`
	Snapshots   []Snapshot       `json:"snapshots"`
	Jobs        []ReportJobEntry `json:"jobs"`
}

// ReportJobEntry is one job's final summary in a monitoring Report.
type ReportJobEntry struct {
	JobID      string  `json:"jobId"`
	CaseName   string  `json:"caseName"`
	State      State   `json:"state"`
	RuntimeSec float64 `json:"runtimeSeconds"`
	Error      string  `json:"error,omitempty"`
}

// GenerateReport builds a Report from the current records and collected
// snapshot history, callable mid-run (e.g. on user cancellation) or after
// normal completion.
func (m *Monitor) GenerateReport(records []*Record) Report {
	final := map[string]int{}
	jobs := make([]ReportJobEntry, 0, len(records))
	for _, r := range records {
		final[string(r.State)]++
		entry := ReportJobEntry{JobID: r.JobID, CaseName: r.CaseName, State: r.State}
		if !r.StartedAt.IsZero() && !r.EndedAt.IsZero() {
			entry.RuntimeSec = r.EndedAt.Sub(r.StartedAt).Seconds()
		}
		if r.State == Unknown {
			entry.Error = "status could not be determined after repeated query failures"
		}
		jobs = append(jobs, entry)
	}
	return Report{
		GeneratedAt: time.Now(),
		JobCount:    len(records),
		FinalStates: final,
		Snapshots:   m.history,
		Jobs:        jobs,
	}
}

func allTerminal(records []*Record) bool {
	for _, r := range records {
		if !r.State.Terminal() {
			return false
		}
	}
	return true
}

// checkSLURMJob queries sacct, falling back to squeue when the job has
// aged out of accounting, and distinguishes a command failure (network
// blip, transient scheduler error — worth retrying) from a command that
// succeeded with empty output (job id no longer known to either
// command, treated as completed).
func (m *Monitor) checkSLURMJob(ctx context.Context, jobID string) (State, string, error) {
	cmd := fmt.Sprintf("sacct -j %s -n -o JobID,State,Start,End,ExitCode --parsable2", jobID)
	stdout, _, code, err := m.exec.Exec(ctx, cmd, 30)
	if err != nil {
		return Unknown, "", err
	}

	if code == 0 {
		for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			parts := strings.Split(line, "|")
			if len(parts) < 2 {
				continue
			}
			// sacct emits a base row plus .batch/.extern sub-steps; the
			// base job id carries the authoritative state.
			if parts[0] != jobID {
				continue
			}
			raw := parts[1]
			return parseSLURMState(raw), raw, nil
		}
	}

	squeueCmd := fmt.Sprintf("squeue -j %s -h -o '%%T'", jobID)
	stdout, stderr, code, err := m.exec.Exec(ctx, squeueCmd, 30)
	if err != nil {
		return Unknown, "", err
	}
	if code != 0 {
		// squeue rejects ids it no longer tracks; any other failure is
		// returned so the caller retries.
		if strings.Contains(strings.ToLower(stderr), "invalid job id") {
			return Completed, "", nil
		}
		return Unknown, "", fmt.Errorf("squeue failed: %s", stderr)
	}
	raw := strings.TrimSpace(stdout)
	if raw == "" {
		// Command succeeded but the job is in neither sacct nor squeue:
		// it has completed and aged out of both views.
		return Completed, "", nil
	}
	return parseSLURMState(raw), raw, nil
}

func parseSLURMState(raw string) State {
	s := strings.ToUpper(strings.TrimSpace(raw))
	// sacct reports operator cancellations as "CANCELLED by <uid>".
	if strings.HasPrefix(s, "CANCELLED") {
		return Cancelled
	}
	switch s {
	case "PENDING":
		return Pending
	case "RUNNING":
		return Running
	case "COMPLETED":
		return Completed
	case "FAILED", "NODE_FAIL", "OUT_OF_MEMORY":
		return Failed
	case "TIMEOUT":
		return Timeout
	case "PREEMPTED":
		return Cancelled
	default:
		return Unknown
	}
}

// checkPBSJob queries qstat -f. A non-zero exit whose stderr reports an
// unknown job id, or a response with no job_state, means the job has
// already been purged from the scheduler's view and is treated as
// completed; any other non-zero exit is returned as an error so the
// caller retries.
func (m *Monitor) checkPBSJob(ctx context.Context, jobID string) (State, string, error) {
	cmd := fmt.Sprintf("qstat -f %s", jobID)
	stdout, stderr, code, err := m.exec.Exec(ctx, cmd, 30)
	if err != nil {
		return Unknown, "", err
	}
	if code != 0 {
		if strings.Contains(strings.ToLower(stderr), "unknown job") {
			return Completed, "", nil
		}
		return Unknown, "", fmt.Errorf("qstat failed: %s", stderr)
	}

	raw := extractPBSField(stdout, "job_state")
	if raw == "" {
		return Completed, "", nil
	}
	return parsePBSState(raw), raw, nil
}

func extractPBSField(output, key string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, key+" =") || strings.HasPrefix(line, key+"=") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return ""
}

func parsePBSState(raw string) State {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "Q", "H", "W", "S":
		return Pending
	case "R", "T":
		return Running
	case "C", "E":
		return Completed
	default:
		return Unknown
	}
}

// ParseExitCode extracts a SLURM "exitcode:signal" or raw PBS exit value
// into an int, defaulting to -1 if unparseable.
func ParseExitCode(raw string) int {
	raw = strings.SplitN(raw, ":", 2)[0]
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return -1
	}
	return n
}
