package jobmon

import (
	"context"
	"testing"
	"time"

	"github.com/cfxcluster/cfxctl/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	responses map[string]struct {
		stdout string
		stderr string
		code   int
	}
	calls int
}

func (f *fakeExecutor) Exec(ctx context.Context, cmd string, timeout int) (string, string, int, error) {
	f.calls++
	if r, ok := f.responses[cmd]; ok {
		return r.stdout, r.stderr, r.code, nil
	}
	return "", "", 1, nil
}

func TestParseSLURMState(t *testing.T) {
	assert.Equal(t, Running, parseSLURMState("RUNNING"))
	assert.Equal(t, Completed, parseSLURMState("COMPLETED"))
	assert.Equal(t, Failed, parseSLURMState("NODE_FAIL"))
	assert.Equal(t, Cancelled, parseSLURMState("PREEMPTED"))
	assert.Equal(t, Unknown, parseSLURMState("WEIRD"))
}

func TestParsePBSState(t *testing.T) {
	assert.Equal(t, Pending, parsePBSState("Q"))
	assert.Equal(t, Running, parsePBSState("R"))
	assert.Equal(t, Completed, parsePBSState("C"))
	assert.Equal(t, Unknown, parsePBSState("Z"))
}

func TestCheckSLURMJobFromSacct(t *testing.T) {
	exec := &fakeExecutor{responses: map[string]struct {
		stdout string
		stderr string
		code   int
	}{
		"sacct -j 1001 -n -o JobID,State,Start,End,ExitCode --parsable2": {
			stdout: "1001|RUNNING|2026-01-01T00:00:00||0:0|\n1001.batch|RUNNING|2026-01-01T00:00:00||0:0|\n",
			code:   0,
		},
	}}
	m := New(exec, config.SchedulerSLURM, time.Second)
	state, raw, err := m.checkSLURMJob(context.Background(), "1001")
	require.NoError(t, err)
	assert.Equal(t, Running, state)
	assert.Equal(t, "RUNNING", raw)
}

func TestCheckSLURMJobEmptyMeansCompleted(t *testing.T) {
	exec := &fakeExecutor{responses: map[string]struct {
		stdout string
		stderr string
		code   int
	}{
		"sacct -j 1002 -n -o JobID,State,Start,End,ExitCode --parsable2": {stdout: "", code: 1},
		"squeue -j 1002 -h -o '%T'":                                      {stdout: "", code: 0},
	}}
	m := New(exec, config.SchedulerSLURM, time.Second)
	state, _, err := m.checkSLURMJob(context.Background(), "1002")
	require.NoError(t, err)
	assert.Equal(t, Completed, state)
}

func TestCheckPBSJobUnknownJobMeansCompleted(t *testing.T) {
	exec := &fakeExecutor{responses: map[string]struct {
		stdout string
		stderr string
		code   int
	}{
		"qstat -f 2001": {stdout: "", stderr: "qstat: Unknown Job Id 2001", code: 1},
	}}
	m := New(exec, config.SchedulerPBS, time.Second)
	state, _, err := m.checkPBSJob(context.Background(), "2001")
	require.NoError(t, err)
	assert.Equal(t, Completed, state)
}

func TestCheckPBSJobRunning(t *testing.T) {
	exec := &fakeExecutor{responses: map[string]struct {
		stdout string
		stderr string
		code   int
	}{
		"qstat -f 2002": {stdout: "Job Id: 2002.host\n    job_state = R\n    exec_host = node41/0\n", code: 0},
	}}
	m := New(exec, config.SchedulerPBS, time.Second)
	state, raw, err := m.checkPBSJob(context.Background(), "2002")
	require.NoError(t, err)
	assert.Equal(t, Running, state)
	assert.Equal(t, "R", raw)
}

func TestPollInvokesOnUpdateOnTransition(t *testing.T) {
	exec := &fakeExecutor{responses: map[string]struct {
		stdout string
		stderr string
		code   int
	}{
		"sacct -j 1 -n -o JobID,State,Start,End,ExitCode --parsable2": {stdout: "1|RUNNING||0:0|\n", code: 0},
	}}
	m := New(exec, config.SchedulerSLURM, time.Second)
	r := &Record{JobID: "1", State: Pending}
	var updates []Record
	m.Poll(context.Background(), []*Record{r}, func(rec Record) { updates = append(updates, rec) })

	require.Len(t, updates, 1)
	assert.Equal(t, Running, updates[0].State)
	assert.False(t, r.StartedAt.IsZero())
}

func TestPollSkipsTerminalJobs(t *testing.T) {
	exec := &fakeExecutor{}
	m := New(exec, config.SchedulerSLURM, time.Second)
	r := &Record{JobID: "1", State: Completed}
	calls := 0
	m.Poll(context.Background(), []*Record{r}, func(Record) { calls++ })
	assert.Equal(t, 0, calls)
}

// neverSchedule is a cron.Schedule whose next trigger is always a day
// away, making any window built on it inactive at poll time.
type neverSchedule struct{}

func (neverSchedule) Next(t time.Time) time.Time { return t.Add(24 * time.Hour) }

func TestNewIntervalSpecEmptyWindowAlwaysActive(t *testing.T) {
	spec, err := NewIntervalSpec(time.Minute, "")
	require.NoError(t, err)
	assert.True(t, spec.ActiveAt(time.Now()))
}

func TestNewIntervalSpecInvalidExpression(t *testing.T) {
	_, err := NewIntervalSpec(time.Minute, "not a crontab")
	assert.Error(t, err)
}

func TestIntervalSpecActiveAtHourWindow(t *testing.T) {
	spec, err := NewIntervalSpec(time.Minute, "* 2 * * *")
	require.NoError(t, err)

	inside := time.Date(2026, 8, 1, 2, 30, 30, 0, time.Local)
	outside := time.Date(2026, 8, 1, 10, 0, 0, 0, time.Local)
	assert.True(t, spec.ActiveAt(inside))
	assert.False(t, spec.ActiveAt(outside))
}

func TestPollAndSnapshotOutsideWindowRecordsSkipped(t *testing.T) {
	exec := &fakeExecutor{}
	m := New(exec, config.SchedulerSLURM, time.Second)
	m.SetWindow(&IntervalSpec{Interval: time.Second, schedule: neverSchedule{}})

	r := &Record{JobID: "1", State: Running}
	m.pollAndSnapshot(context.Background(), []*Record{r}, nil)

	assert.Equal(t, 0, exec.calls, "a skipped cycle must issue no remote commands")
	history := m.History()
	require.Len(t, history, 1, "a skipped cycle still appends a snapshot")
	assert.True(t, history[0].Skipped)
	assert.Equal(t, map[string]int{"running": 1}, history[0].States)
}

func TestWatchRecordsSnapshotPerCycle(t *testing.T) {
	exec := &fakeExecutor{responses: map[string]struct {
		stdout string
		stderr string
		code   int
	}{
		"sacct -j 1 -n -o JobID,State,Start,End,ExitCode --parsable2": {stdout: "1|COMPLETED|||0:0|\n", code: 0},
	}}
	m := New(exec, config.SchedulerSLURM, time.Second)
	r := &Record{JobID: "1", State: Running}
	m.Watch(context.Background(), []*Record{r}, nil)

	assert.Equal(t, Completed, r.State)
	history := m.History()
	require.Len(t, history, 1)
	assert.False(t, history[0].Skipped)
	assert.Equal(t, map[string]int{"completed": 1}, history[0].States)
}

func TestDecimatePreservesEndpoints(t *testing.T) {
	snaps := make([]Snapshot, 10)
	for i := range snaps {
		snaps[i] = Snapshot{States: map[string]int{"running": i}}
	}
	out := decimate(snaps, 5)
	require.LessOrEqual(t, len(out), 5)
	assert.Equal(t, 0, out[0].States["running"])
	assert.Equal(t, 9, out[len(out)-1].States["running"])
}

func TestGenerateReport(t *testing.T) {
	exec := &fakeExecutor{}
	m := New(exec, config.SchedulerSLURM, time.Second)

	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	done := &Record{JobID: "1", CaseName: "P_2200", State: Completed, StartedAt: start, EndedAt: start.Add(90 * time.Second)}
	lost := &Record{JobID: "2", CaseName: "P_2300", State: Unknown}
	rep := m.GenerateReport([]*Record{done, lost})

	assert.Equal(t, 2, rep.JobCount)
	assert.Equal(t, map[string]int{"completed": 1, "unknown": 1}, rep.FinalStates)
	require.Len(t, rep.Jobs, 2)
	assert.Equal(t, 90.0, rep.Jobs[0].RuntimeSec)
	assert.Empty(t, rep.Jobs[0].Error)
	assert.NotEmpty(t, rep.Jobs[1].Error)
}

func TestParseExitCode(t *testing.T) {
	assert.Equal(t, 0, ParseExitCode("0:0"))
	assert.Equal(t, 1, ParseExitCode("1:0"))
	assert.Equal(t, -1, ParseExitCode("garbage"))
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, Completed.Terminal())
	assert.True(t, Failed.Terminal())
	assert.False(t, Running.Terminal())
	assert.False(t, Pending.Terminal())
}
