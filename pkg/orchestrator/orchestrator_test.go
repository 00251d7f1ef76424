package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cfxcluster/cfxctl/pkg/config"
	"github.com/cfxcluster/cfxctl/pkg/scriptgen"
	"github.com/cfxcluster/cfxctl/pkg/transport/faketransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig builds a local-generation config whose CFXBinPath points at
// a fake cfx5pre script that creates the .def files RunLocalCFXPre
// expects to find afterward, so generate_def succeeds without a real CFX
// install.
func testConfig(t *testing.T) *config.Config {
	return testConfigWithPressures(t, []float64{2200, 2300})
}

func testConfigWithPressures(t *testing.T, pressures []float64) *config.Config {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.BasePath = dir
	cfg.PressureList = pressures
	cfg.SSHHost = "cluster.example.com"
	cfg.SSHUser = "batch"
	cfg.SSHKey = "~/.ssh/id_rsa"
	cfg.RemoteBasePath = "/scratch/run"
	cfg.SkipCFXVerification = true
	cfg.EnableNodeDetection = true
	cfg.EnableNodeAllocation = true
	cfg.EnableMonitoring = false
	cfg.CFXMode = config.CFXModeLocal
	cfg.JobSubmitDelaySec = 0

	var script strings.Builder
	script.WriteString("#!/bin/sh\n")
	for _, p := range cfg.PressureList {
		folder := filepath.Join(dir, fmt.Sprintf("%s%v", cfg.FolderPrefix, p))
		script.WriteString(fmt.Sprintf("mkdir -p '%s'\n", folder))
		script.WriteString(fmt.Sprintf("touch '%s'\n", filepath.Join(folder, fmt.Sprintf("%v.def", p))))
	}
	script.WriteString("exit 0\n")

	binDir := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "cfx5pre"), []byte(script.String()), 0o755))
	cfg.CFXBinPath = binDir

	return cfg
}

func TestOrchestratorRunsToMonitor(t *testing.T) {
	cfg := testConfig(t)
	tr := faketransport.New()
	tr.SetResponse("which sinfo", "/usr/bin/sinfo\n")
	tr.SetResponse("sinfo -N -h -o '%N %c %m %t %P %f'",
		"node01 32 65536 idle compute (null)\nnode02 32 65536 idle compute (null)\n")
	tr.DefaultExec = func(cmd string) (string, string, int) {
		if strings.HasPrefix(cmd, "sbatch") {
			return "Submitted batch job 4242\n", "", 0
		}
		return "", "", 0
	}

	o := New(cfg, tr, nil)
	err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Contains(t, o.state.Completed, string(StepConnectServer))
	assert.Contains(t, o.state.Completed, string(StepGenerateDef))
	assert.Contains(t, o.state.Completed, string(StepSubmitJobs))
	require.Len(t, o.jobRecords, 2)
	assert.Equal(t, "4242", o.jobRecords[0].JobID)

	monitorPath := filepath.Join(cfg.BasePath, "Monitor_Jobs.sh")
	content, err := os.ReadFile(monitorPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "4242")

	uploaded, ok := tr.Files["/scratch/run/Monitor_Jobs.sh"]
	require.True(t, ok, "Monitor_Jobs.sh should be uploaded alongside Submit_All.sh")
	assert.Contains(t, string(uploaded), "squeue -j")
}

// submitAndPollExec builds a DefaultExec that assigns an incrementing job
// id to every sbatch call and reports every poll (sacct/squeue) as
// immediately empty, so jobmon treats each job as completed on its very
// first poll and Watch never blocks on its ticker.
func submitAndPollExec() func(string) (string, string, int) {
	next := 5000
	return func(cmd string) (string, string, int) {
		switch {
		case strings.HasPrefix(cmd, "sbatch"):
			next++
			return fmt.Sprintf("Submitted batch job %d\n", next), "", 0
		case strings.HasPrefix(cmd, "sacct"), strings.HasPrefix(cmd, "squeue"):
			return "", "", 0
		default:
			return "", "", 0
		}
	}
}

func TestOrchestratorSequentialWaitsBetweenSubmissions(t *testing.T) {
	cfg := testConfigWithPressures(t, []float64{2200, 2300, 2400})
	tr := faketransport.New()
	tr.SetResponse("which sinfo", "/usr/bin/sinfo\n")
	tr.SetResponse("sinfo -N -h -o '%N %c %m %t %P %f'", "node01 32 65536 idle compute (null)\n")
	tr.DefaultExec = submitAndPollExec()

	o := New(cfg, tr, nil)
	err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, o.jobRecords, 3)
	assert.Equal(t, scriptgen.Sequential, o.queueStrategy)

	log := tr.ExecLog()
	var firstSubmit, firstPoll int = -1, -1
	for i, cmd := range log {
		if strings.HasPrefix(cmd, "sbatch") && firstSubmit == -1 {
			firstSubmit = i
		}
		if (strings.HasPrefix(cmd, "sacct") || strings.HasPrefix(cmd, "squeue")) && firstPoll == -1 {
			firstPoll = i
		}
	}
	require.NotEqual(t, -1, firstSubmit)
	require.NotEqual(t, -1, firstPoll)
	assert.Less(t, firstSubmit, firstPoll, "a poll should follow the first submission before the next one")
}

func TestOrchestratorBatchWaitsBetweenGroups(t *testing.T) {
	cfg := testConfigWithPressures(t, []float64{2200, 2300, 2400})
	tr := faketransport.New()
	tr.SetResponse("which sinfo", "/usr/bin/sinfo\n")
	tr.SetResponse("sinfo -N -h -o '%N %c %m %t %P %f'",
		"node01 32 65536 idle compute (null)\nnode02 32 65536 idle compute (null)\n")
	tr.DefaultExec = submitAndPollExec()

	o := New(cfg, tr, nil)
	err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, o.jobRecords, 3)
	assert.Equal(t, scriptgen.Batch, o.queueStrategy)

	submits := 0
	for _, cmd := range tr.ExecLog() {
		if strings.HasPrefix(cmd, "sbatch") {
			submits++
		}
	}
	assert.Equal(t, 3, submits)
}

func TestOrchestratorServerModeGeneratesDefsRemotely(t *testing.T) {
	cfg := testConfig(t)
	cfg.CFXMode = config.CFXModeServer
	cfg.RemoteCFXBinPath = "/opt/cfx/bin"
	tr := faketransport.New()
	tr.SetResponse("which sinfo", "/usr/bin/sinfo\n")
	tr.SetResponse("sinfo -N -h -o '%N %c %m %t %P %f'",
		"node01 32 65536 idle compute (null)\nnode02 32 65536 idle compute (null)\n")
	tr.DefaultExec = submitAndPollExec()

	o := New(cfg, tr, nil)
	err := o.Run(context.Background())
	require.NoError(t, err)

	var ranRemotePre bool
	for _, cmd := range tr.ExecLog() {
		if strings.Contains(cmd, "/opt/cfx/bin/cfx5pre -batch") {
			ranRemotePre = true
		}
	}
	assert.True(t, ranRemotePre, "cfx5pre should run on the cluster in server mode")

	_, uploadedPre := tr.Files["/scratch/run/create_def_batch.pre"]
	assert.True(t, uploadedPre, "the session script should be staged to the remote root")

	// Remote-generated .def files are already in place and must not be
	// re-uploaded from the (nonexistent) local copies.
	for remote := range tr.Files {
		assert.NotContains(t, remote, ".def")
	}
}

func TestOrchestratorDryRunStopsAfterGenerateScripts(t *testing.T) {
	cfg := testConfig(t)
	tr := faketransport.New()
	tr.SetResponse("which sinfo", "/usr/bin/sinfo\n")
	tr.SetResponse("sinfo -N -h -o '%N %c %m %t %P %f'",
		"node01 32 65536 idle compute (null)\nnode02 32 65536 idle compute (null)\n")

	o := New(cfg, tr, nil)
	err := o.RunUpTo(context.Background(), StepGenerateScripts)
	require.NoError(t, err)

	assert.Contains(t, o.state.Completed, string(StepGenerateScripts))
	assert.NotContains(t, o.state.Completed, string(StepUploadFiles))
	assert.NotContains(t, o.state.Completed, string(StepSubmitJobs))

	planned := o.PlannedJobs()
	assert.Len(t, planned, 2)
}

func TestOrchestratorRunOnlyRunsGivenStepsInOrder(t *testing.T) {
	cfg := testConfig(t)
	cfg.EnableNodeDetection = false
	cfg.EnableNodeAllocation = false
	cfg.CFXMode = config.CFXModeLocal
	cfg.SkipCFXVerification = true

	tr := faketransport.New()
	var observed []StepName
	o := New(cfg, tr, nil)
	o.SetObserver(func(step StepName, _ time.Duration, _ error) {
		observed = append(observed, step)
	})

	err := o.RunOnly(context.Background(), []StepName{StepConnectServer, StepVerifyCFX})
	require.NoError(t, err)
	assert.Equal(t, []StepName{StepConnectServer, StepVerifyCFX}, observed)
}

func TestOrchestratorResumeSkipsCompletedSteps(t *testing.T) {
	cfg := testConfig(t)
	cfg.EnableNodeDetection = false
	cfg.EnableNodeAllocation = false
	cfg.CFXMode = config.CFXModeLocal
	cfg.SkipCFXVerification = true

	tr := faketransport.New()
	state := NewState()
	state.Completed = []string{
		string(StepConnectServer),
		string(StepVerifyCFX),
		string(StepGeneratePre),
		string(StepGenerateDef),
		string(StepQueryCluster),
		string(StepGenerateScripts),
		string(StepUploadFiles),
		string(StepSubmitJobs),
		string(StepMonitorJobs),
	}

	var observed []StepName
	o := New(cfg, tr, state)
	o.SetObserver(func(step StepName, _ time.Duration, _ error) {
		observed = append(observed, step)
	})

	err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, observed, "every step was already completed, none should run")
}

func TestOrchestratorGenerateDefFailureWritesReport(t *testing.T) {
	cfg := testConfig(t)
	// Replace the fake cfx5pre with one that fails outright.
	require.NoError(t, os.WriteFile(filepath.Join(cfg.CFXBinPath, "cfx5pre"), []byte("#!/bin/sh\nexit 1\n"), 0o755))

	tr := faketransport.New()
	o := New(cfg, tr, nil)
	err := o.Run(context.Background())
	require.Error(t, err)

	assert.Contains(t, o.state.Completed, string(StepConnectServer))
	assert.Contains(t, o.state.Completed, string(StepVerifyCFX))
	require.Len(t, o.state.Failed, 1)
	assert.Contains(t, o.state.Failed[0], string(StepGenerateDef))

	entries, err := os.ReadDir(filepath.Join(cfg.BasePath, "report"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(cfg.BasePath, "report", entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"success": false`)
}

func TestParseJobIDSLURM(t *testing.T) {
	assert.Equal(t, "4242", parseJobID("Submitted batch job 4242\n", config.SchedulerSLURM))
}

func TestParseJobIDPBS(t *testing.T) {
	assert.Equal(t, "123.host", parseJobID("123.host\n", config.SchedulerPBS))
}

func TestBasename(t *testing.T) {
	assert.Equal(t, "file.def", basename("/a/b/file.def"))
	assert.Equal(t, "file.def", basename("file.def"))
}
