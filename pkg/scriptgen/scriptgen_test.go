package scriptgen

import (
	"strings"
	"testing"

	"github.com/cfxcluster/cfxctl/pkg/casegen"
	"github.com/cfxcluster/cfxctl/pkg/config"
	"github.com/cfxcluster/cfxctl/pkg/placement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetermineQueueStrategy(t *testing.T) {
	assert.Equal(t, Parallel, DetermineQueueStrategy(4, 4))
	assert.Equal(t, Parallel, DetermineQueueStrategy(2, 8))
	assert.Equal(t, Batch, DetermineQueueStrategy(4, 2))
	assert.Equal(t, Sequential, DetermineQueueStrategy(10, 2))
	assert.Equal(t, Sequential, DetermineQueueStrategy(3, 0))
}

func TestRenderJobScriptSLURM(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SchedulerType = config.SchedulerSLURM
	cfg.JobName = "CFXRun"
	c := casegen.Case{Pressure: 2200, LocalDir: "/run/P_Out_2200", DefFileName: "2200.def"}
	d := placement.Decision{NodeName: "node01"}

	out, err := RenderJobScript(cfg, c, d, "/opt/cfx/bin/cfx5solve")
	require.NoError(t, err)
	assert.Contains(t, out, "#SBATCH --job-name=CFXRun_P2200")
	assert.Contains(t, out, "node01")
	assert.Contains(t, out, "cfx5solve")
}

func TestRenderJobScriptPBS(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SchedulerType = config.SchedulerPBS
	cfg.JobName = "CFXRun"
	cfg.RemoteBasePath = "/scratch/run"
	c := casegen.Case{Pressure: 2300, FolderName: "P_Out_2300", LocalDir: "/run/P_Out_2300", DefFileName: "2300.def"}
	d := placement.Decision{NodeName: "n41"}

	out, err := RenderJobScript(cfg, c, d, "/opt/cfx/bin/cfx5solve")
	require.NoError(t, err)
	assert.Contains(t, out, "#PBS -N CFXRun_P2300")
	assert.Contains(t, out, `cd "/scratch/run/P_Out_2300"`)
}

func TestRenderJobScriptInitialFile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.JobName = "CFXRun"
	cfg.RemoteBasePath = "/scratch/run"
	cfg.InitialFile = "/models/steady_state.res"
	c := casegen.Case{Pressure: 2200, FolderName: "P_Out_2200", DefFileName: "2200.def"}

	out, err := RenderJobScript(cfg, c, placement.Decision{NodeName: "node01"}, "cfx5solve")
	require.NoError(t, err)
	assert.Contains(t, out, `-ini-file "steady_state.res"`)
}

func TestRenderSubmitScriptParallel(t *testing.T) {
	cfg := config.DefaultConfig()
	out, err := RenderSubmitScript(cfg, Parallel, []string{"a.slurm", "b.slurm"}, 4)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "a.slurm") && strings.Contains(out, "b.slurm"))
	assert.Contains(t, out, "sbatch")
}

func TestRenderSubmitScriptBatch(t *testing.T) {
	cfg := config.DefaultConfig()
	out, err := RenderSubmitScript(cfg, Batch, []string{"a.slurm", "b.slurm", "c.slurm"}, 2)
	require.NoError(t, err)
	assert.Contains(t, out, "submitting batch")
	assert.Contains(t, out, "waiting for batch 0 to finish")
	assert.NotContains(t, out, "waiting for batch 1 to finish")
	assert.Contains(t, out, "squeue -j")
}

func TestRenderSubmitScriptSequentialWaitsBetweenJobsNotAfterLast(t *testing.T) {
	cfg := config.DefaultConfig()
	out, err := RenderSubmitScript(cfg, Sequential, []string{"a.slurm", "b.slurm"}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "waiting for job"))
	assert.Contains(t, out, "squeue -j")
}

func TestRenderSubmitScriptSequentialPBS(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SchedulerType = config.SchedulerPBS
	out, err := RenderSubmitScript(cfg, Sequential, []string{"a.pbs", "b.pbs"}, 1)
	require.NoError(t, err)
	assert.Contains(t, out, "qstat")
	assert.NotContains(t, out, "squeue")
}

func TestJobScriptFileNameExtensionBySched(t *testing.T) {
	cfg := config.DefaultConfig()
	c := casegen.Case{Pressure: 2200}

	cfg.SchedulerType = config.SchedulerSLURM
	assert.True(t, strings.HasSuffix(JobScriptFileName(cfg, c), ".slurm"))

	cfg.SchedulerType = config.SchedulerPBS
	assert.True(t, strings.HasSuffix(JobScriptFileName(cfg, c), ".pbs"))
}

func TestRenderMonitorScriptSLURM(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SchedulerType = config.SchedulerSLURM

	out, err := RenderMonitorScript(cfg, []string{"4242", "4243"})
	require.NoError(t, err)
	assert.Contains(t, out, "squeue -j")
	assert.Contains(t, out, "4242 4243")
}

func TestRenderMonitorScriptPBS(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SchedulerType = config.SchedulerPBS

	out, err := RenderMonitorScript(cfg, []string{"77.head"})
	require.NoError(t, err)
	assert.Contains(t, out, "qstat")
	assert.Contains(t, out, "77.head")
}
