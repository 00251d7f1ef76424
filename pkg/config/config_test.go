package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	c := DefaultConfig()
	c.PressureList = []float64{2200, 2300}
	c.SSHHost = "cluster.example.com"
	c.SSHUser = "batch"
	c.SSHKey = "~/.ssh/id_rsa"
	c.RemoteBasePath = "/scratch/batch/run"
	return c
}

func TestValidConfigValidates(t *testing.T) {
	c := validConfig()
	assert.NoError(t, c.Validate())
}

func TestValidateEmptyPressureList(t *testing.T) {
	c := validConfig()
	c.PressureList = nil
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pressureList must not be empty")
}

func TestValidateDuplicatePressure(t *testing.T) {
	c := validConfig()
	c.PressureList = []float64{2200, 2200}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateExclusiveCredential(t *testing.T) {
	c := validConfig()
	c.SSHPassword = "secret"
	// both password and key set
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of sshPassword or sshKey")

	c2 := validConfig()
	c2.SSHKey = ""
	err = c2.Validate()
	require.Error(t, err)
}

func TestValidateUnknownScheduler(t *testing.T) {
	c := validConfig()
	c.SchedulerType = "LSF"
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedulerType")
}

func TestLoadFromFileMergesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "projectName: demo\npressureList: [2200, 2300]\nsshHost: h\nsshUser: u\nsshKey: k\nremoteBasePath: /x\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.ProjectName)
	// untouched default survives the merge
	assert.Equal(t, StrategyHybrid, cfg.NodeAllocationStrategy)
	assert.Equal(t, 3, cfg.TransferRetryTimes)
}

func TestErrorsSplitsPerLine(t *testing.T) {
	c := &Config{}
	errs := c.Errors()
	assert.NotEmpty(t, errs)
	for _, e := range errs {
		assert.NotContains(t, e, "\n")
	}
}
