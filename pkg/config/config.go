// Package config loads and validates the run configuration for a CFX batch.
package config

import (
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

// CFXMode selects where .def files are generated.
type CFXMode string

const (
	CFXModeLocal  CFXMode = "local"
	CFXModeServer CFXMode = "server"
)

// SchedulerType identifies the batch scheduler dialect.
type SchedulerType string

const (
	SchedulerSLURM SchedulerType = "SLURM"
	SchedulerPBS   SchedulerType = "PBS"
)

// ClusterType names a known site layout. It is reported by the info
// command; node detection and template choice do not depend on it.
type ClusterType string

const (
	ClusterUniversity ClusterType = "university"
	ClusterGroupNew   ClusterType = "group_new"
	ClusterGroupOld   ClusterType = "group_old"
)

// PlacementStrategy names one of the four placement algorithms.
type PlacementStrategy string

const (
	StrategyBatchAllocation PlacementStrategy = "batch_allocation"
	StrategyNodeReuse       PlacementStrategy = "node_reuse"
	StrategySmartQueue      PlacementStrategy = "smart_queue"
	StrategyHybrid          PlacementStrategy = "hybrid"
)

// Config is the immutable-after-load description of one run.
type Config struct {
	// Environment
	CFXMode             CFXMode `json:"cfxMode"`
	CFXHome             string  `json:"cfxHome"`
	CFXBinPath          string  `json:"cfxBinPath"`
	RemoteCFXHome       string  `json:"remoteCfxHome"`
	RemoteCFXBinPath    string  `json:"remoteCfxBinPath"`
	AutoDetectCFX       bool    `json:"autoDetectCfx"`
	SkipCFXVerification bool    `json:"skipCfxVerification"`
	CFXModuleName       string  `json:"cfxModuleName"`
	RemoteCFXVersion    string  `json:"remoteCfxVersion"`

	// Project / case
	ProjectName   string    `json:"projectName"`
	JobName       string    `json:"jobName"`
	BasePath      string    `json:"basePath"`
	CFXFilePath   string    `json:"cfxFilePath"`
	InitialFile   string    `json:"initialFile"`
	FolderPrefix  string    `json:"folderPrefix"`
	DefFilePrefix string    `json:"defFilePrefix"`
	PressureList  []float64 `json:"pressureList"`
	PressureUnit  string    `json:"pressureUnit"`

	// CFX model knobs, opaque to the orchestrator, forwarded to the
	// session template.
	FlowAnalysisName  string  `json:"flowAnalysisName"`
	DomainName        string  `json:"domainName"`
	OutletBoundary    string  `json:"outletBoundaryName"`
	OutletLocation    string  `json:"outletLocation"`
	PressureBlend     float64 `json:"pressureBlend"`

	// Transport
	SSHHost                     string `json:"sshHost"`
	SSHPort                     int    `json:"sshPort"`
	SSHUser                     string `json:"sshUser"`
	SSHPassword                 string `json:"sshPassword"`
	SSHKey                      string `json:"sshKey"`
	RemoteBasePath              string `json:"remoteBasePath"`
	TransferRetryTimes          int    `json:"transferRetryTimes"`
	TransferTimeoutSeconds      int    `json:"transferTimeoutSeconds"`
	EnableChecksumVerification  bool   `json:"enableChecksumVerification"`

	// Cluster / scheduler
	ClusterType     ClusterType   `json:"clusterType"`
	SchedulerType   SchedulerType `json:"schedulerType"`
	Partition       string        `json:"partition"`
	Queue           string        `json:"queue"`
	Nodes           int           `json:"nodes"`
	TasksPerNode    int           `json:"tasksPerNode"`
	TimeLimit       string        `json:"timeLimit"`
	Walltime        string        `json:"walltime"`
	MemoryPerNode   string        `json:"memoryPerNode"`
	Memory          string        `json:"memory"`
	QOS             string        `json:"qos"`
	NodesSpec       string        `json:"nodesSpec"`
	MinCores        int           `json:"minCores"`
	PPN             int           `json:"ppn"`
	Email           string        `json:"email"`
	EmailEvents     string        `json:"emailEvents"`
	NodeList        string        `json:"nodelist"`

	// Placement
	EnableNodeDetection    bool              `json:"enableNodeDetection"`
	EnableNodeAllocation   bool              `json:"enableNodeAllocation"`
	NodeAllocationStrategy PlacementStrategy `json:"nodeAllocationStrategy"`
	MaxConcurrentJobs      int               `json:"maxConcurrentJobs"`
	MaxQueueJobs           int               `json:"maxQueueJobs"`
	ExcludeNodes           []string          `json:"excludeNodes"`

	// Monitoring
	EnableMonitoring     bool     `json:"enableMonitoring"`
	MonitorIntervalSec   int      `json:"monitorIntervalSeconds"`
	MonitorWindow        string   `json:"monitorWindow"`
	AutoDownloadResults  bool     `json:"autoDownloadResults"`
	CleanupRemoteFiles   bool     `json:"cleanupRemoteFiles"`
	ResultFilePatterns   []string `json:"resultFilePatterns"`
	JobSubmitDelaySec    int      `json:"jobSubmitDelaySeconds"`

	// Ambient
	LogLevel    string `json:"logLevel"`
	LogFile     string `json:"logFile"`
	MetricsAddr string `json:"metricsAddr"`
}

// GetRemoteCFXExecutablePath builds the full remote path to a named CFX
// executable, preferring an explicit bin path over deriving one from
// remoteCfxHome.
func (c *Config) GetRemoteCFXExecutablePath(name string) string {
	if c.RemoteCFXBinPath != "" {
		return c.RemoteCFXBinPath + "/" + name
	}
	if c.RemoteCFXHome != "" {
		return c.RemoteCFXHome + "/bin/" + name
	}
	return name
}

// LoadFromFile loads configuration from a YAML file, seeding unset fields
// from DefaultConfig first.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		CFXMode:                    CFXModeLocal,
		AutoDetectCFX:              true,
		ProjectName:                "cfx-project",
		JobName:                    "CFX_Job",
		BasePath:                   "./cfx_run",
		FolderPrefix:               "P_Out_",
		DefFilePrefix:              "",
		PressureUnit:               "Pa",
		SSHPort:                    22,
		TransferRetryTimes:         3,
		TransferTimeoutSeconds:     300,
		EnableChecksumVerification: true,
		ClusterType:                ClusterUniversity,
		SchedulerType:              SchedulerSLURM,
		Nodes:                      1,
		TasksPerNode:               32,
		TimeLimit:                  "24:00:00",
		Walltime:                   "24:00:00",
		MemoryPerNode:              "64GB",
		Memory:                     "64gb",
		QOS:                        "normal",
		PPN:                        28,
		EnableNodeDetection:        true,
		EnableNodeAllocation:       true,
		NodeAllocationStrategy:     StrategyHybrid,
		MaxConcurrentJobs:          2,
		MaxQueueJobs:               8,
		EnableMonitoring:           true,
		MonitorIntervalSec:         60,
		AutoDownloadResults:        true,
		ResultFilePatterns:         []string{"*.res", "*.out", "*.log", "*.err"},
		JobSubmitDelaySec:          2,
		LogLevel:                   "info",
	}
}

// Validate checks the configuration for load-bearing errors. It returns a
// ConfigError-style message naming the failing key so the CLI's `validate`
// command can report it line by line.
func (c *Config) Validate() error {
	var errs []string

	if c.ProjectName == "" {
		errs = append(errs, "projectName is required")
	}
	if c.BasePath == "" {
		errs = append(errs, "basePath is required")
	}
	if len(c.PressureList) == 0 {
		errs = append(errs, "pressureList must not be empty")
	}
	if seen := map[float64]bool{}; true {
		for _, p := range c.PressureList {
			if seen[p] {
				errs = append(errs, fmt.Sprintf("pressureList contains duplicate value %v", p))
			}
			seen[p] = true
		}
	}
	if c.SSHHost == "" {
		errs = append(errs, "sshHost is required")
	}
	if c.SSHUser == "" {
		errs = append(errs, "sshUser is required")
	}
	if (c.SSHPassword == "") == (c.SSHKey == "") {
		errs = append(errs, "exactly one of sshPassword or sshKey must be set")
	}
	if c.RemoteBasePath == "" {
		errs = append(errs, "remoteBasePath is required")
	}
	switch c.SchedulerType {
	case SchedulerSLURM, SchedulerPBS:
	default:
		errs = append(errs, fmt.Sprintf("schedulerType %q is not one of SLURM, PBS", c.SchedulerType))
	}
	switch c.NodeAllocationStrategy {
	case StrategyBatchAllocation, StrategyNodeReuse, StrategySmartQueue, StrategyHybrid:
	default:
		errs = append(errs, fmt.Sprintf("nodeAllocationStrategy %q is not a known strategy", c.NodeAllocationStrategy))
	}

	if len(errs) > 0 {
		msg := "invalid configuration:"
		for _, e := range errs {
			msg += "\n  - " + e
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// Errors returns the list of individual validation error strings, used by
// the `validate` CLI command to print one error per line.
func (c *Config) Errors() []string {
	err := c.Validate()
	if err == nil {
		return nil
	}
	lines := strings.Split(err.Error(), "\n")
	if len(lines) <= 1 {
		return nil
	}
	out := make([]string, 0, len(lines)-1)
	for _, l := range lines[1:] {
		out = append(out, strings.TrimPrefix(strings.TrimSpace(l), "- "))
	}
	return out
}
