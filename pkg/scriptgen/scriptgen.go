// Package scriptgen renders SLURM/PBS job scripts and submission
// wrappers from generated .def cases, selecting a queue strategy based
// on job count versus available node count.
package scriptgen

import (
	"bytes"
	"embed"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/cfxcluster/cfxctl/pkg/casegen"
	"github.com/cfxcluster/cfxctl/pkg/config"
	"github.com/cfxcluster/cfxctl/pkg/placement"
	"github.com/pkg/errors"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// QueueStrategy names how generated job scripts are grouped for
// submission.
type QueueStrategy string

const (
	Parallel   QueueStrategy = "parallel"
	Sequential QueueStrategy = "sequential"
	Batch      QueueStrategy = "batch"
)

// DetermineQueueStrategy picks a submission strategy from job count versus
// available node count: plentiful nodes submit in parallel, a handful of
// nodes batches jobs in node-sized groups, and a scarce or empty node
// pool falls back to one-at-a-time sequential submission.
func DetermineQueueStrategy(jobCount, availableNodes int) QueueStrategy {
	switch {
	case availableNodes >= jobCount:
		return Parallel
	case availableNodes >= 1:
		if jobCount <= availableNodes*2 {
			return Batch
		}
		return Sequential
	default:
		return Sequential
	}
}

// JobScript is a single rendered job script on disk, tied back to its case.
type JobScript struct {
	Case *casegen.Case
	Path string
}

// jobScriptView is the template data for one SLURM or PBS job script.
type jobScriptView struct {
	JobName      string
	Partition    string
	Queue        string
	Nodes        int
	TasksPerNode int
	NodesSpec    string
	NodeList     string
	TimeLimit    string
	Walltime     string
	Memory       string
	QOS          string
	Email        string
	EmailEvents  string
	WorkDir      string
	DefFile      string
	InitialFile  string
	SolverExe    string
}

// RenderJobScript renders a single SLURM or PBS job submission script for
// one case, placed on the node(s) the decision names.
func RenderJobScript(cfg *config.Config, c casegen.Case, decision placement.Decision, solverExe string) (string, error) {
	view := jobScriptView{
		JobName:      fmt.Sprintf("%s_%s", cfg.JobName, sanitizeJobSuffix(c.Pressure)),
		Partition:    cfg.Partition,
		Queue:        cfg.Queue,
		Nodes:        cfg.Nodes,
		TasksPerNode: cfg.TasksPerNode,
		NodesSpec:    cfg.NodesSpec,
		NodeList:     decision.NodeName,
		TimeLimit:    cfg.TimeLimit,
		Walltime:     cfg.Walltime,
		Memory:       cfg.Memory,
		QOS:          cfg.QOS,
		Email:        cfg.Email,
		EmailEvents:  cfg.EmailEvents,
		WorkDir:      cfg.RemoteBasePath + "/" + c.FolderName,
		DefFile:      c.DefFileName,
		SolverExe:    solverExe,
	}
	if cfg.InitialFile != "" {
		view.InitialFile = filepath.Base(cfg.InitialFile)
	}
	if decision.NodesSpec != "" {
		view.NodesSpec = decision.NodesSpec
	} else if view.NodesSpec == "" {
		view.NodesSpec = fmt.Sprintf("%d:ppn=%d", cfg.Nodes, cfg.TasksPerNode)
	}

	name := "slurm_job.sh.tmpl"
	if cfg.SchedulerType == config.SchedulerPBS {
		name = "pbs_job.sh.tmpl"
	}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, view); err != nil {
		return "", errors.Wrap(err, "failed to render job script")
	}
	return buf.String(), nil
}

func sanitizeJobSuffix(pressure float64) string {
	return fmt.Sprintf("P%v", pressure)
}

// submitScriptEntry is one job script within Submit_All.sh, annotated with
// whether it is the last in its group so the template knows whether to
// emit a wait after submitting it.
type submitScriptEntry struct {
	Path   string
	IsLast bool
}

// submitBatchEntry is one group of job scripts submitted together under
// the Batch queue strategy.
type submitBatchEntry struct {
	Index   int
	Scripts []string
	IsLast  bool
}

// submitAllView is the template data for Submit_All.sh.
type submitAllView struct {
	QueueStrategy QueueStrategy
	SubmitCmd     string
	Scheduler     string
	PollSeconds   int
	Scripts       []submitScriptEntry
	Batches       []submitBatchEntry
}

// RenderSubmitScript renders the wrapper script that submits every job
// script according to the queue strategy. Parallel fires every script in
// the background and waits for all of them; Sequential submits one job at
// a time and polls the scheduler until it finishes before submitting the
// next; Batch groups jobs into availableNodes-sized batches, submitting a
// whole batch and waiting for every job in it before moving to the next.
func RenderSubmitScript(cfg *config.Config, strategy QueueStrategy, scriptPaths []string, availableNodes int) (string, error) {
	submitCmd := "sbatch"
	scheduler := "SLURM"
	if cfg.SchedulerType == config.SchedulerPBS {
		submitCmd = "qsub"
		scheduler = "PBS"
	}

	view := submitAllView{QueueStrategy: strategy, SubmitCmd: submitCmd, Scheduler: scheduler, PollSeconds: 30}
	for i, p := range scriptPaths {
		view.Scripts = append(view.Scripts, submitScriptEntry{Path: p, IsLast: i == len(scriptPaths)-1})
	}

	if strategy == Batch {
		if availableNodes <= 0 {
			availableNodes = 1
		}
		var batches [][]string
		for i := 0; i < len(scriptPaths); i += availableNodes {
			end := i + availableNodes
			if end > len(scriptPaths) {
				end = len(scriptPaths)
			}
			batches = append(batches, scriptPaths[i:end])
		}
		for i, b := range batches {
			view.Batches = append(view.Batches, submitBatchEntry{Index: i, Scripts: b, IsLast: i == len(batches)-1})
		}
	}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "submit_all.sh.tmpl", view); err != nil {
		return "", errors.Wrap(err, "failed to render submit script")
	}
	return buf.String(), nil
}

// monitorAllView is the template data for Monitor_Jobs.sh.
type monitorAllView struct {
	Scheduler   string
	JobIDs      string
	PollSeconds int
}

// RenderMonitorScript renders a standalone poll-until-absent driver script
// that queries the scheduler every 30 seconds until none of the named job
// ids remain queued or running.
func RenderMonitorScript(cfg *config.Config, jobIDs []string) (string, error) {
	scheduler := "SLURM"
	if cfg.SchedulerType == config.SchedulerPBS {
		scheduler = "PBS"
	}

	view := monitorAllView{Scheduler: scheduler, JobIDs: strings.Join(jobIDs, " "), PollSeconds: 30}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "monitor_all.sh.tmpl", view); err != nil {
		return "", errors.Wrap(err, "failed to render monitor script")
	}
	return buf.String(), nil
}

// JobScriptFileName returns the on-disk name for a case's job script.
func JobScriptFileName(cfg *config.Config, c casegen.Case) string {
	ext := ".slurm"
	if cfg.SchedulerType == config.SchedulerPBS {
		ext = ".pbs"
	}
	return fmt.Sprintf("%s_%s%s", cfg.JobName, sanitizeJobSuffix(c.Pressure), ext)
}

// JobScriptPath joins a case's local directory with its job script file name.
func JobScriptPath(cfg *config.Config, c casegen.Case) string {
	return filepath.Join(c.LocalDir, JobScriptFileName(cfg, c))
}
