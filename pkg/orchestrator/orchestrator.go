// Package orchestrator runs the linear, resumable pipeline that takes a
// configured pressure sweep from a local base model through to retrieved
// results on a remote cluster.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cfxcluster/cfxctl/pkg/casegen"
	"github.com/cfxcluster/cfxctl/pkg/cfxenv"
	"github.com/cfxcluster/cfxctl/pkg/cluster"
	"github.com/cfxcluster/cfxctl/pkg/config"
	"github.com/cfxcluster/cfxctl/pkg/jobmon"
	"github.com/cfxcluster/cfxctl/pkg/metrics"
	"github.com/cfxcluster/cfxctl/pkg/placement"
	"github.com/cfxcluster/cfxctl/pkg/scriptgen"
	"github.com/cfxcluster/cfxctl/pkg/transport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// slurmSubmitIDPattern matches the exact line sbatch prints on success:
// "Submitted batch job <digits>".
var slurmSubmitIDPattern = regexp.MustCompile(`(?m)^Submitted batch job (\d+)\r?$`)

// StepName identifies one stage of the pipeline, in execution order.
type StepName string

const (
	StepConnectServer   StepName = "connect_server"
	StepVerifyCFX       StepName = "verify_cfx"
	StepGeneratePre     StepName = "generate_pre"
	StepGenerateDef     StepName = "generate_def"
	StepQueryCluster    StepName = "query_cluster"
	StepGenerateScripts StepName = "generate_scripts"
	StepUploadFiles     StepName = "upload_files"
	StepSubmitJobs      StepName = "submit_jobs"
	StepMonitorJobs     StepName = "monitor_jobs"
)

// Steps is the fixed pipeline order.
var Steps = []StepName{
	StepConnectServer,
	StepVerifyCFX,
	StepGeneratePre,
	StepGenerateDef,
	StepQueryCluster,
	StepGenerateScripts,
	StepUploadFiles,
	StepSubmitJobs,
	StepMonitorJobs,
}

// State tracks pipeline progress across steps, enabling resume: a run
// that failed partway through can be restarted and will skip every step
// already recorded as Completed.
type State struct {
	Completed []string
	Failed    []string
	Artifacts map[string]any
}

// NewState returns an empty pipeline state.
func NewState() *State {
	return &State{Artifacts: map[string]any{}}
}

func (s *State) isCompleted(step StepName) bool {
	for _, c := range s.Completed {
		if c == string(step) {
			return true
		}
	}
	return false
}

func (s *State) markCompleted(step StepName) {
	s.Completed = append(s.Completed, string(step))
}

func (s *State) markFailed(step StepName, err error) {
	s.Failed = append(s.Failed, fmt.Sprintf("%s: %v", step, err))
}

// StepFunc runs one pipeline step against the shared state.
type StepFunc func(ctx context.Context) error

// StepObserver is notified after each step runs, with its duration and
// result, used to record per-step durations.
type StepObserver func(step StepName, dur time.Duration, err error)

// Orchestrator wires every component package into the 9-step pipeline.
type Orchestrator struct {
	cfg       *config.Config
	transport transport.Transport
	state     *State
	log       *logrus.Entry
	observer  StepObserver
	metrics   *metrics.Registry
	runID     string
	startedAt time.Time

	cases          []casegen.Case
	preFile        string
	nodes          []cluster.Node
	dialect        cluster.Dialect
	placementR     placement.Result
	jobScripts     []scriptgen.JobScript
	submitPath     string
	queueStrategy  scriptgen.QueueStrategy
	availableNodes int
	jobRecords     []*jobmon.Record
	solverExe      string
	remoteDefs     bool
	transferStats  transport.Stats
}

// New builds an Orchestrator. If state is nil a fresh one is created.
func New(cfg *config.Config, tr transport.Transport, state *State) *Orchestrator {
	if state == nil {
		state = NewState()
	}
	return &Orchestrator{
		cfg:       cfg,
		transport: tr,
		state:     state,
		log:       logrus.WithField("component", "orchestrator"),
		runID:     time.Now().Format("20060102_150405"),
	}
}

// SetObserver installs a callback invoked after every step.
func (o *Orchestrator) SetObserver(obs StepObserver) {
	o.observer = obs
}

// SetMetrics attaches a metrics registry; when set, every step's duration
// is recorded against it in addition to any observer callback.
func (o *Orchestrator) SetMetrics(m *metrics.Registry) {
	o.metrics = m
}

// State returns the orchestrator's resumable state, e.g. to persist to
// disk between CLI invocations.
func (o *Orchestrator) State() *State {
	return o.state
}

// Run executes every step in order, skipping any already marked
// Completed in the state, and stops at the first failing step. A JSON
// execution report is always written to base_path/report/, whether the
// run succeeds or aborts partway through.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.run(ctx, Steps, true)
}

// RunOnly executes exactly the named steps, in the given order, ignoring
// both the fixed pipeline order and any already-Completed bookkeeping.
// It backs the CLI's `run --steps` flag, which lets an operator re-drive
// a subset of the pipeline (e.g. re-submit after fixing a script by hand).
func (o *Orchestrator) RunOnly(ctx context.Context, names []StepName) error {
	return o.run(ctx, names, false)
}

// RunUpTo executes the fixed pipeline order but stops once last has run,
// inclusive. It backs the CLI's `run --dry-run` flag, which stops right
// after placement so planned jobs can be enumerated without staging or
// submitting anything.
func (o *Orchestrator) RunUpTo(ctx context.Context, last StepName) error {
	var subset []StepName
	for _, name := range Steps {
		subset = append(subset, name)
		if name == last {
			break
		}
	}
	return o.run(ctx, subset, true)
}

// PlannedJobs exposes the placement decisions made by generate_scripts,
// for callers (the dry-run CLI path) that stop the pipeline before
// submission.
func (o *Orchestrator) PlannedJobs() []placement.Decision {
	return o.placementR.Decisions
}

func (o *Orchestrator) run(ctx context.Context, order []StepName, skipCompleted bool) error {
	o.startedAt = time.Now()
	steps := map[StepName]StepFunc{
		StepConnectServer:   o.stepConnectServer,
		StepVerifyCFX:       o.stepVerifyCFX,
		StepGeneratePre:     o.stepGeneratePre,
		StepGenerateDef:     o.stepGenerateDef,
		StepQueryCluster:    o.stepQueryCluster,
		StepGenerateScripts: o.stepGenerateScripts,
		StepUploadFiles:     o.stepUploadFiles,
		StepSubmitJobs:      o.stepSubmitJobs,
		StepMonitorJobs:     o.stepMonitorJobs,
	}

	runErr := o.runSteps(ctx, order, steps, skipCompleted)
	if reportErr := o.writeReport(runErr); reportErr != nil {
		o.log.WithError(reportErr).Warn("failed to write execution report")
	}
	return runErr
}

func (o *Orchestrator) runSteps(ctx context.Context, order []StepName, steps map[StepName]StepFunc, skipCompleted bool) error {
	for _, name := range order {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if skipCompleted && o.state.isCompleted(name) {
			o.log.WithField("step", name).Info("skipping already-completed step")
			continue
		}

		fn, ok := steps[name]
		if !ok {
			return errors.Errorf("unknown step: %s", name)
		}
		start := time.Now()
		err := fn(ctx)
		dur := time.Since(start)

		if o.observer != nil {
			o.observer(name, dur, err)
		}
		if o.metrics != nil {
			o.metrics.ObserveStep(string(name), dur)
		}
		if o.transport != nil {
			prevRetries := o.transferStats.RetriedOps
			o.transferStats = o.transport.Stats()
			if o.metrics != nil && o.transferStats.RetriedOps > prevRetries {
				o.metrics.TransferRetries.Add(float64(o.transferStats.RetriedOps - prevRetries))
			}
		}

		if err != nil {
			o.state.markFailed(name, err)
			o.log.WithFields(logrus.Fields{"step": name, "duration": dur}).WithError(err).Error("step failed")
			return errors.Wrapf(err, "step %s failed", name)
		}
		o.state.markCompleted(name)
		o.log.WithFields(logrus.Fields{"step": name, "duration": dur}).Info("step completed")
	}

	return nil
}

// Report is the execution summary persisted under base_path/report/.
type Report struct {
	RunID            string            `json:"runId"`
	ProjectName      string            `json:"projectName"`
	StartedAt        time.Time         `json:"startedAt"`
	EndedAt          time.Time         `json:"endedAt"`
	DurationSeconds  float64           `json:"durationSeconds"`
	CompletedSteps   []string          `json:"completedSteps"`
	FailedSteps      []string          `json:"failedSteps"`
	Success          bool              `json:"success"`
	ErrorMessage     string            `json:"errorMessage,omitempty"`
	CaseCount        int               `json:"caseCount"`
	JobCount         int               `json:"jobCount"`
	JobStates        map[string]string `json:"jobStates,omitempty"`
	TransferStats    transport.Stats   `json:"transferStats"`
	PlacementSummary *placement.Result `json:"placementSummary,omitempty"`
}

// writeReport persists a Report reflecting the run's outcome so far to
// base_path/report/<run-id>.json.
func (o *Orchestrator) writeReport(runErr error) error {
	if o.cfg == nil || o.cfg.BasePath == "" {
		return nil
	}

	jobStates := map[string]string{}
	for _, r := range o.jobRecords {
		jobStates[r.CaseName] = string(r.State)
	}

	rep := Report{
		RunID:           o.runID,
		ProjectName:     o.cfg.ProjectName,
		StartedAt:       o.startedAt,
		EndedAt:         time.Now(),
		DurationSeconds: time.Since(o.startedAt).Seconds(),
		CompletedSteps:  append([]string{}, o.state.Completed...),
		FailedSteps:     append([]string{}, o.state.Failed...),
		Success:         runErr == nil,
		CaseCount:       len(o.cases),
		JobCount:        len(o.jobRecords),
		JobStates:       jobStates,
		TransferStats:   o.transferStats,
	}
	if runErr != nil {
		rep.ErrorMessage = runErr.Error()
	}
	if len(o.placementR.Decisions) > 0 || len(o.placementR.Unplaced) > 0 {
		rep.PlacementSummary = &o.placementR
	}

	reportDir := filepath.Join(o.cfg.BasePath, "report")
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create report directory")
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal execution report")
	}

	path := filepath.Join(reportDir, rep.RunID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write report %s", path)
	}
	return nil
}

func (o *Orchestrator) stepConnectServer(ctx context.Context) error {
	if o.cfg.CFXMode == config.CFXModeLocal && o.cfg.SSHHost == "" {
		return nil
	}
	return o.transport.Connect(ctx)
}

func (o *Orchestrator) stepVerifyCFX(ctx context.Context) error {
	if o.cfg.SkipCFXVerification {
		return nil
	}

	if o.cfg.CFXMode == config.CFXModeLocal {
		info, err := cfxenv.DetectLocal()
		if err != nil {
			if !o.cfg.AutoDetectCFX {
				return err
			}
			return errors.Wrap(err, "local CFX environment detection failed")
		}
		o.solverExe = info.SolveExe
		return nil
	}

	binPath, err := cfxenv.VerifyRemote(ctx, o.transport, o.cfg.RemoteCFXBinPath, o.cfg.RemoteCFXHome)
	if err != nil {
		return err
	}
	o.solverExe = binPath + "/cfx5solve"
	return nil
}

func (o *Orchestrator) stepGeneratePre(ctx context.Context) error {
	o.cases = casegen.GenerateCases(o.cfg)
	preFile, err := casegen.WritePreFile(o.cfg, o.cases)
	if err != nil {
		return err
	}
	o.preFile = preFile
	o.state.Artifacts["pre_file"] = preFile
	if o.metrics != nil {
		for range o.cases {
			o.metrics.CasesTotal.Inc()
		}
	}
	return nil
}

// stepGenerateDef runs the consolidated CFX-Pre session script once for
// every case — locally or on the cluster, depending on cfx_mode — then
// locates the resulting .def files. A non-zero exit from that one
// script run is a hard GenerationError, but individual missing .def
// files are only reported (in the artifact map and the cases-failed
// counter) and do not abort the step unless every case came up missing.
func (o *Orchestrator) stepGenerateDef(ctx context.Context) error {
	var located []casegen.Case
	var locateErr error

	if o.cfg.CFXMode == config.CFXModeServer {
		preExe := o.cfg.GetRemoteCFXExecutablePath("cfx5pre")
		if _, err := casegen.RunRemoteCFXPre(ctx, o.transport, preExe, o.preFile, o.cfg.CFXFilePath, o.cfg.RemoteBasePath, 300); err != nil {
			return errors.Wrap(err, "remote cfx-pre batch run failed")
		}
		located, locateErr = casegen.LocateRemoteDefFiles(ctx, o.transport, o.cfg, o.cases)
		o.remoteDefs = true
	} else {
		preExe := o.cfg.CFXBinPath + "/cfx5pre"
		if _, err := casegen.RunLocalCFXPre(ctx, preExe, o.preFile, o.cfg.BasePath, 5*time.Minute); err != nil {
			return errors.Wrap(err, "cfx-pre batch run failed")
		}
		located, locateErr = casegen.LocateGeneratedDefFiles(o.cfg, o.cases)
	}
	missing := len(o.cases) - len(located)
	if len(located) == 0 && len(o.cases) > 0 {
		return errors.Wrap(locateErr, "no .def files were generated for any case")
	}
	if locateErr != nil {
		o.log.WithError(locateErr).WithField("missing_count", missing).Warn("some cases did not produce a .def file")
		o.state.Artifacts["missing_def_count"] = missing
	}
	o.cases = located
	if o.metrics != nil {
		for i := 0; i < missing; i++ {
			o.metrics.CasesFailed.Inc()
		}
	}
	return nil
}

func (o *Orchestrator) stepQueryCluster(ctx context.Context) error {
	if !o.cfg.EnableNodeDetection {
		return nil
	}

	dialect, err := cluster.DetectDialect(ctx, o.transport)
	if err != nil {
		return err
	}
	o.dialect = dialect

	nodes, err := cluster.QueryNodes(ctx, o.transport, dialect)
	if err != nil {
		return err
	}
	o.nodes = nodes
	o.state.Artifacts["cluster_summary"] = cluster.Summarize(nodes)
	return nil
}

func (o *Orchestrator) stepGenerateScripts(ctx context.Context) error {
	if !o.cfg.EnableNodeAllocation {
		return nil
	}

	names := make([]string, len(o.cases))
	for i, c := range o.cases {
		names[i] = c.Name
	}

	strategy := placement.Strategy(o.cfg.NodeAllocationStrategy)
	result, err := placement.Allocate(strategy, names, o.nodes, o.cfg.TasksPerNode, 0, o.cfg.MaxConcurrentJobs)
	if err != nil && !errors.Is(err, placement.ErrNoNodes) {
		return err
	}
	o.placementR = result

	var fallbackSpec string
	if o.cfg.SchedulerType == config.SchedulerPBS && o.cfg.NodesSpec == "" {
		available := cluster.FilterAvailable(o.nodes, o.cfg.TasksPerNode, 0, "")
		batchJobs := make([]placement.BatchJobSpec, len(o.cases))
		for i, c := range o.cases {
			batchJobs[i] = placement.BatchJobSpec{JobName: c.Name, PPN: o.cfg.TasksPerNode}
		}
		batchResults := placement.AllocateBatch(placement.AutoSpec, available, batchJobs, o.cfg.MaxConcurrentJobs)
		byBatchJob := map[string]placement.BatchAllocationResult{}
		for _, br := range batchResults {
			byBatchJob[br.JobName] = br
			for _, w := range br.Warnings {
				o.log.WithField("case", br.JobName).Warn(w)
			}
		}
		for i, d := range result.Decisions {
			if br, ok := byBatchJob[d.CaseName]; ok && br.Spec.Spec != "" {
				d.NodesSpec = br.Spec.Spec
				result.Decisions[i] = d
			}
		}
		if len(batchResults) > 0 && batchResults[0].Spec.Spec != "" {
			fallbackSpec = batchResults[0].Spec.Spec
		} else {
			o.log.Warn("falling back to template default nodes-spec")
		}
		o.placementR = result
	}

	byCaseName := map[string]placement.Decision{}
	for _, d := range result.Decisions {
		byCaseName[d.CaseName] = d
	}

	for i := range o.cases {
		c := o.cases[i]
		decision := byCaseName[c.Name]
		if decision.NodesSpec == "" && fallbackSpec != "" {
			decision.NodesSpec = fallbackSpec
		}
		content, err := scriptgen.RenderJobScript(o.cfg, c, decision, o.solverExe)
		if err != nil {
			return err
		}
		path := scriptgen.JobScriptPath(o.cfg, c)
		if err := os.MkdirAll(c.LocalDir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create case directory %s", c.LocalDir)
		}
		if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
			return errors.Wrapf(err, "failed to write job script %s", path)
		}
		o.jobScripts = append(o.jobScripts, scriptgen.JobScript{Case: &o.cases[i], Path: path})
		o.state.Artifacts["job_script:"+c.Name] = content
	}

	available := cluster.FilterAvailable(o.nodes, o.cfg.TasksPerNode, 0, "")
	o.queueStrategy = scriptgen.DetermineQueueStrategy(len(o.jobScripts), len(available))
	o.availableNodes = len(available)
	scriptPaths := make([]string, len(o.jobScripts))
	for i, js := range o.jobScripts {
		scriptPaths[i] = js.Path
	}
	submitContent, err := scriptgen.RenderSubmitScript(o.cfg, o.queueStrategy, scriptPaths, o.availableNodes)
	if err != nil {
		return err
	}
	o.submitPath = filepath.Join(o.cfg.BasePath, "Submit_All.sh")
	if err := os.WriteFile(o.submitPath, []byte(submitContent), 0o755); err != nil {
		return errors.Wrapf(err, "failed to write %s", o.submitPath)
	}
	o.state.Artifacts["submit_script"] = submitContent
	return nil
}

func (o *Orchestrator) stepUploadFiles(ctx context.Context) error {
	for _, c := range o.cases {
		remoteDir := o.cfg.RemoteBasePath + "/" + c.FolderName
		// Server-mode generation already wrote the .def files in place on
		// the cluster; only locally-generated ones need staging.
		if !o.remoteDefs {
			if err := o.transport.Put(ctx, c.DefFilePath, remoteDir+"/"+c.DefFileName); err != nil {
				return errors.Wrapf(err, "failed to upload %s", c.DefFilePath)
			}
		}
		if o.cfg.InitialFile != "" {
			if err := o.transport.Put(ctx, o.cfg.InitialFile, remoteDir+"/"+basename(o.cfg.InitialFile)); err != nil {
				return errors.Wrapf(err, "failed to upload initial file for %s", c.Name)
			}
		}
	}
	for _, js := range o.jobScripts {
		remotePath := o.cfg.RemoteBasePath + "/" + js.Case.FolderName + "/" + basename(js.Path)
		if err := o.transport.Put(ctx, js.Path, remotePath); err != nil {
			return errors.Wrapf(err, "failed to upload job script %s", js.Path)
		}
	}
	if o.submitPath != "" {
		remotePath := o.cfg.RemoteBasePath + "/Submit_All.sh"
		if err := o.transport.Put(ctx, o.submitPath, remotePath); err != nil {
			return errors.Wrap(err, "failed to upload Submit_All.sh")
		}
	}
	return nil
}

// stepSubmitJobs submits every job script, honoring the queue strategy
// decided in generate_scripts: Parallel submits every job back-to-back
// with no wait, Sequential waits for each job to reach a terminal state
// before submitting the next, and Batch waits for a whole availableNodes
// -sized group to finish before submitting the next group. Waiting is
// driven by jobmon against the live scheduler, matching the same poll
// semantics monitor_jobs uses later in the pipeline.
func (o *Orchestrator) stepSubmitJobs(ctx context.Context) error {
	mon := jobmon.New(o.transport, o.cfg.SchedulerType, 30*time.Second)

	switch o.queueStrategy {
	case scriptgen.Sequential:
		for _, js := range o.jobScripts {
			rec, err := o.submitOneJob(ctx, js)
			if err != nil {
				return err
			}
			mon.Watch(ctx, []*jobmon.Record{rec}, nil)
		}
	case scriptgen.Batch:
		groupSize := o.availableNodes
		if groupSize <= 0 {
			groupSize = 1
		}
		for i := 0; i < len(o.jobScripts); i += groupSize {
			end := i + groupSize
			if end > len(o.jobScripts) {
				end = len(o.jobScripts)
			}
			var group []*jobmon.Record
			for _, js := range o.jobScripts[i:end] {
				rec, err := o.submitOneJob(ctx, js)
				if err != nil {
					return err
				}
				group = append(group, rec)
			}
			mon.Watch(ctx, group, nil)
		}
	default:
		for _, js := range o.jobScripts {
			if _, err := o.submitOneJob(ctx, js); err != nil {
				return err
			}
		}
	}

	return o.writeMonitorScript(ctx)
}

// submitOneJob runs the scheduler's submit command against one job
// script's remote path, records the resulting job, and applies the
// configured inter-submission delay.
func (o *Orchestrator) submitOneJob(ctx context.Context, js scriptgen.JobScript) (*jobmon.Record, error) {
	submitCmd := "sbatch"
	if o.cfg.SchedulerType == config.SchedulerPBS {
		submitCmd = "qsub"
	}

	remotePath := o.cfg.RemoteBasePath + "/" + js.Case.FolderName + "/" + basename(js.Path)
	cmd := fmt.Sprintf("%s '%s'", submitCmd, remotePath)
	stdout, stderr, code, err := o.transport.Exec(ctx, cmd, 60)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to submit %s", remotePath)
	}
	if code != 0 {
		diag := o.replaySubmitFailure(ctx, remotePath)
		return nil, errors.Errorf("submit failed for %s (exit %d): stdout=%q stderr=%q diagnostic=%q", remotePath, code, stdout, stderr, diag)
	}

	jobID := parseJobID(stdout, o.cfg.SchedulerType)
	if jobID == "" {
		return nil, errors.Errorf("could not parse job id from submit output: %s", stdout)
	}
	rec := &jobmon.Record{JobID: jobID, CaseName: js.Case.Name, State: jobmon.Pending, SubmittedAt: time.Now()}
	o.jobRecords = append(o.jobRecords, rec)
	if o.metrics != nil {
		o.metrics.JobsSubmitted.WithLabelValues(string(o.cfg.SchedulerType)).Inc()
	}

	if o.cfg.JobSubmitDelaySec > 0 {
		time.Sleep(time.Duration(o.cfg.JobSubmitDelaySec) * time.Second)
	}
	return rec, nil
}

// writeMonitorScript renders Monitor_Jobs.sh, a standalone driver that
// loops until none of the submitted jobs remain queued or running, and
// stages it next to Submit_All.sh for operators who want to watch a run
// without this binary.
func (o *Orchestrator) writeMonitorScript(ctx context.Context) error {
	ids := make([]string, len(o.jobRecords))
	for i, r := range o.jobRecords {
		ids[i] = r.JobID
	}
	content, err := scriptgen.RenderMonitorScript(o.cfg, ids)
	if err != nil {
		return err
	}
	path := filepath.Join(o.cfg.BasePath, "Monitor_Jobs.sh")
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	o.state.Artifacts["monitor_script"] = content

	remotePath := o.cfg.RemoteBasePath + "/Monitor_Jobs.sh"
	if err := o.transport.Put(ctx, path, remotePath); err != nil {
		o.log.WithError(err).Warn("failed to upload Monitor_Jobs.sh")
	}
	return nil
}

// replaySubmitFailure re-runs the job script whose submission failed under "bash -x" to
// capture an expanded-command trace for the execution report. Replay
// errors are swallowed into the returned string since this is
// best-effort context attached to an error that is already being
// returned.
func (o *Orchestrator) replaySubmitFailure(ctx context.Context, scriptPath string) string {
	cmd := fmt.Sprintf("bash -x '%s' 2>&1 | tail -n 40", scriptPath)
	stdout, _, _, err := o.transport.Exec(ctx, cmd, 60)
	if err != nil {
		return fmt.Sprintf("diagnostic replay failed: %v", err)
	}
	return stdout
}

func (o *Orchestrator) stepMonitorJobs(ctx context.Context) error {
	if !o.cfg.EnableMonitoring {
		return nil
	}

	interval := time.Duration(o.cfg.MonitorIntervalSec) * time.Second
	window, err := jobmon.NewIntervalSpec(interval, o.cfg.MonitorWindow)
	if err != nil {
		return errors.Wrap(err, "invalid monitor_window")
	}

	mon := jobmon.New(o.transport, o.cfg.SchedulerType, interval)
	mon.SetWindow(window)
	mon.Watch(ctx, o.jobRecords, func(r jobmon.Record) {
		o.state.Artifacts["job_state:"+r.CaseName] = string(r.State)
		if o.metrics != nil {
			o.metrics.JobStateGauge.Reset()
			for _, rec := range o.jobRecords {
				o.metrics.JobStateGauge.WithLabelValues(string(rec.State)).Inc()
			}
		}
	})

	if err := o.writeMonitorReport(mon); err != nil {
		o.log.WithError(err).Warn("failed to write monitoring report")
	}

	// A user interrupt stops Watch at the poll boundary; the report above
	// still carries the last known states, but the run did not complete.
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "monitoring interrupted")
	}

	if o.cfg.AutoDownloadResults {
		if err := o.downloadResults(ctx); err != nil {
			return err
		}
	}

	if o.cfg.CleanupRemoteFiles {
		o.cleanupRemoteFiles(ctx)
	}
	return nil
}

// cleanupRemoteFiles removes each case's remote directory after results
// have been retrieved. Best-effort: a failed cleanup is logged, not fatal.
func (o *Orchestrator) cleanupRemoteFiles(ctx context.Context) {
	for _, c := range o.cases {
		remoteDir := o.cfg.RemoteBasePath + "/" + c.FolderName
		cmd := fmt.Sprintf("rm -rf '%s'", remoteDir)
		if _, stderr, code, err := o.transport.Exec(ctx, cmd, 30); err != nil || code != 0 {
			o.log.WithField("dir", remoteDir).WithError(err).Warnf("remote cleanup failed: %s", stderr)
		}
	}
}

// writeMonitorReport persists the monitor's snapshot history and final job
// states to base_path/report/monitoring_report_<timestamp>.json.
func (o *Orchestrator) writeMonitorReport(mon *jobmon.Monitor) error {
	rep := mon.GenerateReport(o.jobRecords)
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal monitoring report")
	}

	reportDir := filepath.Join(o.cfg.BasePath, "report")
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create report directory")
	}

	name := fmt.Sprintf("monitoring_report_%s.json", time.Now().Format("20060102_150405"))
	path := filepath.Join(reportDir, name)
	return os.WriteFile(path, data, 0o644)
}

func (o *Orchestrator) downloadResults(ctx context.Context) error {
	for _, c := range o.cases {
		for _, pattern := range o.cfg.ResultFilePatterns {
			remoteDir := o.cfg.RemoteBasePath + "/" + c.FolderName
			cmd := fmt.Sprintf("ls %s/%s 2>/dev/null", remoteDir, pattern)
			stdout, _, code, err := o.transport.Exec(ctx, cmd, 30)
			if err != nil || code != 0 {
				continue
			}
			for _, name := range splitNonEmptyLines(stdout) {
				localPath := c.LocalDir + "/" + basename(name)
				if err := o.transport.Get(ctx, name, localPath); err != nil {
					o.log.WithError(err).WithField("file", name).Warn("failed to download result file")
				}
			}
		}
	}
	return nil
}

func basename(path string) string {
	return filepath.Base(path)
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// parseJobID extracts the scheduler-assigned job id from submit stdout.
// SLURM's sbatch prints a line matching "Submitted batch job <digits>";
// PBS's qsub prints the job id as its entire stdout.
func parseJobID(submitOutput string, sched config.SchedulerType) string {
	switch sched {
	case config.SchedulerSLURM:
		m := slurmSubmitIDPattern.FindStringSubmatch(submitOutput)
		if m == nil {
			return ""
		}
		return m[1]
	case config.SchedulerPBS:
		return strings.TrimSpace(submitOutput)
	default:
		return ""
	}
}
