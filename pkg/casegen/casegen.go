// Package casegen builds the per-pressure case set from a base CFX model
// and drives CFX-Pre to turn it into solvable .def files.
package casegen

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/cfxcluster/cfxctl/pkg/config"
	"github.com/pkg/errors"
)

// Case is one generated pressure-sweep case.
type Case struct {
	Name        string
	Pressure    float64
	FolderName  string
	LocalDir    string
	PreFilePath string
	DefFileName string
	DefFilePath string
}

// ErrDefFileNotFound is returned (wrapped) when CFX-Pre ran but one or
// more of the expected output .def files could not be located.
var ErrDefFileNotFound = errors.New("generated .def file not found")

// GenerateCases builds the case list from the configured pressure sweep;
// it performs no I/O.
func GenerateCases(cfg *config.Config) []Case {
	cases := make([]Case, 0, len(cfg.PressureList))
	for _, p := range cfg.PressureList {
		folder := fmt.Sprintf("%s%v", cfg.FolderPrefix, p)
		dir := filepath.Join(cfg.BasePath, folder)
		defName := defFileName(cfg, p)
		cases = append(cases, Case{
			Name:        fmt.Sprintf("%s_P%v", cfg.ProjectName, p),
			Pressure:    p,
			FolderName:  folder,
			LocalDir:    dir,
			DefFileName: defName,
			DefFilePath: filepath.Join(dir, defName),
		})
	}
	return cases
}

func defFileName(cfg *config.Config, pressure float64) string {
	if cfg.DefFilePrefix != "" {
		return fmt.Sprintf("%s%v.def", cfg.DefFilePrefix, pressure)
	}
	return fmt.Sprintf("%v.def", pressure)
}

// altDefFileNames lists the historical naming variants CFX-Pre has been
// observed to emit when no def file prefix is configured.
func altDefFileNames(pressure float64) []string {
	return []string{
		fmt.Sprintf("%v.def", pressure),
		fmt.Sprintf("Old_Cluster_%v.def", pressure),
		fmt.Sprintf("New_Cluster_%v.def", pressure),
	}
}

const preTemplateText = `# generated batch pre-file, one CFX-Pre session per pressure value
COMPACT_MEMORY = f
> load state filename = {{ .Config.CFXFilePath }}, select = yes

{{- range .Cases }}
> update
{{ .FlowAnalysisName }} > {{ .DomainName }} > {{ .OutletBoundary }}:
  Mass And Momentum = Static Pressure
  Relative Pressure = {{ .Pressure }} [Pa]
  Pressure Blend = {{ .PressureBlend }}
end

LIBRARY:
END

> save state filename = {{ .WorkDir }}/{{ .Case.FolderName }}/{{ .Case.DefFileName }}.pre, overwrite = yes
> write definition file, filename = {{ .WorkDir }}/{{ .Case.FolderName }}/{{ .Case.DefFileName }}
{{- end }}
`

var preTemplate = template.Must(template.New("create_def.pre").Parse(preTemplateText))

type preFileCaseView struct {
	FlowAnalysisName string
	DomainName       string
	OutletBoundary   string
	Pressure         float64
	PressureBlend    float64
	WorkDir          string
	Case             Case
}

type preFileView struct {
	Config *config.Config
	Cases  []preFileCaseView
}

// RenderPreFile renders the single batch .pre file covering every case in
// one CFX-Pre session, matching the loop-script approach of generating
// all .def files from one invocation rather than one process per case.
// The session's output paths point at the staging root CFX-Pre will
// actually run under: local for local generation, remote otherwise.
func RenderPreFile(cfg *config.Config, cases []Case) (string, error) {
	workDir := cfg.BasePath
	if cfg.CFXMode == config.CFXModeServer && cfg.RemoteBasePath != "" {
		workDir = cfg.RemoteBasePath
	}

	view := preFileView{Config: cfg}
	for _, c := range cases {
		view.Cases = append(view.Cases, preFileCaseView{
			FlowAnalysisName: cfg.FlowAnalysisName,
			DomainName:       cfg.DomainName,
			OutletBoundary:   cfg.OutletBoundary,
			Pressure:         c.Pressure,
			PressureBlend:    cfg.PressureBlend,
			WorkDir:          workDir,
			Case:             c,
		})
	}

	var buf bytes.Buffer
	if err := preTemplate.Execute(&buf, view); err != nil {
		return "", errors.Wrap(err, "failed to render pre file")
	}
	return buf.String(), nil
}

// WritePreFile renders and writes the batch .pre file to basePath,
// returning its path.
func WritePreFile(cfg *config.Config, cases []Case) (string, error) {
	content, err := RenderPreFile(cfg, cases)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create base path")
	}
	path := filepath.Join(cfg.BasePath, "create_def_batch.pre")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write pre file")
	}
	return path, nil
}

// RunLocalCFXPre invokes the local CFX-Pre executable in batch mode
// against preFile, with a hard timeout, and returns its combined output.
func RunLocalCFXPre(ctx context.Context, cfxPreExe, preFile, workDir string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	normalized := strings.ReplaceAll(filepath.Clean(preFile), "\\", "/")
	cmd := exec.CommandContext(ctx, cfxPreExe, "-batch", normalized)
	cmd.Dir = workDir

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return string(output), errors.Errorf("cfx5pre timed out after %s", timeout)
	}
	if err != nil {
		return string(output), errors.Wrapf(err, "cfx5pre failed: %s", string(output))
	}
	return string(output), nil
}

// RemoteExecutor is the transport surface remote case generation needs.
type RemoteExecutor interface {
	Exec(ctx context.Context, cmd string, timeout int) (stdout, stderr string, exitCode int, err error)
	Put(ctx context.Context, localPath, remotePath string) error
}

// RunRemoteCFXPre stages the batch session script and the base .cfx model
// to the remote staging root, then runs CFX-Pre there through the
// transport. Returns the remote run's stdout.
func RunRemoteCFXPre(ctx context.Context, tr RemoteExecutor, cfxPreExe, preFile, cfxFile, remoteBase string, timeoutSec int) (string, error) {
	remotePre := remoteBase + "/" + filepath.Base(preFile)
	if err := tr.Put(ctx, preFile, remotePre); err != nil {
		return "", errors.Wrap(err, "failed to upload session script")
	}
	if cfxFile != "" {
		if err := tr.Put(ctx, cfxFile, remoteBase+"/"+filepath.Base(cfxFile)); err != nil {
			return "", errors.Wrap(err, "failed to upload base model")
		}
	}

	cmd := fmt.Sprintf("cd '%s' && %s -batch '%s'", remoteBase, cfxPreExe, remotePre)
	stdout, stderr, code, err := tr.Exec(ctx, cmd, timeoutSec)
	if err != nil {
		return stdout, errors.Wrap(err, "remote cfx5pre run failed")
	}
	if code != 0 {
		return stdout, errors.Errorf("remote cfx5pre exited %d: %s", code, stderr)
	}
	return stdout, nil
}

// LocateRemoteDefFiles checks each case's expected remote output location
// with test -f, filling DefFilePath with the remote path of the first
// naming variant found. Mirrors LocateGeneratedDefFiles for server-mode
// generation.
func LocateRemoteDefFiles(ctx context.Context, tr RemoteExecutor, cfg *config.Config, cases []Case) ([]Case, error) {
	found := make([]Case, 0, len(cases))
	var missing []string

	for _, c := range cases {
		names := []string{c.DefFileName}
		if cfg.DefFilePrefix == "" {
			names = altDefFileNames(c.Pressure)
		}

		locatedName := ""
		for _, name := range names {
			candidate := cfg.RemoteBasePath + "/" + c.FolderName + "/" + name
			cmd := fmt.Sprintf("test -f '%s'", candidate)
			if _, _, code, err := tr.Exec(ctx, cmd, 30); err == nil && code == 0 {
				locatedName = name
				break
			}
		}

		if locatedName == "" {
			missing = append(missing, c.Name)
			continue
		}

		c.DefFileName = locatedName
		c.DefFilePath = cfg.RemoteBasePath + "/" + c.FolderName + "/" + locatedName
		found = append(found, c)
	}

	if len(missing) > 0 {
		return found, errors.Wrapf(ErrDefFileNotFound, "cases: %s", strings.Join(missing, ", "))
	}
	return found, nil
}

// LocateGeneratedDefFiles checks each case's expected output location and
// fills in the first def file name found among the configured and
// historical naming variants.
func LocateGeneratedDefFiles(cfg *config.Config, cases []Case) ([]Case, error) {
	found := make([]Case, 0, len(cases))
	var missing []string

	for _, c := range cases {
		names := []string{c.DefFileName}
		if cfg.DefFilePrefix == "" {
			names = altDefFileNames(c.Pressure)
		}

		locatedName := ""
		for _, name := range names {
			candidate := filepath.Join(c.LocalDir, name)
			if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
				locatedName = name
				break
			}
		}

		if locatedName == "" {
			missing = append(missing, c.Name)
			continue
		}

		c.DefFileName = locatedName
		c.DefFilePath = filepath.Join(c.LocalDir, locatedName)
		found = append(found, c)
	}

	if len(missing) > 0 {
		return found, errors.Wrapf(ErrDefFileNotFound, "cases: %s", strings.Join(missing, ", "))
	}
	return found, nil
}
