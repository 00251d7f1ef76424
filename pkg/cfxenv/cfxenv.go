// Package cfxenv locates ANSYS CFX installations, locally and on the
// remote cluster, and normalizes the discovered paths and version.
package cfxenv

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrEnvNotFound is returned when no detection method locates a usable
// CFX installation, either locally (DetectLocal) or on the remote host
// (VerifyRemote).
var ErrEnvNotFound = errors.New("EnvNotFound: no CFX installation located")

// Info describes a discovered CFX installation.
type Info struct {
	CFXHome    string
	BinPath    string
	PreExe     string
	SolveExe   string
	Version    string
	Method     string // which detection method succeeded
}

var envVarCandidates = []string{"ANSYS_ROOT", "CFX_HOME", "ANSYSROOT", "ANSYS_INC_ROOT"}

var conventionalRoots = []string{
	"/opt/ansys_inc",
	"/usr/ansys_inc",
	"C:\\Program Files\\ANSYS Inc",
}

// Executor is the narrow remote-command surface this package needs; it is
// satisfied by transport.Transport.
type Executor interface {
	Exec(ctx context.Context, cmd string, timeout int) (stdout, stderr string, exitCode int, err error)
}

// DetectLocal probes, in order: environment variables, conventional
// install roots, then PATH, for a local CFX installation.
func DetectLocal() (*Info, error) {
	for _, envVar := range envVarCandidates {
		if root := os.Getenv(envVar); root != "" {
			if info := probeRoot(root, envVar); info != nil {
				return info, nil
			}
		}
	}

	for _, root := range conventionalRoots {
		if info := probeRoot(root, "conventional-root"); info != nil {
			return info, nil
		}
	}

	if pre, err := exec.LookPath("cfx5pre"); err == nil {
		bin := filepath.Dir(pre)
		info := &Info{
			CFXHome:  filepath.Dir(bin),
			BinPath:  bin,
			PreExe:   pre,
			Method:   "PATH",
		}
		if solve, err := exec.LookPath("cfx5solve"); err == nil {
			info.SolveExe = solve
		}
		return info, nil
	}

	return nil, ErrEnvNotFound
}

func probeRoot(root, method string) *Info {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	// ANSYS installs version-numbered subdirectories, e.g. v221/CFX.
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		bin := filepath.Join(root, e.Name(), "CFX", "bin")
		pre := filepath.Join(bin, "cfx5pre")
		solve := filepath.Join(bin, "cfx5solve")
		if fileExists(pre) {
			return &Info{
				CFXHome:  filepath.Join(root, e.Name(), "CFX"),
				BinPath:  bin,
				PreExe:   pre,
				SolveExe: solve,
				Version:  strings.TrimPrefix(e.Name(), "v"),
				Method:   method,
			}
		}
	}
	// Also allow root itself to directly contain bin/.
	bin := filepath.Join(root, "bin")
	pre := filepath.Join(bin, "cfx5pre")
	if fileExists(pre) {
		return &Info{CFXHome: root, BinPath: bin, PreExe: pre, SolveExe: filepath.Join(bin, "cfx5solve"), Method: method}
	}
	return nil
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// VerifyRemote probes the remote host for cfx5pre and cfx5solve under the
// configured bin path (or home/bin), falling back to `which` if the
// direct path check fails. It returns the discovered bin path.
func VerifyRemote(ctx context.Context, exec Executor, binPath, home string) (string, error) {
	executables := []string{"cfx5pre", "cfx5solve"}
	found := map[string]string{}

	for _, name := range executables {
		var candidate string
		switch {
		case binPath != "":
			candidate = binPath + "/" + name
		case home != "":
			candidate = home + "/bin/" + name
		default:
			candidate = name
		}

		cmd := fmt.Sprintf("test -x '%s' && echo FOUND || echo NOT_FOUND", candidate)
		stdout, _, _, err := exec.Exec(ctx, cmd, 30)
		if err == nil && strings.TrimSpace(stdout) == "FOUND" {
			found[name] = candidate
			continue
		}

		whichCmd := fmt.Sprintf("which %s 2>/dev/null || echo NOT_FOUND", name)
		stdout, _, _, err = exec.Exec(ctx, whichCmd, 30)
		result := strings.TrimSpace(stdout)
		if err == nil && result != "" && result != "NOT_FOUND" {
			found[name] = result
		}
	}

	if len(found) == 0 {
		return "", errors.Wrap(ErrEnvNotFound, "no CFX executables found on remote host")
	}

	for _, path := range found {
		return filepath.Dir(path), nil
	}
	return "", ErrEnvNotFound
}
