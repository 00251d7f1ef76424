// Package faketransport is an in-memory Transport used to exercise the
// orchestrator and its collaborators without a real cluster.
package faketransport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/cfxcluster/cfxctl/pkg/transport"
)

// CommandHandler computes a fake command's stdout/stderr/exit code.
type CommandHandler func(cmd string) (stdout, stderr string, exitCode int)

// Transport is an in-memory transport.Transport: remote files live in a
// map, and commands are dispatched to registered handlers matched by
// exact string or, failing that, a default handler.
type Transport struct {
	Files        map[string][]byte
	Dirs         map[string]bool
	Connected    bool
	Handlers     map[string]CommandHandler
	DefaultExec  CommandHandler
	ConnectError error
	stats        transport.Stats
	execLog      []string
}

// New returns an empty, unconnected fake transport.
func New() *Transport {
	return &Transport{
		Files:    map[string][]byte{},
		Dirs:     map[string]bool{"/": true},
		Handlers: map[string]CommandHandler{},
	}
}

// Connect marks the fake as connected unless ConnectError is set.
func (f *Transport) Connect(ctx context.Context) error {
	if f.ConnectError != nil {
		return f.ConnectError
	}
	f.Connected = true
	return nil
}

// Close marks the fake as disconnected.
func (f *Transport) Close() error {
	f.Connected = false
	return nil
}

// Exec looks up an exact-match handler, falling back to DefaultExec, then
// to a not-found response.
func (f *Transport) Exec(ctx context.Context, cmd string, timeout int) (string, string, int, error) {
	f.execLog = append(f.execLog, cmd)
	f.stats.CommandsRun++

	if h, ok := f.Handlers[cmd]; ok {
		out, errOut, code := h(cmd)
		return out, errOut, code, nil
	}
	if f.DefaultExec != nil {
		out, errOut, code := f.DefaultExec(cmd)
		return out, errOut, code, nil
	}
	return "", fmt.Sprintf("command not found: %s", cmd), 127, nil
}

// ExecLog returns every command Exec has been asked to run, in order.
func (f *Transport) ExecLog() []string {
	return f.execLog
}

// Put copies a local file's bytes into the in-memory remote file map.
func (f *Transport) Put(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.Files[remotePath] = data
	f.Dirs[path.Dir(remotePath)] = true
	f.stats.FilesUploaded++
	f.stats.BytesUploaded += int64(len(data))
	return nil
}

// Get copies an in-memory remote file out to the local filesystem.
func (f *Transport) Get(ctx context.Context, remotePath, localPath string) error {
	data, ok := f.Files[remotePath]
	if !ok {
		return fmt.Errorf("remote file not found: %s", remotePath)
	}
	w, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer w.Close()
	if _, err := io.Copy(w, strings.NewReader(string(data))); err != nil {
		return err
	}
	f.stats.FilesDownloaded++
	f.stats.BytesDownloaded += int64(len(data))
	return nil
}

// Mkdir records a directory as present.
func (f *Transport) Mkdir(ctx context.Context, remotePath string) error {
	f.Dirs[remotePath] = true
	return nil
}

// Exists reports whether a path was recorded as a file or directory.
func (f *Transport) Exists(ctx context.Context, remotePath string) (bool, error) {
	if _, ok := f.Files[remotePath]; ok {
		return true, nil
	}
	return f.Dirs[remotePath], nil
}

// Stats returns the fake's cumulative counters.
func (f *Transport) Stats() transport.Stats {
	return f.stats
}

// SetResponse registers a fixed, always-succeeding response for an exact
// command string.
func (f *Transport) SetResponse(cmd, stdout string) {
	f.Handlers[cmd] = func(string) (string, string, int) { return stdout, "", 0 }
}

// SetFailure registers a fixed, always-failing response for an exact
// command string.
func (f *Transport) SetFailure(cmd, stderr string, exitCode int) {
	f.Handlers[cmd] = func(string) (string, string, int) { return "", stderr, exitCode }
}

var _ transport.Transport = (*Transport)(nil)
