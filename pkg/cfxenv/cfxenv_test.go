package cfxenv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeRootVersionedInstall(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "v221", "CFX", "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, "cfx5pre"), []byte(""), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, "cfx5solve"), []byte(""), 0o755))

	info := probeRoot(dir, "test")
	require.NotNil(t, info)
	assert.Equal(t, "221", info.Version)
	assert.Equal(t, bin, info.BinPath)
}

func TestProbeRootNoInstall(t *testing.T) {
	dir := t.TempDir()
	assert.Nil(t, probeRoot(dir, "test"))
}

type fakeExecutor struct {
	responses map[string]string
}

func (f *fakeExecutor) Exec(ctx context.Context, cmd string, timeout int) (string, string, int, error) {
	if out, ok := f.responses[cmd]; ok {
		return out, "", 0, nil
	}
	return "NOT_FOUND\n", "", 0, nil
}

func TestVerifyRemoteDirectPath(t *testing.T) {
	exec := &fakeExecutor{responses: map[string]string{
		"test -x '/opt/cfx/bin/cfx5pre' && echo FOUND || echo NOT_FOUND":   "FOUND\n",
		"test -x '/opt/cfx/bin/cfx5solve' && echo FOUND || echo NOT_FOUND": "FOUND\n",
	}}
	bin, err := VerifyRemote(context.Background(), exec, "/opt/cfx/bin", "")
	require.NoError(t, err)
	assert.Equal(t, "/opt/cfx/bin", bin)
}

func TestVerifyRemoteFallsBackToWhich(t *testing.T) {
	exec := &fakeExecutor{responses: map[string]string{
		"which cfx5pre 2>/dev/null || echo NOT_FOUND":   "/usr/local/bin/cfx5pre\n",
		"which cfx5solve 2>/dev/null || echo NOT_FOUND": "/usr/local/bin/cfx5solve\n",
	}}
	bin, err := VerifyRemote(context.Background(), exec, "", "")
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin", bin)
}

func TestVerifyRemoteNotFound(t *testing.T) {
	exec := &fakeExecutor{responses: map[string]string{}}
	_, err := VerifyRemote(context.Background(), exec, "", "")
	assert.Error(t, err)
}
