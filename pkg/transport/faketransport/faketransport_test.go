package faketransport

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectAndExec(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Connect(context.Background()))
	assert.True(t, tr.Connected)

	tr.SetResponse("which sinfo", "/usr/bin/sinfo\n")
	out, _, code, err := tr.Exec(context.Background(), "which sinfo", 30)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "sinfo")
}

func TestExecUnregisteredCommand(t *testing.T) {
	tr := New()
	_, _, code, err := tr.Exec(context.Background(), "do-something-unexpected", 30)
	require.NoError(t, err)
	assert.Equal(t, 127, code)
}

func TestPutAndGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, "in.def")
	require.NoError(t, os.WriteFile(localPath, []byte("payload"), 0o644))

	tr := New()
	require.NoError(t, tr.Put(context.Background(), localPath, "/scratch/run/in.def"))

	exists, err := tr.Exists(context.Background(), "/scratch/run/in.def")
	require.NoError(t, err)
	assert.True(t, exists)

	outPath := filepath.Join(dir, "out.def")
	require.NoError(t, tr.Get(context.Background(), "/scratch/run/in.def", outPath))

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestGetMissingFile(t *testing.T) {
	tr := New()
	err := tr.Get(context.Background(), "/nope", filepath.Join(t.TempDir(), "out"))
	assert.Error(t, err)
}

func TestExecLogRecordsCommands(t *testing.T) {
	tr := New()
	tr.Exec(context.Background(), "cmd-a", 10)
	tr.Exec(context.Background(), "cmd-b", 10)
	assert.Equal(t, []string{"cmd-a", "cmd-b"}, tr.ExecLog())
}

func TestConnectError(t *testing.T) {
	tr := New()
	tr.ConnectError = assert.AnError
	err := tr.Connect(context.Background())
	assert.Error(t, err)
	assert.False(t, tr.Connected)
}
