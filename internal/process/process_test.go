package process

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loykin/readyd/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitClosed(t *testing.T, ch <-chan struct{}, d time.Duration) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatalf("timed out after %s", d)
	}
}

func TestProcess_StartKill(t *testing.T) {
	requireUnixSpec(t)
	p := New(Spec{Name: "sleeper", Command: "sleep 30"})

	pid, err := p.Start()
	require.NoError(t, err)
	require.Greater(t, pid, 0)
	assert.True(t, p.Owns(pid))

	st := p.Snapshot()
	assert.True(t, st.Running)
	assert.Equal(t, pid, st.PID)
	assert.Equal(t, 1, st.Starts)

	require.NoError(t, p.Kill(pid))
	waitClosed(t, p.WaitDone(), 3*time.Second)

	st = p.Snapshot()
	assert.False(t, st.Running)
	assert.Error(t, st.ExitErr, "killed process should report a non-nil exit error")
	assert.False(t, p.Owns(pid))
}

func TestProcess_KillGonePID(t *testing.T) {
	requireUnixSpec(t)
	p := New(Spec{Name: "x", Command: "true"})
	pid, err := p.Start()
	require.NoError(t, err)
	waitClosed(t, p.WaitDone(), 3*time.Second)

	// already reaped; killing again is not an error
	assert.NoError(t, p.Kill(pid))
	assert.Error(t, p.Kill(0))
}

func TestProcess_StartFailure(t *testing.T) {
	p := New(Spec{Name: "missing", Binary: filepath.Join(t.TempDir(), "no-such-binary")})
	_, err := p.Start()
	require.Error(t, err)
	assert.Nil(t, p.WaitDone())
}

func TestProcess_WritesWorkerLogs(t *testing.T) {
	requireUnixSpec(t)
	dir := t.TempDir()
	p := New(Spec{
		Name:    "echoer",
		Command: "sh -c 'echo hello-$READYD_TEST'",
		Env:     []string{"READYD_TEST=worker"},
		Log:     logger.Config{File: logger.FileConfig{Dir: dir}},
	})
	_, err := p.Start()
	require.NoError(t, err)
	waitClosed(t, p.WaitDone(), 3*time.Second)

	b, err := os.ReadFile(filepath.Join(dir, "echoer.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello-worker", strings.TrimSpace(string(b)))
}

func TestProcess_SpecCopy(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix paths")
	}
	p := New(Spec{Name: "n", Binary: "/bin/sleep", Args: []string{"1"}})
	s := p.Spec()
	s.Name = "changed"
	assert.Equal(t, "n", p.Spec().Name)
}
