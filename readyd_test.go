package readyd

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/loykin/readyd/internal/history"
	"github.com/loykin/readyd/internal/process"
	"github.com/loykin/readyd/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

type memSink struct {
	mu     sync.Mutex
	events []HistoryEvent
}

func (m *memSink) Send(_ context.Context, e HistoryEvent) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *memSink) has(t history.EventType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

// workerScript writes a shell worker that signals readiness with its own PID
// and then idles. Running a script directly keeps its file name as the
// process name, which makes it findable by image name.
func workerScript(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, "rdyworker.sh")
	script := "#!/bin/sh\n" +
		"printf '{\"PID\":%d}' $$ > \"$READYD_CHECK_FILE\"\n" +
		"while :; do sleep 1; done\n"
	require.NoError(t, os.WriteFile(p, []byte(script), 0o755))
	return p
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	check := filepath.Join(dir, "startup.json")
	c := &Config{}
	c.Worker.Spec = process.Spec{
		Name:   "render",
		Binary: workerScript(t, dir),
		Env:    []string{"READYD_CHECK_FILE=" + check},
	}
	c.Readiness.CheckFile = check
	c.Readiness.PollInterval = 20 * time.Millisecond
	c.Readiness.ProbeSettle = 10 * time.Millisecond
	c.Readiness.SettleDelay = -1
	c.Server.Enabled = true
	c.Server.Listen = "127.0.0.1:0"
	c.Server.BasePath = "/api"
	c.History.Enabled = true
	c.History.DSNs = []string{"sqlite://" + filepath.Join(dir, "history.db")}
	return c
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
	_, err = New(&Config{})
	assert.Error(t, err)
}

func TestDaemon_ColdStartToReady(t *testing.T) {
	requireUnix(t)
	c := testConfig(t)
	sink := &memSink{}
	d, err := New(c, WithHistorySinks(sink))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, d.Start(ctx))
	assert.Error(t, d.Start(ctx), "second start is rejected")
	t.Cleanup(func() {
		if info, err := d.ProcessInfo(context.Background()); err == nil && info.Exists {
			_ = d.sup.Kill(context.Background(), info.PID, "test")
		}
		_ = d.Close()
	})

	ok, err := d.IsReady(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	snap, err := d.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, snap.Process.Exists)
	require.NotNil(t, snap.Handshake)
	assert.Equal(t, snap.Process.PID, snap.Handshake.PID)
	assert.Equal(t, "found", snap.State)
	assert.True(t, sink.has(history.EventStart))
	assert.True(t, sink.has(history.EventReady))

	// second check takes the fast path through the API
	api := client.New(client.Config{BaseURL: "http://" + d.APIAddr() + "/api"})
	ready, err := api.Ready(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ready)

	st, err := api.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.Process.PID, st.Process.PID)

	require.NoError(t, api.ClearHandshake(ctx))
	rec, err := api.Handshake(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDaemon_StartFailureRollsBack(t *testing.T) {
	c := testConfig(t)
	c.History.Enabled = false
	c.Metrics.Enabled = true
	c.Metrics.Listen = "127.0.0.1:0"
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	c.Server.Listen = busy.Addr().String()

	d, err := New(c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	err = d.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api listen")
	d.mu.Lock()
	assert.Nil(t, d.cancel)
	assert.Nil(t, d.api)
	assert.Nil(t, d.metricsSrv, "metrics server started before the failure is closed")
	d.mu.Unlock()

	c.Server.Listen = "127.0.0.1:0"
	require.NoError(t, d.Start(context.Background()), "a failed start can be retried")
	assert.NotEmpty(t, d.APIAddr())
}
