//go:build !windows

package host_test

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deskflow/deskhost/internal/host"
	"github.com/deskflow/deskhost/internal/model"
	"github.com/deskflow/deskhost/internal/poller"
)

func testConfig(t *testing.T) model.Config {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()

	// the engine client needs the service address up front
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	return model.Config{
		DataDir: dir,
		Services: []model.Service{
			{
				Name:            "engine",
				Command:         "sh",
				Port:            port,
				Args:            []string{"-c", `echo "bridge at $DESKHOST_BRIDGE_URL"; echo "Editor is now accessible"; exec sleep 30`},
				ReadySignal:     "Editor is now accessible",
				StartupTimeout:  "5s",
				ShutdownTimeout: "2s",
			},
			{
				Name:           "docproc",
				Command:        filepath.Join(dir, "missing-binary"),
				ReadySignal:    "ready",
				StartupTimeout: "5s",
			},
		},
		Engine: model.Engine{
			Service: "engine",
			APIPath: "/rest",
		},
		Bridge: model.Bridge{
			Host: "127.0.0.1",
		},
	}
}

func TestHostRun(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	h, err := host.New(t.Context(), cfg)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("http://127.0.0.1:%d", cfg.Services[0].Port), h.Engine().Config().URL())

	// dispatch needs a running engine
	_, err = h.Poller().ExecuteWorkflow(t.Context(), poller.ExecuteRequest{WorkflowID: "wf-1"})
	require.ErrorIs(t, err, model.ErrNotRunning)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- h.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return h.Engine().Status().State == model.ServiceRunning
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		st, ok := h.Service("docproc")
		return ok && st.Status().State == model.ServiceError
	}, 5*time.Second, 10*time.Millisecond)

	url := h.BridgeURL()
	require.True(t, strings.HasPrefix(url, "http://127.0.0.1:"), url)
	lines := h.Engine().Logs(0, "bridge at")
	require.Len(t, lines, 1)
	require.Equal(t, "bridge at "+url, lines[0].Text)

	e, err := h.Settings().Get(t.Context(), "bridge.url")
	require.NoError(t, err)
	require.Equal(t, url, e.Value)

	statuses := h.Services()
	require.Len(t, statuses, 2)
	require.Equal(t, "engine", statuses[0].Name)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("host did not stop")
	}
	require.Equal(t, model.ServiceStopped, h.Engine().Status().State)
	require.Empty(t, h.BridgeURL())
}

func TestHostNew_Fail(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Engine.Service = "nope"
	_, err := host.New(t.Context(), cfg)
	require.ErrorContains(t, err, `engine service "nope" is not configured`)

	cfg = testConfig(t)
	cfg.Services[1].Command = ""
	_, err = host.New(t.Context(), cfg)
	require.Error(t, err)
}

func TestNewEngineClient(t *testing.T) {
	t.Parallel()
	_, err := host.NewEngineClient("http://127.0.0.1:5678", model.Engine{APIPath: "/rest", APIKey: "k"})
	require.NoError(t, err)

	_, err = host.NewEngineClient("", model.Engine{APIPath: "/rest"})
	require.Error(t, err)
}
