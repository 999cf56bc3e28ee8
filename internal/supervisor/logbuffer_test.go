package supervisor

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deskflow/deskhost/internal/model"
)

func TestLogBuffer(t *testing.T) {
	t.Parallel()
	buf := NewLogBuffer(3)
	now := time.Now()
	for i := range 5 {
		buf.Append(logLine(now, model.StreamStdout, fmt.Sprintf("line %d wf-%d", i, i%2)))
	}
	require.Equal(t, 3, buf.Len())

	var texts []string
	for _, l := range buf.Lines(0, "") {
		texts = append(texts, l.Text)
	}
	require.Equal(t, []string{"line 2 wf-0", "line 3 wf-1", "line 4 wf-0"}, texts)

	last := buf.Lines(1, "")
	require.Len(t, last, 1)
	require.Equal(t, "line 4 wf-0", last[0].Text)

	filtered := buf.Lines(0, "wf-0")
	require.Len(t, filtered, 2)
	require.Equal(t, "line 2 wf-0", filtered[0].Text)

	buf.Clear()
	require.Zero(t, buf.Len())
	require.Empty(t, buf.Lines(10, ""))
}

func TestLineWriter(t *testing.T) {
	t.Parallel()
	var lines []string
	w := &lineWriter{emit: func(s string) { lines = append(lines, s) }}

	for _, chunk := range []string{"hel", "lo\r\nwor", "ld\n\npartial"} {
		n, err := w.Write([]byte(chunk))
		require.NoError(t, err)
		require.Equal(t, len(chunk), n)
	}
	require.Equal(t, []string{"hello", "world", ""}, lines)
	w.flush()
	require.Equal(t, []string{"hello", "world", "", "partial"}, lines)
}

func TestEnviron(t *testing.T) {
	t.Setenv("DESKHOST_TEST_HOME", "/home/test")
	cfg := Config{Env: map[string]string{
		"N8N_PORT":  "5678",
		"USER_HOME": "$DESKHOST_TEST_HOME",
	}}
	env := cfg.environ([]string{"PATH=/bin", "N8N_PORT=1"})
	require.Equal(t, []string{"PATH=/bin", "N8N_PORT=5678", "USER_HOME=/home/test"}, env)
}

func TestProbeHealth(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	require.NoError(t, probeHealth(t.Context(), srv.Client(), srv.URL+"/healthz"))
	err := probeHealth(t.Context(), srv.Client(), srv.URL+"/down")
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
}

func TestFromModel(t *testing.T) {
	t.Parallel()
	cfg := FromModel(model.Service{
		Name:            "engine",
		Command:         "n8n",
		Port:            5678,
		ReadySignal:     "ready",
		StartupTimeout:  "90s",
		RestartCooldown: "bogus",
		MaxRestarts:     3,
	})
	require.Equal(t, 90*time.Second, cfg.StartupTimeout)
	require.Equal(t, 30*time.Second, cfg.RestartCooldown)
	require.Equal(t, "http://127.0.0.1:5678", cfg.URL())
}
