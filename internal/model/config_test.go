package model_test

import (
	"bytes"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/deskflow/deskhost/internal/model"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
dataDir: /tmp/deskhost
services:
  - name: engine
    command: n8n
    args: [start]
    port: 5678
    readySignal: "Editor is now accessible via"
    env:
      N8N_PORT: "5678"
  - name: docproc
    command: docling-serve
    port: 5001
    readySignal: "Uvicorn running on"
    maxRestarts: 5
bridge:
  port: 6000
poller:
  timeout: 2m
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Len(t, cfg.Services, 2)

	engine, ok := cfg.Service("engine")
	require.True(t, ok)
	require.Equal(t, []string{"start"}, engine.Args)
	require.Equal(t, "5678", engine.Env["N8N_PORT"])
	require.Equal(t, "/healthz", engine.HealthPath)
	require.Equal(t, "60s", engine.StartupTimeout)
	require.Equal(t, 3, engine.MaxRestarts)

	docproc, ok := cfg.Service("docproc")
	require.True(t, ok)
	require.Equal(t, 5, docproc.MaxRestarts)

	require.Equal(t, "127.0.0.1", cfg.Bridge.Host)
	require.Equal(t, 6000, cfg.Bridge.Port)
	require.Equal(t, "engine", cfg.Engine.Service)
	require.Equal(t, 2*time.Minute, model.Duration(cfg.Poller.Timeout, time.Second))
	require.Equal(t, []string{"CUSTOM.", "n8n-nodes-deskhost."}, cfg.Poller.NodePrefixes)
	require.Equal(t, "/tmp/deskhost/settings.db", cfg.SettingsPath())
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()
	var tests = []struct {
		name    string
		yml     string
		path    string
		code    model.IssueCode
		message string
	}{
		{
			name: "missing ready signal",
			yml: `
services:
  - name: engine
    command: n8n
    port: 5678
`,
			path:    "services.0.readySignal",
			code:    model.IssueMissing,
			message: "services.0.readySignal is required",
		},
		{
			name: "bridge not on loopback",
			yml: `
bridge:
  host: 0.0.0.0
`,
			path:    "bridge.host",
			code:    model.IssueNotLoopback,
			message: "bridge.host must be a loopback address",
		},
		{
			name: "unknown field",
			yml: `
engine:
  colour: blue
`,
			path:    "engine.colour",
			code:    model.IssueUnknownField,
			message: "field engine.colour is not allowed",
		},
		{
			name: "bad duration",
			yml: `
poller:
  timeout: forever
`,
			path:    "poller.timeout",
			code:    model.IssueInvalidDuration,
			message: "poller.timeout must be a duration",
		},
		{
			name: "port out of range",
			yml: `
services:
  - name: engine
    command: n8n
    port: 70000
    readySignal: ready
`,
			path:    "services.0.port",
			code:    model.IssueInvalidPort,
			message: "between 1 and 65535",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tc.yml))
			require.Error(t, err)
			issues := model.ConfigIssues(err)
			i := slices.IndexFunc(issues, func(i model.ConfigIssue) bool { return i.Path == tc.path })
			require.GreaterOrEqual(t, i, 0, "%v", issues)
			require.Equal(t, tc.code, issues[i].Code)
			require.Contains(t, issues[i].Message, tc.message)
			require.Contains(t, issues[i].String(), string(tc.code))
		})
	}
}

func TestConfigIssues(t *testing.T) {
	t.Parallel()
	require.Nil(t, model.ConfigIssues(nil))

	issues := model.ConfigIssues(errors.New("yaml: line 3: did not find expected key"))
	require.Equal(t, []model.ConfigIssue{{Code: model.IssueOther, Message: "yaml: line 3: did not find expected key"}}, issues)
	require.Equal(t, "yaml: line 3: did not find expected key (validation_error)", issues[0].String())

	_, err := model.LoadConfig(strings.NewReader("bridge:\n  host: 0.0.0.0\n"))
	require.Error(t, err)
	issues = model.ConfigIssues(err)
	require.NotEmpty(t, issues)
	i := slices.IndexFunc(issues, func(i model.ConfigIssue) bool { return i.Code == model.IssueNotLoopback })
	require.GreaterOrEqual(t, i, 0, "%v", issues)
	host := issues[i]
	require.Equal(t, 2, host.Line)
	require.True(t, strings.HasPrefix(host.String(), "deskhost.yaml:2:"), host.String())
}

func TestDefaultConfigRoundTrip(t *testing.T) {
	cfg := model.DefaultConfig(t.Context())

	var buf bytes.Buffer
	err := yaml.NewEncoder(&buf).Encode(cfg)
	require.NoError(t, err)

	loaded, err := model.LoadConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, cfg.Services[0].ReadySignal, loaded.Services[0].ReadySignal)
	require.Equal(t, cfg.Bridge, loaded.Bridge)
}

func TestConfigLogValue(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig(t.Context())
	cfg.Engine.APIKey = "n8n-secret-key"

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("config", "config", cfg)
	logger.Info("engine", "engine", cfg.Engine)

	out := buf.String()
	require.NotContains(t, out, "n8n-secret-key")
	require.Contains(t, out, `"apiKey":"<redacted>"`)
	require.Contains(t, out, `"apiKeyHeader":"X-N8N-API-KEY"`)
	require.Equal(t, "n8n-secret-key", cfg.Engine.APIKey)
}

func TestDuration(t *testing.T) {
	t.Parallel()
	require.Equal(t, 5*time.Second, model.Duration("", 5*time.Second))
	require.Equal(t, 5*time.Second, model.Duration("nope", 5*time.Second))
	require.Equal(t, 90*time.Second, model.Duration("1m30s", 5*time.Second))
}

func TestErrorClasses(t *testing.T) {
	t.Parallel()
	require.ErrorIs(t, model.ErrPortInUse, model.ErrPreconditionFailed)
	require.ErrorIs(t, model.ErrWorkflowRunning, model.ErrValidationFailure)
	require.ErrorIs(t, model.ErrStartupTimeout, model.ErrStartupFailure)

	err := &model.MissingFilesError{Paths: []string{"/a", "/b"}}
	require.ErrorIs(t, err, model.ErrMissingFiles)
	require.ErrorIs(t, err, model.ErrValidationFailure)
	require.EqualError(t, err, "missing files: /a, /b")

	var missing *model.MissingFilesError
	require.True(t, errors.As(error(err), &missing))
}

func TestPopupTransitions(t *testing.T) {
	t.Parallel()
	s := model.PopupExecutionState{Status: model.PopupIdle}
	require.True(t, s.CanTransition(model.PopupRunning))
	require.False(t, s.CanTransition(model.PopupCompleted))
	s.Status = model.PopupRunning
	require.True(t, s.CanTransition(model.PopupFailed))
	require.False(t, s.CanTransition(model.PopupIdle))
	s.Status = model.PopupCompleted
	require.False(t, s.CanTransition(model.PopupRunning))
}
