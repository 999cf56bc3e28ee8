package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/deskflow/deskhost/internal/bridge"
	"github.com/deskflow/deskhost/internal/host"
	"github.com/deskflow/deskhost/internal/log"
	"github.com/deskflow/deskhost/internal/model"
	"github.com/deskflow/deskhost/internal/poller"
	"github.com/deskflow/deskhost/internal/supervisor"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := withCmdAttrs(cmd.Context(), "run")
	h, err := host.New(ctx, config)
	if err != nil {
		return err
	}
	return h.Run(ctx)
}

func doAnalyze(cmd *cobra.Command, args []string) error {
	ctx := withCmdAttrs(cmd.Context(), "analyze")
	svc, ok := config.Service(config.Engine.Service)
	if !ok {
		return fmt.Errorf("engine service %q is not configured", config.Engine.Service)
	}
	client, err := host.NewEngineClient(supervisor.FromModel(svc).URL(), config.Engine)
	if err != nil {
		return err
	}
	p := poller.New(client, bridge.NewMemoryStore(), poller.SettingsFromConfig(config.Poller))
	defer p.Close()

	analysis, err := p.Analyze(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), analysis)
}

func doExecute(cmd *cobra.Command, args []string) error {
	ctx := withCmdAttrs(cmd.Context(), "execute")
	texts, err := cmd.Flags().GetStringArray("input")
	if err != nil {
		return err
	}
	files, err := cmd.Flags().GetStringArray("file")
	if err != nil {
		return err
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}
	inputs, err := parseInputs(texts, files)
	if err != nil {
		return err
	}

	h, err := host.New(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = h.Shutdown(sctx)
	}()
	if err := h.Start(ctx); err != nil {
		return err
	}

	id, err := h.Poller().ExecuteWorkflow(ctx, poller.ExecuteRequest{
		WorkflowID: args[0],
		Inputs:     inputs,
		Timeout:    timeout,
	})
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "waiting for execution", "execution_id", id)

	res, err := h.Poller().Wait(ctx, id)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if res.Status != model.ExecutionSuccess {
		return fmt.Errorf("execution %s: %s", res.Status, res.Error)
	}
	return nil
}

func withCmdAttrs(ctx context.Context, name string) context.Context {
	attrs := slog.Group("deskhost",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(ctx, attrs)
}

// parseInputs builds the input config from repeated nodeId=value flags.
// Files given for the same node are collected into one list.
func parseInputs(texts, files []string) (model.ExecutionInputConfig, error) {
	inputs := model.ExecutionInputConfig{}
	for _, kv := range texts {
		node, value, ok := strings.Cut(kv, "=")
		if !ok || node == "" {
			return nil, fmt.Errorf("invalid --input %q, expected nodeId=value", kv)
		}
		inputs[node] = model.NodeInputConfig{NodeID: node, InputKind: model.InputText, Value: value}
	}
	for _, kv := range files {
		node, path, ok := strings.Cut(kv, "=")
		if !ok || node == "" || path == "" {
			return nil, fmt.Errorf("invalid --file %q, expected nodeId=path", kv)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", path, err)
		}
		in, ok := inputs[node]
		if ok && in.InputKind != model.InputFileList {
			return nil, fmt.Errorf("node %s has both text and file inputs", node)
		}
		paths, _ := in.Value.([]string)
		inputs[node] = model.NodeInputConfig{NodeID: node, InputKind: model.InputFileList, Value: append(paths, abs)}
	}
	return inputs, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
