// Package poller dispatches workflows to the engine and follows their
// executions until they finish, time out or get abandoned.
//
// A workflow has at most one execution in flight. Inputs are handed to the
// plugin nodes through the bridge store, which is keyed by workflow id, so a
// second dispatch of a running workflow is rejected instead of overwriting
// the inputs of the first one.
package poller

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deskflow/deskhost/internal/engine"
	"github.com/deskflow/deskhost/internal/events"
	"github.com/deskflow/deskhost/internal/log"
	"github.com/deskflow/deskhost/internal/model"
)

const (
	DefaultInterval = time.Second
	DefaultTimeout  = 5 * time.Minute

	stateKeyPrefix = "execution/"
)

var (
	ErrUnknownExecution = errors.New("unknown execution")
	ErrClosed           = errors.New("poller closed")
)

// EngineAPI is the part of the engine client the poller needs.
type EngineAPI interface {
	Workflow(ctx context.Context, id string) (engine.Workflow, error)
	Run(ctx context.Context, wf engine.Workflow, trigger string) (string, error)
	Execution(ctx context.Context, id string) (engine.Execution, error)
	Stop(ctx context.Context, id string) error
}

// EngineStatus reports whether the engine process is up.
type EngineStatus interface {
	Status() model.ManagedServiceStatus
}

// BridgeStore is where inputs are handed over to the plugin nodes and where
// they push their results.
type BridgeStore interface {
	SetConfig(workflowID string, cfg model.ExecutionInputConfig)
	DeleteConfig(workflowID string)
	Results(workflowID string) []model.OutputResult
	ClearResults(workflowID string)
}

// StateStore persists final execution states.
type StateStore interface {
	Set(ctx context.Context, key, value string) error
}

type Settings struct {
	Interval time.Duration
	Timeout  time.Duration
	Prefixes []string
}

func SettingsFromConfig(cfg model.Poller) Settings {
	return Settings{
		Interval: model.Duration(cfg.Interval, DefaultInterval),
		Timeout:  model.Duration(cfg.Timeout, DefaultTimeout),
		Prefixes: cfg.NodePrefixes,
	}
}

func (s Settings) withDefaults() Settings {
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if len(s.Prefixes) == 0 {
		s.Prefixes = DefaultPrefixes
	}
	return s
}

type ExecuteRequest struct {
	WorkflowID string                     `json:"workflowId"`
	Inputs     model.ExecutionInputConfig `json:"inputs"`
	// Timeout overrides the configured poll timeout when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// StatusReport is the engine status of one execution in host vocabulary.
type StatusReport struct {
	ExecutionID string                `json:"executionId"`
	Status      model.ExecutionStatus `json:"status"`
	Canceled    bool                  `json:"canceled,omitempty"`
	Finished    bool                  `json:"finished"`
	Error       string                `json:"error,omitempty"`
}

type Option func(*Poller)

func WithPublisher(pub events.Publisher) Option {
	return func(p *Poller) {
		p.pub = pub
	}
}

func WithStateStore(s StateStore) Option {
	return func(p *Poller) {
		p.state = s
	}
}

// WithEngineStatus makes dispatch fail with model.ErrNotRunning unless the
// engine reports running.
func WithEngineStatus(s EngineStatus) Option {
	return func(p *Poller) {
		p.status = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

type Poller struct {
	engine   EngineAPI
	store    BridgeStore
	settings Settings
	pub      events.Publisher
	state    StateStore
	status   EngineStatus
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	popups     map[string]model.PopupExecutionState
	executions map[string]*execution
	latest     map[string]string // workflow id -> execution id
}

type execution struct {
	id         string
	workflowID string
	displays   []AnalyzedNode
	started    time.Time
	timeout    time.Duration
	done       chan struct{}
	result     model.ExecutionResult
}

func New(api EngineAPI, store BridgeStore, settings Settings, opts ...Option) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		engine:     api,
		store:      store,
		settings:   settings.withDefaults(),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		popups:     map[string]model.PopupExecutionState{},
		executions: map[string]*execution{},
		latest:     map[string]string{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Analyze fetches workflowID from the engine and classifies its nodes.
func (p *Poller) Analyze(ctx context.Context, workflowID string) (Analysis, error) {
	wf, err := p.engine.Workflow(ctx, workflowID)
	if err != nil {
		return Analysis{}, fmt.Errorf("fetching workflow %s: %w", workflowID, err)
	}
	return Classify(wf, p.settings.Prefixes), nil
}

// ExecuteWorkflow hands the inputs to the bridge, starts the workflow from
// its primary trigger and returns the engine execution id. The execution is
// then followed in the background until Wait can return its result.
//
// Missing input files and a missing engine are reported before anything
// changes.
func (p *Poller) ExecuteWorkflow(ctx context.Context, req ExecuteRequest) (string, error) {
	id := req.WorkflowID
	if id == "" {
		return "", fmt.Errorf("%w: empty workflow id", model.ErrValidationFailure)
	}
	ctx = log.WithCorrelation(ctx, id)

	missing, err := missingFiles(ctx, referencedPaths(req.Inputs))
	if err != nil {
		return "", fmt.Errorf("%w: checking input files: %w", model.ErrValidationFailure, err)
	}
	if len(missing) > 0 {
		slog.WarnContext(ctx, "input files are missing", "paths", missing)
		return "", &model.MissingFilesError{Paths: missing}
	}
	if p.status != nil {
		if st := p.status.Status(); st.State != model.ServiceRunning {
			return "", fmt.Errorf("%w: engine is %s", model.ErrNotRunning, st.State)
		}
	}

	if err := p.reserve(id); err != nil {
		return "", err
	}

	wf, err := p.engine.Workflow(ctx, id)
	if err != nil {
		return "", p.dispatchFailed(ctx, id, fmt.Errorf("fetching workflow %s: %w", id, err))
	}
	analysis := Classify(wf, p.settings.Prefixes)

	p.store.ClearResults(id)
	p.store.SetConfig(id, req.Inputs)

	var trigger string
	if n, ok := wf.PrimaryTrigger(); ok {
		trigger = n.Name
	}
	execID, err := p.engine.Run(ctx, wf, trigger)
	if err != nil {
		p.store.DeleteConfig(id)
		return "", p.dispatchFailed(ctx, id, fmt.Errorf("running workflow %s: %w", id, err))
	}

	ex := &execution{
		id:         execID,
		workflowID: id,
		displays:   analysis.ResultDisplays,
		timeout:    cmp.Or(max(req.Timeout, 0), p.settings.Timeout),
		done:       make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", p.dispatchFailed(ctx, id, ErrClosed)
	}
	st := p.popups[id]
	ex.started = st.StartedAt
	st.EngineExecutionID = execID
	p.popups[id] = st
	if prev, ok := p.latest[id]; ok {
		delete(p.executions, prev)
	}
	p.executions[execID] = ex
	p.latest[id] = execID
	loopCtx, cancel := context.WithTimeout(p.ctx, ex.timeout)
	p.wg.Go(func() {
		defer cancel()
		p.poll(loopCtx, ex)
	})
	p.mu.Unlock()

	slog.InfoContext(ctx, "workflow dispatched", "execution_id", execID, "trigger", trigger, "timeout", ex.timeout)
	return execID, nil
}

// reserve moves the popup state of id to running or fails when an
// execution is already in flight.
func (p *Poller) reserve(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	st := p.popups[id]
	if st.Status == model.PopupRunning {
		return fmt.Errorf("%w: %s", model.ErrWorkflowRunning, id)
	}
	p.popups[id] = model.PopupExecutionState{
		Status:     model.PopupRunning,
		WorkflowID: id,
		StartedAt:  p.now(),
	}
	return nil
}

func (p *Poller) dispatchFailed(ctx context.Context, id string, err error) error {
	slog.ErrorContext(ctx, "dispatch failed", "error", err)
	p.mu.Lock()
	st := p.popups[id]
	if st.CanTransition(model.PopupFailed) {
		st.Status = model.PopupFailed
		st.FinishedAt = p.now()
		st.Error = err.Error()
		p.popups[id] = st
	}
	p.mu.Unlock()
	p.persist(st)
	return err
}

func (p *Poller) poll(ctx context.Context, ex *execution) {
	ctx = log.ContextAttrs(log.WithCorrelation(ctx, ex.workflowID), slog.String("execution_id", ex.id))
	ticker := time.NewTicker(p.settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.finish(ctx, ex, p.abandoned(ctx, ex))
			return
		case <-ticker.C:
		}

		exec, err := p.engine.Execution(ctx, ex.id)
		if err != nil {
			slog.DebugContext(ctx, "polling execution", "error", err)
			continue
		}
		status, canceled := mapStatus(exec)
		if !status.Terminal() {
			continue
		}
		p.finish(ctx, ex, p.completed(ex, exec, status, canceled))
		return
	}
}

func (p *Poller) completed(ex *execution, exec engine.Execution, status model.ExecutionStatus, canceled bool) model.ExecutionResult {
	res := p.result(ex, status)
	if canceled {
		res.Status = model.ExecutionCanceled
	}
	res.Error = exec.ErrorMessage()
	if res.Status == model.ExecutionError && res.Error == "" {
		res.Error = "execution failed"
	}
	res.Outputs = mergeOutputs(runDataOutputs(exec, ex.displays), p.store.Results(ex.workflowID))
	return res
}

// abandoned is the result of a poll loop which ended without a terminal
// status: either the timeout passed or the poller was closed.
func (p *Poller) abandoned(ctx context.Context, ex *execution) model.ExecutionResult {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res := p.result(ex, model.ExecutionTimeout)
		res.Error = fmt.Sprintf("execution timed out after %ds", int64(ex.timeout/time.Second))
		return res
	}
	res := p.result(ex, model.ExecutionCanceled)
	res.Error = "polling abandoned: " + ErrClosed.Error()
	return res
}

func (p *Poller) result(ex *execution, status model.ExecutionStatus) model.ExecutionResult {
	now := p.now()
	return model.ExecutionResult{
		ExecutionID: ex.id,
		WorkflowID:  ex.workflowID,
		Status:      status,
		Outputs:     []model.OutputResult{},
		DurationMs:  now.Sub(ex.started).Milliseconds(),
		StartedAt:   ex.started,
		FinishedAt:  now,
	}
}

func (p *Poller) finish(ctx context.Context, ex *execution, res model.ExecutionResult) {
	next := model.PopupCompleted
	if res.Status != model.ExecutionSuccess {
		next = model.PopupFailed
	}

	p.mu.Lock()
	st := p.popups[ex.workflowID]
	if st.EngineExecutionID == ex.id && st.CanTransition(next) {
		st.Status = next
		st.FinishedAt = res.FinishedAt
		st.Error = res.Error
		p.popups[ex.workflowID] = st
	}
	ex.result = res
	close(ex.done)
	p.mu.Unlock()

	slog.InfoContext(ctx, "execution finished", "status", res.Status, "duration_ms", res.DurationMs, "outputs", len(res.Outputs))
	p.persist(st)
	if p.pub != nil {
		p.pub.Publish(events.Event{
			Kind:      events.KindExecutionCompleted,
			Execution: &res,
			Message:   string(res.Status),
			Time:      res.FinishedAt,
		})
	}
}

func (p *Poller) persist(st model.PopupExecutionState) {
	if p.state == nil || st.WorkflowID == "" {
		return
	}
	b, err := json.Marshal(st)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), 5*time.Second)
	defer cancel()
	if err := p.state.Set(ctx, stateKeyPrefix+st.WorkflowID, string(b)); err != nil {
		slog.WarnContext(ctx, "persisting execution state", "workflow_id", st.WorkflowID, "error", err)
	}
}

// mapStatus translates the engine status vocabulary. The second value
// reports a canceled execution, which is an error from the desktop's view.
func mapStatus(exec engine.Execution) (model.ExecutionStatus, bool) {
	switch exec.Status {
	case engine.StatusNew, engine.StatusRunning:
		return model.ExecutionRunning, false
	case engine.StatusWaiting:
		return model.ExecutionWaiting, false
	case engine.StatusSuccess:
		return model.ExecutionSuccess, false
	case engine.StatusError, engine.StatusCrashed, engine.StatusFailed:
		return model.ExecutionError, false
	case engine.StatusCanceled:
		return model.ExecutionError, true
	}
	// older engines leave status empty and only flag finished
	if exec.Finished {
		if exec.ErrorMessage() != "" {
			return model.ExecutionError, false
		}
		return model.ExecutionSuccess, false
	}
	return model.ExecutionRunning, false
}

// GetExecutionStatus asks the engine for the current status of executionID.
func (p *Poller) GetExecutionStatus(ctx context.Context, executionID string) (StatusReport, error) {
	exec, err := p.engine.Execution(ctx, executionID)
	if err != nil {
		return StatusReport{}, fmt.Errorf("getting execution %s: %w", executionID, err)
	}
	status, canceled := mapStatus(exec)
	return StatusReport{
		ExecutionID: executionID,
		Status:      status,
		Canceled:    canceled,
		Finished:    exec.Finished || status.Terminal(),
		Error:       exec.ErrorMessage(),
	}, nil
}

// CancelExecution stops executionID in the engine. The bridge config of its
// workflow is dropped on a best effort basis.
func (p *Poller) CancelExecution(ctx context.Context, executionID string) error {
	if err := p.engine.Stop(ctx, executionID); err != nil {
		return fmt.Errorf("stopping execution %s: %w", executionID, err)
	}

	p.mu.Lock()
	var workflowID string
	if ex, ok := p.executions[executionID]; ok {
		workflowID = ex.workflowID
	}
	p.mu.Unlock()
	if workflowID == "" {
		exec, err := p.engine.Execution(ctx, executionID)
		if err != nil {
			slog.DebugContext(ctx, "execution unknown after stop", "execution_id", executionID, "error", err)
			return nil
		}
		workflowID = exec.WorkflowID
	}
	if workflowID != "" {
		p.store.DeleteConfig(workflowID)
	}
	slog.InfoContext(log.WithCorrelation(ctx, workflowID), "execution canceled", "execution_id", executionID)
	return nil
}

// State returns the popup execution state of workflowID, idle if it never ran.
func (p *Poller) State(workflowID string) model.PopupExecutionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.popups[workflowID]
	if !ok {
		return model.PopupExecutionState{Status: model.PopupIdle, WorkflowID: workflowID}
	}
	return st
}

// Reset returns a finished workflow to idle.
func (p *Poller) Reset(workflowID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.popups[workflowID].Status == model.PopupRunning {
		return fmt.Errorf("%w: %s", model.ErrWorkflowRunning, workflowID)
	}
	delete(p.popups, workflowID)
	return nil
}

// Wait blocks until executionID finishes and returns its result.
func (p *Poller) Wait(ctx context.Context, executionID string) (model.ExecutionResult, error) {
	p.mu.Lock()
	ex, ok := p.executions[executionID]
	p.mu.Unlock()
	if !ok {
		return model.ExecutionResult{}, fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	select {
	case <-ex.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return ex.result, nil
	case <-ctx.Done():
		return model.ExecutionResult{}, ctx.Err()
	}
}

// Close abandons every poll loop and waits for them to return.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
