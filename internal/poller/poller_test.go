package poller_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/deskflow/deskhost/internal/bridge"
	"github.com/deskflow/deskhost/internal/engine"
	"github.com/deskflow/deskhost/internal/events"
	"github.com/deskflow/deskhost/internal/model"
	"github.com/deskflow/deskhost/internal/poller"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeEngine struct {
	mu         sync.Mutex
	workflows  map[string]engine.Workflow
	executions map[string]engine.Execution
	runs       []string // trigger names
	stops      []string
	runErr     error
	stopErr    error
}

func newFakeEngine(wfs ...engine.Workflow) *fakeEngine {
	e := &fakeEngine{
		workflows:  map[string]engine.Workflow{},
		executions: map[string]engine.Execution{},
	}
	for _, wf := range wfs {
		e.workflows[wf.ID] = wf
	}
	return e
}

func (e *fakeEngine) Workflow(_ context.Context, id string) (engine.Workflow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[id]
	if !ok {
		return engine.Workflow{}, model.ErrRemoteFault
	}
	return wf, nil
}

func (e *fakeEngine) Run(_ context.Context, wf engine.Workflow, trigger string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs = append(e.runs, trigger)
	if e.runErr != nil {
		return "", e.runErr
	}
	id := "exec-" + strconv.Itoa(len(e.runs))
	e.executions[id] = engine.Execution{ID: id, WorkflowID: wf.ID, Status: engine.StatusRunning}
	return id, nil
}

func (e *fakeEngine) Execution(_ context.Context, id string) (engine.Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[id]
	if !ok {
		return engine.Execution{}, model.ErrRemoteFault
	}
	return exec, nil
}

func (e *fakeEngine) Stop(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops = append(e.stops, id)
	if e.stopErr != nil {
		return e.stopErr
	}
	exec := e.executions[id]
	exec.Status = engine.StatusCanceled
	exec.Finished = true
	e.executions[id] = exec
	return nil
}

func (e *fakeEngine) set(exec engine.Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executions[exec.ID] = exec
}

func (e *fakeEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

type fakeStatus model.ServiceState

func (s fakeStatus) Status() model.ManagedServiceStatus {
	return model.ManagedServiceStatus{Name: "engine", State: model.ServiceState(s)}
}

type memState struct {
	mu sync.Mutex
	kv map[string]string
}

func (m *memState) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kv == nil {
		m.kv = map[string]string{}
	}
	m.kv[key] = value
	return nil
}

func (m *memState) get(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kv[key]
}

func summarize() engine.Workflow {
	return engine.Workflow{
		ID:   "wf-1",
		Name: "Summarize",
		Nodes: []engine.Node{
			{ID: "n1", Name: "Ask", Type: "CUSTOM.promptInput"},
			{ID: "n2", Name: "When clicking", Type: "n8n-nodes-base.manualTrigger"},
			{ID: "n3", Name: "Show", Type: "n8n-nodes-deskhost.resultDisplay"},
		},
	}
}

func TestAnalyze(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine(
		engine.Workflow{
			ID: "wf-a",
			Nodes: []engine.Node{
				{ID: "n1", Name: "Prompt", Type: "CUSTOM.promptInput"},
				{Name: "Pick", Type: "alt-prefix.fileSelector"},
				{ID: "n3", Name: "Result", Type: "alt-prefix.resultDisplay"},
				{ID: "n4", Name: "HTTP", Type: "n8n-nodes-base.httpRequest"},
				{ID: "n5", Name: "Odd", Type: "other.promptInput"},
			},
		},
		engine.Workflow{
			ID: "wf-b",
			Nodes: []engine.Node{
				{ID: "n1", Name: "Trigger", Type: "n8n-nodes-base.manualTrigger"},
				{ID: "n2", Name: "Set", Type: "n8n-nodes-base.set"},
			},
		},
	)
	p := poller.New(eng, bridge.NewMemoryStore(), poller.Settings{Prefixes: []string{"CUSTOM.", "alt-prefix."}})
	t.Cleanup(p.Close)

	a, err := p.Analyze(t.Context(), "wf-a")
	require.NoError(t, err)
	require.True(t, a.IsSupported)
	require.Len(t, a.PromptInputs, 1)
	require.Equal(t, "n1", a.PromptInputs[0].ID)
	require.Len(t, a.FileSelectors, 1)
	require.Equal(t, "Pick", a.FileSelectors[0].ID)
	require.Len(t, a.ResultDisplays, 1)
	require.Equal(t, poller.RoleResultDisplay, a.ResultDisplays[0].Role)

	b, err := p.Analyze(t.Context(), "wf-b")
	require.NoError(t, err)
	require.False(t, b.IsSupported)
	require.Empty(t, b.PromptInputs)

	_, err = p.Analyze(t.Context(), "missing")
	require.ErrorIs(t, err, model.ErrRemoteFault)
}

func TestClassifyDefaultPrefixes(t *testing.T) {
	t.Parallel()
	a := poller.Classify(summarize(), poller.DefaultPrefixes)
	require.True(t, a.IsSupported)
	require.Len(t, a.PromptInputs, 1)
	require.Len(t, a.ResultDisplays, 1)
	require.Equal(t, "n3", a.ResultDisplays[0].ID)
}

func TestExecuteWorkflow(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		eng := newFakeEngine(summarize())
		store := bridge.NewMemoryStore()
		store.AppendResult("wf-1", model.OutputResult{NodeID: "n3", Content: "stale"})
		bus := events.NewBus()
		sub := bus.Subscribe()
		defer sub.Close()
		state := &memState{}

		p := poller.New(eng, store, poller.Settings{},
			poller.WithPublisher(bus),
			poller.WithStateStore(state),
			poller.WithEngineStatus(fakeStatus(model.ServiceRunning)),
		)
		defer p.Close()

		inputs := model.ExecutionInputConfig{
			"n1": {NodeID: "n1", InputKind: model.InputText, Value: "summarize this"},
		}
		id, err := p.ExecuteWorkflow(t.Context(), poller.ExecuteRequest{WorkflowID: "wf-1", Inputs: inputs})
		require.NoError(t, err)
		require.Equal(t, "exec-1", id)
		require.Equal(t, []string{"When clicking"}, eng.runs)

		cfg, ok := store.Config("wf-1")
		require.True(t, ok)
		require.Equal(t, inputs, cfg)
		require.Empty(t, store.Results("wf-1"))

		st := p.State("wf-1")
		require.Equal(t, model.PopupRunning, st.Status)
		require.Equal(t, id, st.EngineExecutionID)

		store.AppendResult("wf-1", model.OutputResult{NodeID: "n3", NodeName: "Show", ContentKind: model.ContentMarkdown, Content: "# hello"})
		store.AppendResult("wf-1", model.OutputResult{NodeID: "n3", NodeName: "Show", ContentKind: model.ContentText, Content: "pushed"})
		eng.set(engine.Execution{
			ID:         id,
			WorkflowID: "wf-1",
			Finished:   true,
			Status:     engine.StatusSuccess,
			Data: &engine.ExecutionData{ResultData: engine.ResultData{
				RunData: map[string][]engine.NodeRun{
					"Show": {{Data: map[string][][]engine.Item{
						"main": {{{JSON: map[string]any{"content": "# hello", "contentType": "markdown"}}}},
					}}},
				},
			}},
		})

		res, err := p.Wait(t.Context(), id)
		require.NoError(t, err)
		require.Equal(t, model.ExecutionSuccess, res.Status)
		require.EqualValues(t, 1000, res.DurationMs)
		require.Len(t, res.Outputs, 2)
		require.Equal(t, "# hello", res.Outputs[0].Content)
		require.Equal(t, "n3", res.Outputs[0].NodeID)
		require.Equal(t, "pushed", res.Outputs[1].Content)

		require.Equal(t, model.PopupCompleted, p.State("wf-1").Status)

		ev := <-sub.Events
		require.Equal(t, events.KindExecutionCompleted, ev.Kind)
		require.Equal(t, id, ev.Execution.ExecutionID)
		require.Contains(t, state.get("execution/wf-1"), `"status":"completed"`)

		require.NoError(t, p.Reset("wf-1"))
		require.Equal(t, model.PopupIdle, p.State("wf-1").Status)
	})
}

func TestExecuteWorkflowTimeout(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		eng := newFakeEngine(summarize())
		p := poller.New(eng, bridge.NewMemoryStore(), poller.Settings{Timeout: 2 * time.Second})
		defer p.Close()

		id, err := p.ExecuteWorkflow(t.Context(), poller.ExecuteRequest{WorkflowID: "wf-1"})
		require.NoError(t, err)

		res, err := p.Wait(t.Context(), id)
		require.NoError(t, err)
		require.Equal(t, model.ExecutionTimeout, res.Status)
		require.Equal(t, "execution timed out after 2s", res.Error)
		require.EqualValues(t, 2000, res.DurationMs)
		require.Equal(t, model.PopupFailed, p.State("wf-1").Status)
	})
}

func TestExecuteWorkflowRejectsSecondDispatch(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		eng := newFakeEngine(summarize())
		store := bridge.NewMemoryStore()
		p := poller.New(eng, store, poller.Settings{})
		defer p.Close()

		first := model.ExecutionInputConfig{"n1": {NodeID: "n1", InputKind: model.InputText, Value: "first"}}
		second := model.ExecutionInputConfig{"n1": {NodeID: "n1", InputKind: model.InputText, Value: "second"}}

		id, err := p.ExecuteWorkflow(t.Context(), poller.ExecuteRequest{WorkflowID: "wf-1", Inputs: first})
		require.NoError(t, err)

		_, err = p.ExecuteWorkflow(t.Context(), poller.ExecuteRequest{WorkflowID: "wf-1", Inputs: second})
		require.ErrorIs(t, err, model.ErrWorkflowRunning)
		require.ErrorIs(t, err, model.ErrValidationFailure)
		require.Equal(t, 1, eng.calls())

		cfg, _ := store.Config("wf-1")
		require.Equal(t, first, cfg)
		require.Equal(t, id, p.State("wf-1").EngineExecutionID)
		require.ErrorIs(t, p.Reset("wf-1"), model.ErrWorkflowRunning)

		eng.set(engine.Execution{ID: id, WorkflowID: "wf-1", Finished: true, Status: engine.StatusSuccess})
		res, err := p.Wait(t.Context(), id)
		require.NoError(t, err)
		require.Equal(t, model.ExecutionSuccess, res.Status)

		// once finished the workflow can run again
		next, err := p.ExecuteWorkflow(t.Context(), poller.ExecuteRequest{WorkflowID: "wf-1", Inputs: second})
		require.NoError(t, err)
		require.NotEqual(t, id, next)
	})
}

func TestExecuteWorkflowMissingFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	existing := filepath.Join(dir, "present.txt")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o600))
	gone := filepath.Join(dir, "gone.txt")
	alsoGone := filepath.Join(dir, "also-gone.pdf")

	eng := newFakeEngine(summarize())
	store := bridge.NewMemoryStore()
	p := poller.New(eng, store, poller.Settings{})
	t.Cleanup(p.Close)

	_, err := p.ExecuteWorkflow(t.Context(), poller.ExecuteRequest{
		WorkflowID: "wf-1",
		Inputs: model.ExecutionInputConfig{
			"n1": {NodeID: "n1", InputKind: model.InputText, Value: gone},
			"n2": {NodeID: "n2", InputKind: model.InputFileList, Value: []any{
				existing,
				gone,
				map[string]any{"destinationPath": alsoGone, "originalName": "also-gone.pdf"},
			}},
		},
	})
	var missing *model.MissingFilesError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, []string{gone, alsoGone}, missing.Paths)
	require.ErrorContains(t, err, gone)

	require.Zero(t, eng.calls())
	_, ok := store.Config("wf-1")
	require.False(t, ok)
	require.Equal(t, model.PopupIdle, p.State("wf-1").Status)
}

func TestExecuteWorkflow_Fail(t *testing.T) {
	t.Parallel()

	t.Run("engine not running", func(t *testing.T) {
		t.Parallel()
		eng := newFakeEngine(summarize())
		p := poller.New(eng, bridge.NewMemoryStore(), poller.Settings{}, poller.WithEngineStatus(fakeStatus(model.ServiceStarting)))
		t.Cleanup(p.Close)

		_, err := p.ExecuteWorkflow(t.Context(), poller.ExecuteRequest{WorkflowID: "wf-1"})
		require.ErrorIs(t, err, model.ErrNotRunning)
		require.Zero(t, eng.calls())
		require.Equal(t, model.PopupIdle, p.State("wf-1").Status)
	})

	t.Run("run rejected", func(t *testing.T) {
		t.Parallel()
		eng := newFakeEngine(summarize())
		eng.runErr = model.ErrRemoteFault
		store := bridge.NewMemoryStore()
		state := &memState{}
		p := poller.New(eng, store, poller.Settings{}, poller.WithStateStore(state))
		t.Cleanup(p.Close)

		_, err := p.ExecuteWorkflow(t.Context(), poller.ExecuteRequest{WorkflowID: "wf-1"})
		require.ErrorIs(t, err, model.ErrRemoteFault)
		_, ok := store.Config("wf-1")
		require.False(t, ok)

		st := p.State("wf-1")
		require.Equal(t, model.PopupFailed, st.Status)
		require.NotEmpty(t, st.Error)
		require.Contains(t, state.get("execution/wf-1"), `"status":"failed"`)
	})

	t.Run("unknown workflow", func(t *testing.T) {
		t.Parallel()
		p := poller.New(newFakeEngine(), bridge.NewMemoryStore(), poller.Settings{})
		t.Cleanup(p.Close)

		_, err := p.ExecuteWorkflow(t.Context(), poller.ExecuteRequest{WorkflowID: "nope"})
		require.ErrorIs(t, err, model.ErrRemoteFault)
		require.Equal(t, model.PopupFailed, p.State("nope").Status)
	})

	t.Run("empty workflow id", func(t *testing.T) {
		t.Parallel()
		p := poller.New(newFakeEngine(), bridge.NewMemoryStore(), poller.Settings{})
		t.Cleanup(p.Close)

		_, err := p.ExecuteWorkflow(t.Context(), poller.ExecuteRequest{})
		require.ErrorIs(t, err, model.ErrValidationFailure)
	})
}

func TestGetExecutionStatus(t *testing.T) {
	t.Parallel()
	var tests = []struct {
		engine   string
		finished bool
		status   model.ExecutionStatus
		canceled bool
	}{
		{engine: engine.StatusNew, status: model.ExecutionRunning},
		{engine: engine.StatusRunning, status: model.ExecutionRunning},
		{engine: engine.StatusWaiting, status: model.ExecutionWaiting},
		{engine: engine.StatusSuccess, finished: true, status: model.ExecutionSuccess},
		{engine: engine.StatusError, finished: true, status: model.ExecutionError},
		{engine: engine.StatusCrashed, finished: true, status: model.ExecutionError},
		{engine: engine.StatusFailed, finished: true, status: model.ExecutionError},
		{engine: engine.StatusCanceled, finished: true, status: model.ExecutionError, canceled: true},
		{engine: "", finished: true, status: model.ExecutionSuccess},
	}

	eng := newFakeEngine()
	p := poller.New(eng, bridge.NewMemoryStore(), poller.Settings{})
	t.Cleanup(p.Close)

	for i, tc := range tests {
		id := "e" + strconv.Itoa(i)
		eng.set(engine.Execution{ID: id, Status: tc.engine, Finished: tc.finished})
		rep, err := p.GetExecutionStatus(t.Context(), id)
		require.NoError(t, err, tc.engine)
		require.Equal(t, tc.status, rep.Status, tc.engine)
		require.Equal(t, tc.canceled, rep.Canceled, tc.engine)
		require.Equal(t, tc.finished, rep.Finished, tc.engine)
	}

	_, err := p.GetExecutionStatus(t.Context(), "unknown")
	require.ErrorIs(t, err, model.ErrRemoteFault)
}

func TestCancelExecution(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		eng := newFakeEngine(summarize())
		store := bridge.NewMemoryStore()
		p := poller.New(eng, store, poller.Settings{})
		defer p.Close()

		id, err := p.ExecuteWorkflow(t.Context(), poller.ExecuteRequest{WorkflowID: "wf-1", Inputs: model.ExecutionInputConfig{}})
		require.NoError(t, err)

		require.NoError(t, p.CancelExecution(t.Context(), id))
		require.Equal(t, []string{id}, eng.stops)
		_, ok := store.Config("wf-1")
		require.False(t, ok)

		res, err := p.Wait(t.Context(), id)
		require.NoError(t, err)
		require.Equal(t, model.ExecutionCanceled, res.Status)
		require.Equal(t, model.PopupFailed, p.State("wf-1").Status)
	})
}

func TestCancelExecution_Fail(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	eng.stopErr = errors.New("boom")
	store := bridge.NewMemoryStore()
	store.SetConfig("wf-1", model.ExecutionInputConfig{})
	eng.set(engine.Execution{ID: "exec-9", WorkflowID: "wf-1", Status: engine.StatusRunning})
	p := poller.New(eng, store, poller.Settings{})
	t.Cleanup(p.Close)

	err := p.CancelExecution(t.Context(), "exec-9")
	require.ErrorContains(t, err, "boom")
	_, ok := store.Config("wf-1")
	require.True(t, ok)
}

func TestCloseAbandonsPolling(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		eng := newFakeEngine(summarize())
		p := poller.New(eng, bridge.NewMemoryStore(), poller.Settings{})

		id, err := p.ExecuteWorkflow(t.Context(), poller.ExecuteRequest{WorkflowID: "wf-1"})
		require.NoError(t, err)

		time.Sleep(3 * time.Second)
		p.Close()

		res, err := p.Wait(t.Context(), id)
		require.NoError(t, err)
		require.Equal(t, model.ExecutionCanceled, res.Status)
		require.EqualValues(t, 3000, res.DurationMs)

		_, err = p.ExecuteWorkflow(t.Context(), poller.ExecuteRequest{WorkflowID: "wf-2"})
		require.ErrorIs(t, err, poller.ErrClosed)

		_, err = p.Wait(t.Context(), "exec-404")
		require.ErrorIs(t, err, poller.ErrUnknownExecution)
	})
}
