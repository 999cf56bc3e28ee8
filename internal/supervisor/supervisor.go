package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/deskflow/deskhost/internal/events"
	"github.com/deskflow/deskhost/internal/log"
	"github.com/deskflow/deskhost/internal/model"
	"github.com/deskflow/deskhost/internal/proctree"
)

// waitDelay bounds how long output still buffered in the pipes is drained
// after the process group got killed.
const waitDelay = 2 * time.Second

type Option func(*Supervisor)

// WithPublisher sends status and restart events to p.
func WithPublisher(p events.Publisher) Option {
	return func(s *Supervisor) {
		s.publisher = p
	}
}

func WithKiller(k proctree.Killer) Option {
	return func(s *Supervisor) {
		s.killer = k
	}
}

// WithClock replaces time.Now for uptime and crash cooldown accounting.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

func WithLogCapacity(n int) Option {
	return func(s *Supervisor) {
		s.logs = NewLogBuffer(n)
	}
}

// WithEnviron replaces os.Environ as the base environment of spawned
// processes. It is called on every spawn.
func WithEnviron(environ func() []string) Option {
	return func(s *Supervisor) {
		s.environ = environ
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Supervisor) {
		s.client = c
	}
}

// Supervisor owns exactly one child process of a long running service. It
// spawns the process, waits until it announces readiness, watches its health,
// restarts it after unexpected exits and terminates its whole process tree.
type Supervisor struct {
	cfg       Config
	killer    proctree.Killer
	publisher events.Publisher
	logs      *LogBuffer
	now       func() time.Time
	client    *http.Client
	environ   func() []string
	versionRx *regexp.Regexp

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	state           model.ServiceState
	proc            *process
	startedAt       time.Time
	version         string
	lastErr         string
	restartAttempts int
	lastCrash       time.Time
	maxNotified     bool
	health          gocron.Scheduler
	pendingRestart  context.CancelFunc
	restartSeq      int
}

// process is one spawned child. Flags are guarded by Supervisor.mu.
type process struct {
	cmd     *exec.Cmd
	pid     int
	ready   chan struct{}
	exited  chan struct{}
	exitErr error

	up       bool // announced readiness
	stopping bool // exit is expected
	aborted  bool // stopped by the user
	degraded bool // failed a health probe
	killed   bool // the group got SIGKILL
}

func New(cfg Config, opts ...Option) (*Supervisor, error) {
	if cfg.Name == "" {
		return nil, errors.New("service name is empty")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("service %s: command is empty", cfg.Name)
	}
	s := &Supervisor{
		cfg:     cfg.withDefaults(),
		killer:  proctree.System,
		now:     time.Now,
		client:  &http.Client{Timeout: 5 * time.Second},
		environ: os.Environ,
		state:   model.ServiceStopped,
	}
	if cfg.VersionPattern != "" {
		rx, err := regexp.Compile(cfg.VersionPattern)
		if err != nil {
			return nil, fmt.Errorf("service %s: compiling version pattern: %w", cfg.Name, err)
		}
		s.versionRx = rx
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logs == nil {
		s.logs = NewLogBuffer(DefaultLogCapacity)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Supervisor) Name() string {
	return s.cfg.Name
}

func (s *Supervisor) Config() Config {
	return s.cfg
}

// Start spawns the service and waits until it prints the ready signal. It
// never returns an error: failures are reported in the result and reflected
// by the status. A manual start after the crash budget got exhausted starts
// with a fresh budget.
func (s *Supervisor) Start(ctx context.Context) model.StartResult {
	s.mu.Lock()
	if s.restartAttempts > s.cfg.MaxRestarts {
		s.restartAttempts = 0
		s.lastCrash = time.Time{}
	}
	s.maxNotified = false
	s.cancelPendingRestartLocked()
	s.mu.Unlock()
	return s.start(ctx)
}

// Stop terminates the process tree, first gracefully then forcibly after the
// shutdown timeout, and returns once the process has exited. Stopping a
// stopped service is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.cancelPendingRestartLocked()
	p := s.proc
	if p != nil {
		p.aborted = true
	}
	s.mu.Unlock()

	var err error
	if p != nil {
		slog.InfoContext(ctx, "stopping service", "service", s.cfg.Name, "pid", p.pid)
		err = s.terminate(ctx, p)
	}

	s.mu.Lock()
	if err != nil {
		s.state = model.ServiceError
		s.lastErr = err.Error()
	} else {
		s.state = model.ServiceStopped
		s.lastErr = ""
	}
	s.startedAt = time.Time{}
	status := s.statusLocked()
	s.mu.Unlock()
	s.publishStatus(status)
	return err
}

// Restart stops the service, resets the crash budget and starts it again.
func (s *Supervisor) Restart(ctx context.Context) model.StartResult {
	if err := s.Stop(ctx); err != nil {
		return model.StartResult{Port: s.cfg.Port, Error: err.Error(), Err: err}
	}
	s.mu.Lock()
	s.restartAttempts = 0
	s.lastCrash = time.Time{}
	s.maxNotified = false
	s.mu.Unlock()
	return s.start(ctx)
}

// Status returns a snapshot of the service state.
func (s *Supervisor) Status() model.ManagedServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Snapshot is Status with process telemetry of a running service.
func (s *Supervisor) Snapshot(ctx context.Context) model.ManagedServiceStatus {
	st := s.Status()
	if st.PID == 0 {
		return st
	}
	t, err := sampleTelemetry(ctx, st.PID, s.now())
	if err != nil {
		slog.DebugContext(ctx, "sampling telemetry", "service", s.cfg.Name, "error", err)
		return st
	}
	st.Telemetry = t
	return st
}

// Logs returns up to n most recent output lines, optionally only those
// containing correlationID.
func (s *Supervisor) Logs(n int, correlationID string) []model.LogLine {
	return s.logs.Lines(n, correlationID)
}

func (s *Supervisor) ClearLogs() {
	s.logs.Clear()
}

// Close stops the service and waits for background goroutines.
func (s *Supervisor) Close(ctx context.Context) error {
	err := s.Stop(ctx)
	s.cancel()
	s.wg.Wait()
	return err
}

func (s *Supervisor) start(ctx context.Context) model.StartResult {
	ctx = log.ContextAttrs(ctx, slog.String("service", s.cfg.Name))
	p, err := s.spawn(ctx)
	switch {
	case errors.Is(err, model.ErrAlreadyRunning):
		return model.StartResult{Port: s.cfg.Port, Error: err.Error(), Err: err}
	case err != nil && ctx.Err() != nil:
		return model.StartResult{Port: s.cfg.Port, Error: err.Error(), Err: err}
	case err != nil:
		return s.failStart(ctx, nil, err)
	}

	timer := time.NewTimer(s.cfg.StartupTimeout)
	defer timer.Stop()
	var cause error
	select {
	case <-p.ready:
	case <-p.exited:
		cause = fmt.Errorf("%w: process exited before becoming ready (%s)", model.ErrStartupFailure, exitReason(p.exitErr))
	case <-timer.C:
		cause = fmt.Errorf("%w after %s", model.ErrStartupTimeout, s.cfg.StartupTimeout)
	case <-ctx.Done():
		cause = fmt.Errorf("%w: %w", model.ErrStartupFailure, ctx.Err())
	}
	select {
	case <-p.ready:
		slog.InfoContext(ctx, "service is running", "pid", p.pid, "port", s.cfg.Port)
		return model.StartResult{Success: true, Port: s.cfg.Port}
	default:
	}
	return s.failStart(ctx, p, cause)
}

func (s *Supervisor) spawn(ctx context.Context) (*process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		return nil, model.ErrAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cfg.Port != 0 {
		if err := probePort(s.cfg.Addr()); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", model.ErrPortInUse, s.cfg.Addr(), err)
		}
	}
	if s.cfg.DataDir != "" {
		if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating data folder: %w", model.ErrPreconditionFailed, err)
		}
	}

	p := &process{
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	stdout := &lineWriter{emit: func(line string) { s.onLine(ctx, p, model.StreamStdout, line) }}
	stderr := &lineWriter{emit: func(line string) { s.onLine(ctx, p, model.StreamStderr, line) }}

	// own pipes, so Wait returns when the child exits even if its
	// descendants keep the write ends open
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrStartupFailure, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeFiles(outR, outW)
		return nil, fmt.Errorf("%w: %w", model.ErrStartupFailure, err)
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = s.cfg.environ(s.environ())
	cmd.Stdout = outW
	cmd.Stderr = errW
	proctree.Prepare(cmd)

	s.state = model.ServiceStarting
	s.lastErr = ""
	s.startedAt = time.Time{}
	s.publishStatus(s.statusLocked())

	err = cmd.Start()
	closeFiles(outW, errW)
	if err != nil {
		closeFiles(outR, errR)
		return nil, fmt.Errorf("%w: %w", model.ErrStartupFailure, err)
	}
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	s.proc = p
	s.logs.Append(logLine(s.now(), model.StreamSystem, fmt.Sprintf("started %s (pid %d)", s.cfg.Command, p.pid)))
	slog.DebugContext(ctx, "spawned service", "command", s.cfg.Command, "args", s.cfg.Args, "pid", p.pid)

	if s.cfg.ReadySignal == "" {
		s.markReadyLocked(ctx, p)
	}

	var readers sync.WaitGroup
	readers.Go(func() { drain(outR, stdout) })
	readers.Go(func() { drain(errR, stderr) })
	s.wg.Go(func() {
		err := cmd.Wait()
		s.reapGroup(ctx, p)
		waitReaders(&readers, outR, errR)
		s.onExit(ctx, p, err)
	})
	return p, nil
}

// reapGroup kills whatever is left in the process group of an exited
// child. Orphaned workers would keep the service port and the pipes.
func (s *Supervisor) reapGroup(ctx context.Context, p *process) {
	s.mu.Lock()
	killed := p.killed
	s.mu.Unlock()
	if killed {
		return
	}
	if err := s.killer.KillProcessTree(p.pid, proctree.Kill); err != nil && !errors.Is(err, proctree.ErrNoProcess) {
		slog.WarnContext(ctx, "killing orphaned process group", "pid", p.pid, "error", err)
	}
}

func drain(r *os.File, w *lineWriter) {
	_, _ = io.Copy(w, r)
	w.flush()
}

// waitReaders gives the readers waitDelay to reach EOF, then closes the
// pipes under them. A pipe that can't be interrupted is given up on after
// another waitDelay.
func waitReaders(wg *sync.WaitGroup, files ...*os.File) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(waitDelay)
	defer timer.Stop()
	select {
	case <-done:
		closeFiles(files...)
		return
	case <-timer.C:
	}
	closeFiles(files...)
	timer.Reset(waitDelay)
	select {
	case <-done:
	case <-timer.C:
	}
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (s *Supervisor) failStart(ctx context.Context, p *process, cause error) model.StartResult {
	if p != nil {
		if err := s.terminate(ctx, p); err != nil {
			cause = errors.Join(cause, err)
		}
	}

	s.mu.Lock()
	aborted := p != nil && p.aborted
	if !aborted {
		s.state = model.ServiceError
		s.lastErr = cause.Error()
	}
	status := s.statusLocked()
	s.mu.Unlock()

	if aborted {
		cause = fmt.Errorf("%w: stopped during startup", model.ErrStartupFailure)
	} else {
		s.publishStatus(status)
	}
	slog.ErrorContext(ctx, "service failed to start", "error", cause)
	return model.StartResult{Port: s.cfg.Port, Error: cause.Error(), Err: cause}
}

// terminate signals the process tree and waits for the process to exit.
func (s *Supervisor) terminate(ctx context.Context, p *process) error {
	s.mu.Lock()
	p.stopping = true
	s.mu.Unlock()

	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := s.killer.KillProcessTree(p.pid, proctree.Terminate); err != nil && !errors.Is(err, proctree.ErrNoProcess) {
		slog.WarnContext(ctx, "terminating process tree", "pid", p.pid, "error", err)
	}
	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
		slog.WarnContext(ctx, "process did not exit in time: killing", "pid", p.pid, "timeout", s.cfg.ShutdownTimeout)
	case <-ctx.Done():
		slog.WarnContext(ctx, "stop canceled: killing", "pid", p.pid)
	}

	s.mu.Lock()
	p.killed = true
	s.mu.Unlock()
	if err := s.killer.KillProcessTree(p.pid, proctree.Kill); err != nil && !errors.Is(err, proctree.ErrNoProcess) {
		slog.ErrorContext(ctx, "killing process tree", "pid", p.pid, "error", err)
	}
	timer.Reset(s.cfg.ShutdownTimeout + waitDelay)
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: process %d did not exit after kill", model.ErrTransientProcessFault, p.pid)
	}
}

func (s *Supervisor) onLine(ctx context.Context, p *process, stream model.LogStream, text string) {
	s.logs.Append(logLine(s.now(), stream, text))
	if stream == model.StreamStderr {
		slog.DebugContext(ctx, "stderr", "line", text)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.versionRx != nil {
		if m := s.versionRx.FindStringSubmatch(text); len(m) > 1 {
			s.version = m[1]
		}
	}
	if s.cfg.ReadySignal != "" && strings.Contains(text, s.cfg.ReadySignal) {
		s.markReadyLocked(ctx, p)
	}
}

func (s *Supervisor) markReadyLocked(ctx context.Context, p *process) {
	if p.up || p.stopping || s.proc != p {
		return
	}
	p.up = true
	s.state = model.ServiceRunning
	s.startedAt = s.now()
	s.lastErr = ""
	s.startHealthLocked(ctx, p)
	s.publishStatus(s.statusLocked())
	close(p.ready)
}

func (s *Supervisor) onExit(ctx context.Context, p *process, err error) {
	s.mu.Lock()
	p.exitErr = err
	close(p.exited)
	if s.proc != p {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	sched := s.health
	s.health = nil

	crashed := p.up && !p.stopping
	var (
		restartCtx context.Context
		attempt    int
		seq        int
		notify     bool
	)
	if crashed {
		now := s.now()
		if !s.lastCrash.IsZero() && now.Sub(s.lastCrash) > s.cfg.RestartCooldown {
			s.restartAttempts = 0
		}
		s.lastCrash = now
		s.restartAttempts++
		attempt = s.restartAttempts
		s.state = model.ServiceError
		s.startedAt = time.Time{}
		if attempt <= s.cfg.MaxRestarts {
			s.lastErr = fmt.Sprintf("process exited unexpectedly (%s): restarting %d/%d", exitReason(err), attempt, s.cfg.MaxRestarts)
			s.cancelPendingRestartLocked()
			var cancel context.CancelFunc
			restartCtx, cancel = context.WithCancel(s.ctx)
			s.pendingRestart = cancel
			s.restartSeq++
			seq = s.restartSeq
		} else {
			s.lastErr = fmt.Sprintf("process exited unexpectedly (%s): gave up after %d restart attempts, manual restart required", exitReason(err), s.cfg.MaxRestarts)
			notify = !s.maxNotified
			s.maxNotified = true
		}
	}
	status := s.statusLocked()
	s.mu.Unlock()

	if sched != nil {
		if err := sched.Shutdown(); err != nil {
			slog.WarnContext(ctx, "shutting down health checks", "error", err)
		}
	}
	s.logs.Append(logLine(s.now(), model.StreamSystem, "process exited: "+exitReason(err)))
	if !crashed {
		return
	}

	slog.WarnContext(ctx, "service crashed", "pid", p.pid, "reason", exitReason(err), "attempt", attempt)
	s.publishStatus(status)
	switch {
	case restartCtx != nil:
		s.wg.Go(func() { s.recoverCrash(restartCtx, attempt, seq) })
	case notify:
		slog.ErrorContext(ctx, "maximum restart attempts reached", "max_restarts", s.cfg.MaxRestarts)
		s.publish(events.Event{
			Kind:        events.KindMaxRestarts,
			Service:     s.cfg.Name,
			Status:      &status,
			Attempt:     attempt,
			MaxAttempts: s.cfg.MaxRestarts,
			Message:     fmt.Sprintf("%s crashed %d times, manual restart required", s.cfg.Name, attempt),
		})
	}
}

func (s *Supervisor) recoverCrash(ctx context.Context, attempt, seq int) {
	defer s.releaseRestart(seq)
	timer := time.NewTimer(s.cfg.RestartBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	s.publish(events.Event{
		Kind:        events.KindRestartAttempt,
		Service:     s.cfg.Name,
		Attempt:     attempt,
		MaxAttempts: s.cfg.MaxRestarts,
		Message:     fmt.Sprintf("restart attempt %d/%d", attempt, s.cfg.MaxRestarts),
	})
	res := s.start(ctx)
	if !res.Success {
		slog.ErrorContext(ctx, "restart attempt failed", "service", s.cfg.Name, "attempt", attempt, "error", res.Error)
	}
}

// releaseRestart cancels the context of restart seq unless a newer crash
// already replaced it.
func (s *Supervisor) releaseRestart(seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restartSeq == seq {
		s.cancelPendingRestartLocked()
	}
}

func (s *Supervisor) cancelPendingRestartLocked() {
	if s.pendingRestart != nil {
		s.pendingRestart()
		s.pendingRestart = nil
	}
}

func (s *Supervisor) startHealthLocked(ctx context.Context, p *process) {
	if s.cfg.HealthPath == "" || s.cfg.HealthInterval <= 0 || s.cfg.Port == 0 {
		return
	}
	url := s.cfg.URL() + s.cfg.HealthPath
	sched, err := newHealthScheduler(s.cfg.HealthInterval, func() { s.checkHealth(ctx, p, url) })
	if err != nil {
		slog.WarnContext(ctx, "health checks disabled", "error", err)
		return
	}
	sched.Start()
	s.health = sched
}

// checkHealth degrades a running service to error on a failed probe and
// brings it back once the probe passes again. It never restarts.
func (s *Supervisor) checkHealth(ctx context.Context, p *process, url string) {
	pctx, cancel := context.WithTimeout(s.ctx, min(s.cfg.HealthInterval, 5*time.Second))
	defer cancel()
	err := probeHealth(pctx, s.client, url)

	s.mu.Lock()
	if s.proc != p || p.stopping {
		s.mu.Unlock()
		return
	}
	var changed bool
	switch {
	case err != nil && s.state == model.ServiceRunning:
		s.state = model.ServiceError
		s.lastErr = "health check failed: " + err.Error()
		p.degraded = true
		changed = true
	case err == nil && p.degraded:
		s.state = model.ServiceRunning
		s.lastErr = ""
		p.degraded = false
		changed = true
	}
	status := s.statusLocked()
	s.mu.Unlock()

	if changed {
		slog.InfoContext(ctx, "health changed", "state", status.State, "error", err)
		s.publishStatus(status)
	}
}

func (s *Supervisor) statusLocked() model.ManagedServiceStatus {
	st := model.ManagedServiceStatus{
		Name:            s.cfg.Name,
		State:           s.state,
		Port:            s.cfg.Port,
		Version:         s.version,
		LastError:       s.lastErr,
		RestartAttempts: s.restartAttempts,
	}
	if s.proc != nil {
		st.PID = s.proc.pid
	}
	if s.state == model.ServiceRunning {
		st.URL = s.cfg.URL()
		if !s.startedAt.IsZero() {
			st.UptimeSeconds = int64(s.now().Sub(s.startedAt) / time.Second)
		}
	}
	return st
}

func (s *Supervisor) publishStatus(st model.ManagedServiceStatus) {
	s.publish(events.Event{
		Kind:    events.KindServiceStatus,
		Service: s.cfg.Name,
		Status:  &st,
	})
}

func (s *Supervisor) publish(e events.Event) {
	if s.publisher != nil {
		s.publisher.Publish(e)
	}
}

func probePort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func exitReason(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
