// Package host wires the supervised services, the bridge, the engine client
// and the execution poller of one desktop session together.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/deskflow/deskhost/internal/bridge"
	"github.com/deskflow/deskhost/internal/engine"
	"github.com/deskflow/deskhost/internal/events"
	"github.com/deskflow/deskhost/internal/log"
	"github.com/deskflow/deskhost/internal/model"
	"github.com/deskflow/deskhost/internal/parallel"
	"github.com/deskflow/deskhost/internal/poller"
	"github.com/deskflow/deskhost/internal/settings"
	"github.com/deskflow/deskhost/internal/supervisor"
)

const (
	// BridgeURLEnv carries the bridge address to every supervised process.
	BridgeURLEnv = "DESKHOST_BRIDGE_URL"

	bridgeURLKey    = "bridge.url"
	shutdownTimeout = 30 * time.Second
	startLimit      = 4
)

type Option func(*options)

type options struct {
	dialog  bridge.Dialog
	supOpts []supervisor.Option
}

// WithDialog replaces the native file dialog of the bridge.
func WithDialog(d bridge.Dialog) Option {
	return func(o *options) {
		o.dialog = d
	}
}

// WithSupervisorOptions are applied to every supervisor.
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(o *options) {
		o.supOpts = append(o.supOpts, opts...)
	}
}

type Host struct {
	cfg       model.Config
	sessionID string

	bus      *events.Bus
	store    *bridge.MemoryStore
	bridge   *bridge.Server
	engine   *engine.Client
	poller   *poller.Poller
	settings *settings.Store

	services  []*supervisor.Supervisor
	engineSup *supervisor.Supervisor
}

// New builds every component from cfg without starting anything except
// opening the settings database.
func New(ctx context.Context, cfg model.Config, opts ...Option) (*Host, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	h := &Host{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		bus:       events.NewBus(),
		store:     bridge.NewMemoryStore(),
	}

	bridgeOpts := []bridge.Option{
		bridge.WithStore(h.store),
		bridge.WithEvents(events.NewHub(h.bus)),
	}
	if o.dialog != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithDialog(o.dialog))
	}
	h.bridge = bridge.NewServer(bridge.SettingsFromConfig(cfg), bridgeOpts...)

	supOpts := append([]supervisor.Option{
		supervisor.WithPublisher(h.bus),
		supervisor.WithEnviron(h.environ),
	}, o.supOpts...)
	for _, svc := range cfg.Services {
		sup, err := supervisor.New(supervisor.FromModel(svc), supOpts...)
		if err != nil {
			return nil, err
		}
		h.services = append(h.services, sup)
		if svc.Name == cfg.Engine.Service {
			h.engineSup = sup
		}
	}
	if h.engineSup == nil {
		return nil, fmt.Errorf("engine service %q is not configured", cfg.Engine.Service)
	}

	client, err := NewEngineClient(h.engineSup.Config().URL(), cfg.Engine)
	if err != nil {
		return nil, err
	}
	h.engine = client

	st, err := settings.Open(ctx, cfg.SettingsPath())
	if err != nil {
		return nil, fmt.Errorf("opening settings: %w", err)
	}
	h.settings = st

	h.poller = poller.New(h.engine, h.store, poller.SettingsFromConfig(cfg.Poller),
		poller.WithPublisher(h.bus),
		poller.WithStateStore(h.settings),
		poller.WithEngineStatus(h.engineSup),
	)
	return h, nil
}

// NewEngineClient returns a client of the engine API served at serviceURL.
func NewEngineClient(serviceURL string, cfg model.Engine) (*engine.Client, error) {
	return engine.NewClient(serviceURL+cfg.APIPath,
		engine.WithAuth(engine.StaticAuth{Header: cfg.APIKeyHeader, Key: cfg.APIKey}),
		engine.WithHTTPClient(&http.Client{Timeout: model.Duration(cfg.RequestTimeout, 30*time.Second)}),
	)
}

// Run starts the bridge, then the engine, then the remaining services and
// blocks until ctx is done. Then everything is shut down in reverse order.
//
// A service failing to start is logged and left in its error state, it
// doesn't bring the host down.
func (h *Host) Run(ctx context.Context) error {
	ctx = log.ContextAttrs(ctx, slog.String("session_id", h.sessionID))
	if err := h.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return h.Shutdown(sctx)
}

// Start brings up the bridge and the services and returns.
func (h *Host) Start(ctx context.Context) error {
	if err := h.bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	if err := h.settings.Set(ctx, bridgeURLKey, h.bridge.URL()); err != nil {
		slog.WarnContext(ctx, "recording bridge url", "error", err)
	}

	if res := h.engineSup.Start(ctx); !res.Success {
		slog.ErrorContext(ctx, "engine failed to start", "service", h.engineSup.Name(), "error", res.Error)
	}

	others := slices.DeleteFunc(slices.Clone(h.services), func(s *supervisor.Supervisor) bool {
		return s == h.engineSup
	})
	err := parallel.Each(ctx, startLimit, others, func(ctx context.Context, sup *supervisor.Supervisor) error {
		if res := sup.Start(ctx); !res.Success {
			return fmt.Errorf("%s: %w", sup.Name(), res.Err)
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "services failed to start", "error", err)
	}

	slog.InfoContext(ctx, "host started", "bridge", h.bridge.URL(), "services", len(h.services))
	return nil
}

// Shutdown abandons in-flight polls, stops the bridge and then every
// service. It returns all errors encountered.
func (h *Host) Shutdown(ctx context.Context) error {
	h.poller.Close()

	var errs []error
	if err := h.bridge.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("bridge: %w", err))
	}
	err := parallel.Each(ctx, len(h.services), h.services, func(ctx context.Context, sup *supervisor.Supervisor) error {
		if err := sup.Close(ctx); err != nil {
			return fmt.Errorf("%s: %w", sup.Name(), err)
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	h.bus.Close()
	if err := h.settings.Close(); err != nil {
		errs = append(errs, fmt.Errorf("settings: %w", err))
	}

	err = errors.Join(errs...)
	if err != nil {
		slog.ErrorContext(ctx, "host shutdown", "error", err)
	} else {
		slog.InfoContext(ctx, "host stopped")
	}
	return err
}

// environ is the base environment of supervised processes.
func (h *Host) environ() []string {
	env := os.Environ()
	if url := h.bridge.URL(); url != "" {
		env = append(env, BridgeURLEnv+"="+url)
	}
	return env
}

func (h *Host) Bus() *events.Bus {
	return h.bus
}

func (h *Host) Poller() *poller.Poller {
	return h.poller
}

// Engine returns the supervisor of the workflow engine.
func (h *Host) Engine() *supervisor.Supervisor {
	return h.engineSup
}

func (h *Host) BridgeURL() string {
	return h.bridge.URL()
}

func (h *Host) Settings() *settings.Store {
	return h.settings
}

// Services returns the status of every supervised service.
func (h *Host) Services() []model.ManagedServiceStatus {
	out := make([]model.ManagedServiceStatus, 0, len(h.services))
	for _, s := range h.services {
		out = append(out, s.Status())
	}
	return out
}

// Service returns the supervisor of the named service.
func (h *Host) Service(name string) (*supervisor.Supervisor, bool) {
	i := slices.IndexFunc(h.services, func(s *supervisor.Supervisor) bool { return s.Name() == name })
	if i < 0 {
		return nil, false
	}
	return h.services[i], true
}
