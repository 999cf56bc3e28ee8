// Package bridge is the loopback HTTP server code running inside the engine
// calls back into: file dialogs and copies, data folder info, and the per
// workflow input, result and file selection stores.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/deskflow/deskhost/internal/model"
)

const maxPort = 65535

// Settings configure the bridge listener and the folders it manages.
type Settings struct {
	Host          string
	Port          int
	PortAttempts  int
	MaxBodyBytes  int64
	DataDir       string
	ImportsFolder string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

func SettingsFromConfig(cfg model.Config) Settings {
	return Settings{
		Host:          cfg.Bridge.Host,
		Port:          cfg.Bridge.Port,
		PortAttempts:  cfg.Bridge.PortAttempts,
		MaxBodyBytes:  cfg.Bridge.MaxBodyBytes,
		DataDir:       cfg.DataDir,
		ImportsFolder: cfg.Bridge.ImportsFolder,
	}
}

func (s Settings) withDefaults() Settings {
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	if s.PortAttempts <= 0 {
		s.PortAttempts = 100
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = 10 << 20
	}
	if s.ImportsFolder == "" {
		s.ImportsFolder = "imports"
	}
	if s.ReadHeaderTimeout <= 0 {
		s.ReadHeaderTimeout = 10 * time.Second
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = 60 * time.Second
	}
	return s
}

func (s Settings) importsDir() string {
	return filepath.Join(s.DataDir, s.ImportsFolder)
}

// Server is the loopback HTTP server plugin nodes call back into.
type Server struct {
	settings Settings
	store    Store
	dialog   Dialog
	events   http.Handler
	clock    func() time.Time
	copier   Copier

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	startTime time.Time
}

type Option func(*Server)

// WithStore replaces the default MemoryStore.
func WithStore(st Store) Option {
	return func(s *Server) {
		if st != nil {
			s.store = st
		}
	}
}

func WithDialog(d Dialog) Option {
	return func(s *Server) {
		s.dialog = d
	}
}

// WithEvents mounts h on GET /events.
func WithEvents(h http.Handler) Option {
	return func(s *Server) {
		s.events = h
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewServer(settings Settings, opts ...Option) *Server {
	s := &Server{
		settings: settings.withDefaults(),
		store:    NewMemoryStore(),
		dialog:   ZenityDialog{},
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.copier = NewCopier(s.settings.DataDir, s.clock)
	return s
}

func (s *Server) Store() Store {
	return s.store
}

// Start binds the preferred port, or the next free one, and serves in the
// background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("bridge already started")
	}
	listener, err := listen(s.settings.Host, s.settings.Port, s.settings.PortAttempts)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.settings.ReadHeaderTimeout,
		IdleTimeout:       s.settings.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.server = server
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "bridge serve failed", "error", err)
		}
	}()
	if port := listener.Addr().(*net.TCPAddr).Port; s.settings.Port != 0 && port != s.settings.Port {
		slog.WarnContext(ctx, "preferred bridge port busy", "preferred", s.settings.Port, "port", port)
	}
	slog.InfoContext(ctx, "bridge listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	return err
}

// Addr returns the bound address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// URL is the bridge base URL plugin nodes are given. Empty until started.
func (s *Server) URL() string {
	addr := s.Addr()
	if addr == "" {
		return ""
	}
	return "http://" + addr
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.clock().Sub(s.startTime) / time.Second)
}

// listen binds host:port, moving on to the following ports while they are
// taken. Port 0 binds any free port.
func listen(host string, port, attempts int) (net.Listener, error) {
	if port == 0 {
		return net.Listen("tcp", net.JoinHostPort(host, "0"))
	}
	lastErr := errors.New("port out of range")
	last := min(port+attempts-1, maxPort)
	for p := port; p <= last; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: no free bridge port in %d-%d: %w", model.ErrPortInUse, port, last, lastErr)
}
