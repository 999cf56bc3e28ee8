package supervisor

import (
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/deskflow/deskhost/internal/model"
)

// Config is the resolved, typed definition of one supervised service.
type Config struct {
	Name           string
	Command        string
	Args           []string
	Env            map[string]string
	WorkDir        string
	Host           string
	Port           int
	DataDir        string
	ReadySignal    string
	HealthPath     string
	VersionPattern string

	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
	HealthInterval  time.Duration
	MaxRestarts     int
	RestartBackoff  time.Duration
	RestartCooldown time.Duration
}

// FromModel converts a schema validated service definition.
func FromModel(svc model.Service) Config {
	return Config{
		Name:            svc.Name,
		Command:         svc.Command,
		Args:            svc.Args,
		Env:             svc.Env,
		WorkDir:         svc.WorkDir,
		Host:            "127.0.0.1",
		Port:            svc.Port,
		DataDir:         svc.DataDir,
		ReadySignal:     svc.ReadySignal,
		HealthPath:      svc.HealthPath,
		VersionPattern:  svc.VersionPattern,
		StartupTimeout:  model.Duration(svc.StartupTimeout, 60*time.Second),
		ShutdownTimeout: model.Duration(svc.ShutdownTimeout, 5*time.Second),
		HealthInterval:  model.Duration(svc.HealthInterval, 5*time.Second),
		MaxRestarts:     svc.MaxRestarts,
		RestartBackoff:  model.Duration(svc.RestartBackoff, 2*time.Second),
		RestartCooldown: model.Duration(svc.RestartCooldown, 30*time.Second),
	}
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = 2 * time.Second
	}
	if c.RestartCooldown <= 0 {
		c.RestartCooldown = 30 * time.Second
	}
	return c
}

// Addr is the host:port the service listens on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) URL() string {
	if c.Port == 0 {
		return ""
	}
	return "http://" + c.Addr()
}

// environ merges the service environment over base. Values starting with $
// are expanded from the host environment.
func (c Config) environ(base []string) []string {
	out := make([]string, 0, len(base)+len(c.Env))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := c.Env[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := c.Env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		out = append(out, k+"="+v)
	}
	return out
}

func (c Config) String() string {
	return fmt.Sprintf("%s (%s on %s)", c.Name, c.Command, c.Addr())
}
