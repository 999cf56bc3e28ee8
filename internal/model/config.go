package model

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	DefaultBridgePort = 5679
	DefaultEngineName = "engine"

	configFilename = "deskhost.yaml"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version  int       `json:"version" yaml:"version"` // fixed 0 for now
	DataDir  string    `json:"dataDir" yaml:"dataDir"`
	Verbose  bool      `json:"verbose" yaml:"verbose"`
	Services []Service `json:"services" yaml:"services"`
	Engine   Engine    `json:"engine" yaml:"engine"`
	Bridge   Bridge    `json:"bridge" yaml:"bridge"`
	Poller   Poller    `json:"poller" yaml:"poller"`
	Settings Settings  `json:"settings" yaml:"settings"`
}

// Service describes one supervised background process.
type Service struct {
	Name            string            `json:"name" yaml:"name"`
	Command         string            `json:"command" yaml:"command"`
	Args            []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkDir         string            `json:"workDir" yaml:"workDir"`
	Port            int               `json:"port" yaml:"port"`
	DataDir         string            `json:"dataDir" yaml:"dataDir"`
	ReadySignal     string            `json:"readySignal" yaml:"readySignal"`
	HealthPath      string            `json:"healthPath" yaml:"healthPath"`
	VersionPattern  string            `json:"versionPattern" yaml:"versionPattern"`
	StartupTimeout  string            `json:"startupTimeout" yaml:"startupTimeout"`
	ShutdownTimeout string            `json:"shutdownTimeout" yaml:"shutdownTimeout"`
	HealthInterval  string            `json:"healthInterval" yaml:"healthInterval"`
	MaxRestarts     int               `json:"maxRestarts" yaml:"maxRestarts"`
	RestartBackoff  string            `json:"restartBackoff" yaml:"restartBackoff"`
	RestartCooldown string            `json:"restartCooldown" yaml:"restartCooldown"`
}

// Engine selects which supervised service is the workflow engine and how to reach its API.
type Engine struct {
	Service        string `json:"service" yaml:"service"`
	APIPath        string `json:"apiPath" yaml:"apiPath"`
	APIKey         string `json:"apiKey" yaml:"apiKey"`
	APIKeyHeader   string `json:"apiKeyHeader" yaml:"apiKeyHeader"`
	RequestTimeout string `json:"requestTimeout" yaml:"requestTimeout"`
}

// Bridge is the loopback coordination server. Host is restricted to loopback addresses.
type Bridge struct {
	Host          string `json:"host" yaml:"host"`
	Port          int    `json:"port" yaml:"port"`
	PortAttempts  int    `json:"portAttempts" yaml:"portAttempts"`
	MaxBodyBytes  int64  `json:"maxBodyBytes" yaml:"maxBodyBytes"`
	ImportsFolder string `json:"importsFolder" yaml:"importsFolder"`
}

type Poller struct {
	Interval     string   `json:"interval" yaml:"interval"`
	Timeout      string   `json:"timeout" yaml:"timeout"`
	NodePrefixes []string `json:"nodePrefixes" yaml:"nodePrefixes"`
}

// Settings points at the sqlite key-value store. Empty path means <dataDir>/settings.db.
type Settings struct {
	Path string `json:"path" yaml:"path"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract(configFilename, r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

// DefaultConfig returns the configuration written on a first start. It supervises
// a locally installed n8n as the engine.
func DefaultConfig(ctx context.Context) Config {
	dataDir := filepath.Join(".", "deskhost-data")
	if d, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(d, "deskhost", "data")
	} else {
		slog.WarnContext(ctx, "can't determine user config dir", "error", err)
	}

	return Config{
		Version: 0,
		DataDir: dataDir,
		Services: []Service{
			{
				Name:    DefaultEngineName,
				Command: "n8n",
				Args:    []string{"start"},
				Env: map[string]string{
					"N8N_PORT":                    "5678",
					"N8N_USER_FOLDER":             filepath.Join(dataDir, "engine"),
					"N8N_DIAGNOSTICS_ENABLED":     "false",
					"N8N_CUSTOM_EXTENSIONS":       filepath.Join(dataDir, "nodes"),
					"N8N_PERSONALIZATION_ENABLED": "false",
				},
				Port:            5678,
				DataDir:         filepath.Join(dataDir, "engine"),
				ReadySignal:     "Editor is now accessible via",
				HealthPath:      "/healthz",
				VersionPattern:  `Version: (\S+)`,
				StartupTimeout:  "60s",
				ShutdownTimeout: "5s",
				HealthInterval:  "5s",
				MaxRestarts:     3,
				RestartBackoff:  "2s",
				RestartCooldown: "30s",
			},
		},
		Engine: Engine{
			Service:        DefaultEngineName,
			APIPath:        "/rest",
			APIKeyHeader:   "X-N8N-API-KEY",
			RequestTimeout: "30s",
		},
		Bridge: Bridge{
			Host:          "127.0.0.1",
			Port:          DefaultBridgePort,
			PortAttempts:  100,
			MaxBodyBytes:  10 << 20,
			ImportsFolder: "imports",
		},
		Poller: Poller{
			Interval:     "1s",
			Timeout:      "5m",
			NodePrefixes: []string{"CUSTOM.", "n8n-nodes-deskhost."},
		},
	}
}

const redacted = "<redacted>"

// LogValue hides the engine API key.
func (c Config) LogValue() slog.Value {
	type plain Config
	c.Engine.APIKey = c.Engine.redactedKey()
	return slog.AnyValue(plain(c))
}

func (e Engine) LogValue() slog.Value {
	type plain Engine
	e.APIKey = e.redactedKey()
	return slog.AnyValue(plain(e))
}

func (e Engine) redactedKey() string {
	if e.APIKey == "" {
		return ""
	}
	return redacted
}

// Service returns the service definition of given name.
func (c Config) Service(name string) (Service, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return Service{}, false
}

// SettingsPath resolves the sqlite database location.
func (c Config) SettingsPath() string {
	if c.Settings.Path != "" {
		return c.Settings.Path
	}
	return filepath.Join(c.DataDir, "settings.db")
}

// Duration parses a schema validated duration string, falling back to def
// for empty or malformed values.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
