// Package config handles pathway configuration and the .pathway data
// directory. Settings come from .pathway/pathway.yaml and are overlaid by
// PATHWAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// DataDir is the directory created under the project root.
	DataDir = ".pathway"
	// FileName is the settings file inside DataDir.
	FileName = "pathway.yaml"

	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

const defaultSettingsYAML = `# pathway configuration
version: 1

# Directory scanned for graph definitions. Relative paths resolve against the project root.
graphs_dir: graphs

store:
  # sqlite or memory
  driver: sqlite
  # path: .pathway/state/pathway.db

log:
  level: info
  # text or json
  format: text
  file: true

server:
  enabled: true
  host: 127.0.0.1
  port: 8765

engine:
  workers: 4
  max_dependency_depth: 8
  max_steps_per_pass: 64
  conflict_retries: 5

telemetry:
  # OTLP/HTTP endpoint, e.g. http://localhost:4318. Empty disables tracing.
  endpoint: ""
  service_name: pathway
`

// StoreConfig selects the execution store.
type StoreConfig struct {
	Driver string `yaml:"driver" env:"PATHWAY_STORE_DRIVER"`
	Path   string `yaml:"path,omitempty" env:"PATHWAY_STORE_PATH"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"PATHWAY_LOG_LEVEL"`
	Format string `yaml:"format" env:"PATHWAY_LOG_FORMAT"`
	File   bool   `yaml:"file" env:"PATHWAY_LOG_FILE"`
}

// ServerConfig controls the HTTP intake.
type ServerConfig struct {
	Enabled      bool          `yaml:"enabled" env:"PATHWAY_SERVER_ENABLED"`
	Host         string        `yaml:"host" env:"PATHWAY_SERVER_HOST"`
	Port         int           `yaml:"port" env:"PATHWAY_SERVER_PORT"`
	MaxBodyBytes int64         `yaml:"max_body_bytes,omitempty" env:"PATHWAY_SERVER_MAX_BODY_BYTES"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty" env:"PATHWAY_SERVER_READ_TIMEOUT"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// EngineConfig tunes execution.
type EngineConfig struct {
	Workers            int `yaml:"workers" env:"PATHWAY_WORKERS"`
	MaxDependencyDepth int `yaml:"max_dependency_depth" env:"PATHWAY_MAX_DEPENDENCY_DEPTH"`
	MaxStepsPerPass    int `yaml:"max_steps_per_pass" env:"PATHWAY_MAX_STEPS_PER_PASS"`
	ConflictRetries    int `yaml:"conflict_retries" env:"PATHWAY_CONFLICT_RETRIES"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" env:"PATHWAY_OTEL_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"PATHWAY_OTEL_SERVICE_NAME"`
}

// Settings models .pathway/pathway.yaml.
type Settings struct {
	Version   int             `yaml:"version"`
	GraphsDir string          `yaml:"graphs_dir" env:"PATHWAY_GRAPHS_DIR"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Config holds the resolved runtime configuration.
type Config struct {
	// ProjectDir is the directory pathway was started from.
	ProjectDir string
	// DataDir is ProjectDir/.pathway unless PATHWAY_DATA_DIR overrides it.
	DataDir string

	Settings Settings
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Version:   1,
		GraphsDir: "graphs",
		Store:     StoreConfig{Driver: StoreSQLite},
		Log:       LogConfig{Level: "info", Format: "text", File: true},
		Server: ServerConfig{
			Enabled:      true,
			Host:         "127.0.0.1",
			Port:         8765,
			MaxBodyBytes: 1 << 20,
			ReadTimeout:  10 * time.Second,
		},
		Engine: EngineConfig{
			Workers:            4,
			MaxDependencyDepth: 8,
			MaxStepsPerPass:    64,
			ConflictRetries:    5,
		},
		Telemetry: TelemetryConfig{ServiceName: "pathway"},
	}
}

// InitDataDir creates the data directory layout and writes the default
// settings file when none exists.
//
//	.pathway/
//	├── pathway.yaml
//	├── state/        <- SQLite execution store
//	├── escalations/  <- escalation reports
//	└── logs/         <- structured log file and execution journal
func InitDataDir(dataDir string) error {
	dirs := []string{
		filepath.Join(dataDir, "state"),
		filepath.Join(dataDir, "escalations"),
		filepath.Join(dataDir, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: ensure %s: %w", dir, err)
		}
	}
	return ensureSettings(filepath.Join(dataDir, FileName))
}

// Load resolves configuration for projectDir: file, then environment.
func Load(projectDir string) (*Config, error) {
	projectDir = filepath.Clean(projectDir)
	dataDir := filepath.Join(projectDir, DataDir)
	if override := strings.TrimSpace(os.Getenv("PATHWAY_DATA_DIR")); override != "" {
		dataDir = resolvePath(projectDir, override)
	}
	if err := InitDataDir(dataDir); err != nil {
		return nil, err
	}
	cfg := &Config{ProjectDir: projectDir, DataDir: dataDir, Settings: Default()}
	if err := cfg.loadSettings(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SettingsPath returns the on-disk settings file.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, FileName)
}

// GraphsDir returns the directory scanned for graph definitions.
func (c *Config) GraphsDir() string {
	return resolvePath(c.ProjectDir, c.Settings.GraphsDir)
}

// StatePath returns the SQLite database path.
func (c *Config) StatePath() string {
	if c.Settings.Store.Path != "" {
		return resolvePath(c.ProjectDir, c.Settings.Store.Path)
	}
	return filepath.Join(c.DataDir, "state", "pathway.db")
}

// EscalationsDir returns where escalation reports are written.
func (c *Config) EscalationsDir() string {
	return filepath.Join(c.DataDir, "escalations")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// LogPath returns the structured log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.LogsDir(), "pathway.log")
}

// JournalPath returns the execution journal.
func (c *Config) JournalPath() string {
	return filepath.Join(c.LogsDir(), "journal.log")
}

func (c *Config) loadSettings() error {
	path := c.SettingsPath()
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	parsed := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.Parse(&parsed); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Settings = parsed
	return nil
}

func (s *Settings) applyDefaults() {
	defaults := Default()
	if s.Version == 0 {
		s.Version = 1
	}
	if strings.TrimSpace(s.GraphsDir) == "" {
		s.GraphsDir = defaults.GraphsDir
	}
	if s.Store.Driver == "" {
		s.Store.Driver = defaults.Store.Driver
	}
	if s.Log.Level == "" {
		s.Log.Level = defaults.Log.Level
	}
	if s.Log.Format == "" {
		s.Log.Format = defaults.Log.Format
	}
	if s.Server.Host == "" {
		s.Server.Host = defaults.Server.Host
	}
	if s.Server.Port == 0 {
		s.Server.Port = defaults.Server.Port
	}
	if s.Server.MaxBodyBytes <= 0 {
		s.Server.MaxBodyBytes = defaults.Server.MaxBodyBytes
	}
	if s.Server.ReadTimeout <= 0 {
		s.Server.ReadTimeout = defaults.Server.ReadTimeout
	}
	if s.Engine.Workers <= 0 {
		s.Engine.Workers = defaults.Engine.Workers
	}
	if s.Engine.MaxDependencyDepth <= 0 {
		s.Engine.MaxDependencyDepth = defaults.Engine.MaxDependencyDepth
	}
	if s.Engine.MaxStepsPerPass <= 0 {
		s.Engine.MaxStepsPerPass = defaults.Engine.MaxStepsPerPass
	}
	if s.Engine.ConflictRetries <= 0 {
		s.Engine.ConflictRetries = defaults.Engine.ConflictRetries
	}
	if s.Telemetry.ServiceName == "" {
		s.Telemetry.ServiceName = defaults.Telemetry.ServiceName
	}
}

func (s *Settings) normalize() {
	s.Store.Driver = strings.ToLower(strings.TrimSpace(s.Store.Driver))
	s.Log.Level = strings.ToLower(strings.TrimSpace(s.Log.Level))
	s.Log.Format = strings.ToLower(strings.TrimSpace(s.Log.Format))
	s.Server.Host = strings.TrimSpace(s.Server.Host)
	s.Telemetry.Endpoint = strings.TrimSpace(s.Telemetry.Endpoint)
}

func (s *Settings) validate() error {
	if s.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	switch s.Store.Driver {
	case StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("store.driver must be %q or %q", StoreSQLite, StoreMemory)
	}
	switch s.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", s.Log.Level)
	}
	switch s.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}
	if s.Server.Port < 1 || s.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", s.Server.Port)
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureSettings(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultSettingsYAML), 0o644)
}
