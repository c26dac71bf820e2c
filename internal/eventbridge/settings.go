package eventbridge

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/pathway/internal/config"
)

// Intake defaults.
const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 8765
	DefaultMaxBodyBytes int64 = 1 << 20
	DefaultReadTimeout        = 15 * time.Second
	DefaultWriteTimeout       = 15 * time.Second
	DefaultIdleTimeout        = 60 * time.Second
)

// Settings configures the HTTP intake. Port 0 binds an ephemeral port.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultSettings returns an enabled loopback intake.
func DefaultSettings() Settings {
	return Settings{
		Enabled:      true,
		Host:         DefaultHost,
		Port:         DefaultPort,
		MaxBodyBytes: DefaultMaxBodyBytes,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
	}
}

// SettingsFromConfig maps the server section of the resolved config.
// Environment overrides were already applied by config.Load.
func SettingsFromConfig(cfg *config.Config) Settings {
	if cfg == nil {
		return DefaultSettings()
	}
	server := cfg.Settings.Server
	return Settings{
		Enabled:      server.Enabled,
		Host:         server.Host,
		Port:         server.Port,
		MaxBodyBytes: server.MaxBodyBytes,
		ReadTimeout:  server.ReadTimeout,
	}.WithDefaults()
}

// WithDefaults fills zero or out-of-range fields from DefaultSettings.
func (s Settings) WithDefaults() Settings {
	d := DefaultSettings()
	s.Host = strings.TrimSpace(s.Host)
	if s.Host == "" {
		s.Host = d.Host
	}
	if s.Port < 0 || s.Port > 65535 {
		s.Port = d.Port
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = d.MaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = d.ReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = d.WriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = d.IdleTimeout
	}
	return s
}

// Address returns the bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the configured address.
func (s Settings) URL() string {
	return "http://" + s.Address()
}
