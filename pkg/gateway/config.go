package gateway

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sammck-go/wsgate/pkg/auth"
	wgshare "github.com/sammck-go/wsgate/share"
)

// Duration is a time.Duration that reads from TOML as a string such as "30s"
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration as a Go duration string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the configuration for the gateway server
type Config struct {
	// Listen is the HTTP listen address: "host:port" or "unix:<socket path>"
	Listen string `toml:"listen"`

	// SocketPath is the URL path that accepts WebSocket connections
	SocketPath string `toml:"socket-path"`

	// AllowedOrigins lists the Origin values accepted for WebSocket upgrades.
	// Empty means same-origin only; "*" accepts any origin.
	AllowedOrigins []string `toml:"allowed-origins"`

	// CookieName is the name of the session cookie set by /login
	CookieName string `toml:"cookie-name"`

	// SessionLifetime is how long a login session lasts; 0 means until logout
	SessionLifetime Duration `toml:"session-lifetime"`

	// AuthFile is a JSON file of {"user:pass": ["target-regex", ...]}
	AuthFile string `toml:"auth-file"`

	// Auth lists additional "user:pass" users allowed to reach any target
	Auth []string `toml:"auth"`

	// KnownHosts is an OpenSSH known_hosts file of trusted host keys
	KnownHosts string `toml:"known-hosts"`

	// WatchFiles reloads AuthFile and KnownHosts when they change
	WatchFiles bool `toml:"watch-files"`

	// DefaultHost is the target when an open request does not name one
	DefaultHost string `toml:"default-host"`

	// SSHPort is the port used when the target does not include one. 0 runs
	// the agent locally instead of over SSH.
	SSHPort int `toml:"ssh-port"`

	// Agent is the agent command line run for each channel
	Agent []string `toml:"agent"`

	// OpenTimeout bounds establishing a channel's transport
	OpenTimeout Duration `toml:"open-timeout"`

	// AgentStartGrace is how long a new agent may stay silent before its channel
	// is declared open. An agent that writes output or exits sooner ends the
	// wait early, so a missing agent is reported without opening. 0 opens as
	// soon as the transport is up.
	AgentStartGrace Duration `toml:"agent-start-grace"`

	// ConnectRetries is the number of times a failed connection to a target is retried
	ConnectRetries int `toml:"connect-retries"`

	// MaxRetryInterval caps the backoff between connection attempts
	MaxRetryInterval Duration `toml:"max-retry-interval"`

	// LogLevel is one of error, warning, info, debug or trace
	LogLevel string `toml:"log-level"`

	// Debug turns on debug logging and HTTP request logging
	Debug bool `toml:"debug"`
}

// DefaultConfig returns a Config with every field at its default
func DefaultConfig() *Config {
	return &Config{
		Listen:           "127.0.0.1:9090",
		SocketPath:       "/socket",
		CookieName:       auth.DefaultCookieName,
		SessionLifetime:  Duration{12 * time.Hour},
		KnownHosts:       "",
		WatchFiles:       true,
		DefaultHost:      "127.0.0.1",
		SSHPort:          22,
		Agent:            []string{"cockpit-bridge"},
		OpenTimeout:      Duration{30 * time.Second},
		AgentStartGrace:  Duration{500 * time.Millisecond},
		ConnectRetries:   2,
		MaxRetryInterval: Duration{2 * time.Second},
		LogLevel:         "info",
	}
}

// LoadConfigFile reads a TOML file over c. Keys the file does not set keep
// their current values; unknown keys are an error.
func LoadConfigFile(path string, c *Config) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("unable to load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys in config %s: %v", path, undecoded)
	}
	return nil
}

// GetLogLevel returns the configured log level, with Debug taking precedence
func (c *Config) GetLogLevel() (wgshare.LogLevel, error) {
	if c.Debug {
		return wgshare.LogLevelDebug, nil
	}
	if c.LogLevel == "" {
		return wgshare.LogLevelInfo, nil
	}
	var level wgshare.LogLevel
	if err := level.FromString(c.LogLevel); err != nil {
		return wgshare.LogLevelUnknown, err
	}
	return level, nil
}

// Validate checks the configuration for values that cannot work
func (c *Config) Validate() error {
	if c.SocketPath == "" || c.SocketPath[0] != '/' {
		return fmt.Errorf("socket-path must start with '/': %q", c.SocketPath)
	}
	if c.SSHPort < 0 || c.SSHPort > 65535 {
		return fmt.Errorf("ssh-port out of range: %d", c.SSHPort)
	}
	if len(c.Agent) == 0 || c.Agent[0] == "" {
		return fmt.Errorf("agent command is empty")
	}
	if c.OpenTimeout.Duration < 0 {
		return fmt.Errorf("open-timeout must not be negative")
	}
	if c.AgentStartGrace.Duration < 0 {
		return fmt.Errorf("agent-start-grace must not be negative")
	}
	if c.ConnectRetries < 0 {
		return fmt.Errorf("connect-retries must not be negative")
	}
	if _, err := c.GetLogLevel(); err != nil {
		return err
	}
	return nil
}
