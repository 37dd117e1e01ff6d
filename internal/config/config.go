// Package config provides Viper-based configuration loading for the board relay.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TransportConfig holds WebSocket transport settings.
type TransportConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// Path is the route serving both the bootstrap and the WebSocket upgrade.
	Path string `mapstructure:"path"`
	// PingInterval is how often the server pings each connection.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// PingTimeout is how long past a ping interval the server waits for any
	// inbound traffic before declaring a ping timeout.
	PingTimeout time.Duration `mapstructure:"ping_timeout"`
	// ConnectTimeout bounds the WebSocket handshake.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// CompressionThreshold is the smallest frame, in bytes, written compressed.
	CompressionThreshold int `mapstructure:"compression_threshold"`
	// MaxMessageSize is the largest inbound frame, in bytes.
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// SendBuffer is the per-session outbound queue length.
	SendBuffer int `mapstructure:"send_buffer"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (t TransportConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// ReadDeadline is the idle window after which a silent peer is dropped.
func (t TransportConfig) ReadDeadline() time.Duration {
	return t.PingInterval + t.PingTimeout
}

// RelayConfig holds room policy settings.
type RelayConfig struct {
	// MaxOccupants caps each room; 0 removes the cap.
	MaxOccupants int `mapstructure:"max_occupants"`
	// RequireMembership rejects room events from sessions outside the room.
	RequireMembership bool `mapstructure:"require_membership"`
	// ReconnectGrace is how long a detached occupant keeps its seat; 0 keeps it forever.
	ReconnectGrace time.Duration `mapstructure:"reconnect_grace"`
	// ReapInterval is how often detached occupants are checked.
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	// MoveScript is an optional Lua file defining validate_move.
	MoveScript string `mapstructure:"move_script"`
	// ScriptInstructionLimit bounds each validate_move call; 0 uses the scripting default.
	ScriptInstructionLimit int `mapstructure:"script_instruction_limit"`
}

// ClientConfig holds reconnection driver settings.
type ClientConfig struct {
	// ServerURL is the http(s) URL of the relay endpoint, path included.
	ServerURL string `mapstructure:"server_url"`
	// BackoffInitial is the first reconnect delay.
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	// BackoffMax caps the reconnect delay.
	BackoffMax time.Duration `mapstructure:"backoff_max"`
	// ConnectTimeout bounds the bootstrap request and the handshake.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// HeartbeatTimeout is how long the client waits for any server traffic,
	// pings included, before reporting a ping timeout.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// AdminConfig holds the gRPC health endpoint settings.
type AdminConfig struct {
	// Enabled turns the gRPC health server on.
	Enabled bool `mapstructure:"enabled"`
	// GRPCHost is the bind address for the health service.
	GRPCHost string `mapstructure:"grpc_host"`
	// GRPCPort is the TCP port for the health service.
	GRPCPort int `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.GRPCHost, a.GRPCPort)
}

// Config is the top-level application configuration.
type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Client    ClientConfig    `mapstructure:"client"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateTransport(c.Transport),
		validateRelay(c.Relay),
		validateClient(c.Client),
		validateLogging(c.Logging),
		validateAdmin(c.Admin),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateTransport(t TransportConfig) error {
	var errs []string
	if t.Port < 1 || t.Port > 65535 {
		errs = append(errs, fmt.Sprintf("transport.port must be 1-65535, got %d", t.Port))
	}
	if !strings.HasPrefix(t.Path, "/") {
		errs = append(errs, fmt.Sprintf("transport.path must start with /, got %q", t.Path))
	}
	if t.PingInterval <= 0 {
		errs = append(errs, "transport.ping_interval must be positive")
	}
	if t.PingTimeout <= 0 {
		errs = append(errs, "transport.ping_timeout must be positive")
	}
	if t.ConnectTimeout <= 0 {
		errs = append(errs, "transport.connect_timeout must be positive")
	}
	if t.WriteTimeout <= 0 {
		errs = append(errs, "transport.write_timeout must be positive")
	}
	if t.CompressionThreshold < 0 {
		errs = append(errs, fmt.Sprintf("transport.compression_threshold must be >= 0, got %d", t.CompressionThreshold))
	}
	if t.MaxMessageSize < 1 {
		errs = append(errs, fmt.Sprintf("transport.max_message_size must be >= 1, got %d", t.MaxMessageSize))
	}
	if t.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("transport.send_buffer must be >= 1, got %d", t.SendBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRelay(r RelayConfig) error {
	var errs []string
	if r.MaxOccupants < 0 {
		errs = append(errs, fmt.Sprintf("relay.max_occupants must be >= 0, got %d", r.MaxOccupants))
	}
	if r.ReconnectGrace < 0 {
		errs = append(errs, "relay.reconnect_grace must not be negative")
	}
	if r.ReapInterval <= 0 {
		errs = append(errs, "relay.reap_interval must be positive")
	}
	if r.ScriptInstructionLimit < 0 {
		errs = append(errs, fmt.Sprintf("relay.script_instruction_limit must be >= 0, got %d", r.ScriptInstructionLimit))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateClient(c ClientConfig) error {
	var errs []string
	u, err := url.Parse(c.ServerURL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Sprintf("client.server_url is not a URL: %v", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Sprintf("client.server_url must be http or https, got %q", c.ServerURL))
	}
	if c.BackoffInitial <= 0 {
		errs = append(errs, "client.backoff_initial must be positive")
	}
	if c.BackoffMax < c.BackoffInitial {
		errs = append(errs, "client.backoff_max must not be less than client.backoff_initial")
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, "client.connect_timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, "client.write_timeout must be positive")
	}
	if c.HeartbeatTimeout <= 0 {
		errs = append(errs, "client.heartbeat_timeout must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateAdmin(a AdminConfig) error {
	if !a.Enabled {
		return nil
	}
	var errs []string
	if a.GRPCHost == "" {
		errs = append(errs, "admin.grpc_host must not be empty")
	}
	if a.GRPCPort < 1 || a.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("admin.grpc_port must be 1-65535, got %d", a.GRPCPort))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path skips the file and uses
// defaults and environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with RELAY_ prefix
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns the configuration produced by Load with no file and no
// environment overrides.
func Defaults() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static; unmarshalling them cannot fail.
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport.host", "0.0.0.0")
	v.SetDefault("transport.port", 3000)
	v.SetDefault("transport.path", "/api/socket")
	v.SetDefault("transport.ping_interval", "30s")
	v.SetDefault("transport.ping_timeout", "120s")
	v.SetDefault("transport.connect_timeout", "20s")
	v.SetDefault("transport.write_timeout", "10s")
	v.SetDefault("transport.compression_threshold", 2048)
	v.SetDefault("transport.max_message_size", 100_000_000)
	v.SetDefault("transport.send_buffer", 64)

	v.SetDefault("relay.max_occupants", 2)
	v.SetDefault("relay.require_membership", true)
	v.SetDefault("relay.reconnect_grace", "2m")
	v.SetDefault("relay.reap_interval", "1s")
	v.SetDefault("relay.move_script", "")
	v.SetDefault("relay.script_instruction_limit", 0)

	v.SetDefault("client.server_url", "http://127.0.0.1:3000/api/socket")
	v.SetDefault("client.backoff_initial", "2s")
	v.SetDefault("client.backoff_max", "10s")
	v.SetDefault("client.connect_timeout", "20s")
	v.SetDefault("client.write_timeout", "10s")
	v.SetDefault("client.heartbeat_timeout", "150s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.grpc_host", "127.0.0.1")
	v.SetDefault("admin.grpc_port", 50051)
}
