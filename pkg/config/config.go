// Package config provides configuration loading for the TUIC server. It
// supports YAML (default) and TOML, selected by file extension or the
// TUIC_FORCE_TOML environment variable, and validates the result before
// the server starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

// LogConfig controls the structured logger (pkg/logger.Config mirror, kept
// separate so config stays free of an import on logger).
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	Output     string `yaml:"output" toml:"output"`
	File       string `yaml:"file" toml:"file"`
	MaxSize    int    `yaml:"max_size" toml:"max_size"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAge     int    `yaml:"max_age" toml:"max_age"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// TLSConfig controls the certificate the QUIC listener presents.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
	SelfSign bool   `yaml:"self_sign" toml:"self_sign"`
}

// QUICConfig carries the transport knobs described in spec.md §6.
type QUICConfig struct {
	InitialMTU       uint16 `yaml:"initial_mtu" toml:"initial_mtu"`
	MinMTU           uint16 `yaml:"min_mtu" toml:"min_mtu"`
	SendWindow       uint64 `yaml:"send_window" toml:"send_window"`
	ReceiveWindow    uint64 `yaml:"receive_window" toml:"receive_window"`
	MaxIdleTime      Duration `yaml:"max_idle_time" toml:"max_idle_time"`
	GSO              bool   `yaml:"gso" toml:"gso"`
	PMTUD            bool   `yaml:"pmtud" toml:"pmtud"`
	CongestionCtrl   string `yaml:"congestion_control" toml:"congestion_control"` // cubic, new_reno, bbr
	InitialWindow    uint64 `yaml:"initial_window" toml:"initial_window"`
	ALPN             []string `yaml:"alpn" toml:"alpn"`
	ZeroRTTHandshake bool   `yaml:"zero_rtt_handshake" toml:"zero_rtt_handshake"`
}

// AdminConfig configures the optional bearer-token-authenticated admin
// HTTP surface described in spec.md §6 / SPEC_FULL.md §4.13.
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
	Token      string `yaml:"token" toml:"token"`
}

// MetricsConfig configures the optional Prometheus /metrics endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
}

// Config is the full TUIC server configuration (spec.md §6 surface).
type Config struct {
	Server  string            `yaml:"server" toml:"server"`
	Users   map[string]string `yaml:"users" toml:"users"` // uuid -> password
	Log     LogConfig         `yaml:"log" toml:"log"`
	TLS     TLSConfig         `yaml:"tls" toml:"tls"`
	QUIC    QUICConfig        `yaml:"quic" toml:"quic"`
	Admin   AdminConfig       `yaml:"admin" toml:"admin"`
	Metrics MetricsConfig     `yaml:"metrics" toml:"metrics"`

	AuthTimeout             Duration `yaml:"auth_timeout" toml:"auth_timeout"`
	TaskNegotiationTimeout  Duration `yaml:"task_negotiation_timeout" toml:"task_negotiation_timeout"`
	StreamTimeout           Duration `yaml:"stream_timeout" toml:"stream_timeout"`
	MaxExternalPacketSize   int      `yaml:"max_external_packet_size" toml:"max_external_packet_size"`
	UDPRelayIPv6            bool     `yaml:"udp_relay_ipv6" toml:"udp_relay_ipv6"`
	GCInterval              Duration `yaml:"gc_interval" toml:"gc_interval"`
	GCLifetime              Duration `yaml:"gc_lifetime" toml:"gc_lifetime"`
	MaximumClientsPerUser   int      `yaml:"maximum_clients_per_user" toml:"maximum_clients_per_user"`
	AuthAttemptsPerMinute   int      `yaml:"auth_attempts_per_minute" toml:"auth_attempts_per_minute"`
}

// Duration wraps time.Duration so it can be expressed as a human string
// ("3s") in both YAML and TOML while still validating like a number.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := unmarshal(&n); err != nil {
		return err
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML
// decoder for string-valued durations.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler, writing the duration as a human
// string ("3s") that UnmarshalYAML reads back.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.D().String(), nil
}

// D returns the underlying time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Default returns a Config populated with spec.md §6's documented
// defaults, used both as the fallback for zero-valued fields and as the
// body of -i/--init's sample output.
func Default() *Config {
	return &Config{
		Server: "[::]:443",
		Users:  map[string]string{},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		TLS: TLSConfig{},
		QUIC: QUICConfig{
			InitialMTU:     1200,
			MinMTU:         1200,
			SendWindow:     8 * 1024 * 1024,
			ReceiveWindow:  8 * 1024 * 1024,
			MaxIdleTime:    Duration(10 * time.Second),
			GSO:            true,
			PMTUD:          true,
			CongestionCtrl: "cubic",
			ALPN:           []string{"h3"},
		},
		AuthTimeout:            Duration(3 * time.Second),
		TaskNegotiationTimeout: Duration(3 * time.Second),
		StreamTimeout:          Duration(10 * time.Second),
		MaxExternalPacketSize:  1500,
		UDPRelayIPv6:           true,
		GCInterval:             Duration(3 * time.Second),
		GCLifetime:             Duration(15 * time.Second),
		MaximumClientsPerUser:  0,
		AuthAttemptsPerMinute:  60,
	}
}

// Load reads and parses the configuration file at path, applying defaults
// for anything left unset and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // nolint:gosec // path is operator-supplied via -c
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if useTOML(path) {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func useTOML(path string) bool {
	if strings.EqualFold(os.Getenv("TUIC_FORCE_TOML"), "1") {
		return true
	}
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Validate enforces the invariants the server needs before it can start.
func (c *Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("server listen address cannot be empty")
	}
	if len(c.Users) == 0 {
		return fmt.Errorf("users table cannot be empty")
	}
	if c.AuthTimeout.D() <= 0 {
		return fmt.Errorf("auth_timeout must be positive")
	}
	if c.TaskNegotiationTimeout.D() <= 0 {
		return fmt.Errorf("task_negotiation_timeout must be positive")
	}
	if c.StreamTimeout.D() <= 0 {
		return fmt.Errorf("stream_timeout must be positive")
	}
	if c.MaxExternalPacketSize <= 0 {
		return fmt.Errorf("max_external_packet_size must be positive")
	}
	if c.GCInterval.D() <= 0 || c.GCLifetime.D() <= 0 {
		return fmt.Errorf("gc_interval and gc_lifetime must be positive")
	}
	if (c.TLS.CertFile == "" || c.TLS.KeyFile == "") && !c.TLS.SelfSign {
		return fmt.Errorf("tls: either cert_file/key_file or self_sign must be set")
	}
	if c.QUIC.InitialMTU < 1200 || c.QUIC.MinMTU < 1200 {
		return fmt.Errorf("quic: initial_mtu and min_mtu must each be >= 1200")
	}
	switch c.QUIC.CongestionCtrl {
	case "", "cubic", "new_reno", "bbr":
	default:
		return fmt.Errorf("quic: unknown congestion_control %q", c.QUIC.CongestionCtrl)
	}
	return nil
}

// WriteSample marshals Default() to path in YAML, implementing the
// -i/--init CLI flag.
func WriteSample(path string) error {
	cfg := Default()
	cfg.Server = "[::]:443"
	cfg.Users["00000000-0000-0000-0000-000000000001"] = "change-me"
	cfg.TLS.SelfSign = true
	cfg.Admin = AdminConfig{ListenAddr: "127.0.0.1:9999", Token: "change-me-too"}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal sample config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
