// Package config provides the configuration schema, loader, and file watcher
// for the wyostream daemon.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to the corresponding slog level. Unrecognised values map to
// Info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Mode selects how captured audio is delivered.
type Mode string

const (
	// ModeStreaming sends audio continuously as it is captured.
	ModeStreaming Mode = "streaming"

	// ModeBatch accumulates audio and delivers it in one burst.
	ModeBatch Mode = "batch"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeStreaming || m == ModeBatch
}

// Duration wraps time.Duration with YAML support for values like "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for wyostream.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Stream    StreamConfig    `yaml:"stream"`
	Audio     AudioConfig     `yaml:"audio"`
	Record    RecordConfig    `yaml:"record"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the diagnostics HTTP endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the diagnostics server (healthz, readyz,
	// metrics) listens on (e.g. ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// StreamConfig holds the uplink destination and resilience tuning.
type StreamConfig struct {
	// Destination is the relay websocket URL. Token-in-query authentication
	// is passed through untouched.
	Destination string `yaml:"destination"`

	// Mode selects streaming or batch delivery. Defaults to streaming.
	Mode Mode `yaml:"mode"`

	// Codec tags the payload encoding. Defaults to "pcm".
	Codec string `yaml:"codec"`

	// HeartbeatInterval is the keep-alive ping cadence. Defaults to 20s.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// HealthInterval is the transport health-check cadence. Defaults to 10s.
	HealthInterval Duration `yaml:"health_interval"`

	// StaleAfter is the inbound-silence window before the health check
	// declares the transport dead. Defaults to 90s.
	StaleAfter Duration `yaml:"stale_after"`

	// ErrorThreshold is the consecutive server error limit. Defaults to 5.
	ErrorThreshold int `yaml:"error_threshold"`

	Buffer  BufferConfig  `yaml:"buffer"`
	Backoff BackoffConfig `yaml:"backoff"`
	GiveUp  GiveUpConfig  `yaml:"give_up"`
}

// BufferConfig bounds the disconnection buffer.
type BufferConfig struct {
	// MaxChunks caps buffered chunks. Defaults to 6000.
	MaxChunks int `yaml:"max_chunks"`

	// MaxAge is the oldest a buffered chunk may be at flush time.
	// Defaults to 10m.
	MaxAge Duration `yaml:"max_age"`
}

// BackoffConfig tunes reconnect delays.
type BackoffConfig struct {
	// Base is the first retry delay. Defaults to 1s.
	Base Duration `yaml:"base"`

	// Max caps the computed delay. Defaults to 60s.
	Max Duration `yaml:"max"`

	// CapExponent bounds the doubling. Defaults to 6.
	CapExponent int `yaml:"cap_exponent"`
}

// GiveUpConfig bounds the otherwise-unbounded reconnect loop. Both zero
// values leave retries unbounded, the default behaviour.
type GiveUpConfig struct {
	// MaxFailures trips the give-up breaker after this many consecutive
	// failed reconnect attempts. Zero disables the breaker.
	MaxFailures int `yaml:"max_failures"`

	// MaxDuration trips the breaker after reconnection has been failing
	// continuously for this long. Zero disables the duration bound.
	MaxDuration Duration `yaml:"max_duration"`
}

// AudioConfig describes the capture source.
type AudioConfig struct {
	// SampleRate in Hz. Defaults to 16000.
	SampleRate int `yaml:"sample_rate"`

	// Width is the sample width in bytes. Defaults to 2.
	Width int `yaml:"width"`

	// Channels is the channel count. Defaults to 1.
	Channels int `yaml:"channels"`

	// Device selects the capture device by ID. Empty uses the default
	// microphone.
	Device string `yaml:"device"`

	// ChunkMillis is the capture chunk duration in milliseconds.
	// Defaults to 100.
	ChunkMillis int `yaml:"chunk_ms"`
}

// RecordConfig selects where session records go.
type RecordConfig struct {
	// PostgresDSN enables the durable Postgres session store. Empty keeps
	// session history in memory.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TelemetryConfig names the service in exported metrics.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}
