package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default returns a configuration with all tuning knobs at their defaults.
// Destination is empty and must be supplied by the caller.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":9090",
			LogLevel:   LogInfo,
		},
		Stream: StreamConfig{
			Mode:              ModeStreaming,
			Codec:             "pcm",
			HeartbeatInterval: Duration(20 * time.Second),
			HealthInterval:    Duration(10 * time.Second),
			StaleAfter:        Duration(90 * time.Second),
			ErrorThreshold:    5,
			Buffer: BufferConfig{
				MaxChunks: 6000,
				MaxAge:    Duration(10 * time.Minute),
			},
			Backoff: BackoffConfig{
				Base:        Duration(time.Second),
				Max:         Duration(60 * time.Second),
				CapExponent: 6,
			},
		},
		Audio: AudioConfig{
			SampleRate:  16000,
			Width:       2,
			Channels:    1,
			ChunkMillis: 100,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "wyostream",
		},
	}
}

// Load reads and validates the YAML configuration at path. Values absent from
// the file keep their defaults.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader decodes and validates YAML configuration from r. Unknown
// keys are rejected.
func LoadFromReader(r io.Reader) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency. All problems
// are reported at once, joined into a single error.
func (c Config) Validate() error {
	var errs []error

	if !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level: unknown level %q", c.Server.LogLevel))
	}

	if c.Stream.Destination == "" {
		errs = append(errs, errors.New("stream.destination: must not be empty"))
	} else if u, err := url.Parse(c.Stream.Destination); err != nil {
		errs = append(errs, fmt.Errorf("stream.destination: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("stream.destination: scheme must be ws or wss, got %q", u.Scheme))
	}

	if !c.Stream.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("stream.mode: unknown mode %q", c.Stream.Mode))
	}
	if c.Stream.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("stream.heartbeat_interval: must be positive"))
	}
	if c.Stream.HealthInterval <= 0 {
		errs = append(errs, errors.New("stream.health_interval: must be positive"))
	}
	if c.Stream.StaleAfter <= 0 {
		errs = append(errs, errors.New("stream.stale_after: must be positive"))
	}
	if c.Stream.ErrorThreshold <= 0 {
		errs = append(errs, errors.New("stream.error_threshold: must be positive"))
	}
	if c.Stream.Buffer.MaxChunks <= 0 {
		errs = append(errs, errors.New("stream.buffer.max_chunks: must be positive"))
	}
	if c.Stream.Buffer.MaxAge <= 0 {
		errs = append(errs, errors.New("stream.buffer.max_age: must be positive"))
	}
	if c.Stream.Backoff.Base <= 0 {
		errs = append(errs, errors.New("stream.backoff.base: must be positive"))
	}
	if c.Stream.Backoff.Max < c.Stream.Backoff.Base {
		errs = append(errs, errors.New("stream.backoff.max: must be >= stream.backoff.base"))
	}
	if c.Stream.Backoff.CapExponent < 0 {
		errs = append(errs, errors.New("stream.backoff.cap_exponent: must not be negative"))
	}
	if c.Stream.GiveUp.MaxFailures < 0 {
		errs = append(errs, errors.New("stream.give_up.max_failures: must not be negative"))
	}
	if c.Stream.GiveUp.MaxDuration < 0 {
		errs = append(errs, errors.New("stream.give_up.max_duration: must not be negative"))
	}

	if c.Audio.SampleRate <= 0 {
		errs = append(errs, errors.New("audio.sample_rate: must be positive"))
	}
	if c.Audio.Width != 1 && c.Audio.Width != 2 && c.Audio.Width != 4 {
		errs = append(errs, fmt.Errorf("audio.width: must be 1, 2 or 4 bytes, got %d", c.Audio.Width))
	}
	if c.Audio.Channels <= 0 {
		errs = append(errs, errors.New("audio.channels: must be positive"))
	}
	if c.Audio.ChunkMillis <= 0 {
		errs = append(errs, errors.New("audio.chunk_ms: must be positive"))
	}

	if c.Telemetry.ServiceName == "" {
		errs = append(errs, errors.New("telemetry.service_name: must not be empty"))
	}

	return errors.Join(errs...)
}
