// Command wyostream is the resilient audio uplink daemon: it captures
// microphone audio and streams it over a persistent websocket to a relay,
// buffering through disconnections and reconnecting with backoff.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mvarner/wyostream/internal/capture"
	"github.com/mvarner/wyostream/internal/config"
	"github.com/mvarner/wyostream/internal/health"
	"github.com/mvarner/wyostream/internal/observe"
	"github.com/mvarner/wyostream/internal/record"
	recordpg "github.com/mvarner/wyostream/internal/record/postgres"
	"github.com/mvarner/wyostream/internal/resilience"
	"github.com/mvarner/wyostream/internal/stream"
	"github.com/mvarner/wyostream/pkg/audio"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "list capture devices and exit")
	flag.Parse()

	if *listDevices {
		return runListDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "wyostream: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "wyostream: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.Slog())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("wyostream starting",
		"version", version,
		"config", *configPath,
		"destination", cfg.Stream.Destination,
		"mode", cfg.Stream.Mode,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Session recorder ──────────────────────────────────────────────────────
	var (
		recorder record.Recorder
		pgStore  *recordpg.Store
	)
	if cfg.Record.PostgresDSN != "" {
		pgStore, err = recordpg.NewStore(ctx, cfg.Record.PostgresDSN, logger)
		if err != nil {
			slog.Error("failed to connect session store", "err", err)
			return 1
		}
		defer pgStore.Close()
		recorder = pgStore
		slog.Info("session records go to postgres")
	} else {
		recorder = record.NewMemoryRecorder()
		slog.Info("session records kept in memory")
	}

	// ── Capture source ────────────────────────────────────────────────────────
	format := audio.Format{
		SampleRate: cfg.Audio.SampleRate,
		Width:      cfg.Audio.Width,
		Channels:   cfg.Audio.Channels,
	}
	mic, err := capture.NewMicrophone(capture.Config{
		Format:        format,
		DeviceID:      cfg.Audio.Device,
		ChunkDuration: time.Duration(cfg.Audio.ChunkMillis) * time.Millisecond,
	})
	if err != nil {
		slog.Error("failed to create capture source", "err", err)
		return 1
	}

	// ── Streaming core ────────────────────────────────────────────────────────
	var giveUp *resilience.GiveUpBreaker
	if cfg.Stream.GiveUp.MaxFailures > 0 || cfg.Stream.GiveUp.MaxDuration > 0 {
		giveUp = resilience.NewGiveUpBreaker(resilience.GiveUpBreakerConfig{
			Name:        "uplink",
			MaxFailures: cfg.Stream.GiveUp.MaxFailures,
			MaxDuration: cfg.Stream.GiveUp.MaxDuration.Std(),
		})
	}

	orch := stream.NewOrchestrator(stream.OrchestratorConfig{
		SourceName: mic.Name(),
		Recorder:   recorder,
		OnStatus: func(s stream.Status) {
			slog.Debug("stream status",
				"kind", s.Kind,
				"message", s.Message,
				"detail", s.Detail,
				"buffered", s.Buffer.BufferedChunks,
				"dropped", s.Buffer.DroppedChunks,
			)
		},
		Backoff: stream.BackoffPolicy{
			Base:        cfg.Stream.Backoff.Base.Std(),
			Max:         cfg.Stream.Backoff.Max.Std(),
			CapExponent: cfg.Stream.Backoff.CapExponent,
		},
		MaxBufferedChunks: cfg.Stream.Buffer.MaxChunks,
		MaxBufferedAge:    cfg.Stream.Buffer.MaxAge.Std(),
		HeartbeatInterval: cfg.Stream.HeartbeatInterval.Std(),
		HealthInterval:    cfg.Stream.HealthInterval.Std(),
		StaleAfter:        cfg.Stream.StaleAfter.Std(),
		ErrorThreshold:    cfg.Stream.ErrorThreshold,
		GiveUp:            giveUp,
		Logger:            logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	// ── Diagnostics HTTP server ───────────────────────────────────────────────
	if cfg.Server.ListenAddr != "" {
		checkers := []health.Checker{{
			Name: "uplink",
			Check: func(context.Context) error {
				if st := orch.ConnState(); st != stream.StateOpen {
					return fmt.Errorf("uplink not open: %s", st)
				}
				return nil
			},
		}}
		if pgStore != nil {
			checkers = append(checkers, health.Checker{Name: "recorder", Check: pgStore.Ping})
		}

		mux := http.NewServeMux()
		health.New(checkers...).Register(mux)
		mux.Handle("GET /metrics", promhttp.Handler())

		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("diagnostics server listening", "addr", cfg.Server.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("diagnostics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	// Log level and destination are applied live; everything else requires a
	// restart. The watcher invokes the callback from a single goroutine, so
	// the restart sequence below never overlaps itself.
	current := cfg
	watcher := config.NewWatcher(*configPath, func(next config.Config) {
		if next.Server.LogLevel != current.Server.LogLevel {
			slog.Info("log level changed", "from", current.Server.LogLevel, "to", next.Server.LogLevel)
			logLevel.Set(next.Server.LogLevel.Slog())
		}
		if next.Stream.Destination != current.Stream.Destination {
			slog.Info("destination changed, restarting stream", "destination", next.Stream.Destination)
			orch.Stop()
			if err := orch.Start(gctx, next.Stream.Destination, string(next.Stream.Mode), next.Stream.Codec, format); err != nil {
				slog.Error("failed to restart stream with new destination", "err", err)
			}
		}
		current = next
	}, logger)
	g.Go(func() error {
		if err := watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// ── Connectivity signal ───────────────────────────────────────────────────
	// SIGUSR1 tells the daemon that network connectivity returned, e.g. from a
	// NetworkManager dispatcher script. It short-circuits the backoff delay.
	connectivity := make(chan os.Signal, 1)
	signal.Notify(connectivity, syscall.SIGUSR1)
	defer signal.Stop(connectivity)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-connectivity:
				slog.Info("connectivity signal received")
				orch.NotifyConnectivityRestored()
			}
		}
	})

	// ── Connect and stream ────────────────────────────────────────────────────
	if err := orch.Start(gctx, cfg.Stream.Destination, string(cfg.Stream.Mode), cfg.Stream.Codec, format); err != nil {
		slog.Error("failed to start streaming", "err", err)
		stop()
		_ = g.Wait()
		return 1
	}

	if err := mic.Start(gctx, orch.SendAudio); err != nil {
		slog.Error("failed to start capture", "err", err)
		orch.Stop()
		stop()
		_ = g.Wait()
		return 1
	}

	slog.Info("streaming — press Ctrl+C to stop")
	<-gctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	if err := mic.Stop(); err != nil {
		slog.Warn("capture stop error", "err", err)
	}
	orch.Stop()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func runListDevices() int {
	devices, err := capture.ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wyostream: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("no capture devices found")
		return 0
	}
	for _, d := range devices {
		fmt.Printf("%s  %s\n", d.ID, d.Name)
	}
	return 0
}
