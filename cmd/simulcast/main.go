// Command simulcast runs the real-time speech interpretation engine: it
// loads a session configuration, opens the remote speech-to-speech link,
// and drives the capture-to-playback pipeline until signalled to stop.
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

	"github.com/voxbridge/simulcast/internal/conductor"
	"github.com/voxbridge/simulcast/internal/config"
	"github.com/voxbridge/simulcast/internal/device"
	"github.com/voxbridge/simulcast/internal/dsp"
	"github.com/voxbridge/simulcast/internal/health"
	"github.com/voxbridge/simulcast/internal/observe"
	"github.com/voxbridge/simulcast/internal/remotelink"
	"github.com/voxbridge/simulcast/internal/resilience"
	"github.com/voxbridge/simulcast/internal/vad"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exit codes, per spec.md §6.
const (
	exitOK          = 0
	exitConfigError = 2
	exitLinkRefused = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	healthAddr := flag.String("health-addr", ":8090", "address for the /healthz, /readyz, and /metrics endpoints")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "simulcast: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "simulcast: %v\n", err)
		}
		return exitConfigError
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	slog.Info("simulcast starting", "config", *configPath, "target_lang", cfg.TargetLang, "preset", cfg.AudioPreset)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "simulcast"})
	if err != nil {
		slog.Error("failed to initialise telemetry providers", "err", err)
		return exitConfigError
	}
	defer shutdownObserve(context.Background())

	var link *remotelink.Link
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "remotelink-dial"})
	dialErr := breaker.Execute(func() error {
		var err error
		link, err = remotelink.Dial(ctx, cfg.RealtimeURL, cfg.AuthToken)
		return err
	})
	if dialErr != nil {
		slog.Error("failed to establish the remote speech-service link", "err", dialErr)
		return exitLinkRefused
	}

	healthHandler := health.New(health.Checker{
		Name:  "remotelink",
		Check: func(context.Context) error { return linkHealthCheck(link) },
	})
	healthSrv := startHealthServer(*healthAddr, healthHandler)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health server shutdown error", "err", err)
		}
	}()

	const captureSampleRate = 48000 // typical device rate, spec.md §6; Conditioner resamples to 24kHz
	capture := device.NewStdinCapture(os.Stdin, captureSampleRate)
	defer capture.Close()
	deviceOutput := device.StdoutOutput(os.Stdout, cfg.OutputVolume)

	cond, err := conductor.New(capture, link, deviceOutput, buildConductorConfig(cfg))
	if err != nil {
		slog.Error("failed to build the conductor", "err", err)
		return exitConfigError
	}

	cond.OnResult(func(r conductor.Result) {
		slog.Info("segment result",
			"segment_id", r.SegmentID,
			"outcome", r.Outcome,
			"source_lang", r.SourceLang,
		)
	})

	if err := cond.Start(ctx); err != nil {
		slog.Error("failed to start the session", "err", err)
		return exitConfigError
	}

	slog.Info("session ready — press Ctrl+C to stop")
	<-ctx.Done()

	slog.Info("shutdown signal received, stopping…")
	if err := cond.Stop(); err != nil {
		slog.Error("shutdown error", "err", err)
		return exitConfigError
	}
	slog.Info("goodbye")
	return exitOK
}

// linkHealthCheck adapts *remotelink.Link's boolean Connected() into the
// health package's error-returning Checker contract.
func linkHealthCheck(link *remotelink.Link) error {
	if link == nil || !link.Connected() {
		return errors.New("remote link is not connected")
	}
	return nil
}

// startHealthServer serves /healthz, /readyz, and /metrics on addr in the
// background. Failures after startup are logged, not fatal: a dead health
// endpoint must never bring down an otherwise-healthy session.
func startHealthServer(addr string, h *health.Handler) *http.Server {
	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: observe.Middleware(observe.DefaultMetrics())(mux)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("health server stopped", "err", err)
		}
	}()
	return srv
}

// buildConductorConfig maps the external config surface (spec.md §6) onto
// the Conductor's internal wiring.
func buildConductorConfig(cfg *config.Config) conductor.Config {
	serverVAD := cfg.AudioPreset == config.PresetServerVAD
	return conductor.Config{
		TargetLang:      cfg.TargetLang,
		TranscriptModel: cfg.ChatModel,
		TurnDetection:   serverVAD,
		Preset:          cfg.AudioPreset.ToVADPreset(),
		VAD: vad.Config{
			Sensitivity: cfg.VADSensitivity.ToVADSensitivity(),
		},
		Conditioner: dsp.ConditionerConfig{
			EchoCanceller: dsp.EchoCancellerConfig{
				StepSize:  cfg.AECStepSize,
				FilterLen: cfg.AECFilterLen,
			},
		},
		PlaybackEnabled: cfg.PlaybackEnabled,
		Metrics:         observe.DefaultMetrics(),
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
