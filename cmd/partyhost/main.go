// Command partyhost runs the voice game show host: a realtime agent session,
// a push-to-talk microphone, the micro-game catalog and a console to drive
// them.
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

	"github.com/MrWong99/partyhost/internal/app"
	"github.com/MrWong99/partyhost/internal/config"
	"github.com/MrWong99/partyhost/internal/observe"
	"github.com/MrWong99/partyhost/pkg/audio"
	"github.com/MrWong99/partyhost/pkg/audio/device"
	"github.com/MrWong99/partyhost/pkg/audio/device/bridge"
	"github.com/MrWong99/partyhost/pkg/audio/device/command"
	"github.com/MrWong99/partyhost/pkg/realtime"
	"github.com/MrWong99/partyhost/pkg/realtime/rtc"
	"github.com/MrWong99/partyhost/pkg/realtime/ws"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "partyhost.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and game timing when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "partyhost: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "partyhost: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(app.LevelFor(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	slog.Info("partyhost starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "partyhost",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Component registry ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinComponents(reg, cfg)

	comps, err := buildComponents(cfg, reg)
	if err != nil {
		slog.Error("failed to build components", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{app.WithLogLevel(levelVar)}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath))
	}
	application, err := app.New(ctx, cfg, comps, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("ready, type help for commands or press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Component wiring ──────────────────────────────────────────────────────────

// registerBuiltinComponents wires the transports and microphones that ship
// with partyhost into reg.
func registerBuiltinComponents(reg *config.Registry, cfg *config.Config) {
	// ── Transports ────────────────────────────────────────────────────────────

	reg.RegisterTransport("websocket", func(rc config.RealtimeConfig) (realtime.Dialer, error) {
		var opts []ws.Option
		if rc.BaseURL != "" {
			opts = append(opts, ws.WithBaseURL(rc.BaseURL))
		}
		return ws.New(opts...), nil
	})

	reg.RegisterTransport("webrtc", func(rc config.RealtimeConfig) (realtime.Dialer, error) {
		var opts []rtc.Option
		if rc.BaseURL != "" {
			opts = append(opts, rtc.WithCallsURL(rc.BaseURL))
		}
		if len(rc.ICEServers) > 0 {
			opts = append(opts, rtc.WithICEServers(rc.ICEServers...))
		}
		return rtc.New(opts...), nil
	})

	// ── Microphones ───────────────────────────────────────────────────────────

	reg.RegisterCapturer("command", func(ac config.AudioConfig) (device.Capturer, error) {
		if len(ac.Command) == 0 {
			return nil, errors.New("audio.command is required for the command backend")
		}
		return command.NewCapturer(ac.Command), nil
	})

	// The bridge accepts companion connections on the HTTP server, so only
	// same-host origins are allowed by default.
	reg.RegisterCapturer("bridge", func(config.AudioConfig) (device.Capturer, error) {
		if cfg.Server.ListenAddr == "" {
			return nil, errors.New("the bridge backend needs server.listen_addr")
		}
		return bridge.New(bridge.WithOriginPatterns("localhost:*", "127.0.0.1:*")), nil
	})

	for _, name := range reg.Transports() {
		slog.Debug("registered transport", "name", name)
	}
	for _, name := range reg.Capturers() {
		slog.Debug("registered capturer", "name", name)
	}
}

// buildComponents instantiates the components named in cfg.
func buildComponents(cfg *config.Config, reg *config.Registry) (app.Components, error) {
	var comps app.Components

	dialer, err := reg.CreateTransport(cfg.Realtime)
	if err != nil {
		return comps, fmt.Errorf("create transport %q: %w", cfg.Realtime.Transport, err)
	}
	comps.Dialer = dialer
	slog.Info("component created", "kind", "transport", "name", cfg.Realtime.Transport)

	capturer, err := reg.CreateCapturer(cfg.Audio)
	switch {
	case errors.Is(err, config.ErrNotRegistered):
		slog.Warn("unknown microphone backend, running text-only", "name", cfg.Audio.Backend)
	case err != nil:
		return comps, fmt.Errorf("create capturer %q: %w", cfg.Audio.Backend, err)
	default:
		comps.Capturer = capturer
		if keys, ok := capturer.(device.KeySource); ok {
			comps.Keys = keys
		}
		if h, ok := capturer.(http.Handler); ok {
			comps.Bridge = h
		}
		slog.Info("component created", "kind", "capturer", "name", cfg.Audio.Backend)
	}

	if argv := cfg.Audio.PlaybackCommand; len(argv) > 0 {
		comps.Player = command.NewPlayer(argv, audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: 1})
		slog.Info("component created", "kind", "player", "name", argv[0])
	}
	return comps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        partyhost, startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Transport", cfg.Realtime.Transport+" / "+cfg.Realtime.Codec)
	printRow("Model", cfg.Realtime.Model)
	printRow("Voice", cfg.Realtime.Voice)
	printRow("Microphone", string(cfg.Audio.Capture)+" / "+cfg.Audio.Backend)
	if cfg.Realtime.PushToTalk {
		printRow("Turn taking", "push-to-talk")
	} else {
		printRow("Turn taking", "server VAD")
	}
	if cfg.Games.Catalog != "" {
		printRow("Catalog", cfg.Games.Catalog)
	} else {
		printRow("Catalog", "(built-in)")
	}
	if cfg.KeyServer.Enabled {
		printRow("Key server", "enabled")
	} else {
		printRow("Key server", "(disabled)")
	}
	if cfg.Results.PostgresDSN != "" {
		printRow("Results", "postgres")
	} else {
		printRow("Results", "memory")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" || value == " / " {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
