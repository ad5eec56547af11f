// Package app wires all partyhost subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds every subsystem from the
// config and the transport and audio components chosen by main, Run starts
// them under one errgroup and blocks until the console quits or ctx ends, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithResultStore,
// WithCredentialSource, WithConsole, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/partyhost/internal/capture"
	"github.com/MrWong99/partyhost/internal/config"
	"github.com/MrWong99/partyhost/internal/console"
	"github.com/MrWong99/partyhost/internal/credential"
	"github.com/MrWong99/partyhost/internal/game"
	"github.com/MrWong99/partyhost/internal/gamehost"
	"github.com/MrWong99/partyhost/internal/keyserver"
	"github.com/MrWong99/partyhost/internal/observe"
	"github.com/MrWong99/partyhost/internal/results"
	"github.com/MrWong99/partyhost/internal/results/postgres"
	"github.com/MrWong99/partyhost/internal/session"
	"github.com/MrWong99/partyhost/internal/transcript"
	"github.com/MrWong99/partyhost/pkg/audio"
	"github.com/MrWong99/partyhost/pkg/audio/device"
	"github.com/MrWong99/partyhost/pkg/realtime"
)

// recordTimeout bounds one result write.
const recordTimeout = 5 * time.Second

// Components holds the pluggable pieces main builds through the config
// registry. Dialer is required; the rest may be nil.
type Components struct {
	Dialer realtime.Dialer

	// Capturer is the microphone. In software mode it feeds the transport's
	// track; in native mode it is driven by push-to-talk.
	Capturer device.Capturer

	// Keys delivers hardware push-to-talk transitions.
	Keys device.KeySource

	// Player plays the agent's speech.
	Player device.Player

	// Bridge is mounted at audio.bridge_path when set.
	Bridge http.Handler
}

// App owns all subsystem lifetimes.
type App struct {
	cfg   *config.Config
	comps Components

	metrics  *observe.Metrics
	levelVar *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	catalog     *gamehost.Catalog
	host        *gamehost.Host
	bus         *transcript.Bus
	manager     *session.Manager
	mux         *capture.Multiplexer
	adapters    []*game.Adapter
	console     *console.Console
	store       results.Store
	keys        credential.Source
	keyServer   *keyserver.Server
	reconnector *session.Reconnector
	watcher     *config.Watcher
	server      *http.Server
	output      chan audio.AudioFrame

	in  io.Reader
	out io.Writer

	configPath string

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithResultStore injects a result store instead of creating one from config.
func WithResultStore(s results.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCredentialSource injects the ephemeral key source.
func WithCredentialSource(s credential.Source) Option {
	return func(a *App) { a.keys = s }
}

// WithCatalog injects a game catalog instead of loading games.catalog.
func WithCatalog(c *gamehost.Catalog) Option {
	return func(a *App) { a.catalog = c }
}

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConsole sets the console streams. Default: stdin and stdout.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) { a.in, a.out = in, out }
}

// WithLogLevel lets config reloads change the log level of the handler
// built on lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithConfigWatch polls path and applies hot-reloadable changes.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, comps Components, opts ...Option) (*App, error) {
	if comps.Dialer == nil {
		return nil, errors.New("app: a realtime dialer is required")
	}
	a := &App{
		cfg:   cfg,
		comps: comps,
		in:    os.Stdin,
		out:   os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Catalog + host agent ──────────────────────────────────────────
	if err := a.initCatalog(); err != nil {
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 2. Result store ──────────────────────────────────────────────────
	if err := a.initResults(ctx); err != nil {
		return nil, fmt.Errorf("app: init results: %w", err)
	}

	// ── 3. Credentials ───────────────────────────────────────────────────
	if err := a.initCredentials(); err != nil {
		return nil, fmt.Errorf("app: init credentials: %w", err)
	}

	// ── 4. Session + capture ─────────────────────────────────────────────
	if err := a.initSession(ctx); err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 5. Console + game adapters ───────────────────────────────────────
	a.initGames()

	// ── 6. HTTP server ───────────────────────────────────────────────────
	if a.cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              a.cfg.Server.ListenAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	// ── 7. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.Reload)
		if err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initCatalog() error {
	if a.catalog == nil {
		if path := a.cfg.Games.Catalog; path != "" {
			c, err := gamehost.LoadCatalogFile(path)
			if err != nil {
				return err
			}
			a.catalog = c
			slog.Info("loaded game catalog", "path", path, "games", len(c.Games))
		} else {
			a.catalog = gamehost.DefaultCatalog()
		}
	}
	var opts []gamehost.HostOption
	if v := a.cfg.Realtime.Voice; v != "" {
		opts = append(opts, gamehost.WithVoice(v))
	}
	a.host = gamehost.NewHost(a.catalog, opts...)
	return nil
}

// initResults opens the PostgreSQL store or falls back to memory.
func (a *App) initResults(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Results.PostgresDSN
	if dsn == "" {
		a.store = results.NewMemory(a.cfg.Results.Capacity)
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("game results stored in postgres")
	return nil
}

func (a *App) initCredentials() error {
	if a.cfg.KeyServer.Enabled {
		kc := a.cfg.KeyServer
		opts := []keyserver.Option{keyserver.WithVoice(a.cfg.Realtime.Voice)}
		if kc.Model != "" {
			opts = append(opts, keyserver.WithModel(kc.Model))
		}
		if kc.BaseURL != "" {
			opts = append(opts, keyserver.WithBaseURL(kc.BaseURL))
		}
		ks, err := keyserver.New(kc.APIKey, opts...)
		if err != nil {
			return err
		}
		a.keyServer = ks
	}
	if a.keys != nil {
		return nil
	}
	cc := a.cfg.Credential
	opts := []credential.Option{credential.WithMetrics(a.metrics)}
	if cc.Path != "" {
		opts = append(opts, credential.WithPath(cc.Path))
	}
	if cc.Timeout > 0 {
		opts = append(opts, credential.WithHTTPClient(&http.Client{Timeout: cc.Timeout}))
	}
	a.keys = credential.New(cc.BaseURL, opts...)
	return nil
}

func (a *App) initSession(ctx context.Context) error {
	rc := a.cfg.Realtime
	codec, err := realtime.ParseCodec(rc.Codec)
	if err != nil {
		return err
	}

	backend := capture.Select(ctx, a.comps.Capturer, a.cfg.Audio.Capture == config.CaptureNative)
	slog.Info("microphone backend selected", "backend", backend.Name())

	opts := []session.Option{
		session.WithModel(rc.Model),
		session.WithCodec(codec),
		session.WithTranscriptionModel(rc.TranscriptionModel),
		session.WithPushToTalk(rc.PushToTalk),
		session.WithMetrics(a.metrics),
		session.WithStatusListener(a.onStatus),
	}
	if !capture.IsNative(backend) && a.comps.Capturer != nil {
		opts = append(opts, session.WithMicrophone(a.comps.Capturer))
	}
	if rc.ReconnectAttempts > 0 {
		a.reconnector = session.NewReconnector(session.ReconnectorConfig{
			Connect:     a.Connect,
			MaxRetries:  rc.ReconnectAttempts,
			OnReconnect: func() { slog.Info("session restored") },
			OnGiveUp: func(err error) {
				slog.Error("session lost for good, type connect to retry", "err", err)
			},
		})
		opts = append(opts, session.WithConnectionLost(a.reconnector.NotifyDisconnect))
	}

	a.bus = transcript.New()
	a.manager = session.New(a.comps.Dialer, a.bus, opts...)
	a.mux = capture.New(backend, a.manager, capture.WithMetrics(a.metrics))
	if a.comps.Player != nil {
		a.output = make(chan audio.AudioFrame, 64)
	}
	return nil
}

func (a *App) initGames() {
	a.console = console.New(a.in, a.out, a.manager, a.catalog,
		console.WithMic(a.mux),
		console.WithTranscript(a.bus),
		console.WithLink(a),
		console.WithFinishDelay(a.cfg.Games.FinishDisplayDelay),
	)
	record := results.Recorder(a.store, recordTimeout)
	for _, g := range a.catalog.Games {
		ad := game.NewAdapter(g.Slug, a.manager, a.bus,
			game.WithDisplayName(g.Name),
			game.OnGameStart(a.console.GameStarted(g)),
			game.OnGameFinish(a.console.GameFinished(g)),
			game.OnOutcome(record),
			game.WithTimeout(a.cfg.Games.Timeout),
			game.WithMetrics(a.metrics),
		)
		a.console.Attach(g, ad)
		a.adapters = append(a.adapters, ad)
	}
}

// onStatus forwards session status changes to the console.
func (a *App) onStatus(s session.Status) {
	if a.console != nil {
		a.console.StatusChanged(s)
	}
}

// ─── Session control ────────────────────────────────────────────────────────

// Connect opens the session with the host agent.
func (a *App) Connect(ctx context.Context) error {
	return a.manager.Connect(ctx, session.ConnectRequest{
		Keys:   a.keys,
		Agents: []realtime.Agent{a.host.Agent()},
		Output: a.output,
	})
}

// Disconnect closes the session.
func (a *App) Disconnect() error {
	return a.manager.Disconnect()
}

// Session returns the session manager.
func (a *App) Session() *session.Manager { return a.manager }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts every subsystem and blocks until the console quits or ctx is
// cancelled. It returns the first subsystem error, or nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error { return a.serve(gctx) })
	}
	for _, ad := range a.adapters {
		g.Go(func() error { return ad.Run(gctx) })
	}
	if a.reconnector != nil {
		g.Go(func() error {
			a.reconnector.Monitor(gctx)
			return nil
		})
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if a.comps.Player != nil {
		g.Go(func() error {
			if err := a.comps.Player.Play(gctx, a.output); err != nil {
				slog.Warn("playback stopped", "err", err)
			}
			return nil
		})
	}
	if a.comps.Keys != nil {
		g.Go(func() error { return a.mux.RunKeys(gctx, a.comps.Keys) })
	}
	g.Go(func() error {
		if err := a.Connect(gctx); err != nil && gctx.Err() == nil {
			slog.Error("initial connect failed, type connect to retry", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return a.console.Run(gctx)
	})

	slog.Info("app running", "games", len(a.adapters), "backend", a.mux.Backend().Name())
	return g.Wait()
}

func (a *App) serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	slog.Info("http server listening", "addr", a.server.Addr)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable part of a config change: the log level,
// the game timeout and the result display delay. Everything else is logged
// as needing a restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(LevelFor(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.GameTimeoutChanged {
		for _, ad := range a.adapters {
			ad.SetTimeout(d.NewGameTimeout.Timeout)
		}
		a.console.SetFinishDelay(d.NewGameTimeout.FinishDisplayDelay)
		slog.Info("game timing changed",
			"timeout", d.NewGameTimeout.Timeout,
			"finish_display_delay", d.NewGameTimeout.FinishDisplayDelay,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// LevelFor maps a config log level to a slog level.
func LevelFor(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.reconnector != nil {
			a.reconnector.Stop()
		}
		if a.mux.Capturing() {
			if err := a.mux.Stop(ctx); err != nil {
				slog.Warn("capture stop error", "err", err)
			}
		}
		if err := a.manager.Disconnect(); err != nil {
			slog.Warn("session disconnect error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
