package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/partyhost/internal/resilience"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Connect re-establishes the session. Typically [Manager.Reconnect].
	Connect func(ctx context.Context) error

	// MaxRetries is the maximum number of attempts per loss. Defaults to 5.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s.
	Backoff time.Duration

	// MaxBackoff caps the wait. Defaults to 30s.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful attempt. May be nil.
	OnReconnect func()

	// OnGiveUp is called when every attempt failed. May be nil.
	OnGiveUp func(err error)
}

// Reconnector re-establishes a session after an unexpected transport loss.
//
// Wire [Reconnector.NotifyDisconnect] to [WithConnectionLost] and start
// [Reconnector.Monitor]. Each notification triggers one bounded retry cycle;
// notifications arriving during a cycle are coalesced.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	connect     func(ctx context.Context) error
	maxRetries  int
	backoff     resilience.Backoff
	onReconnect func()
	onGiveUp    func(error)

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{}
}

// NewReconnector creates a [Reconnector].
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		connect:      cfg.Connect,
		maxRetries:   maxRetries,
		backoff:      resilience.Backoff{Initial: backoff, Max: maxBackoff},
		onReconnect:  cfg.OnReconnect,
		onGiveUp:     cfg.OnGiveUp,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Monitor runs the retry loop until ctx ends or Stop is called. It blocks.
func (r *Reconnector) Monitor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attempt(ctx)
		}
	}
}

// NotifyDisconnect schedules a retry cycle. Its signature matches
// [WithConnectionLost].
func (r *Reconnector) NotifyDisconnect(err error) {
	slog.Info("session: scheduling reconnect", "cause", err)
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop ends Monitor. Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *Reconnector) attempt(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := resilience.Retry(ctx, r.maxRetries, r.backoff, func(ctx context.Context, n int) error {
		slog.Info("session: reconnect attempt", "attempt", n, "max_retries", r.maxRetries)
		err := r.connect(ctx)
		if err != nil && !errors.Is(err, ErrConnectInProgress) {
			slog.Warn("session: reconnect attempt failed", "attempt", n, "err", err)
		}
		return err
	})
	if err == nil {
		slog.Info("session: reconnected")
		if r.onReconnect != nil {
			r.onReconnect()
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	slog.Error("session: reconnect gave up", "err", err)
	if r.onGiveUp != nil {
		r.onGiveUp(err)
	}
}
