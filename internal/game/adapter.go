// Package game turns the agent's start and finish tool results into a small
// per-game state machine with typed callbacks for the game UI.
//
// An [Adapter] watches the transcript bus for breadcrumbs produced by the
// start_<gameType>_game and finish_<gameType>_game tools. Each breadcrumb id
// is acted on at most once.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/partyhost/internal/observe"
	"github.com/MrWong99/partyhost/internal/session"
	"github.com/MrWong99/partyhost/internal/transcript"
)

// ErrNotReady is returned by StartGame and SendPlayerText when the session is
// not connected or its transport is not ready yet. Nothing is sent.
var ErrNotReady = errors.New("game: session not ready")

// TimeoutMessage is the message of a locally timed out game.
const TimeoutMessage = "Time's up!"

const resultMarker = "function call result:"

// State is the adapter's game state.
type State int

const (
	StateIdle State = iota
	StateActive
)

// String returns "IDLE" or "ACTIVE".
func (s State) String() string {
	if s == StateActive {
		return "ACTIVE"
	}
	return "IDLE"
}

// Sender is the part of the session the adapter talks through.
type Sender interface {
	Status() session.Status
	Ready() bool
	SendUserText(ctx context.Context, text string) error
}

// Outcome describes one finished game, for result bookkeeping.
type Outcome struct {
	Game     string
	Scenario Scenario
	Result   FinishResult
	Started  time.Time
	Finished time.Time
}

// Elapsed is the game's duration.
func (o Outcome) Elapsed() time.Duration { return o.Finished.Sub(o.Started) }

// Option configures an [Adapter].
type Option func(*Adapter)

// WithDisplayName sets the name used in the ready message. Default: the game
// type with underscores replaced by spaces.
func WithDisplayName(name string) Option {
	return func(a *Adapter) { a.display = name }
}

// OnGameStart registers the start callback.
func OnGameStart(fn func(Scenario)) Option {
	return func(a *Adapter) { a.onStart = fn }
}

// OnGameFinish registers the finish callback.
func OnGameFinish(fn func(FinishResult)) Option {
	return func(a *Adapter) { a.onFinish = fn }
}

// OnOutcome registers a callback receiving the full record of every finished
// game, timeouts included.
func OnOutcome(fn func(Outcome)) Option {
	return func(a *Adapter) { a.onOutcome = fn }
}

// WithTimeout ends an ACTIVE game locally after d. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithClock overrides the time source used for outcome timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// Adapter is the lifecycle state machine for one game type.
type Adapter struct {
	gameType  string
	display   string
	sender    Sender
	bus       *transcript.Bus
	onStart   func(Scenario)
	onFinish  func(FinishResult)
	onOutcome func(Outcome)
	metrics   *observe.Metrics
	now       func() time.Time

	mu        sync.Mutex
	timeout   time.Duration
	state     State
	scenario  Scenario
	hasGame   bool
	startedAt time.Time
	processed map[string]struct{}
	timer     *time.Timer
	gen       uint64

	pending     []func()
	dispatching bool
}

// NewAdapter creates an Adapter for gameType. sender is usually a
// [session.Manager]; bus is the transcript it writes.
func NewAdapter(gameType string, sender Sender, bus *transcript.Bus, opts ...Option) *Adapter {
	a := &Adapter{
		gameType:  gameType,
		display:   strings.ReplaceAll(gameType, "_", " "),
		sender:    sender,
		bus:       bus,
		now:       time.Now,
		processed: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// GameType returns the adapter's game type.
func (a *Adapter) GameType() string { return a.gameType }

// DisplayName returns the human-readable game name.
func (a *Adapter) DisplayName() string { return a.display }

// State returns the current state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Scenario returns the scenario of the current or most recent game.
func (a *Adapter) Scenario() (Scenario, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scenario, a.hasGame
}

// Processed reports whether the breadcrumb id was already acted on.
func (a *Adapter) Processed(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.processed[id]
	return ok
}

// SetTimeout changes the stuck-game timeout for games started afterwards.
func (a *Adapter) SetTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timeout = d
}

// Run feeds every bus item to Handle until ctx ends. The subscription starts
// at the head of the log, so breadcrumbs published before Run are handled
// too, oldest first.
func (a *Adapter) Run(ctx context.Context) error {
	sub := a.bus.Subscribe()
	for {
		it, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("game: %s: %w", a.gameType, err)
		}
		a.Handle(ctx, it)
	}
}

// Handle applies one transcript item. Items that are not this game's tool
// result breadcrumbs are ignored.
func (a *Adapter) Handle(ctx context.Context, it transcript.Item) {
	if it.Type != transcript.TypeBreadcrumb || !strings.Contains(it.Title, resultMarker) || len(it.Data) == 0 {
		return
	}
	switch {
	case strings.Contains(it.Title, "start_"+a.gameType+"_game"):
		a.handleStart(ctx, it)
	case strings.Contains(it.Title, "finish_"+a.gameType+"_game"):
		a.handleFinish(ctx, it)
	}
}

func (a *Adapter) handleStart(ctx context.Context, it transcript.Item) {
	a.mu.Lock()
	if _, done := a.processed[it.ID]; done {
		a.mu.Unlock()
		return
	}
	sc, err := ParseScenario(it.Data)
	if err != nil {
		a.mu.Unlock()
		a.malformed(ctx, it, err)
		return
	}
	a.processed[it.ID] = struct{}{}
	restart := a.state == StateActive
	a.stopTimerLocked()
	a.state = StateActive
	a.scenario = sc
	a.hasGame = true
	a.startedAt = a.now()
	a.gen++
	a.armTimerLocked(a.gen)
	if a.onStart != nil {
		a.pending = append(a.pending, func() { a.onStart(sc) })
	}
	a.mu.Unlock()

	slog.Info("game: started", "game", a.gameType, "scenario", sc.ID, "item_id", it.ID, "restart", restart)
	a.metrics.RecordGameEvent(ctx, a.gameType, "start")
	if !restart {
		a.metrics.ActiveGames.Add(ctx, 1)
	}
	a.dispatch()
}

func (a *Adapter) handleFinish(ctx context.Context, it transcript.Item) {
	a.mu.Lock()
	if _, done := a.processed[it.ID]; done {
		a.mu.Unlock()
		return
	}
	if a.state != StateActive {
		a.processed[it.ID] = struct{}{}
		a.mu.Unlock()
		slog.Debug("game: finish ignored while idle", "game", a.gameType, "item_id", it.ID)
		return
	}
	res, err := ParseFinishResult(it.Data)
	if err != nil {
		a.mu.Unlock()
		a.malformed(ctx, it, err)
		return
	}
	a.processed[it.ID] = struct{}{}
	a.finishLocked(ctx, res)
}

// finishLocked moves to IDLE and delivers the finish callbacks. It is entered
// with mu held and releases it.
func (a *Adapter) finishLocked(ctx context.Context, res FinishResult) {
	a.stopTimerLocked()
	a.state = StateIdle
	a.gen++
	out := Outcome{
		Game:     a.gameType,
		Scenario: a.scenario,
		Result:   res,
		Started:  a.startedAt,
		Finished: a.now(),
	}
	if a.onFinish != nil {
		a.pending = append(a.pending, func() { a.onFinish(res) })
	}
	if a.onOutcome != nil {
		a.pending = append(a.pending, func() { a.onOutcome(out) })
	}
	a.mu.Unlock()

	outcome := "failure"
	switch {
	case res.TimedOut:
		outcome = "timeout"
	case res.Success:
		outcome = "success"
	}
	slog.Info("game: finished", "game", a.gameType, "outcome", outcome, "score", res.Score)
	a.metrics.RecordGameEvent(ctx, a.gameType, "finish")
	a.metrics.RecordGameDuration(ctx, a.gameType, outcome, out.Elapsed())
	a.metrics.ActiveGames.Add(ctx, -1)
	a.dispatch()
}

// dispatch runs queued callbacks in order without holding mu. Callbacks
// queued while another goroutine is dispatching are run by that goroutine.
func (a *Adapter) dispatch() {
	a.mu.Lock()
	if a.dispatching {
		a.mu.Unlock()
		return
	}
	a.dispatching = true
	for len(a.pending) > 0 {
		fn := a.pending[0]
		a.pending = a.pending[1:]
		a.mu.Unlock()
		fn()
		a.mu.Lock()
	}
	a.dispatching = false
	a.mu.Unlock()
}

func (a *Adapter) malformed(ctx context.Context, it transcript.Item, err error) {
	slog.Warn("game: malformed tool result", "game", a.gameType, "item_id", it.ID, "title", it.Title, "err", err)
	a.metrics.RecordGameEvent(ctx, a.gameType, "malformed")
}

func (a *Adapter) armTimerLocked(gen uint64) {
	if a.timeout <= 0 {
		return
	}
	a.timer = time.AfterFunc(a.timeout, func() { a.expire(gen) })
}

func (a *Adapter) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Adapter) expire(gen uint64) {
	a.mu.Lock()
	if a.gen != gen || a.state != StateActive {
		a.mu.Unlock()
		return
	}
	slog.Warn("game: timed out", "game", a.gameType, "after", a.timeout)
	a.timer = nil
	a.finishLocked(context.Background(), FinishResult{
		Success:  false,
		Score:    0,
		Message:  TimeoutMessage,
		TimedOut: true,
	})
}

// StartGame asks the agent to start this game. It returns [ErrNotReady]
// without sending anything unless the session is connected and ready.
func (a *Adapter) StartGame(ctx context.Context) error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.sender.SendUserText(ctx, fmt.Sprintf("Hello! I'm ready to play %s. Please start the game!", a.display))
}

// SendPlayerText forwards a typed player answer.
func (a *Adapter) SendPlayerText(ctx context.Context, text string) error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.sender.SendUserText(ctx, text)
}

func (a *Adapter) ready() error {
	if st := a.sender.Status(); st != session.StatusConnected {
		slog.Info("game: session not connected", "game", a.gameType, "status", st)
		return ErrNotReady
	}
	if !a.sender.Ready() {
		slog.Info("game: transport not ready yet", "game", a.gameType)
		return ErrNotReady
	}
	return nil
}
