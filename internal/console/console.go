// Package console is the line-oriented operator interface of the party host.
//
// It reads one command per line, switches the agent between the lobby and a
// game, and prints what the lifecycle adapters and the session report: the
// scenario when a game starts, a result banner when it finishes, and every
// connection status change. With a transcript attached it also echoes what
// the host says and, after a push-to-talk turn, what the player was heard
// saying. After a finish the banner stays up for the configured display
// delay before the agent returns to the base prompt.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/partyhost/internal/game"
	"github.com/MrWong99/partyhost/internal/gamehost"
	"github.com/MrWong99/partyhost/internal/session"
	"github.com/MrWong99/partyhost/internal/transcript"
)

// DefaultFinishDelay is how long a result banner stays up before the agent
// returns to the lobby.
const DefaultFinishDelay = 4 * time.Second

// Session is the part of the session manager the console drives.
type Session interface {
	Status() session.Status
	Ready() bool
	SendUserText(ctx context.Context, text string) error
	UpdateInstructions(ctx context.Context, text string) error
	Interrupt(ctx context.Context) error
	SetPushToTalk(ctx context.Context, on bool) error
	PushToTalk() bool
}

// Mic is a push-to-talk control. [capture.Multiplexer] satisfies it.
type Mic interface {
	Start(ctx context.Context) bool
	Stop(ctx context.Context) error
	Capturing() bool
	StartedAt() time.Time
}

// Link opens and closes the session on request.
type Link interface {
	Connect(ctx context.Context) error
	Disconnect() error
}

// Option configures a [Console].
type Option func(*Console)

// WithMic enables the talk command.
func WithMic(m Mic) Option {
	return func(c *Console) { c.mic = m }
}

// WithTranscript echoes completed host lines and the player's transcribed
// push-to-talk turns from bus.
func WithTranscript(bus *transcript.Bus) Option {
	return func(c *Console) { c.bus = bus }
}

// WithLink enables the connect and disconnect commands.
func WithLink(l Link) Option {
	return func(c *Console) { c.link = l }
}

// WithFinishDelay sets how long a result banner stays up. Default:
// [DefaultFinishDelay].
func WithFinishDelay(d time.Duration) Option {
	return func(c *Console) { c.finishDelay = d }
}

// WithAfterFunc replaces [time.AfterFunc] for the finish delay.
func WithAfterFunc(fn func(time.Duration, func()) func() bool) Option {
	return func(c *Console) { c.afterFunc = fn }
}

// Console reads commands from an input stream and writes to an output
// stream. Adapter callbacks may arrive from any goroutine.
type Console struct {
	in        io.Reader
	session   Session
	catalog   *gamehost.Catalog
	mic       Mic
	link      Link
	bus       *transcript.Bus
	afterFunc func(time.Duration, func()) func() bool

	outMu sync.Mutex
	out   io.Writer

	mu          sync.Mutex
	adapters    map[string]*game.Adapter
	finishDelay time.Duration
	current     string // key of the game being played; empty in the lobby
	generation  uint64
	cancelLobby func() bool

	// turnStart opens the window for the transcript of the last sent turn
	// while awaitingSpeech is set.
	turnStart      time.Time
	awaitingSpeech bool
}

// New returns a Console for cat. Games become playable once their adapter
// is attached.
func New(in io.Reader, out io.Writer, sess Session, cat *gamehost.Catalog, opts ...Option) *Console {
	c := &Console{
		in:          in,
		out:         out,
		session:     sess,
		catalog:     cat,
		adapters:    make(map[string]*game.Adapter),
		finishDelay: DefaultFinishDelay,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Attach registers the adapter that runs g.
func (c *Console) Attach(g gamehost.Game, a *game.Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[g.Key] = a
}

// SetFinishDelay changes the banner delay for finishes that happen after
// the call.
func (c *Console) SetFinishDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishDelay = d
}

// Current returns the key of the game being played, or "" in the lobby.
func (c *Console) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// GameStarted returns the start callback for g's adapter.
func (c *Console) GameStarted(g gamehost.Game) func(game.Scenario) {
	return func(sc game.Scenario) {
		var b strings.Builder
		fmt.Fprintf(&b, "\n=== %s ===\n", g.Name)
		if sc.Context != "" {
			fmt.Fprintf(&b, "Setting: %s\n", sc.Context)
		}
		if sc.Problem != "" {
			fmt.Fprintf(&b, "Problem: %s\n", sc.Problem)
		}
		for _, k := range slices.Sorted(maps.Keys(sc.Quotes)) {
			fmt.Fprintf(&b, "  %q\n", sc.Quotes[k])
		}
		if calls := sc.Keywords["buffaloCalls"]; len(calls) > 0 {
			fmt.Fprintf(&b, "Calls: %s\n", strings.Join(calls, " "))
		}
		c.print(b.String())
	}
}

// GameFinished returns the finish callback for g's adapter. The banner is
// printed at once; the agent goes back to the base prompt after the finish
// delay unless another game starts first.
func (c *Console) GameFinished(g gamehost.Game) func(game.FinishResult) {
	return func(res game.FinishResult) {
		verdict := "LOST"
		if res.Success {
			verdict = "WON"
		}
		msg := res.Message
		if res.TimedOut && msg == "" {
			msg = game.TimeoutMessage
		}
		c.print(fmt.Sprintf("\n*** %s: %s, score %d ***\n%s\n", g.Name, verdict, res.Score, msg))

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.current != g.Key {
			return
		}
		c.generation++
		gen := c.generation
		c.cancelLobby = c.afterFunc(c.finishDelay, func() { c.returnToLobby(gen) })
	}
}

// StatusChanged prints a connection status change.
func (c *Console) StatusChanged(s session.Status) {
	c.print(fmt.Sprintf("[STATUS] %s\n", s))
}

func (c *Console) returnToLobby(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.current = ""
	c.cancelLobby = nil
	c.mu.Unlock()

	if err := c.session.UpdateInstructions(context.Background(), c.catalog.BasePrompt); err != nil {
		slog.Warn("console: restore base prompt failed", "err", err)
	}
	c.print("[INFO] Back in the lobby. Type 'games' to pick the next one.\n")
}

// Run reads commands until quit, end of input or ctx is cancelled. It
// returns nil in all three cases and the read error otherwise.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.bus != nil {
		go c.watchTranscript(ctx)
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	c.print(helpText)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if quit := c.Exec(ctx, line); quit {
				return nil
			}
		}
	}
}

const helpText = `Commands:
  games          List the games
  play <name>    Start a game (spelling and sound-alikes are forgiven)
  talk           Start speaking; type talk again to send
  say <text>     Send text to the host
  stop           Interrupt the host
  ptt on|off     Switch push-to-talk mode
  status         Show the connection status
  connect        Open the session
  disconnect     Close the session
  quit           Leave
`

// Exec runs one command line and reports whether the console should exit.
func (c *Console) Exec(ctx context.Context, line string) (quit bool) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "":
	case "q", "quit", "exit":
		return true
	case "help", "?":
		c.print(helpText)
	case "games":
		c.listGames()
	case "play":
		c.play(ctx, arg)
	case "talk":
		c.talk(ctx)
	case "say":
		if arg == "" {
			c.print("[ERROR] say needs some text\n")
			return false
		}
		c.say(ctx, arg)
	case "stop":
		if err := c.session.Interrupt(ctx); err != nil {
			c.printErr("interrupt", err)
		}
	case "ptt":
		c.pushToTalk(ctx, arg)
	case "status":
		c.status()
	case "connect":
		c.connect(ctx)
	case "disconnect":
		if c.link == nil {
			c.print("[ERROR] disconnect is not available\n")
			return false
		}
		if err := c.link.Disconnect(); err != nil {
			c.printErr("disconnect", err)
		}
	default:
		c.print(fmt.Sprintf("[ERROR] unknown command %q, type help\n", cmd))
	}
	return false
}

func (c *Console) listGames() {
	var b strings.Builder
	for _, g := range c.catalog.Games {
		fmt.Fprintf(&b, "  %-22s %s\n", g.Key, g.Name)
	}
	c.print(b.String())
}

func (c *Console) play(ctx context.Context, name string) {
	if name == "" {
		c.print("[ERROR] play needs a game name, type games for the list\n")
		return
	}
	g, ok := c.catalog.Resolve(name)
	if !ok {
		c.print(fmt.Sprintf("[ERROR] no game sounds like %q\n", name))
		return
	}
	c.mu.Lock()
	a := c.adapters[g.Key]
	c.mu.Unlock()
	if a == nil {
		c.print(fmt.Sprintf("[ERROR] %s is not available\n", g.Name))
		return
	}
	if c.session.Status() != session.StatusConnected || !c.session.Ready() {
		c.printErr("play", game.ErrNotReady)
		return
	}

	instructions, err := c.catalog.BuildGameInstruction(g.Key)
	if err != nil {
		c.printErr("play", err)
		return
	}
	if err := c.session.UpdateInstructions(ctx, instructions); err != nil {
		c.printErr("switch instructions", err)
		return
	}

	c.mu.Lock()
	if c.cancelLobby != nil {
		c.cancelLobby()
		c.cancelLobby = nil
	}
	c.generation++
	c.current = g.Key
	c.mu.Unlock()

	if err := a.StartGame(ctx); err != nil {
		c.printErr("start game", err)
		c.mu.Lock()
		c.generation++
		gen := c.generation
		c.mu.Unlock()
		c.returnToLobby(gen)
		return
	}
	c.print(fmt.Sprintf("[INFO] Starting %s...\n", g.Name))
}

// say routes typed text to the running game's adapter, or straight to the
// session in the lobby.
func (c *Console) say(ctx context.Context, text string) {
	c.mu.Lock()
	a := c.adapters[c.current]
	c.awaitingSpeech = false
	c.mu.Unlock()

	var err error
	if a != nil {
		err = a.SendPlayerText(ctx, text)
	} else {
		err = c.session.SendUserText(ctx, text)
	}
	if err != nil {
		c.printErr("send text", err)
	}
}

func (c *Console) talk(ctx context.Context) {
	if c.mic == nil {
		c.print("[ERROR] push-to-talk is not available\n")
		return
	}
	if c.mic.Capturing() {
		if err := c.mic.Stop(ctx); err != nil {
			c.printErr("send speech", err)
			return
		}
		c.print("[SENT] speech\n")
		c.mu.Lock()
		c.turnStart = c.mic.StartedAt()
		c.awaitingSpeech = true
		c.mu.Unlock()
		c.echoSpeech()
		return
	}
	if !c.mic.Start(ctx) {
		c.print("[ERROR] microphone did not start, try again\n")
		return
	}
	c.print("[LISTENING] type talk again to send\n")
}

// watchTranscript prints every completed host line and completes the echo
// of a pending push-to-talk turn.
func (c *Console) watchTranscript(ctx context.Context) {
	sub := c.bus.Subscribe()
	for {
		it, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if it.Type != transcript.TypeMessage || !it.Done {
			continue
		}
		switch it.Role {
		case transcript.RoleAssistant:
			if text := strings.TrimSpace(it.Title); text != "" {
				c.print("[HOST] " + text + "\n")
			}
		case transcript.RoleUser:
			c.echoSpeech()
		}
	}
}

// echoSpeech prints the player's latest finished utterance of the last turn.
// Anything said before the turn began is left alone.
func (c *Console) echoSpeech() {
	if c.bus == nil {
		return
	}
	c.mu.Lock()
	since, waiting := c.turnStart, c.awaitingSpeech
	c.mu.Unlock()
	if !waiting {
		return
	}
	it, ok := c.bus.LatestSince(transcript.RoleUser, since)
	if !ok || !it.Done {
		return
	}

	c.mu.Lock()
	if !c.awaitingSpeech || !c.turnStart.Equal(since) {
		c.mu.Unlock()
		return
	}
	c.awaitingSpeech = false
	c.mu.Unlock()
	c.print("[YOU] " + strings.TrimSpace(it.Title) + "\n")
}

func (c *Console) pushToTalk(ctx context.Context, arg string) {
	var on bool
	switch strings.ToLower(arg) {
	case "on":
		on = true
	case "off":
	case "":
		mode := "off"
		if c.session.PushToTalk() {
			mode = "on"
		}
		c.print(fmt.Sprintf("[INFO] push-to-talk is %s\n", mode))
		return
	default:
		c.print("[ERROR] usage: ptt on|off\n")
		return
	}
	if err := c.session.SetPushToTalk(ctx, on); err != nil {
		c.printErr("push-to-talk", err)
		return
	}
	c.print(fmt.Sprintf("[INFO] push-to-talk %s\n", arg))
}

func (c *Console) connect(ctx context.Context) {
	if c.link == nil {
		c.print("[ERROR] connect is not available\n")
		return
	}
	if err := c.link.Connect(ctx); err != nil {
		c.printErr("connect", err)
	}
}

func (c *Console) status() {
	s := c.session.Status()
	line := fmt.Sprintf("[STATUS] %s", s)
	if s == session.StatusConnected && !c.session.Ready() {
		line += " (waiting for audio)"
	}
	if cur := c.Current(); cur != "" {
		if g, ok := c.catalog.Game(cur); ok {
			line += ", playing " + g.Name
		}
	}
	c.print(line + "\n")
}

func (c *Console) printErr(what string, err error) {
	if errors.Is(err, game.ErrNotReady) || errors.Is(err, session.ErrNotConnected) {
		c.print(fmt.Sprintf("[ERROR] %s: not connected yet, wait for status CONNECTED\n", what))
		return
	}
	c.print(fmt.Sprintf("[ERROR] %s: %v\n", what, err))
}

func (c *Console) print(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if _, err := io.WriteString(c.out, s); err != nil {
		slog.Debug("console: write failed", "err", err)
	}
}
