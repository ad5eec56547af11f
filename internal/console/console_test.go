package console_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/partyhost/internal/console"
	"github.com/MrWong99/partyhost/internal/game"
	"github.com/MrWong99/partyhost/internal/gamehost"
	"github.com/MrWong99/partyhost/internal/session"
	"github.com/MrWong99/partyhost/internal/transcript"
)

type fakeSession struct {
	mu           sync.Mutex
	status       session.Status
	ready        bool
	ptt          bool
	sent         []string
	instructions []string
	interrupts   int
	updateErr    error
}

func (s *fakeSession) Status() session.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *fakeSession) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSession) SendUserText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != session.StatusConnected {
		return session.ErrNotConnected
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *fakeSession) UpdateInstructions(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	s.instructions = append(s.instructions, text)
	return nil
}

func (s *fakeSession) Interrupt(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
	return nil
}

func (s *fakeSession) SetPushToTalk(_ context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ptt = on
	return nil
}

func (s *fakeSession) PushToTalk() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ptt
}

func (s *fakeSession) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *fakeSession) Instructions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.instructions...)
}

type fakeMic struct {
	mu        sync.Mutex
	capturing bool
	fail      bool
	turns     int
	turnAt    time.Time
}

func (m *fakeMic) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turnAt
}

func (m *fakeMic) Start(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return false
	}
	m.capturing = true
	return true
}

func (m *fakeMic) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capturing {
		m.turns++
	}
	m.capturing = false
	return nil
}

func (m *fakeMic) Capturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturing
}

// syncBuffer lets adapter callbacks and the test read output concurrently.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// manualTimer holds the pending finish delay until the test fires it.
type manualTimer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	stopped bool
}

func (m *manualTimer) afterFunc(d time.Duration, fn func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay, m.fn, m.stopped = d, fn, false
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.stopped = true
		return true
	}
}

func (m *manualTimer) fire(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	fn, stopped := m.fn, m.stopped
	m.fn = nil
	m.mu.Unlock()
	if fn == nil {
		t.Fatal("no finish delay pending")
	}
	if !stopped {
		fn()
	}
}

// clock is a settable time source for the transcript bus.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	sess     *fakeSession
	bus      *transcript.Bus
	clock    *clock
	mic      *fakeMic
	out      *syncBuffer
	timer    *manualTimer
	console  *console.Console
	catalog  *gamehost.Catalog
	adapters map[string]*game.Adapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sess:     &fakeSession{status: session.StatusConnected, ready: true},
		mic:      &fakeMic{},
		out:      &syncBuffer{},
		timer:    &manualTimer{},
		catalog:  gamehost.DefaultCatalog(),
		adapters: make(map[string]*game.Adapter),
		clock:    &clock{now: time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)},
	}
	f.bus = transcript.New(transcript.WithClock(f.clock.Now))
	f.console = console.New(strings.NewReader(""), f.out, f.sess, f.catalog,
		console.WithMic(f.mic),
		console.WithTranscript(f.bus),
		console.WithFinishDelay(3*time.Second),
		console.WithAfterFunc(f.timer.afterFunc),
	)
	for _, g := range f.catalog.Games {
		a := game.NewAdapter(g.Slug, f.sess, f.bus,
			game.WithDisplayName(g.Name),
			game.OnGameStart(f.console.GameStarted(g)),
			game.OnGameFinish(f.console.GameFinished(g)),
		)
		f.console.Attach(g, a)
		f.adapters[g.Key] = a
	}
	return f
}

func (f *fixture) exec(line string) bool {
	return f.console.Exec(context.Background(), line)
}

func breadcrumb(id, tool, data string) transcript.Item {
	return transcript.Item{
		ID:    id,
		Role:  transcript.RoleSystem,
		Type:  transcript.TypeBreadcrumb,
		Title: session.BreadcrumbPrefix + tool,
		Data:  json.RawMessage(data),
	}
}

func TestPlay_SwitchesInstructionsAndStartsGame(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.exec("play Stall the police")

	want, err := f.catalog.BuildGameInstruction("stall-the-police")
	if err != nil {
		t.Fatal(err)
	}
	if got := f.sess.Instructions(); len(got) != 1 || got[0] != want {
		t.Errorf("instructions = %q, want the police game prompt", got)
	}
	sent := f.sess.Sent()
	if len(sent) != 1 || !strings.Contains(sent[0], "Stall the Police") {
		t.Errorf("sent = %q", sent)
	}
	if f.console.Current() != "stall-the-police" {
		t.Errorf("current = %q", f.console.Current())
	}
}

func TestPlay_UnknownGame(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.exec("play quantum chess")
	if !strings.Contains(f.out.String(), `no game sounds like "quantum chess"`) {
		t.Errorf("output = %q", f.out.String())
	}
	if len(f.sess.Sent()) != 0 || len(f.sess.Instructions()) != 0 {
		t.Error("unknown game must not touch the session")
	}
}

func TestPlay_NotConnected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sess.status = session.StatusConnecting
	f.sess.ready = false

	f.exec("play buffalo")
	if !strings.Contains(f.out.String(), "not connected yet") {
		t.Errorf("output = %q", f.out.String())
	}
	if len(f.sess.Instructions()) != 0 {
		t.Error("instructions switched while disconnected")
	}
	if f.console.Current() != "" {
		t.Errorf("current = %q", f.console.Current())
	}
}

func TestPlay_InstructionFailureStaysInLobby(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sess.updateErr = errors.New("socket closed")

	f.exec("play buffalo")
	if f.console.Current() != "" {
		t.Errorf("current = %q", f.console.Current())
	}
	if len(f.sess.Sent()) != 0 {
		t.Error("start request sent after instruction failure")
	}
}

func TestFinish_ReturnsToLobbyAfterDelay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	a := f.adapters["buffalo"]

	f.exec("play buffalo")
	a.Handle(ctx, breadcrumb("s1", "start_buffalo_game", `{"id":"simple_pattern","buffaloCalls":["buffalo","buffalo"]}`))
	if !strings.Contains(f.out.String(), "Calls: buffalo buffalo") {
		t.Errorf("scenario not shown: %q", f.out.String())
	}

	a.Handle(ctx, breadcrumb("f1", "finish_buffalo_game", `{"ok":true,"success":true,"score":90,"message":"Perfect herd."}`))
	if !strings.Contains(f.out.String(), "Buffalo: WON, score 90") {
		t.Errorf("banner missing: %q", f.out.String())
	}
	if f.timer.delay != 3*time.Second {
		t.Errorf("delay = %v", f.timer.delay)
	}
	if f.console.Current() != "buffalo" {
		t.Error("left the game before the banner delay")
	}

	f.timer.fire(t)
	if f.console.Current() != "" {
		t.Errorf("current = %q after delay", f.console.Current())
	}
	got := f.sess.Instructions()
	if len(got) != 2 || got[1] != f.catalog.BasePrompt {
		t.Errorf("instructions = %q, want base prompt restored", got)
	}
}

func TestFinish_NewGameCancelsLobbyReturn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.exec("play buffalo")
	a := f.adapters["buffalo"]
	a.Handle(ctx, breadcrumb("s1", "start_buffalo_game", `{"id":"simple_pattern"}`))
	a.Handle(ctx, breadcrumb("f1", "finish_buffalo_game", `{"success":false,"score":5}`))

	f.exec("play evaluate yourself")
	f.timer.fire(t)

	if f.console.Current() != "evaluate-yourself" {
		t.Errorf("current = %q", f.console.Current())
	}
	for _, in := range f.sess.Instructions() {
		if in == f.catalog.BasePrompt {
			t.Error("base prompt restored over the new game")
		}
	}
}

func TestFinish_TimeoutBanner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	g, _ := f.catalog.Game("buffalo")

	f.console.GameFinished(g)(game.FinishResult{TimedOut: true})
	if !strings.Contains(f.out.String(), "LOST, score 0") || !strings.Contains(f.out.String(), game.TimeoutMessage) {
		t.Errorf("output = %q", f.out.String())
	}
}

func TestSay_RoutesThroughSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.exec("say hello there")
	f.exec("say")
	if got := f.sess.Sent(); len(got) != 1 || got[0] != "hello there" {
		t.Errorf("sent = %q", got)
	}
	if !strings.Contains(f.out.String(), "say needs some text") {
		t.Errorf("output = %q", f.out.String())
	}
}

func TestTalk_TogglesMic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.exec("talk")
	if !f.mic.Capturing() {
		t.Fatal("mic not started")
	}
	f.exec("talk")
	if f.mic.Capturing() || f.mic.turns != 1 {
		t.Errorf("capturing = %v, turns = %d", f.mic.Capturing(), f.mic.turns)
	}

	f.mic.fail = true
	f.exec("talk")
	if !strings.Contains(f.out.String(), "microphone did not start") {
		t.Errorf("output = %q", f.out.String())
	}
}

func TestTalk_EchoesOnlyTheLastTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	start := f.clock.Now()

	f.bus.AddMessage("", transcript.RoleUser, "my name is Bob")
	f.mic.turnAt = start.Add(time.Second)
	f.clock.Set(start.Add(2 * time.Second))
	f.bus.Complete("item_turn", transcript.RoleUser, "moo moo moo")

	f.exec("talk")
	f.exec("talk")

	out := f.out.String()
	if !strings.Contains(out, "[YOU] moo moo moo") {
		t.Errorf("output = %q, want the turn's transcript", out)
	}
	if strings.Contains(out, "Bob") {
		t.Errorf("output = %q, echoed speech from before the turn", out)
	}
}

func TestTalk_EchoesLateTranscriptAndHostLines(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	start := f.clock.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pr, pw := io.Pipe()
	defer pw.Close()
	c := console.New(pr, f.out, f.sess, f.catalog,
		console.WithMic(f.mic),
		console.WithTranscript(f.bus),
	)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	f.bus.AddMessage("", transcript.RoleUser, "an older request")
	f.mic.turnAt = start.Add(time.Second)
	c.Exec(ctx, "talk")
	c.Exec(ctx, "talk")
	if strings.Contains(f.out.String(), "[YOU]") {
		t.Fatalf("output = %q, echoed before the turn was transcribed", f.out.String())
	}

	f.clock.Set(start.Add(2 * time.Second))
	f.bus.ApplyDelta("item_turn", transcript.RoleUser, "yee")
	f.bus.Complete("item_turn", transcript.RoleUser, "yeehaw")
	f.bus.ApplyDelta("resp_1", transcript.RoleAssistant, "Nice")
	f.bus.Complete("resp_1", transcript.RoleAssistant, "Nice call, the herd turns!")

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(f.out.String(), "[HOST] Nice call, the herd turns!") {
		if time.Now().After(deadline) {
			t.Fatalf("output = %q, want host line", f.out.String())
		}
		time.Sleep(time.Millisecond)
	}
	out := f.out.String()
	if strings.Count(out, "[YOU] yeehaw") != 1 {
		t.Errorf("output = %q, want the turn echoed once", out)
	}
	if strings.Contains(out, "an older request") || strings.Contains(out, "[HOST] Nice\n") {
		t.Errorf("output = %q, echoed an old or unfinished item", out)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestTalk_WithoutMic(t *testing.T) {
	t.Parallel()
	out := &syncBuffer{}
	c := console.New(strings.NewReader(""), out, &fakeSession{}, gamehost.DefaultCatalog())
	c.Exec(context.Background(), "talk")
	if !strings.Contains(out.String(), "push-to-talk is not available") {
		t.Errorf("output = %q", out.String())
	}
}

func TestCommands(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line string
		want string
		quit bool
	}{
		{line: "games", want: "advise-the-child"},
		{line: "status", want: "[STATUS] CONNECTED"},
		{line: "ptt on", want: "push-to-talk on"},
		{line: "ptt maybe", want: "usage: ptt on|off"},
		{line: "dance", want: `unknown command "dance"`},
		{line: "help", want: "Commands:"},
		{line: "quit", quit: true},
		{line: "Q", quit: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			if quit := f.exec(tt.line); quit != tt.quit {
				t.Errorf("quit = %v, want %v", quit, tt.quit)
			}
			if !strings.Contains(f.out.String(), tt.want) {
				t.Errorf("output = %q, want it to contain %q", f.out.String(), tt.want)
			}
		})
	}
}

func TestStop_Interrupts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.exec("stop")
	if f.sess.interrupts != 1 {
		t.Errorf("interrupts = %d", f.sess.interrupts)
	}
}

func TestRun_ReadsUntilQuit(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{status: session.StatusConnected, ready: true}
	out := &syncBuffer{}
	in := strings.NewReader("say one\nquit\nsay two\n")
	c := console.New(in, out, sess, gamehost.DefaultCatalog())

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if got := sess.Sent(); len(got) != 1 || got[0] != "one" {
		t.Errorf("sent = %q", got)
	}
}

func TestRun_EndOfInput(t *testing.T) {
	t.Parallel()
	c := console.New(strings.NewReader("status\n"), io.Discard, &fakeSession{}, gamehost.DefaultCatalog())
	if err := c.Run(context.Background()); err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	t.Parallel()
	pr, pw := io.Pipe()
	defer pw.Close()
	c := console.New(pr, io.Discard, &fakeSession{}, gamehost.DefaultCatalog())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type fakeLink struct {
	connects, disconnects int
	err                   error
}

func (l *fakeLink) Connect(context.Context) error {
	l.connects++
	return l.err
}

func (l *fakeLink) Disconnect() error {
	l.disconnects++
	return nil
}

func TestConnectDisconnect(t *testing.T) {
	t.Parallel()
	link := &fakeLink{}
	out := &syncBuffer{}
	c := console.New(strings.NewReader(""), out, &fakeSession{}, gamehost.DefaultCatalog(), console.WithLink(link))
	ctx := context.Background()

	c.Exec(ctx, "connect")
	c.Exec(ctx, "disconnect")
	if link.connects != 1 || link.disconnects != 1 {
		t.Errorf("connects = %d, disconnects = %d", link.connects, link.disconnects)
	}

	link.err = session.ErrConnectInProgress
	c.Exec(ctx, "connect")
	if !strings.Contains(out.String(), "connect: session: connect already in progress") {
		t.Errorf("output = %q", out.String())
	}
}

func TestConnect_WithoutLink(t *testing.T) {
	t.Parallel()
	out := &syncBuffer{}
	c := console.New(strings.NewReader(""), out, &fakeSession{}, gamehost.DefaultCatalog())
	c.Exec(context.Background(), "connect")
	if !strings.Contains(out.String(), "connect is not available") {
		t.Errorf("output = %q", out.String())
	}
}
