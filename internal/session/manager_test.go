package session_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/partyhost/internal/credential"
	"github.com/MrWong99/partyhost/internal/observe"
	"github.com/MrWong99/partyhost/internal/session"
	"github.com/MrWong99/partyhost/internal/transcript"
	devicemock "github.com/MrWong99/partyhost/pkg/audio/device/mock"
	"github.com/MrWong99/partyhost/pkg/realtime"
	"github.com/MrWong99/partyhost/pkg/realtime/mock"
)

type fakeSource struct {
	endpoint string
	err      error
}

func (s fakeSource) EphemeralKey(context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "ek_test", nil
}

func (s fakeSource) Endpoint() string { return s.endpoint }

type statusLog struct {
	mu   sync.Mutex
	seen []session.Status
}

func (l *statusLog) record(s session.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, s)
}

func (l *statusLog) get() []session.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.seen)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func hostAgent() realtime.Agent {
	return realtime.Agent{
		Name:         "gameHost",
		Voice:        "ash",
		Instructions: "host games",
		Tools: []realtime.Tool{
			{
				Name: "start_buffalo_game",
				Execute: func(_ context.Context, _ json.RawMessage, extra map[string]any) (any, error) {
					return map[string]any{"id": "simple_pattern", "room": extra["room"]}, nil
				},
			},
			{
				Name: "broken_tool",
				Execute: func(context.Context, json.RawMessage, map[string]any) (any, error) {
					return nil, errors.New("boom")
				},
			},
		},
	}
}

func request() session.ConnectRequest {
	return session.ConnectRequest{
		Keys:         credential.Static{Key: "ek_test"},
		Agents:       []realtime.Agent{hostAgent()},
		ExtraContext: map[string]any{"room": "kitchen"},
	}
}

type fixture struct {
	mgr    *session.Manager
	dialer *mock.Dialer
	bus    *transcript.Bus
	status *statusLog
}

func newFixture(t *testing.T, opts ...session.Option) *fixture {
	t.Helper()
	f := &fixture{
		dialer: &mock.Dialer{AutoReady: true},
		bus:    transcript.New(),
		status: &statusLog{},
	}
	opts = append([]session.Option{
		session.WithMetrics(testMetrics(t)),
		session.WithStatusListener(f.status.record),
	}, opts...)
	f.mgr = session.New(f.dialer, f.bus, opts...)
	t.Cleanup(func() { _ = f.mgr.Disconnect() })
	return f
}

func (f *fixture) connect(t *testing.T) *mock.Conn {
	t.Helper()
	if err := f.mgr.Connect(context.Background(), request()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return f.dialer.Last()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStatus_String(t *testing.T) {
	t.Parallel()
	tests := map[session.Status]string{
		session.StatusDisconnected: "DISCONNECTED",
		session.StatusConnecting:   "CONNECTING",
		session.StatusConnected:    "CONNECTED",
		session.Status(9):          "Status(9)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestConnect_StatusSequence(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		if got := f.mgr.Status(); got != session.StatusDisconnected {
			t.Fatalf("initial status = %v", got)
		}
		f.connect(t)

		want := []session.Status{session.StatusConnecting, session.StatusConnected}
		if got := f.status.get(); !slices.Equal(got, want) {
			t.Errorf("transitions = %v, want %v", got, want)
		}
	})

	t.Run("dial failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.dialer.DialError = errors.New("negotiation failed")

		err := f.mgr.Connect(context.Background(), request())
		if err == nil {
			t.Fatal("Connect succeeded, want error")
		}
		want := []session.Status{session.StatusConnecting, session.StatusDisconnected}
		if got := f.status.get(); !slices.Equal(got, want) {
			t.Errorf("transitions = %v, want %v", got, want)
		}
		if got := f.mgr.Status(); got != session.StatusDisconnected {
			t.Errorf("status = %v", got)
		}
	})

	t.Run("key failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		req := request()
		req.Keys = fakeSource{endpoint: "https://keys.example.com/api/session/", err: credential.ErrMissingSecret}

		err := f.mgr.Connect(context.Background(), req)
		if !errors.Is(err, credential.ErrMissingSecret) {
			t.Fatalf("Connect = %v, want ErrMissingSecret", err)
		}
		if len(f.dialer.Configs()) != 0 {
			t.Error("dialed without a key")
		}
		want := []session.Status{session.StatusConnecting, session.StatusDisconnected}
		if got := f.status.get(); !slices.Equal(got, want) {
			t.Errorf("transitions = %v, want %v", got, want)
		}
	})
}

func TestConnect_AlreadyConnectedIsNoOp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.connect(t)

	if err := f.mgr.Connect(context.Background(), request()); err != nil {
		t.Fatalf("second Connect = %v", err)
	}
	if n := len(f.dialer.Configs()); n != 1 {
		t.Errorf("dial calls = %d, want 1", n)
	}
}

func TestConnect_InProgressThenDisconnectAborts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.dialer.Block = true

	errc := make(chan error, 1)
	go func() { errc <- f.mgr.Connect(context.Background(), request()) }()
	waitFor(t, func() bool { return len(f.dialer.Configs()) == 1 })

	if got := f.mgr.Status(); got != session.StatusConnecting {
		t.Fatalf("status = %v, want CONNECTING", got)
	}
	if err := f.mgr.Connect(context.Background(), request()); !errors.Is(err, session.ErrConnectInProgress) {
		t.Errorf("concurrent Connect = %v, want ErrConnectInProgress", err)
	}

	if err := f.mgr.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("aborted Connect = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}

	if got := f.mgr.Status(); got != session.StatusDisconnected {
		t.Errorf("status = %v", got)
	}
	if f.dialer.Last() != nil {
		t.Error("a connection was established after Disconnect")
	}
	want := []session.Status{session.StatusConnecting, session.StatusDisconnected}
	if got := f.status.get(); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestConnect_ContextCancelAborts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.dialer.Block = true

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.mgr.Connect(ctx, request()) }()
	waitFor(t, func() bool { return len(f.dialer.Configs()) == 1 })
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Connect = %v, want context.Canceled", err)
	}
	if got := f.mgr.Status(); got != session.StatusDisconnected {
		t.Errorf("status = %v", got)
	}

	// The latch is released: a fresh attempt goes through.
	f.dialer.Unblock()
	f.connect(t)
	if got := f.mgr.Status(); got != session.StatusConnected {
		t.Errorf("status after retry = %v", got)
	}
}

func TestConnect_Preconditions(t *testing.T) {
	t.Parallel()

	t.Run("insecure endpoint", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		req := request()
		req.Keys = fakeSource{endpoint: "http://party.example.com/api/session/"}

		if err := f.mgr.Connect(context.Background(), req); !errors.Is(err, session.ErrInsecureContext) {
			t.Fatalf("Connect = %v, want ErrInsecureContext", err)
		}
		if len(f.dialer.Configs()) != 0 {
			t.Error("dialed despite insecure context")
		}
	})

	t.Run("loopback http is allowed", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		req := request()
		req.Keys = fakeSource{endpoint: "http://localhost:3000/api/session/"}

		if err := f.mgr.Connect(context.Background(), req); err != nil {
			t.Fatalf("Connect = %v", err)
		}
	})

	t.Run("microphone denied", func(t *testing.T) {
		t.Parallel()
		mic := &devicemock.Capturer{ProbeError: errors.New("permission denied")}
		f := newFixture(t, session.WithMicrophone(mic))

		if err := f.mgr.Connect(context.Background(), request()); !errors.Is(err, session.ErrMicrophoneUnavailable) {
			t.Fatalf("Connect = %v, want ErrMicrophoneUnavailable", err)
		}
		if len(f.dialer.Configs()) != 0 {
			t.Error("dialed without a microphone")
		}
	})

	t.Run("no agents", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		req := request()
		req.Agents = nil
		if err := f.mgr.Connect(context.Background(), req); err == nil {
			t.Fatal("Connect without agents succeeded")
		}
		if got := f.status.get(); len(got) != 0 {
			t.Errorf("transitions = %v, want none", got)
		}
	})
}

func TestConnect_AudioPath(t *testing.T) {
	t.Parallel()

	t.Run("software microphone gets a muted track", func(t *testing.T) {
		t.Parallel()
		mic := &devicemock.Capturer{}
		f := newFixture(t, session.WithMicrophone(mic), session.WithCodec(realtime.CodecPCMU))
		conn := f.connect(t)

		cfg := f.dialer.Configs()[0]
		if cfg.Microphone == nil {
			t.Fatal("software path dialed without a microphone")
		}
		if !conn.HasAudioTrack() || !conn.Muted() {
			t.Errorf("track = %v, muted = %v; want a muted track", conn.HasAudioTrack(), conn.Muted())
		}
		if cfg.Session.InputAudioFormat != "g711_ulaw" {
			t.Errorf("input format = %q", cfg.Session.InputAudioFormat)
		}
		if !f.mgr.Software() || !f.mgr.HasAudioTrack() {
			t.Error("manager does not report the software path")
		}
	})

	t.Run("native capture dials without a track", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, session.WithCodec(realtime.CodecPCMU))
		conn := f.connect(t)

		cfg := f.dialer.Configs()[0]
		if cfg.Microphone != nil {
			t.Error("native path dialed with a microphone")
		}
		if conn.HasAudioTrack() || f.mgr.HasAudioTrack() {
			t.Error("native path has an outbound track")
		}
		if cfg.Session.InputAudioFormat != "pcm16" {
			t.Errorf("input format = %q, want pcm16 for appended audio", cfg.Session.InputAudioFormat)
		}
	})

	t.Run("root agent opens the session", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, session.WithModel("gpt-realtime"), session.WithTranscriptionModel("whisper-1"))
		f.connect(t)

		cfg := f.dialer.Configs()[0]
		if cfg.EphemeralKey != "ek_test" || cfg.Model != "gpt-realtime" {
			t.Errorf("key = %q, model = %q", cfg.EphemeralKey, cfg.Model)
		}
		if cfg.Session.Instructions != "host games" || cfg.Session.Voice != "ash" {
			t.Errorf("session = %+v", cfg.Session)
		}
		if len(cfg.Session.Tools) != 2 || cfg.Session.TurnDetection == nil {
			t.Errorf("tools = %d, turn detection = %v", len(cfg.Session.Tools), cfg.Session.TurnDetection)
		}
		if cfg.Session.TranscriptionModel != "whisper-1" {
			t.Errorf("transcription model = %q", cfg.Session.TranscriptionModel)
		}
	})
}

func TestNotConnected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if err := f.mgr.SendUserText(ctx, "hi"); !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("SendUserText = %v, want ErrNotConnected", err)
	}
	if err := f.mgr.SendEvent(ctx, realtime.CreateResponse()); !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("SendEvent = %v", err)
	}
	if err := f.mgr.Mute(true); !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("Mute = %v", err)
	}
	if err := f.mgr.Interrupt(ctx); !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("Interrupt = %v", err)
	}
	if err := f.mgr.UpdateInstructions(ctx, "x"); !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("UpdateInstructions = %v", err)
	}
	if err := f.mgr.WaitReady(ctx); !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("WaitReady = %v", err)
	}
	if f.mgr.Ready() {
		t.Error("Ready while disconnected")
	}
	if f.bus.Len() != 0 {
		t.Error("rejected text reached the bus")
	}
}

func TestSendUserText(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := f.connect(t)

	if err := f.mgr.SendUserText(context.Background(), "buffalo buffalo"); err != nil {
		t.Fatalf("SendUserText: %v", err)
	}

	sent := conn.Sent()
	if len(sent) != 2 || sent[0].Type() != realtime.EventConversationItemCreate || sent[1].Type() != realtime.EventResponseCreate {
		t.Fatalf("sent = %v", conn.Labels())
	}
	id := sent[0]["item"].(map[string]any)["id"].(string)
	it, ok := f.bus.Get(id)
	if !ok {
		t.Fatalf("bus has no item %q", id)
	}
	if it.Role != transcript.RoleUser || it.Title != "buffalo buffalo" {
		t.Errorf("item = %+v", it)
	}
}

func TestReady_FollowsTransportSignal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.dialer.AutoReady = false
	conn := f.connect(t)

	if f.mgr.Ready() {
		t.Fatal("Ready before the transport signalled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.mgr.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitReady = %v, want deadline", err)
	}

	conn.MarkReady()
	if !f.mgr.Ready() {
		t.Error("not Ready after the transport signalled")
	}
	if err := f.mgr.WaitReady(context.Background()); err != nil {
		t.Errorf("WaitReady = %v", err)
	}
}

func TestEventIngestion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := f.connect(t)

	conn.Push(realtime.ServerEvent{Type: realtime.EventInputTranscriptionDelta, ItemID: "u1", Delta: "buf"})
	conn.Push(realtime.ServerEvent{Type: realtime.EventInputTranscriptionDelta, ItemID: "u1", Delta: "falo"})
	conn.Push(realtime.ServerEvent{Type: realtime.EventInputTranscriptionCompleted, ItemID: "u1", Transcript: "Buffalo!"})
	conn.Push(realtime.ServerEvent{Type: realtime.EventResponseAudioTranscriptDelta, ItemID: "a1", Delta: "Nice"})
	conn.Push(realtime.ServerEvent{Type: realtime.EventResponseAudioTranscriptDone, ItemID: "a1", Transcript: "Nice one."})

	waitFor(t, func() bool {
		it, ok := f.bus.Get("a1")
		return ok && it.Done
	})

	user, ok := f.bus.Latest(transcript.RoleUser)
	if !ok || user.ID != "u1" || user.Title != "Buffalo!" || !user.Done {
		t.Errorf("latest user = %+v", user)
	}
	asst, _ := f.bus.Latest(transcript.RoleAssistant)
	if asst.Title != "Nice one." {
		t.Errorf("latest assistant = %+v", asst)
	}
}

func TestToolCall(t *testing.T) {
	t.Parallel()

	t.Run("result becomes breadcrumb", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		conn := f.connect(t)

		conn.Push(realtime.ServerEvent{
			Type:   realtime.EventResponseFunctionCallArgsDone,
			Name:   "start_buffalo_game",
			CallID: "call_1",
		})
		if _, err := conn.WaitFor(t.Context(), realtime.EventResponseCreate, 1); err != nil {
			t.Fatal(err)
		}

		want := []string{realtime.EventConversationItemCreate, realtime.EventResponseCreate}
		if got := conn.Labels(); !slices.Equal(got, want) {
			t.Fatalf("sent = %v, want %v", got, want)
		}
		item := conn.Sent()[0]["item"].(map[string]any)
		if item["call_id"] != "call_1" || item["type"] != "function_call_output" {
			t.Errorf("output item = %v", item)
		}

		crumbs := f.bus.UnprocessedBreadcrumbs(func(string) bool { return false })
		if len(crumbs) != 1 {
			t.Fatalf("breadcrumbs = %d, want 1", len(crumbs))
		}
		if crumbs[0].Title != "function call result: start_buffalo_game" {
			t.Errorf("title = %q", crumbs[0].Title)
		}
		var data map[string]string
		if err := json.Unmarshal(crumbs[0].Data, &data); err != nil {
			t.Fatal(err)
		}
		if data["id"] != "simple_pattern" || data["room"] != "kitchen" {
			t.Errorf("data = %v", data)
		}
	})

	for _, name := range []string{"broken_tool", "no_such_tool"} {
		t.Run(name+" reports an error without breadcrumb", func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			conn := f.connect(t)

			conn.Push(realtime.ServerEvent{Type: realtime.EventResponseFunctionCallArgsDone, Name: name, CallID: "c"})
			if _, err := conn.WaitFor(t.Context(), realtime.EventResponseCreate, 1); err != nil {
				t.Fatal(err)
			}
			out := conn.Sent()[0]["item"].(map[string]any)["output"].(string)
			var body map[string]string
			if err := json.Unmarshal([]byte(out), &body); err != nil || body["error"] == "" {
				t.Errorf("output = %q", out)
			}
			if f.bus.Len() != 0 {
				t.Error("failed tool call left a breadcrumb")
			}
		})
	}
}

// Not parallel: swaps the global tracer provider and default logger.
func TestTracing_ConnectAndToolSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		_ = tp.Shutdown(context.Background())
	})

	var logs syncBuffer
	origLog := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(origLog) })

	f := newFixture(t, session.WithModel("gpt-realtime"))
	conn := f.connect(t)
	conn.Push(realtime.ServerEvent{Type: realtime.EventResponseFunctionCallArgsDone, Name: "broken_tool", CallID: "c1"})
	if _, err := conn.WaitFor(t.Context(), realtime.EventResponseCreate, 1); err != nil {
		t.Fatal(err)
	}

	var connect, tool sdktrace.ReadOnlySpan
	waitFor(t, func() bool {
		for _, s := range exp.GetSpans().Snapshots() {
			switch s.Name() {
			case "session.connect":
				connect = s
			case "session.tool":
				tool = s
			}
		}
		return connect != nil && tool != nil
	})

	if connect.Status().Code == codes.Error {
		t.Errorf("connect span failed: %v", connect.Status())
	}
	attrs := map[string]string{}
	for _, kv := range connect.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["model"] != "gpt-realtime" || attrs["agent"] != "gameHost" {
		t.Errorf("connect attributes = %v", attrs)
	}
	if tool.Status().Code != codes.Error {
		t.Errorf("failing tool span status = %v, want error", tool.Status().Code)
	}

	traceID := connect.SpanContext().TraceID().String()
	var line string
	for _, l := range strings.Split(logs.String(), "\n") {
		if strings.Contains(l, "session: connecting") {
			line = l
		}
	}
	if !strings.Contains(line, "trace_id="+traceID) {
		t.Errorf("connect log = %q, want trace_id=%s", line, traceID)
	}
}

func TestTracing_FailedConnectMarksSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		_ = tp.Shutdown(context.Background())
	})

	f := newFixture(t)
	req := request()
	req.Keys = fakeSource{endpoint: "https://party.example/api/session/", err: errors.New("status 502")}
	if err := f.mgr.Connect(context.Background(), req); err == nil {
		t.Fatal("Connect succeeded with a failing credential source")
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "session.connect" {
		t.Fatalf("spans = %v", spans)
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status.Code)
	}
}

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

func TestMuteAndInterrupt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, session.WithMicrophone(&devicemock.Capturer{}))
	conn := f.connect(t)
	conn.Reset()

	if err := f.mgr.Mute(false); err != nil {
		t.Fatal(err)
	}
	if f.mgr.Muted() {
		t.Error("still muted")
	}
	if err := f.mgr.Interrupt(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"unmute", realtime.EventResponseCancel}
	if got := conn.Labels(); !slices.Equal(got, want) {
		t.Errorf("log = %v, want %v", got, want)
	}
}

func TestSetPushToTalk(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.mgr.SetPushToTalk(context.Background(), true); err != nil {
		t.Fatalf("SetPushToTalk while disconnected: %v", err)
	}
	conn := f.connect(t)
	if cfg := f.dialer.Configs()[0]; !cfg.Session.DisableTurnDetection {
		t.Error("push-to-talk not applied at connect")
	}

	if err := f.mgr.SetPushToTalk(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	updates := conn.SentOfType(realtime.EventSessionUpdate)
	if len(updates) != 1 {
		t.Fatalf("session.update count = %d", len(updates))
	}
	raw, err := json.Marshal(updates[0])
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Session struct {
			TurnDetection *realtime.TurnDetection `json:"turn_detection"`
		} `json:"session"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	td := got.Session.TurnDetection
	if td == nil || td.Type != "server_vad" || td.Threshold != 0.9 || td.SilenceDurationMs != 500 || !td.CreateResponse {
		t.Errorf("turn_detection = %+v", td)
	}
	if f.mgr.PushToTalk() {
		t.Error("PushToTalk still on")
	}
}

func TestDisconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := f.connect(t)
	f.bus.AddMessage("m1", transcript.RoleUser, "hello")

	if err := f.mgr.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if !conn.Closed() {
		t.Error("transport not closed")
	}
	if f.bus.Len() != 0 {
		t.Error("bus not reset")
	}
	if err := f.mgr.Disconnect(); err != nil {
		t.Errorf("second Disconnect = %v", err)
	}
	want := []session.Status{session.StatusConnecting, session.StatusConnected, session.StatusDisconnected}
	if got := f.status.get(); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestConnectionLost(t *testing.T) {
	t.Parallel()
	lost := make(chan error, 1)
	f := newFixture(t, session.WithConnectionLost(func(err error) { lost <- err }))
	conn := f.connect(t)
	f.bus.AddMessage("m1", transcript.RoleUser, "hello")

	drop := errors.New("ice failed")
	conn.Drop(drop)

	select {
	case err := <-lost:
		if !errors.Is(err, drop) {
			t.Errorf("lost err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not reported")
	}
	if got := f.mgr.Status(); got != session.StatusDisconnected {
		t.Errorf("status = %v", got)
	}
	if f.bus.Len() != 0 {
		t.Error("bus not reset after loss")
	}

	if err := f.mgr.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if n := len(f.dialer.Conns()); n != 2 {
		t.Errorf("connections = %d, want 2", n)
	}
}

func TestReconnect_NoPriorSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.mgr.Reconnect(context.Background()); !errors.Is(err, session.ErrNoPriorSession) {
		t.Errorf("Reconnect = %v", err)
	}
}

func TestReconnector_RestoresDroppedSession(t *testing.T) {
	t.Parallel()
	reconnected := make(chan struct{})

	var r *session.Reconnector
	f := newFixture(t, session.WithConnectionLost(func(err error) { r.NotifyDisconnect(err) }))
	r = session.NewReconnector(session.ReconnectorConfig{
		Connect:     f.mgr.Reconnect,
		Backoff:     time.Millisecond,
		OnReconnect: func() { close(reconnected) },
	})
	go r.Monitor(t.Context())
	t.Cleanup(r.Stop)

	f.connect(t).Drop(nil)

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("session not restored")
	}
	if got := f.mgr.Status(); got != session.StatusConnected {
		t.Errorf("status = %v", got)
	}
}
