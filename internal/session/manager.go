// Package session owns the one live connection to the remote realtime agent.
//
// A [Manager] drives the connection lifecycle (DISCONNECTED, CONNECTING,
// CONNECTED), folds transport events into the transcript bus, executes the
// agent's tool calls, and exposes the small set of passthroughs that the
// capture multiplexer and game adapters need. It is created by the
// composition root and handed to collaborators explicitly.
//
// All exported methods are safe for concurrent use.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/partyhost/internal/credential"
	"github.com/MrWong99/partyhost/internal/observe"
	"github.com/MrWong99/partyhost/internal/transcript"
	"github.com/MrWong99/partyhost/pkg/audio"
	"github.com/MrWong99/partyhost/pkg/audio/device"
	"github.com/MrWong99/partyhost/pkg/realtime"
)

// BreadcrumbPrefix starts the title of every tool result breadcrumb.
const BreadcrumbPrefix = "function call result: "

var (
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("session: not connected")

	// ErrConnectInProgress is returned by Connect while another attempt runs.
	ErrConnectInProgress = errors.New("session: connect already in progress")

	// ErrInsecureContext is returned when the credential endpoint is neither
	// https nor loopback http.
	ErrInsecureContext = errors.New("session: insecure context")

	// ErrMicrophoneUnavailable is returned when the software microphone
	// cannot be opened.
	ErrMicrophoneUnavailable = errors.New("session: microphone unavailable")

	// ErrNoPriorSession is returned by Reconnect before any Connect succeeded.
	ErrNoPriorSession = errors.New("session: nothing to reconnect")
)

// Status is the connection state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

// String returns the upper-case state name.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ConnectRequest carries everything one connect attempt needs.
type ConnectRequest struct {
	// Keys provides the ephemeral key. Required.
	Keys credential.Source

	// Agents are the personas available to the session. The first one is the
	// root agent whose instructions, voice and tools open the session.
	Agents []realtime.Agent

	// Output receives the agent's speech. May be nil.
	Output chan<- audio.AudioFrame

	// ExtraContext is passed to every tool execution.
	ExtraContext map[string]any
}

// Option configures a [Manager].
type Option func(*Manager)

// WithMicrophone selects the software audio path: the transport carries an
// outbound track fed by c. Without it the manager dials with no track and
// audio reaches the agent only through input_audio_buffer.append events.
func WithMicrophone(c device.Capturer) Option {
	return func(m *Manager) { m.mic = c }
}

// WithModel sets the realtime model name.
func WithModel(model string) Option {
	return func(m *Manager) { m.model = model }
}

// WithCodec sets the transport audio codec. Default: opus.
func WithCodec(c realtime.Codec) Option {
	return func(m *Manager) { m.codec = c }
}

// WithTranscriptionModel enables input transcription with model.
func WithTranscriptionModel(model string) Option {
	return func(m *Manager) { m.transcriptionModel = model }
}

// WithPushToTalk opens sessions with server VAD disabled.
func WithPushToTalk(on bool) Option {
	return func(m *Manager) { m.pushToTalk = on }
}

// WithStatusListener registers fn for every status change. Listeners run in
// order of registration, never while the manager's lock is held, and see
// transitions in the order they happened.
func WithStatusListener(fn func(Status)) Option {
	return func(m *Manager) { m.listeners = append(m.listeners, fn) }
}

// WithConnectionLost registers fn for transport losses the manager did not
// initiate. It runs after the manager is back in DISCONNECTED.
func WithConnectionLost(fn func(err error)) Option {
	return func(m *Manager) { m.onLost = fn }
}

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager owns the realtime connection.
type Manager struct {
	dialer             realtime.Dialer
	bus                *transcript.Bus
	mic                device.Capturer
	model              string
	codec              realtime.Codec
	transcriptionModel string
	listeners          []func(Status)
	onLost             func(error)
	metrics            *observe.Metrics

	mu            sync.Mutex
	status        Status
	pushToTalk    bool
	attempt       uint64
	cancelConnect context.CancelFunc
	conn          realtime.Conn
	stopLoop      context.CancelFunc
	req           ConnectRequest
	hasReq        bool

	pending     []Status
	dispatching bool
}

// New creates a Manager that dials through dialer and records the
// conversation on bus.
func New(dialer realtime.Dialer, bus *transcript.Bus, opts ...Option) *Manager {
	m := &Manager{
		dialer: dialer,
		bus:    bus,
		codec:  realtime.CodecOpus,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Status returns the current connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Bus returns the transcript bus the manager writes to.
func (m *Manager) Bus() *transcript.Bus { return m.bus }

// Software reports whether the manager feeds the agent through the
// transport's own audio track.
func (m *Manager) Software() bool { return m.mic != nil }

// Connect opens a session. It is a no-op when already connected and fails
// with [ErrConnectInProgress] while another attempt runs. The attempt is
// aborted by cancelling ctx or by calling [Manager.Disconnect].
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) error {
	if req.Keys == nil {
		return errors.New("session: connect: no credential source")
	}
	if len(req.Agents) == 0 {
		return errors.New("session: connect: no agents")
	}

	m.mu.Lock()
	switch m.status {
	case StatusConnected:
		m.mu.Unlock()
		return nil
	case StatusConnecting:
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	m.attempt++
	attempt := m.attempt
	m.cancelConnect = cancel
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()
	m.dispatch()

	start := time.Now()
	conn, err := m.establish(attemptCtx, req)

	m.mu.Lock()
	if attempt != m.attempt {
		// Disconnect ran while we were dialing.
		m.mu.Unlock()
		cancel()
		if conn != nil {
			_ = conn.Close()
		}
		m.metrics.RecordConnect(ctx, "aborted", time.Since(start))
		return fmt.Errorf("session: connect: %w", context.Canceled)
	}
	m.cancelConnect = nil
	if err != nil {
		m.setStatusLocked(StatusDisconnected)
		m.mu.Unlock()
		cancel()
		m.dispatch()
		m.metrics.RecordConnect(ctx, "error", time.Since(start))
		slog.Warn("session: connect failed", "err", err)
		return err
	}
	cancel()

	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	m.conn = conn
	m.stopLoop = stopLoop
	m.req = req
	m.hasReq = true
	m.setStatusLocked(StatusConnected)
	m.mu.Unlock()

	m.metrics.RecordConnect(ctx, "ok", time.Since(start))
	m.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("session: connected",
		"agent", req.Agents[0].Name,
		"audio_track", conn.HasAudioTrack(),
		"elapsed", time.Since(start),
	)
	go m.readLoop(loopCtx, conn, req)
	m.dispatch()
	return nil
}

// Reconnect repeats the last successful Connect request.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	req, ok := m.req, m.hasReq
	m.mu.Unlock()
	if !ok {
		return ErrNoPriorSession
	}
	return m.Connect(ctx, req)
}

func (m *Manager) establish(ctx context.Context, req ConnectRequest) (conn realtime.Conn, err error) {
	ctx, span := observe.StartSpan(ctx, observe.SpanConnect,
		observe.Attr("model", m.model),
		observe.Attr("codec", string(m.codec)),
		observe.Attr("agent", req.Agents[0].Name),
	)
	defer func() { observe.EndSpan(span, err) }()
	observe.Logger(ctx).Debug("session: connecting", "model", m.model, "software_mic", m.mic != nil)

	if err := credential.CheckSecure(req.Keys.Endpoint()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsecureContext, err)
	}
	if m.mic != nil {
		if err := m.mic.Probe(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
		}
	}

	key, err := req.Keys.EphemeralKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: fetch key: %w", err)
	}

	m.mu.Lock()
	ptt := m.pushToTalk
	m.mu.Unlock()

	root := req.Agents[0]
	params := realtime.SessionParams{
		Instructions:       root.Instructions,
		Voice:              root.Voice,
		Tools:              root.Tools,
		InputAudioFormat:   realtime.AudioFormatForCodec(m.codec),
		OutputAudioFormat:  realtime.AudioFormatForCodec(m.codec),
		TranscriptionModel: m.transcriptionModel,
	}
	if m.mic == nil {
		// Native capture appends PCM16 regardless of the track codec.
		params.InputAudioFormat = "pcm16"
	}
	if ptt {
		params.DisableTurnDetection = true
	} else {
		params.TurnDetection = realtime.ServerVAD()
	}

	cfg := realtime.DialConfig{
		EphemeralKey: key,
		Model:        m.model,
		Codec:        m.codec,
		Session:      params,
		Output:       req.Output,
	}
	if m.mic != nil {
		cfg.Microphone = m.mic
	}

	conn, err = m.dialer.Dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("session: dial: %w", err)
	}
	if conn.HasAudioTrack() {
		conn.Mute(true)
	}
	return conn, nil
}

// Disconnect tears the session down. It aborts an in-flight Connect and is
// safe to call in any state.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	cancel := m.cancelConnect
	m.cancelConnect = nil
	conn := m.conn
	m.conn = nil
	stopLoop := m.stopLoop
	m.stopLoop = nil
	m.attempt++
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopLoop != nil {
		stopLoop()
	}
	var err error
	if conn != nil {
		err = conn.Close()
		m.metrics.ActiveSessions.Add(context.Background(), -1)
		slog.Info("session: disconnected")
	}
	m.bus.Reset()
	m.dispatch()
	if err != nil {
		return fmt.Errorf("session: disconnect: %w", err)
	}
	return nil
}

func (m *Manager) current() (realtime.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusConnected || m.conn == nil {
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

// Ready reports whether the connection is up and its event channel usable.
func (m *Manager) Ready() bool {
	conn, err := m.current()
	if err != nil {
		return false
	}
	select {
	case <-conn.Ready():
		return true
	default:
		return false
	}
}

// WaitReady blocks until the connection is ready or ctx ends.
func (m *Manager) WaitReady(ctx context.Context) error {
	conn, err := m.current()
	if err != nil {
		return err
	}
	select {
	case <-conn.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HasAudioTrack reports whether the live connection carries an outbound
// microphone track.
func (m *Manager) HasAudioTrack() bool {
	conn, err := m.current()
	return err == nil && conn.HasAudioTrack()
}

// SendEvent sends a raw client event.
func (m *Manager) SendEvent(ctx context.Context, evt realtime.ClientEvent) error {
	conn, err := m.current()
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, evt); err != nil {
		return fmt.Errorf("session: send %s: %w", evt.Type(), err)
	}
	return nil
}

// SendUserText adds a typed user message to the conversation and asks the
// agent to respond.
func (m *Manager) SendUserText(ctx context.Context, text string) error {
	conn, err := m.current()
	if err != nil {
		return err
	}
	id := uuid.NewString()
	if err := conn.Send(ctx, realtime.UserMessage(id, text)); err != nil {
		return fmt.Errorf("session: send user text: %w", err)
	}
	if err := conn.Send(ctx, realtime.CreateResponse()); err != nil {
		return fmt.Errorf("session: request response: %w", err)
	}
	m.bus.AddMessage(id, transcript.RoleUser, text)
	return nil
}

// Mute gates the transport's outbound track. Without a track it does
// nothing.
func (m *Manager) Mute(muted bool) error {
	conn, err := m.current()
	if err != nil {
		return err
	}
	conn.Mute(muted)
	return nil
}

// Muted reports whether the outbound track is muted. It reports true when
// there is no connection or no track.
func (m *Manager) Muted() bool {
	conn, err := m.current()
	if err != nil {
		return true
	}
	return conn.Muted()
}

// Interrupt cancels the agent's current response.
func (m *Manager) Interrupt(ctx context.Context) error {
	return m.SendEvent(ctx, realtime.CancelResponse())
}

// UpdateInstructions replaces the session instructions.
func (m *Manager) UpdateInstructions(ctx context.Context, text string) error {
	return m.SendEvent(ctx, realtime.UpdateSession(realtime.SessionParams{Instructions: text}))
}

// SetPushToTalk switches between push-to-talk and server VAD. The choice
// sticks for later connections; when connected it is applied immediately.
func (m *Manager) SetPushToTalk(ctx context.Context, on bool) error {
	m.mu.Lock()
	m.pushToTalk = on
	m.mu.Unlock()

	if _, err := m.current(); err != nil {
		return nil
	}
	params := realtime.SessionParams{TurnDetection: realtime.ServerVAD()}
	if on {
		params = realtime.SessionParams{DisableTurnDetection: true}
	}
	return m.SendEvent(ctx, realtime.UpdateSession(params))
}

// PushToTalk reports whether push-to-talk is on.
func (m *Manager) PushToTalk() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushToTalk
}

func (m *Manager) readLoop(ctx context.Context, conn realtime.Conn, req ConnectRequest) {
	for evt := range conn.Events() {
		if !m.isCurrent(conn) {
			continue
		}
		m.handleEvent(ctx, conn, req, evt)
	}

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.stopLoop != nil {
		m.stopLoop()
		m.stopLoop = nil
	}
	m.setStatusLocked(StatusDisconnected)
	onLost := m.onLost
	m.mu.Unlock()

	err := conn.Err()
	_ = conn.Close()
	m.metrics.ActiveSessions.Add(context.Background(), -1)
	m.bus.Reset()
	slog.Warn("session: connection lost", "err", err)
	m.dispatch()
	if onLost != nil {
		onLost(err)
	}
}

func (m *Manager) isCurrent(conn realtime.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn == conn
}

func (m *Manager) handleEvent(ctx context.Context, conn realtime.Conn, req ConnectRequest, evt realtime.ServerEvent) {
	switch evt.Type {
	case realtime.EventInputTranscriptionDelta:
		m.bus.ApplyDelta(evt.ItemID, transcript.RoleUser, evt.Delta)
	case realtime.EventInputTranscriptionCompleted:
		m.bus.Complete(evt.ItemID, transcript.RoleUser, evt.Transcript)
	case realtime.EventResponseAudioTranscriptDelta:
		m.bus.ApplyDelta(evt.ItemID, transcript.RoleAssistant, evt.Delta)
	case realtime.EventResponseAudioTranscriptDone:
		m.bus.Complete(evt.ItemID, transcript.RoleAssistant, evt.Transcript)
	case realtime.EventResponseFunctionCallArgsDone:
		m.runTool(ctx, conn, req, evt)
	case realtime.EventError:
		if evt.Error != nil {
			slog.Warn("session: agent error", "type", evt.Error.Type, "code", evt.Error.Code, "message", evt.Error.Message)
		}
	case realtime.EventSessionCreated, realtime.EventSessionUpdated:
		slog.Debug("session: " + evt.Type)
	}
}

func (m *Manager) runTool(ctx context.Context, conn realtime.Conn, req ConnectRequest, evt realtime.ServerEvent) {
	ctx, span := observe.StartSpan(ctx, observe.SpanTool,
		observe.Attr("tool", evt.Name),
		observe.Attr("call_id", evt.CallID),
	)
	var toolErr error
	defer func() { observe.EndSpan(span, toolErr) }()
	log := observe.Logger(ctx).With("tool", evt.Name, "call_id", evt.CallID)

	start := time.Now()
	status := "ok"
	var result any
	tool, ok := findTool(req.Agents, evt.Name)
	if !ok {
		status = "unknown"
		toolErr = fmt.Errorf("session: unknown tool %q", evt.Name)
		result = map[string]string{"error": "unknown tool " + evt.Name}
	} else {
		args := json.RawMessage(evt.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		res, err := tool.Execute(ctx, args, req.ExtraContext)
		if err != nil {
			status = "error"
			toolErr = err
			result = map[string]string{"error": err.Error()}
		} else {
			result = res
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		status = "error"
		data, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	m.metrics.RecordToolCall(ctx, evt.Name, status, time.Since(start))
	if status != "ok" {
		log.Warn("session: tool call failed", "status", status, "output", string(data))
	}

	if err := conn.Send(ctx, realtime.FunctionCallOutput(evt.CallID, string(data))); err != nil {
		log.Warn("session: send tool output failed", "err", err)
		return
	}
	if status == "ok" {
		m.bus.AddBreadcrumb(BreadcrumbPrefix+evt.Name, data)
	}
	if err := conn.Send(ctx, realtime.CreateResponse()); err != nil {
		log.Warn("session: request response after tool failed", "err", err)
	}
}

func findTool(agents []realtime.Agent, name string) (realtime.Tool, bool) {
	for _, a := range agents {
		if t, ok := a.FindTool(name); ok {
			return t, true
		}
	}
	return realtime.Tool{}, false
}

func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.status = s
	m.pending = append(m.pending, s)
}

// dispatch delivers queued status changes. Only one goroutine delivers at a
// time; changes queued meanwhile are picked up by the active deliverer.
func (m *Manager) dispatch() {
	m.mu.Lock()
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true
	for len(m.pending) > 0 {
		s := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		for _, fn := range m.listeners {
			fn(s)
		}
		m.mu.Lock()
	}
	m.dispatching = false
	m.mu.Unlock()
}
