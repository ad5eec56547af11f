// Package bridge exposes a microphone and a push-to-talk key owned by a native
// companion app (Android TV, handheld) over a websocket.
//
// The companion connects to the [Bridge] handler and exchanges JSON text
// messages. Commands sent to the companion:
//
//	{"cmd":"start","sampleRate":24000}
//	{"cmd":"stop"}
//
// Events received from the companion:
//
//	{"event":"started","success":true,"sampleRate":24000,"bufferSize":4096}
//	{"event":"audio","base64":"<pcm16>","samplesRead":2048}
//	{"event":"micKey","type":"down"}
//
// One companion is served at a time; a second connection is refused.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/partyhost/pkg/audio"
	"github.com/MrWong99/partyhost/pkg/audio/device"
)

var (
	_ device.Capturer  = (*Bridge)(nil)
	_ device.KeySource = (*Bridge)(nil)
	_ http.Handler     = (*Bridge)(nil)
)

const defaultStartTimeout = 5 * time.Second

// message is the union of every command and event on the wire.
type message struct {
	Cmd         string `json:"cmd,omitempty"`
	Event       string `json:"event,omitempty"`
	Success     bool   `json:"success,omitempty"`
	SampleRate  int    `json:"sampleRate,omitempty"`
	BufferSize  int    `json:"bufferSize,omitempty"`
	Base64      string `json:"base64,omitempty"`
	SamplesRead int    `json:"samplesRead,omitempty"`
	Type        string `json:"type,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithStartTimeout bounds how long Start waits for the companion to confirm.
// Default: 5s.
func WithStartTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.startTimeout = d }
}

// WithOriginPatterns sets the allowed websocket origins.
func WithOriginPatterns(patterns ...string) Option {
	return func(b *Bridge) { b.originPatterns = patterns }
}

// Bridge is an [http.Handler] that a native companion connects to. It
// implements [device.Capturer] for the companion's microphone and
// [device.KeySource] for its mic key.
type Bridge struct {
	startTimeout   time.Duration
	originPatterns []string
	keys           chan device.KeyEvent

	mu        sync.Mutex
	conn      *websocket.Conn
	connCtx   context.Context
	started   chan message
	chunks    chan device.Chunk
	info      device.Info
	keyHeld   bool
	dropCount int
}

// New returns a Bridge with no companion connected.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		startTimeout: defaultStartTimeout,
		keys:         make(chan device.KeyEvent, 8),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ServeHTTP accepts the companion's websocket and serves it until it
// disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	busy := b.conn != nil
	b.mu.Unlock()
	if busy {
		http.Error(w, "companion already connected", http.StatusConflict)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: b.originPatterns})
	if err != nil {
		slog.Warn("bridge: accept failed", "err", err)
		return
	}
	ctx := r.Context()

	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		conn.Close(websocket.StatusPolicyViolation, "companion already connected")
		return
	}
	b.conn, b.connCtx = conn, ctx
	b.mu.Unlock()

	slog.Info("bridge: companion connected", "remote", r.RemoteAddr)
	err = b.readLoop(ctx, conn)

	b.mu.Lock()
	b.conn, b.connCtx = nil, nil
	b.closeChunksLocked()
	b.keyHeld = false
	b.mu.Unlock()

	status := websocket.CloseStatus(err)
	if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
		slog.Warn("bridge: companion disconnected", "err", err)
	} else {
		slog.Info("bridge: companion disconnected")
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("bridge: ignoring malformed message", "err", err)
			continue
		}
		b.handle(msg)
	}
}

func (b *Bridge) handle(msg message) {
	switch msg.Event {
	case "started":
		b.mu.Lock()
		ch := b.started
		b.mu.Unlock()
		if ch != nil {
			select {
			case ch <- msg:
			default:
			}
		}

	case "audio":
		pcm, err := audio.DecodeBase64(msg.Base64)
		if err != nil {
			slog.Debug("bridge: dropping audio chunk", "err", err)
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.chunks == nil {
			return
		}
		select {
		case b.chunks <- device.Chunk{PCM: pcm, SamplesRead: len(pcm) / 2}:
		default:
			b.dropCount++
			if b.dropCount%50 == 1 {
				slog.Warn("bridge: capture consumer too slow, dropping audio", "dropped", b.dropCount)
			}
		}

	case "micKey":
		b.handleKey(device.KeyEventType(msg.Type))
	}
}

func (b *Bridge) handleKey(t device.KeyEventType) {
	b.mu.Lock()
	switch t {
	case device.KeyDown:
		if b.keyHeld {
			b.mu.Unlock()
			return
		}
		b.keyHeld = true
	case device.KeyUp:
		if !b.keyHeld {
			b.mu.Unlock()
			return
		}
		b.keyHeld = false
	default:
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	select {
	case b.keys <- device.KeyEvent{Type: t}:
	default:
		slog.Warn("bridge: key event dropped", "type", t)
	}
}

// Keys implements [device.KeySource].
func (b *Bridge) Keys() <-chan device.KeyEvent { return b.keys }

// Probe implements [device.Capturer]. The microphone is available while a
// companion is connected.
func (b *Bridge) Probe(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return fmt.Errorf("bridge: no companion connected: %w", device.ErrUnavailable)
	}
	return nil
}

// Start implements [device.Capturer]. It asks the companion to start
// recording and waits for its confirmation.
func (b *Bridge) Start(ctx context.Context, sampleRate int) (device.Info, <-chan device.Chunk, error) {
	b.mu.Lock()
	if b.chunks != nil {
		info, ch := b.info, b.chunks
		b.mu.Unlock()
		return info, ch, nil
	}
	conn, connCtx := b.conn, b.connCtx
	if conn == nil {
		b.mu.Unlock()
		return device.Info{}, nil, fmt.Errorf("bridge: start: %w", device.ErrUnavailable)
	}
	started := make(chan message, 1)
	b.started = started
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.started = nil
		b.mu.Unlock()
	}()

	if err := b.send(ctx, conn, message{Cmd: "start", SampleRate: sampleRate}); err != nil {
		return device.Info{}, nil, fmt.Errorf("bridge: start: %w", err)
	}

	timer := time.NewTimer(b.startTimeout)
	defer timer.Stop()

	var reply message
	select {
	case reply = <-started:
	case <-ctx.Done():
		return device.Info{}, nil, fmt.Errorf("bridge: start: %w", ctx.Err())
	case <-connCtx.Done():
		return device.Info{}, nil, fmt.Errorf("bridge: start: companion disconnected: %w", device.ErrUnavailable)
	case <-timer.C:
		return device.Info{}, nil, errors.New("bridge: start: companion did not confirm")
	}
	if !reply.Success {
		return device.Info{}, nil, fmt.Errorf("bridge: start: companion refused: %s", reply.Error)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.info = device.Info{SampleRate: reply.SampleRate, BufferSize: reply.BufferSize}
	b.chunks = make(chan device.Chunk, 64)
	return b.info, b.chunks, nil
}

// Stop implements [device.Capturer].
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if b.chunks == nil {
		b.mu.Unlock()
		return nil
	}
	b.closeChunksLocked()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.startTimeout)
	defer cancel()
	if err := b.send(ctx, conn, message{Cmd: "stop"}); err != nil {
		return fmt.Errorf("bridge: stop: %w", err)
	}
	return nil
}

func (b *Bridge) closeChunksLocked() {
	if b.chunks != nil {
		close(b.chunks)
		b.chunks = nil
	}
}

func (b *Bridge) send(ctx context.Context, conn *websocket.Conn, msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
