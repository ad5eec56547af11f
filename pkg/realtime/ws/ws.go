// Package ws implements [realtime.Dialer] over a WebSocket connection to the
// OpenAI Realtime endpoint.
//
// Events are exchanged as JSON text frames. The outbound microphone track is
// emulated: while unmuted, captured PCM16 chunks are streamed as
// input_audio_buffer.append events; while muted they are discarded. Agent
// speech arrives as response.audio.delta events and is decoded into the
// configured output channel. Readiness is signalled when the server confirms
// the session with session.created.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/partyhost/pkg/audio"
	"github.com/MrWong99/partyhost/pkg/audio/device"
	"github.com/MrWong99/partyhost/pkg/realtime"
)

// Compile-time assertions that Dialer and conn satisfy the realtime interfaces.
var (
	_ realtime.Dialer = (*Dialer)(nil)
	_ realtime.Conn   = (*conn)(nil)
)

const (
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	readLimit      = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(d *Dialer) { d.baseURL = u }
}

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens realtime connections over WebSocket.
type Dialer struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Dialer.
func New(opts ...Option) *Dialer {
	d := &Dialer{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial implements [realtime.Dialer]. The handshake, the initial
// session.update and, when a microphone is configured, the capture start all
// happen before Dial returns.
func (d *Dialer) Dial(ctx context.Context, cfg realtime.DialConfig) (realtime.Conn, error) {
	if cfg.EphemeralKey == "" {
		return nil, errors.New("ws: empty ephemeral key")
	}
	wsURL := d.baseURL
	if cfg.Model != "" {
		wsURL += "?model=" + url.QueryEscape(cfg.Model)
	}

	wc, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.EphemeralKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ws: dial: %w", err)
	}
	wc.SetReadLimit(readLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     wc,
		codec:  cfg.Codec,
		output: cfg.Output,
		events: make(chan realtime.ServerEvent, 64),
		ready:  make(chan struct{}),
		muted:  true,
		ctx:    connCtx,
		cancel: cancel,
	}

	params := cfg.Session
	format := realtime.AudioFormatForCodec(cfg.Codec)
	if params.InputAudioFormat == "" {
		params.InputAudioFormat = format
	}
	if params.OutputAudioFormat == "" {
		params.OutputAudioFormat = format
	}
	if err := c.Send(ctx, realtime.UpdateSession(params)); err != nil {
		c.Close()
		return nil, fmt.Errorf("ws: session update: %w", err)
	}

	if cfg.Microphone != nil {
		_, chunks, err := cfg.Microphone.Start(ctx, audio.RealtimeSampleRate)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("ws: start microphone: %w", err)
		}
		c.mic = cfg.Microphone
		c.wg.Add(1)
		go c.pumpMicrophone(chunks)
	}

	c.wg.Add(1)
	go c.receiveLoop()

	return c, nil
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	codec  realtime.Codec
	output chan<- audio.AudioFrame
	mic    device.Capturer
	events chan realtime.ServerEvent

	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	muted  bool
	closed bool
	errVal error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (c *conn) receiveLoop() {
	defer c.wg.Done()
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.setErr(fmt.Errorf("ws: read: %w", err))
			}
			return
		}

		evt, err := realtime.ParseServerEvent(data)
		if err != nil {
			slog.Debug("ws: ignoring malformed server event", "err", err)
			continue
		}

		switch evt.Type {
		case realtime.EventSessionCreated, realtime.EventSessionUpdated:
			c.readyOnce.Do(func() { close(c.ready) })
		case realtime.EventResponseAudioDelta:
			c.playDelta(evt.Delta)
			continue
		}

		select {
		case c.events <- evt:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) playDelta(delta string) {
	if c.output == nil || delta == "" {
		return
	}
	frame, err := decodeAudio(c.codec, delta)
	if err != nil {
		slog.Debug("ws: dropping undecodable audio delta", "err", err)
		return
	}
	select {
	case c.output <- frame:
	default:
	}
}

// pumpMicrophone streams captured audio while the track is unmuted.
func (c *conn) pumpMicrophone(chunks <-chan device.Chunk) {
	defer c.wg.Done()
	for chunk := range chunks {
		if c.Muted() {
			continue
		}
		payload := encodeAudio(c.codec, chunk.PCM)
		if err := c.Send(c.ctx, realtime.AppendInputAudio(payload)); err != nil {
			if !errors.Is(err, realtime.ErrClosed) && c.ctx.Err() == nil {
				slog.Warn("ws: microphone append failed", "err", err)
			}
		}
	}
}

// Send implements [realtime.Conn].
func (c *conn) Send(ctx context.Context, evt realtime.ClientEvent) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return realtime.ErrClosed
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("ws: marshal %s: %w", evt.Type(), err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("ws: write %s: %w", evt.Type(), err)
	}
	return nil
}

// Events implements [realtime.Conn].
func (c *conn) Events() <-chan realtime.ServerEvent { return c.events }

// Ready implements [realtime.Conn].
func (c *conn) Ready() <-chan struct{} { return c.ready }

// HasAudioTrack implements [realtime.Conn].
func (c *conn) HasAudioTrack() bool { return c.mic != nil }

// Mute implements [realtime.Conn].
func (c *conn) Mute(muted bool) {
	if c.mic == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
}

// Muted implements [realtime.Conn].
func (c *conn) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Err implements [realtime.Conn].
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

func (c *conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

// Close implements [realtime.Conn]. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.mic != nil {
		if err := c.mic.Stop(); err != nil {
			slog.Warn("ws: stop microphone", "err", err)
		}
	}
	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "session closed")

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("ws: timed out waiting for connection goroutines")
	}
	return nil
}

// encodeAudio converts 24 kHz PCM16 to the session's input format and
// base64-encodes it.
func encodeAudio(codec realtime.Codec, pcm []byte) string {
	switch codec {
	case realtime.CodecPCMU:
		return audio.EncodeBase64(audio.MuLawEncode(audio.Resample(pcm, audio.RealtimeSampleRate, 8000)))
	case realtime.CodecPCMA:
		return audio.EncodeBase64(audio.ALawEncode(audio.Resample(pcm, audio.RealtimeSampleRate, 8000)))
	default:
		return audio.EncodeBase64(pcm)
	}
}

// decodeAudio turns an audio delta into a 24 kHz mono frame.
func decodeAudio(codec realtime.Codec, delta string) (audio.AudioFrame, error) {
	var pcm []byte
	switch codec {
	case realtime.CodecPCMU, realtime.CodecPCMA:
		raw, err := base64.StdEncoding.DecodeString(delta)
		if err != nil {
			return audio.AudioFrame{}, err
		}
		if codec == realtime.CodecPCMU {
			pcm = audio.MuLawDecode(raw)
		} else {
			pcm = audio.ALawDecode(raw)
		}
		pcm = audio.Resample(pcm, 8000, audio.RealtimeSampleRate)
	default:
		var err error
		pcm, err = audio.DecodeBase64(delta)
		if err != nil {
			return audio.AudioFrame{}, err
		}
	}
	return audio.AudioFrame{Data: pcm, SampleRate: audio.RealtimeSampleRate, Channels: 1}, nil
}
