// Package mock provides in-memory implementations of [realtime.Dialer] and
// [realtime.Conn] for unit tests.
//
// A [Conn] records every outbound event and every mute toggle in a single
// ordered log, so tests can assert on the interleaving of track gating and
// buffer control events. Inbound events are injected with [Conn.Push].
//
// Typical usage:
//
//	d := &mock.Dialer{}
//	conn, _ := d.Dial(ctx, cfg)
//	d.Last().MarkReady()
//	d.Last().Push(realtime.ServerEvent{Type: realtime.EventSessionCreated})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/partyhost/pkg/realtime"
)

var (
	_ realtime.Dialer = (*Dialer)(nil)
	_ realtime.Conn   = (*Conn)(nil)
)

// Entry is one record in a connection's call log. Exactly one of Event or
// Mute is meaningful, as indicated by Kind.
type Entry struct {
	Kind  EntryKind
	Event realtime.ClientEvent
	Mute  bool
}

// EntryKind distinguishes log entries.
type EntryKind int

const (
	// KindSend records a Send call.
	KindSend EntryKind = iota

	// KindMute records a Mute call on a connection with a track.
	KindMute
)

// Label returns a compact description used in test failure output:
// the event type for sends, "mute" or "unmute" for mute toggles.
func (e Entry) Label() string {
	if e.Kind == KindMute {
		if e.Mute {
			return "mute"
		}
		return "unmute"
	}
	return e.Event.Type()
}

// Dialer is a mock [realtime.Dialer]. Every successful Dial creates a new
// [Conn].
type Dialer struct {
	mu sync.Mutex

	// DialError is returned by Dial when non-nil.
	DialError error

	// AutoReady marks every new connection ready immediately.
	AutoReady bool

	// Block makes Dial wait until its context is cancelled or Unblock is
	// called.
	Block bool

	unblock chan struct{}
	conns   []*Conn
	configs []realtime.DialConfig
}

// Dial implements [realtime.Dialer].
func (d *Dialer) Dial(ctx context.Context, cfg realtime.DialConfig) (realtime.Conn, error) {
	d.mu.Lock()
	d.configs = append(d.configs, cfg)
	block := d.Block
	if block && d.unblock == nil {
		d.unblock = make(chan struct{})
	}
	unblock := d.unblock
	dialErr := d.DialError
	autoReady := d.AutoReady
	d.mu.Unlock()

	if block {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-unblock:
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	c := NewConn(cfg.Microphone != nil)
	if autoReady {
		c.MarkReady()
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// Unblock releases Dial calls waiting because of Block.
func (d *Dialer) Unblock() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Block = false
	if d.unblock != nil {
		close(d.unblock)
		d.unblock = nil
	}
}

// Conns returns every connection dialled so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Configs returns the DialConfig of every Dial call.
func (d *Dialer) Configs() []realtime.DialConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]realtime.DialConfig(nil), d.configs...)
}

// Conn is a mock [realtime.Conn].
type Conn struct {
	mu sync.Mutex

	// SendError is returned by Send when non-nil.
	SendError error

	track   bool
	muted   bool
	closed  bool
	errVal  error
	log     []Entry
	changed chan struct{}

	events    chan realtime.ServerEvent
	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
}

// NewConn returns a connection. withTrack controls [Conn.HasAudioTrack].
func NewConn(withTrack bool) *Conn {
	return &Conn{
		track:   withTrack,
		muted:   true,
		changed: make(chan struct{}),
		events:  make(chan realtime.ServerEvent, 64),
		ready:   make(chan struct{}),
	}
}

// Send implements [realtime.Conn].
func (c *Conn) Send(_ context.Context, evt realtime.ClientEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return realtime.ErrClosed
	}
	if c.SendError != nil {
		return c.SendError
	}
	c.appendLocked(Entry{Kind: KindSend, Event: evt})
	return nil
}

// Events implements [realtime.Conn].
func (c *Conn) Events() <-chan realtime.ServerEvent { return c.events }

// Ready implements [realtime.Conn].
func (c *Conn) Ready() <-chan struct{} { return c.ready }

// HasAudioTrack implements [realtime.Conn].
func (c *Conn) HasAudioTrack() bool { return c.track }

// Mute implements [realtime.Conn].
func (c *Conn) Mute(muted bool) {
	if !c.track {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
	c.appendLocked(Entry{Kind: KindMute, Mute: muted})
}

// Muted implements [realtime.Conn].
func (c *Conn) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Err implements [realtime.Conn].
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close implements [realtime.Conn].
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.events)
	})
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// MarkReady closes the Ready channel.
func (c *Conn) MarkReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// Push delivers an inbound event. It panics if the connection is closed.
func (c *Conn) Push(evt realtime.ServerEvent) {
	c.events <- evt
}

// Drop simulates the remote side ending the connection with err.
func (c *Conn) Drop(err error) {
	if err == nil {
		err = errors.New("mock: connection dropped")
	}
	c.mu.Lock()
	c.errVal = err
	c.mu.Unlock()
	c.Close()
}

// Log returns a copy of the call log.
func (c *Conn) Log() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.log...)
}

// Labels returns [Entry.Label] of every log entry.
func (c *Conn) Labels() []string {
	log := c.Log()
	out := make([]string, len(log))
	for i, e := range log {
		out[i] = e.Label()
	}
	return out
}

// Sent returns every sent event, in order.
func (c *Conn) Sent() []realtime.ClientEvent {
	var out []realtime.ClientEvent
	for _, e := range c.Log() {
		if e.Kind == KindSend {
			out = append(out, e.Event)
		}
	}
	return out
}

// SentOfType returns every sent event with the given type.
func (c *Conn) SentOfType(typ string) []realtime.ClientEvent {
	var out []realtime.ClientEvent
	for _, e := range c.Sent() {
		if e.Type() == typ {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until at least n events of type typ were sent or ctx ends.
func (c *Conn) WaitFor(ctx context.Context, typ string, n int) ([]realtime.ClientEvent, error) {
	for {
		c.mu.Lock()
		changed := c.changed
		c.mu.Unlock()

		if got := c.SentOfType(typ); len(got) >= n {
			return got, nil
		}
		select {
		case <-ctx.Done():
			return c.SentOfType(typ), ctx.Err()
		case <-changed:
		}
	}
}

// Reset clears the call log.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = nil
}

func (c *Conn) appendLocked(e Entry) {
	c.log = append(c.log, e)
	close(c.changed)
	c.changed = make(chan struct{})
}
