// Package mock provides in-memory implementations of the [device.Capturer],
// [device.KeySource] and [device.Player] interfaces for unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on counts, and expose exported fields that control return values.
//
// Typical usage:
//
//	mic := &mock.Capturer{}
//	info, chunks, err := mic.Start(ctx, 24000)
//	mic.Emit([]byte{0x01, 0x00})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/partyhost/pkg/audio"
	"github.com/MrWong99/partyhost/pkg/audio/device"
)

// Capturer is a mock [device.Capturer].
type Capturer struct {
	mu sync.Mutex

	// ProbeError is returned by Probe.
	ProbeError error

	// StartError is returned by Start. When set, capture does not start.
	StartError error

	// BufferSize is reported in the Info returned by Start. Default 4096.
	BufferSize int

	// ProbeCalls, StartCalls and StopCalls count invocations.
	ProbeCalls int
	StartCalls int
	StopCalls  int

	// SampleRates records the sample rate of every Start call.
	SampleRates []int

	chunks chan device.Chunk
}

// Probe implements [device.Capturer].
func (c *Capturer) Probe(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ProbeCalls++
	return c.ProbeError
}

// Start implements [device.Capturer].
func (c *Capturer) Start(_ context.Context, sampleRate int) (device.Info, <-chan device.Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartCalls++
	c.SampleRates = append(c.SampleRates, sampleRate)
	if c.StartError != nil {
		return device.Info{}, nil, c.StartError
	}
	size := c.BufferSize
	if size == 0 {
		size = 4096
	}
	if c.chunks == nil {
		c.chunks = make(chan device.Chunk, 64)
	}
	return device.Info{SampleRate: sampleRate, BufferSize: size}, c.chunks, nil
}

// Stop implements [device.Capturer]. It closes the chunk channel.
func (c *Capturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StopCalls++
	if c.chunks != nil {
		close(c.chunks)
		c.chunks = nil
	}
	return nil
}

// Active reports whether a capture is running.
func (c *Capturer) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunks != nil
}

// Emit delivers pcm as one chunk. It reports false when no capture is running.
func (c *Capturer) Emit(pcm []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chunks == nil {
		return false
	}
	c.chunks <- device.Chunk{PCM: pcm, SamplesRead: len(pcm) / 2}
	return true
}

// KeySource is a mock [device.KeySource] fed by Press and Release.
type KeySource struct {
	once sync.Once
	ch   chan device.KeyEvent
}

func (k *KeySource) init() {
	k.once.Do(func() { k.ch = make(chan device.KeyEvent, 16) })
}

// Keys implements [device.KeySource].
func (k *KeySource) Keys() <-chan device.KeyEvent {
	k.init()
	return k.ch
}

// Press emits a key down event.
func (k *KeySource) Press() {
	k.init()
	k.ch <- device.KeyEvent{Type: device.KeyDown}
}

// Release emits a key up event.
func (k *KeySource) Release() {
	k.init()
	k.ch <- device.KeyEvent{Type: device.KeyUp}
}

// Player is a mock [device.Player] that collects played frames.
type Player struct {
	mu     sync.Mutex
	Frames []audio.AudioFrame
}

// Play implements [device.Player].
func (p *Player) Play(ctx context.Context, in <-chan audio.AudioFrame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-in:
			if !ok {
				return nil
			}
			p.mu.Lock()
			p.Frames = append(p.Frames, f)
			p.mu.Unlock()
		}
	}
}

// Played returns a copy of the collected frames.
func (p *Player) Played() []audio.AudioFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]audio.AudioFrame(nil), p.Frames...)
}
