// Package device defines the interfaces for local audio hardware used by the
// game host: microphone capture, agent audio playback and the push-to-talk
// key found on TV remotes and handheld controllers.
//
// Capture is modelled on a native microphone facility: the caller asks it to
// start at a sample rate, receives raw PCM16 chunks on a channel, and stops it
// when the utterance ends. Concrete backends live in sub-packages:
//
//   - device/command: runs an external capture or playback command and streams
//     raw PCM over its stdio pipes.
//   - device/bridge: accepts a websocket from a native companion app that owns
//     the microphone and the mic key.
//   - device/mock: in-memory doubles for tests.
//
// All implementations must be safe for concurrent use.
package device

import (
	"context"
	"errors"

	"github.com/MrWong99/partyhost/pkg/audio"
)

// ErrUnavailable is returned by [Capturer.Probe] when no usable microphone is
// present or permission to use it cannot be obtained.
var ErrUnavailable = errors.New("device: microphone unavailable")

// Info describes a started capture.
type Info struct {
	// SampleRate is the rate the device actually delivers, in Hz.
	SampleRate int

	// BufferSize is the size in bytes of each delivered chunk.
	BufferSize int
}

// Chunk is one block of captured audio.
type Chunk struct {
	// PCM holds 16-bit little-endian mono samples.
	PCM []byte

	// SamplesRead is the number of samples in PCM.
	SamplesRead int
}

// Capturer is a microphone.
type Capturer interface {
	// Probe checks that capture could start without starting it. It returns an
	// error wrapping [ErrUnavailable] when the device is missing or access is
	// denied.
	Probe(ctx context.Context) error

	// Start begins capturing mono PCM16 at sampleRate. Chunks arrive on the
	// returned channel, which is closed after Stop or when the device fails.
	// Starting an already running capture returns the running capture's info
	// and channel.
	Start(ctx context.Context, sampleRate int) (Info, <-chan Chunk, error)

	// Stop ends the current capture. Stopping an idle capturer is a no-op.
	Stop() error
}

// KeyEventType is the transition reported by a [KeySource].
type KeyEventType string

const (
	// KeyDown means the push-to-talk key was pressed.
	KeyDown KeyEventType = "down"

	// KeyUp means the push-to-talk key was released.
	KeyUp KeyEventType = "up"
)

// KeyEvent is a push-to-talk key transition.
type KeyEvent struct {
	Type KeyEventType
}

// KeySource delivers push-to-talk key transitions. Repeated downs while the
// key is held are suppressed, so consumers always see down and up alternate.
type KeySource interface {
	Keys() <-chan KeyEvent
}

// Player plays agent audio.
type Player interface {
	// Play blocks, writing frames from in to the output device until in is
	// closed or ctx is cancelled.
	Play(ctx context.Context, in <-chan audio.AudioFrame) error
}
