// Package capture implements push-to-talk over one of two mutually exclusive
// microphone backends.
//
// [Software] uses the realtime transport's own outbound audio track: a turn
// unmutes the track and a release mutes it again. [Native] drives a separate
// [device.Capturer] and forwards each PCM16 chunk to the agent as an
// input_audio_buffer.append event; the transport then carries no track at
// all. The backend is chosen once by [Select] and never changes for the
// lifetime of a [Multiplexer].
package capture

import (
	"context"
	"log/slog"

	"github.com/MrWong99/partyhost/pkg/audio/device"
)

// Backend is one of [Software] or [Native]. The set is closed.
type Backend interface {
	// Name returns "software" or "native".
	Name() string

	sealed()
}

// Software captures through the transport's outbound track.
type Software struct{}

// Name implements [Backend].
func (Software) Name() string { return "software" }

func (Software) sealed() {}

// Native captures through a dedicated device.
type Native struct {
	Capturer device.Capturer
}

// Name implements [Backend].
func (Native) Name() string { return "native" }

func (Native) sealed() {}

// Select returns [Native] when native capture is enabled, a capturer is
// available and it probes successfully; otherwise [Software].
func Select(ctx context.Context, capturer device.Capturer, enabled bool) Backend {
	if !enabled || capturer == nil {
		return Software{}
	}
	if err := capturer.Probe(ctx); err != nil {
		slog.Warn("capture: native microphone unavailable, using software capture", "err", err)
		return Software{}
	}
	return Native{Capturer: capturer}
}

// IsNative reports whether b is the native backend.
func IsNative(b Backend) bool {
	_, ok := b.(Native)
	return ok
}
