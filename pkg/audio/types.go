package audio

import "time"

// RealtimeSampleRate is the PCM16 sample rate the remote agent expects for
// input audio and produces for output audio.
const RealtimeSampleRate = 24000

// AudioFrame is one chunk of PCM16 little-endian audio moving between a
// capture device, the realtime transport and the playback sink.
type AudioFrame struct {
	// Data holds interleaved int16 samples in little-endian byte order.
	Data []byte

	// SampleRate in Hz (24000 for the realtime API, 48000 for Opus tracks).
	SampleRate int

	// Channels is 1 for mono and 2 for stereo.
	Channels int

	// Timestamp marks when the frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame. Frames with an unknown
// format report zero.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
