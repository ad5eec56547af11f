package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// SilenceThreshold is the peak amplitude below which a chunk is treated as
// silence by [HasSound].
const SilenceThreshold = 100

// Samples decodes little-endian PCM16 bytes into int16 samples. A trailing
// odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes encodes int16 samples as little-endian PCM16 bytes.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// EncodeBase64 returns the standard base64 encoding of raw PCM bytes, the
// form the realtime API expects in input_audio_buffer.append events.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 reverses [EncodeBase64]. The decoded payload must hold whole
// int16 samples.
func DecodeBase64(s string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: decode base64: odd byte count %d", len(pcm))
	}
	return pcm, nil
}

// PeakAmplitude returns the largest absolute sample value in pcm.
func PeakAmplitude(pcm []byte) int {
	peak := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// HasSound reports whether any sample in pcm exceeds [SilenceThreshold].
// It is a diagnostic for dead or muted microphones.
func HasSound(pcm []byte) bool {
	return PeakAmplitude(pcm) > SilenceThreshold
}
