package audio

import (
	"encoding/binary"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono24k is the realtime API's PCM16 format.
var Mono24k = Format{SampleRate: RealtimeSampleRate, Channels: 1}

// Format returns the frame's format.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Convert returns frame re-encoded to target. Resampling runs before channel
// conversion so stereo sources are downmixed once. Frames already in the
// target format are returned as is. Frames with an odd byte count are
// truncated to whole samples.
func Convert(frame AudioFrame, target Format) AudioFrame {
	if frame.Format() == target {
		return frame
	}
	pcm := frame.Data[:len(frame.Data)&^1]
	channels := frame.Channels

	if channels == 2 && target.Channels == 1 {
		pcm = StereoToMono(pcm)
		channels = 1
	}
	if frame.SampleRate != target.SampleRate {
		if channels == 1 {
			pcm = Resample(pcm, frame.SampleRate, target.SampleRate)
		} else {
			pcm = MonoToStereo(Resample(StereoToMono(pcm), frame.SampleRate, target.SampleRate))
		}
	}
	if channels == 1 && target.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: target.SampleRate,
		Channels:   target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// MonoToStereo copies every mono sample into both channels.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		copy(out[i*4:i*4+2], pcm[i*2:i*2+2])
		copy(out[i*4+2:i*4+4], pcm[i*2:i*2+2])
	}
	return out
}

// StereoToMono averages left and right samples of every frame.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}

// Resample converts mono PCM16 from srcRate to dstRate with linear
// interpolation. Invalid rates return pcm unchanged.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := Samples(pcm)
	n := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	dst := make([]int16, n)
	step := float64(srcRate) / float64(dstRate)
	last := len(src) - 1
	for i := range dst {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			dst[i] = src[last]
			continue
		}
		frac := pos - float64(idx)
		dst[i] = int16(float64(src[idx])*(1-frac) + float64(src[idx+1])*frac)
	}
	return Bytes(dst)
}
