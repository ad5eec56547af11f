package audio_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/partyhost/pkg/audio"
)

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	got := audio.Samples(audio.MonoToStereo(audio.Bytes([]int16{100, 200, 300})))
	want := []int16{100, 100, 200, 200, 300, 300}
	if !slices.Equal(got, want) {
		t.Errorf("MonoToStereo = %v; want %v", got, want)
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	got := audio.Samples(audio.StereoToMono(audio.Bytes([]int16{100, 200, -100, -200})))
	want := []int16{150, -150}
	if !slices.Equal(got, want) {
		t.Errorf("StereoToMono = %v; want %v", got, want)
	}
}

func TestStereoToMono_NoOverflow(t *testing.T) {
	t.Parallel()
	got := audio.Samples(audio.StereoToMono(audio.Bytes([]int16{32767, 32767})))
	if len(got) != 1 || got[0] != 32767 {
		t.Errorf("StereoToMono = %v; want [32767]", got)
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	t.Run("same rate", func(t *testing.T) {
		pcm := audio.Bytes([]int16{100, 200, 300})
		if out := audio.Resample(pcm, 24000, 24000); len(out) != len(pcm) {
			t.Fatalf("length = %d; want %d", len(out), len(pcm))
		}
	})

	t.Run("upsample", func(t *testing.T) {
		// 2 samples at 8 kHz -> 6 samples at 24 kHz.
		got := audio.Samples(audio.Resample(audio.Bytes([]int16{1000, 2000}), 8000, 24000))
		if len(got) != 6 {
			t.Fatalf("samples = %d; want 6", len(got))
		}
		if got[0] != 1000 {
			t.Errorf("first sample = %d; want 1000", got[0])
		}
		if last := got[len(got)-1]; last < 1800 || last > 2200 {
			t.Errorf("last sample = %d; want close to 2000", last)
		}
	})

	t.Run("downsample", func(t *testing.T) {
		got := audio.Samples(audio.Resample(audio.Bytes([]int16{100, 200, 300, 400, 500, 600}), 24000, 8000))
		if len(got) != 2 {
			t.Fatalf("samples = %d; want 2", len(got))
		}
	})

	t.Run("zero rate", func(t *testing.T) {
		pcm := audio.Bytes([]int16{1, 2})
		if out := audio.Resample(pcm, 0, 24000); len(out) != len(pcm) {
			t.Errorf("zero source rate changed length to %d", len(out))
		}
		if out := audio.Resample(pcm, 24000, 0); len(out) != len(pcm) {
			t.Errorf("zero target rate changed length to %d", len(out))
		}
	})
}

func TestConvert_NoOp(t *testing.T) {
	t.Parallel()
	frame := audio.AudioFrame{Data: audio.Bytes([]int16{100, 200}), SampleRate: 24000, Channels: 1}
	got := audio.Convert(frame, audio.Mono24k)
	if &got.Data[0] != &frame.Data[0] {
		t.Error("Convert copied a frame already in the target format")
	}
}

func TestConvert_StereoFortyEightToMono24k(t *testing.T) {
	t.Parallel()
	// 4 stereo frames at 48 kHz -> 2 mono samples at 24 kHz.
	frame := audio.AudioFrame{
		Data:       audio.Bytes([]int16{100, 300, 100, 300, 500, 700, 500, 700}),
		SampleRate: 48000,
		Channels:   2,
	}
	got := audio.Convert(frame, audio.Mono24k)
	if got.SampleRate != 24000 || got.Channels != 1 {
		t.Fatalf("format = %d/%d", got.SampleRate, got.Channels)
	}
	samples := audio.Samples(got.Data)
	if len(samples) != 2 {
		t.Fatalf("samples = %v", samples)
	}
	if samples[0] != 200 {
		t.Errorf("first sample = %d; want 200", samples[0])
	}
}

func TestConvert_MonoToStereo(t *testing.T) {
	t.Parallel()
	frame := audio.AudioFrame{Data: audio.Bytes([]int16{7, 9}), SampleRate: 24000, Channels: 1}
	got := audio.Convert(frame, audio.Format{SampleRate: 24000, Channels: 2})
	if want := []int16{7, 7, 9, 9}; !slices.Equal(audio.Samples(got.Data), want) {
		t.Errorf("samples = %v; want %v", audio.Samples(got.Data), want)
	}
}

func TestConvert_OddByteCountTruncated(t *testing.T) {
	t.Parallel()
	frame := audio.AudioFrame{Data: []byte{1, 0, 2}, SampleRate: 24000, Channels: 1}
	got := audio.Convert(frame, audio.Format{SampleRate: 24000, Channels: 2})
	if len(got.Data) != 4 {
		t.Errorf("len = %d; want 4", len(got.Data))
	}
}

func TestAudioFrame_Duration(t *testing.T) {
	t.Parallel()
	// 24000 samples of mono PCM16 is one second.
	frame := audio.AudioFrame{Data: make([]byte, 48000), SampleRate: 24000, Channels: 1}
	if d := frame.Duration(); d.Seconds() != 1 {
		t.Errorf("Duration = %v; want 1s", d)
	}
}
