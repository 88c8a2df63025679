package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/Eden-sudo/umebot/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	// Two max-positive samples should clamp to 32767 (not overflow).
	stereo := samplesToBytes([]int16{32767, 32767})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	if len(got) != 1 {
		t.Fatalf("length mismatch: got %d, want 1", len(got))
	}
	if got[0] != 32767 {
		t.Errorf("got %d, want 32767", got[0])
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 samples at 48kHz (3x)
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.ResampleMono16(pcm, 16000, 48000)
	got := bytesToSamples(out)
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	// First output sample should equal first source sample.
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	// Last output sample should be close to last source sample.
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 6 samples at 48kHz → 2 samples at 16kHz (1/3x)
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.ResampleMono16(pcm, 48000, 16000)
	got := bytesToSamples(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestFloat32ToMono16(t *testing.T) {
	t.Run("mono passthrough", func(t *testing.T) {
		out := audio.Float32ToMono16([]float32{0, 0.5, -0.5, 1, -1}, 1)
		got := bytesToSamples(out)
		want := []int16{0, 16383, -16383, 32767, -32767}
		if len(got) != len(want) {
			t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
			}
		}
	})

	t.Run("stereo averaged", func(t *testing.T) {
		out := audio.Float32ToMono16([]float32{0.5, -0.5, 1, 1}, 2)
		got := bytesToSamples(out)
		want := []int16{0, 32767}
		if len(got) != len(want) {
			t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
			}
		}
	})

	t.Run("clamped above unity", func(t *testing.T) {
		out := audio.Float32ToMono16([]float32{1.7}, 1)
		got := bytesToSamples(out)
		if got[0] != 32767 {
			t.Errorf("got %d, want 32767", got[0])
		}
	})
}

func TestNormalizer_FastPath(t *testing.T) {
	norm := audio.Normalizer{TargetRate: 16000}
	pcm := samplesToBytes([]int16{1, 2, 3})
	chunk := norm.Normalize(audio.Frame{Data: pcm, SampleRate: 16000, Channels: 1})
	if &chunk.Data[0] != &pcm[0] {
		t.Error("expected zero-copy passthrough for matching format")
	}
}

func TestNormalizer_DownmixAndResample(t *testing.T) {
	norm := audio.Normalizer{TargetRate: 16000}
	// 6 stereo frames at 48kHz → 2 mono samples at 16kHz.
	stereo := samplesToBytes([]int16{
		100, 100, 200, 200, 300, 300,
		400, 400, 500, 500, 600, 600,
	})
	chunk := norm.Normalize(audio.Frame{Data: stereo, SampleRate: 48000, Channels: 2})
	if got := len(chunk.Data) / 2; got != 2 {
		t.Fatalf("expected 2 mono samples, got %d", got)
	}
}

func TestNormalizer_OddByteCount(t *testing.T) {
	norm := audio.Normalizer{TargetRate: 16000}
	chunk := norm.Normalize(audio.Frame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
	if !chunk.End() {
		t.Error("misaligned frame should yield a zero-data chunk")
	}
}
