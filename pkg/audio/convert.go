package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Normalizer converts raw [Frame] values to the system chunk format (S16LE
// mono at the target rate). It logs a warning on the first format mismatch
// and validates PCM data alignment.
// Create one per ingestion path; not designed for shared use across goroutines.
type Normalizer struct {
	TargetRate     int
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Normalize converts a frame to S16LE mono at the target rate and wraps it in
// a [Chunk]. If the source format already matches, the data passes through
// unchanged (zero allocation). Conversion order: downmix first, then resample,
// so multichannel data is never resampled.
// A frame with misaligned PCM data yields a zero-data chunk, which callers
// must discard rather than forward (zero-data is the stream-end sentinel).
func (n *Normalizer) Normalize(frame Frame) Chunk {
	// Odd byte count means the buffer is not whole int16 samples.
	if len(frame.Data)%2 != 0 {
		n.warnedCorrupt.Do(func() {
			slog.Warn("audio normalizer: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return Chunk{Timestamp: frame.Timestamp}
	}

	// Fast path: already mono at the target rate.
	if frame.SampleRate == n.TargetRate && frame.Channels == 1 {
		return Chunk{Data: frame.Data, Timestamp: frame.Timestamp}
	}

	n.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", formatString(n.TargetRate, 1),
		)
	})

	pcm := frame.Data
	if frame.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	if frame.SampleRate != n.TargetRate {
		pcm = ResampleMono16(pcm, frame.SampleRate, n.TargetRate)
	}
	return Chunk{Data: pcm, Timestamp: frame.Timestamp}
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	// Each stereo frame is 4 bytes (2 bytes L + 2 bytes R).
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		// Clamp to int16 range.
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// Float32ToMono16 converts interleaved float32 samples in [-1, 1] (as
// delivered by capture callbacks) to S16LE mono PCM, averaging across
// channels. Out-of-range samples are clamped.
func Float32ToMono16(samples []float32, channels int) []byte {
	if channels < 1 {
		return nil
	}
	frames := len(samples) / channels
	out := make([]byte, frames*2)
	for i := range frames {
		var sum float64
		for ch := range channels {
			sum += float64(samples[i*channels+ch])
		}
		v := sum / float64(channels)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		s := int16(v * 32767)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
