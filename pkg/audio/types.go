package audio

import "time"

// Chunk is the normalized unit of audio flowing into the recognition
// pipeline: 16-bit signed little-endian PCM, mono, at the system sample
// rate. Chunks are created by a [Source], consumed exactly once downstream,
// and never retained.
type Chunk struct {
	// PCM audio data, S16LE mono at the system rate. A zero-length Data
	// slice is the stream-end sentinel: it signals that the producing
	// source terminated (e.g. the robot client disconnected) so downstream
	// consumers can finalize the current utterance promptly.
	Data []byte

	// Timestamp marks when this chunk was captured, relative to source start.
	Timestamp time.Duration
}

// End reports whether the chunk is a stream-end sentinel.
func (c Chunk) End() bool { return len(c.Data) == 0 }

// Frame is a raw interleaved S16LE buffer as delivered by an ingestion path
// before normalization (downmix + resample) to the system format.
type Frame struct {
	// Interleaved S16LE PCM data.
	Data []byte

	// SampleRate in Hz of the raw data.
	SampleRate int

	// Channels of the raw data. 1 = mono, 2 = stereo interleaved.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}
