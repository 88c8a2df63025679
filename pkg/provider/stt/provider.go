// Package stt defines the Recognizer interface for chunk-fed streaming
// speech recognition engines.
//
// A recognizer is the stateful core of the recognition pipeline: it is fed
// S16LE mono PCM chunks one at a time and maintains an evolving hypothesis
// for the current utterance segment. The surface is deliberately small —
// accept a chunk, read the partial hypothesis, read the committed segment
// text, flush — so that batch engines (whisper.cpp) and true streaming
// engines can sit behind the same interface.
//
// Recognizers are single-threaded by contract: the recognition pipeline
// owns exactly one worker per recognizer and never calls it concurrently.
// Engines, by contrast, must be safe for concurrent use; multiple
// recognizers may be created from one engine.
package stt

import "errors"

// ErrClosed is returned by Accept after the recognizer has been closed.
var ErrClosed = errors.New("recognizer is closed")

// StreamConfig describes the audio format and recognition hints for a new
// recognizer. Chunks fed to Accept must match this format.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The system default is 16000.
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g. "es", "en").
	// An empty string lets the engine use its default.
	Language string
}

// Recognizer is an open recognition stream. It is an interface so that test
// code can supply scripted implementations without a live engine.
//
// Not safe for concurrent use; see the package documentation.
type Recognizer interface {
	// Accept feeds one PCM chunk. The returned boolean signals intrinsic
	// segment end: the engine has committed the current utterance segment,
	// whose text is then available via SegmentText. Errors are per-chunk;
	// the recognizer remains usable after a failed Accept.
	Accept(chunk []byte) (segmentEnd bool, err error)

	// Partial returns the current in-progress hypothesis for the segment
	// being recognized. Engines without streaming hypotheses return "".
	Partial() string

	// SegmentText returns the text of the most recently committed segment.
	SegmentText() string

	// Final flushes whatever audio is still buffered, commits it as a last
	// segment and returns its text. Used for forced finalization on silence
	// timeout or source switch. May return "".
	Final() string

	// Reset discards all buffered audio and hypothesis state.
	Reset()

	// Close releases engine resources held by this recognizer. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for recognizers. It is the top-level interface
// implemented by each recognition backend.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewRecognizer creates a recognizer with the given configuration,
	// immediately ready to accept audio. Returns an error if the
	// configuration is unsupported or resources cannot be allocated.
	NewRecognizer(cfg StreamConfig) (Recognizer, error)
}
