// Package vad abstracts voice activity detection engines. The recognition
// pipeline classifies every frame of the microphone stream before it reaches
// the transcriber: speech frames open a segment that gets transcribed, and
// the speech/silence edges drive the orchestrator's "wait a moment" notice
// while the robot is busy answering.
//
// Detection is stateful per audio stream, so engines hand out sessions. An
// Engine may be shared freely; a single session belongs to one stream and
// one goroutine.
package vad

// Config tunes one detection session.
type Config struct {
	// SampleRate of the PCM frames, in Hz. Must match the capture source
	// (the robot head microphone delivers 16000).
	SampleRate int

	// FrameSizeMs is the fixed frame duration the model expects, typically
	// 10, 20 or 30 ms. ProcessFrame rejects frames of any other size.
	FrameSizeMs int

	// SpeechThreshold is the probability at which a frame counts as speech.
	// Raising it trades detection latency for fewer false starts.
	SpeechThreshold float64

	// SilenceThreshold ends an active speech segment when the probability
	// drops below it. Must not exceed SpeechThreshold.
	SilenceThreshold float64
}

// SessionHandle is one stream's detection state: smoothing history and
// hangover counters live here, isolated from other sessions. Not safe for
// concurrent use unless the engine documents otherwise.
type SessionHandle interface {
	// ProcessFrame classifies one little-endian PCM frame of the configured
	// size and rate. It never blocks; the pipeline calls it inline for
	// every frame of the chunk stream.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset drops accumulated state without closing the session, for when
	// the audio source is switched mid-stream.
	Reset()

	// Close releases the session. Idempotent.
	Close() error
}

// Engine creates detection sessions. Safe for concurrent use.
type Engine interface {
	// NewSession returns a session ready for frames, or an error when cfg
	// is out of the engine's supported range.
	NewSession(cfg Config) (SessionHandle, error)
}
