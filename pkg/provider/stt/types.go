package stt

// TranscriptKind distinguishes lossy in-progress updates from commit points.
type TranscriptKind int

const (
	// KindPartial is an in-progress hypothesis; later partials supersede it.
	KindPartial TranscriptKind = iota

	// KindFinal is a committed segment; finals are never revised.
	KindFinal
)

// String returns the human-readable name of the transcript kind.
func (k TranscriptKind) String() string {
	switch k {
	case KindPartial:
		return "partial"
	case KindFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Transcript is a recognition result emitted by the pipeline.
type Transcript struct {
	// Text is the recognized speech content.
	Text string

	// Kind marks the transcript as partial or final.
	Kind TranscriptKind

	// SourceTag names the audio source the text was recognized from
	// (e.g. "local", "robot").
	SourceTag string
}
