// Package audio implements the ingestion layer that feeds the recognition
// pipeline: capture from a local microphone, raw PCM streamed by the robot
// over TCP, and a multiplexer that guarantees a single coherent chunk stream.
//
// The three primary abstractions are:
//
//   - [Source] — a producer of normalized [Chunk] values with a lifecycle.
//   - [CapturePlatform] — the host audio layer the local-mic source runs on.
//   - [Mux] — owns the active source and switches between sources without
//     ever interleaving chunks from two of them.
//
// This package lives under pkg/ because alternative platform adapters
// (host audio libraries, test harnesses) are expected to implement
// [CapturePlatform] and [Source].
package audio

import (
	"context"
	"errors"
)

// SourceKind identifies which ingestion path feeds the recognition pipeline.
type SourceKind string

const (
	// SourceLocal is the local microphone capture path.
	SourceLocal SourceKind = "local"

	// SourceRobot is the robot's TCP audio stream.
	SourceRobot SourceKind = "robot"

	// SourceNone means no audio is being ingested.
	SourceNone SourceKind = "none"
)

// IsValid reports whether the source kind is one of the known values.
func (s SourceKind) IsValid() bool {
	switch s {
	case SourceLocal, SourceRobot, SourceNone:
		return true
	}
	return false
}

// ErrSourceUnavailable is returned by a [Source] when it cannot start,
// e.g. no matching capture device was found after all retry attempts.
var ErrSourceUnavailable = errors.New("audio source unavailable")

// Source produces normalized audio chunks from one ingestion path.
//
// Start and Stop are idempotent. The Chunks channel is closed when the
// source stops for good; a zero-data [Chunk] on the channel is a stream-end
// sentinel (the transport ended but the source may accept a new connection).
//
// A Source is owned by a single [Mux]; its methods are not required to be
// safe for concurrent use except where documented.
type Source interface {
	// Start begins producing chunks. The supplied ctx governs the lifetime
	// of the startup attempt only; once running, the source remains alive
	// until Stop is called.
	Start(ctx context.Context) error

	// Stop terminates ingestion and closes the Chunks channel after the
	// last produced chunk. Calling Stop more than once is safe.
	Stop() error

	// Chunks returns the output channel of normalized chunks. The channel
	// is created at construction so callers may grab it before Start.
	Chunks() <-chan Chunk

	// Kind identifies the ingestion path this source implements.
	Kind() SourceKind
}
