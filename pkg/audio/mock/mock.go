// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.CapturePlatform] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource(audio.SourceLocal)
//	src.Emit(audio.Chunk{Data: pcm})
//	src.Finish()
package mock

import (
	"context"
	"sync"

	"github.com/Eden-sudo/umebot/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Chunks are injected by
// the test via [Source.Emit]; [Source.Finish] or Stop closes the stream.
type Source struct {
	mu sync.Mutex

	// StartError is returned by [Source.Start].
	StartError error

	// StopError is returned by the first [Source.Stop] call.
	StopError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	kind   audio.SourceKind
	out    chan audio.Chunk
	closed bool
}

var _ audio.Source = (*Source)(nil)

// NewSource creates a mock source of the given kind with a buffered chunk
// channel.
func NewSource(kind audio.SourceKind) *Source {
	return &Source{kind: kind, out: make(chan audio.Chunk, 64)}
}

// Start implements [audio.Source]. Records the call and returns StartError.
func (s *Source) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	return s.StartError
}

// Stop implements [audio.Source]. Closes the chunk channel on first call.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.out)
	return s.StopError
}

// Chunks implements [audio.Source].
func (s *Source) Chunks() <-chan audio.Chunk { return s.out }

// Kind implements [audio.Source].
func (s *Source) Kind() audio.SourceKind { return s.kind }

// Emit injects a chunk into the source's stream. Panics if the source was
// already stopped; tests control the ordering.
func (s *Source) Emit(chunk audio.Chunk) {
	s.out <- chunk
}

// Finish closes the chunk stream without counting as a Stop call, simulating
// a source that ran out of data on its own.
func (s *Source) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// ─── CapturePlatform ──────────────────────────────────────────────────────────

// OpenStreamCall records the arguments of a single
// [CapturePlatform.OpenStream] invocation.
type OpenStreamCall struct {
	DeviceID   int
	SampleRate int
	Channels   int
}

// CaptureStream is a mock implementation of [audio.CaptureStream]. The test
// drives the capture callback via [CaptureStream.Push].
type CaptureStream struct {
	mu sync.Mutex

	// CloseError is returned by the first [CaptureStream.Close] call.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	cb     func([]float32)
	closed bool
}

// Close implements [audio.CaptureStream].
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	return s.CloseError
}

// Push delivers samples through the capture callback, simulating the host
// audio thread. No-op after Close.
func (s *CaptureStream) Push(samples []float32) {
	s.mu.Lock()
	cb := s.cb
	closed := s.closed
	s.mu.Unlock()
	if cb != nil && !closed {
		cb(samples)
	}
}

// CapturePlatform is a mock implementation of [audio.CapturePlatform].
type CapturePlatform struct {
	mu sync.Mutex

	// DeviceList is returned by [CapturePlatform.Devices].
	DeviceList []audio.Device

	// DevicesError is returned by [CapturePlatform.Devices].
	DevicesError error

	// SupportedRates maps device ID to the set of accepted sample rates.
	// A nil map accepts every rate.
	SupportedRates map[int][]int

	// OpenStreamError is returned by [CapturePlatform.OpenStream].
	OpenStreamError error

	// OpenStreamCalls records all OpenStream invocations.
	OpenStreamCalls []OpenStreamCall

	// Streams holds the mock streams handed out by OpenStream, in order.
	Streams []*CaptureStream
}

var _ audio.CapturePlatform = (*CapturePlatform)(nil)

// Devices implements [audio.CapturePlatform].
func (p *CapturePlatform) Devices() ([]audio.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DeviceList, p.DevicesError
}

// SupportsRate implements [audio.CapturePlatform]. With a nil SupportedRates
// map every rate is accepted.
func (p *CapturePlatform) SupportsRate(deviceID, sampleRate, _ int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SupportedRates == nil {
		return true
	}
	for _, rate := range p.SupportedRates[deviceID] {
		if rate == sampleRate {
			return true
		}
	}
	return false
}

// OpenStream implements [audio.CapturePlatform]. Records the call and hands
// out a [CaptureStream] wired to the callback.
func (p *CapturePlatform) OpenStream(deviceID, sampleRate, channels int, cb func([]float32)) (audio.CaptureStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenStreamCalls = append(p.OpenStreamCalls, OpenStreamCall{
		DeviceID: deviceID, SampleRate: sampleRate, Channels: channels,
	})
	if p.OpenStreamError != nil {
		return nil, p.OpenStreamError
	}
	stream := &CaptureStream{cb: cb}
	p.Streams = append(p.Streams, stream)
	return stream, nil
}
