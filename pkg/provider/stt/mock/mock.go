// Package mock provides test doubles for the stt package interfaces.
//
// Use Engine to verify that the caller creates recognizers with the
// expected StreamConfig. Use Recognizer to script segment ends and inspect
// which audio chunks were delivered.
//
// Example:
//
//	rec := &mock.Recognizer{}
//	rec.ScriptSegmentEnd(3, "hola mundo") // 3rd Accept commits a segment
//	eng := &mock.Engine{NewRecognizerResult: rec}
package mock

import (
	"sync"

	"github.com/Eden-sudo/umebot/pkg/provider/stt"
)

// ─── Recognizer ───────────────────────────────────────────────────────────────

// Recognizer is a mock implementation of [stt.Recognizer].
// Set the exported fields before use; inspect the Call* fields after.
type Recognizer struct {
	mu sync.Mutex

	// AcceptFunc, when non-nil, fully controls Accept's return values.
	// It runs after the call is recorded; call is the 1-based call number.
	AcceptFunc func(call int, chunk []byte) (bool, error)

	// PartialText is returned by [Recognizer.Partial].
	PartialText string

	// SegText is returned by [Recognizer.SegmentText]. ScriptSegmentEnd
	// updates it when the scripted Accept call commits.
	SegText string

	// FinalText is returned by the next [Recognizer.Final] call, after
	// which it is cleared (a flushed recognizer holds no more audio).
	FinalText string

	// CloseError is returned by the first [Recognizer.Close] call.
	CloseError error

	// AcceptCalls records the chunks passed to Accept.
	AcceptCalls [][]byte

	// CallCountReset records how many times Reset was called.
	CallCountReset int

	// CallCountFinal records how many times Final was called.
	CallCountFinal int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	segmentEnds map[int]string
	closed      bool
}

var _ stt.Recognizer = (*Recognizer)(nil)

// ScriptSegmentEnd makes the n-th Accept call (1-based) report a segment
// end and set SegmentText to text.
func (r *Recognizer) ScriptSegmentEnd(n int, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.segmentEnds == nil {
		r.segmentEnds = make(map[int]string)
	}
	r.segmentEnds[n] = text
}

// Accept implements [stt.Recognizer].
func (r *Recognizer) Accept(chunk []byte) (bool, error) {
	r.mu.Lock()
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	r.AcceptCalls = append(r.AcceptCalls, buf)
	call := len(r.AcceptCalls)
	if r.closed {
		r.mu.Unlock()
		return false, stt.ErrClosed
	}
	if fn := r.AcceptFunc; fn != nil {
		r.mu.Unlock()
		return fn(call, chunk)
	}
	if text, ok := r.segmentEnds[call]; ok {
		r.SegText = text
		r.mu.Unlock()
		return true, nil
	}
	r.mu.Unlock()
	return false, nil
}

// Partial implements [stt.Recognizer].
func (r *Recognizer) Partial() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.PartialText
}

// SetPartial updates the text returned by Partial, simulating an evolving
// hypothesis.
func (r *Recognizer) SetPartial(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PartialText = text
}

// SegmentText implements [stt.Recognizer].
func (r *Recognizer) SegmentText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.SegText
}

// Final implements [stt.Recognizer]. Returns FinalText once, then "".
func (r *Recognizer) Final() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountFinal++
	text := r.FinalText
	r.FinalText = ""
	r.PartialText = ""
	return text
}

// Reset implements [stt.Recognizer].
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountReset++
	r.PartialText = ""
	r.SegText = ""
	r.FinalText = ""
}

// Close implements [stt.Recognizer].
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountClose++
	if r.closed {
		return nil
	}
	r.closed = true
	return r.CloseError
}

// ─── Engine ───────────────────────────────────────────────────────────────────

// NewRecognizerCall records the arguments of a single
// [Engine.NewRecognizer] invocation.
type NewRecognizerCall struct {
	Config stt.StreamConfig
}

// Engine is a mock implementation of [stt.Engine].
type Engine struct {
	mu sync.Mutex

	// NewRecognizerResult is returned by NewRecognizer. A nil value yields
	// a fresh zero-valued [Recognizer] per call.
	NewRecognizerResult stt.Recognizer

	// NewRecognizerError is returned by NewRecognizer.
	NewRecognizerError error

	// NewRecognizerCalls records all NewRecognizer invocations.
	NewRecognizerCalls []NewRecognizerCall
}

var _ stt.Engine = (*Engine)(nil)

// NewRecognizer implements [stt.Engine].
func (e *Engine) NewRecognizer(cfg stt.StreamConfig) (stt.Recognizer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewRecognizerCalls = append(e.NewRecognizerCalls, NewRecognizerCall{Config: cfg})
	if e.NewRecognizerError != nil {
		return nil, e.NewRecognizerError
	}
	if e.NewRecognizerResult != nil {
		return e.NewRecognizerResult, nil
	}
	return &Recognizer{}, nil
}
