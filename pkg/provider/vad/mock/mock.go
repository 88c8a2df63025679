// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to inject VADEvent responses and inspect the frames that were
// submitted for processing.
//
// Example:
//
//	sess := &mock.Session{
//	    EventResult: vad.VADEvent{Type: vad.VADSpeechStart, Probability: 0.9},
//	}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/Eden-sudo/umebot/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

var _ vad.Engine = (*Engine)(nil)

// NewSession implements vad.Engine. Records the call and returns either the
// configured Session or a fresh default one.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Session is a mock implementation of vad.SessionHandle.
// Script per-frame results with ScriptEvents, or set EventResult for a
// constant response.
type Session struct {
	mu sync.Mutex

	// EventResult is returned by ProcessFrame when no scripted events
	// remain. The zero value classifies every frame as silence.
	EventResult vad.VADEvent

	// ProcessErr, if non-nil, is returned as the error from ProcessFrame.
	ProcessErr error

	// CloseError is returned by the first Close call.
	CloseError error

	// Frames records every frame passed to ProcessFrame.
	Frames [][]byte

	// CallCountReset records how many times Reset was called.
	CallCountReset int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	script []vad.VADEvent
	closed bool
}

var _ vad.SessionHandle = (*Session)(nil)

// ScriptEvents queues per-frame results consumed in order by ProcessFrame;
// once exhausted, EventResult applies again.
func (s *Session) ScriptEvents(events ...vad.VADEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, events...)
}

// ProcessFrame implements vad.SessionHandle. Records the frame and returns
// the next scripted event or EventResult.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(frame))
	copy(buf, frame)
	s.Frames = append(s.Frames, buf)
	if s.ProcessErr != nil {
		return vad.VADEvent{}, s.ProcessErr
	}
	if len(s.script) > 0 {
		ev := s.script[0]
		s.script = s.script[1:]
		return ev, nil
	}
	return s.EventResult, nil
}

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountReset++
	s.script = nil
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	return s.CloseError
}
