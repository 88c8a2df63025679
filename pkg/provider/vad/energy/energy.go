// Package energy provides an energy-based VAD engine.
//
// It classifies frames by short-term RMS energy mapped to a pseudo
// probability, with a hangover window so brief intra-word pauses do not end
// a speech segment. It needs no model files and no CGO, which makes it the
// default gate in front of the recognizer; swap in a model-backed
// [vad.Engine] implementation where detection quality matters more than
// footprint.
//
// Aggressiveness presets (0 = most permissive, 3 = most aggressive) mirror
// the familiar WebRTC VAD scale:
//
//	cfg := energy.Preset(2, 16000, 30)
//	session, err := energy.New().NewSession(cfg)
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/Eden-sudo/umebot/pkg/provider/vad"
)

const (
	// defaultKnee is the RMS value (in 16-bit PCM units) mapped to
	// probability 0.5 by the soft energy curve.
	defaultKnee = 1500.0

	// defaultHangoverFrames is how many consecutive sub-threshold frames
	// are tolerated before a speech segment is considered ended.
	defaultHangoverFrames = 8
)

// Preset returns a [vad.Config] for the given aggressiveness level (0–3),
// sample rate and frame size. Levels outside the range are clamped.
func Preset(aggressiveness, sampleRate, frameSizeMs int) vad.Config {
	if aggressiveness < 0 {
		aggressiveness = 0
	}
	if aggressiveness > 3 {
		aggressiveness = 3
	}
	speech := []float64{0.30, 0.40, 0.50, 0.60}[aggressiveness]
	silence := []float64{0.20, 0.30, 0.35, 0.45}[aggressiveness]
	return vad.Config{
		SampleRate:       sampleRate,
		FrameSizeMs:      frameSizeMs,
		SpeechThreshold:  speech,
		SilenceThreshold: silence,
	}
}

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithKnee sets the RMS value mapped to probability 0.5. Lower values make
// the detector more sensitive to quiet speech.
func WithKnee(knee float64) Option {
	return func(e *Engine) { e.knee = knee }
}

// WithHangoverFrames sets how many consecutive sub-threshold frames end an
// active speech segment.
func WithHangoverFrames(n int) Option {
	return func(e *Engine) { e.hangoverFrames = n }
}

// Engine implements [vad.Engine] with per-frame RMS energy detection.
type Engine struct {
	knee           float64
	hangoverFrames int
}

var _ vad.Engine = (*Engine)(nil)

// New creates an energy VAD engine.
func New(opts ...Option) *Engine {
	e := &Engine{knee: defaultKnee, hangoverFrames: defaultHangoverFrames}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy vad: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy vad: invalid frame size %dms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 ||
		cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > 1 {
		return nil, errors.New("energy vad: thresholds must be in [0, 1]")
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, errors.New("energy vad: silence threshold must not exceed speech threshold")
	}
	return &session{
		cfg:            cfg,
		frameBytes:     cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		knee:           e.knee,
		hangoverFrames: e.hangoverFrames,
	}, nil
}

// session implements [vad.SessionHandle]. Not safe for concurrent use.
type session struct {
	cfg            vad.Config
	frameBytes     int
	knee           float64
	hangoverFrames int

	speaking bool
	hangover int
	closed   bool
}

var _ vad.SessionHandle = (*session)(nil)

// ProcessFrame implements [vad.SessionHandle].
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errors.New("energy vad: session is closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy vad: frame is %d bytes, expected %d (%dms at %dHz)",
			len(frame), s.frameBytes, s.cfg.FrameSizeMs, s.cfg.SampleRate)
	}

	prob := s.probability(frame)

	if !s.speaking {
		if prob >= s.cfg.SpeechThreshold {
			s.speaking = true
			s.hangover = 0
			return vad.VADEvent{Type: vad.VADSpeechStart, Probability: prob}, nil
		}
		return vad.VADEvent{Type: vad.VADSilence, Probability: prob}, nil
	}

	if prob > s.cfg.SilenceThreshold {
		s.hangover = 0
		return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: prob}, nil
	}

	s.hangover++
	if s.hangover < s.hangoverFrames {
		// Brief pause inside an utterance; keep the segment open.
		return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: prob}, nil
	}
	s.speaking = false
	s.hangover = 0
	return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: prob}, nil
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.speaking = false
	s.hangover = 0
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.closed = true
	return nil
}

// probability maps frame RMS energy to [0, 1) via a soft curve with its
// midpoint at the knee.
func (s *session) probability(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	return rms / (rms + s.knee)
}
