// Package sim is an in-process robot simulator for development without
// hardware. Actuation calls are logged and speech takes time proportional to
// the text length, so timing-dependent behaviour (speaking state, barge-in,
// dead-man stops) can be exercised end to end.
package sim

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Eden-sudo/umebot/internal/robot"
)

// compile-time interface checks
var (
	_ robot.Driver           = (*Robot)(nil)
	_ robot.SpeechService    = (*Robot)(nil)
	_ robot.AnimationService = (*Robot)(nil)
)

// defaultPerRune approximates human speech rate (~15 characters/second).
const defaultPerRune = 65 * time.Millisecond

// Robot simulates the hardware surface. The zero value is not usable; create
// one with [New].
type Robot struct {
	log     *slog.Logger
	perRune time.Duration

	mu     sync.Mutex
	awake  bool
	vx     float64
	vy     float64
	vtheta float64
}

// Option is a functional option for [New].
type Option func(*Robot)

// WithSpeechRate overrides the simulated per-character speech duration.
// Tests use a near-zero value to keep runs fast.
func WithSpeechRate(perRune time.Duration) Option {
	return func(r *Robot) { r.perRune = perRune }
}

// New creates a simulator logging through log.
func New(log *slog.Logger, opts ...Option) *Robot {
	if log == nil {
		log = slog.Default()
	}
	r := &Robot{
		log:     log.With("component", "robot-sim"),
		perRune: defaultPerRune,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Velocities returns the last commanded base velocity triple.
func (r *Robot) Velocities() (vx, vy, vtheta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vx, r.vy, r.vtheta
}

// ─── Driver ──────────────────────────────────────────────────────────────────

func (r *Robot) WakeUp(_ context.Context) error {
	r.mu.Lock()
	r.awake = true
	r.mu.Unlock()
	r.log.Info("motors awake")
	return nil
}

func (r *Robot) Rest(_ context.Context) error {
	r.mu.Lock()
	r.awake = false
	r.vx, r.vy, r.vtheta = 0, 0, 0
	r.mu.Unlock()
	r.log.Info("motors resting")
	return nil
}

func (r *Robot) SetAutonomousLife(_ context.Context, enabled bool) error {
	r.log.Info("autonomous life", "enabled", enabled)
	return nil
}

func (r *Robot) StopMove(_ context.Context) error {
	r.mu.Lock()
	r.vx, r.vy, r.vtheta = 0, 0, 0
	r.mu.Unlock()
	r.log.Info("base motion stopped")
	return nil
}

func (r *Robot) GoToPosture(_ context.Context, posture string, speed float64) error {
	r.log.Info("posture change", "posture", posture, "speed", speed)
	return nil
}

func (r *Robot) SetCollisionProtection(_ context.Context, enabled bool) error {
	r.log.Info("collision protection", "enabled", enabled)
	return nil
}

func (r *Robot) Move(_ context.Context, vx, vy, vtheta float64) error {
	r.mu.Lock()
	r.vx, r.vy, r.vtheta = vx, vy, vtheta
	r.mu.Unlock()
	r.log.Debug("base velocity", "vx", vx, "vy", vy, "vtheta", vtheta)
	return nil
}

func (r *Robot) StopAll(_ context.Context) error {
	r.mu.Lock()
	r.vx, r.vy, r.vtheta = 0, 0, 0
	r.mu.Unlock()
	r.log.Warn("immediate stop")
	return nil
}

// ─── SpeechService ───────────────────────────────────────────────────────────

// AnimatedSay logs the utterance and sleeps proportionally to its length,
// honouring ctx cancellation the way a real speech call would be interrupted.
func (r *Robot) AnimatedSay(ctx context.Context, annotated string) error {
	d := time.Duration(utf8.RuneCountInString(annotated)) * r.perRune
	r.log.Info("speaking", "text", annotated, "duration", d)

	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		r.log.Info("speech interrupted")
		return ctx.Err()
	}
}

func (r *Robot) StopSpeech(_ context.Context) error {
	r.log.Info("speech stopped")
	return nil
}

// ─── AnimationService ────────────────────────────────────────────────────────

func (r *Robot) RunTag(_ context.Context, tag string) error {
	r.log.Info("behaviour tag", "tag", tag)
	return nil
}

func (r *Robot) PlayAnimation(_ context.Context, path string) error {
	r.log.Info("animation file", "path", path)
	return nil
}
