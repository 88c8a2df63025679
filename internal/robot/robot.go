// Package robot is the hardware facade: the only layer that talks to the
// robot's actuation and speech services. Everything above it (expression
// controller, motion arbiter, orchestrator) depends on the interfaces defined
// here, so a simulator or a mock can stand in for the physical robot.
//
// The low-level surface is split in three:
//
//   - [Driver] — motors, posture, base motion, protection.
//   - [SpeechService] — annotated text-to-speech.
//   - [AnimationService] — behaviour tags and animation files.
//
// [Facade] layers the initialization/release lifecycle and the velocity and
// emergency-stop entry points on top of a [Driver].
package robot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotInitialized is returned by motion commands before a successful
// [Facade.Initialize].
var ErrNotInitialized = errors.New("robot: not initialized")

// PostureStandInit is the canonical standing posture the robot is driven to
// during initialization.
const PostureStandInit = "StandInit"

// defaultStabilizeDelay is how long the facade waits after reaching the
// canonical posture before enabling collision protection, giving the hardware
// time to settle physically.
const defaultStabilizeDelay = 2500 * time.Millisecond

// Driver is the low-level motor and base-motion surface of the robot.
//
// Implementations must be safe for concurrent use; the motion arbiter and the
// emergency-stop path call in from different goroutines.
type Driver interface {
	// WakeUp powers the motors.
	WakeUp(ctx context.Context) error

	// Rest relaxes the motors into the safe rest position.
	Rest(ctx context.Context) error

	// SetAutonomousLife enables or disables the robot's built-in autonomous
	// behaviours, which would otherwise fight external control.
	SetAutonomousLife(ctx context.Context, enabled bool) error

	// StopMove halts any active base motion.
	StopMove(ctx context.Context) error

	// GoToPosture drives the robot to a named posture at the given relative
	// speed in (0, 1].
	GoToPosture(ctx context.Context, posture string, speed float64) error

	// SetCollisionProtection toggles external collision protection for the
	// base.
	SetCollisionProtection(ctx context.Context, enabled bool) error

	// Move commands continuous base velocities: vx forward, vy lateral,
	// vtheta rotational, each normalized to [-1, 1].
	Move(ctx context.Context, vx, vy, vtheta float64) error

	// StopAll is the immediate hardware stop: halts the base and interrupts
	// any in-progress scripted gesture. Must work regardless of
	// initialization state.
	StopAll(ctx context.Context) error
}

// SpeechService produces speech on the robot. Annotated text may carry inline
// ^runTag(name) expression tags, which the robot's animated-speech engine
// interprets; the string is passed through untouched.
type SpeechService interface {
	// AnimatedSay speaks the annotated text and blocks until speech output
	// finishes or ctx is cancelled.
	AnimatedSay(ctx context.Context, annotated string) error

	// StopSpeech interrupts any in-progress speech output.
	StopSpeech(ctx context.Context) error
}

// AnimationService plays scripted motion on the robot.
type AnimationService interface {
	// RunTag plays the standard behaviour registered under tag (e.g.,
	// "happy", "affirmative") and blocks until it finishes.
	RunTag(ctx context.Context, tag string) error

	// PlayAnimation plays a .qianim animation file by path and blocks until
	// it finishes.
	PlayAnimation(ctx context.Context, path string) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Facade
// ─────────────────────────────────────────────────────────────────────────────

// Facade owns the robot lifecycle. It serialises lifecycle transitions and
// tracks initialization so callers cannot drive an unprepared robot.
type Facade struct {
	driver Driver
	log    *slog.Logger

	stabilizeDelay time.Duration

	mu          sync.Mutex
	initialized bool
}

// FacadeOption is a functional option for [NewFacade].
type FacadeOption func(*Facade)

// WithStabilizeDelay overrides the post-posture stabilization wait.
// Mainly for tests and the simulator; the default is 2.5 s.
func WithStabilizeDelay(d time.Duration) FacadeOption {
	return func(f *Facade) { f.stabilizeDelay = d }
}

// NewFacade wraps driver in a lifecycle facade.
func NewFacade(driver Driver, log *slog.Logger, opts ...FacadeOption) (*Facade, error) {
	if driver == nil {
		return nil, errors.New("robot: driver must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	f := &Facade{
		driver:         driver,
		log:            log.With("component", "robot"),
		stabilizeDelay: defaultStabilizeDelay,
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Initialize prepares the robot for external control: wake motors, disable
// autonomous life, stop residual motion, reach the canonical standing
// posture, wait for physical stabilization, enable collision protection.
// On success the facade reports initialized and accepts motion commands.
//
// Initialize is idempotent; calling it on an initialized robot is a no-op.
func (f *Facade) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.initialized {
		return nil
	}

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"wake up", f.driver.WakeUp},
		{"disable autonomous life", func(ctx context.Context) error {
			return f.driver.SetAutonomousLife(ctx, false)
		}},
		{"stop residual motion", f.driver.StopMove},
		{"go to posture", func(ctx context.Context) error {
			return f.driver.GoToPosture(ctx, PostureStandInit, 0.8)
		}},
	}
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("robot: initialize: %s: %w", step.name, err)
		}
	}

	f.log.Info("posture reached, stabilizing", "delay", f.stabilizeDelay)
	select {
	case <-time.After(f.stabilizeDelay):
	case <-ctx.Done():
		return fmt.Errorf("robot: initialize: stabilization: %w", ctx.Err())
	}

	if err := f.driver.SetCollisionProtection(ctx, true); err != nil {
		return fmt.Errorf("robot: initialize: enable collision protection: %w", err)
	}

	f.initialized = true
	f.log.Info("robot initialized")
	return nil
}

// Release stops motion and rests the motors. The facade reports uninitialized
// afterwards. Safe to call on an uninitialized robot.
func (f *Facade) Release(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	if err := f.driver.StopMove(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop move: %w", err))
	}
	if err := f.driver.Rest(ctx); err != nil {
		errs = append(errs, fmt.Errorf("rest: %w", err))
	}

	f.initialized = false
	if len(errs) > 0 {
		return fmt.Errorf("robot: release: %w", errors.Join(errs...))
	}
	f.log.Info("robot released")
	return nil
}

// SetBaseVelocities commands continuous base motion. Values are normalized to
// [-1, 1] per axis. Returns [ErrNotInitialized] before initialization.
func (f *Facade) SetBaseVelocities(ctx context.Context, vx, vy, vtheta float64) error {
	f.mu.Lock()
	ok := f.initialized
	f.mu.Unlock()
	if !ok {
		return ErrNotInitialized
	}
	return f.driver.Move(ctx, vx, vy, vtheta)
}

// TriggerHardwareEmergencyStop issues the robot's immediate stop. It works
// regardless of initialization state and never blocks on the facade mutex, so
// the estop path cannot be starved by a long-running Initialize.
func (f *Facade) TriggerHardwareEmergencyStop(ctx context.Context) error {
	f.log.Warn("hardware emergency stop triggered")
	return f.driver.StopAll(ctx)
}

// IsInitialized reports whether Initialize has completed successfully.
func (f *Facade) IsInitialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}
