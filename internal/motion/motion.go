// Package motion is the motion arbiter: it owns manual base motion. Gamepad
// snapshots from the tablet are turned into velocity commands, speed and
// animation-layer adjustments, button-triggered expression actions, and
// emergency stops.
//
// Architecture: one worker goroutine owns all arbiter state. Snapshots arrive
// through a single-slot latest-value mailbox — a newer snapshot supersedes an
// unprocessed older one, never queues behind it. Control operations
// (activate, deactivate, emergency stop) are closures executed by the worker,
// so no state is shared across goroutines.
//
// The worker's wait for the next snapshot doubles as the dead-man switch:
// when no snapshot arrives within the timeout and the robot is moving, a
// zero-velocity command is emitted once.
package motion

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Eden-sudo/umebot/pkg/types"
)

// State is the arbiter's operating mode.
type State string

const (
	// StateIdle discards all snapshots and emits nothing.
	StateIdle State = "idle"

	// StateGamepad processes snapshots and emits velocity commands.
	StateGamepad State = "gamepad"

	// StateEmergencyStopped latches after an estop gesture until both stick
	// clicks release.
	StateEmergencyStopped State = "emergency_stopped"
)

// ActionType enumerates what a gamepad action button can trigger.
type ActionType string

const (
	ActionNone           ActionType = "none"
	ActionLocalAnimation ActionType = "local_anim"
	ActionStandardTag    ActionType = "standard_tag"
	ActionSpeakAnnotated ActionType = "speak_annotated"
)

// Action is one button binding inside a layer.
type Action struct {
	Type ActionType `yaml:"type"`

	// Category and Name select a catalogued animation (local_anim). An empty
	// Name means a random pick from the category.
	Category string `yaml:"category,omitempty"`
	Name     string `yaml:"name,omitempty"`

	// Tag names a standard behaviour tag (standard_tag).
	Tag string `yaml:"tag,omitempty"`

	// Text is annotated speech text (speak_annotated).
	Text string `yaml:"text,omitempty"`
}

// Layer binds the four action buttons for one animation layer. D-pad
// left/right rotates through the configured layers.
type Layer struct {
	A Action `yaml:"a"`
	B Action `yaml:"b"`
	X Action `yaml:"x"`
	Y Action `yaml:"y"`
}

// AxisSigns maps stick axes onto robot axes. Each field multiplies the
// corresponding raw stick value; the defaults match the robot's base frame
// (forward = left stick up, lateral = left stick right inverted, rotation =
// right stick right inverted).
type AxisSigns struct {
	VX     float64 `yaml:"vx"`
	VY     float64 `yaml:"vy"`
	VTheta float64 `yaml:"vtheta"`
}

// DefaultAxisSigns is the sign mapping for the robot's base frame.
var DefaultAxisSigns = AxisSigns{VX: 1, VY: -1, VTheta: -1}

// VelocitySink receives the arbiter's output. *robot.Facade satisfies it.
type VelocitySink interface {
	SetBaseVelocities(ctx context.Context, vx, vy, vtheta float64) error
	TriggerHardwareEmergencyStop(ctx context.Context) error
}

// Motion tuning constants.
const (
	initialSpeedModifier = 0.5
	minSpeedModifier     = 0.1
	maxSpeedModifier     = 1.0
	speedStep            = 0.1

	deadZone        = 0.08
	changeThreshold = 0.001

	defaultDeadManTimeout = 350 * time.Millisecond
)

// Config wires an [Arbiter].
type Config struct {
	// Sink receives velocity commands and emergency stops. Required.
	Sink VelocitySink

	// Layers are the action button layers. Empty disables button actions and
	// layer rotation.
	Layers []Layer

	// Signs maps stick axes to robot axes. Zero value selects the defaults
	// (vx: +1, vy: -1, vtheta: -1).
	Signs AxisSigns

	// OnAction is invoked from the worker for every triggered button binding.
	// It must not block; long work belongs on the callee's goroutine.
	OnAction func(ctx context.Context, action Action)

	// InitialSpeed is the starting speed modifier, clamped to 0.1..1.0.
	// Zero selects 0.5.
	InitialSpeed float64

	// DeadManTimeout overrides the 350 ms dead-man window. Zero selects the
	// default.
	DeadManTimeout time.Duration

	// Logger receives structured logs. Defaults to [slog.Default].
	Logger *slog.Logger
}

// Arbiter runs the gamepad state machine. Create with [New], then [Start].
type Arbiter struct {
	cfg Config
	log *slog.Logger

	box      mailbox
	commands chan func(ctx context.Context)
	stop     chan struct{}
	done     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	// stateMu guards the externally visible state copy; the authoritative
	// value lives in the worker.
	stateMu sync.Mutex
	state   State

	// worker-owned, never touched outside run()
	speed       float64
	layer       int
	prevDPad    types.DPad
	prevButtons types.Buttons
	lastEmitted types.Velocity
}

// New creates an idle arbiter.
func New(cfg Config) (*Arbiter, error) {
	if cfg.Sink == nil {
		return nil, errors.New("motion: Config.Sink must not be nil")
	}
	if cfg.Signs == (AxisSigns{}) {
		cfg.Signs = DefaultAxisSigns
	}
	if cfg.DeadManTimeout <= 0 {
		cfg.DeadManTimeout = defaultDeadManTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	speed := initialSpeedModifier
	if cfg.InitialSpeed > 0 {
		speed = clampSpeed(cfg.InitialSpeed)
	}

	return &Arbiter{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "motion"),
		commands: make(chan func(ctx context.Context), 8),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateIdle,
		speed:    speed,
	}, nil
}

// Start launches the worker. Starting twice or after Stop is an error.
func (a *Arbiter) Start(ctx context.Context) error {
	select {
	case <-a.stop:
		return errors.New("motion: arbiter already stopped")
	default:
	}

	launched := false
	a.startOnce.Do(func() {
		a.started.Store(true)
		go a.run(ctx)
		launched = true
	})
	if !launched {
		return errors.New("motion: arbiter already started")
	}
	return nil
}

// Stop terminates the worker and waits for it to exit. Idempotent.
func (a *Arbiter) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		if a.started.Load() {
			<-a.done
		}
	})
}

// State returns the arbiter's current operating mode.
func (a *Arbiter) State() State {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state
}

// Submit hands a gamepad snapshot to the worker, superseding any unprocessed
// one. Never blocks.
func (a *Arbiter) Submit(p types.GamepadState) {
	a.box.put(p)
}

// ActivateGamepad transitions idle → gamepad, clearing any residual estop and
// edge-detection state.
func (a *Arbiter) ActivateGamepad() {
	a.enqueue(func(ctx context.Context) {
		a.setState(StateGamepad)
		a.prevDPad = types.DPad{}
		a.prevButtons = types.Buttons{}
		a.lastEmitted = types.Velocity{}
		a.log.Info("gamepad control activated", "speed_modifier", a.speed)
	})
}

// DeactivateGamepad transitions to idle from any state, commanding zero
// velocity on the way out.
func (a *Arbiter) DeactivateGamepad() {
	a.enqueue(func(ctx context.Context) {
		a.emit(ctx, types.Velocity{})
		a.setState(StateIdle)
		a.log.Info("gamepad control deactivated")
	})
}

// EmergencyStop forces the emergency-stopped state: zero velocity plus the
// hardware immediate stop.
func (a *Arbiter) EmergencyStop() {
	a.enqueue(a.enterEstop)
}

// Retune applies new tuning without restarting the worker, for config hot
// reload. A zero speed keeps the current modifier; zero signs keep the
// current mapping. The active layer index resets when it falls outside the
// new layer list.
func (a *Arbiter) Retune(speed float64, signs AxisSigns, layers []Layer) {
	a.enqueue(func(context.Context) {
		if speed > 0 {
			a.speed = clampSpeed(speed)
		}
		if signs != (AxisSigns{}) {
			a.cfg.Signs = signs
		}
		a.cfg.Layers = layers
		if a.layer >= len(layers) {
			a.layer = 0
		}
		a.log.Info("motion tuning applied",
			"speed_modifier", a.speed, "layers", len(layers))
	})
}

func (a *Arbiter) enqueue(cmd func(ctx context.Context)) {
	select {
	case a.commands <- cmd:
	case <-a.stop:
	}
}

func (a *Arbiter) setState(s State) {
	a.stateMu.Lock()
	a.state = s
	a.stateMu.Unlock()
}

// ─────────────────────────────────────────────────────────────────────────────
// Worker
// ─────────────────────────────────────────────────────────────────────────────

func (a *Arbiter) run(ctx context.Context) {
	defer close(a.done)

	for {
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		case cmd := <-a.commands:
			cmd(ctx)
		case <-a.box.ready():
			if p, ok := a.box.take(); ok {
				a.handlePayload(ctx, p)
			}
		case <-time.After(a.cfg.DeadManTimeout):
			a.handleTimeout(ctx)
		}
	}
}

func (a *Arbiter) handlePayload(ctx context.Context, p types.GamepadState) {
	switch a.State() {
	case StateIdle:
		return

	case StateEmergencyStopped:
		if p.EmergencyPressed() {
			a.emit(ctx, types.Velocity{})
			return
		}
		// Both stick clicks released: resume and process this same snapshot.
		a.setState(StateGamepad)
		a.log.Info("emergency stop released, resuming gamepad control")
		a.processGamepad(ctx, p)

	case StateGamepad:
		if p.EmergencyPressed() {
			a.enterEstop(ctx)
			return
		}
		a.processGamepad(ctx, p)
	}
}

// handleTimeout is the dead-man switch: no snapshot within the window while
// moving means the link is gone, so stop the base. The zero emission happens
// once; further timeouts while stopped are no-ops.
func (a *Arbiter) handleTimeout(ctx context.Context) {
	if a.State() != StateGamepad {
		return
	}
	if a.lastEmitted.IsZero() {
		return
	}
	a.log.Warn("dead-man timeout, stopping base")
	a.emit(ctx, types.Velocity{})
}

func (a *Arbiter) enterEstop(ctx context.Context) {
	a.setState(StateEmergencyStopped)
	a.emit(ctx, types.Velocity{})
	if err := a.cfg.Sink.TriggerHardwareEmergencyStop(ctx); err != nil {
		a.log.Error("hardware emergency stop failed", "error", err)
	}
	a.log.Warn("emergency stop engaged")
}

func (a *Arbiter) processGamepad(ctx context.Context, p types.GamepadState) {
	a.applyDPadEdges(p.DPad)
	a.applyButtonEdges(ctx, p.Buttons)

	v := types.Velocity{
		VX:     a.cfg.Signs.VX * applyDeadZone(p.LeftStick.Y) * a.speed,
		VY:     a.cfg.Signs.VY * applyDeadZone(p.LeftStick.X) * a.speed,
		VTheta: a.cfg.Signs.VTheta * applyDeadZone(p.RightStick.X) * a.speed,
	}
	if velocityChanged(a.lastEmitted, v) || (a.lastEmitted.IsZero() && !v.IsZero()) {
		a.emit(ctx, v)
	}
}

func (a *Arbiter) applyDPadEdges(d types.DPad) {
	if d.Up && !a.prevDPad.Up {
		a.speed = clampSpeed(a.speed + speedStep)
		a.log.Info("speed modifier changed", "speed_modifier", a.speed)
	}
	if d.Down && !a.prevDPad.Down {
		a.speed = clampSpeed(a.speed - speedStep)
		a.log.Info("speed modifier changed", "speed_modifier", a.speed)
	}
	if n := len(a.cfg.Layers); n > 0 {
		if d.Right && !a.prevDPad.Right {
			a.layer = (a.layer + 1) % n
			a.log.Info("animation layer changed", "layer", a.layer)
		}
		if d.Left && !a.prevDPad.Left {
			a.layer = (a.layer - 1 + n) % n
			a.log.Info("animation layer changed", "layer", a.layer)
		}
	}
	a.prevDPad = d
}

func (a *Arbiter) applyButtonEdges(ctx context.Context, b types.Buttons) {
	if len(a.cfg.Layers) > 0 && a.cfg.OnAction != nil {
		layer := a.cfg.Layers[a.layer]
		for _, press := range []struct {
			now, prev bool
			action    Action
		}{
			{b.A, a.prevButtons.A, layer.A},
			{b.B, a.prevButtons.B, layer.B},
			{b.X, a.prevButtons.X, layer.X},
			{b.Y, a.prevButtons.Y, layer.Y},
		} {
			if press.now && !press.prev && press.action.Type != "" && press.action.Type != ActionNone {
				a.cfg.OnAction(ctx, press.action)
			}
		}
	}
	a.prevButtons = b
}

func (a *Arbiter) emit(ctx context.Context, v types.Velocity) {
	if err := a.cfg.Sink.SetBaseVelocities(ctx, v.VX, v.VY, v.VTheta); err != nil {
		a.log.Error("velocity command failed", "error", err)
		return
	}
	a.lastEmitted = v
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func clampSpeed(s float64) float64 {
	// Round to the step grid so repeated ±0.1 adjustments stay exact.
	s = math.Round(s*10) / 10
	return math.Min(maxSpeedModifier, math.Max(minSpeedModifier, s))
}

func applyDeadZone(v float64) float64 {
	if math.Abs(v) < deadZone {
		return 0
	}
	return v
}

func velocityChanged(prev, next types.Velocity) bool {
	return math.Abs(next.VX-prev.VX) > changeThreshold ||
		math.Abs(next.VY-prev.VY) > changeThreshold ||
		math.Abs(next.VTheta-prev.VTheta) > changeThreshold
}

// mailbox is a single-slot latest-value cell: put replaces the stored
// snapshot and wakes the worker; take empties the slot.
type mailbox struct {
	mu     sync.Mutex
	p      types.GamepadState
	full   bool
	notify chan struct{}
}

func (m *mailbox) ready() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notify == nil {
		m.notify = make(chan struct{}, 1)
	}
	return m.notify
}

func (m *mailbox) put(p types.GamepadState) {
	m.mu.Lock()
	if m.notify == nil {
		m.notify = make(chan struct{}, 1)
	}
	m.p = p
	m.full = true
	notify := m.notify
	m.mu.Unlock()

	select {
	case notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() (types.GamepadState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return types.GamepadState{}, false
	}
	m.full = false
	return m.p, true
}

// String returns the state name for logging.
func (s State) String() string { return string(s) }
