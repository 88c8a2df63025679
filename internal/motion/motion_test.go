package motion

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Eden-sudo/umebot/pkg/types"
)

// sinkMock records velocity commands and emergency stops.
type sinkMock struct {
	mu         sync.Mutex
	velocities []types.Velocity
	estops     int
	err        error
}

func (s *sinkMock) SetBaseVelocities(_ context.Context, vx, vy, vtheta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.velocities = append(s.velocities, types.Velocity{VX: vx, VY: vy, VTheta: vtheta})
	return nil
}

func (s *sinkMock) TriggerHardwareEmergencyStop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estops++
	return nil
}

func (s *sinkMock) emitted() []types.Velocity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Velocity, len(s.velocities))
	copy(out, s.velocities)
	return out
}

func (s *sinkMock) last() (types.Velocity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.velocities) == 0 {
		return types.Velocity{}, false
	}
	return s.velocities[len(s.velocities)-1], true
}

func newTestArbiter(t *testing.T, customise func(*Config)) (*Arbiter, *sinkMock) {
	t.Helper()
	sink := &sinkMock{}
	cfg := Config{
		Sink:   sink,
		Logger: slog.New(slog.DiscardHandler),
	}
	if customise != nil {
		customise(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, sink
}

// pad builds a neutral snapshot mutated by fn.
func pad(fn func(*types.GamepadState)) types.GamepadState {
	var p types.GamepadState
	if fn != nil {
		fn(&p)
	}
	return p
}

func TestNew_RequiresSink(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for nil sink")
	}
}

func TestIdleDiscardsSnapshots(t *testing.T) {
	t.Parallel()

	a, sink := newTestArbiter(t, nil)
	ctx := context.Background()

	a.handlePayload(ctx, pad(func(p *types.GamepadState) { p.LeftStick.Y = 1 }))
	if n := len(sink.emitted()); n != 0 {
		t.Errorf("idle arbiter emitted %d velocities, want 0", n)
	}
}

func TestVelocityMappingAndDeadZone(t *testing.T) {
	t.Parallel()

	a, sink := newTestArbiter(t, nil)
	a.setState(StateGamepad)
	ctx := context.Background()

	t.Run("axis mapping with default signs and initial speed", func(t *testing.T) {
		a.handlePayload(ctx, pad(func(p *types.GamepadState) {
			p.LeftStick.Y = 1.0  // forward
			p.LeftStick.X = 0.5  // right
			p.RightStick.X = 0.5 // rotate right
		}))
		v, ok := sink.last()
		if !ok {
			t.Fatal("no velocity emitted")
		}
		want := types.Velocity{VX: 0.5, VY: -0.25, VTheta: -0.25}
		if v != want {
			t.Errorf("velocity = %+v, want %+v", v, want)
		}
	})

	t.Run("dead zone swallows small deflections", func(t *testing.T) {
		before := len(sink.emitted())
		a.handlePayload(ctx, pad(func(p *types.GamepadState) {
			p.LeftStick.X = 0.05
			p.LeftStick.Y = -0.07
			p.RightStick.X = 0.079
		}))
		// All axes inside the dead zone map to zero, which differs from the
		// previous non-zero triple, so exactly one stop command goes out.
		emitted := sink.emitted()
		if len(emitted) != before+1 {
			t.Fatalf("expected one stop emission, got %d new", len(emitted)-before)
		}
		if !emitted[len(emitted)-1].IsZero() {
			t.Errorf("velocity = %+v, want zero", emitted[len(emitted)-1])
		}
	})
}

func TestEmitOnlyOnChange(t *testing.T) {
	t.Parallel()

	a, sink := newTestArbiter(t, nil)
	a.setState(StateGamepad)
	ctx := context.Background()

	move := pad(func(p *types.GamepadState) { p.LeftStick.Y = 0.6 })
	a.handlePayload(ctx, move)
	a.handlePayload(ctx, move)

	// A repeat inside the change threshold must not re-emit either.
	a.handlePayload(ctx, pad(func(p *types.GamepadState) { p.LeftStick.Y = 0.6005 }))

	if n := len(sink.emitted()); n != 1 {
		t.Errorf("emitted %d velocities, want 1", n)
	}
}

func TestSpeedModifierEdges(t *testing.T) {
	t.Parallel()

	a, sink := newTestArbiter(t, nil)
	a.setState(StateGamepad)
	ctx := context.Background()

	up := pad(func(p *types.GamepadState) {
		p.DPad.Up = true
		p.LeftStick.Y = 1.0
	})
	a.handlePayload(ctx, up)
	v, _ := sink.last()
	if v.VX != 0.6 {
		t.Errorf("vx = %v after one speed-up edge, want 0.6", v.VX)
	}

	// Holding Up is not an edge; speed stays.
	a.handlePayload(ctx, up)
	if a.speed != 0.6 {
		t.Errorf("speed = %v after held Up, want 0.6", a.speed)
	}

	// Release and press repeatedly: clamp at 1.0.
	for range 8 {
		a.handlePayload(ctx, pad(func(p *types.GamepadState) { p.LeftStick.Y = 1.0 }))
		a.handlePayload(ctx, up)
	}
	if a.speed != 1.0 {
		t.Errorf("speed = %v, want clamp at 1.0", a.speed)
	}

	down := pad(func(p *types.GamepadState) { p.DPad.Down = true })
	for range 12 {
		a.handlePayload(ctx, pad(nil))
		a.handlePayload(ctx, down)
	}
	if a.speed != 0.1 {
		t.Errorf("speed = %v, want clamp at 0.1", a.speed)
	}
}

func TestLayerRotationAndButtonActions(t *testing.T) {
	t.Parallel()

	var dispatched []Action
	layers := []Layer{
		{A: Action{Type: ActionStandardTag, Tag: "happy"}},
		{A: Action{Type: ActionLocalAnimation, Category: "bailes"}, B: Action{Type: ActionNone}},
	}
	a, _ := newTestArbiter(t, func(cfg *Config) {
		cfg.Layers = layers
		cfg.OnAction = func(_ context.Context, action Action) {
			dispatched = append(dispatched, action)
		}
	})
	a.setState(StateGamepad)
	ctx := context.Background()

	// Layer 0: A triggers the happy tag on the rising edge only.
	press := pad(func(p *types.GamepadState) { p.Buttons.A = true })
	a.handlePayload(ctx, press)
	a.handlePayload(ctx, press)
	if len(dispatched) != 1 || dispatched[0].Tag != "happy" {
		t.Fatalf("dispatched = %+v, want one happy tag", dispatched)
	}

	// Rotate right to layer 1, then trigger its A binding.
	a.handlePayload(ctx, pad(func(p *types.GamepadState) { p.DPad.Right = true }))
	if a.layer != 1 {
		t.Fatalf("layer = %d after rotate right, want 1", a.layer)
	}
	a.handlePayload(ctx, pad(func(p *types.GamepadState) { p.Buttons.A = true }))
	if len(dispatched) != 2 || dispatched[1].Category != "bailes" {
		t.Fatalf("dispatched = %+v, want animation action second", dispatched)
	}

	// ActionNone bindings never dispatch.
	a.handlePayload(ctx, pad(nil))
	a.handlePayload(ctx, pad(func(p *types.GamepadState) { p.Buttons.B = true }))
	if len(dispatched) != 2 {
		t.Errorf("dispatched = %+v, want no dispatch for none binding", dispatched)
	}

	// Rotate left wraps modulo layer count back to 0.
	a.handlePayload(ctx, pad(nil))
	a.handlePayload(ctx, pad(func(p *types.GamepadState) { p.DPad.Left = true }))
	if a.layer != 0 {
		t.Errorf("layer = %d after rotate left, want 0", a.layer)
	}
}

func TestInitialSpeed(t *testing.T) {
	t.Parallel()

	a, sink := newTestArbiter(t, func(cfg *Config) {
		cfg.InitialSpeed = 0.8
	})
	a.setState(StateGamepad)

	a.handlePayload(context.Background(), pad(func(p *types.GamepadState) { p.LeftStick.Y = 1.0 }))
	v, ok := sink.last()
	if !ok {
		t.Fatal("no velocity emitted")
	}
	if v.VX != 0.8 {
		t.Errorf("vx = %v, want 0.8", v.VX)
	}

	// Out-of-range values clamp like d-pad adjustments do.
	b, _ := newTestArbiter(t, func(cfg *Config) {
		cfg.InitialSpeed = 3.0
	})
	if b.speed != 1.0 {
		t.Errorf("speed = %v for oversized initial value, want clamp at 1.0", b.speed)
	}
}

func TestRetune(t *testing.T) {
	t.Parallel()

	a, _ := newTestArbiter(t, func(cfg *Config) {
		cfg.Layers = []Layer{
			{A: Action{Type: ActionStandardTag, Tag: "happy"}},
			{A: Action{Type: ActionStandardTag, Tag: "sad"}},
		}
	})
	ctx := context.Background()
	a.layer = 1

	newLayers := []Layer{{A: Action{Type: ActionStandardTag, Tag: "saludar"}}}
	a.Retune(0.9, AxisSigns{VX: 1, VY: 1, VTheta: 1}, newLayers)

	// Execute the enqueued command the way the worker would.
	cmd := <-a.commands
	cmd(ctx)

	if a.speed != 0.9 {
		t.Errorf("speed = %v, want 0.9", a.speed)
	}
	if a.cfg.Signs != (AxisSigns{VX: 1, VY: 1, VTheta: 1}) {
		t.Errorf("signs = %+v, want all positive", a.cfg.Signs)
	}
	if len(a.cfg.Layers) != 1 || a.cfg.Layers[0].A.Tag != "saludar" {
		t.Errorf("layers = %+v, want the reloaded binding", a.cfg.Layers)
	}
	if a.layer != 0 {
		t.Errorf("layer = %d, want reset to 0 after shrink", a.layer)
	}

	// Zero speed and zero signs keep the current tuning.
	a.Retune(0, AxisSigns{}, newLayers)
	cmd = <-a.commands
	cmd(ctx)
	if a.speed != 0.9 || a.cfg.Signs.VX != 1 {
		t.Errorf("zero values overwrote tuning: speed=%v signs=%+v", a.speed, a.cfg.Signs)
	}
}

func TestEmergencyStopEntryAndExit(t *testing.T) {
	t.Parallel()

	a, sink := newTestArbiter(t, nil)
	a.setState(StateGamepad)
	ctx := context.Background()

	// Get moving first.
	a.handlePayload(ctx, pad(func(p *types.GamepadState) { p.LeftStick.Y = 1.0 }))

	// L3 engages the estop: zero velocity plus the hardware stop.
	a.handlePayload(ctx, pad(func(p *types.GamepadState) {
		p.StickButtons.L3 = true
		p.LeftStick.Y = 1.0
	}))
	if got := a.State(); got != StateEmergencyStopped {
		t.Fatalf("state = %s, want emergency_stopped", got)
	}
	v, _ := sink.last()
	if !v.IsZero() {
		t.Errorf("velocity after estop = %+v, want zero", v)
	}
	sink.mu.Lock()
	estops := sink.estops
	sink.mu.Unlock()
	if estops != 1 {
		t.Errorf("hardware estops = %d, want 1", estops)
	}

	// Still pressed (now R3): remain stopped, ignore sticks.
	before := len(sink.emitted())
	a.handlePayload(ctx, pad(func(p *types.GamepadState) {
		p.StickButtons.R3 = true
		p.LeftStick.Y = 1.0
	}))
	if got := a.State(); got != StateEmergencyStopped {
		t.Fatalf("state = %s while R3 held, want emergency_stopped", got)
	}
	for _, v := range sink.emitted()[before:] {
		if !v.IsZero() {
			t.Errorf("non-zero velocity %+v while emergency stopped", v)
		}
	}

	// Both released: the same snapshot is processed under gamepad again.
	a.handlePayload(ctx, pad(func(p *types.GamepadState) { p.LeftStick.Y = 1.0 }))
	if got := a.State(); got != StateGamepad {
		t.Fatalf("state = %s after release, want gamepad", got)
	}
	v, _ = sink.last()
	if v.VX != 0.5 {
		t.Errorf("vx = %v after resume, want 0.5", v.VX)
	}
}

func TestDeadManTimeoutStopsOnce(t *testing.T) {
	t.Parallel()

	a, sink := newTestArbiter(t, nil)
	a.setState(StateGamepad)
	ctx := context.Background()

	a.handlePayload(ctx, pad(func(p *types.GamepadState) { p.LeftStick.Y = 1.0 }))

	a.handleTimeout(ctx)
	v, _ := sink.last()
	if !v.IsZero() {
		t.Fatalf("velocity after dead-man = %+v, want zero", v)
	}

	// Already stopped: further timeouts emit nothing.
	before := len(sink.emitted())
	a.handleTimeout(ctx)
	a.handleTimeout(ctx)
	if n := len(sink.emitted()); n != before {
		t.Errorf("emitted %d extra velocities on repeat timeouts, want 0", n-before)
	}
}

func TestMailbox_LatestValueWins(t *testing.T) {
	t.Parallel()

	var m mailbox
	m.put(pad(func(p *types.GamepadState) { p.LeftStick.Y = 0.1 }))
	m.put(pad(func(p *types.GamepadState) { p.LeftStick.Y = 0.9 }))

	p, ok := m.take()
	if !ok {
		t.Fatal("mailbox empty after put")
	}
	if p.LeftStick.Y != 0.9 {
		t.Errorf("took snapshot with LeftStick.Y = %v, want the latest (0.9)", p.LeftStick.Y)
	}
	if _, ok := m.take(); ok {
		t.Error("second take returned a snapshot, want empty")
	}
}

func TestWorkerLifecycle(t *testing.T) {
	t.Parallel()

	a, sink := newTestArbiter(t, func(cfg *Config) {
		cfg.DeadManTimeout = 50 * time.Millisecond
	})
	if err := a.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(a.Stop)

	if err := a.Start(t.Context()); err == nil {
		t.Error("second Start succeeded, want error")
	}

	a.ActivateGamepad()
	a.Submit(pad(func(p *types.GamepadState) { p.LeftStick.Y = 1.0 }))

	// The worker must process the snapshot and, later, dead-man stop.
	deadline := time.After(2 * time.Second)
	for {
		if v, ok := sink.last(); ok && v.IsZero() && len(sink.emitted()) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("emissions = %+v, want movement then dead-man stop", sink.emitted())
		case <-time.After(5 * time.Millisecond):
		}
	}

	emitted := sink.emitted()
	if emitted[0].VX != 0.5 {
		t.Errorf("first emission = %+v, want vx 0.5", emitted[0])
	}

	a.Stop()
	a.Stop() // idempotent
}
