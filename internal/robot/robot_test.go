package robot_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/Eden-sudo/umebot/internal/robot"
	"github.com/Eden-sudo/umebot/internal/robot/mock"
)

func newTestFacade(t *testing.T, driver *mock.Driver) *robot.Facade {
	t.Helper()
	f, err := robot.NewFacade(driver, slog.New(slog.DiscardHandler),
		robot.WithStabilizeDelay(0))
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}
	return f
}

func TestNewFacade_RequiresDriver(t *testing.T) {
	t.Parallel()

	if _, err := robot.NewFacade(nil, nil); err == nil {
		t.Fatal("expected error for nil driver")
	}
}

func TestFacade_InitializeSequence(t *testing.T) {
	t.Parallel()

	driver := &mock.Driver{}
	f := newTestFacade(t, driver)
	ctx := context.Background()

	if f.IsInitialized() {
		t.Fatal("facade reports initialized before Initialize")
	}
	if err := f.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !f.IsInitialized() {
		t.Fatal("facade not initialized after successful Initialize")
	}

	want := []string{"WakeUp", "SetAutonomousLife", "StopMove", "GoToPosture", "SetCollisionProtection"}
	got := driver.MethodNames()
	if len(got) != len(want) {
		t.Fatalf("call sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("step %d = %s, want %s", i, got[i], want[i])
		}
	}

	calls := driver.Calls()
	if enabled := calls[1].Args[0].(bool); enabled {
		t.Error("autonomous life enabled during init, want disabled")
	}
	if posture := calls[3].Args[0].(string); posture != robot.PostureStandInit {
		t.Errorf("posture = %q, want %q", posture, robot.PostureStandInit)
	}
	if enabled := calls[4].Args[0].(bool); !enabled {
		t.Error("collision protection disabled after init, want enabled")
	}

	// Idempotent: a second Initialize issues no further hardware calls.
	if err := f.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if n := len(driver.Calls()); n != len(want) {
		t.Errorf("second Initialize issued hardware calls (total %d, want %d)", n, len(want))
	}
}

func TestFacade_InitializeFailureLeavesUninitialized(t *testing.T) {
	t.Parallel()

	driver := &mock.Driver{
		Err:   errors.New("joint stuck"),
		ErrOn: map[string]bool{"GoToPosture": true},
	}
	f := newTestFacade(t, driver)

	if err := f.Initialize(context.Background()); err == nil {
		t.Fatal("expected Initialize to fail")
	}
	if f.IsInitialized() {
		t.Error("facade reports initialized after failed Initialize")
	}
	if driver.CallCount("SetCollisionProtection") != 0 {
		t.Error("collision protection touched after earlier step failed")
	}
}

func TestFacade_SetBaseVelocities(t *testing.T) {
	t.Parallel()

	driver := &mock.Driver{}
	f := newTestFacade(t, driver)
	ctx := context.Background()

	if err := f.SetBaseVelocities(ctx, 0.5, 0, 0); !errors.Is(err, robot.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized before init, got %v", err)
	}

	if err := f.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.SetBaseVelocities(ctx, 0.5, -0.2, 0.1); err != nil {
		t.Fatalf("SetBaseVelocities: %v", err)
	}

	vx, vy, vtheta, ok := driver.LastVelocities()
	if !ok {
		t.Fatal("no Move call recorded")
	}
	if vx != 0.5 || vy != -0.2 || vtheta != 0.1 {
		t.Errorf("Move(%v, %v, %v), want (0.5, -0.2, 0.1)", vx, vy, vtheta)
	}
}

func TestFacade_Release(t *testing.T) {
	t.Parallel()

	driver := &mock.Driver{}
	f := newTestFacade(t, driver)
	ctx := context.Background()

	if err := f.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if f.IsInitialized() {
		t.Error("facade reports initialized after Release")
	}
	if driver.CallCount("Rest") != 1 {
		t.Error("Release did not rest the motors")
	}
	if err := f.SetBaseVelocities(ctx, 0.1, 0, 0); !errors.Is(err, robot.ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized after Release, got %v", err)
	}
}

func TestFacade_EmergencyStopWorksUninitialized(t *testing.T) {
	t.Parallel()

	driver := &mock.Driver{}
	f := newTestFacade(t, driver)

	if err := f.TriggerHardwareEmergencyStop(context.Background()); err != nil {
		t.Fatalf("TriggerHardwareEmergencyStop: %v", err)
	}
	if driver.CallCount("StopAll") != 1 {
		t.Error("emergency stop did not reach the driver")
	}
}
