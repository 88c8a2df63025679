// Package types defines the shared types used across umebot packages.
//
// These types form the lingua franca between the tablet gateway, the motion
// arbiter, and the orchestrator. They are intentionally minimal — each package
// defines its own domain types, but cross-cutting data structures live here to
// avoid circular imports.
package types

// Input sources, as carried on tablet input frames and recognition results.
// They label where an utterance entered the system.
const (
	// SourceLocal is the machine-local microphone.
	SourceLocal = "local"

	// SourceRobot is the robot's microphone relayed over TCP.
	SourceRobot = "robot"

	// SourceTablet is text typed on the tablet GUI.
	SourceTablet = "tablet"

	// SourceSTTAuto marks inputs that entered through automatic speech
	// recognition rather than an explicit client frame.
	SourceSTTAuto = "stt_auto"
)

// Stick is one analog stick position. Axes are normalized to [-1, 1];
// the neutral position is (0, 0).
type Stick struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DPad is the directional pad state.
type DPad struct {
	Up    bool `json:"up"`
	Down  bool `json:"down"`
	Left  bool `json:"left"`
	Right bool `json:"right"`
}

// Buttons is the action button state.
type Buttons struct {
	A bool `json:"a"`
	B bool `json:"b"`
	X bool `json:"x"`
	Y bool `json:"y"`
}

// StickButtons is the stick-click button state. Either one pressed is the
// emergency-stop gesture.
type StickButtons struct {
	L3 bool `json:"l3_pressed"`
	R3 bool `json:"r3_pressed"`
}

// GamepadState is one complete gamepad snapshot as sent by the tablet.
// Snapshots are state reports, not events: even though the client labels the
// d-pad and action-button fields as edges it observed, the motion arbiter
// re-derives edges against the previously received snapshot.
type GamepadState struct {
	LeftStick    Stick        `json:"left_stick"`
	RightStick   Stick        `json:"right_stick"`
	DPad         DPad         `json:"dpad_events"`
	Buttons      Buttons      `json:"action_button_events"`
	StickButtons StickButtons `json:"stick_button_states"`
}

// EmergencyPressed reports whether the snapshot carries the emergency-stop
// gesture (L3 or R3 pressed).
func (g GamepadState) EmergencyPressed() bool {
	return g.StickButtons.L3 || g.StickButtons.R3
}

// Velocity is a base velocity command triple, each axis normalized to
// [-1, 1]: vx forward, vy lateral, vtheta rotational.
type Velocity struct {
	VX     float64
	VY     float64
	VTheta float64
}

// IsZero reports whether all axes are exactly zero.
func (v Velocity) IsZero() bool {
	return v.VX == 0 && v.VY == 0 && v.VTheta == 0
}
