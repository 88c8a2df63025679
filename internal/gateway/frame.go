package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Eden-sudo/umebot/pkg/types"
)

// Frame is the envelope of every tablet wire message, in both directions:
//
//	{ "type": <string>, "timestamp": <ISO-8601 UTC with Z>, "payload": <object> }
type Frame struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Server→client frame types.
const (
	TypeInput                = "input"
	TypeOutput               = "output"
	TypeSystem               = "system"
	TypeCurrentConfiguration = "currentConfiguration"
	TypeConfigConfirmation   = "config_confirmation"
	TypePartialSTTResult     = "partial_stt_result"
)

// Client→server frame types. "input" is shared with the S→C direction.
const (
	TypeConfig       = "config"
	TypeGamepadState = "gamepad_state"
)

// System frame severity levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// wireTimestamp formats now as the protocol's ISO-8601 UTC timestamp.
func wireTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// newFrame marshals payload into a stamped frame. Payload structs are
// marshal-safe by construction; a marshal failure here is a programming
// error, reported as an empty-payload system frame rather than a panic.
func newFrame(frameType string, payload any) Frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(`{}`)
	}
	return Frame{Type: frameType, Timestamp: wireTimestamp(), Payload: raw}
}

// ─────────────────────────────────────────────────────────────────────────────
// Server→client payloads and constructors
// ─────────────────────────────────────────────────────────────────────────────

// InputEcho mirrors an accepted user input back to all clients.
type InputEcho struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

// NewInputFrame builds an S→C "input" echo frame.
func NewInputFrame(text, source string) Frame {
	return newFrame(TypeInput, InputEcho{Text: text, Source: source})
}

// Output is a robot reply for GUI display, with expression tags stripped.
type Output struct {
	Sender              string `json:"sender"`
	Text                string `json:"text"`
	OriginalInputSource string `json:"original_input_source"`
}

// NewOutputFrame builds an S→C "output" frame.
func NewOutputFrame(sender, text, originalInputSource string) Frame {
	return newFrame(TypeOutput, Output{
		Sender:              sender,
		Text:                text,
		OriginalInputSource: originalInputSource,
	})
}

// SystemNotice is an operator-facing status or error message.
type SystemNotice struct {
	Sender string `json:"sender"`
	Level  string `json:"level"`
	Text   string `json:"text"`
	Detail string `json:"detail,omitempty"`
}

// NewSystemFrame builds an S→C "system" frame.
func NewSystemFrame(sender, level, text, detail string) Frame {
	return newFrame(TypeSystem, SystemNotice{
		Sender: sender,
		Level:  level,
		Text:   text,
		Detail: detail,
	})
}

// Settings is the configuration snapshot sent to every client on connect and
// after configuration changes.
type Settings struct {
	STTAudioSource         string   `json:"stt_audio_source"`
	AIPersonality          string   `json:"ai_personality"`
	AIModelBackend         string   `json:"ai_model_backend"`
	AvailablePersonalities []string `json:"available_personalities"`
	AvailableAIBackends    []string `json:"available_ai_backends"`
}

// NewCurrentConfigurationFrame builds an S→C "currentConfiguration" frame.
func NewCurrentConfigurationFrame(settings Settings) Frame {
	return newFrame(TypeCurrentConfiguration, struct {
		Settings Settings `json:"settings"`
	}{Settings: settings})
}

// ConfigConfirmation reports the outcome of a client "config" request.
type ConfigConfirmation struct {
	ConfigItem       string `json:"config_item"`
	Success          bool   `json:"success"`
	CurrentValue     string `json:"current_value"`
	MessageToDisplay string `json:"message_to_display"`
}

// NewConfigConfirmationFrame builds an S→C "config_confirmation" frame.
func NewConfigConfirmationFrame(c ConfigConfirmation) Frame {
	return newFrame(TypeConfigConfirmation, c)
}

// PartialSTTResult streams interim recognition text to the GUI.
type PartialSTTResult struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// NewPartialSTTFrame builds an S→C "partial_stt_result" frame.
func NewPartialSTTFrame(text string, isFinal bool) Frame {
	return newFrame(TypePartialSTTResult, PartialSTTResult{Text: text, IsFinal: isFinal})
}

// ─────────────────────────────────────────────────────────────────────────────
// Client→server payloads and validation
// ─────────────────────────────────────────────────────────────────────────────

// InputPayload is a typed user input from the tablet GUI.
type InputPayload struct {
	Text   string   `json:"text"`
	Source string   `json:"source,omitempty"`
	Images []string `json:"images,omitempty"`
}

// parseInput validates a C→S "input" payload.
func parseInput(raw json.RawMessage) (InputPayload, error) {
	var p InputPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return InputPayload{}, fmt.Errorf("payload: expected object: %w", err)
	}
	if p.Text == "" {
		return InputPayload{}, fmt.Errorf("payload.text: missing or empty")
	}
	return p, nil
}

// ConfigPayload is a configuration change request from the tablet.
type ConfigPayload struct {
	ConfigItem string `json:"config_item"`
	Value      any    `json:"value"`
}

// parseConfig validates a C→S "config" payload.
func parseConfig(raw json.RawMessage) (ConfigPayload, error) {
	var p ConfigPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ConfigPayload{}, fmt.Errorf("payload: expected object: %w", err)
	}
	if p.ConfigItem == "" {
		return ConfigPayload{}, fmt.Errorf("payload.config_item: missing or empty")
	}
	return p, nil
}

// parseGamepad validates a C→S "gamepad_state" payload field by field so that
// validation errors identify the offending path (e.g. `payload.left_stick:
// missing field "y"`). A partial payload must never reach the motion arbiter.
func parseGamepad(raw json.RawMessage) (types.GamepadState, error) {
	root, err := objectAt(raw, "payload")
	if err != nil {
		return types.GamepadState{}, err
	}

	var g types.GamepadState

	for _, stick := range []struct {
		key  string
		dest *types.Stick
	}{
		{"left_stick", &g.LeftStick},
		{"right_stick", &g.RightStick},
	} {
		obj, err := requiredObject(root, "payload", stick.key)
		if err != nil {
			return types.GamepadState{}, err
		}
		path := "payload." + stick.key
		if stick.dest.X, err = requiredNumber(obj, path, "x"); err != nil {
			return types.GamepadState{}, err
		}
		if stick.dest.Y, err = requiredNumber(obj, path, "y"); err != nil {
			return types.GamepadState{}, err
		}
	}

	dpad, err := requiredObject(root, "payload", "dpad_events")
	if err != nil {
		return types.GamepadState{}, err
	}
	for _, b := range []struct {
		key  string
		dest *bool
	}{
		{"up", &g.DPad.Up}, {"down", &g.DPad.Down},
		{"left", &g.DPad.Left}, {"right", &g.DPad.Right},
	} {
		if *b.dest, err = requiredBool(dpad, "payload.dpad_events", b.key); err != nil {
			return types.GamepadState{}, err
		}
	}

	buttons, err := requiredObject(root, "payload", "action_button_events")
	if err != nil {
		return types.GamepadState{}, err
	}
	for _, b := range []struct {
		key  string
		dest *bool
	}{
		{"a", &g.Buttons.A}, {"b", &g.Buttons.B},
		{"x", &g.Buttons.X}, {"y", &g.Buttons.Y},
	} {
		if *b.dest, err = requiredBool(buttons, "payload.action_button_events", b.key); err != nil {
			return types.GamepadState{}, err
		}
	}

	sticks, err := requiredObject(root, "payload", "stick_button_states")
	if err != nil {
		return types.GamepadState{}, err
	}
	if g.StickButtons.L3, err = requiredBool(sticks, "payload.stick_button_states", "l3_pressed"); err != nil {
		return types.GamepadState{}, err
	}
	if g.StickButtons.R3, err = requiredBool(sticks, "payload.stick_button_states", "r3_pressed"); err != nil {
		return types.GamepadState{}, err
	}

	return g, nil
}

func objectAt(raw json.RawMessage, path string) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%s: expected object", path)
	}
	return obj, nil
}

func requiredObject(parent map[string]json.RawMessage, path, key string) (map[string]json.RawMessage, error) {
	raw, ok := parent[key]
	if !ok {
		return nil, fmt.Errorf("%s: missing field %q", path, key)
	}
	return objectAt(raw, path+"."+key)
}

func requiredNumber(parent map[string]json.RawMessage, path, key string) (float64, error) {
	raw, ok := parent[key]
	if !ok {
		return 0, fmt.Errorf("%s: missing field %q", path, key)
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%s.%s: expected number", path, key)
	}
	return v, nil
}

func requiredBool(parent map[string]json.RawMessage, path, key string) (bool, error) {
	raw, ok := parent[key]
	if !ok {
		return false, fmt.Errorf("%s: missing field %q", path, key)
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("%s.%s: expected boolean", path, key)
	}
	return v, nil
}
