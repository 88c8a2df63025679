package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; changes to the
// server, audio, recognition, or database sections require a restart and do
// not appear here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// MotionChanged covers speed modifier, axis signs, and layer bindings.
	MotionChanged bool

	// PersonalityChanged means the default personality key changed.
	PersonalityChanged bool
	NewPersonality     string

	// BackendChanged means any language-model backend field changed.
	BackendChanged bool
}

// Empty reports whether the diff carries no hot-reloadable changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.MotionChanged && !d.PersonalityChanged && !d.BackendChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if old.Motion.InitialSpeedModifier != new.Motion.InitialSpeedModifier ||
		old.Motion.AxisSigns != new.Motion.AxisSigns ||
		!slices.Equal(old.Motion.GamepadLayers, new.Motion.GamepadLayers) {
		d.MotionChanged = true
	}

	if old.Conversation.DefaultPersonality != new.Conversation.DefaultPersonality {
		d.PersonalityChanged = true
		d.NewPersonality = new.Conversation.DefaultPersonality
	}

	if old.Conversation.Backend != new.Conversation.Backend {
		d.BackendChanged = true
	}

	return d
}
