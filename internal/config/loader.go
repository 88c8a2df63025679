package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Eden-sudo/umebot/internal/motion"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Audio.Source == "" {
		cfg.Audio.Source = AudioSourceNone
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Mic.RetryAttempts == 0 {
		cfg.Audio.Mic.RetryAttempts = 3
	}
	if cfg.Audio.Mic.RetryInterval == 0 {
		cfg.Audio.Mic.RetryInterval = 5 * time.Second
	}
	if cfg.Audio.RobotTCP.Port == 0 {
		cfg.Audio.RobotTCP.Port = 9999
	}
	if cfg.Audio.RobotTCP.IncomingRate == 0 {
		cfg.Audio.RobotTCP.IncomingRate = 16000
	}
	if cfg.Audio.RobotTCP.IncomingChannels == 0 {
		cfg.Audio.RobotTCP.IncomingChannels = 2
	}
	if cfg.Recognition.Engine == "" {
		cfg.Recognition.Engine = EngineWhisper
	}
	if cfg.Recognition.Language == "" {
		cfg.Recognition.Language = "es"
	}
	if cfg.Recognition.VAD.FrameMs == 0 {
		cfg.Recognition.VAD.FrameMs = 30
	}
	if cfg.Recognition.VAD.SilenceTimeout == 0 {
		cfg.Recognition.VAD.SilenceTimeout = 2 * time.Second
	}
	if cfg.Conversation.HistoryLimit == 0 {
		cfg.Conversation.HistoryLimit = 5
	}
	if cfg.Conversation.Backend.Kind == "" {
		cfg.Conversation.Backend.Kind = BackendNone
	}
	if cfg.Conversation.SemanticRecall.TopK == 0 {
		cfg.Conversation.SemanticRecall.TopK = 3
	}
	if cfg.Motion.InitialSpeedModifier == 0 {
		cfg.Motion.InitialSpeedModifier = 0.5
	}
	if cfg.Motion.AxisSigns == (motion.AxisSigns{}) {
		cfg.Motion.AxisSigns = motion.DefaultAxisSigns
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if !cfg.Audio.Source.IsValid() {
		errs = append(errs, fmt.Errorf("audio.source %q is invalid; valid values: local, robot, none", cfg.Audio.Source))
	}
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.RobotTCP.Port < 1 || cfg.Audio.RobotTCP.Port > 65535 {
		errs = append(errs, fmt.Errorf("audio.robot_tcp.port %d is out of range [1, 65535]", cfg.Audio.RobotTCP.Port))
	}
	if c := cfg.Audio.RobotTCP.IncomingChannels; c != 1 && c != 2 {
		errs = append(errs, fmt.Errorf("audio.robot_tcp.incoming_channels %d must be 1 or 2", c))
	}

	if !cfg.Recognition.Engine.IsValid() {
		errs = append(errs, fmt.Errorf("recognition.engine %q is invalid; valid values: whisper, mock", cfg.Recognition.Engine))
	}
	if cfg.Recognition.Engine == EngineWhisper && cfg.Audio.Source != AudioSourceNone && cfg.Recognition.ModelPath == "" {
		errs = append(errs, errors.New("recognition.model_path is required for the whisper engine"))
	}
	if a := cfg.Recognition.VAD.Aggressiveness; a < 0 || a > 3 {
		errs = append(errs, fmt.Errorf("recognition.vad.aggressiveness %d is out of range [0, 3]", a))
	}

	// Backend
	b := cfg.Conversation.Backend
	if !b.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("conversation.backend.kind %q is invalid; valid values: cloud, local, none", b.Kind))
	}
	if b.Kind == BackendCloud {
		if b.Model == "" {
			errs = append(errs, errors.New("conversation.backend.model is required for cloud backends"))
		}
		validateProviderName("llm", b.Provider)
	}
	if b.Kind == BackendLocal && b.BaseURL == "" && b.Model == "" {
		errs = append(errs, errors.New("conversation.backend requires base_url or model for local backends"))
	}

	sr := cfg.Conversation.SemanticRecall
	if sr.Enabled {
		if sr.EmbedProvider == "" {
			errs = append(errs, errors.New("conversation.semantic_recall.embed_provider is required when enabled"))
		} else {
			validateProviderName("embeddings", sr.EmbedProvider)
		}
		if cfg.Database.URL == "" {
			errs = append(errs, errors.New("conversation.semantic_recall requires database.url"))
		}
	}
	if cfg.Database.URL == "" {
		slog.Warn("database.url is empty; conversations will not be persisted")
	}

	// Motion
	if s := cfg.Motion.InitialSpeedModifier; s < 0.1 || s > 1.0 {
		errs = append(errs, fmt.Errorf("motion.initial_speed_modifier %.2f is out of range [0.1, 1.0]", s))
	}
	for i, layer := range cfg.Motion.GamepadLayers {
		for _, slot := range []struct {
			name   string
			action motion.Action
		}{
			{"a", layer.A}, {"b", layer.B}, {"x", layer.X}, {"y", layer.Y},
		} {
			if err := validateAction(slot.action); err != nil {
				errs = append(errs, fmt.Errorf("motion.gamepad_layers[%d].%s: %w", i, slot.name, err))
			}
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics.enabled"))
	}

	return errors.Join(errs...)
}

// validateAction checks one gamepad button binding.
func validateAction(a motion.Action) error {
	switch a.Type {
	case "", motion.ActionNone:
		return nil
	case motion.ActionLocalAnimation:
		if a.Category == "" {
			return errors.New("local_anim action requires a category")
		}
		return nil
	case motion.ActionStandardTag:
		if a.Tag == "" {
			return errors.New("standard_tag action requires a tag")
		}
		return nil
	case motion.ActionSpeakAnnotated:
		if a.Text == "" {
			return errors.New("speak_annotated action requires text")
		}
		return nil
	default:
		return fmt.Errorf("action type %q is invalid; valid values: none, local_anim, standard_tag, speak_annotated", a.Type)
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
