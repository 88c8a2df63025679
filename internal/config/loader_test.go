package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Eden-sudo/umebot/internal/config"
)

const minimalYAML = `
database:
  url: "postgres://localhost/umebot"
`

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want info", cfg.LogLevel)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("server.port: got %d, want 8080", cfg.Server.Port)
	}
	if cfg.Audio.Source != config.AudioSourceNone {
		t.Errorf("audio.source: got %q, want none", cfg.Audio.Source)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("audio.sample_rate: got %d, want 16000", cfg.Audio.SampleRate)
	}
	if cfg.Audio.RobotTCP.Port != 9999 || cfg.Audio.RobotTCP.IncomingChannels != 2 {
		t.Errorf("robot_tcp defaults: got %+v", cfg.Audio.RobotTCP)
	}
	if cfg.Audio.Mic.RetryAttempts != 3 || cfg.Audio.Mic.RetryInterval != 5*time.Second {
		t.Errorf("mic defaults: got %+v", cfg.Audio.Mic)
	}
	if cfg.Recognition.VAD.FrameMs != 30 || cfg.Recognition.VAD.SilenceTimeout != 2*time.Second {
		t.Errorf("vad defaults: got %+v", cfg.Recognition.VAD)
	}
	if cfg.Conversation.HistoryLimit != 5 {
		t.Errorf("history_limit: got %d, want 5", cfg.Conversation.HistoryLimit)
	}
	if cfg.Conversation.Backend.Kind != config.BackendNone {
		t.Errorf("backend.kind: got %q, want none", cfg.Conversation.Backend.Kind)
	}
	if cfg.Motion.InitialSpeedModifier != 0.5 {
		t.Errorf("initial_speed_modifier: got %v, want 0.5", cfg.Motion.InitialSpeedModifier)
	}
	if cfg.Motion.AxisSigns.VX != 1 || cfg.Motion.AxisSigns.VY != -1 || cfg.Motion.AxisSigns.VTheta != -1 {
		t.Errorf("axis_signs defaults: got %+v", cfg.Motion.AxisSigns)
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()

	yaml := `
log_level: debug
server:
  host: 0.0.0.0
  port: 8765
audio:
  source: robot
  robot_tcp:
    port: 9898
    opus: true
recognition:
  engine: whisper
  model_path: /models/ggml-base-q5_1.bin
  vad:
    enabled: true
    aggressiveness: 2
conversation:
  default_personality: tecnica
  history_limit: 8
  backend:
    kind: cloud
    provider: openai
    model: gpt-4o
    api_key: sk-test
  semantic_recall:
    enabled: true
    embed_provider: ollama
    embed_model: nomic-embed-text
database:
  url: "postgres://localhost/umebot"
motion:
  initial_speed_modifier: 0.3
  gamepad_layers:
    - a: {type: standard_tag, tag: happy}
      b: {type: local_anim, category: saludos}
      x: {type: speak_annotated, text: "^runTag(happy) Hola"}
expression:
  animations_dir: /opt/umebot/animations
metrics:
  enabled: true
  listen: ":9091"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Audio.Source != config.AudioSourceRobot || !cfg.Audio.RobotTCP.Opus {
		t.Errorf("audio: got %+v", cfg.Audio)
	}
	if cfg.Conversation.Backend.Kind != config.BackendCloud || cfg.Conversation.Backend.Model != "gpt-4o" {
		t.Errorf("backend: got %+v", cfg.Conversation.Backend)
	}
	if len(cfg.Motion.GamepadLayers) != 1 {
		t.Fatalf("gamepad_layers: got %d, want 1", len(cfg.Motion.GamepadLayers))
	}
	layer := cfg.Motion.GamepadLayers[0]
	if layer.A.Tag != "happy" || layer.B.Category != "saludos" || layer.X.Text == "" {
		t.Errorf("layer bindings: got %+v", layer)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("volume: 11\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad log level",
			yaml:    "log_level: loud\n",
			wantErr: "log_level",
		},
		{
			name:    "bad audio source",
			yaml:    "audio:\n  source: satellite\n",
			wantErr: "audio.source",
		},
		{
			name:    "whisper without model",
			yaml:    "audio:\n  source: local\nrecognition:\n  engine: whisper\n",
			wantErr: "model_path",
		},
		{
			name:    "vad aggressiveness out of range",
			yaml:    "recognition:\n  engine: mock\n  vad:\n    aggressiveness: 7\n",
			wantErr: "aggressiveness",
		},
		{
			name:    "cloud backend without model",
			yaml:    "conversation:\n  backend:\n    kind: cloud\n    provider: openai\n",
			wantErr: "backend.model",
		},
		{
			name:    "semantic recall without database",
			yaml:    "conversation:\n  semantic_recall:\n    enabled: true\n    embed_provider: ollama\n",
			wantErr: "database.url",
		},
		{
			name:    "speed out of range",
			yaml:    "motion:\n  initial_speed_modifier: 1.5\n",
			wantErr: "initial_speed_modifier",
		},
		{
			name:    "bad layer action type",
			yaml:    "motion:\n  gamepad_layers:\n    - a: {type: dance}\n",
			wantErr: "gamepad_layers[0].a",
		},
		{
			name:    "tag action without tag",
			yaml:    "motion:\n  gamepad_layers:\n    - b: {type: standard_tag}\n",
			wantErr: "requires a tag",
		},
		{
			name:    "metrics enabled without listen",
			yaml:    "metrics:\n  enabled: true\n",
			wantErr: "metrics.listen",
		},
		{
			name:    "partial tls",
			yaml:    "server:\n  tls:\n    cert_file: /tmp/cert.pem\n",
			wantErr: "server.tls",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	t.Parallel()

	yaml := `
log_level: loud
audio:
  source: satellite
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") || !strings.Contains(err.Error(), "audio.source") {
		t.Errorf("joined error should list both failures, got: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL == "" {
		t.Error("database.url not loaded")
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
