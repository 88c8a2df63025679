package energy_test

import (
	"encoding/binary"
	"testing"

	"github.com/Eden-sudo/umebot/pkg/provider/vad"
	"github.com/Eden-sudo/umebot/pkg/provider/vad/energy"
)

// frame builds a 30ms 16kHz mono frame of constant amplitude.
func frame(amplitude int16) []byte {
	buf := make([]byte, 480*2)
	for i := range 480 {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amplitude))
	}
	return buf
}

func newSession(t *testing.T, opts ...energy.Option) vad.SessionHandle {
	t.Helper()
	sess, err := energy.New(opts...).NewSession(energy.Preset(2, 16000, 30))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestPreset_Clamping(t *testing.T) {
	t.Parallel()
	low := energy.Preset(-5, 16000, 30)
	if low.SpeechThreshold != energy.Preset(0, 16000, 30).SpeechThreshold {
		t.Error("negative aggressiveness should clamp to 0")
	}
	high := energy.Preset(9, 16000, 30)
	if high.SpeechThreshold != energy.Preset(3, 16000, 30).SpeechThreshold {
		t.Error("aggressiveness above 3 should clamp to 3")
	}
}

func TestNewSession_Validation(t *testing.T) {
	t.Parallel()
	eng := energy.New()
	cases := []struct {
		name string
		cfg  vad.Config
	}{
		{"zero sample rate", vad.Config{FrameSizeMs: 30, SpeechThreshold: 0.5, SilenceThreshold: 0.3}},
		{"zero frame size", vad.Config{SampleRate: 16000, SpeechThreshold: 0.5, SilenceThreshold: 0.3}},
		{"threshold out of range", vad.Config{SampleRate: 16000, FrameSizeMs: 30, SpeechThreshold: 1.5, SilenceThreshold: 0.3}},
		{"inverted thresholds", vad.Config{SampleRate: 16000, FrameSizeMs: 30, SpeechThreshold: 0.3, SilenceThreshold: 0.5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := eng.NewSession(tc.cfg); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}

func TestSession_WrongFrameSize(t *testing.T) {
	t.Parallel()
	sess := newSession(t)
	if _, err := sess.ProcessFrame(make([]byte, 100)); err == nil {
		t.Fatal("expected error for wrong frame size")
	}
}

func TestSession_SpeechEdges(t *testing.T) {
	t.Parallel()
	sess := newSession(t, energy.WithHangoverFrames(2))

	ev, err := sess.ProcessFrame(frame(0))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.VADSilence {
		t.Errorf("silent frame: got %s, want silence", ev.Type)
	}

	ev, _ = sess.ProcessFrame(frame(8000))
	if ev.Type != vad.VADSpeechStart {
		t.Errorf("loud frame: got %s, want speech_start", ev.Type)
	}
	if !ev.Speech() {
		t.Error("speech_start should classify as speech")
	}

	ev, _ = sess.ProcessFrame(frame(8000))
	if ev.Type != vad.VADSpeechContinue {
		t.Errorf("sustained speech: got %s, want speech_continue", ev.Type)
	}

	// One quiet frame is inside the hangover window.
	ev, _ = sess.ProcessFrame(frame(0))
	if ev.Type != vad.VADSpeechContinue {
		t.Errorf("first quiet frame: got %s, want speech_continue (hangover)", ev.Type)
	}
	// The second quiet frame ends the segment.
	ev, _ = sess.ProcessFrame(frame(0))
	if ev.Type != vad.VADSpeechEnd {
		t.Errorf("second quiet frame: got %s, want speech_end", ev.Type)
	}
	if ev.Speech() {
		t.Error("speech_end should not classify as speech")
	}

	ev, _ = sess.ProcessFrame(frame(0))
	if ev.Type != vad.VADSilence {
		t.Errorf("after segment end: got %s, want silence", ev.Type)
	}
}

func TestSession_ResetClearsSpeakingState(t *testing.T) {
	t.Parallel()
	sess := newSession(t)
	if _, err := sess.ProcessFrame(frame(8000)); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	sess.Reset()
	ev, _ := sess.ProcessFrame(frame(8000))
	if ev.Type != vad.VADSpeechStart {
		t.Errorf("after Reset a loud frame should start a new segment, got %s", ev.Type)
	}
}
