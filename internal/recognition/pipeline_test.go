package recognition_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/Eden-sudo/umebot/internal/recognition"
	"github.com/Eden-sudo/umebot/pkg/audio"
	"github.com/Eden-sudo/umebot/pkg/provider/stt"
	sttmock "github.com/Eden-sudo/umebot/pkg/provider/stt/mock"
	"github.com/Eden-sudo/umebot/pkg/provider/vad"
	vadmock "github.com/Eden-sudo/umebot/pkg/provider/vad/mock"
)

const (
	testRate    = 16000
	testFrameMs = 30
	// frameBytes for 30ms of 16kHz mono 16-bit PCM.
	frameBytes = testRate * testFrameMs / 1000 * 2
)

// harness wires a pipeline to buffered result channels so tests can await
// emissions from the worker goroutine.
type harness struct {
	pipeline *recognition.Pipeline
	input    chan audio.Chunk
	partials chan stt.Transcript
	finals   chan stt.Transcript
	speaking chan bool
}

func newHarness(t *testing.T, engine stt.Engine, vadEngine vad.Engine, cfg recognition.Config) *harness {
	t.Helper()
	h := &harness{
		input:    make(chan audio.Chunk, 16),
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
		speaking: make(chan bool, 16),
	}
	cfg.SampleRate = testRate
	cfg.FrameSizeMs = testFrameMs
	if cfg.InitialSourceTag == "" {
		cfg.InitialSourceTag = "local"
	}
	cb := recognition.Callbacks{
		OnPartial:     func(tr stt.Transcript) { h.partials <- tr },
		OnFinal:       func(tr stt.Transcript) { h.finals <- tr },
		OnSpeechState: func(s bool) { h.speaking <- s },
	}
	h.pipeline = recognition.New(engine, vadEngine, h.input, cfg, cb, slog.Default())
	if err := h.pipeline.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.pipeline.Stop() })
	return h
}

func awaitTranscript(t *testing.T, ch <-chan stt.Transcript, what string) stt.Transcript {
	t.Helper()
	select {
	case tr := <-ch:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return stt.Transcript{}
	}
}

func awaitSpeaking(t *testing.T, ch <-chan bool, want bool) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("speaking edge: got %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for speaking=%v edge", want)
	}
}

func assertNoTranscript(t *testing.T, ch <-chan stt.Transcript, what string) {
	t.Helper()
	select {
	case tr := <-ch:
		t.Fatalf("unexpected %s: %q", what, tr.Text)
	case <-time.After(100 * time.Millisecond):
	}
}

func chunk(n int) audio.Chunk {
	return audio.Chunk{Data: make([]byte, n)}
}

var sentinel = audio.Chunk{}

func TestPipeline_PartialSuppression(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{}
	h := newHarness(t, &sttmock.Engine{NewRecognizerResult: rec}, nil, recognition.Config{})

	rec.SetPartial("ho")
	h.input <- chunk(320)
	tr := awaitTranscript(t, h.partials, "first partial")
	if tr.Text != "ho" || tr.Kind != stt.KindPartial {
		t.Errorf("got %q (%s), want \"ho\" (partial)", tr.Text, tr.Kind)
	}
	if tr.SourceTag != "local" {
		t.Errorf("source tag: got %q, want \"local\"", tr.SourceTag)
	}

	// The same hypothesis again must not be re-emitted.
	h.input <- chunk(320)
	assertNoTranscript(t, h.partials, "repeated partial")

	rec.SetPartial("hola")
	h.input <- chunk(320)
	tr = awaitTranscript(t, h.partials, "updated partial")
	if tr.Text != "hola" {
		t.Errorf("got %q, want \"hola\"", tr.Text)
	}
}

func TestPipeline_SegmentEndEmitsFinalAndClearsPartial(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{}
	rec.ScriptSegmentEnd(2, "hola mundo")
	h := newHarness(t, &sttmock.Engine{NewRecognizerResult: rec}, nil, recognition.Config{})

	rec.SetPartial("hola")
	h.input <- chunk(320)
	awaitTranscript(t, h.partials, "standing partial")

	h.input <- chunk(320)
	tr := awaitTranscript(t, h.finals, "final")
	if tr.Text != "hola mundo" || tr.Kind != stt.KindFinal {
		t.Errorf("got %q (%s), want \"hola mundo\" (final)", tr.Text, tr.Kind)
	}

	// Clearing the standing hypothesis arrives as exactly one empty partial.
	tr = awaitTranscript(t, h.partials, "clearing partial")
	if tr.Text != "" {
		t.Errorf("clearing partial: got %q, want empty", tr.Text)
	}
	assertNoTranscript(t, h.partials, "second clearing partial")
}

func TestPipeline_SilenceTimeoutFinalizesWithVAD(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{FinalText: "adios robot"}
	sess := &vadmock.Session{}
	sess.ScriptEvents(vad.VADEvent{Type: vad.VADSpeechStart, Probability: 0.9})
	cfg := recognition.Config{SilenceTimeout: 50 * time.Millisecond}
	h := newHarness(t, &sttmock.Engine{NewRecognizerResult: rec}, &vadmock.Engine{Session: sess}, cfg)

	h.input <- chunk(frameBytes)
	awaitSpeaking(t, h.speaking, true)

	// No voiced frames for longer than the silence timeout; the sentinel
	// triggers an immediate timeout check.
	time.Sleep(80 * time.Millisecond)
	h.input <- sentinel

	tr := awaitTranscript(t, h.finals, "timeout final")
	if tr.Text != "adios robot" || tr.Kind != stt.KindFinal {
		t.Errorf("got %q (%s), want \"adios robot\" (final)", tr.Text, tr.Kind)
	}
	awaitSpeaking(t, h.speaking, false)
}

func TestPipeline_NoVADUsesStretchedLastAudioTimeout(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{FinalText: "sin vad"}
	cfg := recognition.Config{SilenceTimeout: 40 * time.Millisecond}
	h := newHarness(t, &sttmock.Engine{NewRecognizerResult: rec}, nil, cfg)

	rec.SetPartial("sin")
	h.input <- chunk(320)
	awaitTranscript(t, h.partials, "partial confirming the chunk was fed")

	time.Sleep(100 * time.Millisecond)
	h.input <- sentinel

	tr := awaitTranscript(t, h.finals, "last-audio timeout final")
	if tr.Text != "sin vad" {
		t.Errorf("got %q, want \"sin vad\"", tr.Text)
	}

	// With nothing buffered since the flush, further sentinels are inert.
	h.input <- sentinel
	assertNoTranscript(t, h.finals, "final after flush")
}

func TestPipeline_SourceSwitchFinalizesUnderOldTag(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{FinalText: "antes del cambio"}
	sess := &vadmock.Session{EventResult: vad.VADEvent{Type: vad.VADSpeechStart, Probability: 0.9}}
	h := newHarness(t, &sttmock.Engine{NewRecognizerResult: rec}, &vadmock.Engine{Session: sess},
		recognition.Config{InitialSourceTag: "local"})

	h.input <- chunk(frameBytes)
	awaitSpeaking(t, h.speaking, true)

	h.pipeline.SourceChanged("robot")

	tr := awaitTranscript(t, h.finals, "final on source switch")
	if tr.Text != "antes del cambio" {
		t.Errorf("got %q, want \"antes del cambio\"", tr.Text)
	}
	if tr.SourceTag != "local" {
		t.Errorf("switch final tagged %q, want old tag \"local\"", tr.SourceTag)
	}
	awaitSpeaking(t, h.speaking, false)

	// Subsequent output carries the new tag.
	rec.ScriptSegmentEnd(2, "despues")
	h.input <- chunk(frameBytes)
	tr = awaitTranscript(t, h.finals, "final after switch")
	if tr.SourceTag != "robot" {
		t.Errorf("post-switch final tagged %q, want \"robot\"", tr.SourceTag)
	}
}

func TestPipeline_PauseDiscardsAudio(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{}
	h := newHarness(t, &sttmock.Engine{NewRecognizerResult: rec}, nil, recognition.Config{})

	h.pipeline.Pause()
	if !h.pipeline.Paused() {
		t.Fatal("Paused() should report true after Pause")
	}
	rec.SetPartial("fantasma")
	h.input <- chunk(320)
	assertNoTranscript(t, h.partials, "partial while paused")

	h.pipeline.Resume()
	h.input <- chunk(320)
	tr := awaitTranscript(t, h.partials, "partial after resume")
	if tr.Text != "fantasma" {
		t.Errorf("got %q, want \"fantasma\"", tr.Text)
	}
}

func TestPipeline_RecognizerErrorSkipsChunk(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{SegText: "tras el error"}
	rec.AcceptFunc = func(call int, _ []byte) (bool, error) {
		if call == 1 {
			return false, stt.ErrClosed
		}
		return true, nil
	}
	h := newHarness(t, &sttmock.Engine{NewRecognizerResult: rec}, nil, recognition.Config{})

	h.input <- chunk(320)
	h.input <- chunk(320)
	tr := awaitTranscript(t, h.finals, "final after recovered error")
	if tr.Text != "tras el error" {
		t.Errorf("got %q, want \"tras el error\"", tr.Text)
	}
}

func TestPipeline_ClosedInputFlushesFinal(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{FinalText: "lo que quedaba"}
	h := newHarness(t, &sttmock.Engine{NewRecognizerResult: rec}, nil, recognition.Config{})

	rec.SetPartial("lo que")
	h.input <- chunk(320)
	awaitTranscript(t, h.partials, "partial before close")

	close(h.input)
	tr := awaitTranscript(t, h.finals, "flush final")
	if tr.Text != "lo que quedaba" {
		t.Errorf("got %q, want \"lo que quedaba\"", tr.Text)
	}
}

func TestPipeline_StartAndStopLifecycle(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{}
	sess := &vadmock.Session{}
	eng := &sttmock.Engine{NewRecognizerResult: rec}
	input := make(chan audio.Chunk)
	p := recognition.New(eng, &vadmock.Engine{Session: sess}, input,
		recognition.Config{SampleRate: testRate, Language: "es"}, recognition.Callbacks{}, slog.Default())

	if err := p.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(t.Context()); err != nil {
		t.Fatalf("second Start should be a no-op, got %v", err)
	}
	if len(eng.NewRecognizerCalls) != 1 {
		t.Errorf("recognizers created: got %d, want 1", len(eng.NewRecognizerCalls))
	}
	if got := eng.NewRecognizerCalls[0].Config.Language; got != "es" {
		t.Errorf("language: got %q, want \"es\"", got)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}
	if rec.CallCountClose != 1 {
		t.Errorf("recognizer Close calls: got %d, want 1", rec.CallCountClose)
	}
	if sess.CallCountClose != 1 {
		t.Errorf("vad session Close calls: got %d, want 1", sess.CallCountClose)
	}
	if err := p.Start(t.Context()); err == nil {
		t.Error("Start after Stop should fail")
	}
}
