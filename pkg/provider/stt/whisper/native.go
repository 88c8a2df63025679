// This file contains the NativeEngine implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/Eden-sudo/umebot/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that NativeEngine satisfies stt.Engine.
var _ stt.Engine = (*NativeEngine)(nil)

// NativeEngine implements [stt.Engine] using the whisper.cpp Go bindings
// (CGO), eliminating server round trips entirely. The model is loaded once
// and shared across all recognizers.
type NativeEngine struct {
	model    whisperlib.Model
	language string

	// Same silence-detection parameters as the HTTP engine.
	silenceThresholdMs  int
	maxBufferDurationMs int
}

// NativeOption is a functional option for configuring a NativeEngine.
type NativeOption func(*NativeEngine)

// WithNativeLanguage sets the BCP-47 language code for transcription
// (e.g., "es", "en"). Defaults to "es".
func WithNativeLanguage(lang string) NativeOption {
	return func(e *NativeEngine) { e.language = lang }
}

// WithNativeSilenceThresholdMs sets the consecutive-silence duration (ms)
// after which the accumulated segment is committed. Defaults to 500 ms.
func WithNativeSilenceThresholdMs(ms int) NativeOption {
	return func(e *NativeEngine) { e.silenceThresholdMs = ms }
}

// WithNativeMaxBufferDurationMs sets the maximum buffered audio duration
// (ms) before a forced segment commit. Defaults to 10 000 ms.
func WithNativeMaxBufferDurationMs(ms int) NativeOption {
	return func(e *NativeEngine) { e.maxBufferDurationMs = ms }
}

// NewNative creates a NativeEngine that loads the whisper.cpp model from the
// given file path. The model is loaded once and shared across recognizers.
// The caller must call Close when the engine is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeEngine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	e := &NativeEngine{
		model:               model,
		language:            defaultLanguage,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Close releases the whisper model. Must be called when the engine is no
// longer needed.
func (e *NativeEngine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

// NewRecognizer implements [stt.Engine]. Each recognizer creates its own
// whisper.cpp context per inference, so multiple recognizers can run
// concurrently against the shared model.
func (e *NativeEngine) NewRecognizer(cfg stt.StreamConfig) (stt.Recognizer, error) {
	lang := cfg.Language
	if lang == "" {
		lang = e.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	return &nativeRecognizer{
		model:    e.model,
		language: lang,
		seg: segmenter{
			sampleRate:          sr,
			silenceThresholdMs:  e.silenceThresholdMs,
			maxBufferDurationMs: e.maxBufferDurationMs,
		},
	}, nil
}

// ─── nativeRecognizer ─────────────────────────────────────────────────────────

// nativeRecognizer implements [stt.Recognizer] using the CGO bindings.
type nativeRecognizer struct {
	model    whisperlib.Model
	language string
	seg      segmenter

	segText string
	closed  bool
	mu      sync.Mutex
}

var _ stt.Recognizer = (*nativeRecognizer)(nil)

// Accept implements [stt.Recognizer].
func (r *nativeRecognizer) Accept(chunk []byte) (bool, error) {
	if r.isClosed() {
		return false, stt.ErrClosed
	}
	if !r.seg.push(chunk) {
		return false, nil
	}
	pcm := r.seg.take()
	if pcm == nil {
		return false, nil
	}
	text, err := r.infer(pcm)
	if err != nil {
		return false, err
	}
	r.segText = text
	return true, nil
}

// Partial implements [stt.Recognizer]. No streaming hypothesis is available.
func (r *nativeRecognizer) Partial() string { return "" }

// SegmentText implements [stt.Recognizer].
func (r *nativeRecognizer) SegmentText() string { return r.segText }

// Final implements [stt.Recognizer].
func (r *nativeRecognizer) Final() string {
	if r.isClosed() {
		return ""
	}
	pcm := r.seg.take()
	if pcm == nil {
		return ""
	}
	text, err := r.infer(pcm)
	if err != nil {
		slog.Error("whisper native inference failed on flush", "error", err)
		return ""
	}
	r.segText = text
	return text
}

// Reset implements [stt.Recognizer].
func (r *nativeRecognizer) Reset() {
	r.seg.reset()
	r.segText = ""
}

// Close implements [stt.Recognizer].
func (r *nativeRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *nativeRecognizer) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// infer converts the segment to float32, runs whisper.cpp inference in a
// fresh context and returns the concatenated text. Contexts are not
// thread-safe but the model can be shared across goroutines.
func (r *nativeRecognizer) infer(pcm []byte) (string, error) {
	samples := pcmToFloat32(pcm)

	wctx, err := r.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(r.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", r.language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
