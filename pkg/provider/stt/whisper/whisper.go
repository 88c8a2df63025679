// Package whisper provides whisper.cpp-backed recognition engines.
//
// whisper.cpp is a batch (non-streaming) transcription engine, so both
// engines in this package simulate the chunk-fed [stt.Recognizer] surface by
// buffering incoming PCM, applying an energy-based silence detector to find
// utterance-segment boundaries, and submitting each completed segment as one
// batch inference. Consequently Partial always returns "": there is no cheap
// in-progress hypothesis. Segment ends are still reported through Accept and
// forced flushes through Final, which is all the recognition pipeline needs.
//
// Two engines are available:
//
//   - [Engine] talks to a running whisper-server binary over its REST API
//     (POST /inference).
//   - [NativeEngine] links whisper.cpp directly through the CGO bindings and
//     loads the model in-process.
//
// Usage:
//
//	eng, err := whisper.New("http://localhost:8080", whisper.WithLanguage("es"))
//	rec, err := eng.NewRecognizer(stt.StreamConfig{SampleRate: 16000})
//	end, err := rec.Accept(pcmChunk)
//	if end { text := rec.SegmentText() }
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/Eden-sudo/umebot/pkg/provider/stt"
)

const (
	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit
	// PCM units) below which audio is considered silent. The maximum
	// possible value for 16-bit audio is 32 767; 300 corresponds to
	// near-silence.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "es"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
)

// Compile-time assertion that Engine implements stt.Engine.
var _ stt.Engine = (*Engine)(nil)

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithLanguage sets the BCP-47 language code sent to the whisper.cpp server
// (e.g., "es", "en"). Defaults to "es".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithSilenceThresholdMs sets the consecutive-silence duration (in
// milliseconds) after which the accumulated segment is committed as an
// intrinsic segment end. Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(e *Engine) { e.silenceThresholdMs = ms }
}

// WithMaxBufferDurationMs sets the maximum duration of audio (in
// milliseconds) that may accumulate before a segment is force-committed
// regardless of silence. This bounds memory during continuous speech.
// Defaults to 10 000 ms.
func WithMaxBufferDurationMs(ms int) Option {
	return func(e *Engine) { e.maxBufferDurationMs = ms }
}

// Engine implements [stt.Engine] backed by a whisper.cpp HTTP server.
// Multiple recognizers may be open simultaneously; each maintains its own
// audio buffer.
type Engine struct {
	serverURL           string
	model               string
	language            string
	silenceThresholdMs  int
	maxBufferDurationMs int
	httpClient          *http.Client
}

// New creates an Engine that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Engine, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	e := &Engine{
		serverURL:           serverURL,
		language:            defaultLanguage,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// NewRecognizer implements [stt.Engine].
func (e *Engine) NewRecognizer(cfg stt.StreamConfig) (stt.Recognizer, error) {
	lang := cfg.Language
	if lang == "" {
		lang = e.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	return &recognizer{
		engine:   e,
		language: lang,
		seg: segmenter{
			sampleRate:          sr,
			silenceThresholdMs:  e.silenceThresholdMs,
			maxBufferDurationMs: e.maxBufferDurationMs,
		},
	}, nil
}

// infer encodes pcm as a WAV file and POSTs it to the whisper.cpp
// /inference endpoint as multipart/form-data. Returns the transcribed text.
func (e *Engine) infer(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	wav := encodeWAV(pcm, sampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if e.model != "" {
		if err := mw.WriteField("model", e.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}

// ─── segmenter ────────────────────────────────────────────────────────────────

// segmenter accumulates PCM for the current utterance segment and decides
// when it is complete. Shared by the HTTP and native recognizers; all state
// is confined to the owning recognizer (single-threaded by the
// [stt.Recognizer] contract).
type segmenter struct {
	sampleRate          int
	silenceThresholdMs  int
	maxBufferDurationMs int

	buffer    []byte
	hadSpeech bool
	silenceMs int
}

// push appends a chunk and reports whether the segment should be committed:
// enough trailing silence after speech, or the buffer hit its size cap.
func (s *segmenter) push(chunk []byte) bool {
	rms := computeRMS(chunk)
	chunkMs := chunkDurationMs(chunk, s.sampleRate)

	if rms < defaultRMSThreshold {
		// Leading silence before any speech is discarded.
		if !s.hadSpeech {
			return false
		}
		s.silenceMs += chunkMs
		s.buffer = append(s.buffer, chunk...)
		return s.silenceMs >= s.silenceThresholdMs
	}

	s.hadSpeech = true
	s.silenceMs = 0
	s.buffer = append(s.buffer, chunk...)
	maxBytes := s.maxBufferDurationMs * s.sampleRate * 2 / 1000
	return maxBytes > 0 && len(s.buffer) >= maxBytes
}

// take returns the accumulated segment (nil when it held no speech) and
// resets the segmenter.
func (s *segmenter) take() []byte {
	pcm := s.buffer
	hadSpeech := s.hadSpeech
	s.buffer = nil
	s.hadSpeech = false
	s.silenceMs = 0
	if !hadSpeech {
		return nil
	}
	return pcm
}

// reset discards all accumulated state.
func (s *segmenter) reset() {
	s.buffer = nil
	s.hadSpeech = false
	s.silenceMs = 0
}

// ─── recognizer ───────────────────────────────────────────────────────────────

// recognizer implements [stt.Recognizer] on top of the HTTP engine.
type recognizer struct {
	engine   *Engine
	language string
	seg      segmenter

	segText string
	closed  bool

	// Guards closed only; the recognizer is otherwise single-threaded.
	mu sync.Mutex
}

var _ stt.Recognizer = (*recognizer)(nil)

// Accept implements [stt.Recognizer]. Inference runs synchronously on the
// caller's goroutine when a segment completes; the recognition pipeline
// worker is allowed to block here.
func (r *recognizer) Accept(chunk []byte) (bool, error) {
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
	text, err := r.engine.infer(context.Background(), pcm, r.seg.sampleRate, r.language)
	if err != nil {
		return false, err
	}
	r.segText = text
	return true, nil
}

// Partial implements [stt.Recognizer]. whisper.cpp is a batch engine, so no
// in-progress hypothesis is available.
func (r *recognizer) Partial() string { return "" }

// SegmentText implements [stt.Recognizer].
func (r *recognizer) SegmentText() string { return r.segText }

// Final implements [stt.Recognizer]. Flushes the buffered audio as a last
// segment. Inference failures yield "" so forced finalization never fails.
func (r *recognizer) Final() string {
	if r.isClosed() {
		return ""
	}
	pcm := r.seg.take()
	if pcm == nil {
		return ""
	}
	text, err := r.engine.infer(context.Background(), pcm, r.seg.sampleRate, r.language)
	if err != nil {
		return ""
	}
	r.segText = text
	return text
}

// Reset implements [stt.Recognizer].
func (r *recognizer) Reset() {
	r.seg.reset()
	r.segText = ""
}

// Close implements [stt.Recognizer].
func (r *recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recognizer) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
