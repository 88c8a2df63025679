// Package recognition implements the streaming recognition pipeline: it
// consumes the multiplexed audio chunk stream, gates it with voice-activity
// detection, feeds a chunk-fed recognizer and emits partial and final
// transcripts plus speaking-state edges.
//
// # Architecture
//
// One dedicated worker owns all recognizer and VAD state; no concurrent
// calls to the recognizer ever happen. Inputs arrive on the chunk channel,
// control operations (pause, resume, source switch) are funneled into the
// same worker through a command channel, and a periodic tick drives the
// silence-timeout checks when no audio arrives.
//
// Finalization happens on three triggers: the recognizer's own segment-end
// signal, the silence timeout while the user was speaking (VAD mode), and a
// last-audio timeout of 1.5× the silence timeout when VAD is unavailable.
// A stream-end sentinel on the chunk channel forces an immediate timeout
// check so a robot-side disconnect finalizes promptly.
package recognition

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Eden-sudo/umebot/pkg/audio"
	"github.com/Eden-sudo/umebot/pkg/provider/stt"
	"github.com/Eden-sudo/umebot/pkg/provider/vad"
)

// Defaults for [Config].
const (
	DefaultFrameSizeMs    = 30
	DefaultSilenceTimeout = 2 * time.Second

	// noVADTimeoutFactor stretches the silence timeout when no VAD is
	// available and only chunk arrival times can be observed.
	noVADTimeoutFactor = 1.5

	// tickInterval drives timeout checks while no audio arrives.
	tickInterval = 250 * time.Millisecond
)

// Config holds the parameters for a [Pipeline].
type Config struct {
	// SampleRate of the incoming chunk stream in Hz.
	SampleRate int

	// Language hint forwarded to the recognizer.
	Language string

	// FrameSizeMs is the VAD frame duration.
	FrameSizeMs int

	// SilenceTimeout is the speaking-state silence window after which the
	// current utterance is force-finalized. Without VAD, 1.5× this value
	// applies against last-chunk arrival instead.
	SilenceTimeout time.Duration

	// VADConfig configures the VAD session. Ignored when no VAD engine is
	// supplied.
	VADConfig vad.Config

	// InitialSourceTag is attached to transcripts until a source switch.
	InitialSourceTag string
}

func (c *Config) applyDefaults() {
	if c.FrameSizeMs <= 0 {
		c.FrameSizeMs = DefaultFrameSizeMs
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
}

// Callbacks receive pipeline output. They are invoked synchronously on the
// pipeline worker and must not block; hand off to channels or goroutines
// for slow work. Nil callbacks are skipped.
type Callbacks struct {
	// OnPartial receives in-progress hypotheses. A partial is only
	// delivered when it differs from the previous one; a single empty
	// partial marks the clearing of a previously non-empty hypothesis.
	OnPartial func(stt.Transcript)

	// OnFinal receives committed utterances. Finals with empty text are
	// suppressed before this callback.
	OnFinal func(stt.Transcript)

	// OnSpeechState receives speaking-state edges derived from VAD.
	OnSpeechState func(speaking bool)
}

// Pipeline is the recognition worker. Create with [New], wire callbacks,
// then Start. Start and Stop are idempotent.
type Pipeline struct {
	cfg       Config
	engine    stt.Engine
	vadEngine vad.Engine
	callbacks Callbacks
	log       *slog.Logger

	input    <-chan audio.Chunk
	commands chan func()

	mu      sync.Mutex
	running bool
	stopped bool
	paused  bool

	stop chan struct{}
	done chan struct{}

	// Worker-confined state. Only the run goroutine touches these.
	rec         stt.Recognizer
	vadSession  vad.SessionHandle
	frameBuf    []byte
	frameBytes  int
	speaking    bool
	lastVoice   time.Time
	lastChunkAt time.Time
	lastPartial string
	pendingPCM  bool
	sourceTag   string
}

// New creates a pipeline reading from input. vadEngine may be nil, in which
// case the last-audio timeout policy applies and no speaking-state edges
// are emitted.
func New(engine stt.Engine, vadEngine vad.Engine, input <-chan audio.Chunk, cfg Config, cb Callbacks, log *slog.Logger) *Pipeline {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		engine:    engine,
		vadEngine: vadEngine,
		callbacks: cb,
		log:       log,
		input:     input,
		commands:  make(chan func(), 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		sourceTag: cfg.InitialSourceTag,
	}
}

// Start creates the recognizer and VAD session and launches the worker.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if p.stopped {
		return fmt.Errorf("recognition pipeline: already stopped")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rec, err := p.engine.NewRecognizer(stt.StreamConfig{
		SampleRate: p.cfg.SampleRate,
		Language:   p.cfg.Language,
	})
	if err != nil {
		return fmt.Errorf("recognition pipeline: creating recognizer: %w", err)
	}
	p.rec = rec

	if p.vadEngine != nil {
		session, err := p.vadEngine.NewSession(p.cfg.VADConfig)
		if err != nil {
			rec.Close()
			return fmt.Errorf("recognition pipeline: creating VAD session: %w", err)
		}
		p.vadSession = session
	}

	p.frameBytes = p.cfg.SampleRate * p.cfg.FrameSizeMs / 1000 * 2
	p.lastChunkAt = time.Now()
	p.lastVoice = time.Now()
	p.running = true
	go p.run()
	p.log.Info("recognition pipeline started",
		"sampleRate", p.cfg.SampleRate,
		"vad", p.vadSession != nil,
		"silenceTimeout", p.cfg.SilenceTimeout,
		"source", p.sourceTag,
	)
	return nil
}

// Stop terminates the worker and releases recognizer and VAD resources.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	wasRunning := p.running
	p.running = false
	p.mu.Unlock()

	close(p.stop)
	if wasRunning {
		<-p.done
	}
	if p.vadSession != nil {
		p.vadSession.Close()
	}
	if p.rec != nil {
		p.rec.Close()
	}
	if wasRunning {
		p.log.Info("recognition pipeline stopped")
	}
	return nil
}

// Pause suspends recognition; incoming chunks are discarded so the robot
// does not hear itself while replying. Idempotent.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume re-enables recognition after [Pipeline.Pause]. Idempotent.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

// Paused reports whether the pipeline is currently discarding audio.
func (p *Pipeline) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// SourceChanged tells the pipeline the audio source switched: the current
// utterance is finalized and emitted under the old tag, the recognizer and
// VAD state are reset, and a speaking=false edge is emitted if needed.
// The operation runs on the worker; SourceChanged returns without waiting
// for it.
func (p *Pipeline) SourceChanged(tag string) {
	select {
	case p.commands <- func() { p.handleSourceSwitch(tag) }:
	case <-p.stop:
	}
}

// run is the single worker goroutine. All recognizer and VAD access happens
// here.
func (p *Pipeline) run() {
	defer close(p.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case cmd := <-p.commands:
			cmd()
		case <-ticker.C:
			p.checkTimeouts()
		case chunk, ok := <-p.input:
			if !ok {
				// Chunk stream closed for good; flush what we have.
				p.finalizeUtterance()
				return
			}
			if chunk.End() {
				// Transport ended; a timeout check now finalizes promptly.
				p.checkTimeouts()
				continue
			}
			if p.Paused() {
				continue
			}
			p.processChunk(chunk)
		}
	}
}

// processChunk runs VAD frame gating and feeds the recognizer.
func (p *Pipeline) processChunk(chunk audio.Chunk) {
	now := time.Now()
	p.lastChunkAt = now

	if p.vadSession != nil {
		p.frameBuf = append(p.frameBuf, chunk.Data...)
		for len(p.frameBuf) >= p.frameBytes {
			frame := p.frameBuf[:p.frameBytes]
			p.frameBuf = p.frameBuf[p.frameBytes:]
			ev, err := p.vadSession.ProcessFrame(frame)
			if err != nil {
				p.log.Warn("vad frame error, skipping frame", "err", err)
				continue
			}
			if ev.Speech() {
				p.lastVoice = now
				p.setSpeaking(true)
			}
		}
	}

	segmentEnd, err := p.rec.Accept(chunk.Data)
	if err != nil {
		// Per-chunk errors never kill the worker.
		p.log.Warn("recognizer chunk error, skipping chunk", "bytes", len(chunk.Data), "err", err)
		return
	}
	p.pendingPCM = true

	if segmentEnd {
		p.emitFinal(p.rec.SegmentText())
		p.clearPartial()
		p.pendingPCM = false
		return
	}
	p.emitPartial(p.rec.Partial())
}

// checkTimeouts applies the silence-timeout finalization policy.
func (p *Pipeline) checkTimeouts() {
	now := time.Now()
	if p.vadSession != nil {
		if p.speaking && now.Sub(p.lastVoice) > p.cfg.SilenceTimeout {
			p.finalizeUtterance()
		}
		return
	}
	noVADTimeout := time.Duration(float64(p.cfg.SilenceTimeout) * noVADTimeoutFactor)
	if p.pendingPCM && now.Sub(p.lastChunkAt) > noVADTimeout {
		p.finalizeUtterance()
	}
}

// finalizeUtterance flushes the recognizer, emits the resulting final and
// drops the speaking state.
func (p *Pipeline) finalizeUtterance() {
	p.emitFinal(p.rec.Final())
	p.clearPartial()
	p.pendingPCM = false
	p.setSpeaking(false)
}

// handleSourceSwitch runs on the worker in response to [Pipeline.SourceChanged].
func (p *Pipeline) handleSourceSwitch(tag string) {
	p.finalizeUtterance()
	p.frameBuf = nil
	p.rec.Reset()
	if p.vadSession != nil {
		p.vadSession.Reset()
	}
	old := p.sourceTag
	p.sourceTag = tag
	p.log.Info("recognition source switched", "from", old, "to", tag)
}

// setSpeaking updates the speaking flag and emits the edge callback on
// transitions only.
func (p *Pipeline) setSpeaking(speaking bool) {
	if p.speaking == speaking {
		return
	}
	p.speaking = speaking
	if p.callbacks.OnSpeechState != nil {
		p.callbacks.OnSpeechState(speaking)
	}
}

// emitPartial delivers a partial only when it differs from the previous
// one. Clearing a non-empty hypothesis is delivered once as an empty
// partial.
func (p *Pipeline) emitPartial(text string) {
	if text == p.lastPartial {
		return
	}
	p.lastPartial = text
	if p.callbacks.OnPartial != nil {
		p.callbacks.OnPartial(stt.Transcript{
			Text:      text,
			Kind:      stt.KindPartial,
			SourceTag: p.sourceTag,
		})
	}
}

// clearPartial resets the suppression cache, emitting the one empty partial
// when a non-empty hypothesis was standing.
func (p *Pipeline) clearPartial() {
	if p.lastPartial == "" {
		return
	}
	p.emitPartial("")
}

// emitFinal suppresses empty finals.
func (p *Pipeline) emitFinal(text string) {
	if text == "" {
		return
	}
	if p.callbacks.OnFinal != nil {
		p.callbacks.OnFinal(stt.Transcript{
			Text:      text,
			Kind:      stt.KindFinal,
			SourceTag: p.sourceTag,
		})
	}
}
