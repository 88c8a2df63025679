// Package app assembles and runs the umebot server: it builds the audio
// mux, the recognition pipeline, the conversation core, the expression
// controller, the motion arbiter, the robot facade and the tablet gateway
// from one [config.Config], wires their callbacks together and owns the
// startup and shutdown order.
//
// The package is also the orchestrator: every user input, regardless of
// origin (GUI text or a final transcript), funnels through
// [App.ProcessInput], which serialises response generation behind a busy
// interlock so the robot never speaks two replies at once.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Eden-sudo/umebot/internal/config"
	"github.com/Eden-sudo/umebot/internal/convo"
	"github.com/Eden-sudo/umebot/internal/expression"
	"github.com/Eden-sudo/umebot/internal/gateway"
	"github.com/Eden-sudo/umebot/internal/health"
	"github.com/Eden-sudo/umebot/internal/motion"
	"github.com/Eden-sudo/umebot/internal/observe"
	"github.com/Eden-sudo/umebot/internal/recognition"
	"github.com/Eden-sudo/umebot/internal/robot"
	"github.com/Eden-sudo/umebot/pkg/audio"
	"github.com/Eden-sudo/umebot/pkg/memory"
	"github.com/Eden-sudo/umebot/pkg/provider/embeddings"
	"github.com/Eden-sudo/umebot/pkg/provider/stt"
	"github.com/Eden-sudo/umebot/pkg/provider/vad"
	"github.com/Eden-sudo/umebot/pkg/provider/vad/energy"
)

// defaultUserID tags conversations started by the server itself; the tablet
// protocol has no per-user identity.
const defaultUserID = "local_user"

// Deps are the externally constructed dependencies of an [App]. Config,
// Registry, Store, Driver and Speech are required; everything else degrades
// the corresponding feature when nil.
type Deps struct {
	Config   *config.Config
	Registry *config.Registry

	// Store is the conversation log. Required; use the in-memory store when
	// no database is configured.
	Store memory.ConversationStore

	// Semantic and Embedder enable semantic recall when both are set.
	Semantic memory.SemanticIndex
	Embedder embeddings.Provider

	// STT is the recognition engine. Nil disables voice input entirely.
	STT stt.Engine

	// VAD segments utterances. Nil falls back to arrival-time finalization.
	VAD vad.Engine

	// Capture is the local-microphone platform. Nil leaves the "local"
	// audio source unregistered.
	Capture audio.CapturePlatform

	// Driver, Speech and Animations are the robot services. Driver and
	// Speech are required; a nil Animations disables animation playback.
	Driver     robot.Driver
	Speech     robot.SpeechService
	Animations robot.AnimationService

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// FrameSink is the outbound half of the tablet gateway as the orchestrator
// sees it. *gateway.Server satisfies it.
type FrameSink interface {
	Broadcast(f gateway.Frame)
	SendTo(clientID string, f gateway.Frame)
}

// Option customises an [App].
type Option func(*App)

// WithFrameSink redirects outbound frames away from the built-in gateway
// server. Tests use it to capture frames without a live WebSocket.
func WithFrameSink(s FrameSink) Option {
	return func(a *App) { a.frames = s }
}

// App is the assembled umebot server. Create with [New], run with
// [App.Run], tear down with [App.Shutdown].
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	log     *slog.Logger
	metrics *observe.Metrics

	facade   *robot.Facade
	expr     *expression.Controller
	convo    *convo.Manager
	catalog  *convo.Catalogue
	gateway  *gateway.Server
	frames   FrameSink
	gate     *audio.Gate
	mux      *audio.Mux
	pipeline *recognition.Pipeline
	arbiter  *motion.Arbiter

	busy       interlock
	waitNotice notifyOnce

	stopOnce sync.Once
}

// New assembles an App from its dependencies. No goroutines are started and
// no network or robot calls are made; that happens in [App.Run].
func New(d Deps, opts ...Option) (*App, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("app: Deps.Config must not be nil")
	case d.Registry == nil:
		return nil, errors.New("app: Deps.Registry must not be nil")
	case d.Store == nil:
		return nil, errors.New("app: Deps.Store must not be nil")
	case d.Driver == nil:
		return nil, errors.New("app: Deps.Driver must not be nil")
	case d.Speech == nil:
		return nil, errors.New("app: Deps.Speech must not be nil")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = observe.DefaultMetrics()
	}
	log := d.Logger.With("component", "app")

	a := &App{
		cfg:     d.Config,
		reg:     d.Registry,
		log:     log,
		metrics: d.Metrics,
	}

	facade, err := robot.NewFacade(d.Driver, d.Logger)
	if err != nil {
		return nil, fmt.Errorf("app: robot facade: %w", err)
	}
	a.facade = facade

	a.expr, err = expression.NewController(expression.Config{
		Speech:        d.Speech,
		Animations:    d.Animations,
		AnimationsDir: d.Config.Expression.AnimationsDir,
		Logger:        d.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: expression controller: %w", err)
	}

	if err := a.buildConversation(d); err != nil {
		return nil, err
	}
	a.buildAudio(d)
	a.buildRecognition(d)
	if err := a.buildMotion(); err != nil {
		return nil, err
	}
	a.buildGateway(d)

	for _, opt := range opts {
		opt(a)
	}
	if a.frames == nil {
		a.frames = a.gateway
	}
	return a, nil
}

// buildConversation loads the personality catalogue and knowledge base and
// creates the conversation core with the configured initial backend. A
// backend that cannot be built degrades to none with a log line; missing
// catalogue or knowledge files degrade the same way.
func (a *App) buildConversation(d Deps) error {
	ccfg := a.cfg.Conversation

	if ccfg.PersonalitiesPath != "" {
		cat, err := convo.LoadCatalogue(ccfg.PersonalitiesPath)
		if err != nil {
			a.log.Warn("loading personalities failed, using built-in default",
				"path", ccfg.PersonalitiesPath, "error", err)
		} else {
			a.catalog = cat
		}
	}
	if a.catalog == nil {
		a.catalog = convo.NewCatalogue(nil)
	}

	var kb *convo.KnowledgeBase
	if ccfg.KnowledgePath != "" {
		loaded, err := convo.LoadKnowledgeBase(ccfg.KnowledgePath, d.Logger)
		if err != nil {
			a.log.Warn("loading knowledge base failed, lexical retrieval disabled",
				"path", ccfg.KnowledgePath, "error", err)
		} else {
			kb = loaded
		}
	}

	mgr, err := convo.NewManager(convo.Config{
		Store:         d.Store,
		Semantic:      d.Semantic,
		Embedder:      d.Embedder,
		Catalogue:     a.catalog,
		KnowledgeBase: kb,
		HistoryLimit:  ccfg.HistoryLimit,
		SemanticTopK:  ccfg.SemanticRecall.TopK,
		Logger:        d.Logger,
	})
	if err != nil {
		return fmt.Errorf("app: conversation core: %w", err)
	}
	a.convo = mgr

	if ccfg.DefaultPersonality != "" && !mgr.SetPersonality(ccfg.DefaultPersonality) {
		a.log.Warn("default personality not in catalogue",
			"personality", ccfg.DefaultPersonality)
	}

	backend, err := a.buildBackend(ccfg.Backend.Kind)
	if err != nil {
		a.log.Warn("building initial backend failed, starting without a language model",
			"kind", ccfg.Backend.Kind, "error", err)
		return nil
	}
	mgr.SetBackend(backend)
	return nil
}

// buildAudio creates the gate and mux and registers the source factories.
// The robot source is always registered; the local source only when a
// capture platform is available.
func (a *App) buildAudio(d Deps) {
	a.gate = audio.NewGate()
	a.mux = audio.NewMux(d.Logger)

	rcfg := a.cfg.Audio.RobotTCP
	a.mux.Register(audio.SourceRobot, func() (audio.Source, error) {
		return audio.NewRobotSource(audio.RobotConfig{
			Addr:             net.JoinHostPort("", strconv.Itoa(rcfg.Port)),
			IncomingRate:     rcfg.IncomingRate,
			IncomingChannels: rcfg.IncomingChannels,
			TargetRate:       a.cfg.Audio.SampleRate,
			Opus:             rcfg.Opus,
		}, a.gate, d.Logger), nil
	})

	if d.Capture == nil {
		a.log.Info("no capture platform available, local microphone disabled")
		return
	}
	mcfg := a.cfg.Audio.Mic
	a.mux.Register(audio.SourceLocal, func() (audio.Source, error) {
		return audio.NewCaptureSource(d.Capture, audio.CaptureConfig{
			NameContains:  mcfg.NameContains,
			PreferredRate: mcfg.PreferredCaptureRate,
			TargetRate:    a.cfg.Audio.SampleRate,
			RetryAttempts: mcfg.RetryAttempts,
			RetryInterval: mcfg.RetryInterval,
		}, d.Logger), nil
	})
}

// buildRecognition creates the pipeline reading from the mux. Without an
// STT engine the pipeline stays nil and voice input is disabled.
func (a *App) buildRecognition(d Deps) {
	if d.STT == nil {
		a.log.Info("no recognition engine configured, voice input disabled")
		return
	}
	rcfg := a.cfg.Recognition

	var vadEngine vad.Engine
	if rcfg.VAD.Enabled {
		vadEngine = d.VAD
	}

	a.pipeline = recognition.New(d.STT, vadEngine, a.mux.Chunks(), recognition.Config{
		SampleRate:       a.cfg.Audio.SampleRate,
		Language:         rcfg.Language,
		FrameSizeMs:      rcfg.VAD.FrameMs,
		SilenceTimeout:   rcfg.VAD.SilenceTimeout,
		VADConfig:        energy.Preset(rcfg.VAD.Aggressiveness, a.cfg.Audio.SampleRate, rcfg.VAD.FrameMs),
		InitialSourceTag: string(a.cfg.Audio.Source),
	}, recognition.Callbacks{
		OnPartial:     a.handlePartial,
		OnFinal:       a.handleFinal,
		OnSpeechState: a.handleSpeechState,
	}, d.Logger)
}

// buildMotion creates the arbiter with the facade as sink, wrapped so every
// velocity command and emergency stop is counted.
func (a *App) buildMotion() error {
	arb, err := motion.New(motion.Config{
		Sink:         &meteredSink{sink: a.facade, metrics: a.metrics},
		Layers:       a.cfg.Motion.GamepadLayers,
		Signs:        a.cfg.Motion.AxisSigns,
		OnAction:     a.handleMotionAction,
		InitialSpeed: a.cfg.Motion.InitialSpeedModifier,
		Logger:       a.log,
	})
	if err != nil {
		return fmt.Errorf("app: motion arbiter: %w", err)
	}
	a.arbiter = arb
	return nil
}

// buildGateway creates the tablet gateway with the orchestrator callbacks
// and readiness checkers installed.
func (a *App) buildGateway(d Deps) {
	scfg := a.cfg.Server
	gcfg := gateway.Config{
		Addr: net.JoinHostPort(scfg.Host, strconv.Itoa(scfg.Port)),
		Callbacks: gateway.Callbacks{
			OnClientConnected:      a.handleClientConnected,
			OnClientDisconnected:   a.handleClientDisconnected,
			OnInput:                a.handleClientInput,
			OnConfig:               a.handleClientConfig,
			OnGamepad:              a.handleGamepad,
			OnGamepadEmergencyStop: a.handleEmergencyStop,
		},
		Checkers:   a.healthCheckers(),
		Middleware: observe.Middleware(a.metrics),
		Logger:     d.Logger,
	}
	if scfg.TLS != nil {
		gcfg.CertFile = scfg.TLS.CertFile
		gcfg.KeyFile = scfg.TLS.KeyFile
	}
	a.gateway = gateway.NewServer(gcfg)
}

// healthCheckers reports on the two dependencies a tablet cannot work
// without: an initialized robot and an open conversation.
func (a *App) healthCheckers() []health.Checker {
	return []health.Checker{
		{Name: "robot", Check: func(context.Context) error {
			if !a.facade.IsInitialized() {
				return errors.New("robot not initialized")
			}
			return nil
		}},
		{Name: "conversation", Check: func(context.Context) error {
			if a.convo.CurrentConversationID() == "" {
				return errors.New("no active conversation")
			}
			return nil
		}},
	}
}

// Run starts every subsystem in dependency order and blocks until ctx is
// cancelled or a fatal error occurs. Non-fatal startup failures (an audio
// device that will not open) degrade with a log line; a robot that will not
// wake or a store that will not persist aborts startup.
func (a *App) Run(ctx context.Context) error {
	convID, err := a.convo.StartNewConversation(ctx, defaultUserID)
	if err != nil {
		return fmt.Errorf("app: starting conversation: %w", err)
	}
	a.log.Info("conversation started", "conversation_id", convID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.gateway.Run(gctx) })
	if a.cfg.Metrics.Enabled {
		g.Go(func() error { return a.runMetricsServer(gctx) })
	}

	// Robot-audio permission must be granted before the source starts
	// accepting connections.
	initial := audio.SourceKind(a.cfg.Audio.Source)
	if initial == audio.SourceRobot {
		a.gate.Open()
	}
	if err := a.mux.SetSource(gctx, initial); err != nil {
		a.log.Error("activating initial audio source failed, starting without audio",
			"source", initial, "error", err)
	}
	if a.pipeline != nil {
		if err := a.pipeline.Start(gctx); err != nil {
			return fmt.Errorf("app: recognition pipeline: %w", err)
		}
	}

	if err := a.facade.Initialize(gctx); err != nil {
		return fmt.Errorf("app: robot initialization: %w", err)
	}
	if err := a.arbiter.Start(gctx); err != nil {
		return fmt.Errorf("app: motion arbiter: %w", err)
	}
	a.arbiter.ActivateGamepad()

	a.log.Info("umebot ready",
		"gateway", net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port)),
		"audio_source", a.mux.Source(),
		"backend", a.backendLabel(),
		"personality", a.convo.PersonalityKey())

	return g.Wait()
}

// runMetricsServer serves the Prometheus scrape endpoint, along with
// liveness and readiness probes, until ctx ends.
func (a *App) runMetricsServer(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(a.healthCheckers()...).Register(mux)

	srv := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("metrics listening", "addr", a.cfg.Metrics.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: metrics server: %w", err)
	}
}

// Shutdown tears the subsystems down in reverse startup order: motion
// first (the robot must stop moving), then speech, then the robot rest
// sequence, then audio. The gateway and metrics listeners stop when the Run
// context is cancelled. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) {
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		a.arbiter.DeactivateGamepad()
		a.arbiter.Stop()
		a.expr.StopAll(ctx)
		if err := a.facade.Release(ctx); err != nil && !errors.Is(err, robot.ErrNotInitialized) {
			a.log.Warn("releasing robot failed", "error", err)
		}
		if a.pipeline != nil {
			if err := a.pipeline.Stop(); err != nil {
				a.log.Warn("stopping recognition pipeline failed", "error", err)
			}
		}
		if err := a.mux.Close(); err != nil {
			a.log.Warn("closing audio mux failed", "error", err)
		}
		a.gate.Close()

		a.log.Info("shutdown complete")
	})
}

// meteredSink counts velocity commands and emergency stops on their way to
// the robot facade.
type meteredSink struct {
	sink    motion.VelocitySink
	metrics *observe.Metrics
}

var _ motion.VelocitySink = (*meteredSink)(nil)

func (s *meteredSink) SetBaseVelocities(ctx context.Context, vx, vy, vtheta float64) error {
	s.metrics.RecordVelocityCommand(ctx)
	return s.sink.SetBaseVelocities(ctx, vx, vy, vtheta)
}

func (s *meteredSink) TriggerHardwareEmergencyStop(ctx context.Context) error {
	s.metrics.RecordEmergencyStop(ctx)
	return s.sink.TriggerHardwareEmergencyStop(ctx)
}
