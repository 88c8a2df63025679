// Command umebot is the main entry point for the umebot robot assistant
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/Eden-sudo/umebot/internal/app"
	"github.com/Eden-sudo/umebot/internal/config"
	"github.com/Eden-sudo/umebot/internal/observe"
	"github.com/Eden-sudo/umebot/internal/robot/sim"
	"github.com/Eden-sudo/umebot/pkg/audio"
	"github.com/Eden-sudo/umebot/pkg/memory"
	"github.com/Eden-sudo/umebot/pkg/memory/postgres"
	"github.com/Eden-sudo/umebot/pkg/provider/embeddings"
	ollamaembed "github.com/Eden-sudo/umebot/pkg/provider/embeddings/ollama"
	oaembed "github.com/Eden-sudo/umebot/pkg/provider/embeddings/openai"
	"github.com/Eden-sudo/umebot/pkg/provider/llm"
	"github.com/Eden-sudo/umebot/pkg/provider/llm/anyllm"
	oallm "github.com/Eden-sudo/umebot/pkg/provider/llm/openai"
	"github.com/Eden-sudo/umebot/pkg/provider/stt"
	sttmock "github.com/Eden-sudo/umebot/pkg/provider/stt/mock"
	"github.com/Eden-sudo/umebot/pkg/provider/stt/whisper"
	"github.com/Eden-sudo/umebot/pkg/provider/vad"
	"github.com/Eden-sudo/umebot/pkg/provider/vad/energy"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

// defaultEmbeddingDimensions sizes the pgvector column when the embeddings
// provider cannot report its dimensionality up front.
const defaultEmbeddingDimensions = 1536

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "umebot: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "umebot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("umebot starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	if cfg.Metrics.Enabled {
		shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName:    "umebot",
			ServiceVersion: version,
		})
		if err != nil {
			slog.Error("failed to initialise telemetry", "err", err)
			return 1
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}()
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Persistence ───────────────────────────────────────────────────────────
	store, semantic, closeStore, err := buildStore(ctx, cfg, providers.Embedder)
	if err != nil {
		slog.Error("failed to open conversation store", "err", err)
		return 1
	}
	defer closeStore()

	// ── Robot services ────────────────────────────────────────────────────────
	// The simulated robot stands in until a hardware driver binding is linked.
	robot := sim.New(logger)
	slog.Info("using simulated robot driver")

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(app.Deps{
		Config:     cfg,
		Registry:   reg,
		Store:      store,
		Semantic:   semantic,
		STT:        providers.STT,
		VAD:        providers.VAD,
		Capture:    providers.Capture,
		Embedder:   providers.Embedder,
		Driver:     robot,
		Speech:     robot,
		Animations: robot,
		Logger:     logger,
	})
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.Empty() {
			return
		}
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		application.ApplyConfig(d, new)
	}, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config hot reload unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	application.Shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// providers bundles the instantiated provider implementations for app.Deps.
type providers struct {
	STT      stt.Engine
	VAD      vad.Engine
	Capture  audio.CapturePlatform
	Embedder embeddings.Provider
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai goes through the dedicated adapter (it advertises vision, which
	// the conversation core needs for image inputs); the other cloud vendors
	// and the local llama servers share the any-llm adapter.
	reg.RegisterLLM("openai", func(bc config.BackendConfig) (llm.Provider, error) {
		var opts []oallm.Option
		if bc.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(bc.BaseURL))
		}
		return oallm.New(bc.APIKey, bc.Model, opts...)
	})
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq",
		"llamacpp", "llamafile", "ollama",
	} {
		reg.RegisterLLM(providerName, func(bc config.BackendConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if bc.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(bc.APIKey))
			}
			if bc.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(bc.BaseURL))
			}
			return anyllm.New(providerName, bc.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT(config.EngineWhisper, func(rc config.RecognitionConfig) (stt.Engine, error) {
		var opts []whisper.NativeOption
		if rc.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(rc.Language))
		}
		return whisper.NewNative(rc.ModelPath, opts...)
	})
	reg.RegisterSTT(config.EngineMock, func(config.RecognitionConfig) (stt.Engine, error) {
		return &sttmock.Engine{}, nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ── Embeddings ────────────────────────────────────────────────────────────
	reg.RegisterEmbeddings("openai", func(sc config.SemanticRecallConfig) (embeddings.Provider, error) {
		return oaembed.New(os.Getenv("OPENAI_API_KEY"), sc.EmbedModel)
	})
	reg.RegisterEmbeddings("ollama", func(sc config.SemanticRecallConfig) (embeddings.Provider, error) {
		return ollamaembed.New("", sc.EmbedModel)
	})
}

// buildProviders instantiates the providers named in cfg using the registry.
// A provider kind nobody registered an implementation for is skipped with a
// debug line rather than failing startup.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providers, error) {
	ps := &providers{}

	if engine := cfg.Recognition.Engine; engine != "" {
		e, err := reg.CreateSTT(cfg.Recognition)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("recognition engine not available — voice input disabled", "engine", engine)
		} else if err != nil {
			return nil, fmt.Errorf("create recognition engine %q: %w", engine, err)
		} else {
			ps.STT = e
			slog.Info("provider created", "kind", "stt", "engine", engine)
		}
	}

	if cfg.Recognition.VAD.Enabled {
		e, err := reg.CreateVAD("energy", cfg.Recognition.VAD)
		if err != nil {
			return nil, fmt.Errorf("create vad engine: %w", err)
		}
		ps.VAD = e
		slog.Info("provider created", "kind", "vad", "engine", "energy")
	}

	if cfg.Audio.Source == config.AudioSourceLocal {
		p, err := reg.CreateAudio("default", cfg.Audio)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("no capture platform linked in — local microphone disabled")
		} else if err != nil {
			return nil, fmt.Errorf("create capture platform: %w", err)
		} else {
			ps.Capture = p
		}
	}

	if sr := cfg.Conversation.SemanticRecall; sr.Enabled {
		p, err := reg.CreateEmbeddings(sr)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("embeddings provider not available — semantic recall disabled", "provider", sr.EmbedProvider)
		} else if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", sr.EmbedProvider, err)
		} else {
			ps.Embedder = p
			slog.Info("provider created", "kind", "embeddings", "provider", sr.EmbedProvider)
		}
	}

	return ps, nil
}

// buildStore opens the configured conversation store. With a database URL it
// is PostgreSQL (conversation log plus pgvector semantic index); without one
// the process runs on the in-memory store and conversations do not survive a
// restart.
func buildStore(ctx context.Context, cfg *config.Config, embedder embeddings.Provider) (memory.ConversationStore, memory.SemanticIndex, func(), error) {
	if cfg.Database.URL == "" {
		slog.Warn("no database configured — conversations are not persisted across restarts")
		return memory.NewMemStore(), nil, func() {}, nil
	}

	dims := defaultEmbeddingDimensions
	if embedder != nil {
		if d := embedder.Dimensions(); d > 0 {
			dims = d
		}
	}

	pg, err := postgres.NewStore(ctx, cfg.Database.URL, dims)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.Info("connected to database")

	var semantic memory.SemanticIndex
	if cfg.Conversation.SemanticRecall.Enabled {
		semantic = pg.Semantic()
	}
	return pg.Conversations(), semantic, pg.Close, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          umebot — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Gateway", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	printRow("Audio source", string(cfg.Audio.Source))
	printRow("Recognition", string(cfg.Recognition.Engine))
	printRow("Backend", backendSummary(cfg))
	printRow("Personality", cfg.Conversation.DefaultPersonality)
	if cfg.Database.URL != "" {
		printRow("Database", "postgres")
	} else {
		printRow("Database", "(in-memory)")
	}
	if cfg.Metrics.Enabled {
		printRow("Metrics", cfg.Metrics.Listen)
	} else {
		printRow("Metrics", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func backendSummary(cfg *config.Config) string {
	bc := cfg.Conversation.Backend
	if bc.Kind == config.BackendNone || bc.Kind == "" {
		return "(none)"
	}
	return string(bc.Kind) + " / " + bc.Model
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar lets the config
// watcher adjust verbosity at runtime.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
