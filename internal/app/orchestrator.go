package app

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Eden-sudo/umebot/internal/config"
	"github.com/Eden-sudo/umebot/internal/convo"
	"github.com/Eden-sudo/umebot/internal/gateway"
	"github.com/Eden-sudo/umebot/internal/motion"
	"github.com/Eden-sudo/umebot/pkg/audio"
	"github.com/Eden-sudo/umebot/pkg/provider/stt"
	"github.com/Eden-sudo/umebot/pkg/types"
)

// Input sources as they appear on the wire and in the conversation log.
const (
	sourceGUI     = "gui"
	sourceSTTAuto = "stt_auto"
)

// systemSender labels system frames originating from the orchestrator.
const systemSender = "Sistema"

// robotSender labels output frames; it is the name the GUI shows next to
// replies.
const robotSender = "Ume"

// Spoken notices. Both carry expression tags like every other utterance.
const (
	busyNotice    = "Espera un momento, por favor, todavía estoy respondiendo."
	waitUtterance = "^runTag(thinking) Un momento, por favor, sigo pensando la respuesta anterior."
)

// Configuration item names accepted from the tablet.
const (
	itemAudioSource = "stt_audio_source"
	itemPersonality = "ai_personality"
	itemBackend     = "ai_model_backend"
)

// tagPattern matches inline expression tags: ^runTag(...), ^startTag(...)
// and ^waitTag(...), with any surrounding whitespace.
var tagPattern = regexp.MustCompile(`\s*\^(run|start|wait)Tag\([^)]*\)\s*`)

// stripExpressionTags removes expression tags from annotated text and
// collapses the whitespace left behind. The GUI shows the stripped form;
// the robot speaks the annotated one.
func stripExpressionTags(annotated string) string {
	stripped := tagPattern.ReplaceAllString(annotated, " ")
	return strings.Join(strings.Fields(stripped), " ")
}

// interlock is the busy condition: at most one input is processed at a
// time, and everything else observes the flag without blocking.
type interlock struct {
	mu   sync.Mutex
	busy bool
}

// tryAcquire claims the interlock; false means a response is in progress.
func (i *interlock) tryAcquire() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.busy {
		return false
	}
	i.busy = true
	return true
}

func (i *interlock) release() {
	i.mu.Lock()
	i.busy = false
	i.mu.Unlock()
}

func (i *interlock) isBusy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.busy
}

// notifyOnce latches the one-per-response "please wait" utterance.
type notifyOnce struct{ fired atomic.Bool }

func (n *notifyOnce) trySet() bool { return n.fired.CompareAndSwap(false, true) }
func (n *notifyOnce) clear()       { n.fired.Store(false) }

// ─────────────────────────────────────────────────────────────────────────────
// Input processing
// ─────────────────────────────────────────────────────────────────────────────

// ProcessInput runs one user input through the conversation core and speaks
// the reply. Inputs arriving while a response is in progress are dropped
// with a system notice; they are not queued. Recognition is paused for the
// duration so the robot does not transcribe its own voice.
func (a *App) ProcessInput(ctx context.Context, text, source string, imageURLs []string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if source == "" {
		source = sourceGUI
	}

	if !a.busy.tryAcquire() {
		a.log.Info("input dropped, response in progress", "source", source)
		a.metrics.RecordInput(ctx, source, "dropped_busy")
		a.frames.Broadcast(gateway.NewSystemFrame(systemSender, gateway.LevelInfo,
			busyNotice, ""))
		return
	}
	start := time.Now()

	paused := false
	if a.pipeline != nil && !a.pipeline.Paused() {
		a.pipeline.Pause()
		paused = true
	}
	defer func() {
		if paused {
			a.pipeline.Resume()
		}
		a.waitNotice.clear()
		a.busy.release()
	}()

	a.frames.Broadcast(gateway.NewInputFrame(text, source))

	reply := a.convo.GetResponse(ctx, text, source, imageURLs)
	a.frames.Broadcast(gateway.NewOutputFrame(robotSender, stripExpressionTags(reply), source))

	if err := a.expr.Say(ctx, reply, true); err != nil {
		a.log.Error("speaking reply failed", "error", err)
	}

	a.metrics.RecordInput(ctx, source, "processed")
	a.metrics.RecordResponse(ctx, source, time.Since(start))
}

// ─────────────────────────────────────────────────────────────────────────────
// Recognition pipeline callbacks (invoked on the pipeline worker)
// ─────────────────────────────────────────────────────────────────────────────

func (a *App) handlePartial(t stt.Transcript) {
	a.metrics.RecordTranscript(context.Background(), "partial")
	a.frames.Broadcast(gateway.NewPartialSTTFrame(t.Text, false))
}

func (a *App) handleFinal(t stt.Transcript) {
	a.metrics.RecordTranscript(context.Background(), "final")
	a.frames.Broadcast(gateway.NewPartialSTTFrame(t.Text, true))
	go a.ProcessInput(context.Background(), t.Text, sourceSTTAuto, nil)
}

// handleSpeechState fires on VAD edges. When the user starts speaking while
// a response is still being computed (not yet spoken), the robot asks for
// patience, once per response.
func (a *App) handleSpeechState(speaking bool) {
	if !speaking {
		return
	}
	if !a.busy.isBusy() || a.expr.IsSpeaking() {
		return
	}
	if !a.waitNotice.trySet() {
		return
	}
	if err := a.expr.Say(context.Background(), waitUtterance, false); err != nil {
		a.log.Warn("wait notice failed", "error", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Gateway callbacks (invoked on connection read loops)
// ─────────────────────────────────────────────────────────────────────────────

func (a *App) handleClientConnected(ctx context.Context, clientID string) {
	a.metrics.ClientConnected(ctx)
	a.frames.SendTo(clientID, gateway.NewCurrentConfigurationFrame(a.settings()))
}

func (a *App) handleClientDisconnected(clientID string) {
	a.metrics.ClientDisconnected(context.Background())
}

// handleClientInput dispatches GUI input off the read loop; the response
// round trip takes seconds and gamepad frames from the same connection must
// keep flowing.
func (a *App) handleClientInput(ctx context.Context, clientID string, p gateway.InputPayload) {
	source := p.Source
	if source == "" {
		source = sourceGUI
	}
	go a.ProcessInput(context.WithoutCancel(ctx), p.Text, source, p.Images)
}

// handleClientConfig dispatches config changes off the read loop. Applying a
// personality or backend waits on the conversation lock, which a running
// response holds for its whole round trip; gamepad frames from the same
// connection must not wait with it.
func (a *App) handleClientConfig(ctx context.Context, clientID string, p gateway.ConfigPayload) {
	go a.handleConfigRequest(context.WithoutCancel(ctx), clientID, p)
}

func (a *App) handleGamepad(clientID string, state types.GamepadState) {
	a.arbiter.Submit(state)
}

func (a *App) handleEmergencyStop(clientID string) {
	a.log.Warn("emergency stop gesture", "client_id", clientID)
	a.arbiter.EmergencyStop()
	a.frames.Broadcast(gateway.NewSystemFrame(systemSender, gateway.LevelWarning,
		"Parada de emergencia activada.", ""))
}

// handleMotionAction plays the expression bound to a gamepad button. All
// playback is fire-and-forget; the arbiter worker must not wait on the
// robot.
func (a *App) handleMotionAction(ctx context.Context, act motion.Action) {
	var err error
	switch act.Type {
	case motion.ActionLocalAnimation:
		err = a.expr.PlayLocalAnimation(ctx, act.Category, act.Name, false)
	case motion.ActionStandardTag:
		err = a.expr.PlayStandardTag(ctx, act.Tag, false)
	case motion.ActionSpeakAnnotated:
		err = a.expr.Say(ctx, act.Text, false)
	}
	if err != nil {
		a.log.Warn("gamepad action failed", "type", act.Type, "error", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Runtime configuration
// ─────────────────────────────────────────────────────────────────────────────

// settings snapshots the live configuration for the GUI.
func (a *App) settings() gateway.Settings {
	return gateway.Settings{
		STTAudioSource:         string(a.mux.Source()),
		AIPersonality:          a.convo.PersonalityKey(),
		AIModelBackend:         a.backendLabel(),
		AvailablePersonalities: a.catalog.Keys(),
		AvailableAIBackends:    a.availableBackends(),
	}
}

// backendLabel names the active backend kind for the GUI ("none" when no
// language model is bound).
func (a *App) backendLabel() string {
	b := a.convo.Backend()
	if b == nil {
		return string(config.BackendNone)
	}
	return string(b.Kind())
}

// availableBackends lists the backend kinds the current configuration can
// actually build. "none" is always available.
func (a *App) availableBackends() []string {
	out := []string{string(config.BackendNone)}
	bc := a.cfg.Conversation.Backend
	if bc.Model != "" {
		out = append(out, string(config.BackendCloud))
	}
	if bc.BaseURL != "" {
		out = append(out, string(config.BackendLocal))
	}
	return out
}

// handleConfigRequest applies one configuration change. Exactly one
// confirmation frame is broadcast per request, success or failure; on
// success the refreshed settings snapshot follows so every client converges.
func (a *App) handleConfigRequest(ctx context.Context, clientID string, p gateway.ConfigPayload) {
	value, ok := p.Value.(string)

	var conf gateway.ConfigConfirmation
	switch {
	case !ok:
		conf = gateway.ConfigConfirmation{
			ConfigItem:       p.ConfigItem,
			Success:          false,
			MessageToDisplay: "El valor de configuración debe ser texto.",
		}
	case p.ConfigItem == itemAudioSource:
		conf = a.applyAudioSource(ctx, value)
	case p.ConfigItem == itemPersonality:
		conf = a.applyPersonality(value)
	case p.ConfigItem == itemBackend:
		conf = a.applyBackend(value)
	default:
		conf = gateway.ConfigConfirmation{
			ConfigItem:       p.ConfigItem,
			Success:          false,
			MessageToDisplay: fmt.Sprintf("Elemento de configuración desconocido: %q.", p.ConfigItem),
		}
	}

	a.log.Info("config request",
		"client_id", clientID, "item", p.ConfigItem, "success", conf.Success)
	a.frames.Broadcast(gateway.NewConfigConfirmationFrame(conf))
	if conf.Success {
		a.frames.Broadcast(gateway.NewCurrentConfigurationFrame(a.settings()))
	}
}

// applyAudioSource switches the active microphone. The robot-audio gate is
// opened before the robot source activates and closed whenever the robot
// source is left; a failed activation leaves the system without audio and
// reports the cause.
func (a *App) applyAudioSource(ctx context.Context, value string) gateway.ConfigConfirmation {
	kind := audio.SourceKind(value)
	if !kind.IsValid() {
		return gateway.ConfigConfirmation{
			ConfigItem:       itemAudioSource,
			Success:          false,
			CurrentValue:     string(a.mux.Source()),
			MessageToDisplay: fmt.Sprintf("Fuente de audio desconocida: %q.", value),
		}
	}

	if kind == audio.SourceRobot {
		a.gate.Open()
	}
	err := a.mux.SetSource(ctx, kind)
	if kind != audio.SourceRobot {
		a.gate.Close()
	}
	if err != nil {
		a.log.Error("switching audio source failed", "source", kind, "error", err)
		return gateway.ConfigConfirmation{
			ConfigItem:       itemAudioSource,
			Success:          false,
			CurrentValue:     string(a.mux.Source()),
			MessageToDisplay: fmt.Sprintf("No se pudo activar la fuente de audio %q.", value),
		}
	}

	if a.pipeline != nil {
		a.pipeline.SourceChanged(string(kind))
	}
	return gateway.ConfigConfirmation{
		ConfigItem:       itemAudioSource,
		Success:          true,
		CurrentValue:     string(a.mux.Source()),
		MessageToDisplay: fmt.Sprintf("Fuente de audio cambiada a %q.", value),
	}
}

func (a *App) applyPersonality(value string) gateway.ConfigConfirmation {
	if !a.convo.SetPersonality(value) {
		return gateway.ConfigConfirmation{
			ConfigItem:       itemPersonality,
			Success:          false,
			CurrentValue:     a.convo.PersonalityKey(),
			MessageToDisplay: fmt.Sprintf("Personalidad desconocida: %q.", value),
		}
	}
	return gateway.ConfigConfirmation{
		ConfigItem:       itemPersonality,
		Success:          true,
		CurrentValue:     value,
		MessageToDisplay: fmt.Sprintf("Personalidad cambiada a %q.", value),
	}
}

// applyBackend switches the language-model backend between none, cloud and
// local. The new backend is fully constructed before the old one is
// replaced; a construction failure leaves the current backend untouched.
func (a *App) applyBackend(value string) gateway.ConfigConfirmation {
	kind := config.BackendKind(value)
	if !kind.IsValid() {
		return gateway.ConfigConfirmation{
			ConfigItem:       itemBackend,
			Success:          false,
			CurrentValue:     a.backendLabel(),
			MessageToDisplay: fmt.Sprintf("Backend desconocido: %q.", value),
		}
	}

	backend, err := a.buildBackend(kind)
	if err != nil {
		a.log.Error("building backend failed", "kind", kind, "error", err)
		return gateway.ConfigConfirmation{
			ConfigItem:       itemBackend,
			Success:          false,
			CurrentValue:     a.backendLabel(),
			MessageToDisplay: fmt.Sprintf("No se pudo activar el backend %q.", value),
		}
	}
	a.convo.SetBackend(backend)
	return gateway.ConfigConfirmation{
		ConfigItem:       itemBackend,
		Success:          true,
		CurrentValue:     a.backendLabel(),
		MessageToDisplay: fmt.Sprintf("Backend cambiado a %q.", value),
	}
}

// buildBackend constructs a conversation backend of the requested kind from
// the static backend configuration. Kind "none" yields a nil backend.
func (a *App) buildBackend(kind config.BackendKind) (*convo.Backend, error) {
	return a.buildBackendFrom(a.cfg.Conversation.Backend, kind)
}

func (a *App) buildBackendFrom(bc config.BackendConfig, kind config.BackendKind) (*convo.Backend, error) {
	if kind == config.BackendNone || kind == "" {
		return nil, nil
	}

	bc.Kind = kind
	switch kind {
	case config.BackendLocal:
		// The configured provider names the cloud vendor; local backends
		// always go through the llama-server adapter.
		if !isLocalProvider(bc.Provider) {
			bc.Provider = "llamacpp"
		}
	case config.BackendCloud:
		if bc.Provider == "" || isLocalProvider(bc.Provider) {
			bc.Provider = "openai"
		}
	}
	if bc.Model == "" {
		return nil, fmt.Errorf("app: no model configured for backend kind %q", kind)
	}

	provider, err := a.reg.CreateLLM(bc)
	if err != nil {
		return nil, err
	}

	convoKind := convo.BackendCloud
	if kind == config.BackendLocal {
		convoKind = convo.BackendLocal
	}
	return convo.NewBackend(convoKind, bc.Model, provider)
}

// ApplyConfig applies a hot-reloadable configuration change from the config
// file watcher. Log level changes are the caller's concern (it owns the
// logger). Applied changes are pushed to connected tablets as a refreshed
// settings snapshot.
func (a *App) ApplyConfig(d config.ConfigDiff, cfg *config.Config) {
	if d.Empty() {
		return
	}
	changed := false

	if d.MotionChanged {
		a.cfg.Motion = cfg.Motion
		a.arbiter.Retune(cfg.Motion.InitialSpeedModifier, cfg.Motion.AxisSigns, cfg.Motion.GamepadLayers)
		changed = true
	}
	if d.PersonalityChanged {
		if a.convo.SetPersonality(d.NewPersonality) {
			changed = true
		} else {
			a.log.Warn("reloaded personality not in catalogue", "key", d.NewPersonality)
		}
	}
	if d.BackendChanged {
		bc := cfg.Conversation.Backend
		backend, err := a.buildBackendFrom(bc, bc.Kind)
		if err != nil {
			a.log.Error("reloaded backend config failed to build, keeping current", "error", err)
		} else {
			a.cfg.Conversation.Backend = bc
			a.convo.SetBackend(backend)
			changed = true
		}
	}

	if changed {
		a.log.Info("configuration hot-reloaded")
		a.frames.Broadcast(gateway.NewCurrentConfigurationFrame(a.settings()))
	}
}

// isLocalProvider reports whether name is one of the on-device providers.
func isLocalProvider(name string) bool {
	switch name {
	case "llamacpp", "llamafile", "ollama":
		return true
	}
	return false
}
