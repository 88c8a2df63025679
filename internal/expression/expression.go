// Package expression is the expression controller: it turns annotated text
// and animation requests into robot speech and motion calls and tracks
// whether the robot is currently speaking.
//
// Annotated text carries inline ^runTag(name) tags; the controller passes the
// string through to the robot's animated-speech service unchanged. Local
// animations are .qianim files organised in category subdirectories and
// scanned once at construction.
package expression

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Eden-sudo/umebot/internal/robot"
)

// animExt is the animation file extension the catalogue scan accepts.
const animExt = ".qianim"

// animFile is one catalogued animation: its name (file base without
// extension) and full path.
type animFile struct {
	name string
	path string
}

// Config wires a [Controller].
type Config struct {
	// Speech is the robot speech service. Required.
	Speech robot.SpeechService

	// Animations is the robot animation service. Nil disables animation
	// playback (tags and local files) with a single log line.
	Animations robot.AnimationService

	// AnimationsDir is the local-animation catalogue root. Empty or missing
	// disables local animations with a single log line.
	AnimationsDir string

	// Logger receives structured logs. Defaults to [slog.Default].
	Logger *slog.Logger
}

// Controller implements the expression surface. Speech requests supersede one
// another: starting a new utterance cancels the outstanding one.
type Controller struct {
	speech robot.SpeechService
	anims  robot.AnimationService
	log    *slog.Logger

	catalogue map[string][]animFile

	mu           sync.Mutex
	speechGen    uint64
	cancelSpeech context.CancelFunc
}

// NewController builds a controller, scanning the animation catalogue.
// Missing optional pieces (animation service, catalogue directory) degrade
// the corresponding feature rather than failing construction.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Speech == nil {
		return nil, errors.New("expression: Config.Speech must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.With("component", "expression")

	c := &Controller{
		speech:    cfg.Speech,
		anims:     cfg.Animations,
		log:       log,
		catalogue: map[string][]animFile{},
	}

	if cfg.Animations == nil {
		log.Warn("no animation service, animation playback disabled")
		return c, nil
	}

	if cfg.AnimationsDir == "" {
		log.Warn("no animations directory configured, local animations disabled")
		return c, nil
	}
	catalogue, err := scanCatalogue(cfg.AnimationsDir)
	if err != nil {
		log.Warn("scanning animations directory failed, local animations disabled",
			"dir", cfg.AnimationsDir, "error", err)
		return c, nil
	}
	c.catalogue = catalogue

	total := 0
	for _, files := range catalogue {
		total += len(files)
	}
	log.Info("animation catalogue loaded",
		"dir", cfg.AnimationsDir, "categories", len(catalogue), "animations", total)
	return c, nil
}

// scanCatalogue walks one level of dir: each subdirectory is a category, each
// .qianim file inside it an animation named by its base filename.
func scanCatalogue(dir string) (map[string][]animFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	catalogue := map[string][]animFile{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		category := entry.Name()
		files, err := os.ReadDir(filepath.Join(dir, category))
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				continue
			}
			return nil, err
		}
		for _, f := range files {
			if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), animExt) {
				continue
			}
			catalogue[category] = append(catalogue[category], animFile{
				name: strings.TrimSuffix(f.Name(), filepath.Ext(f.Name())),
				path: filepath.Join(dir, category, f.Name()),
			})
		}
	}
	return catalogue, nil
}

// Categories returns the catalogued animation category names.
func (c *Controller) Categories() []string {
	out := make([]string, 0, len(c.catalogue))
	for k := range c.catalogue {
		out = append(out, k)
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Speech
// ─────────────────────────────────────────────────────────────────────────────

// Say speaks annotated text through the robot's animated-speech service.
// With wait true the call blocks until speech finishes; with wait false it
// returns immediately and speech runs in the background, errors going to the
// log. A new utterance supersedes the outstanding one.
func (c *Controller) Say(ctx context.Context, annotated string, wait bool) error {
	if !wait {
		go func() {
			if err := c.Say(context.WithoutCancel(ctx), annotated, true); err != nil &&
				!errors.Is(err, context.Canceled) {
				c.log.Error("background speech failed", "error", err)
			}
		}()
		return nil
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.cancelSpeech != nil {
		c.cancelSpeech()
	}
	c.cancelSpeech = cancel
	c.speechGen++
	gen := c.speechGen
	c.mu.Unlock()

	err := c.speech.AnimatedSay(sctx, annotated)

	c.mu.Lock()
	if c.speechGen == gen {
		c.cancelSpeech = nil
	}
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("expression: say: %w", err)
	}
	return nil
}

// IsSpeaking reports whether an utterance is currently in progress.
func (c *Controller) IsSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelSpeech != nil
}

// StopAll interrupts the outstanding utterance and issues the robot's
// stop-speech call.
func (c *Controller) StopAll(ctx context.Context) {
	c.mu.Lock()
	if c.cancelSpeech != nil {
		c.cancelSpeech()
		c.cancelSpeech = nil
	}
	c.mu.Unlock()

	if err := c.speech.StopSpeech(ctx); err != nil {
		c.log.Warn("stop speech failed", "error", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Animations
// ─────────────────────────────────────────────────────────────────────────────

// PlayLocalAnimation plays a catalogued .qianim animation. An empty name
// picks uniformly at random from the category. With wait false playback runs
// in the background, errors going to the log. When animation playback is
// disabled the call is a logged no-op.
func (c *Controller) PlayLocalAnimation(ctx context.Context, category, name string, wait bool) error {
	if c.anims == nil {
		c.log.Debug("animation playback disabled, dropping local animation",
			"category", category, "name", name)
		return nil
	}

	files, ok := c.catalogue[category]
	if !ok || len(files) == 0 {
		return fmt.Errorf("expression: unknown animation category %q", category)
	}

	var path string
	if name == "" {
		path = files[rand.IntN(len(files))].path
	} else {
		for _, f := range files {
			if f.name == name {
				path = f.path
				break
			}
		}
		if path == "" {
			return fmt.Errorf("expression: animation %q not found in category %q", name, category)
		}
	}

	if !wait {
		go func() {
			if err := c.anims.PlayAnimation(context.WithoutCancel(ctx), path); err != nil {
				c.log.Error("background animation failed", "path", path, "error", err)
			}
		}()
		return nil
	}
	if err := c.anims.PlayAnimation(ctx, path); err != nil {
		return fmt.Errorf("expression: play animation %s: %w", path, err)
	}
	return nil
}

// PlayStandardTag plays a standard behaviour tag (e.g., "happy"). With wait
// false playback runs in the background. When animation playback is disabled
// the call is a logged no-op.
func (c *Controller) PlayStandardTag(ctx context.Context, tag string, wait bool) error {
	if c.anims == nil {
		c.log.Debug("animation playback disabled, dropping tag", "tag", tag)
		return nil
	}

	if !wait {
		go func() {
			if err := c.anims.RunTag(context.WithoutCancel(ctx), tag); err != nil {
				c.log.Error("background tag failed", "tag", tag, "error", err)
			}
		}()
		return nil
	}
	if err := c.anims.RunTag(ctx, tag); err != nil {
		return fmt.Errorf("expression: run tag %q: %w", tag, err)
	}
	return nil
}
