package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultDrainTimeout bounds how long a deactivation waits for the forwarder
// to flush buffered chunks into the output stream. With a live consumer the
// flush finishes well inside the bound; without one (shutdown) the tail is
// dropped instead of blocking Close.
const defaultDrainTimeout = 2 * time.Second

// SourceFactory builds a fresh [Source] instance. Sources are single-use
// (Stop is terminal), so the [Mux] constructs a new one on every activation.
type SourceFactory func() (Source, error)

// MuxOption customises a [Mux].
type MuxOption func(*Mux)

// WithDrainTimeout overrides how long source deactivation waits for buffered
// chunks to reach the consumer before dropping them.
func WithDrainTimeout(d time.Duration) MuxOption {
	return func(m *Mux) { m.drainTimeout = d }
}

// Mux owns the active audio source and presents a single chunk stream to
// the recognition pipeline. Exactly one source is active at a time. On a
// source switch the old source is stopped and fully drained before the new
// one starts, so the output stream is always a concatenation of complete
// per-source chunk sequences, never an interleaving.
//
// Safe for concurrent use; switches are serialized.
type Mux struct {
	log *slog.Logger
	out chan Chunk

	drainTimeout time.Duration

	mu          sync.Mutex
	factories   map[SourceKind]SourceFactory
	active      Source
	activeKind  SourceKind
	forwardStop chan struct{}
	forwardDone chan struct{}
	closed      bool
}

// NewMux creates a multiplexer with no registered sources and no active
// source.
func NewMux(log *slog.Logger, opts ...MuxOption) *Mux {
	if log == nil {
		log = slog.Default()
	}
	m := &Mux{
		log:          log,
		out:          make(chan Chunk, 64),
		factories:    make(map[SourceKind]SourceFactory),
		activeKind:   SourceNone,
		drainTimeout: defaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register installs the factory for a source kind, replacing any previous
// registration.
func (m *Mux) Register(kind SourceKind, factory SourceFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[kind] = factory
}

// Chunks returns the multiplexed output stream. The channel is closed by
// [Mux.Close].
func (m *Mux) Chunks() <-chan Chunk { return m.out }

// Source returns the currently active source kind.
func (m *Mux) Source() SourceKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeKind
}

// SetSource switches the active source. The current source is stopped and
// drained first; only then is the new one built and started. Switching to
// [SourceNone] just deactivates. A failed activation leaves the mux with no
// active source and returns the cause.
func (m *Mux) SetSource(ctx context.Context, kind SourceKind) error {
	if !kind.IsValid() {
		return fmt.Errorf("unknown audio source %q", kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("audio mux is closed")
	}
	if kind == m.activeKind {
		return nil
	}

	m.deactivateLocked()
	if kind == SourceNone {
		m.log.Info("audio source deactivated")
		return nil
	}

	factory, ok := m.factories[kind]
	if !ok {
		return fmt.Errorf("audio source %q is not registered", kind)
	}
	src, err := factory()
	if err != nil {
		return fmt.Errorf("building audio source %q: %w", kind, err)
	}
	if err := src.Start(ctx); err != nil {
		return fmt.Errorf("starting audio source %q: %w", kind, err)
	}

	m.active = src
	m.activeKind = kind
	m.forwardStop = make(chan struct{})
	m.forwardDone = make(chan struct{})
	go m.forward(src, m.forwardStop, m.forwardDone)
	m.log.Info("audio source activated", "source", kind)
	return nil
}

// deactivateLocked stops the active source and waits for the forwarder to
// drain its remaining chunks into the output stream. The wait is bounded by
// the drain timeout: past it the forwarder is released and the buffered tail
// dropped, so deactivation cannot hang on a consumer that is gone.
func (m *Mux) deactivateLocked() {
	if m.active == nil {
		return
	}
	if err := m.active.Stop(); err != nil {
		m.log.Warn("stopping audio source", "source", m.activeKind, "err", err)
	}

	timer := time.NewTimer(m.drainTimeout)
	defer timer.Stop()
	select {
	case <-m.forwardDone:
	case <-timer.C:
		close(m.forwardStop)
		<-m.forwardDone
		m.log.Warn("audio drain timed out, dropping buffered chunks",
			"source", m.activeKind)
	}

	m.active = nil
	m.activeKind = SourceNone
	m.forwardStop = nil
	m.forwardDone = nil
}

// forward copies chunks from one source to the shared output until the
// source's channel closes. A close of stop aborts delivery; the rest of the
// source stream is consumed and discarded so the source goroutine can exit.
func (m *Mux) forward(src Source, stop, done chan struct{}) {
	defer close(done)
	for chunk := range src.Chunks() {
		select {
		case m.out <- chunk:
		case <-stop:
			for range src.Chunks() {
			}
			return
		}
	}
}

// Close deactivates the current source and closes the output stream.
// Safe to call more than once.
func (m *Mux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.deactivateLocked()
	m.closed = true
	close(m.out)
	return nil
}
