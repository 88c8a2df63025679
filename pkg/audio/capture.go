package audio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Defaults for [CaptureConfig]. Retry behavior matches the startup budget:
// a missing microphone must not stall composition for more than
// RetryAttempts × RetryInterval.
const (
	DefaultCaptureRetryAttempts = 3
	DefaultCaptureRetryInterval = 5 * time.Second
	DefaultCaptureIntakeSize    = 32
)

// CaptureConfig holds the parameters for a local-mic [CaptureSource].
type CaptureConfig struct {
	// NameContains selects the capture device whose name contains this
	// substring (case-insensitive). Empty selects the first usable device.
	NameContains string

	// PreferredRate is probed before any other rate. Zero skips it.
	PreferredRate int

	// TargetRate is the system sample rate chunks are normalized to.
	TargetRate int

	// RetryAttempts bounds how often device discovery is retried before
	// Start gives up. Zero or negative means the default.
	RetryAttempts int

	// RetryInterval is the fixed backoff between discovery attempts.
	RetryInterval time.Duration

	// IntakeQueueSize bounds the raw-sample queue between the capture
	// callback and the normalizer worker. On overflow the oldest entry is
	// dropped.
	IntakeQueueSize int
}

func (c *CaptureConfig) applyDefaults() {
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultCaptureRetryAttempts
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultCaptureRetryInterval
	}
	if c.IntakeQueueSize <= 0 {
		c.IntakeQueueSize = DefaultCaptureIntakeSize
	}
}

// CaptureSource ingests audio from a local microphone through a
// [CapturePlatform]. The capture callback hands raw float32 samples to a
// bounded intake queue (drop-oldest on overflow); a dedicated worker
// downmixes, resamples to the target rate and publishes [Chunk] values.
type CaptureSource struct {
	platform CapturePlatform
	cfg      CaptureConfig
	log      *slog.Logger

	out    chan Chunk
	intake chan []float32

	mu              sync.Mutex
	stream          CaptureStream
	running         bool
	stopped         bool
	captureRate     int
	captureChannels int

	stop chan struct{}
	wg   sync.WaitGroup

	dropMu      sync.Mutex
	dropped     int
	lastDropLog time.Time
}

var _ Source = (*CaptureSource)(nil)

// NewCaptureSource creates a local-mic source on the given platform.
// The source does not touch the device until Start.
func NewCaptureSource(platform CapturePlatform, cfg CaptureConfig, log *slog.Logger) *CaptureSource {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &CaptureSource{
		platform: platform,
		cfg:      cfg,
		log:      log.With("source", SourceLocal),
		out:      make(chan Chunk, 16),
		intake:   make(chan []float32, cfg.IntakeQueueSize),
		stop:     make(chan struct{}),
	}
}

// Kind implements [Source].
func (s *CaptureSource) Kind() SourceKind { return SourceLocal }

// Chunks implements [Source].
func (s *CaptureSource) Chunks() <-chan Chunk { return s.out }

// Start discovers a matching device, probes a workable capture rate and
// opens the stream. Discovery failures are retried with fixed backoff up to
// the configured attempt count; exhaustion returns [ErrSourceUnavailable]
// wrapped with the last cause. Start on an already-running source is a no-op.
func (s *CaptureSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("capture source: %w: already stopped", ErrSourceUnavailable)
	}
	s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		dev, channels, err := s.findDevice()
		if err == nil {
			rate, rateErr := s.probeRate(dev, channels)
			if rateErr == nil {
				if err := s.open(dev, rate, channels); err == nil {
					s.log.Info("microphone capture started",
						"device", dev.Name, "captureRate", rate, "channels", channels,
						"targetRate", s.cfg.TargetRate, "attempt", attempt)
					return nil
				} else {
					lastErr = err
				}
			} else {
				lastErr = rateErr
			}
		} else {
			lastErr = err
		}

		if attempt < s.cfg.RetryAttempts {
			s.log.Warn("microphone discovery failed, retrying",
				"attempt", attempt, "retryIn", s.cfg.RetryInterval, "err", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.RetryInterval):
			}
		}
	}
	return fmt.Errorf("capture source: %w after %d attempts: %v",
		ErrSourceUnavailable, s.cfg.RetryAttempts, lastErr)
}

// Stop closes the capture stream, drains the worker and closes the chunk
// channel. Safe to call more than once and before Start.
func (s *CaptureSource) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	stream := s.stream
	s.stream = nil
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	var err error
	if stream != nil {
		err = stream.Close()
	}
	close(s.stop)
	s.wg.Wait()
	close(s.out)
	if wasRunning {
		s.log.Info("microphone capture stopped")
	}
	return err
}

// findDevice picks the first capture device whose name contains the
// configured substring, or the first device with input channels when no
// substring is configured.
func (s *CaptureSource) findDevice() (Device, int, error) {
	devices, err := s.platform.Devices()
	if err != nil {
		return Device{}, 0, fmt.Errorf("listing capture devices: %w", err)
	}
	needle := strings.ToLower(s.cfg.NameContains)
	for _, dev := range devices {
		if dev.MaxInputChannels < 1 {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(dev.Name), needle) {
			continue
		}
		channels := dev.MaxInputChannels
		if channels > 2 {
			channels = 2
		}
		return dev, channels, nil
	}
	if needle != "" {
		return Device{}, 0, fmt.Errorf("no capture device matching %q", s.cfg.NameContains)
	}
	return Device{}, 0, fmt.Errorf("no capture device with input channels")
}

// probeRate tries candidate rates in order: preferred, target, device
// default, 48000, 44100. The first rate the device accepts wins.
func (s *CaptureSource) probeRate(dev Device, channels int) (int, error) {
	candidates := []int{s.cfg.PreferredRate, s.cfg.TargetRate, dev.DefaultSampleRate, 48000, 44100}
	seen := make(map[int]bool, len(candidates))
	for _, rate := range candidates {
		if rate <= 0 || seen[rate] {
			continue
		}
		seen[rate] = true
		if s.platform.SupportsRate(dev.ID, rate, channels) {
			return rate, nil
		}
	}
	return 0, fmt.Errorf("device %q accepts none of the candidate sample rates", dev.Name)
}

func (s *CaptureSource) open(dev Device, rate, channels int) error {
	stream, err := s.platform.OpenStream(dev.ID, rate, channels, s.onSamples)
	if err != nil {
		return fmt.Errorf("opening capture stream on %q: %w", dev.Name, err)
	}
	s.mu.Lock()
	s.stream = stream
	s.captureRate = rate
	s.captureChannels = channels
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.normalizeLoop(rate, channels)
	return nil
}

// onSamples runs on the host audio thread. It copies the callback buffer and
// enqueues it, dropping the oldest pending buffer when the queue is full.
func (s *CaptureSource) onSamples(samples []float32) {
	buf := make([]float32, len(samples))
	copy(buf, samples)
	select {
	case s.intake <- buf:
		return
	default:
	}
	select {
	case <-s.intake:
	default:
	}
	select {
	case s.intake <- buf:
	default:
	}
	s.noteDrop()
}

// noteDrop counts an overflow drop and logs at most once per second.
func (s *CaptureSource) noteDrop() {
	s.dropMu.Lock()
	s.dropped++
	n := s.dropped
	shouldLog := time.Since(s.lastDropLog) >= time.Second
	if shouldLog {
		s.lastDropLog = time.Now()
	}
	s.dropMu.Unlock()
	if shouldLog {
		s.log.Warn("capture intake overflow, dropping oldest buffer", "droppedTotal", n)
	}
}

// normalizeLoop drains the intake queue, downmixes to mono int16, resamples
// to the target rate and publishes chunks. Conversion failures drop the
// offending buffer only; the loop never exits on data errors.
func (s *CaptureSource) normalizeLoop(captureRate, channels int) {
	defer s.wg.Done()
	var emittedSamples int64
	for {
		select {
		case <-s.stop:
			return
		case samples := <-s.intake:
			pcm := Float32ToMono16(samples, channels)
			if captureRate != s.cfg.TargetRate {
				pcm = ResampleMono16(pcm, captureRate, s.cfg.TargetRate)
			}
			if len(pcm) == 0 {
				continue
			}
			ts := time.Duration(emittedSamples) * time.Second / time.Duration(s.cfg.TargetRate)
			emittedSamples += int64(len(pcm) / 2)
			select {
			case s.out <- Chunk{Data: pcm, Timestamp: ts}:
			case <-s.stop:
				return
			}
		}
	}
}
