package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"layeh.com/gopus"
)

// Robot-link constants. The robot client sends raw interleaved S16LE PCM
// with no framing headers; half-second segments are the unit of downstream
// processing.
const (
	robotSegmentSeconds = 0.5
	robotBytesPerSample = 2

	// Maximum Opus frame duration is 120 ms; sized for decode buffers.
	opusMaxFrameMs = 120

	DefaultRobotIntakeSize = 50
)

// RobotConfig holds the parameters for a [RobotSource].
type RobotConfig struct {
	// Addr is the TCP listen address, e.g. ":9999".
	Addr string

	// IncomingRate is the sample rate of the wire PCM in Hz.
	IncomingRate int

	// IncomingChannels is the channel count of the wire PCM.
	IncomingChannels int

	// TargetRate is the system sample rate chunks are normalized to.
	TargetRate int

	// Opus switches the link to length-prefixed Opus packets (2-byte
	// big-endian packet length followed by the packet). Decoded PCM flows
	// through the same segmentation path as the raw mode.
	Opus bool

	// IntakeQueueSize bounds the raw-segment queue between the socket
	// reader and the normalizer worker. On overflow the oldest segment is
	// dropped.
	IntakeQueueSize int
}

// segmentBytes is the size of one half-second raw segment.
func (c RobotConfig) segmentBytes() int {
	return int(float64(c.IncomingRate)*robotSegmentSeconds) * c.IncomingChannels * robotBytesPerSample
}

// RobotSource ingests the robot's raw audio stream over TCP. It accepts one
// connection at a time and only while the permission gate is open; clearing
// the gate closes any active connection. A client disconnect pushes a
// stream-end sentinel downstream so utterance finalization happens promptly.
type RobotSource struct {
	cfg RobotConfig
	log *slog.Logger

	out    chan Chunk
	intake chan []byte
	gate   *Gate

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn
	running  bool
	stopped  bool

	stop chan struct{}
	wg   sync.WaitGroup

	dropMu      sync.Mutex
	dropped     int
	lastDropLog time.Time
}

var _ Source = (*RobotSource)(nil)

// NewRobotSource creates a robot TCP source guarded by the given permission
// gate. A nil gate is replaced by a permanently open one. The listener is
// not bound until Start.
func NewRobotSource(cfg RobotConfig, gate *Gate, log *slog.Logger) *RobotSource {
	if cfg.IntakeQueueSize <= 0 {
		cfg.IntakeQueueSize = DefaultRobotIntakeSize
	}
	if gate == nil {
		gate = NewGate()
		gate.Open()
	}
	if log == nil {
		log = slog.Default()
	}
	return &RobotSource{
		cfg:    cfg,
		gate:   gate,
		log:    log.With("source", SourceRobot),
		out:    make(chan Chunk, 16),
		intake: make(chan []byte, cfg.IntakeQueueSize),
		stop:   make(chan struct{}),
	}
}

// Kind implements [Source].
func (s *RobotSource) Kind() SourceKind { return SourceRobot }

// Chunks implements [Source].
func (s *RobotSource) Chunks() <-chan Chunk { return s.out }

// Addr returns the bound listener address, or "" before Start.
func (s *RobotSource) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the TCP listener and launches the accept and normalizer
// workers. Start on an already-running source is a no-op.
func (s *RobotSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.stopped {
		return fmt.Errorf("robot source: %w: already stopped", ErrSourceUnavailable)
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("robot source: binding %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	s.running = true

	s.wg.Add(2)
	go s.acceptLoop()
	go s.normalizeLoop()
	s.log.Info("robot audio listener started",
		"addr", listener.Addr().String(),
		"incomingRate", s.cfg.IncomingRate,
		"incomingChannels", s.cfg.IncomingChannels,
		"opus", s.cfg.Opus,
	)
	return nil
}

// Stop closes the listener and any active connection, drains the workers
// and closes the chunk channel. Safe to call more than once and before
// Start.
func (s *RobotSource) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	listener := s.listener
	conn := s.conn
	s.running = false
	s.mu.Unlock()

	close(s.stop)
	if conn != nil {
		conn.Close()
	}
	var err error
	if listener != nil {
		err = listener.Close()
	}
	s.wg.Wait()
	close(s.out)
	return err
}

// acceptLoop serves one connection at a time. Connections arriving while the
// permission gate is closed are dropped immediately.
func (s *RobotSource) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				s.log.Error("accepting robot audio connection", "err", err)
				continue
			}
		}
		if !s.gate.IsOpen() {
			s.log.Warn("robot audio connection rejected, permission gate closed",
				"remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.gate.bind(func() { conn.Close() })
		s.log.Info("robot audio client connected", "remote", conn.RemoteAddr().String())

		if s.cfg.Opus {
			s.readOpus(conn)
		} else {
			s.readRaw(conn)
		}

		s.gate.bind(nil)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
		s.log.Info("robot audio client disconnected", "remote", conn.RemoteAddr().String())

		// Stream-end sentinel so the recognizer can finalize the utterance.
		s.enqueue(nil)
	}
}

// readRaw accumulates wire bytes and slices half-second segments.
func (s *RobotSource) readRaw(conn net.Conn) {
	segBytes := s.cfg.segmentBytes()
	buf := make([]byte, 0, segBytes*2)
	read := make([]byte, 4096)
	for {
		n, err := conn.Read(read)
		if n > 0 {
			buf = append(buf, read[:n]...)
			for len(buf) >= segBytes {
				seg := make([]byte, segBytes)
				copy(seg, buf[:segBytes])
				buf = buf[segBytes:]
				s.enqueue(seg)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedConn(err) {
				s.log.Warn("robot audio read error", "err", err)
			}
			return
		}
	}
}

// readOpus reads length-prefixed Opus packets, decodes them and feeds the
// PCM through the same segmentation as the raw mode.
func (s *RobotSource) readOpus(conn net.Conn) {
	decoder, err := gopus.NewDecoder(s.cfg.IncomingRate, s.cfg.IncomingChannels)
	if err != nil {
		s.log.Error("creating opus decoder", "err", err)
		return
	}
	maxSamples := s.cfg.IncomingRate * opusMaxFrameMs / 1000

	segBytes := s.cfg.segmentBytes()
	buf := make([]byte, 0, segBytes*2)
	var header [2]byte
	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			if !errors.Is(err, io.EOF) && !isClosedConn(err) {
				s.log.Warn("robot audio read error", "err", err)
			}
			return
		}
		packet := make([]byte, binary.BigEndian.Uint16(header[:]))
		if _, err := io.ReadFull(conn, packet); err != nil {
			if !errors.Is(err, io.EOF) && !isClosedConn(err) {
				s.log.Warn("robot audio read error", "err", err)
			}
			return
		}

		pcm, err := decoder.Decode(packet, maxSamples, false)
		if err != nil {
			// A bad packet corrupts at most one frame; keep reading.
			s.log.Warn("opus decode failed, skipping packet", "bytes", len(packet), "err", err)
			continue
		}
		for _, sample := range pcm {
			buf = append(buf, byte(sample), byte(sample>>8))
		}
		for len(buf) >= segBytes {
			seg := make([]byte, segBytes)
			copy(seg, buf[:segBytes])
			buf = buf[segBytes:]
			s.enqueue(seg)
		}
	}
}

// enqueue pushes a raw segment (nil = stream-end sentinel) onto the intake
// queue, dropping the oldest segment on overflow. Sentinels are never
// dropped; they replace the newest segment if necessary.
func (s *RobotSource) enqueue(seg []byte) {
	select {
	case s.intake <- seg:
		return
	default:
	}
	select {
	case <-s.intake:
	default:
	}
	select {
	case s.intake <- seg:
		if seg != nil {
			s.noteDrop()
		}
	default:
	}
}

func (s *RobotSource) noteDrop() {
	s.dropMu.Lock()
	s.dropped++
	n := s.dropped
	shouldLog := time.Since(s.lastDropLog) >= time.Second
	if shouldLog {
		s.lastDropLog = time.Now()
	}
	s.dropMu.Unlock()
	if shouldLog {
		s.log.Warn("robot audio intake overflow, dropping oldest segment", "droppedTotal", n)
	}
}

// normalizeLoop downmixes and resamples raw segments to the system chunk
// format. Sentinels pass through as zero-data chunks.
func (s *RobotSource) normalizeLoop() {
	defer s.wg.Done()
	norm := Normalizer{TargetRate: s.cfg.TargetRate}
	var emittedSamples int64
	for {
		select {
		case <-s.stop:
			return
		case seg := <-s.intake:
			var chunk Chunk
			if seg != nil {
				chunk = norm.Normalize(Frame{
					Data:       seg,
					SampleRate: s.cfg.IncomingRate,
					Channels:   s.cfg.IncomingChannels,
				})
				if chunk.End() {
					// Corrupt segment, not a sentinel. Drop it.
					continue
				}
				chunk.Timestamp = time.Duration(emittedSamples) * time.Second / time.Duration(s.cfg.TargetRate)
				emittedSamples += int64(len(chunk.Data) / 2)
			}
			select {
			case s.out <- chunk:
			case <-s.stop:
				return
			}
		}
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
