package audio_test

import (
	"net"
	"testing"
	"time"

	"github.com/Eden-sudo/umebot/pkg/audio"
)

func newTestRobotSource(t *testing.T, gate *audio.Gate) *audio.RobotSource {
	t.Helper()
	src := audio.NewRobotSource(audio.RobotConfig{
		Addr:             "127.0.0.1:0",
		IncomingRate:     16000,
		IncomingChannels: 2,
		TargetRate:       16000,
	}, gate, nil)
	if err := src.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { src.Stop() })
	return src
}

func TestRobotSource_SegmentsAndSentinel(t *testing.T) {
	t.Parallel()
	src := newTestRobotSource(t, nil)

	conn, err := net.Dial("tcp", src.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	// One half-second stereo segment at 16kHz = 8000 frames × 4 bytes.
	segment := make([]byte, 32000)
	if _, err := conn.Write(segment); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()

	var chunks []audio.Chunk
	deadline := time.After(2 * time.Second)
	for len(chunks) < 2 {
		select {
		case chunk := <-src.Chunks():
			chunks = append(chunks, chunk)
		case <-deadline:
			t.Fatalf("timed out, got %d chunks", len(chunks))
		}
	}

	// Downmixed half-second mono segment: 8000 samples.
	if got := len(chunks[0].Data) / 2; got != 8000 {
		t.Errorf("expected 8000 mono samples, got %d", got)
	}
	if !chunks[1].End() {
		t.Error("disconnect should push a stream-end sentinel")
	}
}

func TestRobotSource_GateRejectsConnections(t *testing.T) {
	t.Parallel()
	gate := audio.NewGate()
	src := newTestRobotSource(t, gate)

	conn, err := net.Dial("tcp", src.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// With the gate closed the server drops the connection immediately.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the rejected connection to be closed")
	}

	select {
	case chunk, open := <-src.Chunks():
		if open {
			t.Fatalf("no chunks expected from a rejected connection, got %d bytes", len(chunk.Data))
		}
	default:
	}
}

func TestRobotSource_GateCloseDropsActiveConnection(t *testing.T) {
	t.Parallel()
	gate := audio.NewGate()
	gate.Open()
	src := newTestRobotSource(t, gate)

	conn, err := net.Dial("tcp", src.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Deliver a little data so the server is inside its read loop.
	if _, err := conn.Write(make([]byte, 128)); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	gate.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("closing the gate should drop the active connection")
	}
}

func TestRobotSource_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	src := newTestRobotSource(t, nil)
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if _, open := <-src.Chunks(); open {
		t.Error("chunk channel should be closed after Stop")
	}
}
