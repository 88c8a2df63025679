package audio_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Eden-sudo/umebot/pkg/audio"
	"github.com/Eden-sudo/umebot/pkg/audio/mock"
)

func TestCaptureSource_DeviceSelection(t *testing.T) {
	t.Parallel()
	platform := &mock.CapturePlatform{
		DeviceList: []audio.Device{
			{ID: 0, Name: "HDMI Output", DefaultSampleRate: 48000, MaxInputChannels: 0},
			{ID: 1, Name: "Built-in Microphone", DefaultSampleRate: 44100, MaxInputChannels: 2},
			{ID: 2, Name: "USB Headset Mic", DefaultSampleRate: 48000, MaxInputChannels: 1},
		},
	}
	src := audio.NewCaptureSource(platform, audio.CaptureConfig{
		NameContains: "usb",
		TargetRate:   16000,
	}, nil)
	defer src.Stop()

	if err := src.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(platform.OpenStreamCalls) != 1 {
		t.Fatalf("expected 1 OpenStream call, got %d", len(platform.OpenStreamCalls))
	}
	if got := platform.OpenStreamCalls[0].DeviceID; got != 2 {
		t.Errorf("expected device 2 (name match), got %d", got)
	}
}

func TestCaptureSource_RateProbeOrder(t *testing.T) {
	t.Parallel()
	platform := &mock.CapturePlatform{
		DeviceList: []audio.Device{
			{ID: 0, Name: "Mic", DefaultSampleRate: 44100, MaxInputChannels: 1},
		},
		// Preferred (32000) and target (16000) rejected; device default accepted.
		SupportedRates: map[int][]int{0: {44100, 48000}},
	}
	src := audio.NewCaptureSource(platform, audio.CaptureConfig{
		PreferredRate: 32000,
		TargetRate:    16000,
	}, nil)
	defer src.Stop()

	if err := src.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := platform.OpenStreamCalls[0].SampleRate; got != 44100 {
		t.Errorf("expected device default rate 44100, got %d", got)
	}
}

func TestCaptureSource_RetryExhaustion(t *testing.T) {
	t.Parallel()
	platform := &mock.CapturePlatform{
		DevicesError: errors.New("host audio unavailable"),
	}
	src := audio.NewCaptureSource(platform, audio.CaptureConfig{
		TargetRate:    16000,
		RetryAttempts: 2,
		RetryInterval: 10 * time.Millisecond,
	}, nil)
	defer src.Stop()

	err := src.Start(t.Context())
	if !errors.Is(err, audio.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "2 attempts") {
		t.Errorf("error should mention attempt count: %v", err)
	}
}

func TestCaptureSource_NormalizesToChunks(t *testing.T) {
	t.Parallel()
	platform := &mock.CapturePlatform{
		DeviceList: []audio.Device{
			{ID: 0, Name: "Mic", DefaultSampleRate: 16000, MaxInputChannels: 1},
		},
	}
	src := audio.NewCaptureSource(platform, audio.CaptureConfig{
		PreferredRate: 16000,
		TargetRate:    16000,
	}, nil)
	defer src.Stop()

	if err := src.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	platform.Streams[0].Push([]float32{0.25, -0.25, 0.5})

	select {
	case chunk := <-src.Chunks():
		if got := len(chunk.Data) / 2; got != 3 {
			t.Errorf("expected 3 samples, got %d", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chunk")
	}
}

func TestCaptureSource_StopClosesStream(t *testing.T) {
	t.Parallel()
	platform := &mock.CapturePlatform{
		DeviceList: []audio.Device{
			{ID: 0, Name: "Mic", DefaultSampleRate: 16000, MaxInputChannels: 1},
		},
	}
	src := audio.NewCaptureSource(platform, audio.CaptureConfig{TargetRate: 16000}, nil)
	if err := src.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if platform.Streams[0].CallCountClose == 0 {
		t.Error("Stop should close the capture stream")
	}
	// Second Stop is a no-op.
	if err := src.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if _, open := <-src.Chunks(); open {
		t.Error("chunk channel should be closed after Stop")
	}
}
