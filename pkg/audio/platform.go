package audio

// Device describes one capture device exposed by a [CapturePlatform].
type Device struct {
	// ID is the platform-specific device index.
	ID int

	// Name is the human-readable device name as reported by the host.
	Name string

	// DefaultSampleRate is the device's preferred capture rate in Hz.
	DefaultSampleRate int

	// MaxInputChannels is the number of input channels the device supports.
	MaxInputChannels int
}

// CaptureStream represents an open capture stream on a device. Samples are
// delivered through the callback passed to [CapturePlatform.OpenStream];
// Close stops delivery and releases the device.
type CaptureStream interface {
	// Close stops the stream. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// CapturePlatform is the host audio layer the local-mic source runs on.
// Implementations wrap a host audio library; the mock package provides a
// scripted implementation for tests.
//
// Implementations must be safe for concurrent use.
type CapturePlatform interface {
	// Devices lists the currently available capture devices.
	Devices() ([]Device, error)

	// SupportsRate reports whether the device accepts the given capture
	// configuration without opening a stream.
	SupportsRate(deviceID, sampleRate, channels int) bool

	// OpenStream opens a float32 capture stream on the device. The callback
	// is invoked from the host audio thread with interleaved samples in
	// [-1, 1]; it must not block and must copy any data it retains.
	OpenStream(deviceID, sampleRate, channels int, cb func(samples []float32)) (CaptureStream, error)
}
