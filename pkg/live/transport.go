package live

import (
	"context"
)

// AudioFrame is one fixed-duration slice of captured samples.
// Frames are immutable once produced; the capture device hands ownership
// to the encode step.
type AudioFrame struct {
	// Data is interleaved little-endian 16-bit PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int
}

// TransportHandler carries the callbacks a Transport invokes as the remote
// side produces events. All callbacks may be invoked from the transport's
// own goroutine; nil fields are skipped.
type TransportHandler struct {
	// OnOpen fires once when the remote side confirms the session is open.
	OnOpen func()

	// OnAudio fires for each inbound audio chunk, still in wire encoding.
	OnAudio func(chunk []byte)

	// OnInterrupted fires when the remote side discards its in-progress
	// utterance (user barge-in).
	OnInterrupted func(reason string)

	// OnClose fires when the connection closes without a local request.
	OnClose func()

	// OnError fires on a fatal transport failure.
	OnError func(err error)
}

// Transport is the connection to the remote conversational agent.
//
// Open returns once the connection attempt is underway; openness is
// confirmed asynchronously via the handler's OnOpen. Handlers must never
// be invoked from inside Open itself. Send may be called from any
// goroutine after OnOpen. Close is idempotent and best-effort; only the
// session engine may call it.
type Transport interface {
	Open(ctx context.Context, cfg SessionConfig, h TransportHandler) error
	Send(frame []byte) error
	Close() error
}

// CaptureDevice is the microphone side collaborator. Start acquires the
// device and begins delivering frames at a fixed cadence; an acquisition
// failure (no device, no permission) is fatal to the session. Stop
// releases the device and is idempotent.
type CaptureDevice interface {
	Start(onFrame func(AudioFrame)) error
	Stop() error
}

// PlaybackDevice is the output side collaborator. It owns the clock the
// playback timeline is expressed in.
type PlaybackDevice interface {
	// Now returns seconds on the device clock. It must be monotonic.
	Now() float64

	// Resume wakes the device from idle suspension. Calling it on a
	// running device is a no-op.
	Resume() error

	// Play starts the given PCM immediately and returns a handle that can
	// stop it early.
	Play(pcm []byte) (PlaybackHandle, error)
}

// PlaybackHandle controls one playing segment. Stop is idempotent.
type PlaybackHandle interface {
	Stop()
}

// Codec converts between captured frames and the wire encoding.
// Implementations must be safe for use from the capture callback and the
// transport read loop concurrently.
type Codec interface {
	// Name reports the wire encoding, e.g. "pcm_s16le" or "opus".
	Name() string

	// Encode converts a captured frame into one wire unit.
	Encode(frame AudioFrame) ([]byte, error)

	// Decode converts one wire unit into PCM at the playback format.
	Decode(chunk []byte) ([]byte, error)
}
