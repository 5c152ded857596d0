package live

import (
	"log/slog"
)

// SessionState represents the current state of the voice session.
type SessionState int

const (
	// StateIdle means no session is active and a new connect is allowed.
	StateIdle SessionState = iota
	// StateConnecting means the transport is being opened.
	StateConnecting
	// StateOpen means the transport confirmed openness and capture is running.
	StateOpen
	// StateClosing means a graceful disconnect is in progress.
	StateClosing
	// StateClosed means a requested disconnect finished tearing down.
	StateClosed
	// StateFailed means the session was torn down by a fatal error.
	StateFailed
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Status is the coarse connection status exposed to UI layers.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// StatusOf projects a session state onto the three-valued connection status.
func StatusOf(s SessionState) Status {
	switch s {
	case StateConnecting:
		return StatusConnecting
	case StateOpen:
		return StatusConnected
	default:
		return StatusDisconnected
	}
}

// AudioConfig specifies PCM format parameters for one direction of the stream.
type AudioConfig struct {
	// SampleRate in Hz. Common values: 16000, 24000, 44100, 48000.
	SampleRate int `json:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels"`

	// BitsPerSample: typically 16 for PCM.
	BitsPerSample int `json:"bits_per_sample"`
}

// DefaultInputAudioConfig returns the standard microphone-side format.
func DefaultInputAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:    16000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// DefaultOutputAudioConfig returns the standard playback-side format.
func DefaultOutputAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:    24000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// BytesPerSecond returns the audio byte rate.
func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (c AudioConfig) DurationMs(bytes int) int {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / c.BytesPerSecond()
}

// Seconds returns the exact duration in seconds for the given byte count.
// The playback timeline is kept in this float domain so per-chunk rounding
// cannot accumulate as drift.
func (c AudioConfig) Seconds(bytes int) float64 {
	bps := c.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return float64(bytes) / float64(bps)
}

// BytesForDurationMs returns the byte count for the given duration in milliseconds.
func (c AudioConfig) BytesForDurationMs(ms int) int {
	return (c.BytesPerSecond() * ms) / 1000
}

// SessionConfig holds all configuration for the session engine.
type SessionConfig struct {
	// AudioIn is the capture-side PCM format sent to the remote agent.
	AudioIn AudioConfig `json:"audio_in"`

	// AudioOut is the playback-side PCM format received from the remote agent.
	AudioOut AudioConfig `json:"audio_out"`

	// GraceMs is how long the speaking signal is held after the last live
	// segment ends, so a tiny gap between back-to-back chunks is not
	// reported as the agent going quiet. Default: 200.
	GraceMs int `json:"grace_ms"`

	// EventBuffer is the capacity of the events channel. Default: 100.
	EventBuffer int `json:"event_buffer"`

	// AnalyserWindow is the sample window for spectrum snapshots.
	// Must be a power of two. Default: 2048.
	AnalyserWindow int `json:"analyser_window"`

	// Logger receives engine diagnostics. Nil means slog.Default().
	Logger *slog.Logger `json:"-"`
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		AudioIn:        DefaultInputAudioConfig(),
		AudioOut:       DefaultOutputAudioConfig(),
		GraceMs:        200,
		EventBuffer:    100,
		AnalyserWindow: 2048,
	}
}

// withDefaults fills zero values so a partially populated config is usable.
func (c SessionConfig) withDefaults() SessionConfig {
	def := DefaultSessionConfig()
	if c.AudioIn.SampleRate == 0 {
		c.AudioIn = def.AudioIn
	}
	if c.AudioOut.SampleRate == 0 {
		c.AudioOut = def.AudioOut
	}
	if c.AudioIn.Channels == 0 {
		c.AudioIn.Channels = 1
	}
	if c.AudioOut.Channels == 0 {
		c.AudioOut.Channels = 1
	}
	if c.AudioIn.BitsPerSample == 0 {
		c.AudioIn.BitsPerSample = 16
	}
	if c.AudioOut.BitsPerSample == 0 {
		c.AudioOut.BitsPerSample = 16
	}
	if c.GraceMs == 0 {
		c.GraceMs = def.GraceMs
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.AnalyserWindow == 0 {
		c.AnalyserWindow = def.AnalyserWindow
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
