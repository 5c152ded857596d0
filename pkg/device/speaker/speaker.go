// Package speaker plays PCM segments through the system audio output and
// owns the monotonic clock the playback timeline is expressed in.
package speaker

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/overtone-ai/duplex/pkg/live"
)

const (
	// defaultBufferSize keeps backend latency low without starving the
	// device between scheduler ticks.
	defaultBufferSize = 100 * time.Millisecond

	// playerCloseSlack is added to a segment's duration before its
	// player is reclaimed, so the backend can drain the tail.
	playerCloseSlack = 250 * time.Millisecond

	// idleSuspendAfter is how long the device stays awake with no
	// players before the backend is suspended.
	idleSuspendAfter = 30 * time.Second
)

// Options configures the playback device.
type Options struct {
	// Format is the playback PCM format. Zero fields fall back to
	// 24 kHz mono 16-bit.
	Format live.AudioConfig

	// BufferSize is the backend buffer length. Defaults to 100ms.
	BufferSize time.Duration

	// Logger receives device diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// Device is a live.PlaybackDevice over the system speaker. The audio
// context is created on first use and shared for the process lifetime;
// each Play gets its own player so segments can be stopped independently.
type Device struct {
	opts Options
	log  *slog.Logger

	initOnce sync.Once
	initErr  error
	ctx      *oto.Context

	mu        sync.Mutex
	epoch     time.Time
	active    int
	idleTimer *time.Timer
}

var _ live.PlaybackDevice = (*Device)(nil)

// New creates a playback device. No hardware is touched until the first
// Resume or Play.
func New(opts Options) *Device {
	if opts.Format.SampleRate == 0 {
		opts.Format = live.DefaultOutputAudioConfig()
	}
	if opts.Format.Channels == 0 {
		opts.Format.Channels = 1
	}
	if opts.Format.BitsPerSample == 0 {
		opts.Format.BitsPerSample = 16
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Device{opts: opts, log: log}
}

// init creates the process-wide audio context and anchors the device
// clock at the moment the backend reports ready.
func (d *Device) init() error {
	d.initOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   d.opts.Format.SampleRate,
			ChannelCount: d.opts.Format.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   d.opts.BufferSize,
		})
		if err != nil {
			d.initErr = fmt.Errorf("speaker: init audio context: %w", err)
			return
		}
		<-ready

		d.ctx = ctx
		d.mu.Lock()
		d.epoch = time.Now()
		d.mu.Unlock()
		d.log.Debug("speaker ready", "sample_rate", d.opts.Format.SampleRate, "channels", d.opts.Format.Channels)
	})
	return d.initErr
}

// Now returns seconds on the device clock. Before the backend is ready
// the clock reads zero.
func (d *Device) Now() float64 {
	d.mu.Lock()
	epoch := d.epoch
	d.mu.Unlock()
	if epoch.IsZero() {
		return 0
	}
	return time.Since(epoch).Seconds()
}

// Resume wakes the device, creating the backend context on first use.
// Resuming a running device is a no-op.
func (d *Device) Resume() error {
	if err := d.init(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}
	d.mu.Unlock()

	if err := d.ctx.Resume(); err != nil {
		return fmt.Errorf("speaker: resume: %w", err)
	}
	return nil
}

// Suspend parks the backend while no session is active. Playback resumes
// transparently on the next Resume.
func (d *Device) Suspend() error {
	if d.ctx == nil {
		return nil
	}
	if err := d.ctx.Suspend(); err != nil {
		return fmt.Errorf("speaker: suspend: %w", err)
	}
	return nil
}

// notePlayerStarted keeps the backend awake while segments are live.
func (d *Device) notePlayerStarted() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active++
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}
}

// notePlayerDone arms the idle suspension once the last player is gone.
func (d *Device) notePlayerDone() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active--
	if d.active > 0 {
		return
	}
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(idleSuspendAfter, func() {
		d.mu.Lock()
		idle := d.active == 0
		d.mu.Unlock()
		if !idle {
			return
		}
		if err := d.Suspend(); err != nil {
			d.log.Warn("idle suspend failed", "error", err)
		}
	})
}

// Play starts the given PCM immediately on its own player. The player is
// reclaimed shortly after the segment's natural end, or at once when the
// handle is stopped.
func (d *Device) Play(pcm []byte) (live.PlaybackHandle, error) {
	if err := d.init(); err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("speaker: empty segment")
	}

	player := d.ctx.NewPlayer(bytes.NewReader(pcm))
	player.Play()
	d.notePlayerStarted()

	h := &handle{player: player, device: d}
	duration := time.Duration(d.opts.Format.Seconds(len(pcm)) * float64(time.Second))
	h.reclaim = time.AfterFunc(duration+playerCloseSlack, h.Stop)
	return h, nil
}

// handle controls one playing segment.
type handle struct {
	player  *oto.Player
	device  *Device
	reclaim *time.Timer
	once    sync.Once
}

// Stop halts the segment and releases its player. It is idempotent.
func (h *handle) Stop() {
	h.once.Do(func() {
		if h.reclaim != nil {
			h.reclaim.Stop()
		}
		if err := h.player.Close(); err != nil {
			h.device.log.Warn("player close failed", "error", err)
		}
		h.device.notePlayerDone()
	})
}
