// Package mic captures microphone audio through miniaudio. Frames are
// delivered on the device's own callback goroutine at a fixed period.
package mic

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/overtone-ai/duplex/pkg/live"
)

const defaultPeriodMs = 20

// Options configures the capture device.
type Options struct {
	// Format is the capture PCM format. Zero fields fall back to
	// 16 kHz mono 16-bit.
	Format live.AudioConfig

	// PeriodMs is the frame cadence in milliseconds. Defaults to 20.
	PeriodMs int

	// Logger receives device diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// Device is a live.CaptureDevice over the system microphone. The audio
// context and device are acquired on Start and released on Stop, so one
// Device can serve consecutive sessions.
type Device struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	started bool
}

var _ live.CaptureDevice = (*Device)(nil)

// New creates a capture device. No hardware is touched until Start.
func New(opts Options) *Device {
	if opts.Format.SampleRate == 0 {
		opts.Format = live.DefaultInputAudioConfig()
	}
	if opts.Format.Channels == 0 {
		opts.Format.Channels = 1
	}
	if opts.PeriodMs <= 0 {
		opts.PeriodMs = defaultPeriodMs
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Device{opts: opts, log: log}
}

// Start acquires the microphone and begins delivering frames. The
// callback buffer is owned by the audio backend, so each frame is copied
// before it is handed to onFrame.
func (d *Device) Start(onFrame func(live.AudioFrame)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("mic: capture already started")
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return fmt.Errorf("mic: init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(d.opts.Format.Channels)
	deviceConfig.SampleRate = uint32(d.opts.Format.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(d.opts.PeriodMs)

	format := d.opts.Format
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) == 0 {
				return
			}
			data := make([]byte, len(input))
			copy(data, input)
			onFrame(live.AudioFrame{
				Data:       data,
				SampleRate: format.SampleRate,
				Channels:   format.Channels,
			})
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		uninitContext(ctx, d.log)
		return fmt.Errorf("mic: init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		uninitContext(ctx, d.log)
		return fmt.Errorf("mic: start capture device: %w", err)
	}

	d.ctx = ctx
	d.device = device
	d.started = true
	d.log.Debug("microphone started", "sample_rate", format.SampleRate, "channels", format.Channels, "period_ms", d.opts.PeriodMs)
	return nil
}

// Stop releases the microphone. It is idempotent and safe on a device
// that never started.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	if err := d.device.Stop(); err != nil {
		d.log.Warn("microphone stop failed", "error", err)
	}
	d.device.Uninit()
	uninitContext(d.ctx, d.log)

	d.ctx = nil
	d.device = nil
	d.started = false
	d.log.Debug("microphone stopped")
	return nil
}

func uninitContext(ctx *malgo.AllocatedContext, log *slog.Logger) {
	if err := ctx.Uninit(); err != nil {
		log.Warn("audio context uninit failed", "error", err)
	}
	ctx.Free()
}
