package live

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// CapturePipeline owns the microphone handle and the encode→send path.
//
// Frames are forwarded in production order. Until the transport confirms
// readiness the pipeline queues frames behind the gate instead of dropping
// them; SetReady flushes the queue in order before letting live frames
// through, so ordering is a structural guarantee. Individual encode or
// send failures are logged and dropped: each frame is independent and the
// next one supersedes it.
//
// The capture device is expected to invoke onFrame from a single device
// goroutine, as capture backends do.
type CapturePipeline struct {
	device CaptureDevice
	codec  Codec
	send   func(wire []byte) error
	log    *slog.Logger

	mu      sync.Mutex
	tap     *Analyser
	started bool
	stopped bool
	ready   bool
	pending [][]byte

	sent atomic.Int64
}

// NewCapturePipeline creates a pipeline that encodes frames with codec and
// forwards them through send.
func NewCapturePipeline(device CaptureDevice, codec Codec, send func(wire []byte) error, logger *slog.Logger) *CapturePipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapturePipeline{
		device: device,
		codec:  codec,
		send:   send,
		log:    logger,
	}
}

// SetTap attaches an analyser fed with raw captured samples, independent
// of the encode path.
func (p *CapturePipeline) SetTap(tap *Analyser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tap = tap
}

// Start acquires the capture device and begins receiving frames. An
// acquisition failure (no device, no permission) is fatal to the session
// and is returned as a capture-device error.
func (p *CapturePipeline) Start() error {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return NewCaptureError("capture pipeline already used", nil)
	}
	p.started = true
	p.mu.Unlock()

	if err := p.device.Start(p.onFrame); err != nil {
		return NewCaptureError("acquire capture device", err)
	}
	return nil
}

// SetReady opens the send gate: queued frames are flushed in order, then
// subsequent frames pass straight through.
func (p *CapturePipeline) SetReady() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ready || p.stopped {
		return
	}
	for _, wire := range p.pending {
		p.sendFrame(wire)
	}
	p.pending = nil
	p.ready = true
}

// Stop releases the capture device. It is idempotent.
func (p *CapturePipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.ready = false
	p.pending = nil
	started := p.started
	p.mu.Unlock()

	if started {
		if err := p.device.Stop(); err != nil {
			p.log.Warn("capture device stop failed", "error", err)
		}
	}
}

// FramesSent returns how many frames reached the transport.
func (p *CapturePipeline) FramesSent() int64 {
	return p.sent.Load()
}

// onFrame is the capture device callback.
func (p *CapturePipeline) onFrame(frame AudioFrame) {
	p.mu.Lock()
	tap := p.tap
	p.mu.Unlock()
	if tap != nil {
		tap.Push(frame.Data)
	}

	wire, err := p.codec.Encode(frame)
	if err != nil {
		p.log.Warn("frame encode failed, dropping", "error", err)
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if !p.ready {
		p.pending = append(p.pending, wire)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.sendFrame(wire)
}

// sendFrame hands one wire unit to the transport. Failures are logged and
// never retried; the frame is superseded by the next one.
func (p *CapturePipeline) sendFrame(wire []byte) {
	if err := p.send(wire); err != nil {
		p.log.Warn("frame send failed", "error", err)
		return
	}
	p.sent.Add(1)
}
