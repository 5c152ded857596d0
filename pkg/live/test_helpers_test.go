package live

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"
)

// fakeClockDevice is a PlaybackDevice whose clock is advanced by hand so
// timeline math can be asserted deterministically.
type fakeClockDevice struct {
	mu        sync.Mutex
	now       float64
	resumes   int
	resumeErr error
	playErr   error
	handles   []*fakeHandle
}

func newFakeClockDevice(now float64) *fakeClockDevice {
	return &fakeClockDevice{now: now}
}

func (d *fakeClockDevice) Now() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

func (d *fakeClockDevice) SetNow(now float64) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

func (d *fakeClockDevice) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumes++
	return d.resumeErr
}

func (d *fakeClockDevice) Play(pcm []byte) (PlaybackHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playErr != nil {
		return nil, d.playErr
	}
	h := &fakeHandle{pcm: pcm}
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *fakeClockDevice) playCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

func (d *fakeClockDevice) handleAt(i int) *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.handles) {
		return nil
	}
	return d.handles[i]
}

type fakeHandle struct {
	mu      sync.Mutex
	pcm     []byte
	stopped bool
}

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
}

func (h *fakeHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// fakeTransport records sent frames and lets tests drive the handler
// callbacks directly.
type fakeTransport struct {
	mu      sync.Mutex
	handler TransportHandler
	openErr error
	sendErr error
	opens   int
	closes  int
	sent    [][]byte
}

func (t *fakeTransport) Open(_ context.Context, _ SessionConfig, h TransportHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return t.openErr
	}
	t.opens++
	t.handler = h
	return nil
}

func (t *fakeTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	data := make([]byte, len(frame))
	copy(data, frame)
	t.sent = append(t.sent, data)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeTransport) h() TransportHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *fakeTransport) fireOpen()                     { t.h().OnOpen() }
func (t *fakeTransport) fireAudio(chunk []byte)        { t.h().OnAudio(chunk) }
func (t *fakeTransport) fireInterrupted(reason string) { t.h().OnInterrupted(reason) }
func (t *fakeTransport) fireClose()                    { t.h().OnClose() }
func (t *fakeTransport) fireError(err error)           { t.h().OnError(err) }

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *fakeTransport) sentAt(i int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.sent) {
		return nil
	}
	return t.sent[i]
}

// fakeMic is a CaptureDevice whose frames are pushed by the test.
type fakeMic struct {
	mu       sync.Mutex
	onFrame  func(AudioFrame)
	startErr error
	starts   int
	stops    int
}

func (m *fakeMic) Start(onFrame func(AudioFrame)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.starts++
	m.onFrame = onFrame
	return nil
}

func (m *fakeMic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	m.onFrame = nil
	return nil
}

func (m *fakeMic) emit(frame AudioFrame) {
	m.mu.Lock()
	cb := m.onFrame
	m.mu.Unlock()
	if cb != nil {
		cb(frame)
	}
}

func (m *fakeMic) startCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

func (m *fakeMic) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine() (*Engine, *fakeTransport, *fakeMic, *fakeClockDevice) {
	ft := &fakeTransport{}
	fm := &fakeMic{}
	fd := newFakeClockDevice(0)
	cfg := DefaultSessionConfig()
	cfg.GraceMs = 60 // Short for testing
	cfg.Logger = discardLogger()
	return NewEngine(cfg, ft, fm, fd, nil), ft, fm, fd
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", msg)
}

// waitForEvent drains the engine's events until one of the given type
// arrives.
func waitForEvent(t *testing.T, e *Engine, eventType string) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-e.Events():
			if !ok {
				t.Fatalf("Events channel closed while waiting for %s", eventType)
			}
			if ev.EventType() == eventType {
				return ev
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s event", eventType)
		}
	}
}

// pcmOf builds a silent PCM buffer spanning the given duration.
func pcmOf(cfg AudioConfig, ms int) []byte {
	return make([]byte, cfg.BytesForDurationMs(ms))
}

// sinePCM synthesizes 16-bit little-endian samples tracing the given
// number of whole cycles across n samples.
func sinePCM(n, cycles int, amp float64) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amp * math.Sin(2*math.Pi*float64(cycles)*float64(i)/float64(n))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*32767)))
	}
	return buf
}
