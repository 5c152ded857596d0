package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Engine manages one duplex voice session at a time: it opens the
// transport, gates capture on the open confirmation, routes inbound audio
// into the playback scheduler, and owns teardown.
//
// At most one session is active; Connect while a session is connecting or
// open is a no-op. Disconnect is synchronous and total: it never waits for
// the remote side to acknowledge the close before freeing local resources.
// A remote event arriving after teardown is discarded by a state check.
type Engine struct {
	cfg       SessionConfig
	transport Transport
	capture   CaptureDevice
	playback  PlaybackDevice
	codec     Codec
	log       *slog.Logger

	inTap  *Analyser
	outTap *Analyser

	// connMu serializes connect/disconnect transitions so a teardown in
	// flight can never close the transport out from under a newer
	// session that is opening it.
	connMu sync.Mutex

	mu        sync.RWMutex
	state     SessionState
	lastErr   *Error
	sess      *session
	sessionID string

	speaking atomic.Bool
	events   chan Event
	closed   atomic.Bool
}

// session bundles the resources owned by one connection lifetime.
type session struct {
	id        string
	scheduler *Scheduler
	pipeline  *CapturePipeline
	teardown  sync.Once
}

// NewEngine creates an engine over the given collaborators. A nil codec
// defaults to PCMCodec.
func NewEngine(cfg SessionConfig, transport Transport, capture CaptureDevice, playback PlaybackDevice, codec Codec) *Engine {
	cfg = cfg.withDefaults()
	if codec == nil {
		codec = PCMCodec{}
	}

	return &Engine{
		cfg:       cfg,
		transport: transport,
		capture:   capture,
		playback:  playback,
		codec:     codec,
		log:       cfg.Logger,
		inTap:     NewAnalyser(cfg.AnalyserWindow),
		outTap:    NewAnalyser(cfg.AnalyserWindow),
		state:     StateIdle,
		events:    make(chan Event, cfg.EventBuffer),
	}
}

// Connect opens a new session. It returns once the connecting state is
// entered; openness is confirmed asynchronously and observable via State
// and the events channel. Calling Connect while a session is connecting or
// open does nothing.
func (e *Engine) Connect(ctx context.Context) error {
	e.connMu.Lock()
	defer e.connMu.Unlock()

	// Checked under connMu so a concurrent Close cannot release the
	// events channel between the check and the first emit.
	if e.closed.Load() {
		return fmt.Errorf("engine closed")
	}

	e.mu.Lock()
	if e.state == StateConnecting || e.state == StateOpen {
		e.mu.Unlock()
		return nil
	}
	sess := &session{id: "sess_" + uuid.NewString()}
	e.sess = sess
	e.sessionID = sess.id
	e.lastErr = nil
	e.setStateLocked(StateConnecting)
	e.mu.Unlock()

	h := TransportHandler{
		OnOpen:        func() { e.onOpen(sess) },
		OnAudio:       func(chunk []byte) { e.onAudio(sess, chunk) },
		OnInterrupted: func(reason string) { e.onInterrupted(sess, reason) },
		OnClose:       func() { e.onTransportClose(sess) },
		OnError:       func(err error) { e.onTransportError(sess, err) },
	}

	if err := e.transport.Open(ctx, e.cfg, h); err != nil {
		lerr := NewConnectionError("open transport", err)
		e.failSessionLocked(sess, lerr)
		return lerr
	}
	return nil
}

// Disconnect tears the active session down. It is idempotent; calling it
// with no session active does nothing.
func (e *Engine) Disconnect() {
	e.connMu.Lock()
	defer e.connMu.Unlock()

	e.mu.Lock()
	sess := e.sess
	if sess == nil {
		e.mu.Unlock()
		return
	}
	e.sess = nil
	e.setStateLocked(StateClosing)
	e.mu.Unlock()

	e.teardown(sess, "disconnect")

	e.mu.Lock()
	e.setStateLocked(StateClosed)
	e.setStateLocked(StateIdle)
	e.mu.Unlock()
}

// Close releases the engine. It disconnects any active session and closes
// the events channel.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.Disconnect()
	close(e.events)
	return nil
}

// State returns the current session state.
func (e *Engine) State() SessionState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Status returns the coarse connection status for UI layers.
func (e *Engine) Status() Status {
	return StatusOf(e.State())
}

// IsSpeaking reports whether the agent is currently audibly speaking.
func (e *Engine) IsSpeaking() bool {
	return e.speaking.Load()
}

// LastError returns the most recent fatal session error, or nil. It is
// cleared by the next Connect that actually starts a session.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastErr == nil {
		return nil
	}
	return e.lastErr
}

// SessionID returns the identifier of the current or most recent session.
func (e *Engine) SessionID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionID
}

// Events returns the channel for receiving session events.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// InputSpectrum returns a frequency-bin snapshot of recently captured
// audio for visualization.
func (e *Engine) InputSpectrum() []float64 {
	return e.inTap.Spectrum()
}

// OutputSpectrum returns a frequency-bin snapshot of currently playing
// audio for visualization.
func (e *Engine) OutputSpectrum() []float64 {
	return e.outTap.Spectrum()
}

// onOpen runs when the transport confirms openness: the playback timeline
// is anchored to the device clock, capture starts, and queued frames are
// released. Capture must not start before this confirmation.
func (e *Engine) onOpen(sess *session) {
	e.mu.Lock()
	if e.sess != sess || e.state != StateConnecting {
		e.mu.Unlock()
		return
	}
	grace := time.Duration(e.cfg.GraceMs) * time.Millisecond
	sched := NewScheduler(e.playback, e.cfg.AudioOut, grace, e.log)
	sched.SetCallbacks(e.onSpeakingChanged)
	sched.SetTap(e.outTap)
	pipe := NewCapturePipeline(e.capture, e.codec, e.transport.Send, e.log)
	pipe.SetTap(e.inTap)
	sess.scheduler = sched
	sess.pipeline = pipe
	e.mu.Unlock()

	if err := pipe.Start(); err != nil {
		var lerr *Error
		if !errors.As(err, &lerr) {
			lerr = NewCaptureError("acquire capture device", err)
		}
		e.failSession(sess, lerr)
		return
	}

	e.mu.Lock()
	if e.sess != sess || e.state != StateConnecting {
		e.mu.Unlock()
		// Torn down while the device was starting.
		pipe.Stop()
		sched.Stop()
		return
	}
	pipe.SetReady()
	e.setStateLocked(StateOpen)
	e.mu.Unlock()

	e.log.Info("session open", "session_id", sess.id, "encoding", e.codec.Name())
}

// onAudio decodes one inbound chunk and commits it to the timeline.
// A malformed chunk is dropped and logged; playback continues with
// subsequent chunks. The read lock is held through the emit so a
// concurrent Close cannot release the events channel mid-dispatch.
func (e *Engine) onAudio(sess *session, chunk []byte) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.sess != sess || e.state != StateOpen || sess.scheduler == nil {
		return
	}

	pcm, err := e.codec.Decode(chunk)
	if err != nil {
		e.log.Warn("inbound chunk decode failed, dropping", "error", err)
		e.emit(&ErrorEvent{Kind: ErrDecode, Message: err.Error()})
		return
	}

	seg, err := sess.scheduler.Schedule(pcm)
	if err != nil {
		e.log.Warn("chunk not scheduled", "error", err)
		return
	}
	e.emit(&SegmentScheduledEvent{ID: seg.ID, StartAt: seg.StartAt, Duration: seg.Duration})
}

// onInterrupted discards the agent's in-progress utterance.
func (e *Engine) onInterrupted(sess *session, reason string) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.sess != sess || sess.scheduler == nil {
		return
	}

	sess.scheduler.Interrupt()
	e.emit(&InterruptedEvent{Reason: reason})
}

// onTransportClose handles a close the engine did not request.
func (e *Engine) onTransportClose(sess *session) {
	e.mu.RLock()
	stale := e.sess != sess
	e.mu.RUnlock()
	if stale {
		// We already tore down; a late remote close is a no-op.
		return
	}
	e.failSession(sess, NewConnectionError("connection closed unexpectedly", nil))
}

// onTransportError handles a fatal transport failure.
func (e *Engine) onTransportError(sess *session, err error) {
	e.failSession(sess, NewConnectionError("transport failure", err))
}

// onSpeakingChanged relays the scheduler's derived activity signal. It is
// invoked under the scheduler's lock and must stay non-blocking.
func (e *Engine) onSpeakingChanged(speaking bool) {
	e.speaking.Store(speaking)
	e.emit(&SpeakingChangedEvent{Speaking: speaking})
}

// failSession surfaces a fatal error and tears the session down. Stale
// sessions are ignored so a late callback cannot fail a newer session.
func (e *Engine) failSession(sess *session, lerr *Error) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	e.failSessionLocked(sess, lerr)
}

func (e *Engine) failSessionLocked(sess *session, lerr *Error) {
	e.mu.Lock()
	if e.sess != sess {
		e.mu.Unlock()
		return
	}
	e.sess = nil
	e.lastErr = lerr
	e.setStateLocked(StateFailed)
	e.mu.Unlock()

	e.log.Error("session failed", "session_id", sess.id, "kind", string(lerr.Kind), "error", lerr)
	e.emit(&ErrorEvent{Kind: lerr.Kind, Message: lerr.Message})

	e.teardown(sess, string(lerr.Kind))

	e.mu.Lock()
	e.setStateLocked(StateIdle)
	e.mu.Unlock()
}

// teardown releases everything one session owns: the capture device, all
// live playback segments, the timeline cursor, the analyser windows, and
// the transport. It runs at most once per session and never blocks on a
// remote acknowledgement.
func (e *Engine) teardown(sess *session, reason string) {
	sess.teardown.Do(func() {
		if sess.pipeline != nil {
			sess.pipeline.Stop()
		}
		if sess.scheduler != nil {
			sess.scheduler.Stop()
		}
		if err := e.transport.Close(); err != nil {
			e.log.Warn("transport close failed", "error", err)
		}
		e.speaking.Store(false)
		e.inTap.Reset()
		e.outTap.Reset()
		e.emit(&SessionClosedEvent{Reason: reason})
	})
}

// setStateLocked updates the session state and emits an event. The caller
// holds e.mu.
func (e *Engine) setStateLocked(newState SessionState) {
	oldState := e.state
	if oldState == newState {
		return
	}
	e.state = newState
	e.log.Debug("session state", "from", oldState.String(), "to", newState.String())
	e.emit(&StateChangedEvent{From: oldState, To: newState})
}

// emit sends an event to the events channel without blocking.
func (e *Engine) emit(event Event) {
	select {
	case e.events <- event:
	default:
		// Channel full, drop event.
	}
}
