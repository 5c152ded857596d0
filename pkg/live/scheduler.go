package live

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PlaybackSegment describes one chunk committed to the output timeline.
type PlaybackSegment struct {
	ID       string  `json:"id"`
	StartAt  float64 `json:"start_at"`
	Duration float64 `json:"duration"`
}

// segment is the scheduler's record of one committed chunk from commit
// until natural completion or forced cancellation.
type segment struct {
	id       string
	pcm      []byte
	startAt  float64
	duration float64

	startTimer *time.Timer
	endTimer   *time.Timer
	handle     PlaybackHandle
	stopped    chan struct{}
}

// Scheduler owns the monotonic output timeline. Decoded chunks are
// committed back-to-back: each segment starts exactly where the previous
// one ends, so playback has no gaps and no overlaps regardless of how the
// chunks arrived.
//
// All times are seconds on the playback device's own clock. The cursor
// only ever moves forward by each segment's exact decoded duration, so
// scheduling error cannot accumulate across a long response.
type Scheduler struct {
	device PlaybackDevice
	format AudioConfig
	log    *slog.Logger

	mu        sync.Mutex
	nextStart float64
	live      map[string]*segment
	speaking  bool
	closed    bool

	grace      *GraceTimer
	onSpeaking func(bool)
	tap        *Analyser
}

// NewScheduler creates a scheduler whose timeline starts at the device's
// current time. grace is how long the speaking signal is held after the
// last segment ends.
func NewScheduler(device PlaybackDevice, format AudioConfig, grace time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		device:    device,
		format:    format,
		log:       logger,
		nextStart: device.Now(),
		live:      make(map[string]*segment),
		grace:     NewGraceTimer(grace),
	}
}

// SetCallbacks sets the speaking-signal callback. The callback must not
// call back into the scheduler.
func (s *Scheduler) SetCallbacks(onSpeaking func(bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSpeaking = onSpeaking
}

// SetTap attaches an analyser that is fed segment audio while it plays.
func (s *Scheduler) SetTap(tap *Analyser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tap = tap
}

// Schedule commits one decoded PCM chunk to the timeline. It wakes the
// device, re-anchors the cursor if the previous schedule fell behind the
// device clock, starts the segment at the pre-advance cursor, and advances
// the cursor by the chunk's exact duration.
func (s *Scheduler) Schedule(pcm []byte) (PlaybackSegment, error) {
	if len(pcm) == 0 {
		return PlaybackSegment{}, fmt.Errorf("schedule: empty chunk")
	}

	// A suspended device clock does not advance; wake it before any
	// scheduling math.
	if err := s.device.Resume(); err != nil {
		return PlaybackSegment{}, fmt.Errorf("schedule: resume device: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return PlaybackSegment{}, fmt.Errorf("schedule: scheduler stopped")
	}

	now := s.device.Now()
	if now > s.nextStart {
		s.nextStart = now
	}

	seg := &segment{
		id:       uuid.NewString(),
		pcm:      pcm,
		startAt:  s.nextStart,
		duration: s.format.Seconds(len(pcm)),
		stopped:  make(chan struct{}),
	}
	s.nextStart += seg.duration

	s.live[seg.id] = seg
	s.grace.Cancel()
	s.setSpeakingLocked(true)

	startDelay := time.Duration((seg.startAt - now) * float64(time.Second))
	endDelay := startDelay + time.Duration(seg.duration*float64(time.Second))
	seg.startTimer = time.AfterFunc(startDelay, func() { s.startSegment(seg) })
	seg.endTimer = time.AfterFunc(endDelay, func() { s.completeSegment(seg) })

	return PlaybackSegment{ID: seg.id, StartAt: seg.startAt, Duration: seg.duration}, nil
}

// startSegment hands the segment to the device when its start time comes.
func (s *Scheduler) startSegment(seg *segment) {
	s.mu.Lock()
	if _, ok := s.live[seg.id]; !ok {
		// Cancelled before its start time.
		s.mu.Unlock()
		return
	}

	handle, err := s.device.Play(seg.pcm)
	if err != nil {
		s.removeLocked(seg)
		empty := len(s.live) == 0
		if empty {
			s.armGraceLocked()
		}
		s.mu.Unlock()
		s.log.Warn("playback start failed, dropping segment",
			"segment_id", seg.id, "error", err)
		return
	}
	seg.handle = handle
	tap := s.tap
	s.mu.Unlock()

	if tap != nil {
		go s.feedTap(tap, seg)
	}
}

// completeSegment retires a segment after its duration has elapsed.
func (s *Scheduler) completeSegment(seg *segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live[seg.id]; !ok {
		return
	}
	s.removeLocked(seg)

	if len(s.live) == 0 {
		s.armGraceLocked()
	}
}

// Interrupt stops every live segment, clears the set, and resets the
// cursor to zero so the next chunk re-anchors against the device clock.
// The speaking signal drops in the same step; the grace hold applies only
// to natural completion.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopAllLocked()
	s.nextStart = 0
}

// Stop cancels everything and refuses further scheduling. It is
// idempotent and used by session teardown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.stopAllLocked()
	s.nextStart = 0
}

// NextStart returns the scheduled start time of the next segment.
func (s *Scheduler) NextStart() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// LiveCount returns the number of segments between scheduled and
// completed or cancelled.
func (s *Scheduler) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// IsSpeaking reports whether the live-segment set is non-empty, held
// through the grace window after a natural completion.
func (s *Scheduler) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// stopAllLocked cancels every live segment in one critical section, so no
// segment committed before the caller's event survives it.
func (s *Scheduler) stopAllLocked() {
	for _, seg := range s.live {
		s.removeLocked(seg)
	}
	s.grace.Cancel()
	s.setSpeakingLocked(false)
}

// removeLocked takes a segment out of the live set, stopping its timers,
// its playback, and its tap feeder. Each segment is removed exactly once.
func (s *Scheduler) removeLocked(seg *segment) {
	if _, ok := s.live[seg.id]; !ok {
		return
	}
	delete(s.live, seg.id)
	if seg.startTimer != nil {
		seg.startTimer.Stop()
	}
	if seg.endTimer != nil {
		seg.endTimer.Stop()
	}
	close(seg.stopped)
	if seg.handle != nil {
		seg.handle.Stop()
	}
}

// armGraceLocked defers the speaking=false re-evaluation by the grace
// window. A segment arriving in the interim cancels it.
func (s *Scheduler) armGraceLocked() {
	s.grace.Start(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.live) == 0 {
			s.setSpeakingLocked(false)
		}
	})
}

// setSpeakingLocked flips the derived speaking signal and notifies.
func (s *Scheduler) setSpeakingLocked(speaking bool) {
	if s.speaking == speaking {
		return
	}
	s.speaking = speaking
	if s.onSpeaking != nil {
		s.onSpeaking(speaking)
	}
}

// feedTap pushes the playing segment into the output analyser in 20ms
// slices so spectrum snapshots track what is actually audible.
func (s *Scheduler) feedTap(tap *Analyser, seg *segment) {
	const sliceMs = 20
	step := s.format.BytesForDurationMs(sliceMs)
	if step <= 0 {
		step = len(seg.pcm)
	}

	ticker := time.NewTicker(sliceMs * time.Millisecond)
	defer ticker.Stop()

	for off := 0; off < len(seg.pcm); {
		end := off + step
		if end > len(seg.pcm) {
			end = len(seg.pcm)
		}
		tap.Push(seg.pcm[off:end])
		off = end
		if off >= len(seg.pcm) {
			return
		}

		select {
		case <-seg.stopped:
			return
		case <-ticker.C:
		}
	}
}
