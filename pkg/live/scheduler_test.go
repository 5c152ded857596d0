package live

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

type speakRecorder struct {
	mu          sync.Mutex
	transitions []bool
}

func (r *speakRecorder) record(speaking bool) {
	r.mu.Lock()
	r.transitions = append(r.transitions, speaking)
	r.mu.Unlock()
}

func (r *speakRecorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.transitions))
	copy(out, r.transitions)
	return out
}

func TestScheduler_Schedule_Timeline(t *testing.T) {
	device := newFakeClockDevice(10.0)
	format := DefaultOutputAudioConfig()
	s := NewScheduler(device, format, 200*time.Millisecond, discardLogger())
	defer s.Stop()

	chunks := []struct {
		ms        int
		wantStart float64
	}{
		{500, 10.0},
		{300, 10.5},
		{200, 10.8},
	}

	for _, c := range chunks {
		seg, err := s.Schedule(pcmOf(format, c.ms))
		if err != nil {
			t.Fatalf("Schedule(%dms) returned error: %v", c.ms, err)
		}
		if math.Abs(seg.StartAt-c.wantStart) > 1e-9 {
			t.Errorf("Expected start %v, got %v", c.wantStart, seg.StartAt)
		}
		if math.Abs(seg.Duration-float64(c.ms)/1000) > 1e-9 {
			t.Errorf("Expected duration %v, got %v", float64(c.ms)/1000, seg.Duration)
		}
	}

	if got := s.NextStart(); math.Abs(got-11.0) > 1e-9 {
		t.Errorf("Expected cursor at 11.0, got %v", got)
	}
}

func TestScheduler_Schedule_BackToBack(t *testing.T) {
	device := newFakeClockDevice(0)
	format := DefaultOutputAudioConfig()
	s := NewScheduler(device, format, 200*time.Millisecond, discardLogger())
	defer s.Stop()

	var segs []PlaybackSegment
	for _, ms := range []int{120, 80, 40, 260, 20} {
		seg, err := s.Schedule(pcmOf(format, ms))
		if err != nil {
			t.Fatalf("Schedule(%dms) returned error: %v", ms, err)
		}
		segs = append(segs, seg)
	}

	for i := 1; i < len(segs); i++ {
		prevEnd := segs[i-1].StartAt + segs[i-1].Duration
		if math.Abs(segs[i].StartAt-prevEnd) > 1e-9 {
			t.Errorf("Segment %d starts at %v, previous ends at %v", i, segs[i].StartAt, prevEnd)
		}
	}
}

func TestScheduler_Schedule_ReAnchorsBehindClock(t *testing.T) {
	device := newFakeClockDevice(5.0)
	format := DefaultOutputAudioConfig()
	s := NewScheduler(device, format, 200*time.Millisecond, discardLogger())
	defer s.Stop()

	seg, err := s.Schedule(pcmOf(format, 100))
	if err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	if math.Abs(seg.StartAt-5.0) > 1e-9 {
		t.Errorf("Expected start 5.0, got %v", seg.StartAt)
	}

	// The first chunk has long finished by the time the next arrives.
	device.SetNow(7.5)

	seg, err = s.Schedule(pcmOf(format, 100))
	if err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	if math.Abs(seg.StartAt-7.5) > 1e-9 {
		t.Errorf("Expected cursor re-anchored to 7.5, got %v", seg.StartAt)
	}
}

func TestScheduler_Schedule_EmptyChunk(t *testing.T) {
	device := newFakeClockDevice(0)
	s := NewScheduler(device, DefaultOutputAudioConfig(), 200*time.Millisecond, discardLogger())
	defer s.Stop()

	if _, err := s.Schedule(nil); err == nil {
		t.Error("Expected error for empty chunk")
	}
	if s.LiveCount() != 0 {
		t.Errorf("Expected no live segments, got %d", s.LiveCount())
	}
}

func TestScheduler_Schedule_ResumeFailure(t *testing.T) {
	device := newFakeClockDevice(0)
	device.resumeErr = errors.New("output context closed")
	format := DefaultOutputAudioConfig()
	s := NewScheduler(device, format, 200*time.Millisecond, discardLogger())
	defer s.Stop()

	if _, err := s.Schedule(pcmOf(format, 100)); err == nil {
		t.Error("Expected resume failure to surface")
	}
	if s.LiveCount() != 0 {
		t.Errorf("Expected no live segments, got %d", s.LiveCount())
	}
	if s.IsSpeaking() {
		t.Error("Expected speaking to stay false")
	}
}

func TestScheduler_Interrupt(t *testing.T) {
	device := newFakeClockDevice(0)
	format := DefaultOutputAudioConfig()
	s := NewScheduler(device, format, 200*time.Millisecond, discardLogger())
	defer s.Stop()

	if _, err := s.Schedule(pcmOf(format, 2000)); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	if _, err := s.Schedule(pcmOf(format, 2000)); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	// First segment starts immediately, second is still pending.
	waitFor(t, func() bool { return device.playCount() == 1 }, "first segment to start")

	if !s.IsSpeaking() {
		t.Error("Expected speaking while segments are live")
	}

	s.Interrupt()

	if s.IsSpeaking() {
		t.Error("Expected speaking false immediately after interrupt")
	}
	if s.LiveCount() != 0 {
		t.Errorf("Expected no live segments, got %d", s.LiveCount())
	}
	if s.NextStart() != 0 {
		t.Errorf("Expected cursor reset to 0, got %v", s.NextStart())
	}
	if h := device.handleAt(0); h == nil || !h.isStopped() {
		t.Error("Expected the playing segment's handle to be stopped")
	}

	// The pending second segment must never reach the device.
	time.Sleep(50 * time.Millisecond)
	if got := device.playCount(); got != 1 {
		t.Errorf("Expected cancelled segment not to start, got %d plays", got)
	}
}

func TestScheduler_ScheduleAfterInterrupt_ReAnchors(t *testing.T) {
	device := newFakeClockDevice(3.0)
	format := DefaultOutputAudioConfig()
	s := NewScheduler(device, format, 200*time.Millisecond, discardLogger())
	defer s.Stop()

	if _, err := s.Schedule(pcmOf(format, 500)); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	s.Interrupt()

	device.SetNow(4.2)

	seg, err := s.Schedule(pcmOf(format, 100))
	if err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	if math.Abs(seg.StartAt-4.2) > 1e-9 {
		t.Errorf("Expected start anchored to device time 4.2, got %v", seg.StartAt)
	}
}

func TestScheduler_SpeakingHeldAcrossSeams(t *testing.T) {
	device := newFakeClockDevice(0)
	format := DefaultOutputAudioConfig()
	rec := &speakRecorder{}
	s := NewScheduler(device, format, 100*time.Millisecond, discardLogger())
	s.SetCallbacks(rec.record)
	defer s.Stop()

	// Two 30ms chunks play back-to-back; neither the seam between them
	// nor the window right after the second may drop the signal.
	if _, err := s.Schedule(pcmOf(format, 30)); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	if _, err := s.Schedule(pcmOf(format, 30)); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	time.Sleep(90 * time.Millisecond)

	if !s.IsSpeaking() {
		t.Error("Expected speaking held through the grace window")
	}
	if got := rec.get(); len(got) != 1 || !got[0] {
		t.Errorf("Expected a single true transition so far, got %v", got)
	}

	waitFor(t, func() bool { return !s.IsSpeaking() }, "speaking to drop after grace")

	if got := rec.get(); len(got) != 2 || got[1] {
		t.Errorf("Expected transitions [true false], got %v", got)
	}
}

func TestScheduler_ChunkDuringGrace_KeepsSpeaking(t *testing.T) {
	device := newFakeClockDevice(0)
	format := DefaultOutputAudioConfig()
	rec := &speakRecorder{}
	s := NewScheduler(device, format, 100*time.Millisecond, discardLogger())
	s.SetCallbacks(rec.record)
	defer s.Stop()

	if _, err := s.Schedule(pcmOf(format, 30)); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	// Let the chunk finish so the grace window is pending, then commit
	// another chunk inside it.
	time.Sleep(60 * time.Millisecond)
	if _, err := s.Schedule(pcmOf(format, 30)); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	if got := rec.get(); len(got) != 1 || !got[0] {
		t.Errorf("Expected speaking to never drop between chunks, got %v", got)
	}
}

func TestScheduler_Interrupt_SkipsGrace(t *testing.T) {
	device := newFakeClockDevice(0)
	format := DefaultOutputAudioConfig()
	rec := &speakRecorder{}
	s := NewScheduler(device, format, 10*time.Second, discardLogger())
	s.SetCallbacks(rec.record)
	defer s.Stop()

	if _, err := s.Schedule(pcmOf(format, 2000)); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	s.Interrupt()

	// Even with an absurd grace window, an interrupt drops the signal in
	// the same step.
	if got := rec.get(); len(got) != 2 || got[0] != true || got[1] != false {
		t.Errorf("Expected transitions [true false], got %v", got)
	}
}

func TestScheduler_PlayFailure_DropsSegment(t *testing.T) {
	device := newFakeClockDevice(0)
	device.playErr = errors.New("device gone")
	format := DefaultOutputAudioConfig()
	s := NewScheduler(device, format, 30*time.Millisecond, discardLogger())
	defer s.Stop()

	seg, err := s.Schedule(pcmOf(format, 500))
	if err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	waitFor(t, func() bool { return s.LiveCount() == 0 }, "failed segment to be dropped")

	// The cursor is not rolled back for a dropped segment.
	if got := s.NextStart(); math.Abs(got-seg.Duration) > 1e-9 {
		t.Errorf("Expected cursor still at %v, got %v", seg.Duration, got)
	}

	waitFor(t, func() bool { return !s.IsSpeaking() }, "speaking to drop")
}

func TestScheduler_Stop(t *testing.T) {
	device := newFakeClockDevice(0)
	format := DefaultOutputAudioConfig()
	s := NewScheduler(device, format, 200*time.Millisecond, discardLogger())

	if _, err := s.Schedule(pcmOf(format, 2000)); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	waitFor(t, func() bool { return device.playCount() == 1 }, "segment to start")

	s.Stop()
	s.Stop() // Idempotent

	if s.IsSpeaking() {
		t.Error("Expected speaking false after stop")
	}
	if s.LiveCount() != 0 {
		t.Errorf("Expected no live segments, got %d", s.LiveCount())
	}
	if h := device.handleAt(0); h == nil || !h.isStopped() {
		t.Error("Expected the playing segment's handle to be stopped")
	}

	if _, err := s.Schedule(pcmOf(format, 100)); err == nil {
		t.Error("Expected error scheduling after stop")
	}
}

func TestScheduler_TapReceivesPlayedAudio(t *testing.T) {
	device := newFakeClockDevice(0)
	format := DefaultOutputAudioConfig()
	tap := NewAnalyser(512)
	s := NewScheduler(device, format, 50*time.Millisecond, discardLogger())
	s.SetTap(tap)
	defer s.Stop()

	pcm := sinePCM(format.BytesForDurationMs(100)/2, 20, 0.5)
	if _, err := s.Schedule(pcm); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	waitFor(t, func() bool { return tap.RMS() > 0.1 }, "tap to receive audio")
}
