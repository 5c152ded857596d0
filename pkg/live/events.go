package live

// Event is the interface for all session events.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// StateChangedEvent is emitted when the session state changes.
type StateChangedEvent struct {
	From SessionState `json:"from"`
	To   SessionState `json:"to"`
}

func (e *StateChangedEvent) EventType() string { return "state.changed" }

// SpeakingChangedEvent is emitted when the agent's audible-speech signal flips.
type SpeakingChangedEvent struct {
	Speaking bool `json:"speaking"`
}

func (e *SpeakingChangedEvent) EventType() string { return "speaking.changed" }

// SegmentScheduledEvent is emitted when a decoded chunk is committed to the
// output timeline.
type SegmentScheduledEvent struct {
	ID       string  `json:"id"`
	StartAt  float64 `json:"start_at"`
	Duration float64 `json:"duration"`
}

func (e *SegmentScheduledEvent) EventType() string { return "segment.scheduled" }

// InterruptedEvent is emitted when the remote agent's turn is discarded
// mid-utterance because the user barged in.
type InterruptedEvent struct {
	Reason string `json:"reason,omitempty"`
}

func (e *InterruptedEvent) EventType() string { return "playback.interrupted" }

// ErrorEvent is emitted when an error occurs. Fatal errors are followed by
// a StateChangedEvent into StateFailed.
type ErrorEvent struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ErrorEvent) EventType() string { return "error" }

// SessionClosedEvent is emitted once teardown has completed.
type SessionClosedEvent struct {
	Reason string `json:"reason,omitempty"`
}

func (e *SessionClosedEvent) EventType() string { return "session.closed" }
