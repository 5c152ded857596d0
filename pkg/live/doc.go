// Package live implements the client-side engine for real-time duplex
// voice sessions.
//
// The engine is conceptually "a phone call with a scheduler": microphone
// audio streams up while agent audio streams down, and the downstream
// chunks are stitched onto a gapless playback timeline that can be cut
// dead the instant the user barges in.
//
// # Architecture
//
// The live package provides several core components:
//
//   - Engine: The main orchestrator that owns the session lifecycle
//   - Scheduler: Commits decoded chunks to a monotonic playback timeline
//   - CapturePipeline: Encodes microphone frames and gates them on openness
//   - GraceTimer: Debounces the speaking signal across seam silences
//   - Analyser: Frequency-domain taps over captured and played audio
//
// # Data Flow
//
//	Mic → CapturePipeline → Codec.Encode → Transport.Send
//	             │
//	             └── input Analyser
//
//	Transport → Codec.Decode → Scheduler → PlaybackDevice
//	                               │
//	                               └── output Analyser
//
// # State Machine
//
// The session progresses through these states:
//
//	IDLE → CONNECTING → OPEN → CLOSING → CLOSED → IDLE
//	           │          │
//	           └────── FAILED → IDLE
//
// Failed and Closed are transient: after any teardown the engine rests at
// Idle and can connect again.
//
// # Usage
//
// The engine is collaborator-driven: it takes a Transport, a
// CaptureDevice, a PlaybackDevice, and a Codec, so the same lifecycle runs
// against real hardware or against in-memory fakes in tests.
//
//	cfg := live.DefaultSessionConfig()
//	engine := live.NewEngine(cfg, transport, mic, speaker, codec)
//
//	if err := engine.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	for event := range engine.Events() {
//	    switch e := event.(type) {
//	    case *live.StateChangedEvent:
//	        fmt.Println("state:", e.To)
//	    case *live.SpeakingChangedEvent:
//	        setGlowing(e.Speaking)
//	    case *live.InterruptedEvent:
//	        fmt.Println("barge-in:", e.Reason)
//	    }
//	}
package live
