// duplex-loopback is a development peer for duplex-live. It accepts a
// live session, buffers every input audio frame, and once the client
// goes quiet replays the buffer back as output chunks. New input during
// a replay interrupts it, so barge-in behaves like a real agent.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/overtone-ai/duplex/pkg/live/protocol"
)

type options struct {
	addr      string
	silenceMs int
	chunkMs   int
	logLevel  string
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr))
}

func runMain(ctx context.Context, stderr io.Writer) int {
	var opt options
	flag.StringVar(&opt.addr, "addr", ":8787", "Listen address")
	flag.IntVar(&opt.silenceMs, "silence-ms", 600, "Silence gap before buffered audio is replayed, in ms")
	flag.IntVar(&opt.chunkMs, "chunk-ms", 200, "Replay chunk size in ms")
	flag.StringVar(&opt.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: parseLogLevel(opt.logLevel)}))

	if err := runServer(ctx, logger, opt); err != nil {
		fmt.Fprintf(stderr, "duplex-loopback: %v\n", err)
		return 1
	}
	return 0
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer(ctx context.Context, logger *slog.Logger, opt options) error {
	mirror := &mirrorHandler{
		log:        logger,
		silenceGap: time.Duration(opt.silenceMs) * time.Millisecond,
		chunkSize:  time.Duration(opt.chunkMs) * time.Millisecond,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/live", mirror)

	srv := &http.Server{
		Addr:              opt.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("loopback server listening", "addr", opt.addr, "silence_gap", mirror.silenceGap)

	listenErrCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("loopback server stopped")
	return nil
}

type mirrorHandler struct {
	log        *slog.Logger
	silenceGap time.Duration
	chunkSize  time.Duration
	upgrader   websocket.Upgrader
}

func (h *mirrorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := &mirrorSession{
		conn:       conn,
		log:        h.log.With("remote", conn.RemoteAddr().String()),
		silenceGap: h.silenceGap,
		chunkSize:  h.chunkSize,
	}
	sess.serve()
}

// mirrorSession handles one connection: hello handshake, buffering, and
// paced replay.
type mirrorSession struct {
	conn       *websocket.Conn
	log        *slog.Logger
	silenceGap time.Duration
	chunkSize  time.Duration

	writeMu sync.Mutex

	mu          sync.Mutex
	buf         []byte
	bytesPerSec int
	replayTimer *time.Timer
	replaying   bool
	interrupted bool
	seq         int64
}

func (s *mirrorSession) serve() {
	defer func() {
		s.mu.Lock()
		if s.replayTimer != nil {
			s.replayTimer.Stop()
		}
		s.interrupted = true
		s.mu.Unlock()
	}()

	hello, err := s.awaitHello()
	if err != nil {
		s.log.Warn("handshake failed", "error", err)
		s.writeError("bad_request", err.Error(), true)
		return
	}

	s.mu.Lock()
	s.bytesPerSec = hello.AudioIn.SampleRateHz * hello.AudioIn.Channels * 2
	s.mu.Unlock()

	// The mirror replays the caller's own bytes, so the output format it
	// acknowledges is the input format it was offered.
	ack := protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       "loop_" + uuid.NewString(),
		AudioIn:         hello.AudioIn,
		AudioOut:        hello.AudioIn,
	}
	if err := s.writeJSON(ack); err != nil {
		return
	}
	s.log.Info("session open", "session_id", ack.SessionID, "rate_hz", hello.AudioIn.SampleRateHz)

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Info("client disconnected")
			} else {
				s.log.Debug("read loop ended", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			s.log.Debug("dropping frame", "error", err)
			continue
		}

		switch m := msg.(type) {
		case protocol.ClientAudioFrame:
			pcm, err := base64.StdEncoding.DecodeString(m.DataB64)
			if err != nil {
				s.log.Warn("dropping frame with undecodable audio", "error", err)
				continue
			}
			s.accept(pcm)
		case protocol.ClientEndSession:
			s.log.Info("session ended by client", "reason", m.Reason)
			deadline := time.Now().Add(2 * time.Second)
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
			return
		case protocol.ClientHello:
			s.log.Debug("ignoring duplicate hello")
		}
	}
}

func (s *mirrorSession) awaitHello() (protocol.ClientHello, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()

	kind, data, err := s.conn.ReadMessage()
	if err != nil {
		return protocol.ClientHello{}, fmt.Errorf("read hello: %w", err)
	}
	if kind != websocket.TextMessage {
		return protocol.ClientHello{}, errors.New("first frame must be a text hello")
	}
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		return protocol.ClientHello{}, err
	}
	hello, ok := msg.(protocol.ClientHello)
	if !ok {
		return protocol.ClientHello{}, errors.New("first frame must be hello")
	}
	return hello, nil
}

// accept buffers one decoded frame and re-arms the silence timer. Input
// arriving mid-replay interrupts the replay first.
func (s *mirrorSession) accept(pcm []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, pcm...)
	barged := s.replaying && !s.interrupted
	if barged {
		s.interrupted = true
	}
	if s.replayTimer != nil {
		s.replayTimer.Stop()
	}
	s.replayTimer = time.AfterFunc(s.silenceGap, s.replay)
	s.mu.Unlock()

	if barged {
		s.log.Info("client barged in, interrupting replay")
		_ = s.writeJSON(protocol.ServerInterrupted{Type: "interrupted", Reason: "user_speech"})
	}
}

// replay drains the buffer as paced output chunks, stopping between
// chunks if the client barges in.
func (s *mirrorSession) replay() {
	s.mu.Lock()
	if s.replaying {
		if len(s.buf) > 0 {
			if s.replayTimer != nil {
				s.replayTimer.Stop()
			}
			s.replayTimer = time.AfterFunc(s.silenceGap, s.replay)
		}
		s.mu.Unlock()
		return
	}
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	data := s.buf
	s.buf = nil
	s.replaying = true
	s.interrupted = false
	chunkBytes := s.bytesPerSec * int(s.chunkSize/time.Millisecond) / 1000
	s.mu.Unlock()

	if chunkBytes <= 0 {
		chunkBytes = len(data)
	}
	if chunkBytes%2 != 0 {
		chunkBytes++
	}

	s.log.Info("replaying buffered audio", "bytes", len(data))

	for off := 0; off < len(data); off += chunkBytes {
		end := off + chunkBytes
		if end > len(data) {
			end = len(data)
		}
		sent, err := s.sendChunk(data[off:end])
		if err != nil {
			break
		}
		if !sent {
			s.log.Debug("replay interrupted", "remaining_bytes", len(data)-off)
			break
		}

		// Pace slightly faster than real time so the client's playback
		// cursor never starves.
		time.Sleep(s.chunkSize * 9 / 10)
	}

	s.mu.Lock()
	s.replaying = false
	s.mu.Unlock()
}

// sendChunk writes one output chunk unless the replay has been
// interrupted. The flag check happens under the write lock so no chunk
// can trail an interrupted frame on the wire.
func (s *mirrorSession) sendChunk(pcm []byte) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	stop := s.interrupted
	if !stop {
		s.seq++
	}
	seq := s.seq
	s.mu.Unlock()
	if stop {
		return false, nil
	}

	chunk := protocol.ServerAudioChunk{
		Type:     "output_audio_chunk",
		Seq:      seq,
		AudioB64: base64.StdEncoding.EncodeToString(pcm),
	}
	return true, s.conn.WriteJSON(chunk)
}

func (s *mirrorSession) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *mirrorSession) writeError(code, message string, fatal bool) {
	_ = s.writeJSON(protocol.ServerError{Type: "error", Code: code, Message: message, Close: fatal})
}
