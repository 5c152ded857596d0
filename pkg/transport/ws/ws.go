// Package ws implements the live session transport over a websocket
// connection speaking the duplex JSON protocol: a hello/hello_ack
// handshake, then base64-encoded audio frames in both directions.
package ws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/overtone-ai/duplex/pkg/live"
	"github.com/overtone-ai/duplex/pkg/live/protocol"
)

const (
	// defaultConnectTimeout bounds the dial plus handshake when the
	// caller's context carries no deadline.
	defaultConnectTimeout = 15 * time.Second

	// closeWriteTimeout bounds the close frame write during teardown.
	closeWriteTimeout = 2 * time.Second
)

// Options configures a websocket transport.
type Options struct {
	// URL is the session endpoint. ws and wss are accepted directly;
	// http and https are rewritten to their websocket counterparts.
	URL string

	// AuthToken, when set, is sent as a bearer token on the handshake
	// request and inside the hello frame.
	AuthToken string

	// Encoding names the wire audio encoding offered in the hello frame.
	// Defaults to pcm_s16le.
	Encoding string

	// ClientName and ClientVersion identify this client in the hello frame.
	ClientName    string
	ClientVersion string

	// ConnectTimeout bounds dial plus handshake when the Open context has
	// no deadline. Defaults to 15 seconds.
	ConnectTimeout time.Duration

	// Logger receives transport diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// Transport is a live.Transport over a websocket connection. It carries
// one connection at a time and may be reopened after Close.
type Transport struct {
	opts Options
	log  *slog.Logger

	mu   sync.Mutex
	conn *wsConn
}

var _ live.Transport = (*Transport)(nil)

// New creates a websocket transport for the given endpoint.
func New(opts Options) (*Transport, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("ws: url is required")
	}
	if _, err := wireURL(opts.URL); err != nil {
		return nil, fmt.Errorf("ws: %w", err)
	}
	if opts.Encoding == "" {
		opts.Encoding = protocol.EncodingPCMS16LE
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{opts: opts, log: log}, nil
}

// wsConn is the state of one websocket connection lifetime.
type wsConn struct {
	t   *Transport
	h   live.TransportHandler
	log *slog.Logger

	cancelDial context.CancelFunc

	// mu guards ws during the dial window, before the socket exists.
	mu sync.Mutex
	ws *websocket.Conn

	writeMu sync.Mutex
	seq     atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open starts the dial and handshake. It returns once the attempt is
// underway; the handler's OnOpen fires when the server acknowledges the
// hello frame. Open fails immediately if a connection is already active.
func (t *Transport) Open(ctx context.Context, cfg live.SessionConfig, h live.TransportHandler) error {
	endpoint, err := wireURL(t.opts.URL)
	if err != nil {
		return fmt.Errorf("ws: %w", err)
	}

	var dialCtx context.Context
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); ok {
		dialCtx, cancel = context.WithCancel(ctx)
	} else {
		dialCtx, cancel = context.WithTimeout(ctx, t.opts.ConnectTimeout)
	}

	c := &wsConn{t: t, h: h, log: t.log, cancelDial: cancel}

	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		cancel()
		return fmt.Errorf("ws: connection already open")
	}
	t.conn = c
	t.mu.Unlock()

	go c.run(dialCtx, endpoint, t.helloFrame(cfg))
	return nil
}

// Send transmits one encoded capture frame. It fails until the server has
// acknowledged the session and after the connection closes.
func (t *Transport) Send(frame []byte) error {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return fmt.Errorf("ws: not connected")
	}

	msg := protocol.ClientAudioFrame{
		Type:    "input_audio_frame",
		Seq:     c.seq.Add(1),
		DataB64: base64.StdEncoding.EncodeToString(frame),
	}
	return c.writeJSON(msg)
}

// Close tears the active connection down. It sends a best-effort
// end_session frame and close frame, then closes the socket without
// waiting for the server. Close with no active connection is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.close()
}

// helloFrame builds the opening frame from the session audio formats.
func (t *Transport) helloFrame(cfg live.SessionConfig) protocol.ClientHello {
	return protocol.ClientHello{
		Type:            "hello",
		ProtocolVersion: protocol.ProtocolVersion1,
		Client: protocol.HelloClient{
			Name:    clientNameOr(t.opts.ClientName),
			Version: t.opts.ClientVersion,
		},
		AuthToken: t.opts.AuthToken,
		AudioIn:   formatOf(cfg.AudioIn, t.opts.Encoding),
		AudioOut:  formatOf(cfg.AudioOut, t.opts.Encoding),
	}
}

// run dials, performs the hello handshake, then pumps inbound frames
// until the connection dies or Close is called.
func (c *wsConn) run(ctx context.Context, endpoint string, hello protocol.ClientHello) {
	defer c.cancelDial()

	header := http.Header{}
	if c.t.opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.t.opts.AuthToken)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
			resp.Body.Close()
		}
		c.abort(fmt.Errorf("dial session endpoint: %w", err))
		return
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		conn.Close()
		c.t.drop(c)
		return
	}
	c.ws = conn
	c.mu.Unlock()

	if err := c.writeJSON(hello); err != nil {
		c.abort(fmt.Errorf("send hello: %w", err))
		return
	}
	c.log.Debug("sent hello", "frame", hello.RedactedForLog())

	ack, err := c.awaitHelloAck(ctx, conn)
	if err != nil {
		c.abort(err)
		return
	}
	c.log.Info("live connection open", "session_id", ack.SessionID, "audio_in", ack.AudioIn, "audio_out", ack.AudioOut)

	if c.closed.Load() {
		c.t.drop(c)
		return
	}
	if c.h.OnOpen != nil {
		c.h.OnOpen()
	}

	c.readLoop(conn)
}

// awaitHelloAck reads the first frame, which must be a hello_ack.
func (c *wsConn) awaitHelloAck(ctx context.Context, conn *websocket.Conn) (protocol.ServerHelloAck, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	defer conn.SetReadDeadline(time.Time{})

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.ServerHelloAck{}, fmt.Errorf("await hello_ack: %w", err)
	}
	if msgType != websocket.TextMessage {
		return protocol.ServerHelloAck{}, fmt.Errorf("await hello_ack: unexpected %d frame", msgType)
	}

	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		return protocol.ServerHelloAck{}, fmt.Errorf("await hello_ack: %w", err)
	}
	switch m := msg.(type) {
	case protocol.ServerHelloAck:
		return m, nil
	case protocol.ServerError:
		return protocol.ServerHelloAck{}, fmt.Errorf("session rejected: %s: %s", m.Code, m.Message)
	default:
		return protocol.ServerHelloAck{}, fmt.Errorf("await hello_ack: got %T", msg)
	}
}

// readLoop dispatches inbound frames to the handler. A malformed frame is
// dropped so one bad payload cannot kill the session; connection-level
// read failures are fatal.
func (c *wsConn) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.t.drop(c)
			if c.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if c.h.OnClose != nil {
					c.h.OnClose()
				}
				return
			}
			if c.h.OnError != nil {
				c.h.OnError(fmt.Errorf("read frame: %w", err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.log.Debug("ignoring non-text frame", "message_type", msgType)
			continue
		}

		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) && decodeErr.Code == "unsupported" {
				c.log.Debug("skipping unsupported frame", "error", err)
			} else {
				c.log.Warn("dropping malformed frame", "error", err)
			}
			continue
		}

		switch m := msg.(type) {
		case protocol.ServerAudioChunk:
			raw, err := base64.StdEncoding.DecodeString(m.AudioB64)
			if err != nil {
				c.log.Warn("dropping chunk with invalid base64", "seq", m.Seq, "error", err)
				continue
			}
			if c.h.OnAudio != nil {
				c.h.OnAudio(raw)
			}
		case protocol.ServerInterrupted:
			if c.h.OnInterrupted != nil {
				c.h.OnInterrupted(m.Reason)
			}
		case protocol.ServerError:
			if !m.Close {
				c.log.Warn("server error frame", "code", m.Code, "message", m.Message, "retryable", m.Retryable)
				continue
			}
			c.t.drop(c)
			if c.h.OnError != nil && !c.closed.Load() {
				c.h.OnError(fmt.Errorf("server error: %s: %s", m.Code, m.Message))
			}
			c.closeSocket()
			return
		case protocol.ServerHelloAck:
			c.log.Debug("ignoring duplicate hello_ack", "session_id", m.SessionID)
		}
	}
}

// writeJSON serializes one frame to the socket. Writes from the capture
// pipeline and teardown are interleaved, so every write holds writeMu.
func (c *wsConn) writeJSON(v any) error {
	if c.closed.Load() {
		return fmt.Errorf("ws: connection closed")
	}

	c.mu.Lock()
	conn := c.ws
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("ws: handshake not complete")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// close shuts the connection down once: it aborts a dial still in flight,
// offers the server an end_session and close frame, and closes the socket.
func (c *wsConn) close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancelDial()

		c.mu.Lock()
		conn := c.ws
		c.mu.Unlock()
		if conn == nil {
			return
		}

		c.writeMu.Lock()
		conn.WriteJSON(protocol.ClientEndSession{Type: "end_session", Reason: "client_disconnect"})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout))
		c.writeMu.Unlock()

		c.closeErr = conn.Close()
	})
	return c.closeErr
}

// closeSocket closes the raw socket without the goodbye frames. Used when
// the server already declared the connection dead.
func (c *wsConn) closeSocket() {
	c.closed.Store(true)
	c.mu.Lock()
	conn := c.ws
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// abort handles a failure before the session opened: it releases the
// connection slot and surfaces the error unless Close was requested.
func (c *wsConn) abort(err error) {
	requested := c.closed.Load()
	c.closeSocket()
	c.t.drop(c)
	if requested {
		// Raced with a requested Close; nothing to report.
		return
	}
	if c.h.OnError != nil {
		c.h.OnError(err)
	}
}

// drop releases the connection slot if c still owns it.
func (t *Transport) drop(c *wsConn) {
	t.mu.Lock()
	if t.conn == c {
		t.conn = nil
	}
	t.mu.Unlock()
}

// wireURL normalizes the endpoint to a websocket scheme.
func wireURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func formatOf(cfg live.AudioConfig, encoding string) protocol.AudioFormat {
	return protocol.AudioFormat{
		Encoding:     encoding,
		SampleRateHz: cfg.SampleRate,
		Channels:     cfg.Channels,
	}
}

func clientNameOr(name string) string {
	if name == "" {
		return "duplex-go"
	}
	return name
}
