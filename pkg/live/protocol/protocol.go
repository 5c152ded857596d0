// Package protocol defines the JSON wire frames exchanged over a live
// voice session. Every frame is a single JSON object whose "type" field
// selects the payload shape; audio travels base64-encoded inside
// input_audio_frame and output_audio_chunk frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	EncodingPCMS16LE = "pcm_s16le"
	EncodingOpus     = "opus"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes one direction of the negotiated audio stream.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// ClientHello is the first frame on a new connection. The session is not
// usable until the server answers with hello_ack.
type ClientHello struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Client          HelloClient `json:"client,omitempty"`
	AuthToken       string      `json:"auth_token,omitempty"`
	AudioIn         AudioFormat `json:"audio_in"`
	AudioOut        AudioFormat `json:"audio_out"`
}

func (h ClientHello) RedactedForLog() map[string]any {
	return map[string]any{
		"type":             h.Type,
		"protocol_version": h.ProtocolVersion,
		"client":           h.Client,
		"audio_in":         h.AudioIn,
		"audio_out":        h.AudioOut,
		"has_auth_token":   strings.TrimSpace(h.AuthToken) != "",
	}
}

// ClientAudioFrame carries one encoded capture frame upstream.
type ClientAudioFrame struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`
}

// ClientEndSession asks the server to close the session gracefully.
type ClientEndSession struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

type HelloAckLimits struct {
	MaxAudioFrameBytes  int `json:"max_audio_frame_bytes,omitempty"`
	MaxJSONMessageBytes int `json:"max_json_message_bytes,omitempty"`
}

// ServerHelloAck confirms the session. Capture must not start before it
// arrives.
type ServerHelloAck struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	SessionID       string          `json:"session_id"`
	AudioIn         AudioFormat     `json:"audio_in"`
	AudioOut        AudioFormat     `json:"audio_out"`
	Limits          *HelloAckLimits `json:"limits,omitempty"`
}

// ServerAudioChunk carries one encoded agent audio chunk downstream.
type ServerAudioChunk struct {
	Type     string `json:"type"`
	Seq      int64  `json:"seq,omitempty"`
	AudioB64 string `json:"audio_b64"`
}

// ServerInterrupted tells the client to discard the agent's in-progress
// utterance immediately.
type ServerInterrupted struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

type ServerError struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	Close     bool   `json:"close,omitempty"`
}

// DecodeServerMessage parses one frame received by a client.
func DecodeServerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello_ack":
		var msg ServerHelloAck
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello_ack frame", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("hello_ack.session_id is required", "session_id")
		}
		return msg, nil
	case "output_audio_chunk":
		var msg ServerAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid output_audio_chunk", "")
		}
		if strings.TrimSpace(msg.AudioB64) == "" {
			return nil, badRequest("output_audio_chunk.audio_b64 is required", "audio_b64")
		}
		return msg, nil
	case "interrupted":
		var msg ServerInterrupted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid interrupted frame", "")
		}
		return msg, nil
	case "error":
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error frame", "")
		}
		if strings.TrimSpace(msg.Code) == "" {
			return nil, badRequest("error.code is required", "code")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

// DecodeClientMessage parses one frame received by a server.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "input_audio_frame":
		var msg ClientAudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid input_audio_frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("input_audio_frame.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "end_session":
		var msg ClientEndSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid end_session frame", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

// ValidateHello checks the fields a server needs before acknowledging.
func ValidateHello(msg ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if err := validateFormat("audio_in", msg.AudioIn); err != nil {
		return err
	}
	return validateFormat("audio_out", msg.AudioOut)
}

func validateFormat(param string, f AudioFormat) error {
	encoding := strings.TrimSpace(f.Encoding)
	if encoding == "" {
		return badRequest("hello."+param+".encoding is required", param+".encoding")
	}
	switch encoding {
	case EncodingPCMS16LE, EncodingOpus:
	default:
		return unsupported("unsupported audio encoding", param+".encoding")
	}
	if f.SampleRateHz <= 0 {
		return badRequest("hello."+param+".sample_rate_hz must be > 0", param+".sample_rate_hz")
	}
	if f.Channels <= 0 {
		return badRequest("hello."+param+".channels must be > 0", param+".channels")
	}
	return nil
}
