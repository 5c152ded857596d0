// Package opus implements the session codec over the Opus audio codec.
// Capture frames are compressed before hitting the wire and inbound
// chunks are expanded back to PCM for the playback scheduler.
package opus

import (
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/overtone-ai/duplex/pkg/live"
)

// maxFrameMs is the largest frame duration Opus allows. Decode buffers
// are sized for it so a chunk of any legal framing fits.
const maxFrameMs = 60

// Codec encodes capture frames and decodes inbound chunks with Opus.
// The encoder and decoder each keep internal state across consecutive
// frames, so one Codec serves exactly one session direction pair.
type Codec struct {
	in  live.AudioConfig
	out live.AudioConfig

	encMu sync.Mutex
	enc   *gopus.Encoder

	decMu sync.Mutex
	dec   *gopus.Decoder
}

var _ live.Codec = (*Codec)(nil)

// New creates a codec for the given capture and playback formats.
func New(in, out live.AudioConfig) (*Codec, error) {
	enc, err := gopus.NewEncoder(in.SampleRate, in.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(out.SampleRate, out.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Codec{in: in, out: out, enc: enc, dec: dec}, nil
}

// Name reports the wire encoding.
func (c *Codec) Name() string {
	return "opus"
}

// Encode compresses one interleaved little-endian PCM frame into an Opus
// packet. The frame must carry a whole number of samples per channel and
// a duration Opus supports (2.5, 5, 10, 20, 40 or 60 ms).
func (c *Codec) Encode(frame live.AudioFrame) ([]byte, error) {
	if len(frame.Data)%2 != 0 {
		return nil, fmt.Errorf("opus: frame length %d is not sample aligned", len(frame.Data))
	}
	pcm := bytesToInt16s(frame.Data)
	if c.in.Channels > 0 && len(pcm)%c.in.Channels != 0 {
		return nil, fmt.Errorf("opus: frame length %d does not divide into %d channels", len(pcm), c.in.Channels)
	}
	samplesPerChannel := len(pcm)
	if c.in.Channels > 0 {
		samplesPerChannel = len(pcm) / c.in.Channels
	}

	c.encMu.Lock()
	defer c.encMu.Unlock()
	packet, err := c.enc.Encode(pcm, samplesPerChannel, len(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}

// Decode expands one Opus packet into interleaved little-endian PCM at
// the playback format.
func (c *Codec) Decode(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, fmt.Errorf("opus: empty packet")
	}
	maxSamples := c.out.SampleRate * maxFrameMs / 1000

	c.decMu.Lock()
	defer c.decMu.Unlock()
	pcm, err := c.dec.Decode(chunk, maxSamples, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// int16sToBytes converts PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
