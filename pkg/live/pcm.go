package live

import (
	"math"
)

// PCMCodec is the default wire codec: frames travel as raw little-endian
// 16-bit PCM, so encode and decode only validate and transfer ownership.
type PCMCodec struct{}

// Name implements Codec.
func (PCMCodec) Name() string { return "pcm_s16le" }

// Encode implements Codec. The returned slice is a copy because capture
// devices reuse their period buffers.
func (PCMCodec) Encode(frame AudioFrame) ([]byte, error) {
	if len(frame.Data)%2 != 0 {
		return nil, NewDecodeError("pcm frame has odd byte length", nil)
	}
	out := make([]byte, len(frame.Data))
	copy(out, frame.Data)
	return out, nil
}

// Decode implements Codec. Ownership of the chunk transfers to the caller.
func (PCMCodec) Decode(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, NewDecodeError("empty audio chunk", nil)
	}
	if len(chunk)%2 != 0 {
		return nil, NewDecodeError("pcm chunk has odd byte length", nil)
	}
	return chunk, nil
}

var _ Codec = PCMCodec{}

// RMSEnergy calculates the root-mean-square energy of 16-bit PCM audio.
// Returns a value between 0.0 (silence) and 1.0 (maximum).
func RMSEnergy(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}

	var sum float64
	count := len(pcm) / 2

	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(count))
}
