package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrMalformedPayload is returned when a payload is not valid base64.
	ErrMalformedPayload = errors.New("audio: malformed payload")

	// ErrDecode is returned when raw bytes cannot be interpreted as 16-bit PCM
	// with the requested layout.
	ErrDecode = errors.New("audio: decode failed")
)

// Encode returns the standard base64 encoding of raw.
func Encode(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// Decode reverses [Encode]. Decode(Encode(x)) equals x for every x.
func Decode(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return raw, nil
}

// DecodeAudioData interprets raw as channel-interleaved little-endian int16
// PCM and returns a [Buffer] with every sample divided by 32768.
func DecodeAudioData(raw []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: invalid layout %d Hz / %d channels", ErrDecode, sampleRate, channels)
	}
	stride := 2 * channels
	if len(raw)%stride != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrDecode, len(raw), stride)
	}
	frames := len(raw) / stride
	buf := &Buffer{Data: make([][]float32, channels), SampleRate: sampleRate}
	for ch := range channels {
		buf.Data[ch] = make([]float32, frames)
	}
	for i := range frames {
		for ch := range channels {
			off := (i*channels + ch) * 2
			s := int16(binary.LittleEndian.Uint16(raw[off:]))
			buf.Data[ch][i] = float32(s) / 32768
		}
	}
	return buf, nil
}

// EncodeFrame packs a captured frame as little-endian PCM and tags it with
// the frame's sample rate.
func EncodeFrame(f Frame) EncodedChunk {
	return EncodedChunk{
		Data:     Encode(PCM16Bytes(f.Samples)),
		MIMEType: Format{SampleRate: f.SampleRate, Channels: 1}.MIMEType(),
	}
}

// PCM16Bytes packs samples as little-endian bytes.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// FloatToPCM16 writes each src sample scaled by 32768 into dst, truncating
// toward zero. Values are not clamped: out-of-range input wraps modulo 2^16,
// so 1.0 becomes -32768. NaN and infinities become 0. dst must be at least
// len(src) long.
func FloatToPCM16(dst []int16, src []float32) {
	for i, s := range src {
		dst[i] = wrapInt16(float64(s) * 32768)
	}
}

func wrapInt16(v float64) int16 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	v = math.Trunc(v)
	if math.Abs(v) > 1<<62 {
		v = math.Mod(v, 1<<16)
	}
	return int16(int64(v))
}
