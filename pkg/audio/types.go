// Package audio holds the PCM types and codecs shared by the capture and
// playback sides of a live talk: [Frame] for microphone input, [EncodedChunk]
// and [Buffer] for model output, and base64 helpers for the wire.
package audio

import "time"

// Standard rates used by the live talk pipeline.
const (
	// InputSampleRate is the rate captured frames are sent upstream at.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of the playback context.
	OutputSampleRate = 24000
)

// Frame is one fixed-size block of captured mono PCM audio.
// Frames are immutable once emitted by a capture stream.
type Frame struct {
	// Samples holds signed 16-bit PCM samples.
	Samples []int16

	// SampleRate in Hz (16000 for live talk capture).
	SampleRate int

	// Seq is the zero-based position of the frame in capture order.
	Seq uint64
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return samplesToDuration(len(f.Samples), f.SampleRate)
}

// EncodedChunk is a base64 PCM payload paired with its MIME tag, e.g.
// "audio/pcm;rate=16000". It is the unit exchanged with the remote service.
type EncodedChunk struct {
	Data     string
	MIMEType string
}

// Buffer holds decoded audio as float32 samples in [-1, 1), one slice per
// channel. All channel slices have the same length.
type Buffer struct {
	Data       [][]float32
	SampleRate int
}

// NumChannels returns the channel count of b.
func (b *Buffer) NumChannels() int { return len(b.Data) }

// Len returns the number of sample frames in b.
func (b *Buffer) Len() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Duration returns the playback length of b.
func (b *Buffer) Duration() time.Duration {
	return samplesToDuration(b.Len(), b.SampleRate)
}

func samplesToDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
