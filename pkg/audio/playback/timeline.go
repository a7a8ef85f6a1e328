package playback

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/livetalk/pkg/audio"
)

// Compile-time interface assertion.
var _ Output = (*Timeline)(nil)

// Timeline is a software [Output]. Its clock is the number of sample frames
// rendered so far, so time only advances while a device pulls audio through
// [Timeline.Render]. Voices wait in a heap ordered by start frame and are
// mixed into the render buffer once their start frame is reached.
//
// All methods are safe for concurrent use. Ended callbacks run on the
// goroutine calling Render or Stop, after internal locks are released.
type Timeline struct {
	rate     int
	channels int

	mu      sync.Mutex
	frame   int64 // frames rendered so far
	queue   voiceHeap
	playing []*voice
	seq     uint64
	closed  bool
}

// NewTimeline returns a Timeline rendering interleaved float32 audio at the
// given rate and channel count.
func NewTimeline(rate, channels int) *Timeline {
	if channels <= 0 {
		channels = 1
	}
	return &Timeline{rate: rate, channels: channels}
}

// Format returns the render layout of t.
func (t *Timeline) Format() audio.Format {
	return audio.Format{SampleRate: t.rate, Channels: t.channels}
}

// Now returns the clock position derived from the frames rendered so far.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.framesToDuration(t.frame)
}

// Start queues buf at the given clock time. Mono buffers are copied to every
// output channel; otherwise the channel counts must match.
func (t *Timeline) Start(buf *audio.Buffer, at time.Duration, ended func()) (Voice, error) {
	if buf.SampleRate != t.rate {
		return nil, fmt.Errorf("playback: buffer rate %d Hz does not match output %d Hz", buf.SampleRate, t.rate)
	}
	if n := buf.NumChannels(); n != 1 && n != t.channels {
		return nil, fmt.Errorf("playback: cannot play %d channels on %d-channel output", n, t.channels)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	t.seq++
	v := &voice{t: t, buf: buf, start: t.durationToFrames(at), seq: t.seq, ended: ended}
	heap.Push(&t.queue, v)
	return v, nil
}

// Render fills dst with the next len(dst)/channels frames of mixed audio
// and advances the clock. dst is interleaved. Mixed samples are clamped to
// [-1, 1]. After Close, Render writes silence and the clock stops.
func (t *Timeline) Render(dst []float32) {
	clear(dst)
	frames := int64(len(dst) / t.channels)

	var finished []func()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	windowEnd := t.frame + frames
	for t.queue.Len() > 0 && t.queue[0].start < windowEnd {
		v := heap.Pop(&t.queue).(*voice)
		if !v.stopped {
			t.playing = append(t.playing, v)
		}
	}

	kept := t.playing[:0]
	for _, v := range t.playing {
		if v.stopped {
			continue
		}
		offset := max(v.start-t.frame, 0)
		v.mixInto(dst[offset*int64(t.channels):], t.channels)
		if v.pos >= v.buf.Len() {
			v.stopped = true
			finished = append(finished, v.ended)
			continue
		}
		kept = append(kept, v)
	}
	clear(t.playing[len(kept):])
	t.playing = kept
	t.frame = windowEnd
	t.mu.Unlock()

	for i, s := range dst {
		if s > 1 {
			dst[i] = 1
		} else if s < -1 {
			dst[i] = -1
		}
	}
	for _, fn := range finished {
		if fn != nil {
			fn()
		}
	}
}

// Close silences the timeline. Voices still pending or playing are discarded
// without ended callbacks. Idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.queue = nil
	t.playing = nil
	return nil
}

// Pending returns the number of voices queued or playing.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, v := range t.queue {
		if !v.stopped {
			n++
		}
	}
	for _, v := range t.playing {
		if !v.stopped {
			n++
		}
	}
	return n
}

func (t *Timeline) framesToDuration(f int64) time.Duration {
	return time.Duration(f * int64(time.Second) / int64(t.rate))
}

// durationToFrames rounds to the nearest frame so back-to-back durations
// produced by [audio.Buffer.Duration] map onto contiguous frames.
func (t *Timeline) durationToFrames(d time.Duration) int64 {
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}

// voice is a buffer scheduled on a Timeline. Fields other than t, buf, start,
// seq and ended are guarded by t.mu.
type voice struct {
	t     *Timeline
	buf   *audio.Buffer
	start int64
	seq   uint64
	ended func()

	pos     int // frames consumed
	stopped bool
}

// mixInto adds as many remaining frames as fit into dst.
func (v *voice) mixInto(dst []float32, channels int) {
	n := min(v.buf.Len()-v.pos, len(dst)/channels)
	mono := v.buf.NumChannels() == 1
	for i := range n {
		for ch := range channels {
			src := v.buf.Data[0]
			if !mono {
				src = v.buf.Data[ch]
			}
			dst[i*channels+ch] += src[v.pos+i]
		}
	}
	v.pos += n
}

// Stop silences the voice and fires its ended callback if it had not
// finished. Idempotent.
func (v *voice) Stop() {
	v.t.mu.Lock()
	if v.stopped {
		v.t.mu.Unlock()
		return
	}
	v.stopped = true
	fn := v.ended
	v.t.mu.Unlock()
	if fn != nil {
		fn()
	}
}
