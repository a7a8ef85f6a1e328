// Package capture turns a microphone into a stream of fixed-size 16 kHz mono
// PCM frames.
//
// The lifecycle has three steps: [Microphone.Acquire] opens the input device
// and returns a [Handle]; [Handle.Start] attaches a tap and returns a [Stream]
// whose Frames channel yields one [audio.Frame] per frameSize samples;
// [Handle.Stop] releases everything. Stop is idempotent and may be called
// before Start.
//
// The tap runs on the device's audio thread and never blocks: when the frame
// channel is full the frame is dropped and counted by [Stream.Dropped].
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/livetalk/pkg/audio"
)

// DefaultFrameSize is the number of samples per emitted frame.
const DefaultFrameSize = 4096

// defaultBuffer is the frame channel capacity (~4 s at the default size).
const defaultBuffer = 16

var (
	// ErrPermissionDenied is returned when the user or the OS refuses access
	// to the microphone.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")

	// ErrDeviceUnavailable is returned when no usable input device exists.
	ErrDeviceUnavailable = errors.New("capture: no input device available")

	// ErrAlreadyStarted is returned by a second call to [Handle.Start].
	ErrAlreadyStarted = errors.New("capture: already started")

	// ErrStopped is returned by [Handle.Start] after [Handle.Stop].
	ErrStopped = errors.New("capture: handle stopped")
)

// Device is an opened input device delivering float32 mono samples in
// [-1, 1] at SampleRate.
type Device interface {
	SampleRate() int

	// Start begins delivery. fn runs on the device's audio thread with a
	// slice that is only valid for the duration of the call; it must not block.
	Start(fn func(samples []float32)) error

	// Close stops delivery and releases the device. Implementations must
	// tolerate Close without a prior Start.
	Close() error
}

// Opener opens input devices. Backends wrap their own failures with
// [ErrPermissionDenied] or [ErrDeviceUnavailable].
type Opener interface {
	OpenInput(ctx context.Context, sampleRate int) (Device, error)
}

// Option configures a [Microphone].
type Option func(*Microphone)

// WithSampleRate overrides the capture rate (default 16000 Hz).
func WithSampleRate(rate int) Option {
	return func(m *Microphone) { m.sampleRate = rate }
}

// WithBuffer sets how many frames may queue before new frames are dropped.
func WithBuffer(frames int) Option {
	return func(m *Microphone) { m.buffer = frames }
}

// WithLogger sets the logger used for device diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Microphone) { m.logger = l }
}

// Microphone acquires capture handles from an [Opener].
type Microphone struct {
	opener     Opener
	sampleRate int
	buffer     int
	logger     *slog.Logger
}

// NewMicrophone returns a Microphone backed by opener.
func NewMicrophone(opener Opener, opts ...Option) *Microphone {
	m := &Microphone{
		opener:     opener,
		sampleRate: audio.InputSampleRate,
		buffer:     defaultBuffer,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Acquire opens the input device. The returned Handle owns it until Stop.
func (m *Microphone) Acquire(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dev, err := m.opener.OpenInput(ctx, m.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("capture: acquire: %w", err)
	}
	if rate := dev.SampleRate(); rate != m.sampleRate {
		m.logger.Warn("capture: device rate differs from requested", "requested", m.sampleRate, "actual", rate)
	}
	return &Handle{dev: dev, buffer: m.buffer, logger: m.logger}, nil
}

// Handle owns an acquired input device.
type Handle struct {
	dev    Device
	buffer int
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	stream  *Stream
}

// Start attaches the frame tap and starts the device. A Handle can be
// started once.
func (h *Handle) Start(frameSize int) (*Stream, error) {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, ErrStopped
	}
	if h.started {
		return nil, ErrAlreadyStarted
	}
	h.started = true

	s := &Stream{
		frames:     make(chan audio.Frame, h.buffer),
		frameSize:  frameSize,
		sampleRate: h.dev.SampleRate(),
		pending:    make([]int16, 0, frameSize),
	}
	if err := h.dev.Start(s.push); err != nil {
		s.Close()
		return nil, fmt.Errorf("capture: start: %w", err)
	}
	h.stream = s
	return s, nil
}

// Stop disconnects the tap and releases the device. Safe to call more than
// once and before Start.
func (h *Handle) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	s := h.stream
	h.mu.Unlock()

	if s != nil {
		s.Close()
	}
	if err := h.dev.Close(); err != nil {
		return fmt.Errorf("capture: stop: %w", err)
	}
	return nil
}

// Stream is the frame source of a started [Handle].
type Stream struct {
	frames     chan audio.Frame
	frameSize  int
	sampleRate int
	dropped    atomic.Uint64

	mu      sync.Mutex
	pending []int16
	seq     uint64
	closed  bool
}

// Frames yields captured frames in capture order. The channel is closed when
// the stream is closed.
func (s *Stream) Frames() <-chan audio.Frame { return s.frames }

// Dropped reports how many frames were discarded because the consumer fell
// behind.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

// Close disconnects the tap: no frame is emitted after Close returns. The
// device keeps running until the owning Handle is stopped. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.pending = nil
	close(s.frames)
}

// push is the device callback. It converts samples to int16, slices them
// into frames and hands each frame off without blocking.
func (s *Stream) push(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for len(samples) > 0 {
		n := min(s.frameSize-len(s.pending), len(samples))
		start := len(s.pending)
		s.pending = s.pending[:start+n]
		audio.FloatToPCM16(s.pending[start:], samples[:n])
		samples = samples[n:]

		if len(s.pending) < s.frameSize {
			return
		}
		frame := audio.Frame{Samples: s.pending, SampleRate: s.sampleRate, Seq: s.seq}
		s.seq++
		s.pending = make([]int16, 0, s.frameSize)
		select {
		case s.frames <- frame:
		default:
			s.dropped.Add(1)
		}
	}
}
