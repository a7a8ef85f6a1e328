// Package mock provides in-memory implementations of the capture and
// playback device interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := mock.NewInputDevice(16000)
//	mic := capture.NewMicrophone(&mock.InputOpener{Device: dev})
//	h, _ := mic.Acquire(ctx)
//	stream, _ := h.Start(4096)
//	dev.Push(make([]float32, 4096)) // one frame on stream.Frames()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/audio/capture"
	"github.com/MrWong99/livetalk/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ capture.Opener  = (*InputOpener)(nil)
	_ capture.Device  = (*InputDevice)(nil)
	_ playback.Output = (*Output)(nil)
	_ playback.Voice  = (*Voice)(nil)
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// InputOpener is a mock implementation of [capture.Opener].
type InputOpener struct {
	mu sync.Mutex

	// Device is returned by OpenInput when Err is nil.
	Device *InputDevice

	// Err, if non-nil, is returned by OpenInput.
	Err error

	// Block, if non-nil, makes OpenInput wait until it is closed or the
	// context is cancelled.
	Block chan struct{}

	// CallCountOpenInput records how many times OpenInput was called.
	CallCountOpenInput int
}

// OpenInput implements [capture.Opener].
func (o *InputOpener) OpenInput(ctx context.Context, sampleRate int) (capture.Device, error) {
	o.mu.Lock()
	o.CallCountOpenInput++
	block, dev, err := o.Block, o.Device, o.Err
	o.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if dev == nil {
		dev = NewInputDevice(sampleRate)
	}
	return dev, nil
}

// InputDevice is a mock implementation of [capture.Device]. Tests feed it
// samples with [InputDevice.Push].
type InputDevice struct {
	mu   sync.Mutex
	rate int
	sink func([]float32)

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewInputDevice returns an InputDevice reporting the given sample rate.
func NewInputDevice(rate int) *InputDevice {
	return &InputDevice{rate: rate}
}

// SampleRate implements [capture.Device].
func (d *InputDevice) SampleRate() int { return d.rate }

// Start implements [capture.Device].
func (d *InputDevice) Start(fn func([]float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.StartErr != nil {
		return d.StartErr
	}
	d.sink = fn
	return nil
}

// Close implements [capture.Device].
func (d *InputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.sink = nil
	return d.CloseErr
}

// Push delivers samples as if the hardware had produced them. It is a no-op
// when the device is not started.
func (d *InputDevice) Push(samples []float32) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink != nil {
		sink(samples)
	}
}

// Closes returns how many times Close was called.
func (d *InputDevice) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountClose
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// OutputOpener returns a fixed [playback.Output].
type OutputOpener struct {
	mu sync.Mutex

	// Output is returned by OpenOutput when Err is nil. A fresh [Output] is
	// created when nil.
	Output playback.Output

	// Err, if non-nil, is returned by OpenOutput.
	Err error

	// Formats records the format of every OpenOutput call.
	Formats []audio.Format
}

// OpenOutput returns o.Output or o.Err.
func (o *OutputOpener) OpenOutput(_ context.Context, f audio.Format) (playback.Output, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Formats = append(o.Formats, f)
	if o.Err != nil {
		return nil, o.Err
	}
	if o.Output == nil {
		o.Output = &Output{}
	}
	return o.Output, nil
}

// StartCall records a single invocation of [Output.Start].
type StartCall struct {
	Buffer *audio.Buffer
	At     time.Duration
	Voice  *Voice
}

// Output is a mock implementation of [playback.Output] with a manually
// driven clock. Voices never finish on their own; call [Output.Finish].
type Output struct {
	mu sync.Mutex

	// Clock is returned by Now.
	Clock time.Duration

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// Starts records every Start call in order.
	Starts []StartCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// SetClock moves the output clock.
func (o *Output) SetClock(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Clock = d
}

// Now implements [playback.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Clock
}

// Start implements [playback.Output].
func (o *Output) Start(buf *audio.Buffer, at time.Duration, ended func()) (playback.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.StartErr != nil {
		return nil, o.StartErr
	}
	v := &Voice{ended: ended}
	o.Starts = append(o.Starts, StartCall{Buffer: buf, At: at, Voice: v})
	return v, nil
}

// Close implements [playback.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return o.CloseErr
}

// StartCalls returns a copy of the recorded Start calls.
func (o *Output) StartCalls() []StartCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]StartCall(nil), o.Starts...)
}

// Closes returns how many times Close was called.
func (o *Output) Closes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose
}

// Finish fires the ended callback of the i-th started voice, simulating
// natural completion. It may be called any number of times.
func (o *Output) Finish(i int) {
	o.mu.Lock()
	v := o.Starts[i].Voice
	o.mu.Unlock()
	v.fire()
}

// Voice is a mock implementation of [playback.Voice].
type Voice struct {
	mu      sync.Mutex
	ended   func()
	stopped bool
}

// Stop implements [playback.Voice]. Like a real voice it fires the ended
// callback.
func (v *Voice) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
	v.fire()
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

func (v *Voice) fire() {
	if v.ended != nil {
		v.ended()
	}
}
