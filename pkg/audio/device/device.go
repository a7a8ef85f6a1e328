// Package device connects the capture and playback pipelines to the host's
// audio hardware through miniaudio (github.com/gen2brain/malgo).
//
// A [Backend] owns one miniaudio context. [Backend.OpenInput] satisfies
// capture.Opener and yields float32 mono samples; [Backend.OpenOutput]
// satisfies the session's output opener and returns a playback.Timeline
// whose clock advances as the device pulls audio.
package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/audio/capture"
	"github.com/MrWong99/livetalk/pkg/audio/playback"
)

// defaultPeriod is the device callback period.
const defaultPeriod = 20 * time.Millisecond

// Compile-time interface assertion.
var _ capture.Opener = (*Backend)(nil)

// Option configures a [Backend].
type Option func(*Backend)

// WithLogger sets the logger for backend diagnostics. miniaudio's own log
// lines go out at Debug.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.log = l }
}

// WithPeriod sets the device callback period. Shorter periods lower latency
// at the cost of more callbacks.
func WithPeriod(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.period = d
		}
	}
}

// Backend owns a miniaudio context. It is safe for concurrent use.
type Backend struct {
	log    *slog.Logger
	period time.Duration

	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	closed bool
}

// New initialises a miniaudio context using the platform's default backend
// order.
func New(opts ...Option) (*Backend, error) {
	b := &Backend{log: slog.Default(), period: defaultPeriod}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.With("component", "audio_device")

	cfg := malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}
	mctx, err := malgo.InitContext(nil, cfg, func(msg string) {
		b.log.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("device: init context: %w", classify(err))
	}
	b.mctx = mctx
	return b, nil
}

func (b *Backend) context() (malgo.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return malgo.Context{}, errors.New("device: backend closed")
	}
	return b.mctx.Context, nil
}

// ListDevices returns the names of the available input and output devices.
func (b *Backend) ListDevices() (inputs, outputs []string, err error) {
	mctx, err := b.context()
	if err != nil {
		return nil, nil, err
	}
	in, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, nil, fmt.Errorf("device: list inputs: %w", err)
	}
	out, err := mctx.Devices(malgo.Playback)
	if err != nil {
		return nil, nil, fmt.Errorf("device: list outputs: %w", err)
	}
	for _, d := range in {
		inputs = append(inputs, d.Name())
	}
	for _, d := range out {
		outputs = append(outputs, d.Name())
	}
	return inputs, outputs, nil
}

// Close releases the miniaudio context. Devices opened from b must be
// closed first.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.mctx.Uninit()
	b.mctx.Free()
	if err != nil {
		return fmt.Errorf("device: uninit context: %w", err)
	}
	return nil
}

func (b *Backend) periodMillis() uint32 {
	return uint32(b.period / time.Millisecond)
}

// ─── Input ────────────────────────────────────────────────────────────────────

// OpenInput opens the default capture device as float32 mono at sampleRate.
// Access and availability failures wrap [capture.ErrPermissionDenied] and
// [capture.ErrDeviceUnavailable].
func (b *Backend) OpenInput(ctx context.Context, sampleRate int) (capture.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx, err := b.context()
	if err != nil {
		return nil, err
	}

	in := &input{}
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInMilliseconds = b.periodMillis()
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(mctx, cfg, malgo.DeviceCallbacks{Data: in.onData})
	if err != nil {
		return nil, fmt.Errorf("device: open input: %w", classify(err))
	}
	in.dev = dev
	in.rate = int(dev.SampleRate())
	b.log.Debug("input opened", "rate", in.rate)
	return in, nil
}

type input struct {
	dev     *malgo.Device
	rate    int
	fn      atomic.Pointer[func([]float32)]
	scratch []float32 // audio thread only
	once    sync.Once
}

func (i *input) SampleRate() int { return i.rate }

func (i *input) Start(fn func([]float32)) error {
	i.fn.Store(&fn)
	if err := i.dev.Start(); err != nil {
		return fmt.Errorf("device: start input: %w", classify(err))
	}
	return nil
}

func (i *input) Close() error {
	i.once.Do(func() {
		i.fn.Store(nil)
		i.dev.Uninit()
	})
	return nil
}

func (i *input) onData(_, in []byte, _ uint32) {
	fn := i.fn.Load()
	if fn == nil {
		return
	}
	i.scratch = bytesToFloat32(i.scratch, in)
	(*fn)(i.scratch)
}

// ─── Output ───────────────────────────────────────────────────────────────────

// OpenOutput opens the default playback device in format f and returns a
// Timeline the device renders from. Closing the output stops the device
// and silences every pending voice.
func (b *Backend) OpenOutput(ctx context.Context, f audio.Format) (playback.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx, err := b.context()
	if err != nil {
		return nil, err
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}

	out := &output{Timeline: playback.NewTimeline(f.SampleRate, f.Channels)}
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInMilliseconds = b.periodMillis()
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(mctx, cfg, malgo.DeviceCallbacks{Data: out.onData})
	if err != nil {
		return nil, fmt.Errorf("device: open output: %w", classify(err))
	}
	out.dev = dev
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("device: start output: %w", classify(err))
	}
	b.log.Debug("output opened", "format", f.String())
	return out, nil
}

type output struct {
	*playback.Timeline
	dev     *malgo.Device
	scratch []float32 // audio thread only
	once    sync.Once
}

func (o *output) onData(out, _ []byte, _ uint32) {
	n := len(out) / 4
	if cap(o.scratch) < n {
		o.scratch = make([]float32, n)
	}
	buf := o.scratch[:n]
	o.Timeline.Render(buf)
	float32ToBytes(out, buf)
}

// Close stops the device before closing the timeline so the callback never
// renders a closed timeline.
func (o *output) Close() error {
	var err error
	o.once.Do(func() {
		o.dev.Uninit()
		err = o.Timeline.Close()
	})
	return err
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// classify maps miniaudio results onto the capture sentinels.
func classify(err error) error {
	switch {
	case errors.Is(err, malgo.ErrAccessDenied):
		return fmt.Errorf("%w: %w", capture.ErrPermissionDenied, err)
	case errors.Is(err, malgo.ErrNoDevice),
		errors.Is(err, malgo.ErrDoesNotExist),
		errors.Is(err, malgo.ErrNoBackend),
		errors.Is(err, malgo.ErrDeviceTypeNotSupported),
		errors.Is(err, malgo.ErrFailedToOpenBackendDevice),
		errors.Is(err, malgo.ErrFailedToInitBackend),
		errors.Is(err, malgo.ErrUnavailable),
		errors.Is(err, malgo.ErrAlreadyInUse),
		errors.Is(err, malgo.ErrBusy):
		return fmt.Errorf("%w: %w", capture.ErrDeviceUnavailable, err)
	}
	return err
}

// bytesToFloat32 decodes little-endian float32 samples into dst, growing it
// as needed.
func bytesToFloat32(dst []float32, src []byte) []float32 {
	n := len(src) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return dst
}

// float32ToBytes encodes src into dst as little-endian float32. Any tail of
// dst beyond len(src) samples is zeroed.
func float32ToBytes(dst []byte, src []float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
	clear(dst[len(src)*4:])
}
