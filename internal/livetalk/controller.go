// Package livetalk runs one live talk: a duplex voice conversation between
// the local microphone and speaker on one side and a live conversational
// service on the other.
//
// A [Controller] owns the session state machine. Setup and the event loop
// run on a single session goroutine; device callbacks and the provider's
// receive loop only feed channels into it. [Controller.End] may be called
// from any goroutine at any time and always returns the transcript.
package livetalk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livetalk/internal/language"
	"github.com/MrWong99/livetalk/internal/observe"
	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/audio/capture"
	"github.com/MrWong99/livetalk/pkg/audio/playback"
	"github.com/MrWong99/livetalk/pkg/provider/live"
	"github.com/MrWong99/livetalk/pkg/transcript"
	"go.opentelemetry.io/otel/trace"
)

// DefaultVoice is the prebuilt voice requested when none is configured.
const DefaultVoice = "Zephyr"

// ErrAlreadyStarted is returned by Start on a controller that has left the
// idle state. Controllers are single-use.
var ErrAlreadyStarted = errors.New("livetalk: session already started")

// OutputOpener opens the playback output context.
type OutputOpener interface {
	OpenOutput(ctx context.Context, f audio.Format) (playback.Output, error)
}

// Dependencies are the collaborators a Controller drives. Microphone,
// Speaker and Provider are required.
type Dependencies struct {
	Microphone *capture.Microphone
	Speaker    OutputOpener
	Provider   live.Provider

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Config parameterises one session.
type Config struct {
	Language language.Code
	Voice    string

	// SystemInstruction overrides Language.SystemInstruction().
	SystemInstruction string

	// FrameSize is the capture frame length in samples.
	FrameSize int

	// OutputSampleRate is the rate of the playback output context.
	OutputSampleRate int
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = language.Default
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.SystemInstruction == "" {
		c.SystemInstruction = c.Language.SystemInstruction()
	}
	if c.FrameSize <= 0 {
		c.FrameSize = capture.DefaultFrameSize
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = audio.OutputSampleRate
	}
	return c
}

// Option configures a Controller.
type Option func(*Controller)

// WithEntryHandler registers fn to receive every finalized transcript entry
// in order. fn runs on the session goroutine and must not block.
func WithEntryHandler(fn func(transcript.Entry)) Option {
	return func(c *Controller) { c.onEntry = fn }
}

// WithStateHandler registers fn to receive a snapshot after every state or
// status change. fn must not call back into the controller.
func WithStateHandler(fn func(Snapshot)) Option {
	return func(c *Controller) { c.onState = fn }
}

// resources are everything teardown releases. Each field is set at most
// once, under Controller.mu, and only while the session is not cancelled.
type resources struct {
	handle *capture.Handle
	stream *capture.Stream
	out    playback.Output
	sched  *playback.Scheduler
	sess   live.Session
}

// Controller is the session state machine. Create one per session with
// [New].
type Controller struct {
	deps    Dependencies
	metrics *observe.Metrics
	log     *slog.Logger
	onEntry func(transcript.Entry)
	onState func(Snapshot)

	assembler transcript.Assembler

	mu       sync.Mutex
	cfg      Config
	state    State
	status   string
	errMsg   string
	token    *cancelToken
	res      resources
	counted  bool
	done     chan struct{}
	teardown sync.Once
}

// New creates an idle controller.
func New(deps Dependencies, opts ...Option) *Controller {
	c := &Controller{deps: deps, metrics: deps.Metrics, log: deps.Logger}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "livetalk")
	for _, o := range opts {
		o(c)
	}
	return c
}

// Snapshot returns the current state, status, error message and entries.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Entries returns the finalized transcript so far.
func (c *Controller) Entries() []transcript.Entry { return c.assembler.Entries() }

// Start moves the controller to Connecting and returns immediately. Setup
// (microphone, output context, connection) continues on the session
// goroutine; failures surface as StateError. The session is not bound to
// ctx's cancellation: it runs until End, an error or a remote close.
func (c *Controller) Start(ctx context.Context, cfg Config) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.cfg = cfg.withDefaults()
	c.token = newCancelToken(ctx)
	c.done = make(chan struct{})
	c.state, c.status = StateConnecting, StatusConnecting
	snap := c.snapshotLocked()
	tok, done := c.token, c.done
	c.mu.Unlock()

	c.notify(snap)
	c.log.Info("live talk starting", "language", string(c.cfg.Language), "voice", c.cfg.Voice)
	go func() {
		defer close(done)
		c.run(tok)
	}()
	return nil
}

// End releases every resource, moves to Closed and returns the finalized
// transcript. It is valid in any state and may be called more than once.
// A pending error message is cleared; take a Snapshot first to keep it.
// ctx bounds how long End waits for the session goroutine to exit.
func (c *Controller) End(ctx context.Context) []transcript.Entry {
	c.release()

	c.mu.Lock()
	changed := c.state != StateClosed
	c.state, c.status, c.errMsg = StateClosed, StatusEnded, ""
	snap := c.snapshotLocked()
	done := c.done
	c.mu.Unlock()

	if changed {
		c.notify(snap)
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			c.log.Warn("live talk: session goroutine still running after end", "err", ctx.Err())
		}
	}
	return c.assembler.Entries()
}

// ─── Setup ────────────────────────────────────────────────────────────────────

func (c *Controller) run(tok *cancelToken) {
	ctx := tok.Context()
	cfg := c.config()

	h, err := c.deps.Microphone.Acquire(ctx)
	if err != nil {
		c.setupFailed(tok, err)
		return
	}
	if !c.attach(tok, func(r *resources) { r.handle = h }) {
		_ = h.Stop()
		return
	}

	outFmt := audio.Format{SampleRate: cfg.OutputSampleRate, Channels: 1}
	out, err := c.deps.Speaker.OpenOutput(ctx, outFmt)
	if err != nil {
		c.setupFailed(tok, fmt.Errorf("livetalk: open output: %w", err))
		return
	}
	sched := playback.NewScheduler(out)
	if !c.attach(tok, func(r *resources) { r.out, r.sched = out, sched }) {
		_ = out.Close()
		return
	}

	connectStart := time.Now()
	spanCtx, span := observe.StartSpan(ctx, "livetalk.connect")
	sess, err := c.deps.Provider.Connect(spanCtx, live.SessionConfig{
		Voice:               cfg.Voice,
		SystemInstruction:   cfg.SystemInstruction,
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		observe.EndSpan(span, err)
		c.setupFailed(tok, err)
		return
	}
	if !c.attach(tok, func(r *resources) { r.sess = sess }) {
		observe.EndSpan(span, context.Canceled)
		_ = sess.Close()
		return
	}

	l := &loop{
		c:            c,
		tok:          tok,
		sess:         sess,
		sched:        sched,
		conv:         &audio.Converter{Target: outFmt},
		outFmt:       outFmt,
		frameSize:    cfg.FrameSize,
		connectStart: connectStart,
		connectSpan:  span,
	}
	l.run()
}

// attach stores a freshly obtained resource unless the session has been
// cancelled, in which case the caller still owns it.
func (c *Controller) attach(tok *cancelToken, fn func(*resources)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tok.Cancelled() {
		return false
	}
	fn(&c.res)
	if c.res.handle != nil && !c.counted {
		c.counted = true
		c.metrics.ActiveSessions.Add(tok.Context(), 1)
	}
	return true
}

func (c *Controller) config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// ─── Event loop ───────────────────────────────────────────────────────────────

// loop is the state of the session goroutine after the connection is up.
type loop struct {
	c      *Controller
	tok    *cancelToken
	sess   live.Session
	sched  *playback.Scheduler
	conv   *audio.Converter
	outFmt audio.Format

	frameSize    int
	frames       <-chan audio.Frame
	connectStart time.Time
	connectSpan  trace.Span
}

func (l *loop) run() {
	events := l.sess.Events()
	defer func() {
		// Ends the span when the loop exits before the open event.
		if l.connectSpan != nil {
			observe.EndSpan(l.connectSpan, nil)
		}
	}()

	for {
		select {
		case <-l.tok.Done():
			return

		case ev, ok := <-events:
			if l.tok.Cancelled() {
				return
			}
			if !ok {
				l.c.remoteClosed(l.tok, live.Event{Type: live.EventClose})
				return
			}
			if !l.dispatch(ev) {
				return
			}

		case f, ok := <-l.frames:
			if !ok {
				l.frames = nil
				continue
			}
			if l.tok.Cancelled() {
				return
			}
			l.send(f)
		}
	}
}

// dispatch handles one event and reports whether the loop keeps going.
func (l *loop) dispatch(ev live.Event) bool {
	switch ev.Type {
	case live.EventOpen:
		return l.open()
	case live.EventMessage:
		if ev.Message != nil {
			l.message(ev.Message)
		}
		return true
	case live.EventError:
		err := ev.Err
		if err == nil {
			err = live.ErrConnection
		}
		l.c.failed(l.tok, err, l.c.config().Language.Messages().LiveError, StatusError, "connection")
		return false
	case live.EventClose:
		l.c.remoteClosed(l.tok, ev)
		return false
	}
	l.c.log.Debug("live talk: ignoring event", "type", ev.Type.String())
	return true
}

func (l *loop) open() bool {
	ctx := l.tok.Context()
	if l.connectSpan != nil {
		l.c.metrics.ConnectDuration.Record(ctx, time.Since(l.connectStart).Seconds())
		observe.EndSpan(l.connectSpan, nil)
		l.connectSpan = nil
	}
	if l.frames != nil {
		return true
	}

	l.c.mu.Lock()
	h := l.c.res.handle
	l.c.mu.Unlock()
	if h == nil {
		return false
	}

	stream, err := h.Start(l.frameSize)
	if err != nil {
		if l.tok.Cancelled() {
			return false
		}
		l.c.failed(l.tok, err, err.Error(), StatusError, "capture")
		return false
	}

	l.c.mu.Lock()
	if l.tok.Cancelled() {
		l.c.mu.Unlock()
		stream.Close()
		return false
	}
	l.c.res.stream = stream
	l.c.state, l.c.status = StateListening, StatusListening
	snap := l.c.snapshotLocked()
	l.c.mu.Unlock()

	l.frames = stream.Frames()
	l.c.notify(snap)
	l.c.log.Info("live talk connected")
	return true
}

func (l *loop) message(m *live.Message) {
	if m.Interrupted {
		l.sched.StopAll()
		l.c.log.Debug("live talk: model interrupted, playback cleared")
	}
	if m.OutputText != "" {
		l.c.assembler.OnPartial(transcript.SpeakerModel, m.OutputText)
	}
	if m.InputText != "" {
		l.c.assembler.OnPartial(transcript.SpeakerUser, m.InputText)
	}
	if m.TurnComplete {
		l.turnComplete()
	}
	for _, chunk := range m.Audio {
		l.play(chunk)
	}
}

func (l *loop) turnComplete() {
	flushed := l.c.assembler.OnTurnComplete()
	l.c.metrics.Turns.Add(l.tok.Context(), 1)
	if len(flushed) == 0 {
		return
	}
	if l.c.onEntry != nil {
		for _, e := range flushed {
			l.c.onEntry(e)
		}
	}
	l.c.notify(l.c.Snapshot())
}

// play decodes one inbound chunk and schedules it. Bad chunks are skipped.
func (l *loop) play(chunk audio.EncodedChunk) {
	ctx := l.tok.Context()
	l.c.metrics.ChunksReceived.Add(ctx, 1)

	skip := func(reason string, err error) {
		l.c.metrics.RecordChunkSkipped(ctx, reason)
		l.c.log.Warn("live talk: skipping audio chunk", "reason", reason, "mime", chunk.MIMEType, "err", err)
	}

	raw, err := audio.Decode(chunk.Data)
	if err != nil {
		skip("payload", err)
		return
	}
	src, err := audio.ParseFormat(chunk.MIMEType, l.outFmt)
	if err != nil {
		skip("format", err)
		return
	}
	pcm, err := l.conv.Convert(raw, src)
	if err != nil {
		skip("convert", err)
		return
	}
	buf, err := audio.DecodeAudioData(pcm, l.outFmt.SampleRate, l.outFmt.Channels)
	if err != nil {
		skip("decode", err)
		return
	}
	if buf.Len() == 0 {
		return
	}
	if _, err := l.sched.Enqueue(buf); err != nil {
		skip("schedule", err)
	}
}

func (l *loop) send(f audio.Frame) {
	ctx := l.tok.Context()
	if err := l.sess.SendRealtimeAudio(ctx, audio.EncodeFrame(f)); err != nil {
		l.c.log.Debug("live talk: send audio failed", "seq", f.Seq, "err", err)
		return
	}
	l.c.metrics.FramesSent.Add(ctx, 1)
}

// ─── Transitions ──────────────────────────────────────────────────────────────

// setupFailed maps a setup error to a user-facing message.
func (c *Controller) setupFailed(tok *cancelToken, err error) {
	msgs := c.config().Language.Messages()
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		c.failed(tok, err, msgs.MicPermission, StatusFailed, "permission")
	case errors.Is(err, capture.ErrDeviceUnavailable):
		c.failed(tok, err, err.Error(), StatusFailed, "device")
	default:
		c.failed(tok, err, err.Error(), StatusFailed, "setup")
	}
}

// failed enters StateError and releases everything. A cancelled session
// ignores late failures.
func (c *Controller) failed(tok *cancelToken, err error, message, status, kind string) {
	c.mu.Lock()
	if tok.Cancelled() {
		c.mu.Unlock()
		return
	}
	c.state, c.status, c.errMsg = StateError, status, message
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Error("live talk failed", "kind", kind, "err", err)
	c.metrics.RecordSessionError(tok.Context(), kind)
	c.notify(snap)
	c.release()
}

// remoteClosed records a graceful close by the service. Resources stay held
// until End.
func (c *Controller) remoteClosed(tok *cancelToken, ev live.Event) {
	c.mu.Lock()
	if tok.Cancelled() {
		c.mu.Unlock()
		return
	}
	c.state, c.status = StateClosed, StatusEnded
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Info("live talk closed by remote", "code", ev.CloseCode, "reason", ev.CloseReason)
	c.notify(snap)
}

// release tears the session down exactly once.
func (c *Controller) release() {
	c.teardown.Do(func() {
		c.mu.Lock()
		if c.token != nil {
			c.token.Cancel()
		}
		res := c.res
		c.res = resources{}
		counted := c.counted
		c.mu.Unlock()

		ctx := context.Background()
		var errs []error
		step := func(name string, fn func() error) {
			defer func() {
				if r := recover(); r != nil {
					errs = append(errs, fmt.Errorf("livetalk: %s: panic: %v", name, r))
				}
			}()
			if err := fn(); err != nil {
				errs = append(errs, fmt.Errorf("livetalk: %s: %w", name, err))
			}
		}

		if res.stream != nil {
			step("close stream", func() error {
				if n := res.stream.Dropped(); n > 0 {
					c.metrics.FramesDropped.Add(ctx, int64(n))
				}
				res.stream.Close()
				return nil
			})
		}
		if res.handle != nil {
			step("stop microphone", res.handle.Stop)
		}
		if res.out != nil {
			step("close output", res.out.Close)
		}
		if res.sched != nil {
			step("stop playback", func() error { res.sched.StopAll(); return nil })
		}
		if res.sess != nil {
			step("close session", res.sess.Close)
		}
		if counted {
			c.metrics.ActiveSessions.Add(ctx, -1)
		}

		if err := errors.Join(errs...); err != nil {
			c.log.Warn("live talk teardown incomplete", "err", err)
		}
	})
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		State:   c.state,
		Status:  c.status,
		Error:   c.errMsg,
		Entries: c.assembler.Entries(),
	}
}

func (c *Controller) notify(s Snapshot) {
	if c.onState != nil {
		c.onState(s)
	}
}
