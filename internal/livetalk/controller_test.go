package livetalk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livetalk/internal/language"
	"github.com/MrWong99/livetalk/internal/observe"
	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/audio/capture"
	audiomock "github.com/MrWong99/livetalk/pkg/audio/mock"
	"github.com/MrWong99/livetalk/pkg/provider/live"
	livemock "github.com/MrWong99/livetalk/pkg/provider/live/mock"
	"github.com/MrWong99/livetalk/pkg/transcript"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// ─── Harness ──────────────────────────────────────────────────────────────────

type harness struct {
	dev      *audiomock.InputDevice
	opener   *audiomock.InputOpener
	out      *audiomock.Output
	speaker  *audiomock.OutputOpener
	sess     *livemock.Session
	provider *livemock.Provider
	reader   *sdkmetric.ManualReader
	ctrl     *Controller

	mu        sync.Mutex
	entries   []transcript.Entry
	snapshots []Snapshot
}

func newHarness(t *testing.T, setup func(h *harness)) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		dev:    audiomock.NewInputDevice(audio.InputSampleRate),
		out:    &audiomock.Output{},
		sess:   livemock.NewSession(),
		reader: reader,
	}
	h.opener = &audiomock.InputOpener{Device: h.dev}
	h.speaker = &audiomock.OutputOpener{Output: h.out}
	h.provider = &livemock.Provider{Session: h.sess}
	if setup != nil {
		setup(h)
	}

	h.ctrl = New(Dependencies{
		Microphone: capture.NewMicrophone(h.opener),
		Speaker:    h.speaker,
		Provider:   h.provider,
		Metrics:    met,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	},
		WithEntryHandler(func(e transcript.Entry) {
			h.mu.Lock()
			h.entries = append(h.entries, e)
			h.mu.Unlock()
		}),
		WithStateHandler(func(s Snapshot) {
			h.mu.Lock()
			h.snapshots = append(h.snapshots, s)
			h.mu.Unlock()
		}),
	)
	t.Cleanup(func() { h.end(t) })
	return h
}

func (h *harness) start(t *testing.T, cfg Config) {
	t.Helper()
	if err := h.ctrl.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) end(t *testing.T) []transcript.Entry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.ctrl.End(ctx)
}

// open starts the controller and drives it to Listening.
func (h *harness) open(t *testing.T, cfg Config) {
	t.Helper()
	h.start(t, cfg)
	waitFor(t, "connect", func() bool { return len(h.provider.Calls()) == 1 })
	h.sess.Emit(live.Event{Type: live.EventOpen})
	waitFor(t, "listening", func() bool { return h.ctrl.State() == StateListening })
}

func (h *harness) handledEntries() []transcript.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transcript.Entry(nil), h.entries...)
}

func (h *harness) states() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]State, 0, len(h.snapshots))
	for _, s := range h.snapshots {
		if len(out) == 0 || out[len(out)-1] != s.State {
			out = append(out, s.State)
		}
	}
	return out
}

func (h *harness) counter(t *testing.T, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				if key != "" {
					if v, ok := dp.Attributes.Value(attribute.Key(key)); !ok || v.AsString() != value {
						continue
					}
				}
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// pcmChunk returns an inbound audio chunk of n samples at rate.
func pcmChunk(n, rate int, value int16) audio.EncodedChunk {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return audio.EncodedChunk{
		Data:     audio.Encode(audio.PCM16Bytes(samples)),
		MIMEType: fmt.Sprintf("audio/pcm;rate=%d", rate),
	}
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

func TestController_EndBeforeStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	entries := h.end(t)
	if len(entries) != 0 {
		t.Errorf("entries = %v, want none", entries)
	}
	if got := h.ctrl.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if err := h.ctrl.Start(context.Background(), Config{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Start after End: err = %v, want ErrAlreadyStarted", err)
	}
}

func TestController_StartThenImmediateEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.start(t, Config{})
	h.end(t)

	snap := h.ctrl.Snapshot()
	if snap.State != StateClosed {
		t.Errorf("state = %v, want closed", snap.State)
	}
	if snap.Status != StatusEnded {
		t.Errorf("status = %q, want %q", snap.Status, StatusEnded)
	}
	if snap.Error != "" {
		t.Errorf("error = %q, want empty", snap.Error)
	}

	// End waited for the session goroutine, so every resource obtained so far
	// was released exactly once whichever continuation saw the cancellation.
	if h.opener.CallCountOpenInput == 1 && h.dev.Closes() != 1 {
		t.Errorf("microphone closes = %d, want 1", h.dev.Closes())
	}
	if len(h.speaker.Formats) == 1 && h.out.Closes() != 1 {
		t.Errorf("output closes = %d, want 1", h.out.Closes())
	}
	if len(h.provider.Calls()) == 1 && h.sess.CloseCalls() != 1 {
		t.Errorf("session closes = %d, want 1", h.sess.CloseCalls())
	}
}

func TestController_StartTwice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.start(t, Config{})
	if err := h.ctrl.Start(context.Background(), Config{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start: err = %v, want ErrAlreadyStarted", err)
	}
}

func TestController_ConnectConfig(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.start(t, Config{Language: language.Korean})
	waitFor(t, "connect", func() bool { return len(h.provider.Calls()) == 1 })

	if got := h.ctrl.State(); got != StateConnecting {
		t.Errorf("state before open = %v, want connecting", got)
	}
	if got := h.ctrl.Snapshot().Status; got != StatusConnecting {
		t.Errorf("status = %q, want %q", got, StatusConnecting)
	}

	cfg := h.provider.Calls()[0].Cfg
	if cfg.Voice != DefaultVoice {
		t.Errorf("voice = %q, want %q", cfg.Voice, DefaultVoice)
	}
	if !cfg.InputTranscription || !cfg.OutputTranscription {
		t.Errorf("transcription = %v/%v, want both enabled", cfg.InputTranscription, cfg.OutputTranscription)
	}
	if !strings.Contains(cfg.SystemInstruction, "practice speaking Korean") {
		t.Errorf("system instruction = %q, want Korean practice prompt", cfg.SystemInstruction)
	}
	if len(h.speaker.Formats) != 1 || h.speaker.Formats[0] != (audio.Format{SampleRate: 24000, Channels: 1}) {
		t.Errorf("output formats = %v, want one 24 kHz mono", h.speaker.Formats)
	}
}

func TestController_SystemInstructionOverride(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.start(t, Config{Voice: "Puck", SystemInstruction: "Talk like a pirate."})
	waitFor(t, "connect", func() bool { return len(h.provider.Calls()) == 1 })

	cfg := h.provider.Calls()[0].Cfg
	if cfg.Voice != "Puck" || cfg.SystemInstruction != "Talk like a pirate." {
		t.Errorf("config = %+v, want overrides", cfg)
	}
}

// ─── Full flow ────────────────────────────────────────────────────────────────

func TestController_FullConversation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.open(t, Config{})

	if got := h.ctrl.Snapshot().Status; got != StatusListening {
		t.Errorf("status = %q, want %q", got, StatusListening)
	}

	// One full capture frame goes out as one chunk.
	samples := make([]float32, capture.DefaultFrameSize)
	for i := range samples {
		samples[i] = 0.5
	}
	h.dev.Push(samples)
	waitFor(t, "sent frame", func() bool { return len(h.sess.Sent()) == 1 })

	sent := h.sess.Sent()[0]
	if sent.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("mime = %q, want audio/pcm;rate=16000", sent.MIMEType)
	}
	raw, err := audio.Decode(sent.Data)
	if err != nil {
		t.Fatalf("Decode sent chunk: %v", err)
	}
	if len(raw) != 2*capture.DefaultFrameSize {
		t.Fatalf("sent %d bytes, want %d", len(raw), 2*capture.DefaultFrameSize)
	}
	if raw[0] != 0x00 || raw[1] != 0x40 {
		t.Errorf("first sample bytes = %#x %#x, want 0x00 0x40", raw[0], raw[1])
	}

	// Partial transcriptions accumulate until the turn completes.
	h.sess.Emit(live.Event{Type: live.EventMessage, Message: &live.Message{InputText: " Hi", OutputText: "Hello"}})
	h.sess.Emit(live.Event{Type: live.EventMessage, Message: &live.Message{InputText: " there ", OutputText: " friend!"}})
	h.sess.Emit(live.Event{Type: live.EventMessage, Message: &live.Message{TurnComplete: true}})
	waitFor(t, "entries", func() bool { return len(h.handledEntries()) == 2 })

	want := []transcript.Entry{
		{Speaker: transcript.SpeakerUser, Text: "Hi there"},
		{Speaker: transcript.SpeakerModel, Text: "Hello friend!"},
	}
	got := h.handledEntries()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	// Two 100 ms chunks play back to back.
	h.sess.Emit(live.Event{Type: live.EventMessage, Message: &live.Message{
		Audio: []audio.EncodedChunk{pcmChunk(2400, 24000, 1000), pcmChunk(2400, 24000, 1000)},
	}})
	waitFor(t, "playback", func() bool { return len(h.out.StartCalls()) == 2 })

	starts := h.out.StartCalls()
	if starts[0].At != 0 {
		t.Errorf("first start = %v, want 0", starts[0].At)
	}
	if starts[1].At != 100*time.Millisecond {
		t.Errorf("second start = %v, want 100ms", starts[1].At)
	}

	entries := h.end(t)
	if len(entries) != 2 {
		t.Fatalf("End returned %d entries, want 2", len(entries))
	}
	if h.ctrl.State() != StateClosed {
		t.Errorf("state = %v, want closed", h.ctrl.State())
	}
	if h.dev.Closes() != 1 || h.out.Closes() != 1 || h.sess.CloseCalls() != 1 {
		t.Errorf("closes mic/out/session = %d/%d/%d, want 1/1/1",
			h.dev.Closes(), h.out.Closes(), h.sess.CloseCalls())
	}
	for i, s := range starts {
		if !s.Voice.Stopped() {
			t.Errorf("voice %d not stopped", i)
		}
	}

	if got := h.counter(t, "livetalk.frames.sent", "", ""); got != 1 {
		t.Errorf("frames sent = %d, want 1", got)
	}
	if got := h.counter(t, "livetalk.turns", "", ""); got != 1 {
		t.Errorf("turns = %d, want 1", got)
	}
	if got := h.counter(t, "livetalk.chunks.received", "", ""); got != 2 {
		t.Errorf("chunks received = %d, want 2", got)
	}
	if got := h.counter(t, "livetalk.active_sessions", "", ""); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}

	states := h.states()
	wantStates := []State{StateConnecting, StateListening, StateClosed}
	if len(states) != len(wantStates) {
		t.Fatalf("state sequence = %v, want %v", states, wantStates)
	}
	for i := range wantStates {
		if states[i] != wantStates[i] {
			t.Errorf("state %d = %v, want %v", i, states[i], wantStates[i])
		}
	}
}

func TestController_FramesSentInCaptureOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.open(t, Config{})

	levels := []float32{0.1, 0.2, 0.3, 0.4, 0.5}
	for _, v := range levels {
		samples := make([]float32, capture.DefaultFrameSize)
		for i := range samples {
			samples[i] = v
		}
		h.dev.Push(samples)
	}
	waitFor(t, "sent frames", func() bool { return len(h.sess.Sent()) == len(levels) })

	for i, chunk := range h.sess.Sent() {
		raw, err := audio.Decode(chunk.Data)
		if err != nil {
			t.Fatalf("chunk %d: Decode: %v", i, err)
		}
		want := make([]int16, 1)
		audio.FloatToPCM16(want, levels[i:i+1])
		if got := int16(uint16(raw[0]) | uint16(raw[1])<<8); got != want[0] {
			t.Errorf("chunk %d first sample = %d, want %d", i, got, want[0])
		}
	}
}

func TestController_Interrupted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.open(t, Config{})

	h.sess.Emit(live.Event{Type: live.EventMessage, Message: &live.Message{
		Audio: []audio.EncodedChunk{pcmChunk(2400, 24000, 1000), pcmChunk(2400, 24000, 1000)},
	}})
	waitFor(t, "playback", func() bool { return len(h.out.StartCalls()) == 2 })

	h.sess.Emit(live.Event{Type: live.EventMessage, Message: &live.Message{Interrupted: true, InputText: "wait"}})
	waitFor(t, "voices stopped", func() bool {
		for _, s := range h.out.StartCalls() {
			if !s.Voice.Stopped() {
				return false
			}
		}
		return true
	})

	if got := h.ctrl.State(); got != StateListening {
		t.Errorf("state = %v, want listening", got)
	}

	// Playback resumes with the next reply.
	h.sess.Emit(live.Event{Type: live.EventMessage, Message: &live.Message{
		Audio: []audio.EncodedChunk{pcmChunk(240, 24000, 500)},
	}})
	waitFor(t, "resumed playback", func() bool { return len(h.out.StartCalls()) == 3 })
	if h.out.StartCalls()[2].Voice.Stopped() {
		t.Error("voice after the interruption was stopped")
	}
}

func TestController_EmptyTurnAddsNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.open(t, Config{})

	h.sess.Emit(live.Event{Type: live.EventMessage, Message: &live.Message{InputText: "   "}})
	h.sess.Emit(live.Event{Type: live.EventMessage, Message: &live.Message{TurnComplete: true}})
	h.sess.Emit(live.Event{Type: live.EventMessage, Message: &live.Message{OutputText: "ok"}})
	h.sess.Emit(live.Event{Type: live.EventMessage, Message: &live.Message{TurnComplete: true}})
	waitFor(t, "entry", func() bool { return len(h.handledEntries()) == 1 })

	entries := h.end(t)
	if len(entries) != 1 || entries[0] != (transcript.Entry{Speaker: transcript.SpeakerModel, Text: "ok"}) {
		t.Errorf("entries = %+v, want one model entry", entries)
	}
}

func TestController_ResamplesForeignRate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.open(t, Config{})

	h.sess.Emit(live.Event{Type: live.EventMessage, Message: &live.Message{
		Audio: []audio.EncodedChunk{pcmChunk(1600, 16000, 500)},
	}})
	waitFor(t, "playback", func() bool { return len(h.out.StartCalls()) == 1 })

	buf := h.out.StartCalls()[0].Buffer
	if buf.SampleRate != 24000 {
		t.Errorf("sample rate = %d, want 24000", buf.SampleRate)
	}
	if buf.Len() != 2400 {
		t.Errorf("frames = %d, want 2400", buf.Len())
	}
}

func TestController_SkipsMalformedAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.open(t, Config{})

	h.sess.Emit(live.Event{Type: live.EventMessage, Message: &live.Message{
		Audio: []audio.EncodedChunk{
			{Data: "!!!not base64", MIMEType: "audio/pcm;rate=24000"},
			{Data: audio.Encode([]byte{1, 2, 3}), MIMEType: "audio/pcm;rate=24000"},
			{Data: audio.Encode([]byte{1, 2}), MIMEType: "video/mp4"},
			pcmChunk(240, 24000, 100),
		},
	}})
	waitFor(t, "playback", func() bool { return len(h.out.StartCalls()) == 1 })

	if got := h.ctrl.State(); got != StateListening {
		t.Errorf("state = %v, want listening", got)
	}
	if got := h.counter(t, "livetalk.chunks.skipped", "reason", "payload"); got != 1 {
		t.Errorf("payload skips = %d, want 1", got)
	}
	if got := h.counter(t, "livetalk.chunks.skipped", "", ""); got != 3 {
		t.Errorf("total skips = %d, want 3", got)
	}
}

// ─── Failures ─────────────────────────────────────────────────────────────────

func TestController_ErrorEvent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.open(t, Config{})

	h.sess.Emit(live.Event{Type: live.EventError, Err: fmt.Errorf("%w: reset by peer", live.ErrConnection)})
	waitFor(t, "error state", func() bool { return h.ctrl.State() == StateError })
	waitFor(t, "teardown", func() bool {
		return h.sess.CloseCalls() == 1 && h.out.Closes() == 1 && h.dev.Closes() == 1
	})

	snap := h.ctrl.Snapshot()
	if snap.Status != StatusError {
		t.Errorf("status = %q, want %q", snap.Status, StatusError)
	}
	if want := language.English.Messages().LiveError; snap.Error != want {
		t.Errorf("error = %q, want %q", snap.Error, want)
	}

	h.end(t)
	if snap := h.ctrl.Snapshot(); snap.State != StateClosed || snap.Error != "" {
		t.Errorf("after End: state = %v, error = %q; want closed without error", snap.State, snap.Error)
	}
	if h.sess.CloseCalls() != 1 || h.out.Closes() != 1 || h.dev.Closes() != 1 {
		t.Errorf("teardown repeated: closes mic/out/session = %d/%d/%d",
			h.dev.Closes(), h.out.Closes(), h.sess.CloseCalls())
	}
	if got := h.counter(t, "livetalk.session.errors", "kind", "connection"); got != 1 {
		t.Errorf("session errors = %d, want 1", got)
	}
}

func TestController_RemoteClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.open(t, Config{})

	h.sess.Emit(live.Event{Type: live.EventClose, CloseCode: 1000, CloseReason: "bye"})
	waitFor(t, "closed state", func() bool { return h.ctrl.State() == StateClosed })

	if got := h.ctrl.Snapshot().Status; got != StatusEnded {
		t.Errorf("status = %q, want %q", got, StatusEnded)
	}
	if h.sess.CloseCalls() != 0 || h.dev.Closes() != 0 {
		t.Errorf("resources released before End: session %d mic %d", h.sess.CloseCalls(), h.dev.Closes())
	}

	h.end(t)
	if h.sess.CloseCalls() != 1 || h.dev.Closes() != 1 || h.out.Closes() != 1 {
		t.Errorf("closes mic/out/session = %d/%d/%d, want 1/1/1",
			h.dev.Closes(), h.out.Closes(), h.sess.CloseCalls())
	}
}

func TestController_PermissionDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(h *harness) {
		h.opener.Err = fmt.Errorf("device: %w", capture.ErrPermissionDenied)
	})

	h.start(t, Config{Language: language.Korean})
	waitFor(t, "error state", func() bool { return h.ctrl.State() == StateError })

	snap := h.ctrl.Snapshot()
	if want := language.Korean.Messages().MicPermission; snap.Error != want {
		t.Errorf("error = %q, want %q", snap.Error, want)
	}
	if snap.Status != StatusFailed {
		t.Errorf("status = %q, want %q", snap.Status, StatusFailed)
	}
	if n := len(h.provider.Calls()); n != 0 {
		t.Errorf("connect calls = %d, want 0", n)
	}
	if n := len(h.speaker.Formats); n != 0 {
		t.Errorf("output opened %d times, want 0", n)
	}
}

func TestController_ConnectFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(h *harness) {
		h.provider.ConnectErr = errors.New("gemini: dial: connection refused")
	})

	h.start(t, Config{})
	waitFor(t, "error state", func() bool { return h.ctrl.State() == StateError })
	waitFor(t, "teardown", func() bool { return h.dev.Closes() == 1 && h.out.Closes() == 1 })

	if got := h.ctrl.Snapshot().Error; got != "gemini: dial: connection refused" {
		t.Errorf("error = %q, want the connect error text", got)
	}
}

func TestController_CaptureStartFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(h *harness) {
		h.dev.StartErr = errors.New("device lost")
	})

	h.start(t, Config{})
	waitFor(t, "connect", func() bool { return len(h.provider.Calls()) == 1 })
	h.sess.Emit(live.Event{Type: live.EventOpen})
	waitFor(t, "error state", func() bool { return h.ctrl.State() == StateError })

	if got := h.ctrl.Snapshot().Error; !strings.Contains(got, "device lost") {
		t.Errorf("error = %q, want it to mention the device failure", got)
	}
}

// ─── Cancellation ─────────────────────────────────────────────────────────────

func TestController_EndDuringConnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(h *harness) {
		h.provider.Block = make(chan struct{})
	})

	h.start(t, Config{})
	waitFor(t, "connect", func() bool { return len(h.provider.Calls()) == 1 })

	done := make(chan []transcript.Entry)
	go func() { done <- h.end(t) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("End did not return while connect was blocked")
	}

	snap := h.ctrl.Snapshot()
	if snap.State != StateClosed || snap.Error != "" {
		t.Errorf("snapshot = %+v, want closed without error", snap)
	}
	if h.dev.Closes() != 1 || h.out.Closes() != 1 {
		t.Errorf("closes mic/out = %d/%d, want 1/1", h.dev.Closes(), h.out.Closes())
	}
	if h.sess.CloseCalls() != 0 {
		t.Errorf("session closes = %d, want 0 (never connected)", h.sess.CloseCalls())
	}
}

func TestController_EndWhileAcquireBlocked(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(h *harness) {
		h.opener.Block = make(chan struct{})
	})

	h.start(t, Config{})
	h.end(t)

	snap := h.ctrl.Snapshot()
	if snap.State != StateClosed || snap.Error != "" {
		t.Errorf("snapshot = %+v, want closed without error", snap)
	}
	if h.dev.Closes() != 0 {
		t.Errorf("microphone closes = %d, want 0 (never opened)", h.dev.Closes())
	}
	if n := len(h.provider.Calls()); n != 0 {
		t.Errorf("connect calls = %d, want 0", n)
	}
}

func TestController_DoubleEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.open(t, Config{})

	h.sess.Emit(live.Event{Type: live.EventMessage, Message: &live.Message{OutputText: "bye", TurnComplete: true}})
	waitFor(t, "entry", func() bool { return len(h.handledEntries()) == 1 })

	first := h.end(t)
	second := h.end(t)
	if len(first) != 1 || len(second) != 1 || first[0] != second[0] {
		t.Errorf("End results differ: %v vs %v", first, second)
	}
	if h.sess.CloseCalls() != 1 || h.dev.Closes() != 1 || h.out.Closes() != 1 {
		t.Errorf("closes mic/out/session = %d/%d/%d, want 1/1/1",
			h.dev.Closes(), h.out.Closes(), h.sess.CloseCalls())
	}
}

func TestController_NoSendAfterEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.open(t, Config{})

	h.dev.Push(make([]float32, capture.DefaultFrameSize))
	waitFor(t, "sent frame", func() bool { return len(h.sess.Sent()) == 1 })

	h.end(t)
	h.dev.Push(make([]float32, capture.DefaultFrameSize))
	time.Sleep(20 * time.Millisecond)

	if n := len(h.sess.Sent()); n != 1 {
		t.Errorf("sent %d chunks, want only the one before End", n)
	}
}
