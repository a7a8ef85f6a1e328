package playback_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/audio/mock"
	"github.com/MrWong99/livetalk/pkg/audio/playback"
)

func silence(d time.Duration, rate int) *audio.Buffer {
	n := int(int64(d) * int64(rate) / int64(time.Second))
	return &audio.Buffer{Data: [][]float32{make([]float32, n)}, SampleRate: rate}
}

func TestScheduler_BackToBack(t *testing.T) {
	t.Parallel()
	out := &mock.Output{}
	s := playback.NewScheduler(out)

	for i, want := range []time.Duration{0, time.Second, 2 * time.Second} {
		item, err := s.Enqueue(silence(time.Second, 24000))
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if item.Start != want {
			t.Errorf("item %d start = %v, want %v", i, item.Start, want)
		}
	}
	if got := s.Cursor(); got != 3*time.Second {
		t.Errorf("Cursor = %v, want 3s", got)
	}
	if got := s.Active(); got != 3 {
		t.Errorf("Active = %d, want 3", got)
	}
}

func TestScheduler_ClockAheadOfCursor(t *testing.T) {
	t.Parallel()
	out := &mock.Output{}
	s := playback.NewScheduler(out)

	first, _ := s.Enqueue(silence(500*time.Millisecond, 24000))
	out.SetClock(2 * time.Second)
	second, _ := s.Enqueue(silence(500*time.Millisecond, 24000))

	if second.Start != 2*time.Second {
		t.Errorf("start = %v, want clock time 2s", second.Start)
	}
	if second.Start < first.End() {
		t.Error("item starts before the previous one ended")
	}
}

func TestScheduler_CursorMonotonic(t *testing.T) {
	t.Parallel()
	out := &mock.Output{}
	s := playback.NewScheduler(out)

	clocks := []time.Duration{0, 100 * time.Millisecond, 5 * time.Second, 3 * time.Second, 0, 7 * time.Second}
	var prev playback.Item
	for i, c := range clocks {
		out.SetClock(c)
		item, err := s.Enqueue(silence(time.Duration(i+1)*100*time.Millisecond, 24000))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if i > 0 && item.Start < prev.End() {
			t.Errorf("item %d starts at %v before previous end %v", i, item.Start, prev.End())
		}
		if item.Start < c {
			t.Errorf("item %d starts at %v before clock %v", i, item.Start, c)
		}
		prev = item
	}
}

func TestScheduler_CompletionRemovesItem(t *testing.T) {
	t.Parallel()
	out := &mock.Output{}
	s := playback.NewScheduler(out)
	s.Enqueue(silence(time.Second, 24000))
	s.Enqueue(silence(time.Second, 24000))

	out.Finish(0)
	if got := s.Active(); got != 1 {
		t.Fatalf("Active = %d, want 1", got)
	}
	out.Finish(0)
	if got := s.Active(); got != 1 {
		t.Fatalf("repeated completion changed Active to %d", got)
	}
}

func TestScheduler_StopAllThenLateCompletions(t *testing.T) {
	t.Parallel()
	out := &mock.Output{}
	s := playback.NewScheduler(out)
	for range 3 {
		s.Enqueue(silence(time.Second, 24000))
	}

	s.StopAll()
	if got := s.Active(); got != 0 {
		t.Fatalf("Active after StopAll = %d", got)
	}
	for i, c := range out.StartCalls() {
		if !c.Voice.Stopped() {
			t.Errorf("voice %d not stopped", i)
		}
	}
	for i := range 3 {
		out.Finish(i)
		out.Finish(i)
	}
	s.StopAll()
	if got := s.Active(); got != 0 {
		t.Errorf("Active = %d after late completions", got)
	}
}

func TestScheduler_StartErrorKeepsCursor(t *testing.T) {
	t.Parallel()
	out := &mock.Output{StartErr: errors.New("closed")}
	s := playback.NewScheduler(out)
	if _, err := s.Enqueue(silence(time.Second, 24000)); err == nil {
		t.Fatal("expected error")
	}
	if s.Cursor() != 0 || s.Active() != 0 {
		t.Errorf("failed enqueue must not advance state: cursor=%v active=%d", s.Cursor(), s.Active())
	}
}

func TestScheduler_WithTimeline(t *testing.T) {
	t.Parallel()
	tl := playback.NewTimeline(1000, 1)
	s := playback.NewScheduler(tl)

	a := &audio.Buffer{Data: [][]float32{{0.1, 0.1, 0.1}}, SampleRate: 1000}
	b := &audio.Buffer{Data: [][]float32{{0.2, 0.2}}, SampleRate: 1000}
	s.Enqueue(a)
	s.Enqueue(b)

	dst := make([]float32, 6)
	tl.Render(dst)
	want := []float32{0.1, 0.1, 0.1, 0.2, 0.2, 0}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("rendered %v, want %v", dst, want)
		}
	}
	if got := s.Active(); got != 0 {
		t.Errorf("Active = %d after both buffers played", got)
	}

	// Clock is now 6 ms, past the cursor (5 ms): the next item starts at the clock.
	item, _ := s.Enqueue(b)
	if item.Start != 6*time.Millisecond {
		t.Errorf("start = %v, want 6ms", item.Start)
	}
}
