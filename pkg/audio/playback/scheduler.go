// Package playback schedules decoded audio buffers back to back on an output
// clock so consecutive chunks play without gaps or overlap.
//
// [Scheduler] owns the play cursor and the set of active voices. An [Output]
// supplies the clock and starts voices; [Timeline] is the software Output the
// device backend renders from.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/livetalk/pkg/audio"
)

// ErrClosed is returned when starting a voice on a closed output.
var ErrClosed = errors.New("playback: output closed")

// Output is an audio output context: a monotonic clock plus the ability to
// start a buffer at an absolute time on that clock.
type Output interface {
	// Now returns the current position of the output clock.
	Now() time.Duration

	// Start schedules buf to begin at the given clock time. Times in the past
	// start immediately. ended is invoked exactly once when the voice finishes
	// or is stopped; it must never be invoked from within Start.
	Start(buf *audio.Buffer, at time.Duration, ended func()) (Voice, error)

	// Close releases the context. Pending and playing voices fall silent.
	Close() error
}

// Voice is one started buffer on an [Output].
type Voice interface {
	Stop()
}

// Item describes one enqueued buffer and its slot on the output clock.
type Item struct {
	ID     uint64
	Buffer *audio.Buffer
	Start  time.Duration
}

// End returns the clock time at which the item finishes.
func (i Item) End() time.Duration { return i.Start + i.Buffer.Duration() }

// Scheduler places buffers on an Output so each one starts exactly when the
// previous one ends, or immediately if the output clock has moved past that
// point. All methods are safe for concurrent use.
type Scheduler struct {
	out Output

	mu     sync.Mutex
	cursor time.Duration
	nextID uint64
	active map[uint64]Voice
}

// NewScheduler returns a Scheduler with its cursor at zero.
func NewScheduler(out Output) *Scheduler {
	return &Scheduler{out: out, active: make(map[uint64]Voice)}
}

// Enqueue schedules buf at max(cursor, now) and advances the cursor by the
// buffer's duration. The cursor never moves backwards.
func (s *Scheduler) Enqueue(buf *audio.Buffer) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := max(s.cursor, s.out.Now())
	s.nextID++
	item := Item{ID: s.nextID, Buffer: buf, Start: start}

	id := item.ID
	v, err := s.out.Start(buf, start, func() { s.complete(id) })
	if err != nil {
		return Item{}, fmt.Errorf("playback: enqueue: %w", err)
	}
	s.active[id] = v
	s.cursor = item.End()
	return item, nil
}

// StopAll stops every active voice and clears the active set. Completion
// callbacks arriving afterwards are ignored. The cursor is left unchanged so
// later items still respect the clock.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	voices := s.active
	s.active = make(map[uint64]Voice)
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
}

// Cursor returns the end time of the last scheduled item.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Active returns the number of scheduled voices that have not completed.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) complete(id uint64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}
