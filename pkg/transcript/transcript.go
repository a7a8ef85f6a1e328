// Package transcript assembles streamed transcription fragments into a
// turn-based conversation log.
//
// Fragments for each speaker accumulate until the remote service signals the
// end of a turn. [Assembler.OnTurnComplete] then flushes the user's text
// before the model's, trimmed, skipping speakers with nothing to say.
package transcript

import (
	"strings"
	"sync"
)

// Speaker identifies who produced an [Entry].
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Entry is one finalized utterance. Text is never empty.
type Entry struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Assembler is safe for concurrent use. The zero value is ready to use.
type Assembler struct {
	mu      sync.Mutex
	user    strings.Builder
	model   strings.Builder
	entries []Entry
}

// OnPartial appends fragment verbatim to the speaker's accumulator. Unknown
// speakers are ignored.
func (a *Assembler) OnPartial(s Speaker, fragment string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b := a.builder(s); b != nil {
		b.WriteString(fragment)
	}
}

// OnTurnComplete closes the current turn. It returns the entries appended by
// this call: the trimmed user text first, then the trimmed model text, each
// only when non-empty. Both accumulators are reset.
func (a *Assembler) OnTurnComplete() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	var flushed []Entry
	for _, s := range []Speaker{SpeakerUser, SpeakerModel} {
		b := a.builder(s)
		text := strings.TrimSpace(b.String())
		b.Reset()
		if text == "" {
			continue
		}
		flushed = append(flushed, Entry{Speaker: s, Text: text})
	}
	a.entries = append(a.entries, flushed...)
	return flushed
}

// Entries returns a copy of the finalized entries in order.
func (a *Assembler) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Entry(nil), a.entries...)
}

// Pending returns the speaker's accumulated, not yet finalized text.
func (a *Assembler) Pending(s Speaker) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b := a.builder(s); b != nil {
		return b.String()
	}
	return ""
}

func (a *Assembler) builder(s Speaker) *strings.Builder {
	switch s {
	case SpeakerUser:
		return &a.user
	case SpeakerModel:
		return &a.model
	}
	return nil
}
