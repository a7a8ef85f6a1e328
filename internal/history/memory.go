package history

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/livetalk/pkg/transcript"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps records for the lifetime of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Save(_ context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = clone(r)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := clone(r)
	return &c, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, clone(r))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// clone copies the slices and the assessment so callers cannot mutate
// stored records.
func clone(r Record) Record {
	r.Entries = append([]transcript.Entry(nil), r.Entries...)
	if r.Assessment != nil {
		a := *r.Assessment
		a.Suggestions = append([]string(nil), a.Suggestions...)
		r.Assessment = &a
	}
	return r
}
