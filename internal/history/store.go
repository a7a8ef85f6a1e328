// Package history records finished live talk sessions: the transcript and,
// when one was produced, the assessment. Recorded audio is never stored.
//
// Four backends implement [Store]: an in-process map ([NewMemoryStore]), an
// append-only JSON lines file ([OpenFile]), an embedded SQLite database
// ([OpenSQLite]) and PostgreSQL ([OpenPostgres]).
// [Open] picks one from configuration.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/livetalk/internal/assessment"
	"github.com/MrWong99/livetalk/internal/language"
	"github.com/MrWong99/livetalk/pkg/transcript"
)

// ErrNotFound is returned by Get for an unknown session ID.
var ErrNotFound = errors.New("history: session not found")

// Backend names accepted by [Open].
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Record is one finished session.
type Record struct {
	ID         string                 `json:"id"`
	Language   language.Code          `json:"language"`
	StartedAt  time.Time              `json:"startedAt"`
	EndedAt    time.Time              `json:"endedAt"`
	Entries    []transcript.Entry     `json:"entries"`
	Assessment *assessment.Assessment `json:"assessment,omitempty"`
}

// Store persists session records. Implementations are safe for concurrent
// use.
type Store interface {
	// Save inserts r, or replaces the record with the same ID.
	Save(ctx context.Context, r Record) error

	// Get returns the record with the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns up to limit records, most recently started first. A
	// non-positive limit returns all records.
	List(ctx context.Context, limit int) ([]Record, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Open returns the Store for backend. dsn is a file path for sqlite and a
// connection string for postgres; it is ignored for memory.
func Open(ctx context.Context, backend, dsn string) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return OpenFile(dsn)
	case BackendSQLite:
		return OpenSQLite(ctx, dsn)
	case BackendPostgres:
		return OpenPostgres(ctx, dsn)
	}
	return nil, fmt.Errorf("history: unknown backend %q", backend)
}

func validate(r Record) error {
	if r.ID == "" {
		return errors.New("history: record has no ID")
	}
	return nil
}

// marshalParts encodes the JSON columns shared by the SQL backends. A nil
// assessment encodes as nil so the column stays NULL.
func marshalParts(r Record) (entries, assess []byte, err error) {
	list := r.Entries
	if list == nil {
		list = []transcript.Entry{}
	}
	if entries, err = json.Marshal(list); err != nil {
		return nil, nil, fmt.Errorf("history: encode entries: %w", err)
	}
	if r.Assessment != nil {
		if assess, err = json.Marshal(r.Assessment); err != nil {
			return nil, nil, fmt.Errorf("history: encode assessment: %w", err)
		}
	}
	return entries, assess, nil
}

func unmarshalParts(r *Record, entries, assess []byte) error {
	if err := json.Unmarshal(entries, &r.Entries); err != nil {
		return fmt.Errorf("history: decode entries: %w", err)
	}
	if len(assess) > 0 {
		r.Assessment = &assessment.Assessment{}
		if err := json.Unmarshal(assess, r.Assessment); err != nil {
			return fmt.Errorf("history: decode assessment: %w", err)
		}
	}
	return nil
}
