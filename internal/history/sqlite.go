package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MrWong99/livetalk/internal/language"
	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps records in an embedded SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the schema exists.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("history: sqlite: empty path")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: sqlite: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: sqlite: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: sqlite: ping: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: sqlite: schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS talk_sessions (
    id            TEXT PRIMARY KEY,
    language      TEXT NOT NULL,
    started_at_ns INTEGER NOT NULL,
    ended_at_ns   INTEGER NOT NULL,
    entries       TEXT NOT NULL,
    assessment    TEXT
);
CREATE INDEX IF NOT EXISTS idx_talk_sessions_started ON talk_sessions(started_at_ns DESC);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	entries, assess, err := marshalParts(r)
	if err != nil {
		return err
	}
	var assessCol any
	if assess != nil {
		assessCol = string(assess)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO talk_sessions(id, language, started_at_ns, ended_at_ns, entries, assessment)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     language=excluded.language,
		     started_at_ns=excluded.started_at_ns,
		     ended_at_ns=excluded.ended_at_ns,
		     entries=excluded.entries,
		     assessment=excluded.assessment`,
		r.ID, string(r.Language), r.StartedAt.UnixNano(), r.EndedAt.UnixNano(), string(entries), assessCol)
	if err != nil {
		return fmt.Errorf("history: sqlite: save: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, language, started_at_ns, ended_at_ns, entries, assessment
		 FROM talk_sessions WHERE id = ?`, id)
	r, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: sqlite: get: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	q := `SELECT id, language, started_at_ns, ended_at_ns, entries, assessment
	      FROM talk_sessions ORDER BY started_at_ns DESC, id`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: sqlite: list: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("history: sqlite: list: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: sqlite: list: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*Record, error) {
	var (
		r                  Record
		lang               string
		startedNS, endedNS int64
		entries            string
		assess             sql.NullString
	)
	if err := row.Scan(&r.ID, &lang, &startedNS, &endedNS, &entries, &assess); err != nil {
		return nil, err
	}
	r.Language = language.Code(lang)
	r.StartedAt = time.Unix(0, startedNS).UTC()
	r.EndedAt = time.Unix(0, endedNS).UTC()
	var assessBytes []byte
	if assess.Valid {
		assessBytes = []byte(assess.String)
	}
	if err := unmarshalParts(&r, []byte(entries), assessBytes); err != nil {
		return nil, err
	}
	return &r, nil
}
