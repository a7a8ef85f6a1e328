package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livetalk/internal/language"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore keeps records in PostgreSQL. Entries and the assessment are
// stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and runs [MigratePostgres].
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: postgres: ping: %w", err)
	}
	if err := MigratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: postgres: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// MigratePostgres creates the talk_sessions table and its index if they do
// not exist. It is idempotent.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS talk_sessions (
    id          TEXT        PRIMARY KEY,
    language    TEXT        NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    ended_at    TIMESTAMPTZ NOT NULL,
    entries     JSONB       NOT NULL DEFAULT '[]'::jsonb,
    assessment  JSONB
);
CREATE INDEX IF NOT EXISTS idx_talk_sessions_started ON talk_sessions (started_at DESC);`
	_, err := pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Save(ctx context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	entries, assess, err := marshalParts(r)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO talk_sessions (id, language, started_at, ended_at, entries, assessment)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    language   = EXCLUDED.language,
		    started_at = EXCLUDED.started_at,
		    ended_at   = EXCLUDED.ended_at,
		    entries    = EXCLUDED.entries,
		    assessment = EXCLUDED.assessment`
	if _, err := s.pool.Exec(ctx, q, r.ID, string(r.Language), r.StartedAt, r.EndedAt, entries, assess); err != nil {
		return fmt.Errorf("history: postgres: save: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	const q = `
		SELECT id, language, started_at, ended_at, entries, assessment
		FROM   talk_sessions
		WHERE  id = $1`
	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("history: postgres: get: %w", err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanPostgres)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: postgres: get: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	q := `
		SELECT id, language, started_at, ended_at, entries, assessment
		FROM   talk_sessions
		ORDER  BY started_at DESC, id`
	var args []any
	if limit > 0 {
		q += "\nLIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: postgres: list: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanPostgres)
	if err != nil {
		return nil, fmt.Errorf("history: postgres: list: %w", err)
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgres(row pgx.CollectableRow) (Record, error) {
	var (
		r       Record
		lang    string
		entries []byte
		assess  []byte
	)
	if err := row.Scan(&r.ID, &lang, &r.StartedAt, &r.EndedAt, &entries, &assess); err != nil {
		return Record{}, err
	}
	r.Language = language.Code(lang)
	if err := unmarshalParts(&r, entries, assess); err != nil {
		return Record{}, err
	}
	return r, nil
}
