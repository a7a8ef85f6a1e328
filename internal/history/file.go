package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var _ Store = (*FileStore)(nil)

// maxLine bounds a single record line.
const maxLine = 16 << 20

// FileStore appends records as JSON lines to a local file. Saving a record
// again appends a newer line; readers keep the last line per ID. Lines that
// do not parse, such as one torn by a crash mid-write, are logged and
// skipped. Suitable for a single user's practice log.
type FileStore struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

// OpenFile returns a FileStore writing to path, creating the file and its
// directory when missing.
func OpenFile(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("history: file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("history: open file: %w", err)
	}
	_ = f.Close()
	return &FileStore{path: path, log: slog.Default().With("component", "history", "path", path)}, nil
}

func (s *FileStore) Save(_ context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("history: open file: %w", err)
	}
	defer f.Close()
	torn, err := missingNewline(f)
	if err != nil {
		return fmt.Errorf("history: inspect file: %w", err)
	}
	if torn {
		data = append([]byte{'\n'}, data...)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("history: write: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, id string) (*Record, error) {
	m, err := s.load()
	if err != nil {
		return nil, err
	}
	return m.Get(ctx, id)
}

func (s *FileStore) List(ctx context.Context, limit int) ([]Record, error) {
	m, err := s.load()
	if err != nil {
		return nil, err
	}
	return m.List(ctx, limit)
}

func (s *FileStore) Ping(context.Context) error {
	_, err := os.Stat(s.path)
	return err
}

func (s *FileStore) Close() error { return nil }

// load reads the whole file into a MemoryStore. Later lines replace earlier
// ones with the same ID.
func (s *FileStore) load() (*MemoryStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("history: open file: %w", err)
	}
	defer f.Close()

	m := NewMemoryStore()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			s.log.Warn("skipping unreadable history line", "line", line, "err", err)
			continue
		}
		if r.ID == "" {
			s.log.Warn("skipping history line without id", "line", line)
			continue
		}
		m.records[r.ID] = r
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("history: read %s: %w", s.path, err)
	}
	return m, nil
}

// missingNewline reports whether f is non-empty and its last byte is not a
// newline, i.e. the previous append was cut short.
func missingNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return last[0] != '\n', nil
}
