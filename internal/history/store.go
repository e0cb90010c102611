// Package history keeps a durable log of reconciled call activity.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Kind classifies a history entry.
type Kind string

const (
	KindTransition Kind = "transition"
	KindField      Kind = "field"
	KindRemoved    Kind = "removed"
)

// Entry is one durable history row.
type Entry struct {
	Time        time.Time
	Kind        Kind
	Channel     string
	From        string
	To          string
	ConnectedTo string
	Field       string
	Value       string
}

// Recorder accepts entries without blocking the caller.
type Recorder interface {
	Record(e Entry)
}

// Discard is a Recorder that drops everything.
type Discard struct{}

func (Discard) Record(Entry) {}

// Options configures a Store.
type Options struct {
	Queue  int
	Logger zerolog.Logger
}

// Store writes entries to SQLite from a single background writer.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	wg  sync.WaitGroup

	mu      sync.Mutex
	entries chan Entry
	closed  bool
}

// Open opens or creates the history database at path.
func Open(path string, opts Options) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure history database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_history (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			at_ms        INTEGER NOT NULL,
			kind         TEXT NOT NULL,
			channel      TEXT NOT NULL,
			from_mode    TEXT NOT NULL DEFAULT '',
			to_mode      TEXT NOT NULL DEFAULT '',
			connected_to TEXT NOT NULL DEFAULT '',
			field        TEXT NOT NULL DEFAULT '',
			value        TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS call_history_channel ON call_history(channel);
		CREATE INDEX IF NOT EXISTS call_history_at ON call_history(at_ms);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	if opts.Queue < 1 {
		opts.Queue = 256
	}
	s := &Store{
		db:      db,
		log:     opts.Logger,
		entries: make(chan Entry, opts.Queue),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

// Record queues e for writing. A full queue drops the entry.
func (s *Store) Record(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.entries <- e:
	default:
		s.log.Warn().Str("channel", e.Channel).Str("kind", string(e.Kind)).Msg("history queue full, entry dropped")
	}
}

func (s *Store) writer() {
	defer s.wg.Done()
	for e := range s.entries {
		if err := s.insert(context.Background(), e); err != nil {
			s.log.Warn().Err(err).Str("channel", e.Channel).Msg("history write failed")
		}
	}
}

func (s *Store) insert(ctx context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_history (at_ms, kind, channel, from_mode, to_mode, connected_to, field, value)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Time.UnixMilli(), string(e.Kind), e.Channel, e.From, e.To, e.ConnectedTo, e.Field, e.Value)
	if err != nil {
		return fmt.Errorf("inserting history entry: %w", err)
	}
	return nil
}

// Entries returns the rows for channel oldest first. An empty channel
// returns every row.
func (s *Store) Entries(ctx context.Context, channel string) ([]Entry, error) {
	q := `SELECT at_ms, kind, channel, from_mode, to_mode, connected_to, field, value FROM call_history`
	var args []any
	if channel != "" {
		q += ` WHERE channel = ?`
		args = append(args, channel)
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at int64
		var kind string
		if err := rows.Scan(&at, &kind, &e.Channel, &e.From, &e.To, &e.ConnectedTo, &e.Field, &e.Value); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		e.Time = time.UnixMilli(at)
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes rows older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM call_history WHERE at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}
	return res.RowsAffected()
}

// Close drains queued entries and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.entries)
	s.mu.Unlock()
	s.wg.Wait()
	return s.db.Close()
}
