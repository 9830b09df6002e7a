package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/mcpsandbox/sandbox"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory journal
const MemoryPath = ":memory:"

// DefaultLimit bounds Recent when no limit is given
const DefaultLimit = 50

// recordTimeout bounds a single observer write
const recordTimeout = 5 * time.Second

// queueSize is how many transitions may wait for the writer
const queueSize = 256

var errClosed = errors.New("journal is closed")

// Event is one recorded lifecycle transition
type Event struct {
	ID        int64         `json:"id"`
	SessionID string        `json:"session_id"`
	Backend   string        `json:"backend_type"`
	From      sandbox.State `json:"from,omitempty"`
	To        sandbox.State `json:"to"`
	Detail    string        `json:"detail,omitempty"`
	At        time.Time     `json:"at"`
}

// Store persists sandbox transitions in SQLite. It implements
// sandbox.Observer so it can be attached to a Registry directly; observed
// transitions are queued and written by a single background writer.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan job
	done   chan struct{}
}

// job is a queued transition, or a flush marker when flushed is set
type job struct {
	event   Event
	flushed chan struct{}
}

// Open creates or opens the journal at dbPath and runs migrations.
func Open(logger *zap.Logger, dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = MemoryPath
	}
	if dbPath != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running journal migrations: %w", err)
	}

	logger.Debug("journal opened", zap.String("db_path", dbPath))
	s := &Store{
		db:     db,
		logger: logger,
		queue:  make(chan job, queueSize),
		done:   make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

func (s *Store) writer() {
	defer close(s.done)
	for j := range s.queue {
		if j.flushed != nil {
			close(j.flushed)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		_, err := s.Record(ctx, j.event)
		cancel()
		if err != nil {
			s.logFailure(j.event, err)
		}
	}
}

func (s *Store) logFailure(e Event, err error) {
	s.logger.Warn("failed to journal transition",
		zap.String("session_id", e.SessionID),
		zap.String("to", string(e.To)),
		zap.Error(err))
}

// Flush waits until every transition observed before the call is written
func (s *Store) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.queue <- job{flushed: flushed}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record appends one event and returns its row id
func (s *Store) Record(ctx context.Context, e Event) (int64, error) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (session_id, backend, from_state, to_state, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Backend, string(e.From), string(e.To), e.Detail,
		e.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting transition: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit events, newest first. An empty sessionID
// returns events across all sandboxes.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if err := s.Flush(ctx); err != nil {
		return nil, fmt.Errorf("waiting for queued transitions: %w", err)
	}

	query := `SELECT id, session_id, backend, from_state, to_state, detail, at FROM transitions`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e        Event
			from, to string
			at       string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Backend, &from, &to, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		e.From = sandbox.State(from)
		e.To = sandbox.State(to)
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parsing transition time %q: %w", at, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// OnTransition queues t for the writer and never blocks. Failures are
// logged, never returned: the journal must not affect sandbox lifecycles.
func (s *Store) OnTransition(t sandbox.Transition) {
	e := Event{
		SessionID: t.ID,
		Backend:   t.Backend,
		From:      t.From,
		To:        t.To,
		Detail:    t.Detail,
		At:        t.At,
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logFailure(e, errClosed)
		return
	}
	select {
	case s.queue <- job{event: e}:
	default:
		s.logFailure(e, errors.New("journal queue is full"))
	}
}

// Close writes queued transitions and closes the underlying database
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}

var _ sandbox.Observer = (*Store)(nil)
