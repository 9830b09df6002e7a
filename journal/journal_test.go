package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/isdmx/mcpsandbox/sandbox"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(zaptest.NewLogger(t), MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, ev := range []Event{
		{SessionID: "a", Backend: "docker", To: sandbox.StatePending},
		{SessionID: "a", Backend: "docker", From: sandbox.StatePending, To: sandbox.StateReady},
		{SessionID: "b", Backend: "e2b", To: sandbox.StatePending},
		{SessionID: "b", Backend: "e2b", From: sandbox.StatePending, To: sandbox.StateFailed, Detail: "quota reached"},
	} {
		ev.At = base.Add(time.Duration(i) * time.Second)
		id, err := s.Record(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), id)
	}

	events, err := s.Recent(ctx, "b", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, sandbox.StateFailed, events[0].To, "newest first")
	assert.Equal(t, sandbox.StatePending, events[0].From)
	assert.Equal(t, "quota reached", events[0].Detail)
	assert.Equal(t, "e2b", events[0].Backend)
	assert.True(t, base.Add(3*time.Second).Equal(events[0].At))

	events, err = s.Recent(ctx, "", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []int64{4, 3, 2}, []int64{events[0].ID, events[1].ID, events[2].ID})

	events, err = s.Recent(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NotNil(t, events)
}

func TestRecordDefaultsTimestamp(t *testing.T) {
	s := testStore(t)
	before := time.Now().Add(-time.Second)

	_, err := s.Record(context.Background(), Event{SessionID: "a", To: sandbox.StatePending})
	require.NoError(t, err)

	events, err := s.Recent(context.Background(), "a", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].At.After(before))
}

func TestRecordRejectsUnknownState(t *testing.T) {
	s := testStore(t)
	_, err := s.Record(context.Background(), Event{SessionID: "a", To: "Exploded"})
	assert.Error(t, err)
}

func TestOpenFileReopensExistingSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	logger := zaptest.NewLogger(t)

	s, err := Open(logger, path)
	require.NoError(t, err)
	_, err = s.Record(context.Background(), Event{SessionID: "a", To: sandbox.StatePending})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(logger, path)
	require.NoError(t, err)
	defer s.Close()

	events, err := s.Recent(context.Background(), "a", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1, "events survive a reopen")
}

func TestOnTransitionLogsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s, err := Open(zap.New(core), MemoryPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.NotPanics(t, func() {
		s.OnTransition(sandbox.Transition{ID: "a", To: sandbox.StateReady})
	})
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "failed to journal transition", entry.Message)
	assert.Equal(t, "a", entry.ContextMap()["session_id"])
}

func TestOnTransitionDoesNotWaitForDatabase(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// hold the only connection so any synchronous write would block
	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)

	returned := make(chan struct{})
	go func() {
		s.OnTransition(sandbox.Transition{ID: "a", Backend: "docker", To: sandbox.StatePending})
		s.OnTransition(sandbox.Transition{ID: "b", Backend: "docker", To: sandbox.StatePending})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("OnTransition blocked on a busy database")
	}
	require.NoError(t, tx.Rollback())

	events, err := s.Recent(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].SessionID)
	assert.False(t, events[0].At.IsZero())
}

func TestCloseWritesQueuedTransitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	logger := zaptest.NewLogger(t)

	s, err := Open(logger, path)
	require.NoError(t, err)
	for _, st := range []sandbox.State{sandbox.StatePending, sandbox.StateReady, sandbox.StateClosing, sandbox.StateClosed} {
		s.OnTransition(sandbox.Transition{ID: "a", Backend: "local", To: st})
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	s, err = Open(logger, path)
	require.NoError(t, err)
	defer s.Close()
	events, err := s.Recent(context.Background(), "a", 0)
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestFlushHonorsContext(t *testing.T) {
	s := testStore(t)
	tx, err := s.db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	s.OnTransition(sandbox.Transition{ID: "a", To: sandbox.StatePending})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Flush(ctx), context.DeadlineExceeded)
}

// stubBackend satisfies sandbox.Backend for lifecycle-only tests
type stubBackend struct {
	sandbox.Backend
	initErr error
}

func (*stubBackend) Type() string                       { return "stub" }
func (*stubBackend) Resource() string                   { return "" }
func (b *stubBackend) Initialize(context.Context) error { return b.initErr }
func (*stubBackend) Close(context.Context) error        { return nil }

func TestJournalObservesRegistry(t *testing.T) {
	logger := zaptest.NewLogger(t)
	s := testStore(t)

	factory := sandbox.NewFactory(logger)
	factory.Register("stub", func(*zap.Logger, sandbox.BackendConfig) (sandbox.Backend, error) {
		return &stubBackend{}, nil
	})
	factory.Register("broken", func(*zap.Logger, sandbox.BackendConfig) (sandbox.Backend, error) {
		return &stubBackend{initErr: errors.New("engine offline")}, nil
	})
	reg := sandbox.NewRegistry(logger, factory, sandbox.WithObserver(s))
	ctx := context.Background()

	id, err := reg.Create(ctx, "stub", sandbox.BackendConfig{})
	require.NoError(t, err)
	require.NoError(t, reg.Close(ctx, id))

	events, err := s.Recent(ctx, id, 0)
	require.NoError(t, err)
	var states []sandbox.State
	for i := len(events) - 1; i >= 0; i-- {
		states = append(states, events[i].To)
		assert.Equal(t, "stub", events[i].Backend)
	}
	assert.Equal(t, []sandbox.State{sandbox.StatePending, sandbox.StateReady, sandbox.StateClosing, sandbox.StateClosed}, states)

	_, err = reg.Create(ctx, "broken", sandbox.BackendConfig{})
	require.Error(t, err)

	events, err = s.Recent(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, sandbox.StateFailed, events[0].To)
	assert.Contains(t, events[0].Detail, "engine offline")
}
