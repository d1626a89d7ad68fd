package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

// memDB emulates the snapshot_inbox statements the inbox issues.
type memDB struct {
	rows map[string]*Entry
	now  time.Time
}

func newMemDB(now time.Time) *memDB {
	return &memDB{rows: map[string]*Entry{}, now: now}
}

func (m *memDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	key := args[0].(string)
	switch {
	case strings.Contains(sql, "SELECT"):
		return rowFunc(func(dest ...any) error {
			e, ok := m.rows[key]
			if !ok {
				return pgx.ErrNoRows
			}
			*dest[0].(*string) = e.Key
			*dest[1].(*string) = e.HandlerName
			*dest[2].(*Status) = e.Status
			*dest[3].(*json.RawMessage) = e.Payload
			*dest[4].(*json.RawMessage) = e.Result
			*dest[5].(*time.Time) = e.CreatedAt
			*dest[6].(*time.Time) = e.UpdatedAt
			*dest[7].(**time.Time) = e.ExpiresAt
			return nil
		})
	case strings.Contains(sql, "INSERT"):
		return rowFunc(func(dest ...any) error {
			if e, ok := m.rows[key]; ok {
				if e.Status != StatusRecoverable {
					return pgx.ErrNoRows
				}
				e.Status = StatusStarted
				e.UpdatedAt = m.now
			} else {
				m.rows[key] = &Entry{
					Key: key, HandlerName: args[1].(string), Status: args[2].(Status),
					Payload: args[3].(json.RawMessage), CreatedAt: m.now, UpdatedAt: m.now,
				}
			}
			*dest[0].(*string) = key
			return nil
		})
	}
	return rowFunc(func(...any) error { return errors.New("unexpected query") })
}

func (m *memDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if strings.Contains(sql, "COALESCE") {
		e, ok := m.rows[args[2].(string)]
		if !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		e.Status = args[0].(Status)
		if r, _ := args[1].(json.RawMessage); r != nil {
			e.Result = r
		}
		e.UpdatedAt = m.now
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.NewCommandTag("UPDATE 0"), nil
}

func TestProcessRunsOnce(t *testing.T) {
	db := newMemDB(time.Now())
	inbox := NewInbox(db, DefaultConfig(), nil)
	calls := 0
	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"published":true}`), nil
	}

	key := GenerateKey("ongoing", "P-1", time.Now())
	res, err := inbox.Process(context.Background(), key, "snapshot", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.True(t, res.IsNew)

	res, err = inbox.Process(context.Background(), key, "snapshot", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.JSONEq(t, `{"published":true}`, string(res.Result))
	assert.Equal(t, 1, calls)
}

func TestProcessRecoverableRetries(t *testing.T) {
	db := newMemDB(time.Now())
	inbox := NewInbox(db, DefaultConfig(), nil)

	_, err := inbox.Process(context.Background(), "k", "snapshot", nil, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("backend timeout")
	})
	require.Error(t, err)
	assert.Equal(t, StatusRecoverable, db.rows["k"].Status)

	res, err := inbox.Process(context.Background(), "k", "snapshot", nil, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
	assert.Equal(t, StatusFinished, db.rows["k"].Status)
}

func TestProcessTerminalFailureIsNotRetried(t *testing.T) {
	db := newMemDB(time.Now())
	inbox := NewInbox(db, DefaultConfig(), nil)

	_, err := inbox.Process(context.Background(), "k", "snapshot", nil, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, Terminal(errors.New("unknown cohort"))
	})
	require.Error(t, err)

	_, err = inbox.Process(context.Background(), "k", "snapshot", nil, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		t.Fatal("must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}

func TestProcessInProgressAndStale(t *testing.T) {
	now := time.Now()
	db := newMemDB(now)
	db.rows["k"] = &Entry{Key: "k", Status: StatusStarted, UpdatedAt: now.Add(-time.Minute)}
	inbox := NewInbox(db, DefaultConfig(), nil)
	inbox.now = func() time.Time { return now }

	_, err := inbox.Process(context.Background(), "k", "snapshot", nil, nil)
	assert.ErrorIs(t, err, ErrInProgress)

	db.rows["k"].UpdatedAt = now.Add(-time.Hour)
	res, err := inbox.Process(context.Background(), "k", "snapshot", nil, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
}

func TestGenerateKey(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 30, 12, 0, time.UTC)
	k := GenerateKey("Ongoing", "P-1", at)

	assert.Equal(t, k, GenerateKey("ongoing", "P-1", at.Add(30*time.Second)))
	assert.NotEqual(t, k, GenerateKey("ongoing", "P-1", at.Add(time.Minute)))
	assert.NotEqual(t, k, GenerateKey("historical", "P-1", at))
	assert.Len(t, k, 64)
}
