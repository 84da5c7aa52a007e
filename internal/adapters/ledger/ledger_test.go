package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okian/evalboard/internal/adapters/database"
	"github.com/okian/evalboard/internal/domain/model"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func forEachLedger(t *testing.T, fn func(t *testing.T, l Ledger, c *clock)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		fn(t, NewMemoryLedger(WithClock(c.Now)), c)
	})
	t.Run("sqlite", func(t *testing.T) {
		c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		db, err := database.Open(context.Background(), database.SQLite, "")
		require.NoError(t, err)
		defer db.Close()
		fn(t, NewSQLLedger(db, WithClock(c.Now)), c)
	})
}

func TestLedger_CreateAndGet(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger, _ *clock) {
		ctx := context.Background()
		plan := json.RawMessage(`{"config":{"language":"Korean"}}`)

		task, err := l.Create(ctx, CreateInput{ID: "t1", Plan: plan, Requester: "alice"})
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, task.Status)
		assert.Nil(t, task.CompletedAt)
		assert.JSONEq(t, string(plan), string(task.Plan))

		got, err := l.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Requester)
		assert.Nil(t, got.Result)

		_, err = l.Create(ctx, CreateInput{ID: "t1"})
		assert.ErrorIs(t, err, ErrAlreadyExists)

		held, err := l.Create(ctx, CreateInput{ID: "t2", Hold: true})
		require.NoError(t, err)
		assert.Equal(t, model.StatusHold, held.Status)

		_, err = l.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = l.Create(ctx, CreateInput{})
		assert.ErrorIs(t, err, ErrInvalidID)
	})
}

func TestLedger_TransitionGraph(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger, _ *clock) {
		ctx := context.Background()
		_, err := l.Create(ctx, CreateInput{ID: "t1"})
		require.NoError(t, err)

		_, err = l.Transition(ctx, "t1", model.StatusSuccess, TransitionInput{})
		assert.ErrorIs(t, err, ErrInvalidTransition, "PENDING -> SUCCESS is rejected")

		started, err := l.Transition(ctx, "t1", model.StatusStarted, TransitionInput{})
		require.NoError(t, err)
		assert.Equal(t, model.StatusStarted, started.Status)
		assert.Nil(t, started.CompletedAt)

		_, err = l.Transition(ctx, "t1", model.StatusStarted, TransitionInput{})
		assert.ErrorIs(t, err, ErrInvalidTransition, "self transitions are rejected")

		done, err := l.Transition(ctx, "t1", model.StatusSuccess, TransitionInput{Result: json.RawMessage(`{"ok":true}`)})
		require.NoError(t, err)
		assert.Equal(t, model.StatusSuccess, done.Status)
		require.NotNil(t, done.CompletedAt)
		assert.JSONEq(t, `{"ok":true}`, string(done.Result))

		for _, to := range []model.Status{model.StatusPending, model.StatusStarted, model.StatusFailure, model.StatusCancelled} {
			_, err = l.Transition(ctx, "t1", to, TransitionInput{})
			assert.ErrorIs(t, err, ErrInvalidTransition, "SUCCESS -> %s", to)
		}

		_, err = l.Transition(ctx, "missing", model.StatusStarted, TransitionInput{})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestLedger_FailureRecordsError(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger, _ *clock) {
		ctx := context.Background()
		_, err := l.Create(ctx, CreateInput{ID: "t1"})
		require.NoError(t, err)

		failed, err := l.Transition(ctx, "t1", model.StatusFailure, TransitionInput{Error: "connection refused"})
		require.NoError(t, err)
		assert.Equal(t, "connection refused", failed.Error)
		assert.NotNil(t, failed.CompletedAt)
	})
}

func TestLedger_Cancel(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger, _ *clock) {
		ctx := context.Background()
		for _, id := range []string{"pending", "started", "done"} {
			_, err := l.Create(ctx, CreateInput{ID: id})
			require.NoError(t, err)
		}
		_, err := l.Transition(ctx, "started", model.StatusStarted, TransitionInput{})
		require.NoError(t, err)
		_, err = l.Transition(ctx, "done", model.StatusStarted, TransitionInput{})
		require.NoError(t, err)
		_, err = l.Transition(ctx, "done", model.StatusSuccess, TransitionInput{})
		require.NoError(t, err)

		for _, id := range []string{"pending", "started"} {
			ok, err := l.Cancel(ctx, id)
			require.NoError(t, err)
			assert.True(t, ok, id)
			task, err := l.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, model.StatusCancelled, task.Status)
			assert.Equal(t, model.CancelMessage, task.Error)
			assert.NotNil(t, task.CompletedAt)
		}

		ok, err := l.Cancel(ctx, "done")
		require.NoError(t, err)
		assert.False(t, ok, "cancel after SUCCESS is a no-op")
		task, err := l.Get(ctx, "done")
		require.NoError(t, err)
		assert.Equal(t, model.StatusSuccess, task.Status)
		assert.Empty(t, task.Error)

		_, err = l.Cancel(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestLedger_List(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger, c *clock) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			req := "alice"
			if i%2 == 1 {
				req = "bob"
			}
			_, err := l.Create(ctx, CreateInput{ID: fmt.Sprintf("t%d", i), Requester: req})
			require.NoError(t, err)
			c.Advance(time.Second)
		}
		_, err := l.Transition(ctx, "t4", model.StatusFailure, TransitionInput{Error: "x"})
		require.NoError(t, err)

		page, err := l.List(ctx, ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, 5, page.Total)
		assert.Equal(t, 1, page.Page)
		assert.Equal(t, DefaultPageSize, page.PageSize)
		require.Len(t, page.Tasks, 5)
		assert.Equal(t, "t4", page.Tasks[0].ID, "newest first")
		assert.Equal(t, "t0", page.Tasks[4].ID)

		page, err = l.List(ctx, ListFilter{Requester: "alice", PageSize: 2, Page: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		require.Len(t, page.Tasks, 1)
		assert.Equal(t, "t0", page.Tasks[0].ID)

		page, err = l.List(ctx, ListFilter{Statuses: []model.Status{model.StatusFailure}})
		require.NoError(t, err)
		require.Len(t, page.Tasks, 1)
		assert.Equal(t, "t4", page.Tasks[0].ID)

		t1, err := l.Get(ctx, "t1")
		require.NoError(t, err)
		t3, err := l.Get(ctx, "t3")
		require.NoError(t, err)
		page, err = l.List(ctx, ListFilter{From: t1.CreatedAt, To: t3.CreatedAt})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)

		page, err = l.List(ctx, ListFilter{Page: 9})
		require.NoError(t, err)
		assert.Empty(t, page.Tasks)
	})
}

func TestLedger_ListHugePage(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger, _ *clock) {
		ctx := context.Background()
		_, err := l.Create(ctx, CreateInput{ID: "t0"})
		require.NoError(t, err)

		var page TaskPage
		require.NotPanics(t, func() {
			page, err = l.List(ctx, ListFilter{Page: 4611686018427387904, PageSize: 20})
		})
		require.NoError(t, err)
		assert.Empty(t, page.Tasks)
		assert.Equal(t, 1, page.Total)
		assert.Equal(t, MaxPage, page.Page)
	})
}

func TestLedger_CleanupAndCounts(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger, c *clock) {
		ctx := context.Background()
		for _, id := range []string{"ok", "bad", "cancelled", "pending"} {
			_, err := l.Create(ctx, CreateInput{ID: id})
			require.NoError(t, err)
		}
		_, err := l.Transition(ctx, "ok", model.StatusStarted, TransitionInput{})
		require.NoError(t, err)
		_, err = l.Transition(ctx, "ok", model.StatusSuccess, TransitionInput{})
		require.NoError(t, err)
		_, err = l.Transition(ctx, "bad", model.StatusFailure, TransitionInput{})
		require.NoError(t, err)
		_, err = l.Cancel(ctx, "cancelled")
		require.NoError(t, err)

		counts, err := l.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[model.StatusSuccess])
		assert.Equal(t, 1, counts[model.StatusFailure])
		assert.Equal(t, 1, counts[model.StatusCancelled])
		assert.Equal(t, 1, counts[model.StatusPending])
		assert.Equal(t, 0, counts[model.StatusHold])
		assert.Len(t, counts, len(model.AllStatuses))

		n, err := l.Cleanup(ctx, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Zero(t, n, "nothing is older than the cutoff")

		c.Advance(time.Hour)
		n, err = l.Cleanup(ctx, c.Now())
		require.NoError(t, err)
		assert.Equal(t, 2, n, "default statuses are SUCCESS and FAILURE")

		n, err = l.Cleanup(ctx, c.Now(), model.StatusCancelled)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = l.Get(ctx, "pending")
		require.NoError(t, err)
	})
}

func TestLedger_ConcurrentTransitionsHaveOneWinner(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger, _ *clock) {
		ctx := context.Background()
		_, err := l.Create(ctx, CreateInput{ID: "t1"})
		require.NoError(t, err)

		const racers = 16
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := l.Transition(ctx, "t1", model.StatusStarted, TransitionInput{}); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}
