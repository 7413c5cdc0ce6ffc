package tasks_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/engagement-engine/engage"
	"github.com/warp/engagement-engine/store/sqlite"
	"github.com/warp/engagement-engine/tasks"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// countingStore records every write that reaches the database.
type countingStore struct {
	*sqlite.Store
	mu      sync.Mutex
	batches int
	rows    int
	marks   int
}

func (c *countingStore) CreateTaskRecords(ctx context.Context, recs []engage.TaskRecord) (int, error) {
	c.mu.Lock()
	c.batches++
	c.rows += len(recs)
	c.mu.Unlock()
	return c.Store.CreateTaskRecords(ctx, recs)
}

func (c *countingStore) MarkTaskCompleted(ctx context.Context, key engage.TaskKey, at time.Time) (bool, error) {
	c.mu.Lock()
	c.marks++
	c.mu.Unlock()
	return c.Store.MarkTaskCompleted(ctx, key, at)
}

func newTestStore(t *testing.T) *countingStore {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &countingStore{Store: store}
}

func fiveDefinitions() []engage.TaskDefinition {
	defs := make([]engage.TaskDefinition, 5)
	for i := range defs {
		defs[i] = engage.TaskDefinition{ID: fmt.Sprintf("task-%d", i+1), SortOrder: i, IsActive: true}
	}
	return defs
}

func strp(s string) *string { return &s }

func intp(n int) *int { return &n }

// =============================================================================
// BACKFILL
// =============================================================================

func TestReconcile_DryRunDayTenBackfillsFifty(t *testing.T) {
	// GIVEN: Program started 2024-01-01, today is 2024-01-10 (day 10), five
	// active definitions and a participant with no records
	store := newTestStore(t)
	day := engage.CurrentDay(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 75, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))
	require.Equal(t, 10, day)
	r := tasks.NewReconciler(store, nil)

	// WHEN: Reconciling in dry-run mode
	res, err := r.Reconcile(context.Background(), "u1", day, fiveDefinitions(), true)

	// THEN: 50 records would be backfilled and nothing is written
	require.NoError(t, err)
	assert.Equal(t, 50, res.Backfilled)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 5, res.MissingToday)
	assert.True(t, res.HadNoRecords)
	assert.True(t, res.MissingDay1)
	assert.Equal(t, 0, store.batches)

	recs, err := store.ListTaskRecords(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestReconcile_ApplyDayTenCreatesFiftyIncomplete(t *testing.T) {
	store := newTestStore(t)
	r := tasks.NewReconciler(store, nil)

	res, err := r.Reconcile(context.Background(), "u1", 10, fiveDefinitions(), false)
	require.NoError(t, err)

	assert.Equal(t, 50, res.Backfilled)
	assert.Equal(t, 50, res.Created)
	assert.Equal(t, 0, res.MissingToday)
	assert.Equal(t, 1, store.batches, "backfill is one batched request")

	recs, err := store.ListTaskRecords(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, recs, 50)
	for _, rec := range recs {
		assert.False(t, rec.Completed)
		assert.Nil(t, rec.CompletedAt)
		assert.GreaterOrEqual(t, rec.Day, 1)
		assert.LessOrEqual(t, rec.Day, 10)
	}
}

func TestReconcile_SecondRunWritesNothing(t *testing.T) {
	store := newTestStore(t)
	r := tasks.NewReconciler(store, nil)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, "u1", 10, fiveDefinitions(), false)
	require.NoError(t, err)
	batches := store.batches

	res, err := r.Reconcile(ctx, "u1", 10, fiveDefinitions(), false)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Backfilled)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, batches, store.batches, "second run must not write")
}

func TestReconcile_PreservesCompletedRecords(t *testing.T) {
	// GIVEN: Day 3 task-1 already completed, day 1..2 never materialised
	store := newTestStore(t)
	ctx := context.Background()
	done := time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)
	_, err := store.Store.CreateTaskRecords(ctx, []engage.TaskRecord{
		{UserID: "u1", Day: 3, TaskID: "task-1", Completed: true, CompletedAt: &done},
	})
	require.NoError(t, err)

	// WHEN: Reconciling through day 3
	res, err := tasks.NewReconciler(store, nil).Reconcile(ctx, "u1", 3, fiveDefinitions(), false)
	require.NoError(t, err)

	// THEN: Only the 14 missing pairs are created and the completed one survives
	assert.Equal(t, 14, res.Created)
	assert.False(t, res.HadNoRecords)
	assert.True(t, res.MissingDay1)

	day3, err := store.ListTaskRecordsForDay(ctx, "u1", 3)
	require.NoError(t, err)
	for _, rec := range day3 {
		if rec.TaskID == "task-1" {
			assert.True(t, rec.Completed)
			require.NotNil(t, rec.CompletedAt)
			assert.True(t, done.Equal(*rec.CompletedAt))
		}
	}
}

func TestReconcile_RespectsApplicabilityAndActiveFlag(t *testing.T) {
	store := newTestStore(t)
	defs := []engage.TaskDefinition{
		{ID: "daily", IsActive: true},
		{ID: "kickoff", IsActive: true, ApplicableDays: []int{1}},
		{ID: "weekly", IsActive: true, ApplicableDays: []int{7, 14}},
		{ID: "retired", IsActive: false},
	}

	res, err := tasks.NewReconciler(store, nil).Reconcile(context.Background(), "u1", 7, defs, true)
	require.NoError(t, err)

	// 7 daily + 1 kickoff + 1 weekly
	assert.Equal(t, 9, res.Backfilled)
	assert.Equal(t, 2, res.MissingToday)
}

func TestReconcile_ConcurrentPassesDoNotDoubleInsert(t *testing.T) {
	// GIVEN: Two reconcilers racing on the same participant
	store := newTestStore(t)
	defs := fiveDefinitions()

	var wg sync.WaitGroup
	results := make([]tasks.Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := tasks.NewReconciler(store, nil).Reconcile(context.Background(), "u1", 20, defs, false)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	// THEN: Every pair exists exactly once and total inserts equal 100
	recs, err := store.ListTaskRecords(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, recs, 100)

	total := 0
	for _, r := range results {
		total += r.Created
	}
	assert.Equal(t, 100, total)
}

// recheckStore simulates a backfill that silently drops the current day.
type recheckStore struct {
	*countingStore
	dropDay int
	dropped bool
}

func (s *recheckStore) CreateTaskRecords(ctx context.Context, recs []engage.TaskRecord) (int, error) {
	if s.dropped {
		return s.countingStore.CreateTaskRecords(ctx, recs)
	}
	s.dropped = true
	var kept []engage.TaskRecord
	for _, r := range recs {
		if r.Day != s.dropDay {
			kept = append(kept, r)
		}
	}
	return s.countingStore.CreateTaskRecords(ctx, kept)
}

func TestReconcile_CurrentDayRecheckFillsPartialFailure(t *testing.T) {
	store := &recheckStore{countingStore: newTestStore(t), dropDay: 4}

	res, err := tasks.NewReconciler(store, nil).Reconcile(context.Background(), "u1", 4, fiveDefinitions(), false)
	require.NoError(t, err)

	assert.Equal(t, 20, res.Backfilled)
	assert.Equal(t, 5, res.MissingToday, "recheck reports the dropped day as an anomaly")
	assert.Equal(t, 20, res.Created)

	day4, err := store.ListTaskRecordsForDay(context.Background(), "u1", 4)
	require.NoError(t, err)
	assert.Len(t, day4, 5)
}
