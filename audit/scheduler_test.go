package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/warp/engagement-engine/audit"
	"github.com/warp/engagement-engine/engage"
	"github.com/warp/engagement-engine/store/sqlite"
)

func TestScheduler_RunsImmediatelyAndStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	// GIVEN: A store closed before the leak check runs
	raw, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer raw.Close()
	store := &faultyStore{Store: raw}
	seedProgram(t, store, "u1")

	s := audit.NewScheduler(newRunner(store, nil), nil)
	s.Interval = time.Hour

	// WHEN: Started
	s.Start()
	s.Start() // second start is a no-op

	// THEN: The first apply run lands without waiting for a tick
	require.Eventually(t, func() bool {
		_, ok := s.LastReport()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()

	rep, _ := s.LastReport()
	assert.True(t, rep.Success, rep.Message)
	assert.False(t, rep.DryRun)

	recs, err := raw.ListTaskRecords(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, recs, 50)
}

func TestScheduler_DisabledNeverStarts(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := audit.NewScheduler(nil, nil)
	s.Enabled = false
	s.Start()
	s.Stop()

	_, ok := s.LastReport()
	assert.False(t, ok)
}

func TestScheduler_RunNowUsesConfiguredOptions(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.SaveProgramConfig(context.Background(), engage.ProgramConfig{
		StartDate: programStart, TotalDays: 75, IsActive: true,
	}))

	s := audit.NewScheduler(newRunner(store, nil), nil)
	s.Options = audit.Options{DryRun: true}

	rep := s.RunNow(context.Background())

	assert.True(t, rep.DryRun)
	last, ok := s.LastReport()
	require.True(t, ok)
	assert.Equal(t, rep.RunID, last.RunID)
}
