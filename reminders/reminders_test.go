package reminders_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/engagement-engine/delivery"
	"github.com/warp/engagement-engine/engage"
	"github.com/warp/engagement-engine/reminders"
	"github.com/warp/engagement-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var touchedAt = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)

type fakeTransport struct{ sent []delivery.Message }

func (f *fakeTransport) Send(_ context.Context, msg delivery.Message) (string, error) {
	f.sent = append(f.sent, msg)
	return "em-1", nil
}

type failingSender struct{}

func (failingSender) Send(context.Context, delivery.Request) (delivery.Result, error) {
	return delivery.Result{Error: "quota"}, delivery.ErrQuotaExceeded
}

type noWait struct{}

func (noWait) Wait(context.Context) error { return nil }

func intp(n int) *int { return &n }

func unitp(u engage.Unit) *engage.Unit { return &u }

func newStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SaveContact(ctx, engage.Contact{
		ID: "c1", OwnerUserID: "u1", OwnerEmail: "owner@example.com", Name: "Ada",
		RelationshipType: "mentor", Status: "active",
	}))
	require.NoError(t, store.SaveRule(ctx, engage.RelationshipRule{
		Scope: engage.ScopeRelationship, Key: "mentor", Enabled: true, Value: intp(2), Unit: unitp(engage.UnitWeeks),
	}))
	require.NoError(t, store.SaveRule(ctx, engage.RelationshipRule{
		Scope: engage.ScopeFallback, Enabled: true, Value: intp(1), Unit: unitp(engage.UnitMonths),
	}))
	return store
}

func newService(store *sqlite.Store) (*reminders.Service, *fakeTransport) {
	transport := &fakeTransport{}
	gate := delivery.NewGate(store, transport, nil)
	gate.Pacer = noWait{}
	return reminders.NewService(store, store, gate, nil), transport
}

// =============================================================================
// RECORD CONTACT
// =============================================================================

func TestRecordContact_DerivesNextFollowUp(t *testing.T) {
	store := newStore(t)
	svc, _ := newService(store)

	f, err := svc.RecordContact(context.Background(), "c1", touchedAt)

	require.NoError(t, err)
	require.NotNil(t, f.NextFollowUp)
	assert.True(t, touchedAt.AddDate(0, 0, 14).Equal(*f.NextFollowUp), "mentor rule wins over fallback")

	saved, err := store.GetFollowUp(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, touchedAt.Equal(*saved.LastContactDate))
}

func TestRecordContact_UnknownContact(t *testing.T) {
	svc, _ := newService(newStore(t))

	_, err := svc.RecordContact(context.Background(), "nope", touchedAt)

	assert.ErrorIs(t, err, engage.ErrNotFound)
}

// =============================================================================
// SWEEP
// =============================================================================

func TestSendDue_SendsOnceAndReschedulesFromNow(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc, transport := newService(store)
	_, err := svc.RecordContact(ctx, "c1", touchedAt)
	require.NoError(t, err)

	// GIVEN: The sweep runs three days after the reminder fell due
	sweepAt := touchedAt.AddDate(0, 0, 17)

	// WHEN: Sweeping
	res, err := svc.SendDue(ctx, sweepAt)

	// THEN: One reminder went out and the next date is relative to the sweep
	require.NoError(t, err)
	assert.Equal(t, reminders.SweepResult{Due: 1, Sent: 1}, res)
	require.Len(t, transport.sent, 1)
	msg := transport.sent[0]
	assert.Equal(t, reminders.TemplateFollowUp, msg.TemplateKey)
	assert.Equal(t, "owner@example.com", msg.RecipientEmail)
	assert.Equal(t, "Ada", msg.Variables["contact_name"])
	assert.Equal(t, "mentor", msg.Variables["relationship_type"])
	assert.Equal(t, "2024-04-01", msg.Variables["next_follow_up"])
	assert.Equal(t, "followup:c1:2024-03-15", msg.IdempotencyKey)

	f, err := store.GetFollowUp(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, sweepAt.AddDate(0, 0, 14).Equal(*f.NextFollowUp))

	// AND: A second sweep at the same instant finds nothing due
	res, err = svc.SendDue(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due)
}

func TestSendDue_DuplicateStillAdvances(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc, transport := newService(store)
	_, err := svc.RecordContact(ctx, "c1", touchedAt)
	require.NoError(t, err)
	sweepAt := touchedAt.AddDate(0, 0, 15)

	// GIVEN: The reminder was sent but the new date was never saved
	_, err = svc.SendDue(ctx, sweepAt)
	require.NoError(t, err)
	due := touchedAt.AddDate(0, 0, 14)
	require.NoError(t, store.SaveFollowUp(ctx, engage.ContactFollowUp{ContactID: "c1", NextFollowUp: &due}))

	// WHEN: Sweeping again
	res, err := svc.SendDue(ctx, sweepAt)

	// THEN: The gate suppresses the email
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)
	assert.Len(t, transport.sent, 1)
}

func TestSendDue_DisabledRuleStopsReminders(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc, _ := newService(store)
	_, err := svc.RecordContact(ctx, "c1", touchedAt)
	require.NoError(t, err)

	// the fallback now decides, and it is disabled
	require.NoError(t, store.SaveRule(ctx, engage.RelationshipRule{Scope: engage.ScopeRelationship, Key: "mentor", Enabled: false}))
	require.NoError(t, store.SaveRule(ctx, engage.RelationshipRule{Scope: engage.ScopeFallback, Enabled: false}))

	res, err := svc.SendDue(ctx, touchedAt.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Stopped)

	f, err := store.GetFollowUp(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, f.NextFollowUp)
}

func TestSendDue_TransportFailureLeavesFollowUpDue(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := reminders.NewService(store, store, failingSender{}, nil)
	_, err := svc.RecordContact(ctx, "c1", touchedAt)
	require.NoError(t, err)

	res, err := svc.SendDue(ctx, touchedAt.AddDate(0, 1, 0))

	require.NoError(t, err, "transport errors are not surfaced")
	assert.Equal(t, 1, res.Failed)
	f, err := store.GetFollowUp(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, touchedAt.AddDate(0, 0, 14).Equal(*f.NextFollowUp))
}

func TestFollowUpKey(t *testing.T) {
	due := time.Date(2024, 3, 15, 23, 30, 0, 0, time.FixedZone("PST", -8*3600))
	assert.Equal(t, "followup:c9:2024-03-16", reminders.FollowUpKey("c9", due))
}
