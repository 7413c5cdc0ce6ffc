package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/engagement-engine/api"
	"github.com/warp/engagement-engine/audit"
	"github.com/warp/engagement-engine/delivery"
	"github.com/warp/engagement-engine/factory"
	"github.com/warp/engagement-engine/reminders"
	"github.com/warp/engagement-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const secret = "test-secret"

var apiNow = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

const apiSeed = `
program: {start_date: 2024-01-01, total_days: 75}
task_definitions:
  - {id: daily-calls, title: Make two calls, sort_order: 1, outreach_type: call, count_required: 2, points: 10}
  - {id: journal, title: Write a journal entry, sort_order: 2}
rules:
  - {scope: relationship, key: mentor, value: 2, unit: weeks}
  - {scope: fallback, value: 1, unit: months}
users:
  - {id: u1, email: ada@example.com, name: Ada}
  - {id: u2, email: bob@example.com, name: Bob}
participants: [u1]
contacts:
  - {id: c1, owner_user_id: u1, owner_email: ada@example.com, name: Grace, relationship_type: mentor, status: active}
`

type fakeTransport struct{ calls int }

func (f *fakeTransport) Send(context.Context, delivery.Message) (string, error) {
	f.calls++
	return "em-1", nil
}

type noWait struct{}

func (noWait) Wait(context.Context) error { return nil }

type testServer struct {
	store     *sqlite.Store
	transport *fakeTransport
	router    http.Handler
}

func newServer(t *testing.T, seeded bool) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if seeded {
		seed, err := factory.ParseSeed([]byte(apiSeed))
		require.NoError(t, err)
		require.NoError(t, seed.Apply(context.Background(), store, apiNow))
	}

	transport := &fakeTransport{}
	gate := delivery.NewGate(store, transport, nil)
	gate.Pacer = noWait{}
	gate.Now = func() time.Time { return apiNow }

	runner := audit.NewRunner(store, nil, nil)
	runner.Now = func() time.Time { return apiNow }

	h := api.NewHandler(store, runner, gate, reminders.NewService(store, store, gate, nil), nil)
	h.Now = func() time.Time { return apiNow }

	auth := api.NewAuthenticator(secret)
	auth.Now = func() time.Time { return apiNow }

	return &testServer{store: store, transport: transport, router: api.NewRouter(h, auth, api.RouterOptions{})}
}

func token(t *testing.T, user string, roles ...string) string {
	t.Helper()
	tok, err := api.IssueToken(secret, user, roles, time.Hour, apiNow)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// AUTH
// =============================================================================

func TestAuth_RejectsMissingAndBadTokens(t *testing.T) {
	s := newServer(t, true)

	forged, err := api.IssueToken("other-secret", "u1", []string{api.RoleAdmin}, time.Hour, apiNow)
	require.NoError(t, err)
	expired, err := api.IssueToken(secret, "u1", nil, time.Minute, apiNow.Add(-time.Hour))
	require.NoError(t, err)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1", "roles": []string{"admin"}}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name string
		tok  string
	}{
		{"missing", ""},
		{"wrong secret", forged},
		{"expired", expired},
		{"alg none", unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/api/leaderboard", tt.tok, nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAuth_AdminRoutesRequireAdminRole(t *testing.T) {
	s := newServer(t, true)

	rec := s.do(t, http.MethodGet, "/api/admin/rules", token(t, "u1"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/admin/rules", token(t, "boss", api.RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestRunAudit_DefaultsToDryRun(t *testing.T) {
	s := newServer(t, true)
	admin := token(t, "boss", api.RoleAdmin)

	// WHEN: Posting with no body
	rec := s.do(t, http.MethodPost, "/api/admin/audit", admin, nil)

	// THEN: A dry run reports 20 backfills and nothing is written
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[audit.Report](t, rec)
	assert.True(t, report.Success)
	assert.True(t, report.DryRun)
	assert.Equal(t, 10, report.Results.CurrentDay)
	assert.Equal(t, 20, report.Results.TasksBackfilled)
	assert.Equal(t, 0, report.Results.TasksCreated)

	recs, err := s.store.ListTaskRecords(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRunAudit_ApplyThenListRuns(t *testing.T) {
	s := newServer(t, true)
	admin := token(t, "boss", api.RoleAdmin)

	rec := s.do(t, http.MethodPost, "/api/admin/audit", admin, map[string]any{"dryRun": false})
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[audit.Report](t, rec)
	assert.True(t, report.Success)
	assert.Equal(t, 20, report.Results.TasksCreated)

	rec = s.do(t, http.MethodGet, "/api/admin/audit/runs?limit=5", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeBody[[]api.AuditRunDTO](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
	assert.False(t, runs[0].DryRun)
	assert.Contains(t, string(runs[0].Report), `"tasksCreated":20`)

	rec = s.do(t, http.MethodGet, "/api/admin/audit/runs?limit=zero", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunAudit_MissingConfigIsStill200(t *testing.T) {
	s := newServer(t, false)

	rec := s.do(t, http.MethodPost, "/api/admin/audit", token(t, "boss", api.RoleAdmin), `{"dryRun":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[audit.Report](t, rec)
	assert.False(t, report.Success)
	assert.Contains(t, report.Message, "no active program config")
}

func TestRunAudit_MalformedBodyIsA200Failure(t *testing.T) {
	s := newServer(t, true)
	admin := token(t, "boss", api.RoleAdmin)

	// WHEN: The body is not JSON
	rec := s.do(t, http.MethodPost, "/api/admin/audit", admin, `{"dryRun":`)

	// THEN: A structured failure at 200, and no run was started
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[audit.Report](t, rec)
	assert.False(t, report.Success)
	assert.True(t, report.DryRun)
	require.Len(t, report.Results.Errors, 1)
	assert.Contains(t, report.Results.Errors[0], "invalid request body")

	rec = s.do(t, http.MethodGet, "/api/admin/audit/runs", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]api.AuditRunDTO](t, rec))
}

// =============================================================================
// EMAIL & REMINDERS
// =============================================================================

func TestSendEmail_StatusMapping(t *testing.T) {
	s := newServer(t, true)
	admin := token(t, "boss", api.RoleAdmin)
	send := func(key string) *httptest.ResponseRecorder {
		return s.do(t, http.MethodPost, "/api/admin/emails/send", admin, delivery.Request{
			TemplateKey: "welcome", RecipientEmail: "ada@example.com", IdempotencyKey: key,
		})
	}

	rec := send("k1")
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeBody[delivery.Result](t, rec)
	assert.True(t, first.Success)
	assert.Equal(t, "em-1", first.EmailID)

	// GIVEN: The same key again
	rec = send("k1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[delivery.Result](t, rec).Duplicate)

	// AND: Two more distinct sends fill the window
	require.Equal(t, http.StatusOK, send("k2").Code)
	require.Equal(t, http.StatusOK, send("k3").Code)

	// THEN: The fourth distinct send is rate limited
	rec = send("k4")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.False(t, decodeBody[delivery.Result](t, rec).Success)
	assert.Equal(t, 3, s.transport.calls)

	rec = s.do(t, http.MethodPost, "/api/admin/emails/send", admin, delivery.Request{TemplateKey: "welcome"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTouchContact(t *testing.T) {
	s := newServer(t, true)

	rec := s.do(t, http.MethodPost, "/api/contacts/c1/touch", token(t, "u1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	f := decodeBody[api.FollowUpDTO](t, rec)
	require.NotNil(t, f.NextFollowUp)
	assert.Equal(t, "2024-01-24T12:00:00Z", *f.NextFollowUp)

	rec = s.do(t, http.MethodPost, "/api/contacts/c1/touch", token(t, "u2"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/contacts/nope/touch", token(t, "u1"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSweepReminders_NothingDue(t *testing.T) {
	s := newServer(t, true)

	rec := s.do(t, http.MethodPost, "/api/admin/reminders/sweep", token(t, "boss", api.RoleAdmin), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reminders.SweepResult{}, decodeBody[reminders.SweepResult](t, rec))
}

// =============================================================================
// ADMIN AUTHORING
// =============================================================================

func TestTaskDefinitions_CreateAndList(t *testing.T) {
	s := newServer(t, true)
	admin := token(t, "boss", api.RoleAdmin)

	rec := s.do(t, http.MethodPost, "/api/admin/task-definitions", admin, `{"id":"kickoff","title":"Kickoff","applicableDays":[1]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/admin/task-definitions", admin, `{"id":"bad","countRequired":2}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/admin/task-definitions", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	docs := decodeBody[[]factory.DefinitionDoc](t, rec)
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	assert.ElementsMatch(t, []string{"daily-calls", "journal", "kickoff"}, ids)
}

func TestRules_CreateAndList(t *testing.T) {
	s := newServer(t, true)
	admin := token(t, "boss", api.RoleAdmin)

	rec := s.do(t, http.MethodPost, "/api/admin/rules", admin, `{"scope":"status","key":"cold","value":3,"unit":"days"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/admin/rules", admin, `{"scope":"team"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/admin/rules", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]factory.RuleDoc](t, rec), 3)
}

func TestProgram_PutRecomputesCurrentDay(t *testing.T) {
	s := newServer(t, false)
	admin := token(t, "boss", api.RoleAdmin)

	rec := s.do(t, http.MethodGet, "/api/admin/program", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/admin/program", admin, `{"startDate":"2024-01-05","totalDays":30}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 6, decodeBody[api.ProgramDTO](t, rec).CurrentDay)

	rec = s.do(t, http.MethodPut, "/api/admin/program", admin, `{"startDate":"2024-01-05","totalDays":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParticipants_EnrollAndDeactivate(t *testing.T) {
	s := newServer(t, true)
	admin := token(t, "boss", api.RoleAdmin)

	rec := s.do(t, http.MethodPost, "/api/admin/participants", admin, `{"userId":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/admin/participants", admin, `{"userId":"u2"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/admin/participants/u1/deactivate", admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/admin/participants/ghost/deactivate", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/admin/participants", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := map[string]bool{}
	for _, p := range decodeBody[[]api.ParticipantDTO](t, rec) {
		active[p.UserID] = p.IsActive
	}
	assert.Equal(t, map[string]bool{"u1": false, "u2": true}, active)
}

func TestApplySeed(t *testing.T) {
	s := newServer(t, false)
	admin := token(t, "boss", api.RoleAdmin)

	rec := s.do(t, http.MethodPost, "/api/admin/seed", admin, apiSeed)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/admin/seed", admin, "rules: [{scope: team}]")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cfg, err := s.store.GetProgramConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 75, cfg.TotalDays)
}

// =============================================================================
// CALLER ENDPOINTS
// =============================================================================

func TestMyTasks_ActivityCompletionAndLeaderboard(t *testing.T) {
	s := newServer(t, true)
	admin := token(t, "boss", api.RoleAdmin)
	ada := token(t, "u1")

	// GIVEN: Two calls logged today and an applied audit
	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/api/me/activities", ada, `{"outreachType":"call"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/api/admin/audit", admin, `{"dryRun":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, decodeBody[audit.Report](t, rec).Results.TasksCompleted)

	// WHEN: Ada reads her checklist
	rec = s.do(t, http.MethodGet, "/api/me/tasks", ada, nil)

	// THEN: The call task is complete and sorted first
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decodeBody[api.MyTasksDTO](t, rec)
	assert.Equal(t, 10, mine.Day)
	assert.Equal(t, "10", mine.TotalPoints)
	require.Len(t, mine.Tasks, 2)
	assert.Equal(t, "daily-calls", mine.Tasks[0].TaskID)
	assert.True(t, mine.Tasks[0].Completed)
	assert.Equal(t, 2, mine.Tasks[0].CountRequired)
	assert.False(t, mine.Tasks[1].Completed)

	// AND: The leaderboard snapshot reflects the points
	rec = s.do(t, http.MethodGet, "/api/leaderboard", ada, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	board := decodeBody[[]api.LeaderboardEntryDTO](t, rec)
	require.Len(t, board, 1)
	assert.Equal(t, api.LeaderboardEntryDTO{UserID: "u1", Rank: 1, Points: "10", RefreshedAt: "2024-01-10T12:00:00Z"}, board[0])
}

func TestRecordActivity_Validation(t *testing.T) {
	s := newServer(t, true)
	ada := token(t, "u1")

	rec := s.do(t, http.MethodPost, "/api/me/activities", ada, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/me/activities", ada, `{"outreachType":"call","occurredAt":"yesterday"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/me/activities", ada, `{"outreachType":"email","occurredAt":"2024-01-09T08:00:00+02:00"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, strings.HasPrefix(decodeBody[api.ActivityDTO](t, rec).OccurredAt, "2024-01-09T06:00:00"))
}

func TestMyTasks_NoProgram(t *testing.T) {
	s := newServer(t, false)

	rec := s.do(t, http.MethodGet, "/api/me/tasks", token(t, "u1"), nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
