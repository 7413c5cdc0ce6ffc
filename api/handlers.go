/*
handlers.go - HTTP API handlers for the engagement engine

PURPOSE:
  Exposes audits, email delivery, reminders and program authoring over
  REST. Handles request/response and delegates to the domain packages.

ENDPOINTS:
  Admin (role "admin"):
    POST   /api/admin/audit                        Run an audit (dry-run by default)
    GET    /api/admin/audit/runs                   Persisted audit runs
    POST   /api/admin/emails/send                  Send through the delivery gate
    POST   /api/admin/reminders/sweep              Send due follow-up reminders
    GET    /api/admin/task-definitions             List task definitions
    POST   /api/admin/task-definitions             Create or update a definition
    GET    /api/admin/rules                        List cadence rules
    POST   /api/admin/rules                        Create or update a rule
    GET    /api/admin/program                      Active program window
    PUT    /api/admin/program                      Replace the program window
    GET    /api/admin/participants                 List participants
    POST   /api/admin/participants                 Enroll a directory user
    POST   /api/admin/participants/{id}/deactivate Deactivate (never delete)
    POST   /api/admin/seed                         Apply a YAML/JSON seed document

  Any authenticated user:
    POST   /api/contacts/{id}/touch                Record contact, derive next follow-up
    GET    /api/me/tasks                           Today's checklist for the caller
    POST   /api/me/activities                      Record an outreach activity
    GET    /api/leaderboard                        Latest leaderboard snapshot

STATUS CODES:
  POST /api/admin/audit always answers 200 once the body parses; run
  failures are in the report (success=false).
  Email sends: 200 sent or duplicate, 400 invalid request, 429 rolling
  window exceeded, 502 provider failure. The body is always a send result.
  Elsewhere: 400 invalid input, 403 not allowed, 404 missing, 500 internal.

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Principal and role checks
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/warp/engagement-engine/audit"
	"github.com/warp/engagement-engine/delivery"
	"github.com/warp/engagement-engine/engage"
	"github.com/warp/engagement-engine/factory"
	"github.com/warp/engagement-engine/reminders"
	"github.com/warp/engagement-engine/rewards"
	"github.com/warp/engagement-engine/store/sqlite"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Runner    *audit.Runner
	Mailer    reminders.Sender
	Reminders *reminders.Service
	Ledger    *rewards.Ledger

	Now    func() time.Time
	Logger *zap.Logger
}

func NewHandler(store *sqlite.Store, runner *audit.Runner, mailer reminders.Sender, rem *reminders.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:     store,
		Runner:    runner,
		Mailer:    mailer,
		Reminders: rem,
		Ledger:    rewards.NewLedger(store),
		Now:       time.Now,
		Logger:    logger,
	}
}

// =============================================================================
// AUDIT
// =============================================================================

// RunAudit runs one audit and returns its report. Every outcome, an
// unreadable body included, is a 200 carrying a report; success:false and
// errors signal the failure.
// POST /api/admin/audit
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	var req AuditRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		msg := fmt.Sprintf("invalid request body: %v", err)
		writeJSON(w, http.StatusOK, audit.Report{
			Success: false,
			DryRun:  true,
			Results: audit.Results{Errors: []string{msg}},
			Message: "Audit not started: invalid request body",
		})
		return
	}
	opts := audit.Options{
		DryRun:                    req.DryRun == nil || *req.DryRun,
		EnrollMissingParticipants: req.EnrollMissingParticipants,
		Workers:                   req.Workers,
	}
	writeJSON(w, http.StatusOK, h.Runner.Run(r.Context(), opts))
}

// ListAuditRuns returns the most recent persisted runs.
// GET /api/admin/audit/runs?limit=N
func (h *Handler) ListAuditRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}
	runs, err := h.Store.ListAuditRuns(r.Context(), limit)
	if err != nil {
		h.internal(w, "Failed to list audit runs", err)
		return
	}
	dtos := make([]AuditRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toAuditRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// EMAIL & REMINDERS
// =============================================================================

// SendEmail pushes one templated email through the delivery gate.
// POST /api/admin/emails/send
func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) {
	var req delivery.Request
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Mailer.Send(r.Context(), req)
	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, delivery.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, delivery.ErrRateLimited):
		status = http.StatusTooManyRequests
	default:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

// SweepReminders sends every due follow-up reminder.
// POST /api/admin/reminders/sweep
func (h *Handler) SweepReminders(w http.ResponseWriter, r *http.Request) {
	res, err := h.Reminders.SendDue(r.Context(), h.Now())
	if err != nil {
		h.internal(w, "Reminder sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TouchContact records that the caller just contacted someone.
// POST /api/contacts/{id}/touch
func (h *Handler) TouchContact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	caller, _ := PrincipalFrom(ctx)

	contact, err := h.Store.GetContact(ctx, id)
	if engage.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Contact not found", nil)
		return
	}
	if err != nil {
		h.internal(w, "Failed to load contact", err)
		return
	}
	if contact.OwnerUserID != caller.UserID && !caller.HasRole(RoleAdmin) {
		writeError(w, http.StatusForbidden, "Contact belongs to another user", nil)
		return
	}

	f, err := h.Reminders.RecordContact(ctx, id, h.Now())
	if err != nil {
		h.internal(w, "Failed to record contact", err)
		return
	}
	writeJSON(w, http.StatusOK, toFollowUpDTO(f))
}

// =============================================================================
// TASK DEFINITIONS
// =============================================================================

// ListTaskDefinitions returns active and inactive definitions.
// GET /api/admin/task-definitions
func (h *Handler) ListTaskDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.Store.ListTaskDefinitions(r.Context(), false)
	if err != nil {
		h.internal(w, "Failed to list task definitions", err)
		return
	}
	docs := make([]factory.DefinitionDoc, len(defs))
	for i, d := range defs {
		docs[i] = toDefinitionDoc(d)
	}
	writeJSON(w, http.StatusOK, docs)
}

// SaveTaskDefinition creates or replaces a definition by id.
// POST /api/admin/task-definitions
func (h *Handler) SaveTaskDefinition(w http.ResponseWriter, r *http.Request) {
	var doc factory.DefinitionDoc
	if !decode(w, r, &doc) {
		return
	}
	def, err := doc.ToDefinition()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid task definition", err)
		return
	}
	if err := h.Store.SaveTaskDefinition(r.Context(), def); err != nil {
		h.internal(w, "Failed to save task definition", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDefinitionDoc(def))
}

// =============================================================================
// RULES
// =============================================================================

// ListRules returns every cadence rule.
// GET /api/admin/rules
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Store.ListRules(r.Context())
	if err != nil {
		h.internal(w, "Failed to list rules", err)
		return
	}
	docs := make([]factory.RuleDoc, len(rules))
	for i, rule := range rules {
		docs[i] = toRuleDoc(rule)
	}
	writeJSON(w, http.StatusOK, docs)
}

// SaveRule upserts the rule for its (scope, key).
// POST /api/admin/rules
func (h *Handler) SaveRule(w http.ResponseWriter, r *http.Request) {
	var doc factory.RuleDoc
	if !decode(w, r, &doc) {
		return
	}
	rule, err := doc.ToRule()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule", err)
		return
	}
	if err := h.Store.SaveRule(r.Context(), rule); err != nil {
		h.internal(w, "Failed to save rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleDoc(rule))
}

// =============================================================================
// PROGRAM
// =============================================================================

// GetProgram returns the active program window.
// GET /api/admin/program
func (h *Handler) GetProgram(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Store.GetProgramConfig(r.Context())
	if engage.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "No active program", nil)
		return
	}
	if err != nil {
		h.internal(w, "Failed to load program", err)
		return
	}
	writeJSON(w, http.StatusOK, toProgramDTO(*cfg))
}

// PutProgram replaces the program window. The cached current day is
// recomputed immediately.
// PUT /api/admin/program
func (h *Handler) PutProgram(w http.ResponseWriter, r *http.Request) {
	var doc factory.ProgramDoc
	if !decode(w, r, &doc) {
		return
	}
	cfg, err := doc.ToConfig()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid program", err)
		return
	}
	cfg.CurrentDay = cfg.DayAt(h.Now())
	if err := h.Store.SaveProgramConfig(r.Context(), cfg); err != nil {
		h.internal(w, "Failed to save program", err)
		return
	}
	writeJSON(w, http.StatusOK, toProgramDTO(cfg))
}

// =============================================================================
// PARTICIPANTS
// =============================================================================

// ListParticipants returns active and deactivated participants.
// GET /api/admin/participants
func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Store.ListParticipants(r.Context(), false)
	if err != nil {
		h.internal(w, "Failed to list participants", err)
		return
	}
	dtos := make([]ParticipantDTO, len(ps))
	for i, p := range ps {
		dtos[i] = toParticipantDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// EnrollParticipant enrolls a directory user. Re-enrolling a deactivated
// participant reactivates it.
// POST /api/admin/participants
func (h *Handler) EnrollParticipant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req EnrollRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required", nil)
		return
	}

	users, err := h.Store.ListDirectoryUsers(ctx)
	if err != nil {
		h.internal(w, "Failed to load user directory", err)
		return
	}
	if !slices.ContainsFunc(users, func(u engage.DirectoryUser) bool { return u.ID == req.UserID }) {
		writeError(w, http.StatusNotFound, "User not in directory", nil)
		return
	}

	p := engage.Participant{UserID: req.UserID, JoinedAt: h.Now().UTC(), IsActive: true}
	if err := h.Store.SaveParticipant(ctx, p); err != nil {
		h.internal(w, "Failed to enroll participant", err)
		return
	}
	writeJSON(w, http.StatusCreated, toParticipantDTO(p))
}

// DeactivateParticipant stops future reconciliation for a participant.
// Records and points are kept.
// POST /api/admin/participants/{id}/deactivate
func (h *Handler) DeactivateParticipant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.Store.DeactivateParticipant(r.Context(), id)
	if engage.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Participant not found", nil)
		return
	}
	if err != nil {
		h.internal(w, "Failed to deactivate participant", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// SEED
// =============================================================================

// ApplySeed upserts a YAML or JSON seed document.
// POST /api/admin/seed
func (h *Handler) ApplySeed(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	seed, err := factory.ParseSeed(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid seed document", err)
		return
	}
	if err := seed.Apply(r.Context(), h.Store, h.Now()); err != nil {
		h.internal(w, "Failed to apply seed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CALLER ENDPOINTS
// =============================================================================

// MyTasks returns the caller's checklist for the current program day. Rows
// appear once an audit has reconciled the day.
// GET /api/me/tasks
func (h *Handler) MyTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := PrincipalFrom(ctx)

	cfg, err := h.Store.GetProgramConfig(ctx)
	if engage.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "No active program", nil)
		return
	}
	if err != nil {
		h.internal(w, "Failed to load program", err)
		return
	}
	day := cfg.DayAt(h.Now())

	recs, err := h.Store.ListTaskRecordsForDay(ctx, caller.UserID, day)
	if err != nil {
		h.internal(w, "Failed to load tasks", err)
		return
	}
	defs, err := h.Store.ListTaskDefinitions(ctx, false)
	if err != nil {
		h.internal(w, "Failed to load task definitions", err)
		return
	}
	byID := make(map[string]engage.TaskDefinition, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}

	tasks := make([]TaskDTO, 0, len(recs))
	for _, rec := range recs {
		def, ok := byID[rec.TaskID]
		if !ok {
			def = engage.TaskDefinition{ID: rec.TaskID, Title: rec.TaskID}
		}
		tasks = append(tasks, TaskDTO{
			TaskID:        rec.TaskID,
			Title:         def.Title,
			SortOrder:     def.SortOrder,
			Completed:     rec.Completed,
			CompletedAt:   formatTimePtr(rec.CompletedAt),
			OutreachType:  def.OutreachType,
			CountRequired: def.Required(),
			Points:        def.Points,
		})
	}
	slices.SortFunc(tasks, func(a, b TaskDTO) int {
		if a.SortOrder != b.SortOrder {
			return a.SortOrder - b.SortOrder
		}
		if a.TaskID < b.TaskID {
			return -1
		}
		if a.TaskID > b.TaskID {
			return 1
		}
		return 0
	})

	total, err := h.Ledger.Total(ctx, caller.UserID)
	if err != nil {
		h.internal(w, "Failed to load points", err)
		return
	}

	writeJSON(w, http.StatusOK, MyTasksDTO{
		Day:         day,
		TotalDays:   cfg.TotalDays,
		TotalPoints: total.String(),
		Tasks:       tasks,
	})
}

// RecordActivity logs an outreach action by the caller. Completion is
// evaluated by the next audit.
// POST /api/me/activities
func (h *Handler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFrom(r.Context())
	var req RecordActivityRequest
	if !decode(w, r, &req) {
		return
	}
	if req.OutreachType == "" {
		writeError(w, http.StatusBadRequest, "outreachType is required", nil)
		return
	}
	at := h.Now().UTC()
	if req.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid occurredAt (use RFC 3339)", err)
			return
		}
		at = t.UTC()
	}

	a := engage.Activity{ID: uuid.NewString(), UserID: caller.UserID, OutreachType: req.OutreachType, OccurredAt: at}
	if err := h.Store.RecordActivity(r.Context(), a); err != nil {
		h.internal(w, "Failed to record activity", err)
		return
	}
	writeJSON(w, http.StatusCreated, ActivityDTO{ID: a.ID, OutreachType: a.OutreachType, OccurredAt: at.Format(time.RFC3339)})
}

// Leaderboard returns the snapshot written by the last apply-mode audit.
// GET /api/leaderboard
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.GetLeaderboard(r.Context())
	if err != nil {
		h.internal(w, "Failed to load leaderboard", err)
		return
	}
	dtos := make([]LeaderboardEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLeaderboardDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// internal logs err and answers 500 without leaking store details.
func (h *Handler) internal(w http.ResponseWriter, message string, err error) {
	h.Logger.Error(message, zap.Error(err))
	writeError(w, http.StatusInternalServerError, message, nil)
}

// decode reads a JSON body, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}
