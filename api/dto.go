/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP contract, decoupled from engage types so storage
  fields can change without breaking clients.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AUTHORING TYPES:
  Task definitions, rules and the program window are read and written as
  factory documents (factory.DefinitionDoc, factory.RuleDoc,
  factory.ProgramDoc), the same shapes a seed file uses.

VALIDATION:
  Done in handlers and factory conversions. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/seed.go: document types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/engagement-engine/engage"
	"github.com/warp/engagement-engine/factory"
)

// =============================================================================
// AUDIT
// =============================================================================

// AuditRequest starts an audit. DryRun defaults to true when omitted.
type AuditRequest struct {
	DryRun                    *bool `json:"dryRun,omitempty"`
	EnrollMissingParticipants bool  `json:"enrollMissingParticipants"`
	Workers                   int   `json:"workers,omitempty"`
}

// AuditRunDTO is a persisted run; Report is the stored report verbatim.
type AuditRunDTO struct {
	ID          string          `json:"id"`
	DryRun      bool            `json:"dryRun"`
	Success     bool            `json:"success"`
	StartedAt   string          `json:"startedAt"`
	CompletedAt string          `json:"completedAt"`
	Report      json.RawMessage `json:"report,omitempty"`
}

func toAuditRunDTO(r engage.AuditRun) AuditRunDTO {
	dto := AuditRunDTO{
		ID:          r.ID,
		DryRun:      r.DryRun,
		Success:     r.Success,
		StartedAt:   r.StartedAt.Format(time.RFC3339),
		CompletedAt: r.CompletedAt.Format(time.RFC3339),
	}
	if json.Valid([]byte(r.ReportJSON)) {
		dto.Report = json.RawMessage(r.ReportJSON)
	}
	return dto
}

// =============================================================================
// PARTICIPANTS
// =============================================================================

type EnrollRequest struct {
	UserID string `json:"userId"`
}

type ParticipantDTO struct {
	UserID   string `json:"userId"`
	JoinedAt string `json:"joinedAt"`
	IsActive bool   `json:"isActive"`
}

func toParticipantDTO(p engage.Participant) ParticipantDTO {
	return ParticipantDTO{UserID: p.UserID, JoinedAt: p.JoinedAt.Format(time.RFC3339), IsActive: p.IsActive}
}

// =============================================================================
// TASKS
// =============================================================================

// MyTasksDTO is the caller's checklist for the current program day.
type MyTasksDTO struct {
	Day         int       `json:"day"`
	TotalDays   int       `json:"totalDays"`
	TotalPoints string    `json:"totalPoints"`
	Tasks       []TaskDTO `json:"tasks"`
}

type TaskDTO struct {
	TaskID        string  `json:"taskId"`
	Title         string  `json:"title"`
	SortOrder     int     `json:"sortOrder"`
	Completed     bool    `json:"completed"`
	CompletedAt   *string `json:"completedAt,omitempty"`
	OutreachType  *string `json:"outreachType,omitempty"`
	CountRequired int     `json:"countRequired"`
	Points        *int    `json:"points,omitempty"`
}

func toDefinitionDoc(d engage.TaskDefinition) factory.DefinitionDoc {
	active := d.IsActive
	return factory.DefinitionDoc{
		ID:             d.ID,
		Title:          d.Title,
		SortOrder:      d.SortOrder,
		IsActive:       &active,
		OutreachType:   d.OutreachType,
		CountRequired:  d.CountRequired,
		ApplicableDays: d.ApplicableDays,
		Points:         d.Points,
	}
}

// =============================================================================
// RULES & PROGRAM
// =============================================================================

func toRuleDoc(r engage.RelationshipRule) factory.RuleDoc {
	enabled := r.Enabled
	doc := factory.RuleDoc{Scope: string(r.Scope), Key: r.Key, Enabled: &enabled, Value: r.Value}
	if r.Unit != nil {
		u := string(*r.Unit)
		doc.Unit = &u
	}
	return doc
}

type ProgramDTO struct {
	StartDate  string `json:"startDate"`
	TotalDays  int    `json:"totalDays"`
	CurrentDay int    `json:"currentDay"`
	IsActive   bool   `json:"isActive"`
}

func toProgramDTO(c engage.ProgramConfig) ProgramDTO {
	return ProgramDTO{
		StartDate:  c.StartDate.Format("2006-01-02"),
		TotalDays:  c.TotalDays,
		CurrentDay: c.CurrentDay,
		IsActive:   c.IsActive,
	}
}

// =============================================================================
// CONTACTS & ACTIVITIES
// =============================================================================

type FollowUpDTO struct {
	ContactID       string  `json:"contactId"`
	LastContactDate *string `json:"lastContactDate,omitempty"`
	NextFollowUp    *string `json:"nextFollowUp,omitempty"`
}

func toFollowUpDTO(f engage.ContactFollowUp) FollowUpDTO {
	return FollowUpDTO{
		ContactID:       f.ContactID,
		LastContactDate: formatTimePtr(f.LastContactDate),
		NextFollowUp:    formatTimePtr(f.NextFollowUp),
	}
}

type RecordActivityRequest struct {
	OutreachType string `json:"outreachType"`
	// OccurredAt is RFC 3339; defaults to now.
	OccurredAt string `json:"occurredAt,omitempty"`
}

type ActivityDTO struct {
	ID           string `json:"id"`
	OutreachType string `json:"outreachType"`
	OccurredAt   string `json:"occurredAt"`
}

// =============================================================================
// LEADERBOARD
// =============================================================================

type LeaderboardEntryDTO struct {
	UserID      string `json:"userId"`
	Rank        int    `json:"rank"`
	Points      string `json:"points"`
	RefreshedAt string `json:"refreshedAt"`
}

func toLeaderboardDTO(e engage.LeaderboardEntry) LeaderboardEntryDTO {
	return LeaderboardEntryDTO{
		UserID:      e.UserID,
		Rank:        e.Rank,
		Points:      e.Points.String(),
		RefreshedAt: e.RefreshedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
