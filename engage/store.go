/*
store.go - Persistence interfaces for the engagement engine

PURPOSE:
  Defines the boundary between the reconciliation logic and the database.
  Components accept the narrowest interface they need so tests can swap in
  failing or counting fakes.

UNIQUENESS CONTRACT:
  CreateTaskRecords inserts with ignore-on-conflict semantics against the
  (user_id, day, task_id) unique key and returns how many rows were actually
  written. Two reconciliation passes racing on one participant therefore
  cannot double-insert, and no explicit lock is needed.

APPEND-ONLY POINTS:
  The points ledger has no update or delete. Totals are a fold over the log.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go

SEE ALSO:
  - tasks/reconciler.go: main consumer of TaskStore
*/
package engage

import (
	"context"
	"time"
)

// ProgramStore holds the singleton program config.
type ProgramStore interface {
	// GetProgramConfig returns the active config or ErrNotFound.
	GetProgramConfig(ctx context.Context) (*ProgramConfig, error)
	SaveProgramConfig(ctx context.Context, cfg ProgramConfig) error
	// UpdateCurrentDay rewrites the cached projection.
	UpdateCurrentDay(ctx context.Context, day int) error
}

type DefinitionStore interface {
	ListTaskDefinitions(ctx context.Context, activeOnly bool) ([]TaskDefinition, error)
	SaveTaskDefinition(ctx context.Context, def TaskDefinition) error
}

type ParticipantStore interface {
	ListParticipants(ctx context.Context, activeOnly bool) ([]Participant, error)
	SaveParticipant(ctx context.Context, p Participant) error
	DeactivateParticipant(ctx context.Context, userID string) error
}

// Directory is the identity provider's user set.
type Directory interface {
	ListDirectoryUsers(ctx context.Context) ([]DirectoryUser, error)
}

type TaskStore interface {
	// ListTaskRecords returns every record for the user across all days.
	ListTaskRecords(ctx context.Context, userID string) ([]TaskRecord, error)
	ListTaskRecordsForDay(ctx context.Context, userID string, day int) ([]TaskRecord, error)
	// CreateTaskRecords inserts the batch, skipping keys that already exist.
	CreateTaskRecords(ctx context.Context, recs []TaskRecord) (int, error)
	// MarkTaskCompleted flips completed false->true. Returns false when the
	// record was already completed or does not exist.
	MarkTaskCompleted(ctx context.Context, key TaskKey, at time.Time) (bool, error)
}

type ActivityStore interface {
	RecordActivity(ctx context.Context, a Activity) error
	// CountActivities returns per-outreach-type counts in [from, to).
	CountActivities(ctx context.Context, userID string, from, to time.Time) (map[string]int, error)
}

type PointsStore interface {
	// AppendPoints returns ErrDuplicateIdempotencyKey if the key exists.
	AppendPoints(ctx context.Context, e PointsEntry) error
	ListPoints(ctx context.Context, userID string) ([]PointsEntry, error)
	ListAllPoints(ctx context.Context) ([]PointsEntry, error)
	PointsKeyExists(ctx context.Context, key string) (bool, error)
}

type LeaderboardStore interface {
	ReplaceLeaderboard(ctx context.Context, entries []LeaderboardEntry) error
	GetLeaderboard(ctx context.Context) ([]LeaderboardEntry, error)
}

type RuleStore interface {
	ListRules(ctx context.Context) (RuleSet, error)
	SaveRule(ctx context.Context, r RelationshipRule) error
}

type ContactStore interface {
	GetContact(ctx context.Context, id string) (*Contact, error)
	SaveContact(ctx context.Context, c Contact) error
	GetFollowUp(ctx context.Context, contactID string) (*ContactFollowUp, error)
	SaveFollowUp(ctx context.Context, f ContactFollowUp) error
	// ListDueFollowUps returns follow-ups with NextFollowUp <= now.
	ListDueFollowUps(ctx context.Context, now time.Time) ([]ContactFollowUp, error)
}

// AuditRun is a persisted audit report.
type AuditRun struct {
	ID          string
	DryRun      bool
	Success     bool
	ReportJSON  string
	StartedAt   time.Time
	CompletedAt time.Time
}

type AuditRunStore interface {
	SaveAuditRun(ctx context.Context, run AuditRun) error
	ListAuditRuns(ctx context.Context, limit int) ([]AuditRun, error)
}
