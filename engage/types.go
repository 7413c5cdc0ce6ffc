/*
Package engage provides the core engagement engine.

PURPOSE:
  Domain types and pure derivations shared by every other package:
  the program clock (which day of the program is it), the cadence
  resolver (when is a contact due again), and the persistence
  interfaces the reconciliation components are written against.

KEY CONCEPTS IN THIS FILE (types.go):
  - Participant: an enrolled user, deactivated but never deleted
  - TaskDefinition: admin-authored checklist item with optional fields
  - TaskRecord: one (user, day, task) checklist row, unique per key
  - ProgramConfig: singleton program window; CurrentDay is a projection
  - RelationshipRule: cadence rule scoped to relationship, status or fallback
  - PointsEntry: append-only ledger row; totals are always a fold

DESIGN PRINCIPLES:
  1. Derived over stored: CurrentDay and NextFollowUp are recomputable
  2. One-directional: TaskRecord.Completed never goes back to false
  3. Explicit optionals: pointer fields instead of loosely typed maps

SEE ALSO:
  - clock.go: ProgramClock
  - cadence.go: CadenceResolver
  - store.go: persistence interfaces
*/
package engage

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PARTICIPANTS & DIRECTORY
// =============================================================================

// Participant is a user enrolled in the program.
type Participant struct {
	UserID   string
	JoinedAt time.Time
	IsActive bool
}

// DirectoryUser is a user known to the identity provider. Not every
// directory user is enrolled as a Participant.
type DirectoryUser struct {
	ID    string
	Email string
	Name  string
}

// =============================================================================
// TASKS
// =============================================================================

// TaskDefinition is an admin-authored checklist item. Optional fields are
// nil when unset.
type TaskDefinition struct {
	ID             string
	Title          string
	SortOrder      int
	IsActive       bool
	OutreachType   *string // activity type that auto-completes the task
	CountRequired  *int    // activities needed; nil means 1
	ApplicableDays []int   // nil means every day
	Points         *int    // points awarded on completion
}

// AppliesTo reports whether the definition produces a record on the given day.
func (d TaskDefinition) AppliesTo(day int) bool {
	if !d.IsActive {
		return false
	}
	if d.ApplicableDays == nil {
		return true
	}
	for _, n := range d.ApplicableDays {
		if n == day {
			return true
		}
	}
	return false
}

// Required returns the activity count needed to complete the task.
func (d TaskDefinition) Required() int {
	if d.CountRequired == nil || *d.CountRequired < 1 {
		return 1
	}
	return *d.CountRequired
}

// TaskKey is the unique key of a TaskRecord.
type TaskKey struct {
	UserID string
	Day    int
	TaskID string
}

// TaskRecord is one materialised checklist item for a participant and day.
type TaskRecord struct {
	UserID      string
	Day         int
	TaskID      string
	Completed   bool
	CompletedAt *time.Time
}

func (r TaskRecord) Key() TaskKey {
	return TaskKey{UserID: r.UserID, Day: r.Day, TaskID: r.TaskID}
}

// Activity is an observed outreach action by a participant.
type Activity struct {
	ID           string
	UserID       string
	OutreachType string
	OccurredAt   time.Time
}

// =============================================================================
// PROGRAM
// =============================================================================

// ProgramConfig is the singleton program window. CurrentDay is a cached
// projection of CurrentDay(StartDate, TotalDays, now) and is never read as
// the source of truth.
type ProgramConfig struct {
	StartDate  time.Time
	TotalDays  int
	CurrentDay int
	IsActive   bool
}

// DayAt recomputes the program day for now.
func (c ProgramConfig) DayAt(now time.Time) int {
	return CurrentDay(c.StartDate, c.TotalDays, now)
}

// =============================================================================
// CONTACTS & CADENCE
// =============================================================================

type RuleScope string

const (
	ScopeRelationship RuleScope = "relationship"
	ScopeStatus       RuleScope = "status"
	ScopeFallback     RuleScope = "fallback"
)

type Unit string

const (
	UnitDays   Unit = "days"
	UnitWeeks  Unit = "weeks"
	UnitMonths Unit = "months"
)

func (u Unit) Valid() bool {
	return u == UnitDays || u == UnitWeeks || u == UnitMonths
}

// RelationshipRule configures the reminder cadence for one scope key.
// Fallback rules use an empty Key.
type RelationshipRule struct {
	Scope   RuleScope
	Key     string
	Enabled bool
	Value   *int
	Unit    *Unit
}

// Contact is a person a participant maintains a relationship with.
type Contact struct {
	ID               string
	OwnerUserID      string
	OwnerEmail       string
	Name             string
	RelationshipType string
	Status           string
}

// Profile returns the inputs the cadence resolver looks at.
func (c Contact) Profile() ContactProfile {
	return ContactProfile{RelationshipType: c.RelationshipType, Status: c.Status}
}

// ContactFollowUp holds derived follow-up state. A nil NextFollowUp means no
// further automated reminders.
type ContactFollowUp struct {
	ContactID       string
	LastContactDate *time.Time
	NextFollowUp    *time.Time
}

// =============================================================================
// POINTS
// =============================================================================

// PointsEntry is an append-only ledger row.
type PointsEntry struct {
	ID             string
	UserID         string
	ActivityType   string
	PointsEarned   decimal.Decimal
	CreatedAt      time.Time
	Metadata       map[string]string
	IdempotencyKey string
}

// LeaderboardEntry is one row of the leaderboard snapshot.
type LeaderboardEntry struct {
	UserID      string
	Rank        int
	Points      decimal.Decimal
	RefreshedAt time.Time
}
