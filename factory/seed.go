/*
Package factory converts authored documents into typed domain values.

PURPOSE:
  Admins author task definitions, cadence rules and the program window as
  YAML (or JSON, which parses as YAML) seed files, or post the same shapes
  to the admin API. The factory validates them, applies defaults and
  produces engage types with explicit optional fields.

SEED SCHEMA:
  program:
    start_date: 2024-01-01
    total_days: 75
  task_definitions:
    - id: daily-calls
      title: Make three calls
      sort_order: 1
      outreach_type: call
      count_required: 3
      points: 10
    - id: kickoff
      title: Kickoff meeting
      applicable_days: [1]
  rules:
    - {scope: relationship, key: mentor, enabled: true, value: 2, unit: weeks}
    - {scope: fallback, enabled: true, value: 1, unit: months}
  users:
    - {id: u1, email: ada@example.com, name: Ada}
  participants: [u1]
  contacts:
    - {id: c1, owner_user_id: u1, owner_email: ada@example.com, name: Grace, relationship_type: mentor, status: active}

DEFAULTS:
  - is_active defaults to true for definitions and the program
  - enabled defaults to true for rules
  - omitted count_required, applicable_days, outreach_type, points stay nil

SEE ALSO:
  - engage/types.go: target types
  - api/handlers.go: admin endpoints decode the same document types
*/
package factory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/engagement-engine/engage"
)

// ErrInvalidSeed is returned for documents that fail validation.
var ErrInvalidSeed = errors.New("invalid seed document")

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

type Seed struct {
	Program         *ProgramDoc     `yaml:"program" json:"program,omitempty"`
	TaskDefinitions []DefinitionDoc `yaml:"task_definitions" json:"taskDefinitions,omitempty"`
	Rules           []RuleDoc       `yaml:"rules" json:"rules,omitempty"`
	Users           []UserDoc       `yaml:"users" json:"users,omitempty"`
	Participants    []string        `yaml:"participants" json:"participants,omitempty"`
	Contacts        []ContactDoc    `yaml:"contacts" json:"contacts,omitempty"`
}

type ProgramDoc struct {
	StartDate string `yaml:"start_date" json:"startDate"`
	TotalDays int    `yaml:"total_days" json:"totalDays"`
	IsActive  *bool  `yaml:"is_active" json:"isActive,omitempty"`
}

type DefinitionDoc struct {
	ID             string  `yaml:"id" json:"id"`
	Title          string  `yaml:"title" json:"title"`
	SortOrder      int     `yaml:"sort_order" json:"sortOrder"`
	IsActive       *bool   `yaml:"is_active" json:"isActive,omitempty"`
	OutreachType   *string `yaml:"outreach_type" json:"outreachType,omitempty"`
	CountRequired  *int    `yaml:"count_required" json:"countRequired,omitempty"`
	ApplicableDays []int   `yaml:"applicable_days" json:"applicableDays,omitempty"`
	Points         *int    `yaml:"points" json:"points,omitempty"`
}

type RuleDoc struct {
	Scope   string  `yaml:"scope" json:"scope"`
	Key     string  `yaml:"key" json:"key,omitempty"`
	Enabled *bool   `yaml:"enabled" json:"enabled,omitempty"`
	Value   *int    `yaml:"value" json:"value,omitempty"`
	Unit    *string `yaml:"unit" json:"unit,omitempty"`
}

type UserDoc struct {
	ID    string `yaml:"id" json:"id"`
	Email string `yaml:"email" json:"email"`
	Name  string `yaml:"name" json:"name"`
}

type ContactDoc struct {
	ID               string `yaml:"id" json:"id"`
	OwnerUserID      string `yaml:"owner_user_id" json:"ownerUserId"`
	OwnerEmail       string `yaml:"owner_email" json:"ownerEmail"`
	Name             string `yaml:"name" json:"name"`
	RelationshipType string `yaml:"relationship_type" json:"relationshipType"`
	Status           string `yaml:"status" json:"status"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseSeed decodes and validates a YAML or JSON seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(data)
}

func (s *Seed) Validate() error {
	if s.Program != nil {
		if _, err := s.Program.ToConfig(); err != nil {
			return err
		}
	}
	seen := make(map[string]bool)
	for _, d := range s.TaskDefinitions {
		if _, err := d.ToDefinition(); err != nil {
			return err
		}
		if seen[d.ID] {
			return fmt.Errorf("%w: duplicate task definition %q", ErrInvalidSeed, d.ID)
		}
		seen[d.ID] = true
	}
	for _, r := range s.Rules {
		if _, err := r.ToRule(); err != nil {
			return err
		}
	}
	for _, c := range s.Contacts {
		if c.ID == "" || c.OwnerUserID == "" || c.OwnerEmail == "" {
			return fmt.Errorf("%w: contact needs id, owner_user_id and owner_email", ErrInvalidSeed)
		}
	}
	return nil
}

// =============================================================================
// CONVERSION
// =============================================================================

func (p ProgramDoc) ToConfig() (engage.ProgramConfig, error) {
	start, err := time.Parse("2006-01-02", p.StartDate)
	if err != nil {
		start, err = time.Parse(time.RFC3339, p.StartDate)
	}
	if err != nil {
		return engage.ProgramConfig{}, fmt.Errorf("%w: program start_date %q", ErrInvalidSeed, p.StartDate)
	}
	if p.TotalDays < 1 {
		return engage.ProgramConfig{}, fmt.Errorf("%w: program total_days must be at least 1", ErrInvalidSeed)
	}
	return engage.ProgramConfig{
		StartDate:  engage.Midnight(start),
		TotalDays:  p.TotalDays,
		CurrentDay: 1,
		IsActive:   boolOr(p.IsActive, true),
	}, nil
}

func (d DefinitionDoc) ToDefinition() (engage.TaskDefinition, error) {
	if d.ID == "" {
		return engage.TaskDefinition{}, fmt.Errorf("%w: task definition without id", ErrInvalidSeed)
	}
	if d.CountRequired != nil && *d.CountRequired < 1 {
		return engage.TaskDefinition{}, fmt.Errorf("%w: %s: count_required must be at least 1", ErrInvalidSeed, d.ID)
	}
	if d.CountRequired != nil && d.OutreachType == nil {
		return engage.TaskDefinition{}, fmt.Errorf("%w: %s: count_required needs outreach_type", ErrInvalidSeed, d.ID)
	}
	for _, day := range d.ApplicableDays {
		if day < 1 {
			return engage.TaskDefinition{}, fmt.Errorf("%w: %s: applicable day %d", ErrInvalidSeed, d.ID, day)
		}
	}
	if d.Points != nil && *d.Points < 0 {
		return engage.TaskDefinition{}, fmt.Errorf("%w: %s: negative points", ErrInvalidSeed, d.ID)
	}
	title := d.Title
	if title == "" {
		title = d.ID
	}
	return engage.TaskDefinition{
		ID:             d.ID,
		Title:          title,
		SortOrder:      d.SortOrder,
		IsActive:       boolOr(d.IsActive, true),
		OutreachType:   d.OutreachType,
		CountRequired:  d.CountRequired,
		ApplicableDays: d.ApplicableDays,
		Points:         d.Points,
	}, nil
}

func (r RuleDoc) ToRule() (engage.RelationshipRule, error) {
	scope := engage.RuleScope(r.Scope)
	switch scope {
	case engage.ScopeRelationship, engage.ScopeStatus:
		if r.Key == "" {
			return engage.RelationshipRule{}, fmt.Errorf("%w: %s rule needs a key", ErrInvalidSeed, scope)
		}
	case engage.ScopeFallback:
		if r.Key != "" {
			return engage.RelationshipRule{}, fmt.Errorf("%w: fallback rule takes no key", ErrInvalidSeed)
		}
	default:
		return engage.RelationshipRule{}, fmt.Errorf("%w: unknown rule scope %q", ErrInvalidSeed, r.Scope)
	}

	rule := engage.RelationshipRule{Scope: scope, Key: r.Key, Enabled: boolOr(r.Enabled, true), Value: r.Value}
	if r.Value != nil && *r.Value < 0 {
		return engage.RelationshipRule{}, fmt.Errorf("%w: negative rule value", ErrInvalidSeed)
	}
	if r.Unit != nil {
		u := engage.Unit(*r.Unit)
		if !u.Valid() {
			return engage.RelationshipRule{}, fmt.Errorf("%w: unknown unit %q", ErrInvalidSeed, *r.Unit)
		}
		rule.Unit = &u
	}
	return rule, nil
}

func (c ContactDoc) ToContact() engage.Contact {
	return engage.Contact{
		ID:               c.ID,
		OwnerUserID:      c.OwnerUserID,
		OwnerEmail:       c.OwnerEmail,
		Name:             c.Name,
		RelationshipType: c.RelationshipType,
		Status:           c.Status,
	}
}

// =============================================================================
// APPLYING
// =============================================================================

// SeedStore is everything Apply writes to.
type SeedStore interface {
	engage.ProgramStore
	engage.DefinitionStore
	engage.RuleStore
	engage.ParticipantStore
	engage.ContactStore
	SaveDirectoryUser(ctx context.Context, u engage.DirectoryUser) error
}

// Apply upserts every document. Task definitions are edited in place; task
// records are never touched here.
func (s *Seed) Apply(ctx context.Context, store SeedStore, now time.Time) error {
	if s.Program != nil {
		cfg, err := s.Program.ToConfig()
		if err != nil {
			return err
		}
		cfg.CurrentDay = cfg.DayAt(now)
		if err := store.SaveProgramConfig(ctx, cfg); err != nil {
			return err
		}
	}
	for _, d := range s.TaskDefinitions {
		def, err := d.ToDefinition()
		if err != nil {
			return err
		}
		if err := store.SaveTaskDefinition(ctx, def); err != nil {
			return err
		}
	}
	for _, r := range s.Rules {
		rule, err := r.ToRule()
		if err != nil {
			return err
		}
		if err := store.SaveRule(ctx, rule); err != nil {
			return err
		}
	}
	for _, u := range s.Users {
		if err := store.SaveDirectoryUser(ctx, engage.DirectoryUser{ID: u.ID, Email: u.Email, Name: u.Name}); err != nil {
			return err
		}
	}
	for _, id := range s.Participants {
		if err := store.SaveParticipant(ctx, engage.Participant{UserID: id, JoinedAt: now, IsActive: true}); err != nil {
			return err
		}
	}
	for _, c := range s.Contacts {
		if err := store.SaveContact(ctx, c.ToContact()); err != nil {
			return err
		}
	}
	return nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
