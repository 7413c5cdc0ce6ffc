/*
Package reminders drives follow-up reminder emails from cadence rules.

PURPOSE:
  When a participant touches a contact, the next follow-up date is derived
  from the contact's relationship type and status. A sweep later emails the
  owner of every contact whose follow-up is due and re-derives the next
  date relative to the sweep instant, so repeated misses never compound.

DELIVERY:
  Sends go through the delivery gate with the idempotency key
  followup:<contact>:<due date>. A sweep that crashes after sending but
  before saving the new date will be suppressed as a duplicate next time.
  Transport errors stay in operator logs; the follow-up is left due and
  retried on the next sweep.

SEE ALSO:
  - engage/cadence.go: ResolveCadence
  - delivery/gate.go: the guarded sender
*/
package reminders

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/engagement-engine/delivery"
	"github.com/warp/engagement-engine/engage"
	"go.uber.org/zap"
)

// TemplateFollowUp is the email template for follow-up reminders.
const TemplateFollowUp = "follow_up_reminder"

// Sender is the subset of delivery.Gate the sweep needs.
type Sender interface {
	Send(ctx context.Context, req delivery.Request) (delivery.Result, error)
}

type Service struct {
	Contacts engage.ContactStore
	Rules    engage.RuleStore
	Sender   Sender
	Logger   *zap.Logger
}

func NewService(contacts engage.ContactStore, rules engage.RuleStore, sender Sender, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{Contacts: contacts, Rules: rules, Sender: sender, Logger: logger}
}

// SweepResult counts what one SendDue pass did.
type SweepResult struct {
	Due        int `json:"due"`
	Sent       int `json:"sent"`
	Duplicates int `json:"duplicates"`
	Stopped    int `json:"stopped"`
	Failed     int `json:"failed"`
}

// RecordContact stamps the contact as touched at and derives the next
// follow-up from the current rules.
func (s *Service) RecordContact(ctx context.Context, contactID string, at time.Time) (engage.ContactFollowUp, error) {
	contact, err := s.Contacts.GetContact(ctx, contactID)
	if err != nil {
		return engage.ContactFollowUp{}, fmt.Errorf("load contact %s: %w", contactID, err)
	}
	rules, err := s.Rules.ListRules(ctx)
	if err != nil {
		return engage.ContactFollowUp{}, fmt.Errorf("load cadence rules: %w", err)
	}

	res := engage.ResolveCadence(contact.Profile(), rules, at)
	touched := at.UTC()
	f := engage.ContactFollowUp{ContactID: contactID, LastContactDate: &touched, NextFollowUp: res.Due}
	if err := s.Contacts.SaveFollowUp(ctx, f); err != nil {
		return engage.ContactFollowUp{}, err
	}

	s.Logger.Debug("contact touched",
		zap.String("contact_id", contactID),
		zap.String("scope", string(res.Scope)),
		zap.Bool("reminder_scheduled", res.Due != nil))
	return f, nil
}

// SendDue reminds owners of every follow-up due at or before now.
func (s *Service) SendDue(ctx context.Context, now time.Time) (SweepResult, error) {
	var out SweepResult

	due, err := s.Contacts.ListDueFollowUps(ctx, now)
	if err != nil {
		return out, fmt.Errorf("list due follow-ups: %w", err)
	}
	rules, err := s.Rules.ListRules(ctx)
	if err != nil {
		return out, fmt.Errorf("load cadence rules: %w", err)
	}
	out.Due = len(due)

	for _, f := range due {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if err := s.remind(ctx, f, rules, now, &out); err != nil {
			out.Failed++
			s.Logger.Warn("follow-up reminder failed", zap.String("contact_id", f.ContactID), zap.Error(err))
		}
	}

	s.Logger.Info("reminder sweep finished",
		zap.Int("due", out.Due),
		zap.Int("sent", out.Sent),
		zap.Int("duplicates", out.Duplicates),
		zap.Int("stopped", out.Stopped),
		zap.Int("failed", out.Failed))
	return out, nil
}

func (s *Service) remind(ctx context.Context, f engage.ContactFollowUp, rules engage.RuleSet, now time.Time, out *SweepResult) error {
	contact, err := s.Contacts.GetContact(ctx, f.ContactID)
	if err != nil {
		return err
	}
	next := engage.ResolveCadence(contact.Profile(), rules, now)

	nextLabel := ""
	if next.Due != nil {
		nextLabel = next.Due.UTC().Format("2006-01-02")
	}
	res, err := s.Sender.Send(ctx, delivery.Request{
		TemplateKey:     TemplateFollowUp,
		RecipientEmail:  contact.OwnerEmail,
		RecipientUserID: contact.OwnerUserID,
		Variables: map[string]string{
			"contact_name":      contact.Name,
			"relationship_type": contact.RelationshipType,
			"next_follow_up":    nextLabel,
		},
		IdempotencyKey: FollowUpKey(f.ContactID, *f.NextFollowUp),
	})
	if err != nil {
		return err
	}
	if res.Duplicate {
		out.Duplicates++
	} else {
		out.Sent++
	}

	f.NextFollowUp = next.Due
	if next.Due == nil {
		out.Stopped++
	}
	return s.Contacts.SaveFollowUp(ctx, f)
}

// FollowUpKey is the delivery idempotency key for one due reminder.
func FollowUpKey(contactID string, due time.Time) string {
	return fmt.Sprintf("followup:%s:%s", contactID, due.UTC().Format("2006-01-02"))
}
