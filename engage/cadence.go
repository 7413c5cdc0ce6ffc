package engage

import (
	"fmt"
	"time"
)

// =============================================================================
// CADENCE RESOLVER
// =============================================================================

// ContactProfile is what cadence rules are matched against.
type ContactProfile struct {
	RelationshipType string
	Status           string
}

// RuleSet is the full set of cadence rules. Rules are looked up by priority
// and never merged across scopes.
type RuleSet []RelationshipRule

func (rs RuleSet) find(scope RuleScope, key string) (RelationshipRule, bool) {
	for _, r := range rs {
		if r.Scope == scope && r.Key == key {
			return r, true
		}
	}
	return RelationshipRule{}, false
}

// Resolution is the outcome of resolving a contact's cadence. Due is nil when
// no further reminder should be sent.
type Resolution struct {
	Scope RuleScope
	Rule  *RelationshipRule
	Due   *time.Time
}

// ResolveCadence selects exactly one rule for the profile and computes the
// next due instant relative to ref.
//
// Priority: an enabled relationship rule, else an enabled status rule, else
// the fallback. A disabled fallback or a selected rule without value/unit
// means no further reminder. A zero-day rule is due at ref itself.
func ResolveCadence(p ContactProfile, rules RuleSet, ref time.Time) Resolution {
	rule, ok := selectRule(p, rules)
	if !ok {
		return Resolution{}
	}
	res := Resolution{Scope: rule.Scope, Rule: &rule}
	if !rule.Enabled || rule.Value == nil || rule.Unit == nil {
		return res
	}
	due, err := Advance(ref, *rule.Value, *rule.Unit)
	if err != nil {
		return res
	}
	res.Due = &due
	return res
}

func selectRule(p ContactProfile, rules RuleSet) (RelationshipRule, bool) {
	if p.RelationshipType != "" {
		if r, ok := rules.find(ScopeRelationship, p.RelationshipType); ok && r.Enabled {
			return r, true
		}
	}
	if p.Status != "" {
		if r, ok := rules.find(ScopeStatus, p.Status); ok && r.Enabled {
			return r, true
		}
	}
	return rules.find(ScopeFallback, "")
}

// Advance adds value units to ref. Months are calendar months with the day of
// month clamped to the end of the target month (Jan 31 + 1 month = Feb 28/29).
func Advance(ref time.Time, value int, unit Unit) (time.Time, error) {
	if value < 0 {
		return time.Time{}, fmt.Errorf("%w: negative value %d", ErrInvalidRule, value)
	}
	switch unit {
	case UnitDays:
		if value == 0 {
			return ref, nil
		}
		return ref.AddDate(0, 0, value), nil
	case UnitWeeks:
		return ref.AddDate(0, 0, 7*value), nil
	case UnitMonths:
		return addMonthsClamped(ref, value), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown unit %q", ErrInvalidRule, unit)
	}
}

func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	last := time.Date(y, m+time.Month(n)+1, 0, 0, 0, 0, 0, t.Location()).Day()
	if d > last {
		d = last
	}
	return time.Date(y, m+time.Month(n), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
