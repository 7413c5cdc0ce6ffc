/*
Package rewards holds the points ledger, the leaderboard and bonus checks.

PURPOSE:
  Points are never a mutable counter. Every award is an append-only ledger
  entry, and a participant's total is a fold over their entries. The
  leaderboard is a snapshot of those folds, refreshed by apply-mode audits.

IDEMPOTENCY:
  Awards carry an idempotency key (task completion, streak bonus). A
  duplicate key is a successful no-op, so re-running a pass never
  double-awards.

SEE ALSO:
  - bonus.go: BonusEvaluator and checkers
  - tasks/completion.go: task completion points
*/
package rewards

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/engagement-engine/engage"
)

// =============================================================================
// LEDGER - Append-only points log
// =============================================================================

type Ledger struct {
	Store engage.PointsStore
}

func NewLedger(store engage.PointsStore) *Ledger {
	return &Ledger{Store: store}
}

// Award appends an entry. It reports false when the idempotency key was
// already used, which is not an error.
func (l *Ledger) Award(ctx context.Context, e engage.PointsEntry) (bool, error) {
	if e.IdempotencyKey != "" {
		exists, err := l.Store.PointsKeyExists(ctx, e.IdempotencyKey)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
	}
	err := l.Store.AppendPoints(ctx, e)
	if errors.Is(err, engage.ErrDuplicateIdempotencyKey) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Total folds the user's entries.
func (l *Ledger) Total(ctx context.Context, userID string) (decimal.Decimal, error) {
	entries, err := l.Store.ListPoints(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return Sum(entries), nil
}

func Sum(entries []engage.PointsEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.PointsEarned)
	}
	return total
}

// Totals folds all entries per user.
func Totals(entries []engage.PointsEntry) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, e := range entries {
		out[e.UserID] = out[e.UserID].Add(e.PointsEarned)
	}
	return out
}

// =============================================================================
// LEADERBOARD
// =============================================================================

// Rank builds a leaderboard for the given users from their totals. Users
// without entries rank with zero points. Ties share a rank and the next rank
// skips (1, 1, 3).
func Rank(userIDs []string, totals map[string]decimal.Decimal, at time.Time) []engage.LeaderboardEntry {
	entries := make([]engage.LeaderboardEntry, 0, len(userIDs))
	for _, id := range userIDs {
		entries = append(entries, engage.LeaderboardEntry{UserID: id, Points: totals[id], RefreshedAt: at})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if c := entries[i].Points.Cmp(entries[j].Points); c != 0 {
			return c > 0
		}
		return entries[i].UserID < entries[j].UserID
	})
	for i := range entries {
		if i > 0 && entries[i].Points.Equal(entries[i-1].Points) {
			entries[i].Rank = entries[i-1].Rank
		} else {
			entries[i].Rank = i + 1
		}
	}
	return entries
}
