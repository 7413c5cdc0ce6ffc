/*
Package tasks materialises and completes per-participant daily checklists.

PURPOSE:
  The Reconciler brings a participant's persisted TaskRecords into
  agreement with what the program clock says should exist: one record per
  (day, active applicable definition) for days 1..currentDay. It backfills
  any gap, however long, in a single batched write.

  The CompletionEvaluator flips current-day records to completed when the
  observed outreach activity satisfies the definition.

INVARIANTS:
  - Existing records are never deleted or recreated; their completion
    state is load-bearing.
  - Completed only goes false -> true.
  - Racing passes are safe: inserts skip keys that already exist.

SEE ALSO:
  - engage/store.go: TaskStore contract
  - audit/runner.go: drives both components for every participant
*/
package tasks

import (
	"context"
	"fmt"

	"github.com/warp/engagement-engine/engage"
	"go.uber.org/zap"
)

// Result describes one participant's reconciliation.
type Result struct {
	UserID string
	// Backfilled is the number of (day, definition) pairs missing before the
	// pass. In dry-run mode nothing is written.
	Backfilled int
	// Created is the number of rows actually inserted.
	Created int
	// MissingToday counts current-day pairs found missing by the separate
	// current-day check. After a successful apply backfill it is normally 0.
	MissingToday int
	// HadNoRecords and MissingDay1 describe the state before the pass.
	HadNoRecords bool
	MissingDay1  bool
}

// Reconciler backfills missing task records.
type Reconciler struct {
	Store  engage.TaskStore
	Logger *zap.Logger
}

func NewReconciler(store engage.TaskStore, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{Store: store, Logger: logger}
}

// Required lists every (day, definition) pair that must exist for days
// 1..currentDay, in day then sort order.
func Required(userID string, currentDay int, defs []engage.TaskDefinition) []engage.TaskRecord {
	var out []engage.TaskRecord
	for day := 1; day <= currentDay; day++ {
		out = append(out, RequiredOn(userID, day, defs)...)
	}
	return out
}

// RequiredOn lists the pairs that must exist on a single day.
func RequiredOn(userID string, day int, defs []engage.TaskDefinition) []engage.TaskRecord {
	var out []engage.TaskRecord
	for _, d := range defs {
		if d.AppliesTo(day) {
			out = append(out, engage.TaskRecord{UserID: userID, Day: day, TaskID: d.ID})
		}
	}
	return out
}

// Missing returns the required records whose keys are not in existing.
func Missing(required, existing []engage.TaskRecord) []engage.TaskRecord {
	have := make(map[engage.TaskKey]bool, len(existing))
	for _, r := range existing {
		have[r.Key()] = true
	}
	var out []engage.TaskRecord
	for _, r := range required {
		if !have[r.Key()] {
			out = append(out, r)
		}
	}
	return out
}

// Reconcile fetches the participant's records once, computes the missing
// set and creates it in one batch. It then re-checks the current day on its
// own and fills anything still missing.
func (r *Reconciler) Reconcile(ctx context.Context, userID string, currentDay int, defs []engage.TaskDefinition, dryRun bool) (Result, error) {
	res := Result{UserID: userID}

	existing, err := r.Store.ListTaskRecords(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("list task records: %w", err)
	}
	res.HadNoRecords = len(existing) == 0

	missing := Missing(Required(userID, currentDay, defs), existing)
	res.Backfilled = len(missing)
	for _, m := range missing {
		if m.Day == 1 {
			res.MissingDay1 = true
			break
		}
	}

	if dryRun {
		for _, m := range missing {
			if m.Day == currentDay {
				res.MissingToday++
			}
		}
		return res, nil
	}

	if len(missing) > 0 {
		created, err := r.Store.CreateTaskRecords(ctx, missing)
		if err != nil {
			return res, fmt.Errorf("backfill %d records: %w", len(missing), err)
		}
		res.Created = created
		if created < len(missing) {
			r.Logger.Info("backfill skipped records created concurrently",
				zap.String("user_id", userID),
				zap.Int("missing", len(missing)),
				zap.Int("created", created))
		}
	}

	today, err := r.Store.ListTaskRecordsForDay(ctx, userID, currentDay)
	if err != nil {
		return res, fmt.Errorf("recheck day %d: %w", currentDay, err)
	}
	stillMissing := Missing(RequiredOn(userID, currentDay, defs), today)
	if len(stillMissing) > 0 {
		res.MissingToday = len(stillMissing)
		r.Logger.Warn("current day records missing after backfill",
			zap.String("user_id", userID),
			zap.Int("day", currentDay),
			zap.Int("missing", len(stillMissing)))
		created, err := r.Store.CreateTaskRecords(ctx, stillMissing)
		if err != nil {
			return res, fmt.Errorf("create day %d records: %w", currentDay, err)
		}
		res.Created += created
	}

	return res, nil
}
