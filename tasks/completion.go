package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/engagement-engine/engage"
	"go.uber.org/zap"
)

// ActivityTaskCompleted is the ledger activity type for task points.
const ActivityTaskCompleted = "task_completed"

// CompletionResult describes one participant's current-day evaluation.
// Repaired lists records completed by an earlier pass whose points entry was
// missing and has now been appended.
type CompletionResult struct {
	Completed []engage.TaskKey
	Repaired  []engage.TaskKey
	Points    decimal.Decimal
}

// CompletionEvaluator marks current-day tasks completed from observed
// activity counts. It never un-completes a record.
type CompletionEvaluator struct {
	Tasks      engage.TaskStore
	Activities engage.ActivityStore
	Points     engage.PointsStore // optional; nil disables task points
	Now        func() time.Time
	Logger     *zap.Logger
}

func NewCompletionEvaluator(tasks engage.TaskStore, activities engage.ActivityStore, points engage.PointsStore, logger *zap.Logger) *CompletionEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompletionEvaluator{
		Tasks:      tasks,
		Activities: activities,
		Points:     points,
		Now:        time.Now,
		Logger:     logger,
	}
}

// Completable returns the definitions on day whose records are not yet
// completed and whose outreach count is satisfied. A definition without an
// outreach type is never auto-completed. Records absent from records are
// treated as not completed.
func Completable(day int, defs []engage.TaskDefinition, records []engage.TaskRecord, counts map[string]int) []engage.TaskDefinition {
	done := make(map[string]bool, len(records))
	for _, r := range records {
		if r.Day == day && r.Completed {
			done[r.TaskID] = true
		}
	}

	var out []engage.TaskDefinition
	for _, d := range defs {
		if !d.AppliesTo(day) || d.OutreachType == nil || done[d.ID] {
			continue
		}
		if counts[*d.OutreachType] >= d.Required() {
			out = append(out, d)
		}
	}
	return out
}

// Evaluate checks day (the current program day, starting at dayStart UTC
// midnight) for userID. In dry-run mode it only reports what would flip.
func (e *CompletionEvaluator) Evaluate(ctx context.Context, userID string, day int, dayStart time.Time, defs []engage.TaskDefinition, dryRun bool) (CompletionResult, error) {
	var res CompletionResult

	records, err := e.Tasks.ListTaskRecordsForDay(ctx, userID, day)
	if err != nil {
		return res, fmt.Errorf("list day %d records: %w", day, err)
	}
	counts, err := e.Activities.CountActivities(ctx, userID, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return res, fmt.Errorf("count activities: %w", err)
	}

	for _, d := range Completable(day, defs, records, counts) {
		key := engage.TaskKey{UserID: userID, Day: day, TaskID: d.ID}
		if dryRun {
			res.Completed = append(res.Completed, key)
			res.Points = res.Points.Add(taskPoints(d))
			continue
		}

		flipped, err := e.Tasks.MarkTaskCompleted(ctx, key, e.Now())
		if err != nil {
			return res, fmt.Errorf("complete %s: %w", d.ID, err)
		}
		if !flipped {
			// already completed by a concurrent pass, or the record is absent
			continue
		}
		res.Completed = append(res.Completed, key)

		if err := e.award(ctx, key, d); err != nil {
			return res, err
		}
		res.Points = res.Points.Add(taskPoints(d))
	}

	if dryRun {
		return res, nil
	}
	if err := e.settle(ctx, &res, userID, day, defs, records); err != nil {
		return res, err
	}
	return res, nil
}

// settle appends missing points for records that were already completed when
// the pass started. A flip whose ledger append failed would otherwise never be
// paid, since Completable skips completed records.
func (e *CompletionEvaluator) settle(ctx context.Context, res *CompletionResult, userID string, day int, defs []engage.TaskDefinition, records []engage.TaskRecord) error {
	if e.Points == nil {
		return nil
	}
	byID := make(map[string]engage.TaskDefinition, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}

	for _, r := range records {
		d, ok := byID[r.TaskID]
		if r.Day != day || !r.Completed || !ok || !taskPoints(d).IsPositive() {
			continue
		}
		key := engage.TaskKey{UserID: userID, Day: day, TaskID: r.TaskID}
		paid, err := e.Points.PointsKeyExists(ctx, TaskPointsKey(key))
		if err != nil {
			return fmt.Errorf("check points for %s: %w", r.TaskID, err)
		}
		if paid {
			continue
		}
		if err := e.award(ctx, key, d); err != nil {
			return err
		}
		e.Logger.Info("task points repaired",
			zap.String("user_id", userID),
			zap.String("task_id", r.TaskID),
			zap.Int("day", day))
		res.Repaired = append(res.Repaired, key)
		res.Points = res.Points.Add(taskPoints(d))
	}
	return nil
}

func (e *CompletionEvaluator) award(ctx context.Context, key engage.TaskKey, d engage.TaskDefinition) error {
	pts := taskPoints(d)
	if e.Points == nil || !pts.IsPositive() {
		return nil
	}
	err := e.Points.AppendPoints(ctx, engage.PointsEntry{
		ID:           uuid.NewString(),
		UserID:       key.UserID,
		ActivityType: ActivityTaskCompleted,
		PointsEarned: pts,
		CreatedAt:    e.Now(),
		Metadata: map[string]string{
			"task_id": key.TaskID,
			"day":     fmt.Sprint(key.Day),
		},
		IdempotencyKey: TaskPointsKey(key),
	})
	if errors.Is(err, engage.ErrDuplicateIdempotencyKey) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("award points for %s: %w", key.TaskID, err)
	}
	e.Logger.Debug("task points awarded",
		zap.String("user_id", key.UserID),
		zap.String("task_id", key.TaskID),
		zap.Int("day", key.Day),
		zap.String("points", pts.String()))
	return nil
}

// TaskPointsKey is the ledger idempotency key for a task's completion points.
func TaskPointsKey(key engage.TaskKey) string {
	return fmt.Sprintf("task:%s:%d:%s", key.UserID, key.Day, key.TaskID)
}

func taskPoints(d engage.TaskDefinition) decimal.Decimal {
	if d.Points == nil {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(*d.Points))
}
