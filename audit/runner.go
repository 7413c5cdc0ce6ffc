/*
Package audit reconciles every participant against the program clock.

PURPOSE:
  The Runner is the orchestrator: it loads the program config and task
  definitions, resolves the participant set (optionally enrolling directory
  users who were never enrolled), and for each participant backfills task
  records, evaluates same-day completion, folds points and fires the bonus
  check. The outcome is a structured Report, never a transport error.

STATE MACHINE:
  Idle -> ConfigLoaded -> ParticipantsLoaded -> Reconciling
       -> LeaderboardRefresh (apply only) -> Reported

  Reported is always reached. Run-fatal failures (config missing, task
  definitions or participants unavailable) jump straight to Reported with
  success=false.

MODES:
  DryRun (default) computes every figure with zero writes.
  Apply writes task records, completions, points, enrollments, the cached
  current day and the leaderboard snapshot.

CONCURRENCY:
  Participants run sequentially unless Options.Workers > 1. Parallel passes
  are safe because task records are inserted ignore-on-conflict against the
  (user_id, day, task_id) unique key. Cancellation is honoured between
  participants only; a participant that has started runs to completion.

SEE ALSO:
  - tasks/reconciler.go, tasks/completion.go: per-participant steps
  - rewards/bonus.go: best-effort bonus side channel
  - scheduler.go: periodic apply-mode runs
*/
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/engagement-engine/engage"
	"github.com/warp/engagement-engine/rewards"
	"github.com/warp/engagement-engine/tasks"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// STATES
// =============================================================================

type State string

const (
	StateIdle               State = "idle"
	StateConfigLoaded       State = "config_loaded"
	StateParticipantsLoaded State = "participants_loaded"
	StateReconciling        State = "reconciling"
	StateLeaderboardRefresh State = "leaderboard_refresh"
	StateReported           State = "reported"
)

// =============================================================================
// REQUEST / REPORT
// =============================================================================

type Options struct {
	DryRun                    bool
	EnrollMissingParticipants bool
	// Workers bounds parallel participant passes. Values below 1 mean 1.
	Workers int
}

type Results struct {
	CurrentDay                 int      `json:"currentDay"`
	ActiveParticipants         int      `json:"activeParticipants"`
	MissingDailyTasks          int      `json:"missingDailyTasks"`
	ParticipantsWithZeroPoints int      `json:"participantsWithZeroPoints"`
	ParticipantsWithoutAnyTask int      `json:"participantsWithoutAnyTasks"`
	ParticipantsMissingDay1    int      `json:"participantsMissingDay1"`
	TasksBackfilled            int      `json:"tasksBackfilled"`
	TasksCreated               int      `json:"tasksCreated"`
	TasksCompleted             int      `json:"tasksCompleted"`
	BonusesAwarded             int      `json:"bonusesAwarded"`
	EligibleNotEnrolled        int      `json:"eligibleNotEnrolled"`
	EnrolledByAudit            int      `json:"enrolledByAudit"`
	Errors                     []string `json:"errors"`
}

type Report struct {
	RunID   string  `json:"runId,omitempty"`
	Success bool    `json:"success"`
	DryRun  bool    `json:"dryRun"`
	Results Results `json:"results"`
	Message string  `json:"message"`
}

// Store is everything a run reads or writes.
type Store interface {
	engage.ProgramStore
	engage.DefinitionStore
	engage.ParticipantStore
	engage.Directory
	engage.TaskStore
	engage.ActivityStore
	engage.PointsStore
	engage.LeaderboardStore
	engage.AuditRunStore
}

// =============================================================================
// RUNNER
// =============================================================================

type Runner struct {
	Store       Store
	Bonus       *rewards.BonusEvaluator
	CallTimeout time.Duration
	Now         func() time.Time
	Logger      *zap.Logger

	// OnState, when set, observes every state transition.
	OnState func(State)
}

func NewRunner(store Store, bonus *rewards.BonusEvaluator, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		Store:       store,
		Bonus:       bonus,
		CallTimeout: 30 * time.Second,
		Now:         time.Now,
		Logger:      logger,
	}
}

// run carries the state of one invocation.
type run struct {
	opts      Options
	state     State
	cfg       *engage.ProgramConfig
	day       int
	dayStart  time.Time
	defs      []engage.TaskDefinition
	users     []string
	// attempted counts participants whose pass started.
	attempted int
	report    Report
}

// participantOutcome is one participant's contribution to the results.
type participantOutcome struct {
	attempted  bool
	reconcile  tasks.Result
	completed  int
	zeroPoints bool
	bonus      bool
	errs       []string
}

// Run performs one audit. It never returns an error: failures are carried in
// the report.
func (r *Runner) Run(ctx context.Context, opts Options) Report {
	started := r.Now()
	ru := &run{
		opts:   opts,
		state:  StateIdle,
		report: Report{RunID: uuid.NewString(), DryRun: opts.DryRun, Results: Results{Errors: []string{}}},
	}
	r.observe(ru, StateIdle)

	if err := r.load(ctx, ru); err != nil {
		ru.report.Success = false
		ru.report.Message = err.Error()
		ru.report.Results.Errors = append(ru.report.Results.Errors, err.Error())
		r.Logger.Error("audit aborted", zap.Error(err), zap.Bool("dry_run", opts.DryRun))
		return r.finish(ctx, ru, started)
	}

	r.observe(ru, StateReconciling)
	cancelled := r.reconcileAll(ctx, ru)

	if !opts.DryRun && !cancelled {
		r.observe(ru, StateLeaderboardRefresh)
		if err := r.refreshLeaderboard(context.WithoutCancel(ctx), ru.users); err != nil {
			ru.report.Results.Errors = append(ru.report.Results.Errors, fmt.Sprintf("leaderboard: %v", err))
		}
	}

	res := &ru.report.Results
	switch {
	case cancelled:
		ru.report.Success = false
		ru.report.Message = fmt.Sprintf("Audit cancelled; %d participants not attempted", res.ActiveParticipants-ru.attempted)
	case opts.DryRun:
		ru.report.Success = true
		ru.report.Message = fmt.Sprintf("Dry run for day %d: %d participants, %d tasks would be backfilled, %d would complete",
			res.CurrentDay, res.ActiveParticipants, res.TasksBackfilled, res.TasksCompleted)
	default:
		ru.report.Success = true
		ru.report.Message = fmt.Sprintf("Audit applied for day %d: %d participants, %d tasks created, %d completed, %d enrolled",
			res.CurrentDay, res.ActiveParticipants, res.TasksCreated, res.TasksCompleted, res.EnrolledByAudit)
	}
	return r.finish(ctx, ru, started)
}

func (r *Runner) observe(ru *run, s State) {
	ru.state = s
	if r.OnState != nil {
		r.OnState(s)
	}
}

// =============================================================================
// LOADING - run-fatal steps
// =============================================================================

func (r *Runner) load(ctx context.Context, ru *run) error {
	cfg, err := r.Store.GetProgramConfig(ctx)
	switch {
	case engage.IsNotFound(err):
		return engage.ErrConfigMissing
	case err != nil:
		return fmt.Errorf("%w: %v", engage.ErrConfigMissing, err)
	case cfg == nil || !cfg.IsActive:
		return engage.ErrConfigMissing
	}
	ru.cfg = cfg
	ru.day = cfg.DayAt(r.Now())
	ru.dayStart = engage.DayDate(cfg.StartDate, ru.day)
	ru.report.Results.CurrentDay = ru.day
	r.observe(ru, StateConfigLoaded)

	defs, err := r.Store.ListTaskDefinitions(ctx, true)
	if err != nil {
		return fmt.Errorf("%w: %v", engage.ErrDefinitionFetch, err)
	}
	ru.defs = defs

	participants, err := r.Store.ListParticipants(ctx, false)
	if err != nil {
		return fmt.Errorf("%w: %v", engage.ErrParticipantFetch, err)
	}
	for _, p := range participants {
		if p.IsActive {
			ru.users = append(ru.users, p.UserID)
		}
	}

	if ru.opts.EnrollMissingParticipants {
		if err := r.enroll(ctx, ru, participants); err != nil {
			return err
		}
	}
	ru.report.Results.ActiveParticipants = len(ru.users)
	r.observe(ru, StateParticipantsLoaded)

	// the projection is written only once nothing run-fatal can follow
	if !ru.opts.DryRun && cfg.CurrentDay != ru.day {
		if err := r.Store.UpdateCurrentDay(ctx, ru.day); err != nil {
			ru.report.Results.Errors = append(ru.report.Results.Errors, fmt.Sprintf("update current day: %v", err))
		}
	}
	return nil
}

// enroll diffs the directory against every known participant. Deactivated
// participants are known and never re-enrolled. In dry-run mode the missing
// users join the run as virtual participants.
func (r *Runner) enroll(ctx context.Context, ru *run, participants []engage.Participant) error {
	users, err := r.Store.ListDirectoryUsers(ctx)
	if err != nil {
		return fmt.Errorf("%w: directory: %v", engage.ErrParticipantFetch, err)
	}
	known := make(map[string]bool, len(participants))
	for _, p := range participants {
		known[p.UserID] = true
	}

	res := &ru.report.Results
	for _, u := range users {
		if known[u.ID] {
			continue
		}
		res.EligibleNotEnrolled++
		if ru.opts.DryRun {
			ru.users = append(ru.users, u.ID)
			continue
		}
		err := r.Store.SaveParticipant(ctx, engage.Participant{UserID: u.ID, JoinedAt: r.Now(), IsActive: true})
		if err != nil {
			res.Errors = append(res.Errors, (&engage.ParticipantError{UserID: u.ID, Step: "enroll", Err: err}).Error())
			continue
		}
		res.EnrolledByAudit++
		ru.users = append(ru.users, u.ID)
	}
	return nil
}

// =============================================================================
// PER-PARTICIPANT RECONCILIATION
// =============================================================================

// reconcileAll fans participants out over a bounded pool and folds their
// outcomes in participant order. It reports whether cancellation left any
// participant unattempted.
func (r *Runner) reconcileAll(ctx context.Context, ru *run) bool {
	workers := ru.opts.Workers
	if workers < 1 {
		workers = 1
	}
	outcomes := make([]participantOutcome, len(ru.users))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, userID := range ru.users {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// a slot may free up only after cancellation
			if ctx.Err() != nil {
				return nil
			}
			outcomes[i] = r.participant(context.WithoutCancel(ctx), ru, userID)
			return nil
		})
	}
	_ = g.Wait()

	res := &ru.report.Results
	for _, o := range outcomes {
		if !o.attempted {
			continue
		}
		ru.attempted++
		res.TasksBackfilled += o.reconcile.Backfilled
		res.TasksCreated += o.reconcile.Created
		res.MissingDailyTasks += o.reconcile.MissingToday
		if o.reconcile.HadNoRecords {
			res.ParticipantsWithoutAnyTask++
		}
		if o.reconcile.MissingDay1 {
			res.ParticipantsMissingDay1++
		}
		res.TasksCompleted += o.completed
		if o.zeroPoints {
			res.ParticipantsWithZeroPoints++
		}
		if o.bonus {
			res.BonusesAwarded++
		}
		res.Errors = append(res.Errors, o.errs...)
	}
	return ru.attempted < len(ru.users)
}

func (r *Runner) participant(ctx context.Context, ru *run, userID string) participantOutcome {
	out := participantOutcome{attempted: true}
	fail := func(step string, err error) {
		perr := &engage.ParticipantError{UserID: userID, Step: step, Err: err}
		out.errs = append(out.errs, perr.Error())
		r.Logger.Warn("participant step failed", zap.String("user_id", userID), zap.String("step", step), zap.Error(err))
	}
	dry := ru.opts.DryRun

	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		out.reconcile, err = tasks.NewReconciler(r.Store, r.Logger).Reconcile(ctx, userID, ru.day, ru.defs, dry)
		return err
	})
	if err != nil {
		fail("reconcile", err)
	}

	var projected decimal.Decimal
	err = r.call(ctx, func(ctx context.Context) error {
		eval := tasks.NewCompletionEvaluator(r.Store, r.Store, r.Store, r.Logger)
		eval.Now = r.Now
		res, err := eval.Evaluate(ctx, userID, ru.day, ru.dayStart, ru.defs, dry)
		out.completed = len(res.Completed)
		if dry {
			projected = res.Points
		}
		return err
	})
	if err != nil {
		fail("complete", err)
	}

	err = r.call(ctx, func(ctx context.Context) error {
		total, err := rewards.NewLedger(r.Store).Total(ctx, userID)
		if err != nil {
			return err
		}
		out.zeroPoints = total.Add(projected).IsZero()
		return nil
	})
	if err != nil {
		fail("points", err)
	}

	if !dry && r.Bonus != nil {
		out.bonus = r.Bonus.Evaluate(ctx, userID) == rewards.BonusAwarded
	}
	return out
}

// call runs fn under the per-call timeout.
func (r *Runner) call(ctx context.Context, fn func(context.Context) error) error {
	if r.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.CallTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// =============================================================================
// LEADERBOARD & PERSISTENCE
// =============================================================================

func (r *Runner) refreshLeaderboard(ctx context.Context, users []string) error {
	return r.call(ctx, func(ctx context.Context) error {
		entries, err := r.Store.ListAllPoints(ctx)
		if err != nil {
			return err
		}
		board := rewards.Rank(users, rewards.Totals(entries), r.Now())
		return r.Store.ReplaceLeaderboard(ctx, board)
	})
}

func (r *Runner) finish(ctx context.Context, ru *run, started time.Time) Report {
	r.observe(ru, StateReported)

	body, err := json.Marshal(ru.report)
	if err == nil {
		err = r.Store.SaveAuditRun(context.WithoutCancel(ctx), engage.AuditRun{
			ID:          ru.report.RunID,
			DryRun:      ru.opts.DryRun,
			Success:     ru.report.Success,
			ReportJSON:  string(body),
			StartedAt:   started,
			CompletedAt: r.Now(),
		})
	}
	if err != nil {
		r.Logger.Error("failed to persist audit run", zap.String("run_id", ru.report.RunID), zap.Error(err))
	}

	res := ru.report.Results
	r.Logger.Info("audit finished",
		zap.String("run_id", ru.report.RunID),
		zap.Bool("success", ru.report.Success),
		zap.Bool("dry_run", ru.opts.DryRun),
		zap.Int("current_day", res.CurrentDay),
		zap.Int("participants", res.ActiveParticipants),
		zap.Int("backfilled", res.TasksBackfilled),
		zap.Int("created", res.TasksCreated),
		zap.Int("completed", res.TasksCompleted),
		zap.Int("errors", len(res.Errors)))
	return ru.report
}
