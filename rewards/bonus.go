package rewards

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/engagement-engine/engage"
	"go.uber.org/zap"
)

// =============================================================================
// BONUS OUTCOMES
// =============================================================================

// BonusOutcome is the result of a best-effort bonus check.
type BonusOutcome string

const (
	BonusAwarded        BonusOutcome = "awarded"
	BonusAlreadyAwarded BonusOutcome = "already_awarded"
	BonusNotEligible    BonusOutcome = "not_eligible"
	BonusUnknownFailure BonusOutcome = "unknown_failure"
)

// BonusChecker runs the bonus rules for one participant. Implementations
// must be idempotent: re-checking an already-awarded bonus is a no-op.
type BonusChecker interface {
	Check(ctx context.Context, userID string) (BonusOutcome, error)
}

// =============================================================================
// BONUS EVALUATOR - fire-and-forget side channel
// =============================================================================

// BonusEvaluator wraps a checker so failures never propagate: any error,
// timeout or panic becomes BonusUnknownFailure and is logged.
type BonusEvaluator struct {
	Checker BonusChecker
	Timeout time.Duration
	Logger  *zap.Logger
}

func NewBonusEvaluator(checker BonusChecker, timeout time.Duration, logger *zap.Logger) *BonusEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BonusEvaluator{Checker: checker, Timeout: timeout, Logger: logger}
}

func (b *BonusEvaluator) Evaluate(ctx context.Context, userID string) (outcome BonusOutcome) {
	if b == nil || b.Checker == nil {
		return BonusNotEligible
	}
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			b.Logger.Error("bonus check panicked", zap.String("user_id", userID), zap.Any("panic", r))
			outcome = BonusUnknownFailure
		}
	}()

	outcome, err := b.Checker.Check(ctx, userID)
	if err != nil {
		b.Logger.Warn("bonus check failed", zap.String("user_id", userID), zap.Error(err))
		return BonusUnknownFailure
	}
	switch outcome {
	case BonusAwarded, BonusAlreadyAwarded, BonusNotEligible:
		return outcome
	default:
		b.Logger.Warn("bonus check returned unknown outcome",
			zap.String("user_id", userID), zap.String("outcome", string(outcome)))
		return BonusUnknownFailure
	}
}

// =============================================================================
// HTTP CHECKER - external rule-check service
// =============================================================================

// HTTPBonusChecker calls POST {BaseURL}/bonuses/evaluate.
type HTTPBonusChecker struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

type bonusRequest struct {
	UserID string `json:"userId"`
}

type bonusResponse struct {
	Status string `json:"status"`
}

func (h *HTTPBonusChecker) Check(ctx context.Context, userID string) (BonusOutcome, error) {
	body, err := json.Marshal(bonusRequest{UserID: userID})
	if err != nil {
		return BonusUnknownFailure, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/bonuses/evaluate", bytes.NewReader(body))
	if err != nil {
		return BonusUnknownFailure, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return BonusUnknownFailure, fmt.Errorf("bonus service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return BonusUnknownFailure, fmt.Errorf("bonus service: status %d", resp.StatusCode)
	}
	var out bonusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return BonusUnknownFailure, fmt.Errorf("bonus service: decode: %w", err)
	}
	return BonusOutcome(out.Status), nil
}

// =============================================================================
// STREAK CHECKER - in-process perfect-day bonus
// =============================================================================

// ActivityPerfectDay is the ledger activity type for perfect-day bonuses.
const ActivityPerfectDay = "perfect_day_bonus"

// StreakBonusChecker awards Points once for every program day on which the
// participant completed every task record.
type StreakBonusChecker struct {
	Tasks  engage.TaskStore
	Ledger *Ledger
	Points decimal.Decimal
	Now    func() time.Time
}

func (s *StreakBonusChecker) Check(ctx context.Context, userID string) (BonusOutcome, error) {
	recs, err := s.Tasks.ListTaskRecords(ctx, userID)
	if err != nil {
		return BonusUnknownFailure, err
	}

	perfect := PerfectDays(recs)
	if len(perfect) == 0 {
		return BonusNotEligible, nil
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	awarded := false
	for _, day := range perfect {
		ok, err := s.Ledger.Award(ctx, engage.PointsEntry{
			ID:             uuid.NewString(),
			UserID:         userID,
			ActivityType:   ActivityPerfectDay,
			PointsEarned:   s.Points,
			CreatedAt:      now(),
			Metadata:       map[string]string{"day": fmt.Sprint(day)},
			IdempotencyKey: fmt.Sprintf("bonus:perfect-day:%s:%d", userID, day),
		})
		if err != nil {
			return BonusUnknownFailure, err
		}
		awarded = awarded || ok
	}
	if awarded {
		return BonusAwarded, nil
	}
	return BonusAlreadyAwarded, nil
}

// PerfectDays returns, in ascending order, the days whose records are all
// completed.
func PerfectDays(recs []engage.TaskRecord) []int {
	total := make(map[int]int)
	done := make(map[int]int)
	for _, r := range recs {
		total[r.Day]++
		if r.Completed {
			done[r.Day]++
		}
	}
	var days []int
	for day, n := range total {
		if n > 0 && done[day] == n {
			days = append(days, day)
		}
	}
	sort.Ints(days)
	return days
}
