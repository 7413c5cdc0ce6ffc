/*
Package delivery guards outbound email.

PURPOSE:
  The Gate wraps an email Transport with the three guards every send must
  pass, in this order:

    1. Idempotency: a pending or sent log entry holding the request's key
       short-circuits to {success, duplicate}. No send.
    2. Rolling window: at most MaxPerWindow pending/sent entries per
       recipient+template inside Window. Over the limit is ErrRateLimited;
       the request is never queued.
    3. Pacing: a global limiter (about one call per second) is waited on
       before every transport attempt, retries included.

RETRY POLICY:
  ErrTransient is retried after each Backoff step (1s, 2s, 4s). Quota
  errors and anything else fail immediately.

LOGGING:
  The log row is written pending before the first attempt and moved to
  sent or failed before Send returns, even when ctx is cancelled. The log
  is durable, so idempotency and windows survive restarts.

SEE ALSO:
  - transport.go: HTTP provider client
  - store/sqlite/sendlog.go: durable SendLog
  - reminders/reminders.go: follow-up reminder path
*/
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// =============================================================================
// TYPES
// =============================================================================

// Message is what a Transport delivers.
type Message struct {
	TemplateKey    string
	RecipientEmail string
	Variables      map[string]string
	IdempotencyKey string
}

type Transport interface {
	// Send returns the provider's email id.
	Send(ctx context.Context, msg Message) (string, error)
}

// Pacer blocks until the next transport call is allowed. *rate.Limiter
// satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

type Request struct {
	TemplateKey     string            `json:"templateKey"`
	RecipientEmail  string            `json:"recipientEmail"`
	RecipientUserID string            `json:"recipientUserId,omitempty"`
	Variables       map[string]string `json:"variables"`
	IdempotencyKey  string            `json:"idempotencyKey,omitempty"`
}

type Result struct {
	Success   bool   `json:"success"`
	EmailID   string `json:"emailId,omitempty"`
	LogID     string `json:"logId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// =============================================================================
// GATE
// =============================================================================

type Gate struct {
	Log          SendLog
	Transport    Transport
	Pacer        Pacer
	MaxPerWindow int
	Window       time.Duration
	Backoff      []time.Duration

	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *zap.Logger
}

// NewGate returns a gate with the production limits: 3 sends per recipient
// and template per 5 minutes, one transport call per second, retries after
// 1s, 2s and 4s.
func NewGate(log SendLog, transport Transport, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		Log:          log,
		Transport:    transport,
		Pacer:        rate.NewLimiter(rate.Every(time.Second), 1),
		MaxPerWindow: 3,
		Window:       5 * time.Minute,
		Backoff:      []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		Now:          time.Now,
		Sleep:        sleepCtx,
		Logger:       logger,
	}
}

// Send runs the guards and delivers the message. The returned Result is
// always populated; err is non-nil exactly when Result.Success is false.
func (g *Gate) Send(ctx context.Context, req Request) (Result, error) {
	if req.TemplateKey == "" || req.RecipientEmail == "" {
		return failed(Result{}, fmt.Errorf("%w: templateKey and recipientEmail are required", ErrInvalidRequest))
	}

	// 1. idempotency
	if req.IdempotencyKey != "" {
		if res, ok, err := g.duplicate(ctx, req.IdempotencyKey); err != nil || ok {
			return res, err
		}
	}

	// 2. rolling window, checked and reserved in one step
	entry := LogEntry{
		ID:              uuid.NewString(),
		IdempotencyKey:  req.IdempotencyKey,
		TemplateKey:     req.TemplateKey,
		RecipientEmail:  req.RecipientEmail,
		RecipientUserID: req.RecipientUserID,
		Status:          StatusPending,
		CreatedAt:       g.Now(),
	}
	err := g.Log.ReservePendingSend(ctx, entry, entry.CreatedAt.Add(-g.Window), g.MaxPerWindow)
	switch {
	case errors.Is(err, ErrRateLimited):
		g.Logger.Warn("email blocked by rate window",
			zap.String("template", req.TemplateKey),
			zap.String("recipient", req.RecipientEmail),
			zap.Int("max", g.MaxPerWindow))
		return failed(Result{}, ErrRateLimited)
	case errors.Is(err, ErrDuplicateKey):
		// lost a race with a concurrent send of the same key
		if res, ok, derr := g.duplicate(ctx, req.IdempotencyKey); derr != nil || ok {
			return res, derr
		}
		return failed(Result{}, fmt.Errorf("log pending send: %w", err))
	case err != nil:
		return failed(Result{}, fmt.Errorf("log pending send: %w", err))
	}

	res := Result{LogID: entry.ID}
	emailID, attempts, sendErr := g.deliver(ctx, entry.ID, Message{
		TemplateKey:    req.TemplateKey,
		RecipientEmail: req.RecipientEmail,
		Variables:      req.Variables,
		IdempotencyKey: req.IdempotencyKey,
	})

	// the final status lands even if the caller gave up
	logCtx := context.WithoutCancel(ctx)
	if sendErr != nil {
		if err := g.Log.CompleteSend(logCtx, entry.ID, StatusFailed, "", sendErr.Error()); err != nil {
			g.Logger.Error("failed to record failed send", zap.String("log_id", entry.ID), zap.Error(err))
		}
		g.Logger.Warn("email send failed",
			zap.String("log_id", entry.ID),
			zap.String("template", req.TemplateKey),
			zap.Int("attempts", attempts),
			zap.Error(sendErr))
		return failed(res, sendErr)
	}
	if err := g.Log.CompleteSend(logCtx, entry.ID, StatusSent, emailID, ""); err != nil {
		g.Logger.Error("failed to record sent email", zap.String("log_id", entry.ID), zap.Error(err))
	}
	g.Logger.Info("email sent",
		zap.String("log_id", entry.ID),
		zap.String("email_id", emailID),
		zap.String("template", req.TemplateKey),
		zap.Int("attempts", attempts))

	res.Success = true
	res.EmailID = emailID
	return res, nil
}

func (g *Gate) duplicate(ctx context.Context, key string) (Result, bool, error) {
	existing, err := g.Log.FindActiveSend(ctx, key)
	if err != nil {
		res, err := failed(Result{}, fmt.Errorf("check idempotency key: %w", err))
		return res, false, err
	}
	if existing == nil {
		return Result{}, false, nil
	}
	g.Logger.Debug("duplicate email suppressed", zap.String("idempotency_key", key), zap.String("log_id", existing.ID))
	return Result{Success: true, Duplicate: true, LogID: existing.ID, EmailID: existing.EmailID}, true, nil
}

// deliver makes up to 1+len(Backoff) paced attempts.
func (g *Gate) deliver(ctx context.Context, logID string, msg Message) (string, int, error) {
	attempts := 0
	for {
		if err := g.Pacer.Wait(ctx); err != nil {
			return "", attempts, fmt.Errorf("pacing: %w", err)
		}
		attempts++
		if err := g.Log.RecordSendAttempt(ctx, logID, attempts); err != nil {
			g.Logger.Warn("failed to record send attempt", zap.String("log_id", logID), zap.Error(err))
		}

		emailID, err := g.Transport.Send(ctx, msg)
		if err == nil {
			return emailID, attempts, nil
		}
		if !IsRetryable(err) || attempts > len(g.Backoff) {
			return "", attempts, err
		}
		wait := g.Backoff[attempts-1]
		g.Logger.Info("transient send failure, retrying",
			zap.String("log_id", logID), zap.Int("attempt", attempts), zap.Duration("backoff", wait), zap.Error(err))
		if err := g.Sleep(ctx, wait); err != nil {
			return "", attempts, err
		}
	}
}

func failed(res Result, err error) (Result, error) {
	res.Success = false
	res.Error = err.Error()
	return res, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
