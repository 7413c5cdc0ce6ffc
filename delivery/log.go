package delivery

import (
	"context"
	"time"
)

type LogStatus string

const (
	StatusPending LogStatus = "pending"
	StatusSent    LogStatus = "sent"
	StatusFailed  LogStatus = "failed"
)

// LogEntry is one row of the durable send log. Every Send call writes one
// entry, pending first, then sent or failed.
type LogEntry struct {
	ID              string
	IdempotencyKey  string
	TemplateKey     string
	RecipientEmail  string
	RecipientUserID string
	Status          LogStatus
	Attempts        int
	EmailID         string
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SendLog persists delivery attempts. It must be durable: idempotency keys
// and rate windows have to survive a process restart.
type SendLog interface {
	// FindActiveSend returns the pending or sent entry holding key, or nil.
	FindActiveSend(ctx context.Context, key string) (*LogEntry, error)
	// ReservePendingSend inserts e as pending unless max pending or sent
	// entries for its recipient and template already exist since the
	// instant, in which case it returns ErrRateLimited. The count and the
	// insert are atomic. It returns ErrDuplicateKey when an active entry
	// holds the key.
	ReservePendingSend(ctx context.Context, e LogEntry, since time.Time, max int) error
	RecordSendAttempt(ctx context.Context, id string, attempts int) error
	CompleteSend(ctx context.Context, id string, status LogStatus, emailID, errMsg string) error
}
