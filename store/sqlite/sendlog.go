package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/engagement-engine/delivery"
)

// =============================================================================
// EMAIL SEND LOG (delivery.SendLog)
// =============================================================================

var _ delivery.SendLog = (*Store)(nil)

func (s *Store) FindActiveSend(ctx context.Context, key string) (*delivery.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, idempotency_key, template_key, recipient_email, recipient_user_id,
		       status, attempts, email_id, error, created_at, updated_at
		FROM email_send_log
		WHERE idempotency_key = ? AND status != 'failed'
		ORDER BY created_at DESC LIMIT 1`, key)

	e, err := scanLogEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up send log: %w", err)
	}
	return e, nil
}

// ReservePendingSend counts the window and inserts the pending row in one
// transaction under the write lock, so concurrent senders cannot both take
// the last slot.
func (s *Store) ReservePendingSend(ctx context.Context, e delivery.LogEntry, since time.Time, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var count int
	err = sqlTx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_send_log
		WHERE recipient_email = ? AND template_key = ? AND created_at >= ?
		  AND status IN ('pending', 'sent')`,
		e.RecipientEmail, e.TemplateKey, formatTime(since)).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to count recent sends: %w", err)
	}
	if count >= max {
		return delivery.ErrRateLimited
	}

	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO email_send_log
		(id, idempotency_key, template_key, recipient_email, recipient_user_id, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		e.ID, nullString(e.IdempotencyKey), e.TemplateKey, e.RecipientEmail, nullString(e.RecipientUserID),
		string(delivery.StatusPending), formatTime(created), formatTime(created))
	if err != nil {
		if isUniqueConstraintError(err) {
			return delivery.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert send log: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit send log: %w", err)
	}
	return nil
}

func (s *Store) RecordSendAttempt(ctx context.Context, id string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE email_send_log SET attempts = ?, updated_at = ? WHERE id = ?`, attempts, now(), id)
	if err != nil {
		return fmt.Errorf("failed to record send attempt: %w", err)
	}
	return nil
}

func (s *Store) CompleteSend(ctx context.Context, id string, status delivery.LogStatus, emailID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE email_send_log SET status = ?, email_id = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), nullString(emailID), nullString(errMsg), now(), id)
	if err != nil {
		return fmt.Errorf("failed to complete send log: %w", err)
	}
	return nil
}

// GetSend returns a send log entry by id.
func (s *Store) GetSend(ctx context.Context, id string) (*delivery.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, idempotency_key, template_key, recipient_email, recipient_user_id,
		       status, attempts, email_id, error, created_at, updated_at
		FROM email_send_log WHERE id = ?`, id)
	e, err := scanLogEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func scanLogEntry(row *sql.Row) (*delivery.LogEntry, error) {
	var (
		e                         delivery.LogEntry
		key, userID, emailID, msg sql.NullString
		status, created, updated  string
	)
	if err := row.Scan(&e.ID, &key, &e.TemplateKey, &e.RecipientEmail, &userID,
		&status, &e.Attempts, &emailID, &msg, &created, &updated); err != nil {
		return nil, err
	}
	e.IdempotencyKey = key.String
	e.RecipientUserID = userID.String
	e.Status = delivery.LogStatus(status)
	e.EmailID = emailID.String
	e.Error = msg.String
	e.CreatedAt = parseTime(created)
	e.UpdatedAt = parseTime(updated)
	return &e, nil
}
