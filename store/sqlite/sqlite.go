/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

INTERFACES IMPLEMENTED:
  engage.ProgramStore, engage.DefinitionStore, engage.ParticipantStore,
  engage.Directory, engage.TaskStore, engage.ActivityStore,
  engage.PointsStore, engage.LeaderboardStore, engage.RuleStore,
  engage.ContactStore, engage.AuditRunStore, delivery.SendLog

KEY TABLES:
  task_records:     One row per (user, day, task); UNIQUE key guards backfill races
  points_ledger:    Append-only; idempotency_key UNIQUE
  email_send_log:   Durable idempotency keys and rate windows for delivery
  program_config:   Singleton row (id = 1)

UNIQUENESS:
  Backfill inserts use INSERT ... ON CONFLICT DO NOTHING against
  idx_task_records_key, so two reconciliation passes racing on the same
  participant write each record exactly once. Completion uses a conditional
  UPDATE (completed = 0) so it can never reverse or re-stamp a record.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so range predicates compare
  lexicographically.

USAGE:
  store, err := sqlite.New("./data/engage.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - engage/store.go: Interface definitions
  - sendlog.go: delivery.SendLog implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/engagement-engine/engage"
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

var (
	_ engage.ProgramStore     = (*Store)(nil)
	_ engage.DefinitionStore  = (*Store)(nil)
	_ engage.ParticipantStore = (*Store)(nil)
	_ engage.Directory        = (*Store)(nil)
	_ engage.TaskStore        = (*Store)(nil)
	_ engage.ActivityStore    = (*Store)(nil)
	_ engage.PointsStore      = (*Store)(nil)
	_ engage.LeaderboardStore = (*Store)(nil)
	_ engage.RuleStore        = (*Store)(nil)
	_ engage.ContactStore     = (*Store)(nil)
	_ engage.AuditRunStore    = (*Store)(nil)
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS program_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		start_date TEXT NOT NULL,
		total_days INTEGER NOT NULL,
		current_day INTEGER NOT NULL DEFAULT 1,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_definitions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		sort_order INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		outreach_type TEXT,
		count_required INTEGER,
		applicable_days_json TEXT,
		points INTEGER,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS participants (
		user_id TEXT PRIMARY KEY,
		joined_at TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	-- Identity provider mirror
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_records (
		user_id TEXT NOT NULL,
		day INTEGER NOT NULL,
		task_id TEXT NOT NULL,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		completed_at TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: exactly one record per (user, day, task)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_task_records_key
		ON task_records(user_id, day, task_id);

	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		outreach_type TEXT NOT NULL,
		occurred_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_activities_user_time
		ON activities(user_id, occurred_at);

	-- Points ledger (append-only)
	CREATE TABLE IF NOT EXISTS points_ledger (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		points TEXT NOT NULL,
		metadata_json TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_points_user
		ON points_ledger(user_id, created_at);

	CREATE TABLE IF NOT EXISTS leaderboard (
		user_id TEXT PRIMARY KEY,
		rank INTEGER NOT NULL,
		points TEXT NOT NULL,
		refreshed_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cadence_rules (
		scope TEXT NOT NULL,
		key TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		value INTEGER,
		unit TEXT,
		PRIMARY KEY (scope, key)
	);

	CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		owner_email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		relationship_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS contact_follow_ups (
		contact_id TEXT PRIMARY KEY,
		last_contact_date TEXT,
		next_follow_up TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_follow_ups_due
		ON contact_follow_ups(next_follow_up) WHERE next_follow_up IS NOT NULL;

	CREATE TABLE IF NOT EXISTS email_send_log (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT,
		template_key TEXT NOT NULL,
		recipient_email TEXT NOT NULL,
		recipient_user_id TEXT,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		email_id TEXT,
		error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- A failed send releases its key so the caller may retry with it
	CREATE UNIQUE INDEX IF NOT EXISTS idx_email_send_log_key
		ON email_send_log(idempotency_key)
		WHERE idempotency_key IS NOT NULL AND status != 'failed';

	CREATE INDEX IF NOT EXISTS idx_email_send_log_window
		ON email_send_log(recipient_email, template_key, created_at);

	CREATE TABLE IF NOT EXISTS audit_runs (
		id TEXT PRIMARY KEY,
		dry_run BOOLEAN NOT NULL,
		success BOOLEAN NOT NULL,
		report_json TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// PROGRAM CONFIG (engage.ProgramStore)
// =============================================================================

func (s *Store) GetProgramConfig(ctx context.Context) (*engage.ProgramConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		cfg   engage.ProgramConfig
		start string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT start_date, total_days, current_day, is_active FROM program_config WHERE id = 1 AND is_active = 1`,
	).Scan(&start, &cfg.TotalDays, &cfg.CurrentDay, &cfg.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load program config: %w", err)
	}
	cfg.StartDate = parseTime(start)
	return &cfg, nil
}

func (s *Store) SaveProgramConfig(ctx context.Context, cfg engage.ProgramConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO program_config (id, start_date, total_days, current_day, is_active, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			start_date = excluded.start_date,
			total_days = excluded.total_days,
			current_day = excluded.current_day,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`, formatTime(cfg.StartDate), cfg.TotalDays, cfg.CurrentDay, cfg.IsActive, now())
	if err != nil {
		return fmt.Errorf("failed to save program config: %w", err)
	}
	return nil
}

func (s *Store) UpdateCurrentDay(ctx context.Context, day int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE program_config SET current_day = ?, updated_at = ? WHERE id = 1`, day, now())
	if err != nil {
		return fmt.Errorf("failed to update current day: %w", err)
	}
	return nil
}

// =============================================================================
// TASK DEFINITIONS (engage.DefinitionStore)
// =============================================================================

func (s *Store) ListTaskDefinitions(ctx context.Context, activeOnly bool) ([]engage.TaskDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, title, sort_order, is_active, outreach_type, count_required, applicable_days_json, points
		FROM task_definitions`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY sort_order ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query task definitions: %w", err)
	}
	defer rows.Close()

	var defs []engage.TaskDefinition
	for rows.Next() {
		var (
			d        engage.TaskDefinition
			outreach sql.NullString
			count    sql.NullInt64
			daysJSON sql.NullString
			points   sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &d.Title, &d.SortOrder, &d.IsActive, &outreach, &count, &daysJSON, &points); err != nil {
			return nil, fmt.Errorf("failed to scan task definition: %w", err)
		}
		if outreach.Valid {
			d.OutreachType = &outreach.String
		}
		d.CountRequired = intPtr(count)
		d.Points = intPtr(points)
		if daysJSON.Valid && daysJSON.String != "" {
			if err := json.Unmarshal([]byte(daysJSON.String), &d.ApplicableDays); err != nil {
				return nil, fmt.Errorf("task definition %s: bad applicable days: %w", d.ID, err)
			}
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

func (s *Store) SaveTaskDefinition(ctx context.Context, d engage.TaskDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var days sql.NullString
	if d.ApplicableDays != nil {
		b, err := json.Marshal(d.ApplicableDays)
		if err != nil {
			return err
		}
		days = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_definitions (id, title, sort_order, is_active, outreach_type, count_required, applicable_days_json, points, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			sort_order = excluded.sort_order,
			is_active = excluded.is_active,
			outreach_type = excluded.outreach_type,
			count_required = excluded.count_required,
			applicable_days_json = excluded.applicable_days_json,
			points = excluded.points,
			updated_at = excluded.updated_at
	`, d.ID, d.Title, d.SortOrder, d.IsActive, nullStringPtr(d.OutreachType), nullIntPtr(d.CountRequired), days, nullIntPtr(d.Points), now())
	if err != nil {
		return fmt.Errorf("failed to save task definition: %w", err)
	}
	return nil
}

// =============================================================================
// PARTICIPANTS & DIRECTORY
// =============================================================================

func (s *Store) ListParticipants(ctx context.Context, activeOnly bool) ([]engage.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT user_id, joined_at, is_active FROM participants`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY joined_at ASC, user_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var out []engage.Participant
	for rows.Next() {
		var (
			p      engage.Participant
			joined string
		)
		if err := rows.Scan(&p.UserID, &joined, &p.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		p.JoinedAt = parseTime(joined)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SaveParticipant(ctx context.Context, p engage.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (user_id, joined_at, is_active) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET is_active = excluded.is_active
	`, p.UserID, formatTime(p.JoinedAt), p.IsActive)
	if err != nil {
		return fmt.Errorf("failed to save participant: %w", err)
	}
	return nil
}

func (s *Store) DeactivateParticipant(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE participants SET is_active = 0 WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to deactivate participant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engage.ErrNotFound
	}
	return nil
}

func (s *Store) ListDirectoryUsers(ctx context.Context) ([]engage.DirectoryUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, email, name FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var out []engage.DirectoryUser
	for rows.Next() {
		var u engage.DirectoryUser
		if err := rows.Scan(&u.ID, &u.Email, &u.Name); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SaveDirectoryUser mirrors an identity-provider user.
func (s *Store) SaveDirectoryUser(ctx context.Context, u engage.DirectoryUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email, name = excluded.name
	`, u.ID, u.Email, u.Name, now())
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// =============================================================================
// TASK RECORDS (engage.TaskStore)
// =============================================================================

func (s *Store) ListTaskRecords(ctx context.Context, userID string) ([]engage.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTaskRecords(ctx, `
		SELECT user_id, day, task_id, completed, completed_at FROM task_records
		WHERE user_id = ? ORDER BY day ASC, task_id ASC`, userID)
}

func (s *Store) ListTaskRecordsForDay(ctx context.Context, userID string, day int) ([]engage.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTaskRecords(ctx, `
		SELECT user_id, day, task_id, completed, completed_at FROM task_records
		WHERE user_id = ? AND day = ? ORDER BY task_id ASC`, userID, day)
}

func (s *Store) queryTaskRecords(ctx context.Context, query string, args ...any) ([]engage.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task records: %w", err)
	}
	defer rows.Close()

	var out []engage.TaskRecord
	for rows.Next() {
		var (
			r           engage.TaskRecord
			completedAt sql.NullString
		)
		if err := rows.Scan(&r.UserID, &r.Day, &r.TaskID, &r.Completed, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			r.CompletedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateTaskRecords inserts the batch in one transaction. Existing keys are
// skipped, never overwritten.
func (s *Store) CreateTaskRecords(ctx context.Context, recs []engage.TaskRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	stmt, err := sqlTx.PrepareContext(ctx, `
		INSERT INTO task_records (user_id, day, task_id, completed, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, day, task_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	created := 0
	ts := now()
	for _, r := range recs {
		var completedAt sql.NullString
		if r.CompletedAt != nil {
			completedAt = sql.NullString{String: formatTime(*r.CompletedAt), Valid: true}
		}
		res, err := stmt.ExecContext(ctx, r.UserID, r.Day, r.TaskID, r.Completed, completedAt, ts)
		if err != nil {
			return 0, fmt.Errorf("failed to insert task record %s/%d/%s: %w", r.UserID, r.Day, r.TaskID, err)
		}
		n, _ := res.RowsAffected()
		created += int(n)
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit task records: %w", err)
	}
	return created, nil
}

func (s *Store) MarkTaskCompleted(ctx context.Context, key engage.TaskKey, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE task_records SET completed = 1, completed_at = ?
		WHERE user_id = ? AND day = ? AND task_id = ? AND completed = 0`,
		formatTime(at), key.UserID, key.Day, key.TaskID)
	if err != nil {
		return false, fmt.Errorf("failed to mark task completed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// =============================================================================
// ACTIVITIES (engage.ActivityStore)
// =============================================================================

func (s *Store) RecordActivity(ctx context.Context, a engage.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activities (id, user_id, outreach_type, occurred_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.UserID, a.OutreachType, formatTime(a.OccurredAt))
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// DeleteActivity removes an observed activity. Completed tasks are unaffected.
func (s *Store) DeleteActivity(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM activities WHERE id = ?`, id)
	return err
}

func (s *Store) CountActivities(ctx context.Context, userID string, from, to time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT outreach_type, COUNT(*) FROM activities
		WHERE user_id = ? AND occurred_at >= ? AND occurred_at < ?
		GROUP BY outreach_type`, userID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to count activities: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// =============================================================================
// POINTS LEDGER (engage.PointsStore) - append-only
// =============================================================================

func (s *Store) AppendPoints(ctx context.Context, e engage.PointsEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadataJSON, _ := json.Marshal(e.Metadata)
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO points_ledger (id, user_id, activity_type, points, metadata_json, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.ActivityType, e.PointsEarned.String(), string(metadataJSON),
		nullString(e.IdempotencyKey), formatTime(created))
	if err != nil {
		if isUniqueConstraintError(err) {
			return engage.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append points: %w", err)
	}
	return nil
}

func (s *Store) ListPoints(ctx context.Context, userID string) ([]engage.PointsEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPoints(ctx, `
		SELECT id, user_id, activity_type, points, metadata_json, idempotency_key, created_at
		FROM points_ledger WHERE user_id = ? ORDER BY created_at ASC`, userID)
}

func (s *Store) ListAllPoints(ctx context.Context) ([]engage.PointsEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPoints(ctx, `
		SELECT id, user_id, activity_type, points, metadata_json, idempotency_key, created_at
		FROM points_ledger ORDER BY created_at ASC`)
}

func (s *Store) PointsKeyExists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM points_ledger WHERE idempotency_key = ?`, key).Scan(&count)
	return count > 0, err
}

func (s *Store) queryPoints(ctx context.Context, query string, args ...any) ([]engage.PointsEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}
	defer rows.Close()

	var out []engage.PointsEntry
	for rows.Next() {
		var (
			e            engage.PointsEntry
			points       string
			metadataJSON sql.NullString
			key          sql.NullString
			created      string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.ActivityType, &points, &metadataJSON, &key, &created); err != nil {
			return nil, fmt.Errorf("failed to scan points entry: %w", err)
		}
		e.PointsEarned = parseDecimal(points)
		e.IdempotencyKey = key.String
		e.CreatedAt = parseTime(created)
		if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
			json.Unmarshal([]byte(metadataJSON.String), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// LEADERBOARD (engage.LeaderboardStore) - snapshot, fully replaced on refresh
// =============================================================================

func (s *Store) ReplaceLeaderboard(ctx context.Context, entries []engage.LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if _, err := sqlTx.ExecContext(ctx, `DELETE FROM leaderboard`); err != nil {
		return fmt.Errorf("failed to clear leaderboard: %w", err)
	}
	for _, e := range entries {
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO leaderboard (user_id, rank, points, refreshed_at) VALUES (?, ?, ?, ?)`,
			e.UserID, e.Rank, e.Points.String(), formatTime(e.RefreshedAt)); err != nil {
			return fmt.Errorf("failed to insert leaderboard row: %w", err)
		}
	}
	return sqlTx.Commit()
}

func (s *Store) GetLeaderboard(ctx context.Context) ([]engage.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, rank, points, refreshed_at FROM leaderboard ORDER BY rank ASC, user_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	var out []engage.LeaderboardEntry
	for rows.Next() {
		var (
			e         engage.LeaderboardEntry
			points    string
			refreshed string
		)
		if err := rows.Scan(&e.UserID, &e.Rank, &points, &refreshed); err != nil {
			return nil, err
		}
		e.Points = parseDecimal(points)
		e.RefreshedAt = parseTime(refreshed)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// CADENCE RULES (engage.RuleStore)
// =============================================================================

func (s *Store) ListRules(ctx context.Context) (engage.RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT scope, key, enabled, value, unit FROM cadence_rules ORDER BY scope, key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out engage.RuleSet
	for rows.Next() {
		var (
			r     engage.RelationshipRule
			scope string
			value sql.NullInt64
			unit  sql.NullString
		)
		if err := rows.Scan(&scope, &r.Key, &r.Enabled, &value, &unit); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.Scope = engage.RuleScope(scope)
		r.Value = intPtr(value)
		if unit.Valid {
			u := engage.Unit(unit.String)
			r.Unit = &u
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveRule(ctx context.Context, r engage.RelationshipRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unit sql.NullString
	if r.Unit != nil {
		unit = sql.NullString{String: string(*r.Unit), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cadence_rules (scope, key, enabled, value, unit) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET
			enabled = excluded.enabled, value = excluded.value, unit = excluded.unit
	`, string(r.Scope), r.Key, r.Enabled, nullIntPtr(r.Value), unit)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

// =============================================================================
// CONTACTS (engage.ContactStore)
// =============================================================================

func (s *Store) GetContact(ctx context.Context, id string) (*engage.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c engage.Contact
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, owner_email, name, relationship_type, status
		FROM contacts WHERE id = ?`, id,
	).Scan(&c.ID, &c.OwnerUserID, &c.OwnerEmail, &c.Name, &c.RelationshipType, &c.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return &c, nil
}

func (s *Store) SaveContact(ctx context.Context, c engage.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, owner_user_id, owner_email, name, relationship_type, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_user_id = excluded.owner_user_id,
			owner_email = excluded.owner_email,
			name = excluded.name,
			relationship_type = excluded.relationship_type,
			status = excluded.status
	`, c.ID, c.OwnerUserID, c.OwnerEmail, c.Name, c.RelationshipType, c.Status)
	if err != nil {
		return fmt.Errorf("failed to save contact: %w", err)
	}
	return nil
}

func (s *Store) GetFollowUp(ctx context.Context, contactID string) (*engage.ContactFollowUp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last, next sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT last_contact_date, next_follow_up FROM contact_follow_ups WHERE contact_id = ?`, contactID,
	).Scan(&last, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get follow-up: %w", err)
	}
	return &engage.ContactFollowUp{
		ContactID:       contactID,
		LastContactDate: timePtr(last),
		NextFollowUp:    timePtr(next),
	}, nil
}

func (s *Store) SaveFollowUp(ctx context.Context, f engage.ContactFollowUp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_follow_ups (contact_id, last_contact_date, next_follow_up) VALUES (?, ?, ?)
		ON CONFLICT(contact_id) DO UPDATE SET
			last_contact_date = excluded.last_contact_date,
			next_follow_up = excluded.next_follow_up
	`, f.ContactID, nullTime(f.LastContactDate), nullTime(f.NextFollowUp))
	if err != nil {
		return fmt.Errorf("failed to save follow-up: %w", err)
	}
	return nil
}

func (s *Store) ListDueFollowUps(ctx context.Context, at time.Time) ([]engage.ContactFollowUp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT contact_id, last_contact_date, next_follow_up FROM contact_follow_ups
		WHERE next_follow_up IS NOT NULL AND next_follow_up <= ?
		ORDER BY next_follow_up ASC, contact_id ASC`, formatTime(at))
	if err != nil {
		return nil, fmt.Errorf("failed to query due follow-ups: %w", err)
	}
	defer rows.Close()

	var out []engage.ContactFollowUp
	for rows.Next() {
		var (
			f          engage.ContactFollowUp
			last, next sql.NullString
		)
		if err := rows.Scan(&f.ContactID, &last, &next); err != nil {
			return nil, err
		}
		f.LastContactDate = timePtr(last)
		f.NextFollowUp = timePtr(next)
		out = append(out, f)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT RUNS (engage.AuditRunStore)
// =============================================================================

func (s *Store) SaveAuditRun(ctx context.Context, r engage.AuditRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_runs (id, dry_run, success, report_json, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.DryRun, r.Success, r.ReportJSON, formatTime(r.StartedAt), formatTime(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save audit run: %w", err)
	}
	return nil
}

func (s *Store) ListAuditRuns(ctx context.Context, limit int) ([]engage.AuditRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dry_run, success, report_json, started_at, completed_at
		FROM audit_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit runs: %w", err)
	}
	defer rows.Close()

	var out []engage.AuditRun
	for rows.Next() {
		var (
			r                  engage.AuditRun
			started, completed string
		)
		if err := rows.Scan(&r.ID, &r.DryRun, &r.Success, &r.ReportJSON, &started, &completed); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.CompletedAt = parseTime(completed)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func now() string {
	return formatTime(time.Now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullIntPtr(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
