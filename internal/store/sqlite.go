package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"researchflow/internal/domain"
)

var ErrNotFound = errors.New("store: not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  channel_id TEXT NOT NULL,
  prompt TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  timezone TEXT NOT NULL DEFAULT 'UTC',
  last_run DATETIME,
  active INTEGER NOT NULL DEFAULT 1,
  failures INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_active ON schedules(active);
CREATE INDEX IF NOT EXISTS idx_schedules_owner ON schedules(workspace_id, user_id, active);
CREATE TABLE IF NOT EXISTS outbox (
  id TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL,
  channel_id TEXT NOT NULL,
  body TEXT NOT NULL,
  delivered INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outbox_undelivered ON outbox(delivered, created_at);
CREATE TABLE IF NOT EXISTS leases (
  name TEXT PRIMARY KEY,
  holder TEXT NOT NULL,
  expires_at DATETIME NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

type Store interface {
	// Schedule operations
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListActiveSchedules(ctx context.Context) ([]domain.Schedule, error)
	ListActiveSchedulesFor(ctx context.Context, workspaceID, userID string) ([]domain.Schedule, error)
	UpdateLastRun(ctx context.Context, id string, t time.Time) error
	DeactivateSchedule(ctx context.Context, id string) error
	RecordScheduleFailure(ctx context.Context, id string) (int, error)
	ResetScheduleFailures(ctx context.Context, id string) error

	// Outbox operations
	EnqueueOutbox(ctx context.Context, workspaceID, channelID, body string) (string, error)
	ListUndelivered(ctx context.Context) ([]domain.OutboxMessage, error)
	MarkDelivered(ctx context.Context, id string) error

	// Lease operations (dispatcher cycle mutual exclusion)
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func (r *sqliteStore) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (id,workspace_id,user_id,channel_id,prompt,cron_expr,timezone,last_run,active,failures,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,NULL,1,0,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, s.WorkspaceID, s.UserID, s.ChannelID, s.Prompt, s.CronExpr, s.Timezone)
	return id, err
}

const scheduleCols = `id,workspace_id,user_id,channel_id,prompt,cron_expr,timezone,last_run,active,failures,created_at,updated_at`

func scanSchedule(row interface{ Scan(...any) error }) (domain.Schedule, error) {
	var s domain.Schedule
	var lastRun sql.NullTime
	err := row.Scan(&s.ID, &s.WorkspaceID, &s.UserID, &s.ChannelID, &s.Prompt, &s.CronExpr, &s.Timezone,
		&lastRun, &s.Active, &s.Failures, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.Schedule{}, err
	}
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		s.LastRun = &t
	}
	return s, nil
}

func (r *sqliteStore) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id=?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return s, err
}

func (r *sqliteStore) ListActiveSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+scheduleCols+` FROM schedules WHERE active=1 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *sqliteStore) ListActiveSchedulesFor(ctx context.Context, workspaceID, userID string) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+scheduleCols+` FROM schedules WHERE active=1 AND workspace_id=? AND user_id=? ORDER BY created_at`,
		workspaceID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func collectSchedules(rows *sql.Rows) ([]domain.Schedule, error) {
	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// UpdateLastRun advances the marker. The guard keeps last_run monotonic even
// if two dispatcher instances race on the same schedule.
func (r *sqliteStore) UpdateLastRun(ctx context.Context, id string, t time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND (last_run IS NULL OR last_run <= ?)`, t.UTC(), id, t.UTC())
	return err
}

func (r *sqliteStore) DeactivateSchedule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET active=0, updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	return err
}

func (r *sqliteStore) RecordScheduleFailure(ctx context.Context, id string) (int, error) {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET failures=failures+1, updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	if err != nil {
		return 0, err
	}
	var n int
	err = r.db.QueryRowContext(ctx, `SELECT failures FROM schedules WHERE id=?`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return n, err
}

func (r *sqliteStore) ResetScheduleFailures(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET failures=0, updated_at=CURRENT_TIMESTAMP WHERE id=? AND failures <> 0`, id)
	return err
}

func (r *sqliteStore) EnqueueOutbox(ctx context.Context, workspaceID, channelID, body string) (string, error) {
	id := "msg_" + uuid.NewString()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO outbox (id,workspace_id,channel_id,body,delivered,created_at)
VALUES (?,?,?,?,0,?)`, id, workspaceID, channelID, body, time.Now().UTC())
	return id, err
}

// ListUndelivered returns pending messages oldest first; id breaks ties so
// the drain order is stable within one timestamp.
func (r *sqliteStore) ListUndelivered(ctx context.Context) ([]domain.OutboxMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,workspace_id,channel_id,body,delivered,created_at
FROM outbox WHERE delivered=0 ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		if err := rows.Scan(&m.ID, &m.WorkspaceID, &m.ChannelID, &m.Body, &m.Delivered, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (r *sqliteStore) MarkDelivered(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox SET delivered=1 WHERE id=?`, id)
	return err
}

// AcquireLease takes the named lease for ttl if it is free, expired, or
// already held by the same holder (renewal). Returns false when another
// holder has it.
func (r *sqliteStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
INSERT INTO leases (name,holder,expires_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET holder=excluded.holder, expires_at=excluded.expires_at
WHERE leases.expires_at <= ? OR leases.holder = excluded.holder`,
		name, holder, now.Add(ttl), now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *sqliteStore) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM leases WHERE name=? AND holder=?`, name, holder)
	return err
}
