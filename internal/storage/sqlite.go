package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"pillcall/internal/channel"
	"pillcall/internal/recurrence"
	"pillcall/internal/registry"
	"pillcall/internal/reminder"
	logx "pillcall/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// Times are stored as unix milliseconds.
type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	calc recurrence.Calculator
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, calc: cfg.Calculator}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const sqliteReminderCols = `r.reminder_id, r.user_id, r.label, r.repeat_mode, r.days_of_week, r.local_date,
	r.local_time, r.next_fire_utc, r.is_active, r.last_called_utc, r.deactivated_utc, r.rearm_count, r.created_utc`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteReminder(sc rowScanner, extra ...any) (reminder.Reminder, error) {
	var (
		r                  reminder.Reminder
		cols               ruleColumns
		clock              string
		next, created      int64
		active             bool
		lastFired, deactAt sql.NullInt64
	)
	dest := []any{&r.ID, &r.OwnerID, &r.Label, &cols.Mode, &cols.Days, &cols.Date,
		&clock, &next, &active, &lastFired, &deactAt, &r.RearmCount, &created}
	dest = append(dest, extra...)
	if err := sc.Scan(dest...); err != nil {
		return reminder.Reminder{}, err
	}
	rule, err := ruleFromColumns(cols)
	if err != nil {
		return reminder.Reminder{}, fmt.Errorf("reminder %d: %w", r.ID, err)
	}
	c, err := recurrence.ParseClock(clock)
	if err != nil {
		return reminder.Reminder{}, fmt.Errorf("reminder %d: %w", r.ID, err)
	}
	r.Rule = rule
	r.LocalTime = c
	r.NextFireAt = time.UnixMilli(next).UTC()
	r.Active = active
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.LastFiredAt = msPtr(lastFired)
	r.DeactivatedAt = msPtr(deactAt)
	return r, nil
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func (s *sqliteStore) queryReminders(ctx context.Context, op, q string, args ...any) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, transient(op, err)
	}
	defer rows.Close()
	out := make([]reminder.Reminder, 0)
	for rows.Next() {
		r, err := scanSQLiteReminder(rows)
		if err != nil {
			s.log.Warn("skipping unreadable reminder", logx.String("op", op), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, transient(op, err)
	}
	return out, nil
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func (s *sqliteStore) ListDue(ctx context.Context, now time.Time, limit int) ([]reminder.Reminder, error) {
	return s.queryReminders(ctx, "list due",
		`SELECT `+sqliteReminderCols+` FROM reminders r
		 WHERE r.is_active = 1 AND r.next_fire_utc <= ?
		 ORDER BY r.next_fire_utc, r.reminder_id LIMIT ?`,
		now.UnixMilli(), sqlLimit(limit))
}

func (s *sqliteStore) Upcoming(ctx context.Context, ownerID int64, now time.Time, limit int) ([]reminder.Reminder, error) {
	return s.queryReminders(ctx, "upcoming",
		`SELECT `+sqliteReminderCols+` FROM reminders r
		 WHERE r.user_id = ? AND r.is_active = 1 AND r.next_fire_utc > ?
		 ORDER BY r.next_fire_utc, r.reminder_id LIMIT ?`,
		ownerID, now.UnixMilli(), sqlLimit(limit))
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteReminderCols+` FROM reminders r WHERE r.reminder_id = ?`, id)
	r, err := scanSQLiteReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, ErrNotFound
	}
	if err != nil {
		return reminder.Reminder{}, transient("get", err)
	}
	return r, nil
}

func (s *sqliteStore) Claim(ctx context.Context, id int64, now time.Time) (bool, error) {
	var zone string
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteReminderCols+`, p.time_zone FROM reminders r
		 JOIN patients p ON p.user_id = r.user_id WHERE r.reminder_id = ?`, id)
	r, err := scanSQLiteReminder(row, &zone)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, transient("claim", err)
	}
	if !r.Due(now) {
		return false, nil
	}
	loc, err := registry.LoadZone(zone)
	if err != nil {
		s.log.Warn("owner zone invalid; using default", logx.Int64("owner_id", r.OwnerID), logx.Err(err))
		loc, _ = registry.LoadZone("")
	}
	next, active := reminder.PlanClaim(s.calc, r, loc, now)

	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET is_active = ?, next_fire_utc = ?, last_called_utc = ?
		 WHERE reminder_id = ? AND is_active = 1 AND next_fire_utc = ? AND next_fire_utc <= ?`,
		active, next.UnixMilli(), now.UnixMilli(), id, r.NextFireAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, transient("claim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, transient("claim", err)
	}
	return n == 1, nil
}

func (s *sqliteStore) Deactivate(ctx context.Context, id, ownerID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET is_active = 0, deactivated_utc = COALESCE(deactivated_utc, ?)
		 WHERE reminder_id = ? AND user_id = ?`,
		time.Now().UnixMilli(), id, ownerID)
	if err != nil {
		return transient("deactivate", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ReplaceSchedule(ctx context.Context, ownerID int64, drafts []reminder.Draft, now time.Time) ([]reminder.Reminder, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, transient("replace schedule", err)
	}
	defer func() { _ = tx.Rollback() }()

	var zone string
	err = tx.QueryRowContext(ctx, `SELECT time_zone FROM patients WHERE user_id = ?`, ownerID).Scan(&zone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", registry.ErrUnknownPatient, ownerID)
	}
	if err != nil {
		return nil, transient("replace schedule", err)
	}
	loc, err := registry.LoadZone(zone)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM reminders WHERE user_id = ?`, ownerID); err != nil {
		return nil, transient("replace schedule", err)
	}

	out := make([]reminder.Reminder, 0, len(drafts))
	for _, d := range drafts {
		r := reminder.Arm(s.calc, ownerID, d, loc, now)
		cols := ruleToColumns(r.Rule)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO reminders(user_id, label, repeat_mode, days_of_week, local_date, local_time, next_fire_utc, is_active, created_utc)
			 VALUES(?,?,?,?,?,?,?,?,?)`,
			ownerID, r.Label, cols.Mode, cols.Days, cols.Date, r.LocalTime.String(),
			r.NextFireAt.UnixMilli(), r.Active, r.CreatedAt.UnixMilli())
		if err != nil {
			return nil, transient("replace schedule", err)
		}
		if r.ID, err = res.LastInsertId(); err != nil {
			return nil, transient("replace schedule", err)
		}
		r.NextFireAt = time.UnixMilli(r.NextFireAt.UnixMilli()).UTC()
		r.CreatedAt = time.UnixMilli(r.CreatedAt.UnixMilli()).UTC()
		out = append(out, r)
	}
	if err := tx.Commit(); err != nil {
		return nil, transient("replace schedule", err)
	}
	return out, nil
}

func (s *sqliteStore) Rearm(ctx context.Context, id int64, at time.Time, maxAttempts int) (bool, error) {
	ms := at.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET
		   next_fire_utc = CASE WHEN is_active = 1 AND next_fire_utc < ? THEN next_fire_utc ELSE ? END,
		   is_active = 1,
		   rearm_count = rearm_count + 1
		 WHERE reminder_id = ? AND deactivated_utc IS NULL AND rearm_count < ?`,
		ms, ms, id, maxAttempts)
	if err != nil {
		return false, transient("rearm", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, transient("rearm", err)
	}
	return n == 1, nil
}

func (s *sqliteStore) RecordOutcome(ctx context.Context, o reminder.Outcome) error {
	if o.AttemptID == uuid.Nil {
		o.AttemptID = uuid.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transient("record outcome", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO reminder_outcomes(attempt_id, reminder_id, user_id, attempted_utc, finished_utc, channel_handle,
		   terminal_status, last_status, class, error_detail, worker_id, rearmed)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.AttemptID.String(), o.ReminderID, o.OwnerID, o.AttemptedAt.UnixMilli(), o.FinishedAt.UnixMilli(),
		nullStr(string(o.Handle)), string(o.Status), nullStr(string(o.LastStatus)), string(o.Class),
		nullStr(o.Detail), nullStr(o.WorkerID), o.Rearmed)
	if err != nil {
		return transient("record outcome", err)
	}
	if o.Class == reminder.ClassDelivered {
		if _, err := tx.ExecContext(ctx, `UPDATE reminders SET rearm_count = 0 WHERE reminder_id = ?`, o.ReminderID); err != nil {
			return transient("record outcome", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return transient("record outcome", err)
	}
	return nil
}

func (s *sqliteStore) ListOutcomes(ctx context.Context, ownerID int64, limit int) ([]reminder.Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attempt_id, reminder_id, user_id, attempted_utc, finished_utc, channel_handle, terminal_status,
		   last_status, class, error_detail, worker_id, rearmed
		 FROM reminder_outcomes WHERE (? = 0 OR user_id = ?)
		 ORDER BY attempted_utc DESC, rowid DESC LIMIT ?`,
		ownerID, ownerID, sqlLimit(limit))
	if err != nil {
		return nil, transient("list outcomes", err)
	}
	defer rows.Close()

	out := make([]reminder.Outcome, 0)
	for rows.Next() {
		var (
			o                           reminder.Outcome
			id, status, class           string
			at, fin                     int64
			handle, last, detail, wrkID sql.NullString
		)
		if err := rows.Scan(&id, &o.ReminderID, &o.OwnerID, &at, &fin, &handle, &status,
			&last, &class, &detail, &wrkID, &o.Rearmed); err != nil {
			return nil, transient("list outcomes", err)
		}
		o.AttemptID, _ = uuid.Parse(id)
		o.AttemptedAt = time.UnixMilli(at).UTC()
		o.FinishedAt = time.UnixMilli(fin).UTC()
		o.Handle = channel.Handle(handle.String)
		o.Status = channel.ParseStatus(status)
		o.LastStatus = channel.ParseStatus(last.String)
		o.Class = reminder.Class(class)
		o.Detail = detail.String
		o.WorkerID = wrkID.String
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list outcomes", err)
	}
	return out, nil
}

func (s *sqliteStore) PruneOutcomes(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminder_outcomes WHERE attempted_utc < ?`, before.UnixMilli())
	if err != nil {
		return 0, transient("prune outcomes", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) PutPatient(ctx context.Context, p registry.Patient) error {
	if p.ID <= 0 {
		return fmt.Errorf("storage: patient id must be > 0")
	}
	if strings.TrimSpace(p.TimeZone) == "" {
		p.TimeZone = registry.DefaultTimeZone
	}
	if _, err := registry.LoadZone(p.TimeZone); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patients(user_id, full_name, time_zone, contact, updated_utc) VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET full_name = excluded.full_name, time_zone = excluded.time_zone,
		   contact = excluded.contact, updated_utc = excluded.updated_utc`,
		p.ID, p.FullName, p.TimeZone, p.Contact, time.Now().UnixMilli())
	return transient("put patient", err)
}

func (s *sqliteStore) Patient(ctx context.Context, id int64) (registry.Patient, error) {
	var (
		p       registry.Patient
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, full_name, time_zone, contact, updated_utc FROM patients WHERE user_id = ?`, id).
		Scan(&p.ID, &p.FullName, &p.TimeZone, &p.Contact, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Patient{}, fmt.Errorf("%w: %d", registry.ErrUnknownPatient, id)
	}
	if err != nil {
		return registry.Patient{}, transient("patient", err)
	}
	p.UpdatedAt = time.UnixMilli(updated).UTC()
	return p, nil
}

func nullStr(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
