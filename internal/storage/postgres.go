package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pillcall/internal/channel"
	"pillcall/internal/recurrence"
	"pillcall/internal/registry"
	"pillcall/internal/reminder"
	logx "pillcall/pkg/logx"
)

//go:embed schema_postgres.sql
var postgresSchema string

// pgConn is the subset of *pgxpool.Pool used here.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type pgStore struct {
	pool *pgxpool.Pool
	db   pgConn
	log  logx.Logger
	calc recurrence.Calculator
}

func newPool(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := newPool(ctx, cfg.DSN, cfg.MaxConns, cfg.MinConns)
	if err != nil {
		return nil, err
	}
	st := &pgStore{pool: pool, db: pool, log: log, calc: cfg.Calculator}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, postgresSchema)
	return err
}

func (s *pgStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *pgStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return ErrClosed
	}
	return s.pool.Ping(ctx)
}

const pgReminderCols = `r.reminder_id, r.user_id, r.label, r.repeat_mode, r.days_of_week::text,
	to_char(r.local_date, 'YYYY-MM-DD'), to_char(r.local_time, 'HH24:MI'), r.next_fire_utc, r.is_active,
	r.last_called_utc, r.deactivated_utc, r.rearm_count, r.created_utc`

func scanPgReminder(row pgx.Row, extra ...any) (reminder.Reminder, error) {
	var (
		r     reminder.Reminder
		cols  ruleColumns
		clock string
	)
	dest := []any{&r.ID, &r.OwnerID, &r.Label, &cols.Mode, &cols.Days, &cols.Date, &clock,
		&r.NextFireAt, &r.Active, &r.LastFiredAt, &r.DeactivatedAt, &r.RearmCount, &r.CreatedAt}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
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
	r.NextFireAt = r.NextFireAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

func (s *pgStore) queryReminders(ctx context.Context, op, q string, args ...any) ([]reminder.Reminder, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, transient(op, err)
	}
	defer rows.Close()
	out := make([]reminder.Reminder, 0)
	for rows.Next() {
		r, err := scanPgReminder(rows)
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

// pgLimit maps limit <= 0 to NULL, which LIMIT treats as no limit.
func pgLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func (s *pgStore) ListDue(ctx context.Context, now time.Time, limit int) ([]reminder.Reminder, error) {
	return s.queryReminders(ctx, "list due",
		`SELECT `+pgReminderCols+` FROM reminders r
		 WHERE r.is_active AND r.next_fire_utc <= $1
		 ORDER BY r.next_fire_utc, r.reminder_id LIMIT $2`,
		now, pgLimit(limit))
}

func (s *pgStore) Upcoming(ctx context.Context, ownerID int64, now time.Time, limit int) ([]reminder.Reminder, error) {
	return s.queryReminders(ctx, "upcoming",
		`SELECT `+pgReminderCols+` FROM reminders r
		 WHERE r.user_id = $1 AND r.is_active AND r.next_fire_utc > $2
		 ORDER BY r.next_fire_utc, r.reminder_id LIMIT $3`,
		ownerID, now, pgLimit(limit))
}

func (s *pgStore) Get(ctx context.Context, id int64) (reminder.Reminder, error) {
	r, err := scanPgReminder(s.db.QueryRow(ctx,
		`SELECT `+pgReminderCols+` FROM reminders r WHERE r.reminder_id = $1`, id))
	if isNoRows(err) {
		return reminder.Reminder{}, ErrNotFound
	}
	if err != nil {
		return reminder.Reminder{}, transient("get", err)
	}
	return r, nil
}

// Claim reads the row, computes the successor state, then applies it with a
// compare-and-set on the previously read next_fire_utc. A concurrent winner
// changes next_fire_utc or is_active, so the losing UPDATE matches no row.
func (s *pgStore) Claim(ctx context.Context, id int64, now time.Time) (bool, error) {
	var zone string
	r, err := scanPgReminder(s.db.QueryRow(ctx,
		`SELECT `+pgReminderCols+`, p.time_zone FROM reminders r
		 JOIN patients p ON p.user_id = r.user_id WHERE r.reminder_id = $1`, id), &zone)
	if isNoRows(err) {
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

	tag, err := s.db.Exec(ctx,
		`UPDATE reminders SET is_active = $1, next_fire_utc = $2, last_called_utc = $3
		 WHERE reminder_id = $4 AND is_active AND next_fire_utc = $5 AND next_fire_utc <= $3`,
		active, next, now, id, r.NextFireAt)
	if err != nil {
		return false, transient("claim", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *pgStore) Deactivate(ctx context.Context, id, ownerID int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE reminders SET is_active = FALSE, deactivated_utc = COALESCE(deactivated_utc, now())
		 WHERE reminder_id = $1 AND user_id = $2`, id, ownerID)
	if err != nil {
		return transient("deactivate", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) ReplaceSchedule(ctx context.Context, ownerID int64, drafts []reminder.Draft, now time.Time) ([]reminder.Reminder, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, transient("replace schedule", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var zone string
	err = tx.QueryRow(ctx, `SELECT time_zone FROM patients WHERE user_id = $1 FOR UPDATE`, ownerID).Scan(&zone)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %d", registry.ErrUnknownPatient, ownerID)
	}
	if err != nil {
		return nil, transient("replace schedule", err)
	}
	loc, err := registry.LoadZone(zone)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM reminders WHERE user_id = $1`, ownerID); err != nil {
		return nil, transient("replace schedule", err)
	}

	out := make([]reminder.Reminder, 0, len(drafts))
	for _, d := range drafts {
		r := reminder.Arm(s.calc, ownerID, d, loc, now)
		cols := ruleToColumns(r.Rule)
		err := tx.QueryRow(ctx,
			`INSERT INTO reminders(user_id, label, repeat_mode, days_of_week, local_date, local_time, next_fire_utc, is_active, created_utc)
			 VALUES($1, $2, $3, $4::jsonb, $5::date, $6::time, $7, $8, $9)
			 RETURNING reminder_id, next_fire_utc, created_utc`,
			ownerID, r.Label, cols.Mode, cols.Days, cols.Date, r.LocalTime.String(), r.NextFireAt, r.Active, r.CreatedAt).
			Scan(&r.ID, &r.NextFireAt, &r.CreatedAt)
		if err != nil {
			return nil, transient("replace schedule", err)
		}
		r.NextFireAt = r.NextFireAt.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, transient("replace schedule", err)
	}
	return out, nil
}

func (s *pgStore) Rearm(ctx context.Context, id int64, at time.Time, maxAttempts int) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE reminders SET
		   next_fire_utc = CASE WHEN is_active AND next_fire_utc < $1 THEN next_fire_utc ELSE $1 END,
		   is_active = TRUE,
		   rearm_count = rearm_count + 1
		 WHERE reminder_id = $2 AND deactivated_utc IS NULL AND rearm_count < $3`,
		at, id, maxAttempts)
	if err != nil {
		return false, transient("rearm", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *pgStore) RecordOutcome(ctx context.Context, o reminder.Outcome) error {
	if o.AttemptID == uuid.Nil {
		o.AttemptID = uuid.New()
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return transient("record outcome", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO reminder_outcomes(attempt_id, reminder_id, user_id, attempted_utc, finished_utc, channel_handle,
		   terminal_status, last_status, class, error_detail, worker_id, rearmed)
		 VALUES($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.AttemptID.String(), o.ReminderID, o.OwnerID, o.AttemptedAt, o.FinishedAt, nullStr(string(o.Handle)),
		string(o.Status), nullStr(string(o.LastStatus)), string(o.Class), nullStr(o.Detail), nullStr(o.WorkerID), o.Rearmed)
	if err != nil {
		return transient("record outcome", err)
	}
	if o.Class == reminder.ClassDelivered {
		if _, err := tx.Exec(ctx, `UPDATE reminders SET rearm_count = 0 WHERE reminder_id = $1`, o.ReminderID); err != nil {
			return transient("record outcome", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return transient("record outcome", err)
	}
	return nil
}

func (s *pgStore) ListOutcomes(ctx context.Context, ownerID int64, limit int) ([]reminder.Outcome, error) {
	rows, err := s.db.Query(ctx,
		`SELECT attempt_id::text, reminder_id, user_id, attempted_utc, finished_utc, coalesce(channel_handle, ''),
		   terminal_status, coalesce(last_status, ''), class, coalesce(error_detail, ''), coalesce(worker_id, ''), rearmed
		 FROM reminder_outcomes WHERE ($1 = 0 OR user_id = $1)
		 ORDER BY attempted_utc DESC LIMIT $2`,
		ownerID, pgLimit(limit))
	if err != nil {
		return nil, transient("list outcomes", err)
	}
	defer rows.Close()

	out := make([]reminder.Outcome, 0)
	for rows.Next() {
		var (
			o                                 reminder.Outcome
			id, handle, status, last, class string
		)
		if err := rows.Scan(&id, &o.ReminderID, &o.OwnerID, &o.AttemptedAt, &o.FinishedAt, &handle,
			&status, &last, &class, &o.Detail, &o.WorkerID, &o.Rearmed); err != nil {
			return nil, transient("list outcomes", err)
		}
		o.AttemptID, _ = uuid.Parse(id)
		o.AttemptedAt = o.AttemptedAt.UTC()
		o.FinishedAt = o.FinishedAt.UTC()
		o.Handle = channel.Handle(handle)
		o.Status = channel.ParseStatus(status)
		o.LastStatus = channel.ParseStatus(last)
		o.Class = reminder.Class(class)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list outcomes", err)
	}
	return out, nil
}

func (s *pgStore) PruneOutcomes(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM reminder_outcomes WHERE attempted_utc < $1`, before)
	if err != nil {
		return 0, transient("prune outcomes", err)
	}
	return tag.RowsAffected(), nil
}

func (s *pgStore) PutPatient(ctx context.Context, p registry.Patient) error {
	if p.ID <= 0 {
		return fmt.Errorf("storage: patient id must be > 0")
	}
	if strings.TrimSpace(p.TimeZone) == "" {
		p.TimeZone = registry.DefaultTimeZone
	}
	if _, err := registry.LoadZone(p.TimeZone); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO patients(user_id, full_name, time_zone, contact, updated_utc) VALUES($1, $2, $3, $4, now())
		 ON CONFLICT (user_id) DO UPDATE SET full_name = EXCLUDED.full_name, time_zone = EXCLUDED.time_zone,
		   contact = EXCLUDED.contact, updated_utc = now()`,
		p.ID, p.FullName, p.TimeZone, p.Contact)
	return transient("put patient", err)
}

func (s *pgStore) Patient(ctx context.Context, id int64) (registry.Patient, error) {
	var p registry.Patient
	err := s.db.QueryRow(ctx,
		`SELECT user_id, full_name, time_zone, contact, updated_utc FROM patients WHERE user_id = $1`, id).
		Scan(&p.ID, &p.FullName, &p.TimeZone, &p.Contact, &p.UpdatedAt)
	if isNoRows(err) {
		return registry.Patient{}, fmt.Errorf("%w: %d", registry.ErrUnknownPatient, id)
	}
	if err != nil {
		return registry.Patient{}, transient("patient", err)
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}
