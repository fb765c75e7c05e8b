package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "askbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store wraps the SQLite database. All mutations on a single row are single
// UPDATE/DELETE statements, so SQLite's statement atomicity is the row-level
// transaction the scheduler relies on.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.recoverRunning(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// recoverRunning clears in-flight flags left behind by a previous process.
// A single process owns the database, so nothing can actually be running
// when it opens; a flag that survived means a claim was never completed
// and the task would otherwise stay unschedulable.
func (s *Store) recoverRunning(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET running = 0 WHERE running = 1`)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Warn("recovered stale task claims", logx.Int64("tasks", n))
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Tasks ----

// CreateTask validates and inserts a new task. The first run is due one
// interval after creation.
func (s *Store) CreateTask(ctx context.Context, ownerID int64, name string, interval time.Duration, question string) (Task, error) {
	name = strings.TrimSpace(name)
	question = strings.TrimSpace(question)
	if interval < MinInterval {
		return Task{}, ErrInvalidInterval
	}
	if question == "" {
		return Task{}, ErrInvalidQuestion
	}
	if name == "" {
		return Task{}, ErrInvalidName
	}

	now := time.Now().UTC()
	next := now.Add(interval)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(owner_id, name, interval_secs, question, created_at, next_run_at)
		 VALUES(?,?,?,?,?,?)`,
		ownerID, name, int64(interval/time.Second), question, now.UnixMilli(), next.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Task{}, ErrDuplicateName
		}
		return Task{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Task{}, err
	}
	return Task{
		ID: id, OwnerID: ownerID, Name: name, Interval: interval,
		Question: question, CreatedAt: now, NextRunAt: next,
	}, nil
}

func (s *Store) DeleteTask(ctx context.Context, ownerID int64, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE owner_id = ? AND name = ?`, ownerID, strings.TrimSpace(name))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasks returns one owner's tasks in creation order.
func (s *Store) ListTasks(ctx context.Context, ownerID int64) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		taskColumns+` WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// DueTasks returns a snapshot of every idle task across all owners whose
// next run is at or before now.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		taskColumns+` WHERE next_run_at <= ? AND running = 0 ORDER BY next_run_at`,
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// MarkRunning atomically sets the in-flight flag. It is the sole
// serialization point guaranteeing at most one concurrent execution per task.
func (s *Store) MarkRunning(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET running = 1 WHERE id = ? AND running = 0`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM tasks WHERE id = ?)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyRunning
}

// ReleaseTask clears the in-flight flag without recording a run, so the
// task stays due and a later tick can reclaim it. Used for claims
// abandoned before execution starts, typically at shutdown.
func (s *Store) ReleaseTask(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET running = 0 WHERE id = ?`, id)
	return err
}

// CompleteTask clears the in-flight flag and reschedules from the completion
// time: next_run_at = now + interval. Rescheduling from completion rather
// than from the originally planned slot self-corrects after overload instead
// of accumulating backlog, at the cost of calendar drift.
//
// Returns the task's consecutive-failure count after the update. A task
// deleted mid-execution yields ErrNotFound and is never recreated.
func (s *Store) CompleteTask(ctx context.Context, id int64, success bool, now time.Time) (int, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		 SET running = 0,
		     last_run_at = ?,
		     next_run_at = ? + interval_secs * 1000,
		     consecutive_failures = CASE WHEN ? THEN 0 ELSE consecutive_failures + 1 END
		 WHERE id = ?`,
		now.UnixMilli(), now.UnixMilli(), success, id)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	if success {
		return 0, nil
	}

	var failures int
	if err := s.db.QueryRowContext(ctx,
		`SELECT consecutive_failures FROM tasks WHERE id = ?`, id).Scan(&failures); err != nil {
		// The row may have been deleted between the two statements; the
		// completion itself already happened.
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return failures, nil
}

const taskColumns = `SELECT id, owner_id, name, interval_secs, question, created_at,
	last_run_at, next_run_at, consecutive_failures, running FROM tasks`

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		var (
			t            Task
			intervalSecs int64
			createdMS    int64
			lastRunMS    sql.NullInt64
			nextRunMS    int64
			running      int
		)
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Name, &intervalSecs, &t.Question,
			&createdMS, &lastRunMS, &nextRunMS, &t.Failures, &running); err != nil {
			return nil, err
		}
		t.Interval = time.Duration(intervalSecs) * time.Second
		t.CreatedAt = time.UnixMilli(createdMS).UTC()
		if lastRunMS.Valid {
			t.LastRunAt = time.UnixMilli(lastRunMS.Int64).UTC()
		}
		t.NextRunAt = time.UnixMilli(nextRunMS).UTC()
		t.Running = running != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- Stat events ----

// AppendStat durably appends one event. Concurrent appenders serialize at
// the database, so no event is lost or duplicated.
func (s *Store) AppendStat(ctx context.Context, ev StatEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stat_events(command, user_id, at, duration_ms, ok, error_kind)
		 VALUES(?,?,?,?,?,?)`,
		ev.Command, ev.UserID, ev.At.UTC().UnixMilli(), ev.Duration.Milliseconds(),
		ev.OK, nullStr(ev.ErrorKind),
	)
	return err
}

// UserSummary aggregates one user's events in a single scan.
func (s *Store) UserSummary(ctx context.Context, userID int64) (UserSummary, error) {
	var (
		sum    UserSummary
		avg    sql.NullFloat64
		failed int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(DISTINCT DATE(at / 1000, 'unixepoch')),
		        AVG(duration_ms),
		        COUNT(CASE WHEN ok = 0 THEN 1 END)
		 FROM stat_events WHERE user_id = ?`, userID,
	).Scan(&sum.TotalCommands, &sum.ActiveDays, &avg, &failed)
	if err != nil {
		return UserSummary{}, err
	}
	sum.AvgDurationMS = avg.Float64
	if sum.TotalCommands > 0 {
		sum.ErrorRate = float64(failed) / float64(sum.TotalCommands)
	}
	return sum, nil
}

// CommandSummary aggregates all events per command kind, most used first.
func (s *Store) CommandSummary(ctx context.Context) ([]CommandUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT command,
		        COUNT(*),
		        AVG(duration_ms),
		        COUNT(CASE WHEN ok = 0 THEN 1 END)
		 FROM stat_events GROUP BY command ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandUsage
	for rows.Next() {
		var (
			u      CommandUsage
			avg    sql.NullFloat64
			failed int64
		)
		if err := rows.Scan(&u.Command, &u.Count, &avg, &failed); err != nil {
			return nil, err
		}
		u.AvgDurationMS = avg.Float64
		if u.Count > 0 {
			u.ErrorRate = float64(failed) / float64(u.Count)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
