package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"planbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite-backed store, creating the schema if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
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
	// Needed for the execution_logs ON DELETE CASCADE.
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- sessions ----

func (s *sqliteStore) SaveSession(ctx context.Context, sess *Session) error {
	if sess == nil || strings.TrimSpace(sess.ID) == "" {
		return errors.New("session id is required")
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	plans, err := jsonOrNil(sess.Plans)
	if err != nil {
		return err
	}
	summary, err := jsonOrNil(sess.Summary)
	if err != nil {
		return err
	}
	msgs, err := jsonOrNil(sess.MessageIDs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, generated_at, status, admin_user_id, team_id, plans, summary, message_ids,
		                      error_message, retry_count, last_retry_at, next_retry_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, plans=excluded.plans, summary=excluded.summary,
		   message_ids=excluded.message_ids, error_message=excluded.error_message,
		   retry_count=excluded.retry_count, last_retry_at=excluded.last_retry_at,
		   next_retry_at=excluded.next_retry_at, updated_at=excluded.updated_at`,
		sess.ID, fmtTime(sess.GeneratedAt), string(sess.Status), sess.AdminUserID, sess.TeamID,
		plans, summary, msgs,
		nullStr(sess.ErrorMessage), sess.RetryCount, fmtTimePtr(sess.LastRetryAt), fmtTimePtr(sess.NextRetryAt),
		fmtTime(sess.CreatedAt), fmtTime(sess.UpdatedAt),
	)
	return err
}

const sessionCols = `id, generated_at, status, admin_user_id, team_id, plans, summary, message_ids,
	error_message, retry_count, last_retry_at, next_retry_at, created_at, updated_at`

func (s *sqliteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

func (s *sqliteStore) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, errorMessage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), nullStr(errorMessage), fmtTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListSessionsByStatus(ctx context.Context, statuses ...SessionStatus) ([]*Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	q := `SELECT ` + sessionCols + ` FROM sessions WHERE status IN (` + placeholders(len(statuses)) + `)
	      ORDER BY generated_at DESC`
	return s.querySessions(ctx, q, args...)
}

func (s *sqliteStore) ListSessionsByAdmin(ctx context.Context, adminUserID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + sessionCols + ` FROM sessions WHERE admin_user_id = ?
	      ORDER BY generated_at DESC LIMIT ?`
	return s.querySessions(ctx, q, adminUserID, limit)
}

func (s *sqliteStore) ListRecentSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + sessionCols + ` FROM sessions ORDER BY generated_at DESC LIMIT ?`
	return s.querySessions(ctx, q, limit)
}

func (s *sqliteStore) ListRecoverableSessions(ctx context.Context, maxRetries int) ([]*Session, error) {
	q := `SELECT ` + sessionCols + ` FROM sessions
	      WHERE status = ? OR (status = ? AND retry_count < ?)
	      ORDER BY generated_at DESC`
	return s.querySessions(ctx, q, string(StatusPending), string(StatusFailed), maxRetries)
}

func (s *sqliteStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time, statuses ...SessionStatus) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []any{fmtTime(cutoff)}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	cond := `generated_at < ? AND status IN (` + placeholders(len(statuses)) + `)`

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE `+cond, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE `+cond, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *sqliteStore) querySessions(ctx context.Context, q string, args ...any) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var (
		sess                           Session
		status                         string
		genAt, createdAt, updatedAt    string
		plans, summary, msgs, errMsg   sql.NullString
		lastRetryAt, nextRetryAt       sql.NullString
	)
	err := r.Scan(&sess.ID, &genAt, &status, &sess.AdminUserID, &sess.TeamID,
		&plans, &summary, &msgs,
		&errMsg, &sess.RetryCount, &lastRetryAt, &nextRetryAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	sess.GeneratedAt = parseTime(genAt)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	sess.ErrorMessage = errMsg.String
	sess.LastRetryAt = parseTimePtr(lastRetryAt)
	sess.NextRetryAt = parseTimePtr(nextRetryAt)
	if plans.Valid && plans.String != "" {
		if err := json.Unmarshal([]byte(plans.String), &sess.Plans); err != nil {
			return nil, fmt.Errorf("decode plans for %s: %w", sess.ID, err)
		}
	}
	if summary.Valid && summary.String != "" {
		if err := json.Unmarshal([]byte(summary.String), &sess.Summary); err != nil {
			return nil, fmt.Errorf("decode summary for %s: %w", sess.ID, err)
		}
	}
	if msgs.Valid && msgs.String != "" {
		if err := json.Unmarshal([]byte(msgs.String), &sess.MessageIDs); err != nil {
			return nil, fmt.Errorf("decode message ids for %s: %w", sess.ID, err)
		}
	}
	return &sess, nil
}

// ---- schedule configs ----

func (s *sqliteStore) SaveScheduleConfig(ctx context.Context, cfg *ScheduleConfig) error {
	if cfg == nil || strings.TrimSpace(cfg.ID) == "" {
		return errors.New("schedule config id is required")
	}
	now := time.Now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	cfg.IsActive = true

	chatIDs, err := jsonOrNil(cfg.ChatIDs)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE schedule_configs SET is_active = 0, updated_at = ? WHERE is_active = 1`,
		fmtTime(now),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schedule_configs(id, cron_expression, timezone, enabled, admin_user_id, team_id,
		                              chat_ids, is_active, next_execution, last_execution, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,1,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   cron_expression=excluded.cron_expression, timezone=excluded.timezone, enabled=excluded.enabled,
		   chat_ids=excluded.chat_ids, is_active=1, next_execution=excluded.next_execution,
		   updated_at=excluded.updated_at`,
		cfg.ID, cfg.CronExpression, cfg.Timezone, boolInt(cfg.Enabled), cfg.AdminUserID, cfg.TeamID,
		chatIDs, fmtTimePtr(cfg.NextExecution), fmtTimePtr(cfg.LastExecution),
		fmtTime(cfg.CreatedAt), fmtTime(cfg.UpdatedAt),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ActiveScheduleConfig(ctx context.Context) (*ScheduleConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, cron_expression, timezone, enabled, admin_user_id, team_id, chat_ids,
		        is_active, next_execution, last_execution, created_at, updated_at
		 FROM schedule_configs WHERE is_active = 1
		 ORDER BY updated_at DESC LIMIT 1`)

	var (
		cfg                     ScheduleConfig
		enabled, active         int
		chatIDs                 sql.NullString
		nextExec, lastExec      sql.NullString
		createdAt, updatedAt    string
	)
	err := row.Scan(&cfg.ID, &cfg.CronExpression, &cfg.Timezone, &enabled, &cfg.AdminUserID, &cfg.TeamID,
		&chatIDs, &active, &nextExec, &lastExec, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg.Enabled = enabled != 0
	cfg.IsActive = active != 0
	cfg.NextExecution = parseTimePtr(nextExec)
	cfg.LastExecution = parseTimePtr(lastExec)
	cfg.CreatedAt = parseTime(createdAt)
	cfg.UpdatedAt = parseTime(updatedAt)
	if chatIDs.Valid && chatIDs.String != "" {
		if err := json.Unmarshal([]byte(chatIDs.String), &cfg.ChatIDs); err != nil {
			return nil, fmt.Errorf("decode chat ids for %s: %w", cfg.ID, err)
		}
	}
	return &cfg, nil
}

func (s *sqliteStore) MarkScheduleRun(ctx context.Context, id string, last, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedule_configs SET last_execution = ?, next_execution = ?, updated_at = ? WHERE id = ?`,
		fmtTime(last), fmtTime(next), fmtTime(time.Now()), id,
	)
	return err
}

// ---- execution logs ----

func (s *sqliteStore) AppendLog(ctx context.Context, e LogEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	details, err := jsonOrNil(e.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_logs(session_id, level, message, details, at) VALUES(?,?,?,?,?)`,
		nullStr(e.SessionID), e.Level, e.Message, details, fmtTime(e.At),
	)
	return err
}

func (s *sqliteStore) QueryLogs(ctx context.Context, f LogFilter) ([]LogEntry, error) {
	q := `SELECT id, session_id, level, message, details, at FROM execution_logs`
	var conds []string
	var args []any
	if f.Level != "" {
		conds = append(conds, "level = ?")
		args = append(args, f.Level)
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "at >= ?")
		args = append(args, fmtTime(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "at < ?")
		args = append(args, fmtTime(f.Until))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e         LogEntry
			sessionID sql.NullString
			details   sql.NullString
			at        string
		)
		if err := rows.Scan(&e.ID, &sessionID, &e.Level, &e.Message, &details, &at); err != nil {
			return nil, err
		}
		e.SessionID = sessionID.String
		e.At = parseTime(at)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("decode log details %d: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM execution_logs WHERE at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- aggregates ----

func (s *sqliteStore) CountSessionsByStatus(ctx context.Context) (map[SessionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[SessionStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[SessionStatus(status)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountRetrySessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE retry_count > 0`).Scan(&n)
	return n, err
}

func (s *sqliteStore) AverageExecutionMillis(ctx context.Context) (float64, error) {
	// strftime('%s') truncates to seconds; good enough for a best-effort metric.
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG((strftime('%s', updated_at) - strftime('%s', generated_at)) * 1000.0)
		 FROM sessions WHERE status IN (?, ?, ?)`,
		string(StatusConfirmed), string(StatusCompleted), string(StatusFailed),
	).Scan(&avg)
	if err != nil {
		return 0, err
	}
	return avg.Float64, nil
}

// ---- helpers ----

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// timeFormat is fixed-width so the stored TEXT values compare in timestamp
// order; RFC3339Nano trims fractional zeros and breaks that for same-second
// rows.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func jsonOrNil(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	case []int64:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(x) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}
