package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for problems, reasoning
// sessions, insights, and notification preferences.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "debugpartner.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// --- Problems ---

// CreateProblem inserts a problem together with its reasoning session plan
// in a single transaction: a problem never exists without its sessions.
func (s *Store) CreateProblem(p Problem, sessions []ReasoningSession) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO problems (id, user_id, title, description, environment_info, category, severity, tags, max_budget, ai_cost, status, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 0, ?, ?)`,
		p.ID, p.UserID, p.Title, p.Description, p.EnvironmentInfo, p.Category, p.Severity, p.Tags,
		p.MaxBudget, ProblemActive, fmtTime(p.CreatedAt), fmtTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting problem: %w", err)
	}

	for _, sess := range sessions {
		_, err = tx.Exec(`
			INSERT INTO reasoning_sessions (id, problem_id, layer_name, layer_order, schedule_time, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, p.ID, sess.LayerName, sess.LayerOrder, fmtTime(sess.ScheduleTime), SessionPending, fmtTime(sess.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting session layer %d: %w", sess.LayerOrder, err)
		}
	}

	return tx.Commit()
}

const problemColumns = `id, user_id, title, description, environment_info, category, severity, tags, max_budget, ai_cost, status, archived, created_at, updated_at, resolved_at`

func scanProblem(row interface{ Scan(...any) error }) (Problem, error) {
	var p Problem
	var createdAt, updatedAt string
	var resolvedAt sql.NullString
	err := row.Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &p.EnvironmentInfo,
		&p.Category, &p.Severity, &p.Tags, &p.MaxBudget, &p.AICost, &p.Status,
		&p.Archived, &createdAt, &updatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return Problem{}, ErrNotFound
	}
	if err != nil {
		return Problem{}, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return Problem{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Problem{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return Problem{}, fmt.Errorf("parsing resolved_at: %w", err)
		}
		p.ResolvedAt = &t
	}
	return p, nil
}

func (s *Store) GetProblem(id string) (Problem, error) {
	row := s.db.QueryRow(`SELECT `+problemColumns+` FROM problems WHERE id = ?`, id)
	return scanProblem(row)
}

// ListProblems returns problems ordered newest first. Archived problems are
// included only when archived is true.
func (s *Store) ListProblems(archived bool, limit, offset int) ([]Problem, error) {
	rows, err := s.db.Query(`
		SELECT `+problemColumns+` FROM problems
		WHERE archived = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, archived, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Problem
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// SetProblemStatus moves a problem between active, paused, and resolved.
// Resolving stamps resolved_at; leaving resolved clears it.
func (s *Store) SetProblemStatus(id, status string) error {
	if status != ProblemActive && status != ProblemPaused && status != ProblemResolved {
		return fmt.Errorf("invalid problem status %q", status)
	}
	now := fmtTime(time.Now())
	var resolvedAt any
	if status == ProblemResolved {
		resolvedAt = now
	}
	res, err := s.db.Exec(`UPDATE problems SET status = ?, resolved_at = ?, updated_at = ? WHERE id = ?`,
		status, resolvedAt, now, id)
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

func (s *Store) SetProblemArchived(id string, archived bool) error {
	res, err := s.db.Exec(`UPDATE problems SET archived = ?, updated_at = ? WHERE id = ?`,
		archived, fmtTime(time.Now()), id)
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

// DeleteProblem hard-deletes a problem and its dependents. Only archived
// problems may be deleted.
func (s *Store) DeleteProblem(id string) error {
	res, err := s.db.Exec(`DELETE FROM problems WHERE id = ? AND archived = 1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM problems WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return fmt.Errorf("problem %s is not archived", id)
	}
	return nil
}

// AddAICost increments the accumulated cost atomically. Concurrent
// generator runs must never overwrite each other, so this is an additive
// update in SQL rather than a read-modify-write in Go.
func (s *Store) AddAICost(id string, delta float64) error {
	res, err := s.db.Exec(`UPDATE problems SET ai_cost = ai_cost + ?, updated_at = ? WHERE id = ?`,
		delta, fmtTime(time.Now()), id)
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

func (s *Store) CountProblemsSince(userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM problems WHERE user_id = ? AND created_at >= ?`,
		userID, fmtTime(since)).Scan(&n)
	return n, err
}

// --- Reasoning sessions ---

const sessionColumns = `id, problem_id, layer_name, layer_order, schedule_time, status, completed_at, created_at`

func scanSession(row interface{ Scan(...any) error }) (ReasoningSession, error) {
	var sess ReasoningSession
	var scheduleTime, createdAt string
	var completedAt sql.NullString
	err := row.Scan(&sess.ID, &sess.ProblemID, &sess.LayerName, &sess.LayerOrder,
		&scheduleTime, &sess.Status, &completedAt, &createdAt)
	if err == sql.ErrNoRows {
		return ReasoningSession{}, ErrNotFound
	}
	if err != nil {
		return ReasoningSession{}, err
	}
	if sess.ScheduleTime, err = parseTime(scheduleTime); err != nil {
		return ReasoningSession{}, fmt.Errorf("parsing schedule_time: %w", err)
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return ReasoningSession{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return ReasoningSession{}, fmt.Errorf("parsing completed_at: %w", err)
		}
		sess.CompletedAt = &t
	}
	return sess, nil
}

func (s *Store) GetSessionByLayer(problemID string, layerOrder int) (ReasoningSession, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM reasoning_sessions WHERE problem_id = ? AND layer_order = ?`,
		problemID, layerOrder)
	return scanSession(row)
}

func (s *Store) ListSessions(problemID string) ([]ReasoningSession, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM reasoning_sessions WHERE problem_id = ? ORDER BY layer_order ASC`,
		problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ReasoningSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sess)
	}
	return results, rows.Err()
}

// ListDueSessions returns pending sessions whose schedule time has elapsed
// and whose parent problem is active. Sessions of paused or resolved
// problems stay pending and become eligible again when the problem does.
func (s *Store) ListDueSessions(now time.Time) ([]ReasoningSession, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.problem_id, s.layer_name, s.layer_order, s.schedule_time, s.status, s.completed_at, s.created_at
		FROM reasoning_sessions s
		JOIN problems p ON p.id = s.problem_id
		WHERE s.status = ? AND s.schedule_time <= ? AND p.status = ?
		ORDER BY s.schedule_time ASC`,
		SessionPending, fmtTime(now), ProblemActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ReasoningSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sess)
	}
	return results, rows.Err()
}

// ClaimSession transitions a session from pending to processing only if it
// is still pending, and reports whether this caller won the claim.
// Overlapping poll cycles racing for the same due session therefore
// dispatch generation at most once.
func (s *Store) ClaimSession(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE reasoning_sessions SET status = ? WHERE id = ? AND status = ?`,
		SessionProcessing, id, SessionPending)
	if err != nil {
		return false, fmt.Errorf("claiming session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteSession marks a processing session completed. Terminal states
// are never left, so the update is conditional on the current status.
func (s *Store) CompleteSession(id string, completedAt time.Time) error {
	res, err := s.db.Exec(`UPDATE reasoning_sessions SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		SessionCompleted, fmtTime(completedAt), id, SessionProcessing)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s is not processing: %w", id, ErrNotFound)
	}
	return nil
}

// FailSession marks a pending or processing session failed.
func (s *Store) FailSession(id string) error {
	res, err := s.db.Exec(`UPDATE reasoning_sessions SET status = ? WHERE id = ? AND status IN (?, ?)`,
		SessionFailed, id, SessionPending, SessionProcessing)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s is not pending or processing: %w", id, ErrNotFound)
	}
	return nil
}

// --- Insights ---

const insightColumns = `id, problem_id, session_id, content, insight_type, code_samples, is_significant, created_at`

func scanInsight(row interface{ Scan(...any) error }) (Insight, error) {
	var ins Insight
	var createdAt string
	err := row.Scan(&ins.ID, &ins.ProblemID, &ins.SessionID, &ins.Content,
		&ins.InsightType, &ins.CodeSamples, &ins.IsSignificant, &createdAt)
	if err == sql.ErrNoRows {
		return Insight{}, ErrNotFound
	}
	if err != nil {
		return Insight{}, err
	}
	if ins.CreatedAt, err = parseTime(createdAt); err != nil {
		return Insight{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return ins, nil
}

func (s *Store) InsertInsight(ins Insight) error {
	_, err := s.db.Exec(`
		INSERT INTO insights (id, problem_id, session_id, content, insight_type, code_samples, is_significant, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ins.ID, ins.ProblemID, ins.SessionID, ins.Content, ins.InsightType,
		ins.CodeSamples, ins.IsSignificant, fmtTime(ins.CreatedAt),
	)
	return err
}

func (s *Store) ListInsights(problemID string) ([]Insight, error) {
	rows, err := s.db.Query(`SELECT `+insightColumns+` FROM insights WHERE problem_id = ? ORDER BY created_at ASC`,
		problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInsights(rows)
}

// ListInsightsBefore returns a problem's insights created strictly before
// cutoff, oldest first. Used for the anti-repetition summary.
func (s *Store) ListInsightsBefore(problemID string, cutoff time.Time) ([]Insight, error) {
	rows, err := s.db.Query(`
		SELECT `+insightColumns+` FROM insights
		WHERE problem_id = ? AND created_at < ?
		ORDER BY created_at ASC`,
		problemID, fmtTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInsights(rows)
}

// ListUserInsightsSince returns insights across all of a user's problems
// created at or after since, newest first. Used by the weekly digest.
func (s *Store) ListUserInsightsSince(userID string, since time.Time) ([]Insight, error) {
	rows, err := s.db.Query(`
		SELECT i.id, i.problem_id, i.session_id, i.content, i.insight_type, i.code_samples, i.is_significant, i.created_at
		FROM insights i
		JOIN problems p ON p.id = i.problem_id
		WHERE p.user_id = ? AND i.created_at >= ?
		ORDER BY i.created_at DESC`,
		userID, fmtTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInsights(rows)
}

func collectInsights(rows *sql.Rows) ([]Insight, error) {
	var results []Insight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, ins)
	}
	return results, rows.Err()
}

// --- Notification preferences ---

func (s *Store) GetNotificationPreference(userID string) (NotificationPreference, error) {
	var pref NotificationPreference
	var createdAt string
	err := s.db.QueryRow(`
		SELECT user_id, email, enabled, schedule_type, max_per_day, weekly_digest, created_at
		FROM notification_preferences WHERE user_id = ?`, userID,
	).Scan(&pref.UserID, &pref.Email, &pref.Enabled, &pref.ScheduleType, &pref.MaxPerDay, &pref.WeeklyDigest, &createdAt)
	if err == sql.ErrNoRows {
		return NotificationPreference{}, ErrNotFound
	}
	if err != nil {
		return NotificationPreference{}, err
	}
	if pref.CreatedAt, err = parseTime(createdAt); err != nil {
		return NotificationPreference{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return pref, nil
}

func (s *Store) UpsertNotificationPreference(pref NotificationPreference) error {
	_, err := s.db.Exec(`
		INSERT INTO notification_preferences (user_id, email, enabled, schedule_type, max_per_day, weekly_digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			email = excluded.email,
			enabled = excluded.enabled,
			schedule_type = excluded.schedule_type,
			max_per_day = excluded.max_per_day,
			weekly_digest = excluded.weekly_digest`,
		pref.UserID, pref.Email, pref.Enabled, pref.ScheduleType, pref.MaxPerDay,
		pref.WeeklyDigest, fmtTime(time.Now()),
	)
	return err
}

// ListDigestRecipients returns preferences that opted into the weekly
// digest. Disabled notifications suppress the digest like everything else.
func (s *Store) ListDigestRecipients() ([]NotificationPreference, error) {
	rows, err := s.db.Query(`
		SELECT user_id, email, enabled, schedule_type, max_per_day, weekly_digest, created_at
		FROM notification_preferences WHERE enabled = 1 AND weekly_digest = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []NotificationPreference
	for rows.Next() {
		var pref NotificationPreference
		var createdAt string
		if err := rows.Scan(&pref.UserID, &pref.Email, &pref.Enabled, &pref.ScheduleType,
			&pref.MaxPerDay, &pref.WeeklyDigest, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		pref.CreatedAt = t
		results = append(results, pref)
	}
	return results, rows.Err()
}

// --- Problem files ---

func (s *Store) SaveProblemFile(f ProblemFile) error {
	_, err := s.db.Exec(`
		INSERT INTO problem_files (id, problem_id, name, content_type, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.ProblemID, f.Name, f.ContentType, f.Content, fmtTime(f.CreatedAt),
	)
	return err
}

func (s *Store) ListProblemFiles(problemID string) ([]ProblemFile, error) {
	rows, err := s.db.Query(`
		SELECT id, problem_id, name, content_type, content, created_at
		FROM problem_files WHERE problem_id = ? ORDER BY created_at ASC`, problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ProblemFile
	for rows.Next() {
		var f ProblemFile
		var createdAt string
		if err := rows.Scan(&f.ID, &f.ProblemID, &f.Name, &f.ContentType, &f.Content, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		f.CreatedAt = t
		results = append(results, f)
	}
	return results, rows.Err()
}
