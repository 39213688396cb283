package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"taskboard/domain"
)

// SQLStore keeps tasks, users and sessions in a SQLite database.
type SQLStore struct {
	db *sql.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		expires_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_user_id ON sessions(user_id)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		title       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		priority    TEXT NOT NULL,
		deadline    INTEGER,
		created_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_owner_id ON tasks(owner_id)`,
}

// OpenSQL opens (creating if needed) the database at path and applies the schema.
// The path ":memory:" opens a private in-memory database.
func OpenSQL(ctx context.Context, path string) (*SQLStore, error) {
	memory := path == ":memory:"
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if !memory {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		// Every connection to :memory: gets its own database.
		db.SetMaxOpenConns(1)
	}
	s := &SQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.WithField("path", path).Debug("sqlite store ready")
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrRowNotFound
	}
	return nil
}

const taskColumns = `id, owner_id, title, description, status, priority, deadline, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (domain.Task, error) {
	var (
		t         domain.Task
		status    string
		priority  string
		deadline  sql.NullInt64
		createdAt int64
	)
	if err := r.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Description, &status, &priority, &deadline, &createdAt); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.Status(status)
	t.Priority = domain.Priority(priority)
	if deadline.Valid {
		d := fromMillis(deadline.Int64)
		t.Deadline = &d
	}
	t.CreatedAt = fromMillis(createdAt)
	return t, nil
}

func (s *SQLStore) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Title, t.Description, string(t.Status), string(t.Priority), nullMillis(t.Deadline), toMillis(t.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTask(ctx context.Context, ownerID, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ? AND owner_id = ?`, id, ownerID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

func (s *SQLStore) ReplaceTask(ctx context.Context, t domain.Task) error {
	err := affectedOne(s.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?, deadline = ? WHERE id = ? AND owner_id = ?`,
		t.Title, t.Description, string(t.Status), string(t.Priority), nullMillis(t.Deadline), t.ID, t.OwnerID))
	if err != nil && !errors.Is(err, domain.ErrRowNotFound) {
		return fmt.Errorf("replace task: %w", err)
	}
	return err
}

func (s *SQLStore) UpdateTaskStatus(ctx context.Context, ownerID, id string, status domain.Status) error {
	err := affectedOne(s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ? AND owner_id = ?`, string(status), id, ownerID))
	if err != nil && !errors.Is(err, domain.ErrRowNotFound) {
		return fmt.Errorf("update task status: %w", err)
	}
	return err
}

func (s *SQLStore) DeleteTask(ctx context.Context, ownerID, id string) error {
	err := affectedOne(s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND owner_id = ?`, id, ownerID))
	if err != nil && !errors.Is(err, domain.ErrRowNotFound) {
		return fmt.Errorf("delete task: %w", err)
	}
	return err
}

// ListTasks returns the owner's tasks in insertion order.
func (s *SQLStore) ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? ORDER BY rowid`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var (
		u         domain.User
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, password_hash, created_at FROM users WHERE email = ?`, strings.ToLower(email)).
		Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

func (s *SQLStore) InsertUser(ctx context.Context, u domain.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Name, strings.ToLower(u.Email), u.PasswordHash, toMillis(u.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *SQLStore) InsertSession(ctx context.Context, sess domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, expires_at) VALUES (?, ?, ?)`,
		sess.ID, sess.UserID, toMillis(sess.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var (
		sess      domain.Session
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, user_id, expires_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.ExpiresAt = fromMillis(expiresAt)
	return &sess, nil
}

func (s *SQLStore) UpdateSessionExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	err := affectedOne(s.db.ExecContext(ctx, `UPDATE sessions SET expires_at = ? WHERE id = ?`, toMillis(expiresAt), id))
	if err != nil && !errors.Is(err, domain.ErrRowNotFound) {
		return fmt.Errorf("update session: %w", err)
	}
	return err
}

func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	err := affectedOne(s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id))
	if err != nil && !errors.Is(err, domain.ErrRowNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	return err
}

// DeleteExpiredSessions removes every session that expired before now.
func (s *SQLStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}
