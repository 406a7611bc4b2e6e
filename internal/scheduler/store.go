package scheduler

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound is returned for task ids the store does not know.
var ErrNotFound = errors.New("task not found")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	folder     TEXT NOT NULL DEFAULT '',
	prompt     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	value      TEXT NOT NULL,
	context    TEXT NOT NULL DEFAULT 'inherit',
	status     TEXT NOT NULL DEFAULT 'active',
	next_fire  INTEGER NOT NULL DEFAULT 0,
	last_fire  INTEGER NOT NULL DEFAULT 0,
	created    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_fire);
`

// Store persists tasks in a single SQLite table.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the task database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open task db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping task db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate task db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new task.
func (s *Store) Create(t Task) error {
	_, err := s.db.Exec(`INSERT INTO tasks
		(id, folder, prompt, kind, value, context, status, next_fire, last_fire, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Folder, t.Prompt, string(t.Kind), t.Value, string(t.Context),
		string(t.Status), unixMS(t.NextFire), unixMS(t.LastFire), unixMS(t.Created))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get returns one task by id.
func (s *Store) Get(id string) (Task, error) {
	row := s.db.QueryRow(`SELECT id, folder, prompt, kind, value, context, status,
		next_fire, last_fire, created FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

// List returns all tasks, or only one folder's tasks when folder is
// non-empty, newest first.
func (s *Store) List(folder string) ([]Task, error) {
	q := `SELECT id, folder, prompt, kind, value, context, status,
		next_fire, last_fire, created FROM tasks ORDER BY created DESC`
	args := []any{}
	if folder != "" {
		q = `SELECT id, folder, prompt, kind, value, context, status,
			next_fire, last_fire, created FROM tasks WHERE folder = ? ORDER BY created DESC`
		args = append(args, folder)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Due returns active tasks whose next fire is at or before now.
func (s *Store) Due(now time.Time) ([]Task, error) {
	rows, err := s.db.Query(`SELECT id, folder, prompt, kind, value, context, status,
		next_fire, last_fire, created FROM tasks
		WHERE status = ? AND next_fire > 0 AND next_fire <= ?
		ORDER BY next_fire`, string(StatusActive), unixMS(now))
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetStatus transitions a task's status without touching its schedule.
func (s *Store) SetStatus(id string, status Status) error {
	return s.exec1(`UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
}

// SetOutcome records one firing: status, last fire and the re-derived
// next fire in a single write.
func (s *Store) SetOutcome(id string, status Status, lastFire, nextFire time.Time) error {
	return s.exec1(`UPDATE tasks SET status = ?, last_fire = ?, next_fire = ? WHERE id = ?`,
		string(status), unixMS(lastFire), unixMS(nextFire), id)
}

// SetNextFire rewrites only the schedule, used when resuming skips ahead.
func (s *Store) SetNextFire(id string, status Status, nextFire time.Time) error {
	return s.exec1(`UPDATE tasks SET status = ?, next_fire = ? WHERE id = ?`,
		string(status), unixMS(nextFire), id)
}

// RecoverRunning repairs tasks left in running by a crash mid-fire:
// one-shots whose schedule is spent become completed, everything else
// returns to active so the next tick picks it up again. Returns the
// number of repaired tasks.
func (s *Store) RecoverRunning() (int64, error) {
	var repaired int64
	for _, q := range []string{
		`UPDATE tasks SET status = 'completed' WHERE status = 'running' AND next_fire = 0`,
		`UPDATE tasks SET status = 'active' WHERE status = 'running'`,
	} {
		res, err := s.db.Exec(q)
		if err != nil {
			return repaired, fmt.Errorf("recover running tasks: %w", err)
		}
		n, _ := res.RowsAffected()
		repaired += n
	}
	return repaired, nil
}

// Delete removes a task permanently.
func (s *Store) Delete(id string) error {
	return s.exec1(`DELETE FROM tasks WHERE id = ?`, id)
}

func (s *Store) exec1(q string, args ...any) error {
	res, err := s.db.Exec(q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var kind, ctx, status string
	var next, last, created int64
	err := row.Scan(&t.ID, &t.Folder, &t.Prompt, &kind, &t.Value, &ctx, &status,
		&next, &last, &created)
	if err != nil {
		return Task{}, err
	}
	t.Kind, t.Context, t.Status = Kind(kind), Context(ctx), Status(status)
	t.NextFire, t.LastFire, t.Created = fromUnixMS(next), fromUnixMS(last), fromUnixMS(created)
	return t, nil
}

func unixMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
