// Package store keeps an audit trail of dispatched subtasks in SQLite.
// Dispatch correctness never depends on it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/BlakeLiAFK/kelemesh/internal/task"
)

// ErrNotFound is returned for unknown dispatch ids.
var ErrNotFound = errors.New("dispatch not found")

// Dispatch is one audit row.
type Dispatch struct {
	TaskID      string           `json:"task_id"`
	WorkerID    string           `json:"worker_id"`
	Description string           `json:"description"`
	Skills      []string         `json:"skills"`
	Status      string           `json:"status"`
	Kind        task.OutcomeKind `json:"kind,omitempty"`
	Error       string           `json:"error,omitempty"`
	Output      string           `json:"output,omitempty"`
	ToolCalls   int              `json:"tool_calls"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	ElapsedMS   int64            `json:"elapsed_ms"`
	RecordedAt  time.Time        `json:"recorded_at"`
}

// Stats aggregates the audit table.
type Stats struct {
	Total     int                      `json:"total"`
	Succeeded int                      `json:"succeeded"`
	ByKind    map[task.OutcomeKind]int `json:"by_kind"`
	ByWorker  map[string]int           `json:"by_worker"`
}

// DispatchStore is the SQLite audit store.
type DispatchStore struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (or creates) the audit database.
func Open(dbPath string, log *zap.Logger) (*DispatchStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &DispatchStore{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *DispatchStore) Close() error {
	return s.db.Close()
}

func (s *DispatchStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS dispatches (
			task_id      TEXT PRIMARY KEY,
			worker_id    TEXT DEFAULT '',
			description  TEXT DEFAULT '',
			skills       TEXT DEFAULT '[]',
			status       TEXT NOT NULL,
			kind         TEXT DEFAULT '',
			error        TEXT DEFAULT '',
			output       TEXT DEFAULT '',
			tool_calls   INTEGER DEFAULT 0,
			started_at   DATETIME,
			completed_at DATETIME,
			elapsed_ms   INTEGER DEFAULT 0,
			recorded_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_dispatches_worker ON dispatches(worker_id);
		CREATE INDEX IF NOT EXISTS idx_dispatches_recorded ON dispatches(recorded_at);
	`)
	return err
}

// Record writes the final state of one dispatch.
func (s *DispatchStore) Record(ctx context.Context, st task.SubTask, out task.Outcome) error {
	skills, err := json.Marshal(st.Skills)
	if err != nil {
		return err
	}
	var output string
	var toolCalls int
	if out.Data != nil {
		output = out.Data.Output
		toolCalls = out.Data.ToolCalls
	}
	workerID := out.WorkerID
	if workerID == "" {
		workerID = st.WorkerID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dispatches (task_id, worker_id, description, skills, status, kind, error, output, tool_calls, started_at, completed_at, elapsed_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			worker_id=excluded.worker_id, status=excluded.status, kind=excluded.kind,
			error=excluded.error, output=excluded.output, tool_calls=excluded.tool_calls,
			started_at=excluded.started_at, completed_at=excluded.completed_at,
			elapsed_ms=excluded.elapsed_ms, recorded_at=excluded.recorded_at`,
		st.TaskID, workerID, st.Description, string(skills), string(st.Status),
		string(out.Kind), out.Error, output, toolCalls,
		nullTime(st.StartedAt), nullTime(st.CompletedAt),
		out.Elapsed.Milliseconds(), time.Now())
	if err != nil {
		return fmt.Errorf("record dispatch %s: %w", st.TaskID, err)
	}
	return nil
}

// ObserveDispatch records an outcome; errors are logged and dropped.
func (s *DispatchStore) ObserveDispatch(st task.SubTask, out task.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Record(ctx, st, out); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
}

const selectCols = `task_id, worker_id, description, skills, status, kind, error, output, tool_calls, started_at, completed_at, elapsed_ms, recorded_at`

// Get returns one dispatch.
func (s *DispatchStore) Get(ctx context.Context, taskID string) (*Dispatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM dispatches WHERE task_id = ?`, taskID)
	d, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return d, err
}

// Recent returns the newest dispatches first, optionally for one worker.
func (s *DispatchStore) Recent(ctx context.Context, workerID string, limit int) ([]*Dispatch, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + selectCols + ` FROM dispatches`
	var args []interface{}
	if workerID != "" {
		query += ` WHERE worker_id = ?`
		args = append(args, workerID)
	}
	query += ` ORDER BY recorded_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Stats aggregates all rows.
func (s *DispatchStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByKind: map[task.OutcomeKind]int{}, ByWorker: map[string]int{}}
	rows, err := s.db.QueryContext(ctx, `SELECT worker_id, kind, COUNT(*) FROM dispatches GROUP BY worker_id, kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var worker, kind string
		var n int
		if err := rows.Scan(&worker, &kind, &n); err != nil {
			return nil, err
		}
		st.Total += n
		if kind == "" {
			st.Succeeded += n
		} else {
			st.ByKind[task.OutcomeKind(kind)] += n
		}
		if worker != "" {
			st.ByWorker[worker] += n
		}
	}
	return st, rows.Err()
}

// Prune deletes rows recorded before cutoff.
func (s *DispatchStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dispatches WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispatch(sc scanner) (*Dispatch, error) {
	d := &Dispatch{}
	var skills, kind string
	var started, completed sql.NullTime
	err := sc.Scan(&d.TaskID, &d.WorkerID, &d.Description, &skills, &d.Status, &kind,
		&d.Error, &d.Output, &d.ToolCalls, &started, &completed, &d.ElapsedMS, &d.RecordedAt)
	if err != nil {
		return nil, err
	}
	d.Kind = task.OutcomeKind(kind)
	if err := json.Unmarshal([]byte(skills), &d.Skills); err != nil {
		d.Skills = nil
	}
	if started.Valid {
		t := started.Time
		d.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		d.CompletedAt = &t
	}
	return d, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
