// Package sqlite provides a durable execution.Store backed by SQLite.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kingrea/pathway/internal/execution"
	"github.com/kingrea/pathway/internal/execution/sqlite/migrations"
	"github.com/kingrea/pathway/internal/storage/sqlitemigrate"
)

const pragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"

// Store persists executions and their checkpoints. Each write runs in a
// single transaction so a checkpoint never exists without its transition.
type Store struct {
	db   *sql.DB
	opts execution.Options
}

var _ execution.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string, opts ...execution.Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("execution sqlite: path is required")
	}
	db, err := sql.Open("sqlite", filepath.Clean(path)+pragmas)
	if err != nil {
		return nil, fmt.Errorf("execution sqlite: open: %w", err)
	}
	// One connection serializes writers; the version guard still rejects
	// stale transitions.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("execution sqlite: ping: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, db, migrations.FS, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("execution sqlite: migrate: %w", err)
	}
	return &Store{db: db, opts: execution.BuildOptions(opts...)}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("execution sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback: %v", err, rollbackErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("execution sqlite: commit: %w", err)
	}
	return nil
}

// Create inserts a new pending execution.
func (s *Store) Create(ctx context.Context, req execution.CreateRequest) (string, error) {
	if err := execution.ValidateCreate(req); err != nil {
		return "", err
	}
	var id string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id = strings.TrimSpace(req.ID)
		if id != "" {
			existing, err := loadState(ctx, tx, id)
			switch {
			case err == nil:
				if execution.SameCreate(&existing, req) {
					return nil
				}
				return fmt.Errorf("%w: id %s already in use", execution.ErrDuplicateExecution, id)
			case !errors.Is(err, execution.ErrNotFound):
				return err
			}
		}
		if !req.AllowParallel {
			var active string
			err := tx.QueryRowContext(ctx, `
SELECT id FROM executions
WHERE graph_id = ? AND owner_id = ? AND status NOT IN (?, ?, ?)
LIMIT 1`,
				req.Graph.ID, req.OwnerID,
				string(execution.StatusCompleted), string(execution.StatusFailed), string(execution.StatusCancelled),
			).Scan(&active)
			if err == nil {
				return fmt.Errorf("%w: %s already active for owner %s (%s)", execution.ErrDuplicateExecution, req.Graph.ID, req.OwnerID, active)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("execution sqlite: duplicate check: %w", err)
			}
		}
		if id == "" {
			id = s.opts.NewID()
		}
		state := execution.NewState(id, req, s.opts.Clock())
		encoded, err := encodeState(state)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO executions (id, graph_id, graph_version, owner_id, parent_id, status, version, state_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			state.ID, state.Graph.ID, state.Graph.Version, state.OwnerID, state.ParentID,
			string(state.Status), state.Version, encoded, formatTime(state.CreatedAt), formatTime(state.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("execution sqlite: insert %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Get loads an execution and its checkpoints.
func (s *Store) Get(ctx context.Context, id string) (execution.State, error) {
	state, err := loadState(ctx, s.db, id)
	if err != nil {
		return execution.State{}, err
	}
	checkpoints, err := loadCheckpoints(ctx, s.db, id)
	if err != nil {
		return execution.State{}, err
	}
	state.Checkpoints = checkpoints
	return state, nil
}

// ApplyTransition checkpoints the current state and installs the mutated
// state in one transaction guarded by the expected version.
func (s *Store) ApplyTransition(ctx context.Context, id string, expectedVersion int64, t execution.Transition) (int64, error) {
	var newVersion int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := loadState(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return &execution.ConflictError{ExecutionID: id, Expected: expectedVersion, Actual: current.Version}
		}
		now := s.opts.Clock()
		next, err := execution.Mutate(current, t, now)
		if err != nil {
			return err
		}
		cp := execution.Checkpoint{
			ID:           s.opts.NewID(),
			ExecutionID:  id,
			StateVersion: current.Version,
			CreatedAt:    now,
			CausedBy:     t.CausedBy,
			Snapshot:     current.Snapshot(),
		}
		if err := insertCheckpoint(ctx, tx, cp); err != nil {
			return err
		}
		if err := updateState(ctx, tx, next, expectedVersion); err != nil {
			return err
		}
		newVersion = next.Version
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// Checkpoint records the current state without changing its version.
func (s *Store) Checkpoint(ctx context.Context, id, description string) (string, error) {
	var cpID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := loadState(ctx, tx, id)
		if err != nil {
			return err
		}
		cp := execution.Checkpoint{
			ID:           s.opts.NewID(),
			ExecutionID:  id,
			StateVersion: current.Version,
			CreatedAt:    s.opts.Clock(),
			CausedBy:     "checkpoint",
			Description:  description,
			Snapshot:     current.Snapshot(),
		}
		cpID = cp.ID
		return insertCheckpoint(ctx, tx, cp)
	})
	if err != nil {
		return "", err
	}
	return cpID, nil
}

// Rollback restores a checkpoint and supersedes every later checkpoint,
// recording the replaced state as a superseded checkpoint.
func (s *Store) Rollback(ctx context.Context, id, checkpointID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := loadState(ctx, tx, id)
		if err != nil {
			return err
		}
		var (
			owner      string
			sequence   int
			superseded bool
			snapshot   string
		)
		err = tx.QueryRowContext(ctx,
			`SELECT execution_id, sequence, superseded, snapshot_json FROM checkpoints WHERE id = ?`,
			checkpointID,
		).Scan(&owner, &sequence, &superseded, &snapshot)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != id) {
			return fmt.Errorf("%w: %s does not belong to execution %s", execution.ErrInvalidCheckpoint, checkpointID, id)
		}
		if err != nil {
			return fmt.Errorf("execution sqlite: load checkpoint %s: %w", checkpointID, err)
		}
		if superseded {
			return fmt.Errorf("%w: %s was superseded by an earlier rollback", execution.ErrInvalidCheckpoint, checkpointID)
		}
		var snap execution.Snapshot
		if err := decode([]byte(snapshot), &snap); err != nil {
			return fmt.Errorf("execution sqlite: decode checkpoint %s: %w", checkpointID, err)
		}
		now := s.opts.Clock()
		next := current
		next.Restore(snap)
		next.Version = current.Version + 1
		next.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE checkpoints SET superseded = 1 WHERE execution_id = ? AND sequence > ?`,
			id, sequence,
		); err != nil {
			return fmt.Errorf("execution sqlite: supersede checkpoints: %w", err)
		}
		if err := insertCheckpoint(ctx, tx, execution.RollbackCheckpoint(s.opts.NewID(), &current, checkpointID, now)); err != nil {
			return err
		}
		return updateState(ctx, tx, next, current.Version)
	})
}

// Checkpoints lists checkpoints oldest first, superseded ones included.
func (s *Store) Checkpoints(ctx context.Context, id string) ([]execution.Checkpoint, error) {
	if _, err := loadState(ctx, s.db, id); err != nil {
		return nil, err
	}
	return loadCheckpoints(ctx, s.db, id)
}

// List returns executions matching filter without their checkpoints.
func (s *Store) List(ctx context.Context, filter execution.Filter) ([]execution.State, error) {
	query := `SELECT state_json FROM executions WHERE 1 = 1`
	var args []any
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if filter.GraphID != "" {
		query += ` AND graph_id = ?`
		args = append(args, filter.GraphID)
	}
	if filter.GraphVersion != 0 {
		query += ` AND graph_version = ?`
		args = append(args, filter.GraphVersion)
	}
	if filter.ParentID != "" {
		query += ` AND parent_id = ?`
		args = append(args, filter.ParentID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("execution sqlite: list: %w", err)
	}
	defer rows.Close()
	var out []execution.State
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("execution sqlite: scan: %w", err)
		}
		var state execution.State
		if err := decode([]byte(raw), &state); err != nil {
			return nil, fmt.Errorf("execution sqlite: decode: %w", err)
		}
		// Status and active filters run on the decoded record.
		if filter.Match(&state) {
			out = append(out, state)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution sqlite: list: %w", err)
	}
	execution.SortStates(out)
	return out, nil
}

func loadState(ctx context.Context, q querier, id string) (execution.State, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT state_json FROM executions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return execution.State{}, fmt.Errorf("%w: %s", execution.ErrNotFound, id)
	}
	if err != nil {
		return execution.State{}, fmt.Errorf("execution sqlite: load %s: %w", id, err)
	}
	var state execution.State
	if err := decode([]byte(raw), &state); err != nil {
		return execution.State{}, fmt.Errorf("execution sqlite: decode %s: %w", id, err)
	}
	return state, nil
}

func updateState(ctx context.Context, tx *sql.Tx, next execution.State, expectedVersion int64) error {
	encoded, err := encodeState(next)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
UPDATE executions
SET graph_id = ?, graph_version = ?, status = ?, version = ?, state_json = ?, updated_at = ?
WHERE id = ? AND version = ?`,
		next.Graph.ID, next.Graph.Version, string(next.Status), next.Version, encoded, formatTime(next.UpdatedAt),
		next.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("execution sqlite: update %s: %w", next.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("execution sqlite: update %s: %w", next.ID, err)
	}
	if affected != 1 {
		return &execution.ConflictError{ExecutionID: next.ID, Expected: expectedVersion, Actual: -1}
	}
	return nil
}

func insertCheckpoint(ctx context.Context, tx *sql.Tx, cp execution.Checkpoint) error {
	snapshot, err := json.Marshal(cp.Snapshot)
	if err != nil {
		return fmt.Errorf("execution sqlite: encode checkpoint: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO checkpoints (id, execution_id, sequence, state_version, caused_by, description, snapshot_json, superseded, created_at)
VALUES (?, ?, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM checkpoints WHERE execution_id = ?), ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ExecutionID, cp.ExecutionID, cp.StateVersion, cp.CausedBy, cp.Description, string(snapshot), cp.Superseded, formatTime(cp.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("execution sqlite: insert checkpoint: %w", err)
	}
	return nil
}

func loadCheckpoints(ctx context.Context, q querier, id string) ([]execution.Checkpoint, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id, sequence, state_version, caused_by, description, snapshot_json, superseded, created_at
FROM checkpoints WHERE execution_id = ? ORDER BY sequence`, id)
	if err != nil {
		return nil, fmt.Errorf("execution sqlite: checkpoints %s: %w", id, err)
	}
	defer rows.Close()
	var out []execution.Checkpoint
	for rows.Next() {
		var (
			cp       execution.Checkpoint
			snapshot string
			created  string
		)
		if err := rows.Scan(&cp.ID, &cp.Sequence, &cp.StateVersion, &cp.CausedBy, &cp.Description, &snapshot, &cp.Superseded, &created); err != nil {
			return nil, fmt.Errorf("execution sqlite: scan checkpoint: %w", err)
		}
		if err := decode([]byte(snapshot), &cp.Snapshot); err != nil {
			return nil, fmt.Errorf("execution sqlite: decode checkpoint %s: %w", cp.ID, err)
		}
		if cp.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		cp.ExecutionID = id
		out = append(out, cp)
	}
	return out, rows.Err()
}

func encodeState(state execution.State) (string, error) {
	state.Checkpoints = nil
	encoded, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("execution sqlite: encode %s: %w", state.ID, err)
	}
	return string(encoded), nil
}

// decode keeps numbers as json.Number so integer context values survive a
// round trip without turning into float64.
func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("execution sqlite: parse time %q: %w", raw, err)
	}
	return t, nil
}
