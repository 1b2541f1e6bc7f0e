// Package state persists execution snapshots outside the orchestrator: a
// SQLite history that feeds risk confidence and an S3 archive of final
// snapshots.
package state

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

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // database/sql driver

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var terminalStatuses = []interfaces.ExecutionStatus{
	interfaces.StatusCompleted,
	interfaces.StatusFailed,
	interfaces.StatusRolledBack,
}

// History stores execution snapshots in SQLite. It implements
// interfaces.ExecutionStore and interfaces.HistoryProvider.
type History struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// executionRow is the database representation of a stored snapshot
type executionRow struct {
	ID          string        `db:"id"`
	PlanID      string        `db:"plan_id"`
	PlanName    string        `db:"plan_name"`
	PlanKey     string        `db:"plan_key"`
	Environment string        `db:"environment"`
	Status      string        `db:"status"`
	Revision    int64         `db:"revision"`
	Snapshot    string        `db:"snapshot"`
	CreatedAt   int64         `db:"created_at"`
	CompletedAt sql.NullInt64 `db:"completed_at"`
}

// OpenHistory opens (creating if needed) the history database at path and
// applies pending migrations
func OpenHistory(path string) (*History, error) {
	if path == "" {
		return nil, fmt.Errorf("history path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}
	// SQLite allows one writer; serializing through one connection avoids
	// SQLITE_BUSY under concurrent snapshot writes
	db.SetMaxOpenConns(1)

	if err := runMigrations(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &History{db: db, logger: logging.NewLogger("history")}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database
func (h *History) Close() error {
	return h.db.Close()
}

// SaveExecution upserts a snapshot. Older revisions of a stored execution are
// ignored so out-of-order delivery cannot regress the record.
func (h *History) SaveExecution(ctx context.Context, e *interfaces.DeploymentExecution) error {
	if e == nil || e.ID == "" {
		return interfaces.NewError(interfaces.KindValidation, "execution snapshot requires an ID")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal execution %s: %w", e.ID, err)
	}

	row := executionRow{
		ID:          e.ID,
		PlanID:      e.PlanID,
		PlanName:    e.PlanName,
		PlanKey:     e.PlanKey(),
		Environment: e.Environment,
		Status:      string(e.Status),
		Revision:    e.Revision,
		Snapshot:    string(data),
		CreatedAt:   e.CreatedAt.UnixNano(),
	}
	if e.CompletedAt != nil {
		row.CompletedAt = sql.NullInt64{Int64: e.CompletedAt.UnixNano(), Valid: true}
	}

	query := `
		INSERT INTO executions (id, plan_id, plan_name, plan_key, environment, status, revision, snapshot, created_at, completed_at)
		VALUES (:id, :plan_id, :plan_name, :plan_key, :environment, :status, :revision, :snapshot, :created_at, :completed_at)
		ON CONFLICT(id) DO UPDATE SET
			plan_id = excluded.plan_id,
			plan_name = excluded.plan_name,
			plan_key = excluded.plan_key,
			environment = excluded.environment,
			status = excluded.status,
			revision = excluded.revision,
			snapshot = excluded.snapshot,
			created_at = excluded.created_at,
			completed_at = excluded.completed_at
		WHERE excluded.revision > executions.revision OR executions.revision = 0`
	if _, err := h.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to save execution %s: %w", e.ID, err)
	}
	h.logger.Debug("Stored execution %s revision %d (%s)", e.ID, e.Revision, e.Status)
	return nil
}

// GetExecution returns the stored snapshot of an execution
func (h *History) GetExecution(ctx context.Context, executionID string) (*interfaces.DeploymentExecution, error) {
	var row executionRow
	err := h.db.GetContext(ctx, &row, `SELECT * FROM executions WHERE id = ?`, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.NewError(interfaces.KindNotFound, "execution %s not found in history", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	return row.decode()
}

// ListExecutions returns stored snapshots newest first
func (h *History) ListExecutions(ctx context.Context, filter interfaces.ExecutionFilter) ([]*interfaces.DeploymentExecution, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(filter.Status) > 0 {
		where = append(where, "status IN (?)")
		args = append(args, statusStrings(filter.Status))
	}
	if filter.Environment != "" {
		where = append(where, "environment = ?")
		args = append(args, filter.Environment)
	}
	if filter.PlanID != "" {
		where = append(where, "(plan_id = ? OR plan_name = ?)")
		args = append(args, filter.PlanID, filter.PlanID)
	}
	if !filter.CreatedAfter.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, filter.CreatedAfter.UnixNano())
	}

	query := "SELECT * FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build history query: %w", err)
	}

	var rows []executionRow
	if err := h.db.SelectContext(ctx, &rows, h.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	out := make([]*interfaces.DeploymentExecution, 0, len(rows))
	for i := range rows {
		e, err := rows[i].decode()
		if err != nil {
			h.logger.Warn("Skipping unreadable history entry %s: %v", rows[i].ID, err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// CountExecutions counts finished executions of a plan in an environment
func (h *History) CountExecutions(ctx context.Context, planKey, environment string) (int, error) {
	query, args, err := sqlx.In(
		`SELECT COUNT(*) FROM executions WHERE plan_key = ? AND environment = ? AND status IN (?)`,
		planKey, environment, statusStrings(terminalStatuses),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}
	var n int
	if err := h.db.GetContext(ctx, &n, h.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to count executions of %s in %s: %w", planKey, environment, err)
	}
	return n, nil
}

// Prune deletes finished executions created before cutoff and returns how
// many were removed
func (h *History) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := sqlx.In(
		`DELETE FROM executions WHERE created_at < ? AND status IN (?)`,
		cutoff.UnixNano(), statusStrings(terminalStatuses),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to build prune query: %w", err)
	}
	res, err := h.db.ExecContext(ctx, h.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned rows: %w", err)
	}
	if n > 0 {
		h.logger.Info("Pruned %d executions created before %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// Ping checks the database connection
func (h *History) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

func (r *executionRow) decode() (*interfaces.DeploymentExecution, error) {
	var e interfaces.DeploymentExecution
	if err := json.Unmarshal([]byte(r.Snapshot), &e); err != nil {
		return nil, fmt.Errorf("failed to decode execution %s: %w", r.ID, err)
	}
	return &e, nil
}

func statusStrings(statuses []interfaces.ExecutionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

var (
	_ interfaces.ExecutionStore  = (*History)(nil)
	_ interfaces.HistoryProvider = (*History)(nil)
)
