package repo

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver used by goose
	"github.com/pressly/goose/v3"

	"ottotask/internal/domain"
	"ottotask/internal/events"
)

//go:embed migrations/*.sql
var pgMigrations embed.FS

// PostgresRepository stores task documents as JSONB with the audit log
// mirrored into its own table.
type PostgresRepository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, dsn string) error {
	goose.SetBaseFS(pgMigrations)

	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// OpenPostgres migrates the database at dsn and connects a pool to it.
func OpenPostgres(ctx context.Context, dsn string, log *slog.Logger) (*PostgresRepository, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if err := RunMigrations(ctx, dsn); err != nil {
		return nil, storageErr("migrate", "", err)
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, storageErr("open", "", fmt.Errorf("parse dsn: %w", err))
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, storageErr("open", "", fmt.Errorf("create pool: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storageErr("open", "", fmt.Errorf("ping: %w", err))
	}
	return NewPostgres(pool, log), nil
}

// NewPostgres wraps an existing pool whose schema is already migrated.
func NewPostgres(pool *pgxpool.Pool, log *slog.Logger) *PostgresRepository {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &PostgresRepository{pool: pool, log: log.With("repo", "postgres")}
}

func (r *PostgresRepository) Create(ctx context.Context, t *domain.Task) error {
	if err := ValidateID(t.ID); err != nil {
		return err
	}
	doc, err := domain.Encode(t)
	if err != nil {
		return err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storageErr("create", t.ID, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx,
		`INSERT INTO tasks (id, state, version, document, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, string(t.State), t.Version, string(doc), t.Metadata.UpdatedAt)
	if err != nil {
		return storageErr("create", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		r.log.Warn("task already exists", "task_id", t.ID)
		return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
	}
	if err := appendAuditPG(ctx, tx, t.ID, 0, t.AuditLog); err != nil {
		return storageErr("create", t.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("create", t.ID, err)
	}
	r.log.Info("task created", "task_id", t.ID)
	return nil
}

func (r *PostgresRepository) Read(ctx context.Context, id string) (*domain.Task, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	var doc []byte
	err := r.pool.QueryRow(ctx, `SELECT document FROM tasks WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("read", id, err)
	}
	t, err := domain.DecodeTask(doc)
	if err != nil {
		r.log.Error("task row unreadable", "task_id", id, "err", err)
		return nil, storageErr("read", id, err)
	}
	return t, nil
}

func (r *PostgresRepository) Update(ctx context.Context, t *domain.Task) error {
	if err := ValidateID(t.ID); err != nil {
		return err
	}
	next := *t
	next.Version = t.Version + 1
	doc, err := domain.Encode(&next)
	if err != nil {
		return err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storageErr("update", t.ID, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx,
		`UPDATE tasks SET state = $2, version = $3, document = $4, updated_at = $5
		 WHERE id = $1 AND version = $6`,
		t.ID, string(next.State), next.Version, string(doc), next.Metadata.UpdatedAt, t.Version)
	if err != nil {
		return storageErr("update", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var stored int
		err := tx.QueryRow(ctx, `SELECT version FROM tasks WHERE id = $1`, t.ID).Scan(&stored)
		if errors.Is(err, pgx.ErrNoRows) {
			r.log.Warn("task not found for update", "task_id", t.ID)
			return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
		}
		if err != nil {
			return storageErr("update", t.ID, err)
		}
		return fmt.Errorf("task %s: have version %d, stored %d: %w", t.ID, t.Version, stored, ErrConflict)
	}
	stored, err := loadAuditPG(ctx, tx, t.ID)
	if err != nil {
		return storageErr("update", t.ID, err)
	}
	if err := checkAppendOnly(t.ID, stored, t.AuditLog); err != nil {
		return err
	}
	have := len(stored)
	if err := appendAuditPG(ctx, tx, t.ID, have, t.AuditLog[have:]); err != nil {
		return storageErr("update", t.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("update", t.ID, err)
	}
	t.Version = next.Version
	r.log.Info("task updated", "task_id", t.ID, "version", t.Version)
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return storageErr("delete", id, err)
	}
	if tag.RowsAffected() == 0 {
		r.log.Warn("task not found for deletion", "task_id", id)
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	r.log.Info("task deleted", "task_id", id)
	return nil
}

func (r *PostgresRepository) ListByState(ctx context.Context, s domain.State) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, document FROM tasks WHERE state = $1 ORDER BY id`, string(s))
	if err != nil {
		return nil, storageErr("list", "", err)
	}
	defer rows.Close()
	var out []*domain.Task
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, storageErr("list", "", err)
		}
		t, err := domain.DecodeTask(doc)
		if err != nil {
			r.log.Error("list tasks failed", "state", s, "task_id", id, "err", err)
			return nil, storageErr("list", id, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", "", err)
	}
	return out, nil
}

func (r *PostgresRepository) AuditLog(ctx context.Context, id string) ([]domain.AuditEntry, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	entries, err := loadAuditPG(ctx, r.pool, id)
	if err != nil {
		return nil, storageErr("audit", id, err)
	}
	return entries, nil
}

// pgQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadAuditPG(ctx context.Context, q pgQuerier, taskID string) ([]domain.AuditEntry, error) {
	rows, err := q.Query(ctx,
		`SELECT task_id, seq, ts, action, previous_state, new_state, actor, details_json, checksum
		 FROM audit_entries WHERE task_id = $1 ORDER BY seq`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.AuditEntry{}
	for rows.Next() {
		var row events.Row
		if err := rows.Scan(&row.TaskID, &row.Seq, &row.TS, &row.Action, &row.PreviousState, &row.NewState, &row.Actor, &row.DetailsJSON, &row.Checksum); err != nil {
			return nil, err
		}
		e, err := row.Entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func appendAuditPG(ctx context.Context, tx pgx.Tx, taskID string, from int, entries []domain.AuditEntry) error {
	for i, e := range entries {
		row, err := events.ToRow(taskID, from+i, e)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO audit_entries (task_id, seq, ts, action, previous_state, new_state, actor, details_json, checksum)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			row.TaskID, row.Seq, row.TS, row.Action, row.PreviousState, row.NewState, row.Actor, row.DetailsJSON, row.Checksum)
		if err != nil {
			return fmt.Errorf("insert audit entry %s[%d]: %w", taskID, row.Seq, err)
		}
	}
	return nil
}
