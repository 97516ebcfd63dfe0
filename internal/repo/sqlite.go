package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ottotask/internal/db"
	"ottotask/internal/domain"
	"ottotask/internal/events"
	"ottotask/internal/migrate"
)

// SQLiteRepository keeps the task document in tasks.document and mirrors the
// audit log into audit_entries, which AuditLog answers from.
type SQLiteRepository struct {
	db     *sql.DB
	log    *slog.Logger
	events events.Writer
}

// OpenSQLite opens (creating if needed) the database and applies migrations.
func OpenSQLite(ctx context.Context, cfg db.Config, log *slog.Logger) (*SQLiteRepository, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	conn, err := db.Open(cfg)
	if err != nil {
		return nil, storageErr("open", "", err)
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, storageErr("migrate", "", err)
	}
	log = log.With("repo", "sqlite")
	log.Debug("sqlite ready", "path", db.Path(cfg), "schema_version", version)
	return &SQLiteRepository{db: conn, log: log}, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, t *domain.Task) error {
	if err := ValidateID(t.ID); err != nil {
		return err
	}
	doc, err := domain.Encode(t)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("create", t.ID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,state,version,document,updated_at) VALUES (?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		t.ID, string(t.State), t.Version, string(doc), t.Metadata.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("create", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.log.Warn("task already exists", "task_id", t.ID)
		return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
	}
	if err := r.events.Append(ctx, tx, t.ID, 0, t.AuditLog); err != nil {
		return storageErr("create", t.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("create", t.ID, err)
	}
	r.log.Info("task created", "task_id", t.ID)
	return nil
}

func (r *SQLiteRepository) Read(ctx context.Context, id string) (*domain.Task, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	var doc string
	err := r.db.QueryRowContext(ctx, `SELECT document FROM tasks WHERE id=?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("read", id, err)
	}
	t, err := domain.DecodeTask([]byte(doc))
	if err != nil {
		r.log.Error("task row unreadable", "task_id", id, "err", err)
		return nil, storageErr("read", id, err)
	}
	return t, nil
}

func (r *SQLiteRepository) Update(ctx context.Context, t *domain.Task) error {
	if err := ValidateID(t.ID); err != nil {
		return err
	}
	next := *t
	next.Version = t.Version + 1
	doc, err := domain.Encode(&next)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("update", t.ID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state=?, version=?, document=?, updated_at=? WHERE id=? AND version=?`,
		string(next.State), next.Version, string(doc), next.Metadata.UpdatedAt.UTC().Format(time.RFC3339Nano), t.ID, t.Version)
	if err != nil {
		return storageErr("update", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var stored int
		err := tx.QueryRowContext(ctx, `SELECT version FROM tasks WHERE id=?`, t.ID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			r.log.Warn("task not found for update", "task_id", t.ID)
			return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
		}
		if err != nil {
			return storageErr("update", t.ID, err)
		}
		return fmt.Errorf("task %s: have version %d, stored %d: %w", t.ID, t.Version, stored, ErrConflict)
	}
	stored, err := r.events.Load(ctx, tx, t.ID)
	if err != nil {
		return storageErr("update", t.ID, err)
	}
	if err := checkAppendOnly(t.ID, stored, t.AuditLog); err != nil {
		return err
	}
	have := len(stored)
	if err := r.events.Append(ctx, tx, t.ID, have, t.AuditLog[have:]); err != nil {
		return storageErr("update", t.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("update", t.ID, err)
	}
	t.Version = next.Version
	r.log.Info("task updated", "task_id", t.ID, "version", t.Version)
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return storageErr("delete", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.log.Warn("task not found for deletion", "task_id", id)
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	r.log.Info("task deleted", "task_id", id)
	return nil
}

func (r *SQLiteRepository) ListByState(ctx context.Context, s domain.State) ([]*domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, document FROM tasks WHERE state=? ORDER BY id`, string(s))
	if err != nil {
		return nil, storageErr("list", "", err)
	}
	defer rows.Close()
	var out []*domain.Task
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, storageErr("list", "", err)
		}
		t, err := domain.DecodeTask([]byte(doc))
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

func (r *SQLiteRepository) AuditLog(ctx context.Context, id string) ([]domain.AuditEntry, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	entries, err := r.events.Load(ctx, r.db, id)
	if err != nil {
		return nil, storageErr("audit", id, err)
	}
	return entries, nil
}

func (r *SQLiteRepository) Close() error { return r.db.Close() }
