// Package events stores audit entries as rows for the SQL backends.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ottotask/internal/domain"
)

// Row is the flat, column-per-field form of an audit entry.
type Row struct {
	TaskID        string
	Seq           int
	TS            string
	Action        string
	PreviousState string
	NewState      string
	Actor         string
	DetailsJSON   string
	Checksum      string
}

// ToRow flattens entry for storage at position seq of the task's log.
func ToRow(taskID string, seq int, e domain.AuditEntry) (Row, error) {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return Row{}, fmt.Errorf("marshal audit details: %w", err)
	}
	return Row{
		TaskID:        taskID,
		Seq:           seq,
		TS:            e.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:        e.Action,
		PreviousState: string(e.PreviousState),
		NewState:      string(e.NewState),
		Actor:         e.Actor,
		DetailsJSON:   string(data),
		Checksum:      e.Checksum,
	}, nil
}

// Entry rebuilds the audit entry and verifies its checksum.
func (r Row) Entry() (domain.AuditEntry, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.TS)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("%w: audit %s[%d] timestamp: %w", domain.ErrCorrupt, r.TaskID, r.Seq, err)
	}
	prev, err := domain.ParseState(r.PreviousState)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("%w: audit %s[%d]: %w", domain.ErrCorrupt, r.TaskID, r.Seq, err)
	}
	next, err := domain.ParseState(r.NewState)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("%w: audit %s[%d]: %w", domain.ErrCorrupt, r.TaskID, r.Seq, err)
	}
	details := map[string]any{}
	if err := json.Unmarshal([]byte(r.DetailsJSON), &details); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("%w: audit %s[%d] details: %w", domain.ErrCorrupt, r.TaskID, r.Seq, err)
	}
	e := domain.AuditEntry{
		Timestamp:     ts.UTC(),
		Action:        r.Action,
		PreviousState: prev,
		NewState:      next,
		Actor:         r.Actor,
		Details:       details,
		Checksum:      r.Checksum,
	}
	if err := e.Verify(); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("%w: audit %s[%d]: %w", domain.ErrCorrupt, r.TaskID, r.Seq, err)
	}
	return e, nil
}

// Writer appends audit rows inside a SQLite transaction.
type Writer struct{}

// Append writes entries starting at sequence number from.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, taskID string, from int, entries []domain.AuditEntry) error {
	for i, e := range entries {
		row, err := ToRow(taskID, from+i, e)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO audit_entries(task_id,seq,ts,action,previous_state,new_state,actor,details_json,checksum) VALUES (?,?,?,?,?,?,?,?,?)`,
			row.TaskID, row.Seq, row.TS, row.Action, row.PreviousState, row.NewState, row.Actor, row.DetailsJSON, row.Checksum)
		if err != nil {
			return fmt.Errorf("insert audit entry %s[%d]: %w", taskID, row.Seq, err)
		}
	}
	return nil
}

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Load returns the audit entries of a task in sequence order.
func (w Writer) Load(ctx context.Context, q Queryer, taskID string) ([]domain.AuditEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT task_id,seq,ts,action,previous_state,new_state,actor,details_json,checksum FROM audit_entries WHERE task_id=? ORDER BY seq`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.AuditEntry{}
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.TaskID, &r.Seq, &r.TS, &r.Action, &r.PreviousState, &r.NewState, &r.Actor, &r.DetailsJSON, &r.Checksum); err != nil {
			return nil, err
		}
		e, err := r.Entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
