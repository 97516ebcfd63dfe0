package engine

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"ottotask/internal/domain"
)

// OverdueTasks returns pending and in-progress tasks whose due date is
// strictly before now, earliest due first.
func (e Engine) OverdueTasks(ctx context.Context) ([]*domain.Task, error) {
	now := e.now()
	var out []*domain.Task
	for _, s := range []domain.State{domain.StatePending, domain.StateInProgress} {
		tasks, err := e.Repo.ListByState(ctx, s)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if t.IsOverdue(now) {
				out = append(out, t)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(*out[j].DueDate) {
			return out[i].DueDate.Before(*out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Statistics counts open and secured tasks. Failed and archived tasks are
// not part of any figure.
type Statistics struct {
	TotalTasks     int     `json:"total_tasks"`
	Pending        int     `json:"pending"`
	InProgress     int     `json:"in_progress"`
	Secured        int     `json:"secured"`
	CompletionRate float64 `json:"completion_rate"`
}

// TaskStatistics lists the three counted states concurrently. The completion
// rate is 0 when nothing is counted.
func (e Engine) TaskStatistics(ctx context.Context) (Statistics, error) {
	states := []domain.State{domain.StatePending, domain.StateInProgress, domain.StateSecured}
	counts := make([]int, len(states))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range states {
		g.Go(func() error {
			tasks, err := e.Repo.ListByState(gctx, s)
			if err != nil {
				return err
			}
			counts[i] = len(tasks)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.log().Error("task statistics failed", "err", err)
		return Statistics{}, err
	}
	st := Statistics{Pending: counts[0], InProgress: counts[1], Secured: counts[2]}
	st.TotalTasks = st.Pending + st.InProgress + st.Secured
	if st.TotalTasks > 0 {
		st.CompletionRate = float64(st.Secured) / float64(st.TotalTasks)
	}
	return st, nil
}

// AuditRecord is the caller-facing form of an audit entry.
type AuditRecord struct {
	Timestamp     string         `json:"timestamp"`
	Action        string         `json:"action"`
	PreviousState string         `json:"previous_state"`
	NewState      string         `json:"new_state"`
	Actor         string         `json:"actor"`
	Details       map[string]any `json:"details"`
	Checksum      string         `json:"checksum"`
}

// NewAuditRecord maps an audit entry to its caller-facing form.
func NewAuditRecord(en domain.AuditEntry) AuditRecord {
	details := en.Details
	if details == nil {
		details = map[string]any{}
	}
	return AuditRecord{
		Timestamp:     en.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:        en.Action,
		PreviousState: string(en.PreviousState),
		NewState:      string(en.NewState),
		Actor:         en.Actor,
		Details:       details,
		Checksum:      en.Checksum,
	}
}

// TaskAuditLog returns the audit history of id, empty for unknown tasks.
func (e Engine) TaskAuditLog(ctx context.Context, id string) ([]AuditRecord, error) {
	entries, err := e.Repo.AuditLog(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]AuditRecord, 0, len(entries))
	for _, en := range entries {
		out = append(out, NewAuditRecord(en))
	}
	return out, nil
}
