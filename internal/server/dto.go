package server

import (
	"time"

	"ottotask/internal/domain"
	"ottotask/internal/engine"
)

// Request payloads

type CreateTaskRequest struct {
	Title         string         `json:"title"`
	Description   *string        `json:"description,omitempty"`
	Priority      *string        `json:"priority,omitempty" enum:"critical,high,medium,low"`
	SecurityLevel *string        `json:"security_level,omitempty" enum:"critical,high,medium,low,info"`
	AssignedTo    *string        `json:"assigned_to,omitempty"`
	DueDate       *time.Time     `json:"due_date,omitempty"`
	CreatedBy     *string        `json:"created_by,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	CustomFields  map[string]any `json:"custom_fields,omitempty"`
}

type TransitionRequest struct {
	To      string         `json:"to" enum:"pending,in_progress,secured,failed,archived"`
	Actor   *string        `json:"actor,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Response payloads

type MetadataResponse struct {
	CreatedBy    string         `json:"created_by"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
	UpdatedBy    *string        `json:"updated_by"`
	Tags         []string       `json:"tags"`
	CustomFields map[string]any `json:"custom_fields"`
}

type TaskResponse struct {
	ID             string               `json:"id"`
	Title          string               `json:"title"`
	Description    string               `json:"description"`
	State          string               `json:"state"`
	Priority       string               `json:"priority"`
	SecurityLevel  string               `json:"security_level"`
	AssignedTo     *string              `json:"assigned_to"`
	DueDate        *string              `json:"due_date"`
	CompletionDate *string              `json:"completion_date"`
	Overdue        bool                 `json:"overdue"`
	Metadata       MetadataResponse     `json:"metadata"`
	AuditLog       []engine.AuditRecord `json:"audit_log"`
	Checksum       string               `json:"checksum"`
	Version        int                  `json:"version"`
}

type taskList struct {
	Items []TaskResponse `json:"items"`
}

type auditList struct {
	Items []engine.AuditRecord `json:"items"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func mapTask(t *domain.Task, now time.Time) TaskResponse {
	audit := make([]engine.AuditRecord, 0, len(t.AuditLog))
	for _, e := range t.AuditLog {
		audit = append(audit, engine.NewAuditRecord(e))
	}
	tags := t.Metadata.Tags
	if tags == nil {
		tags = []string{}
	}
	custom := t.Metadata.CustomFields
	if custom == nil {
		custom = map[string]any{}
	}
	open := t.State == domain.StatePending || t.State == domain.StateInProgress
	return TaskResponse{
		ID:             t.ID,
		Title:          t.Title,
		Description:    t.Description,
		State:          string(t.State),
		Priority:       string(t.Priority),
		SecurityLevel:  string(t.SecurityLevel),
		AssignedTo:     t.AssignedTo,
		DueDate:        formatTimePtr(t.DueDate),
		CompletionDate: formatTimePtr(t.CompletionDate),
		Overdue:        open && t.IsOverdue(now),
		Metadata: MetadataResponse{
			CreatedBy:    t.Metadata.CreatedBy,
			CreatedAt:    formatTime(t.Metadata.CreatedAt),
			UpdatedAt:    formatTime(t.Metadata.UpdatedAt),
			UpdatedBy:    t.Metadata.UpdatedBy,
			Tags:         tags,
			CustomFields: custom,
		},
		AuditLog: audit,
		Checksum: t.Checksum,
		Version:  t.Version,
	}
}

func mapTasks(items []*domain.Task, now time.Time) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, mapTask(t, now))
	}
	return out
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
