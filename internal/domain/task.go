package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultCreator is recorded as created_by when no creator is given.
const DefaultCreator = "system"

// Metadata carries creation and update provenance.
type Metadata struct {
	CreatedBy    string         `json:"created_by"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	UpdatedBy    *string        `json:"updated_by"`
	Tags         []string       `json:"tags"`
	CustomFields map[string]any `json:"custom_fields"`
}

// Task is the aggregate root. State only changes through Transition.
type Task struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	State          State         `json:"state"`
	Priority       Priority      `json:"priority"`
	SecurityLevel  SecurityLevel `json:"security_level"`
	AssignedTo     *string       `json:"assigned_to"`
	DueDate        *time.Time    `json:"due_date"`
	CompletionDate *time.Time    `json:"completion_date"`
	Metadata       Metadata      `json:"metadata"`
	AuditLog       []AuditEntry  `json:"audit_log"`
	Checksum       string        `json:"checksum"`
	Version        int           `json:"version"`
}

// NewTaskOptions are the caller-supplied fields of a new task.
type NewTaskOptions struct {
	Title         string
	Description   string
	Priority      Priority
	SecurityLevel SecurityLevel
	AssignedTo    string
	DueDate       *time.Time
	CreatedBy     string
	Tags          []string
	CustomFields  map[string]any
}

// NewTask builds a pending task at version 1 with a fresh id.
func NewTask(opts NewTaskOptions, now time.Time) *Task {
	now = now.UTC()
	if opts.Priority == "" {
		opts.Priority = PriorityMedium
	}
	if opts.SecurityLevel == "" {
		opts.SecurityLevel = SecurityMedium
	}
	if opts.CreatedBy == "" {
		opts.CreatedBy = DefaultCreator
	}
	custom := make(map[string]any, len(opts.CustomFields))
	for k, v := range opts.CustomFields {
		custom[k] = v
	}
	t := &Task{
		ID:            uuid.NewString(),
		Title:         opts.Title,
		Description:   opts.Description,
		State:         StatePending,
		Priority:      opts.Priority,
		SecurityLevel: opts.SecurityLevel,
		Metadata: Metadata{
			CreatedBy:    opts.CreatedBy,
			CreatedAt:    now,
			UpdatedAt:    now,
			Tags:         NormalizeTags(opts.Tags),
			CustomFields: custom,
		},
		AuditLog: []AuditEntry{},
		Version:  1,
	}
	if opts.AssignedTo != "" {
		assignee := opts.AssignedTo
		t.AssignedTo = &assignee
	}
	if opts.DueDate != nil {
		due := opts.DueDate.UTC()
		t.DueDate = &due
	}
	t.RecomputeChecksum()
	return t
}

// Transition moves the task to target and appends an audit entry. An illegal
// target leaves the task untouched.
func (t *Task) Transition(target State, actor string, details map[string]any, now time.Time) error {
	if !CanTransition(t.State, target) {
		return fmt.Errorf("%s -> %s: %w", t.State, target, ErrIllegalTransition)
	}
	now = now.UTC()
	entry := newTransitionEntry(now, t.State, target, actor, details)

	t.State = target
	t.Metadata.UpdatedAt = now
	updatedBy := actor
	t.Metadata.UpdatedBy = &updatedBy
	t.AuditLog = append(t.AuditLog, entry)
	if target == StateSecured {
		done := now
		t.CompletionDate = &done
	}
	t.RecomputeChecksum()
	return nil
}

// ComputeChecksum returns the digest the task should carry in its current state.
func (t *Task) ComputeChecksum() string {
	return TaskChecksum(t.ID, t.Title, t.State, t.Priority, t.SecurityLevel)
}

func (t *Task) RecomputeChecksum() {
	t.Checksum = t.ComputeChecksum()
}

// IsOverdue reports whether the task has a due date strictly before now.
func (t *Task) IsOverdue(now time.Time) bool {
	return t.DueDate != nil && t.DueDate.Before(now)
}

// HasTag reports whether tag is in the metadata tag set.
func (t *Task) HasTag(tag string) bool {
	i := sort.SearchStrings(t.Metadata.Tags, tag)
	return i < len(t.Metadata.Tags) && t.Metadata.Tags[i] == tag
}

// NormalizeTags returns tags as a sorted set without empty members.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
