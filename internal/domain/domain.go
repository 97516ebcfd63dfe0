// Package domain holds the task aggregate, its lifecycle and its wire form.
package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Encode serializes a task to its persisted JSON document.
func Encode(t *Task) ([]byte, error) {
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return append(b, '\n'), nil
}

// DecodeTask parses a persisted JSON document and verifies its integrity.
// Every failure wraps ErrCorrupt.
func DecodeTask(data []byte) (*Task, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var t Task
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing content", ErrCorrupt)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if t.AuditLog == nil {
		t.AuditLog = []AuditEntry{}
	}
	if t.Metadata.Tags == nil {
		t.Metadata.Tags = []string{}
	}
	if t.Metadata.CustomFields == nil {
		t.Metadata.CustomFields = map[string]any{}
	}
	return &t, nil
}

// Validate checks structural invariants and every checksum.
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if !t.State.Valid() {
		return fmt.Errorf("state %q: %w", t.State, ErrUnknownValue)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("priority %q: %w", t.Priority, ErrUnknownValue)
	}
	if !t.SecurityLevel.Valid() {
		return fmt.Errorf("security level %q: %w", t.SecurityLevel, ErrUnknownValue)
	}
	if t.Version < 1 {
		return fmt.Errorf("task %s: version %d below 1", t.ID, t.Version)
	}
	if t.Checksum != t.ComputeChecksum() {
		return fmt.Errorf("task %s: checksum mismatch", t.ID)
	}
	for i, e := range t.AuditLog {
		if err := e.Verify(); err != nil {
			return fmt.Errorf("task %s audit[%d]: %w", t.ID, i, err)
		}
	}
	return nil
}
