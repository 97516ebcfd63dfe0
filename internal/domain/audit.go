package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ActionStateTransition labels audit entries written by Task.Transition.
const ActionStateTransition = "state_transition"

// AuditEntry records one transition. Entries belong to exactly one task and
// are never edited after they are appended.
type AuditEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Action        string         `json:"action"`
	PreviousState State          `json:"previous_state"`
	NewState      State          `json:"new_state"`
	Actor         string         `json:"actor"`
	Details       map[string]any `json:"details"`
	Checksum      string         `json:"checksum"`
}

func newTransitionEntry(now time.Time, from, to State, actor string, details map[string]any) AuditEntry {
	d := make(map[string]any, len(details))
	for k, v := range details {
		d[k] = v
	}
	e := AuditEntry{
		Timestamp:     now.UTC(),
		Action:        ActionStateTransition,
		PreviousState: from,
		NewState:      to,
		Actor:         actor,
		Details:       d,
	}
	e.Checksum = e.ComputeChecksum()
	return e
}

// ComputeChecksum returns the digest the entry should carry.
func (e AuditEntry) ComputeChecksum() string {
	return AuditChecksum(e.Timestamp, e.Action, e.PreviousState, e.NewState, e.Actor)
}

// Verify checks that the stored checksum matches the entry contents.
func (e AuditEntry) Verify() error {
	if !e.PreviousState.Valid() || !e.NewState.Valid() {
		return fmt.Errorf("audit entry %s -> %s: %w", e.PreviousState, e.NewState, ErrUnknownValue)
	}
	if got := e.ComputeChecksum(); got != e.Checksum {
		return fmt.Errorf("audit entry at %s: checksum mismatch", formatTime(e.Timestamp))
	}
	return nil
}

// Same reports whether o records the same transition as e, details included.
func (e AuditEntry) Same(o AuditEntry) bool {
	if e.Checksum != o.Checksum || !e.Timestamp.Equal(o.Timestamp) ||
		e.Action != o.Action || e.PreviousState != o.PreviousState ||
		e.NewState != o.NewState || e.Actor != o.Actor {
		return false
	}
	if len(e.Details) == 0 && len(o.Details) == 0 {
		return true
	}
	a, errA := json.Marshal(e.Details)
	b, errB := json.Marshal(o.Details)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}
