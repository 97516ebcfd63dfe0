package domain_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"ottotask/internal/domain"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func newTask(t *testing.T) *domain.Task {
	t.Helper()
	due := t0.Add(48 * time.Hour)
	return domain.NewTask(domain.NewTaskOptions{
		Title:         "Rotate keys",
		Description:   "rotate signing keys in staging",
		Priority:      domain.PriorityHigh,
		SecurityLevel: domain.SecurityCritical,
		AssignedTo:    "alice",
		DueDate:       &due,
		CreatedBy:     "bob",
		Tags:          []string{"infra", "keys", "infra", ""},
		CustomFields:  map[string]any{"ticket": "SEC-12"},
	}, t0)
}

func TestNewTaskDefaults(t *testing.T) {
	task := domain.NewTask(domain.NewTaskOptions{Title: "bare"}, t0)
	if task.ID == "" {
		t.Fatal("expected id")
	}
	if task.State != domain.StatePending || task.Version != 1 {
		t.Fatalf("unexpected initial state %s v%d", task.State, task.Version)
	}
	if task.Priority != domain.PriorityMedium || task.SecurityLevel != domain.SecurityMedium {
		t.Fatalf("unexpected defaults %s/%s", task.Priority, task.SecurityLevel)
	}
	if task.Metadata.CreatedBy != domain.DefaultCreator {
		t.Fatalf("created_by = %q", task.Metadata.CreatedBy)
	}
	if task.Metadata.UpdatedBy != nil || task.CompletionDate != nil || task.AssignedTo != nil {
		t.Fatal("expected nil optional fields")
	}
	if task.Checksum != task.ComputeChecksum() {
		t.Fatal("checksum not computed at construction")
	}
	other := domain.NewTask(domain.NewTaskOptions{Title: "bare"}, t0)
	if other.ID == task.ID {
		t.Fatal("expected distinct ids")
	}
}

func TestNewTaskNormalizesTags(t *testing.T) {
	task := newTask(t)
	want := []string{"infra", "keys"}
	if !reflect.DeepEqual(task.Metadata.Tags, want) {
		t.Fatalf("tags = %v, want %v", task.Metadata.Tags, want)
	}
	if !task.HasTag("keys") || task.HasTag("") {
		t.Fatal("HasTag mismatch")
	}
}

func TestLegalityTable(t *testing.T) {
	legal := map[domain.State][]domain.State{
		domain.StatePending:    {domain.StateInProgress, domain.StateArchived},
		domain.StateInProgress: {domain.StateSecured, domain.StateFailed, domain.StatePending},
		domain.StateSecured:    {domain.StateArchived},
		domain.StateFailed:     {domain.StatePending, domain.StateArchived},
		domain.StateArchived:   nil,
	}
	for _, from := range domain.States {
		for _, to := range domain.States {
			want := false
			for _, l := range legal[from] {
				if l == to {
					want = true
				}
			}
			if got := domain.CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
	if !domain.StateArchived.IsTerminal() || domain.StateFailed.IsTerminal() {
		t.Fatal("terminal mismatch")
	}
}

func TestIllegalTransitionLeavesTaskUnchanged(t *testing.T) {
	for _, from := range domain.States {
		for _, to := range domain.States {
			if domain.CanTransition(from, to) {
				continue
			}
			task := newTask(t)
			task.State = from
			task.RecomputeChecksum()
			before, err := domain.Encode(task)
			if err != nil {
				t.Fatal(err)
			}
			err = task.Transition(to, "mallory", map[string]any{"why": "test"}, t0.Add(time.Hour))
			if !errors.Is(err, domain.ErrIllegalTransition) {
				t.Fatalf("%s -> %s: expected ErrIllegalTransition, got %v", from, to, err)
			}
			after, err := domain.Encode(task)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(before, after) {
				t.Fatalf("%s -> %s modified the task", from, to)
			}
		}
	}
}

func TestTransitionAppendsAudit(t *testing.T) {
	task := newTask(t)
	at := t0.Add(time.Hour)
	if err := task.Transition(domain.StateInProgress, "alice", nil, at); err != nil {
		t.Fatal(err)
	}
	if len(task.AuditLog) != 1 {
		t.Fatalf("audit len = %d", len(task.AuditLog))
	}
	e := task.AuditLog[0]
	if e.Action != domain.ActionStateTransition || e.PreviousState != domain.StatePending || e.NewState != domain.StateInProgress {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.Details == nil {
		t.Fatal("expected empty details map")
	}
	if err := e.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if task.Metadata.UpdatedBy == nil || *task.Metadata.UpdatedBy != "alice" || !task.Metadata.UpdatedAt.Equal(at) {
		t.Fatal("metadata not updated")
	}
	if task.CompletionDate != nil {
		t.Fatal("completion date set before secured")
	}
	if task.Checksum != domain.TaskChecksum(task.ID, task.Title, domain.StateInProgress, task.Priority, task.SecurityLevel) {
		t.Fatal("checksum not recomputed")
	}

	secured := at.Add(time.Hour)
	if err := task.Transition(domain.StateSecured, "alice", map[string]any{"scan": "clean"}, secured); err != nil {
		t.Fatal(err)
	}
	if task.CompletionDate == nil || !task.CompletionDate.Equal(secured) {
		t.Fatalf("completion date = %v", task.CompletionDate)
	}
	if err := task.Transition(domain.StateArchived, "bob", nil, secured.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if task.CompletionDate == nil {
		t.Fatal("completion date cleared after leaving secured")
	}
	if len(task.AuditLog) != 3 {
		t.Fatalf("audit len = %d", len(task.AuditLog))
	}
}

func TestTransitionCopiesDetails(t *testing.T) {
	task := newTask(t)
	details := map[string]any{"k": "v"}
	if err := task.Transition(domain.StateInProgress, "alice", details, t0); err != nil {
		t.Fatal(err)
	}
	details["k"] = "changed"
	if task.AuditLog[0].Details["k"] != "v" {
		t.Fatal("audit entry aliases caller details")
	}
}

func TestChecksumDeterministic(t *testing.T) {
	a := domain.TaskChecksum("id", "title", domain.StatePending, domain.PriorityLow, domain.SecurityInfo)
	b := domain.TaskChecksum("id", "title", domain.StatePending, domain.PriorityLow, domain.SecurityInfo)
	if a != b {
		t.Fatal("checksum not deterministic")
	}
	// Shifting a boundary between fields must change the digest.
	c := domain.TaskChecksum("idt", "itle", domain.StatePending, domain.PriorityLow, domain.SecurityInfo)
	if a == c {
		t.Fatal("field boundary collision")
	}
	x := domain.AuditChecksum(t0, "state_transition", domain.StatePending, domain.StateInProgress, "ab")
	y := domain.AuditChecksum(t0, "state_transition", domain.StatePending, domain.StateInProgress, "ba")
	if x == y {
		t.Fatal("actor not covered by audit checksum")
	}
}

func TestRoundTrip(t *testing.T) {
	task := newTask(t)
	if err := task.Transition(domain.StateInProgress, "alice", map[string]any{"note": "go"}, t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := task.Transition(domain.StateSecured, "alice", nil, t0.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	task.Version = 3
	data, err := domain.Encode(task)
	if err != nil {
		t.Fatal(err)
	}
	got, err := domain.DecodeTask(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(task, got) {
		t.Fatalf("round trip mismatch\nwant %+v\ngot  %+v", task, got)
	}
}

func TestWireFieldNames(t *testing.T) {
	data, err := domain.Encode(newTask(t))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"id", "title", "description", "state", "priority", "security_level",
		"assigned_to", "due_date", "completion_date", "metadata", "audit_log", "checksum", "version"} {
		if _, ok := raw[k]; !ok {
			t.Errorf("missing field %s", k)
		}
	}
	if string(raw["completion_date"]) != "null" {
		t.Errorf("completion_date = %s", raw["completion_date"])
	}
	if string(raw["audit_log"]) != "[]" {
		t.Errorf("audit_log = %s", raw["audit_log"])
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	data, err := domain.Encode(newTask(t))
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string]string{
		"unknown state":    strings.Replace(string(data), `"state": "pending"`, `"state": "paused"`, 1),
		"unknown priority": strings.Replace(string(data), `"priority": "high"`, `"priority": "urgent"`, 1),
		"title tampered":   strings.Replace(string(data), `"title": "Rotate keys"`, `"title": "Rotate key"`, 1),
		"trailing":         string(data) + "{}",
		"unknown field":    strings.Replace(string(data), `"version": 1`, `"version": 1, "extra": true`, 1),
		"truncated":        string(data[:len(data)/2]),
	}
	for name, in := range cases {
		if in == string(data) {
			t.Fatalf("%s: replacement did not apply", name)
		}
		_, err := domain.DecodeTask([]byte(in))
		if !errors.Is(err, domain.ErrCorrupt) {
			t.Errorf("%s: expected ErrCorrupt, got %v", name, err)
		}
	}
	_, err = domain.DecodeTask([]byte(strings.Replace(string(data), `"state": "pending"`, `"state": "paused"`, 1)))
	if !errors.Is(err, domain.ErrUnknownValue) {
		t.Errorf("expected ErrUnknownValue in chain, got %v", err)
	}
}

func TestDecodeRejectsTamperedAudit(t *testing.T) {
	task := newTask(t)
	if err := task.Transition(domain.StateInProgress, "alice", nil, t0); err != nil {
		t.Fatal(err)
	}
	task.AuditLog[0].Actor = "eve"
	data, err := domain.Encode(task)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := domain.DecodeTask(data); !errors.Is(err, domain.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestParseEnums(t *testing.T) {
	if _, err := domain.ParseState("in_progress"); err != nil {
		t.Fatal(err)
	}
	if _, err := domain.ParseState("InProgress"); !errors.Is(err, domain.ErrUnknownValue) {
		t.Fatalf("expected ErrUnknownValue, got %v", err)
	}
	if _, err := domain.ParsePriority("low"); err != nil {
		t.Fatal(err)
	}
	if _, err := domain.ParseSecurityLevel("info"); err != nil {
		t.Fatal(err)
	}
	if _, err := domain.ParseSecurityLevel("secret"); !errors.Is(err, domain.ErrUnknownValue) {
		t.Fatalf("expected ErrUnknownValue, got %v", err)
	}
}

func TestAuditEntrySame(t *testing.T) {
	task := newTask(t)
	if err := task.Transition(domain.StateInProgress, "alice", map[string]any{"ticket": 7}, t0); err != nil {
		t.Fatal(err)
	}
	data, err := domain.Encode(task)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := domain.DecodeTask(data)
	if err != nil {
		t.Fatal(err)
	}
	orig, back := task.AuditLog[0], decoded.AuditLog[0]
	if !orig.Same(back) {
		t.Fatalf("decoded entry should match original: %+v vs %+v", orig, back)
	}

	actor := back
	actor.Actor = "eve"
	actor.Checksum = actor.ComputeChecksum()
	if orig.Same(actor) {
		t.Fatal("edited actor not detected")
	}
	details := back
	details.Details = map[string]any{"ticket": 8}
	if orig.Same(details) {
		t.Fatal("edited details not detected")
	}
	empty := orig
	empty.Details = nil
	other := orig
	other.Details = map[string]any{}
	if !empty.Same(other) {
		t.Fatal("nil and empty details should be equal")
	}
}
