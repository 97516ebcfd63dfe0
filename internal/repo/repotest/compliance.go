// Package repotest holds the behavior every repo.Repository must share.
package repotest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ottotask/internal/domain"
	"ottotask/internal/repo"
)

var clock = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func newTask(title string) *domain.Task {
	due := clock.Add(48 * time.Hour)
	return domain.NewTask(domain.NewTaskOptions{
		Title:         title,
		Description:   "compliance",
		Priority:      domain.PriorityHigh,
		SecurityLevel: domain.SecurityHigh,
		AssignedTo:    "alice",
		DueDate:       &due,
		CreatedBy:     "tester",
		Tags:          []string{"b", "a"},
		CustomFields:  map[string]any{"ticket": "SEC-1"},
	}, clock)
}

func encode(t *testing.T, task *domain.Task) []byte {
	t.Helper()
	data, err := domain.Encode(task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func clone(t *testing.T, task *domain.Task) *domain.Task {
	t.Helper()
	c, err := domain.DecodeTask(encode(t, task))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return c
}

func ids(tasks []*domain.Task) map[string]bool {
	out := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		out[t.ID] = true
	}
	return out
}

// Run exercises a repository built fresh by open for each subtest. Backends
// sharing storage between subtests must tolerate foreign tasks in listings.
func Run(t *testing.T, open func(t *testing.T) repo.Repository) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateAndRead", func(t *testing.T) {
		r := open(t)
		task := newTask("Rotate keys")
		if err := r.Create(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := r.Read(ctx, task.ID)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(encode(t, got), encode(t, task)) {
			t.Fatalf("round trip mismatch:\n%s\nvs\n%s", encode(t, got), encode(t, task))
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		r := open(t)
		task := newTask("original")
		if err := r.Create(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
		dup := clone(t, task)
		dup.Title = "replacement"
		dup.RecomputeChecksum()
		if err := r.Create(ctx, dup); !errors.Is(err, repo.ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
		got, err := r.Read(ctx, task.ID)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.Title != "original" {
			t.Fatalf("create overwrote stored task: %q", got.Title)
		}
	})

	t.Run("ReadMissing", func(t *testing.T) {
		r := open(t)
		_, err := r.Read(ctx, "does-not-exist")
		if !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if repo.IsStorageFault(err) {
			t.Fatalf("missing task reported as storage fault: %v", err)
		}
	})

	t.Run("InvalidID", func(t *testing.T) {
		r := open(t)
		if _, err := r.Read(ctx, "../escape"); !errors.Is(err, repo.ErrInvalidID) {
			t.Fatalf("expected ErrInvalidID, got %v", err)
		}
	})

	t.Run("UpdateBumpsVersion", func(t *testing.T) {
		r := open(t)
		task := newTask("update")
		if err := r.Create(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := r.Read(ctx, task.ID)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if err := got.Transition(domain.StateInProgress, "bob", nil, clock.Add(time.Minute)); err != nil {
			t.Fatalf("transition: %v", err)
		}
		if err := r.Update(ctx, got); err != nil {
			t.Fatalf("update: %v", err)
		}
		if got.Version != 2 {
			t.Fatalf("expected caller version 2, got %d", got.Version)
		}
		stored, err := r.Read(ctx, task.ID)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if stored.Version != 2 || stored.State != domain.StateInProgress || len(stored.AuditLog) != 1 {
			t.Fatalf("unexpected stored task: version=%d state=%s audit=%d", stored.Version, stored.State, len(stored.AuditLog))
		}
	})

	t.Run("UpdateStaleVersion", func(t *testing.T) {
		r := open(t)
		task := newTask("stale")
		if err := r.Create(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
		first := clone(t, task)
		second := clone(t, task)
		if err := first.Transition(domain.StateInProgress, "bob", nil, clock); err != nil {
			t.Fatal(err)
		}
		if err := r.Update(ctx, first); err != nil {
			t.Fatalf("first update: %v", err)
		}
		if err := second.Transition(domain.StateArchived, "carol", nil, clock); err != nil {
			t.Fatal(err)
		}
		if err := r.Update(ctx, second); !errors.Is(err, repo.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if second.Version != 1 {
			t.Fatalf("failed update changed caller version to %d", second.Version)
		}
		stored, err := r.Read(ctx, task.ID)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if stored.State != domain.StateInProgress {
			t.Fatalf("stale update was persisted: %s", stored.State)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		r := open(t)
		task := newTask("ghost")
		if err := r.Update(ctx, task); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdateTruncatedAudit", func(t *testing.T) {
		r := open(t)
		task := newTask("append only")
		if err := r.Create(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := task.Transition(domain.StateInProgress, "bob", nil, clock); err != nil {
			t.Fatal(err)
		}
		if err := r.Update(ctx, task); err != nil {
			t.Fatalf("update: %v", err)
		}
		task.AuditLog = []domain.AuditEntry{}
		if err := r.Update(ctx, task); !errors.Is(err, repo.ErrAuditTruncated) {
			t.Fatalf("expected ErrAuditTruncated, got %v", err)
		}
	})

	t.Run("UpdateRewrittenAudit", func(t *testing.T) {
		r := open(t)
		task := newTask("immutable history")
		if err := r.Create(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := task.Transition(domain.StateInProgress, "bob", map[string]any{"ticket": 7}, clock); err != nil {
			t.Fatal(err)
		}
		if err := r.Update(ctx, task); err != nil {
			t.Fatalf("update: %v", err)
		}

		forged, err := r.Read(ctx, task.ID)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		forged.AuditLog[0].Actor = "eve"
		forged.AuditLog[0].Checksum = forged.AuditLog[0].ComputeChecksum()
		if err := r.Update(ctx, forged); !errors.Is(err, repo.ErrAuditRewritten) {
			t.Fatalf("expected ErrAuditRewritten for edited actor, got %v", err)
		}

		forged, err = r.Read(ctx, task.ID)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		forged.AuditLog[0].Details = map[string]any{"ticket": 8}
		if err := r.Update(ctx, forged); !errors.Is(err, repo.ErrAuditRewritten) {
			t.Fatalf("expected ErrAuditRewritten for edited details, got %v", err)
		}

		// Appending after an untouched prefix still works, including when
		// the prefix was built in memory rather than read back.
		if err := task.Transition(domain.StateSecured, "bob", nil, clock.Add(time.Minute)); err != nil {
			t.Fatal(err)
		}
		if err := r.Update(ctx, task); err != nil {
			t.Fatalf("append after intact prefix: %v", err)
		}
		log, err := r.AuditLog(ctx, task.ID)
		if err != nil {
			t.Fatalf("audit log: %v", err)
		}
		if len(log) != 2 || log[0].Actor != "bob" {
			t.Fatalf("unexpected audit log: %+v", log)
		}
	})

	t.Run("ConcurrentUpdatesSameTask", func(t *testing.T) {
		r := open(t)
		task := newTask("race")
		if err := r.Create(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			ok        int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			c := clone(t, task)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.Transition(domain.StateInProgress, "worker", nil, clock); err != nil {
					return
				}
				err := r.Update(ctx, c)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, repo.ErrConflict):
					conflicts++
				}
			}()
		}
		wg.Wait()
		if ok != 1 || conflicts != writers-1 {
			t.Fatalf("expected 1 success and %d conflicts, got %d and %d", writers-1, ok, conflicts)
		}
		stored, err := r.Read(ctx, task.ID)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if stored.Version != 2 || len(stored.AuditLog) != 1 {
			t.Fatalf("unexpected stored task: version=%d audit=%d", stored.Version, len(stored.AuditLog))
		}
	})

	t.Run("Delete", func(t *testing.T) {
		r := open(t)
		task := newTask("delete me")
		if err := r.Create(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := r.Delete(ctx, task.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := r.Read(ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := r.Delete(ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("expected ErrNotFound on second delete, got %v", err)
		}
	})

	t.Run("ListByState", func(t *testing.T) {
		r := open(t)
		a, b, c := newTask("a"), newTask("b"), newTask("c")
		for _, task := range []*domain.Task{a, b, c} {
			if err := r.Create(ctx, task); err != nil {
				t.Fatalf("create: %v", err)
			}
		}
		if err := b.Transition(domain.StateInProgress, "bob", nil, clock); err != nil {
			t.Fatal(err)
		}
		if err := r.Update(ctx, b); err != nil {
			t.Fatalf("update: %v", err)
		}
		pending, err := r.ListByState(ctx, domain.StatePending)
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
		got := ids(pending)
		if !got[a.ID] || !got[c.ID] || got[b.ID] {
			t.Fatalf("unexpected pending listing: %v", got)
		}
		active, err := r.ListByState(ctx, domain.StateInProgress)
		if err != nil {
			t.Fatalf("list in progress: %v", err)
		}
		got = ids(active)
		if !got[b.ID] || got[a.ID] || got[c.ID] {
			t.Fatalf("unexpected in-progress listing: %v", got)
		}
		for _, task := range active {
			if task.State != domain.StateInProgress {
				t.Fatalf("listing returned %s task", task.State)
			}
		}
	})

	t.Run("AuditLog", func(t *testing.T) {
		r := open(t)
		task := newTask("audit")
		if err := r.Create(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
		steps := []domain.State{domain.StateInProgress, domain.StateSecured}
		for i, s := range steps {
			if err := task.Transition(s, "bob", map[string]any{"step": "x"}, clock.Add(time.Duration(i+1)*time.Minute)); err != nil {
				t.Fatal(err)
			}
			if err := r.Update(ctx, task); err != nil {
				t.Fatalf("update: %v", err)
			}
		}
		entries, err := r.AuditLog(ctx, task.ID)
		if err != nil {
			t.Fatalf("audit log: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(entries))
		}
		if entries[0].NewState != domain.StateInProgress || entries[1].NewState != domain.StateSecured {
			t.Fatalf("entries out of order: %s, %s", entries[0].NewState, entries[1].NewState)
		}
		for _, e := range entries {
			if err := e.Verify(); err != nil {
				t.Fatalf("entry checksum: %v", err)
			}
		}
		missing, err := r.AuditLog(ctx, "no-such-task")
		if err != nil {
			t.Fatalf("audit log of missing task: %v", err)
		}
		if len(missing) != 0 {
			t.Fatalf("expected empty audit log, got %d entries", len(missing))
		}
	})
}
