package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ottotask/internal/db"
	"ottotask/internal/domain"
	"ottotask/internal/engine"
	"ottotask/internal/repo"
)

var clock = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	r := repo.NewFileRepository(filepath.Join(t.TempDir(), "tasks"), nil)
	eng := engine.New(r, nil)
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func TestTaskLifecycleScenario(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "T1", CreatedBy: "tester"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.State != domain.StatePending || task.Version != 1 {
		t.Fatalf("unexpected new task: state=%s version=%d", task.State, task.Version)
	}

	task, err = env.Engine.TransitionTask(env.Ctx, task.ID, domain.StateInProgress, "alice", nil)
	if err != nil {
		t.Fatalf("to in_progress: %v", err)
	}
	if len(task.AuditLog) != 1 || task.Version != 2 {
		t.Fatalf("after in_progress: audit=%d version=%d", len(task.AuditLog), task.Version)
	}

	// in_progress -> archived is not allowed
	if _, err := env.Engine.TransitionTask(env.Ctx, task.ID, domain.StateArchived, "alice", nil); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	stored, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != domain.StateInProgress || len(stored.AuditLog) != 1 || stored.Version != 2 {
		t.Fatalf("illegal transition changed stored task: state=%s audit=%d version=%d", stored.State, len(stored.AuditLog), stored.Version)
	}

	task, err = env.Engine.TransitionTask(env.Ctx, task.ID, domain.StateSecured, "alice", map[string]any{"review": "ok"})
	if err != nil {
		t.Fatalf("to secured: %v", err)
	}
	if len(task.AuditLog) != 2 || task.CompletionDate == nil || !task.CompletionDate.Equal(clock) {
		t.Fatalf("after secured: audit=%d completion=%v", len(task.AuditLog), task.CompletionDate)
	}

	task, err = env.Engine.TransitionTask(env.Ctx, task.ID, domain.StateArchived, "bob", nil)
	if err != nil {
		t.Fatalf("to archived: %v", err)
	}
	if len(task.AuditLog) != 3 || !task.State.IsTerminal() {
		t.Fatalf("after archived: audit=%d state=%s", len(task.AuditLog), task.State)
	}
	for _, s := range domain.States {
		if _, err := env.Engine.TransitionTask(env.Ctx, task.ID, s, "bob", nil); !errors.Is(err, domain.ErrIllegalTransition) {
			t.Fatalf("archived -> %s: expected ErrIllegalTransition, got %v", s, err)
		}
	}

	records, err := env.Engine.TaskAuditLog(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 audit records, got %d", len(records))
	}
	if records[1].NewState != "secured" || records[1].Details["review"] != "ok" || records[1].Timestamp != "2024-01-01T12:00:00Z" {
		t.Fatalf("unexpected record: %+v", records[1])
	}
	if records[0].Details == nil {
		t.Fatal("nil details should map to an empty object")
	}
}

func TestOverdueTasks(t *testing.T) {
	env := newTestEnv(t)
	yesterday := clock.Add(-24 * time.Hour)
	tomorrow := clock.Add(24 * time.Hour)

	late, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "late", DueDate: &yesterday})
	if err != nil {
		t.Fatal(err)
	}
	done, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "done", DueDate: &yesterday})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []domain.State{domain.StateInProgress, domain.StateSecured} {
		if _, err := env.Engine.TransitionTask(env.Ctx, done.ID, s, "alice", nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "future", DueDate: &tomorrow}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "undated"}); err != nil {
		t.Fatal(err)
	}
	exact := clock
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "due now", DueDate: &exact}); err != nil {
		t.Fatal(err)
	}

	overdue, err := env.Engine.OverdueTasks(env.Ctx)
	if err != nil {
		t.Fatalf("overdue: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != late.ID {
		t.Fatalf("expected only %s overdue, got %d tasks", late.ID, len(overdue))
	}

	if _, err := env.Engine.TransitionTask(env.Ctx, late.ID, domain.StateInProgress, "alice", nil); err != nil {
		t.Fatal(err)
	}
	overdue, err = env.Engine.OverdueTasks(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(overdue) != 1 || overdue[0].State != domain.StateInProgress {
		t.Fatalf("in-progress overdue task missing: %d tasks", len(overdue))
	}
}

func TestTaskStatistics(t *testing.T) {
	env := newTestEnv(t)
	st, err := env.Engine.TaskStatistics(env.Ctx)
	if err != nil {
		t.Fatalf("stats on empty store: %v", err)
	}
	if st != (engine.Statistics{}) {
		t.Fatalf("expected zero statistics, got %+v", st)
	}

	var ids []string
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: title})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, task.ID)
	}
	steps := map[int][]domain.State{
		1: {domain.StateInProgress},
		2: {domain.StateInProgress, domain.StateSecured},
		3: {domain.StateInProgress, domain.StateFailed},
		4: {domain.StateArchived},
	}
	for i, path := range steps {
		for _, s := range path {
			if _, err := env.Engine.TransitionTask(env.Ctx, ids[i], s, "alice", nil); err != nil {
				t.Fatal(err)
			}
		}
	}

	st, err = env.Engine.TaskStatistics(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := engine.Statistics{TotalTasks: 3, Pending: 1, InProgress: 1, Secured: 1, CompletionRate: 1.0 / 3.0}
	if st != want {
		t.Fatalf("got %+v, want %+v", st, want)
	}
}

func TestTaskStatisticsOnlyFailedAndArchived(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "gone"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionTask(env.Ctx, task.ID, domain.StateArchived, "alice", nil); err != nil {
		t.Fatal(err)
	}
	st, err := env.Engine.TaskStatistics(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.CompletionRate != 0 || st.TotalTasks != 0 {
		t.Fatalf("expected zero denominator to give 0, got %+v", st)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.TaskCreateOptions{
		{Title: "x", Priority: "urgent"},
		{Title: "x", SecurityLevel: "secret"},
	}
	for _, opts := range cases {
		task, err := env.Engine.CreateTask(env.Ctx, opts)
		if !errors.Is(err, engine.ErrInvalidInput) || task != nil {
			t.Fatalf("%+v: expected ErrInvalidInput and nil task, got %v", opts, err)
		}
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "x", Priority: "critical", SecurityLevel: "info"})
	if err != nil {
		t.Fatal(err)
	}
	if task.Priority != domain.PriorityCritical || task.SecurityLevel != domain.SecurityInfo {
		t.Fatalf("unexpected enums: %s %s", task.Priority, task.SecurityLevel)
	}
}

type failingRepo struct {
	repo.Repository
	err error
}

func (f failingRepo) Create(context.Context, *domain.Task) error { return f.err }

func TestCreateTaskFailureReturnsNil(t *testing.T) {
	storeErr := &repo.StorageError{Op: "create", Err: errors.New("disk full")}
	eng := engine.New(failingRepo{err: storeErr}, nil)
	task, err := eng.CreateTask(context.Background(), engine.TaskCreateOptions{Title: "x"})
	if task != nil {
		t.Fatal("failed create leaked a task")
	}
	if !repo.IsStorageFault(err) {
		t.Fatalf("expected storage fault, got %v", err)
	}
}

func TestCreateTaskAcceptsEmptyTitle(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{})
	if err != nil {
		t.Fatalf("create with empty title: %v", err)
	}
	if task.Title != "" || task.State != domain.StatePending {
		t.Fatalf("unexpected task: %+v", task)
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil || got.Title != "" {
		t.Fatalf("reload: %+v (%v)", got, err)
	}
}

func TestTransitionValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.TransitionTask(env.Ctx, "missing", domain.StateInProgress, "alice", nil); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionTask(env.Ctx, task.ID, domain.State("done"), "alice", nil); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown state, got %v", err)
	}
	moved, err := env.Engine.TransitionTask(env.Ctx, task.ID, domain.StateInProgress, "", nil)
	if err != nil {
		t.Fatalf("transition with empty actor: %v", err)
	}
	if len(moved.AuditLog) != 1 || moved.AuditLog[0].Actor != "" {
		t.Fatalf("expected audit entry with empty actor, got %+v", moved.AuditLog)
	}
}

func TestConcurrentTransitionsConflict(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "race"})
	if err != nil {
		t.Fatal(err)
	}
	const workers = 6
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.Engine.TransitionTask(env.Ctx, task.ID, domain.StateInProgress, "worker", nil)
		}()
	}
	wg.Wait()
	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, repo.ErrConflict), errors.Is(err, domain.ErrIllegalTransition):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful transition, got %d", succeeded)
	}
	stored, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.AuditLog) != 1 || stored.Version != 2 {
		t.Fatalf("lost update: audit=%d version=%d", len(stored.AuditLog), stored.Version)
	}
}

func TestDeleteAndListOnSQLite(t *testing.T) {
	ctx := context.Background()
	r, err := repo.OpenSQLite(ctx, db.Config{Workspace: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	eng := engine.New(r, nil)
	eng.Now = func() time.Time { return clock }

	task, err := eng.CreateTask(ctx, engine.TaskCreateOptions{Title: "sqlite"})
	if err != nil {
		t.Fatal(err)
	}
	pending, err := eng.PendingTasks(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending: %d (%v)", len(pending), err)
	}
	if _, err := eng.TransitionTask(ctx, task.ID, domain.StateInProgress, "alice", nil); err != nil {
		t.Fatal(err)
	}
	active, err := eng.TasksByState(ctx, domain.StateInProgress)
	if err != nil || len(active) != 1 {
		t.Fatalf("in progress: %d (%v)", len(active), err)
	}
	if _, err := eng.TasksByState(ctx, domain.State("bogus")); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := eng.DeleteTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if err := eng.DeleteTask(ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	records, err := eng.TaskAuditLog(ctx, task.ID)
	if err != nil || len(records) != 0 {
		t.Fatalf("expected empty audit log after delete, got %d (%v)", len(records), err)
	}
}
