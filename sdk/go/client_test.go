package ottotasksdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"ottotask/internal/engine"
	"ottotask/internal/repo"
	"ottotask/internal/server"
	ottotasksdk "ottotask/sdk/go"
)

func newClient(t *testing.T) *ottotasksdk.Client {
	t.Helper()
	e := engine.New(repo.NewFileRepository(t.TempDir(), nil), nil)
	handler, err := server.New(server.Config{Engine: e, DefaultActor: "sdk"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := ottotasksdk.New(srv.URL)
	c.HTTPClient = srv.Client()
	return c
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	task, err := c.CreateTask(ctx, ottotasksdk.CreateTaskInput{Title: "Audit IAM roles", Priority: "critical"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.State != "pending" || task.Priority != "critical" {
		t.Fatalf("unexpected task: %+v", task)
	}
	for _, s := range []string{"in_progress", "secured"} {
		if task, err = c.Transition(ctx, task.ID, s, "", nil); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if task.CompletionDate == nil || task.Version != 3 {
		t.Fatalf("unexpected secured task: %+v", task)
	}

	secured, err := c.ListTasks(ctx, "secured")
	if err != nil || len(secured) != 1 {
		t.Fatalf("list secured: %d (%v)", len(secured), err)
	}
	audit, err := c.AuditLog(ctx, task.ID)
	if err != nil || len(audit) != 2 || audit[1].Actor != "sdk" {
		t.Fatalf("audit: %+v (%v)", audit, err)
	}
	st, err := c.Stats(ctx)
	if err != nil || st.Secured != 1 || st.CompletionRate != 1 {
		t.Fatalf("stats: %+v (%v)", st, err)
	}
	overdue, err := c.Overdue(ctx)
	if err != nil || len(overdue) != 0 {
		t.Fatalf("overdue: %d (%v)", len(overdue), err)
	}

	_, err = c.Transition(ctx, task.ID, "pending", "", nil)
	var apiErr *ottotasksdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != "illegal_transition" {
		t.Fatalf("expected illegal_transition, got %v", err)
	}

	if err := c.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.GetTask(ctx, task.ID); !errors.As(err, &apiErr) || apiErr.Code != "not_found" {
		t.Fatalf("expected not_found, got %v", err)
	}
}
