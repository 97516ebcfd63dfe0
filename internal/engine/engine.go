package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ottotask/internal/domain"
	"ottotask/internal/repo"
)

// ErrInvalidInput rejects caller input before anything is persisted.
var ErrInvalidInput = errors.New("invalid input")

// Engine orchestrates task operations over a repository. It keeps no state
// of its own.
type Engine struct {
	Repo repo.Repository
	Log  *slog.Logger
	Now  func() time.Time
}

func New(r repo.Repository, log *slog.Logger) Engine {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return Engine{
		Repo: r,
		Log:  log.With("component", "engine"),
		Now:  time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.New(slog.DiscardHandler)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Title         string
	Description   string
	Priority      string
	SecurityLevel string
	AssignedTo    string
	DueDate       *time.Time
	CreatedBy     string
	Tags          []string
	CustomFields  map[string]any
}

// CreateTask builds a pending task and persists it. No task is returned
// unless it was stored.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (*domain.Task, error) {
	var (
		priority domain.Priority
		level    domain.SecurityLevel
		err      error
	)
	if opts.Priority != "" {
		if priority, err = domain.ParsePriority(opts.Priority); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}
	if opts.SecurityLevel != "" {
		if level, err = domain.ParseSecurityLevel(opts.SecurityLevel); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}
	t := domain.NewTask(domain.NewTaskOptions{
		Title:         opts.Title,
		Description:   opts.Description,
		Priority:      priority,
		SecurityLevel: level,
		AssignedTo:    opts.AssignedTo,
		DueDate:       opts.DueDate,
		CreatedBy:     opts.CreatedBy,
		Tags:          opts.Tags,
		CustomFields:  opts.CustomFields,
	}, e.now())
	if err := e.Repo.Create(ctx, t); err != nil {
		e.log().Error("create task failed", "task_id", t.ID, "err", err)
		return nil, fmt.Errorf("create task: %w", err)
	}
	e.log().Info("task created", "task_id", t.ID, "priority", t.Priority, "security_level", t.SecurityLevel)
	return t, nil
}

// GetTask returns the stored snapshot of id.
func (e Engine) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return e.Repo.Read(ctx, id)
}

// TransitionTask reads id, applies the transition and writes it back. A
// concurrent writer that got there first makes Update fail with
// repo.ErrConflict; nothing is retried.
func (e Engine) TransitionTask(ctx context.Context, id string, target domain.State, actor string, details map[string]any) (*domain.Task, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: state %q", ErrInvalidInput, target)
	}
	t, err := e.Repo.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	from := t.State
	if err := t.Transition(target, actor, details, e.now()); err != nil {
		e.log().Warn("illegal transition", "task_id", id, "from", from, "to", target, "actor", actor)
		return nil, err
	}
	if err := e.Repo.Update(ctx, t); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			e.log().Warn("transition lost to concurrent update", "task_id", id)
		} else {
			e.log().Error("persist transition failed", "task_id", id, "err", err)
		}
		return nil, fmt.Errorf("transition task %s: %w", id, err)
	}
	e.log().Info("task transitioned", "task_id", id, "from", from, "to", target, "actor", actor, "version", t.Version)
	return t, nil
}

// DeleteTask removes id permanently.
func (e Engine) DeleteTask(ctx context.Context, id string) error {
	if err := e.Repo.Delete(ctx, id); err != nil {
		return err
	}
	e.log().Info("task deleted", "task_id", id)
	return nil
}

// TasksByState lists tasks in state s.
func (e Engine) TasksByState(ctx context.Context, s domain.State) ([]*domain.Task, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: state %q", ErrInvalidInput, s)
	}
	return e.Repo.ListByState(ctx, s)
}

func (e Engine) PendingTasks(ctx context.Context) ([]*domain.Task, error) {
	return e.Repo.ListByState(ctx, domain.StatePending)
}

func (e Engine) InProgressTasks(ctx context.Context) ([]*domain.Task, error) {
	return e.Repo.ListByState(ctx, domain.StateInProgress)
}

func (e Engine) SecuredTasks(ctx context.Context) ([]*domain.Task, error) {
	return e.Repo.ListByState(ctx, domain.StateSecured)
}
