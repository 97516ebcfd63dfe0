package repo

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ottotask/internal/domain"
)

const tracerName = "ottotask/repo"

// Traced records one span per repository call.
type Traced struct {
	next    Repository
	tracer  trace.Tracer
	backend string
}

// NewTraced wraps next. A nil provider uses the global one.
func NewTraced(next Repository, backend string, tp trace.TracerProvider) *Traced {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Traced{next: next, tracer: tp.Tracer(tracerName), backend: backend}
}

func (r *Traced) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("repo.backend", r.backend))
	return r.tracer.Start(ctx, "repo."+op, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (r *Traced) Create(ctx context.Context, t *domain.Task) (err error) {
	ctx, span := r.start(ctx, "create", attribute.String("task.id", t.ID))
	defer func() { finish(span, err) }()
	return r.next.Create(ctx, t)
}

func (r *Traced) Read(ctx context.Context, id string) (_ *domain.Task, err error) {
	ctx, span := r.start(ctx, "read", attribute.String("task.id", id))
	defer func() { finish(span, err) }()
	return r.next.Read(ctx, id)
}

func (r *Traced) Update(ctx context.Context, t *domain.Task) (err error) {
	ctx, span := r.start(ctx, "update",
		attribute.String("task.id", t.ID),
		attribute.Int("task.version", t.Version),
	)
	defer func() { finish(span, err) }()
	return r.next.Update(ctx, t)
}

func (r *Traced) Delete(ctx context.Context, id string) (err error) {
	ctx, span := r.start(ctx, "delete", attribute.String("task.id", id))
	defer func() { finish(span, err) }()
	return r.next.Delete(ctx, id)
}

func (r *Traced) ListByState(ctx context.Context, s domain.State) (_ []*domain.Task, err error) {
	ctx, span := r.start(ctx, "list", attribute.String("task.state", string(s)))
	defer func() { finish(span, err) }()
	tasks, err := r.next.ListByState(ctx, s)
	span.SetAttributes(attribute.Int("task.count", len(tasks)))
	return tasks, err
}

func (r *Traced) AuditLog(ctx context.Context, id string) (_ []domain.AuditEntry, err error) {
	ctx, span := r.start(ctx, "audit", attribute.String("task.id", id))
	defer func() { finish(span, err) }()
	return r.next.AuditLog(ctx, id)
}

func (r *Traced) Close() error { return r.next.Close() }
