package audit

import (
	"context"
	"log/slog"
	"time"

	"tracerun/internal/platform/metrics"
)

// Appender is the write side of the audit log.
type Appender interface {
	Append(ctx context.Context, e Event) (Event, error)
}

// Publisher emits audit events with fail-closed semantics: the caller blocks
// until the event is durable, and a failed append must fail the caller's
// operation.
type Publisher struct {
	log     Appender
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// PublisherOption configures the Publisher.
type PublisherOption func(*Publisher)

// WithLogger sets a logger for error reporting.
func WithLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

func NewPublisher(log Appender, opts ...PublisherOption) *Publisher {
	p := &Publisher{log: log}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit synchronously appends an event. Returned errors carry
// CodeStorageFailure or CodeValidation from the log.
func (p *Publisher) Emit(ctx context.Context, kind Kind, actor, subject string, payload map[string]string) (Event, error) {
	start := time.Now()

	e, err := p.log.Append(ctx, Event{
		Actor:   actor,
		Kind:    kind,
		Subject: subject,
		Payload: payload,
	})
	if err != nil {
		p.metrics.IncAuditAppendFailures()
		if p.logger != nil {
			p.logger.ErrorContext(ctx, "CRITICAL: audit append failed",
				"kind", kind,
				"subject", subject,
				"actor", actor,
				"error", err,
			)
		}
		return Event{}, err
	}

	p.metrics.ObserveAuditAppend(string(kind), time.Since(start))
	if p.logger != nil {
		p.logger.InfoContext(ctx, "audit event",
			"kind", e.Kind,
			"category", e.Kind.Category(),
			"subject", e.Subject,
			"actor", e.Actor,
			"seq", e.Seq,
			"shard", e.Shard,
		)
	}
	return e, nil
}
