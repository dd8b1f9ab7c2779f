// Package engine admits, executes and records runs. Every state change is
// written to the audit log before it is persisted, and execution of a run is
// owned by whoever holds its lease.
package engine

import (
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"tracerun/internal/blob"
	"tracerun/internal/lease"
	"tracerun/internal/platform/config"
	"tracerun/internal/platform/metrics"
	"tracerun/internal/run/models"
)

const (
	defaultRunTimeout       = 5 * time.Minute
	defaultAcquireTimeout   = 2 * time.Second
	defaultVerifyTimeout    = 30 * time.Second
	defaultMaxArtifactBytes = 100 << 20

	releaseTimeout  = 5 * time.Second
	reconcilerActor = "system:reconciler"
)

// Config bounds every blocking step of run execution.
type Config struct {
	RunTimeout     time.Duration
	LeaseTTL       time.Duration
	AcquireTimeout time.Duration
	// Backoff is lease.BackoffFailFast or lease.BackoffWait.
	Backoff          string
	VerifyTimeout    time.Duration
	MaxArtifactBytes int64
	// AdmissibleStatuses are the ticket statuses a run may be opened against.
	AdmissibleStatuses []models.TicketStatus
	// ExecutorID prefixes lease owner tokens so holders can be traced back
	// to a process.
	ExecutorID string
}

// ConfigFrom converts the environment configuration.
func ConfigFrom(c config.Engine, executorID string) Config {
	statuses := make([]models.TicketStatus, 0, len(c.AdmissibleStatus))
	for _, s := range c.AdmissibleStatus {
		statuses = append(statuses, models.TicketStatus(s))
	}
	return Config{
		RunTimeout:         c.RunTimeout,
		LeaseTTL:           c.LeaseTTL,
		AcquireTimeout:     c.AcquireTimeout,
		Backoff:            c.Backoff,
		VerifyTimeout:      c.VerifyTimeout,
		MaxArtifactBytes:   c.MaxArtifactBytes,
		AdmissibleStatuses: statuses,
		ExecutorID:         executorID,
	}
}

func (c Config) withDefaults() Config {
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaultRunTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	if c.Backoff == "" {
		c.Backoff = lease.BackoffFailFast
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = defaultVerifyTimeout
	}
	if c.MaxArtifactBytes <= 0 {
		c.MaxArtifactBytes = defaultMaxArtifactBytes
	}
	if len(c.AdmissibleStatuses) == 0 {
		c.AdmissibleStatuses = []models.TicketStatus{models.TicketSubmitted, models.TicketApproved, models.TicketRunning}
	}
	if c.ExecutorID == "" {
		c.ExecutorID = "engine"
	}
	return c
}

func (c Config) admissible(s models.TicketStatus) bool {
	return slices.Contains(c.AdmissibleStatuses, s)
}

// Deps are the collaborators the engine cannot run without, plus the
// optional asset and ticket status ports.
type Deps struct {
	Runs       RunStore
	Tickets    TicketReader
	Procedures ProcedureResolver
	Leases     lease.Store
	Blobs      blob.Store
	Audit      AuditEmitter
	// AuditLog reads back what Audit recorded; recovery consults it before
	// writing anything.
	AuditLog AuditReader

	// Assets is optional; without it asset references are not checked.
	Assets AssetReader
	// TicketStatus is optional; without it ticket status is not mirrored.
	TicketStatus TicketStatusWriter
}

// Engine runs the traceable run lifecycle.
type Engine struct {
	runs         RunStore
	tickets      TicketReader
	assets       AssetReader
	ticketStatus TicketStatusWriter
	procedures   ProcedureResolver
	leases       lease.Store
	blobs        blob.Store
	audit        AuditEmitter
	auditLog     AuditReader

	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
	newToken func() string
	creates  singleflight.Group
}

// Option configures the Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock overrides the time source used for run and artifact timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

func New(deps Deps, cfg Config, opts ...Option) (*Engine, error) {
	switch {
	case deps.Runs == nil:
		return nil, errors.New("run store is required")
	case deps.Tickets == nil:
		return nil, errors.New("ticket reader is required")
	case deps.Procedures == nil:
		return nil, errors.New("procedure resolver is required")
	case deps.Leases == nil:
		return nil, errors.New("lease store is required")
	case deps.Blobs == nil:
		return nil, errors.New("blob store is required")
	case deps.Audit == nil:
		return nil, errors.New("audit emitter is required")
	case deps.AuditLog == nil:
		return nil, errors.New("audit log reader is required")
	}

	e := &Engine{
		runs:         deps.Runs,
		tickets:      deps.Tickets,
		assets:       deps.Assets,
		ticketStatus: deps.TicketStatus,
		procedures:   deps.Procedures,
		leases:       deps.Leases,
		blobs:        deps.Blobs,
		audit:        deps.Audit,
		auditLog:     deps.AuditLog,
		cfg:          cfg.withDefaults(),
		logger:       slog.Default(),
		tracer:       otel.Tracer("tracerun/engine"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.newToken = func() string {
		return e.cfg.ExecutorID + ":" + uuid.NewString()
	}
	return e, nil
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}
