package engine

import (
	"context"
	"iter"

	"tracerun/internal/audit"
	"tracerun/internal/procedure"
	"tracerun/internal/run/models"
	"tracerun/pkg/domain"
)

// TicketReader loads tickets from the ticket service.
type TicketReader interface {
	GetTicket(ctx context.Context, id domain.TicketID) (*models.Ticket, error)
}

// AssetReader checks asset references against the asset inventory.
type AssetReader interface {
	AssetExists(ctx context.Context, id domain.AssetID) (bool, error)
}

// TicketStatusWriter mirrors run progress onto the owning ticket.
type TicketStatusWriter interface {
	SetTicketStatus(ctx context.Context, id domain.TicketID, status models.TicketStatus) error
}

// RunStore persists runs and their artifacts.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	// DeletePendingRun removes a pending run that has no artifacts.
	DeletePendingRun(ctx context.Context, id domain.RunID) error
	GetRun(ctx context.Context, id domain.RunID) (*models.Run, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.Run, error)
	SaveTransition(ctx context.Context, run *models.Run, from models.RunStatus) error
	ApplyOutcome(ctx context.Context, run *models.Run, verdicts []models.VerdictUpdate) error
	ListRunning(ctx context.Context) ([]*models.Run, error)

	CreateArtifact(ctx context.Context, a *models.Artifact) error
	GetArtifact(ctx context.Context, id domain.ArtifactID) (*models.Artifact, error)
	ListArtifacts(ctx context.Context, runID domain.RunID) ([]*models.Artifact, error)
}

// AuditEmitter durably records an audit event before returning.
type AuditEmitter interface {
	Emit(ctx context.Context, kind audit.Kind, actor, subject string, payload map[string]string) (audit.Event, error)
}

// AuditReader is the read side of the audit log.
type AuditReader interface {
	ReadRange(ctx context.Context, fromSeq, toSeq uint64) iter.Seq2[audit.Event, error]
	History(ctx context.Context, subjects ...string) iter.Seq2[audit.Event, error]
	VerifyChain(ctx context.Context, fromSeq, toSeq uint64) (bool, error)
	VerifyChainReport(ctx context.Context, fromSeq, toSeq uint64) (audit.ChainReport, error)
}

// ProcedureResolver maps a script ID to its registered procedure.
type ProcedureResolver interface {
	Resolve(scriptID string) (procedure.Handle, error)
}
