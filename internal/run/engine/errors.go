package engine

import (
	"context"
	"errors"
	"fmt"

	"tracerun/internal/audit"
	"tracerun/internal/run/models"
	dErrors "tracerun/pkg/domain-errors"
	"tracerun/pkg/platform/sentinel"
)

// storeErr translates run store errors into domain errors.
func storeErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, what+" not found")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeInvalidState, what+" changed state concurrently")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConcurrency, what+" already exists")
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "timed out accessing "+what)
	default:
		return dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to access "+what)
	}
}

// emit records an audit event. The action it describes must not be
// persisted unless emit succeeds.
func (e *Engine) emit(ctx context.Context, kind audit.Kind, actor, subject string, payload map[string]string) error {
	if _, err := e.audit.Emit(ctx, kind, actor, subject, payload); err != nil {
		if dErrors.HasCode(err, dErrors.CodeStorageFailure) || dErrors.HasCode(err, dErrors.CodeValidation) {
			return err
		}
		return dErrors.Wrap(err, dErrors.CodeStorageFailure, fmt.Sprintf("failed to record %s", kind))
	}
	return nil
}

// mirrorTicket best-effort copies run progress onto the ticket.
func (e *Engine) mirrorTicket(ctx context.Context, run *models.Run, status models.TicketStatus) {
	if e.ticketStatus == nil {
		return
	}
	if err := e.ticketStatus.SetTicketStatus(ctx, run.TicketID, status); err != nil {
		e.logger.WarnContext(ctx, "failed to mirror ticket status",
			"ticket_id", run.TicketID,
			"run_id", run.ID,
			"status", status,
			"error", err,
		)
	}
}

func ticketStatusFor(s models.RunStatus) models.TicketStatus {
	switch s {
	case models.RunStatusCompleted:
		return models.TicketDone
	case models.RunStatusFailed:
		return models.TicketFailed
	default:
		return models.TicketRunning
	}
}
