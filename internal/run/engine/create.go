package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"tracerun/internal/audit"
	"tracerun/internal/lease"
	"tracerun/internal/run/models"
	"tracerun/pkg/domain"
	dErrors "tracerun/pkg/domain-errors"
	"tracerun/pkg/platform/sentinel"
)

// CreateRunRequest asks for a new run against a ticket. Nonce is
// client-supplied; together with the ticket and script it forms the
// idempotency key. An empty nonce disables deduplication.
type CreateRunRequest struct {
	TicketID domain.TicketID
	ScriptID string
	Type     models.RunType
	Actor    string
	Nonce    string
	// AssetID overrides the ticket's asset.
	AssetID domain.AssetID
	Context map[string]string
}

func (r CreateRunRequest) validate() error {
	switch {
	case r.TicketID.IsNil():
		return dErrors.New(dErrors.CodeValidation, "ticket id is required")
	case strings.TrimSpace(r.ScriptID) == "":
		return dErrors.New(dErrors.CodeValidation, "script id is required")
	case !r.Type.Valid():
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unsupported run type %q", r.Type))
	case strings.TrimSpace(r.Actor) == "":
		return dErrors.New(dErrors.CodeValidation, "actor is required")
	}
	return nil
}

// IdempotencyKey derives the dedup key for a create request.
func IdempotencyKey(ticketID domain.TicketID, scriptID, nonce string) string {
	if nonce == "" {
		return ""
	}
	return fmt.Sprintf("%d:%s:%s", int64(ticketID), scriptID, nonce)
}

// CreateRun admits a pending run and records run.created. A repeated create
// with the same idempotency key returns the first run; it records run.created
// only if the first admission persisted the run but never got it into the
// audit log.
func (e *Engine) CreateRun(ctx context.Context, req CreateRunRequest) (*models.Run, error) {
	ctx, span := e.tracer.Start(ctx, "engine.CreateRun")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("ticket.id", int64(req.TicketID)),
		attribute.String("script.id", req.ScriptID),
	)

	run, err := e.createRun(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(attribute.Int64("run.id", int64(run.ID)))
	return run, nil
}

func (e *Engine) createRun(ctx context.Context, req CreateRunRequest) (*models.Run, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	key := IdempotencyKey(req.TicketID, req.ScriptID, req.Nonce)
	if key == "" {
		return e.admit(ctx, req, "")
	}

	if existing, err := e.runs.FindByIdempotencyKey(ctx, key); err == nil {
		return e.ensureCreated(ctx, existing)
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, storeErr(err, "run")
	}

	// Concurrent retries in this process share one admission.
	v, err, _ := e.creates.Do(key, func() (any, error) {
		return e.admit(ctx, req, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Run).Clone(), nil
}

func (e *Engine) admit(ctx context.Context, req CreateRunRequest, key string) (*models.Run, error) {
	ticket, err := e.tickets.GetTicket(ctx, req.TicketID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("ticket %d not found", req.TicketID))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load ticket")
	}
	if !e.cfg.admissible(ticket.Status) {
		return nil, dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("ticket %d is %s and cannot accept runs", ticket.ID, ticket.Status))
	}

	handle, err := e.procedures.Resolve(req.ScriptID)
	if err != nil {
		return nil, err
	}
	spec := handle.Spec()
	if spec.RunType != req.Type {
		return nil, dErrors.New(dErrors.CodeValidation,
			fmt.Sprintf("script %s runs as %s, not %s", spec.ID, spec.RunType, req.Type))
	}
	if err := requireApproval(spec.RequiresApproval, ticket); err != nil {
		return nil, err
	}

	assetID := req.AssetID
	if assetID.IsNil() {
		assetID = ticket.AssetID
	}
	if !assetID.IsNil() && e.assets != nil {
		ok, err := e.assets.AssetExists(ctx, assetID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check asset")
		}
		if !ok {
			return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("asset %d not found", assetID))
		}
	}

	run := &models.Run{
		Type:           req.Type,
		TicketID:       ticket.ID,
		AssetID:        assetID,
		ScriptID:       spec.ID,
		Status:         models.RunStatusPending,
		CreatedBy:      req.Actor,
		IdempotencyKey: key,
		CreatedAt:      e.clock(),
		Context:        cloneContext(req.Context),
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, sentinel.ErrConflict) && key != "" {
			// Another process admitted the same key first.
			existing, findErr := e.runs.FindByIdempotencyKey(ctx, key)
			if findErr == nil {
				return e.ensureCreated(ctx, existing)
			}
			return nil, dErrors.Wrap(err, dErrors.CodeConcurrency,
				"a create for this idempotency key is still in flight")
		}
		return nil, storeErr(err, "run")
	}

	if err := e.recordCreated(ctx, run, true); err != nil {
		return nil, err
	}

	if ticket.Status != models.TicketRunning {
		e.mirrorTicket(ctx, run, models.TicketRunning)
	}
	e.metrics.IncRunsCreated(string(run.Type))
	e.logger.InfoContext(ctx, "run created",
		"run_id", run.ID,
		"ticket_id", run.TicketID,
		"script_id", run.ScriptID,
		"actor", req.Actor,
	)
	return run, nil
}

// ensureCreated returns an existing pending run once its run.created event
// is in the audit log, appending it if the first admission stopped short.
func (e *Engine) ensureCreated(ctx context.Context, run *models.Run) (*models.Run, error) {
	if run.Status != models.RunStatusPending {
		return run, nil
	}
	h, err := e.history(ctx, run)
	if err != nil {
		return nil, err
	}
	if h.created {
		return run, nil
	}
	if err := e.recordCreated(ctx, run, false); err != nil {
		return nil, err
	}
	return run, nil
}

// recordCreated appends run.created under the run lease unless the log
// already holds it. With discard set, a failed append removes the run so no
// pending run exists without its creation event.
func (e *Engine) recordCreated(ctx context.Context, run *models.Run, discard bool) error {
	owner := e.newToken()
	acquired, err := lease.AcquireWithin(ctx, e.leases, run.ID, owner, e.cfg.LeaseTTL, e.cfg.AcquireTimeout, lease.BackoffWait)
	if err != nil && !errors.Is(err, lease.ErrTimeout) {
		return dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to acquire run lease")
	}
	if !acquired {
		return dErrors.New(dErrors.CodeConcurrency, "a create for this idempotency key is still in flight")
	}
	defer e.releaseLease(ctx, run.ID, owner)

	current, err := e.runs.GetRun(ctx, run.ID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeConcurrency, "a create for this idempotency key is still in flight")
	}
	if err != nil {
		return storeErr(err, "run")
	}
	h, err := e.history(ctx, current)
	if err != nil {
		return err
	}
	if h.created {
		return nil
	}

	if err := e.emit(ctx, audit.KindRunCreated, current.CreatedBy, audit.RunSubject(current.ID), createdPayload(current)); err != nil {
		if discard {
			if delErr := e.runs.DeletePendingRun(ctx, current.ID); delErr != nil {
				e.logger.ErrorContext(ctx, "failed to discard run without run.created",
					"run_id", current.ID,
					"error", delErr,
				)
			}
		}
		return err
	}
	if !discard {
		e.logger.WarnContext(ctx, "run.created appended on retry", "run_id", current.ID)
	}
	return nil
}

func createdPayload(run *models.Run) map[string]string {
	return map[string]string{
		"ticket_id": run.TicketID.String(),
		"script_id": run.ScriptID,
		"run_type":  string(run.Type),
	}
}

// requireApproval is the approval precondition checked at create.
func requireApproval(required bool, ticket *models.Ticket) error {
	if required && ticket.Status != models.TicketApproved {
		return dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("ticket %d must be approved before this procedure can run", ticket.ID))
	}
	return nil
}

// requireApprovalHeld is the execute-time check. Admission already required
// approved, and admission itself moves the ticket to running, so either
// status means the approval still stands.
func requireApprovalHeld(required bool, ticket *models.Ticket) error {
	if !required || ticket.Status == models.TicketApproved || ticket.Status == models.TicketRunning {
		return nil
	}
	return dErrors.New(dErrors.CodeInvalidState,
		fmt.Sprintf("ticket %d is %s; approval no longer holds", ticket.ID, ticket.Status))
}

func cloneContext(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
