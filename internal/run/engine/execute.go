package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tracerun/internal/audit"
	"tracerun/internal/lease"
	"tracerun/internal/procedure"
	"tracerun/internal/run/models"
	"tracerun/pkg/domain"
	dErrors "tracerun/pkg/domain-errors"
)

var (
	errRunTimeout = errors.New("run execution timed out")
	errLeaseLost  = errors.New("run lease lost")
)

// ExecuteRun takes ownership of a pending run, invokes its procedure and
// records the terminal outcome. Executing a terminal run is rejected with
// CodeInvalidState. When the lease is held elsewhere the call fails with
// CodeAlreadyRunning, or with the wait back-off policy returns the run once
// the other owner has finished it.
func (e *Engine) ExecuteRun(ctx context.Context, runID domain.RunID, actor string) (*models.Run, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ExecuteRun",
		trace.WithAttributes(attribute.Int64("run.id", int64(runID))))
	defer span.End()

	start := time.Now()
	run, err := e.executeRun(ctx, runID, actor)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return nil, err
	}
	e.metrics.ObserveExecuteDuration(time.Since(start))
	span.SetAttributes(attribute.String("run.status", string(run.Status)))
	return run, nil
}

func (e *Engine) executeRun(ctx context.Context, runID domain.RunID, actor string) (*models.Run, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "actor is required")
	}
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, storeErr(err, "run")
	}
	if err := e.checkExecutable(ctx, run); err != nil {
		return nil, err
	}

	handle, err := e.procedures.Resolve(run.ScriptID)
	if err != nil {
		return nil, err
	}
	if handle.Spec().RequiresApproval {
		ticket, err := e.tickets.GetTicket(ctx, run.TicketID)
		if err != nil {
			return nil, storeErr(err, "ticket")
		}
		if err := requireApprovalHeld(true, ticket); err != nil {
			return nil, err
		}
	}

	owner := e.newToken()
	acquired, err := lease.AcquireWithin(ctx, e.leases, run.ID, owner, e.cfg.LeaseTTL, e.cfg.AcquireTimeout, e.cfg.Backoff)
	if err != nil {
		if errors.Is(err, lease.ErrTimeout) {
			e.metrics.IncLeaseContention()
			return nil, dErrors.Wrap(err, dErrors.CodeAlreadyRunning,
				fmt.Sprintf("timed out waiting for the lease on run %d", run.ID))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to acquire run lease")
	}
	if !acquired {
		e.metrics.IncLeaseContention()
		return nil, dErrors.New(dErrors.CodeAlreadyRunning,
			fmt.Sprintf("run %d is being executed by another owner", run.ID))
	}
	defer e.releaseLease(ctx, run.ID, owner)

	// Re-read under the lease: another owner may have finished the run
	// while this call was waiting.
	run, err = e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, storeErr(err, "run")
	}
	if run.Status.IsTerminal() && e.cfg.Backoff == lease.BackoffWait {
		return run, nil
	}
	if run.Status != models.RunStatusPending {
		return nil, dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("run %d is %s and cannot be executed", run.ID, run.Status))
	}

	return e.runUnderLease(ctx, run, handle, owner, actor)
}

func (e *Engine) checkExecutable(ctx context.Context, run *models.Run) error {
	switch run.Status {
	case models.RunStatusPending:
		return nil
	case models.RunStatusRunning:
		holder, err := e.leases.Holder(ctx, run.ID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to read run lease")
		}
		if holder == "" {
			return dErrors.New(dErrors.CodeInvalidState,
				fmt.Sprintf("run %d was left running by a stopped executor and awaits reconciliation", run.ID))
		}
		if e.cfg.Backoff == lease.BackoffWait {
			return nil
		}
		e.metrics.IncLeaseContention()
		return dErrors.New(dErrors.CodeAlreadyRunning,
			fmt.Sprintf("run %d is being executed by another owner", run.ID))
	default:
		return dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("run %d is already %s", run.ID, run.Status))
	}
}

func (e *Engine) runUnderLease(ctx context.Context, run *models.Run, handle procedure.Handle, owner, actor string) (*models.Run, error) {
	leaseCtx, stopKeepAlive, lost := e.keepAlive(ctx, run.ID, owner)
	defer stopKeepAlive()

	h, err := e.history(ctx, run)
	if err != nil {
		return nil, err
	}
	if !h.created {
		if err := e.emit(ctx, audit.KindRunCreated, run.CreatedBy, audit.RunSubject(run.ID), createdPayload(run)); err != nil {
			return nil, err
		}
	}

	if err := run.Transition(models.RunStatusRunning, e.clock()); err != nil {
		return nil, err
	}
	run.ExecutorID = actor
	// A start whose store write failed is already in the log; only the
	// store is behind.
	if !h.started {
		if err := e.emit(ctx, audit.KindRunStarted, actor, audit.RunSubject(run.ID), map[string]string{
			"script_id": run.ScriptID,
			"artifacts": fmt.Sprint(len(run.ArtifactIDs)),
		}); err != nil {
			return nil, err
		}
	}
	if err := e.runs.SaveTransition(ctx, run, models.RunStatusPending); err != nil {
		return nil, storeErr(err, "run")
	}

	artifacts, err := e.runs.ListArtifacts(ctx, run.ID)
	if err != nil {
		return nil, storeErr(err, "artifacts")
	}

	execCtx, cancel := context.WithTimeoutCause(leaseCtx, e.cfg.RunTimeout, errRunTimeout)
	outcome, execErr := handle.Execute(execCtx, procedure.Input{
		Run:              run.Clone(),
		Artifacts:        artifacts,
		Content:          e.blobs,
		VerifyTimeout:    e.cfg.VerifyTimeout,
		MaxArtifactBytes: e.cfg.MaxArtifactBytes,
	})
	cause := context.Cause(execCtx)
	cancel()

	if lost() {
		return nil, dErrors.New(dErrors.CodeAlreadyRunning,
			fmt.Sprintf("lease on run %d was lost during execution", run.ID))
	}
	if execErr != nil {
		switch {
		case ctx.Err() != nil:
			return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "execution cancelled by caller")
		case errors.Is(cause, errRunTimeout):
			outcome = timeoutOutcome(handle.Spec(),
				fmt.Sprintf("Run exceeded its execution limit of %s", e.cfg.RunTimeout))
		case dErrors.HasCode(execErr, dErrors.CodeTimeout):
			outcome = timeoutOutcome(handle.Spec(), execErr.Error())
		default:
			e.logger.ErrorContext(ctx, "procedure failed; run left for reconciliation",
				"run_id", run.ID,
				"script_id", run.ScriptID,
				"error", execErr,
			)
			var coded *dErrors.Error
			if errors.As(execErr, &coded) {
				return nil, execErr
			}
			return nil, dErrors.Wrap(execErr, dErrors.CodeInternal, "procedure failed")
		}
	}

	return e.finish(ctx, run, outcome, actor, lost)
}

// finish records verdicts and the terminal transition. Audit events are
// appended before the outcome is persisted.
func (e *Engine) finish(ctx context.Context, run *models.Run, outcome procedure.Outcome, actor string, lost func() bool) (*models.Run, error) {
	next := run.Clone()
	if err := next.Transition(outcome.Status, e.clock()); err != nil {
		return nil, err
	}
	next.Result = outcome.Result
	next.Log = outcome.Log
	next.InputsManifest = outcome.InputsManifest
	next.ValidatorVersion = outcome.ValidatorVersion

	for _, v := range outcome.Verdicts {
		if err := e.emit(ctx, audit.KindArtifactVerified, actor, audit.ArtifactSubject(v.ArtifactID), map[string]string{
			"run_id":  next.ID.String(),
			"verdict": string(v.Verdict.Status),
			"reasons": strings.Join(v.Verdict.Reasons, ","),
			"sha256":  v.Verdict.SHA256,
		}); err != nil {
			return nil, err
		}
	}

	if lost() {
		return nil, dErrors.New(dErrors.CodeAlreadyRunning,
			fmt.Sprintf("lease on run %d was lost before the outcome was recorded", next.ID))
	}
	if err := e.emit(ctx, terminalKind(next.Status), actor, audit.RunSubject(next.ID), resultPayload(next.Result)); err != nil {
		return nil, err
	}
	if err := e.runs.ApplyOutcome(ctx, next, outcome.Verdicts); err != nil {
		return nil, storeErr(err, "run")
	}

	e.metrics.IncRunOutcome(string(next.Type), string(next.Status))
	for _, v := range outcome.Verdicts {
		e.metrics.IncVerification(string(v.Verdict.Status))
	}
	e.mirrorTicket(ctx, next, ticketStatusFor(next.Status))
	e.logger.InfoContext(ctx, "run finished",
		"run_id", next.ID,
		"status", next.Status,
		"verdict", next.Result.Verdict,
		"reason", next.Result.Reason,
	)
	return next, nil
}

func terminalKind(s models.RunStatus) audit.Kind {
	if s == models.RunStatusCompleted {
		return audit.KindRunCompleted
	}
	return audit.KindRunFailed
}

func resultPayload(r models.Result) map[string]string {
	p := map[string]string{
		"verdict": r.Verdict,
		"summary": r.Summary,
	}
	if r.Reason != "" {
		p["reason"] = r.Reason
	}
	return p
}

func timeoutOutcome(spec procedure.Spec, detail string) procedure.Outcome {
	return procedure.Outcome{
		Status: models.RunStatusFailed,
		Result: models.Result{
			Verdict: models.VerdictFailed,
			Summary: "Run execution timed out",
			Reason:  "timeout",
		},
		Log:              detail,
		ValidatorVersion: spec.Version,
	}
}

// keepAlive renews the lease every third of its TTL until stopped. If a
// renewal is refused the returned context is cancelled and lost reports
// true.
func (e *Engine) keepAlive(ctx context.Context, runID domain.RunID, owner string) (leaseCtx context.Context, stop func(), lost func() bool) {
	leaseCtx, cancel := context.WithCancelCause(ctx)
	lost = func() bool { return errors.Is(context.Cause(leaseCtx), errLeaseLost) }

	ttl := e.cfg.LeaseTTL
	if ttl <= 0 {
		return leaseCtx, func() { cancel(nil) }, lost
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				ok, err := e.leases.Renew(leaseCtx, runID, owner, ttl)
				if err != nil {
					e.logger.WarnContext(ctx, "lease renewal failed", "run_id", runID, "error", err)
					continue
				}
				if !ok {
					e.logger.ErrorContext(ctx, "run lease lost", "run_id", runID, "owner", owner)
					cancel(errLeaseLost)
					return
				}
			}
		}
	}()

	return leaseCtx, func() {
		close(done)
		wg.Wait()
		cancel(nil)
	}, lost
}

func (e *Engine) releaseLease(ctx context.Context, runID domain.RunID, owner string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	ok, err := e.leases.Release(ctx, runID, owner)
	switch {
	case err != nil:
		e.logger.ErrorContext(ctx, "failed to release run lease", "run_id", runID, "error", err)
	case !ok:
		e.logger.WarnContext(ctx, "run lease was no longer held at release", "run_id", runID, "owner", owner)
	}
}
