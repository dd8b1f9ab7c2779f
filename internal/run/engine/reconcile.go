package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"tracerun/internal/audit"
	"tracerun/internal/run/models"
	"tracerun/pkg/domain"
)

// Reconcile closes runs left running by an executor that stopped without
// releasing its lease. The audit log is consulted first: a terminal event
// already recorded for the run is applied to the store as is. Otherwise the
// outcome is derived from the artifact verdicts in the log, or the run fails
// with reason "incomplete" when some artifact has none. Runs whose lease is
// still live are left alone. It returns the number of runs closed.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Reconcile")
	defer span.End()

	running, err := e.runs.ListRunning(ctx)
	if err != nil {
		return 0, storeErr(err, "running runs")
	}

	closed := 0
	for _, run := range running {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		done, err := e.reconcileRun(ctx, run)
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to reconcile run", "run_id", run.ID, "error", err)
			continue
		}
		if done {
			closed++
		}
	}
	span.SetAttributes(attribute.Int("runs.reconciled", closed))
	return closed, nil
}

func (e *Engine) reconcileRun(ctx context.Context, run *models.Run) (bool, error) {
	holder, err := e.leases.Holder(ctx, run.ID)
	if err != nil {
		return false, fmt.Errorf("read lease: %w", err)
	}
	if holder != "" {
		return false, nil
	}

	owner := e.newToken()
	ok, err := e.leases.Acquire(ctx, run.ID, owner, e.cfg.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return false, nil
	}
	defer e.releaseLease(ctx, run.ID, owner)

	current, err := e.runs.GetRun(ctx, run.ID)
	if err != nil {
		return false, storeErr(err, "run")
	}
	if current.Status != models.RunStatusRunning {
		return false, nil
	}
	artifacts, err := e.runs.ListArtifacts(ctx, current.ID)
	if err != nil {
		return false, storeErr(err, "artifacts")
	}
	h, err := e.history(ctx, current)
	if err != nil {
		return false, err
	}
	recorded := h.recordedVerdicts()

	next := current.Clone()
	restored := h.terminal != nil
	if restored {
		status, result := recordedResult(h.terminal)
		if err := next.Transition(status, h.terminal.OccurredAt); err != nil {
			return false, err
		}
		next.Result = result
		next.InputsManifest = manifestOf(artifacts)
		next.Log = "Outcome restored from the audit log after the run store missed it"
	} else {
		if err := next.Transition(recoveredOutcome(next, artifacts, recorded), e.clock()); err != nil {
			return false, err
		}
		payload := resultPayload(next.Result)
		payload["recovered"] = "true"
		if err := e.emit(ctx, terminalKind(next.Status), reconcilerActor, audit.RunSubject(next.ID), payload); err != nil {
			return false, err
		}
	}
	if err := e.runs.ApplyOutcome(ctx, next, pendingVerdicts(artifacts, recorded)); err != nil {
		return false, storeErr(err, "run")
	}

	e.metrics.IncReconciled(string(next.Status))
	e.metrics.IncRunOutcome(string(next.Type), string(next.Status))
	e.mirrorTicket(ctx, next, ticketStatusFor(next.Status))
	e.logger.InfoContext(ctx, "run reconciled",
		"run_id", next.ID,
		"status", next.Status,
		"reason", next.Result.Reason,
		"restored", restored,
	)
	return true, nil
}

// recoveredOutcome fills run's result from the artifact verdicts and returns
// the terminal status to move to. A verdict in the log takes precedence over
// the stored one.
func recoveredOutcome(run *models.Run, artifacts []*models.Artifact, recorded map[domain.ArtifactID]models.ArtifactVerdict) models.RunStatus {
	decided := len(artifacts) > 0
	allValid := true
	undecided := 0
	for _, a := range artifacts {
		status := a.Verdict.Status
		if v, ok := recorded[a.ID]; ok {
			status = v.Status
		}
		switch status {
		case models.VerdictValid:
		case models.VerdictInvalid:
			allValid = false
		default:
			decided = false
			undecided++
		}
	}

	if !decided {
		run.Result = models.Result{
			Verdict: models.VerdictFailed,
			Summary: "Run did not finish before its executor stopped",
			Reason:  "incomplete",
		}
		run.Log = fmt.Sprintf("Recovered after lease expiry; %d artifact(s) without a recorded verdict", undecided)
		return models.RunStatusFailed
	}

	run.InputsManifest = manifestOf(artifacts)
	verdict, status := models.VerdictPassed, models.RunStatusCompleted
	if !allValid {
		verdict, status = models.VerdictFailed, models.RunStatusFailed
	}
	run.Result = models.Result{
		Verdict: verdict,
		Summary: fmt.Sprintf("Validation %s: %d artifact(s) checked", verdict, len(artifacts)),
	}
	if !allValid {
		run.Result.Reason = "verification_failure"
	}
	run.Log = "Recovered after lease expiry from recorded artifact verdicts"
	return status
}

// pendingVerdicts picks, in upload order, the logged verdicts of artifacts
// the store still holds as pending.
func pendingVerdicts(artifacts []*models.Artifact, recorded map[domain.ArtifactID]models.ArtifactVerdict) []models.VerdictUpdate {
	var out []models.VerdictUpdate
	for _, a := range artifacts {
		v, ok := recorded[a.ID]
		if !ok || (a.Verdict.Status != models.VerdictPending && a.Verdict.Status != "") {
			continue
		}
		out = append(out, models.VerdictUpdate{ArtifactID: a.ID, Verdict: v})
	}
	return out
}

func manifestOf(artifacts []*models.Artifact) []models.ManifestEntry {
	out := make([]models.ManifestEntry, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, models.ManifestEntry{
			ArtifactID: a.ID,
			Filename:   a.Filename,
			SHA256:     a.SHA256,
			SizeBytes:  a.SizeBytes,
		})
	}
	return out
}

// RunReconciler calls Reconcile every interval until ctx is done.
func (e *Engine) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.Reconcile(ctx)
			if err != nil && ctx.Err() == nil {
				e.logger.ErrorContext(ctx, "reconcile pass failed", "error", err)
				continue
			}
			if n > 0 {
				e.logger.InfoContext(ctx, "reconcile pass closed runs", "count", n)
			}
		}
	}
}
