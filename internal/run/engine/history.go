package engine

import (
	"context"
	"strings"

	"tracerun/internal/audit"
	"tracerun/internal/run/models"
	"tracerun/pkg/domain"
	dErrors "tracerun/pkg/domain-errors"
)

// runHistory is what the audit log already holds for one run. Writes that
// follow a durable audit append consult it so that a retry after a failed
// store write never records the same transition twice.
type runHistory struct {
	created  bool
	started  bool
	terminal *audit.Event
	// verdicts are the artifact.verified events for this run, by artifact.
	verdicts map[domain.ArtifactID]audit.Event
}

func (e *Engine) history(ctx context.Context, run *models.Run) (runHistory, error) {
	runSubject := audit.RunSubject(run.ID)
	subjects := []string{runSubject}
	artifactBySubject := make(map[string]domain.ArtifactID, len(run.ArtifactIDs))
	for _, id := range run.ArtifactIDs {
		subject := audit.ArtifactSubject(id)
		artifactBySubject[subject] = id
		subjects = append(subjects, subject)
	}

	h := runHistory{verdicts: make(map[domain.ArtifactID]audit.Event)}
	for ev, err := range e.auditLog.History(ctx, subjects...) {
		if err != nil {
			return runHistory{}, dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to read run audit history")
		}
		if ev.Subject != runSubject {
			if ev.Kind == audit.KindArtifactVerified && ev.Payload["run_id"] == run.ID.String() {
				h.verdicts[artifactBySubject[ev.Subject]] = ev
			}
			continue
		}
		switch ev.Kind {
		case audit.KindRunCreated:
			h.created = true
		case audit.KindRunStarted:
			h.started = true
		case audit.KindRunCompleted, audit.KindRunFailed:
			if h.terminal == nil {
				h.terminal = &ev
			}
		}
	}
	return h, nil
}

// recordedVerdicts rebuilds the verdicts the log holds for the run.
func (h runHistory) recordedVerdicts() map[domain.ArtifactID]models.ArtifactVerdict {
	out := make(map[domain.ArtifactID]models.ArtifactVerdict, len(h.verdicts))
	for id, ev := range h.verdicts {
		v := models.ArtifactVerdict{
			Status:     models.VerdictStatus(ev.Payload["verdict"]),
			SHA256:     ev.Payload["sha256"],
			VerifiedAt: ev.OccurredAt,
		}
		if reasons := ev.Payload["reasons"]; reasons != "" {
			v.Reasons = strings.Split(reasons, ",")
		}
		out[id] = v
	}
	return out
}

// recordedResult rebuilds the run result carried by a terminal event.
func recordedResult(ev *audit.Event) (models.RunStatus, models.Result) {
	status := models.RunStatusFailed
	if ev.Kind == audit.KindRunCompleted {
		status = models.RunStatusCompleted
	}
	return status, models.Result{
		Verdict: ev.Payload["verdict"],
		Summary: ev.Payload["summary"],
		Reason:  ev.Payload["reason"],
	}
}
