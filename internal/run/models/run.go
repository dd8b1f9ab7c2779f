package models

import (
	"fmt"
	"time"

	"tracerun/pkg/domain"
	dErrors "tracerun/pkg/domain-errors"
)

// RunType selects how a run is carried out.
type RunType string

const (
	// RunTypeProof verifies uploaded artifacts.
	RunTypeProof RunType = "proof"
	// RunTypeAction executes a registered script. Execution is not supported
	// and resolves to a failed run.
	RunTypeAction RunType = "action"
)

func (t RunType) Valid() bool {
	return t == RunTypeProof || t == RunTypeAction
}

// RunStatus is the run lifecycle state.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// runTransitions lists the only legal edges: pending -> running ->
// {completed, failed}.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed},
}

func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// CanTransitionTo reports whether s -> next is a legal edge.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Result verdict values.
const (
	VerdictPassed = "passed"
	VerdictFailed = "failed"
)

// Result is the outcome recorded when a run reaches a terminal state.
type Result struct {
	Verdict string `json:"verdict"`
	Summary string `json:"summary"`
	// Report is a JSON document describing every checked artifact.
	Report string `json:"report,omitempty"`
	// Reason is a short machine-readable cause for failed runs, such as
	// "timeout" or "incomplete".
	Reason string `json:"reason,omitempty"`
}

// ManifestEntry pins one input artifact as it was when the run started.
type ManifestEntry struct {
	ArtifactID domain.ArtifactID `json:"artifact_id"`
	Filename   string            `json:"filename"`
	SHA256     string            `json:"sha256"`
	SizeBytes  int64             `json:"size_bytes"`
}

// Run is an attestation that a procedure was verified or performed against
// a ticket. A run is immutable once terminal.
type Run struct {
	ID               domain.RunID
	Type             RunType
	TicketID         domain.TicketID
	AssetID          domain.AssetID
	ScriptID         string
	Status           RunStatus
	CreatedBy        string
	ExecutorID       string
	IdempotencyKey   string
	CreatedAt        time.Time
	StartedAt        time.Time
	FinishedAt       time.Time
	Result           Result
	Log              string
	ArtifactIDs      []domain.ArtifactID
	ValidatorVersion string
	InputsManifest   []ManifestEntry
	Context          map[string]string
}

// Transition moves the run along a legal edge and stamps the matching
// timestamp.
func (r *Run) Transition(next RunStatus, at time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("run %d cannot transition from %s to %s", r.ID, r.Status, next))
	}
	switch next {
	case RunStatusRunning:
		r.StartedAt = at
	case RunStatusCompleted, RunStatusFailed:
		r.FinishedAt = at
	}
	r.Status = next
	return nil
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.ArtifactIDs = append([]domain.ArtifactID(nil), r.ArtifactIDs...)
	out.InputsManifest = append([]ManifestEntry(nil), r.InputsManifest...)
	if r.Context != nil {
		out.Context = make(map[string]string, len(r.Context))
		for k, v := range r.Context {
			out.Context[k] = v
		}
	}
	return &out
}
