// Package procedure is the registry of whitelisted run procedures. A run's
// behaviour is looked up by script ID rather than dispatched on run type.
package procedure

import (
	"context"
	"time"

	"tracerun/internal/run/models"
	"tracerun/internal/verifier"
)

// Spec describes a registered procedure.
type Spec struct {
	ID               string
	Name             string
	Description      string
	Version          string
	RunType          models.RunType
	RequiresApproval bool
	// Policy applies to every artifact a proof procedure verifies.
	Policy verifier.Policy
}

// ContentReader loads artifact bytes by location.
type ContentReader interface {
	Read(ctx context.Context, location string) ([]byte, error)
}

// Input is everything a procedure may look at. Procedures never write.
type Input struct {
	Run       *models.Run
	Artifacts []*models.Artifact
	Content   ContentReader
	// VerifyTimeout bounds loading and verifying a single artifact.
	VerifyTimeout time.Duration
	// MaxArtifactBytes is the size limit when the policy sets none.
	MaxArtifactBytes int64
}

// Outcome is what the engine persists when the run leaves running.
type Outcome struct {
	Status           models.RunStatus
	Result           models.Result
	Log              string
	Verdicts         []models.VerdictUpdate
	InputsManifest   []models.ManifestEntry
	ValidatorVersion string
}

// Handle executes one procedure. Errors mean the outcome could not be
// determined (storage failure, timeout); a negative outcome is not an error.
type Handle interface {
	Spec() Spec
	Execute(ctx context.Context, in Input) (Outcome, error)
}
