package models

import (
	"fmt"
	"time"

	"tracerun/pkg/domain"
	dErrors "tracerun/pkg/domain-errors"
)

// VerdictStatus is the integrity state of an artifact.
type VerdictStatus string

const (
	VerdictPending VerdictStatus = "pending"
	VerdictValid   VerdictStatus = "valid"
	VerdictInvalid VerdictStatus = "invalid"
)

// ArtifactVerdict records the result of verifying an artifact. Reasons are
// machine-readable codes; Details are the matching human-readable lines.
type ArtifactVerdict struct {
	Status     VerdictStatus `json:"status"`
	Reasons    []string      `json:"reasons,omitempty"`
	Details    []string      `json:"details,omitempty"`
	SHA256     string        `json:"sha256,omitempty"`
	VerifiedAt time.Time     `json:"verified_at,omitzero"`
}

// Artifact is evidence attached to a run.
type Artifact struct {
	ID             domain.ArtifactID
	RunID          domain.RunID
	Filename       string
	ContentType    string
	Kind           string
	Description    string
	DeclaredSize   int64
	DeclaredSHA256 string
	SHA256         string
	SizeBytes      int64
	Location       string
	Verdict        ArtifactVerdict
	UploadedAt     time.Time
	UploaderID     string
}

// SetVerdict records a decided verdict. It succeeds only once, from pending.
func (a *Artifact) SetVerdict(v ArtifactVerdict) error {
	if a.Verdict.Status != VerdictPending && a.Verdict.Status != "" {
		return dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("artifact %s already has verdict %s", a.ID, a.Verdict.Status))
	}
	if v.Status != VerdictValid && v.Status != VerdictInvalid {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("verdict %q is not a decision", v.Status))
	}
	a.Verdict = v
	return nil
}

// ExpectedSHA256 is the hash the stored bytes must match: the client
// declaration when present, otherwise the hash computed at upload.
func (a *Artifact) ExpectedSHA256() string {
	if a.DeclaredSHA256 != "" {
		return a.DeclaredSHA256
	}
	return a.SHA256
}

func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	out := *a
	out.Verdict.Reasons = append([]string(nil), a.Verdict.Reasons...)
	out.Verdict.Details = append([]string(nil), a.Verdict.Details...)
	return &out
}

// VerdictUpdate pairs an artifact with the verdict a run decided for it.
type VerdictUpdate struct {
	ArtifactID domain.ArtifactID
	Verdict    ArtifactVerdict
}
