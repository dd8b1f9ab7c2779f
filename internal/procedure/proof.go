package procedure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"tracerun/internal/run/models"
	"tracerun/internal/verifier"
	"tracerun/pkg/domain"
	dErrors "tracerun/pkg/domain-errors"
)

const defaultParallelism = 8

// Proof verifies every artifact of a run concurrently and joins on all of
// them before deciding. Every artifact is checked even when an earlier one
// fails, so the report is complete.
type Proof struct {
	spec        Spec
	verifier    *verifier.Verifier
	parallelism int
	now         func() time.Time
}

// ProofOption configures a Proof.
type ProofOption func(*Proof)

// WithParallelism bounds concurrent artifact verifications.
func WithParallelism(n int) ProofOption {
	return func(p *Proof) {
		if n > 0 {
			p.parallelism = n
		}
	}
}

func NewProof(spec Spec, v *verifier.Verifier, opts ...ProofOption) *Proof {
	spec.RunType = models.RunTypeProof
	p := &Proof{
		spec:        spec,
		verifier:    v,
		parallelism: defaultParallelism,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Proof) Spec() Spec { return p.spec }

type artifactResult struct {
	ArtifactID string   `json:"artifact_id"`
	Filename   string   `json:"filename"`
	Validation string   `json:"validation"`
	SHA256     string   `json:"sha256"`
	SizeBytes  int64    `json:"size_bytes"`
	Reasons    []string `json:"reasons,omitempty"`
	Details    []string `json:"details,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	Format     string   `json:"format,omitempty"`
	Keys       []string `json:"keys,omitempty"`
}

type report struct {
	RunID             domain.RunID     `json:"run_id"`
	TicketID          domain.TicketID  `json:"ticket_id"`
	Validator         string           `json:"validator"`
	ValidatorVersion  string           `json:"validator_version"`
	TotalArtifacts    int              `json:"total_artifacts"`
	ValidationResults []artifactResult `json:"validation_results"`
	OverallResult     string           `json:"overall_result"`
}

func (p *Proof) Execute(ctx context.Context, in Input) (Outcome, error) {
	if len(in.Artifacts) == 0 {
		return Outcome{
			Status: models.RunStatusFailed,
			Result: models.Result{
				Verdict: models.VerdictFailed,
				Summary: "No artifacts found to validate",
				Reason:  "no_artifacts",
			},
			Log:              "Proof run requires at least one artifact",
			ValidatorVersion: p.spec.Version,
		}, nil
	}
	if in.Content == nil {
		return Outcome{}, dErrors.New(dErrors.CodeInternal, "proof procedure requires a content reader")
	}

	policy := p.spec.Policy
	if policy.MaxSize == 0 {
		policy.MaxSize = in.MaxArtifactBytes
	}

	verdicts := make([]verifier.Verdict, len(in.Artifacts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for i, a := range in.Artifacts {
		g.Go(func() error {
			v, err := p.verifyOne(gctx, in, a, policy.ForFile(a.Filename))
			if err != nil {
				return err
			}
			verdicts[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}

	return p.buildOutcome(in, verdicts), nil
}

// verifyOne loads and verifies a single artifact within the per-artifact
// timeout.
func (p *Proof) verifyOne(ctx context.Context, in Input, a *models.Artifact, policy verifier.Policy) (verifier.Verdict, error) {
	if in.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.VerifyTimeout)
		defer cancel()
	}

	content, err := in.Content.Read(ctx, a.Location)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return verifier.Verdict{}, dErrors.Wrap(err, dErrors.CodeTimeout, fmt.Sprintf("loading artifact %s timed out", a.ID))
		}
		if ctx.Err() != nil {
			return verifier.Verdict{}, ctx.Err()
		}
		return verifier.Verdict{}, dErrors.Wrap(err, dErrors.CodeStorageFailure, fmt.Sprintf("failed to load artifact %s", a.ID))
	}

	done := make(chan verifier.Verdict, 1)
	go func() {
		done <- p.verifier.Verify(content, a.DeclaredSize, a.ExpectedSHA256(), a.ContentType, policy)
	}()
	select {
	case v := <-done:
		return v, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return verifier.Verdict{}, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, fmt.Sprintf("verifying artifact %s timed out", a.ID))
		}
		return verifier.Verdict{}, ctx.Err()
	}
}

func (p *Proof) buildOutcome(in Input, verdicts []verifier.Verdict) Outcome {
	now := p.now().UTC()
	allValid := true
	out := Outcome{ValidatorVersion: p.spec.Version}
	results := make([]artifactResult, 0, len(in.Artifacts))
	var log strings.Builder
	fmt.Fprintf(&log, "Validated %d artifacts", len(in.Artifacts))

	for i, a := range in.Artifacts {
		v := verdicts[i]
		status := models.VerdictValid
		validation := "passed"
		if !v.Valid {
			status = models.VerdictInvalid
			validation = "failed"
			allValid = false
		}

		reasons := make([]string, 0, len(v.Reasons))
		for _, r := range v.Reasons {
			reasons = append(reasons, string(r))
		}

		out.Verdicts = append(out.Verdicts, models.VerdictUpdate{
			ArtifactID: a.ID,
			Verdict: models.ArtifactVerdict{
				Status:     status,
				Reasons:    reasons,
				Details:    v.Details,
				SHA256:     v.SHA256,
				VerifiedAt: now,
			},
		})
		out.InputsManifest = append(out.InputsManifest, models.ManifestEntry{
			ArtifactID: a.ID,
			Filename:   a.Filename,
			SHA256:     a.SHA256,
			SizeBytes:  a.SizeBytes,
		})
		results = append(results, artifactResult{
			ArtifactID: a.ID.String(),
			Filename:   a.Filename,
			Validation: validation,
			SHA256:     v.SHA256,
			SizeBytes:  v.Size,
			Reasons:    reasons,
			Details:    v.Details,
			Warnings:   v.Warnings,
			Format:     string(v.Format),
			Keys:       v.Keys,
		})
		fmt.Fprintf(&log, "\n- %s: %s", a.Filename, validation)
	}

	overall := models.VerdictPassed
	out.Status = models.RunStatusCompleted
	if !allValid {
		overall = models.VerdictFailed
		out.Status = models.RunStatusFailed
	}

	rep := report{
		RunID:             in.Run.ID,
		TicketID:          in.Run.TicketID,
		Validator:         p.spec.Name,
		ValidatorVersion:  p.spec.Version,
		TotalArtifacts:    len(in.Artifacts),
		ValidationResults: results,
		OverallResult:     overall,
	}
	blob, _ := json.Marshal(rep)

	out.Result = models.Result{
		Verdict: overall,
		Summary: fmt.Sprintf("Validation %s: %d artifact(s) checked", overall, len(in.Artifacts)),
		Report:  string(blob),
	}
	if !allValid {
		out.Result.Reason = "verification_failure"
	}
	out.Log = log.String()
	return out
}
