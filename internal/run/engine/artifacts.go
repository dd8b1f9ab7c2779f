package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tracerun/internal/audit"
	"tracerun/internal/blob"
	"tracerun/internal/run/models"
	"tracerun/pkg/domain"
	dErrors "tracerun/pkg/domain-errors"
	"tracerun/pkg/platform/sentinel"
)

// UploadRequest attaches evidence to a pending run. DeclaredSize below zero
// means the client declared no size; an empty DeclaredSHA256 skips the hash
// comparison at verification.
type UploadRequest struct {
	RunID          domain.RunID
	Filename       string
	ContentType    string
	Kind           string
	Description    string
	DeclaredSize   int64
	DeclaredSHA256 string
	Uploader       string
	Content        io.Reader
}

func (r *UploadRequest) normalize() error {
	r.Filename = path.Base(strings.ReplaceAll(strings.TrimSpace(r.Filename), `\`, "/"))
	r.DeclaredSHA256 = strings.ToLower(strings.TrimSpace(r.DeclaredSHA256))
	switch {
	case r.RunID.IsNil():
		return dErrors.New(dErrors.CodeValidation, "run id is required")
	case r.Filename == "" || r.Filename == "." || r.Filename == "/":
		return dErrors.New(dErrors.CodeValidation, "filename is required")
	case strings.TrimSpace(r.Uploader) == "":
		return dErrors.New(dErrors.CodeValidation, "uploader is required")
	case r.Content == nil:
		return dErrors.New(dErrors.CodeValidation, "content is required")
	}
	if r.DeclaredSHA256 != "" {
		if b, err := hex.DecodeString(r.DeclaredSHA256); err != nil || len(b) != sha256.Size {
			return dErrors.New(dErrors.CodeValidation, "declared sha256 must be 64 hex characters")
		}
	}
	return nil
}

// UploadArtifact stores the bytes, records artifact.uploaded and attaches
// the artifact to its run. Content above the configured maximum is rejected
// before anything is stored.
func (e *Engine) UploadArtifact(ctx context.Context, req UploadRequest) (*models.Artifact, error) {
	ctx, span := e.tracer.Start(ctx, "engine.UploadArtifact",
		trace.WithAttributes(attribute.Int64("run.id", int64(req.RunID))))
	defer span.End()

	a, err := e.uploadArtifact(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return nil, err
	}
	return a, nil
}

func (e *Engine) uploadArtifact(ctx context.Context, req UploadRequest) (*models.Artifact, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	run, err := e.runs.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, storeErr(err, "run")
	}
	if run.Status != models.RunStatusPending {
		return nil, dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("run %d is %s; artifacts can only be added to pending runs", run.ID, run.Status))
	}

	limit := e.cfg.MaxArtifactBytes
	content, err := io.ReadAll(io.LimitReader(req.Content, limit+1))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "failed to read artifact content")
	}
	if int64(len(content)) > limit {
		return nil, dErrors.New(dErrors.CodeValidation,
			fmt.Sprintf("artifact exceeds the maximum size of %d bytes", limit))
	}
	sum := sha256.Sum256(content)

	a := &models.Artifact{
		ID:             domain.NewArtifactID(),
		RunID:          run.ID,
		Filename:       req.Filename,
		ContentType:    req.ContentType,
		Kind:           req.Kind,
		Description:    req.Description,
		DeclaredSize:   req.DeclaredSize,
		DeclaredSHA256: req.DeclaredSHA256,
		SHA256:         hex.EncodeToString(sum[:]),
		SizeBytes:      int64(len(content)),
		Verdict:        models.ArtifactVerdict{Status: models.VerdictPending},
		UploadedAt:     e.clock(),
		UploaderID:     req.Uploader,
	}
	a.Location, err = e.blobs.Write(ctx, blob.ArtifactKey(run.ID, a.ID), content, a.ContentType)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to store artifact content")
	}

	if err := e.emit(ctx, audit.KindArtifactUploaded, req.Uploader, audit.ArtifactSubject(a.ID), map[string]string{
		"run_id":   run.ID.String(),
		"filename": a.Filename,
		"sha256":   a.SHA256,
		"size":     fmt.Sprint(a.SizeBytes),
	}); err != nil {
		e.discardBlob(ctx, a.Location)
		return nil, err
	}
	if err := e.runs.CreateArtifact(ctx, a); err != nil {
		e.discardBlob(ctx, a.Location)
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil, dErrors.Wrap(err, dErrors.CodeInvalidState,
				fmt.Sprintf("run %d left pending during upload", run.ID))
		}
		return nil, storeErr(err, "artifact")
	}

	e.logger.InfoContext(ctx, "artifact uploaded",
		"run_id", run.ID,
		"artifact_id", a.ID,
		"size", a.SizeBytes,
		"uploader", req.Uploader,
	)
	return a, nil
}

func (e *Engine) discardBlob(ctx context.Context, location string) {
	if err := e.blobs.Delete(context.WithoutCancel(ctx), location); err != nil {
		e.logger.WarnContext(ctx, "failed to discard orphaned artifact content",
			"location", location,
			"error", err,
		)
	}
}

func (e *Engine) GetRun(ctx context.Context, id domain.RunID) (*models.Run, error) {
	run, err := e.runs.GetRun(ctx, id)
	if err != nil {
		return nil, storeErr(err, "run")
	}
	return run, nil
}

func (e *Engine) GetArtifact(ctx context.Context, id domain.ArtifactID) (*models.Artifact, error) {
	a, err := e.runs.GetArtifact(ctx, id)
	if err != nil {
		return nil, storeErr(err, "artifact")
	}
	return a, nil
}

// ListRunArtifacts returns the run's artifacts in upload order.
func (e *Engine) ListRunArtifacts(ctx context.Context, runID domain.RunID) ([]*models.Artifact, error) {
	if _, err := e.runs.GetRun(ctx, runID); err != nil {
		return nil, storeErr(err, "run")
	}
	artifacts, err := e.runs.ListArtifacts(ctx, runID)
	if err != nil {
		return nil, storeErr(err, "artifacts")
	}
	return artifacts, nil
}

// ReadArtifactContent returns the stored bytes of an artifact.
func (e *Engine) ReadArtifactContent(ctx context.Context, id domain.ArtifactID) ([]byte, error) {
	a, err := e.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	content, err := e.blobs.Read(ctx, a.Location)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "artifact content not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to read artifact content")
	}
	return content, nil
}
