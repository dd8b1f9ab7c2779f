package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"tracerun/internal/run/models"
	"tracerun/pkg/domain"
	"tracerun/pkg/platform/sentinel"
	txcontext "tracerun/pkg/platform/tx"
)

const uniqueViolation = "23505"

// Store persists runs and artifacts. Multi-row writes run inside
// txcontext.Run and lock the run row first, so artifact inserts and status
// transitions on the same run serialize.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const runColumns = `id, run_type, ticket_id, asset_id, script_id, status, created_by, executor_id,
	idempotency_key, created_at, started_at, finished_at, validator_version, result,
	inputs_manifest, execution_context, log`

func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	result, manifest, execCtx, err := encodeRunJSON(run)
	if err != nil {
		return err
	}
	var id int64
	err = txcontext.Pick(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO runs (run_type, ticket_id, asset_id, script_id, status, created_by, executor_id,
			idempotency_key, created_at, started_at, finished_at, validator_version, result,
			inputs_manifest, execution_context, log)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`, string(run.Type), int64(run.TicketID), nullInt(int64(run.AssetID)), run.ScriptID, string(run.Status),
		run.CreatedBy, run.ExecutorID, nullString(run.IdempotencyKey), run.CreatedAt,
		nullTime(run.StartedAt), nullTime(run.FinishedAt), run.ValidatorVersion, result, manifest, execCtx, run.Log,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("idempotency key %q: %w", run.IdempotencyKey, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	run.ID = domain.RunID(id)
	return nil
}

func (s *Store) GetRun(ctx context.Context, id domain.RunID) (*models.Run, error) {
	return s.getRunWhere(ctx, `id = $1`, int64(id))
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*models.Run, error) {
	return s.getRunWhere(ctx, `idempotency_key = $1`, key)
}

func (s *Store) getRunWhere(ctx context.Context, where string, arg any) (*models.Run, error) {
	exec := txcontext.Pick(ctx, s.db)
	run, err := scanRun(exec.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %v: %w", arg, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	ids, err := s.artifactIDs(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	run.ArtifactIDs = ids
	return run, nil
}

func (s *Store) artifactIDs(ctx context.Context, runID domain.RunID) ([]domain.ArtifactID, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx,
		`SELECT id FROM artifacts WHERE run_id = $1 ORDER BY uploaded_at, id`, int64(runID))
	if err != nil {
		return nil, fmt.Errorf("query artifact ids: %w", err)
	}
	defer rows.Close()
	var out []domain.ArtifactID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan artifact id: %w", err)
		}
		out = append(out, domain.ArtifactID(id))
	}
	return out, rows.Err()
}

// SaveTransition persists run if the stored status still equals from.
func (s *Store) SaveTransition(ctx context.Context, run *models.Run, from models.RunStatus) error {
	result, manifest, _, err := encodeRunJSON(run)
	if err != nil {
		return err
	}
	res, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		UPDATE runs
		SET status = $1, executor_id = $2, started_at = $3, finished_at = $4,
			validator_version = $5, result = $6, inputs_manifest = $7, log = $8
		WHERE id = $9 AND status = $10
	`, string(run.Status), run.ExecutorID, nullTime(run.StartedAt), nullTime(run.FinishedAt),
		run.ValidatorVersion, result, manifest, run.Log, int64(run.ID), string(from))
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, run.ID); err != nil {
			return err
		}
		return fmt.Errorf("run %d is not %s: %w", run.ID, from, sentinel.ErrInvalidState)
	}
	return nil
}

// ApplyOutcome writes every verdict and the terminal run in one transaction.
func (s *Store) ApplyOutcome(ctx context.Context, run *models.Run, verdicts []models.VerdictUpdate) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		if err := s.lockRun(ctx, run.ID); err != nil {
			return err
		}
		exec := txcontext.Pick(ctx, s.db)
		for _, v := range verdicts {
			detail, err := json.Marshal(v.Verdict)
			if err != nil {
				return fmt.Errorf("marshal verdict: %w", err)
			}
			res, err := exec.ExecContext(ctx, `
				UPDATE artifacts SET verdict = $1, verdict_detail = $2
				WHERE id = $3 AND run_id = $4 AND verdict = 'pending'
			`, string(v.Verdict.Status), detail, uuid.UUID(v.ArtifactID), int64(run.ID))
			if err != nil {
				return fmt.Errorf("update artifact verdict: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("artifact %s is not pending: %w", v.ArtifactID, sentinel.ErrInvalidState)
			}
		}
		return s.SaveTransition(ctx, run, models.RunStatusRunning)
	})
}

// DeletePendingRun removes a run that never left pending and has no
// artifacts.
func (s *Store) DeletePendingRun(ctx context.Context, id domain.RunID) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		if err := s.lockRun(ctx, id); err != nil {
			return err
		}
		res, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `
			DELETE FROM runs
			WHERE id = $1 AND status = 'pending'
				AND NOT EXISTS (SELECT 1 FROM artifacts WHERE run_id = $1)
		`, int64(id))
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("run %d is not an empty pending run: %w", id, sentinel.ErrInvalidState)
		}
		return nil
	})
}

func (s *Store) lockRun(ctx context.Context, id domain.RunID) error {
	var status string
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
		`SELECT status FROM runs WHERE id = $1 FOR UPDATE`, int64(id)).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %d: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock run: %w", err)
	}
	return nil
}

func (s *Store) ListRunning(ctx context.Context) ([]*models.Run, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = $1 ORDER BY id`, string(models.RunStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("query running runs: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate running runs: %w", err)
	}
	return out, nil
}

// CreateArtifact inserts a while holding the run row lock; the run must be
// pending.
func (s *Store) CreateArtifact(ctx context.Context, a *models.Artifact) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		var status string
		err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
			`SELECT status FROM runs WHERE id = $1 FOR UPDATE`, int64(a.RunID)).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %d: %w", a.RunID, sentinel.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock run: %w", err)
		}
		if models.RunStatus(status) != models.RunStatusPending {
			return fmt.Errorf("run %d is %s: %w", a.RunID, status, sentinel.ErrInvalidState)
		}

		detail, err := json.Marshal(a.Verdict)
		if err != nil {
			return fmt.Errorf("marshal verdict: %w", err)
		}
		_, err = txcontext.Pick(ctx, s.db).ExecContext(ctx, `
			INSERT INTO artifacts (id, run_id, filename, content_type, kind, description, declared_size,
				declared_sha256, sha256, size_bytes, location, verdict, verdict_detail, uploaded_at, uploader_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, uuid.UUID(a.ID), int64(a.RunID), a.Filename, a.ContentType, a.Kind, a.Description, a.DeclaredSize,
			a.DeclaredSHA256, a.SHA256, a.SizeBytes, a.Location, string(a.Verdict.Status), detail, a.UploadedAt, a.UploaderID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("artifact %s: %w", a.ID, sentinel.ErrConflict)
			}
			return fmt.Errorf("insert artifact: %w", err)
		}
		return nil
	})
}

const artifactColumns = `id, run_id, filename, content_type, kind, description, declared_size,
	declared_sha256, sha256, size_bytes, location, verdict, verdict_detail, uploaded_at, uploader_id`

func (s *Store) GetArtifact(ctx context.Context, id domain.ArtifactID) (*models.Artifact, error) {
	a, err := scanArtifact(txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, uuid.UUID(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", id, sentinel.ErrNotFound)
	}
	return a, err
}

func (s *Store) ListArtifacts(ctx context.Context, runID domain.RunID) ([]*models.Artifact, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id = $1 ORDER BY uploaded_at, id`, int64(runID))
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []*models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run                         models.Run
		id, ticketID                int64
		assetID                     sql.NullInt64
		runType, status             string
		key                         sql.NullString
		startedAt, finishedAt       sql.NullTime
		result, manifest, execution []byte
	)
	err := row.Scan(&id, &runType, &ticketID, &assetID, &run.ScriptID, &status, &run.CreatedBy, &run.ExecutorID,
		&key, &run.CreatedAt, &startedAt, &finishedAt, &run.ValidatorVersion, &result,
		&manifest, &execution, &run.Log)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.ID = domain.RunID(id)
	run.TicketID = domain.TicketID(ticketID)
	if assetID.Valid {
		run.AssetID = domain.AssetID(assetID.Int64)
	}
	run.Type = models.RunType(runType)
	run.Status = models.RunStatus(status)
	run.IdempotencyKey = key.String
	run.CreatedAt = run.CreatedAt.UTC()
	if startedAt.Valid {
		run.StartedAt = startedAt.Time.UTC()
	}
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time.UTC()
	}
	if err := json.Unmarshal(result, &run.Result); err != nil {
		return nil, fmt.Errorf("decode run result: %w", err)
	}
	if err := json.Unmarshal(manifest, &run.InputsManifest); err != nil {
		return nil, fmt.Errorf("decode inputs manifest: %w", err)
	}
	if err := json.Unmarshal(execution, &run.Context); err != nil {
		return nil, fmt.Errorf("decode execution context: %w", err)
	}
	return &run, nil
}

func scanArtifact(row rowScanner) (*models.Artifact, error) {
	var (
		a       models.Artifact
		id      uuid.UUID
		runID   int64
		verdict string
		detail  []byte
	)
	err := row.Scan(&id, &runID, &a.Filename, &a.ContentType, &a.Kind, &a.Description, &a.DeclaredSize,
		&a.DeclaredSHA256, &a.SHA256, &a.SizeBytes, &a.Location, &verdict, &detail, &a.UploadedAt, &a.UploaderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	a.ID = domain.ArtifactID(id)
	a.RunID = domain.RunID(runID)
	a.UploadedAt = a.UploadedAt.UTC()
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &a.Verdict); err != nil {
			return nil, fmt.Errorf("decode verdict: %w", err)
		}
	}
	a.Verdict.Status = models.VerdictStatus(verdict)
	return &a, nil
}

func encodeRunJSON(run *models.Run) (result, manifest, execCtx []byte, err error) {
	if result, err = json.Marshal(run.Result); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal run result: %w", err)
	}
	entries := run.InputsManifest
	if entries == nil {
		entries = []models.ManifestEntry{}
	}
	if manifest, err = json.Marshal(entries); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal inputs manifest: %w", err)
	}
	c := run.Context
	if c == nil {
		c = map[string]string{}
	}
	if execCtx, err = json.Marshal(c); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal execution context: %w", err)
	}
	return result, manifest, execCtx, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n > 0}
}

func nullTime(t interface{ IsZero() bool }) any {
	if t.IsZero() {
		return nil
	}
	return t
}
