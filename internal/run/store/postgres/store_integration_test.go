//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"tracerun/internal/run/models"
	"tracerun/internal/run/store/postgres"
	"tracerun/pkg/domain"
	"tracerun/pkg/platform/sentinel"
	"tracerun/pkg/testutil/containers"
)

type PostgresRunSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *postgres.Store
}

func TestPostgresRunSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresRunSuite))
}

func (s *PostgresRunSuite) SetupSuite() {
	s.pg = containers.GetManager().GetPostgres(s.T())
	s.store = postgres.New(s.pg.DB)
}

func (s *PostgresRunSuite) SetupTest() {
	s.Require().NoError(s.pg.Truncate(context.Background()))
}

var created = time.Date(2026, 3, 4, 5, 6, 7, 123456000, time.UTC)

func (s *PostgresRunSuite) newRun(key string) *models.Run {
	run := &models.Run{
		Type:           models.RunTypeProof,
		TicketID:       11,
		AssetID:        3,
		ScriptID:       "proof.file_hash",
		Status:         models.RunStatusPending,
		CreatedBy:      "alice",
		IdempotencyKey: key,
		CreatedAt:      created,
		Context:        map[string]string{"source": "cli"},
	}
	s.Require().NoError(s.store.CreateRun(context.Background(), run))
	return run
}

func (s *PostgresRunSuite) newArtifact(runID domain.RunID, name string, at time.Time) *models.Artifact {
	a := &models.Artifact{
		ID:           domain.NewArtifactID(),
		RunID:        runID,
		Filename:     name,
		ContentType:  "text/plain",
		DeclaredSize: 5,
		SHA256:       "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		SizeBytes:    5,
		Location:     "runs/1/" + name,
		Verdict:      models.ArtifactVerdict{Status: models.VerdictPending},
		UploadedAt:   at,
		UploaderID:   "alice",
	}
	s.Require().NoError(s.store.CreateArtifact(context.Background(), a))
	return a
}

func (s *PostgresRunSuite) start(run *models.Run) {
	s.Require().NoError(run.Transition(models.RunStatusRunning, created.Add(time.Minute)))
	run.ExecutorID = "worker-1"
	s.Require().NoError(s.store.SaveTransition(context.Background(), run, models.RunStatusPending))
}

func (s *PostgresRunSuite) TestRunRoundTrip() {
	ctx := context.Background()
	run := s.newRun("key-1")
	s.NotZero(run.ID)

	got, err := s.store.GetRun(ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(run.TicketID, got.TicketID)
	s.Equal(run.AssetID, got.AssetID)
	s.Equal(models.RunStatusPending, got.Status)
	s.True(created.Equal(got.CreatedAt))
	s.True(got.StartedAt.IsZero())
	s.Equal("cli", got.Context["source"])

	byKey, err := s.store.FindByIdempotencyKey(ctx, "key-1")
	s.Require().NoError(err)
	s.Equal(run.ID, byKey.ID)

	_, err = s.store.GetRun(ctx, 9999)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresRunSuite) TestDuplicateIdempotencyKeyConflicts() {
	s.newRun("dup")
	err := s.store.CreateRun(context.Background(), &models.Run{
		Type: models.RunTypeProof, TicketID: 1, ScriptID: "x", Status: models.RunStatusPending,
		CreatedBy: "bob", IdempotencyKey: "dup", CreatedAt: created,
	})
	s.ErrorIs(err, sentinel.ErrConflict)

	// empty keys are stored as NULL and never collide
	s.newRun("")
	s.newRun("")
}

func (s *PostgresRunSuite) TestSaveTransitionIsConditional() {
	run := s.newRun("")
	s.start(run)

	err := s.store.SaveTransition(context.Background(), run, models.RunStatusPending)
	s.ErrorIs(err, sentinel.ErrInvalidState)

	got, err := s.store.GetRun(context.Background(), run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusRunning, got.Status)
	s.Equal("worker-1", got.ExecutorID)
}

func (s *PostgresRunSuite) TestConcurrentStartHasOneWinner() {
	run := s.newRun("")
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := run.Clone()
			if err := r.Transition(models.RunStatusRunning, time.Now()); err != nil {
				return
			}
			if s.store.SaveTransition(context.Background(), r, models.RunStatusPending) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(1, wins)
}

func (s *PostgresRunSuite) TestArtifactsOnlyWhilePendingAndInUploadOrder() {
	ctx := context.Background()
	run := s.newRun("")
	first := s.newArtifact(run.ID, "a.txt", created.Add(time.Second))
	second := s.newArtifact(run.ID, "b.txt", created.Add(2*time.Second))

	got, err := s.store.GetRun(ctx, run.ID)
	s.Require().NoError(err)
	s.Equal([]domain.ArtifactID{first.ID, second.ID}, got.ArtifactIDs)

	list, err := s.store.ListArtifacts(ctx, run.ID)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal("a.txt", list[0].Filename)
	s.Equal(models.VerdictPending, list[0].Verdict.Status)

	s.start(run)
	err = s.store.CreateArtifact(ctx, &models.Artifact{
		ID: domain.NewArtifactID(), RunID: run.ID, Filename: "late", Location: "x", UploadedAt: created, UploaderID: "a",
		Verdict: models.ArtifactVerdict{Status: models.VerdictPending},
	})
	s.ErrorIs(err, sentinel.ErrInvalidState)
}

func (s *PostgresRunSuite) TestApplyOutcomeCommitsVerdictsWithRun() {
	ctx := context.Background()
	run := s.newRun("")
	a := s.newArtifact(run.ID, "a.txt", created.Add(time.Second))
	s.start(run)

	done := run.Clone()
	s.Require().NoError(done.Transition(models.RunStatusCompleted, created.Add(2*time.Minute)))
	done.Result = models.Result{Verdict: models.VerdictPassed, Summary: "ok", Report: `{"overall_result":"passed"}`}
	done.ValidatorVersion = "1.0.0"
	done.InputsManifest = []models.ManifestEntry{{ArtifactID: a.ID, Filename: a.Filename, SHA256: a.SHA256, SizeBytes: 5}}
	verified := created.Add(90 * time.Second)

	err := s.store.ApplyOutcome(ctx, done, []models.VerdictUpdate{{
		ArtifactID: a.ID,
		Verdict:    models.ArtifactVerdict{Status: models.VerdictValid, SHA256: a.SHA256, VerifiedAt: verified},
	}})
	s.Require().NoError(err)

	got, err := s.store.GetRun(ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusCompleted, got.Status)
	s.Equal(done.Result, got.Result)
	s.Equal(done.InputsManifest, got.InputsManifest)
	s.Equal("1.0.0", got.ValidatorVersion)

	stored, err := s.store.GetArtifact(ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(models.VerdictValid, stored.Verdict.Status)
	s.True(verified.Equal(stored.Verdict.VerifiedAt))

	running, err := s.store.ListRunning(ctx)
	s.Require().NoError(err)
	s.Empty(running)
}

func (s *PostgresRunSuite) TestApplyOutcomeRollsBackOnRejectedVerdict() {
	ctx := context.Background()
	run := s.newRun("")
	a := s.newArtifact(run.ID, "a.txt", created.Add(time.Second))
	s.start(run)

	done := run.Clone()
	s.Require().NoError(done.Transition(models.RunStatusFailed, time.Now()))
	err := s.store.ApplyOutcome(ctx, done, []models.VerdictUpdate{
		{ArtifactID: a.ID, Verdict: models.ArtifactVerdict{Status: models.VerdictInvalid}},
		{ArtifactID: domain.NewArtifactID(), Verdict: models.ArtifactVerdict{Status: models.VerdictInvalid}},
	})
	s.ErrorIs(err, sentinel.ErrInvalidState)

	stored, err := s.store.GetArtifact(ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(models.VerdictPending, stored.Verdict.Status)
	got, err := s.store.GetRun(ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusRunning, got.Status)
}

func (s *PostgresRunSuite) TestDeletePendingRunOnlyRemovesEmptyPendingRuns() {
	ctx := context.Background()

	empty := s.newRun("gone")
	s.Require().NoError(s.store.DeletePendingRun(ctx, empty.ID))
	_, err := s.store.GetRun(ctx, empty.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)
	s.newRun("gone")

	populated := s.newRun("")
	s.newArtifact(populated.ID, "a.txt", created.Add(time.Second))
	s.ErrorIs(s.store.DeletePendingRun(ctx, populated.ID), sentinel.ErrInvalidState)

	started := s.newRun("")
	s.start(started)
	s.ErrorIs(s.store.DeletePendingRun(ctx, started.ID), sentinel.ErrInvalidState)

	s.ErrorIs(s.store.DeletePendingRun(ctx, 9999), sentinel.ErrNotFound)
}
