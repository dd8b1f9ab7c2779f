package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tracerun/internal/run/models"
	"tracerun/pkg/domain"
	"tracerun/pkg/platform/sentinel"
)

// Store keeps runs and artifacts in process. All writes happen under one
// lock so ApplyOutcome is atomic.
type Store struct {
	mu        sync.RWMutex
	nextID    domain.RunID
	runs      map[domain.RunID]*models.Run
	byKey     map[string]domain.RunID
	artifacts map[domain.ArtifactID]*models.Artifact
	byRun     map[domain.RunID][]domain.ArtifactID
	failErr   error
}

func New() *Store {
	return &Store{
		runs:      make(map[domain.RunID]*models.Run),
		byKey:     make(map[string]domain.RunID),
		artifacts: make(map[domain.ArtifactID]*models.Artifact),
		byRun:     make(map[domain.RunID][]domain.ArtifactID),
	}
}

// FailWrites makes every write return err until called again with nil.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if run.IdempotencyKey != "" {
		if _, exists := s.byKey[run.IdempotencyKey]; exists {
			return fmt.Errorf("idempotency key %q: %w", run.IdempotencyKey, sentinel.ErrConflict)
		}
	}
	s.nextID++
	run.ID = s.nextID
	s.runs[run.ID] = run.Clone()
	if run.IdempotencyKey != "" {
		s.byKey[run.IdempotencyKey] = run.ID
	}
	return nil
}

// DeletePendingRun removes a run that never left pending and has no
// artifacts. Its idempotency key becomes free again.
func (s *Store) DeletePendingRun(ctx context.Context, id domain.RunID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %d: %w", id, sentinel.ErrNotFound)
	}
	if run.Status != models.RunStatusPending || len(s.byRun[id]) > 0 {
		return fmt.Errorf("run %d is %s with %d artifact(s): %w", id, run.Status, len(s.byRun[id]), sentinel.ErrInvalidState)
	}
	delete(s.runs, id)
	delete(s.byRun, id)
	if run.IdempotencyKey != "" {
		delete(s.byKey, run.IdempotencyKey)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id domain.RunID) (*models.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %d: %w", id, sentinel.ErrNotFound)
	}
	return s.withArtifactIDs(run), nil
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*models.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, fmt.Errorf("idempotency key %q: %w", key, sentinel.ErrNotFound)
	}
	return s.withArtifactIDs(s.runs[id]), nil
}

func (s *Store) withArtifactIDs(run *models.Run) *models.Run {
	out := run.Clone()
	out.ArtifactIDs = append([]domain.ArtifactID(nil), s.byRun[run.ID]...)
	return out
}

// SaveTransition persists run if the stored status still equals from.
func (s *Store) SaveTransition(ctx context.Context, run *models.Run, from models.RunStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	return s.saveTransitionLocked(run, from)
}

func (s *Store) saveTransitionLocked(run *models.Run, from models.RunStatus) error {
	cur, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %d: %w", run.ID, sentinel.ErrNotFound)
	}
	if cur.Status != from {
		return fmt.Errorf("run %d is %s, expected %s: %w", run.ID, cur.Status, from, sentinel.ErrInvalidState)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// ApplyOutcome writes every verdict and the terminal run in one step. No
// change is visible if any part is rejected.
func (s *Store) ApplyOutcome(ctx context.Context, run *models.Run, verdicts []models.VerdictUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}

	updated := make([]*models.Artifact, 0, len(verdicts))
	for _, v := range verdicts {
		cur, ok := s.artifacts[v.ArtifactID]
		if !ok || cur.RunID != run.ID {
			return fmt.Errorf("artifact %s: %w", v.ArtifactID, sentinel.ErrNotFound)
		}
		next := cur.Clone()
		if err := next.SetVerdict(v.Verdict); err != nil {
			return fmt.Errorf("artifact %s: %w", v.ArtifactID, sentinel.ErrInvalidState)
		}
		updated = append(updated, next)
	}
	if err := s.saveTransitionLocked(run, models.RunStatusRunning); err != nil {
		return err
	}
	for _, a := range updated {
		s.artifacts[a.ID] = a
	}
	return nil
}

func (s *Store) ListRunning(ctx context.Context) ([]*models.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Run
	for _, run := range s.runs {
		if run.Status == models.RunStatusRunning {
			out = append(out, s.withArtifactIDs(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateArtifact attaches a to its run. Artifacts can only be added while
// the run is pending.
func (s *Store) CreateArtifact(ctx context.Context, a *models.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	run, ok := s.runs[a.RunID]
	if !ok {
		return fmt.Errorf("run %d: %w", a.RunID, sentinel.ErrNotFound)
	}
	if run.Status != models.RunStatusPending {
		return fmt.Errorf("run %d is %s: %w", a.RunID, run.Status, sentinel.ErrInvalidState)
	}
	if _, exists := s.artifacts[a.ID]; exists {
		return fmt.Errorf("artifact %s: %w", a.ID, sentinel.ErrConflict)
	}
	s.artifacts[a.ID] = a.Clone()
	s.byRun[a.RunID] = append(s.byRun[a.RunID], a.ID)
	return nil
}

func (s *Store) GetArtifact(ctx context.Context, id domain.ArtifactID) (*models.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", id, sentinel.ErrNotFound)
	}
	return a.Clone(), nil
}

// ListArtifacts returns a run's artifacts in upload order.
func (s *Store) ListArtifacts(ctx context.Context, runID domain.RunID) ([]*models.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRun[runID]
	out := make([]*models.Artifact, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.artifacts[id].Clone())
	}
	return out, nil
}
