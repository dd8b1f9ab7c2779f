package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"tracerun/internal/audit"
	auditmemory "tracerun/internal/audit/store/memory"
	blobmemory "tracerun/internal/blob/memory"
	"tracerun/internal/lease"
	"tracerun/internal/platform/metrics"
	"tracerun/internal/procedure"
	refsmemory "tracerun/internal/refs/memory"
	"tracerun/internal/run/models"
	runmemory "tracerun/internal/run/store/memory"
	"tracerun/internal/verifier"
	"tracerun/pkg/domain"
	dErrors "tracerun/pkg/domain-errors"
	"tracerun/pkg/platform/sentinel"
)

// =============================================================================
// Engine Test Suite
// =============================================================================
// Justification for these tests: the engine is the only place where audit
// ordering, lease ownership and persistence meet. They run against the
// in-memory stores so every observable effect (run state, artifact verdicts,
// audit chain, lease holder, ticket status) can be asserted end to end.

const (
	ticketSubmitted domain.TicketID = 1
	ticketDraft     domain.TicketID = 2
	ticketApproved  domain.TicketID = 3
	knownAsset      domain.AssetID  = 5
	gateScriptID                    = "proof.gate"
	restartScriptID                 = "action.restart_service"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// gate is a procedure that blocks until released.
type gate struct {
	spec      procedure.Spec
	startOnce sync.Once
	started   chan struct{}
	release   chan struct{}
	err       error
	calls     int
	mu        sync.Mutex
}

func newGate() *gate {
	return &gate{
		spec:    procedure.Spec{ID: gateScriptID, Name: "Gate", Version: "0.1.0", RunType: models.RunTypeProof},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gate) Spec() procedure.Spec { return g.spec }

func (g *gate) Execute(ctx context.Context, _ procedure.Input) (procedure.Outcome, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	g.startOnce.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return procedure.Outcome{}, ctx.Err()
	}
	if g.err != nil {
		return procedure.Outcome{}, g.err
	}
	return procedure.Outcome{
		Status:           models.RunStatusCompleted,
		Result:           models.Result{Verdict: models.VerdictPassed, Summary: "gate opened"},
		ValidatorVersion: g.spec.Version,
	}, nil
}

func (g *gate) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// refusalSignal reports every refused lease acquisition.
type refusalSignal struct {
	lease.Store
	refused chan struct{}
}

func (r *refusalSignal) Acquire(ctx context.Context, runID domain.RunID, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.Store.Acquire(ctx, runID, owner, ttl)
	if err == nil && !ok {
		select {
		case r.refused <- struct{}{}:
		default:
		}
	}
	return ok, err
}

// faultyRuns fails the next call of a chosen run store write.
type faultyRuns struct {
	*runmemory.Store
	mu   sync.Mutex
	next map[string]error
}

func (f *faultyRuns) failOnce(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next[op] = err
}

func (f *faultyRuns) take(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.next[op]
	delete(f.next, op)
	return err
}

func (f *faultyRuns) SaveTransition(ctx context.Context, run *models.Run, from models.RunStatus) error {
	if err := f.take("SaveTransition"); err != nil {
		return err
	}
	return f.Store.SaveTransition(ctx, run, from)
}

func (f *faultyRuns) ApplyOutcome(ctx context.Context, run *models.Run, verdicts []models.VerdictUpdate) error {
	if err := f.take("ApplyOutcome"); err != nil {
		return err
	}
	return f.Store.ApplyOutcome(ctx, run, verdicts)
}

func (f *faultyRuns) DeletePendingRun(ctx context.Context, id domain.RunID) error {
	if err := f.take("DeletePendingRun"); err != nil {
		return err
	}
	return f.Store.DeletePendingRun(ctx, id)
}

// kindFault refuses to record one kind of audit event.
type kindFault struct {
	AuditEmitter
	kind audit.Kind
	err  error
}

func (k *kindFault) Emit(ctx context.Context, kind audit.Kind, actor, subject string, payload map[string]string) (audit.Event, error) {
	if kind == k.kind {
		return audit.Event{}, k.err
	}
	return k.AuditEmitter.Emit(ctx, kind, actor, subject, payload)
}

// countingFault lets the first allow events of kind through and refuses the
// rest.
type countingFault struct {
	AuditEmitter
	kind  audit.Kind
	allow int
	seen  *int
}

func (c *countingFault) Emit(ctx context.Context, kind audit.Kind, actor, subject string, payload map[string]string) (audit.Event, error) {
	if kind == c.kind {
		*c.seen++
		if *c.seen > c.allow {
			return audit.Event{}, errors.New("disk unavailable")
		}
	}
	return c.AuditEmitter.Emit(ctx, kind, actor, subject, payload)
}

type EngineSuite struct {
	suite.Suite
	ctx        context.Context
	clock      *fakeClock
	runs       *runmemory.Store
	faults     *faultyRuns
	refs       *refsmemory.Store
	leases     *lease.Memory
	blobs      *blobmemory.Store
	auditStore *auditmemory.Store
	auditLog   *audit.Log
	emitter    AuditEmitter
	registry   *procedure.Registry
	gate       *gate
	metrics    *metrics.Metrics
	cfg        Config
	engine     *Engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	s.runs = runmemory.New()
	s.faults = &faultyRuns{Store: s.runs, next: make(map[string]error)}
	s.refs = refsmemory.New()
	s.refs.PutTicket(models.Ticket{ID: ticketSubmitted, Title: "rotate certs", Status: models.TicketSubmitted, CreatorID: "alice"})
	s.refs.PutTicket(models.Ticket{ID: ticketDraft, Title: "draft", Status: models.TicketDraft, CreatorID: "alice"})
	s.refs.PutTicket(models.Ticket{ID: ticketApproved, Title: "restart", Status: models.TicketApproved, CreatorID: "bob", AssetID: knownAsset})
	s.refs.PutAsset(knownAsset)
	s.leases = lease.NewMemory(lease.WithClock(s.clock.Now))
	s.blobs = blobmemory.New()
	s.auditStore = auditmemory.New()
	s.auditLog = audit.New(s.auditStore, audit.WithClock(s.clock.Now))
	s.emitter = audit.NewPublisher(s.auditLog)

	s.registry = procedure.NewDefaultRegistry(verifier.New())
	s.gate = newGate()
	s.Require().NoError(s.registry.Register(s.gate))
	s.Require().NoError(s.registry.Register(procedure.NewAction(procedure.Spec{
		ID:               restartScriptID,
		Name:             "Restart service",
		Version:          "1.0.0",
		RequiresApproval: true,
	})))

	s.metrics = metrics.NewWithRegisterer(prometheus.NewRegistry())
	s.cfg = Config{
		RunTimeout:       time.Minute,
		LeaseTTL:         time.Minute,
		AcquireTimeout:   time.Second,
		Backoff:          lease.BackoffFailFast,
		VerifyTimeout:    5 * time.Second,
		MaxArtifactBytes: 1024,
		ExecutorID:       "test",
	}
	s.engine = s.newEngine(s.cfg, s.leases)
}

func (s *EngineSuite) newEngine(cfg Config, leases lease.Store) *Engine {
	e, err := New(Deps{
		Runs:         s.faults,
		Tickets:      s.refs,
		Assets:       s.refs,
		TicketStatus: s.refs,
		Procedures:   s.registry,
		Leases:       leases,
		Blobs:        s.blobs,
		Audit:        s.emitter,
		AuditLog:     s.auditLog,
	}, cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(s.metrics),
		WithClock(s.clock.Now),
	)
	s.Require().NoError(err)
	return e
}

func (s *EngineSuite) createRun(scriptID, nonce string) *models.Run {
	run, err := s.engine.CreateRun(s.ctx, CreateRunRequest{
		TicketID: ticketSubmitted,
		ScriptID: scriptID,
		Type:     models.RunTypeProof,
		Actor:    "alice",
		Nonce:    nonce,
	})
	s.Require().NoError(err)
	return run
}

func (s *EngineSuite) upload(runID domain.RunID, name, content, declaredHash string) *models.Artifact {
	a, err := s.engine.UploadArtifact(s.ctx, UploadRequest{
		RunID:          runID,
		Filename:       name,
		ContentType:    "text/plain",
		DeclaredSize:   int64(len(content)),
		DeclaredSHA256: declaredHash,
		Uploader:       "alice",
		Content:        strings.NewReader(content),
	})
	s.Require().NoError(err)
	return a
}

func sha(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (s *EngineSuite) kindsFor(subject string) []audit.Kind {
	var kinds []audit.Kind
	for _, e := range s.auditStore.Events() {
		if e.Subject == subject {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

func (s *EngineSuite) seqOf(kind audit.Kind, subject string) uint64 {
	for _, e := range s.auditStore.Events() {
		if e.Kind == kind && e.Subject == subject {
			return e.Seq
		}
	}
	s.FailNow("event not found", "%s %s", kind, subject)
	return 0
}

// assertValidPath checks that a run's audit events walk the state machine
// without skipping or repeating a transition.
func (s *EngineSuite) assertValidPath(runID domain.RunID) {
	kinds := s.kindsFor(audit.RunSubject(runID))
	s.Require().NotEmpty(kinds)
	s.Equal(audit.KindRunCreated, kinds[0])
	if len(kinds) == 1 {
		return
	}
	s.Require().Len(kinds, 3, "kinds: %v", kinds)
	s.Equal(audit.KindRunStarted, kinds[1])
	s.Contains([]audit.Kind{audit.KindRunCompleted, audit.KindRunFailed}, kinds[2])
}

func (s *EngineSuite) ticketStatus(id domain.TicketID) models.TicketStatus {
	t, err := s.refs.GetTicket(s.ctx, id)
	s.Require().NoError(err)
	return t.Status
}

// =============================================================================
// Constructor
// =============================================================================

func (s *EngineSuite) TestNewRequiresCollaborators() {
	deps := Deps{
		Runs: s.runs, Tickets: s.refs, Procedures: s.registry,
		Leases: s.leases, Blobs: s.blobs, Audit: audit.NewPublisher(s.auditLog),
		AuditLog: s.auditLog,
	}
	cases := []struct {
		name   string
		mutate func(*Deps)
		msg    string
	}{
		{"run store", func(d *Deps) { d.Runs = nil }, "run store is required"},
		{"tickets", func(d *Deps) { d.Tickets = nil }, "ticket reader is required"},
		{"procedures", func(d *Deps) { d.Procedures = nil }, "procedure resolver is required"},
		{"leases", func(d *Deps) { d.Leases = nil }, "lease store is required"},
		{"blobs", func(d *Deps) { d.Blobs = nil }, "blob store is required"},
		{"audit", func(d *Deps) { d.Audit = nil }, "audit emitter is required"},
		{"audit log", func(d *Deps) { d.AuditLog = nil }, "audit log reader is required"},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			d := deps
			tc.mutate(&d)
			_, err := New(d, Config{})
			s.EqualError(err, tc.msg)
		})
	}

	s.Run("defaults fill zero config", func() {
		e, err := New(deps, Config{})
		s.Require().NoError(err)
		s.Equal(defaultRunTimeout, e.cfg.RunTimeout)
		s.Equal(int64(defaultMaxArtifactBytes), e.cfg.MaxArtifactBytes)
		s.Equal(lease.BackoffFailFast, e.cfg.Backoff)
		s.True(e.cfg.admissible(models.TicketApproved))
		s.False(e.cfg.admissible(models.TicketDraft))
	})
}

// =============================================================================
// Scenarios
// =============================================================================
// Justification: each scenario drives the public operations in the order a
// client would and asserts the audit trail alongside the stored state.

func (s *EngineSuite) TestHappyPath() {
	run := s.createRun(procedure.FileHashID, "")
	s.Equal(models.RunStatusPending, run.Status)
	s.Equal(models.TicketRunning, s.ticketStatus(ticketSubmitted))

	a := s.upload(run.ID, "backup.tar", "payload", sha("payload"))

	done, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.Require().NoError(err)
	s.Equal(models.RunStatusCompleted, done.Status)
	s.Equal(models.VerdictPassed, done.Result.Verdict)
	s.Equal("Validation passed: 1 artifact(s) checked", done.Result.Summary)
	s.Equal("bob", done.ExecutorID)
	s.Require().Len(done.InputsManifest, 1)
	s.Equal(a.SHA256, done.InputsManifest[0].SHA256)

	stored, err := s.engine.GetArtifact(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(models.VerdictValid, stored.Verdict.Status)

	runSubject := audit.RunSubject(run.ID)
	artifactSubject := audit.ArtifactSubject(a.ID)
	s.Equal([]audit.Kind{audit.KindRunCreated, audit.KindRunStarted, audit.KindRunCompleted}, s.kindsFor(runSubject))
	s.Equal([]audit.Kind{audit.KindArtifactUploaded, audit.KindArtifactVerified}, s.kindsFor(artifactSubject))
	s.Less(s.seqOf(audit.KindRunCreated, runSubject), s.seqOf(audit.KindArtifactUploaded, artifactSubject))
	s.Less(s.seqOf(audit.KindArtifactUploaded, artifactSubject), s.seqOf(audit.KindRunStarted, runSubject))
	s.Less(s.seqOf(audit.KindRunStarted, runSubject), s.seqOf(audit.KindArtifactVerified, artifactSubject))
	s.Less(s.seqOf(audit.KindArtifactVerified, artifactSubject), s.seqOf(audit.KindRunCompleted, runSubject))
	s.assertValidPath(run.ID)

	ok, err := s.engine.VerifyChain(s.ctx, 1, 0)
	s.Require().NoError(err)
	s.True(ok)

	holder, err := s.leases.Holder(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Empty(holder)
	s.Equal(models.TicketDone, s.ticketStatus(ticketSubmitted))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.RunOutcomes.WithLabelValues("proof", "completed")))
}

func (s *EngineSuite) TestHashMismatch() {
	run := s.createRun(procedure.FileHashID, "")
	a := s.upload(run.ID, "backup.tar", "payload", sha("something else"))

	done, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.Require().NoError(err)
	s.Equal(models.RunStatusFailed, done.Status)
	s.Equal(models.VerdictFailed, done.Result.Verdict)
	s.Equal("verification_failure", done.Result.Reason)
	s.NotEmpty(done.Result.Report)
	s.Contains(done.Result.Report, "hash_mismatch")
	s.Contains(done.Log, "- backup.tar: failed")

	stored, err := s.engine.GetArtifact(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(models.VerdictInvalid, stored.Verdict.Status)
	s.Contains(stored.Verdict.Reasons, string(verifier.ReasonHashMismatch))
	s.Equal(models.TicketFailed, s.ticketStatus(ticketSubmitted))
	s.assertValidPath(run.ID)
}

func (s *EngineSuite) TestContentCorruptedAtRestFailsVerification() {
	run := s.createRun(procedure.FileHashID, "")
	a := s.upload(run.ID, "notes.txt", "original", "")
	s.blobs.Overwrite(a.Location, []byte("tampered"))

	done, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.Require().NoError(err)
	s.Equal(models.RunStatusFailed, done.Status)
	s.Contains(done.Result.Report, "hash_mismatch")
}

func (s *EngineSuite) TestCollectsEveryVerdictBeforeDeciding() {
	run := s.createRun(procedure.ConfigFormatID, "")
	good := s.upload(run.ID, "app.yaml", "name: svc\nport: 80\n", "")
	bad := s.upload(run.ID, "app.json", "{not json", "")
	other := s.upload(run.ID, "db.toml", "host = \"db\"\n", "")

	done, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.Require().NoError(err)
	s.Equal(models.RunStatusFailed, done.Status)

	for id, want := range map[domain.ArtifactID]models.VerdictStatus{
		good.ID:  models.VerdictValid,
		bad.ID:   models.VerdictInvalid,
		other.ID: models.VerdictValid,
	} {
		a, err := s.engine.GetArtifact(s.ctx, id)
		s.Require().NoError(err)
		s.Equal(want, a.Verdict.Status, a.Filename)
		s.Equal([]audit.Kind{audit.KindArtifactUploaded, audit.KindArtifactVerified}, s.kindsFor(audit.ArtifactSubject(id)))
	}
}

func (s *EngineSuite) TestProofWithoutArtifactsFails() {
	run := s.createRun(procedure.FileHashID, "")

	done, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.Require().NoError(err)
	s.Equal(models.RunStatusFailed, done.Status)
	s.Equal("No artifacts found to validate", done.Result.Summary)
	s.Equal("no_artifacts", done.Result.Reason)
}

func (s *EngineSuite) TestExecutingTerminalRunIsRejected() {
	run := s.createRun(procedure.FileHashID, "")
	s.upload(run.ID, "a.txt", "a", "")
	_, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.Require().NoError(err)
	before := len(s.auditStore.Events())

	_, err = s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	s.Len(s.auditStore.Events(), before)
}

func (s *EngineSuite) TestLeaseExpiryRecovery() {
	run := s.createRun(procedure.FileHashID, "")
	s.upload(run.ID, "a.txt", "a", sha("a"))

	ok, err := s.leases.Acquire(s.ctx, run.ID, "crashed-executor", time.Minute)
	s.Require().NoError(err)
	s.Require().True(ok)

	_, err = s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.True(dErrors.HasCode(err, dErrors.CodeAlreadyRunning))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.LeaseContention))

	s.clock.Advance(2 * time.Minute)

	done, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.Require().NoError(err)
	s.Equal(models.RunStatusCompleted, done.Status)
	s.assertValidPath(run.ID)
}

func (s *EngineSuite) TestAuditFailureAbortsTransition() {
	run := s.createRun(procedure.FileHashID, "")
	s.upload(run.ID, "a.txt", "a", "")

	s.auditStore.FailAppends(errors.New("disk unavailable"))
	_, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeStorageFailure))

	got, err := s.engine.GetRun(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusPending, got.Status)
	holder, err := s.leases.Holder(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Empty(holder)

	s.auditStore.FailAppends(nil)
	done, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.Require().NoError(err)
	s.Equal(models.RunStatusCompleted, done.Status)
	s.assertValidPath(run.ID)
}

func (s *EngineSuite) TestAuditFailureAbortsUpload() {
	run := s.createRun(procedure.FileHashID, "")

	s.auditStore.FailAppends(errors.New("disk unavailable"))
	_, err := s.engine.UploadArtifact(s.ctx, UploadRequest{
		RunID: run.ID, Filename: "a.txt", DeclaredSize: -1, Uploader: "alice", Content: strings.NewReader("a"),
	})
	s.True(dErrors.HasCode(err, dErrors.CodeStorageFailure))

	artifacts, err := s.engine.ListRunArtifacts(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Empty(artifacts)
}

func (s *EngineSuite) TestRunTimeoutFailsRun() {
	cfg := s.cfg
	cfg.RunTimeout = 20 * time.Millisecond
	s.engine = s.newEngine(cfg, s.leases)
	run := s.createRun(gateScriptID, "")

	done, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.Require().NoError(err)
	s.Equal(models.RunStatusFailed, done.Status)
	s.Equal("Run execution timed out", done.Result.Summary)
	s.Equal("timeout", done.Result.Reason)
	s.Equal([]audit.Kind{audit.KindRunCreated, audit.KindRunStarted, audit.KindRunFailed}, s.kindsFor(audit.RunSubject(run.ID)))

	holder, err := s.leases.Holder(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Empty(holder)
}

// =============================================================================
// Concurrency
// =============================================================================

func (s *EngineSuite) TestConcurrentExecuteFailFast() {
	run := s.createRun(gateScriptID, "")

	var (
		wg    sync.WaitGroup
		first *models.Run
		err1  error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, err1 = s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	}()
	<-s.gate.started

	_, err := s.engine.ExecuteRun(s.ctx, run.ID, "carol")
	s.True(dErrors.HasCode(err, dErrors.CodeAlreadyRunning), "got %v", err)

	close(s.gate.release)
	wg.Wait()
	s.Require().NoError(err1)
	s.Equal(models.RunStatusCompleted, first.Status)
	s.Equal(1, s.gate.Calls())
	s.assertValidPath(run.ID)
}

func (s *EngineSuite) TestConcurrentExecuteWaitObservesTerminalRun() {
	cfg := s.cfg
	cfg.Backoff = lease.BackoffWait
	cfg.AcquireTimeout = 5 * time.Second
	signal := &refusalSignal{Store: s.leases, refused: make(chan struct{}, 1)}
	s.engine = s.newEngine(cfg, signal)
	run := s.createRun(gateScriptID, "")

	var (
		wg     sync.WaitGroup
		first  *models.Run
		second *models.Run
		err1   error
		err2   error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, err1 = s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	}()
	<-s.gate.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		second, err2 = s.engine.ExecuteRun(s.ctx, run.ID, "carol")
	}()
	<-signal.refused
	close(s.gate.release)
	wg.Wait()

	s.Require().NoError(err1)
	s.Require().NoError(err2)
	s.Equal(models.RunStatusCompleted, first.Status)
	s.Equal(models.RunStatusCompleted, second.Status)
	s.Equal("bob", second.ExecutorID)
	s.Equal(1, s.gate.Calls())
	s.assertValidPath(run.ID)
}

func (s *EngineSuite) TestIdempotentCreate() {
	first := s.createRun(procedure.FileHashID, "nonce-1")
	second := s.createRun(procedure.FileHashID, "nonce-1")
	s.Equal(first.ID, second.ID)

	third := s.createRun(procedure.FileHashID, "nonce-2")
	s.NotEqual(first.ID, third.ID)

	s.Equal([]audit.Kind{audit.KindRunCreated}, s.kindsFor(audit.RunSubject(first.ID)))
}

func (s *EngineSuite) TestConcurrentIdempotentCreate() {
	const callers = 16
	ids := make([]domain.RunID, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := s.engine.CreateRun(s.ctx, CreateRunRequest{
				TicketID: ticketSubmitted, ScriptID: procedure.FileHashID,
				Type: models.RunTypeProof, Actor: "alice", Nonce: "retry",
			})
			if err == nil {
				ids[i] = run.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		s.Equal(ids[0], id)
	}
	created := 0
	for _, e := range s.auditStore.Events() {
		if e.Kind == audit.KindRunCreated {
			created++
		}
	}
	s.Equal(1, created)
}

func (s *EngineSuite) TestCreateAuditFailureDiscardsRun() {
	key := IdempotencyKey(ticketSubmitted, procedure.FileHashID, "n1")

	s.auditStore.FailAppends(errors.New("disk unavailable"))
	_, err := s.engine.CreateRun(s.ctx, CreateRunRequest{
		TicketID: ticketSubmitted, ScriptID: procedure.FileHashID,
		Type: models.RunTypeProof, Actor: "alice", Nonce: "n1",
	})
	s.True(dErrors.HasCode(err, dErrors.CodeStorageFailure))
	s.auditStore.FailAppends(nil)

	_, err = s.runs.FindByIdempotencyKey(s.ctx, key)
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.runs.GetRun(s.ctx, 1)
	s.ErrorIs(err, sentinel.ErrNotFound)
	s.Empty(s.auditStore.Events())

	run := s.createRun(procedure.FileHashID, "n1")
	s.NotEqual(domain.RunID(1), run.ID)
	s.assertValidPath(run.ID)
	s.Equal(models.TicketRunning, s.ticketStatus(ticketSubmitted))
}

func (s *EngineSuite) TestCreateRetryAppendsMissingRunCreated() {
	key := IdempotencyKey(ticketSubmitted, procedure.FileHashID, "n1")

	s.auditStore.FailAppends(errors.New("disk unavailable"))
	s.faults.failOnce("DeletePendingRun", errors.New("connection reset"))
	_, err := s.engine.CreateRun(s.ctx, CreateRunRequest{
		TicketID: ticketSubmitted, ScriptID: procedure.FileHashID,
		Type: models.RunTypeProof, Actor: "alice", Nonce: "n1",
	})
	s.True(dErrors.HasCode(err, dErrors.CodeStorageFailure))
	s.auditStore.FailAppends(nil)

	stranded, err := s.runs.FindByIdempotencyKey(s.ctx, key)
	s.Require().NoError(err)
	s.Empty(s.kindsFor(audit.RunSubject(stranded.ID)))

	retry := s.createRun(procedure.FileHashID, "n1")
	s.Equal(stranded.ID, retry.ID)
	again := s.createRun(procedure.FileHashID, "n1")
	s.Equal(stranded.ID, again.ID)

	s.Equal([]audit.Kind{audit.KindRunCreated}, s.kindsFor(audit.RunSubject(stranded.ID)))
	s.assertValidPath(stranded.ID)
	created := s.auditStore.Events()[0]
	s.Equal("alice", created.Actor)
	s.Equal(procedure.FileHashID, created.Payload["script_id"])
	holder, err := s.leases.Holder(s.ctx, stranded.ID)
	s.Require().NoError(err)
	s.Empty(holder)
}

func (s *EngineSuite) TestExecuteAppendsMissingRunCreated() {
	s.auditStore.FailAppends(errors.New("disk unavailable"))
	s.faults.failOnce("DeletePendingRun", errors.New("connection reset"))
	_, err := s.engine.CreateRun(s.ctx, CreateRunRequest{
		TicketID: ticketSubmitted, ScriptID: procedure.FileHashID,
		Type: models.RunTypeProof, Actor: "alice",
	})
	s.True(dErrors.HasCode(err, dErrors.CodeStorageFailure))
	s.auditStore.FailAppends(nil)

	done, err := s.engine.ExecuteRun(s.ctx, 1, "bob")
	s.Require().NoError(err)
	s.Equal(models.RunStatusFailed, done.Status)
	s.assertValidPath(done.ID)
}

// =============================================================================
// Admission
// =============================================================================
// Justification: admission is where ticket, script and approval
// preconditions are enforced; the state machine never sees them.

func (s *EngineSuite) TestCreateRunPreconditions() {
	cases := []struct {
		name string
		req  CreateRunRequest
		code dErrors.Code
	}{
		{"unknown ticket", CreateRunRequest{TicketID: 99, ScriptID: procedure.FileHashID, Type: models.RunTypeProof, Actor: "a"}, dErrors.CodeNotFound},
		{"draft ticket", CreateRunRequest{TicketID: ticketDraft, ScriptID: procedure.FileHashID, Type: models.RunTypeProof, Actor: "a"}, dErrors.CodeInvalidState},
		{"unknown script", CreateRunRequest{TicketID: ticketSubmitted, ScriptID: "proof.nope", Type: models.RunTypeProof, Actor: "a"}, dErrors.CodeNotFound},
		{"type mismatch", CreateRunRequest{TicketID: ticketSubmitted, ScriptID: procedure.FileHashID, Type: models.RunTypeAction, Actor: "a"}, dErrors.CodeValidation},
		{"unknown asset", CreateRunRequest{TicketID: ticketSubmitted, ScriptID: procedure.FileHashID, Type: models.RunTypeProof, Actor: "a", AssetID: 77}, dErrors.CodeNotFound},
		{"missing actor", CreateRunRequest{TicketID: ticketSubmitted, ScriptID: procedure.FileHashID, Type: models.RunTypeProof}, dErrors.CodeValidation},
		{"unapproved action", CreateRunRequest{TicketID: ticketSubmitted, ScriptID: restartScriptID, Type: models.RunTypeAction, Actor: "a"}, dErrors.CodeInvalidState},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.engine.CreateRun(s.ctx, tc.req)
			s.Require().Error(err)
			s.Equal(tc.code, dErrors.CodeOf(err), err.Error())
		})
	}
	s.Empty(s.auditStore.Events())
}

func (s *EngineSuite) TestApprovedActionRunFailsAsNotImplemented() {
	run, err := s.engine.CreateRun(s.ctx, CreateRunRequest{
		TicketID: ticketApproved, ScriptID: restartScriptID, Type: models.RunTypeAction, Actor: "bob",
	})
	s.Require().NoError(err)
	s.Equal(knownAsset, run.AssetID)
	s.Equal(models.TicketRunning, s.ticketStatus(ticketApproved))

	done, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.Require().NoError(err)
	s.Equal(models.RunStatusFailed, done.Status)
	s.Equal("not_implemented", done.Result.Reason)
}

func (s *EngineSuite) TestRevokedApprovalBlocksExecute() {
	run, err := s.engine.CreateRun(s.ctx, CreateRunRequest{
		TicketID: ticketApproved, ScriptID: restartScriptID, Type: models.RunTypeAction, Actor: "bob",
	})
	s.Require().NoError(err)
	s.Require().NoError(s.refs.SetTicketStatus(s.ctx, ticketApproved, models.TicketDraft))

	_, err = s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	got, err := s.engine.GetRun(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusPending, got.Status)
}

// =============================================================================
// Uploads
// =============================================================================

func (s *EngineSuite) TestUploadValidation() {
	run := s.createRun(procedure.FileHashID, "")

	s.Run("oversized content is rejected before storing", func() {
		_, err := s.engine.UploadArtifact(s.ctx, UploadRequest{
			RunID: run.ID, Filename: "big.bin", DeclaredSize: -1, Uploader: "alice",
			Content: bytes.NewReader(make([]byte, 2048)),
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("malformed declared hash", func() {
		_, err := s.engine.UploadArtifact(s.ctx, UploadRequest{
			RunID: run.ID, Filename: "a.txt", DeclaredSHA256: "xyz", Uploader: "alice",
			Content: strings.NewReader("a"),
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("path components are stripped from filename", func() {
		a := s.upload(run.ID, "../../etc/passwd", "x", "")
		s.Equal("passwd", a.Filename)
		s.Equal("runs/1/"+a.ID.String(), a.Location)
	})

	s.Run("unknown run", func() {
		_, err := s.engine.UploadArtifact(s.ctx, UploadRequest{
			RunID: 404, Filename: "a.txt", Uploader: "alice", Content: strings.NewReader("a"),
		})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("blob failure is a storage failure", func() {
		s.blobs.FailWrites(errors.New("bucket gone"))
		defer s.blobs.FailWrites(nil)
		_, err := s.engine.UploadArtifact(s.ctx, UploadRequest{
			RunID: run.ID, Filename: "a.txt", Uploader: "alice", Content: strings.NewReader("a"),
		})
		s.True(dErrors.HasCode(err, dErrors.CodeStorageFailure))
	})
}

func (s *EngineSuite) TestUploadOnlyWhilePending() {
	run := s.createRun(procedure.FileHashID, "")
	s.upload(run.ID, "a.txt", "a", "")
	_, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.Require().NoError(err)

	_, err = s.engine.UploadArtifact(s.ctx, UploadRequest{
		RunID: run.ID, Filename: "late.txt", Uploader: "alice", Content: strings.NewReader("late"),
	})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
}

func (s *EngineSuite) TestReadArtifactContent() {
	run := s.createRun(procedure.FileHashID, "")
	a := s.upload(run.ID, "a.txt", "hello", "")

	content, err := s.engine.ReadArtifactContent(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal("hello", string(content))

	_, err = s.engine.GetArtifact(s.ctx, domain.NewArtifactID())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	_, err = s.engine.ListRunArtifacts(s.ctx, 404)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

// =============================================================================
// Recovery
// =============================================================================
// Justification: a run can be left running when persistence fails after
// run.started or the executor dies. Reconcile is the only path that closes
// such runs.

func (s *EngineSuite) TestProcedureStorageFailureLeavesRunForReconcile() {
	s.gate.err = dErrors.New(dErrors.CodeStorageFailure, "blob store unreachable")
	close(s.gate.release)
	run := s.createRun(gateScriptID, "")

	_, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.True(dErrors.HasCode(err, dErrors.CodeStorageFailure))

	got, err := s.engine.GetRun(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusRunning, got.Status)

	_, err = s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))

	n, err := s.engine.Reconcile(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	got, err = s.engine.GetRun(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusFailed, got.Status)
	s.Equal("incomplete", got.Result.Reason)
	s.assertValidPath(run.ID)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ReconciledRuns.WithLabelValues("failed")))

	n, err = s.engine.Reconcile(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *EngineSuite) TestReconcileSkipsLiveLease() {
	s.gate.err = errors.New("executor crashed")
	close(s.gate.release)
	run := s.createRun(gateScriptID, "")
	_, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))

	ok, err := s.leases.Acquire(s.ctx, run.ID, "other-executor", time.Minute)
	s.Require().NoError(err)
	s.Require().True(ok)

	n, err := s.engine.Reconcile(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)

	s.clock.Advance(2 * time.Minute)
	n, err = s.engine.Reconcile(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *EngineSuite) TestRecoveredOutcomeFromRecordedVerdicts() {
	run := &models.Run{ID: 1, Status: models.RunStatusRunning}
	artifacts := []*models.Artifact{
		{ID: domain.NewArtifactID(), Filename: "a", Verdict: models.ArtifactVerdict{Status: models.VerdictValid}},
		{ID: domain.NewArtifactID(), Filename: "b", Verdict: models.ArtifactVerdict{Status: models.VerdictValid}},
	}
	s.Equal(models.RunStatusCompleted, recoveredOutcome(run, artifacts, nil))
	s.Equal("Validation passed: 2 artifact(s) checked", run.Result.Summary)
	s.Len(run.InputsManifest, 2)

	artifacts[1].Verdict.Status = models.VerdictInvalid
	s.Equal(models.RunStatusFailed, recoveredOutcome(run, artifacts, nil))
	s.Equal("verification_failure", run.Result.Reason)

	artifacts[1].Verdict.Status = models.VerdictPending
	s.Equal(models.RunStatusFailed, recoveredOutcome(run, artifacts, nil))
	s.Equal("incomplete", run.Result.Reason)

	logged := map[domain.ArtifactID]models.ArtifactVerdict{
		artifacts[1].ID: {Status: models.VerdictValid},
	}
	s.Equal(models.RunStatusCompleted, recoveredOutcome(run, artifacts, logged))
	s.Empty(run.Result.Reason)

	s.Equal(models.RunStatusFailed, recoveredOutcome(run, nil, logged))
	s.Equal("incomplete", run.Result.Reason)
}

func (s *EngineSuite) TestReconcileRestoresOutcomeTheStoreMissed() {
	run := s.createRun(procedure.FileHashID, "")
	a := s.upload(run.ID, "a.txt", "a", sha("a"))

	s.faults.failOnce("ApplyOutcome", errors.New("connection reset"))
	_, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.True(dErrors.HasCode(err, dErrors.CodeStorageFailure))

	got, err := s.engine.GetRun(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusRunning, got.Status)
	recorded := len(s.auditStore.Events())

	n, err := s.engine.Reconcile(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	got, err = s.engine.GetRun(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusCompleted, got.Status)
	s.Equal(models.VerdictPassed, got.Result.Verdict)
	s.Empty(got.Result.Reason)
	s.True(got.FinishedAt.Equal(s.auditStore.Events()[recorded-1].OccurredAt))
	s.Require().Len(got.InputsManifest, 1)
	s.Equal(a.ID, got.InputsManifest[0].ArtifactID)

	stored, err := s.runs.GetArtifact(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(models.VerdictValid, stored.Verdict.Status)
	s.Equal(sha("a"), stored.Verdict.SHA256)

	s.Len(s.auditStore.Events(), recorded)
	s.Equal([]audit.Kind{audit.KindArtifactUploaded, audit.KindArtifactVerified}, s.kindsFor(audit.ArtifactSubject(a.ID)))
	s.assertValidPath(run.ID)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ReconciledRuns.WithLabelValues("completed")))
}

func (s *EngineSuite) TestReconcileDerivesOutcomeFromLoggedVerdicts() {
	run := s.createRun(procedure.FileHashID, "")
	a := s.upload(run.ID, "a.txt", "a", sha("a"))
	b := s.upload(run.ID, "b.txt", "b", sha("b"))

	healthy := s.engine
	s.emitter = &kindFault{AuditEmitter: s.emitter, kind: audit.KindRunCompleted, err: errors.New("disk unavailable")}
	faulty := s.newEngine(s.cfg, s.leases)
	_, err := faulty.ExecuteRun(s.ctx, run.ID, "bob")
	s.True(dErrors.HasCode(err, dErrors.CodeStorageFailure))

	n, err := healthy.Reconcile(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	got, err := healthy.GetRun(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusCompleted, got.Status)
	s.Equal("Validation passed: 2 artifact(s) checked", got.Result.Summary)
	for _, id := range []domain.ArtifactID{a.ID, b.ID} {
		stored, err := s.runs.GetArtifact(s.ctx, id)
		s.Require().NoError(err)
		s.Equal(models.VerdictValid, stored.Verdict.Status)
	}

	events := s.auditStore.Events()
	last := events[len(events)-1]
	s.Equal(audit.KindRunCompleted, last.Kind)
	s.Equal("true", last.Payload["recovered"])
	s.assertValidPath(run.ID)
}

func (s *EngineSuite) TestReconcileKeepsLoggedVerdictsOfIncompleteRun() {
	run := s.createRun(procedure.FileHashID, "")
	a := s.upload(run.ID, "a.txt", "a", sha("a"))
	b := s.upload(run.ID, "b.txt", "b", sha("b"))

	// The second verdict never reaches the log.
	healthy := s.engine
	verified := 0
	s.emitter = &countingFault{AuditEmitter: s.emitter, kind: audit.KindArtifactVerified, allow: 1, seen: &verified}
	faulty := s.newEngine(s.cfg, s.leases)
	_, err := faulty.ExecuteRun(s.ctx, run.ID, "bob")
	s.True(dErrors.HasCode(err, dErrors.CodeStorageFailure))

	n, err := healthy.Reconcile(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	got, err := healthy.GetRun(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusFailed, got.Status)
	s.Equal("incomplete", got.Result.Reason)

	first, err := s.runs.GetArtifact(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(models.VerdictValid, first.Verdict.Status)
	second, err := s.runs.GetArtifact(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Equal(models.VerdictPending, second.Verdict.Status)
	s.assertValidPath(run.ID)
}

func (s *EngineSuite) TestStartRecordedOnceWhenStoreWriteFails() {
	run := s.createRun(procedure.FileHashID, "")
	s.upload(run.ID, "a.txt", "a", sha("a"))

	s.faults.failOnce("SaveTransition", errors.New("connection reset"))
	_, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.True(dErrors.HasCode(err, dErrors.CodeStorageFailure))

	got, err := s.engine.GetRun(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(models.RunStatusPending, got.Status)
	s.Equal([]audit.Kind{audit.KindRunCreated, audit.KindRunStarted}, s.kindsFor(audit.RunSubject(run.ID)))

	done, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.Require().NoError(err)
	s.Equal(models.RunStatusCompleted, done.Status)
	s.assertValidPath(run.ID)
}

// =============================================================================
// Audit export
// =============================================================================

func (s *EngineSuite) TestAuditReadAndTamperDetection() {
	run := s.createRun(procedure.FileHashID, "")
	s.upload(run.ID, "a.txt", "a", "")
	_, err := s.engine.ExecuteRun(s.ctx, run.ID, "bob")
	s.Require().NoError(err)

	var seqs []uint64
	for e, err := range s.engine.ReadAuditRange(s.ctx, 2, 4) {
		s.Require().NoError(err)
		seqs = append(seqs, e.Seq)
	}
	s.Equal([]uint64{2, 3, 4}, seqs)

	s.Require().True(s.auditStore.Rewrite(3, func(e *audit.Event) {
		e.Payload["run_id"] = "999"
	}))
	report, err := s.engine.VerifyChainReport(s.ctx, 1, 0)
	s.Require().NoError(err)
	s.False(report.OK)
	s.Equal(uint64(3), report.FirstBroken)

	ok, err := s.engine.VerifyChain(s.ctx, 1, 2)
	s.Require().NoError(err)
	s.True(ok)
}
