package audit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	dErrors "tracerun/pkg/domain-errors"
	"tracerun/pkg/platform/sentinel"
)

// Shard periods.
const (
	ShardDaily = "day"
	ShardNone  = "none"
)

const singleShard = "audit"

// maxAppendAttempts bounds how often Append re-reads the head after another
// writer took the sequence number it computed.
const maxAppendAttempts = 5

var processStart = time.Now()

// Log is the append-only, hash-chained audit log. Append is the only
// serialized section in the engine.
type Log struct {
	mu        sync.Mutex
	store     ShardStore
	shardOf   func(time.Time) string
	now       func() time.Time
	observers []Observer

	last   Event
	loaded bool
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// WithShardPeriod selects daily UTC shards (ShardDaily) or a single shard
// (ShardNone).
func WithShardPeriod(period string) Option {
	return func(l *Log) {
		if period == ShardNone {
			l.shardOf = func(time.Time) string { return singleShard }
			return
		}
		l.shardOf = dailyShard
	}
}

// WithObserver registers an observer for durable events.
func WithObserver(o Observer) Option {
	return func(l *Log) {
		if o != nil {
			l.observers = append(l.observers, o)
		}
	}
}

func New(store ShardStore, opts ...Option) *Log {
	l := &Log{
		store:   store,
		shardOf: dailyShard,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func dailyShard(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Append assigns the next sequence number and digest, writes the event
// durably and then notifies observers. Nothing is visible to readers or
// observers when the write fails.
func (l *Log) Append(ctx context.Context, e Event) (Event, error) {
	if !e.Kind.Valid() {
		return Event{}, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown audit event kind %q", e.Kind))
	}
	if strings.TrimSpace(e.Actor) == "" {
		return Event{}, dErrors.New(dErrors.CodeValidation, "audit event requires actor")
	}
	if strings.TrimSpace(e.Subject) == "" {
		return Event{}, dErrors.New(dErrors.CodeValidation, "audit event requires subject")
	}
	if err := ctx.Err(); err != nil {
		return Event{}, dErrors.Wrap(err, dErrors.CodeStorageFailure, "audit append aborted")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e.Payload = clonePayload(e.Payload)
	for attempt := 1; ; attempt++ {
		if err := l.loadHead(ctx); err != nil {
			return Event{}, err
		}
		next, err := l.chain(e)
		if err != nil {
			return Event{}, err
		}
		err = l.store.Append(ctx, next)
		if err == nil {
			l.last = next
			for _, o := range l.observers {
				o(ctx, next)
			}
			return next, nil
		}
		// The cached head can no longer be trusted: either the write state
		// is unknown or another writer has moved the log on.
		l.loaded = false
		if !errors.Is(err, sentinel.ErrConflict) || attempt == maxAppendAttempts {
			return Event{}, dErrors.Wrap(err, dErrors.CodeStorageFailure, "audit append failed")
		}
	}
}

// chain links e after the cached head.
func (l *Log) chain(e Event) (Event, error) {
	// Postgres keeps microseconds; truncating keeps digests stable across stores.
	occurred := l.now().UTC().Truncate(time.Microsecond)
	if occurred.Before(l.last.OccurredAt) {
		occurred = l.last.OccurredAt
	}

	e.Seq = l.last.Seq + 1
	e.OccurredAt = occurred
	e.Monotonic = time.Since(processStart).Nanoseconds()
	e.Shard = l.shardOf(occurred)
	e.PrevDigest = l.last.Digest
	if e.PrevDigest == "" {
		e.PrevDigest = GenesisDigest
	}

	digest, err := ComputeDigest(e)
	if err != nil {
		return Event{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to compute audit digest")
	}
	e.Digest = digest
	return e, nil
}

// loadHead reads the head from the store unless it is cached. Callers hold mu.
func (l *Log) loadHead(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	last, ok, err := l.store.Last(ctx)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to load audit log head")
	}
	l.last = Event{}
	if ok {
		l.last = last
	}
	l.loaded = true
	return nil
}

// Head returns the last durable event, loading it from the store if needed.
func (l *Log) Head(ctx context.Context) (Event, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadHead(ctx); err != nil {
		return Event{}, false, err
	}
	return l.last, l.last.Seq > 0, nil
}

// ReadRange lazily yields events with fromSeq <= Seq <= toSeq. toSeq == 0
// reads to the end. Iteration can be restarted from any sequence number.
func (l *Log) ReadRange(ctx context.Context, fromSeq, toSeq uint64) iter.Seq2[Event, error] {
	if fromSeq == 0 {
		fromSeq = 1
	}
	return l.store.Scan(ctx, fromSeq, toSeq)
}

// History yields the events recorded against any of subjects, in sequence
// order. Stores with a SubjectIndex answer directly; others are scanned.
func (l *Log) History(ctx context.Context, subjects ...string) iter.Seq2[Event, error] {
	if idx, ok := l.store.(SubjectIndex); ok {
		return idx.ScanSubjects(ctx, subjects)
	}
	want := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		want[s] = struct{}{}
	}
	return func(yield func(Event, error) bool) {
		for e, err := range l.store.Scan(ctx, 1, 0) {
			if err != nil {
				yield(Event{}, err)
				return
			}
			if _, ok := want[e.Subject]; !ok {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// ChainReport describes the outcome of a chain verification.
type ChainReport struct {
	OK          bool
	Checked     int
	FirstBroken uint64
	Reason      string
}

// VerifyChain reports whether every event in [fromSeq, toSeq] is intact and
// linked to its predecessor.
func (l *Log) VerifyChain(ctx context.Context, fromSeq, toSeq uint64) (bool, error) {
	report, err := l.VerifyChainReport(ctx, fromSeq, toSeq)
	if err != nil {
		return false, err
	}
	return report.OK, nil
}

// VerifyChainReport is VerifyChain with the first broken sequence number and
// the reason it failed.
func (l *Log) VerifyChainReport(ctx context.Context, fromSeq, toSeq uint64) (ChainReport, error) {
	return VerifyEvents(l.anchoredRange(ctx, fromSeq, toSeq), fromSeq)
}

// anchoredRange starts one event early so the first requested event can be
// linked to its predecessor.
func (l *Log) anchoredRange(ctx context.Context, fromSeq, toSeq uint64) iter.Seq2[Event, error] {
	if fromSeq <= 1 {
		return l.ReadRange(ctx, 1, toSeq)
	}
	return l.ReadRange(ctx, fromSeq-1, toSeq)
}

// VerifyEvents checks a sequence of events read in order. Events below
// fromSeq only anchor the chain and are not counted.
func VerifyEvents(events iter.Seq2[Event, error], fromSeq uint64) (ChainReport, error) {
	var (
		report ChainReport
		prev   Event
		seen   bool
	)
	if fromSeq == 0 {
		fromSeq = 1
	}
	for e, err := range events {
		if err != nil {
			return ChainReport{}, dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to read audit log")
		}
		if reason := checkEvent(e, prev, seen); reason != "" {
			report.FirstBroken = e.Seq
			report.Reason = reason
			return report, nil
		}
		if e.Seq >= fromSeq {
			report.Checked++
		}
		prev = e
		seen = true
	}
	report.OK = true
	return report, nil
}

func checkEvent(e, prev Event, havePrev bool) string {
	digest, err := ComputeDigest(e)
	if err != nil {
		return err.Error()
	}
	if digest != e.Digest {
		return "digest mismatch"
	}
	if !havePrev {
		if e.Seq == 1 && e.PrevDigest != GenesisDigest {
			return "first event is not anchored to genesis"
		}
		return ""
	}
	if e.Seq != prev.Seq+1 {
		return fmt.Sprintf("sequence gap after %d", prev.Seq)
	}
	if e.PrevDigest != prev.Digest {
		return "previous digest does not match"
	}
	if e.OccurredAt.Before(prev.OccurredAt) {
		return "timestamp regressed"
	}
	return ""
}

func clonePayload(p map[string]string) map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
