package memory

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"tracerun/internal/audit"
	"tracerun/pkg/platform/sentinel"
)

// Store keeps events in process. It is used by tests and single-process
// setups that do not need a durable log.
type Store struct {
	mu      sync.RWMutex
	events  []audit.Event
	failErr error
}

func New() *Store {
	return &Store{}
}

// FailAppends makes every subsequent Append return err until it is called
// again with nil.
func (s *Store) FailAppends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *Store) Append(_ context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	var next uint64 = 1
	if n := len(s.events); n > 0 {
		next = s.events[n-1].Seq + 1
	}
	if e.Seq != next {
		return fmt.Errorf("audit seq %d, next free is %d: %w", e.Seq, next, sentinel.ErrConflict)
	}
	s.events = append(s.events, e)
	return nil
}

func (s *Store) Last(_ context.Context) (audit.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return audit.Event{}, false, nil
	}
	return s.events[len(s.events)-1], true, nil
}

func (s *Store) Scan(ctx context.Context, fromSeq, toSeq uint64) iter.Seq2[audit.Event, error] {
	return func(yield func(audit.Event, error) bool) {
		s.mu.RLock()
		snapshot := append([]audit.Event(nil), s.events...)
		s.mu.RUnlock()

		for _, e := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(audit.Event{}, err)
				return
			}
			if e.Seq < fromSeq {
				continue
			}
			if toSeq != 0 && e.Seq > toSeq {
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Events returns a copy of every stored event.
func (s *Store) Events() []audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event(nil), s.events...)
}

// Rewrite replaces the stored event with the given sequence number. It
// exists to simulate tampering.
func (s *Store) Rewrite(seq uint64, fn func(*audit.Event)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].Seq == seq {
			fn(&s.events[i])
			return true
		}
	}
	return false
}
