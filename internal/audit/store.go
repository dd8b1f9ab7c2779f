package audit

import (
	"context"
	"iter"
)

// ShardStore persists events durably. Append returns only after the event
// is on stable storage; a failed Append must leave no readable trace of the
// event. A store shared by several writers rejects an event whose sequence
// number is already taken with an error wrapping sentinel.ErrConflict.
type ShardStore interface {
	Append(ctx context.Context, e Event) error
	// Last returns the highest-sequence event, or ok=false on an empty log.
	Last(ctx context.Context) (e Event, ok bool, err error)
	// Scan yields events with fromSeq <= Seq <= toSeq in sequence order.
	// toSeq == 0 means no upper bound.
	Scan(ctx context.Context, fromSeq, toSeq uint64) iter.Seq2[Event, error]
}

// SubjectIndex is implemented by stores that can find the events of a few
// subjects without reading the whole log.
type SubjectIndex interface {
	// ScanSubjects yields every event whose Subject is one of subjects, in
	// sequence order.
	ScanSubjects(ctx context.Context, subjects []string) iter.Seq2[Event, error]
}

// Observer is notified after an event is durable. Observers run inside the
// append critical section and must not block.
type Observer func(ctx context.Context, e Event)
