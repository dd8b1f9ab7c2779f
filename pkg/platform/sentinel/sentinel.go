package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Run, artifact, lease, blob and
// audit stores return these (optionally wrapped) and the engine translates
// them into domain errors:
//   - ErrNotFound: record or object does not exist
//   - ErrConflict: a uniqueness constraint (idempotency key) already holds a row
//   - ErrInvalidState: the row is not in the state the write expected
//   - ErrAlreadyUsed: a write-once field (artifact verdict) was already set
//   - ErrUnavailable: backing store cannot be reached or refused a durable write
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrAlreadyUsed  = errors.New("already used")
	ErrUnavailable  = errors.New("unavailable")
)
