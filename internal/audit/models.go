package audit

import (
	"fmt"
	"time"

	"tracerun/pkg/domain"
)

// Category classifies audit events by their primary purpose.
type Category string

const (
	// CategoryCompliance covers ticket, run and artifact history: the
	// record of what was attested and by whom.
	CategoryCompliance Category = "compliance"

	// CategorySecurity covers authentication activity.
	CategorySecurity Category = "security"
)

// Kind is the closed set of audit event kinds.
type Kind string

const (
	KindLogin            Kind = "login"
	KindTicketCreated    Kind = "ticket.created"
	KindTicketApproved   Kind = "ticket.approved"
	KindRunCreated       Kind = "run.created"
	KindRunStarted       Kind = "run.started"
	KindRunCompleted     Kind = "run.completed"
	KindRunFailed        Kind = "run.failed"
	KindArtifactUploaded Kind = "artifact.uploaded"
	KindArtifactVerified Kind = "artifact.verified"
)

var kindCategories = map[Kind]Category{
	KindLogin:            CategorySecurity,
	KindTicketCreated:    CategoryCompliance,
	KindTicketApproved:   CategoryCompliance,
	KindRunCreated:       CategoryCompliance,
	KindRunStarted:       CategoryCompliance,
	KindRunCompleted:     CategoryCompliance,
	KindRunFailed:        CategoryCompliance,
	KindArtifactUploaded: CategoryCompliance,
	KindArtifactVerified: CategoryCompliance,
}

// Valid reports whether k is one of the enumerated kinds.
func (k Kind) Valid() bool {
	_, ok := kindCategories[k]
	return ok
}

// Category returns the category for k. Unknown kinds have no category.
func (k Kind) Category() Category {
	return kindCategories[k]
}

// GenesisDigest is the PrevDigest of the very first event in a log.
const GenesisDigest = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is one entry of the hash-chained log. Seq, Shard, OccurredAt,
// Monotonic, PrevDigest and Digest are assigned by Log.Append.
type Event struct {
	Shard      string            `json:"shard"`
	Seq        uint64            `json:"seq"`
	OccurredAt time.Time         `json:"occurred_at"`
	Monotonic  int64             `json:"monotonic"`
	Actor      string            `json:"actor"`
	Kind       Kind              `json:"kind"`
	Subject    string            `json:"subject"`
	Payload    map[string]string `json:"payload"`
	PrevDigest string            `json:"prev_digest"`
	Digest     string            `json:"digest"`
}

func RunSubject(id domain.RunID) string {
	return fmt.Sprintf("run:%d", int64(id))
}

func ArtifactSubject(id domain.ArtifactID) string {
	return "artifact:" + id.String()
}

func TicketSubject(id domain.TicketID) string {
	return fmt.Sprintf("ticket:%d", int64(id))
}
