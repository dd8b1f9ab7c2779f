// Package domain holds typed identifiers shared across the run engine.
//
// Typed IDs keep a RunID from being passed where a TicketID is expected.
// Parsing is the trust boundary: every Parse* rejects empty, malformed and
// nil values with CodeInvalidInput.
package domain

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	dErrors "tracerun/pkg/domain-errors"
)

// RunID is assigned monotonically by the run store; zero means unassigned.
type RunID int64

// TicketID references a ticket owned by the ticket service.
type TicketID int64

// AssetID references an asset owned by the asset service.
type AssetID int64

// ArtifactID identifies uploaded evidence.
type ArtifactID uuid.UUID

func (id RunID) String() string    { return strconv.FormatInt(int64(id), 10) }
func (id RunID) IsNil() bool       { return id <= 0 }
func (id TicketID) String() string { return strconv.FormatInt(int64(id), 10) }
func (id TicketID) IsNil() bool    { return id <= 0 }
func (id AssetID) String() string  { return strconv.FormatInt(int64(id), 10) }
func (id AssetID) IsNil() bool     { return id <= 0 }

func (id ArtifactID) String() string { return uuid.UUID(id).String() }
func (id ArtifactID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

// NewArtifactID returns a random artifact identifier.
func NewArtifactID() ArtifactID {
	return ArtifactID(uuid.New())
}

func ParseRunID(s string) (RunID, error) {
	n, err := parsePositive("run id", s)
	return RunID(n), err
}

func ParseTicketID(s string) (TicketID, error) {
	n, err := parsePositive("ticket id", s)
	return TicketID(n), err
}

func ParseAssetID(s string) (AssetID, error) {
	n, err := parsePositive("asset id", s)
	return AssetID(n), err
}

func ParseArtifactID(s string) (ArtifactID, error) {
	if strings.TrimSpace(s) == "" {
		return ArtifactID{}, dErrors.New(dErrors.CodeInvalidInput, "artifact id is required")
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return ArtifactID{}, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid artifact id")
	}
	if parsed == uuid.Nil {
		return ArtifactID{}, dErrors.New(dErrors.CodeInvalidInput, "artifact id must not be nil")
	}
	return ArtifactID(parsed), nil
}

func parsePositive(what, s string) (int64, error) {
	if s == "" {
		return 0, dErrors.New(dErrors.CodeInvalidInput, what+" is required")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+what)
	}
	if n <= 0 {
		return 0, dErrors.New(dErrors.CodeInvalidInput, what+" must be positive")
	}
	return n, nil
}
