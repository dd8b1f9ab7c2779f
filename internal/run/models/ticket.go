package models

import "tracerun/pkg/domain"

// TicketStatus mirrors the status values owned by the ticket service.
type TicketStatus string

const (
	TicketDraft     TicketStatus = "draft"
	TicketSubmitted TicketStatus = "submitted"
	TicketApproved  TicketStatus = "approved"
	TicketRunning   TicketStatus = "running"
	TicketDone      TicketStatus = "done"
	TicketFailed    TicketStatus = "failed"
	TicketClosed    TicketStatus = "closed"
)

// Ticket is the read model the engine needs from the ticket service.
type Ticket struct {
	ID        domain.TicketID
	Title     string
	Status    TicketStatus
	CreatorID string
	AssetID   domain.AssetID
}
