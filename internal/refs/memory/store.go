// Package memory is an in-process stand-in for the ticket and asset
// services.
package memory

import (
	"context"
	"fmt"
	"sync"

	"tracerun/internal/run/models"
	"tracerun/pkg/domain"
	"tracerun/pkg/platform/sentinel"
)

type Store struct {
	mu      sync.RWMutex
	tickets map[domain.TicketID]models.Ticket
	assets  map[domain.AssetID]struct{}
}

func New() *Store {
	return &Store{
		tickets: make(map[domain.TicketID]models.Ticket),
		assets:  make(map[domain.AssetID]struct{}),
	}
}

// PutTicket inserts or replaces a ticket.
func (s *Store) PutTicket(t models.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.ID] = t
}

func (s *Store) PutAsset(id domain.AssetID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[id] = struct{}{}
}

func (s *Store) GetTicket(ctx context.Context, id domain.TicketID) (*models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %d: %w", id, sentinel.ErrNotFound)
	}
	return &t, nil
}

func (s *Store) SetTicketStatus(ctx context.Context, id domain.TicketID, status models.TicketStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return fmt.Errorf("ticket %d: %w", id, sentinel.ErrNotFound)
	}
	t.Status = status
	s.tickets[id] = t
	return nil
}

func (s *Store) AssetExists(ctx context.Context, id domain.AssetID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.assets[id]
	return ok, nil
}
