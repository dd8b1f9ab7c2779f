// Package postgres reads tickets and assets from the tables owned by the
// ticket and asset services.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tracerun/internal/run/models"
	"tracerun/pkg/domain"
	"tracerun/pkg/platform/sentinel"
	txcontext "tracerun/pkg/platform/tx"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetTicket(ctx context.Context, id domain.TicketID) (*models.Ticket, error) {
	var (
		t       models.Ticket
		status  string
		assetID sql.NullInt64
	)
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, title, status, creator_id, asset_id FROM tickets WHERE id = $1
	`, int64(id)).Scan(&t.ID, &t.Title, &status, &t.CreatorID, &assetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %d: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query ticket: %w", err)
	}
	t.Status = models.TicketStatus(status)
	if assetID.Valid {
		t.AssetID = domain.AssetID(assetID.Int64)
	}
	return &t, nil
}

func (s *Store) SetTicketStatus(ctx context.Context, id domain.TicketID, status models.TicketStatus) error {
	res, err := txcontext.Pick(ctx, s.db).ExecContext(ctx,
		`UPDATE tickets SET status = $1 WHERE id = $2`, string(status), int64(id))
	if err != nil {
		return fmt.Errorf("update ticket status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("ticket %d: %w", id, sentinel.ErrNotFound)
	}
	return nil
}

func (s *Store) AssetExists(ctx context.Context, id domain.AssetID) (bool, error) {
	var exists bool
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM assets WHERE id = $1)`, int64(id)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query asset: %w", err)
	}
	return exists, nil
}
