package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5/pgconn"

	"tracerun/internal/audit"
	"tracerun/pkg/platform/sentinel"
	txcontext "tracerun/pkg/platform/tx"
)

const uniqueViolation = "23505"

const scanPageSize = 500

// Store implements audit.ShardStore over the audit_events table. The
// (shard, seq) primary key and the unique seq index reject a second writer
// that races for the same position; the loser gets sentinel.ErrConflict and
// re-reads the head.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Append(ctx context.Context, e audit.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		INSERT INTO audit_events (shard, seq, occurred_at, monotonic, actor, kind, subject, payload, prev_digest, digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.Shard, int64(e.Seq), e.OccurredAt, e.Monotonic, e.Actor, string(e.Kind), e.Subject, payload, e.PrevDigest, e.Digest)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("audit seq %d already written: %w", e.Seq, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

const selectColumns = `shard, seq, occurred_at, monotonic, actor, kind, subject, payload, prev_digest, digest`

func (s *Store) Last(ctx context.Context) (audit.Event, bool, error) {
	row := txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM audit_events ORDER BY seq DESC LIMIT 1`)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Event{}, false, nil
	}
	if err != nil {
		return audit.Event{}, false, err
	}
	return e, true, nil
}

// Scan pages through the table by sequence number so large ranges are not
// held in memory.
func (s *Store) Scan(ctx context.Context, fromSeq, toSeq uint64) iter.Seq2[audit.Event, error] {
	return func(yield func(audit.Event, error) bool) {
		next := fromSeq
		for {
			page, err := s.page(ctx, next, toSeq)
			if err != nil {
				yield(audit.Event{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < scanPageSize {
				return
			}
			next = page[len(page)-1].Seq + 1
		}
	}
}

func (s *Store) page(ctx context.Context, fromSeq, toSeq uint64) ([]audit.Event, error) {
	upper := int64(-1)
	if toSeq != 0 {
		upper = int64(toSeq)
	}
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM audit_events
		WHERE seq >= $1 AND ($2 < 0 OR seq <= $2)
		ORDER BY seq
		LIMIT $3
	`, int64(fromSeq), upper, scanPageSize)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return out, nil
}

// ScanSubjects reads the events of the given subjects through the subject
// index.
func (s *Store) ScanSubjects(ctx context.Context, subjects []string) iter.Seq2[audit.Event, error] {
	return func(yield func(audit.Event, error) bool) {
		rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, `
			SELECT `+selectColumns+`
			FROM audit_events
			WHERE subject = ANY($1)
			ORDER BY seq
		`, subjects)
		if err != nil {
			yield(audit.Event{}, fmt.Errorf("query audit events by subject: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				yield(audit.Event{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(audit.Event{}, fmt.Errorf("iterate audit events: %w", err))
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (audit.Event, error) {
	var (
		e       audit.Event
		seq     int64
		kind    string
		payload []byte
	)
	if err := row.Scan(&e.Shard, &seq, &e.OccurredAt, &e.Monotonic, &e.Actor, &kind, &e.Subject, &payload, &e.PrevDigest, &e.Digest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return audit.Event{}, err
		}
		return audit.Event{}, fmt.Errorf("scan audit event: %w", err)
	}
	e.Seq = uint64(seq)
	e.Kind = audit.Kind(kind)
	e.OccurredAt = e.OccurredAt.UTC()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return audit.Event{}, fmt.Errorf("decode audit payload: %w", err)
		}
	}
	if e.Payload == nil {
		e.Payload = map[string]string{}
	}
	return e, nil
}
