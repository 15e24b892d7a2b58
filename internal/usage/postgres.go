package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the pgx surface the ledger needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore implements Store against the usage_log table.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InsertRecord(ctx context.Context, r *Record) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO usage_log (id, message_id, conversation_id, provider, model,
			input_tokens, output_tokens, cost_usd, duration_ms, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.MessageID, r.ConversationID, r.Provider, r.Model,
		r.InputTokens, r.OutputTokens, r.CostUSD, r.DurationMS, r.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) TotalsSince(ctx context.Context, since time.Time) (*Totals, error) {
	var t Totals
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost_usd), 0), COUNT(*)
		FROM usage_log WHERE recorded_at >= $1`, since).
		Scan(&t.InputTokens, &t.OutputTokens, &t.CostUSD, &t.Messages)
	if err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) TotalsByProvider(ctx context.Context, since time.Time) ([]*ProviderTotals, error) {
	rows, err := s.db.Query(ctx, `
		SELECT provider, COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost_usd), 0), COUNT(*)
		FROM usage_log WHERE recorded_at >= $1
		GROUP BY provider ORDER BY provider`, since)
	if err != nil {
		return nil, fmt.Errorf("usage totals by provider: %w", err)
	}
	defer rows.Close()

	var totals []*ProviderTotals
	for rows.Next() {
		var pt ProviderTotals
		if err := rows.Scan(&pt.Provider, &pt.InputTokens, &pt.OutputTokens,
			&pt.CostUSD, &pt.Messages); err != nil {
			return nil, fmt.Errorf("scan usage totals: %w", err)
		}
		totals = append(totals, &pt)
	}
	return totals, rows.Err()
}
