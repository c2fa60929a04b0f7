package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ton-stars-service/internal/model"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func insertHistory(ctx context.Context, tx pgx.Tx, records ...model.HistoryRecord) error {
	for _, rec := range records {
		var data []byte
		if len(rec.Data) > 0 {
			data = rec.Data
		}
		var prev *string
		if rec.PreviousStatus != nil {
			s := string(*rec.PreviousStatus)
			prev = &s
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO transaction_history (
				id, "transactionHash", "previousStatus", "newStatus", action, data, message, "createdAt"
			) VALUES ($1, $2, $3, $4, $5, $6, $7, clock_timestamp())
		`, rec.ID, rec.TransactionHash, prev, string(rec.NewStatus), string(rec.Action), data, nullString(rec.Message))
		if err != nil {
			return fmt.Errorf("insert transaction_history: %w", err)
		}
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
