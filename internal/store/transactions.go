package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/ton-stars-service/internal/model"
)

const transactionColumns = `hash, amount, "senderAddress", comment, username, "starsAmount",
	"exchangeRate", "gasFee", "amountAfterGas",
	"fragmentTransactionHash", "outgoingTransactionHash",
	status, "errorMessage", "createdAt", "updatedAt"`

func (p *Postgres) GetTransaction(ctx context.Context, hash string) (*model.Transaction, error) {
	t, err := scanTransaction(p.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *Postgres) Lock(ctx context.Context, t *model.Transaction, prior *model.Transaction) (time.Time, error) {
	if prior != nil && prior.Status == model.TxStatusProcessed {
		return time.Time{}, ErrInvalidTransition
	}

	var claim time.Time
	err := pgx.BeginFunc(ctx, p.pool, func(dbtx pgx.Tx) error {
		var row pgx.Row
		if prior == nil {
			row = dbtx.QueryRow(ctx, `
				INSERT INTO transactions (
					hash, amount, "senderAddress", comment, username, status, "createdAt", "updatedAt"
				) VALUES ($1, $2, $3, $4, $5, 'processing', NOW(), NOW())
				ON CONFLICT (hash) DO NOTHING
				RETURNING "updatedAt"
			`, t.Hash, t.Amount, t.SenderAddress, nullString(t.Comment), nullString(t.Username))
		} else {
			row = dbtx.QueryRow(ctx, `
				UPDATE transactions
				SET status = 'processing',
				    username = $2,
				    "errorMessage" = NULL,
				    "updatedAt" = clock_timestamp()
				WHERE hash = $1 AND status = $3 AND "updatedAt" = $4
				RETURNING "updatedAt"
			`, t.Hash, nullString(t.Username), string(prior.Status), prior.UpdatedAt)
		}
		if err := row.Scan(&claim); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrLockNotAcquired
			}
			return fmt.Errorf("claim transaction: %w", err)
		}
		return insertHistory(ctx, dbtx, lockRecords(t.Hash, prior)...)
	})
	if err != nil {
		return time.Time{}, err
	}
	return claim, nil
}

func (p *Postgres) MarkProcessed(ctx context.Context, hash string, claim time.Time, o model.PurchaseOutcome) error {
	return pgx.BeginFunc(ctx, p.pool, func(dbtx pgx.Tx) error {
		tag, err := dbtx.Exec(ctx, `
			UPDATE transactions
			SET status = 'processed',
			    "starsAmount" = $3,
			    "exchangeRate" = $4,
			    "gasFee" = $5,
			    "amountAfterGas" = $6,
			    "fragmentTransactionHash" = $7,
			    "outgoingTransactionHash" = $8,
			    "errorMessage" = NULL,
			    "updatedAt" = clock_timestamp()
			WHERE hash = $1 AND status = 'processing' AND "updatedAt" = $2
		`, hash, claim, o.StarsAmount, o.ExchangeRate, o.GasFee, o.AmountAfterGas,
			nullString(o.FragmentTransactionHash), nullString(o.OutgoingTransactionHash))
		if err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return transitionError(ctx, dbtx, hash)
		}
		return insertHistory(ctx, dbtx, processedRecord(hash, o))
	})
}

func (p *Postgres) MarkFailed(ctx context.Context, hash string, claim time.Time, f model.Failure) error {
	return pgx.BeginFunc(ctx, p.pool, func(dbtx pgx.Tx) error {
		tag, err := dbtx.Exec(ctx, `
			UPDATE transactions
			SET status = 'failed',
			    "errorMessage" = $3,
			    "fragmentTransactionHash" = $4,
			    "outgoingTransactionHash" = $5,
			    "updatedAt" = clock_timestamp()
			WHERE hash = $1 AND status = 'processing' AND "updatedAt" = $2
		`, hash, claim, f.Message, nullString(f.FragmentTransactionHash), nullString(f.OutgoingTransactionHash))
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return transitionError(ctx, dbtx, hash)
		}
		return insertHistory(ctx, dbtx, failedRecord(hash, f))
	})
}

// transitionError explains why a claimed update matched no row.
func transitionError(ctx context.Context, dbtx pgx.Tx, hash string) error {
	var status string
	err := dbtx.QueryRow(ctx, `SELECT status FROM transactions WHERE hash = $1`, hash).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: transaction %s is missing", ErrLedgerIntegrity, hash)
	}
	if err != nil {
		return fmt.Errorf("check transaction: %w", err)
	}
	return claimError(hash, model.TransactionStatus(status), false)
}

func (p *Postgres) SaveTransaction(ctx context.Context, t *model.Transaction) (int64, error) {
	if !t.Status.Valid() {
		return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, t.Status)
	}

	var rows int64
	err := pgx.BeginFunc(ctx, p.pool, func(dbtx pgx.Tx) error {
		var prev *model.TransactionStatus
		var current string
		err := dbtx.QueryRow(ctx, `SELECT status FROM transactions WHERE hash = $1 FOR UPDATE`, t.Hash).Scan(&current)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read transaction: %w", err)
		default:
			prev = model.StatusPtr(model.TransactionStatus(current))
		}
		if prev != nil && *prev == model.TxStatusProcessed {
			return ErrInvalidTransition
		}

		tag, err := dbtx.Exec(ctx, `
			INSERT INTO transactions (
				hash, amount, "senderAddress", comment, username, "starsAmount",
				"exchangeRate", "gasFee", "amountAfterGas",
				"fragmentTransactionHash", "outgoingTransactionHash",
				status, "errorMessage", "createdAt", "updatedAt"
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
			ON CONFLICT (hash) DO UPDATE SET
				amount = EXCLUDED.amount,
				"senderAddress" = EXCLUDED."senderAddress",
				comment = EXCLUDED.comment,
				username = EXCLUDED.username,
				"starsAmount" = EXCLUDED."starsAmount",
				"exchangeRate" = EXCLUDED."exchangeRate",
				"gasFee" = EXCLUDED."gasFee",
				"amountAfterGas" = EXCLUDED."amountAfterGas",
				"fragmentTransactionHash" = EXCLUDED."fragmentTransactionHash",
				"outgoingTransactionHash" = EXCLUDED."outgoingTransactionHash",
				status = EXCLUDED.status,
				"errorMessage" = EXCLUDED."errorMessage",
				"updatedAt" = NOW()
			WHERE transactions.status <> 'processed'
		`,
			t.Hash, t.Amount, t.SenderAddress, nullString(t.Comment), nullString(t.Username), t.StarsAmount,
			nullDecimal(t.ExchangeRate), nullDecimal(t.GasFee), nullDecimal(t.AmountAfterGas),
			nullString(t.FragmentTransactionHash), nullString(t.OutgoingTransactionHash),
			string(t.Status), nullString(t.ErrorMessage),
		)
		if err != nil {
			return fmt.Errorf("upsert transaction: %w", err)
		}
		rows = tag.RowsAffected()
		return insertHistory(ctx, dbtx, saveRecord(t, prev))
	})
	if err != nil {
		return 0, err
	}
	return rows, nil
}

func (p *Postgres) ListTransactions(ctx context.Context, filters TransactionFilters) ([]*model.Transaction, int, error) {
	filters = filters.normalized()

	where := "WHERE 1=1"
	args := []interface{}{}
	argIdx := 1

	if filters.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(*filters.Status))
		argIdx++
	}
	if filters.Username != "" {
		where += fmt.Sprintf(" AND username = $%d", argIdx)
		args = append(args, filters.Username)
		argIdx++
	}
	if filters.From != nil {
		where += fmt.Sprintf(` AND "createdAt" >= $%d`, argIdx)
		args = append(args, *filters.From)
		argIdx++
	}
	if filters.To != nil {
		where += fmt.Sprintf(` AND "createdAt" <= $%d`, argIdx)
		args = append(args, *filters.To)
		argIdx++
	}

	var total int
	err := p.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM transactions %s", where), args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	offset := (filters.Page - 1) * filters.PerPage
	args = append(args, filters.PerPage, offset)
	query := fmt.Sprintf(`
		SELECT %s FROM transactions %s
		ORDER BY "createdAt" DESC
		LIMIT $%d OFFSET $%d
	`, transactionColumns, where, argIdx, argIdx+1)

	txs, err := p.queryTransactions(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (p *Postgres) ListProcessing(ctx context.Context) ([]*model.Transaction, error) {
	return p.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = 'processing'
		ORDER BY "updatedAt"
	`)
}

func (p *Postgres) ListRetryableFailures(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	patterns := make([]string, len(model.NonRetryableMarkers))
	for i, m := range model.NonRetryableMarkers {
		patterns[i] = "%" + m + "%"
	}
	return p.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = 'failed'
		  AND "updatedAt" < $1
		  AND NOT (COALESCE("errorMessage", '') ILIKE ANY ($2))
		ORDER BY "updatedAt"
		LIMIT $3
	`, olderThan, patterns, limit)
}

func (p *Postgres) History(ctx context.Context, hash string) ([]model.HistoryRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, "transactionHash", "previousStatus", "newStatus", action, data, message, "createdAt"
		FROM transaction_history
		WHERE "transactionHash" = $1
		ORDER BY "createdAt", id
	`, hash)
	if err != nil {
		return nil, fmt.Errorf("query transaction_history: %w", err)
	}
	defer rows.Close()

	var records []model.HistoryRecord
	for rows.Next() {
		var rec model.HistoryRecord
		var prev, message *string
		var newStatus, action string
		var data []byte
		if err := rows.Scan(&rec.ID, &rec.TransactionHash, &prev, &newStatus, &action, &data, &message, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction_history: %w", err)
		}
		if prev != nil {
			rec.PreviousStatus = model.StatusPtr(model.TransactionStatus(*prev))
		}
		rec.NewStatus = model.TransactionStatus(newStatus)
		rec.Action = model.HistoryAction(action)
		rec.Data = data
		rec.Message = derefString(message)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction_history: %w", err)
	}
	return records, nil
}

func (p *Postgres) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'processing'),
		       COUNT(*) FILTER (WHERE status = 'processed'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COALESCE(SUM(amount) FILTER (WHERE status = 'processed'), 0),
		       COALESCE(SUM("starsAmount") FILTER (WHERE status = 'processed'), 0),
		       MAX("updatedAt")
		FROM transactions
	`).Scan(&s.Total, &s.Processing, &s.Processed, &s.Failed, &s.AmountTON, &s.StarsBought, &s.LastActivity)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return &s, nil
}

func (p *Postgres) queryTransactions(ctx context.Context, query string, args ...interface{}) ([]*model.Transaction, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txs []*model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return txs, nil
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	var sender, comment, username, fragmentRef, outgoingRef, errMsg *string
	var rate, gas, afterGas decimal.NullDecimal
	var status string

	err := row.Scan(
		&t.Hash, &t.Amount, &sender, &comment, &username, &t.StarsAmount,
		&rate, &gas, &afterGas,
		&fragmentRef, &outgoingRef,
		&status, &errMsg, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	t.SenderAddress = derefString(sender)
	t.Comment = derefString(comment)
	t.Username = derefString(username)
	t.FragmentTransactionHash = derefString(fragmentRef)
	t.OutgoingTransactionHash = derefString(outgoingRef)
	t.ErrorMessage = derefString(errMsg)
	t.Status = model.TransactionStatus(status)
	t.ExchangeRate = fromNullDecimal(rate)
	t.GasFee = fromNullDecimal(gas)
	t.AmountAfterGas = fromNullDecimal(afterGas)
	return &t, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func fromNullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}
