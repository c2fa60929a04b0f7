package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ton-stars-service/internal/model"
)

var (
	// ErrNotFound is returned when no transaction has the requested hash.
	ErrNotFound = errors.New("transaction not found")
	// ErrLockNotAcquired means another worker changed the row since it was read.
	ErrLockNotAcquired = errors.New("transaction lock not acquired")
	// ErrLedgerIntegrity means a row that must exist was missing on update.
	ErrLedgerIntegrity = errors.New("ledger integrity violation")
	// ErrInvalidTransition is returned for status changes the ledger forbids,
	// such as anything leaving processed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Ledger is the durable record of payments and their purchase outcomes. Every
// status change appends a history record in the same write.
type Ledger interface {
	GetTransaction(ctx context.Context, hash string) (*model.Transaction, error)
	// Lock claims tx for processing. prior is the row as last read (nil when
	// absent); the claim only succeeds if the row still has prior's status and
	// updatedAt, otherwise ErrLockNotAcquired. The returned claim is the row's
	// new updatedAt.
	Lock(ctx context.Context, tx *model.Transaction, prior *model.Transaction) (claim time.Time, err error)
	// MarkProcessed and MarkFailed finish a claim. They fail with
	// ErrLockNotAcquired once the row no longer carries claim, and with
	// ErrInvalidTransition if it is already processed.
	MarkProcessed(ctx context.Context, hash string, claim time.Time, outcome model.PurchaseOutcome) error
	MarkFailed(ctx context.Context, hash string, claim time.Time, failure model.Failure) error
	// SaveTransaction inserts or overwrites a row and returns the number of rows
	// written. A stored processed row is left alone (ErrInvalidTransition).
	SaveTransaction(ctx context.Context, tx *model.Transaction) (int64, error)

	ListTransactions(ctx context.Context, filters TransactionFilters) ([]*model.Transaction, int, error)
	ListProcessing(ctx context.Context) ([]*model.Transaction, error)
	// ListRetryableFailures returns failed rows not updated since olderThan whose
	// error carries no non-retryable marker, oldest first.
	ListRetryableFailures(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error)
	History(ctx context.Context, hash string) ([]model.HistoryRecord, error)
	Stats(ctx context.Context) (*Stats, error)
}

type TransactionFilters struct {
	Status   *model.TransactionStatus
	Username string
	From     *time.Time
	To       *time.Time
	Page     int
	PerPage  int
}

func (f TransactionFilters) normalized() TransactionFilters {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 || f.PerPage > 100 {
		f.PerPage = 20
	}
	return f
}

// Stats summarizes the ledger.
type Stats struct {
	Total        int             `json:"total"`
	Processing   int             `json:"processing"`
	Processed    int             `json:"processed"`
	Failed       int             `json:"failed"`
	AmountTON    decimal.Decimal `json:"amount_ton"`
	StarsBought  int64           `json:"stars_bought"`
	LastActivity *time.Time      `json:"last_activity,omitempty"`
}
