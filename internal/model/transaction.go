package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TxStatusProcessing TransactionStatus = "processing"
	TxStatusProcessed  TransactionStatus = "processed"
	TxStatusFailed     TransactionStatus = "failed"
)

// Valid reports whether s is one of the ledger statuses.
func (s TransactionStatus) Valid() bool {
	switch s {
	case TxStatusProcessing, TxStatusProcessed, TxStatusFailed:
		return true
	}
	return false
}

// Transaction is one inbound TON payment and the outcome of the Stars purchase it triggered.
// Hash is the ledger-assigned transaction hash and never changes.
type Transaction struct {
	Hash                    string            `json:"hash"`
	Amount                  decimal.Decimal   `json:"amount"`
	SenderAddress           string            `json:"sender_address"`
	Comment                 string            `json:"comment,omitempty"`
	Username                string            `json:"username,omitempty"`
	StarsAmount             *int              `json:"stars_amount,omitempty"`
	ExchangeRate            *decimal.Decimal  `json:"exchange_rate,omitempty"`
	GasFee                  *decimal.Decimal  `json:"gas_fee,omitempty"`
	AmountAfterGas          *decimal.Decimal  `json:"amount_after_gas,omitempty"`
	FragmentTransactionHash string            `json:"fragment_transaction_hash,omitempty"`
	OutgoingTransactionHash string            `json:"outgoing_transaction_hash,omitempty"`
	Status                  TransactionStatus `json:"status"`
	ErrorMessage            string            `json:"error_message,omitempty"`
	CreatedAt               time.Time         `json:"created_at"`
	UpdatedAt               time.Time         `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with t.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.StarsAmount != nil {
		v := *t.StarsAmount
		c.StarsAmount = &v
	}
	c.ExchangeRate = cloneDecimal(t.ExchangeRate)
	c.GasFee = cloneDecimal(t.GasFee)
	c.AmountAfterGas = cloneDecimal(t.AmountAfterGas)
	return &c
}

// NonRetryableMarkers are substrings of an error message that mark a failure as
// permanent. They are persisted verbatim in errorMessage.
var NonRetryableMarkers = []string{
	"recipient not found",
	"invalid recipient",
	"missing username",
	"amount out of bounds",
}

// IsRetryableError reports whether a failure with this message may be retried.
func IsRetryableError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range NonRetryableMarkers {
		if strings.Contains(lower, m) {
			return false
		}
	}
	return true
}

// Retryable reports whether a failed transaction may be processed again.
func (t *Transaction) Retryable() bool {
	return t.Status == TxStatusFailed && IsRetryableError(t.ErrorMessage)
}

// PurchaseOutcome carries the fields written when a purchase completes.
type PurchaseOutcome struct {
	StarsAmount             int
	ExchangeRate            decimal.Decimal
	GasFee                  decimal.Decimal
	AmountAfterGas          decimal.Decimal
	FragmentTransactionHash string
	OutgoingTransactionHash string
}

// Failure carries the fields written when a purchase attempt fails. A set
// OutgoingTransactionHash means money already left the wallet.
type Failure struct {
	Message                 string
	FragmentTransactionHash string
	OutgoingTransactionHash string
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
