// Package ton sends transfers from the service wallet and reads its inbound
// payments.
package ton

import (
	"context"
	"math/big"
	"time"

	"github.com/ton-stars-service/internal/model"
)

// AccountState is the on-chain state of the service wallet at one point in time.
type AccountState struct {
	Active   bool
	Seqno    uint64
	LastLT   uint64
	LastHash []byte
}

// Cursor points at a transaction; listing continues from it towards older ones.
type Cursor struct {
	LT   uint64
	Hash []byte
}

// ChainTx is a wallet transaction reduced to what payment detection needs.
type ChainTx struct {
	Hash       string // hex
	LT         uint64
	Time       time.Time
	Internal   bool // inbound message is an internal (wallet to wallet) message
	From       string
	AmountNano *big.Int
	Comment    string
}

func (tx ChainTx) inbound() bool {
	return tx.Internal && tx.AmountNano != nil && tx.AmountNano.Sign() > 0
}

// SignedTransfer is an external message ready to broadcast.
type SignedTransfer struct {
	BOC  []byte
	Hash []byte
	// Seqno is the wallet seqno the message was signed with.
	Seqno uint64

	ext any
}

// Chain is the blockchain access the Wallet needs. LiteChain implements it
// over a liteserver connection pool.
type Chain interface {
	Account() model.WalletAccount
	State(ctx context.Context) (*AccountState, error)
	SignTransfer(ctx context.Context, to string, amountNano uint64, comment string) (*SignedTransfer, error)
	Broadcast(ctx context.Context, st *SignedTransfer) error
	// Transactions returns up to limit transactions, newest first, starting at
	// from (or the latest when nil) and the cursor of the next older page.
	Transactions(ctx context.Context, from *Cursor, limit uint32) ([]ChainTx, *Cursor, error)
}
