package model

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// IncomingPayment is an inbound transfer observed on the service wallet.
type IncomingPayment struct {
	Reference   string
	LT          uint64
	AmountNano  *big.Int
	FromAddress string
	Comment     string
	Timestamp   time.Time
}

// Amount returns the payment value in TON.
func (p IncomingPayment) Amount() decimal.Decimal {
	if p.AmountNano == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(p.AmountNano, -9)
}

// WalletAccount describes the service wallet in the shape the marketplace expects
// for its TON Connect style "account" parameter.
type WalletAccount struct {
	Address         string `json:"address"`
	Chain           string `json:"chain"`
	PublicKey       string `json:"publicKey"`
	WalletStateInit string `json:"walletStateInit"`
}
