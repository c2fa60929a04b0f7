package handler

import (
	"net/http"

	"github.com/shopspring/decimal"
)

// Pricing is the public conversion from TON payments to Stars.
type Pricing struct {
	StarsPerTON decimal.Decimal
	GasFee      decimal.Decimal
	MinStars    int
	MaxStars    int
}

// MinPayment is the smallest payment in TON that buys MinStars.
func (p Pricing) MinPayment() decimal.Decimal {
	return decimal.NewFromInt(int64(p.MinStars)).
		DivRound(p.StarsPerTON, 9).
		Add(p.GasFee)
}

type InfoHandler struct {
	walletAddress string
	network       string
	pricing       Pricing
}

func NewInfoHandler(walletAddress, network string, pricing Pricing) *InfoHandler {
	return &InfoHandler{walletAddress: walletAddress, network: network, pricing: pricing}
}

type InfoResponse struct {
	WalletAddress string `json:"wallet_address"`
	TONNetwork    string `json:"ton_network"`
	StarsPerTON   string `json:"stars_per_ton"`
	GasFeeTON     string `json:"gas_fee_ton"`
	MinStars      int    `json:"min_stars"`
	MaxStars      int    `json:"max_stars"`
	MinPaymentTON string `json:"min_payment_ton"`
	Instructions  string `json:"instructions"`
}

func (h *InfoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, InfoResponse{
		WalletAddress: h.walletAddress,
		TONNetwork:    h.network,
		StarsPerTON:   h.pricing.StarsPerTON.String(),
		GasFeeTON:     h.pricing.GasFee.String(),
		MinStars:      h.pricing.MinStars,
		MaxStars:      h.pricing.MaxStars,
		MinPaymentTON: h.pricing.MinPayment().String(),
		Instructions:  "Send TON to wallet_address with the recipient's Telegram username as the comment.",
	})
}
