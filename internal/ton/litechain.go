package ton

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/tvm/cell"
	tonapi "github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"

	"github.com/ton-stars-service/internal/model"
)

const (
	ChainIDMainnet = "-239"
	ChainIDTestnet = "-3"
)

// LiteChainConfig configures the liteserver connection and the service wallet.
type LiteChainConfig struct {
	ConfigURL string
	Testnet   bool
	Mnemonic  string
	Version   string // v3r2 or v4r2
}

// LiteChain is a Chain backed by tonutils-go.
type LiteChain struct {
	api     tonapi.APIClientWrapped
	wallet  *wallet.Wallet
	addr    *address.Address
	account model.WalletAccount
}

// NewLiteChain connects to the liteservers listed at cfg.ConfigURL and derives
// the wallet from the mnemonic.
func NewLiteChain(ctx context.Context, cfg LiteChainConfig) (*LiteChain, error) {
	version, err := walletVersion(cfg.Version)
	if err != nil {
		return nil, err
	}

	pool := liteclient.NewConnectionPool()
	if err := pool.AddConnectionsFromConfigUrl(ctx, cfg.ConfigURL); err != nil {
		return nil, fmt.Errorf("connect liteservers: %w", err)
	}
	api := tonapi.NewAPIClient(pool).WithRetry()

	w, err := wallet.FromSeed(api, strings.Fields(cfg.Mnemonic), version)
	if err != nil {
		return nil, fmt.Errorf("derive wallet: %w", err)
	}

	pub := w.PrivateKey().Public().(ed25519.PublicKey)
	stateInit, err := wallet.GetStateInit(pub, version, wallet.DefaultSubwallet)
	if err != nil {
		return nil, fmt.Errorf("build wallet state init: %w", err)
	}
	stateInitCell, err := tlb.ToCell(stateInit)
	if err != nil {
		return nil, fmt.Errorf("encode wallet state init: %w", err)
	}

	chainID := ChainIDMainnet
	if cfg.Testnet {
		chainID = ChainIDTestnet
	}

	return &LiteChain{
		api:    api,
		wallet: w,
		addr:   w.WalletAddress(),
		account: model.WalletAccount{
			Address:         rawAddress(w.WalletAddress()),
			Chain:           chainID,
			PublicKey:       hex.EncodeToString(pub),
			WalletStateInit: base64.StdEncoding.EncodeToString(stateInitCell.ToBOCWithFlags(false)),
		},
	}, nil
}

func walletVersion(v string) (wallet.VersionConfig, error) {
	switch strings.ToLower(v) {
	case "", "v4r2":
		return wallet.V4R2, nil
	case "v3r2":
		return wallet.V3R2, nil
	default:
		return nil, fmt.Errorf("unsupported wallet version %q", v)
	}
}

// Account returns the wallet description built at startup.
func (l *LiteChain) Account() model.WalletAccount {
	return l.account
}

// Address returns the wallet address in user-friendly form.
func (l *LiteChain) Address() string {
	return l.addr.String()
}

func (l *LiteChain) State(ctx context.Context) (*AccountState, error) {
	block, err := l.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, &NetworkError{Op: "masterchain info", Err: err}
	}
	acc, err := l.api.GetAccount(ctx, block, l.addr)
	if err != nil {
		return nil, &NetworkError{Op: "get account", Err: err}
	}

	st := &AccountState{
		Active:   acc.IsActive,
		LastLT:   acc.LastTxLT,
		LastHash: acc.LastTxHash,
	}
	if !acc.IsActive {
		return st, nil
	}

	res, err := l.api.RunGetMethod(ctx, block, l.addr, "seqno")
	if err != nil {
		return nil, &NetworkError{Op: "get seqno", Err: err}
	}
	seqno, err := res.Int(0)
	if err != nil {
		return nil, fmt.Errorf("parse seqno: %w", err)
	}
	st.Seqno = seqno.Uint64()
	return st, nil
}

func (l *LiteChain) SignTransfer(ctx context.Context, to string, amountNano uint64, comment string) (*SignedTransfer, error) {
	dst, err := parseAddress(to)
	if err != nil {
		return nil, err
	}

	msg, err := l.wallet.BuildTransfer(dst, tlb.FromNanoTON(new(big.Int).SetUint64(amountNano)), dst.IsBounceable(), comment)
	if err != nil {
		return nil, fmt.Errorf("build transfer: %w", err)
	}
	ext, err := l.wallet.BuildExternalMessageForMany(ctx, []*wallet.Message{msg})
	if err != nil {
		return nil, &NetworkError{Op: "sign transfer", Err: err}
	}
	seqno, err := signedSeqno(ext.Body)
	if err != nil {
		return nil, err
	}
	c, err := tlb.ToCell(ext)
	if err != nil {
		return nil, fmt.Errorf("encode external message: %w", err)
	}

	return &SignedTransfer{BOC: c.ToBOCWithFlags(false), Hash: c.Hash(), Seqno: seqno, ext: ext}, nil
}

// signedSeqno reads the seqno from a v3/v4 wallet message body:
// signature(512) subwallet(32) valid_until(32) seqno(32).
func signedSeqno(body *cell.Cell) (uint64, error) {
	if body == nil {
		return 0, errors.New("external message has no body")
	}
	sl := body.BeginParse()
	if _, err := sl.LoadSlice(512 + 32 + 32); err != nil {
		return 0, fmt.Errorf("read wallet message header: %w", err)
	}
	seqno, err := sl.LoadUInt(32)
	if err != nil {
		return 0, fmt.Errorf("read wallet message seqno: %w", err)
	}
	return seqno, nil
}

// rawAddress renders a in raw "workchain:hex" form.
func rawAddress(a *address.Address) string {
	return fmt.Sprintf("%d:%s", a.Workchain(), hex.EncodeToString(a.Data()))
}

func (l *LiteChain) Broadcast(ctx context.Context, st *SignedTransfer) error {
	ext, ok := st.ext.(*tlb.ExternalMessage)
	if !ok {
		return errors.New("transfer was not signed by this chain")
	}
	if err := l.api.SendExternalMessage(ctx, ext); err != nil {
		return &NetworkError{Op: "send external message", Err: err}
	}
	return nil
}

func (l *LiteChain) Transactions(ctx context.Context, from *Cursor, limit uint32) ([]ChainTx, *Cursor, error) {
	if from == nil {
		st, err := l.State(ctx)
		if err != nil {
			return nil, nil, err
		}
		if st.LastLT == 0 {
			return nil, nil, nil
		}
		from = &Cursor{LT: st.LastLT, Hash: st.LastHash}
	}

	list, err := l.api.ListTransactions(ctx, l.addr, limit, from.LT, from.Hash)
	if err != nil {
		if errors.Is(err, tonapi.ErrNoTransactionsWereFound) {
			return nil, nil, nil
		}
		return nil, nil, &NetworkError{Op: "list transactions", Err: err}
	}
	if len(list) == 0 {
		return nil, nil, nil
	}

	// The liteserver returns oldest first.
	out := make([]ChainTx, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, convertTx(list[i]))
	}

	var next *Cursor
	if oldest := list[0]; oldest.PrevTxLT != 0 {
		next = &Cursor{LT: oldest.PrevTxLT, Hash: oldest.PrevTxHash}
	}
	return out, next, nil
}

func convertTx(tx *tlb.Transaction) ChainTx {
	ct := ChainTx{
		Hash: hex.EncodeToString(tx.Hash),
		LT:   tx.LT,
		Time: time.Unix(int64(tx.Now), 0).UTC(),
	}
	if tx.IO.In == nil || tx.IO.In.MsgType != tlb.MsgTypeInternal {
		return ct
	}

	in := tx.IO.In.AsInternal()
	ct.Internal = true
	if in.SrcAddr != nil {
		ct.From = in.SrcAddr.String()
	}
	ct.AmountNano = in.Amount.Nano()
	ct.Comment = in.Comment()
	return ct
}

func parseAddress(s string) (*address.Address, error) {
	if strings.Contains(s, ":") {
		a, err := address.ParseRawAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", s, err)
		}
		return a, nil
	}
	a, err := address.ParseAddr(s)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return a, nil
}
