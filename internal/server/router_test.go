package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ton-stars-service/internal/clock"
	"github.com/ton-stars-service/internal/fragment"
	"github.com/ton-stars-service/internal/handler"
	"github.com/ton-stars-service/internal/middleware"
	"github.com/ton-stars-service/internal/model"
	"github.com/ton-stars-service/internal/service"
	"github.com/ton-stars-service/internal/store"
	"github.com/ton-stars-service/internal/ton"
)

const adminToken = "test-admin-token"

type stubPurchaser struct {
	calls []string
	res   *service.PurchaseResult
}

func (p *stubPurchaser) PurchaseStars(_ context.Context, username string, quantity int) *service.PurchaseResult {
	p.calls = append(p.calls, username)
	res := *p.res
	res.StarsAmount = quantity
	return &res
}

type stubMonitor struct {
	stuck *service.StuckReport
}

func (m *stubMonitor) DiagnoseStuck(context.Context) (*service.StuckReport, error) {
	return m.stuck, nil
}

func (m *stubMonitor) RunCycle(context.Context) (*service.CycleReport, error) {
	return &service.CycleReport{Seen: 2, Skipped: 2}, nil
}

type stubWallet struct{}

func (stubWallet) WaitForCompletion(_ context.Context, ref string, _ time.Duration) ton.CompletionStatus {
	if ref == "8:ff" {
		return ton.CompletionCompleted
	}
	return ton.CompletionTimeout
}

type fixture struct {
	ledger    *store.Memory
	purchaser *stubPurchaser
	router    http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := store.NewMemory(clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))
	purchaser := &stubPurchaser{res: &service.PurchaseResult{Success: true, OutgoingRef: "42:deadbeef", FragmentRef: "req-1", Amount: decimal.RequireFromString("5.2")}}
	wallet := model.WalletAccount{Address: "0:service"}

	router := NewRouter(Deps{
		Health:          handler.NewHealthHandler(ledger, "memory", wallet, "testnet", "test"),
		Info:            handler.NewInfoHandler(wallet.Address, "testnet", handler.Pricing{StarsPerTON: decimal.NewFromInt(100), MinStars: 50, MaxStars: 1000}),
		Ledger:          service.NewLedgerService(ledger),
		Monitor:         &stubMonitor{stuck: &service.StuckReport{Details: []service.StuckDetail{}}},
		Purchaser:       purchaser,
		Wallet:          stubWallet{},
		MaxStars:        1000,
		AdminAuth:       middleware.AdminTokenAuth(adminToken, nil),
		PurchaseLimiter: middleware.NewRateLimiter(2, time.Minute, nil),
	})
	return &fixture{ledger: ledger, purchaser: purchaser, router: router}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func (f *fixture) seed(t *testing.T, hash, username string, status model.TransactionStatus) {
	t.Helper()
	_, err := f.ledger.SaveTransaction(context.Background(), &model.Transaction{
		Hash: hash, Amount: decimal.NewFromInt(3), SenderAddress: "EQpayer", Comment: username, Username: username, Status: status,
	})
	require.NoError(t, err)
}

func TestPublicRoutes(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	var info handler.InfoResponse
	decodeBody(t, rec, &info)
	assert.Equal(t, "0:service", info.WalletAddress)
	assert.Equal(t, "0.5", info.MinPaymentTON)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRequiresToken(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminTransactions(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "tx-a", "alice", model.TxStatusFailed)
	f.seed(t, "tx-b", "bob", model.TxStatusProcessed)

	t.Run("list filtered by status", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/admin/transactions?status=failed", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Transactions []model.Transaction `json:"transactions"`
			Total        int                 `json:"total"`
			Page         int                 `json:"page"`
		}
		decodeBody(t, rec, &resp)
		assert.Equal(t, 1, resp.Total)
		assert.Equal(t, 1, resp.Page)
		require.Len(t, resp.Transactions, 1)
		assert.Equal(t, "tx-a", resp.Transactions[0].Hash)
	})

	t.Run("list rejects bad input", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/admin/transactions?status=lost", nil).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/admin/transactions?from=yesterday", nil).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/admin/transactions?per_page=500", nil).Code)
	})

	t.Run("get with history", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/admin/transactions/tx-a", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var detail service.TransactionDetail
		decodeBody(t, rec, &detail)
		assert.Equal(t, "alice", detail.Transaction.Username)
		require.Len(t, detail.History, 1)
		assert.Equal(t, model.ActionCreated, detail.History[0].Action)
	})

	t.Run("get missing", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/admin/transactions/nope", nil).Code)
	})

	t.Run("save resets failed row", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, "/admin/transactions/tx-a", map[string]any{
			"amount": "3", "sender_address": "EQpayer", "comment": "alice", "username": "alice", "status": "failed",
			"error_message": "operator requeued",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var detail service.TransactionDetail
		decodeBody(t, rec, &detail)
		assert.Equal(t, "operator requeued", detail.Transaction.ErrorMessage)
		require.Len(t, detail.History, 2)
		assert.Equal(t, model.ActionManualUpdate, detail.History[1].Action)
	})

	t.Run("save refuses processed row", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, "/admin/transactions/tx-b", map[string]any{
			"amount": "3", "sender_address": "EQpayer", "status": "failed",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("save validates body", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, "/admin/transactions/tx-c", map[string]any{"amount": "3", "status": "done"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("stats", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/admin/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var st store.Stats
		decodeBody(t, rec, &st)
		assert.Equal(t, 2, st.Total)
		assert.Equal(t, 1, st.Processed)
	})
}

func TestAdminPurchases(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodPost, "/admin/purchases", map[string]any{"username": "@alice", "quantity": 100})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp map[string]any
		decodeBody(t, rec, &resp)
		assert.Equal(t, "42:deadbeef", resp["outgoing_ref"])
		assert.Equal(t, "5.2", resp["amount_ton"])
		assert.Equal(t, []string{"alice"}, f.purchaser.calls)
	})

	t.Run("validation", func(t *testing.T) {
		f := newFixture(t)
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/purchases", map[string]any{"username": "", "quantity": 100}).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/purchases", map[string]any{"username": "alice", "quantity": 5000}).Code)
		assert.Empty(t, f.purchaser.calls)
	})

	t.Run("permanent failure", func(t *testing.T) {
		f := newFixture(t)
		f.purchaser.res = &service.PurchaseResult{Err: &fragment.NotFoundError{Query: "ghost"}}
		rec := f.do(t, http.MethodPost, "/admin/purchases", map[string]any{"username": "ghost", "quantity": 100})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("transient failure keeps outgoing ref", func(t *testing.T) {
		f := newFixture(t)
		f.purchaser.res = &service.PurchaseResult{OutgoingRef: "9:aa", Err: errors.New("await purchase completion: timeout")}
		rec := f.do(t, http.MethodPost, "/admin/purchases", map[string]any{"username": "alice", "quantity": 100})
		require.Equal(t, http.StatusBadGateway, rec.Code)

		var resp map[string]any
		decodeBody(t, rec, &resp)
		assert.Equal(t, "9:aa", resp["outgoing_ref"])
		assert.Equal(t, true, resp["retryable"])
	})

	t.Run("rate limited", func(t *testing.T) {
		f := newFixture(t)
		body := map[string]any{"username": "alice", "quantity": 100}
		f.do(t, http.MethodPost, "/admin/purchases", body)
		f.do(t, http.MethodPost, "/admin/purchases", body)
		assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/admin/purchases", body).Code)
		assert.Len(t, f.purchaser.calls, 2)
	})
}

func TestAdminMonitorAndWallet(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/admin/stuck", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":0,"details":[]}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/admin/monitor/run", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	var report service.CycleReport
	decodeBody(t, rec, &report)
	assert.Equal(t, 2, report.Seen)

	rec = f.do(t, http.MethodGet, "/admin/outgoing/8:ff", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reference":"8:ff","status":"completed"}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/admin/outgoing/garbage", nil).Code)
}
