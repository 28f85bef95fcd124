package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lojix/wallet/internal/app/client"
	"github.com/lojix/wallet/internal/app/entity"
	"github.com/lojix/wallet/internal/app/handlers"
	"github.com/lojix/wallet/internal/app/storage"
)

const (
	secretKey    = "test-secret"
	adminToken   = "admin-token"
	webhookToken = "webhook-token"
)

var saleTS = time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)

type stubDirectory struct {
	stores map[string]client.StoreInfo
}

func (d stubDirectory) GetStore(ctx context.Context, storeID string) (client.StoreInfo, error) {
	info, ok := d.stores[storeID]
	if !ok {
		return client.StoreInfo{}, client.ErrStoreNotFound
	}
	return info, nil
}

func newTestHandler() (*handlers.BaseHandler, *storage.RepoInmem) {
	repo := storage.NewRepoInmem(stubDirectory{stores: map[string]client.StoreInfo{
		"store-1": {StoreID: "store-1", Plan: entity.PlanPro, Active: true},
		"closed":  {StoreID: "closed", Plan: entity.PlanPro, Active: false},
	}})
	return handlers.NewBaseHandler(repo, secretKey, adminToken, webhookToken), repo
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}, decorate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if decorate != nil {
		decorate(req)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func asStore(storeID string) func(*http.Request) {
	return func(req *http.Request) {
		req.AddCookie(&http.Cookie{
			Name:  "store_session",
			Value: handlers.SessionFor(storeID, secretKey),
		})
	}
}

func withToken(token string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// seedAvailable finalizes one R$500 sale and matures its hold so store-1
// has 484.20 available.
func seedAvailable(t *testing.T, repo *storage.RepoInmem) {
	t.Helper()
	ctx := context.Background()

	sale := entity.SaleEvent{
		StoreID:   "store-1",
		OrderID:   "seed",
		Gross:     decimal.RequireFromString("500.00"),
		Timestamp: saleTS,
	}
	if err := repo.FinalizeSale(ctx, sale); err != nil {
		t.Fatalf("seed sale: %v", err)
	}
	if _, err := repo.ReleaseMatured(ctx, saleTS.Add(25*time.Hour)); err != nil {
		t.Fatalf("seed release: %v", err)
	}
}

func TestStoreRoutesRequireValidSession(t *testing.T) {
	bh, _ := newTestHandler()

	rec := doRequest(t, bh, http.MethodGet, "/api/store/balance", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no cookie: status = %d, want 401", rec.Code)
	}

	rec = doRequest(t, bh, http.MethodGet, "/api/store/balance", nil, func(req *http.Request) {
		req.AddCookie(&http.Cookie{Name: "store_session", Value: "not-hex"})
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage cookie: status = %d, want 401", rec.Code)
	}

	rec = doRequest(t, bh, http.MethodGet, "/api/store/balance", nil, func(req *http.Request) {
		req.AddCookie(&http.Cookie{
			Name:  "store_session",
			Value: handlers.SessionFor("store-1", "wrong-secret"),
		})
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("forged cookie: status = %d, want 401", rec.Code)
	}
}

func TestTokenRoutesRequireBearerToken(t *testing.T) {
	bh, _ := newTestHandler()

	rec := doRequest(t, bh, http.MethodPost, "/api/sales/finalized", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	rec = doRequest(t, bh, http.MethodGet, "/api/admin/withdrawals", nil, withToken("wrong"))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}

	// webhook token is not valid on admin routes
	rec = doRequest(t, bh, http.MethodGet, "/api/admin/withdrawals", nil, withToken(webhookToken))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("webhook token on admin route: status = %d, want 401", rec.Code)
	}
}

func TestSaleFinalizedUpdatesBalance(t *testing.T) {
	bh, _ := newTestHandler()

	sale := entity.SaleEvent{
		StoreID:   "store-1",
		OrderID:   "1234",
		Gross:     decimal.RequireFromString("500.00"),
		Currency:  "BRL",
		Timestamp: saleTS,
	}
	rec := doRequest(t, bh, http.MethodPost, "/api/sales/finalized", sale, withToken(webhookToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("finalized: status = %d, want 200: %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, bh, http.MethodGet, "/api/store/balance", nil, asStore("store-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: status = %d, want 200: %s", rec.Code, rec.Body)
	}

	var b entity.WalletBalance
	decodeInto(t, rec, &b)
	if !b.Available.IsZero() {
		t.Errorf("available = %s, want 0", b.Available)
	}
	if !b.Reserved.Equal(decimal.RequireFromString("484.20")) {
		t.Errorf("reserved = %s, want 484.20", b.Reserved)
	}
}

func TestSalePendingAccepted(t *testing.T) {
	bh, _ := newTestHandler()

	sale := entity.SaleEvent{
		StoreID:   "store-1",
		OrderID:   "1234",
		Gross:     decimal.RequireFromString("100.00"),
		Timestamp: saleTS,
	}
	rec := doRequest(t, bh, http.MethodPost, "/api/sales/pending", sale, withToken(webhookToken))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
}

func TestSaleFinalizedErrors(t *testing.T) {
	bh, _ := newTestHandler()

	rec := doRequest(t, bh, http.MethodPost, "/api/sales/finalized", entity.SaleEvent{
		StoreID:   "closed",
		OrderID:   "1",
		Gross:     decimal.RequireFromString("100.00"),
		Timestamp: saleTS,
	}, withToken(webhookToken))
	if rec.Code != http.StatusConflict {
		t.Errorf("inactive store: status = %d, want 409", rec.Code)
	}

	rec = doRequest(t, bh, http.MethodPost, "/api/sales/finalized", entity.SaleEvent{
		StoreID:   "store-1",
		OrderID:   "2",
		Gross:     decimal.RequireFromString("-5.00"),
		Timestamp: saleTS,
	}, withToken(webhookToken))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative gross: status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, bh, http.MethodPost, "/api/sales/finalized", entity.SaleEvent{
		StoreID:   "nobody",
		OrderID:   "3",
		Gross:     decimal.RequireFromString("100.00"),
		Timestamp: saleTS,
	}, withToken(webhookToken))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown store: status = %d, want 404", rec.Code)
	}
}

func TestGetReleases(t *testing.T) {
	bh, repo := newTestHandler()

	sale := entity.SaleEvent{
		StoreID:   "store-1",
		OrderID:   "1234",
		Gross:     decimal.RequireFromString("500.00"),
		Timestamp: saleTS,
	}
	if err := repo.FinalizeSale(context.Background(), sale); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	rec := doRequest(t, bh, http.MethodGet, "/api/store/releases", nil, asStore("store-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}

	var views []struct {
		OrderID string          `json:"order_id"`
		Value   decimal.Decimal `json:"value"`
		Rule    string          `json:"rule"`
		Status  string          `json:"status"`
	}
	decodeInto(t, rec, &views)
	if len(views) != 1 {
		t.Fatalf("releases = %d, want 1", len(views))
	}
	v := views[0]
	if v.OrderID != "1234" || v.Rule != entity.Rule2 || v.Status != "reserved" {
		t.Errorf("release view = %+v, want order 1234 rule2 reserved", v)
	}
	if !v.Value.Equal(decimal.RequireFromString("484.20")) {
		t.Errorf("value = %s, want 484.20", v.Value)
	}
}

func TestGetLedgerRejectsBadTimestamp(t *testing.T) {
	bh, _ := newTestHandler()

	rec := doRequest(t, bh, http.MethodGet, "/api/store/ledger?from=yesterday", nil, asStore("store-1"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetLedgerFiltersByKind(t *testing.T) {
	bh, repo := newTestHandler()
	seedAvailable(t, repo)

	rec := doRequest(t, bh, http.MethodGet, "/api/store/ledger?kind=fee_debit", nil, asStore("store-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}

	var entries []entity.LedgerEntry
	decodeInto(t, rec, &entries)
	if len(entries) != 1 || entries[0].Kind != entity.KindFeeDebit {
		t.Errorf("entries = %+v, want one fee_debit", entries)
	}
}

func TestWithdrawalFlow(t *testing.T) {
	bh, repo := newTestHandler()
	seedAvailable(t, repo) // available 484.20

	rec := doRequest(t, bh, http.MethodGet, "/api/store/withdrawals", nil, asStore("store-1"))
	if rec.Code != http.StatusNoContent {
		t.Errorf("empty list: status = %d, want 204", rec.Code)
	}

	body := map[string]string{
		"amount":       "9999.00",
		"pix_key":      "123.456.789-00",
		"pix_key_type": "cpf",
	}
	rec = doRequest(t, bh, http.MethodPost, "/api/store/withdrawals", body, asStore("store-1"))
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("over available: status = %d, want 402: %s", rec.Code, rec.Body)
	}

	body["amount"] = "300.00"
	rec = doRequest(t, bh, http.MethodPost, "/api/store/withdrawals", body, asStore("store-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("request: status = %d, want 201: %s", rec.Code, rec.Body)
	}

	var w entity.Withdrawal
	decodeInto(t, rec, &w)
	if w.Status != entity.WithdrawalPending || w.WithdrawalID == "" {
		t.Fatalf("withdrawal = %+v, want pending with id", w)
	}

	// admin sees it in the pending queue
	rec = doRequest(t, bh, http.MethodGet, "/api/admin/withdrawals", nil, withToken(adminToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("admin list: status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var queue []entity.Withdrawal
	decodeInto(t, rec, &queue)
	if len(queue) != 1 || queue[0].WithdrawalID != w.WithdrawalID {
		t.Fatalf("admin queue = %+v, want the new withdrawal", queue)
	}

	// completing before approval is refused
	rec = doRequest(t, bh, http.MethodPost, "/api/admin/withdrawals/"+w.WithdrawalID+"/complete", nil, withToken(adminToken))
	if rec.Code != http.StatusConflict {
		t.Errorf("complete pending: status = %d, want 409", rec.Code)
	}

	rec = doRequest(t, bh, http.MethodPost, "/api/admin/withdrawals/"+w.WithdrawalID+"/approve", nil, withToken(adminToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: status = %d, want 200: %s", rec.Code, rec.Body)
	}
	decodeInto(t, rec, &w)
	if w.Status != entity.WithdrawalProcessing {
		t.Errorf("status after approve = %s, want processing", w.Status)
	}

	rec = doRequest(t, bh, http.MethodPost, "/api/admin/withdrawals/"+w.WithdrawalID+"/complete", nil, withToken(adminToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: status = %d, want 200: %s", rec.Code, rec.Body)
	}
	decodeInto(t, rec, &w)
	if w.Status != entity.WithdrawalCompleted || w.ResolvedAt == nil {
		t.Errorf("completed withdrawal = %+v, want completed with resolved_at", w)
	}

	rec = doRequest(t, bh, http.MethodGet, "/api/store/balance", nil, asStore("store-1"))
	var b entity.WalletBalance
	decodeInto(t, rec, &b)
	if !b.Available.Equal(decimal.RequireFromString("184.20")) {
		t.Errorf("available after payout = %s, want 184.20", b.Available)
	}

	rec = doRequest(t, bh, http.MethodGet, "/api/store/withdrawals", nil, asStore("store-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d, want 200", rec.Code)
	}
	var list []entity.Withdrawal
	decodeInto(t, rec, &list)
	if len(list) != 1 || list[0].Status != entity.WithdrawalCompleted {
		t.Errorf("list = %+v, want one completed withdrawal", list)
	}
}

func TestRejectWithdrawal(t *testing.T) {
	bh, repo := newTestHandler()
	seedAvailable(t, repo)

	body := map[string]string{
		"amount":       "100.00",
		"pix_key":      "maria@email.com",
		"pix_key_type": "email",
	}
	rec := doRequest(t, bh, http.MethodPost, "/api/store/withdrawals", body, asStore("store-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("request: status = %d, want 201: %s", rec.Code, rec.Body)
	}
	var w entity.Withdrawal
	decodeInto(t, rec, &w)

	rec = doRequest(t, bh, http.MethodPost, "/api/admin/withdrawals/"+w.WithdrawalID+"/reject",
		map[string]string{}, withToken(adminToken))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("reject without reason: status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, bh, http.MethodPost, "/api/admin/withdrawals/"+w.WithdrawalID+"/reject",
		map[string]string{"reason": "dados bancários inválidos"}, withToken(adminToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("reject: status = %d, want 200: %s", rec.Code, rec.Body)
	}
	decodeInto(t, rec, &w)
	if w.Status != entity.WithdrawalRejected || w.RejectReason == "" {
		t.Errorf("rejected withdrawal = %+v, want rejected with reason", w)
	}

	// the earmarked amount is back in available
	rec = doRequest(t, bh, http.MethodGet, "/api/store/balance", nil, asStore("store-1"))
	var b entity.WalletBalance
	decodeInto(t, rec, &b)
	if !b.Available.Equal(decimal.RequireFromString("484.20")) {
		t.Errorf("available after reject = %s, want 484.20", b.Available)
	}
}

func TestAdminUnknownWithdrawal(t *testing.T) {
	bh, _ := newTestHandler()

	rec := doRequest(t, bh, http.MethodPost, "/api/admin/withdrawals/no-such-id/approve", nil, withToken(adminToken))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
