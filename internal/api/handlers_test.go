package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/virtuex/internal/auth"
	"github.com/xtrntr/virtuex/internal/engine"
	"github.com/xtrntr/virtuex/internal/gateway"
	"github.com/xtrntr/virtuex/internal/memstore"
	"github.com/xtrntr/virtuex/internal/models"
	"github.com/xtrntr/virtuex/internal/settlement"
)

type account struct {
	token    string
	btc, usd models.Asset
}

type testServer struct {
	t      *testing.T
	ctx    context.Context
	store  *memstore.Store
	auth   *auth.AuthService
	engine *engine.Engine
	hub    *Hub
	router http.Handler
	market models.Market
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	btc, err := store.CreateCurrency(ctx, models.Currency{Symbol: "BTC", Name: "Bitcoin", Precision: 8, Type: models.CurrencyCrypto})
	require.NoError(t, err)
	usd, err := store.CreateCurrency(ctx, models.Currency{Symbol: "USD", Name: "US Dollar", Precision: 2, Type: models.CurrencyFiat})
	require.NoError(t, err)
	market := models.Market{Base: btc, Quote: usd}

	e := engine.New(engine.Config{CommandBuffer: 8}, store, settlement.NewCoordinator(store, nil), nil, nil)
	require.NoError(t, e.AddMarket(market))
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- e.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	gw := gateway.New(store, e, nil)
	authService := auth.NewAuthService(store, "test-secret", time.Hour)
	h := NewHandler(gw, store, e, authService, nil)
	hub := NewHub(gw, []string{market.Name()}, 10, nil)
	return &testServer{
		t: t, ctx: ctx, store: store, auth: authService, engine: e, hub: hub,
		router: h.Router(hub, 5*time.Second), market: market,
	}
}

func (s *testServer) account(name string, btc, usd int64) account {
	s.t.Helper()
	u, w, err := s.auth.Register(s.ctx, name, "password123")
	require.NoError(s.t, err)
	b, err := s.store.CreateAsset(s.ctx, w.ID, s.market.Base.ID, btc)
	require.NoError(s.t, err)
	q, err := s.store.CreateAsset(s.ctx, w.ID, s.market.Quote.ID, usd)
	require.NoError(s.t, err)
	token, err := s.auth.Issue(u)
	require.NoError(s.t, err)
	return account{token: token, btc: b, usd: q}
}

func (s *testServer) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func sellBody(a account, amount int64, price string) map[string]interface{} {
	return map[string]interface{}{"from_asset_id": a.btc.ID, "to_asset_id": a.usd.ID, "amount": amount, "limit_price": price}
}

func buyBody(a account, amount int64, price string) map[string]interface{} {
	return map[string]interface{}{"from_asset_id": a.usd.ID, "to_asset_id": a.btc.ID, "amount": amount, "limit_price": price}
}

func TestHandler_JWTAuthMiddleware(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		header string
	}{
		{"MissingHeader", ""},
		{"GarbageToken", "Bearer not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/orders", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			s.router.ServeHTTP(rr, req)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
		})
	}

	alice := s.account("alice", 0, 0)
	rr := s.do(http.MethodGet, "/orders", alice.token, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestHandler_PlaceOrder(t *testing.T) {
	s := newTestServer(t)
	alice := s.account("alice", 100_000_000, 1_000_000)
	bob := s.account("bob", 100_000_000, 0)

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
	}{
		{"Success", sellBody(alice, 10_000_000, "30000"), http.StatusCreated},
		{"InvalidBody", "not an object", http.StatusBadRequest},
		{"ZeroAmount", sellBody(alice, 0, "30000"), http.StatusBadRequest},
		{"NegativePrice", sellBody(alice, 1, "-1"), http.StatusBadRequest},
		{"ForeignAsset", map[string]interface{}{"from_asset_id": bob.btc.ID, "to_asset_id": alice.usd.ID, "amount": 1, "limit_price": "1"}, http.StatusForbidden},
		{"InsufficientBalance", buyBody(alice, 100_000_000, "30000"), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(http.MethodPost, "/orders", alice.token, tt.body)
			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantStatus != http.StatusCreated {
				body := decode[map[string]string](t, rr)
				assert.NotEmpty(t, body["error"])
				return
			}
			res := decode[engine.MatchResult](t, rr)
			assert.Equal(t, models.OrderPending, res.Order.Status)
			assert.Equal(t, models.SideSell, res.Order.Side)
			assert.True(t, res.Resting)
		})
	}
}

func TestHandler_OrderLifecycle(t *testing.T) {
	s := newTestServer(t)
	alice := s.account("alice", 100_000_000, 0)
	bob := s.account("bob", 0, 5_000_000)

	rr := s.do(http.MethodPost, "/orders", alice.token, sellBody(alice, 100_000_000, "30000"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	ask := decode[engine.MatchResult](t, rr).Order
	path := "/orders/" + ask.ID.String()

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, path, alice.token, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, path, bob.token, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/orders/"+uuid.NewString(), alice.token, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/orders/42", alice.token, nil).Code)

	rr = s.do(http.MethodPost, "/orders", bob.token, buyBody(bob, 25_000_000, "31000"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	bid := decode[engine.MatchResult](t, rr)
	assert.Equal(t, models.OrderFilled, bid.Order.Status)
	require.Len(t, bid.Fills, 1)
	assert.Equal(t, "30000", bid.Fills[0].Price.String())

	rr = s.do(http.MethodGet, path+"/fills", alice.token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	fills := decode[[]models.FulfilledOrder](t, rr)
	require.Len(t, fills, 1)
	assert.Equal(t, int64(25_000_000), fills[0].Amount)
	assert.Equal(t, int64(750_000), fills[0].QuoteAmount)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodDelete, path, bob.token, nil).Code)

	rr = s.do(http.MethodDelete, path, alice.token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	cancelled := decode[models.Order](t, rr)
	assert.Equal(t, models.OrderCancelled, cancelled.Status)
	assert.Equal(t, int64(75_000_000), cancelled.Remaining)

	assert.Equal(t, http.StatusConflict, s.do(http.MethodDelete, path, alice.token, nil).Code)

	rr = s.do(http.MethodGet, "/orders", alice.token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	orders := decode[[]models.Order](t, rr)
	require.Len(t, orders, 1)
	assert.Equal(t, ask.ID, orders[0].ID)
}

func TestHandler_Assets(t *testing.T) {
	s := newTestServer(t)
	alice := s.account("alice", 100_000_000, 0)
	bob := s.account("bob", 0, 5_000_000)

	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/orders", alice.token, sellBody(alice, 10_000_000, "30000")).Code)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/orders", bob.token, buyBody(bob, 10_000_000, "30000")).Code)

	rr := s.do(http.MethodGet, "/assets", alice.token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assets := decode[[]models.Asset](t, rr)
	require.Len(t, assets, 2)
	byID := map[int64]models.Asset{}
	for _, a := range assets {
		byID[a.ID] = a
	}
	assert.Equal(t, int64(90_000_000), byID[alice.btc.ID].Amount)
	assert.Equal(t, int64(300_000), byID[alice.usd.ID].Amount)

	txPath := fmt.Sprintf("/assets/%d/transactions", alice.usd.ID)
	rr = s.do(http.MethodGet, txPath, alice.token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	txs := decode[[]models.Transaction](t, rr)
	require.Len(t, txs, 1)
	assert.Equal(t, models.DirectionIncoming, txs[0].Direction)
	assert.Equal(t, int64(300_000), txs[0].Amount)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, txPath, bob.token, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/assets/9999/transactions", bob.token, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/assets/x/transactions", bob.token, nil).Code)
}

func TestHandler_MarketsAndBook(t *testing.T) {
	s := newTestServer(t)
	alice := s.account("alice", 100_000_000, 0)
	for _, price := range []string{"30000", "30100", "30000"} {
		require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/orders", alice.token, sellBody(alice, 1_000_000, price)).Code)
	}

	rr := s.do(http.MethodGet, "/markets", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	markets := decode[[]marketView](t, rr)
	require.Len(t, markets, 1)
	assert.Equal(t, "BTC-USD", markets[0].Name)
	assert.False(t, markets[0].Halted)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantAsks   int
	}{
		{"AllLevels", "/markets/BTC-USD/book", http.StatusOK, 2},
		{"Depth", "/markets/BTC-USD/book?depth=1", http.StatusOK, 1},
		{"BadDepth", "/markets/BTC-USD/book?depth=-1", http.StatusBadRequest, 0},
		{"UnknownMarket", "/markets/ETH-USD/book", http.StatusNotFound, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(http.MethodGet, tt.path, "", nil)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}
			snap := decode[models.BookSnapshot](t, rr)
			assert.Equal(t, "BTC-USD", snap.Market)
			require.Len(t, snap.Asks, tt.wantAsks)
			assert.Equal(t, "30000", snap.Asks[0].Price.String())
			assert.Equal(t, int64(2_000_000), snap.Asks[0].Amount)
			assert.Equal(t, 2, snap.Asks[0].Orders)
			assert.Empty(t, snap.Bids)
		})
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrInvalidOrder, http.StatusBadRequest},
		{models.ErrInsufficientBalance, http.StatusConflict},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrForbidden, http.StatusForbidden},
		{models.ErrInvalidState, http.StatusConflict},
		{models.ErrMarketHalted, http.StatusServiceUnavailable},
		{models.ErrInternalInconsistency, http.StatusInternalServerError},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusOf(tt.err))
		})
	}
}

func TestHub_StreamsSnapshots(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/book/BTC-USD"

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/book/ETH-USD", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap models.BookSnapshot
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "BTC-USD", snap.Market)
	assert.Empty(t, snap.Asks)

	alice := s.account("alice", 100_000_000, 0)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/orders", alice.token, sellBody(alice, 1_000_000, "30000")).Code)

	s.hub.Broadcast(s.ctx)
	require.NoError(t, conn.ReadJSON(&snap))
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, int64(1_000_000), snap.Asks[0].Amount)
}
