package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/virtuex/internal/engine"
	"github.com/xtrntr/virtuex/internal/gateway"
	"github.com/xtrntr/virtuex/internal/models"
)

// Gateway is the order surface the handlers expose
type Gateway interface {
	SubmitOrder(ctx context.Context, req gateway.SubmitRequest) (*engine.MatchResult, error)
	CancelOrder(ctx context.Context, userID int64, id uuid.UUID) (models.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error)
	BookSnapshot(ctx context.Context, market string, depth int) (models.BookSnapshot, error)
}

// Store serves the read-only account views
type Store interface {
	GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error)
	GetUserAssets(ctx context.Context, userID int64) ([]models.Asset, error)
	GetAsset(ctx context.Context, id int64) (models.Asset, error)
	GetWallet(ctx context.Context, id int64) (models.Wallet, error)
	GetOrderFills(ctx context.Context, orderID uuid.UUID) ([]models.FulfilledOrder, error)
	GetAssetTransactions(ctx context.Context, assetID int64) ([]models.Transaction, error)
}

// Markets lists the markets being traded
type Markets interface {
	Markets() []models.Market
	Halted(market string) bool
}

// Identity resolves a bearer token to a user id
type Identity interface {
	GetUserFromToken(token string) (int64, error)
}

type contextKey struct{}

var userIDKey = contextKey{}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Gateway  Gateway
	Store    Store
	Markets  Markets
	Identity Identity
	Logger   *zap.Logger
	// MaxDepth caps the depth a book request may ask for
	MaxDepth int
}

// NewHandler creates a new handler
func NewHandler(gw Gateway, store Store, markets Markets, identity Identity, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Gateway: gw, Store: store, Markets: markets, Identity: identity, Logger: logger, MaxDepth: 100}
}

// Router mounts every endpoint. hub may be nil to disable the depth stream.
func (h *Handler) Router(hub *Hub, timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if hub != nil {
		r.Get("/ws/book/{market}", hub.HandleWebSocket)
	}

	r.Group(func(r chi.Router) {
		if timeout > 0 {
			r.Use(middleware.Timeout(timeout))
		}
		r.Get("/markets", h.ListMarkets)
		r.Get("/markets/{market}/book", h.GetBook)

		r.Group(func(r chi.Router) {
			r.Use(h.JWTAuthMiddleware)
			r.Post("/orders", h.PlaceOrder)
			r.Get("/orders", h.GetUserOrders)
			r.Get("/orders/{id}", h.GetOrder)
			r.Delete("/orders/{id}", h.CancelOrder)
			r.Get("/orders/{id}/fills", h.GetOrderFills)
			r.Get("/assets", h.GetUserAssets)
			r.Get("/assets/{id}/transactions", h.GetAssetTransactions)
		})
	})
	return r
}

// JWTAuthMiddleware verifies bearer tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			writeJSONError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		token = strings.TrimPrefix(token, "Bearer ")

		userID, err := h.Identity.GetUserFromToken(token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(r *http.Request) (int64, bool) {
	id, ok := r.Context().Value(userIDKey).(int64)
	return id, ok
}

type placeOrderRequest struct {
	FromAssetID int64           `json:"from_asset_id"`
	ToAssetID   int64           `json:"to_asset_id"`
	Amount      int64           `json:"amount"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
}

// PlaceOrder submits an order and returns its state after matching
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.Gateway.SubmitOrder(r.Context(), gateway.SubmitRequest{
		UserID:      userID,
		FromAssetID: req.FromAssetID,
		ToAssetID:   req.ToAssetID,
		Amount:      req.Amount,
		LimitPrice:  req.LimitPrice,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetUserOrders lists the caller's orders, newest first
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	orders, err := h.Store.GetUserOrders(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder returns one of the caller's orders
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.ownOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder cancels one of the caller's live orders
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}
	o, err := h.Gateway.CancelOrder(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// GetOrderFills lists the settled fills of one of the caller's orders
func (h *Handler) GetOrderFills(w http.ResponseWriter, r *http.Request) {
	o, ok := h.ownOrder(w, r)
	if !ok {
		return
	}
	fills, err := h.Store.GetOrderFills(r.Context(), o.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if fills == nil {
		fills = []models.FulfilledOrder{}
	}
	writeJSON(w, http.StatusOK, fills)
}

func (h *Handler) ownOrder(w http.ResponseWriter, r *http.Request) (models.Order, bool) {
	userID, ok := userFrom(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return models.Order{}, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid order ID")
		return models.Order{}, false
	}
	o, err := h.Gateway.GetOrder(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return models.Order{}, false
	}
	if o.UserID != userID {
		h.writeError(w, r, errors.Wrapf(models.ErrForbidden, "order %s", id))
		return models.Order{}, false
	}
	return o, true
}

// GetUserAssets lists the caller's balances
func (h *Handler) GetUserAssets(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	assets, err := h.Store.GetUserAssets(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if assets == nil {
		assets = []models.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// GetAssetTransactions lists the ledger entries of one of the caller's assets
func (h *Handler) GetAssetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid asset ID")
		return
	}
	a, err := h.Store.GetAsset(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	wallet, err := h.Store.GetWallet(r.Context(), a.WalletID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if wallet.UserID != userID {
		h.writeError(w, r, errors.Wrapf(models.ErrForbidden, "asset %d", id))
		return
	}
	txs, err := h.Store.GetAssetTransactions(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

type marketView struct {
	Name   string          `json:"name"`
	Base   models.Currency `json:"base"`
	Quote  models.Currency `json:"quote"`
	Halted bool            `json:"halted"`
}

// ListMarkets lists the traded markets
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets := h.Markets.Markets()
	out := make([]marketView, 0, len(markets))
	for _, m := range markets {
		out = append(out, marketView{Name: m.Name(), Base: m.Base, Quote: m.Quote, Halted: h.Markets.Halted(m.Name())})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetBook returns the aggregated depth of a market. depth=0 returns every level.
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	depth := 0
	if raw := r.URL.Query().Get("depth"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 {
			writeJSONError(w, http.StatusBadRequest, "depth must be a non-negative integer")
			return
		}
		depth = d
	}
	if h.MaxDepth > 0 && (depth == 0 || depth > h.MaxDepth) {
		depth = h.MaxDepth
	}

	snap, err := h.Gateway.BookSnapshot(r.Context(), chi.URLParam(r, "market"), depth)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// statusOf maps the error taxonomy onto HTTP status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, models.ErrMarketHalted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			writeJSONError(w, status, "Internal error")
			return
		}
	}
	writeJSONError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
