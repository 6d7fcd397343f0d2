// Package gateway admits orders into the matching engine and serves the
// order verbs exposed to users.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/virtuex/internal/engine"
	"github.com/xtrntr/virtuex/internal/models"
	"github.com/xtrntr/virtuex/internal/settlement"
)

// Store is the persistence the gateway depends on
type Store interface {
	GetAsset(ctx context.Context, id int64) (models.Asset, error)
	GetWallet(ctx context.Context, id int64) (models.Wallet, error)
	CreateOrder(ctx context.Context, o models.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error)
	ListRestingOrders(ctx context.Context, cutoff time.Time) ([]models.Order, error)
}

// Matcher is the engine surface the gateway uses
type Matcher interface {
	MarketFor(a, b int64) (models.Market, bool)
	Submit(ctx context.Context, o models.Order) (*engine.MatchResult, error)
	Cancel(ctx context.Context, market string, id uuid.UUID) (models.Order, error)
	Expire(ctx context.Context, market string, id uuid.UUID) (models.Order, error)
	Snapshot(ctx context.Context, market string, depth int) (models.BookSnapshot, error)
}

// SubmitRequest is an order as entered by a user
type SubmitRequest struct {
	UserID      int64
	FromAssetID int64
	ToAssetID   int64
	Amount      int64
	LimitPrice  decimal.Decimal
}

// Gateway validates requests before they reach a market worker
type Gateway struct {
	store   Store
	matcher Matcher
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a gateway
func New(store Store, matcher Matcher, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		store:   store,
		matcher: matcher,
		logger:  logger,
		now:     time.Now,
	}
}

// SubmitOrder validates req, persists the order with its reservation and
// matches it. The returned order reflects the state after matching.
func (g *Gateway) SubmitOrder(ctx context.Context, req SubmitRequest) (*engine.MatchResult, error) {
	if req.Amount <= 0 {
		return nil, errors.Wrap(models.ErrInvalidOrder, "amount must be positive")
	}
	if !req.LimitPrice.IsPositive() {
		return nil, errors.Wrap(models.ErrInvalidOrder, "limit price must be positive")
	}
	if req.FromAssetID == req.ToAssetID {
		return nil, errors.Wrap(models.ErrInvalidOrder, "from and to asset must differ")
	}

	from, err := g.ownedAsset(ctx, req.UserID, req.FromAssetID)
	if err != nil {
		return nil, err
	}
	to, err := g.ownedAsset(ctx, req.UserID, req.ToAssetID)
	if err != nil {
		return nil, err
	}

	market, ok := g.matcher.MarketFor(from.CurrencyID, to.CurrencyID)
	if !ok {
		return nil, errors.Wrapf(models.ErrInvalidOrder, "no market trades currency %d against %d", from.CurrencyID, to.CurrencyID)
	}
	side := market.SideOf(from.CurrencyID)
	if !settlement.Fits(req.Amount, req.LimitPrice, market) {
		return nil, errors.Wrapf(models.ErrInvalidOrder, "order of %d at %s is worth more than a balance can hold",
			req.Amount, req.LimitPrice)
	}

	reserve := settlement.ReserveAmount(side, req.Amount, req.LimitPrice, market)
	if reserve <= 0 {
		return nil, errors.Wrap(models.ErrInvalidOrder, "order value rounds to zero")
	}
	if from.Available() < reserve {
		return nil, errors.Wrapf(models.ErrInsufficientBalance, "asset %d has %d available, order needs %d",
			from.ID, from.Available(), reserve)
	}

	now := g.now().UTC()
	order := models.Order{
		ID:          uuid.New(),
		UserID:      req.UserID,
		Market:      market.Name(),
		FromAssetID: from.ID,
		ToAssetID:   to.ID,
		Side:        side,
		Amount:      req.Amount,
		Remaining:   req.Amount,
		Reserved:    reserve,
		LimitPrice:  req.LimitPrice,
		Status:      models.OrderPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.store.CreateOrder(ctx, order); err != nil {
		return nil, errors.Wrap(err, "admit order")
	}

	res, err := g.matcher.Submit(ctx, order)
	if err != nil {
		g.logger.Warn("order not matched",
			zap.String("order", order.ID.String()),
			zap.String("market", order.Market),
			zap.Error(err))
		return res, err
	}

	g.logger.Info("order submitted",
		zap.String("order", order.ID.String()),
		zap.String("market", order.Market),
		zap.String("side", string(order.Side)),
		zap.Int64("amount", order.Amount),
		zap.String("limit_price", order.LimitPrice.String()),
		zap.Int("fills", len(res.Fills)),
		zap.String("status", string(res.Order.Status)))
	return res, nil
}

func (g *Gateway) ownedAsset(ctx context.Context, userID, assetID int64) (models.Asset, error) {
	a, err := g.store.GetAsset(ctx, assetID)
	if errors.Is(err, models.ErrNotFound) {
		return models.Asset{}, errors.Wrapf(models.ErrInvalidOrder, "unknown asset %d", assetID)
	}
	if err != nil {
		return models.Asset{}, err
	}
	w, err := g.store.GetWallet(ctx, a.WalletID)
	if err != nil {
		return models.Asset{}, errors.Wrapf(err, "wallet of asset %d", assetID)
	}
	if w.UserID != userID {
		return models.Asset{}, errors.Wrapf(models.ErrForbidden, "asset %d belongs to another user", assetID)
	}
	return a, nil
}

// CancelOrder cancels a live order owned by userID
func (g *Gateway) CancelOrder(ctx context.Context, userID int64, id uuid.UUID) (models.Order, error) {
	o, err := g.store.GetOrder(ctx, id)
	if err != nil {
		return models.Order{}, err
	}
	if o.UserID != userID {
		return models.Order{}, errors.Wrapf(models.ErrForbidden, "order %s belongs to another user", id)
	}
	if o.Status.Terminal() {
		return o, errors.Wrapf(models.ErrInvalidState, "order %s is already %s", id, o.Status)
	}
	return g.matcher.Cancel(ctx, o.Market, id)
}

// GetOrder returns the current state of an order
func (g *Gateway) GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error) {
	return g.store.GetOrder(ctx, id)
}

// BookSnapshot returns the aggregated depth of a market
func (g *Gateway) BookSnapshot(ctx context.Context, market string, depth int) (models.BookSnapshot, error) {
	return g.matcher.Snapshot(ctx, market, depth)
}

// ExpireStale expires every resting order created before cutoff and returns how many it expired
func (g *Gateway) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	orders, err := g.store.ListRestingOrders(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "list resting orders")
	}

	expired := 0
	for _, o := range orders {
		_, err := g.matcher.Expire(ctx, o.Market, o.ID)
		if errors.Is(err, models.ErrInvalidState) {
			// filled or cancelled since it was listed
			continue
		}
		if err != nil {
			return expired, errors.Wrapf(err, "expire order %s", o.ID)
		}
		expired++
	}
	if expired > 0 {
		g.logger.Info("expired stale orders", zap.Int("orders", expired), zap.Time("cutoff", cutoff))
	}
	return expired, nil
}
