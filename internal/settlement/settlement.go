// Package settlement turns fills into balance movements and durable records.
package settlement

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/virtuex/internal/models"
)

// Ledger applies a settlement atomically: every leg, both order updates, the
// fulfilled order and its transactions commit together or not at all.
// Implementations lock the touched asset rows in ascending id order.
type Ledger interface {
	ApplySettlement(ctx context.Context, s *models.Settlement) error
}

// Coordinator is the only writer of asset balances during trading
type Coordinator struct {
	ledger Ledger
	logger *zap.Logger
	now    func() time.Time
}

// NewCoordinator creates a settlement coordinator on top of ledger
func NewCoordinator(ledger Ledger, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		ledger: ledger,
		logger: logger,
		now:    time.Now,
	}
}

// Settle computes and applies the effect of fill. On error nothing was written.
func (c *Coordinator) Settle(ctx context.Context, market models.Market, fill models.Fill, buy, sell models.Order) (*models.Settlement, error) {
	s, err := Plan(market, fill, buy, sell, c.now().UTC())
	if err != nil {
		return nil, err
	}

	if err := c.ledger.ApplySettlement(ctx, s); err != nil {
		c.logger.Warn("settlement rejected",
			zap.String("market", fill.Market),
			zap.String("buy_order", fill.BuyOrderID.String()),
			zap.String("sell_order", fill.SellOrderID.String()),
			zap.Int64("amount", fill.Amount),
			zap.Error(err))
		return nil, errors.Wrap(err, "apply settlement")
	}

	c.logger.Debug("fill settled",
		zap.String("market", fill.Market),
		zap.String("fulfilled_order", s.Record.ID.String()),
		zap.Int64("amount", fill.Amount),
		zap.Int64("quote_amount", s.Record.QuoteAmount),
		zap.String("price", fill.Price.String()))
	return s, nil
}

// Plan builds the settlement of fill without touching any store.
// buy and sell are the order states before the fill.
func Plan(market models.Market, fill models.Fill, buy, sell models.Order, at time.Time) (*models.Settlement, error) {
	if buy.Side != models.SideBuy || sell.Side != models.SideSell {
		return nil, errors.Wrapf(models.ErrInvalidState, "fill pairs a %s order with a %s order", buy.Side, sell.Side)
	}
	if fill.Amount <= 0 || fill.Amount > buy.Remaining || fill.Amount > sell.Remaining {
		return nil, errors.Wrapf(models.ErrInvalidState, "fill of %d exceeds remaining (buy %d, sell %d)", fill.Amount, buy.Remaining, sell.Remaining)
	}

	quote := QuoteAmount(fill.Amount, fill.Price, market)
	if buy.Reserved < quote {
		return nil, errors.Wrapf(models.ErrInsufficientBalance, "buy order %s holds %d, fill costs %d", buy.ID, buy.Reserved, quote)
	}
	if sell.Reserved < fill.Amount {
		return nil, errors.Wrapf(models.ErrInsufficientBalance, "sell order %s holds %d, fill needs %d", sell.ID, sell.Reserved, fill.Amount)
	}

	buyReleased := buy.ApplyFill(fill.Amount, quote, at)
	sellReleased := sell.ApplyFill(fill.Amount, fill.Amount, at)

	record := models.FulfilledOrder{
		ID:          uuid.New(),
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Amount:      fill.Amount,
		QuoteAmount: quote,
		Price:       fill.Price,
		CreatedAt:   at,
	}

	legs := []models.Leg{
		{AssetID: sell.FromAssetID, Delta: -fill.Amount, ReservedDelta: -fill.Amount - sellReleased},
		{AssetID: buy.ToAssetID, Delta: fill.Amount},
		{AssetID: buy.FromAssetID, Delta: -quote, ReservedDelta: -quote - buyReleased},
		{AssetID: sell.ToAssetID, Delta: quote},
	}

	txs := make([]models.Transaction, 0, len(legs))
	for _, l := range legs {
		if l.Delta == 0 {
			continue
		}
		tx := models.Transaction{
			ID:               uuid.New(),
			AssetID:          l.AssetID,
			FulfilledOrderID: record.ID,
			Amount:           l.Delta,
			Direction:        models.DirectionIncoming,
			Status:           models.TransactionCompleted,
			CreatedAt:        at,
			UpdatedAt:        at,
		}
		if l.Delta < 0 {
			tx.Amount = -l.Delta
			tx.Direction = models.DirectionOutgoing
		}
		txs = append(txs, tx)
	}

	return &models.Settlement{
		Fill:         fill,
		Record:       record,
		Legs:         legs,
		Transactions: txs,
		Buy:          buy,
		Sell:         sell,
	}, nil
}

// maxUnits is the largest amount of smallest units a balance can hold
var maxUnits = decimal.NewFromInt(math.MaxInt64)

// Fits reports whether amount base units at price are worth a quote amount that
// a balance can hold, rounded up.
func Fits(amount int64, price decimal.Decimal, market models.Market) bool {
	return scaled(amount, price, market).Ceil().LessThanOrEqual(maxUnits)
}

// QuoteAmount converts amount base units at price into quote units, truncating toward zero.
// Price is in quote major units per base major unit. Values past the int64 range
// saturate at math.MaxInt64.
func QuoteAmount(amount int64, price decimal.Decimal, market models.Market) int64 {
	return clamp(scaled(amount, price, market).Truncate(0))
}

// ReserveAmount is what an order must hold at admission: the base amount for a
// sell, the quote cost at the limit price rounded up for a buy. A buy worth more
// than Fits allows saturates at math.MaxInt64.
func ReserveAmount(side models.Side, amount int64, price decimal.Decimal, market models.Market) int64 {
	if side == models.SideSell {
		return amount
	}
	return clamp(scaled(amount, price, market).Ceil())
}

func clamp(v decimal.Decimal) int64 {
	if v.GreaterThan(maxUnits) {
		return math.MaxInt64
	}
	return v.IntPart()
}

func scaled(amount int64, price decimal.Decimal, market models.Market) decimal.Decimal {
	return decimal.NewFromInt(amount).Mul(price).Shift(market.Quote.Precision - market.Base.Precision)
}
