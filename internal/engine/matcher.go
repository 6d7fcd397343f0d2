package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/virtuex/internal/models"
	"github.com/xtrntr/virtuex/internal/orderbook"
)

// Settler applies one fill to balances and order records. It must leave
// everything untouched when it returns an error.
type Settler interface {
	Settle(ctx context.Context, market models.Market, fill models.Fill, buy, sell models.Order) (*models.Settlement, error)
}

// MatchResult is the outcome of matching one incoming order
type MatchResult struct {
	Order       models.Order         `json:"order"`
	Fills       []models.Fill        `json:"fills"`
	Settlements []*models.Settlement `json:"-"`
	Resting     bool                 `json:"resting"`
}

// Matcher matches incoming orders of one market against its book.
// It is owned by a single worker goroutine.
type Matcher struct {
	market  models.Market
	book    *orderbook.Book
	resting map[uuid.UUID]*models.Order
	settler Settler
	now     func() time.Time
}

// NewMatcher creates a matcher with an empty book
func NewMatcher(market models.Market, settler Settler) *Matcher {
	return &Matcher{
		market:  market,
		book:    orderbook.New(market.Name()),
		resting: make(map[uuid.UUID]*models.Order),
		settler: settler,
		now:     time.Now,
	}
}

// Book exposes the underlying book for read-only use by the owner
func (m *Matcher) Book() *orderbook.Book {
	return m.book
}

// Resting returns the current record of a resting order
func (m *Matcher) Resting(id uuid.UUID) (models.Order, bool) {
	o, ok := m.resting[id]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

// MatchOrder matches incoming against the opposite side of the book in
// price/time priority. Every fill executes at the resting order's price and is
// settled before the book changes. If settlement fails, matching stops, the
// book keeps its state from before that fill and the incoming order is not
// rested; the caller decides how to close it.
func (m *Matcher) MatchOrder(ctx context.Context, incoming models.Order) (*MatchResult, error) {
	if incoming.Market != m.market.Name() {
		return nil, errors.Wrapf(models.ErrInvalidOrder, "order for %s sent to %s", incoming.Market, m.market.Name())
	}
	if !incoming.Resting() {
		return nil, errors.Wrapf(models.ErrInvalidState, "order %s is %s with %d remaining", incoming.ID, incoming.Status, incoming.Remaining)
	}

	res := &MatchResult{}
	order := incoming
	against := opposite(order.Side)

	var settleErr error
	for order.Remaining > 0 {
		best, ok := m.book.Best(against)
		if !ok || !crosses(order, best.Price) {
			break
		}
		maker, ok := m.resting[best.OrderID]
		if !ok {
			settleErr = errors.Wrapf(models.ErrInternalInconsistency, "order %s rests in book %s without a record", best.OrderID, m.market.Name())
			break
		}

		qty := min(order.Remaining, best.Remaining)
		fill := models.Fill{
			Market:    m.market.Name(),
			Amount:    qty,
			Price:     best.Price,
			Timestamp: m.now().UTC(),
		}
		buy, sell := order, *maker
		if order.Side == models.SideSell {
			buy, sell = *maker, order
		}
		fill.BuyOrderID, fill.SellOrderID = buy.ID, sell.ID

		s, err := m.settler.Settle(ctx, m.market, fill, buy, sell)
		if err != nil {
			settleErr = err
			break
		}

		if _, err := m.book.Reduce(best.OrderID, qty); err != nil {
			// the fill is already durable; the book can no longer be trusted
			settleErr = errors.Wrapf(models.ErrInternalInconsistency, "reduce %s after settlement: %v", best.OrderID, err)
			break
		}
		if order.Side == models.SideBuy {
			order, *maker = s.Buy, s.Sell
		} else {
			order, *maker = s.Sell, s.Buy
		}
		if maker.Remaining == 0 {
			delete(m.resting, maker.ID)
		}

		res.Fills = append(res.Fills, fill)
		res.Settlements = append(res.Settlements, s)
	}

	res.Order = order
	if settleErr != nil {
		return res, settleErr
	}
	if order.Remaining > 0 {
		if err := m.rest(order); err != nil {
			return res, err
		}
		res.Resting = true
	}
	return res, nil
}

// Restore puts a persisted resting order back into the book without matching
func (m *Matcher) Restore(o models.Order) error {
	if o.Market != m.market.Name() {
		return errors.Wrapf(models.ErrInvalidOrder, "order for %s restored into %s", o.Market, m.market.Name())
	}
	if !o.Resting() {
		return errors.Wrapf(models.ErrInvalidState, "order %s is %s and cannot rest", o.ID, o.Status)
	}
	return m.rest(o)
}

// Remove takes a resting order out of the book
func (m *Matcher) Remove(id uuid.UUID) (models.Order, error) {
	if _, err := m.book.Remove(id); err != nil {
		return models.Order{}, err
	}
	o := m.resting[id]
	delete(m.resting, id)
	if o == nil {
		return models.Order{}, errors.Wrapf(models.ErrInternalInconsistency, "order %s rested without a record", id)
	}
	return *o, nil
}

// Snapshot returns depth levels of each side, best first
func (m *Matcher) Snapshot(depth int) models.BookSnapshot {
	snap := m.book.Snapshot(depth)
	snap.Time = m.now().UTC()
	return snap
}

func (m *Matcher) rest(o models.Order) error {
	err := m.book.Insert(orderbook.Entry{
		OrderID:   o.ID,
		Side:      o.Side,
		Price:     o.LimitPrice,
		Remaining: o.Remaining,
		CreatedAt: o.CreatedAt,
	})
	if err != nil {
		return err
	}
	m.resting[o.ID] = &o
	return nil
}

// crosses reports whether o accepts a trade at price
func crosses(o models.Order, price decimal.Decimal) bool {
	if o.Side == models.SideBuy {
		return o.LimitPrice.GreaterThanOrEqual(price)
	}
	return o.LimitPrice.LessThanOrEqual(price)
}

func opposite(s models.Side) models.Side {
	if s == models.SideBuy {
		return models.SideSell
	}
	return models.SideBuy
}
