// Package orderbook keeps the resting orders of one market in price/time priority.
//
// Price levels are indexed by a btree ordered best-first for each side, and each
// level holds its orders in a FIFO list. The book stores order ids and the few
// fields needed for matching; the full order records live with the caller.
package orderbook

import (
	"container/list"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/virtuex/internal/models"
)

const btreeDegree = 32

// Entry is a resting order as seen by the book
type Entry struct {
	OrderID   uuid.UUID
	Side      models.Side
	Price     decimal.Decimal
	Remaining int64
	CreatedAt time.Time
}

// priceLevel holds FIFO orders for one price
type priceLevel struct {
	price  decimal.Decimal
	orders *list.List // of *Entry, oldest first
	total  int64
}

type orderRef struct {
	level *priceLevel
	elem  *list.Element
}

// Book is the order book of a single market. It is not safe for concurrent use;
// the owning matching worker serializes all access.
type Book struct {
	market string

	bids *btree.BTreeG[*priceLevel] // highest price first
	asks *btree.BTreeG[*priceLevel] // lowest price first

	bestBid *priceLevel
	bestAsk *priceLevel

	ordersByID map[uuid.UUID]orderRef
}

// New creates an empty book for market
func New(market string) *Book {
	return &Book{
		market: market,
		bids: btree.NewG[*priceLevel](btreeDegree, func(a, b *priceLevel) bool {
			return a.price.GreaterThan(b.price)
		}),
		asks: btree.NewG[*priceLevel](btreeDegree, func(a, b *priceLevel) bool {
			return a.price.LessThan(b.price)
		}),
		ordersByID: make(map[uuid.UUID]orderRef),
	}
}

// Market returns the market this book belongs to
func (b *Book) Market() string {
	return b.market
}

// Len returns the number of resting orders
func (b *Book) Len() int {
	return len(b.ordersByID)
}

// Insert adds a resting order
func (b *Book) Insert(e Entry) error {
	if e.Remaining <= 0 {
		return errors.Wrapf(models.ErrInvalidOrder, "order %s has nothing left to rest", e.OrderID)
	}
	if !e.Price.IsPositive() {
		return errors.Wrapf(models.ErrInvalidOrder, "order %s has non-positive price", e.OrderID)
	}
	if e.Side != models.SideBuy && e.Side != models.SideSell {
		return errors.Wrapf(models.ErrInvalidOrder, "order %s has unknown side %q", e.OrderID, e.Side)
	}
	if _, exists := b.ordersByID[e.OrderID]; exists {
		return errors.Wrapf(models.ErrInvalidState, "order %s already rests in book %s", e.OrderID, b.market)
	}

	entry := e

	tree := b.side(e.Side)
	lvl, ok := tree.Get(&priceLevel{price: e.Price})
	if !ok {
		lvl = &priceLevel{price: e.Price, orders: list.New()}
		tree.ReplaceOrInsert(lvl)
		b.refreshBest(e.Side)
	}

	b.ordersByID[e.OrderID] = orderRef{level: lvl, elem: lvl.enqueue(&entry)}
	lvl.total += entry.Remaining
	return nil
}

// BestBid returns the top-priority buy order
func (b *Book) BestBid() (Entry, bool) {
	return b.bestBid.front()
}

// BestAsk returns the top-priority sell order
func (b *Book) BestAsk() (Entry, bool) {
	return b.bestAsk.front()
}

// Best returns the top-priority order on the given side
func (b *Book) Best(side models.Side) (Entry, bool) {
	if side == models.SideBuy {
		return b.BestBid()
	}
	return b.BestAsk()
}

// Get returns the resting entry for id
func (b *Book) Get(id uuid.UUID) (Entry, bool) {
	ref, ok := b.ordersByID[id]
	if !ok {
		return Entry{}, false
	}
	return *ref.elem.Value.(*Entry), true
}

// Remove cancels a resting order
func (b *Book) Remove(id uuid.UUID) (Entry, error) {
	ref, ok := b.ordersByID[id]
	if !ok {
		return Entry{}, errors.Wrapf(models.ErrNotFound, "order %s is not resting in book %s", id, b.market)
	}
	e := *ref.elem.Value.(*Entry)
	b.unlink(id, ref)
	return e, nil
}

// Reduce takes filled off the remaining amount of a resting order, removing it once nothing is left
func (b *Book) Reduce(id uuid.UUID, filled int64) (Entry, error) {
	ref, ok := b.ordersByID[id]
	if !ok {
		return Entry{}, errors.Wrapf(models.ErrNotFound, "order %s is not resting in book %s", id, b.market)
	}
	e := ref.elem.Value.(*Entry)
	if filled <= 0 || filled > e.Remaining {
		return *e, errors.Wrapf(models.ErrInvalidState, "cannot reduce order %s by %d, remaining %d", id, filled, e.Remaining)
	}

	e.Remaining -= filled
	ref.level.total -= filled
	out := *e
	if e.Remaining == 0 {
		b.unlink(id, ref)
	}
	return out, nil
}

// Snapshot aggregates up to depth levels per side (all when depth <= 0)
func (b *Book) Snapshot(depth int) models.BookSnapshot {
	return models.BookSnapshot{
		Market: b.market,
		Bids:   collectLevels(b.bids, depth),
		Asks:   collectLevels(b.asks, depth),
	}
}

// Entries returns the resting orders of one side in priority order
func (b *Book) Entries(side models.Side) []Entry {
	var out []Entry
	b.side(side).Ascend(func(lvl *priceLevel) bool {
		for el := lvl.orders.Front(); el != nil; el = el.Next() {
			out = append(out, *el.Value.(*Entry))
		}
		return true
	})
	return out
}

func (b *Book) unlink(id uuid.UUID, ref orderRef) {
	e := ref.elem.Value.(*Entry)
	ref.level.total -= e.Remaining
	ref.level.orders.Remove(ref.elem)
	delete(b.ordersByID, id)

	if ref.level.orders.Len() == 0 {
		b.side(e.Side).Delete(ref.level)
		b.refreshBest(e.Side)
	}
}

func (b *Book) side(s models.Side) *btree.BTreeG[*priceLevel] {
	if s == models.SideBuy {
		return b.bids
	}
	return b.asks
}

func (b *Book) refreshBest(s models.Side) {
	best, _ := b.side(s).Min()
	if s == models.SideBuy {
		b.bestBid = best
	} else {
		b.bestAsk = best
	}
}

// enqueue keeps the level ordered by created_at, then arrival
func (l *priceLevel) enqueue(e *Entry) *list.Element {
	for el := l.orders.Back(); el != nil; el = el.Prev() {
		if !e.CreatedAt.Before(el.Value.(*Entry).CreatedAt) {
			return l.orders.InsertAfter(e, el)
		}
	}
	return l.orders.PushFront(e)
}

func (l *priceLevel) front() (Entry, bool) {
	if l == nil || l.orders.Len() == 0 {
		return Entry{}, false
	}
	return *l.orders.Front().Value.(*Entry), true
}

func collectLevels(tree *btree.BTreeG[*priceLevel], depth int) []models.Level {
	out := make([]models.Level, 0)
	tree.Ascend(func(lvl *priceLevel) bool {
		out = append(out, models.Level{
			Price:  lvl.price,
			Amount: lvl.total,
			Orders: lvl.orders.Len(),
		})
		return depth <= 0 || len(out) < depth
	})
	return out
}
