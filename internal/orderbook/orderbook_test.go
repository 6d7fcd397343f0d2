package orderbook

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/virtuex/internal/models"
)

var t0 = time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

func newEntry(side models.Side, price string, qty int64, offset time.Duration) Entry {
	return Entry{
		OrderID:   uuid.New(),
		Side:      side,
		Price:     decimal.RequireFromString(price),
		Remaining: qty,
		CreatedAt: t0.Add(offset),
	}
}

func TestBook_InsertAndBest(t *testing.T) {
	b := New("BTC-USD")

	_, ok := b.BestBid()
	assert.False(t, ok, "empty book has no best bid")
	_, ok = b.BestAsk()
	assert.False(t, ok, "empty book has no best ask")

	bids := []Entry{
		newEntry(models.SideBuy, "100", 1, 0),
		newEntry(models.SideBuy, "101.5", 2, time.Second),
		newEntry(models.SideBuy, "99", 3, 2*time.Second),
	}
	asks := []Entry{
		newEntry(models.SideSell, "105", 1, 0),
		newEntry(models.SideSell, "103", 2, time.Second),
		newEntry(models.SideSell, "104", 3, 2*time.Second),
	}
	for _, e := range append(bids, asks...) {
		require.NoError(t, b.Insert(e))
	}

	bestBid, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, bids[1].OrderID, bestBid.OrderID, "highest bid wins")

	bestAsk, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, asks[1].OrderID, bestAsk.OrderID, "lowest ask wins")
	assert.Equal(t, 6, b.Len())
}

func TestBook_TimePriorityWithinLevel(t *testing.T) {
	b := New("BTC-USD")

	late := newEntry(models.SideSell, "100", 1, 2*time.Second)
	early := newEntry(models.SideSell, "100", 1, time.Second)
	sameAsEarly := newEntry(models.SideSell, "100.00", 1, time.Second)

	// inserted out of created_at order on purpose
	require.NoError(t, b.Insert(late))
	require.NoError(t, b.Insert(early))
	require.NoError(t, b.Insert(sameAsEarly))

	got := b.Entries(models.SideSell)
	require.Len(t, got, 3)
	assert.Equal(t, early.OrderID, got[0].OrderID)
	assert.Equal(t, sameAsEarly.OrderID, got[1].OrderID, "equal timestamps keep arrival order")
	assert.Equal(t, late.OrderID, got[2].OrderID)

	snap := b.Snapshot(0)
	require.Len(t, snap.Asks, 1, "100 and 100.00 share a level")
	assert.Equal(t, int64(3), snap.Asks[0].Amount)
	assert.Equal(t, 3, snap.Asks[0].Orders)
}

func TestBook_InsertRejects(t *testing.T) {
	b := New("BTC-USD")
	e := newEntry(models.SideBuy, "10", 5, 0)
	require.NoError(t, b.Insert(e))

	tests := []struct {
		name  string
		entry Entry
		want  error
	}{
		{"Duplicate", e, models.ErrInvalidState},
		{"ZeroRemaining", newEntry(models.SideBuy, "10", 0, 0), models.ErrInvalidOrder},
		{"ZeroPrice", newEntry(models.SideBuy, "0", 1, 0), models.ErrInvalidOrder},
		{"UnknownSide", newEntry(models.Side("hold"), "10", 1, 0), models.ErrInvalidOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, b.Insert(tt.entry), tt.want)
		})
	}
	assert.Equal(t, 1, b.Len())
}

func TestBook_RemoveRemovesEmptyLevel(t *testing.T) {
	b := New("BTC-USD")
	o1 := newEntry(models.SideBuy, "99", 5, 0)
	o2 := newEntry(models.SideBuy, "98", 5, 0)
	require.NoError(t, b.Insert(o1))
	require.NoError(t, b.Insert(o2))

	removed, err := b.Remove(o1.OrderID)
	require.NoError(t, err)
	assert.Equal(t, o1.OrderID, removed.OrderID)

	best, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, o2.OrderID, best.OrderID, "next level becomes best")
	assert.Len(t, b.Snapshot(0).Bids, 1)

	_, err = b.Remove(o1.OrderID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = b.Remove(o2.OrderID)
	require.NoError(t, err)
	_, ok = b.BestBid()
	assert.False(t, ok)
}

func TestBook_Reduce(t *testing.T) {
	b := New("ETH-USD")
	o := newEntry(models.SideSell, "2000", 10, 0)
	require.NoError(t, b.Insert(o))

	left, err := b.Reduce(o.OrderID, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(6), left.Remaining)
	assert.Equal(t, int64(6), b.Snapshot(0).Asks[0].Amount)

	_, err = b.Reduce(o.OrderID, 7)
	assert.ErrorIs(t, err, models.ErrInvalidState, "cannot overfill")

	_, err = b.Reduce(o.OrderID, 0)
	assert.ErrorIs(t, err, models.ErrInvalidState)

	left, err = b.Reduce(o.OrderID, 6)
	require.NoError(t, err)
	assert.Zero(t, left.Remaining)

	_, ok := b.Get(o.OrderID)
	assert.False(t, ok, "fully reduced order leaves the book")
	assert.Zero(t, b.Len())
	assert.Empty(t, b.Snapshot(0).Asks)

	_, err = b.Reduce(o.OrderID, 1)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestBook_SnapshotDepth(t *testing.T) {
	b := New("BTC-USD")
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Insert(newEntry(models.SideBuy, decimal.NewFromInt(int64(100+i)).String(), 1, 0)))
		require.NoError(t, b.Insert(newEntry(models.SideSell, decimal.NewFromInt(int64(200+i)).String(), 2, 0)))
	}

	snap := b.Snapshot(3)
	require.Len(t, snap.Bids, 3)
	require.Len(t, snap.Asks, 3)
	assert.True(t, snap.Bids[0].Price.Equal(decimal.NewFromInt(109)))
	assert.True(t, snap.Bids[2].Price.Equal(decimal.NewFromInt(107)))
	assert.True(t, snap.Asks[0].Price.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, int64(2), snap.Asks[0].Amount)
	assert.Equal(t, "BTC-USD", snap.Market)

	assert.Len(t, b.Snapshot(0).Bids, 10)
}
