package db

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/virtuex/internal/models"
	"github.com/xtrntr/virtuex/internal/settlement"
)

var testDB *DB

func TestMain(m *testing.M) {
	url := os.Getenv("VIRTUEX_TEST_DATABASE_URL")
	if url == "" {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	db, err := NewDB(ctx, url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	if err := db.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	db.Close()
	os.Exit(code)
}

func setup(t *testing.T) context.Context {
	t.Helper()
	if testDB == nil {
		t.Skip("VIRTUEX_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	_, err := testDB.Pool.Exec(ctx,
		"TRUNCATE TABLE transactions, fulfilled_orders, orders, assets, wallets, users, currencies RESTART IDENTITY CASCADE")
	require.NoError(t, err)
	return ctx
}

type seeded struct {
	market        models.Market
	seller, buyer models.User
	sellerBTC     models.Asset
	sellerUSD     models.Asset
	buyerBTC      models.Asset
	buyerUSD      models.Asset
}

func seed(t *testing.T, ctx context.Context) seeded {
	t.Helper()
	btc, err := testDB.CreateCurrency(ctx, models.Currency{Symbol: "BTC", Name: "Bitcoin", Precision: 8, Type: models.CurrencyCrypto})
	require.NoError(t, err)
	usd, err := testDB.CreateCurrency(ctx, models.Currency{Symbol: "USD", Name: "US Dollar", Precision: 2, Type: models.CurrencyFiat})
	require.NoError(t, err)

	var s seeded
	s.market = models.Market{Base: btc, Quote: usd}
	var sw, bw models.Wallet
	s.seller, sw, err = testDB.CreateUser(ctx, "seller", "hash")
	require.NoError(t, err)
	s.buyer, bw, err = testDB.CreateUser(ctx, "buyer", "hash")
	require.NoError(t, err)
	s.sellerBTC, err = testDB.CreateAsset(ctx, sw.ID, btc.ID, 100_000_000)
	require.NoError(t, err)
	s.sellerUSD, err = testDB.CreateAsset(ctx, sw.ID, usd.ID, 0)
	require.NoError(t, err)
	s.buyerBTC, err = testDB.CreateAsset(ctx, bw.ID, btc.ID, 0)
	require.NoError(t, err)
	s.buyerUSD, err = testDB.CreateAsset(ctx, bw.ID, usd.ID, 5_000_000)
	require.NoError(t, err)
	return s
}

func newOrder(s seeded, side models.Side, amount int64, price string) models.Order {
	limit := decimal.RequireFromString(price)
	now := time.Now().UTC().Truncate(time.Microsecond)
	o := models.Order{
		ID:          uuid.New(),
		UserID:      s.seller.ID,
		Market:      s.market.Name(),
		FromAssetID: s.sellerBTC.ID,
		ToAssetID:   s.sellerUSD.ID,
		Side:        side,
		Amount:      amount,
		Remaining:   amount,
		Reserved:    settlement.ReserveAmount(side, amount, limit, s.market),
		LimitPrice:  limit,
		Status:      models.OrderPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if side == models.SideBuy {
		o.UserID, o.FromAssetID, o.ToAssetID = s.buyer.ID, s.buyerUSD.ID, s.buyerBTC.ID
	}
	return o
}

func TestDB_CreateOrder(t *testing.T) {
	ctx := setup(t)
	s := seed(t, ctx)

	tests := []struct {
		name    string
		order   models.Order
		wantErr error
	}{
		{"Success", newOrder(s, models.SideSell, 60_000_000, "30000.50"), nil},
		{"OverReserve", newOrder(s, models.SideSell, 60_000_000, "30000"), models.ErrInsufficientBalance},
		{"UnknownAsset", func() models.Order {
			o := newOrder(s, models.SideSell, 1, "1")
			o.FromAssetID = 999
			return o
		}(), models.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := testDB.CreateOrder(ctx, tt.order)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			got, err := testDB.GetOrder(ctx, tt.order.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.order.ID, got.ID)
			assert.Equal(t, models.SideSell, got.Side)
			assert.True(t, got.LimitPrice.Equal(tt.order.LimitPrice))
			assert.Equal(t, models.OrderPending, got.Status)
		})
	}

	a, err := testDB.GetAsset(ctx, s.sellerBTC.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000_000), a.Reserved)

	_, err = testDB.GetOrder(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDB_CloseOrder(t *testing.T) {
	ctx := setup(t)
	s := seed(t, ctx)

	o := newOrder(s, models.SideBuy, 10_000_000, "30000")
	require.NoError(t, testDB.CreateOrder(ctx, o))

	closed, err := testDB.CloseOrder(ctx, o.ID, models.OrderCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, closed.Status)

	a, err := testDB.GetAsset(ctx, s.buyerUSD.ID)
	require.NoError(t, err)
	assert.Zero(t, a.Reserved)

	_, err = testDB.CloseOrder(ctx, o.ID, models.OrderCancelled)
	assert.ErrorIs(t, err, models.ErrInvalidState)

	resting, err := testDB.ListRestingOrders(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, resting)
}

func TestDB_ApplySettlement(t *testing.T) {
	ctx := setup(t)
	s := seed(t, ctx)

	sell := newOrder(s, models.SideSell, 60_000_000, "30000")
	buy := newOrder(s, models.SideBuy, 100_000_000, "30000")
	require.NoError(t, testDB.CreateOrder(ctx, sell))
	require.NoError(t, testDB.CreateOrder(ctx, buy))

	c := settlement.NewCoordinator(testDB, nil)
	fill := models.Fill{Market: s.market.Name(), BuyOrderID: buy.ID, SellOrderID: sell.ID, Amount: 60_000_000, Price: decimal.NewFromInt(30000)}
	st, err := c.Settle(ctx, s.market, fill, buy, sell)
	require.NoError(t, err)

	balance := func(id int64) models.Asset {
		a, err := testDB.GetAsset(ctx, id)
		require.NoError(t, err)
		return a
	}
	assert.Equal(t, int64(40_000_000), balance(s.sellerBTC.ID).Amount)
	assert.Zero(t, balance(s.sellerBTC.ID).Reserved)
	assert.Equal(t, int64(1_800_000), balance(s.sellerUSD.ID).Amount)
	assert.Equal(t, int64(60_000_000), balance(s.buyerBTC.ID).Amount)
	assert.Equal(t, int64(3_200_000), balance(s.buyerUSD.ID).Amount)
	assert.Equal(t, int64(1_200_000), balance(s.buyerUSD.ID).Reserved)

	fills, err := testDB.GetOrderFills(ctx, sell.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, st.Record.ID, fills[0].ID)
	assert.Equal(t, int64(1_800_000), fills[0].QuoteAmount)

	txs, err := testDB.GetAssetTransactions(ctx, s.buyerUSD.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.DirectionOutgoing, txs[0].Direction)

	got, err := testDB.GetOrder(ctx, sell.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, got.Status)

	// the sell order is filled; replaying against it must roll back entirely
	_, err = c.Settle(ctx, s.market, models.Fill{Market: s.market.Name(), Amount: 1, Price: decimal.NewFromInt(30000)}, st.Buy, sell)
	assert.ErrorIs(t, err, models.ErrInvalidState)
	assert.Equal(t, int64(3_200_000), balance(s.buyerUSD.ID).Amount)
}

func TestDB_ConcurrentSettlementsDoNotDeadlock(t *testing.T) {
	ctx := setup(t)
	s := seed(t, ctx)
	c := settlement.NewCoordinator(testDB, nil)

	var pairs [][2]models.Order
	for i := 0; i < 10; i++ {
		sell := newOrder(s, models.SideSell, 1_000_000, "30000")
		buy := newOrder(s, models.SideBuy, 1_000_000, "30000")
		require.NoError(t, testDB.CreateOrder(ctx, sell))
		require.NoError(t, testDB.CreateOrder(ctx, buy))
		pairs = append(pairs, [2]models.Order{buy, sell})
	}

	var wg sync.WaitGroup
	for _, p := range pairs {
		wg.Add(1)
		go func(buy, sell models.Order) {
			defer wg.Done()
			fill := models.Fill{Market: s.market.Name(), BuyOrderID: buy.ID, SellOrderID: sell.ID, Amount: 1_000_000, Price: decimal.NewFromInt(30000)}
			_, err := c.Settle(ctx, s.market, fill, buy, sell)
			assert.NoError(t, err)
		}(p[0], p[1])
	}
	wg.Wait()

	btc, err := testDB.GetAsset(ctx, s.buyerBTC.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), btc.Amount)
	usd, err := testDB.GetAsset(ctx, s.sellerUSD.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300_000), usd.Amount)
}
