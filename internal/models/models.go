package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CurrencyType distinguishes fiat from crypto currencies
type CurrencyType string

const (
	CurrencyFiat   CurrencyType = "fiat"
	CurrencyCrypto CurrencyType = "crypto"
)

// Currency is a tradable unit; Precision is the number of decimal places of its smallest unit
type Currency struct {
	ID        int64        `json:"id"`
	Symbol    string       `json:"symbol"`
	Name      string       `json:"name"`
	Precision int32        `json:"precision"`
	Type      CurrencyType `json:"type"`
}

// User owns exactly one wallet
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Wallet groups the assets of a user
type Wallet struct {
	ID     int64 `json:"id"`
	UserID int64 `json:"user_id"`
}

// Asset is a wallet's holding of one currency, in smallest units.
// Reserved is the part of Amount held by resting orders.
type Asset struct {
	ID         int64     `json:"id"`
	WalletID   int64     `json:"wallet_id"`
	CurrencyID int64     `json:"currency_id"`
	Amount     int64     `json:"amount"`
	Reserved   int64     `json:"reserved"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Available returns the part of the balance not held by resting orders
func (a Asset) Available() int64 {
	return a.Amount - a.Reserved
}

// Side is derived from which asset of the market is being given away
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Order is a standing instruction to exchange Amount base units at LimitPrice.
// Reserved is what the order still holds on its from asset.
type Order struct {
	ID          uuid.UUID       `json:"id"`
	UserID      int64           `json:"user_id"`
	Market      string          `json:"market"`
	FromAssetID int64           `json:"from_asset_id"`
	ToAssetID   int64           `json:"to_asset_id"`
	Side        Side            `json:"side"`
	Amount      int64           `json:"amount"`
	Remaining   int64           `json:"remaining"`
	Reserved    int64           `json:"reserved"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
	Status      OrderStatus     `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Filled returns how much of the order has been matched so far
func (o Order) Filled() int64 {
	return o.Amount - o.Remaining
}

// Resting reports whether the order may sit in a book
func (o Order) Resting() bool {
	return o.Remaining > 0 && (o.Status == OrderPending || o.Status == OrderPartiallyFilled)
}

// ApplyFill records a match of matched base units that consumed spent units of the reservation.
// A filled order gives back whatever is left of its reservation.
func (o *Order) ApplyFill(matched, spent int64, at time.Time) (released int64) {
	o.Remaining -= matched
	o.Reserved -= spent
	o.UpdatedAt = at
	if o.Remaining == 0 {
		o.Status = OrderFilled
		released = o.Reserved
		o.Reserved = 0
		return released
	}
	o.Status = OrderPartiallyFilled
	return 0
}

// Fill is one match between a buy and a sell order. It is never persisted as is.
type Fill struct {
	Market      string          `json:"market"`
	BuyOrderID  uuid.UUID       `json:"buy_order_id"`
	SellOrderID uuid.UUID       `json:"sell_order_id"`
	Amount      int64           `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	Timestamp   time.Time       `json:"timestamp"`
}

// FulfilledOrder is the durable record of a settled fill
type FulfilledOrder struct {
	ID          uuid.UUID       `json:"id"`
	BuyOrderID  uuid.UUID       `json:"buy_order_id"`
	SellOrderID uuid.UUID       `json:"sell_order_id"`
	Amount      int64           `json:"amount"`
	QuoteAmount int64           `json:"quote_amount"`
	Price       decimal.Decimal `json:"price"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TransactionDirection tells whether a ledger entry added to or took from an asset
type TransactionDirection string

const (
	DirectionIncoming TransactionDirection = "in"
	DirectionOutgoing TransactionDirection = "out"
)

// TransactionStatus of a ledger entry
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// Transaction is a ledger entry for a balance movement on one asset
type Transaction struct {
	ID               uuid.UUID            `json:"id"`
	AssetID          int64                `json:"asset_id"`
	FulfilledOrderID uuid.UUID            `json:"fulfilled_order_id"`
	Amount           int64                `json:"amount"`
	Direction        TransactionDirection `json:"direction"`
	Status           TransactionStatus    `json:"status"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// Leg is the change applied to one asset row by a settlement.
// Delta moves Amount, ReservedDelta moves Reserved (never positive).
type Leg struct {
	AssetID       int64
	Delta         int64
	ReservedDelta int64
}

// Settlement is everything a single fill writes, applied all-or-nothing
type Settlement struct {
	Fill         Fill
	Record       FulfilledOrder
	Legs         []Leg
	Transactions []Transaction
	Buy          Order
	Sell         Order
}

// Level is one aggregated price level of a book snapshot
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Amount int64           `json:"amount"`
	Orders int             `json:"orders"`
}

// BookSnapshot is a read-only depth view of one market, best prices first
type BookSnapshot struct {
	Market string    `json:"market"`
	Bids   []Level   `json:"bids"`
	Asks   []Level   `json:"asks"`
	Time   time.Time `json:"time"`
}

// Apply moves the asset by one settlement leg, refusing any result that would
// leave a negative balance or a reservation larger than the balance
func (a *Asset) Apply(l Leg) error {
	amount := a.Amount + l.Delta
	reserved := a.Reserved + l.ReservedDelta
	if amount < 0 || reserved < 0 || reserved > amount {
		return ErrInsufficientBalance
	}
	a.Amount = amount
	a.Reserved = reserved
	return nil
}
