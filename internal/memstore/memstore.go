// Package memstore is an in-process implementation of the exchange repositories.
// It follows the same locking and atomicity rules as the PostgreSQL store and
// backs the tests and the memory storage mode.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/xtrntr/virtuex/internal/models"
)

type assetRow struct {
	walletID int64 // immutable, readable without mu
	mu       sync.Mutex
	asset    models.Asset
}

// Store keeps every record in memory. Asset rows carry their own lock and are
// always locked before mu, in ascending id order.
type Store struct {
	mu           sync.Mutex
	nextID       int64
	currencies   map[int64]models.Currency
	users        map[int64]models.User
	wallets      map[int64]models.Wallet
	assets       map[int64]*assetRow
	orders       map[uuid.UUID]models.Order
	fulfilled    []models.FulfilledOrder
	transactions []models.Transaction
	now          func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		currencies: make(map[int64]models.Currency),
		users:      make(map[int64]models.User),
		wallets:    make(map[int64]models.Wallet),
		assets:     make(map[int64]*assetRow),
		orders:     make(map[uuid.UUID]models.Order),
		now:        time.Now,
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// CreateCurrency inserts a currency and returns it with its id
func (s *Store) CreateCurrency(ctx context.Context, c models.Currency) (models.Currency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.currencies {
		if existing.Symbol == c.Symbol {
			return models.Currency{}, errors.Errorf("currency %s already exists", c.Symbol)
		}
	}
	c.ID = s.id()
	s.currencies[c.ID] = c
	return c, nil
}

// ListCurrencies returns every currency ordered by id
func (s *Store) ListCurrencies(ctx context.Context) ([]models.Currency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Currency, 0, len(s.currencies))
	for _, c := range s.currencies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateUser inserts a user together with its wallet
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (models.User, models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return models.User{}, models.Wallet{}, errors.Errorf("user %s already exists", username)
		}
	}
	u := models.User{ID: s.id(), Username: username, PasswordHash: passwordHash, CreatedAt: s.now().UTC()}
	w := models.Wallet{ID: s.id(), UserID: u.ID}
	s.users[u.ID] = u
	s.wallets[w.ID] = w
	return u, w, nil
}

// GetUserByUsername returns a user by name
func (s *Store) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return u, nil
		}
	}
	return models.User{}, errors.Wrapf(models.ErrNotFound, "user %s", username)
}

// GetWallet returns a wallet by id
func (s *Store) GetWallet(ctx context.Context, id int64) (models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return models.Wallet{}, errors.Wrapf(models.ErrNotFound, "wallet %d", id)
	}
	return w, nil
}

// CreateAsset funds a wallet with amount of a currency
func (s *Store) CreateAsset(ctx context.Context, walletID, currencyID, amount int64) (models.Asset, error) {
	if amount < 0 {
		return models.Asset{}, errors.New("asset amount must not be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[walletID]; !ok {
		return models.Asset{}, errors.Wrapf(models.ErrNotFound, "wallet %d", walletID)
	}
	if _, ok := s.currencies[currencyID]; !ok {
		return models.Asset{}, errors.Wrapf(models.ErrNotFound, "currency %d", currencyID)
	}
	now := s.now().UTC()
	a := models.Asset{ID: s.id(), WalletID: walletID, CurrencyID: currencyID, Amount: amount, CreatedAt: now, UpdatedAt: now}
	s.assets[a.ID] = &assetRow{walletID: walletID, asset: a}
	return a, nil
}

// GetAsset returns the current state of an asset
func (s *Store) GetAsset(ctx context.Context, id int64) (models.Asset, error) {
	row, err := s.row(id)
	if err != nil {
		return models.Asset{}, err
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	return row.asset, nil
}

// GetUserAssets returns every asset in a user's wallet ordered by id
func (s *Store) GetUserAssets(ctx context.Context, userID int64) ([]models.Asset, error) {
	s.mu.Lock()
	var rows []*assetRow
	for _, row := range s.assets {
		if w, ok := s.wallets[row.walletID]; ok && w.UserID == userID {
			rows = append(rows, row)
		}
	}
	s.mu.Unlock()

	out := make([]models.Asset, 0, len(rows))
	for _, row := range rows {
		row.mu.Lock()
		out = append(out, row.asset)
		row.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) row(id int64) (*assetRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.assets[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "asset %d", id)
	}
	return row, nil
}

// lockRows locks the given asset rows in ascending id order
func (s *Store) lockRows(ids []int64) (map[int64]*assetRow, func(), error) {
	ids = uniqueSorted(ids)
	rows := make(map[int64]*assetRow, len(ids))
	for _, id := range ids {
		row, err := s.row(id)
		if err != nil {
			return nil, nil, err
		}
		rows[id] = row
	}
	for _, id := range ids {
		rows[id].mu.Lock()
	}
	unlock := func() {
		for i := len(ids) - 1; i >= 0; i-- {
			rows[ids[i]].mu.Unlock()
		}
	}
	return rows, unlock, nil
}

// CreateOrder stores a new order and reserves o.Reserved on its from asset
func (s *Store) CreateOrder(ctx context.Context, o models.Order) error {
	rows, unlock, err := s.lockRows([]int64{o.FromAssetID})
	if err != nil {
		return err
	}
	defer unlock()

	row := rows[o.FromAssetID]
	if row.asset.Available() < o.Reserved {
		return errors.Wrapf(models.ErrInsufficientBalance, "asset %d has %d available, order needs %d",
			o.FromAssetID, row.asset.Available(), o.Reserved)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[o.ID]; exists {
		return errors.Errorf("order %s already exists", o.ID)
	}
	row.asset.Reserved += o.Reserved
	row.asset.UpdatedAt = s.now().UTC()
	s.orders[o.ID] = o
	return nil
}

// GetOrder returns an order by id
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return models.Order{}, errors.Wrapf(models.ErrNotFound, "order %s", id)
	}
	return o, nil
}

// GetUserOrders returns a user's orders, newest first
func (s *Store) GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListRestingOrders returns pending and partially filled orders created before cutoff, oldest first
func (s *Store) ListRestingOrders(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.Resting() && o.CreatedAt.Before(cutoff) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CloseOrder moves a live order to a terminal status and releases what it still holds
func (s *Store) CloseOrder(ctx context.Context, id uuid.UUID, status models.OrderStatus) (models.Order, error) {
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return models.Order{}, err
	}

	rows, unlock, err := s.lockRows([]int64{o.FromAssetID})
	if err != nil {
		return models.Order{}, err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	o = s.orders[id]
	if !o.Status.CanTransitionTo(status) || !status.Terminal() {
		return o, errors.Wrapf(models.ErrInvalidState, "order %s cannot go from %s to %s", id, o.Status, status)
	}

	row := rows[o.FromAssetID]
	if err := row.asset.Apply(models.Leg{AssetID: row.asset.ID, ReservedDelta: -o.Reserved}); err != nil {
		return o, errors.Wrapf(models.ErrInternalInconsistency, "release of order %s on asset %d: %v", id, row.asset.ID, err)
	}
	now := s.now().UTC()
	row.asset.UpdatedAt = now
	o.Reserved = 0
	o.Status = status
	o.UpdatedAt = now
	s.orders[id] = o
	return o, nil
}

// ApplySettlement applies every leg and record of a settlement atomically
func (s *Store) ApplySettlement(ctx context.Context, st *models.Settlement) error {
	ids := make([]int64, 0, len(st.Legs))
	for _, l := range st.Legs {
		ids = append(ids, l.AssetID)
	}
	rows, unlock, err := s.lockRows(ids)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range []models.Order{st.Buy, st.Sell} {
		current, ok := s.orders[o.ID]
		if !ok {
			return errors.Wrapf(models.ErrNotFound, "order %s", o.ID)
		}
		if !current.Status.CanTransitionTo(o.Status) {
			return errors.Wrapf(models.ErrInvalidState, "order %s cannot go from %s to %s", o.ID, current.Status, o.Status)
		}
	}

	staged := make(map[int64]models.Asset, len(rows))
	for id, row := range rows {
		staged[id] = row.asset
	}
	for _, l := range st.Legs {
		a := staged[l.AssetID]
		if err := a.Apply(l); err != nil {
			return errors.Wrapf(err, "asset %d: amount %d reserved %d, leg %+d/%+d",
				a.ID, a.Amount, a.Reserved, l.Delta, l.ReservedDelta)
		}
		staged[l.AssetID] = a
	}

	now := s.now().UTC()
	for id, a := range staged {
		a.UpdatedAt = now
		rows[id].asset = a
	}
	s.orders[st.Buy.ID] = st.Buy
	s.orders[st.Sell.ID] = st.Sell
	s.fulfilled = append(s.fulfilled, st.Record)
	s.transactions = append(s.transactions, st.Transactions...)
	return nil
}

// GetOrderFills returns the settled fills an order took part in
func (s *Store) GetOrderFills(ctx context.Context, orderID uuid.UUID) ([]models.FulfilledOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FulfilledOrder
	for _, f := range s.fulfilled {
		if f.BuyOrderID == orderID || f.SellOrderID == orderID {
			out = append(out, f)
		}
	}
	return out, nil
}

// GetAssetTransactions returns the ledger entries of an asset, newest first
func (s *Store) GetAssetTransactions(ctx context.Context, assetID int64) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].AssetID == assetID {
			out = append(out, s.transactions[i])
		}
	}
	return out, nil
}

func uniqueSorted(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
