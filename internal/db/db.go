package db

import (
	"context"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/virtuex/internal/models"
	"github.com/xtrntr/virtuex/migrations"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to reach database")
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate applies the embedded schema files in name order
func (db *DB) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return errors.Wrap(err, "failed to list migrations")
	}
	sort.Strings(names)
	for _, name := range names {
		script, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return errors.Wrapf(err, "failed to read migration %s", name)
		}
		if _, err := db.Pool.Exec(ctx, string(script)); err != nil {
			return errors.Wrapf(err, "failed to apply migration %s", name)
		}
	}
	return nil
}

// CreateCurrency inserts a new currency
func (db *DB) CreateCurrency(ctx context.Context, c models.Currency) (models.Currency, error) {
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO currencies (symbol, name, precision, type) VALUES ($1, $2, $3, $4) RETURNING id",
		c.Symbol, c.Name, c.Precision, string(c.Type)).Scan(&c.ID)
	if err != nil {
		return models.Currency{}, errors.Wrap(err, "failed to create currency")
	}
	return c, nil
}

// ListCurrencies retrieves all currencies ordered by id
func (db *DB) ListCurrencies(ctx context.Context) ([]models.Currency, error) {
	rows, err := db.Pool.Query(ctx, "SELECT id, symbol, name, precision, type FROM currencies ORDER BY id")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list currencies")
	}
	defer rows.Close()

	var out []models.Currency
	for rows.Next() {
		var c models.Currency
		var typ string
		if err := rows.Scan(&c.ID, &c.Symbol, &c.Name, &c.Precision, &typ); err != nil {
			return nil, errors.Wrap(err, "failed to scan currency")
		}
		c.Type = models.CurrencyType(typ)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateUser inserts a new user together with its wallet
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (models.User, models.Wallet, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return models.User{}, models.Wallet{}, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	var u models.User
	err = tx.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return models.User{}, models.Wallet{}, errors.Wrap(err, "failed to create user")
	}

	w := models.Wallet{UserID: u.ID}
	if err := tx.QueryRow(ctx, "INSERT INTO wallets (user_id) VALUES ($1) RETURNING id", u.ID).Scan(&w.ID); err != nil {
		return models.User{}, models.Wallet{}, errors.Wrap(err, "failed to create wallet")
	}

	if err := tx.Commit(ctx); err != nil {
		return models.User{}, models.Wallet{}, errors.Wrap(err, "failed to commit transaction")
	}
	return u, w, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	var u models.User
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, errors.Wrapf(models.ErrNotFound, "user %s", username)
	}
	if err != nil {
		return models.User{}, errors.Wrap(err, "failed to get user")
	}
	return u, nil
}

// GetWallet retrieves a wallet by id
func (db *DB) GetWallet(ctx context.Context, id int64) (models.Wallet, error) {
	w := models.Wallet{ID: id}
	err := db.Pool.QueryRow(ctx, "SELECT user_id FROM wallets WHERE id = $1", id).Scan(&w.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Wallet{}, errors.Wrapf(models.ErrNotFound, "wallet %d", id)
	}
	if err != nil {
		return models.Wallet{}, errors.Wrap(err, "failed to get wallet")
	}
	return w, nil
}

const assetColumns = "id, wallet_id, currency_id, amount, reserved, created_at, updated_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanAsset(row scanner) (models.Asset, error) {
	var a models.Asset
	err := row.Scan(&a.ID, &a.WalletID, &a.CurrencyID, &a.Amount, &a.Reserved, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// CreateAsset funds a wallet with amount of a currency
func (db *DB) CreateAsset(ctx context.Context, walletID, currencyID, amount int64) (models.Asset, error) {
	a, err := scanAsset(db.Pool.QueryRow(ctx,
		"INSERT INTO assets (wallet_id, currency_id, amount) VALUES ($1, $2, $3) RETURNING "+assetColumns,
		walletID, currencyID, amount))
	if err != nil {
		return models.Asset{}, errors.Wrap(err, "failed to create asset")
	}
	return a, nil
}

// GetAsset retrieves an asset by id
func (db *DB) GetAsset(ctx context.Context, id int64) (models.Asset, error) {
	a, err := scanAsset(db.Pool.QueryRow(ctx, "SELECT "+assetColumns+" FROM assets WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Asset{}, errors.Wrapf(models.ErrNotFound, "asset %d", id)
	}
	if err != nil {
		return models.Asset{}, errors.Wrap(err, "failed to get asset")
	}
	return a, nil
}

// GetUserAssets retrieves every asset in a user's wallet
func (db *DB) GetUserAssets(ctx context.Context, userID int64) ([]models.Asset, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT a.id, a.wallet_id, a.currency_id, a.amount, a.reserved, a.created_at, a.updated_at "+
			"FROM assets a JOIN wallets w ON a.wallet_id = w.id WHERE w.user_id = $1 ORDER BY a.id",
		userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get user assets")
	}
	defer rows.Close()

	var out []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan asset")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const orderColumns = "id, user_id, market, from_asset_id, to_asset_id, side, amount, remaining, reserved, limit_price::text, status, created_at, updated_at"

func scanOrder(row scanner) (models.Order, error) {
	var o models.Order
	var side, status, price string
	err := row.Scan(&o.ID, &o.UserID, &o.Market, &o.FromAssetID, &o.ToAssetID, &side,
		&o.Amount, &o.Remaining, &o.Reserved, &price, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return models.Order{}, err
	}
	o.Side = models.Side(side)
	o.Status = models.OrderStatus(status)
	o.LimitPrice, err = decimal.NewFromString(price)
	if err != nil {
		return models.Order{}, errors.Wrapf(err, "order %s has malformed limit price %q", o.ID, price)
	}
	return o, nil
}

func scanOrders(rows pgx.Rows) ([]models.Order, error) {
	defer rows.Close()
	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan order")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CreateOrder inserts a new order and reserves o.Reserved on its from asset
func (db *DB) CreateOrder(ctx context.Context, o models.Order) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	var amount, reserved int64
	err = tx.QueryRow(ctx, "SELECT amount, reserved FROM assets WHERE id = $1 FOR UPDATE", o.FromAssetID).Scan(&amount, &reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(models.ErrNotFound, "asset %d", o.FromAssetID)
	}
	if err != nil {
		return errors.Wrap(err, "failed to lock asset")
	}
	if amount-reserved < o.Reserved {
		return errors.Wrapf(models.ErrInsufficientBalance, "asset %d has %d available, order needs %d",
			o.FromAssetID, amount-reserved, o.Reserved)
	}

	if _, err := tx.Exec(ctx, "UPDATE assets SET reserved = reserved + $2, updated_at = NOW() WHERE id = $1",
		o.FromAssetID, o.Reserved); err != nil {
		return errors.Wrap(err, "failed to reserve balance")
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO orders (id, user_id, market, from_asset_id, to_asset_id, side, amount, remaining, reserved, limit_price, status, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13)",
		o.ID, o.UserID, o.Market, o.FromAssetID, o.ToAssetID, string(o.Side),
		o.Amount, o.Remaining, o.Reserved, o.LimitPrice.String(), string(o.Status), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to create order")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// GetOrder retrieves an order by id
func (db *DB) GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error) {
	o, err := scanOrder(db.Pool.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, errors.Wrapf(models.ErrNotFound, "order %s", id)
	}
	if err != nil {
		return models.Order{}, errors.Wrap(err, "failed to get order")
	}
	return o, nil
}

// GetUserOrders retrieves all orders for a user, newest first
func (db *DB) GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get user orders")
	}
	return scanOrders(rows)
}

// ListRestingOrders retrieves pending and partially filled orders created before cutoff, oldest first
func (db *DB) ListRestingOrders(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('pending', 'partially_filled') AND remaining > 0 AND created_at < $1
		ORDER BY created_at ASC
	`, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list resting orders")
	}
	return scanOrders(rows)
}

// CloseOrder moves a live order to a terminal status and releases what it still holds
func (db *DB) CloseOrder(ctx context.Context, id uuid.UUID, status models.OrderStatus) (models.Order, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return models.Order{}, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	// asset rows are always locked before order rows
	var fromAssetID int64
	err = tx.QueryRow(ctx, "SELECT from_asset_id FROM orders WHERE id = $1", id).Scan(&fromAssetID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, errors.Wrapf(models.ErrNotFound, "order %s", id)
	}
	if err != nil {
		return models.Order{}, errors.Wrap(err, "failed to get order")
	}
	if _, err := tx.Exec(ctx, "SELECT id FROM assets WHERE id = $1 FOR UPDATE", fromAssetID); err != nil {
		return models.Order{}, errors.Wrap(err, "failed to lock asset")
	}

	o, err := scanOrder(tx.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return models.Order{}, errors.Wrap(err, "failed to lock order")
	}
	if !status.Terminal() || !o.Status.CanTransitionTo(status) {
		return o, errors.Wrapf(models.ErrInvalidState, "order %s cannot go from %s to %s", id, o.Status, status)
	}

	tag, err := tx.Exec(ctx,
		"UPDATE assets SET reserved = reserved - $2, updated_at = NOW() WHERE id = $1 AND reserved >= $2",
		fromAssetID, o.Reserved)
	if err != nil {
		return models.Order{}, errors.Wrap(err, "failed to release balance")
	}
	if tag.RowsAffected() == 0 {
		return models.Order{}, errors.Wrapf(models.ErrInternalInconsistency, "asset %d holds less than order %s reserved", fromAssetID, id)
	}

	o.Status = status
	o.Reserved = 0
	o.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx, "UPDATE orders SET status = $2, reserved = 0, updated_at = $3 WHERE id = $1",
		id, string(status), o.UpdatedAt); err != nil {
		return models.Order{}, errors.Wrap(err, "failed to close order")
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Order{}, errors.Wrap(err, "failed to commit transaction")
	}
	return o, nil
}

// ApplySettlement writes every leg, both order updates, the fulfilled order
// and its transactions in one transaction. Asset rows are locked in ascending id order.
func (db *DB) ApplySettlement(ctx context.Context, s *models.Settlement) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	assets, err := lockAssets(ctx, tx, s.Legs)
	if err != nil {
		return err
	}

	for _, o := range []models.Order{s.Buy, s.Sell} {
		tag, err := tx.Exec(ctx,
			"UPDATE orders SET remaining = $2, reserved = $3, status = $4, updated_at = $5 "+
				"WHERE id = $1 AND status IN ('pending', 'partially_filled') AND remaining >= $2",
			o.ID, o.Remaining, o.Reserved, string(o.Status), o.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, "failed to update order")
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(models.ErrInvalidState, "order %s is no longer live", o.ID)
		}
	}

	for _, l := range s.Legs {
		a := assets[l.AssetID]
		if err := a.Apply(l); err != nil {
			return errors.Wrapf(err, "asset %d: amount %d reserved %d, leg %+d/%+d",
				a.ID, a.Amount, a.Reserved, l.Delta, l.ReservedDelta)
		}
		assets[l.AssetID] = a
	}

	batch := &pgx.Batch{}
	for _, a := range assets {
		batch.Queue("UPDATE assets SET amount = $2, reserved = $3, updated_at = NOW() WHERE id = $1",
			a.ID, a.Amount, a.Reserved)
	}
	r := s.Record
	batch.Queue("INSERT INTO fulfilled_orders (id, buy_order_id, sell_order_id, amount, quote_amount, price, created_at) "+
		"VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)",
		r.ID, r.BuyOrderID, r.SellOrderID, r.Amount, r.QuoteAmount, r.Price.String(), r.CreatedAt)
	for _, t := range s.Transactions {
		batch.Queue("INSERT INTO transactions (id, asset_id, fulfilled_order_id, amount, direction, status, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
			t.ID, t.AssetID, t.FulfilledOrderID, t.Amount, string(t.Direction), string(t.Status), t.CreatedAt, t.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "failed to write settlement")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func lockAssets(ctx context.Context, tx pgx.Tx, legs []models.Leg) (map[int64]models.Asset, error) {
	ids := make([]int64, 0, len(legs))
	seen := make(map[int64]bool, len(legs))
	for _, l := range legs {
		if !seen[l.AssetID] {
			seen[l.AssetID] = true
			ids = append(ids, l.AssetID)
		}
	}

	rows, err := tx.Query(ctx, "SELECT "+assetColumns+" FROM assets WHERE id = ANY($1) ORDER BY id FOR UPDATE", ids)
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock assets")
	}
	defer rows.Close()

	out := make(map[int64]models.Asset, len(ids))
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan asset")
		}
		out[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to lock assets")
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, errors.Wrapf(models.ErrNotFound, "asset %d", id)
		}
	}
	return out, nil
}

// GetOrderFills retrieves the fulfilled orders an order took part in
func (db *DB) GetOrderFills(ctx context.Context, orderID uuid.UUID) ([]models.FulfilledOrder, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, buy_order_id, sell_order_id, amount, quote_amount, price::text, created_at "+
			"FROM fulfilled_orders WHERE buy_order_id = $1 OR sell_order_id = $1 ORDER BY created_at",
		orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get order fills")
	}
	defer rows.Close()

	var out []models.FulfilledOrder
	for rows.Next() {
		var f models.FulfilledOrder
		var price string
		if err := rows.Scan(&f.ID, &f.BuyOrderID, &f.SellOrderID, &f.Amount, &f.QuoteAmount, &price, &f.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan fill")
		}
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, errors.Wrapf(err, "fill %s has malformed price %q", f.ID, price)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetAssetTransactions retrieves the ledger entries of an asset, newest first
func (db *DB) GetAssetTransactions(ctx context.Context, assetID int64) ([]models.Transaction, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, asset_id, fulfilled_order_id, amount, direction, status, created_at, updated_at "+
			"FROM transactions WHERE asset_id = $1 ORDER BY created_at DESC",
		assetID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transactions")
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var direction, status string
		if err := rows.Scan(&t.ID, &t.AssetID, &t.FulfilledOrderID, &t.Amount, &direction, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan transaction")
		}
		t.Direction = models.TransactionDirection(direction)
		t.Status = models.TransactionStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}
