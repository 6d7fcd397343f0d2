// Package seed creates the demo currencies and funded traders.
package seed

import (
	"context"

	"github.com/pkg/errors"

	"github.com/xtrntr/virtuex/internal/models"
)

// Store is the persistence seeding writes to
type Store interface {
	CreateCurrency(ctx context.Context, c models.Currency) (models.Currency, error)
	ListCurrencies(ctx context.Context) ([]models.Currency, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	CreateAsset(ctx context.Context, walletID, currencyID, amount int64) (models.Asset, error)
}

// Registrar creates users and logs them in
type Registrar interface {
	Register(ctx context.Context, username, password string) (models.User, models.Wallet, error)
	Login(ctx context.Context, username, password string) (string, error)
}

// Trader is a demo account with its starting balances in smallest units
type Trader struct {
	Username string
	Password string
	Funding  map[string]int64
}

var Currencies = []models.Currency{
	{Symbol: "USD", Name: "US Dollar", Precision: 2, Type: models.CurrencyFiat},
	{Symbol: "BTC", Name: "Bitcoin", Precision: 8, Type: models.CurrencyCrypto},
	{Symbol: "ETH", Name: "Ether", Precision: 8, Type: models.CurrencyCrypto},
}

var Traders = []Trader{
	// 100,000.00 USD
	{Username: "trader1", Password: "password123", Funding: map[string]int64{"USD": 10_000_000, "BTC": 0, "ETH": 0}},
	// 5 BTC, 20 ETH
	{Username: "trader2", Password: "password123", Funding: map[string]int64{"USD": 0, "BTC": 500_000_000, "ETH": 2_000_000_000}},
}

// Run creates whatever currencies and traders are missing and returns a
// bearer token per trader. Existing traders keep their balances.
func Run(ctx context.Context, store Store, reg Registrar) (map[string]string, error) {
	symbols, err := ensureCurrencies(ctx, store)
	if err != nil {
		return nil, err
	}

	tokens := make(map[string]string, len(Traders))
	for _, tr := range Traders {
		_, err := store.GetUserByUsername(ctx, tr.Username)
		switch {
		case errors.Is(err, models.ErrNotFound):
			_, wallet, err := reg.Register(ctx, tr.Username, tr.Password)
			if err != nil {
				return nil, errors.Wrapf(err, "register %s", tr.Username)
			}
			for _, c := range Currencies {
				if _, err := store.CreateAsset(ctx, wallet.ID, symbols[c.Symbol].ID, tr.Funding[c.Symbol]); err != nil {
					return nil, errors.Wrapf(err, "fund %s with %s", tr.Username, c.Symbol)
				}
			}
		case err != nil:
			return nil, errors.Wrapf(err, "look up %s", tr.Username)
		}

		token, err := reg.Login(ctx, tr.Username, tr.Password)
		if err != nil {
			return nil, errors.Wrapf(err, "log in %s", tr.Username)
		}
		tokens[tr.Username] = token
	}
	return tokens, nil
}

func ensureCurrencies(ctx context.Context, store Store) (map[string]models.Currency, error) {
	existing, err := store.ListCurrencies(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list currencies")
	}
	out := make(map[string]models.Currency, len(Currencies))
	for _, c := range existing {
		out[c.Symbol] = c
	}
	for _, c := range Currencies {
		if _, ok := out[c.Symbol]; ok {
			continue
		}
		created, err := store.CreateCurrency(ctx, c)
		if err != nil {
			return nil, errors.Wrapf(err, "create currency %s", c.Symbol)
		}
		out[c.Symbol] = created
	}
	return out, nil
}
