// Package engine runs continuous double auction matching for a set of markets.
//
// Each market is owned by one worker goroutine that serializes every mutation
// of its book. Callers talk to workers through the Engine, which routes
// commands by market name and waits for the reply.
package engine

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/virtuex/internal/models"
)

// OrderStore is the part of the order repository the workers need
type OrderStore interface {
	GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error)
	CloseOrder(ctx context.Context, id uuid.UUID, status models.OrderStatus) (models.Order, error)
}

// Publisher receives every settled fill after it is committed
type Publisher interface {
	PublishFill(ctx context.Context, market models.Market, s *models.Settlement) error
}

// Config tunes the matching workers
type Config struct {
	// CommandBuffer is the queue length of each market worker
	CommandBuffer int
}

// Engine routes commands to one worker per market
type Engine struct {
	cfg       Config
	store     OrderStore
	settler   Settler
	publisher Publisher
	logger    *zap.Logger
	workers   map[string]*worker
}

// New creates an engine without markets. publisher may be nil.
func New(cfg Config, store OrderStore, settler Settler, publisher Publisher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = 1024
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		settler:   settler,
		publisher: publisher,
		logger:    logger,
		workers:   make(map[string]*worker),
	}
}

// AddMarket registers a market. It must be called before Run.
func (e *Engine) AddMarket(m models.Market) error {
	if m.Base.ID == m.Quote.ID {
		return errors.Errorf("market %s trades a currency against itself", m.Name())
	}
	if _, exists := e.workers[m.Name()]; exists {
		return errors.Errorf("market %s already registered", m.Name())
	}
	for _, w := range e.workers {
		if w.market.Matches(m.Base.ID, m.Quote.ID) {
			return errors.Errorf("market %s duplicates %s", m.Name(), w.market.Name())
		}
	}
	e.workers[m.Name()] = newWorker(m, e.cfg.CommandBuffer, e.store, e.settler, e.publisher, e.logger)
	return nil
}

// Markets returns the registered markets sorted by name
func (e *Engine) Markets() []models.Market {
	out := make([]models.Market, 0, len(e.workers))
	for _, w := range e.workers {
		out = append(out, w.market)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Market looks a market up by name
func (e *Engine) Market(name string) (models.Market, bool) {
	w, ok := e.workers[name]
	if !ok {
		return models.Market{}, false
	}
	return w.market, true
}

// MarketFor returns the market trading currencies a and b, in either order
func (e *Engine) MarketFor(a, b int64) (models.Market, bool) {
	for _, w := range e.workers {
		if w.market.Matches(a, b) {
			return w.market, true
		}
	}
	return models.Market{}, false
}

// Halted reports whether a market stopped after an internal inconsistency
func (e *Engine) Halted(market string) bool {
	w, ok := e.workers[market]
	return ok && w.halted.Load()
}

// Run starts every market worker and blocks until ctx is cancelled or a worker fails
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range e.workers {
		w := w
		g.Go(func() error {
			return w.run(ctx)
		})
	}
	e.logger.Info("matching engine running", zap.Int("markets", len(e.workers)))
	return g.Wait()
}

// Submit matches an admitted order. The order must already be persisted as
// pending with its reservation. The returned result carries the order state
// after matching even when an error is returned. An order that could not be
// queued before ctx ended is closed as rejected.
func (e *Engine) Submit(ctx context.Context, o models.Order) (*MatchResult, error) {
	w, ok := e.workers[o.Market]
	if !ok {
		return nil, errors.Wrapf(models.ErrInvalidOrder, "unknown market %s", o.Market)
	}
	cmd := command{typ: cmdPlace, order: o, resp: make(chan reply, 1)}
	if err := w.send(ctx, cmd); err != nil {
		closed := w.discard(context.WithoutCancel(ctx), o)
		return &MatchResult{Order: closed}, errors.Wrapf(err, "queue order %s", o.ID)
	}
	r, err := wait(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return r.result, r.err
}

// Cancel removes a resting order and releases its reservation
func (e *Engine) Cancel(ctx context.Context, market string, id uuid.UUID) (models.Order, error) {
	return e.close(ctx, market, id, models.OrderCancelled)
}

// Expire is Cancel with the expired status
func (e *Engine) Expire(ctx context.Context, market string, id uuid.UUID) (models.Order, error) {
	return e.close(ctx, market, id, models.OrderExpired)
}

func (e *Engine) close(ctx context.Context, market string, id uuid.UUID, status models.OrderStatus) (models.Order, error) {
	r, err := e.do(ctx, market, command{typ: cmdCancel, id: id, status: status})
	if err != nil {
		return models.Order{}, err
	}
	return r.order, r.err
}

// Snapshot returns up to depth aggregated levels per side (all when depth <= 0)
func (e *Engine) Snapshot(ctx context.Context, market string, depth int) (models.BookSnapshot, error) {
	r, err := e.do(ctx, market, command{typ: cmdSnapshot, depth: depth})
	if err != nil {
		return models.BookSnapshot{}, err
	}
	return r.snapshot, nil
}

// Restore loads persisted resting orders into their books without matching.
// Orders must be given oldest first.
func (e *Engine) Restore(ctx context.Context, orders []models.Order) error {
	for _, o := range orders {
		r, err := e.do(ctx, o.Market, command{typ: cmdRestore, order: o})
		if err != nil {
			return errors.Wrapf(err, "restore order %s", o.ID)
		}
		if r.err != nil {
			return errors.Wrapf(r.err, "restore order %s", o.ID)
		}
	}
	if len(orders) > 0 {
		e.logger.Info("resting orders restored", zap.Int("orders", len(orders)))
	}
	return nil
}

// Resume lets a halted market accept orders again
func (e *Engine) Resume(ctx context.Context, market string) error {
	_, err := e.do(ctx, market, command{typ: cmdResume})
	return err
}

func (e *Engine) do(ctx context.Context, market string, cmd command) (reply, error) {
	w, ok := e.workers[market]
	if !ok {
		return reply{}, errors.Wrapf(models.ErrNotFound, "market %s", market)
	}
	cmd.resp = make(chan reply, 1)
	if err := w.send(ctx, cmd); err != nil {
		return reply{}, err
	}
	return wait(ctx, cmd)
}

func wait(ctx context.Context, cmd command) (reply, error) {
	select {
	case r := <-cmd.resp:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}
