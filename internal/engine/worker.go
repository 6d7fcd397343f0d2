package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xtrntr/virtuex/internal/models"
)

type commandType int

const (
	cmdPlace commandType = iota
	cmdCancel
	cmdSnapshot
	cmdRestore
	cmdResume
)

type command struct {
	typ    commandType
	order  models.Order       // cmdPlace, cmdRestore
	id     uuid.UUID          // cmdCancel
	status models.OrderStatus // cmdCancel: cancelled or expired
	depth  int                // cmdSnapshot
	resp   chan reply
}

type reply struct {
	result   *MatchResult
	order    models.Order
	snapshot models.BookSnapshot
	err      error
}

// worker is the single writer of one market's book. Every command for the
// market runs on its goroutine, one at a time, in arrival order.
type worker struct {
	market    models.Market
	matcher   *Matcher
	store     OrderStore
	publisher Publisher
	cmds      chan command
	logger    *zap.Logger

	haltErr error
	halted  atomic.Bool

	// orders closed while their place command was still queued.
	// earlyMu also orders those closes against discard.
	earlyMu     sync.Mutex
	closedEarly map[uuid.UUID]struct{}
}

func newWorker(market models.Market, buffer int, store OrderStore, settler Settler, publisher Publisher, logger *zap.Logger) *worker {
	return &worker{
		market:      market,
		matcher:     NewMatcher(market, settler),
		store:       store,
		publisher:   publisher,
		cmds:        make(chan command, buffer),
		logger:      logger.With(zap.String("market", market.Name())),
		closedEarly: make(map[uuid.UUID]struct{}),
	}
}

// send queues cmd unless ctx ends first
func (w *worker) send(ctx context.Context, cmd command) error {
	select {
	case w.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// discard closes an admitted order whose place command never reached the
// worker. It runs on the caller's goroutine.
func (w *worker) discard(ctx context.Context, o models.Order) models.Order {
	w.earlyMu.Lock()
	defer w.earlyMu.Unlock()
	delete(w.closedEarly, o.ID)

	closed, err := w.store.CloseOrder(ctx, o.ID, models.OrderRejected)
	if err == nil {
		w.logger.Warn("order not queued, rejected", zap.String("order", o.ID.String()))
		return closed
	}
	if !errors.Is(err, models.ErrInvalidState) {
		w.logger.Error("failed to reject unqueued order", zap.String("order", o.ID.String()), zap.Error(err))
		return o
	}
	// cancelled while the submit was blocked
	current, err := w.store.GetOrder(ctx, o.ID)
	if err != nil {
		return o
	}
	return current
}

func (w *worker) run(ctx context.Context) error {
	w.logger.Info("matching worker started")
	defer w.logger.Info("matching worker stopped")

	for {
		select {
		case cmd := <-w.cmds:
			cmd.resp <- w.handle(ctx, cmd)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *worker) handle(ctx context.Context, cmd command) reply {
	switch cmd.typ {
	case cmdPlace:
		return w.place(ctx, cmd.order)
	case cmdCancel:
		return w.cancel(ctx, cmd.id, cmd.status)
	case cmdSnapshot:
		return reply{snapshot: w.matcher.Snapshot(cmd.depth)}
	case cmdRestore:
		return reply{err: w.matcher.Restore(cmd.order)}
	case cmdResume:
		if w.haltErr != nil {
			w.logger.Warn("market resumed", zap.NamedError("halted_by", w.haltErr))
		}
		w.haltErr = nil
		w.halted.Store(false)
		return reply{}
	}
	return reply{err: errors.Errorf("unknown command %d", cmd.typ)}
}

func (w *worker) place(ctx context.Context, o models.Order) reply {
	w.earlyMu.Lock()
	_, early := w.closedEarly[o.ID]
	delete(w.closedEarly, o.ID)
	w.earlyMu.Unlock()
	if early {
		current, err := w.store.GetOrder(ctx, o.ID)
		if err != nil {
			return reply{err: err}
		}
		return reply{result: &MatchResult{Order: current}}
	}

	if w.haltErr != nil {
		closed := w.abandon(ctx, o)
		return reply{
			result: &MatchResult{Order: closed},
			err:    errors.Wrap(models.ErrMarketHalted, w.market.Name()),
		}
	}

	res, err := w.matcher.MatchOrder(ctx, o)
	if res != nil {
		for _, s := range res.Settlements {
			w.publish(ctx, s)
		}
	}
	if err == nil {
		w.logger.Debug("order placed",
			zap.String("order", o.ID.String()),
			zap.String("side", string(o.Side)),
			zap.Int("fills", len(res.Fills)),
			zap.String("status", string(res.Order.Status)))
		return reply{result: res}
	}

	if res == nil {
		// rejected before touching the book
		return reply{result: &MatchResult{Order: w.abandon(ctx, o)}, err: err}
	}

	if errors.Is(err, models.ErrInsufficientBalance) || errors.Is(err, models.ErrInvalidState) ||
		errors.Is(err, models.ErrInternalInconsistency) {
		w.halt(err)
		err = &haltError{cause: errors.WithMessagef(err, "settle order %s", o.ID)}
	}
	res.Order = w.abandon(ctx, res.Order)
	return reply{result: res, err: err}
}

// abandon closes an admitted order that will not rest, releasing its reservation
func (w *worker) abandon(ctx context.Context, o models.Order) models.Order {
	status := models.OrderRejected
	if o.Status == models.OrderPartiallyFilled {
		status = models.OrderCancelled
	}
	closed, err := w.store.CloseOrder(ctx, o.ID, status)
	if err != nil {
		w.logger.Error("failed to close abandoned order",
			zap.String("order", o.ID.String()),
			zap.String("status", string(status)),
			zap.Error(err))
		return o
	}
	return closed
}

func (w *worker) cancel(ctx context.Context, id uuid.UUID, status models.OrderStatus) reply {
	if _, ok := w.matcher.Resting(id); ok {
		closed, err := w.store.CloseOrder(ctx, id, status)
		if err != nil {
			return reply{err: err}
		}
		if _, err := w.matcher.Remove(id); err != nil {
			w.halt(err)
			return reply{order: closed, err: err}
		}
		return reply{order: closed}
	}

	current, err := w.store.GetOrder(ctx, id)
	if err != nil {
		return reply{err: err}
	}
	if current.Status.Terminal() {
		return reply{order: current, err: errors.Wrapf(models.ErrInvalidState, "order %s is already %s", id, current.Status)}
	}

	// admitted but not yet seen by this worker
	w.earlyMu.Lock()
	defer w.earlyMu.Unlock()
	closed, err := w.store.CloseOrder(ctx, id, status)
	if err != nil {
		return reply{err: err}
	}
	w.closedEarly[id] = struct{}{}
	return reply{order: closed}
}

// haltError is a settlement failure that stopped the market. It keeps the
// settlement error as its cause and also matches ErrMarketHalted.
type haltError struct {
	cause error
}

func (e *haltError) Error() string { return "market halted: " + e.cause.Error() }

func (e *haltError) Unwrap() error { return e.cause }

func (e *haltError) Is(target error) bool {
	return target == models.ErrMarketHalted || target == models.ErrInternalInconsistency
}

func (w *worker) halt(err error) {
	if w.haltErr != nil {
		return
	}
	w.haltErr = err
	w.halted.Store(true)
	w.logger.Error("market halted", zap.Error(err))
}

func (w *worker) publish(ctx context.Context, s *models.Settlement) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.PublishFill(ctx, w.market, s); err != nil {
		w.logger.Warn("failed to publish fill",
			zap.String("fulfilled_order", s.Record.ID.String()),
			zap.Error(err))
	}
}
