package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/virtuex/internal/api"
	"github.com/xtrntr/virtuex/internal/auth"
	"github.com/xtrntr/virtuex/internal/config"
	"github.com/xtrntr/virtuex/internal/db"
	"github.com/xtrntr/virtuex/internal/engine"
	"github.com/xtrntr/virtuex/internal/events"
	"github.com/xtrntr/virtuex/internal/gateway"
	"github.com/xtrntr/virtuex/internal/memstore"
	"github.com/xtrntr/virtuex/internal/models"
	"github.com/xtrntr/virtuex/internal/seed"
	"github.com/xtrntr/virtuex/internal/settlement"
)

// store is what both the postgres and the in-memory repositories provide
type store interface {
	gateway.Store
	api.Store
	auth.UserStore
	seed.Store
	ApplySettlement(ctx context.Context, s *models.Settlement) error
	CloseOrder(ctx context.Context, id uuid.UUID, status models.OrderStatus) (models.Order, error)
}

type publisher interface {
	engine.Publisher
	Close() error
}

func main() {
	configPath := flag.String("config", "", "path to yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	authService := auth.NewAuthService(st, cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if cfg.Storage == config.StorageMemory {
		tokens, err := seed.Run(ctx, st, authService)
		if err != nil {
			return errors.Wrap(err, "seed memory store")
		}
		for user, token := range tokens {
			logger.Info("demo trader", zap.String("username", user), zap.String("token", token))
		}
	}

	markets, err := resolveMarkets(ctx, st, cfg.Markets)
	if err != nil {
		return err
	}

	var pub publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		pub = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named("events"))
	}
	defer pub.Close()

	coordinator := settlement.NewCoordinator(st, logger.Named("settlement"))
	eng := engine.New(engine.Config{CommandBuffer: cfg.Engine.CommandBuffer}, st, coordinator, pub, logger.Named("engine"))
	names := make([]string, 0, len(markets))
	for _, m := range markets {
		if err := eng.AddMarket(m); err != nil {
			return err
		}
		names = append(names, m.Name())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})

	if err := restore(gctx, st, eng); err != nil {
		cancel()
		g.Wait()
		return err
	}

	gw := gateway.New(st, eng, logger.Named("gateway"))
	handler := api.NewHandler(gw, st, eng, authService, logger.Named("api"))
	if cfg.API.BookDepth > 0 {
		handler.MaxDepth = cfg.API.BookDepth
	}
	hub := api.NewHub(gw, names, cfg.API.BookDepth, logger.Named("ws"))
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(hub, cfg.API.RequestTimeout),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		hub.Run(gctx, cfg.API.BroadcastInterval)
		return nil
	})
	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", cfg.ListenAddr), zap.Strings("markets", names))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve http")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Engine.OrderTTL > 0 {
		g.Go(func() error {
			sweep(gctx, gw, cfg.Engine.OrderTTL, cfg.Engine.SweepInterval, logger)
			return nil
		})
	}
	g.Go(func() error {
		resumeOnHangup(gctx, eng, logger)
		return nil
	})

	return g.Wait()
}

// restore puts every persisted resting order back into its book
func restore(ctx context.Context, st store, eng *engine.Engine) error {
	resting, err := st.ListRestingOrders(ctx, time.Now())
	if err != nil {
		return errors.Wrap(err, "load resting orders")
	}
	return eng.Restore(ctx, resting)
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store, func(), error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("using in-memory storage; nothing survives a restart")
		return memstore.New(), func() {}, nil
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, nil, err
	}
	return database, database.Close, nil
}

func resolveMarkets(ctx context.Context, st store, configured []config.MarketConfig) ([]models.Market, error) {
	currencies, err := st.ListCurrencies(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list currencies")
	}
	bySymbol := make(map[string]models.Currency, len(currencies))
	for _, c := range currencies {
		bySymbol[c.Symbol] = c
	}

	markets := make([]models.Market, 0, len(configured))
	for _, mc := range configured {
		base, ok := bySymbol[mc.Base]
		if !ok {
			return nil, errors.Errorf("market %s-%s: unknown currency %s", mc.Base, mc.Quote, mc.Base)
		}
		quote, ok := bySymbol[mc.Quote]
		if !ok {
			return nil, errors.Errorf("market %s-%s: unknown currency %s", mc.Base, mc.Quote, mc.Quote)
		}
		markets = append(markets, models.Market{Base: base, Quote: quote})
	}
	return markets, nil
}

// sweep expires resting orders older than ttl every interval
func sweep(ctx context.Context, gw *gateway.Gateway, ttl, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := gw.ExpireStale(ctx, time.Now().Add(-ttl)); err != nil && ctx.Err() == nil {
				logger.Warn("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// resumeOnHangup reopens halted markets on SIGHUP
func resumeOnHangup(ctx context.Context, eng *engine.Engine, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			for _, m := range eng.Markets() {
				if !eng.Halted(m.Name()) {
					continue
				}
				if err := eng.Resume(ctx, m.Name()); err != nil {
					logger.Error("failed to resume market", zap.String("market", m.Name()), zap.Error(err))
					continue
				}
				logger.Warn("market resumed", zap.String("market", m.Name()))
			}
		}
	}
}
