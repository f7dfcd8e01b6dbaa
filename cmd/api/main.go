package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"descrow/auth"
	"descrow/chain"
	"descrow/config"
	"descrow/db"
	"descrow/order"
	"descrow/seller"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("bootstrap logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	ledger := order.NewRepository(pool)
	notifier := order.NewNotifier()

	// The chain streamer doubles as the direct state reader used when an
	// inconsistency is escalated.
	stateClient, err := chain.Dial(ctx, cfg.Chain.RPCWSURL)
	if err != nil {
		logger.Fatal("dial event source", zap.Error(err))
	}
	defer stateClient.Close()

	engine := order.NewEngine(ledger, logger,
		order.WithWorkers(cfg.Engine.Workers),
		order.WithQueueSize(cfg.Engine.QueueSize),
		order.WithRetryBudget(cfg.Engine.RetryBudget),
		order.WithRetryInterval(cfg.Engine.RetryInterval()),
		order.WithStateReader(stateReader{stateClient}),
		order.WithNotifier(notifier),
	)

	startSeq, err := ledger.LastAppliedSeq(ctx)
	if err != nil {
		logger.Fatal("read replay watermark", zap.Error(err))
	}

	supervisor, err := chain.NewSupervisor(chain.SupervisorConfig{
		Endpoint:    cfg.Chain.RPCWSURL,
		Addresses:   cfg.Chain.ContractAddresses,
		OnEvent:     engine.Submit,
		Logger:      logger,
		BackoffBase: cfg.Chain.BackoffBase(),
		BackoffCap:  cfg.Chain.BackoffCap(),
		StartSeq:    startSeq,
	})
	if err != nil {
		logger.Fatal("configure subscription supervisor", zap.Error(err))
	}

	authService := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret)
	queryService := order.NewQueryService(pool)
	crudService := order.NewCRUDService(pool)
	sellerService := seller.NewService(seller.NewRepository(pool))

	// The API layer mounts these services; the engine and supervisor run
	// below regardless of how they are exposed.
	logger.Info("services ready",
		zap.Bool("auth", authService != nil),
		zap.Bool("order_query", queryService != nil),
		zap.Bool("order_crud", crudService != nil),
		zap.Bool("seller", sellerService != nil),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return supervisor.Run(ctx) })

	logger.Info("descrow mirror running",
		zap.Uint64("replay_from_seq", startSeq),
		zap.Int("contracts", len(cfg.Chain.ContractAddresses)),
	)

	if err := g.Wait(); err != nil {
		logger.Fatal("runtime failure", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// stateReader adapts the chain streamer to the engine's StateReader.
type stateReader struct {
	st chain.Streamer
}

func (r stateReader) EscrowState(ctx context.Context, contract string) (order.Status, error) {
	return r.st.EscrowState(ctx, contract)
}
