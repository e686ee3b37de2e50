package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/topeklc/BSC-BuyBot/internal/broadcast"
	"github.com/topeklc/BSC-BuyBot/internal/chain"
	"github.com/topeklc/BSC-BuyBot/internal/config"
	"github.com/topeklc/BSC-BuyBot/internal/dedup"
	"github.com/topeklc/BSC-BuyBot/internal/dex"
	"github.com/topeklc/BSC-BuyBot/internal/discovery"
	"github.com/topeklc/BSC-BuyBot/internal/fetcher"
	"github.com/topeklc/BSC-BuyBot/internal/observability"
	"github.com/topeklc/BSC-BuyBot/internal/pricing"
	"github.com/topeklc/BSC-BuyBot/internal/provider"
	"github.com/topeklc/BSC-BuyBot/internal/registry"
	"github.com/topeklc/BSC-BuyBot/internal/source"
	"github.com/topeklc/BSC-BuyBot/internal/storage"
	"github.com/topeklc/BSC-BuyBot/internal/storage/postgres"
	"github.com/topeklc/BSC-BuyBot/internal/swap"
)

func runFetcher(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}
	contracts, err := parseContracts(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(prometheus.NewRegistry())

	providers, err := connectProviders(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer providers.Close()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tokens := dex.NewTokenResolver(providers, store, logger)
	decoder, err := dex.NewDecoder(metrics)
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	interpreter := swap.NewInterpreter(swap.Config{
		WrappedNative:       contracts.WBNB.Hex(),
		WrappedNativeName:   "Wrapped BNB",
		WrappedNativeSymbol: "WBNB",
	}, tokens, store, tokens, logger)

	var claimer fetcher.Claimer
	if cfg.RedisAddr != "" {
		client, err := dedup.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		claimer = dedup.NewRedisClaimer(client, cfg.DedupStrongTTL, logger)
	}

	var archive storage.Archive
	if cfg.Archive != "" {
		archive = storage.NewJsonlArchive(cfg.Archive)
	}

	server := broadcast.NewServer(broadcast.Config{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		HeartbeatInterval: cfg.HeartbeatInterval,
		WriteTimeout:      cfg.WriteTimeout,
		RestartDelay:      cfg.ServerRestartDelay,
		MaxRestarts:       cfg.ServerMaxRestarts,
	}, logger, metrics)
	defer server.Close()

	deliveries := make(chan source.Delivery, 1024)
	var (
		sub    registry.Subscriber
		poller *source.Poller
	)
	if cfg.Mode == config.ModePoll {
		poller = source.NewPoller(source.PollConfig{
			Interval:         cfg.PollInterval,
			MaxBlocksPerPoll: cfg.MaxBlocksPerPoll,
			AddressBatchSize: cfg.AddressBatchSize,
			Retries:          cfg.PollRetries,
			RetryBackoff:     cfg.PollRetryBackoff,
			MaxCatchupBlocks: cfg.MaxCatchupBlocks,
			CallTimeout:      cfg.RPCCallTimeout,
		}, providers, deliveries, source.NewCheckpointStore(cfg.Checkpoint, cfg.CheckpointEnabled), logger, metrics)
		sub = poller
	} else {
		sub = source.NewPushSource(providers, deliveries, logger, metrics)
	}

	reg := registry.New(registry.Config{
		Launchpad:    contracts.TokenManager.Hex(),
		BuyTopic:     dex.BuyTopic,
		NewPoolTopic: dex.NewPoolTopic,
		SwapV2Topic:  dex.SwapV2Topic,
		SwapV3Topic:  dex.SwapV3Topic,
		CallTimeout:  cfg.RPCCallTimeout,
	}, sub, store, logger, metrics)

	disc := discovery.New(discovery.Config{
		Factory:    contracts.factory(cfg.FeeTiers),
		Attempts:   cfg.DiscoveryTries,
		RetryDelay: cfg.DiscoveryBackoff,
	}, providers, store, reg, tokens, server, logger, metrics)

	prices := pricing.NewFetcher(pricing.Config{
		Router:        contracts.Router,
		WrappedNative: contracts.WBNB,
		USDToken:      contracts.USDToken,
		Interval:      cfg.PriceInterval,
	}, providers, tokens, store, logger, metrics)

	pipeline := fetcher.New(fetcher.Config{ProcessTimeout: cfg.ProcessTimeout}, fetcher.Deps{
		Decoder:     decoder,
		Interpreter: interpreter,
		Index:       reg,
		Pools:       dex.NewPoolResolver(providers),
		Tokens:      store,
		NewPools:    disc,
		Gate: dedup.New(dedup.Config{
			WeakTTL:    cfg.DedupWeakTTL,
			StrongTTL:  cfg.DedupStrongTTL,
			Bucket:     cfg.DedupBucket,
			MaxEntries: cfg.DedupMaxEntries,
		}),
		Claimer: claimer,
		Archive: archive,
		Out:     server,
	}, logger, metrics)

	logger.Info("fetcher start",
		zap.Strings("rpc", cfg.RPC),
		zap.String("mode", cfg.Mode),
		zap.Int("port", cfg.Port),
		zap.Bool("postgres", cfg.PGDSN != ""),
		zap.Bool("redis", cfg.RedisAddr != ""),
		zap.String("archive", cfg.Archive),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return quiet(pipeline.Run(gctx, deliveries)) })
	g.Go(func() error { return quiet(prices.Run(gctx)) })
	if poller != nil {
		g.Go(func() error { return quiet(poller.Run(gctx)) })
	}
	g.Go(func() error {
		return superviseWatches(gctx, cfg.ReconcileInterval, reg, providers.Reconnected(), logger)
	})
	g.Go(func() error { return syncPools(gctx, cfg.DiscoveryEvery, disc, logger) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-providers.Fatal():
			return fmt.Errorf("rpc providers exhausted: %w", err)
		}
	})

	err = g.Wait()
	logger.Info("fetcher stopped", zap.Error(err))
	return err
}

func runPrice(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if len(cfg.RPC) == 0 {
		return config.ErrNoEndpoints
	}
	contracts, err := parseContracts(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := connectProviders(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer providers.Close()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	prices := pricing.NewFetcher(pricing.Config{
		Router:        contracts.Router,
		WrappedNative: contracts.WBNB,
		USDToken:      contracts.USDToken,
	}, providers, dex.NewTokenResolver(providers, store, logger), store, logger, nil)

	price, err := prices.FetchOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "WBNB %.4f USD\n", price)
	return nil
}

func connectProviders(ctx context.Context, cfg config.Config, logger *zap.Logger, metrics *observability.Metrics) (*provider.Manager, error) {
	providers, err := provider.NewManager(provider.Config{
		Endpoints:     cfg.RPC,
		VerifyTimeout: cfg.VerifyTimeout,
		Backoff: provider.Backoff{
			Base:   cfg.ReconnectBase,
			Max:    cfg.ReconnectMax,
			Jitter: cfg.ReconnectJitter,
		},
		MaxAttempts: cfg.MaxReconnectAttempts,
	}, chain.Dial, logger, metrics)
	if err != nil {
		return nil, err
	}
	if err := providers.Connect(ctx); err != nil {
		providers.Close()
		return nil, fmt.Errorf("connect rpc: %w", err)
	}
	return providers, nil
}

// openStore uses Postgres when a DSN is configured and an in-memory store
// otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("no postgres dsn configured, state is kept in memory")
		return storage.NewMemoryStore(cfg.WBNB), func() {}, nil
	}
	store, err := postgres.NewStore(ctx, cfg.PGDSN, cfg.WBNB)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return store, store.Close, nil
}

// superviseWatches reconciles on startup, on every tick, and from scratch
// after the provider manager switches connections.
func superviseWatches(ctx context.Context, every time.Duration, reg *registry.Registry, reconnected <-chan struct{}, logger *zap.Logger) error {
	reconcile := func(trigger string) {
		res, err := reg.Reconcile(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("reconcile degraded", zap.String("trigger", trigger), zap.Error(err))
			if !errors.Is(err, registry.ErrPoolsUnavailable) {
				return
			}
		}
		logger.Info("watches reconciled",
			zap.String("trigger", trigger),
			zap.Int("added", res.Added),
			zap.Int("removed", res.Removed),
			zap.Int("failed", res.Failed),
			zap.Int("active", reg.Len()),
		)
	}

	reconcile("startup")
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reconcile("interval")
		case <-reconnected:
			reg.Reset()
			reconcile("reconnect")
		}
	}
}

func syncPools(ctx context.Context, every time.Duration, disc *discovery.Discovery, logger *zap.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		added, err := disc.Sync(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("pool sync failed", zap.Error(err))
		case added > 0:
			logger.Info("pool sync added pools", zap.Int("added", added))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type contracts struct {
	TokenManager common.Address
	WBNB         common.Address
	USDToken     common.Address
	Router       common.Address
	FactoryV2    common.Address
	FactoryV3    common.Address
}

func parseContracts(cfg config.Config) (contracts, error) {
	var out contracts
	for _, field := range []struct {
		name  string
		value string
		dst   *common.Address
	}{
		{"token-manager", cfg.TokenManager, &out.TokenManager},
		{"wbnb", cfg.WBNB, &out.WBNB},
		{"usd-token", cfg.USDToken, &out.USDToken},
		{"router", cfg.Router, &out.Router},
		{"factory-v2", cfg.FactoryV2, &out.FactoryV2},
		{"factory-v3", cfg.FactoryV3, &out.FactoryV3},
	} {
		if !common.IsHexAddress(field.value) {
			return contracts{}, fmt.Errorf("invalid %s address: %q", field.name, field.value)
		}
		*field.dst = common.HexToAddress(field.value)
	}
	return out, nil
}

func (c contracts) factory(feeTiers []int) dex.FactoryConfig {
	tiers := make([]uint32, 0, len(feeTiers))
	for _, fee := range feeTiers {
		tiers = append(tiers, uint32(fee))
	}
	return dex.FactoryConfig{
		FactoryV3: c.FactoryV3,
		FactoryV2: c.FactoryV2,
		Quote:     c.WBNB,
		FeeTiers:  tiers,
	}
}
