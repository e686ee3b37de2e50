// Package discovery finds the DEX pools of launchpad tokens and brings them
// under watch.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/topeklc/BSC-BuyBot/internal/chain"
	"github.com/topeklc/BSC-BuyBot/internal/dex"
	"github.com/topeklc/BSC-BuyBot/internal/model"
	"github.com/topeklc/BSC-BuyBot/internal/observability"
)

// PoolStore is the persistence used by discovery.
type PoolStore interface {
	ActiveTokens(ctx context.Context) ([]string, error)
	PoolsForToken(ctx context.Context, token string) ([]model.PoolMetadata, error)
	InsertPool(ctx context.Context, pool model.PoolMetadata) (bool, error)
	AddPoolToTokenConfigs(ctx context.Context, token, pool string) (int, error)
}

// Watcher starts watching a pool's swaps.
type Watcher interface {
	AddPool(ctx context.Context, pool model.PoolMetadata) error
}

// TokenSource resolves token names for announcements.
type TokenSource interface {
	TokenMetadata(ctx context.Context, address string) (model.TokenMeta, error)
}

// Broadcaster announces new pools.
type Broadcaster interface {
	Broadcast(msgType string, payload any) int
}

// Config holds factory locations and retry settings.
type Config struct {
	Factory    dex.FactoryConfig
	Attempts   int
	RetryDelay time.Duration
}

// Discovery turns graduated tokens into watched pools.
type Discovery struct {
	cfg     Config
	conns   dex.ClientSource
	store   PoolStore
	watch   Watcher
	tokens  TokenSource
	out     Broadcaster
	logger  *zap.Logger
	metrics *observability.Metrics

	// Chain lookups, replaced in tests.
	fetchPool func(ctx context.Context, caller chain.Caller, pool common.Address, version model.PoolVersion) (model.PoolMetadata, error)
	findPools func(ctx context.Context, caller chain.Caller, cfg dex.FactoryConfig, token common.Address) ([]dex.PoolRef, error)
}

func New(cfg Config, conns dex.ClientSource, store PoolStore, watch Watcher, tokens TokenSource, out Broadcaster, logger *zap.Logger, metrics *observability.Metrics) *Discovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Discovery{
		cfg:       cfg,
		conns:     conns,
		store:     store,
		watch:     watch,
		tokens:    tokens,
		out:       out,
		logger:    logger.With(zap.String("component", "discovery")),
		metrics:   observability.OrDiscard(metrics),
		fetchPool: dex.FetchPoolMeta,
		findPools: dex.FindPools,
	}
}

// HandleNewPool processes a launchpad graduation: every pool of the base token
// is recorded, attached to the token's configs, watched and announced. Each
// pool is retried independently.
func (d *Discovery) HandleNewPool(ctx context.Context, ev model.NewPoolDecoded) error {
	token := ev.Base.Hex()
	refs, err := d.lookup(ctx, ev.Base)
	if err != nil {
		return fmt.Errorf("find pools for %s: %w", token, err)
	}
	if len(refs) == 0 {
		d.logger.Info("no pools found for graduated token", zap.String("token", token))
		return nil
	}

	failed := 0
	for _, ref := range refs {
		if err := d.withAttempts(ctx, func(ctx context.Context) error {
			return d.addPool(ctx, token, ref, true)
		}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			d.logger.Error("new pool not added",
				zap.String("token", token),
				zap.String("pool", ref.Address.Hex()),
				zap.Error(err),
			)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d pools for %s not added", failed, len(refs), token)
	}
	return nil
}

// Sync looks up the pools of every active token and adds the ones that are
// not stored yet. It returns the number of pools added.
func (d *Discovery) Sync(ctx context.Context) (int, error) {
	tokens, err := d.store.ActiveTokens(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active tokens: %w", err)
	}

	added := 0
	for _, token := range tokens {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		if !common.IsHexAddress(token) {
			continue
		}
		known, err := d.store.PoolsForToken(ctx, token)
		if err != nil {
			d.logger.Warn("list token pools failed", zap.String("token", token), zap.Error(err))
			continue
		}
		refs, err := d.lookup(ctx, common.HexToAddress(token))
		if err != nil {
			d.logger.Warn("find pools failed", zap.String("token", token), zap.Error(err))
			continue
		}
		for _, ref := range refs {
			if hasPool(known, ref.Address) {
				continue
			}
			if err := d.addPool(ctx, token, ref, false); err != nil {
				d.logger.Warn("sync pool failed", zap.String("token", token), zap.String("pool", ref.Address.Hex()), zap.Error(err))
				continue
			}
			added++
		}
	}
	if added > 0 {
		d.logger.Info("pool sync added pools", zap.Int("added", added))
	}
	return added, nil
}

func (d *Discovery) lookup(ctx context.Context, token common.Address) ([]dex.PoolRef, error) {
	conn, err := d.conns.Client()
	if err != nil {
		return nil, err
	}
	return d.findPools(ctx, conn, d.cfg.Factory, token)
}

func (d *Discovery) addPool(ctx context.Context, token string, ref dex.PoolRef, announce bool) error {
	conn, err := d.conns.Client()
	if err != nil {
		return err
	}
	pool, err := d.fetchPool(ctx, conn, ref.Address, ref.Version)
	if err != nil {
		return fmt.Errorf("pool details: %w", err)
	}
	inserted, err := d.store.InsertPool(ctx, pool)
	if err != nil {
		return fmt.Errorf("insert pool: %w", err)
	}
	if _, err := d.store.AddPoolToTokenConfigs(ctx, token, pool.Address); err != nil {
		return fmt.Errorf("update token configs: %w", err)
	}
	if err := d.watch.AddPool(ctx, pool); err != nil {
		return fmt.Errorf("watch pool: %w", err)
	}
	if inserted {
		d.metrics.PoolsDiscovered.Inc()
	}
	d.logger.Info("pool added",
		zap.String("token", token),
		zap.String("pool", pool.Address),
		zap.Uint8("version", uint8(pool.Version)),
		zap.Bool("inserted", inserted),
	)

	if announce && d.out != nil {
		d.out.Broadcast("NewPool", model.NewPoolMessage{
			TokenName:    d.tokenName(ctx, token),
			TokenAddress: token,
			PoolDetail:   pool,
		})
	}
	return nil
}

func (d *Discovery) tokenName(ctx context.Context, token string) string {
	if d.tokens == nil {
		return ""
	}
	meta, err := d.tokens.TokenMetadata(ctx, token)
	if err != nil {
		d.logger.Warn("token name unavailable", zap.String("token", token), zap.Error(err))
		return ""
	}
	return meta.Name
}

func (d *Discovery) withAttempts(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= d.cfg.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == d.cfg.Attempts {
			break
		}
		d.logger.Debug("retrying pool", zap.Int("attempt", attempt), zap.Error(err))
		timer := time.NewTimer(d.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func hasPool(pools []model.PoolMetadata, address common.Address) bool {
	for _, pool := range pools {
		if strings.EqualFold(pool.Address, address.Hex()) {
			return true
		}
	}
	return false
}
