// Package pricing keeps the wrapped-native USD reference price current.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/topeklc/BSC-BuyBot/internal/chain"
	"github.com/topeklc/BSC-BuyBot/internal/dex"
	"github.com/topeklc/BSC-BuyBot/internal/model"
	"github.com/topeklc/BSC-BuyBot/internal/observability"
)

var errInvalidPrice = errors.New("router returned a non-positive price")

// PriceRecorder persists a token price.
type PriceRecorder interface {
	RecordPrice(ctx context.Context, token string, priceUSD float64) error
}

// TokenSource supplies the USD token's decimals.
type TokenSource interface {
	TokenMetadata(ctx context.Context, address string) (model.TokenMeta, error)
}

// Config locates the router and the quoted pair.
type Config struct {
	Router        common.Address
	WrappedNative common.Address
	USDToken      common.Address
	Interval      time.Duration
}

// Fetcher quotes one wrapped-native unit against the USD token.
type Fetcher struct {
	cfg     Config
	conns   dex.ClientSource
	tokens  TokenSource
	store   PriceRecorder
	logger  *zap.Logger
	metrics *observability.Metrics

	quote func(ctx context.Context, caller chain.Caller, router common.Address, amountIn *big.Int, path []common.Address) ([]*big.Int, error)
}

func NewFetcher(cfg Config, conns dex.ClientSource, tokens TokenSource, store PriceRecorder, logger *zap.Logger, metrics *observability.Metrics) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Fetcher{
		cfg:     cfg,
		conns:   conns,
		tokens:  tokens,
		store:   store,
		logger:  logger.With(zap.String("component", "pricing")),
		metrics: observability.OrDiscard(metrics),
		quote:   dex.AmountsOut,
	}
}

// Run fetches immediately and then every interval until ctx ends.
func (f *Fetcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := f.FetchOnce(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("reference price fetch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// FetchOnce quotes, records and returns the current price.
func (f *Fetcher) FetchOnce(ctx context.Context) (float64, error) {
	conn, err := f.conns.Client()
	if err != nil {
		return 0, err
	}

	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	amounts, err := f.quote(ctx, conn, f.cfg.Router, one, []common.Address{f.cfg.WrappedNative, f.cfg.USDToken})
	if err != nil {
		return 0, fmt.Errorf("quote reference price: %w", err)
	}

	usd, err := f.tokens.TokenMetadata(ctx, f.cfg.USDToken.Hex())
	if err != nil {
		return 0, fmt.Errorf("usd token metadata: %w", err)
	}

	price := decimal.NewFromBigInt(amounts[len(amounts)-1], -int32(usd.Decimals)).InexactFloat64()
	if price <= 0 {
		return 0, errInvalidPrice
	}

	if err := f.store.RecordPrice(ctx, f.cfg.WrappedNative.Hex(), price); err != nil {
		return 0, fmt.Errorf("record price: %w", err)
	}
	f.metrics.ReferencePrice.Set(price)
	f.logger.Info("reference price updated", zap.Float64("price_usd", price))
	return price, nil
}
