package dex

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/topeklc/BSC-BuyBot/internal/chain"
	"github.com/topeklc/BSC-BuyBot/internal/model"
)

// ClientSource hands out the currently verified RPC connection.
type ClientSource interface {
	Client() (chain.RPC, error)
}

// TokenStore is the persisted token metadata used before falling back to chain.
type TokenStore interface {
	TokenMetadata(ctx context.Context, address string) (model.TokenMeta, bool, error)
	UpsertToken(ctx context.Context, meta model.TokenMeta) error
}

// TokenResolver resolves token metadata from memory, then the store, then chain.
type TokenResolver struct {
	cache  *addressCache[model.TokenMeta]
	store  TokenStore
	chain  ClientSource
	logger *zap.Logger
}

// NewTokenResolver builds a TokenResolver. store may be nil.
func NewTokenResolver(chainSource ClientSource, store TokenStore, logger *zap.Logger) *TokenResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenResolver{
		cache:  newAddressCache[model.TokenMeta](),
		store:  store,
		chain:  chainSource,
		logger: logger,
	}
}

// TokenMetadata returns decimals, supply, name and symbol for a token.
func (r *TokenResolver) TokenMetadata(ctx context.Context, address string) (model.TokenMeta, error) {
	if !common.IsHexAddress(address) {
		return model.TokenMeta{}, fmt.Errorf("invalid token address: %s", address)
	}
	token := common.HexToAddress(address)
	if meta, ok := r.cache.get(token); ok {
		return meta, nil
	}

	if r.store != nil {
		meta, ok, err := r.store.TokenMetadata(ctx, token.Hex())
		if err != nil {
			r.logger.Warn("token store lookup failed", zap.String("token", token.Hex()), zap.Error(err))
		} else if ok && meta.TotalSupply != "" {
			r.cache.put(token, meta)
			return meta, nil
		}
	}

	conn, err := r.chain.Client()
	if err != nil {
		return model.TokenMeta{}, err
	}
	meta, err := FetchTokenMeta(ctx, conn, token, r.logger)
	if err != nil {
		return model.TokenMeta{}, fmt.Errorf("fetch token %s: %w", token.Hex(), err)
	}
	r.cache.put(token, meta)

	if r.store != nil {
		if err := r.store.UpsertToken(ctx, meta); err != nil {
			r.logger.Warn("token upsert failed", zap.String("token", token.Hex()), zap.Error(err))
		}
	}
	return meta, nil
}

// BalanceOf returns the holder's raw balance of token.
func (r *TokenResolver) BalanceOf(ctx context.Context, token, holder string) (*big.Int, error) {
	conn, err := r.chain.Client()
	if err != nil {
		return nil, err
	}
	return BalanceOf(ctx, conn, common.HexToAddress(token), common.HexToAddress(holder))
}

// PoolResolver resolves pool metadata from memory or chain.
type PoolResolver struct {
	cache *addressCache[model.PoolMetadata]
	chain ClientSource
}

func NewPoolResolver(chainSource ClientSource) *PoolResolver {
	return &PoolResolver{cache: newAddressCache[model.PoolMetadata](), chain: chainSource}
}

// Remember caches a known pool record.
func (r *PoolResolver) Remember(meta model.PoolMetadata) {
	if !common.IsHexAddress(meta.Address) {
		return
	}
	r.cache.put(common.HexToAddress(meta.Address), meta)
}

// Pool returns metadata for a pool of the given version.
func (r *PoolResolver) Pool(ctx context.Context, address string, version model.PoolVersion) (model.PoolMetadata, error) {
	if !common.IsHexAddress(address) {
		return model.PoolMetadata{}, fmt.Errorf("invalid pool address: %s", address)
	}
	pool := common.HexToAddress(address)
	if meta, ok := r.cache.get(pool); ok {
		return meta, nil
	}

	conn, err := r.chain.Client()
	if err != nil {
		return model.PoolMetadata{}, err
	}
	meta, err := FetchPoolMeta(ctx, conn, pool, version)
	if err != nil {
		return model.PoolMetadata{}, fmt.Errorf("fetch pool %s: %w", pool.Hex(), err)
	}
	r.cache.put(pool, meta)
	return meta, nil
}
