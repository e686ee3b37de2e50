package dex

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/topeklc/BSC-BuyBot/internal/chain"
	"github.com/topeklc/BSC-BuyBot/internal/model"
)

// PoolRef is a pool address with its DEX version.
type PoolRef struct {
	Address common.Address
	Version model.PoolVersion
}

// FactoryConfig locates the factories and the quote asset for pool lookups.
type FactoryConfig struct {
	FactoryV3 common.Address
	FactoryV2 common.Address
	Quote     common.Address
	FeeTiers  []uint32
}

// FindPools lists V3 pools across fee tiers and the V2 pair between token and
// the quote asset. Individual lookup errors are returned only when nothing was found.
func FindPools(ctx context.Context, caller chain.Caller, cfg FactoryConfig, token common.Address) ([]PoolRef, error) {
	parsed, err := factoryABI.get()
	if err != nil {
		return nil, fmt.Errorf("parse factory abi: %w", err)
	}

	var pools []PoolRef
	var errs []error

	for _, fee := range cfg.FeeTiers {
		values, err := callMethod(ctx, caller, cfg.FactoryV3, parsed, "getPool", token, cfg.Quote, new(big.Int).SetUint64(uint64(fee)))
		if err != nil {
			errs = append(errs, fmt.Errorf("getPool fee %d: %w", fee, err))
			continue
		}
		if addr, err := asAddress(values[0]); err == nil && addr != (common.Address{}) {
			pools = append(pools, PoolRef{Address: addr, Version: model.PoolV3})
		}
	}

	for _, pair := range [][2]common.Address{{token, cfg.Quote}, {cfg.Quote, token}} {
		values, err := callMethod(ctx, caller, cfg.FactoryV2, parsed, "getPair", pair[0], pair[1])
		if err != nil {
			errs = append(errs, fmt.Errorf("getPair: %w", err))
			continue
		}
		if addr, err := asAddress(values[0]); err == nil && addr != (common.Address{}) {
			pools = append(pools, PoolRef{Address: addr, Version: model.PoolV2})
			break
		}
	}

	if len(pools) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return pools, nil
}

// AmountsOut quotes a swap path through a V2 router.
func AmountsOut(ctx context.Context, caller chain.Caller, router common.Address, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	parsed, err := routerABI.get()
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	values, err := callMethod(ctx, caller, router, parsed, "getAmountsOut", amountIn, path)
	if err != nil {
		return nil, err
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getAmountsOut type %T", values[0])
	}
	if len(amounts) != len(path) {
		return nil, fmt.Errorf("getAmountsOut returned %d amounts for %d hops", len(amounts), len(path))
	}
	return amounts, nil
}
