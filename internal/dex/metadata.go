package dex

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/topeklc/BSC-BuyBot/internal/chain"
	"github.com/topeklc/BSC-BuyBot/internal/model"
)

// addressCache holds immutable chain metadata keyed by contract address.
type addressCache[V any] struct {
	mu   sync.RWMutex
	data map[common.Address]V
}

func newAddressCache[V any]() *addressCache[V] {
	return &addressCache[V]{data: make(map[common.Address]V)}
}

func (c *addressCache[V]) get(address common.Address) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[address]
	return v, ok
}

func (c *addressCache[V]) put(address common.Address, v V) {
	c.mu.Lock()
	c.data[address] = v
	c.mu.Unlock()
}

// FetchPoolMeta loads immutable pool metadata from chain. V2 pairs get the
// fixed V2 fee and zero tick spacing.
func FetchPoolMeta(ctx context.Context, caller chain.Caller, pool common.Address, version model.PoolVersion) (model.PoolMetadata, error) {
	if caller == nil {
		return model.PoolMetadata{}, fmt.Errorf("chain client is nil")
	}

	var parsed abi.ABI
	var err error
	switch version {
	case model.PoolV3:
		parsed, err = V3PoolABI()
	case model.PoolV2:
		parsed, err = V2PairABI()
	default:
		return model.PoolMetadata{}, fmt.Errorf("%w: %s", model.ErrMissingVersion, pool.Hex())
	}
	if err != nil {
		return model.PoolMetadata{}, fmt.Errorf("parse pool abi: %w", err)
	}

	values, err := callMethod(ctx, caller, pool, parsed, "token0")
	if err != nil {
		return model.PoolMetadata{}, err
	}
	token0, err := asAddress(values[0])
	if err != nil {
		return model.PoolMetadata{}, fmt.Errorf("token0: %w", err)
	}

	values, err = callMethod(ctx, caller, pool, parsed, "token1")
	if err != nil {
		return model.PoolMetadata{}, err
	}
	token1, err := asAddress(values[0])
	if err != nil {
		return model.PoolMetadata{}, fmt.Errorf("token1: %w", err)
	}

	meta := model.PoolMetadata{
		Address:     pool.Hex(),
		Token0:      token0.Hex(),
		Token1:      token1.Hex(),
		Fee:         V2PoolFee,
		TickSpacing: V2PoolTickSpacing,
		Version:     version,
	}
	if version == model.PoolV2 {
		return meta, nil
	}

	values, err = callMethod(ctx, caller, pool, parsed, "fee")
	if err != nil {
		return model.PoolMetadata{}, err
	}
	feeInt, err := asBigInt(values[0])
	if err != nil {
		return model.PoolMetadata{}, fmt.Errorf("fee: %w", err)
	}
	meta.Fee = uint32(feeInt.Uint64())

	values, err = callMethod(ctx, caller, pool, parsed, "tickSpacing")
	if err != nil {
		return model.PoolMetadata{}, err
	}
	tickSpacingInt, err := asBigInt(values[0])
	if err != nil {
		return model.PoolMetadata{}, fmt.Errorf("tick spacing: %w", err)
	}
	meta.TickSpacing, err = int24FromBig(tickSpacingInt)
	if err != nil {
		return model.PoolMetadata{}, fmt.Errorf("tick spacing: %w", err)
	}

	return meta, nil
}

func callMethod(ctx context.Context, caller chain.Caller, to common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	resp, err := caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("unpack %s: empty result", method)
	}
	return values, nil
}

// FetchTokenMeta loads token metadata via ERC20 calls.
func FetchTokenMeta(ctx context.Context, caller chain.Caller, token common.Address, logger *zap.Logger) (model.TokenMeta, error) {
	meta := model.TokenMeta{Address: token.Hex()}
	if caller == nil {
		return meta, fmt.Errorf("chain client is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	stringABI, err := erc20ABIString.get()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 string abi: %w", err)
	}
	bytes32ABI, err := erc20ABIBytes32.get()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 bytes32 abi: %w", err)
	}

	values, err := callMethod(ctx, caller, token, stringABI, "decimals")
	if err != nil {
		return meta, err
	}
	decimals, err := asUint8(values[0])
	if err != nil {
		return meta, err
	}
	meta.Decimals = decimals

	values, err = callMethod(ctx, caller, token, stringABI, "totalSupply")
	if err != nil {
		return meta, err
	}
	supply, err := asBigInt(values[0])
	if err != nil {
		return meta, fmt.Errorf("total supply: %w", err)
	}
	meta.TotalSupply = supply.String()

	if values, err := callMethod(ctx, caller, token, stringABI, "symbol"); err == nil {
		if symbol, ok := values[0].(string); ok {
			meta.Symbol = symbol
		}
	} else if values, err := callMethod(ctx, caller, token, bytes32ABI, "symbol"); err == nil {
		if symbol, ok := bytes32ToString(values[0]); ok {
			meta.Symbol = symbol
		}
	} else {
		logger.Debug("symbol call failed", zap.String("token", token.Hex()), zap.Error(err))
	}

	if values, err := callMethod(ctx, caller, token, stringABI, "name"); err == nil {
		if name, ok := values[0].(string); ok {
			meta.Name = name
		}
	} else if values, err := callMethod(ctx, caller, token, bytes32ABI, "name"); err == nil {
		if name, ok := bytes32ToString(values[0]); ok {
			meta.Name = name
		}
	} else {
		logger.Debug("name call failed", zap.String("token", token.Hex()), zap.Error(err))
	}

	return meta, nil
}

// BalanceOf returns the raw token balance of holder.
func BalanceOf(ctx context.Context, caller chain.Caller, token, holder common.Address) (*big.Int, error) {
	if caller == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	parsed, err := erc20ABIString.get()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	values, err := callMethod(ctx, caller, token, parsed, "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

func bytes32ToString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case [32]byte:
		return string(bytes.TrimRight(v[:], "\x00")), true
	case []byte:
		return string(bytes.TrimRight(v, "\x00")), true
	default:
		return "", false
	}
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case int8:
		return big.NewInt(int64(v)), nil
	case int16:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}

func asUint8(value interface{}) (uint8, error) {
	switch v := value.(type) {
	case uint8:
		return v, nil
	case uint16:
		return uint8(v), nil
	case uint32:
		return uint8(v), nil
	case uint64:
		return uint8(v), nil
	case *big.Int:
		return uint8(v.Uint64()), nil
	default:
		return 0, fmt.Errorf("unsupported uint8 type %T", value)
	}
}

func int24FromBig(value *big.Int) (int32, error) {
	min := big.NewInt(-1 << 23)
	max := big.NewInt((1 << 23) - 1)
	if value.Cmp(min) < 0 || value.Cmp(max) > 0 {
		return 0, fmt.Errorf("int24 overflow: %s", value.String())
	}
	return int32(value.Int64()), nil
}
