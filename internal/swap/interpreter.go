package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/topeklc/BSC-BuyBot/internal/model"
)

// ErrMetadataUnavailable is returned when token metadata cannot be resolved.
var ErrMetadataUnavailable = errors.New("token metadata unavailable")

const (
	DexPancakeV3   = "PancakeSwapV3"
	DexPancakeV2   = "PancakeSwapV2"
	DexSpringboard = "Springboard"
)

// Launchpad amounts are always 18-decimal.
const launchpadDecimals = 18

// MetadataSource resolves token decimals, supply and names.
type MetadataSource interface {
	TokenMetadata(ctx context.Context, address string) (model.TokenMeta, error)
}

// PriceSource provides the wrapped-native USD reference price.
type PriceSource interface {
	ReferencePriceUSD(ctx context.Context) (float64, error)
}

// BalanceSource reads a holder's post-trade balance. Optional.
type BalanceSource interface {
	BalanceOf(ctx context.Context, token, holder string) (*big.Int, error)
}

// Config names the wrapped-native asset used for USD pricing.
type Config struct {
	WrappedNative       string
	WrappedNativeName   string
	WrappedNativeSymbol string
}

// Interpreter turns decoded swaps and launchpad purchases into BuyEvents.
type Interpreter struct {
	cfg      Config
	tokens   MetadataSource
	prices   PriceSource
	balances BalanceSource
	logger   *zap.Logger
}

// NewInterpreter builds an Interpreter. balances may be nil, in which case the
// holder increase is reported as "0".
func NewInterpreter(cfg Config, tokens MetadataSource, prices PriceSource, balances BalanceSource, logger *zap.Logger) *Interpreter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WrappedNativeName == "" {
		cfg.WrappedNativeName = "Wrapped BNB"
	}
	if cfg.WrappedNativeSymbol == "" {
		cfg.WrappedNativeSymbol = "WBNB"
	}
	return &Interpreter{
		cfg:      cfg,
		tokens:   tokens,
		prices:   prices,
		balances: balances,
		logger:   logger.With(zap.String("component", "swap")),
	}
}

// InterpretV3 builds a BuyEvent from a V3 pool swap.
func (i *Interpreter) InterpretV3(ctx context.Context, pool model.PoolMetadata, ev model.SwapV3Decoded, txHash string) (model.BuyEvent, error) {
	dir, err := DirectionV3(ev.Amount0, ev.Amount1)
	if err != nil {
		return model.BuyEvent{}, err
	}
	return i.interpretPool(ctx, pool, dir, ev.Recipient.Hex(), DexPancakeV3, txHash)
}

// InterpretV2 builds a BuyEvent from a V2 pair swap.
func (i *Interpreter) InterpretV2(ctx context.Context, pool model.PoolMetadata, ev model.SwapV2Decoded, txHash string) (model.BuyEvent, error) {
	dir, err := DirectionV2(ev.Amount0In, ev.Amount1In, ev.Amount0Out, ev.Amount1Out)
	if err != nil {
		return model.BuyEvent{}, err
	}
	return i.interpretPool(ctx, pool, dir, ev.To.Hex(), DexPancakeV2, txHash)
}

func (i *Interpreter) interpretPool(ctx context.Context, pool model.PoolMetadata, dir Direction, holder, dex, txHash string) (model.BuyEvent, error) {
	boughtAddr, soldAddr := legAddress(pool, dir.Bought), legAddress(pool, dir.Sold())
	if boughtAddr == "" || soldAddr == "" {
		return model.BuyEvent{}, fmt.Errorf("%w: pool %s missing token addresses", ErrMetadataUnavailable, pool.Address)
	}

	boughtMeta, err := i.tokens.TokenMetadata(ctx, boughtAddr)
	if err != nil {
		return model.BuyEvent{}, fmt.Errorf("%w: %s: %v", ErrMetadataUnavailable, boughtAddr, err)
	}
	soldMeta, err := i.tokens.TokenMetadata(ctx, soldAddr)
	if err != nil {
		return model.BuyEvent{}, fmt.Errorf("%w: %s: %v", ErrMetadataUnavailable, soldAddr, err)
	}
	supply, err := decimal.NewFromString(boughtMeta.TotalSupply)
	if err != nil {
		return model.BuyEvent{}, fmt.Errorf("%w: total supply of %s: %v", ErrMetadataUnavailable, boughtAddr, err)
	}

	bought := humanAmount(dir.BoughtAmount, boughtMeta.Decimals)
	sold := humanAmount(dir.SoldAmount, soldMeta.Decimals)
	if bought.IsZero() || sold.IsZero() {
		return model.BuyEvent{}, ErrNoDirection
	}

	refPrice := i.referencePrice(ctx)
	spentPrice := decimal.Zero
	// A non-native sold leg is counted at face value.
	spentDollars := sold
	if strings.EqualFold(soldAddr, i.cfg.WrappedNative) {
		spentPrice = refPrice
		spentDollars = sold.Mul(refPrice)
	}
	tokenPrice := spentDollars.Div(bought)
	marketcap := supply.Shift(-int32(boughtMeta.Decimals)).Mul(tokenPrice)

	event := model.BuyEvent{
		SpentToken: model.TokenSide{
			Address:        soldAddr,
			Name:           soldMeta.Name,
			Symbol:         soldMeta.Symbol,
			Amount:         sold.InexactFloat64(),
			PriceUSD:       spentPrice.InexactFloat64(),
			PricePairToken: sold.Div(bought).InexactFloat64(),
		},
		GotToken: model.TokenSide{
			Address:        boughtAddr,
			Name:           boughtMeta.Name,
			Symbol:         boughtMeta.Symbol,
			Amount:         bought.InexactFloat64(),
			PriceUSD:       tokenPrice.InexactFloat64(),
			PricePairToken: bought.Div(sold).InexactFloat64(),
		},
		PairAddress:    pool.Address,
		SpentDollars:   spentDollars.InexactFloat64(),
		HolderWallet:   holder,
		HolderIncrease: i.holderIncrease(ctx, boughtAddr, holder, dir.BoughtAmount),
		Marketcap:      marketcap.InexactFloat64(),
		Dex:            dex,
		TxHash:         txHash,
	}
	if err := event.Validate(); err != nil {
		return model.BuyEvent{}, err
	}
	return event, nil
}

// InterpretBuy builds a BuyEvent from a launchpad bonding-curve purchase paid
// in the wrapped-native asset.
func (i *Interpreter) InterpretBuy(ctx context.Context, ev model.BuyDecoded, txHash string) (model.BuyEvent, error) {
	if ev.Amount == nil || ev.Amount.Sign() <= 0 || ev.Cost == nil {
		return model.BuyEvent{}, ErrNoDirection
	}

	token := ev.Token.Hex()
	meta, err := i.tokens.TokenMetadata(ctx, token)
	if err != nil {
		return model.BuyEvent{}, fmt.Errorf("%w: %s: %v", ErrMetadataUnavailable, token, err)
	}
	supply, err := decimal.NewFromString(meta.TotalSupply)
	if err != nil {
		return model.BuyEvent{}, fmt.Errorf("%w: total supply of %s: %v", ErrMetadataUnavailable, token, err)
	}

	refPrice := i.referencePrice(ctx)
	spent := humanAmount(ev.Cost, launchpadDecimals)
	got := humanAmount(ev.Amount, launchpadDecimals)
	spentDollars := spent.Mul(refPrice)
	price := spentDollars.Div(got)
	marketcap := supply.Shift(-launchpadDecimals).Mul(price)
	pairPrice := humanAmount(ev.Price, launchpadDecimals).InexactFloat64()

	pair := ""
	if len(meta.Pools) > 0 {
		pair = meta.Pools[0]
	}

	event := model.BuyEvent{
		SpentToken: model.TokenSide{
			Address:        i.cfg.WrappedNative,
			Name:           i.cfg.WrappedNativeName,
			Symbol:         i.cfg.WrappedNativeSymbol,
			Amount:         spent.InexactFloat64(),
			PriceUSD:       refPrice.InexactFloat64(),
			PricePairToken: pairPrice,
		},
		GotToken: model.TokenSide{
			Address:        meta.Address,
			Name:           meta.Name,
			Symbol:         meta.Symbol,
			Amount:         got.InexactFloat64(),
			PriceUSD:       price.InexactFloat64(),
			PricePairToken: pairPrice,
		},
		PairAddress:    pair,
		SpentDollars:   spentDollars.InexactFloat64(),
		HolderWallet:   ev.Account.Hex(),
		HolderIncrease: i.holderIncrease(ctx, token, ev.Account.Hex(), ev.Amount),
		Marketcap:      marketcap.InexactFloat64(),
		Dex:            DexSpringboard,
		TxHash:         txHash,
		BondingStatus:  humanAmount(ev.Funds, launchpadDecimals).InexactFloat64(),
	}
	if event.GotToken.Address == "" {
		event.GotToken.Address = token
	}
	if err := event.Validate(); err != nil {
		return model.BuyEvent{}, err
	}
	return event, nil
}

// referencePrice returns the USD price of the wrapped-native asset, or zero
// when it is unknown.
func (i *Interpreter) referencePrice(ctx context.Context) decimal.Decimal {
	if i.prices == nil {
		return decimal.Zero
	}
	price, err := i.prices.ReferencePriceUSD(ctx)
	if err != nil {
		i.logger.Warn("reference price unavailable", zap.Error(err))
		return decimal.Zero
	}
	return decimal.NewFromFloat(price)
}

func (i *Interpreter) holderIncrease(ctx context.Context, token, holder string, bought *big.Int) string {
	if i.balances == nil || holder == "" {
		return "0"
	}
	balance, err := i.balances.BalanceOf(ctx, token, holder)
	if err != nil || balance == nil {
		i.logger.Debug("holder balance unavailable", zap.String("token", token), zap.String("holder", holder), zap.Error(err))
		return "0"
	}
	return HolderIncrease(balance, bought)
}

// HolderIncrease describes how much a buy grew the holder's position.
// A holder whose whole balance came from this buy is "New Holder!". Otherwise
// the increase over the previous balance is reported when above 1%.
func HolderIncrease(balance, bought *big.Int) string {
	if balance == nil || bought == nil {
		return ""
	}
	previous := new(big.Int).Sub(balance, bought)
	switch {
	case previous.Sign() == 0:
		return "New Holder!"
	case previous.Sign() > 0:
		pct := decimal.NewFromBigInt(bought, 0).
			Div(decimal.NewFromBigInt(previous, 0)).
			Mul(decimal.NewFromInt(100))
		if pct.GreaterThan(decimal.NewFromInt(1)) {
			return "+" + pct.StringFixed(2) + "%"
		}
	}
	return ""
}

func legAddress(pool model.PoolMetadata, leg Leg) string {
	if leg == Token0 {
		return pool.Token0
	}
	return pool.Token1
}

func humanAmount(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}
