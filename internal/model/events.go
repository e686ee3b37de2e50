package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind identifies a watched event family.
type Kind string

const (
	KindBuy          Kind = "buy"
	KindNewPool      Kind = "newPool"
	KindSwapV2       Kind = "swapV2"
	KindSwapV3       Kind = "swapV3"
	KindUnrecognized Kind = "unrecognized"
)

// DecodedEvent is one of BuyDecoded, NewPoolDecoded, SwapV2Decoded,
// SwapV3Decoded or Unrecognized.
type DecodedEvent interface {
	Kind() Kind
}

// BuyDecoded is a launchpad bonding-curve purchase.
type BuyDecoded struct {
	Token   common.Address
	Account common.Address
	Price   *big.Int
	Amount  *big.Int
	Cost    *big.Int
	Fee     *big.Int
	Offers  *big.Int
	Funds   *big.Int
}

func (BuyDecoded) Kind() Kind { return KindBuy }

// NewPoolDecoded signals that a launchpad token graduated to a DEX pool.
type NewPoolDecoded struct {
	Base   common.Address
	Offers *big.Int
	Quote  common.Address
	Funds  *big.Int
}

func (NewPoolDecoded) Kind() Kind { return KindNewPool }

// SwapV2Decoded is a constant-product pair swap. All amounts are unsigned.
type SwapV2Decoded struct {
	Sender     common.Address
	To         common.Address
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int
}

func (SwapV2Decoded) Kind() Kind { return KindSwapV2 }

// SwapV3Decoded is a concentrated-liquidity pool swap. Amount0 and Amount1
// are signed int256 values.
type SwapV3Decoded struct {
	Sender       common.Address
	Recipient    common.Address
	Amount0      *big.Int
	Amount1      *big.Int
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         int32
}

func (SwapV3Decoded) Kind() Kind { return KindSwapV3 }

// Unrecognized carries the reason a log could not be decoded.
type Unrecognized struct {
	Topic0 string
	Reason string
}

func (Unrecognized) Kind() Kind { return KindUnrecognized }
