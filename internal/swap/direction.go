package swap

import (
	"errors"
	"math/big"
)

// ErrNoDirection marks swaps that are not a one-way trade between the pool tokens.
var ErrNoDirection = errors.New("swap direction undecidable")

// Leg selects one token of a pool.
type Leg int

const (
	Token0 Leg = 0
	Token1 Leg = 1
)

// Other returns the opposite leg.
func (l Leg) Other() Leg {
	if l == Token0 {
		return Token1
	}
	return Token0
}

// Direction is the resolved trade: which leg was bought and the unsigned raw
// amounts on both sides.
type Direction struct {
	Bought       Leg
	BoughtAmount *big.Int
	SoldAmount   *big.Int
}

// Sold returns the leg given up in the trade.
func (d Direction) Sold() Leg { return d.Bought.Other() }

// DirectionV3 resolves a concentrated-liquidity swap from its signed amounts.
// The positive leg is the bought token and the negative leg paid for it.
//
//	amount0 > 0, amount1 < 0  token0 bought with token1
//	amount0 < 0, amount1 > 0  token1 bought with token0
//
// Every other sign combination is rejected.
func DirectionV3(amount0, amount1 *big.Int) (Direction, error) {
	if amount0 == nil || amount1 == nil {
		return Direction{}, ErrNoDirection
	}
	switch {
	case amount0.Sign() > 0 && amount1.Sign() < 0:
		return Direction{
			Bought:       Token0,
			BoughtAmount: new(big.Int).Set(amount0),
			SoldAmount:   new(big.Int).Neg(amount1),
		}, nil
	case amount0.Sign() < 0 && amount1.Sign() > 0:
		return Direction{
			Bought:       Token1,
			BoughtAmount: new(big.Int).Set(amount1),
			SoldAmount:   new(big.Int).Neg(amount0),
		}, nil
	default:
		return Direction{}, ErrNoDirection
	}
}

// DirectionV2 resolves a constant-product swap from its in/out amounts.
//
//	amount0In > 0, amount1Out > 0  token0 sold, token1 bought
//	amount1In > 0, amount0Out > 0  token1 sold, token0 bought
//
// Otherwise the leg whose out-amount dominates while its counterpart's
// in-amount dominates is taken as bought.
func DirectionV2(amount0In, amount1In, amount0Out, amount1Out *big.Int) (Direction, error) {
	if amount0In == nil || amount1In == nil || amount0Out == nil || amount1Out == nil {
		return Direction{}, ErrNoDirection
	}
	switch {
	case amount0In.Sign() > 0 && amount1Out.Sign() > 0:
		return Direction{Bought: Token1, BoughtAmount: new(big.Int).Set(amount1Out), SoldAmount: new(big.Int).Set(amount0In)}, nil
	case amount1In.Sign() > 0 && amount0Out.Sign() > 0:
		return Direction{Bought: Token0, BoughtAmount: new(big.Int).Set(amount0Out), SoldAmount: new(big.Int).Set(amount1In)}, nil
	case amount0Out.Cmp(amount1Out) > 0 && amount1In.Cmp(amount0In) > 0:
		return Direction{Bought: Token0, BoughtAmount: new(big.Int).Set(amount0Out), SoldAmount: new(big.Int).Set(amount1In)}, nil
	case amount1Out.Cmp(amount0Out) > 0 && amount0In.Cmp(amount1In) > 0:
		return Direction{Bought: Token1, BoughtAmount: new(big.Int).Set(amount1Out), SoldAmount: new(big.Int).Set(amount0In)}, nil
	default:
		return Direction{}, ErrNoDirection
	}
}
