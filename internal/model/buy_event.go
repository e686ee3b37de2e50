package model

import (
	"errors"
	"fmt"
	"strings"
)

// TokenSide is one leg of a buy.
type TokenSide struct {
	Address        string  `json:"address"`
	Name           string  `json:"name"`
	Symbol         string  `json:"symbol"`
	Amount         float64 `json:"amount"`
	PriceUSD       float64 `json:"priceUSD"`
	PricePairToken float64 `json:"pricePairToken"`
}

// BuyEvent is the interpreted trade broadcast to subscribers.
type BuyEvent struct {
	SpentToken     TokenSide `json:"spentToken"`
	GotToken       TokenSide `json:"gotToken"`
	PairAddress    string    `json:"pairAddress"`
	SpentDollars   float64   `json:"spentDollars"`
	HolderWallet   string    `json:"holderWallet"`
	HolderIncrease string    `json:"holderIncrease"`
	Marketcap      float64   `json:"marketcap"`
	Dex            string    `json:"dex"`
	TxHash         string    `json:"txHash"`
	BondingStatus  float64   `json:"bondingStatus"`
}

// Validate enforces distinct legs and non-negative amounts.
func (e BuyEvent) Validate() error {
	if e.SpentToken.Address == "" || e.GotToken.Address == "" {
		return errors.New("buy event token address missing")
	}
	if strings.EqualFold(e.SpentToken.Address, e.GotToken.Address) {
		return fmt.Errorf("buy event spent and got token are both %s", e.GotToken.Address)
	}
	amounts := []float64{
		e.SpentToken.Amount, e.GotToken.Amount,
		e.SpentToken.PriceUSD, e.GotToken.PriceUSD,
		e.SpentDollars, e.Marketcap,
	}
	for _, v := range amounts {
		if v < 0 {
			return fmt.Errorf("buy event has negative amount %v", v)
		}
	}
	return nil
}

// NewPoolMessage announces a freshly discovered pool.
type NewPoolMessage struct {
	TokenName    string       `json:"tokenName"`
	TokenAddress string       `json:"tokenAddress"`
	PoolDetail   PoolMetadata `json:"poolDetail"`
}
