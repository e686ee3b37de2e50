package dex

import (
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/topeklc/BSC-BuyBot/internal/model"
)

const wordSize = 32

// Minimum data words per event layout.
const (
	minSwapV3Words  = 5
	minSwapV2Words  = 4
	minBuyWords     = 8
	minNewPoolWords = 4
)

// ManualSwapV3 slices a V3 swap payload at fixed offsets. It returns nil when
// the payload is shorter than five words and a zero-valued struct when the hex
// is malformed.
func ManualSwapV3(data string, topics []string) *model.SwapV3Decoded {
	words, ok := splitWords(data, minSwapV3Words)
	if !ok {
		return nil
	}
	tick := int32(0)
	if t := signedWord(words[4]); t.IsInt64() {
		tick = int32(t.Int64())
	}
	return &model.SwapV3Decoded{
		Sender:       topicAddress(topics, 1),
		Recipient:    topicAddress(topics, 2),
		Amount0:      signedWord(words[0]),
		Amount1:      signedWord(words[1]),
		SqrtPriceX96: unsignedWord(words[2]),
		Liquidity:    unsignedWord(words[3]),
		Tick:         tick,
	}
}

// ManualSwapV2 slices a V2 swap payload. Same contract as ManualSwapV3 with a
// four word minimum.
func ManualSwapV2(data string, topics []string) *model.SwapV2Decoded {
	words, ok := splitWords(data, minSwapV2Words)
	if !ok {
		return nil
	}
	return &model.SwapV2Decoded{
		Sender:     topicAddress(topics, 1),
		To:         topicAddress(topics, 2),
		Amount0In:  unsignedWord(words[0]),
		Amount1In:  unsignedWord(words[1]),
		Amount0Out: unsignedWord(words[2]),
		Amount1Out: unsignedWord(words[3]),
	}
}

// ManualBuy slices a launchpad purchase payload.
func ManualBuy(data string) *model.BuyDecoded {
	words, ok := splitWords(data, minBuyWords)
	if !ok {
		return nil
	}
	return &model.BuyDecoded{
		Token:   wordAddress(words[0]),
		Account: wordAddress(words[1]),
		Price:   unsignedWord(words[2]),
		Amount:  unsignedWord(words[3]),
		Cost:    unsignedWord(words[4]),
		Fee:     unsignedWord(words[5]),
		Offers:  unsignedWord(words[6]),
		Funds:   unsignedWord(words[7]),
	}
}

// ManualNewPool slices a launchpad graduation payload.
func ManualNewPool(data string) *model.NewPoolDecoded {
	words, ok := splitWords(data, minNewPoolWords)
	if !ok {
		return nil
	}
	return &model.NewPoolDecoded{
		Base:   wordAddress(words[0]),
		Offers: unsignedWord(words[1]),
		Quote:  wordAddress(words[2]),
		Funds:  unsignedWord(words[3]),
	}
}

// splitWords returns the first min words of the payload. ok is false when the
// payload is too short. Malformed hex yields min zero words.
func splitWords(data string, min int) ([][]byte, bool) {
	raw := strings.TrimPrefix(strings.TrimPrefix(data, "0x"), "0X")
	if len(raw) < min*wordSize*2 {
		return nil, false
	}

	words := make([][]byte, min)
	decoded, err := hex.DecodeString(raw[:min*wordSize*2])
	if err != nil {
		for i := range words {
			words[i] = make([]byte, wordSize)
		}
		return words, true
	}
	for i := range words {
		words[i] = decoded[i*wordSize : (i+1)*wordSize]
	}
	return words, true
}

func unsignedWord(word []byte) *big.Int {
	return new(big.Int).SetBytes(word)
}

// signedWord interprets a word as a two's-complement int256.
func signedWord(word []byte) *big.Int {
	return math.S256(new(big.Int).SetBytes(word))
}

func wordAddress(word []byte) common.Address {
	return common.BytesToAddress(word[wordSize-common.AddressLength:])
}

func topicAddress(topics []string, idx int) common.Address {
	if idx >= len(topics) {
		return common.Address{}
	}
	return common.HexToAddress(topics[idx])
}
