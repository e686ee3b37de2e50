package dex

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/topeklc/BSC-BuyBot/internal/model"
)

var (
	testPool      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testSender    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testRecipient = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	decoder, err := NewDecoder(nil)
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	return decoder
}

func packPancakeSwap(t *testing.T, amount0, amount1 *big.Int, tick int64) []byte {
	t.Helper()
	poolABI, err := V3PoolABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	data, err := poolABI.Events["Swap"].Inputs.NonIndexed().Pack(
		amount0,
		amount1,
		big.NewInt(123456789),
		big.NewInt(987654321),
		big.NewInt(tick),
		big.NewInt(7),
		big.NewInt(9),
	)
	if err != nil {
		t.Fatalf("pack swap: %v", err)
	}
	return data
}

func TestDecoderSwapV3(t *testing.T) {
	decoder := newTestDecoder(t)

	data := packPancakeSwap(t, big.NewInt(-1000), big.NewInt(2000), -15)
	log := buildRawLog(testPool, common.HexToHash(SwapV3Topic), data, []common.Hash{
		topicFromAddress(testSender),
		topicFromAddress(testRecipient),
	})

	swap, ok := decoder.Decode(log).(model.SwapV3Decoded)
	if !ok {
		t.Fatalf("decoded type mismatch")
	}
	if swap.Amount0.String() != "-1000" || swap.Amount1.String() != "2000" {
		t.Fatalf("amounts mismatch: %s %s", swap.Amount0, swap.Amount1)
	}
	if swap.Tick != -15 {
		t.Fatalf("tick mismatch: %d", swap.Tick)
	}
	if swap.Sender != testSender || swap.Recipient != testRecipient {
		t.Fatalf("address mismatch")
	}
}

func TestDecoderUniswapStyleSwapV3(t *testing.T) {
	decoder := newTestDecoder(t)
	swapABI, err := V3SwapABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	data, err := swapABI.Events["Swap"].Inputs.NonIndexed().Pack(
		big.NewInt(5), big.NewInt(-6), big.NewInt(1), big.NewInt(2), big.NewInt(100),
	)
	if err != nil {
		t.Fatalf("pack swap: %v", err)
	}
	log := buildRawLog(testPool, swapABI.Events["Swap"].ID, data, []common.Hash{
		topicFromAddress(testSender),
		topicFromAddress(testRecipient),
	})

	swap, ok := decoder.Decode(log).(model.SwapV3Decoded)
	if !ok {
		t.Fatalf("decoded type mismatch")
	}
	if swap.Amount0.Int64() != 5 || swap.Amount1.Int64() != -6 || swap.Tick != 100 {
		t.Fatalf("swap mismatch: %+v", swap)
	}
}

func TestManualSwapV3MatchesStructured(t *testing.T) {
	decoder := newTestDecoder(t)

	minInt256 := new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
	fiveTokens, _ := new(big.Int).SetString("5000000000000000000", 10)
	oneToken, _ := new(big.Int).SetString("-1000000000000000000", 10)

	cases := []struct {
		amount0 *big.Int
		amount1 *big.Int
		tick    int64
	}{
		{fiveTokens, oneToken, 887272},
		{oneToken, fiveTokens, -887272},
		{big.NewInt(0), big.NewInt(-1), 0},
		{minInt256, big.NewInt(1), -1},
		{big.NewInt(-1), new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1)), 1},
	}

	for i, tc := range cases {
		data := packPancakeSwap(t, tc.amount0, tc.amount1, tc.tick)
		log := buildRawLog(testPool, common.HexToHash(SwapV3Topic), data, []common.Hash{
			topicFromAddress(testSender),
			topicFromAddress(testRecipient),
		})

		structured, ok := decoder.Decode(log).(model.SwapV3Decoded)
		if !ok {
			t.Fatalf("case %d: structured decode failed", i)
		}
		manual := ManualSwapV3(log.Data, log.Topics)
		if manual == nil {
			t.Fatalf("case %d: manual decode returned nil", i)
		}

		if structured.Amount0.Cmp(manual.Amount0) != 0 || structured.Amount1.Cmp(manual.Amount1) != 0 {
			t.Fatalf("case %d: amounts differ: structured=(%s,%s) manual=(%s,%s)",
				i, structured.Amount0, structured.Amount1, manual.Amount0, manual.Amount1)
		}
		if manual.Amount0.Cmp(tc.amount0) != 0 || manual.Amount1.Cmp(tc.amount1) != 0 {
			t.Fatalf("case %d: manual amounts mismatch input", i)
		}
		if structured.Tick != manual.Tick {
			t.Fatalf("case %d: tick differs: %d != %d", i, structured.Tick, manual.Tick)
		}
		if manual.Sender != testSender || manual.Recipient != testRecipient {
			t.Fatalf("case %d: manual addresses mismatch", i)
		}
	}
}

func TestDecoderFallsBackToManual(t *testing.T) {
	decoder := newTestDecoder(t)
	swapABI, err := V3SwapABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	// Five words under the PancakeSwap topic cannot satisfy the seven field layout.
	data, err := swapABI.Events["Swap"].Inputs.NonIndexed().Pack(
		big.NewInt(-42), big.NewInt(43), big.NewInt(1), big.NewInt(2), big.NewInt(-3),
	)
	if err != nil {
		t.Fatalf("pack swap: %v", err)
	}
	log := buildRawLog(testPool, common.HexToHash(SwapV3Topic), data, []common.Hash{
		topicFromAddress(testSender),
		topicFromAddress(testRecipient),
	})

	swap, ok := decoder.Decode(log).(model.SwapV3Decoded)
	if !ok {
		t.Fatalf("expected manual fallback to decode swap")
	}
	if swap.Amount0.Int64() != -42 || swap.Amount1.Int64() != 43 || swap.Tick != -3 {
		t.Fatalf("fallback mismatch: %+v", swap)
	}
}

func TestDecoderTruncatedSwapV3(t *testing.T) {
	decoder := newTestDecoder(t)

	data := make([]byte, 4*32)
	log := buildRawLog(testPool, common.HexToHash(SwapV3Topic), data, []common.Hash{
		topicFromAddress(testSender),
		topicFromAddress(testRecipient),
	})

	event := decoder.Decode(log)
	if _, ok := event.(model.Unrecognized); !ok {
		t.Fatalf("expected unrecognized, got %T", event)
	}
	if ManualSwapV3(log.Data, log.Topics) != nil {
		t.Fatalf("expected nil for truncated data")
	}
}

func TestManualDecodersRejectShortInput(t *testing.T) {
	for n := 0; n < 8*32; n++ {
		data := "0x" + strings.Repeat("ab", n)
		if n < minSwapV3Words*32 && ManualSwapV3(data, nil) != nil {
			t.Fatalf("v3: expected nil for %d bytes", n)
		}
		if n < minSwapV2Words*32 && ManualSwapV2(data, nil) != nil {
			t.Fatalf("v2: expected nil for %d bytes", n)
		}
		if n < minBuyWords*32 && ManualBuy(data) != nil {
			t.Fatalf("buy: expected nil for %d bytes", n)
		}
		if n < minNewPoolWords*32 && ManualNewPool(data) != nil {
			t.Fatalf("new pool: expected nil for %d bytes", n)
		}
	}
}

func TestManualDecoderMalformedHex(t *testing.T) {
	swap := ManualSwapV3("0x"+strings.Repeat("zz", 5*32), nil)
	if swap == nil {
		t.Fatalf("expected zero-valued struct")
	}
	if swap.Amount0.Sign() != 0 || swap.Amount1.Sign() != 0 || swap.Tick != 0 {
		t.Fatalf("expected zero values: %+v", swap)
	}
}

func TestDecoderSwapV2(t *testing.T) {
	decoder := newTestDecoder(t)
	pairABI, err := V2PairABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	twoTokens, _ := new(big.Int).SetString("2000000000000000000", 10)
	oneToken, _ := new(big.Int).SetString("1000000000000000000", 10)
	data, err := pairABI.Events["Swap"].Inputs.NonIndexed().Pack(
		big.NewInt(0), twoTokens, oneToken, big.NewInt(0),
	)
	if err != nil {
		t.Fatalf("pack swap: %v", err)
	}
	log := buildRawLog(testPool, common.HexToHash(SwapV2Topic), data, []common.Hash{
		topicFromAddress(testSender),
		topicFromAddress(testRecipient),
	})

	swap, ok := decoder.Decode(log).(model.SwapV2Decoded)
	if !ok {
		t.Fatalf("decoded type mismatch")
	}
	if swap.Amount1In.Cmp(twoTokens) != 0 || swap.Amount0Out.Cmp(oneToken) != 0 {
		t.Fatalf("amounts mismatch: %+v", swap)
	}
	if swap.Amount0In.Sign() != 0 || swap.Amount1Out.Sign() != 0 {
		t.Fatalf("expected zero amounts: %+v", swap)
	}
	if swap.Sender != testSender || swap.To != testRecipient {
		t.Fatalf("address mismatch")
	}

	manual := ManualSwapV2(log.Data, log.Topics)
	if manual == nil || manual.Amount1In.Cmp(swap.Amount1In) != 0 || manual.To != swap.To {
		t.Fatalf("manual v2 mismatch: %+v", manual)
	}
}

func TestDecoderLaunchpadEvents(t *testing.T) {
	decoder := newTestDecoder(t)
	managerABI, err := TokenManagerABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	token := common.HexToAddress("0x4444444444444444444444444444444444444444")
	account := common.HexToAddress("0x5555555555555555555555555555555555555555")
	buyData, err := managerABI.Events["TokenPurchase"].Inputs.NonIndexed().Pack(
		token, account,
		big.NewInt(10), big.NewInt(20), big.NewInt(30), big.NewInt(1), big.NewInt(40), big.NewInt(50),
	)
	if err != nil {
		t.Fatalf("pack purchase: %v", err)
	}

	buy, ok := decoder.Decode(buildRawLog(testPool, common.HexToHash(BuyTopic), buyData, nil)).(model.BuyDecoded)
	if !ok {
		t.Fatalf("buy type mismatch")
	}
	if buy.Token != token || buy.Account != account || buy.Amount.Int64() != 20 || buy.Cost.Int64() != 30 || buy.Funds.Int64() != 50 {
		t.Fatalf("buy mismatch: %+v", buy)
	}

	quote := common.HexToAddress(WBNBAddress)
	poolData, err := managerABI.Events["LiquidityAdded"].Inputs.NonIndexed().Pack(
		token, big.NewInt(77), quote, big.NewInt(88),
	)
	if err != nil {
		t.Fatalf("pack liquidity: %v", err)
	}

	added, ok := decoder.Decode(buildRawLog(testPool, common.HexToHash(NewPoolTopic), poolData, nil)).(model.NewPoolDecoded)
	if !ok {
		t.Fatalf("new pool type mismatch")
	}
	if added.Base != token || added.Quote != quote || added.Funds.Int64() != 88 {
		t.Fatalf("new pool mismatch: %+v", added)
	}
}

func TestDecoderUnknownTopic(t *testing.T) {
	decoder := newTestDecoder(t)
	log := buildRawLog(testPool, common.HexToHash("0x01"), nil, nil)
	if _, ok := decoder.Decode(log).(model.Unrecognized); !ok {
		t.Fatalf("expected unrecognized")
	}
	if _, ok := decoder.Decode(model.RawLog{}).(model.Unrecognized); !ok {
		t.Fatalf("expected unrecognized for empty log")
	}
	if kind, ok := decoder.KindOf(strings.ToUpper(SwapV2Topic[2:])); ok {
		t.Fatalf("unexpected kind for unprefixed topic: %s", kind)
	}
	if kind, ok := decoder.KindOf(SwapV2Topic); !ok || kind != model.KindSwapV2 {
		t.Fatalf("kind mismatch: %s", kind)
	}
}

func buildRawLog(address common.Address, topic0 common.Hash, data []byte, indexed []common.Hash) model.RawLog {
	topics := make([]string, 0, len(indexed)+1)
	topics = append(topics, topic0.Hex())
	for _, topic := range indexed {
		topics = append(topics, topic.Hex())
	}

	return model.RawLog{
		Address:     address.Hex(),
		Topics:      topics,
		Data:        hexutil.Encode(data),
		TxHash:      "0xdef",
		BlockNumber: 12345,
		LogIndex:    1,
	}
}

func topicFromAddress(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}
