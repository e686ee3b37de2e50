package dex

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/topeklc/BSC-BuyBot/internal/model"
	"github.com/topeklc/BSC-BuyBot/internal/observability"
)

type route struct {
	kind  model.Kind
	event abi.Event
}

// Decoder turns raw logs into typed events. Structured ABI decoding is tried
// first and manual fixed-offset slicing is the fallback.
type Decoder struct {
	routes  map[string]route
	metrics *observability.Metrics
}

// NewDecoder builds a decoder for buy, new-pool and V2/V3 swap logs.
func NewDecoder(metrics *observability.Metrics) (*Decoder, error) {
	pancakeV3, err := V3PoolABI()
	if err != nil {
		return nil, fmt.Errorf("parse v3 pool abi: %w", err)
	}
	uniswapV3, err := V3SwapABI()
	if err != nil {
		return nil, fmt.Errorf("parse v3 swap abi: %w", err)
	}
	v2Pair, err := V2PairABI()
	if err != nil {
		return nil, fmt.Errorf("parse v2 pair abi: %w", err)
	}
	manager, err := TokenManagerABI()
	if err != nil {
		return nil, fmt.Errorf("parse token manager abi: %w", err)
	}

	d := &Decoder{
		routes:  make(map[string]route),
		metrics: observability.OrDiscard(metrics),
	}

	purchase := manager.Events["TokenPurchase"]
	d.add(BuyTopic, model.KindBuy, purchase)
	d.add(purchase.ID.Hex(), model.KindBuy, purchase)

	added := manager.Events["LiquidityAdded"]
	d.add(NewPoolTopic, model.KindNewPool, added)
	d.add(added.ID.Hex(), model.KindNewPool, added)

	swapV3 := pancakeV3.Events["Swap"]
	d.add(SwapV3Topic, model.KindSwapV3, swapV3)
	d.add(swapV3.ID.Hex(), model.KindSwapV3, swapV3)
	d.add(uniswapV3.Events["Swap"].ID.Hex(), model.KindSwapV3, uniswapV3.Events["Swap"])

	swapV2 := v2Pair.Events["Swap"]
	d.add(SwapV2Topic, model.KindSwapV2, swapV2)
	d.add(swapV2.ID.Hex(), model.KindSwapV2, swapV2)

	return d, nil
}

func (d *Decoder) add(topic0 string, kind model.Kind, event abi.Event) {
	key := strings.ToLower(topic0)
	if _, exists := d.routes[key]; exists {
		return
	}
	d.routes[key] = route{kind: kind, event: event}
}

// KindOf reports the event family for a topic0.
func (d *Decoder) KindOf(topic0 string) (model.Kind, bool) {
	r, ok := d.routes[strings.ToLower(topic0)]
	return r.kind, ok
}

// Decode converts a raw log into a typed event. It never panics; failures are
// returned as model.Unrecognized.
func (d *Decoder) Decode(log model.RawLog) model.DecodedEvent {
	topic0 := log.Topic0()
	r, ok := d.routes[topic0]
	if !ok {
		return model.Unrecognized{Topic0: topic0, Reason: "unsupported topic0"}
	}

	decoded, err := decodeStructured(r, log)
	if err == nil {
		return decoded
	}

	fallback := decodeManual(r.kind, log)
	if fallback == nil {
		d.metrics.DecodeFailures.WithLabelValues(string(r.kind)).Inc()
		return model.Unrecognized{
			Topic0: topic0,
			Reason: fmt.Sprintf("structured decode: %v; manual decode: data too short", err),
		}
	}
	d.metrics.DecodeFallbacks.WithLabelValues(string(r.kind)).Inc()
	return fallback
}

func decodeStructured(r route, log model.RawLog) (model.DecodedEvent, error) {
	switch r.kind {
	case model.KindSwapV3:
		return decodeSwapV3(r.event, log)
	case model.KindSwapV2:
		return decodeSwapV2(r.event, log)
	case model.KindBuy:
		return decodeBuy(r.event, log)
	case model.KindNewPool:
		return decodeNewPool(r.event, log)
	default:
		return nil, fmt.Errorf("unsupported kind: %s", r.kind)
	}
}

func decodeManual(kind model.Kind, log model.RawLog) model.DecodedEvent {
	switch kind {
	case model.KindSwapV3:
		if ev := ManualSwapV3(log.Data, log.Topics); ev != nil {
			return *ev
		}
	case model.KindSwapV2:
		if ev := ManualSwapV2(log.Data, log.Topics); ev != nil {
			return *ev
		}
	case model.KindBuy:
		if ev := ManualBuy(log.Data); ev != nil {
			return *ev
		}
	case model.KindNewPool:
		if ev := ManualNewPool(log.Data); ev != nil {
			return *ev
		}
	}
	return nil
}

func decodeSwapV3(event abi.Event, log model.RawLog) (model.SwapV3Decoded, error) {
	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return model.SwapV3Decoded{}, err
	}

	var indexed struct {
		Sender    common.Address
		Recipient common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return model.SwapV3Decoded{}, fmt.Errorf("parse topics: %w", err)
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return model.SwapV3Decoded{}, err
	}
	if len(values) < 5 {
		return model.SwapV3Decoded{}, fmt.Errorf("unexpected swap values: %d", len(values))
	}

	ints, err := asBigInts(values[:5])
	if err != nil {
		return model.SwapV3Decoded{}, err
	}
	tick, err := int24FromBig(ints[4])
	if err != nil {
		return model.SwapV3Decoded{}, err
	}

	return model.SwapV3Decoded{
		Sender:       indexed.Sender,
		Recipient:    indexed.Recipient,
		Amount0:      ints[0],
		Amount1:      ints[1],
		SqrtPriceX96: ints[2],
		Liquidity:    ints[3],
		Tick:         tick,
	}, nil
}

func decodeSwapV2(event abi.Event, log model.RawLog) (model.SwapV2Decoded, error) {
	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return model.SwapV2Decoded{}, err
	}

	var indexed struct {
		Sender common.Address
		To     common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return model.SwapV2Decoded{}, fmt.Errorf("parse topics: %w", err)
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return model.SwapV2Decoded{}, err
	}
	if len(values) != 4 {
		return model.SwapV2Decoded{}, fmt.Errorf("unexpected swap values: %d", len(values))
	}
	ints, err := asBigInts(values)
	if err != nil {
		return model.SwapV2Decoded{}, err
	}

	return model.SwapV2Decoded{
		Sender:     indexed.Sender,
		To:         indexed.To,
		Amount0In:  ints[0],
		Amount1In:  ints[1],
		Amount0Out: ints[2],
		Amount1Out: ints[3],
	}, nil
}

func decodeBuy(event abi.Event, log model.RawLog) (model.BuyDecoded, error) {
	if _, err := parseIndexedTopics(event, log.Topics); err != nil {
		return model.BuyDecoded{}, err
	}
	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return model.BuyDecoded{}, err
	}
	if len(values) != 8 {
		return model.BuyDecoded{}, fmt.Errorf("unexpected purchase values: %d", len(values))
	}

	token, err := asAddress(values[0])
	if err != nil {
		return model.BuyDecoded{}, fmt.Errorf("token: %w", err)
	}
	account, err := asAddress(values[1])
	if err != nil {
		return model.BuyDecoded{}, fmt.Errorf("account: %w", err)
	}
	ints, err := asBigInts(values[2:])
	if err != nil {
		return model.BuyDecoded{}, err
	}

	return model.BuyDecoded{
		Token:   token,
		Account: account,
		Price:   ints[0],
		Amount:  ints[1],
		Cost:    ints[2],
		Fee:     ints[3],
		Offers:  ints[4],
		Funds:   ints[5],
	}, nil
}

func decodeNewPool(event abi.Event, log model.RawLog) (model.NewPoolDecoded, error) {
	if _, err := parseIndexedTopics(event, log.Topics); err != nil {
		return model.NewPoolDecoded{}, err
	}
	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return model.NewPoolDecoded{}, err
	}
	if len(values) != 4 {
		return model.NewPoolDecoded{}, fmt.Errorf("unexpected liquidity values: %d", len(values))
	}

	base, err := asAddress(values[0])
	if err != nil {
		return model.NewPoolDecoded{}, fmt.Errorf("base: %w", err)
	}
	offers, err := asBigInt(values[1])
	if err != nil {
		return model.NewPoolDecoded{}, fmt.Errorf("offers: %w", err)
	}
	quote, err := asAddress(values[2])
	if err != nil {
		return model.NewPoolDecoded{}, fmt.Errorf("quote: %w", err)
	}
	funds, err := asBigInt(values[3])
	if err != nil {
		return model.NewPoolDecoded{}, fmt.Errorf("funds: %w", err)
	}

	return model.NewPoolDecoded{Base: base, Offers: offers, Quote: quote, Funds: funds}, nil
}

func parseIndexedTopics(event abi.Event, topics []string) ([]common.Hash, error) {
	indexedCount := len(indexedArguments(event.Inputs))
	if len(topics) != indexedCount+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", indexedCount+1, len(topics))
	}
	return parseTopicHashes(topics[1:])
}

func parseTopicHashes(topics []string) ([]common.Hash, error) {
	out := make([]common.Hash, 0, len(topics))
	for _, topic := range topics {
		data, err := hexutil.Decode(topic)
		if err != nil {
			return nil, fmt.Errorf("invalid topic: %w", err)
		}
		if len(data) > 32 {
			return nil, fmt.Errorf("topic length %d", len(data))
		}
		out = append(out, common.BytesToHash(data))
	}
	return out, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func unpackNonIndexed(event abi.Event, dataHex string) ([]interface{}, error) {
	data, err := hexutil.Decode(dataHex)
	if err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}
	values, err := event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	return values, nil
}

func asBigInts(values []interface{}) ([]*big.Int, error) {
	out := make([]*big.Int, 0, len(values))
	for i, v := range values {
		n, err := asBigInt(v)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out = append(out, n)
	}
	return out, nil
}
