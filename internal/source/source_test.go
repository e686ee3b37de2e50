package source

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topeklc/BSC-BuyBot/internal/chain"
	"github.com/topeklc/BSC-BuyBot/internal/model"
)

var (
	topicA = common.HexToHash("0x19b47279256b2a23a1665c810c8d55a1758940ee09377d4f8d26497a3577dc83")
	topicB = common.HexToHash("0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822")
)

type filterCall struct {
	from, to  uint64
	addresses []common.Address
	topic     common.Hash
}

type fakeSub struct {
	errCh chan error
	once  sync.Once
}

func newFakeSub() *fakeSub { return &fakeSub{errCh: make(chan error, 1)} }

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errCh) }) }
func (s *fakeSub) Err() <-chan error { return s.errCh }

type fakeRPC struct {
	mu      sync.Mutex
	head    uint64
	headErr error
	logs    []types.Log
	failFn  func(call filterCall) bool
	stallFn func(call filterCall) bool
	calls   []filterCall
	subs    []*fakeSub
	subChs  []chan<- types.Log
}

func (f *fakeRPC) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeRPC) FilterLogs(ctx context.Context, from, to uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error) {
	f.mu.Lock()
	call := filterCall{from: from, to: to, addresses: addresses, topic: topic0[0]}
	f.calls = append(f.calls, call)
	if f.stallFn != nil && f.stallFn(call) {
		f.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer f.mu.Unlock()
	if f.failFn != nil && f.failFn(call) {
		return nil, errors.New("limit exceeded")
	}

	allowed := make(map[common.Address]bool, len(addresses))
	for _, a := range addresses {
		allowed[a] = true
	}
	var out []types.Log
	for _, log := range f.logs {
		if log.BlockNumber < from || log.BlockNumber > to {
			continue
		}
		if !allowed[log.Address] || log.Topics[0] != topic0[0] {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

func (f *fakeRPC) SubscribeLogs(_ context.Context, _ []common.Address, _ []common.Hash, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := newFakeSub()
	f.subs = append(f.subs, sub)
	f.subChs = append(f.subChs, ch)
	return sub, nil
}

func (f *fakeRPC) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRPC) Close() {}

func (f *fakeRPC) Calls() []filterCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]filterCall(nil), f.calls...)
}

type fakeConns struct {
	rpc         *fakeRPC
	mu          sync.Mutex
	disconnects int
}

func (c *fakeConns) Client() (chain.RPC, error) { return c.rpc, nil }

func (c *fakeConns) HandleDisconnect(chain.RPC, error) {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
}

func (c *fakeConns) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func addr(i int) common.Address { return common.BigToAddress(big.NewInt(int64(1000 + i))) }

func mkLog(address common.Address, topic common.Hash, block uint64, index uint) types.Log {
	return types.Log{
		Address:     address,
		Topics:      []common.Hash{topic},
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(big.NewInt(int64(block*1000) + int64(index))),
	}
}

func drain(ch <-chan Delivery) []Delivery {
	var out []Delivery
	for {
		select {
		case d := <-ch:
			out = append(out, d)
		default:
			return out
		}
	}
}

func TestPollerColdStartAndOrdering(t *testing.T) {
	rpc := &fakeRPC{head: 100}
	conns := &fakeConns{rpc: rpc}
	out := make(chan Delivery, 64)
	p := NewPoller(PollConfig{MaxBlocksPerPoll: 10, AddressBatchSize: 50}, conns, out, nil, nil, nil)

	_, err := p.Subscribe(context.Background(), model.WatchTarget{Address: addr(1).Hex(), Topic: topicA.Hex(), Kind: model.KindSwapV3})
	require.NoError(t, err)
	_, err = p.Subscribe(context.Background(), model.WatchTarget{Address: addr(2).Hex(), Topic: topicB.Hex(), Kind: model.KindSwapV2})
	require.NoError(t, err)

	require.NoError(t, p.PollOnce(context.Background()))
	assert.Empty(t, rpc.Calls(), "cold start only records head")
	assert.Equal(t, uint64(100), p.Last())

	rpc.mu.Lock()
	rpc.head = 103
	rpc.logs = []types.Log{
		mkLog(addr(2), topicB, 103, 0),
		mkLog(addr(1), topicA, 101, 5),
		mkLog(addr(2), topicB, 101, 2),
		mkLog(addr(1), topicA, 102, 0),
		mkLog(addr(1), topicA, 99, 0),
	}
	rpc.mu.Unlock()

	require.NoError(t, p.PollOnce(context.Background()))
	got := drain(out)
	require.Len(t, got, 4)

	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Log.Before(got[i].Log), "deliveries must be in chain order")
	}
	assert.Equal(t, model.KindSwapV2, got[0].Target.Kind)
	assert.Equal(t, uint64(101), got[0].Log.BlockNumber)
	assert.Equal(t, uint64(2), got[0].Log.LogIndex)
	assert.Equal(t, uint64(103), p.Last())

	for _, call := range rpc.Calls() {
		assert.Equal(t, uint64(101), call.from)
		assert.Equal(t, uint64(103), call.to)
	}
}

func TestPollerBatchesAddressesAndCapsWindow(t *testing.T) {
	rpc := &fakeRPC{head: 500}
	out := make(chan Delivery, 8)
	cpPath := filepath.Join(t.TempDir(), "cp.json")
	store := NewCheckpointStore(cpPath, true)
	require.NoError(t, store.Save(450))

	p := NewPoller(PollConfig{MaxBlocksPerPoll: 10, AddressBatchSize: 50, MaxCatchupBlocks: 100}, &fakeConns{rpc: rpc}, out, store, nil, nil)
	for i := 0; i < 120; i++ {
		_, err := p.Subscribe(context.Background(), model.WatchTarget{Address: addr(i).Hex(), Topic: topicA.Hex(), Kind: model.KindSwapV3})
		require.NoError(t, err)
	}

	require.NoError(t, p.PollOnce(context.Background()))
	calls := rpc.Calls()
	require.Len(t, calls, 3)
	total := 0
	for _, call := range calls {
		assert.LessOrEqual(t, len(call.addresses), 50)
		assert.Equal(t, uint64(451), call.from)
		assert.Equal(t, uint64(460), call.to)
		total += len(call.addresses)
	}
	assert.Equal(t, 120, total)

	cp, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(460), cp.LastBlock)
}

func TestPollerAdvancesPastFailedBatch(t *testing.T) {
	rpc := &fakeRPC{head: 10}
	out := make(chan Delivery, 8)
	p := NewPoller(PollConfig{MaxBlocksPerPoll: 10, Retries: 1, RetryBackoff: time.Millisecond}, &fakeConns{rpc: rpc}, out, nil, nil, nil)

	_, err := p.Subscribe(context.Background(), model.WatchTarget{Address: addr(1).Hex(), Topic: topicA.Hex(), Kind: model.KindSwapV3})
	require.NoError(t, err)
	_, err = p.Subscribe(context.Background(), model.WatchTarget{Address: addr(2).Hex(), Topic: topicB.Hex(), Kind: model.KindSwapV2})
	require.NoError(t, err)
	require.NoError(t, p.PollOnce(context.Background()))

	rpc.mu.Lock()
	rpc.head = 12
	rpc.logs = []types.Log{mkLog(addr(1), topicA, 11, 0), mkLog(addr(2), topicB, 12, 0)}
	rpc.failFn = func(call filterCall) bool { return call.topic == topicA }
	rpc.mu.Unlock()

	require.NoError(t, p.PollOnce(context.Background()))
	got := drain(out)
	require.Len(t, got, 1)
	assert.Equal(t, model.KindSwapV2, got[0].Target.Kind)
	assert.Equal(t, uint64(12), p.Last())

	failedA := 0
	for _, call := range rpc.Calls() {
		if call.topic == topicA {
			failedA++
		}
	}
	assert.Equal(t, 2, failedA, "one attempt plus one retry")
}

func TestPollerBoundsStalledBatch(t *testing.T) {
	rpc := &fakeRPC{head: 10}
	out := make(chan Delivery, 8)
	p := NewPoller(PollConfig{MaxBlocksPerPoll: 10, CallTimeout: 20 * time.Millisecond}, &fakeConns{rpc: rpc}, out, nil, nil, nil)

	_, err := p.Subscribe(context.Background(), model.WatchTarget{Address: addr(1).Hex(), Topic: topicA.Hex(), Kind: model.KindSwapV3})
	require.NoError(t, err)
	_, err = p.Subscribe(context.Background(), model.WatchTarget{Address: addr(2).Hex(), Topic: topicB.Hex(), Kind: model.KindSwapV2})
	require.NoError(t, err)
	require.NoError(t, p.PollOnce(context.Background()))

	rpc.mu.Lock()
	rpc.head = 12
	rpc.logs = []types.Log{mkLog(addr(2), topicB, 12, 0)}
	rpc.stallFn = func(call filterCall) bool { return call.topic == topicA }
	rpc.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.PollOnce(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poll cycle blocked on a stalled batch")
	}
	got := drain(out)
	require.Len(t, got, 1)
	assert.Equal(t, model.KindSwapV2, got[0].Target.Kind)
	assert.Equal(t, uint64(12), p.Last())
}

func TestPollerHeadFailureEscalates(t *testing.T) {
	rpc := &fakeRPC{headErr: errors.New("connection reset")}
	conns := &fakeConns{rpc: rpc}
	p := NewPoller(PollConfig{}, conns, make(chan Delivery, 1), nil, nil, nil)

	assert.Error(t, p.PollOnce(context.Background()))
	assert.Equal(t, 1, conns.Disconnects())
}

func TestPollerUnsubscribe(t *testing.T) {
	rpc := &fakeRPC{head: 5}
	p := NewPoller(PollConfig{}, &fakeConns{rpc: rpc}, make(chan Delivery, 1), nil, nil, nil)
	h, err := p.Subscribe(context.Background(), model.WatchTarget{Address: addr(1).Hex(), Topic: topicA.Hex(), Kind: model.KindSwapV3})
	require.NoError(t, err)

	h.Unsubscribe()
	h.Unsubscribe()
	select {
	case <-h.Done():
	default:
		t.Fatal("handle should be done after unsubscribe")
	}
	groups, _ := p.snapshot()
	assert.Empty(t, groups)

	_, err = p.Subscribe(context.Background(), model.WatchTarget{Address: "nope", Topic: topicA.Hex()})
	assert.Error(t, err)
}

func TestPushSourceForwardsAndEscalates(t *testing.T) {
	rpc := &fakeRPC{}
	conns := &fakeConns{rpc: rpc}
	out := make(chan Delivery, 8)
	push := NewPushSource(conns, out, nil, nil)

	target := model.WatchTarget{Address: addr(1).Hex(), Topic: topicA.Hex(), Kind: model.KindSwapV3}
	h, err := push.Subscribe(context.Background(), target)
	require.NoError(t, err)

	rpc.mu.Lock()
	ch, sub := rpc.subChs[0], rpc.subs[0]
	rpc.mu.Unlock()

	ch <- mkLog(addr(1), topicA, 7, 1)
	removed := mkLog(addr(1), topicA, 7, 2)
	removed.Removed = true
	ch <- removed
	ch <- mkLog(addr(1), topicA, 8, 0)

	for i := 0; i < 2; i++ {
		select {
		case d := <-out:
			assert.Equal(t, target, d.Target)
		case <-time.After(time.Second):
			t.Fatal("delivery not forwarded")
		}
	}

	sub.errCh <- errors.New("websocket closed")
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("watch should end after transport error")
	}
	assert.Equal(t, 1, conns.Disconnects())
}

func TestPushSourceUnsubscribeIsQuiet(t *testing.T) {
	rpc := &fakeRPC{}
	conns := &fakeConns{rpc: rpc}
	push := NewPushSource(conns, make(chan Delivery), nil, nil)

	h, err := push.Subscribe(context.Background(), model.WatchTarget{Address: addr(1).Hex(), Topic: topicA.Hex(), Kind: model.KindSwapV3})
	require.NoError(t, err)

	h.Unsubscribe()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("watch should end after unsubscribe")
	}
	assert.Zero(t, conns.Disconnects())
}
