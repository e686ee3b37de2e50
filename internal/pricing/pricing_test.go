package pricing

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topeklc/BSC-BuyBot/internal/chain"
	"github.com/topeklc/BSC-BuyBot/internal/model"
	"github.com/topeklc/BSC-BuyBot/internal/storage"
)

var (
	router = common.HexToAddress("0x10ED43C718714eb63d5aA57B78B54704E256024E")
	wbnb   = common.HexToAddress("0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c")
	usdc   = common.HexToAddress("0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d")
)

type nilConns struct{}

func (nilConns) Client() (chain.RPC, error) { return nil, nil }

type fixedDecimals uint8

func (d fixedDecimals) TokenMetadata(_ context.Context, address string) (model.TokenMeta, error) {
	return model.TokenMeta{Address: address, Decimals: uint8(d)}, nil
}

func newTestFetcher(store PriceRecorder, out *big.Int, err error) (*Fetcher, *[]common.Address) {
	f := NewFetcher(Config{Router: router, WrappedNative: wbnb, USDToken: usdc}, nilConns{}, fixedDecimals(18), store, nil, nil)
	var path []common.Address
	f.quote = func(_ context.Context, _ chain.Caller, r common.Address, in *big.Int, p []common.Address) ([]*big.Int, error) {
		if err != nil {
			return nil, err
		}
		path = p
		return []*big.Int{in, out}, nil
	}
	return f, &path
}

func TestFetchOnceRecordsPrice(t *testing.T) {
	store := storage.NewMemoryStore(wbnb.Hex())
	out, _ := new(big.Int).SetString("612345000000000000000", 10)
	f, path := newTestFetcher(store, out, nil)

	price, err := f.FetchOnce(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 612.345, price, 1e-9)
	assert.Equal(t, []common.Address{wbnb, usdc}, *path)

	stored, err := store.ReferencePriceUSD(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 612.345, stored, 1e-9)
}

func TestFetchOnceRejectsZeroAndErrors(t *testing.T) {
	store := storage.NewMemoryStore(wbnb.Hex())
	require.NoError(t, store.RecordPrice(context.Background(), wbnb.Hex(), 600))

	f, _ := newTestFetcher(store, big.NewInt(0), nil)
	_, err := f.FetchOnce(context.Background())
	assert.ErrorIs(t, err, errInvalidPrice)

	f, _ = newTestFetcher(store, nil, errors.New("execution reverted"))
	_, err = f.FetchOnce(context.Background())
	assert.Error(t, err)

	stored, err := store.ReferencePriceUSD(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 600.0, stored, "failed fetches keep the last price")
}
