package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topeklc/BSC-BuyBot/internal/model"
)

const (
	tokenA = "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa"
	wbnb   = "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"
	poolV3 = "0x1111111111111111111111111111111111111111"
	poolV2 = "0x2222222222222222222222222222222222222222"
)

func TestMemoryStorePools(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(wbnb)

	inserted, err := s.InsertPool(ctx, model.PoolMetadata{Address: poolV3, Token0: tokenA, Token1: wbnb, Fee: 2500, Version: model.PoolV3})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertPool(ctx, model.PoolMetadata{Address: poolV3, Token0: tokenA, Token1: wbnb, Fee: 500, Version: model.PoolV3})
	require.NoError(t, err)
	assert.False(t, inserted, "existing address is skipped")

	_, err = s.InsertPool(ctx, model.PoolMetadata{Address: poolV2, Token0: tokenA, Token1: wbnb})
	require.ErrorIs(t, err, model.ErrMissingVersion)

	pools, err := s.PoolsForToken(ctx, tokenA)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, uint32(2500), pools[0].Fee)

	s.AddConfig(TokenConfig{GroupID: 1, Token: tokenA, Active: true})
	s.AddConfig(TokenConfig{GroupID: 2, Token: tokenA, Active: false})
	s.AddConfig(TokenConfig{GroupID: 3, Token: tokenA, Active: true, Pools: []string{poolV3}})

	configured, err := s.ConfiguredPools(ctx)
	require.NoError(t, err)
	require.Len(t, configured, 1)

	updated, err := s.AddPoolToTokenConfigs(ctx, tokenA, poolV3)
	require.NoError(t, err)
	assert.Equal(t, 1, updated, "only the active config without the pool changes")

	cfgs := s.Configs()
	assert.Equal(t, []string{poolV3}, cfgs[0].Pools)
	assert.Empty(t, cfgs[1].Pools)
	assert.Equal(t, []string{poolV3}, cfgs[2].Pools)

	tokens, err := s.ActiveTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{tokenA}, tokens)
}

func TestMemoryStoreTokensAndPrices(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(wbnb)

	price, err := s.ReferencePriceUSD(ctx)
	require.NoError(t, err)
	assert.Zero(t, price)

	require.NoError(t, s.RecordPrice(ctx, wbnb, 612.5))
	price, err = s.ReferencePriceUSD(ctx)
	require.NoError(t, err)
	assert.Equal(t, 612.5, price)

	require.NoError(t, s.UpsertToken(ctx, model.TokenMeta{Address: tokenA, Decimals: 18, Symbol: "TKA", TotalSupply: "1000", Pools: []string{poolV3}}))
	require.NoError(t, s.UpsertToken(ctx, model.TokenMeta{Address: tokenA, Decimals: 18, Symbol: "TKA", TotalSupply: "2000"}))

	meta, ok, err := s.TokenMetadata(ctx, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2000", meta.TotalSupply)
	assert.Equal(t, []string{poolV3}, meta.Pools, "pools survive an upsert without pools")

	_, ok, err = s.TokenMetadata(ctx, wbnb)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJsonlArchiveAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "buys.jsonl")
	archive := NewJsonlArchive(path)
	archive.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, archive.PutBuyEvents(nil))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "empty batch writes nothing")

	require.NoError(t, archive.PutBuyEvents([]model.BuyEvent{{TxHash: "0x01", Dex: "PancakeSwapV3"}}))
	require.NoError(t, archive.PutBuyEvents([]model.BuyEvent{{TxHash: "0x02"}, {TxHash: "0x03"}}))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var hashes []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		assert.Equal(t, "2024-05-01T00:00:00Z", line["received_at"])
		hashes = append(hashes, line["txHash"].(string))
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"0x01", "0x02", "0x03"}, hashes)
}
