// Package storage defines the persistence capability used by the fetcher and
// provides an in-memory store and a JSONL event archive.
package storage

import (
	"context"

	"github.com/topeklc/BSC-BuyBot/internal/model"
)

// Store is the persistence collaborator behind tokens, pools, watch
// configuration and reference prices.
type Store interface {
	ActiveTokens(ctx context.Context) ([]string, error)
	ConfiguredPools(ctx context.Context) ([]model.PoolMetadata, error)
	PoolsForToken(ctx context.Context, token string) ([]model.PoolMetadata, error)
	TokenMetadata(ctx context.Context, address string) (model.TokenMeta, bool, error)
	UpsertToken(ctx context.Context, meta model.TokenMeta) error
	ReferencePriceUSD(ctx context.Context) (float64, error)
	// InsertPool rejects pools without a version and skips existing addresses.
	// It reports whether a row was written.
	InsertPool(ctx context.Context, pool model.PoolMetadata) (bool, error)
	// AddPoolToTokenConfigs appends pool to every active configuration of
	// token that does not list it yet and returns the number updated.
	AddPoolToTokenConfigs(ctx context.Context, token, pool string) (int, error)
	RecordPrice(ctx context.Context, token string, priceUSD float64) error
}

// Archive is a sink for emitted buy events.
type Archive interface {
	PutBuyEvents(events []model.BuyEvent) error
}
