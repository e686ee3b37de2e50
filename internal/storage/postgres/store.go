package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/topeklc/BSC-BuyBot/internal/model"
	"github.com/topeklc/BSC-BuyBot/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store provides Postgres persistence for tokens, pools, group configs and
// prices.
type Store struct {
	pool          *pgxpool.Pool
	wrappedNative string
}

func NewStore(ctx context.Context, dsn, wrappedNative string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, wrappedNative: wrappedNative}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ActiveTokens lists the tokens of every active group config.
func (s *Store) ActiveTokens(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT address FROM group_configs WHERE active = true`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ConfiguredPools returns the pools referenced by active group configs.
func (s *Store) ConfiguredPools(ctx context.Context) ([]model.PoolMetadata, error) {
	rows, err := s.pool.Query(ctx, `
		WITH pool_addresses AS (
			SELECT DISTINCT unnest(gc.pools) AS pool_address
			FROM group_configs gc
			WHERE gc.active = true
		)
		SELECT DISTINCT p.address, p.token0_address, p.token1_address, p.fee, p.tick_spacing, p.version
		FROM pool_addresses pa
		JOIN pools p ON p.address = pa.pool_address
	`)
	if err != nil {
		return nil, err
	}
	return collectPools(rows)
}

// PoolsForToken returns every pool that has token on either side.
func (s *Store) PoolsForToken(ctx context.Context, token string) ([]model.PoolMetadata, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, token0_address, token1_address, fee, tick_spacing, version
		FROM pools
		WHERE token0_address = $1 OR token1_address = $1
	`, token)
	if err != nil {
		return nil, err
	}
	return collectPools(rows)
}

func (s *Store) TokenMetadata(ctx context.Context, address string) (model.TokenMeta, bool, error) {
	var meta model.TokenMeta
	var decimals int16
	row := s.pool.QueryRow(ctx, `
		SELECT address, decimals, name, symbol, total_supply, COALESCE(pools, '{}')
		FROM tokens
		WHERE address = $1
	`, address)
	if err := row.Scan(&meta.Address, &decimals, &meta.Name, &meta.Symbol, &meta.TotalSupply, &meta.Pools); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TokenMeta{}, false, nil
		}
		return model.TokenMeta{}, false, err
	}
	meta.Decimals = uint8(decimals)
	return meta, true, nil
}

// UpsertToken inserts token metadata or refreshes supply and pools.
func (s *Store) UpsertToken(ctx context.Context, meta model.TokenMeta) error {
	pools := meta.Pools
	if pools == nil {
		pools = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tokens (address, decimals, name, symbol, total_supply, owner, pools)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (address)
		DO UPDATE SET
			total_supply = EXCLUDED.total_supply,
			pools = CASE WHEN cardinality(EXCLUDED.pools) > 0 THEN EXCLUDED.pools ELSE tokens.pools END,
			updated_at = CURRENT_TIMESTAMP
	`,
		meta.Address,
		int16(meta.Decimals),
		meta.Name,
		meta.Symbol,
		meta.TotalSupply,
		"unknown",
		pools,
	)
	return err
}

// ReferencePriceUSD returns the last recorded wrapped-native price, or 0.
func (s *Store) ReferencePriceUSD(ctx context.Context) (float64, error) {
	var price float64
	err := s.pool.QueryRow(ctx, `SELECT price_usd FROM token_metrics WHERE address = $1`, s.wrappedNative).Scan(&price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return price, nil
}

func (s *Store) InsertPool(ctx context.Context, pool model.PoolMetadata) (bool, error) {
	if err := pool.Validate(); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO pools (key, address, token0_address, token1_address, fee, tick_spacing, version)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE NOT EXISTS (SELECT 1 FROM pools WHERE address = $2)
	`,
		pool.Key(),
		pool.Address,
		pool.Token0,
		pool.Token1,
		int64(pool.Fee),
		pool.TickSpacing,
		int16(pool.Version),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) AddPoolToTokenConfigs(ctx context.Context, token, pool string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE group_configs
		SET pools = array_append(COALESCE(pools, '{}'::varchar[]), $2::varchar),
			updated_at = CURRENT_TIMESTAMP
		WHERE address = $1
			AND active = true
			AND NOT ($2::varchar = ANY(COALESCE(pools, '{}'::varchar[])))
	`, token, pool)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// RecordPrice upserts the USD price of a token.
func (s *Store) RecordPrice(ctx context.Context, token string, priceUSD float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO token_metrics (address, price_usd, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (address)
		DO UPDATE SET price_usd = EXCLUDED.price_usd, updated_at = CURRENT_TIMESTAMP
	`, token, priceUSD)
	return err
}

func collectPools(rows pgx.Rows) ([]model.PoolMetadata, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.PoolMetadata, error) {
		var pool model.PoolMetadata
		var fee int64
		var version *int16
		if err := row.Scan(&pool.Address, &pool.Token0, &pool.Token1, &fee, &pool.TickSpacing, &version); err != nil {
			return model.PoolMetadata{}, err
		}
		pool.Fee = uint32(fee)
		pool.Version = poolVersion(version)
		return pool, nil
	})
}

// poolVersion maps a NULL version to zero so validation rejects the row
// instead of the whole listing.
func poolVersion(v *int16) model.PoolVersion {
	if v == nil {
		return 0
	}
	return model.PoolVersion(*v)
}
