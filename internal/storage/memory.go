package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/topeklc/BSC-BuyBot/internal/model"
)

var _ Store = (*MemoryStore)(nil)

// TokenConfig is one group's watch configuration for a token.
type TokenConfig struct {
	GroupID int64
	Token   string
	Pools   []string
	Active  bool
}

// MemoryStore keeps the Store state in process. It backs runs without a
// database and the package tests.
type MemoryStore struct {
	wrappedNative string

	mu      sync.RWMutex
	tokens  map[string]model.TokenMeta
	pools   map[string]model.PoolMetadata
	configs []TokenConfig
	prices  map[string]float64
}

// NewMemoryStore builds an empty store. ReferencePriceUSD reads the price
// recorded for wrappedNative.
func NewMemoryStore(wrappedNative string) *MemoryStore {
	return &MemoryStore{
		wrappedNative: strings.ToLower(wrappedNative),
		tokens:        make(map[string]model.TokenMeta),
		pools:         make(map[string]model.PoolMetadata),
		prices:        make(map[string]float64),
	}
}

// AddConfig registers a token configuration.
func (s *MemoryStore) AddConfig(cfg TokenConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.Pools = append([]string(nil), cfg.Pools...)
	s.configs = append(s.configs, cfg)
}

// Configs returns a copy of the token configurations.
func (s *MemoryStore) Configs() []TokenConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TokenConfig, len(s.configs))
	for i, cfg := range s.configs {
		cfg.Pools = append([]string(nil), cfg.Pools...)
		out[i] = cfg
	}
	return out
}

func (s *MemoryStore) ActiveTokens(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, cfg := range s.configs {
		if !cfg.Active {
			continue
		}
		if _, ok := seen[cfg.Token]; ok {
			continue
		}
		seen[cfg.Token] = struct{}{}
		out = append(out, cfg.Token)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ConfiguredPools(context.Context) ([]model.PoolMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []model.PoolMetadata
	for _, cfg := range s.configs {
		if !cfg.Active {
			continue
		}
		for _, addr := range cfg.Pools {
			key := strings.ToLower(addr)
			pool, ok := s.pools[key]
			if !ok {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, pool)
		}
	}
	return out, nil
}

func (s *MemoryStore) PoolsForToken(_ context.Context, token string) ([]model.PoolMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PoolMetadata
	for _, pool := range s.pools {
		if pool.Other(token) != "" {
			out = append(out, pool)
		}
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Address) < strings.ToLower(out[j].Address) })
	return out, nil
}

func (s *MemoryStore) TokenMetadata(_ context.Context, address string) (model.TokenMeta, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.tokens[strings.ToLower(address)]
	return meta, ok, nil
}

func (s *MemoryStore) UpsertToken(_ context.Context, meta model.TokenMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(meta.Address)
	if existing, ok := s.tokens[key]; ok && len(meta.Pools) == 0 {
		meta.Pools = existing.Pools
	}
	s.tokens[key] = meta
	return nil
}

func (s *MemoryStore) ReferencePriceUSD(context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prices[s.wrappedNative], nil
}

func (s *MemoryStore) InsertPool(_ context.Context, pool model.PoolMetadata) (bool, error) {
	if err := pool.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(pool.Address)
	if _, ok := s.pools[key]; ok {
		return false, nil
	}
	s.pools[key] = pool
	return true, nil
}

func (s *MemoryStore) AddPoolToTokenConfigs(_ context.Context, token, pool string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := 0
	for i := range s.configs {
		cfg := &s.configs[i]
		if !cfg.Active || !strings.EqualFold(cfg.Token, token) || containsFold(cfg.Pools, pool) {
			continue
		}
		cfg.Pools = append(cfg.Pools, pool)
		updated++
	}
	return updated, nil
}

func (s *MemoryStore) RecordPrice(_ context.Context, token string, priceUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[strings.ToLower(token)] = priceUSD
	return nil
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
