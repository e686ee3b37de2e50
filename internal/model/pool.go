package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrMissingVersion rejects pool records without an explicit version.
	ErrMissingVersion = errors.New("pool version is required")
	// ErrInvalidPool rejects pool records with malformed fields.
	ErrInvalidPool = errors.New("invalid pool")
)

// PoolVersion is the DEX generation of a pool.
type PoolVersion uint8

const (
	PoolV2 PoolVersion = 2
	PoolV3 PoolVersion = 3
)

// PoolMetadata describes a liquidity pool.
type PoolMetadata struct {
	Address     string      `json:"address"`
	Token0      string      `json:"token0_address"`
	Token1      string      `json:"token1_address"`
	Fee         uint32      `json:"fee"`
	TickSpacing int32       `json:"tickSpacing"`
	Version     PoolVersion `json:"version"`
}

// Validate checks the pool record at the persistence and registry boundary.
func (p PoolMetadata) Validate() error {
	switch p.Version {
	case PoolV2, PoolV3:
	case 0:
		return fmt.Errorf("%w: %s", ErrMissingVersion, p.Address)
	default:
		return fmt.Errorf("%w: unsupported version %d for %s", ErrInvalidPool, p.Version, p.Address)
	}
	for _, addr := range []string{p.Address, p.Token0, p.Token1} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%w: bad address %q", ErrInvalidPool, addr)
		}
	}
	return nil
}

// Key is the storage key used for pool rows: lower(address)_version.
func (p PoolMetadata) Key() string {
	return fmt.Sprintf("%s_%d", strings.ToLower(p.Address), p.Version)
}

// Other returns the pool token that is not token, or "" when token is not in the pool.
func (p PoolMetadata) Other(token string) string {
	switch {
	case strings.EqualFold(p.Token0, token):
		return p.Token1
	case strings.EqualFold(p.Token1, token):
		return p.Token0
	default:
		return ""
	}
}
