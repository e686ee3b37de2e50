package model

// TokenMeta captures ERC20 metadata. TotalSupply is a base-10 raw amount.
// Pools lists known pool addresses for the token, first-discovered first.
type TokenMeta struct {
	Address     string   `json:"address"`
	Decimals    uint8    `json:"decimals"`
	Symbol      string   `json:"symbol"`
	Name        string   `json:"name"`
	TotalSupply string   `json:"total_supply"`
	Pools       []string `json:"pools,omitempty"`
}
