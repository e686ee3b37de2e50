package dex

// Event signature topics watched on BSC.
const (
	// BuyTopic is the launchpad TokenPurchase event.
	BuyTopic = "0x7db52723a3b2cdd6164364b3b766e65e540d7be48ffa89582956d8eaebe62942"
	// NewPoolTopic is the launchpad LiquidityAdded event emitted on graduation.
	NewPoolTopic = "0xc18aa71171b358b706fe3dd345299685ba21a5316c66ffa9e319268b033c44b0"
	// SwapV3Topic is the PancakeSwap V3 pool Swap event.
	SwapV3Topic = "0x19b47279256b2a23a1665c810c8d55a1758940ee09377d4f8d26497a3577dc83"
	// SwapV2Topic is the V2 pair Swap event.
	SwapV2Topic = "0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822"
)

// Well-known BSC mainnet contracts.
const (
	TokenManagerAddress = "0x5c952063c7fc8610ffdb798152d69f0b9550762b"
	WBNBAddress         = "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"
	USDCAddress         = "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d"
	RouterV2Address     = "0x10ED43C718714eb63d5aA57B78B54704E256024E"
	FactoryV2Address    = "0xcA143Ce32Fe78f1f7019d7d551a6402fC5350c73"
	FactoryV3Address    = "0x0BFbCF9fa4f9C56B0F40a671Ad40E0805A091865"
)

// DefaultFeeTiers are the PancakeSwap V3 fee tiers tried during discovery.
var DefaultFeeTiers = []uint32{100, 500, 2500, 10000}

// V2 pairs have a fixed 0.25% fee and no tick spacing.
const (
	V2PoolFee         uint32 = 2500
	V2PoolTickSpacing int32  = 0
)
