package source

import "github.com/ethereum/go-ethereum/common"

// BlockRange represents an inclusive block range.
type BlockRange struct {
	From uint64
	To   uint64
}

// NextRange returns the window after last, capped at head and at maxBlocks
// blocks. ok is false when there is nothing new.
func NextRange(last, head, maxBlocks uint64) (BlockRange, bool) {
	if head <= last {
		return BlockRange{}, false
	}
	if maxBlocks == 0 {
		maxBlocks = 1
	}
	to := head
	if head-last > maxBlocks {
		to = last + maxBlocks
	}
	return BlockRange{From: last + 1, To: to}, true
}

// BatchAddresses splits addresses into groups of at most size.
func BatchAddresses(addresses []common.Address, size int) [][]common.Address {
	if len(addresses) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(addresses)
	}
	batches := make([][]common.Address, 0, (len(addresses)+size-1)/size)
	for start := 0; start < len(addresses); start += size {
		end := start + size
		if end > len(addresses) {
			end = len(addresses)
		}
		batches = append(batches, addresses[start:end])
	}
	return batches
}
