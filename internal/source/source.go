// Package source produces raw logs for the active watch set, either from
// push subscriptions or from periodic range queries.
package source

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/topeklc/BSC-BuyBot/internal/chain"
	"github.com/topeklc/BSC-BuyBot/internal/model"
)

// Delivery is one log for one watch. Push and poll emit the same shape.
type Delivery struct {
	Target model.WatchTarget
	Log    model.RawLog
}

// ConnProvider hands out the current connection and accepts failure reports.
type ConnProvider interface {
	Client() (chain.RPC, error)
	HandleDisconnect(from chain.RPC, cause error)
}

func buildRawLog(log types.Log) model.RawLog {
	topics := make([]string, 0, len(log.Topics))
	for _, topic := range log.Topics {
		topics = append(topics, topic.Hex())
	}

	return model.RawLog{
		Address:     log.Address.Hex(),
		Topics:      topics,
		Data:        hexutil.Encode(log.Data),
		TxHash:      log.TxHash.Hex(),
		BlockNumber: log.BlockNumber,
		LogIndex:    uint64(log.Index),
		Removed:     log.Removed,
	}
}
