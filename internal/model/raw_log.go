package model

import "strings"

// RawLog is a chain log as delivered by a subscription or a range query.
type RawLog struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	TxHash      string   `json:"tx_hash"`
	BlockNumber uint64   `json:"block_number"`
	LogIndex    uint64   `json:"log_index"`
	Removed     bool     `json:"removed"`
}

// Topic0 returns the lowercased event signature topic, or "" when absent.
func (l RawLog) Topic0() string {
	if len(l.Topics) == 0 {
		return ""
	}
	return strings.ToLower(l.Topics[0])
}

// Before reports whether l precedes other in chain order.
func (l RawLog) Before(other RawLog) bool {
	if l.BlockNumber != other.BlockNumber {
		return l.BlockNumber < other.BlockNumber
	}
	return l.LogIndex < other.LogIndex
}
