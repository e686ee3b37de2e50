package model

import "strings"

// WatchTarget is one (address, topic) log watch.
type WatchTarget struct {
	Address string `json:"address"`
	Topic   string `json:"topic"`
	Kind    Kind   `json:"kind"`
}

// Key identifies the watch in the registry.
func (w WatchTarget) Key() string {
	return strings.ToLower(w.Address) + strings.ToLower(w.Topic)
}
