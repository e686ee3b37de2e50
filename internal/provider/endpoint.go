package provider

import "time"

// Endpoint is one RPC provider with its health bookkeeping.
type Endpoint struct {
	URL            string
	Failures       int
	LastVerifiedAt time.Time
}

// nextEndpoint picks the endpoint with the fewest failures other than
// current. Ties resolve to the earlier entry in priority order.
func nextEndpoint(endpoints []Endpoint, current int) int {
	if len(endpoints) <= 1 {
		return current
	}
	best := -1
	for i := range endpoints {
		if i == current {
			continue
		}
		if best < 0 || endpoints[i].Failures < endpoints[best].Failures {
			best = i
		}
	}
	return best
}
