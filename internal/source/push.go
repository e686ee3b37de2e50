package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/topeklc/BSC-BuyBot/internal/chain"
	"github.com/topeklc/BSC-BuyBot/internal/model"
	"github.com/topeklc/BSC-BuyBot/internal/observability"
	"github.com/topeklc/BSC-BuyBot/internal/registry"
)

const pushBuffer = 256

// PushSource opens one log subscription per watch on the current connection.
type PushSource struct {
	conns   ConnProvider
	out     chan<- Delivery
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewPushSource(conns ConnProvider, out chan<- Delivery, logger *zap.Logger, metrics *observability.Metrics) *PushSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PushSource{
		conns:   conns,
		out:     out,
		logger:  logger.With(zap.String("component", "push")),
		metrics: observability.OrDiscard(metrics),
	}
}

// Subscribe starts forwarding logs for target. Transport errors are reported
// to the connection manager and end the watch.
func (p *PushSource) Subscribe(ctx context.Context, target model.WatchTarget) (registry.Handle, error) {
	if !common.IsHexAddress(target.Address) {
		return nil, fmt.Errorf("invalid watch address: %s", target.Address)
	}
	conn, err := p.conns.Client()
	if err != nil {
		return nil, err
	}

	ch := make(chan types.Log, pushBuffer)
	sub, err := conn.SubscribeLogs(ctx,
		[]common.Address{common.HexToAddress(target.Address)},
		[]common.Hash{common.HexToHash(target.Topic)},
		ch,
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}

	w := &pushWatch{
		sub:  sub,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go p.forward(conn, target, w, ch)
	return w, nil
}

func (p *PushSource) forward(conn chain.RPC, target model.WatchTarget, w *pushWatch, ch <-chan types.Log) {
	defer close(w.done)
	kind := string(target.Kind)

	for {
		select {
		case <-w.stop:
			return
		case err := <-w.sub.Err():
			if err == nil || w.stopped() {
				return
			}
			p.logger.Warn("subscription dropped",
				zap.String("address", target.Address),
				zap.String("kind", kind),
				zap.Error(err),
			)
			p.conns.HandleDisconnect(conn, err)
			return
		case log := <-ch:
			if log.Removed {
				continue
			}
			p.metrics.LogsReceived.WithLabelValues(kind).Inc()
			select {
			case p.out <- Delivery{Target: target, Log: buildRawLog(log)}:
			case <-w.stop:
				return
			}
		}
	}
}

type pushWatch struct {
	sub      ethereum.Subscription
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func (w *pushWatch) Unsubscribe() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.sub.Unsubscribe()
	})
}

func (w *pushWatch) Done() <-chan struct{} { return w.done }

func (w *pushWatch) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}
