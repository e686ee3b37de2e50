package source

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/topeklc/BSC-BuyBot/internal/model"
	"github.com/topeklc/BSC-BuyBot/internal/observability"
	"github.com/topeklc/BSC-BuyBot/internal/registry"
)

// PollConfig holds the range polling settings.
type PollConfig struct {
	Interval         time.Duration
	MaxBlocksPerPoll uint64
	AddressBatchSize int
	Retries          int
	RetryBackoff     time.Duration
	MaxCatchupBlocks uint64
	// CallTimeout bounds each RPC call of a poll cycle.
	CallTimeout time.Duration
}

// Poller queries each new block window for the subscribed targets. Subscribe
// only records the target; logs are fetched by Run.
type Poller struct {
	cfg        PollConfig
	conns      ConnProvider
	out        chan<- Delivery
	checkpoint *CheckpointStore
	logger     *zap.Logger
	metrics    *observability.Metrics

	mu      sync.Mutex
	targets map[string]*pollWatch
	last    uint64
	started bool
}

func NewPoller(cfg PollConfig, conns ConnProvider, out chan<- Delivery, checkpoint *CheckpointStore, logger *zap.Logger, metrics *observability.Metrics) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxBlocksPerPoll == 0 {
		cfg.MaxBlocksPerPoll = 10
	}
	if cfg.AddressBatchSize <= 0 {
		cfg.AddressBatchSize = 50
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Poller{
		cfg:        cfg,
		conns:      conns,
		out:        out,
		checkpoint: checkpoint,
		logger:     logger.With(zap.String("component", "poller")),
		metrics:    observability.OrDiscard(metrics),
		targets:    make(map[string]*pollWatch),
	}
}

// Subscribe adds target to the polled set.
func (p *Poller) Subscribe(_ context.Context, target model.WatchTarget) (registry.Handle, error) {
	if !common.IsHexAddress(target.Address) {
		return nil, fmt.Errorf("invalid watch address: %s", target.Address)
	}
	w := &pollWatch{poller: p, target: target, done: make(chan struct{})}

	p.mu.Lock()
	p.targets[target.Key()] = w
	p.mu.Unlock()
	return w, nil
}

// Run polls every interval until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce processes the next block window. The position advances once every
// batch was attempted, even if some failed after retry.
func (p *Poller) PollOnce(ctx context.Context) error {
	conn, err := p.conns.Client()
	if err != nil {
		return err
	}
	headCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	head, err := conn.BlockNumber(headCtx)
	cancel()
	if err != nil {
		p.conns.HandleDisconnect(conn, err)
		return fmt.Errorf("read head: %w", err)
	}

	last, ok := p.position(head)
	if !ok {
		return nil
	}
	window, ok := NextRange(last, head, p.cfg.MaxBlocksPerPoll)
	if !ok {
		return nil
	}

	groups, lookup := p.snapshot()
	retry := newRetryPolicy(p.cfg.Retries, p.cfg.RetryBackoff)
	var logs []types.Log
	failed := 0
	for topic, addresses := range groups {
		for _, batch := range BatchAddresses(addresses, p.cfg.AddressBatchSize) {
			var result []types.Log
			err := retry.do(ctx, func(ctx context.Context) error {
				callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
				defer cancel()
				var err error
				result, err = conn.FilterLogs(callCtx, window.From, window.To, batch, []common.Hash{topic})
				return err
			}, func(attempt int, err error) {
				p.logger.Debug("retrying log batch", zap.Int("attempt", attempt), zap.Error(err))
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failed++
				p.metrics.PollBatchFailures.Inc()
				p.logger.Warn("log batch failed",
					zap.Uint64("from", window.From),
					zap.Uint64("to", window.To),
					zap.String("topic", topic.Hex()),
					zap.Int("addresses", len(batch)),
					zap.Error(err),
				)
				continue
			}
			logs = append(logs, result...)
		}
	}

	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	emitted := 0
	for _, log := range logs {
		if log.Removed || len(log.Topics) == 0 {
			continue
		}
		target, ok := lookup[watchKey(log.Address, log.Topics[0])]
		if !ok {
			continue
		}
		p.metrics.LogsReceived.WithLabelValues(string(target.Kind)).Inc()
		select {
		case p.out <- Delivery{Target: target, Log: buildRawLog(log)}:
			emitted++
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.advance(window.To)
	p.logger.Debug("window processed",
		zap.Uint64("from", window.From),
		zap.Uint64("to", window.To),
		zap.Int("logs", emitted),
		zap.Int("failed_batches", failed),
	)
	return nil
}

// Last returns the last processed block.
func (p *Poller) Last() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *Poller) position(head uint64) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return p.last, true
	}

	cp, ok, err := p.checkpoint.Load()
	if err != nil {
		p.logger.Warn("checkpoint load failed", zap.Error(err))
	}
	p.last = startBlock(cp, ok && err == nil, head, p.cfg.MaxCatchupBlocks)
	p.started = true
	p.logger.Info("poller started", zap.Uint64("head", head), zap.Uint64("last_processed", p.last))
	return p.last, p.last < head
}

func (p *Poller) advance(to uint64) {
	p.mu.Lock()
	p.last = to
	p.mu.Unlock()

	p.metrics.LastPolledBlock.Set(float64(to))
	if err := p.checkpoint.Save(to); err != nil {
		p.logger.Warn("checkpoint save failed", zap.Error(err))
	}
}

// snapshot groups the current targets by topic and indexes them for routing.
func (p *Poller) snapshot() (map[common.Hash][]common.Address, map[string]model.WatchTarget) {
	p.mu.Lock()
	defer p.mu.Unlock()

	groups := make(map[common.Hash][]common.Address)
	lookup := make(map[string]model.WatchTarget, len(p.targets))
	for key, w := range p.targets {
		topic := common.HexToHash(w.target.Topic)
		groups[topic] = append(groups[topic], common.HexToAddress(w.target.Address))
		lookup[key] = w.target
	}
	for topic := range groups {
		addrs := groups[topic]
		sort.Slice(addrs, func(i, j int) bool { return addrs[i].Hex() < addrs[j].Hex() })
	}
	return groups, lookup
}

func (p *Poller) remove(w *pollWatch) {
	p.mu.Lock()
	if cur, ok := p.targets[w.target.Key()]; ok && cur == w {
		delete(p.targets, w.target.Key())
	}
	p.mu.Unlock()
}

func watchKey(address common.Address, topic common.Hash) string {
	return strings.ToLower(address.Hex()) + strings.ToLower(topic.Hex())
}

type pollWatch struct {
	poller *Poller
	target model.WatchTarget
	once   sync.Once
	done   chan struct{}
}

func (w *pollWatch) Unsubscribe() {
	w.once.Do(func() {
		w.poller.remove(w)
		close(w.done)
	})
}

func (w *pollWatch) Done() <-chan struct{} { return w.done }
