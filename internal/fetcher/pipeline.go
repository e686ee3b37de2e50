// Package fetcher routes delivered logs through decoding, interpretation and
// deduplication to the broadcast server.
package fetcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/topeklc/BSC-BuyBot/internal/model"
	"github.com/topeklc/BSC-BuyBot/internal/observability"
	"github.com/topeklc/BSC-BuyBot/internal/source"
	"github.com/topeklc/BSC-BuyBot/internal/storage"
	"github.com/topeklc/BSC-BuyBot/internal/swap"
)

const msgNewBuy = "NewBuy"

// Decoder converts raw logs into typed events.
type Decoder interface {
	Decode(log model.RawLog) model.DecodedEvent
}

// Interpreter turns decoded trades into buy events.
type Interpreter interface {
	InterpretV3(ctx context.Context, pool model.PoolMetadata, ev model.SwapV3Decoded, txHash string) (model.BuyEvent, error)
	InterpretV2(ctx context.Context, pool model.PoolMetadata, ev model.SwapV2Decoded, txHash string) (model.BuyEvent, error)
	InterpretBuy(ctx context.Context, ev model.BuyDecoded, txHash string) (model.BuyEvent, error)
}

// PoolIndex returns metadata for pools that are already watched.
type PoolIndex interface {
	Pool(address string) (model.PoolMetadata, bool)
}

// PoolResolver loads pool metadata that is not indexed yet.
type PoolResolver interface {
	Pool(ctx context.Context, address string, version model.PoolVersion) (model.PoolMetadata, error)
}

// TokenLister lists the tokens with active configurations.
type TokenLister interface {
	ActiveTokens(ctx context.Context) ([]string, error)
}

// NewPoolHandler reacts to launchpad graduations.
type NewPoolHandler interface {
	HandleNewPool(ctx context.Context, ev model.NewPoolDecoded) error
}

// Gate reports whether an event was already emitted.
type Gate interface {
	IsDuplicate(ev model.BuyEvent) bool
}

// Claimer claims a transaction across instances. It returns false when
// another instance already emitted it.
type Claimer interface {
	Claim(ctx context.Context, txHash string) bool
}

// Broadcaster fans messages out to subscribers.
type Broadcaster interface {
	Broadcast(msgType string, payload any) int
}

// Deps are the collaborators of a Pipeline. Pools, Tokens, NewPools,
// Claimer and Archive are optional.
type Deps struct {
	Decoder     Decoder
	Interpreter Interpreter
	Index       PoolIndex
	Pools       PoolResolver
	Tokens      TokenLister
	NewPools    NewPoolHandler
	Gate        Gate
	Claimer     Claimer
	Archive     storage.Archive
	Out         Broadcaster
}

// Config holds the pipeline settings.
type Config struct {
	ProcessTimeout time.Duration
	QueueSize      int
	WorkerIdle     time.Duration
	ActiveRefresh  time.Duration
}

// Pipeline processes deliveries with one worker per watch, so logs of one
// watch stay in order and a slow watch does not hold up the others.
type Pipeline struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	workers map[string]chan source.Delivery
	wg      sync.WaitGroup

	activeMu      sync.Mutex
	active        map[string]struct{}
	activeFetched time.Time
	now           func() time.Time
}

func New(cfg Config, deps Deps, logger *zap.Logger, metrics *observability.Metrics) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 20 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WorkerIdle <= 0 {
		cfg.WorkerIdle = 5 * time.Minute
	}
	if cfg.ActiveRefresh <= 0 {
		cfg.ActiveRefresh = 30 * time.Second
	}
	return &Pipeline{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With(zap.String("component", "pipeline")),
		metrics: observability.OrDiscard(metrics),
		workers: make(map[string]chan source.Delivery),
		now:     time.Now,
	}
}

// Run dispatches deliveries until in is closed or ctx ends, then waits for
// the workers to finish.
func (p *Pipeline) Run(ctx context.Context, in <-chan source.Delivery) error {
	defer p.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-in:
			if !ok {
				p.closeWorkers()
				return nil
			}
			p.dispatch(ctx, d)
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, d source.Delivery) {
	key := d.Target.Key()

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.workers[key]
	if !ok {
		ch = make(chan source.Delivery, p.cfg.QueueSize)
		p.workers[key] = ch
		p.wg.Add(1)
		go p.worker(ctx, key, ch)
	}
	select {
	case ch <- d:
	default:
		p.metrics.InterpretDropped.WithLabelValues("backlog").Inc()
		p.logger.Warn("watch backlog full, dropping log",
			zap.String("address", d.Target.Address),
			zap.String("tx_hash", d.Log.TxHash),
		)
	}
}

func (p *Pipeline) worker(ctx context.Context, key string, ch chan source.Delivery) {
	defer p.wg.Done()
	idle := time.NewTimer(p.cfg.WorkerIdle)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-ch:
			if !ok {
				return
			}
			p.Process(ctx, d)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.WorkerIdle)
		case <-idle.C:
			p.mu.Lock()
			if len(ch) == 0 {
				delete(p.workers, key)
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			idle.Reset(p.cfg.WorkerIdle)
		}
	}
}

func (p *Pipeline) closeWorkers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, ch := range p.workers {
		close(ch)
		delete(p.workers, key)
	}
}

// Process handles one delivery under the process timeout. Every failure is
// local to the delivery.
func (p *Pipeline) Process(ctx context.Context, d source.Delivery) {
	start := p.now()
	decoded := p.deps.Decoder.Decode(d.Log)

	if ev, ok := decoded.(model.NewPoolDecoded); ok {
		p.handleNewPool(ctx, ev)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, p.cfg.ProcessTimeout)
	defer cancel()

	var (
		event model.BuyEvent
		err   error
	)
	switch ev := decoded.(type) {
	case model.Unrecognized:
		p.metrics.InterpretDropped.WithLabelValues("undecodable").Inc()
		p.logger.Debug("log not decoded",
			zap.String("address", d.Log.Address),
			zap.String("topic0", ev.Topic0),
			zap.String("reason", ev.Reason),
		)
		return
	case model.BuyDecoded:
		if !p.tokenActive(pctx, ev.Token.Hex()) {
			return
		}
		event, err = p.deps.Interpreter.InterpretBuy(pctx, ev, d.Log.TxHash)
	case model.SwapV3Decoded:
		pool, perr := p.pool(pctx, d.Log.Address, model.PoolV3)
		if perr != nil {
			err = perr
			break
		}
		event, err = p.deps.Interpreter.InterpretV3(pctx, pool, ev, d.Log.TxHash)
	case model.SwapV2Decoded:
		pool, perr := p.pool(pctx, d.Log.Address, model.PoolV2)
		if perr != nil {
			err = perr
			break
		}
		event, err = p.deps.Interpreter.InterpretV2(pctx, pool, ev, d.Log.TxHash)
	default:
		return
	}

	if err != nil {
		p.dropped(d, err)
		return
	}
	if p.emit(pctx, event) {
		p.metrics.ProcessingLatencyMs.Observe(float64(p.now().Sub(start).Milliseconds()))
	}
}

func (p *Pipeline) handleNewPool(ctx context.Context, ev model.NewPoolDecoded) {
	if p.deps.NewPools == nil {
		return
	}
	p.logger.Info("token graduated", zap.String("token", ev.Base.Hex()))
	// Discovery retries for longer than the process timeout.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.deps.NewPools.HandleNewPool(ctx, ev); err != nil && ctx.Err() == nil {
			p.logger.Warn("new pool handling failed", zap.String("token", ev.Base.Hex()), zap.Error(err))
		}
	}()
}

func (p *Pipeline) emit(ctx context.Context, event model.BuyEvent) bool {
	if p.deps.Gate != nil && p.deps.Gate.IsDuplicate(event) {
		p.metrics.DuplicatesDropped.Inc()
		p.logger.Debug("duplicate buy", zap.String("tx_hash", event.TxHash))
		return false
	}
	if p.deps.Claimer != nil && !p.deps.Claimer.Claim(ctx, event.TxHash) {
		p.metrics.DuplicatesDropped.Inc()
		p.logger.Debug("buy claimed elsewhere", zap.String("tx_hash", event.TxHash))
		return false
	}

	if p.deps.Archive != nil {
		if err := p.deps.Archive.PutBuyEvents([]model.BuyEvent{event}); err != nil {
			p.logger.Warn("archive buy failed", zap.String("tx_hash", event.TxHash), zap.Error(err))
		}
	}
	sent := 0
	if p.deps.Out != nil {
		sent = p.deps.Out.Broadcast(msgNewBuy, event)
	}
	p.metrics.BuysEmitted.WithLabelValues(event.Dex).Inc()
	p.logger.Info("buy emitted",
		zap.String("dex", event.Dex),
		zap.String("token", event.GotToken.Symbol),
		zap.Float64("spent_usd", event.SpentDollars),
		zap.String("tx_hash", event.TxHash),
		zap.Int("subscribers", sent),
	)
	return true
}

func (p *Pipeline) pool(ctx context.Context, address string, version model.PoolVersion) (model.PoolMetadata, error) {
	if p.deps.Index != nil {
		if pool, ok := p.deps.Index.Pool(address); ok {
			return pool, nil
		}
	}
	if p.deps.Pools == nil {
		return model.PoolMetadata{}, errPoolUnknown
	}
	return p.deps.Pools.Pool(ctx, address, version)
}

var errPoolUnknown = errors.New("pool metadata unknown")

// tokenActive checks token against a cached active set. A refresh failure
// keeps the previous set; with no set at all every token passes.
func (p *Pipeline) tokenActive(ctx context.Context, token string) bool {
	if p.deps.Tokens == nil {
		return true
	}

	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	if p.active == nil || p.now().Sub(p.activeFetched) >= p.cfg.ActiveRefresh {
		tokens, err := p.deps.Tokens.ActiveTokens(ctx)
		if err != nil {
			p.logger.Warn("active token refresh failed", zap.Error(err))
		} else {
			set := make(map[string]struct{}, len(tokens))
			for _, t := range tokens {
				set[strings.ToLower(t)] = struct{}{}
			}
			p.active = set
			p.activeFetched = p.now()
		}
	}
	if p.active == nil {
		return true
	}
	_, ok := p.active[strings.ToLower(token)]
	return ok
}

func (p *Pipeline) dropped(d source.Delivery, err error) {
	reason := "invalid"
	switch {
	case errors.Is(err, swap.ErrNoDirection):
		reason = "no_direction"
	case errors.Is(err, swap.ErrMetadataUnavailable):
		reason = "metadata"
	case errors.Is(err, errPoolUnknown):
		reason = "pool"
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	}
	p.metrics.InterpretDropped.WithLabelValues(reason).Inc()

	fields := []zap.Field{
		zap.String("address", d.Log.Address),
		zap.String("tx_hash", d.Log.TxHash),
		zap.String("reason", reason),
		zap.Error(err),
	}
	if reason == "no_direction" {
		p.logger.Debug("trade skipped", fields...)
		return
	}
	p.logger.Warn("trade dropped", fields...)
}
