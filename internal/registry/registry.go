// Package registry keeps the set of live log watches in line with the
// configured pools and the launchpad system topics.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/topeklc/BSC-BuyBot/internal/model"
	"github.com/topeklc/BSC-BuyBot/internal/observability"
)

// Handle is one live watch. Done is closed when the watch ends on its own.
type Handle interface {
	Unsubscribe()
	Done() <-chan struct{}
}

// Subscriber opens a watch for one target.
type Subscriber interface {
	Subscribe(ctx context.Context, target model.WatchTarget) (Handle, error)
}

// PoolLister supplies the pools that should be watched.
type PoolLister interface {
	ConfiguredPools(ctx context.Context) ([]model.PoolMetadata, error)
	ActiveTokens(ctx context.Context) ([]string, error)
	PoolsForToken(ctx context.Context, token string) ([]model.PoolMetadata, error)
}

// ErrPoolsUnavailable marks a reconcile pass that could not read the pool
// configuration. System watches and the watches already active are kept.
var ErrPoolsUnavailable = errors.New("pool configuration unavailable")

// Config holds the launchpad address and the topic per event family.
// CallTimeout bounds each Subscribe call.
type Config struct {
	Launchpad    string
	BuyTopic     string
	NewPoolTopic string
	SwapV2Topic  string
	SwapV3Topic  string
	CallTimeout  time.Duration
}

// Result summarises one reconcile pass.
type Result struct {
	Added   int
	Removed int
	Failed  int
}

type watch struct {
	target model.WatchTarget
	handle Handle
}

// Registry owns the active watch set. All map mutation happens under mu and
// no network call is made while holding it.
type Registry struct {
	cfg     Config
	sub     Subscriber
	pools   PoolLister
	logger  *zap.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	active   map[string]watch
	poolMeta map[string]model.PoolMetadata
	// pinned holds pools added at runtime until the store lists them.
	pinned map[string]model.WatchTarget
}

func New(cfg Config, sub Subscriber, pools PoolLister, logger *zap.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Registry{
		cfg:      cfg,
		sub:      sub,
		pools:    pools,
		logger:   logger.With(zap.String("component", "registry")),
		metrics:  observability.OrDiscard(metrics),
		active:   make(map[string]watch),
		poolMeta: make(map[string]model.PoolMetadata),
		pinned:   make(map[string]model.WatchTarget),
	}
}

// SystemTargets returns the launchpad watches that are always desired.
func (r *Registry) SystemTargets() []model.WatchTarget {
	return []model.WatchTarget{
		{Address: r.cfg.Launchpad, Topic: r.cfg.BuyTopic, Kind: model.KindBuy},
		{Address: r.cfg.Launchpad, Topic: r.cfg.NewPoolTopic, Kind: model.KindNewPool},
	}
}

// TargetForPool maps a pool to its swap watch.
func (r *Registry) TargetForPool(pool model.PoolMetadata) (model.WatchTarget, error) {
	if err := pool.Validate(); err != nil {
		return model.WatchTarget{}, err
	}
	if pool.Version == model.PoolV2 {
		return model.WatchTarget{Address: pool.Address, Topic: r.cfg.SwapV2Topic, Kind: model.KindSwapV2}, nil
	}
	return model.WatchTarget{Address: pool.Address, Topic: r.cfg.SwapV3Topic, Kind: model.KindSwapV3}, nil
}

// Reconcile brings the active set in line with the desired set. Individual
// subscribe failures are counted and skipped. When the pool configuration
// cannot be read the pass still installs the system watches, keeps every
// active watch and returns an error wrapping ErrPoolsUnavailable.
func (r *Registry) Reconcile(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() {
		r.metrics.ReconcileDurationMs.Observe(float64(time.Since(start).Milliseconds()))
	}()

	desired, pools, storeErr := r.desired(ctx)
	if storeErr != nil {
		r.logger.Warn("pool configuration unavailable, keeping active watches", zap.Error(storeErr))
	}

	var res Result
	var drop []Handle
	var missing []model.WatchTarget

	r.mu.Lock()
	for _, pool := range pools {
		r.poolMeta[strings.ToLower(pool.Address)] = pool
	}
	for key, target := range r.pinned {
		if _, listed := desired[key]; listed && storeErr == nil {
			delete(r.pinned, key)
			continue
		}
		desired[key] = target
	}
	if storeErr != nil {
		for key, w := range r.active {
			desired[key] = w.target
		}
	}
	for key, w := range r.active {
		_, want := desired[key]
		if want && !isDone(w.handle) {
			continue
		}
		delete(r.active, key)
		drop = append(drop, w.handle)
		if !want {
			res.Removed++
		}
	}
	for key, target := range desired {
		if _, ok := r.active[key]; !ok {
			missing = append(missing, target)
		}
	}
	r.mu.Unlock()

	for _, h := range drop {
		h.Unsubscribe()
	}

	sort.Slice(missing, func(i, j int) bool { return missing[i].Key() < missing[j].Key() })
	for _, target := range missing {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		added, err := r.subscribe(ctx, target)
		if err != nil {
			res.Failed++
			r.metrics.SubscribeFailures.Inc()
			r.logger.Warn("subscribe failed",
				zap.String("address", target.Address),
				zap.String("kind", string(target.Kind)),
				zap.Error(err),
			)
			continue
		}
		if added {
			res.Added++
		}
	}

	active := r.Len()
	r.metrics.ActiveWatches.Set(float64(active))
	if res.Added > 0 || res.Removed > 0 || res.Failed > 0 {
		r.logger.Info("reconciled watches",
			zap.Int("added", res.Added),
			zap.Int("removed", res.Removed),
			zap.Int("failed", res.Failed),
			zap.Int("active", active),
		)
	}
	if storeErr != nil {
		return res, fmt.Errorf("%w: %v", ErrPoolsUnavailable, storeErr)
	}
	return res, nil
}

// Ensure adds a single watch immediately. A target that is already active is
// left alone.
func (r *Registry) Ensure(ctx context.Context, target model.WatchTarget) error {
	r.mu.Lock()
	w, ok := r.active[target.Key()]
	r.mu.Unlock()
	if ok && !isDone(w.handle) {
		return nil
	}
	if _, err := r.subscribe(ctx, target); err != nil {
		r.metrics.SubscribeFailures.Inc()
		return fmt.Errorf("subscribe %s: %w", target.Address, err)
	}
	r.metrics.ActiveWatches.Set(float64(r.Len()))
	return nil
}

// AddPool records pool metadata and starts watching its swaps. The pool stays
// desired across reconciles until the store lists it.
func (r *Registry) AddPool(ctx context.Context, pool model.PoolMetadata) error {
	target, err := r.TargetForPool(pool)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.poolMeta[strings.ToLower(pool.Address)] = pool
	r.pinned[target.Key()] = target
	r.mu.Unlock()
	return r.Ensure(ctx, target)
}

// subscribe opens a watch and installs it. When another caller installed the
// same key in the meantime the new handle is released.
func (r *Registry) subscribe(ctx context.Context, target model.WatchTarget) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	h, err := r.sub.Subscribe(callCtx, target)
	cancel()
	if err != nil {
		return false, err
	}

	key := target.Key()
	var stale Handle
	r.mu.Lock()
	if existing, ok := r.active[key]; ok {
		if !isDone(existing.handle) {
			r.mu.Unlock()
			h.Unsubscribe()
			return false, nil
		}
		stale = existing.handle
	}
	r.active[key] = watch{target: target, handle: h}
	r.mu.Unlock()

	if stale != nil {
		stale.Unsubscribe()
	}
	return true, nil
}

// Reset drops every watch so the next reconcile rebuilds the set on the
// current connection.
func (r *Registry) Reset() {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.active))
	for key, w := range r.active {
		handles = append(handles, w.handle)
		delete(r.active, key)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Unsubscribe()
	}
	r.metrics.ActiveWatches.Set(0)
}

// Active returns the live targets, optionally filtered by kind.
func (r *Registry) Active(kinds ...model.Kind) []model.WatchTarget {
	r.mu.Lock()
	out := make([]model.WatchTarget, 0, len(r.active))
	for _, w := range r.active {
		if len(kinds) > 0 && !hasKind(kinds, w.target.Kind) {
			continue
		}
		out = append(out, w.target)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Len returns the number of live watches.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Pool returns the metadata recorded for a watched pool.
func (r *Registry) Pool(address string) (model.PoolMetadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta, ok := r.poolMeta[strings.ToLower(address)]
	return meta, ok
}

func (r *Registry) desired(ctx context.Context) (map[string]model.WatchTarget, []model.PoolMetadata, error) {
	out := make(map[string]model.WatchTarget)
	for _, target := range r.SystemTargets() {
		out[target.Key()] = target
	}
	if r.pools == nil {
		return out, nil, nil
	}

	pools, err := r.pools.ConfiguredPools(ctx)
	if err != nil {
		return out, nil, fmt.Errorf("list configured pools: %w", err)
	}
	if len(pools) == 0 {
		pools, err = r.activeTokenPools(ctx)
		if err != nil {
			return out, nil, err
		}
	}

	valid := make([]model.PoolMetadata, 0, len(pools))
	for _, pool := range pools {
		target, err := r.TargetForPool(pool)
		if err != nil {
			r.logger.Warn("skipping pool", zap.String("pool", pool.Address), zap.Error(err))
			continue
		}
		out[target.Key()] = target
		valid = append(valid, pool)
	}
	return out, valid, nil
}

func (r *Registry) activeTokenPools(ctx context.Context) ([]model.PoolMetadata, error) {
	tokens, err := r.pools.ActiveTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}
	seen := make(map[string]struct{})
	var pools []model.PoolMetadata
	for _, token := range tokens {
		list, err := r.pools.PoolsForToken(ctx, token)
		if err != nil {
			r.logger.Warn("list token pools failed", zap.String("token", token), zap.Error(err))
			continue
		}
		for _, pool := range list {
			key := strings.ToLower(pool.Address)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			pools = append(pools, pool)
		}
	}
	return pools, nil
}

func isDone(h Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

func hasKind(kinds []model.Kind, kind model.Kind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
