package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/topeklc/BSC-BuyBot/internal/chain"
	"github.com/topeklc/BSC-BuyBot/internal/observability"
)

var (
	// ErrNoProvider is returned when every endpoint failed MaxAttempts times in a row.
	ErrNoProvider = errors.New("no provider available")
	// ErrNotConnected is returned by Client while no verified connection exists.
	ErrNotConnected = errors.New("provider not connected")
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateVerifying
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateVerifying:
		return "verifying"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Dialer opens a transport to one endpoint.
type Dialer func(ctx context.Context, url string) (chain.RPC, error)

// Config holds connection manager settings.
type Config struct {
	Endpoints     []string
	VerifyTimeout time.Duration
	Backoff       Backoff
	MaxAttempts   int
}

// Manager owns the single live RPC connection and fails over across a
// prioritized endpoint list.
type Manager struct {
	cfg     Config
	dial    Dialer
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu           sync.Mutex
	endpoints    []Endpoint
	current      int
	conn         chain.RPC
	state        State
	reconnecting bool
	cancelRetry  context.CancelFunc
	generation   uint64
	lifetime     context.Context
	closed       bool

	reconnected chan struct{}
	fatal       chan error
}

// NewManager builds a Manager. Endpoints are tried in the given priority order.
func NewManager(cfg Config, dial Dialer, logger *zap.Logger, metrics *observability.Metrics) (*Manager, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one rpc endpoint is required")
	}
	if dial == nil {
		return nil, fmt.Errorf("dialer is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 12
	}

	endpoints := make([]Endpoint, 0, len(cfg.Endpoints))
	for _, url := range cfg.Endpoints {
		endpoints = append(endpoints, Endpoint{URL: url})
	}

	return &Manager{
		cfg:         cfg,
		dial:        dial,
		logger:      logger.With(zap.String("component", "provider")),
		metrics:     observability.OrDiscard(metrics),
		now:         time.Now,
		endpoints:   endpoints,
		lifetime:    context.Background(),
		reconnected: make(chan struct{}, 1),
		fatal:       make(chan error, 1),
	}, nil
}

// Connect establishes a verified connection, rotating endpoints with backoff.
// ctx also bounds every reconnect scheduled later by HandleDisconnect. A
// pending background reconnect is cancelled first.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("manager closed")
	}
	m.lifetime = ctx
	m.generation++
	if m.cancelRetry != nil {
		m.cancelRetry()
		m.cancelRetry = nil
	}
	m.reconnecting = false
	m.mu.Unlock()

	return m.connectLoop(ctx)
}

// HandleDisconnect is the single entry point for transport failures. from
// identifies the connection that failed; nil means the current one. Failures
// reported against a connection that is no longer current are ignored, and
// concurrent calls collapse into one reconnect cycle.
func (m *Manager) HandleDisconnect(from chain.RPC, cause error) {
	m.mu.Lock()
	if m.closed || m.reconnecting {
		m.mu.Unlock()
		return
	}
	if from != nil && from != m.conn {
		m.mu.Unlock()
		return
	}

	m.reconnecting = true
	failed := m.current
	m.endpoints[failed].Failures++
	url := m.endpoints[failed].URL
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = StateDisconnected
	m.current = nextEndpoint(m.endpoints, failed)

	m.generation++
	gen := m.generation
	retryCtx, cancel := context.WithCancel(m.lifetime)
	m.cancelRetry = cancel
	m.mu.Unlock()

	m.metrics.ProviderFailures.WithLabelValues(url).Inc()
	m.metrics.ProviderReconnects.Inc()
	m.logger.Warn("provider disconnected",
		zap.String("endpoint", url),
		zap.Error(cause),
	)

	go m.reconnect(retryCtx, cancel, gen)
}

func (m *Manager) reconnect(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer cancel()

	err := m.connectLoop(ctx)

	m.mu.Lock()
	current := m.generation == gen
	if current {
		m.reconnecting = false
		m.cancelRetry = nil
	}
	m.mu.Unlock()

	if !current {
		return
	}
	if err == nil {
		select {
		case m.reconnected <- struct{}{}:
		default:
		}
		return
	}
	if errors.Is(err, ErrNoProvider) {
		m.logger.Error("provider pool exhausted", zap.Error(err))
		select {
		case m.fatal <- err:
		default:
		}
	}
}

func (m *Manager) connectLoop(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := m.attempt(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		if attempt == m.cfg.MaxAttempts-1 {
			break
		}
		delay := m.cfg.Backoff.Delay(attempt)
		m.logger.Warn("provider connect failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", m.cfg.MaxAttempts),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrNoProvider, m.cfg.MaxAttempts, lastErr)
}

func (m *Manager) attempt(ctx context.Context) error {
	m.mu.Lock()
	idx := m.current
	url := m.endpoints[idx].URL
	m.state = StateConnecting
	m.mu.Unlock()

	conn, err := m.dial(ctx, url)
	if err != nil {
		m.markFailed(idx)
		return fmt.Errorf("dial %s: %w", url, err)
	}

	m.setState(StateVerifying)
	verifyCtx, cancel := context.WithTimeout(ctx, m.cfg.VerifyTimeout)
	height, err := conn.BlockNumber(verifyCtx)
	cancel()
	if err != nil {
		conn.Close()
		m.markFailed(idx)
		return fmt.Errorf("verify %s: %w", url, err)
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		conn.Close()
		return ctx.Err()
	}
	previous := m.conn
	m.conn = conn
	m.state = StateConnected
	m.endpoints[idx].Failures = 0
	m.endpoints[idx].LastVerifiedAt = m.now()
	m.mu.Unlock()

	if previous != nil && previous != conn {
		previous.Close()
	}

	m.metrics.ProviderConnects.WithLabelValues(url).Inc()
	m.logger.Info("provider connected",
		zap.String("endpoint", url),
		zap.Uint64("height", height),
	)
	return nil
}

func (m *Manager) markFailed(idx int) {
	m.mu.Lock()
	m.endpoints[idx].Failures++
	url := m.endpoints[idx].URL
	if m.current == idx {
		m.current = nextEndpoint(m.endpoints, idx)
	}
	m.state = StateDisconnected
	m.mu.Unlock()

	m.metrics.ProviderFailures.WithLabelValues(url).Inc()
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// Client returns the verified connection.
func (m *Manager) Client() (chain.RPC, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || m.state != StateConnected {
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Endpoints returns a snapshot of endpoint bookkeeping in priority order.
func (m *Manager) Endpoints() []Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Endpoint, len(m.endpoints))
	copy(out, m.endpoints)
	return out
}

// Reconnected fires after a background reconnect succeeds.
func (m *Manager) Reconnected() <-chan struct{} {
	return m.reconnected
}

// Fatal delivers ErrNoProvider when a background reconnect gives up.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

// Close cancels pending reconnects and closes the live connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.cancelRetry != nil {
		m.cancelRetry()
		m.cancelRetry = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = StateDisconnected
}
