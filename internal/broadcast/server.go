// Package broadcast fans processed events out to websocket subscribers.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/topeklc/BSC-BuyBot/internal/observability"
)

// Message types on the wire.
const (
	TypeServerInfo      = "ServerInfo"
	TypeClientHandshake = "ClientHandshake"
	TypeServerHandshake = "ServerHandshake"
	TypePing            = "Ping"
	TypePong            = "Pong"
	TypeHeartbeat       = "Heartbeat"
	TypeNewBuy          = "NewBuy"
	TypeNewPool         = "NewPool"
)

// ErrTooManyRestarts is returned by Run when the listener keeps failing.
var ErrTooManyRestarts = errors.New("broadcast listener restart limit reached")

// Config holds the server settings.
type Config struct {
	Addr              string
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	RestartDelay      time.Duration
	MaxRestarts       int
}

// Envelope is the JSON shape of every server-initiated message.
type Envelope struct {
	Type    string `json:"type"`
	Message any    `json:"message"`
}

// HealthStatus is served on /health.
type HealthStatus struct {
	Status    string  `json:"status"`
	Clients   int     `json:"clients"`
	Uptime    float64 `json:"uptime"`
	Timestamp string  `json:"timestamp"`
}

type serverInfo struct {
	Status       string  `json:"status"`
	Time         string  `json:"time"`
	ClientID     string  `json:"clientId"`
	ClientCount  int     `json:"clientCount"`
	ServerUptime float64 `json:"serverUptime"`
}

type serverHandshake struct {
	Connected   bool   `json:"connected"`
	ServerTime  string `json:"serverTime"`
	ClientCount int    `json:"clientCount"`
}

type pong struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Echo      json.RawMessage `json:"echo,omitempty"`
}

type heartbeat struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type inbound struct {
	Type      string          `json:"type"`
	Client    string          `json:"client"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Server accepts websocket subscribers and pushes events to them. Delivery is
// best effort: a subscriber that cannot be written to is dropped.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	started  time.Time
	now      func() time.Time
	listen   func(network, addr string) (net.Listener, error)

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewServer(cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 10
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "broadcast")),
		metrics: observability.OrDiscard(metrics),
		upgrader: websocket.Upgrader{
			CheckOrigin:       func(r *http.Request) bool { return true },
			EnableCompression: true,
		},
		started: time.Now(),
		now:     time.Now,
		listen:  net.Listen,
		clients: make(map[*client]struct{}),
	}
}

// Handler serves the websocket endpoint on / plus /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/", s.handleWS)
	return mux
}

// Run serves until ctx ends, restarting the listener after unexpected closes.
// It fails only after MaxRestarts consecutive failures.
func (s *Server) Run(ctx context.Context) error {
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.heartbeatLoop(hbCtx)
	defer s.Close()

	failures := 0
	delay := s.cfg.RestartDelay
	for {
		served, err := s.serveOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if served >= time.Minute {
			failures = 0
			delay = s.cfg.RestartDelay
		}
		failures++
		s.metrics.ServerRestarts.Inc()
		if failures > s.cfg.MaxRestarts {
			return fmt.Errorf("%w: %v", ErrTooManyRestarts, err)
		}
		s.logger.Warn("listener closed, restarting",
			zap.Int("attempt", failures),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		delay *= 2
		if limit := 8 * s.cfg.RestartDelay; delay > limit {
			delay = limit
		}
	}
}

func (s *Server) serveOnce(ctx context.Context) (time.Duration, error) {
	ln, err := s.listen("tcp", s.cfg.Addr)
	if err != nil {
		return 0, fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.logger.Info("broadcast server listening", zap.String("addr", ln.Addr().String()))

	start := s.now()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return s.now().Sub(start), ctx.Err()
	case err := <-errCh:
		if err == nil {
			err = errors.New("listener closed")
		}
		return s.now().Sub(start), err
	}
}

// Broadcast sends {type, message} to every subscriber and returns how many
// writes succeeded.
func (s *Server) Broadcast(msgType string, payload any) int {
	data, err := json.Marshal(Envelope{Type: msgType, Message: payload})
	if err != nil {
		s.logger.Error("marshal broadcast", zap.String("type", msgType), zap.Error(err))
		return 0
	}

	sent, failed := 0, 0
	for _, c := range s.snapshot() {
		if err := c.write(websocket.TextMessage, data, s.cfg.WriteTimeout); err != nil {
			failed++
			s.logger.Debug("broadcast write failed", zap.String("client", c.id), zap.Error(err))
			s.remove(c, "write")
			continue
		}
		sent++
	}
	s.metrics.MessagesSent.WithLabelValues(msgType).Add(float64(sent))
	s.logger.Debug("broadcast",
		zap.String("type", msgType),
		zap.Int("sent", sent),
		zap.Int("failed", failed),
	)
	return sent
}

// Heartbeat drops subscribers that did not answer the previous ping and pings
// the rest.
func (s *Server) Heartbeat() {
	for _, c := range s.snapshot() {
		if !c.alive.CompareAndSwap(true, false) {
			s.logger.Info("dropping unresponsive client", zap.String("client", c.id))
			s.remove(c, "heartbeat")
			continue
		}
		if err := c.ping(s.cfg.WriteTimeout); err != nil {
			s.remove(c, "write")
			continue
		}
		if err := c.writeJSON(heartbeat{Type: TypeHeartbeat, Timestamp: s.timestamp()}, s.cfg.WriteTimeout); err != nil {
			s.remove(c, "write")
		}
	}
}

// Health reports the current server status.
func (s *Server) Health() HealthStatus {
	return HealthStatus{
		Status:    "healthy",
		Clients:   s.ClientCount(),
		Uptime:    s.now().Sub(s.started).Seconds(),
		Timestamp: s.timestamp(),
	}
}

// ClientCount returns the number of connected subscribers.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close disconnects every subscriber.
func (s *Server) Close() {
	for _, c := range s.snapshot() {
		s.remove(c, "shutdown")
	}
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Heartbeat()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Health()); err != nil {
		s.logger.Debug("write health", zap.Error(err))
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := newClient(conn)
	conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	count := s.add(c)
	s.logger.Info("client connected",
		zap.String("client", c.id),
		zap.String("remote", r.RemoteAddr),
		zap.Int("clients", count),
	)

	welcome := Envelope{Type: TypeServerInfo, Message: serverInfo{
		Status:       "connected",
		Time:         s.timestamp(),
		ClientID:     c.id,
		ClientCount:  count,
		ServerUptime: s.now().Sub(s.started).Seconds(),
	}}
	if err := c.writeJSON(welcome, s.cfg.WriteTimeout); err != nil {
		s.remove(c, "write")
		return
	}

	s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	defer s.remove(c, "closed")
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("invalid client message", zap.String("client", c.id), zap.Error(err))
			continue
		}

		var reply any
		switch msg.Type {
		case TypeClientHandshake:
			c.clientType = msg.Client
			s.logger.Info("client handshake", zap.String("client", c.id), zap.String("client_type", msg.Client))
			reply = Envelope{Type: TypeServerHandshake, Message: serverHandshake{
				Connected:   true,
				ServerTime:  s.timestamp(),
				ClientCount: s.ClientCount(),
			}}
		case TypePing:
			reply = pong{Type: TypePong, Timestamp: s.timestamp(), Echo: msg.Timestamp}
		default:
			continue
		}
		if err := c.writeJSON(reply, s.cfg.WriteTimeout); err != nil {
			return
		}
	}
}

func (s *Server) add(c *client) int {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.metrics.Subscribers.Set(float64(n))
	return n
}

func (s *Server) remove(c *client, reason string) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()

	c.close()
	if !ok {
		return
	}
	s.metrics.Subscribers.Set(float64(n))
	if reason != "closed" && reason != "shutdown" {
		s.metrics.SubscriberDrops.WithLabelValues(reason).Inc()
	}
	s.logger.Debug("client removed", zap.String("client", c.id), zap.String("reason", reason), zap.Int("clients", n))
}

func (s *Server) snapshot() []*client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

type client struct {
	id         string
	clientType string
	conn       *websocket.Conn
	alive      atomic.Bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn) *client {
	c := &client{id: strconv.FormatUint(rand.Uint64(), 36), conn: conn}
	c.alive.Store(true)
	return c
}

func (c *client) write(messageType int, data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *client) writeJSON(v any, timeout time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data, timeout)
}

func (c *client) ping(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

func (c *client) close() {
	c.closeOnce.Do(func() { _ = c.conn.Close() })
}
