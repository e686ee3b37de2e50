package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireMessage struct {
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
	Timestamp string          `json:"timestamp"`
	Echo      json.RawMessage `json:"echo"`
}

func startServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(Config{WriteTimeout: time.Second}, nil, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWelcomeAndHandshake(t *testing.T) {
	s, ts := startServer(t)
	conn := dial(t, ts)

	welcome := readMessage(t, conn)
	assert.Equal(t, TypeServerInfo, welcome.Type)
	var info serverInfo
	require.NoError(t, json.Unmarshal(welcome.Message, &info))
	assert.Equal(t, "connected", info.Status)
	assert.Equal(t, 1, info.ClientCount)
	assert.NotEmpty(t, info.ClientID)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypeClientHandshake, "client": "BuyBot"}))
	reply := readMessage(t, conn)
	assert.Equal(t, TypeServerHandshake, reply.Type)
	var hs serverHandshake
	require.NoError(t, json.Unmarshal(reply.Message, &hs))
	assert.True(t, hs.Connected)
	assert.Equal(t, 1, hs.ClientCount)
	assert.Equal(t, 1, s.ClientCount())
}

func TestPingIsEchoed(t *testing.T) {
	_, ts := startServer(t)
	conn := dial(t, ts)
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": TypePing, "timestamp": 1700000000123}))
	reply := readMessage(t, conn)
	assert.Equal(t, TypePong, reply.Type)
	assert.Equal(t, "1700000000123", string(reply.Echo))
	assert.NotEmpty(t, reply.Timestamp)

	// Garbage and unknown types get no reply; the connection stays usable.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "Other"}))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": TypePing, "timestamp": "abc"}))
	reply = readMessage(t, conn)
	assert.Equal(t, TypePong, reply.Type)
	assert.Equal(t, `"abc"`, string(reply.Echo))
}

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	s, ts := startServer(t)
	a := dial(t, ts)
	b := dial(t, ts)
	readMessage(t, a)
	readMessage(t, b)
	require.Eventually(t, func() bool { return s.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	sent := s.Broadcast(TypeNewBuy, map[string]string{"txHash": "0xabc"})
	assert.Equal(t, 2, sent)

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		assert.Equal(t, TypeNewBuy, msg.Type)
		assert.JSONEq(t, `{"txHash":"0xabc"}`, string(msg.Message))
	}
}

func TestBroadcastWithNoSubscribers(t *testing.T) {
	s := NewServer(Config{}, nil, nil)
	assert.Zero(t, s.Broadcast(TypeNewPool, map[string]string{"tokenName": "X"}))
}

func TestClosedSubscriberIsRemoved(t *testing.T) {
	s, ts := startServer(t)
	a := dial(t, ts)
	readMessage(t, a)
	b := dial(t, ts)
	readMessage(t, b)
	require.Eventually(t, func() bool { return s.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, s.Broadcast(TypeNewBuy, map[string]int{"n": 1}))
	assert.Equal(t, TypeNewBuy, readMessage(t, a).Type)
}

func TestHeartbeatDropsUnresponsiveClients(t *testing.T) {
	s, ts := startServer(t)

	responsive := dial(t, ts)
	readMessage(t, responsive)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Reading drives the default ping handler, which answers with a pong.
		for {
			if _, _, err := responsive.ReadMessage(); err != nil {
				return
			}
		}
	}()

	silent := dial(t, ts)
	readMessage(t, silent)
	require.Eventually(t, func() bool { return s.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	s.Heartbeat()
	require.Eventually(t, func() bool {
		alive := 0
		for _, c := range s.snapshot() {
			if c.alive.Load() {
				alive++
			}
		}
		return alive == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Heartbeat()
	assert.Equal(t, 1, s.ClientCount())

	s.Close()
	responsive.Close()
	wg.Wait()
}

func TestHealthEndpoint(t *testing.T) {
	s, ts := startServer(t)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.started = fixed.Add(-90 * time.Second)
	s.now = func() time.Time { return fixed }

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var health HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 0, health.Clients)
	assert.InDelta(t, 90, health.Uptime, 0.001)
	assert.Equal(t, "2024-03-01T12:00:00.000Z", health.Timestamp)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunRestartsListener(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0", RestartDelay: time.Millisecond, MaxRestarts: 5}, nil, nil)

	var mu sync.Mutex
	calls := 0
	s.listen = func(network, addr string) (net.Listener, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 2 {
			return nil, errors.New("address in use")
		}
		return net.Listen(network, addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunGivesUpAfterMaxRestarts(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0", RestartDelay: time.Millisecond, MaxRestarts: 2}, nil, nil)
	calls := 0
	s.listen = func(string, string) (net.Listener, error) {
		calls++
		return nil, errors.New("permission denied")
	}

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrTooManyRestarts)
	assert.Equal(t, 3, calls)
}
