package app

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopulse.com/internal/quotes/mdsource"
	relayConfig "cryptopulse.com/internal/relay/config"
)

// ---- 假上游 ----

type pipeConn struct {
	msgs chan []byte
	done chan struct{}
	once sync.Once
}

func (c *pipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case <-c.done:
		return nil, &mdsource.CloseError{Code: mdsource.CloseNormal, Reason: "closed"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Close(int, string) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type pipeDialer struct {
	mu    sync.Mutex
	conns map[string]*pipeConn
}

func (d *pipeDialer) Dial(_ context.Context, url string) (mdsource.Conn, error) {
	sym := strings.TrimSuffix(url[strings.LastIndex(url, "/")+1:], "@aggTrade")
	c := &pipeConn{msgs: make(chan []byte, 8), done: make(chan struct{})}
	d.mu.Lock()
	d.conns[sym] = c
	d.mu.Unlock()
	return c, nil
}

func (d *pipeDialer) conn(sym string) *pipeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[sym]
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func expect(t *testing.T, c *websocket.Conn, event string) frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, msg, err := c.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		var f frame
		require.NoError(t, json.Unmarshal(msg, &f))
		if f.Event == event {
			return f
		}
	}
}

func write(t *testing.T, c *websocket.Conn, event string, data any) {
	t.Helper()
	b, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, b))
}

func TestApp_UpstreamToSubscriber(t *testing.T) {
	cfg := relayConfig.RelayConfig{
		Symbols: []string{"btcusdt", "ethusdt"},
		HTTP:    relayConfig.HTTPConfig{Addr: "127.0.0.1:0", AllowedOrigins: []string{"*"}},
	}
	cfg.Upstream.Stagger = time.Millisecond
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := &pipeDialer{conns: map[string]*pipeConn{}}
	a, err := New(ctx, cfg, WithDialer(dialer), WithoutHTTPMetrics())
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	addr, err := a.Addr(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return dialer.conn("btcusdt") != nil && dialer.conn("ethusdt") != nil
	}, 3*time.Second, 10*time.Millisecond)

	// 状态接口
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr.String() + "/api/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct {
			Data []mdsource.SymbolStatus `json:"data"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) != nil || len(body.Data) != 2 {
			return false
		}
		return body.Data[0].Connected && body.Data[1].Connected
	}, 3*time.Second, 20*time.Millisecond)

	c, _, err := websocket.DefaultDialer.Dial("ws://"+addr.String()+"/ws", nil)
	require.NoError(t, err)
	defer c.Close()
	var hello struct {
		ClientID string `json:"clientId"`
	}
	require.NoError(t, json.Unmarshal(expect(t, c, "connected").Data, &hello))
	require.NotEmpty(t, hello.ClientID)

	write(t, c, "subscribe", map[string]any{"symbols": []string{"BTCUSDT"}})
	expect(t, c, "subscription-confirmed")
	write(t, c, "create-alert", map[string]any{"symbol": "btcusdt", "targetPrice": 100, "condition": "above"})
	expect(t, c, "alert-created")

	// 没订阅的 symbol 不推
	dialer.conn("ethusdt").msgs <- []byte(`{"e":"aggTrade","E":1,"s":"ETHUSDT","a":1,"p":"3000","q":"1","T":1700000000000,"m":true}`)
	dialer.conn("btcusdt").msgs <- []byte(`{"e":"aggTrade","E":1,"s":"BTCUSDT","a":7,"p":"101.5","q":"0.2","T":1700000000001,"m":false}`)

	f := expect(t, c, "new-trade")
	var tr struct {
		Symbol string      `json:"symbol"`
		Price  json.Number `json:"price"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &tr))
	assert.Equal(t, "btcusdt", tr.Symbol)
	assert.Equal(t, "101.5", tr.Price.String())

	f = expect(t, c, "price-alert")
	assert.Contains(t, string(f.Data), `"currentPrice":101.5`)
	// 触发过的提醒仍然保留，只是 triggered 翻成 true
	assert.Equal(t, 1, a.Alerts().Count())
	alerts := a.Alerts().ListFor(hello.ClientID)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Triggered)

	cancel()

	// 退出前订阅者要收到每个 symbol 的 disconnected，然后才是 close 帧
	disconnected := map[string]bool{}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			break
		}
		var f frame
		require.NoError(t, json.Unmarshal(msg, &f))
		if f.Event != "crypto-status" {
			continue
		}
		var ev struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(f.Data, &ev))
		if ev.Status == "disconnected" {
			disconnected[ev.Symbol] = true
		}
	}
	assert.Equal(t, map[string]bool{"btcusdt": true, "ethusdt": true}, disconnected)

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(8 * time.Second):
		t.Fatal("app did not shut down")
	}
	for _, st := range a.Supervisor().ConnectionStatus() {
		assert.False(t, st.Connected, st.Symbol)
	}
}
