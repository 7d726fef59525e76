package mdsource

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopulse.com/internal/quotes/market"
	"cryptopulse.com/internal/quotes/wsmetrics"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	sv     *Supervisor
	dialer *fakeDialer
	sched  *fakeScheduler
	l      *recListener
}

func newHarness(t *testing.T, p Policy) *harness {
	t.Helper()
	h := &harness{dialer: newFakeDialer(), sched: &fakeScheduler{}, l: &recListener{}}
	h.sv = New(market.Descriptors(market.DefaultSymbols), Config{
		BaseURL: "wss://example.test/ws",
		Policy:  p,
	}, h.dialer, h.l, WithScheduler(h.sched))
	t.Cleanup(h.sv.StopAll)
	return h
}

func (h *harness) state(sym string) market.ConnectionState {
	for _, st := range h.sv.States() {
		if st.Symbol == sym {
			return st.State
		}
	}
	return market.Disconnected
}

func (h *harness) waitState(t *testing.T, sym string, want market.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return h.state(sym) == want }, waitFor, tick,
		"%s never reached %s", sym, want)
}

func (h *harness) connected(sym string) bool {
	for _, st := range h.sv.ConnectionStatus() {
		if st.Symbol == sym {
			return st.Connected
		}
	}
	return false
}

func (h *harness) waitTimers(t *testing.T, n int) []*fakeTimer {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.sched.pending()) == n }, waitFor, tick)
	return h.sched.pending()
}

var testPolicy = Policy{BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second, MaxAttempts: 10}

func TestStart_Idempotent(t *testing.T) {
	h := newHarness(t, testPolicy)

	require.NoError(t, h.sv.Start("btcusdt"))
	h.waitState(t, "btcusdt", market.Connected)

	require.NoError(t, h.sv.Start("BTCUSDT"))
	require.NoError(t, h.sv.Start("btcusdt"))

	assert.Equal(t, 1, h.dialer.dialCount("btcusdt"))
	n := 0
	for _, st := range h.sv.ConnectionStatus() {
		if st.Connected {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestStart_Unsupported(t *testing.T) {
	h := newHarness(t, testPolicy)
	assert.ErrorIs(t, h.sv.Start("dogeusdt"), ErrUnsupportedSymbol)
	assert.False(t, h.sv.Stop("dogeusdt"))
}

func TestListSupported(t *testing.T) {
	h := newHarness(t, testPolicy)
	ds := h.sv.ListSupported()
	require.Len(t, ds, 6)
	assert.Equal(t, "BTC/USDT", ds[0].DisplayName)

	ds[0].Symbol = "mutated"
	assert.Equal(t, "btcusdt", h.sv.ListSupported()[0].Symbol)
}

func TestMessages_InvalidDroppedValidForwarded(t *testing.T) {
	h := newHarness(t, testPolicy)
	require.NoError(t, h.sv.Start("ethusdt"))
	h.waitState(t, "ethusdt", market.Connected)

	c := h.dialer.conn("ethusdt")
	c.msgs <- []byte(`{"e":"aggTrade","s":"ETHUSDT","q":"1","T":1}`)           // 缺价格
	c.msgs <- []byte(`{"e":"aggTrade","s":"ETHUSDT","p":"abc","q":"1","T":1}`) // 非数字价格
	c.msgs <- []byte(`not json at all`)                                        // 结构错误
	c.msgs <- []byte(`{"e":"aggTrade","s":"ETHUSDT","p":"3100.5","q":"1","T":2,"a":7}`)

	require.Eventually(t, func() bool { return h.l.tradeCount() == 1 }, waitFor, tick)
	assert.Equal(t, market.Connected, h.state("ethusdt"))
	assert.Equal(t, 1, h.dialer.dialCount("ethusdt"))
	assert.Empty(t, h.sched.all(), "脏数据不会触发重连")

	h.l.mu.Lock()
	tr := h.l.trades[0]
	h.l.mu.Unlock()
	assert.Equal(t, "ethusdt", tr.Symbol)
	assert.Equal(t, "3100.5", tr.Price.String())
}

func TestEndToEnd_AbnormalCloseReconnectsOnlyThatSymbol(t *testing.T) {
	h := newHarness(t, testPolicy)
	require.NoError(t, h.sv.StartAll(context.Background()))
	for _, sym := range market.DefaultSymbols {
		h.waitState(t, sym, market.Connected)
	}

	h.dialer.conn("solusdt").fail(&CloseError{Code: CloseAbnormal})

	timers := h.waitTimers(t, 1)
	assert.Equal(t, testPolicy.BaseDelay, timers[0].d)
	assert.False(t, h.connected("solusdt"))
	assert.True(t, h.l.has("solusdt", market.StatusDisconnected, ""))

	require.Equal(t, 1, h.sched.fireAll())
	h.waitState(t, "solusdt", market.Connected)

	assert.Equal(t, 2, h.dialer.dialCount("solusdt"))
	for _, sym := range market.DefaultSymbols {
		if sym == "solusdt" {
			continue
		}
		assert.Equal(t, 1, h.dialer.dialCount(sym), sym)
		assert.True(t, h.connected(sym), sym)
	}
	assert.True(t, h.connected("solusdt"))
	assert.Empty(t, h.sched.pending())
}

func TestEndToEnd_RealTimers(t *testing.T) {
	dialer := newFakeDialer()
	l := &recListener{}
	sv := New(market.Descriptors(market.DefaultSymbols), Config{
		BaseURL: "wss://example.test/ws",
		Policy:  Policy{BaseDelay: 30 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 10},
		Stagger: time.Millisecond,
	}, dialer, l)
	t.Cleanup(sv.StopAll)

	require.NoError(t, sv.StartAll(context.Background()))
	require.Eventually(t, func() bool {
		for _, st := range sv.ConnectionStatus() {
			if !st.Connected {
				return false
			}
		}
		return len(l.statusesFor("xrpusdt")) > 0
	}, waitFor, tick)

	dialer.conn("solusdt").fail(&CloseError{Code: CloseAbnormal})
	require.Eventually(t, func() bool { return dialer.dialCount("solusdt") == 2 }, waitFor, tick)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, dialer.dialCount("solusdt"))
	for _, sym := range market.DefaultSymbols {
		if sym != "solusdt" {
			assert.Equal(t, 1, dialer.dialCount(sym), sym)
		}
	}
}

func TestStop_CancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, testPolicy)
	require.NoError(t, h.sv.Start("adausdt"))
	h.waitState(t, "adausdt", market.Connected)

	h.dialer.conn("adausdt").fail(&CloseError{Code: CloseAbnormal})
	timers := h.waitTimers(t, 1)

	require.True(t, h.sv.Stop("adausdt"))
	assert.True(t, timers[0].stopped)
	assert.Empty(t, h.sched.pending())

	// 定时器和 Stop 并发：回调仍然跑到也不能复活连接
	timers[0].f()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.dialCount("adausdt"))
	assert.False(t, h.connected("adausdt"))
	assert.Equal(t, market.Disconnected, h.state("adausdt"))
}

func TestStop_LiveConnectionIsIntentional(t *testing.T) {
	h := newHarness(t, testPolicy)
	require.NoError(t, h.sv.Start("bnbusdt"))
	h.waitState(t, "bnbusdt", market.Connected)
	c := h.dialer.conn("bnbusdt")

	require.True(t, h.sv.Stop("bnbusdt"))
	assert.True(t, c.closed())
	require.Eventually(t, func() bool {
		return h.l.has("bnbusdt", market.StatusDisconnected, "")
	}, waitFor, tick)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sched.all())
	assert.False(t, h.connected("bnbusdt"))
	assert.False(t, h.sv.Stop("bnbusdt"))

	// 主动停止后可以重新启动
	require.NoError(t, h.sv.Start("bnbusdt"))
	h.waitState(t, "bnbusdt", market.Connected)
	assert.Equal(t, 2, h.dialer.dialCount("bnbusdt"))
}

func TestExhaustion_StopsRetrying(t *testing.T) {
	h := newHarness(t, Policy{BaseDelay: time.Second, MaxDelay: 4 * time.Second, MaxAttempts: 2})
	h.dialer.setFail("xrpusdt", errRefused)

	require.NoError(t, h.sv.Start("xrpusdt"))
	t1 := h.waitTimers(t, 1)
	assert.Equal(t, time.Second, t1[0].d)
	assert.True(t, h.l.has("xrpusdt", market.StatusError, errRefused.Error()))

	h.sched.fireAll()
	t2 := h.waitTimers(t, 1)
	assert.Equal(t, 2*time.Second, t2[0].d)

	h.sched.fireAll()
	require.Eventually(t, func() bool {
		return h.l.has("xrpusdt", market.StatusDisconnected, reasonExhausted)
	}, waitFor, tick)

	assert.Equal(t, 3, h.dialer.dialCount("xrpusdt"))
	assert.Empty(t, h.sched.pending())
	assert.Len(t, h.sched.all(), 2)
	assert.False(t, h.connected("xrpusdt"))
	assert.Equal(t, market.Disconnected, h.state("xrpusdt"))

	// 需要外部显式重启
	h.dialer.setFail("xrpusdt", nil)
	require.NoError(t, h.sv.Start("xrpusdt"))
	h.waitState(t, "xrpusdt", market.Connected)
}

func TestStart_PendingReconnectsImmediately(t *testing.T) {
	h := newHarness(t, testPolicy)
	require.NoError(t, h.sv.Start("btcusdt"))
	h.waitState(t, "btcusdt", market.Connected)

	h.dialer.conn("btcusdt").fail(&CloseError{Code: CloseAbnormal})
	timers := h.waitTimers(t, 1)

	require.NoError(t, h.sv.Start("btcusdt"))
	h.waitState(t, "btcusdt", market.Connected)
	assert.True(t, timers[0].stopped)
	assert.Equal(t, 2, h.dialer.dialCount("btcusdt"))

	// 旧定时器晚到也不会再拨一次
	timers[0].f()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, h.dialer.dialCount("btcusdt"))
}

func TestOpenResetsAttempts(t *testing.T) {
	h := newHarness(t, testPolicy)
	require.NoError(t, h.sv.Start("ethusdt"))
	h.waitState(t, "ethusdt", market.Connected)

	for i := 1; i <= 3; i++ {
		h.dialer.conn("ethusdt").fail(&CloseError{Code: CloseAbnormal})
		h.waitTimers(t, 1)
		h.sched.fireAll()
		h.waitState(t, "ethusdt", market.Connected)
	}
	for _, tm := range h.sched.all() {
		assert.Equal(t, testPolicy.BaseDelay, tm.d, "每次成功打开后 attempts 归零")
	}
}

func TestStopAll_SuppressesReconnect(t *testing.T) {
	h := newHarness(t, testPolicy)
	require.NoError(t, h.sv.StartAll(context.Background()))
	for _, sym := range market.DefaultSymbols {
		h.waitState(t, sym, market.Connected)
	}

	h.sv.StopAll()
	for _, sym := range market.DefaultSymbols {
		assert.True(t, h.dialer.conn(sym).closed(), sym)
	}
	require.Eventually(t, func() bool {
		for _, sym := range market.DefaultSymbols {
			if !h.l.has(sym, market.StatusDisconnected, "") {
				return false
			}
		}
		return true
	}, waitFor, tick)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sched.all())
	assert.ErrorIs(t, h.sv.Start("btcusdt"), ErrShuttingDown)
	for _, st := range h.sv.ConnectionStatus() {
		assert.False(t, st.Connected)
	}
}

func TestStartAll_CancelledContext(t *testing.T) {
	dialer := newFakeDialer()
	sv := New(market.Descriptors(market.DefaultSymbols), Config{Stagger: time.Hour}, dialer, &recListener{})
	t.Cleanup(sv.StopAll)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := sv.StartAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Eventually(t, func() bool { return dialer.dialCount("btcusdt") == 1 }, waitFor, tick)
	assert.Zero(t, dialer.dialCount("ethusdt"))
}

func TestClose_ShutdownBetweenCloseAndArmSchedulesNothing(t *testing.T) {
	h := newHarness(t, testPolicy)
	h.l.mu.Lock()
	h.l.onStatus = func(e market.StatusEvent) {
		// disconnected 已发出、定时器还没挂上的窗口里进入关停
		if e.Symbol == "solusdt" && e.Status == market.StatusDisconnected {
			h.sv.closing.Store(true)
		}
	}
	h.l.mu.Unlock()

	require.NoError(t, h.sv.Start("solusdt"))
	h.waitState(t, "solusdt", market.Connected)
	h.dialer.conn("solusdt").fail(&CloseError{Code: CloseAbnormal})

	require.Eventually(t, func() bool { return h.l.has("solusdt", market.StatusDisconnected, "") }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sched.all())
	assert.False(t, h.l.has("solusdt", market.StatusReconnecting, ""))
}

func TestLateCloseDoesNotOverwriteNewStreamGauge(t *testing.T) {
	h := newHarness(t, testPolicy)
	h.dialer.setHold("btcusdt", true)
	require.NoError(t, h.sv.Start("btcusdt"))
	h.waitState(t, "btcusdt", market.Connected)
	old := h.dialer.conn("btcusdt")

	h.dialer.setHold("btcusdt", false)
	require.True(t, h.sv.Stop("btcusdt"))
	require.NoError(t, h.sv.Start("btcusdt"))
	require.Eventually(t, func() bool { return h.dialer.dialCount("btcusdt") == 2 }, waitFor, tick)
	h.waitState(t, "btcusdt", market.Connected)

	gauge := wsmetrics.UpstreamState.WithLabelValues("btcusdt")
	require.Eventually(t, func() bool { return testutil.ToFloat64(gauge) == float64(market.Connected) }, waitFor, tick)

	// 旧连接的 close 这时才到
	old.fail(&CloseError{Code: CloseNormal, Reason: "stopped"})
	require.Eventually(t, func() bool { return h.l.has("btcusdt", market.StatusDisconnected, "") }, waitFor, tick)
	assert.Equal(t, float64(market.Connected), testutil.ToFloat64(gauge))
	assert.True(t, h.connected("btcusdt"))
}

func TestWait_ReturnsAfterReadLoopsExit(t *testing.T) {
	h := newHarness(t, testPolicy)
	require.NoError(t, h.sv.StartAll(context.Background()))
	for _, sym := range market.DefaultSymbols {
		h.waitState(t, sym, market.Connected)
	}

	h.sv.StopAll()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.sv.Wait(ctx))
	// Wait 返回时每个 symbol 的 disconnected 都已经发出
	for _, sym := range market.DefaultSymbols {
		assert.True(t, h.l.has(sym, market.StatusDisconnected, ""), sym)
	}
}
