package mdsource

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
	"time"

	"cryptopulse.com/internal/quotes/market"
)

// ---- 假传输 ----

type fakeConn struct {
	msgs      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	// hold: Close 和 ctx 取消都不结束读循环，只有 fail 能结束，用来制造迟到的 close
	hold bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	case <-ctxDone(ctx, c.hold):
		return nil, ctx.Err()
	}
}

func ctxDone(ctx context.Context, hold bool) <-chan struct{} {
	if hold {
		return nil
	}
	return ctx.Done()
}

func (c *fakeConn) Close(code int, reason string) error {
	if c.hold {
		return nil
	}
	c.fail(&CloseError{Code: code, Reason: reason})
	return nil
}

func (c *fakeConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	dials map[string]int
	conns map[string]*fakeConn
	fail  map[string]error
	hold  map[string]bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		dials: map[string]int{},
		conns: map[string]*fakeConn{},
		fail:  map[string]error{},
		hold:  map[string]bool{},
	}
}

func symbolOf(url string) string {
	return strings.TrimSuffix(path.Base(url), "@aggTrade")
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	sym := symbolOf(url)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[sym]++
	if err := d.fail[sym]; err != nil {
		return nil, err
	}
	c := newFakeConn()
	c.hold = d.hold[sym]
	d.conns[sym] = c
	return c, nil
}

func (d *fakeDialer) dialCount(sym string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[sym]
}

func (d *fakeDialer) conn(sym string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[sym]
}

func (d *fakeDialer) setFail(sym string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[sym] = err
}

func (d *fakeDialer) setHold(sym string, hold bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hold[sym] = hold
}

var errRefused = errors.New("connection refused")

// ---- 手动触发的定时器 ----

type fakeTimer struct {
	s       *fakeScheduler
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (s *fakeScheduler) all() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeTimer(nil), s.timers...)
}

// fireAll 触发所有未停止的定时器
func (s *fakeScheduler) fireAll() int {
	ts := s.pending()
	s.mu.Lock()
	for _, t := range ts {
		t.fired = true
	}
	s.mu.Unlock()
	for _, t := range ts {
		t.f()
	}
	return len(ts)
}

// ---- 记录事件 ----

type recListener struct {
	mu       sync.Mutex
	trades   []market.Trade
	statuses []market.StatusEvent
	// onStatus 在记录之后同步调用，测试用来在回调中间插入操作
	onStatus func(market.StatusEvent)
}

func (l *recListener) OnTrade(t market.Trade) {
	l.mu.Lock()
	l.trades = append(l.trades, t)
	l.mu.Unlock()
}

func (l *recListener) OnStatus(e market.StatusEvent) {
	l.mu.Lock()
	l.statuses = append(l.statuses, e)
	hook := l.onStatus
	l.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (l *recListener) tradeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.trades)
}

func (l *recListener) statusesFor(sym string) []market.StatusEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []market.StatusEvent
	for _, e := range l.statuses {
		if e.Symbol == sym {
			out = append(out, e)
		}
	}
	return out
}

func (l *recListener) has(sym string, st market.Status, errText string) bool {
	for _, e := range l.statusesFor(sym) {
		if e.Status == st && e.Error == errText {
			return true
		}
	}
	return false
}
