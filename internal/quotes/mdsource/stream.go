package mdsource

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"cryptopulse.com/internal/quotes/datasource/binance"
	"cryptopulse.com/internal/quotes/market"
	"cryptopulse.com/internal/quotes/wsmetrics"
	"cryptopulse.com/pkg/logger"
	"cryptopulse.com/pkg/safe"
)

const reasonExhausted = "reconnect attempts exhausted"

// Listener 接收归一化后的成交和连接状态事件，不能长时间阻塞
type Listener interface {
	OnTrade(market.Trade)
	OnStatus(market.StatusEvent)
}

// Timer / Scheduler 抽出来方便测试里手动触发重连
type Timer interface {
	Stop() bool
}

type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Normalizer 原始消息 -> Trade，失败返回 error
type Normalizer func(raw []byte, owner string) (market.Trade, error)

// Stream 一个 symbol 的上游连接。所有回调都带 gen，旧连接的回调直接忽略
type Stream struct {
	desc     market.SymbolDescriptor
	url      string
	owner    *Supervisor
	dialer   Dialer
	sched    Scheduler
	listener Listener
	norm     Normalizer
	dialWait time.Duration

	mu     sync.Mutex
	m      machine
	gen    uint64
	conn   Conn
	cancel context.CancelFunc
	timer  Timer
	token  uint64 // 当前有效的重连定时器
}

func (s *Stream) Symbol() string { return s.desc.Symbol }

func (s *Stream) State() market.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.state
}

func (s *Stream) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.attempts
}

func (s *Stream) setState(st market.ConnectionState) {
	wsmetrics.SetUpstreamState(s.desc.Symbol, uint8(st))
}

func (s *Stream) connect() {
	s.mu.Lock()
	if !s.m.connect() {
		state, intentional := s.m.state, s.m.intentional
		s.mu.Unlock()
		if !intentional {
			logger.Warn(context.Background(), "upstream already connected, skip connect",
				zap.String("symbol", s.desc.Symbol), zap.Stringer("state", state))
		}
		return
	}
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	attempt := s.m.attempts
	s.mu.Unlock()

	s.setState(market.Connecting)
	wsmetrics.UpstreamConnectTotal.WithLabelValues(s.desc.Symbol).Inc()
	logger.Info(ctx, "upstream connecting",
		zap.String("symbol", s.desc.Symbol), zap.String("url", s.url), zap.Int("attempt", attempt))

	s.owner.running.Add(1)
	safe.GoCtx(ctx, "upstream:"+s.desc.Symbol, func(ctx context.Context) {
		defer s.owner.running.Done()
		s.run(ctx, gen)
	})
}

// run 一次 拨号 -> 读循环 的生命周期，消息在这个协程里串行处理
func (s *Stream) run(ctx context.Context, gen uint64) {
	dctx, dcancel := context.WithTimeout(ctx, s.dialWait)
	conn, err := s.dialer.Dial(dctx, s.url)
	dcancel()
	if err != nil {
		s.onError(gen, err)
		s.onClose(gen, CloseAbnormal, err.Error())
		return
	}
	if !s.onOpen(gen, conn) {
		_ = conn.Close(CloseNormal, "stopped")
		s.onClose(gen, CloseNormal, "stopped")
		return
	}

	for {
		raw, err := conn.ReadMessage(ctx)
		if err != nil {
			var ce *CloseError
			if errors.As(err, &ce) {
				s.onClose(gen, ce.Code, ce.Reason)
				return
			}
			s.onError(gen, err)
			s.onClose(gen, CloseAbnormal, err.Error())
			return
		}
		s.onMessage(gen, raw)
	}
}

func (s *Stream) onOpen(gen uint64, conn Conn) bool {
	s.mu.Lock()
	if gen != s.gen || s.m.intentional {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	s.m.opened()
	s.mu.Unlock()

	s.setState(market.Connected)
	logger.Info(context.Background(), "upstream connected", zap.String("symbol", s.desc.Symbol))
	s.listener.OnStatus(market.NewStatus(s.desc.Symbol, market.StatusConnected))
	return true
}

func (s *Stream) onMessage(gen uint64, raw []byte) {
	s.mu.Lock()
	stale := gen != s.gen
	s.mu.Unlock()
	if stale {
		return
	}

	tr, err := s.norm(raw, s.desc.Symbol)
	if err != nil {
		// 单条脏数据只丢弃，不影响连接
		wsmetrics.UpstreamRejectedTotal.WithLabelValues(s.desc.Symbol).Inc()
		logger.Warn(context.Background(), "drop invalid upstream message",
			zap.String("symbol", s.desc.Symbol), zap.Error(err))
		return
	}
	wsmetrics.UpstreamMsgsTotal.WithLabelValues(s.desc.Symbol).Inc()
	s.listener.OnTrade(tr)
}

func (s *Stream) onError(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || s.m.intentional {
		s.mu.Unlock()
		return
	}
	s.m.errored()
	s.mu.Unlock()

	s.setState(market.Error)
	logger.Warn(context.Background(), "upstream error", zap.String("symbol", s.desc.Symbol), zap.Error(err))
	ev := market.NewStatus(s.desc.Symbol, market.StatusError)
	ev.Error = err.Error()
	s.listener.OnStatus(ev)
}

func (s *Stream) onClose(gen uint64, code int, reason string) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	// 同一轮只处理一次 close
	s.gen++
	s.conn = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	delay, retry, exhausted := s.m.closed(s.owner.shuttingDown())
	attempt := s.m.attempts
	s.mu.Unlock()

	s.owner.detach(s, retry)
	// 同 symbol 已经有新的 Stream 时不覆盖它的状态指标
	superseded := s.owner.superseded(s)
	if !superseded {
		s.setState(market.Disconnected)
	}
	wsmetrics.OnUpstreamClose(s.desc.Symbol, code)
	logger.Info(context.Background(), "upstream closed",
		zap.String("symbol", s.desc.Symbol), zap.Int("code", code), zap.String("reason", reason))
	s.listener.OnStatus(market.NewStatus(s.desc.Symbol, market.StatusDisconnected))

	if exhausted {
		wsmetrics.UpstreamExhaustedTotal.WithLabelValues(s.desc.Symbol).Inc()
		logger.Error(context.Background(), "upstream reconnect exhausted, giving up",
			zap.String("symbol", s.desc.Symbol), zap.Int("attempt", attempt))
		ev := market.NewStatus(s.desc.Symbol, market.StatusDisconnected)
		ev.Error = reasonExhausted
		s.listener.OnStatus(ev)
		return
	}
	if !retry {
		return
	}

	s.mu.Lock()
	// detach 之后可能已经被 Stop、立即重连，或者进入了 StopAll
	if s.m.intentional || s.m.state != market.Reconnecting || s.owner.shuttingDown() {
		s.mu.Unlock()
		return
	}
	s.armLocked(delay)
	s.mu.Unlock()

	if !superseded {
		s.setState(market.Reconnecting)
	}
	wsmetrics.OnReconnectScheduled(s.desc.Symbol, delay)
	logger.Info(context.Background(), "upstream reconnect scheduled",
		zap.String("symbol", s.desc.Symbol), zap.Int("attempt", attempt), zap.Duration("delay", delay))
	ev := market.NewStatus(s.desc.Symbol, market.StatusReconnecting)
	ev.Attempt = attempt
	s.listener.OnStatus(ev)
}

func (s *Stream) armLocked(delay time.Duration) {
	s.token++
	tok := s.token
	s.timer = s.sched.AfterFunc(delay, func() { s.fire(tok) })
}

func (s *Stream) cancelTimerLocked() {
	s.token++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Stream) fire(tok uint64) {
	s.mu.Lock()
	if tok != s.token || s.m.intentional {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	if !s.owner.reattach(s) {
		return
	}
	s.connect()
}

// reconnectNow 取消等待中的定时器并立即重连，attempts 保持不变
func (s *Stream) reconnectNow() {
	s.mu.Lock()
	s.cancelTimerLocked()
	s.mu.Unlock()
	s.connect()
}

// markStopped 在 Supervisor 锁内调用，只改状态不做 I/O
func (s *Stream) markStopped() (Conn, context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.stop()
	s.cancelTimerLocked()
	conn, cancel := s.conn, s.cancel
	return conn, cancel
}

func defaultNormalizer(raw []byte, owner string) (market.Trade, error) {
	return binance.Normalize(raw, owner)
}
