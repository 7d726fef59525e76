package mdsource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"cryptopulse.com/internal/quotes/datasource/binance"
	"cryptopulse.com/internal/quotes/market"
	"cryptopulse.com/pkg/logger"
)

var (
	ErrUnsupportedSymbol = errors.New("unsupported symbol")
	ErrShuttingDown      = errors.New("supervisor is shutting down")
)

type Config struct {
	BaseURL          string
	Policy           Policy
	Stagger          time.Duration // StartAll 相邻 symbol 之间的间隔
	HandshakeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = binance.DefaultBaseURL
	}
	if c.Policy == (Policy{}) {
		c.Policy = DefaultPolicy
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

type Option func(*Supervisor)

func WithScheduler(s Scheduler) Option { return func(sv *Supervisor) { sv.sched = s } }

func WithNormalizer(n Normalizer) Option { return func(sv *Supervisor) { sv.norm = n } }

// SymbolStatus 对外只暴露是否有注册中的连接
type SymbolStatus struct {
	Symbol    string `json:"symbol"`
	Connected bool   `json:"connected"`
}

type StreamState struct {
	Symbol   string                 `json:"symbol"`
	State    market.ConnectionState `json:"state"`
	Attempts int                    `json:"attempts"`
}

// Supervisor 每个 symbol 至多一个 Stream。
// live: 已注册的连接（连接中/已连接）；pending: 等待重连定时器的连接。
// 锁顺序: Supervisor.mu -> Stream.mu，Stream 持有自己的锁时不会回调 Supervisor
type Supervisor struct {
	cfg      Config
	descs    []market.SymbolDescriptor
	index    map[string]market.SymbolDescriptor
	dialer   Dialer
	listener Listener
	sched    Scheduler
	norm     Normalizer

	mu      sync.Mutex
	live    map[string]*Stream
	pending map[string]*Stream
	closing atomic.Bool
	running sync.WaitGroup // 每轮 拨号->读循环 一个
}

func New(descs []market.SymbolDescriptor, cfg Config, dialer Dialer, l Listener, opts ...Option) *Supervisor {
	cfg.applyDefaults()
	sv := &Supervisor{
		cfg:      cfg,
		descs:    append([]market.SymbolDescriptor(nil), descs...),
		index:    make(map[string]market.SymbolDescriptor, len(descs)),
		dialer:   dialer,
		listener: l,
		sched:    realScheduler{},
		norm:     defaultNormalizer,
		live:     make(map[string]*Stream, len(descs)),
		pending:  make(map[string]*Stream, len(descs)),
	}
	for _, d := range descs {
		sv.index[d.Symbol] = d
	}
	for _, o := range opts {
		o(sv)
	}
	return sv
}

// StartAll 依次启动所有 symbol，间隔 Stagger，避免同时握手
func (sv *Supervisor) StartAll(ctx context.Context) error {
	for i, d := range sv.descs {
		if i > 0 && sv.cfg.Stagger > 0 {
			t := time.NewTimer(sv.cfg.Stagger)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := sv.Start(d.Symbol); err != nil {
			if errors.Is(err, ErrShuttingDown) {
				return err
			}
			logger.Warn(ctx, "start upstream failed", zap.String("symbol", d.Symbol), zap.Error(err))
		}
	}
	return nil
}

// Start 已注册的 symbol 只告警不重启；等待重连中的立即重连
func (sv *Supervisor) Start(symbol string) error {
	sym := market.NormalizeSymbol(symbol)
	desc, ok := sv.index[sym]
	if !ok {
		return ErrUnsupportedSymbol
	}
	if sv.closing.Load() {
		return ErrShuttingDown
	}

	sv.mu.Lock()
	if _, ok := sv.live[sym]; ok {
		sv.mu.Unlock()
		logger.Warn(context.Background(), "upstream already registered, skip start", zap.String("symbol", sym))
		return nil
	}
	if s, ok := sv.pending[sym]; ok {
		delete(sv.pending, sym)
		sv.live[sym] = s
		sv.mu.Unlock()
		logger.Info(context.Background(), "upstream reconnecting now on request", zap.String("symbol", sym))
		s.reconnectNow()
		return nil
	}
	s := sv.newStream(desc)
	sv.live[sym] = s
	sv.mu.Unlock()

	s.connect()
	return nil
}

func (sv *Supervisor) newStream(desc market.SymbolDescriptor) *Stream {
	return &Stream{
		desc:     desc,
		url:      binance.StreamURL(sv.cfg.BaseURL, desc.Symbol),
		owner:    sv,
		dialer:   sv.dialer,
		sched:    sv.sched,
		listener: sv.listener,
		norm:     sv.norm,
		dialWait: sv.cfg.HandshakeTimeout,
		m:        newMachine(sv.cfg.Policy),
	}
}

// Stop 主动断开，返回是否有东西被停掉
func (sv *Supervisor) Stop(symbol string) bool {
	sym := market.NormalizeSymbol(symbol)

	sv.mu.Lock()
	s := sv.live[sym]
	if s == nil {
		s = sv.pending[sym]
	}
	if s == nil {
		sv.mu.Unlock()
		return false
	}
	delete(sv.live, sym)
	delete(sv.pending, sym)
	conn, cancel := s.markStopped()
	sv.mu.Unlock()

	sv.release(s, conn, cancel)
	logger.Info(context.Background(), "upstream stopped", zap.String("symbol", sym))
	return true
}

// StopAll 先置 closing，之后任何 close 都不会再进入重连
func (sv *Supervisor) StopAll() {
	sv.closing.Store(true)

	type stopped struct {
		s      *Stream
		conn   Conn
		cancel context.CancelFunc
	}
	sv.mu.Lock()
	all := make([]stopped, 0, len(sv.live)+len(sv.pending))
	for sym, s := range sv.live {
		conn, cancel := s.markStopped()
		all = append(all, stopped{s, conn, cancel})
		delete(sv.live, sym)
	}
	for sym, s := range sv.pending {
		conn, cancel := s.markStopped()
		all = append(all, stopped{s, conn, cancel})
		delete(sv.pending, sym)
	}
	sv.mu.Unlock()

	for _, st := range all {
		sv.release(st.s, st.conn, st.cancel)
	}
	logger.Info(context.Background(), "all upstreams stopped", zap.Int("count", len(all)))
}

// release 锁外关闭连接，随后的 close 回调负责发 disconnected
func (sv *Supervisor) release(s *Stream, conn Conn, cancel context.CancelFunc) {
	if conn != nil {
		_ = conn.Close(CloseNormal, "stopped")
	}
	if cancel != nil {
		cancel()
	}
	if conn == nil && cancel == nil && !sv.superseded(s) {
		s.setState(market.Disconnected)
	}
}

// Wait StopAll 之后等所有读循环退出，此时最后的 disconnected 都已经交给 Listener
func (sv *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		sv.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sv *Supervisor) ListSupported() []market.SymbolDescriptor {
	return append([]market.SymbolDescriptor(nil), sv.descs...)
}

// ConnectionStatus 只看 live 注册表，和内部状态机无关
func (sv *Supervisor) ConnectionStatus() []SymbolStatus {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]SymbolStatus, 0, len(sv.descs))
	for _, d := range sv.descs {
		_, ok := sv.live[d.Symbol]
		out = append(out, SymbolStatus{Symbol: d.Symbol, Connected: ok})
	}
	return out
}

func (sv *Supervisor) States() []StreamState {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]StreamState, 0, len(sv.descs))
	for _, d := range sv.descs {
		st := StreamState{Symbol: d.Symbol, State: market.Disconnected}
		s := sv.live[d.Symbol]
		if s == nil {
			s = sv.pending[d.Symbol]
		}
		if s != nil {
			s.mu.Lock()
			st.State, st.Attempts = s.m.state, s.m.attempts
			s.mu.Unlock()
		}
		out = append(out, st)
	}
	return out
}

func (sv *Supervisor) IsSupported(symbol string) bool {
	_, ok := sv.index[market.NormalizeSymbol(symbol)]
	return ok
}

func (sv *Supervisor) shuttingDown() bool { return sv.closing.Load() }

// detach close 回调：从 live 移除，需要重连的挪到 pending
func (sv *Supervisor) detach(s *Stream, retry bool) {
	sym := s.desc.Symbol
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.live[sym] != s {
		return
	}
	delete(sv.live, sym)
	if retry && !sv.closing.Load() {
		sv.pending[sym] = s
	}
}

// superseded 该 symbol 已经注册了另一个 Stream
func (sv *Supervisor) superseded(s *Stream) bool {
	sym := s.desc.Symbol
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if cur := sv.live[sym]; cur != nil && cur != s {
		return true
	}
	if cur := sv.pending[sym]; cur != nil && cur != s {
		return true
	}
	return false
}

// reattach 定时器到期：仍在 pending 且 symbol 没被别的连接占用才重连
func (sv *Supervisor) reattach(s *Stream) bool {
	sym := s.desc.Symbol
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.closing.Load() || sv.pending[sym] != s {
		return false
	}
	delete(sv.pending, sym)
	if _, ok := sv.live[sym]; ok {
		return false
	}
	sv.live[sym] = s
	return true
}
