package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"cryptopulse.com/internal/quotes/alert"
	"cryptopulse.com/internal/quotes/gateway"
	"cryptopulse.com/internal/quotes/market"
	"cryptopulse.com/internal/quotes/mdsource"
	"cryptopulse.com/internal/quotes/ws"
	relayConfig "cryptopulse.com/internal/relay/config"
	rhttp "cryptopulse.com/internal/relay/http"
	"cryptopulse.com/pkg/bootstrap"
	vipConfig "cryptopulse.com/pkg/config"
	"cryptopulse.com/pkg/logger"
	"cryptopulse.com/pkg/metrics"
	"cryptopulse.com/pkg/ratelimit"
	"cryptopulse.com/pkg/trace"
)

const (
	shutdownTimeout = 5 * time.Second
	// 远端 broker 上还在路上的最后几条状态
	brokerDrainWait = 200 * time.Millisecond
)

// Load 读配置并监听变更；运行期只有日志级别会热更新
func Load(service string) (relayConfig.RelayConfig, error) {
	var cfg relayConfig.RelayConfig
	_, err := vipConfig.LoadAndWatch(service, &cfg, func(next *relayConfig.RelayConfig) {
		if next.Log.Level != "" && next.Log.Level != logger.Level().String() {
			logger.SetLevel(next.Log.Level)
			logger.Info(context.Background(), "log level changed", zap.String("level", next.Log.Level))
		}
	})
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", service, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

type Option func(*App)

// WithDialer 替换上游传输，测试用
func WithDialer(d mdsource.Dialer) Option { return func(a *App) { a.dialer = d } }

// WithoutHTTPMetrics 不挂 gin 的 prometheus 中间件
func WithoutHTTPMetrics() Option { return func(a *App) { a.httpMetrics = false } }

type App struct {
	cfg         relayConfig.RelayConfig
	dialer      mdsource.Dialer
	httpMetrics bool

	hub        *ws.Hub
	alerts     *alert.Engine
	broker     gateway.Broker
	supervisor *mdsource.Supervisor
	gateway    *gateway.Gateway
	wsServer   *ws.Server
	wsCancel   context.CancelFunc
	handler    http.Handler

	httpLimiter *ratelimit.Store
	wsLimiter   *ratelimit.Store

	httpSrv       *http.Server
	pprofSrv      *http.Server
	traceShutdown func(context.Context) error
	listening     chan net.Addr
}

// New 组装所有组件，不做任何网络 I/O（broker 除外）
func New(ctx context.Context, cfg relayConfig.RelayConfig, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, httpMetrics: true, listening: make(chan net.Addr, 1)}
	for _, o := range opts {
		o(a)
	}

	shutdown, err := trace.InitTrace(cfg.Name, cfg.Trace)
	if err != nil {
		return nil, fmt.Errorf("init trace: %w", err)
	}
	a.traceShutdown = shutdown

	if cfg.Sentinel.Active() {
		if err := bootstrap.InitSentinel(cfg.Sentinel); err != nil {
			return nil, fmt.Errorf("init sentinel: %w", err)
		}
	}

	b, err := gateway.NewBroker(ctx, cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("init broker %s: %w", cfg.Broker.Kind, err)
	}
	a.broker = b

	// 上游 -> broker -> gateway -> hub / alert
	a.hub = ws.NewHub(!cfg.Hub.BroadcastAll)
	a.alerts = alert.NewEngine(a.hub)
	a.gateway = gateway.NewGateway(b, a.hub, a.alerts)

	cbs := ratelimit.NewManager(ratelimit.Rule{
		MaxRequests:             cfg.Breaker.MaxRequests,
		Interval:                cfg.Breaker.Interval,
		Timeout:                 cfg.Breaker.Timeout,
		TripConsecutiveFailures: cfg.Breaker.TripConsecutiveFailures,
		TripFailureRate:         cfg.Breaker.TripFailureRate,
		TripMinRequests:         cfg.Breaker.TripMinRequests,
	}, nil, metrics.ObserveBreaker)
	pub := gateway.NewPublisher(gateway.NewBreakerBroker(b, cfg.Broker.Kind, cbs))

	if a.dialer == nil {
		a.dialer = newDialer(cfg.Upstream)
	}
	a.supervisor = mdsource.New(market.Descriptors(cfg.Symbols), mdsource.Config{
		BaseURL: cfg.Upstream.BaseURL,
		Policy: mdsource.Policy{
			BaseDelay:   cfg.Upstream.ReconnectDelay,
			MaxDelay:    cfg.Upstream.MaxReconnectDelay,
			MaxAttempts: cfg.Upstream.MaxReconnectAttempts,
		},
		Stagger:          cfg.Upstream.Stagger,
		HandshakeTimeout: cfg.Upstream.HandshakeTimeout,
	}, a.dialer, pub)

	a.httpLimiter = ratelimit.NewStore(rate.Limit(cfg.RateLimit.HTTPRPS), cfg.RateLimit.HTTPBurst, cfg.RateLimit.TTL)
	a.wsLimiter = ratelimit.NewStore(rate.Limit(cfg.RateLimit.WSRPS), cfg.RateLimit.WSBurst, cfg.RateLimit.TTL)

	// 下游连接活到 shutdown 把最后的状态推完，不跟随外部 ctx
	wsCtx, wsCancel := context.WithCancel(context.WithoutCancel(ctx))
	a.wsCancel = wsCancel
	a.wsServer = ws.NewServer(wsCtx, a.hub, a.alerts, a.supervisor, a.wsLimiter, ws.Config{
		SendBuffer:     cfg.Hub.SendBuffer,
		PingPeriod:     cfg.Hub.PingPeriod,
		PongWait:       cfg.Hub.PongWait,
		WriteWait:      cfg.Hub.WriteWait,
		ReadLimit:      cfg.Hub.ReadLimit,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	a.handler = rhttp.NewRouter(rhttp.Options{
		ServiceName:    cfg.Name,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Limiter:        a.httpLimiter,
		Sentinel:       cfg.Sentinel.Active(),
		Metrics:        a.httpMetrics,
	}, a.supervisor, a.wsServer.ServeWS)
	a.httpSrv = rhttp.NewServer(cfg.HTTP.Addr, a.handler)
	return a, nil
}

func newDialer(u relayConfig.UpstreamConfig) mdsource.Dialer {
	if u.Transport == relayConfig.TransportCoder {
		return mdsource.NewCoderDialer(u.ReadTimeout)
	}
	return mdsource.NewGorillaDialer(u.HandshakeTimeout, u.ReadTimeout)
}

func (a *App) Handler() http.Handler { return a.handler }

func (a *App) Supervisor() *mdsource.Supervisor { return a.supervisor }

func (a *App) Alerts() *alert.Engine { return a.alerts }

// Addr http 开始监听后返回实际地址
func (a *App) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case addr := <-a.listening:
		a.listening <- addr
		return addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run 阻塞直到 ctx 结束或任一组件出错，然后按顺序关闭
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Pprof.Addr != "" {
		a.pprofSrv = bootstrap.StartPprof(a.cfg.Pprof.Addr)
	}
	a.httpLimiter.StartJanitor(gctx, time.Minute)
	a.wsLimiter.StartJanitor(gctx, time.Minute)

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		a.cleanup()
		return fmt.Errorf("listen %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.listening <- ln.Addr()

	g.Go(func() error {
		logger.Info(gctx, "http listening", zap.String("addr", ln.Addr().String()))
		if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	// gateway 单独的 ctx：StopAll 产生的 disconnected 还要经它送到 hub
	gwCtx, gwCancel := context.WithCancel(context.WithoutCancel(gctx))
	gwDone := make(chan struct{})
	g.Go(func() error {
		defer close(gwDone)
		err := a.gateway.Run(gwCtx, gateway.Topics(a.cfg.Symbols))
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	})

	if !a.cfg.Upstream.Disabled {
		g.Go(func() error {
			err := a.supervisor.StartAll(gctx)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, mdsource.ErrShuttingDown) {
				return fmt.Errorf("start upstream: %w", err)
			}
			return nil
		})
	} else {
		logger.Info(gctx, "upstream disabled, serving from broker only", zap.String("broker", a.cfg.Broker.Kind))
	}

	g.Go(func() error {
		<-gctx.Done()
		a.shutdown(gwCancel, gwDone)
		return nil
	})

	err = g.Wait()
	a.cleanup()
	return err
}

// shutdown 顺序：停上游 -> 等最后的状态经 broker/gateway 进 hub -> 停 http -> 断开订阅者
func (a *App) shutdown(gwCancel context.CancelFunc, gwDone <-chan struct{}) {
	logger.Info(context.Background(), "relay shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.supervisor.StopAll()
	if err := a.supervisor.Wait(ctx); err != nil {
		logger.Warn(ctx, "upstream read loops did not exit in time", zap.Error(err))
	}
	if a.cfg.Broker.Kind != gateway.KindMem {
		time.Sleep(brokerDrainWait)
	}
	gwCancel()
	select {
	case <-gwDone:
	case <-ctx.Done():
		logger.Warn(ctx, "gateway did not drain in time")
	}

	if err := a.httpSrv.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "http shutdown error", zap.Error(err))
	}
	// 被劫持的 ws 连接不归 http.Server 管；CloseAll 会先把队列写完
	a.hub.CloseAll()
	if a.pprofSrv != nil {
		_ = a.pprofSrv.Shutdown(ctx)
	}
}

func (a *App) cleanup() {
	a.wsCancel()
	if err := a.broker.Close(); err != nil {
		logger.Warn(context.Background(), "broker close error", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.traceShutdown(ctx); err != nil {
		logger.Warn(ctx, "trace shutdown error", zap.Error(err))
	}
	logger.Sync()
}
