package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cryptopulse.com/internal/quotes/gateway"
	"cryptopulse.com/internal/quotes/market"
	"cryptopulse.com/pkg/bootstrap"
	"cryptopulse.com/pkg/trace"
)

// 总配置，对应 config/relay.yaml
type RelayConfig struct {
	Name      string                `mapstructure:"name"`
	Log       LogConfig             `mapstructure:"log"`
	Upstream  UpstreamConfig        `mapstructure:"upstream"`
	HTTP      HTTPConfig            `mapstructure:"http"`
	Hub       HubConfig             `mapstructure:"hub"`
	Broker    gateway.Config        `mapstructure:"broker"`
	Breaker   BreakerConfig         `mapstructure:"breaker"`
	RateLimit RateLimitConfig       `mapstructure:"ratelimit"`
	Sentinel  bootstrap.SentinelCfg `mapstructure:"sentinel"`
	Trace     trace.Config          `mapstructure:"trace"`
	Pprof     PprofConfig           `mapstructure:"pprof"`
	Symbols   []string              `mapstructure:"symbols"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"` // 为空只写 stdout
}

type UpstreamConfig struct {
	BaseURL              string        `mapstructure:"base_url"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `mapstructure:"max_reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	Stagger              time.Duration `mapstructure:"stagger"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	Transport            string        `mapstructure:"transport"` // gorilla / coder
	// Disabled 只跑 gateway，不连上游（多节点时的纯下游节点）
	Disabled bool `mapstructure:"disabled"`
}

type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	ClientURL      string   `mapstructure:"client_url"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type HubConfig struct {
	// BroadcastAll 为 true 时成交推给所有连接，不看订阅
	BroadcastAll bool          `mapstructure:"broadcast_all"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	ReadLimit    int64         `mapstructure:"read_limit"`
}

type BreakerConfig struct {
	MaxRequests             uint32        `mapstructure:"max_requests"`
	Interval                time.Duration `mapstructure:"interval"`
	Timeout                 time.Duration `mapstructure:"timeout"`
	TripConsecutiveFailures uint32        `mapstructure:"trip_consecutive_failures"`
	TripFailureRate         float64       `mapstructure:"trip_failure_rate"`
	TripMinRequests         uint32        `mapstructure:"trip_min_requests"`
}

type RateLimitConfig struct {
	HTTPRPS   float64       `mapstructure:"http_rps"`
	HTTPBurst int           `mapstructure:"http_burst"`
	WSRPS     float64       `mapstructure:"ws_rps"`
	WSBurst   int           `mapstructure:"ws_burst"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type PprofConfig struct {
	Addr string `mapstructure:"addr"` // 为空不开
}

const (
	TransportGorilla = "gorilla"
	TransportCoder   = "coder"
)

// ApplyDefaults 零值字段填默认值，和线上跑的参数保持一致
func (c *RelayConfig) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "relay"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	u := &c.Upstream
	if u.BaseURL == "" {
		u.BaseURL = "wss://fstream.binance.com/ws"
	}
	if u.ReconnectDelay == 0 {
		u.ReconnectDelay = 5 * time.Second
	}
	if u.MaxReconnectDelay == 0 {
		u.MaxReconnectDelay = 60 * time.Second
	}
	if u.MaxReconnectAttempts == 0 {
		u.MaxReconnectAttempts = 10
	}
	if u.Stagger == 0 {
		u.Stagger = 100 * time.Millisecond
	}
	if u.HandshakeTimeout == 0 {
		u.HandshakeTimeout = 10 * time.Second
	}
	if u.ReadTimeout == 0 {
		u.ReadTimeout = 5 * time.Minute
	}
	if u.Transport == "" {
		u.Transport = TransportGorilla
	}
	u.Transport = strings.ToLower(u.Transport)

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":4000"
	}
	if c.HTTP.ClientURL == "" {
		c.HTTP.ClientURL = "http://localhost:3000"
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{c.HTTP.ClientURL}
	}

	h := &c.Hub
	if h.SendBuffer == 0 {
		h.SendBuffer = 256
	}
	if h.PingPeriod == 0 {
		h.PingPeriod = 25 * time.Second
	}
	if h.PongWait == 0 {
		h.PongWait = 60 * time.Second
	}
	if h.WriteWait == 0 {
		h.WriteWait = 5 * time.Second
	}
	if h.ReadLimit == 0 {
		h.ReadLimit = 4096
	}

	if c.Broker.Kind == "" {
		c.Broker.Kind = gateway.KindMem
	}
	c.Broker.Kind = strings.ToLower(c.Broker.Kind)

	r := &c.RateLimit
	if r.HTTPRPS == 0 {
		r.HTTPRPS = 50
	}
	if r.HTTPBurst == 0 {
		r.HTTPBurst = 100
	}
	if r.WSRPS == 0 {
		r.WSRPS = 20
	}
	if r.WSBurst == 0 {
		r.WSBurst = 40
	}
	if r.TTL == 0 {
		r.TTL = 10 * time.Minute
	}

	if len(c.Symbols) == 0 {
		c.Symbols = append([]string(nil), market.DefaultSymbols...)
	}
	for i, s := range c.Symbols {
		c.Symbols[i] = market.NormalizeSymbol(s)
	}
}

// Validate 在 ApplyDefaults 之后调用
func (c *RelayConfig) Validate() error {
	var errs []error

	u := c.Upstream
	if u.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is empty"))
	}
	if u.ReconnectDelay <= 0 || u.MaxReconnectDelay <= 0 {
		errs = append(errs, errors.New("upstream reconnect delays must be positive"))
	}
	if u.MaxReconnectDelay < u.ReconnectDelay {
		errs = append(errs, fmt.Errorf("upstream.max_reconnect_delay %s < reconnect_delay %s", u.MaxReconnectDelay, u.ReconnectDelay))
	}
	if u.MaxReconnectAttempts <= 0 {
		errs = append(errs, errors.New("upstream.max_reconnect_attempts must be positive"))
	}
	if u.Transport != TransportGorilla && u.Transport != TransportCoder {
		errs = append(errs, fmt.Errorf("unknown upstream.transport %q", u.Transport))
	}

	switch c.Broker.Kind {
	case gateway.KindMem:
	case gateway.KindNats:
		if c.Broker.URL == "" {
			errs = append(errs, errors.New("broker.url is required for nats"))
		}
	case gateway.KindRedis:
		if c.Broker.Redis.Addr == "" {
			errs = append(errs, errors.New("broker.redis.addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker.kind %q", c.Broker.Kind))
	}
	if c.Broker.Kind == gateway.KindMem && u.Disabled {
		errs = append(errs, errors.New("upstream.disabled needs a shared broker (nats/redis)"))
	}

	if len(c.Symbols) == 0 {
		errs = append(errs, errors.New("symbols is empty"))
	}
	seen := make(map[string]struct{}, len(c.Symbols))
	for _, s := range c.Symbols {
		if s == "" {
			errs = append(errs, errors.New("empty symbol"))
			continue
		}
		if _, dup := seen[s]; dup {
			errs = append(errs, fmt.Errorf("duplicate symbol %q", s))
		}
		seen[s] = struct{}{}
	}
	return errors.Join(errs...)
}
