package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strings"
	"time"

	sentinels "github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/circuitbreaker"
	"github.com/alibaba/sentinel-golang/core/flow"
	"go.uber.org/zap"

	"cryptopulse.com/pkg/logger"
)

// SentinelCfg http 入口流控 / 熔断规则
type SentinelCfg struct {
	Enabled bool          `mapstructure:"enabled"`
	Flow    FlowSection   `mapstructure:"flow"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type FlowSection struct {
	Enabled bool       `mapstructure:"enabled"`
	Rules   []FlowRule `mapstructure:"rules"`
}

type FlowRule struct {
	Resource         string  `mapstructure:"resource"` // 例如 "GET:/api/status"
	Threshold        float64 `mapstructure:"threshold"`
	StatIntervalMs   uint32  `mapstructure:"stat_interval_ms"`
	Strategy         string  `mapstructure:"strategy"` // direct/warmup/memory_adaptive
	Control          string  `mapstructure:"control"`  // reject/throttling
	MaxQueueWaitMs   uint32  `mapstructure:"max_queue_wait_ms"`
	WarmUpSec        uint32  `mapstructure:"warm_up_sec"`
	WarmUpColdFactor uint32  `mapstructure:"warm_up_cold_factor"`
}

type BreakerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Rules   []BreakerRule `mapstructure:"rules"`
}

type BreakerRule struct {
	Resource         string  `mapstructure:"resource"`
	Strategy         string  `mapstructure:"strategy"` // error_ratio/error_count/slow_request_ratio
	Threshold        float64 `mapstructure:"threshold"`
	StatIntervalMs   uint32  `mapstructure:"stat_interval_ms"`
	MinRequestAmount uint64  `mapstructure:"min_request_amount"`
	RetryTimeoutMs   uint32  `mapstructure:"retry_timeout_ms"`
	MaxAllowedRtMs   uint64  `mapstructure:"max_allowed_rt_ms"`
}

// Active 没有任何规则时不初始化 sentinel
func (c SentinelCfg) Active() bool {
	return c.Enabled && (c.Flow.Enabled || c.Breaker.Enabled)
}

// InitSentinel 初始化 sentinel 并加载规则
func InitSentinel(sc SentinelCfg) error {
	if !sc.Active() {
		return nil
	}
	if err := sentinels.InitDefault(); err != nil {
		return fmt.Errorf("init sentinel: %w", err)
	}

	if sc.Flow.Enabled {
		flowRules := buildFlowRules(sc.Flow.Rules)
		if len(flowRules) > 0 {
			if _, err := flow.LoadRules(flowRules); err != nil {
				return fmt.Errorf("load flow rules: %w", err)
			}
		}
		logger.Info(context.Background(), "sentinel flow rules loaded", zap.Int("count", len(flowRules)))
	}

	if sc.Breaker.Enabled {
		breakerRules := buildBreakerRules(sc.Breaker.Rules)
		if len(breakerRules) > 0 {
			if _, err := circuitbreaker.LoadRules(breakerRules); err != nil {
				return fmt.Errorf("load circuit breaker rules: %w", err)
			}
		}
		logger.Info(context.Background(), "sentinel breaker rules loaded", zap.Int("count", len(breakerRules)))
	}
	return nil
}

func buildFlowRules(rules []FlowRule) []*flow.Rule {
	out := make([]*flow.Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.Resource == "" {
			continue
		}
		r := &flow.Rule{
			Resource:         rule.Resource,
			Threshold:        rule.Threshold,
			StatIntervalInMs: rule.StatIntervalMs,
		}
		switch strings.ToLower(rule.Strategy) {
		case "warmup":
			r.TokenCalculateStrategy = flow.WarmUp
			r.WarmUpPeriodSec = rule.WarmUpSec
			r.WarmUpColdFactor = rule.WarmUpColdFactor
		case "memory_adaptive":
			r.TokenCalculateStrategy = flow.MemoryAdaptive
		default:
			r.TokenCalculateStrategy = flow.Direct
		}

		switch strings.ToLower(rule.Control) {
		case "throttling":
			r.ControlBehavior = flow.Throttling
			r.MaxQueueingTimeMs = rule.MaxQueueWaitMs
		default:
			r.ControlBehavior = flow.Reject
		}
		out = append(out, r)
	}
	return out
}

func buildBreakerRules(rules []BreakerRule) []*circuitbreaker.Rule {
	out := make([]*circuitbreaker.Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.Resource == "" {
			continue
		}
		r := &circuitbreaker.Rule{
			Resource:         rule.Resource,
			Threshold:        rule.Threshold,
			StatIntervalMs:   rule.StatIntervalMs,
			MinRequestAmount: rule.MinRequestAmount,
			RetryTimeoutMs:   rule.RetryTimeoutMs,
			MaxAllowedRtMs:   rule.MaxAllowedRtMs,
		}
		switch strings.ToLower(rule.Strategy) {
		case "error_count":
			r.Strategy = circuitbreaker.ErrorCount
		case "slow_request_ratio":
			r.Strategy = circuitbreaker.SlowRequestRatio
		default:
			r.Strategy = circuitbreaker.ErrorRatio
		}
		out = append(out, r)
	}
	return out
}

// StartPprof 单独端口暴露 pprof，返回的 server 由调用方负责 Shutdown
func StartPprof(addr string) *http.Server {
	runtime.SetMutexProfileFraction(10)
	runtime.SetBlockProfileRate(10000)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}

	go func() {
		logger.Info(context.Background(), "pprof listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "pprof listen error", zap.Error(err))
		}
	}()
	return srv
}
