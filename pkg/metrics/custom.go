package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
)

var (
	RateLimitBlockTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryptopulse",
			Name:      "ratelimit_block_total",
			Help:      "Total number of rate limit blocks.",
		},
		[]string{"surface", "route"}, // surface: http/ws
	)

	CBRejectTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryptopulse",
			Name:      "circuitbreaker_reject_total",
			Help:      "Total number of calls rejected by an open circuit breaker.",
		},
		[]string{"name"},
	)

	CBState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cryptopulse",
			Name:      "circuitbreaker_state",
			Help:      "Circuit breaker state (1 = current state).",
		},
		[]string{"name", "state"}, // state: closed/open/half_open
	)
)

var states = []gobreaker.State{gobreaker.StateClosed, gobreaker.StateHalfOpen, gobreaker.StateOpen}

func stateLabel(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ObserveBreaker 作为 ratelimit.StateHook 使用，当前状态置 1，其他置 0
func ObserveBreaker(name string, _, to gobreaker.State) {
	for _, s := range states {
		v := 0.0
		if s == to {
			v = 1
		}
		CBState.WithLabelValues(name, stateLabel(s)).Set(v)
	}
}
