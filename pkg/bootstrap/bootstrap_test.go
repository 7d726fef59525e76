package bootstrap

import (
	"testing"

	"github.com/alibaba/sentinel-golang/core/circuitbreaker"
	"github.com/alibaba/sentinel-golang/core/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFlowRules(t *testing.T) {
	rules := buildFlowRules([]FlowRule{
		{Resource: ""},
		{Resource: "GET:/api/status", Threshold: 50, Strategy: "warmup", WarmUpSec: 10, Control: "throttling", MaxQueueWaitMs: 200},
		{Resource: "GET:/api/symbols", Threshold: 100},
	})
	require.Len(t, rules, 2)

	assert.Equal(t, flow.WarmUp, rules[0].TokenCalculateStrategy)
	assert.Equal(t, flow.Throttling, rules[0].ControlBehavior)
	assert.Equal(t, uint32(200), rules[0].MaxQueueingTimeMs)

	assert.Equal(t, flow.Direct, rules[1].TokenCalculateStrategy)
	assert.Equal(t, flow.Reject, rules[1].ControlBehavior)
}

func TestBuildBreakerRules(t *testing.T) {
	rules := buildBreakerRules([]BreakerRule{
		{Resource: "POST:/api/streams/:symbol/start", Strategy: "error_count", Threshold: 5},
		{Resource: "GET:/api/status"},
	})
	require.Len(t, rules, 2)
	assert.Equal(t, circuitbreaker.ErrorCount, rules[0].Strategy)
	assert.Equal(t, circuitbreaker.ErrorRatio, rules[1].Strategy)
}

func TestSentinelCfgActive(t *testing.T) {
	assert.False(t, SentinelCfg{}.Active())
	assert.False(t, SentinelCfg{Enabled: true}.Active())
	assert.True(t, SentinelCfg{Enabled: true, Flow: FlowSection{Enabled: true}}.Active())
}
