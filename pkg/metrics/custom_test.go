package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
)

func TestObserveBreaker(t *testing.T) {
	ObserveBreaker("broker:test", gobreaker.StateClosed, gobreaker.StateOpen)

	assert.Equal(t, 1.0, testutil.ToFloat64(CBState.WithLabelValues("broker:test", "open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(CBState.WithLabelValues("broker:test", "closed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(CBState.WithLabelValues("broker:test", "half_open")))
}
