package gateway

import (
	"context"

	"go.uber.org/zap"

	"cryptopulse.com/internal/quotes/wsmetrics"
	"cryptopulse.com/pkg/logger"
	"cryptopulse.com/pkg/metrics"
	"cryptopulse.com/pkg/ratelimit"
)

// BreakerBroker 给 Publish 套熔断，下游 broker 挂了就快速失败，不拖慢行情读循环
type BreakerBroker struct {
	Broker
	kind string
	cbs  *ratelimit.Manager
}

func NewBreakerBroker(b Broker, kind string, cbs *ratelimit.Manager) *BreakerBroker {
	if kind == "" {
		kind = KindMem
	}
	return &BreakerBroker{Broker: b, kind: kind, cbs: cbs}
}

func (b *BreakerBroker) name() string { return "broker:" + b.kind }

func (b *BreakerBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	err := b.cbs.Do(b.name(), func() error {
		return b.Broker.Publish(ctx, topic, payload)
	})
	switch {
	case err == nil:
		wsmetrics.BrokerPublishTotal.WithLabelValues(b.kind, "ok").Inc()
	case ratelimit.IsOpen(err):
		wsmetrics.BrokerPublishTotal.WithLabelValues(b.kind, "open").Inc()
		metrics.CBRejectTotal.WithLabelValues(b.name()).Inc()
	default:
		wsmetrics.BrokerPublishTotal.WithLabelValues(b.kind, "error").Inc()
		logger.Debug(ctx, "broker publish failed", zap.String("topic", topic), zap.Error(err))
	}
	return err
}
