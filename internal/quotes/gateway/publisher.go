package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cryptopulse.com/internal/quotes/market"
	"cryptopulse.com/pkg/logger"
)

// Publisher 接在 Supervisor 后面，把上游事件发到 broker
type Publisher struct {
	broker  Broker
	timeout time.Duration
}

func NewPublisher(b Broker) *Publisher {
	return &Publisher{broker: b, timeout: 2 * time.Second}
}

func (p *Publisher) OnTrade(t market.Trade) {
	b, err := EncodeTrade(t)
	if err != nil {
		logger.Error(context.Background(), "encode trade failed", zap.String("symbol", t.Symbol), zap.Error(err))
		return
	}
	p.publish(TradeTopic(t.Symbol), b)
}

func (p *Publisher) OnStatus(ev market.StatusEvent) {
	b, err := EncodeStatus(ev)
	if err != nil {
		logger.Error(context.Background(), "encode status failed", zap.String("symbol", ev.Symbol), zap.Error(err))
		return
	}
	p.publish(TopicStatus, b)
}

// publish 失败只记日志，at-most-once
func (p *Publisher) publish(topic string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.broker.Publish(ctx, topic, payload); err != nil {
		logger.Warn(ctx, "broker publish dropped", zap.String("topic", topic), zap.Error(err))
	}
}
