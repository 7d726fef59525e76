package gateway

import (
	"context"

	"go.uber.org/zap"

	"cryptopulse.com/internal/quotes/market"
	"cryptopulse.com/internal/quotes/wsmetrics"
	"cryptopulse.com/pkg/logger"
)

// Fanout 本节点的下游广播，一般是 *ws.Hub
type Fanout interface {
	PublishTrade(market.Trade)
	PublishStatus(market.StatusEvent)
}

// TradeObserver 一般是 *alert.Engine
type TradeObserver interface {
	OnTrade(market.Trade)
}

type Gateway struct {
	broker    Broker
	fanout    Fanout
	observers []TradeObserver
}

func NewGateway(broker Broker, fanout Fanout, observers ...TradeObserver) *Gateway {
	return &Gateway{broker: broker, fanout: fanout, observers: observers}
}

// Run 订阅 broker -> 解码 -> 本地 hub / alert。
// ctx 结束后 broker 会关掉 chan，已经缓冲的消息处理完才返回
func (g *Gateway) Run(ctx context.Context, topics []string) error {
	ch, err := g.broker.Subscribe(ctx, topics)
	if err != nil {
		return err
	}
	logger.Info(ctx, "gateway subscribed", zap.Strings("topics", topics))

	for m := range ch {
		g.handle(ctx, m)
	}
	return ctx.Err()
}

func (g *Gateway) handle(ctx context.Context, m Message) {
	switch {
	case IsTradeTopic(m.Topic):
		tr, err := DecodeTrade(m.Payload)
		if err != nil {
			wsmetrics.BrokerDecodeErrorsTotal.Inc()
			logger.Warn(ctx, "decode trade from broker failed", zap.String("topic", m.Topic), zap.Error(err))
			return
		}
		g.fanout.PublishTrade(tr)
		for _, o := range g.observers {
			o.OnTrade(tr)
		}
	case m.Topic == TopicStatus:
		ev, err := DecodeStatus(m.Payload)
		if err != nil {
			wsmetrics.BrokerDecodeErrorsTotal.Inc()
			logger.Warn(ctx, "decode status from broker failed", zap.Error(err))
			return
		}
		g.fanout.PublishStatus(ev)
	default:
		logger.Debug(ctx, "ignore broker message", zap.String("topic", m.Topic))
	}
}
