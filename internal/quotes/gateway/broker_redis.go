package gateway

import (
	"context"

	"github.com/redis/go-redis/v9"

	"cryptopulse.com/internal/quotes/wsmetrics"
)

// RedisBroker 基于 redis pub/sub，channel 名直接用 topic
type RedisBroker struct {
	rdb *redis.Client
}

func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.rdb.Publish(ctx, topic, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ps := b.rdb.Subscribe(ctx, topics...)
	// 等订阅确认，确保返回时已经生效
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Message, 8192)
	in := ps.Channel()
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
				default:
					wsmetrics.DroppedTotal.WithLabelValues("broker_redis_full").Inc()
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}
