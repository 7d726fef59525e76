package gateway

import (
	"context"
	"fmt"
	"strings"

	"cryptopulse.com/pkg/xredis"
)

type Message struct {
	Topic   string
	Payload []byte
}

// Broker 跨节点分发；语义是 at-most-once，慢消费者丢消息
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe 返回的 chan 在 ctx 结束后关闭
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}

const (
	KindMem   = "mem"
	KindNats  = "nats"
	KindRedis = "redis"
)

type Config struct {
	Kind  string        `mapstructure:"kind"`
	URL   string        `mapstructure:"url"` // nats://127.0.0.1:4222
	Redis xredis.Config `mapstructure:"redis"`
}

// NewBroker 按配置创建 broker
func NewBroker(ctx context.Context, c Config) (Broker, error) {
	switch strings.ToLower(c.Kind) {
	case "", KindMem:
		return NewMemBroker(), nil
	case KindNats:
		return NewNatsBroker(c.URL)
	case KindRedis:
		rdb, err := xredis.NewRedis(ctx, &c.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisBroker(rdb), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", c.Kind)
	}
}
