package gateway

import (
	"context"
	"sync"

	"cryptopulse.com/internal/quotes/wsmetrics"
)

// MemBroker 单机模式
type MemBroker struct {
	mu     sync.RWMutex
	subs   map[string][]chan Message
	bufLen int
}

func NewMemBroker() *MemBroker {
	return &MemBroker{subs: make(map[string][]chan Message), bufLen: 4096}
}

func (b *MemBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := Message{Topic: topic, Payload: payload}

	// 持读锁投递，取消订阅要拿写锁，不会往已关闭的 chan 里写
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
			wsmetrics.DroppedTotal.WithLabelValues("broker_mem_full").Inc()
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ch := make(chan Message, b.bufLen)
	b.mu.Lock()
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for _, t := range topics {
			b.subs[t] = removeChan(b.subs[t], ch)
			if len(b.subs[t]) == 0 {
				delete(b.subs, t)
			}
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func removeChan(list []chan Message, ch chan Message) []chan Message {
	out := list[:0]
	for _, c := range list {
		if c != ch {
			out = append(out, c)
		}
	}
	return out
}

func (b *MemBroker) Close() error { return nil }
