package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cryptopulse.com/internal/quotes/wsmetrics"
	"cryptopulse.com/pkg/logger"
)

// Conn 一个下游订阅者。send 只由 Offer 写入，writePump 独占消费
type Conn struct {
	id     string
	remote string
	ws     *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id, remote string, ws *websocket.Conn, buf int) *Conn {
	if buf <= 0 {
		buf = 256
	}
	return &Conn{
		id:     id,
		remote: remote,
		ws:     ws,
		send:   make(chan []byte, buf),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Offer 非阻塞投递；队列满直接丢，慢客户端自己承担
func (c *Conn) Offer(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		wsmetrics.DroppedTotal.WithLabelValues("slow_consumer").Inc()
		return false
	}
}

// OfferWait 队列满时最多等 wait，用于 price-alert 这类不能随便丢的定向消息
func (c *Conn) OfferWait(frame []byte, wait time.Duration) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	case <-t.C:
		wsmetrics.DroppedTotal.WithLabelValues("targeted_timeout").Inc()
		return false
	}
}

// Send 编码后投递
func (c *Conn) Send(event string, data any) bool {
	frame, err := Encode(event, data)
	if err != nil {
		logger.Error(context.Background(), "encode event failed",
			zap.String("subscriber", c.id), zap.String("event", event), zap.Error(err))
		return false
	}
	return c.Offer(frame)
}

// Close 幂等，通知 writePump 发 close 帧并退出
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
