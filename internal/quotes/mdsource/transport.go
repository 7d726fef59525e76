package mdsource

import (
	"context"
	"fmt"
)

// websocket close code
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

// CloseError 对端发来 close 帧
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed: code=%d reason=%q", e.Code, e.Reason)
}

// Conn 只读的上游连接；ping/pong 由实现自己处理
type Conn interface {
	// ReadMessage 阻塞到下一条消息。对端正常关闭时返回 *CloseError
	ReadMessage(ctx context.Context) ([]byte, error)
	Close(code int, reason string) error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}
