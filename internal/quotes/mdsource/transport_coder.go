package mdsource

import (
	"context"
	"errors"
	"time"

	"github.com/coder/websocket"
)

// CoderDialer 备选传输，ping/pong 由库在 Read 时自动处理
type CoderDialer struct {
	ReadLimit   int64
	ReadTimeout time.Duration
}

func NewCoderDialer(readTimeout time.Duration) *CoderDialer {
	return &CoderDialer{ReadLimit: 1 << 20, ReadTimeout: readTimeout}
}

func (d *CoderDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &coderConn{c: c, readTimeout: d.ReadTimeout}, nil
}

type coderConn struct {
	c           *websocket.Conn
	readTimeout time.Duration
}

func (cc *coderConn) ReadMessage(ctx context.Context) ([]byte, error) {
	rctx := ctx
	cancel := func() {}
	if cc.readTimeout > 0 {
		rctx, cancel = context.WithTimeout(ctx, cc.readTimeout)
	}
	_, raw, err := cc.c.Read(rctx)
	cancel()
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: int(ce.Code), Reason: ce.Reason}
		}
		return nil, err
	}
	return raw, nil
}

func (cc *coderConn) Close(code int, reason string) error {
	if code == CloseAbnormal {
		return cc.c.CloseNow()
	}
	return cc.c.Close(websocket.StatusCode(code), reason)
}
