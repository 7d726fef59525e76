package mdsource

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// GorillaDialer 默认传输
type GorillaDialer struct {
	Dialer      *websocket.Dialer
	ReadLimit   int64
	ReadTimeout time.Duration // 多久没有任何帧就判定断线
	WriteWait   time.Duration
}

func NewGorillaDialer(handshakeTimeout, readTimeout time.Duration) *GorillaDialer {
	return &GorillaDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		ReadLimit:   1 << 20,
		ReadTimeout: readTimeout,
		WriteWait:   2 * time.Second,
	}
}

func (d *GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}

	gc := &gorillaConn{c: c, readTimeout: d.ReadTimeout, writeWait: d.WriteWait}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	gc.touch()
	c.SetPongHandler(func(string) error {
		gc.touch()
		return nil
	})
	// 上游 ping 必须回 pong，和业务写共用 writeMu
	c.SetPingHandler(func(appData string) error {
		gc.touch()
		gc.writeMu.Lock()
		defer gc.writeMu.Unlock()
		err := c.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(gc.writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return gc, nil
}

type gorillaConn struct {
	c           *websocket.Conn
	writeMu     sync.Mutex
	readTimeout time.Duration
	writeWait   time.Duration
	closeOnce   sync.Once
}

func (g *gorillaConn) touch() {
	if g.readTimeout > 0 {
		_ = g.c.SetReadDeadline(time.Now().Add(g.readTimeout))
	}
}

func (g *gorillaConn) ReadMessage(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, msg, err := g.c.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, err
	}
	g.touch()
	return msg, nil
}

func (g *gorillaConn) Close(code int, reason string) error {
	var err error
	g.closeOnce.Do(func() {
		if code != CloseAbnormal {
			g.writeMu.Lock()
			_ = g.c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(g.writeWait))
			g.writeMu.Unlock()
		}
		err = g.c.Close()
	})
	return err
}
