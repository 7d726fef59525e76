package ws

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cryptopulse.com/internal/quotes/alert"
	"cryptopulse.com/internal/quotes/market"
	"cryptopulse.com/internal/quotes/wsmetrics"
	"cryptopulse.com/pkg/logger"
	"cryptopulse.com/pkg/ratelimit"
	"cryptopulse.com/pkg/safe"
)

type Config struct {
	SendBuffer     int
	PingPeriod     time.Duration
	PingJitter     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	ReadLimit      int64
	AllowedOrigins []string // 空表示不校验
}

func (c *Config) applyDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4096
	}
}

// SymbolSource request-symbols 用
type SymbolSource interface {
	ListSupported() []market.SymbolDescriptor
}

type Server struct {
	ctx      context.Context
	hub      *Hub
	alerts   *alert.Engine
	symbols  SymbolSource
	limiter  *ratelimit.Store
	cfg      Config
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewServer(ctx context.Context, h *Hub, alerts *alert.Engine, symbols SymbolSource, limiter *ratelimit.Store, cfg Config) *Server {
	cfg.applyDefaults()
	s := &Server{
		ctx:     ctx,
		hub:     h,
		alerts:  alerts,
		symbols: symbols,
		limiter: limiter,
		cfg:     cfg,
		now:     time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), u.Scheme+"://"+u.Host) {
			return true
		}
	}
	return false
}

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经回写了 http 错误
		logger.Warn(r.Context(), "ws upgrade failed", zap.Error(err))
		return
	}
	c := newConn(uuid.NewString(), r.RemoteAddr, wsConn, s.cfg.SendBuffer)
	s.hub.Register(c)
	wsmetrics.OnOpen()
	logger.Info(r.Context(), "subscriber connected", zap.String("subscriber", c.id), zap.String("remote", c.remote))

	c.Send(EventConnected, connectedMsg{
		ClientID:      c.id,
		Timestamp:     s.now().UnixMilli(),
		Message:       "Connected to real-time crypto data stream",
		ServerVersion: ServerVersion,
	})

	safe.Go("ws-write:"+c.id, func() { s.writePump(c) })
	safe.Go("ws-read:"+c.id, func() { s.readPump(c) })
}

func (s *Server) readPump(c *Conn) {
	code := websocket.CloseNormalClosure
	defer func() {
		s.hub.Remove(c)
		dropped := 0
		if s.alerts != nil {
			dropped = s.alerts.DropOwner(c.id)
		}
		if s.limiter != nil {
			s.limiter.Forget(c.id)
		}
		c.Close()
		_ = c.ws.Close()
		wsmetrics.OnClose(code)
		logger.Info(context.Background(), "subscriber disconnected",
			zap.String("subscriber", c.id), zap.Int("code", code), zap.Int("alerts_dropped", dropped))
	}()

	c.ws.SetReadLimit(s.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			var ne net.Error
			switch {
			case errors.As(err, &ce):
				code = ce.Code
			case errors.As(err, &ne) && ne.Timeout():
				code = websocket.CloseAbnormalClosure
				logger.Info(context.Background(), "subscriber read timeout", zap.String("subscriber", c.id))
			default:
				code = websocket.CloseAbnormalClosure
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		s.dispatch(c, b)
	}
}

func (s *Server) writePump(c *Conn) {
	if s.cfg.PingJitter > 0 {
		t := time.NewTimer(time.Duration(rand.Int63n(int64(s.cfg.PingJitter))))
		select {
		case <-t.C:
		case <-c.done:
			t.Stop()
			_ = c.ws.Close()
			return
		}
	}

	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			start := time.Now()
			_ = c.ws.SetWriteDeadline(start.Add(s.cfg.WriteWait))
			err := c.ws.WriteMessage(websocket.TextMessage, frame)
			wsmetrics.ObserveWrite(len(frame), time.Since(start), err)
			if err != nil {
				logger.Debug(context.Background(), "ws write failed", zap.String("subscriber", c.id), zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				wsmetrics.PingErrorsTotal.Inc()
				c.Close()
				return
			}
		case <-c.done:
			s.flush(c)
			s.writeClose(c)
			return
		case <-s.ctx.Done():
			c.Close()
			s.flush(c)
			s.writeClose(c)
			return
		}
	}
}

// flush 关闭前把队列里剩下的帧写完，进程退出时最后的 crypto-status 靠它送达
func (s *Server) flush(c *Conn) {
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) writeClose(c *Conn) {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
		time.Now().Add(s.cfg.WriteWait))
}
