package ws

import (
	"context"
	"errors"
	"strings"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cryptopulse.com/internal/quotes/alert"
	"cryptopulse.com/internal/quotes/wsmetrics"
	"cryptopulse.com/pkg/logger"
	"cryptopulse.com/pkg/metrics"
	"cryptopulse.com/pkg/xerr"
)

// dispatch 处理一条客户端消息，所有错误都以 error 事件回给客户端，不断开连接
func (s *Server) dispatch(c *Conn, raw []byte) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
		c.Send(EventError, xerr.New(xerr.RequestParamsError, "malformed message"))
		return
	}
	wsmetrics.EventsInTotal.WithLabelValues(eventLabel(in.Event)).Inc()

	if s.limiter != nil && !s.limiter.Allow(c.id) {
		metrics.RateLimitBlockTotal.WithLabelValues("ws", eventLabel(in.Event)).Inc()
		logger.Warn(context.Background(), "ws rate limited", zap.String("subscriber", c.id), zap.String("event", in.Event))
		c.Send(EventError, xerr.NewErrCode(xerr.TooManyRequests))
		return
	}

	switch in.Event {
	case EventSubscribe:
		var req symbolsReq
		if err := decodeData(in.Data, &req); err != nil {
			c.Send(EventError, xerr.New(xerr.RequestParamsError, "subscribe expects {symbols: []}"))
			return
		}
		syms := s.hub.Subscribe(c.id, req.Symbols)
		c.Send(EventSubConfirmed, symbolsAck{Symbols: syms, Timestamp: s.now().UnixMilli()})

	case EventUnsubscribe:
		var req symbolsReq
		if err := decodeData(in.Data, &req); err != nil {
			c.Send(EventError, xerr.New(xerr.RequestParamsError, "unsubscribe expects {symbols: []}"))
			return
		}
		syms := s.hub.Unsubscribe(c.id, req.Symbols)
		c.Send(EventUnsubConfirmed, symbolsAck{Symbols: syms, Timestamp: s.now().UnixMilli()})

	case EventCreateAlert:
		s.createAlert(c, in.Data)

	case EventDeleteAlert:
		id := parseAlertID(in.Data)
		if id != "" {
			s.alerts.Delete(c.id, id)
		}
		// 删除不存在或别人的 alert 也回成功
		c.Send(EventAlertDeleted, alertDeletedAck{Success: true, AlertID: id})

	case EventGetAlerts:
		c.Send(EventAlertsList, alertsList{Alerts: s.alerts.ListFor(c.id), Timestamp: s.now().UnixMilli()})

	case EventRequestSymbols:
		var list symbolsList
		if s.symbols != nil {
			list.Symbols = s.symbols.ListSupported()
		}
		list.Timestamp = s.now().UnixMilli()
		c.Send(EventSymbolsList, list)

	case EventPing:
		c.Send(EventPong, pongMsg{Timestamp: s.now().UnixMilli()})

	default:
		c.Send(EventError, xerr.New(xerr.UnknownEvent, "unknown event: "+in.Event))
	}
}

func (s *Server) createAlert(c *Conn, data json.RawMessage) {
	var req createAlertReq
	if err := decodeData(data, &req); err != nil {
		c.Send(EventAlertCreated, alertCreatedAck{Success: false, Error: "invalid create-alert payload"})
		return
	}
	target, err := parsePrice(req.TargetPrice)
	if err != nil {
		c.Send(EventAlertCreated, alertCreatedAck{Success: false, Error: "targetPrice must be a number"})
		return
	}
	cond, ok := alert.ParseCondition(req.Condition)
	if !ok {
		c.Send(EventAlertCreated, alertCreatedAck{Success: false, Error: "condition must be above or below"})
		return
	}

	a, err := s.alerts.Create(c.id, req.Symbol, target, cond)
	if err != nil {
		msg := err.Error()
		if !errors.Is(err, alert.ErrInvalidAlert) {
			msg = xerr.MapErrMsg(xerr.ServerCommonError)
		}
		c.Send(EventAlertCreated, alertCreatedAck{Success: false, Error: msg})
		return
	}
	logger.Info(context.Background(), "alert created",
		zap.String("subscriber", c.id), zap.String("symbol", a.Symbol),
		zap.String("target", a.TargetPrice.String()), zap.String("condition", string(a.Condition)))
	c.Send(EventAlertCreated, alertCreatedAck{Success: true, Alert: a})
}

func decodeData(data json.RawMessage, out any) error {
	if len(data) == 0 || string(data) == "null" {
		return errors.New("missing data")
	}
	return json.Unmarshal(data, out)
}

// parsePrice 接受 100.5 或 "100.5"
func parsePrice(raw json.RawMessage) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(raw))
	s = strings.Trim(s, `"`)
	if s == "" {
		return decimal.Decimal{}, errors.New("empty price")
	}
	return decimal.NewFromString(s)
}

// parseAlertID 兼容 "id" 和 {"alertId":"id"}
func parseAlertID(data json.RawMessage) string {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		AlertID string `json:"alertId"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		return strings.TrimSpace(obj.AlertID)
	}
	return ""
}

// 未知事件统一归一个 label，防止基数爆炸
func eventLabel(ev string) string {
	switch ev {
	case EventSubscribe, EventUnsubscribe, EventCreateAlert, EventDeleteAlert,
		EventGetAlerts, EventRequestSymbols, EventPing:
		return ev
	}
	return "unknown"
}
