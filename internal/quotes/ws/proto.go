package ws

import (
	"github.com/segmentio/encoding/json"

	"cryptopulse.com/internal/quotes/market"
)

const ServerVersion = "2.0.0"

// 服务端 -> 客户端
const (
	EventConnected      = "connected"
	EventNewTrade       = "new-trade"
	EventCryptoStatus   = "crypto-status"
	EventPriceAlert     = "price-alert"
	EventSubConfirmed   = "subscription-confirmed"
	EventUnsubConfirmed = "unsubscription-confirmed"
	EventAlertCreated   = "alert-created"
	EventAlertDeleted   = "alert-deleted"
	EventAlertsList     = "alerts-list"
	EventSymbolsList    = "symbols-list"
	EventPong           = "pong"
	EventError          = "error"
)

// 客户端 -> 服务端
const (
	EventSubscribe      = "subscribe"
	EventUnsubscribe    = "unsubscribe"
	EventCreateAlert    = "create-alert"
	EventDeleteAlert    = "delete-alert"
	EventGetAlerts      = "get-alerts"
	EventRequestSymbols = "request-symbols"
	EventPing           = "ping"
)

// Envelope 双向统一格式 {"event","data"}
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func Encode(event string, data any) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Data: data})
}

// TradeDTO 价格/数量按数字输出，保留原始精度
type TradeDTO struct {
	Symbol       string      `json:"symbol"`
	Price        json.Number `json:"price"`
	Quantity     json.Number `json:"quantity"`
	Timestamp    int64       `json:"timestamp"`
	IsBuyerMaker bool        `json:"isBuyerMaker"`
	TradeID      *int64      `json:"tradeId,omitempty"`
}

func ToDTO(t market.Trade) TradeDTO {
	return TradeDTO{
		Symbol:       t.Symbol,
		Price:        json.Number(t.Price.String()),
		Quantity:     json.Number(t.Quantity.String()),
		Timestamp:    t.TimestampMs,
		IsBuyerMaker: t.IsBuyerMaker,
		TradeID:      t.TradeID,
	}
}

type connectedMsg struct {
	ClientID      string `json:"clientId"`
	Timestamp     int64  `json:"timestamp"`
	Message       string `json:"message"`
	ServerVersion string `json:"serverVersion"`
}

type symbolsReq struct {
	Symbols []string `json:"symbols"`
}

type symbolsAck struct {
	Symbols   []string `json:"symbols"`
	Timestamp int64    `json:"timestamp"`
}

type createAlertReq struct {
	Symbol      string          `json:"symbol"`
	TargetPrice json.RawMessage `json:"targetPrice"` // 数字或数字字符串
	Condition   string          `json:"condition"`
}

type alertCreatedAck struct {
	Success bool   `json:"success"`
	Alert   any    `json:"alert,omitempty"`
	Error   string `json:"error,omitempty"`
}

type alertDeletedAck struct {
	Success bool   `json:"success"`
	AlertID string `json:"alertId"`
}

type alertsList struct {
	Alerts    any   `json:"alerts"`
	Timestamp int64 `json:"timestamp"`
}

type symbolsList struct {
	Symbols   []market.SymbolDescriptor `json:"symbols"`
	Timestamp int64                     `json:"timestamp"`
}

type pongMsg struct {
	Timestamp int64 `json:"timestamp"`
}
