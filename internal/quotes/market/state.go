package market

import "time"

// ConnectionState 单个 symbol 上游连接的状态，只由对应的 Stream 修改
type ConnectionState uint8

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Error
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	default:
		return "disconnected"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status 推给下游的状态事件类型
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusReconnecting Status = "reconnecting"
)

// StatusEvent crypto-status 的载荷
type StatusEvent struct {
	Symbol    string `json:"symbol"`
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
}

func NewStatus(symbol string, st Status) StatusEvent {
	return StatusEvent{Symbol: symbol, Status: st, Timestamp: time.Now().UnixMilli()}
}
