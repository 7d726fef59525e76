package alert

import (
	"errors"
	"strings"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
)

type Condition string

const (
	Above Condition = "above"
	Below Condition = "below"
)

func ParseCondition(s string) (Condition, bool) {
	switch Condition(strings.ToLower(strings.TrimSpace(s))) {
	case Above:
		return Above, true
	case Below:
		return Below, true
	}
	return "", false
}

var ErrInvalidAlert = errors.New("invalid alert")

// Alert Triggered 只会 false -> true
type Alert struct {
	ID          string
	OwnerID     string
	Symbol      string
	TargetPrice decimal.Decimal
	Condition   Condition
	CreatedAt   int64 // unix ms
	Triggered   bool
}

func (a *Alert) matches(price decimal.Decimal) bool {
	switch a.Condition {
	case Above:
		return price.GreaterThanOrEqual(a.TargetPrice)
	case Below:
		return price.LessThanOrEqual(a.TargetPrice)
	}
	return false
}

// 对前端 targetPrice 是数字
type alertDTO struct {
	ID          string      `json:"id"`
	Symbol      string      `json:"symbol"`
	TargetPrice json.Number `json:"targetPrice"`
	Condition   Condition   `json:"condition"`
	CreatedAt   int64       `json:"createdAt"`
	Triggered   bool        `json:"triggered"`
}

func (a Alert) MarshalJSON() ([]byte, error) {
	return json.Marshal(alertDTO{
		ID:          a.ID,
		Symbol:      a.Symbol,
		TargetPrice: json.Number(a.TargetPrice.String()),
		Condition:   a.Condition,
		CreatedAt:   a.CreatedAt,
		Triggered:   a.Triggered,
	})
}

// Notification price-alert 的载荷，一个 owner 一批
type Notification struct {
	Alerts       []Alert
	Symbol       string
	CurrentPrice decimal.Decimal
	Timestamp    int64
}

type notificationDTO struct {
	Alerts       []Alert     `json:"alerts"`
	Symbol       string      `json:"symbol"`
	CurrentPrice json.Number `json:"currentPrice"`
	Timestamp    int64       `json:"timestamp"`
}

func (n Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(notificationDTO{
		Alerts:       n.Alerts,
		Symbol:       n.Symbol,
		CurrentPrice: json.Number(n.CurrentPrice.String()),
		Timestamp:    n.Timestamp,
	})
}

// Notifier 把触发结果推给对应的订阅者
type Notifier interface {
	NotifyAlerts(ownerID string, n Notification)
}

type NotifierFunc func(ownerID string, n Notification)

func (f NotifierFunc) NotifyAlerts(ownerID string, n Notification) { f(ownerID, n) }
