package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cryptopulse.com/internal/quotes/market"
	"cryptopulse.com/internal/quotes/wsmetrics"
	"cryptopulse.com/pkg/logger"
)

// Engine owner -> alerts。通知在锁外发
type Engine struct {
	mu      sync.Mutex
	byOwner map[string][]*Alert
	armed   map[string]int // symbol -> 未触发数量，为 0 直接跳过
	total   int

	notifier Notifier
	now      func() time.Time
	newID    func() string
}

func NewEngine(n Notifier) *Engine {
	return &Engine{
		byOwner:  make(map[string][]*Alert, 64),
		armed:    make(map[string]int, 16),
		notifier: n,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (e *Engine) Create(ownerID, symbol string, target decimal.Decimal, cond Condition) (Alert, error) {
	sym := market.NormalizeSymbol(symbol)
	if sym == "" {
		return Alert{}, fmt.Errorf("%w: symbol is required", ErrInvalidAlert)
	}
	if !target.IsPositive() {
		return Alert{}, fmt.Errorf("%w: targetPrice must be > 0", ErrInvalidAlert)
	}
	if cond != Above && cond != Below {
		return Alert{}, fmt.Errorf("%w: condition must be above or below", ErrInvalidAlert)
	}

	a := &Alert{
		ID:          e.newID(),
		OwnerID:     ownerID,
		Symbol:      sym,
		TargetPrice: target,
		Condition:   cond,
		CreatedAt:   e.now().UnixMilli(),
	}

	e.mu.Lock()
	e.byOwner[ownerID] = append(e.byOwner[ownerID], a)
	e.armed[sym]++
	e.total++
	e.mu.Unlock()

	wsmetrics.AlertsCreatedTotal.Inc()
	wsmetrics.AlertsActive.Inc()
	return *a, nil
}

// Delete 不存在或不属于 owner 时什么都不做，返回是否真的删了
func (e *Engine) Delete(ownerID, alertID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.byOwner[ownerID]
	for i, a := range list {
		if a.ID != alertID {
			continue
		}
		e.forgetLocked(a)
		list = append(list[:i], list[i+1:]...)
		if len(list) == 0 {
			delete(e.byOwner, ownerID)
		} else {
			e.byOwner[ownerID] = list
		}
		return true
	}
	return false
}

func (e *Engine) ListFor(ownerID string) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.byOwner[ownerID]
	out := make([]Alert, 0, len(list))
	for _, a := range list {
		out = append(out, *a)
	}
	return out
}

// DropOwner 订阅者断开时清掉它的全部 alert
func (e *Engine) DropOwner(ownerID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.byOwner[ownerID]
	for _, a := range list {
		e.forgetLocked(a)
	}
	delete(e.byOwner, ownerID)
	return len(list)
}

func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

func (e *Engine) forgetLocked(a *Alert) {
	if !a.Triggered {
		e.disarmLocked(a.Symbol)
	}
	e.total--
	wsmetrics.AlertsActive.Dec()
}

func (e *Engine) disarmLocked(sym string) {
	if e.armed[sym] <= 1 {
		delete(e.armed, sym)
		return
	}
	e.armed[sym]--
}

type batch struct {
	owner string
	fired []Alert
}

// OnTrade 每个 alert 至多触发一次，同一个 owner 的多条合并成一次通知
func (e *Engine) OnTrade(tr market.Trade) {
	e.mu.Lock()
	if e.armed[tr.Symbol] == 0 {
		e.mu.Unlock()
		return
	}
	var batches []batch
	for owner, list := range e.byOwner {
		var fired []Alert
		for _, a := range list {
			if a.Triggered || a.Symbol != tr.Symbol || !a.matches(tr.Price) {
				continue
			}
			a.Triggered = true
			e.disarmLocked(a.Symbol)
			fired = append(fired, *a)
		}
		if len(fired) > 0 {
			batches = append(batches, batch{owner: owner, fired: fired})
		}
	}
	e.mu.Unlock()

	if len(batches) == 0 {
		return
	}
	ts := e.now().UnixMilli()
	for _, b := range batches {
		for _, a := range b.fired {
			wsmetrics.AlertsTriggeredTotal.WithLabelValues(a.Symbol, string(a.Condition)).Inc()
		}
		logger.Info(context.Background(), "price alerts triggered",
			zap.String("subscriber", b.owner),
			zap.String("symbol", tr.Symbol),
			zap.String("price", tr.Price.String()),
			zap.Int("count", len(b.fired)),
		)
		if e.notifier != nil {
			e.notifier.NotifyAlerts(b.owner, Notification{
				Alerts:       b.fired,
				Symbol:       tr.Symbol,
				CurrentPrice: tr.Price,
				Timestamp:    ts,
			})
		}
	}
}
