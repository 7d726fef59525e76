package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"cryptopulse.com/internal/quotes/alert"
	"cryptopulse.com/internal/quotes/market"
	"cryptopulse.com/internal/quotes/wsmetrics"
	"cryptopulse.com/pkg/logger"
)

// 定向消息在满队列上最多等这么久，再长会拖慢 gateway 的分发
const defaultTargetWait = 50 * time.Millisecond

// Hub 订阅者注册表 + symbol 订阅关系。
// 每次广播只编码一次，再非阻塞投递给各连接的发送队列，hub 自己不缓存任何成交
type Hub struct {
	scopeByTopic bool
	targetWait   time.Duration

	mu    sync.RWMutex
	conns map[string]*Conn
	subs  map[string]map[*Conn]struct{} // symbol -> set(conn)
}

func NewHub(scopeByTopic bool) *Hub {
	return &Hub{
		scopeByTopic: scopeByTopic,
		targetWait:   defaultTargetWait,
		conns:        make(map[string]*Conn, 1024),
		subs:         make(map[string]map[*Conn]struct{}, 64),
	}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

// Remove 连接断开时调用，清掉它的全部订阅
func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur := h.conns[c.id]; cur == c {
		delete(h.conns, c.id)
	}
	for sym, set := range h.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, sym)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		sym := market.NormalizeSymbol(s)
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

// Subscribe 幂等；不校验 symbol 是否被支持，不支持的永远收不到数据
func (h *Hub) Subscribe(id string, symbols []string) []string {
	syms := normalizeSymbols(symbols)
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.conns[id]
	if c == nil {
		return syms
	}
	for _, sym := range syms {
		set := h.subs[sym]
		if set == nil {
			set = make(map[*Conn]struct{}, 16)
			h.subs[sym] = set
		}
		set[c] = struct{}{}
	}
	wsmetrics.SubOpsTotal.WithLabelValues("sub").Add(float64(len(syms)))
	return syms
}

func (h *Hub) Unsubscribe(id string, symbols []string) []string {
	syms := normalizeSymbols(symbols)
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.conns[id]
	if c == nil {
		return syms
	}
	for _, sym := range syms {
		if set := h.subs[sym]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subs, sym)
			}
		}
	}
	wsmetrics.SubOpsTotal.WithLabelValues("unsub").Add(float64(len(syms)))
	return syms
}

// Subscriptions 调试用
func (h *Hub) Subscriptions(id string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.conns[id]
	if c == nil {
		return nil
	}
	var out []string
	for sym, set := range h.subs {
		if _, ok := set[c]; ok {
			out = append(out, sym)
		}
	}
	return out
}

func (h *Hub) PublishTrade(tr market.Trade) {
	targets := h.tradeTargets(tr.Symbol)
	if len(targets) == 0 {
		return
	}
	frame, err := Encode(EventNewTrade, ToDTO(tr))
	if err != nil {
		logger.Error(context.Background(), "encode trade failed", zap.String("symbol", tr.Symbol), zap.Error(err))
		return
	}
	for _, c := range targets {
		c.Offer(frame)
	}
}

func (h *Hub) tradeTargets(sym string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.scopeByTopic {
		return h.allLocked()
	}
	set := h.subs[sym]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (h *Hub) allLocked() []*Conn {
	if len(h.conns) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// PublishStatus 状态事件不区分订阅，发给所有人
func (h *Hub) PublishStatus(ev market.StatusEvent) {
	h.mu.RLock()
	targets := h.allLocked()
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}
	frame, err := Encode(EventCryptoStatus, ev)
	if err != nil {
		logger.Error(context.Background(), "encode status failed", zap.String("symbol", ev.Symbol), zap.Error(err))
		return
	}
	for _, c := range targets {
		c.Offer(frame)
	}
}

// PublishTargeted 只发给一个订阅者，队列满时短暂等待，返回是否投递成功
func (h *Hub) PublishTargeted(id, event string, data any) bool {
	h.mu.RLock()
	c := h.conns[id]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	frame, err := Encode(event, data)
	if err != nil {
		logger.Error(context.Background(), "encode event failed",
			zap.String("subscriber", id), zap.String("event", event), zap.Error(err))
		return false
	}
	return c.OfferWait(frame, h.targetWait)
}

// NotifyAlerts 实现 alert.Notifier
func (h *Hub) NotifyAlerts(ownerID string, n alert.Notification) {
	if !h.PublishTargeted(ownerID, EventPriceAlert, n) {
		logger.Warn(context.Background(), "price alert not delivered",
			zap.String("subscriber", ownerID), zap.String("symbol", n.Symbol))
	}
}

// CloseAll 进程退出时断开所有订阅者
func (h *Hub) CloseAll() {
	h.mu.RLock()
	targets := h.allLocked()
	h.mu.RUnlock()
	for _, c := range targets {
		c.Close()
	}
}

var _ alert.Notifier = (*Hub)(nil)
