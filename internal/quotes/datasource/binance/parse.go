package binance

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"

	"cryptopulse.com/internal/quotes/market"
)

const eventAggTrade = "aggTrade"

// ErrInvalidTrade 上游消息结构或数值不合法，调用方丢弃即可
var ErrInvalidTrade = errors.New("invalid aggTrade message")

// 同时兼容单流 (/ws/<sym>@aggTrade) 和 combined stream ({"stream","data"})
type bnMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`

	EventType *string         `json:"e"`
	EventTime int64           `json:"E"` // 显式声明，否则大小写不敏感匹配会落到 e 上
	Symbol    *string         `json:"s"`
	AggID     json.RawMessage `json:"a"`
	Price     *string         `json:"p"`
	Qty       *string         `json:"q"`
	TradeTime *int64          `json:"T"`
	M         bool            `json:"m"`
}

// Normalize 把原始 aggTrade 转成 market.Trade；owner 是收到消息的连接对应的 symbol，只用于报错
func Normalize(raw []byte, owner string) (market.Trade, error) {
	var msg bnMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return market.Trade{}, invalid(owner, "decode: %v", err)
	}
	if len(msg.Data) > 0 {
		inner := bnMessage{}
		if err := json.Unmarshal(msg.Data, &inner); err != nil {
			return market.Trade{}, invalid(owner, "decode data: %v", err)
		}
		msg = inner
	}

	if msg.EventType == nil || *msg.EventType != eventAggTrade {
		return market.Trade{}, invalid(owner, "not aggTrade")
	}
	if msg.Price == nil || msg.Qty == nil {
		return market.Trade{}, invalid(owner, "missing price or quantity")
	}
	if msg.TradeTime == nil {
		return market.Trade{}, invalid(owner, "missing trade time")
	}
	if msg.Symbol == nil || market.NormalizeSymbol(*msg.Symbol) == "" {
		return market.Trade{}, invalid(owner, "missing symbol")
	}

	price, err := decimal.NewFromString(*msg.Price)
	if err != nil {
		return market.Trade{}, invalid(owner, "price %q: %v", *msg.Price, err)
	}
	qty, err := decimal.NewFromString(*msg.Qty)
	if err != nil {
		return market.Trade{}, invalid(owner, "quantity %q: %v", *msg.Qty, err)
	}

	return market.Trade{
		Symbol:       market.NormalizeSymbol(*msg.Symbol),
		Price:        price,
		Quantity:     qty,
		TimestampMs:  *msg.TradeTime,
		IsBuyerMaker: msg.M,
		TradeID:      parseAggID(msg.AggID),
	}, nil
}

// a 是可选字段，不是整数就当没有
func parseAggID(raw json.RawMessage) *int64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

func invalid(owner, format string, args ...any) error {
	return fmt.Errorf("%w (%s): %s", ErrInvalidTrade, owner, fmt.Sprintf(format, args...))
}
