package market

import (
	"github.com/shopspring/decimal"
)

// Trade 校验后的成交，按值传递，构造后不再修改
//
// IsBuyerMaker: Binance aggTrade 的 m 字段，true 表示买方是挂单方
type Trade struct {
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	TimestampMs  int64           `json:"timestamp"`
	IsBuyerMaker bool            `json:"isBuyerMaker"`
	TradeID      *int64          `json:"tradeId,omitempty"`
}
