package market

import (
	"strings"
)

// SymbolDescriptor 启动时从固定注册表生成，之后只读
type SymbolDescriptor struct {
	Symbol      string `json:"symbol"`      // btcusdt
	DisplayName string `json:"displayName"` // BTC/USDT
	BaseAsset   string `json:"baseAsset"`
	QuoteAsset  string `json:"quoteAsset"`
}

// DefaultSymbols 默认跟踪的 6 个 U 本位合约
var DefaultSymbols = []string{"btcusdt", "ethusdt", "bnbusdt", "solusdt", "adausdt", "xrpusdt"}

// quote 资产按长度优先匹配，避免 FDUSD 被当成 USD
var knownQuotes = []string{
	"FDUSD", "USDT", "USDC", "BUSD", "TUSD",
	"BTC", "ETH", "BNB",
	"EUR", "GBP", "TRY", "JPY", "AUD", "BRL",
}

// NormalizeSymbol 统一成小写去空格
func NormalizeSymbol(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SplitSymbol btcusdt -> BTC, USDT
func SplitSymbol(sym string) (base, quote string, ok bool) {
	s := strings.ToUpper(NormalizeSymbol(sym))
	for _, q := range knownQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q, true
		}
	}
	return "", "", false
}

// NewDescriptor 无法识别 quote 时整体当 base，quote 留空
func NewDescriptor(sym string) SymbolDescriptor {
	s := NormalizeSymbol(sym)
	base, quote, ok := SplitSymbol(s)
	if !ok {
		up := strings.ToUpper(s)
		return SymbolDescriptor{Symbol: s, DisplayName: up, BaseAsset: up}
	}
	return SymbolDescriptor{
		Symbol:      s,
		DisplayName: base + "/" + quote,
		BaseAsset:   base,
		QuoteAsset:  quote,
	}
}

func Descriptors(symbols []string) []SymbolDescriptor {
	out := make([]SymbolDescriptor, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, NewDescriptor(s))
	}
	return out
}
