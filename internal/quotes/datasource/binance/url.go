package binance

import "strings"

const (
	// DefaultBaseURL U 本位合约行情
	DefaultBaseURL = "wss://fstream.binance.com/ws"
	StreamSuffix   = "@aggTrade"
)

// StreamURL <base>/<symbol>@aggTrade
func StreamURL(base, symbol string) string {
	return strings.TrimRight(base, "/") + "/" + symbol + StreamSuffix
}
