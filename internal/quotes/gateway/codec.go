package gateway

import (
	"strings"

	"github.com/segmentio/encoding/json"

	"cryptopulse.com/internal/quotes/market"
)

const (
	TopicStatus      = "status"
	tradeTopicPrefix = "trade:"
)

func TradeTopic(symbol string) string { return tradeTopicPrefix + symbol }

// Topics 一个节点需要订阅的全部 topic
func Topics(symbols []string) []string {
	out := make([]string, 0, len(symbols)+1)
	for _, s := range symbols {
		out = append(out, TradeTopic(s))
	}
	return append(out, TopicStatus)
}

func IsTradeTopic(topic string) bool { return strings.HasPrefix(topic, tradeTopicPrefix) }

// broker 上的 payload 就是 Trade / StatusEvent 的 json，decimal 按字符串保存
func EncodeTrade(t market.Trade) ([]byte, error) { return json.Marshal(t) }

func DecodeTrade(b []byte) (market.Trade, error) {
	var t market.Trade
	err := json.Unmarshal(b, &t)
	return t, err
}

func EncodeStatus(ev market.StatusEvent) ([]byte, error) { return json.Marshal(ev) }

func DecodeStatus(b []byte) (market.StatusEvent, error) {
	var ev market.StatusEvent
	err := json.Unmarshal(b, &ev)
	return ev, err
}
