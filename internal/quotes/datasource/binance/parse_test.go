package binance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `{"e":"aggTrade","E":1710000000123,"s":"BTCUSDT","a":26129,"p":"64250.10","q":"0.015","f":100,"l":105,"T":1710000000100,"m":true}`

func TestNormalize_Bare(t *testing.T) {
	tr, err := Normalize([]byte(sample), "btcusdt")
	require.NoError(t, err)

	assert.Equal(t, "btcusdt", tr.Symbol)
	assert.Equal(t, "64250.1", tr.Price.String())
	assert.Equal(t, "0.015", tr.Quantity.String())
	assert.Equal(t, int64(1710000000100), tr.TimestampMs)
	assert.True(t, tr.IsBuyerMaker)
	require.NotNil(t, tr.TradeID)
	assert.Equal(t, int64(26129), *tr.TradeID)
}

func TestNormalize_Combined(t *testing.T) {
	raw := `{"stream":"ethusdt@aggTrade","data":{"e":"aggTrade","s":"ETHUSDT","p":"3100.5","q":"2","T":1710000000000,"m":false}}`
	tr, err := Normalize([]byte(raw), "ethusdt")
	require.NoError(t, err)
	assert.Equal(t, "ethusdt", tr.Symbol)
	assert.False(t, tr.IsBuyerMaker)
	assert.Nil(t, tr.TradeID)
}

func TestNormalize_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"e":`,
		"wrong event":       `{"e":"trade","s":"BTCUSDT","p":"1","q":"1","T":1}`,
		"missing price":     `{"e":"aggTrade","s":"BTCUSDT","q":"1","T":1}`,
		"non-numeric price": `{"e":"aggTrade","s":"BTCUSDT","p":"abc","q":"1","T":1}`,
		"numeric price":     `{"e":"aggTrade","s":"BTCUSDT","p":1.5,"q":"1","T":1}`,
		"bad quantity":      `{"e":"aggTrade","s":"BTCUSDT","p":"1","q":"x","T":1}`,
		"missing time":      `{"e":"aggTrade","s":"BTCUSDT","p":"1","q":"1"}`,
		"float time":        `{"e":"aggTrade","s":"BTCUSDT","p":"1","q":"1","T":1.5}`,
		"missing symbol":    `{"e":"aggTrade","p":"1","q":"1","T":1}`,
		"empty symbol":      `{"e":"aggTrade","s":" ","p":"1","q":"1","T":1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize([]byte(raw), "btcusdt")
			assert.ErrorIs(t, err, ErrInvalidTrade)
		})
	}
}

func TestNormalize_ForeignSymbolKept(t *testing.T) {
	raw := `{"e":"aggTrade","s":"ETHUSDT","p":"1","q":"1","T":1}`
	tr, err := Normalize([]byte(raw), "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "ethusdt", tr.Symbol)
}

func TestNormalize_NonIntegerAggIDIgnored(t *testing.T) {
	raw := `{"e":"aggTrade","s":"BTCUSDT","a":"x1","p":"1","q":"1","T":1}`
	tr, err := Normalize([]byte(raw), "btcusdt")
	require.NoError(t, err)
	assert.Nil(t, tr.TradeID)
}

func TestStreamURL(t *testing.T) {
	assert.Equal(t, "wss://fstream.binance.com/ws/btcusdt@aggTrade", StreamURL(DefaultBaseURL+"/", "btcusdt"))
}

func BenchmarkNormalize(b *testing.B) {
	raw := []byte(sample)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Normalize(raw, "btcusdt"); err != nil {
			b.Fatal(err)
		}
	}
}
