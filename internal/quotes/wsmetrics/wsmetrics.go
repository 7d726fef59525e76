package wsmetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ---- 上游：每个 symbol 一条连接 ----
var (
	UpstreamState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "upstream_state",
		Help: "Upstream connection state per symbol (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 error)",
	}, []string{"symbol"})
	UpstreamConnectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_connect_total",
		Help: "Total upstream connect attempts",
	}, []string{"symbol"})
	UpstreamReconnectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_reconnect_scheduled_total",
		Help: "Total reconnects scheduled after an unintentional close",
	}, []string{"symbol"})
	UpstreamCloseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_close_total",
		Help: "Total upstream closes, partitioned by close code",
	}, []string{"symbol", "code"})
	UpstreamExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_reconnect_exhausted_total",
		Help: "Total times a symbol gave up reconnecting",
	}, []string{"symbol"})
	UpstreamMsgsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_msgs_total",
		Help: "Total upstream messages accepted",
	}, []string{"symbol"})
	UpstreamRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_msgs_rejected_total",
		Help: "Total upstream messages dropped by validation",
	}, []string{"symbol"})
	UpstreamBackoff = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "upstream_backoff_seconds",
		Help:    "Scheduled reconnect delay",
		Buckets: []float64{1, 2.5, 5, 10, 20, 40, 60, 120},
	})
)

// ---- 下游：订阅者 ----
var (
	Conns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_conns",
		Help: "Active websocket connections",
	})
	ConnOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_conn_open_total",
		Help: "Total websocket connections opened",
	})
	ConnCloseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_conn_close_total",
		Help: "Total websocket connections closed, partitioned by close code",
	}, []string{"code"})

	SubOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_sub_ops_total",
		Help: "Total subscription operations",
	}, []string{"op"}) // sub/unsub

	EventsInTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_events_in_total",
		Help: "Total client events received",
	}, []string{"event"})

	MsgsOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_msgs_out_total",
		Help: "Total websocket messages sent out",
	})
	BytesOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_out_total",
		Help: "Total websocket bytes sent out",
	})
	WriteErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_write_errors_total",
		Help: "Total websocket write errors",
	})
	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_dropped_total",
		Help: "Total dropped messages",
	}, []string{"why"})

	PingErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_ping_errors_total",
		Help: "Total ping send errors",
	})

	WriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_write_duration_seconds",
		Help:    "Duration of a websocket write",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms -> ~4s
	})
)

// ---- 价格提醒 ----
var (
	AlertsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alerts_active",
		Help: "Alerts currently held in memory",
	})
	AlertsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alerts_created_total",
		Help: "Total alerts created",
	})
	AlertsTriggeredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_triggered_total",
		Help: "Total alerts triggered",
	}, []string{"symbol", "condition"})
)

// ---- 跨节点分发 ----
var (
	BrokerPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_total",
		Help: "Total broker publishes, partitioned by result",
	}, []string{"kind", "result"}) // ok/error/open
	BrokerDecodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_decode_errors_total",
		Help: "Total broker messages that failed to decode",
	})
)

func OnOpen() {
	Conns.Inc()
	ConnOpenTotal.Inc()
}

func OnClose(code int) {
	Conns.Dec()
	ConnCloseTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

func ObserveWrite(bytes int, dur time.Duration, err error) {
	WriteDuration.Observe(dur.Seconds())
	if err != nil {
		WriteErrorsTotal.Inc()
		return
	}
	MsgsOutTotal.Inc()
	BytesOutTotal.Add(float64(bytes))
}

func SetUpstreamState(symbol string, state uint8) {
	UpstreamState.WithLabelValues(symbol).Set(float64(state))
}

func OnUpstreamClose(symbol string, code int) {
	UpstreamCloseTotal.WithLabelValues(symbol, strconv.Itoa(code)).Inc()
}

func OnReconnectScheduled(symbol string, delay time.Duration) {
	UpstreamReconnectTotal.WithLabelValues(symbol).Inc()
	UpstreamBackoff.Observe(delay.Seconds())
}
