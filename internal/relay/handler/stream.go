package handler

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cryptopulse.com/internal/quotes/market"
	"cryptopulse.com/internal/quotes/mdsource"
	"cryptopulse.com/pkg/common"
	"cryptopulse.com/pkg/logger"
	"cryptopulse.com/pkg/xerr"
)

// Streams 上游连接的查询 / 运维接口，一般是 *mdsource.Supervisor
type Streams interface {
	ListSupported() []market.SymbolDescriptor
	ConnectionStatus() []mdsource.SymbolStatus
	States() []mdsource.StreamState
	Start(symbol string) error
	Stop(symbol string) bool
}

type Stream struct {
	streams Streams
	started time.Time
}

func NewStream(s Streams) *Stream {
	return &Stream{streams: s, started: time.Now()}
}

func (h *Stream) Health(c *gin.Context) {
	common.Success(c, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"uptime":    time.Since(h.started).Seconds(),
	})
}

func (h *Stream) Symbols(c *gin.Context) {
	common.Success(c, h.streams.ListSupported())
}

func (h *Stream) Status(c *gin.Context) {
	common.Success(c, h.streams.ConnectionStatus())
}

func (h *Stream) States(c *gin.Context) {
	common.Success(c, h.streams.States())
}

// Start 手动拉起某个 symbol；在退避等待中的会立刻重连
func (h *Stream) Start(c *gin.Context) {
	sym := market.NormalizeSymbol(c.Param("symbol"))
	if err := h.streams.Start(sym); err != nil {
		switch {
		case errors.Is(err, mdsource.ErrUnsupportedSymbol):
			err = xerr.Wrap(err, xerr.UnsupportedSymbol, "unsupported symbol: "+sym)
		case errors.Is(err, mdsource.ErrShuttingDown):
			err = xerr.Wrap(err, xerr.ServiceUnavailable, "relay is shutting down")
		}
		common.FailErr(c, err)
		return
	}
	logger.Info(c.Request.Context(), "stream started by api", zap.String("symbol", sym))
	common.Success(c, gin.H{"symbol": sym})
}

func (h *Stream) Stop(c *gin.Context) {
	sym := market.NormalizeSymbol(c.Param("symbol"))
	stopped := h.streams.Stop(sym)
	logger.Info(c.Request.Context(), "stream stopped by api", zap.String("symbol", sym), zap.Bool("stopped", stopped))
	common.Success(c, gin.H{"symbol": sym, "stopped": stopped})
}
