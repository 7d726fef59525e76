package middleware

import (
	"net/http"

	sentinels "github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/base"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cryptopulse.com/pkg/common"
	"cryptopulse.com/pkg/logger"
	"cryptopulse.com/pkg/xerr"
)

// Sentinel 以 "METHOD:route" 作为资源名做入口流控，规则由 bootstrap.InitSentinel 加载
func Sentinel() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		resource := c.Request.Method + ":" + route

		entry, blockErr := sentinels.Entry(resource, sentinels.WithTrafficType(base.Inbound))
		if blockErr != nil {
			logger.Warn(c.Request.Context(), "request blocked by sentinel",
				zap.String("resource", resource),
				zap.String("blockType", blockErr.BlockType().String()),
			)
			common.Fail(c, http.StatusServiceUnavailable, xerr.ServiceUnavailable, "service is busy, please try again later")
			c.Abort()
			return
		}
		defer entry.Exit()

		c.Next()

		// 只有 5xx 记为系统错误，参与熔断统计
		if c.Writer.Status() >= http.StatusInternalServerError {
			sentinels.TraceError(entry, errStatus(c.Writer.Status()))
		}
	}
}

type errStatus int

func (e errStatus) Error() string { return http.StatusText(int(e)) }
