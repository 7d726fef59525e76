package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"cryptopulse.com/pkg/common"
	"cryptopulse.com/pkg/logger"
)

func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if rid == "" {
			rid = common.New()
		}
		c.Set(common.CtxKeyRequestID, rid)
		c.Header(common.HeaderRequestID, rid)
		// 写进 request context，logger 会自动带上
		ctx := context.WithValue(c.Request.Context(), logger.RequestIdKey, rid)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
