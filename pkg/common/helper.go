package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cryptopulse.com/pkg/logger"
	"cryptopulse.com/pkg/xerr"
)

// 定义http返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// FailErr 按错误链上的 CodeError 回包，日志记录原始错误
func FailErr(c *gin.Context, err error) {
	ce := xerr.From(err)
	httpStatus := httpStatusFor(ce.Code)
	if httpStatus >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "http error",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("biz_code", ce.Code),
			zap.Error(err),
		)
	} else {
		logger.Warn(c.Request.Context(), "http request rejected",
			zap.String("path", c.Request.URL.Path),
			zap.Int("biz_code", ce.Code),
			zap.Error(err),
		)
	}
	Fail(c, httpStatus, ce.Code, ce.Msg)
}

func httpStatusFor(code int) int {
	switch code {
	case xerr.RequestParamsError, xerr.InvalidAlert, xerr.UnknownEvent:
		return http.StatusBadRequest
	case xerr.RecordNotFound, xerr.UnsupportedSymbol:
		return http.StatusNotFound
	case xerr.TooManyRequests:
		return http.StatusTooManyRequests
	case xerr.ServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
