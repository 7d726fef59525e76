package http

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"cryptopulse.com/internal/relay/handler"
	"cryptopulse.com/internal/relay/http/router"
	"cryptopulse.com/pkg/middleware"
	"cryptopulse.com/pkg/ratelimit"
)

type Options struct {
	ServiceName    string
	AllowedOrigins []string
	Limiter        *ratelimit.Store // nil 不限流
	Sentinel       bool
	Metrics        bool // 挂 /metrics，全局 registry 只能注册一次
}

// NewRouter 状态接口 + ws 升级入口
func NewRouter(opt Options, streams handler.Streams, ws http.HandlerFunc) *gin.Engine {
	r := gin.New()
	if opt.Metrics {
		p := ginprom.NewPrometheus("cryptopulse")
		// 带 symbol 的路由按模板聚合，避免 label 爆炸
		p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
			if route := c.FullPath(); route != "" {
				return route
			}
			return "unknown"
		}
		p.Use(r)
	}

	corsCfg := cors.DefaultConfig()
	if len(opt.AllowedOrigins) == 0 || slices.Contains(opt.AllowedOrigins, "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = opt.AllowedOrigins
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "X-Request-Id")

	r.Use(
		otelgin.Middleware(opt.ServiceName),
		middleware.ReqId(),
		cors.New(corsCfg),
		middleware.Recover(),
	)

	h := handler.NewStream(streams)
	r.GET("/health", h.Health)
	// ws 是长连接，不走 http 限流
	r.GET("/ws", gin.WrapF(ws))

	api := r.Group("/api")
	if opt.Limiter != nil {
		api.Use(middleware.RateLimit(opt.Limiter))
	}
	if opt.Sentinel {
		api.Use(middleware.Sentinel())
	}
	router.Stream(api, h)
	return r
}

func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}
