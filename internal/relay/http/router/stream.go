package router

import (
	"github.com/gin-gonic/gin"

	"cryptopulse.com/internal/relay/handler"
)

func Stream(api *gin.RouterGroup, h *handler.Stream) {
	api.GET("/symbols", h.Symbols)
	api.GET("/status", h.Status)

	streams := api.Group("/streams")
	{
		streams.GET("", h.States)
		streams.POST("/:symbol/start", h.Start)
		streams.POST("/:symbol/stop", h.Stop)
	}
}
