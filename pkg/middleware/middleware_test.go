package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopulse.com/pkg/common"
	"cryptopulse.com/pkg/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestReqId_GeneratesAndEchoes(t *testing.T) {
	r := gin.New()
	r.Use(ReqId())
	var seen string
	r.GET("/x", func(c *gin.Context) {
		seen = common.RequestIDFromGin(c)
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(common.HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(common.HeaderRequestID, "given-id")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "given-id", seen)
}

func TestRecover_ReturnsJSON500(t *testing.T) {
	r := gin.New()
	r.Use(Recover())
	r.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal error")
}

func TestRateLimit_BlocksAfterBurst(t *testing.T) {
	store := ratelimit.NewStore(0.001, 2, time.Minute)
	r := gin.New()
	r.Use(RateLimit(store))
	r.GET("/api/symbols", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/symbols", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
