package httpmw_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coterie-dev/coterie/internal/common/httpmw"
	"github.com/coterie-dev/coterie/internal/common/logger"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "test"), httpmw.OtelTracing("test"))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	router.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return router
}

func TestMiddlewaresPassRequestsThrough(t *testing.T) {
	router := newRouter(t)

	for path, want := range map[string]int{
		"/health": http.StatusOK,
		"/ok":     http.StatusOK,
		"/boom":   http.StatusInternalServerError,
		"/nope":   http.StatusNotFound,
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, path)
	}
}
