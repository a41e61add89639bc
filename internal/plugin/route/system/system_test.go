package system_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/philia-app/mentor-service/internal/plugin/route/system"
	registryroute "github.com/philia-app/mentor-service/internal/registry/route"
)

func TestSystemRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	for _, loader := range registryroute.Loaders() {
		require.NoError(t, loader(router))
	}

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	require.Equal(t, http.StatusOK, get("/health").Code)
	require.Equal(t, http.StatusServiceUnavailable, get("/ready").Code)

	system.MarkReady()
	require.Equal(t, http.StatusOK, get("/ready").Code)

	metrics := get("/metrics")
	require.Equal(t, http.StatusOK, metrics.Code)
}
