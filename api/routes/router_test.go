package routes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollenisator/internal/auth"
	"pollenisator/internal/bus"
	"pollenisator/internal/files"
	"pollenisator/internal/metrics"
	"pollenisator/internal/models"
	"pollenisator/internal/services"
	"pollenisator/internal/store"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := metrics.NewMetrics()
	hub := bus.NewHub(bus.WithMetrics(m))
	t.Cleanup(hub.Close)
	st := store.New(store.NewMemoryBackend(), store.WithNotifier(hub), store.WithMetrics(m))
	layout := files.NewLayout(t.TempDir())
	tokens := auth.NewRegistry(0)
	svc := services.New(services.Options{Store: st, Hub: hub, Files: layout, Tokens: tokens, Metrics: m})
	return InitRouter(RouterDeps{Services: svc, Hub: hub, Metrics: m, Files: layout, Tokens: tokens})
}

func TestEngagementLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/engagements", strings.NewReader(`{"name":"acme"}`)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var eng models.Engagement
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &eng))
	require.NotEmpty(t, eng.UUID)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/engagements/"+eng.UUID+"/entities/scope",
		strings.NewReader(`{"scope":"10.0.0.0/24","wave":"Default"}`)))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/engagements/"+eng.UUID+"/entities/scope",
		strings.NewReader(`{"scope":"10.0.0.0/24","wave":"Default"}`)))
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/engagements/"+eng.UUID+"/collections/scopes", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var scopes []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scopes))
	assert.Len(t, scopes, 1)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/engagements/"+eng.UUID, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/engagements/"+eng.UUID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRunUnknownTool(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/engagements/missing/tools/nope/run", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
