package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sensacall/sensacall-server/internal/database"
	"github.com/stretchr/testify/assert"
)

func TestErrorHandlerRecoversPanic(t *testing.T) {
	app := newTestApp(t, &database.MockSensaRepository{})

	h := app.errorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/usage", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code, "expected the panic to become a 500")
	assert.Equal(t, "close", w.Header().Get("Connection"))
	assert.JSONEq(t,
		`{"status_code":500,"message":"internal server error"}`,
		w.Body.String(), "expected the standard error shape, no panic detail")
}

func TestAuthMiddlewareSetsCacheHeaders(t *testing.T) {
	app := newTestApp(t, &database.MockSensaRepository{})

	var gotUserId int
	h := app.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		gotUserId, _ = UserId(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/api/usage", nil)
	authenticate(t, app, req, 7)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, 7, gotUserId, "expected the user id in the request context")
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")
}

func TestRateLimitWithoutRedisIsPassThrough(t *testing.T) {
	app := newTestApp(t, &database.MockSensaRepository{})
	assert.Nil(t, app.rdb, "no redis configured in tests")

	calls := 0
	h := app.rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	for i := 0; i < rateLimitMax+10; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/usage", nil))
	}

	assert.Equal(t, rateLimitMax+10, calls, "expected no limiting without a redis client")
}
