package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdmin_ClientLimiterThrottles(t *testing.T) {
	h := setupAdmin(t)
	h.surface.limiter = newClientLimiter(60, 2)
	router := h.surface.Router()

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/admin/config", nil)
		req.RemoteAddr = "192.0.2.99:1000"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestAdmin_ClientLimiterIsolatesClients(t *testing.T) {
	h := setupAdmin(t)
	h.surface.limiter = newClientLimiter(60, 1)
	router := h.surface.Router()

	for i, addr := range []string{"192.0.2.10:1", "192.0.2.11:1", "192.0.2.12:1"} {
		req := httptest.NewRequest(http.MethodGet, "/admin/config", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "client %d", i)
	}
}
