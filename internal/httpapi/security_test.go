package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"celupos/internal/domain"
	"celupos/internal/service"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	h := newTestAPI(t)
	rec := doJSON(t, h, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Referrer-Policy"))
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	h := newTestAPI(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/products", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/products", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoginRateLimitReturns429(t *testing.T) {
	h := newTestAPI(t)
	body, err := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrong-pass"})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if i < 5 {
			assert.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
		} else {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code, "attempt %d", i+1)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.9:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "other clients keep their own budget")
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	h := newTestAPI(t)
	token := login(t, h, "cashier", "cashier123")

	veryLong := strings.Repeat("a", maxBodyBytes+1024)
	body := fmt.Sprintf(`{"items":[{"product_id":"%s","quantity":1}]}`, veryLong)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/quote", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestParsePositiveLimitCapsValues(t *testing.T) {
	assert.Equal(t, 100, parsePositiveLimit("", 100, 500))
	assert.Equal(t, 100, parsePositiveLimit("-3", 100, 500))
	assert.Equal(t, 100, parsePositiveLimit("abc", 100, 500))
	assert.Equal(t, 25, parsePositiveLimit(" 25 ", 100, 500))
	assert.Equal(t, 500, parsePositiveLimit("999999", 100, 500))
	assert.Equal(t, 999999, parsePositiveLimit("999999", 100, 0))
}

func TestErrorResponseHidesInternalDetail(t *testing.T) {
	api := New(nil, nil, Options{})

	status, body := api.errorResponse(fmt.Errorf("query sales: %w", domain.ErrBackendUnavailable))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, domain.KindBackendUnavailable, body["kind"])
	assert.NotContains(t, body["error"], "query sales")

	status, body = api.errorResponse(errors.New("pq: relation does not exist"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal server error", body["error"])

	status, body = api.errorResponse(&domain.PartialFailureError{
		SaleID: "sal-1",
		Steps:  []domain.StepFailure{{Step: domain.StepStockExit, Target: "prd-1", Error: "connection reset"}},
	})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "sal-1", body["sale_id"])
	assert.NotContains(t, body["error"], "connection reset")

	status, body = api.errorResponse(&domain.InsufficientCreditError{
		Requested: decimal.NewFromInt(100),
		Available: decimal.NewFromInt(40),
		Shortfall: decimal.NewFromInt(60),
	})
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.True(t, decimal.NewFromInt(60).Equal(body["shortfall"].(decimal.Decimal)))

	status, _ = api.errorResponse(fmt.Errorf("limit: %w", service.ErrForbidden))
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = api.errorResponse(domain.ErrRegisterClosed)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = api.errorResponse(fmt.Errorf("product: %w", domain.ErrNotFound))
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = api.errorResponse(domain.ErrStockConflict)
	assert.Equal(t, http.StatusConflict, status)
}
