package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/realtimeapi/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_errors_total"}, []string{"type"})
}

func serve(t *testing.T, counter *prometheus.CounterVec, h echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/internal/identity/u1/changed", nil), rec)
	require.NoError(t, Middleware(counter)(h)(c))
	return rec
}

func TestMiddleware_StructuredError(t *testing.T) {
	counter := newCounter()
	rec := serve(t, counter, func(echo.Context) error { return ValidationError("invalid input") })

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid input", resp.Error)
	assert.Equal(t, TypeValidation, resp.Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("validation")))
}

func TestMiddleware_DomainError(t *testing.T) {
	rec := serve(t, nil, func(echo.Context) error { return fmt.Errorf("check token: %w", domain.ErrUnauthenticated) })

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, TypeUnauthenticated, resp.Type)
}

func TestMiddleware_StandardErrorIsInternal(t *testing.T) {
	counter := newCounter()
	rec := serve(t, counter, func(echo.Context) error { return fmt.Errorf("standard error") })

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("internal")))
}

func TestMiddleware_EchoHTTPErrorPassesThrough(t *testing.T) {
	counter := newCounter()
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	err := Middleware(counter)(func(echo.Context) error {
		return echo.NewHTTPError(http.StatusTooManyRequests, "slow down")
	})(c)

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("throttled")))
}

func TestMiddleware_NoError(t *testing.T) {
	rec := serve(t, nil, func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWrapHTTPError(t *testing.T) {
	tests := []struct {
		code int
		want ErrorType
	}{
		{http.StatusBadRequest, TypeValidation},
		{http.StatusUnauthorized, TypeUnauthenticated},
		{http.StatusForbidden, TypeForbidden},
		{http.StatusNotFound, TypeNotFound},
		{http.StatusMethodNotAllowed, TypeNotAllowed},
		{http.StatusServiceUnavailable, TypeExternal},
		{http.StatusTeapot, TypeInternal},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			got := WrapHTTPError(echo.NewHTTPError(tt.code))
			assert.Equal(t, tt.want, got.Type)
		})
	}

	withMsg := WrapHTTPError(echo.NewHTTPError(http.StatusNotFound, "no route"))
	assert.Equal(t, "no route", withMsg.Message)
}
