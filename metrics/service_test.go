package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHealthzReportsOkWhenNoErrors(t *testing.T) {
	svc := NewService(":0", func() map[string]error {
		return map[string]error{"el-data": nil, "proof": nil}
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	svc.healthzHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "el-data: OK")
}

func TestHealthzReportsErrorWhenAnyServiceUnhealthy(t *testing.T) {
	svc := NewService(":0", func() map[string]error {
		return map[string]error{"el-data": nil, "proof": errors.New("webhook bind failed")}
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	svc.healthzHandler(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "proof: ERROR webhook bind failed")
}

func TestStatusSurfacesListenFailure(t *testing.T) {
	svc := NewService(":0", func() map[string]error { return nil })
	require.NoError(t, svc.Status())

	svc.failStatus = errors.New("address already in use")
	require.Error(t, svc.Status())
}
