package httputil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errNotFound = errors.New("not found")

func TestHandleError(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleError(t.Context(), rec, errNotFound, []ErrorMapping{{Error: errNotFound, Status: http.StatusNotFound}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	HandleError(t.Context(), rec, assert.AnError, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleError_DeadlineExceeded(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleError(t.Context(), rec, fmt.Errorf("query: %w", context.DeadlineExceeded), nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}
