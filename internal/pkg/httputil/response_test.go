package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	Success(rec, http.StatusCreated, map[string]int{"sent": 2})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"sent":2}}`, rec.Body.String())
}

func TestCodedError(t *testing.T) {
	rec := httptest.NewRecorder()
	CodedError(rec, http.StatusTooManyRequests, "rate-limit-exceeded", "too many requests")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":{"message":"too many requests","code":"rate-limit-exceeded"}}`, rec.Body.String())
}

func TestValidationError(t *testing.T) {
	t.Run("field errors", func(t *testing.T) {
		type request struct {
			UserID string `validate:"required"`
		}
		err := validator.New().Struct(request{})
		require.Error(t, err)

		rec := httptest.NewRecorder()
		ValidationError(rec, err)

		var body struct {
			Error struct {
				Message string       `json:"message"`
				Details []FieldError `json:"details"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "validation error", body.Error.Message)
		assert.Equal(t, []FieldError{{Field: "UserID", Message: "required"}}, body.Error.Details)
	})

	t.Run("plain error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ValidationError(rec, errors.New("title is empty"))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":{"message":"validation error","details":"title is empty"}}`, rec.Body.String())
	})
}
