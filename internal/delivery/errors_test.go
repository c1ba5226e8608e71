package delivery

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_DefaultRetryable(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected bool
	}{
		{KindPermissionDenied, false},
		{KindTokenRegistrationFailed, true},
		{KindTokenSaveFailed, true},
		{KindSendFailed, true},
		{KindInvalidToken, false},
		{KindNetworkError, true},
		{KindStorageError, true},
		{KindDeviceUnsupported, false},
		{KindConfigMissing, false},
		{KindChannelSetupFailed, true},
		{KindRateLimitExceeded, true},
	}

	require.Len(t, tests, len(Kinds))
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.True(t, tt.kind.Valid())
			assert.Equal(t, tt.expected, tt.kind.DefaultRetryable())
			assert.Equal(t, tt.expected, New(tt.kind, "x").IsRetryable())
		})
	}

	assert.False(t, Kind("bogus").Valid())
}

func TestNew(t *testing.T) {
	cause := errors.New("connection reset")

	err := New(KindSendFailed, "push failed",
		WithCause(cause),
		WithRetryable(false),
		WithField("job_id", "abc"),
		WithContext(map[string]any{"attempt": 3}),
	)

	assert.Equal(t, KindSendFailed, err.Kind())
	assert.Equal(t, "push failed", err.Message())
	assert.False(t, err.IsRetryable())
	assert.Equal(t, "send-failed: push failed: connection reset", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.False(t, err.Timestamp().IsZero())

	id, ok := err.Field("job_id")
	require.True(t, ok)
	assert.Equal(t, "abc", id)
	assert.Equal(t, map[string]any{"job_id": "abc", "attempt": 3}, err.Context())
}

func TestError_ContextIsCopied(t *testing.T) {
	err := New(KindStorageError, "write failed", WithField("key", "queue"))

	ctx := err.Context()
	ctx["key"] = "mutated"

	v, _ := err.Field("key")
	assert.Equal(t, "queue", v)
}

func TestWrap(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, Wrap(nil, KindSendFailed, "x"))
	})

	t.Run("plain error", func(t *testing.T) {
		cause := errors.New("boom")
		err := Wrap(cause, KindNetworkError, "dial")
		assert.Equal(t, KindNetworkError, err.Kind())
		assert.ErrorIs(t, err, cause)
	})

	t.Run("already classified", func(t *testing.T) {
		inner := New(KindInvalidToken, "bad token")
		wrapped := fmt.Errorf("save: %w", inner)
		assert.Same(t, inner, Wrap(wrapped, KindSendFailed, "x"))
	})
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindRateLimitExceeded, "slow down"))

	assert.True(t, IsKind(err, KindRateLimitExceeded))
	assert.False(t, IsKind(err, KindSendFailed))
	assert.False(t, IsKind(errors.New("plain"), KindSendFailed))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"retryable delivery error", New(KindNetworkError, "offline"), true},
		{"terminal delivery error", New(KindConfigMissing, "no project id"), false},
		{"wrapped terminal", fmt.Errorf("ctx: %w", New(KindInvalidToken, "bad")), false},
		{"generic error defaults to retryable", errors.New("unknown"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}
