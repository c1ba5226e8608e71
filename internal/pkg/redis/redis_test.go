package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_InvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), Config{URL: "not a url"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(context.Background(), Config{
		URL:             "redis://127.0.0.1:1/0",
		ConnectAttempts: 2,
		RetryInterval:   time.Millisecond,
		ConnectTimeout:  5 * time.Second,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
}
