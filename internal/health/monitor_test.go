package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/courtside-push/internal/breaker"
	"github.com/bissquit/courtside-push/internal/delivery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_Check(t *testing.T) {
	tests := []struct {
		name        string
		errors      int
		openBreaker bool
		healthy     bool
		sampled     int
	}{
		{"no errors", 0, false, true, 0},
		{"below threshold", 4, false, true, 4},
		{"at threshold", 5, false, false, 5},
		{"sample is capped", 25, false, false, SampleSize},
		{"breaker open", 0, true, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := delivery.NewErrorLog(50)
			for i := 0; i < tt.errors; i++ {
				log.Record(delivery.New(delivery.KindSendFailed, "x"))
			}

			b := breaker.New(breaker.Config{Name: "health-test", FailureThreshold: 1, Cooldown: time.Hour})
			if tt.openBreaker {
				_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("down") })
			}

			m := NewMonitor(log)
			report := m.Check(b)

			assert.Equal(t, tt.healthy, report.Healthy)
			assert.Equal(t, tt.sampled, report.ErrorCount)
			assert.Equal(t, tt.errors, report.Analytics.Total)
			if tt.openBreaker {
				assert.Equal(t, "open", report.BreakerState)
			}
		})
	}
}

func TestMonitor_Last(t *testing.T) {
	log := delivery.NewErrorLog(10)
	log.Record(delivery.New(delivery.KindInvalidToken, "bad"))
	log.Record(delivery.New(delivery.KindInvalidToken, "bad"))
	b := breaker.New(breaker.DefaultConfig("last-test"))

	m := NewMonitor(log)
	_, ok := m.Last()
	assert.False(t, ok)

	first := m.Check(b)
	last, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, first.CheckedAt, last.CheckedAt)
	assert.Equal(t, 2, last.ErrorsByKind[delivery.KindInvalidToken])

	// Checking twice without new errors yields the same verdict.
	second := m.Check(b)
	assert.Equal(t, first.Healthy, second.Healthy)
	assert.Equal(t, first.ErrorCount, second.ErrorCount)
}
