package temporal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfinityGreaterThanAnyConcreteInstant(t *testing.T) {
	assert.True(t, Infinity.After(time.Now().AddDate(100, 0, 0)))
	assert.True(t, IsOpen(Infinity))
	assert.False(t, IsOpen(time.Now()))
}

func TestInfinityRoundTripsThroughRFC3339(t *testing.T) {
	encoded := Infinity.Format(time.RFC3339)
	decoded, err := time.Parse(time.RFC3339, encoded)
	require.NoError(t, err)
	assert.True(t, decoded.Equal(Infinity))
}

func TestIntervalContainsHalfOpen(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	iv := Interval{From: from, To: to}

	assert.True(t, iv.Contains(from))
	assert.False(t, iv.Contains(to))
	assert.True(t, iv.Contains(from.Add(time.Hour)))
	assert.False(t, iv.Contains(from.Add(-time.Second)))
}

func TestIntervalOpen(t *testing.T) {
	iv := Interval{From: time.Now(), To: Infinity}
	assert.True(t, iv.Open())
}

func TestMonotonicClockNeverGoesBackwards(t *testing.T) {
	clock := NewMonotonicClock()

	var prev time.Time

	for i := 0; i < 1000; i++ {
		now := clock.Now()
		assert.True(t, now.After(prev) || now.Equal(prev))
		prev = now
	}
}

func TestMonotonicClockConcurrentCallersStayOrdered(t *testing.T) {
	clock := NewMonotonicClock()

	const goroutines = 50

	const perGoroutine = 200

	results := make(chan time.Time, goroutines*perGoroutine)

	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < perGoroutine; j++ {
				results <- clock.Now()
			}
		}()
	}

	wg.Wait()
	close(results)

	seen := make(map[time.Time]bool)
	for ts := range results {
		assert.False(t, seen[ts], "duplicate tx_at issued: %v", ts)
		seen[ts] = true
	}
}
