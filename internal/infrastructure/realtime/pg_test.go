package realtime

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayStaysUnderCeiling(t *testing.T) {
	for attempt := 0; attempt <= 12; attempt++ {
		ceiling := time.Duration(float64(reconnectBase) * math.Pow(2, float64(attempt)))
		if ceiling > reconnectMax {
			ceiling = reconnectMax
		}

		for range 50 {
			d := retryDelay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, ceiling, "attempt %d", attempt)
		}
	}
}

func TestRetryDelayCapped(t *testing.T) {
	// Far beyond the cap the window must stop growing.
	for range 50 {
		assert.LessOrEqual(t, retryDelay(40), reconnectMax)
	}
}
