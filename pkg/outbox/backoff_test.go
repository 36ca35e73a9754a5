package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeBackoff_Deterministic(t *testing.T) {
	policy := DefaultBackoffPolicy()
	a := ComputeBackoff("evt_1", 3, policy)
	b := ComputeBackoff("evt_1", 3, policy)
	assert.Equal(t, a, b)
}

func TestComputeBackoff_Exponential(t *testing.T) {
	policy := BackoffPolicy{BaseMs: 100, MaxMs: 10_000}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff("evt", 0, policy))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff("evt", 1, policy))
	assert.Equal(t, 800*time.Millisecond, ComputeBackoff("evt", 3, policy))
	assert.Equal(t, 10*time.Second, ComputeBackoff("evt", 12, policy))
	assert.Equal(t, 10*time.Second, ComputeBackoff("evt", 90, policy))
}

func TestComputeBackoff_JitterBounded(t *testing.T) {
	policy := BackoffPolicy{BaseMs: 100, MaxMs: 1000, MaxJitterMs: 50}
	for attempt := 0; attempt < 20; attempt++ {
		d := ComputeBackoff("evt_jitter", attempt, policy)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 1050*time.Millisecond)
	}
}
