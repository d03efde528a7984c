package gitclient

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayBoundsAndGrowth(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < 6; attempt++ {
		d := backoffDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 36*time.Second) // 30s cap + 20% jitter headroom
		if attempt > 0 && attempt < 4 {
			assert.Greater(t, d, prev/2) // roughly doubling before the cap kicks in
		}
		prev = d
	}
}

func TestIsNonRetryable(t *testing.T) {
	assert.True(t, isNonRetryable(errors.New("remote: Authentication failed")))
	assert.True(t, isNonRetryable(errors.New("error: invalid ref refs/heads/x")))
	assert.False(t, isNonRetryable(errors.New("connection reset by peer")))
	assert.False(t, isNonRetryable(nil))
}

func TestHashAndVerifyCredential(t *testing.T) {
	hash, err := HashCredential("ghp_supersecrettoken")
	assert.NoError(t, err)
	assert.NotContains(t, hash, "ghp_supersecrettoken")
	assert.True(t, VerifyCredential(hash, "ghp_supersecrettoken"))
	assert.False(t, VerifyCredential(hash, "wrong"))
}
