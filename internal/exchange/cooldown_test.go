package exchange

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRateLimitCooldownReadsResetTimestamp(t *testing.T) {
	future := time.Now().Add(3 * time.Second).UnixMilli()
	err := errors.New(`HTTP 429: {"retCode":10006} headers: X-Bapi-Limit-Reset-Timestamp: ` + strconv.FormatInt(future, 10))

	d, limited := parseRateLimitCooldown(err)
	require.True(t, limited)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 3*time.Second)
}

func TestParseRateLimitCooldownReadsRetryAfter(t *testing.T) {
	err := errors.New(`HTTP 429 rate limited, Retry-After: 5`)

	d, limited := parseRateLimitCooldown(err)
	require.True(t, limited)
	assert.Equal(t, 5*time.Second, d)
}

func TestParseRateLimitCooldownIgnoresUnrelatedErrors(t *testing.T) {
	_, limited := parseRateLimitCooldown(errors.New("connection refused"))
	assert.False(t, limited)
}
