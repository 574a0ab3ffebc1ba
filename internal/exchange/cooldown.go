package exchange

import (
	"regexp"
	"strconv"
	"time"
)

// bybit reports a throttled request as an HTTP 429 or as a 10006/10018
// ret_code inside an otherwise-200 body, carrying the advertised reset
// point in the X-Bapi-Limit-Reset-Timestamp header (epoch ms) or, for
// plain HTTP 429s, a Retry-After header (seconds). The SDK surfaces
// transport failures only as an error string, so retryAfterRe/resetTsRe
// pull the header value back out of it rather than requiring a second,
// typed error path through the vendor client.
var (
	retryAfterRe = regexp.MustCompile(`(?i)retry-after["\s:]+(\d+)`)
	resetTsRe    = regexp.MustCompile(`(?i)x-bapi-limit-reset-timestamp["\s:]+(\d+)`)
	limitStatusRe = regexp.MustCompile(`(?i)(429|ret_code["\s:]+100(06|18))`)
)

// parseRateLimitCooldown reports whether err represents a venue rate-limit
// rejection and, if so, how long the caller should pause before retrying.
func parseRateLimitCooldown(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	msg := err.Error()

	if !limitStatusRe.MatchString(msg) {
		return 0, false
	}

	if m := resetTsRe.FindStringSubmatch(msg); len(m) == 2 {
		if ms, parseErr := strconv.ParseInt(m[1], 10, 64); parseErr == nil {
			until := time.UnixMilli(ms)
			if d := time.Until(until); d > 0 {
				return d, true
			}
		}
	}

	if m := retryAfterRe.FindStringSubmatch(msg); len(m) == 2 {
		if secs, parseErr := strconv.Atoi(m[1]); parseErr == nil {
			return time.Duration(secs) * time.Second, true
		}
	}

	// Rate-limited with no parseable reset hint; fall back to a fixed pause.
	return time.Second, true
}
