package dataplane

import (
	"golang.org/x/time/rate"
)

// newOutboundLimiter builds a token-bucket limiter admitting pps
// datagrams per second, with a burst equal to one second of budget. A
// pps of zero means unlimited (nil limiter; callers treat nil as
// always-allow).
func newOutboundLimiter(pps int) *rate.Limiter {
	if pps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(pps), pps)
}
