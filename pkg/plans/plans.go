// Package plans resolves the effective rate limits for an api key. Keys
// carry plan-derived limits on their row; zero means "use the defaults".
package plans

import (
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/db"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/ratelimit"
)

const (
	DefaultPerMinute = 60
	DefaultPerDay    = 1000
)

type Limits struct {
	PerMinute int64
	PerDay    int64
}

// Defaults are the fallback limits, overridable from configuration.
type Defaults struct {
	PerMinute int64
	PerDay    int64
}

func NewDefaults(perMinute, perDay int64) Defaults {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	if perDay <= 0 {
		perDay = DefaultPerDay
	}

	return Defaults{PerMinute: perMinute, PerDay: perDay}
}

func (d Defaults) ForAPIKey(key *db.APIKey) Limits {
	limits := Limits{PerMinute: d.PerMinute, PerDay: d.PerDay}

	if key == nil {
		return limits
	}

	if key.RateLimitPerMinute > 0 {
		limits.PerMinute = int64(key.RateLimitPerMinute)
	}
	if key.RateLimitPerDay > 0 {
		limits.PerDay = int64(key.RateLimitPerDay)
	}

	return limits
}

// Windows shapes the limits for the key-scoped window limiter.
func (l Limits) Windows() []ratelimit.Window {
	return []ratelimit.Window{
		ratelimit.MinuteWindow(l.PerMinute),
		ratelimit.DayWindow(l.PerDay),
	}
}
