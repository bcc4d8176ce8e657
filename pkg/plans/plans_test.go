package plans

import (
	"testing"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/db"
)

func TestLimitsFallBackToDefaults(t *testing.T) {
	t.Parallel()

	defaults := NewDefaults(0, 0)

	limits := defaults.ForAPIKey(nil)
	if limits.PerMinute != DefaultPerMinute || limits.PerDay != DefaultPerDay {
		t.Errorf("nil key limits %+v", limits)
	}

	limits = defaults.ForAPIKey(&db.APIKey{})
	if limits.PerMinute != DefaultPerMinute || limits.PerDay != DefaultPerDay {
		t.Errorf("zero-valued key limits %+v", limits)
	}
}

func TestLimitsFromKeyRow(t *testing.T) {
	t.Parallel()

	defaults := NewDefaults(100, 5000)

	limits := defaults.ForAPIKey(&db.APIKey{RateLimitPerMinute: 10, RateLimitPerDay: 200})
	if limits.PerMinute != 10 || limits.PerDay != 200 {
		t.Errorf("key limits %+v", limits)
	}

	limits = defaults.ForAPIKey(&db.APIKey{RateLimitPerMinute: 10})
	if limits.PerMinute != 10 || limits.PerDay != 5000 {
		t.Errorf("partial key limits %+v", limits)
	}
}

func TestLimitsWindows(t *testing.T) {
	t.Parallel()

	windows := NewDefaults(60, 1000).ForAPIKey(nil).Windows()
	if len(windows) != 2 {
		t.Fatalf("got %v windows", len(windows))
	}
	if windows[0].Length != time.Minute || windows[0].Limit != 60 {
		t.Errorf("minute window %+v", windows[0])
	}
	if windows[1].Length != 24*time.Hour || windows[1].Limit != 1000 {
		t.Errorf("day window %+v", windows[1])
	}
}
