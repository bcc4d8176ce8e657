package monitoring

import (
	"net/http"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
)

type stubMetrics struct{}

func NewStub() *stubMetrics {
	return &stubMetrics{}
}

var _ common.PlatformMetrics = (*stubMetrics)(nil)
var _ common.APIMetrics = (*stubMetrics)(nil)

func (sm *stubMetrics) Handler(h http.Handler) http.Handler {
	return h
}

func (sm *stubMetrics) ObserveTierDecision(tier string) {}

func (sm *stubMetrics) ObserveChallengeCreated(kind string) {}

func (sm *stubMetrics) ObserveChallengeVerified(kind string, success bool) {}

func (sm *stubMetrics) ObserveHealth(postgres, clickhouse, kv bool) {}

func (sm *stubMetrics) ObserveCacheHitRatio(ratio float64) {}
