package ratelimit

import (
	"log/slog"
	"net/http"

	realclientip "github.com/realclientip/realclientip-go"
)

// UnknownIP is the principal used when no client address can be derived.
const UnknownIP = "unknown"

// NewClientIPStrategy prefers the configured single header, then the
// rightmost non-private X-Forwarded-For hop, then X-Real-IP, then the
// direct peer address.
func NewClientIPStrategy(header string) realclientip.Strategy {
	if len(header) > 0 {
		return realclientip.Must(realclientip.NewSingleIPHeaderStrategy(header))
	}

	return realclientip.NewChainStrategy(
		realclientip.Must(realclientip.NewRightmostNonPrivateStrategy("X-Forwarded-For")),
		realclientip.Must(realclientip.NewSingleIPHeaderStrategy("X-Real-IP")),
		realclientip.RemoteAddrStrategy{},
	)
}

func ClientIP(strategy realclientip.Strategy, r *http.Request) string {
	if strategy == nil {
		return UnknownIP
	}

	ip := strategy.ClientIP(r.Header, r.RemoteAddr)
	if len(ip) == 0 {
		slog.WarnContext(r.Context(), "Empty client IP address")
		return UnknownIP
	}

	// the zone is not part of the rate limiting key
	ip, _ = realclientip.SplitHostZone(ip)

	return ip
}
