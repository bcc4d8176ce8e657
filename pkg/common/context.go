package common

type ContextKey int

const (
	TraceIDContextKey ContextKey = iota
	APIKeyContextKey
	SessionIDContextKey
	ClientIPContextKey
	RateLimitKeyContextKey
	SecretVerifiedContextKey
	TimeContextKey
	// Add new fields _above_
	CONTEXT_KEYS_COUNT
)
